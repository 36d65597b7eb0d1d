package views

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/amillerrr/vod-pipeline/internal/logger"
	"github.com/amillerrr/vod-pipeline/internal/metrics"
	"github.com/amillerrr/vod-pipeline/pkg/models"
)

// AssetStore is the metadata operation the flusher needs.
type AssetStore interface {
	AddViews(ctx context.Context, videoID string, count int64) error
}

// FlushCache is the subset of cache operations the flusher needs.
type FlushCache interface {
	OldestBuffered(ctx context.Context, n int64) ([]string, error)
	BufferedCount(ctx context.Context, videoID string) (int64, error)
	DrainApplied(ctx context.Context, videoID string, applied int64) (int64, error)
	InvalidateVideo(ctx context.Context, videoID string) error
}

// Flusher periodically drains buffered view counters into the metadata
// store, oldest counters first.
type Flusher struct {
	assets AssetStore
	cache  FlushCache
	batch  int64
	log    *slog.Logger

	mu sync.Mutex
}

// NewFlusher creates a Flusher draining up to batch counters per cycle.
func NewFlusher(assets AssetStore, cache FlushCache, batch int, log *slog.Logger) *Flusher {
	return &Flusher{assets: assets, cache: cache, batch: int64(batch), log: log}
}

// Flush runs one drain cycle. At most one cycle runs at a time; a tick that
// arrives while a cycle is in flight is skipped rather than queued.
//
// Each counter is read, applied to the store, then decremented by the amount
// applied. Views buffered while the apply was in flight survive as a
// positive remainder and are picked up next cycle, so a crash between apply
// and drain over-counts by at most one cycle and never loses views.
func (f *Flusher) Flush(ctx context.Context) error {
	if !f.mu.TryLock() {
		metrics.FlushSkipped.Inc()
		return nil
	}
	defer f.mu.Unlock()

	start := time.Now()
	defer func() {
		metrics.FlushDuration.Observe(time.Since(start).Seconds())
	}()

	ids, err := f.cache.OldestBuffered(ctx, f.batch)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	var flushed int64
	for _, videoID := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := f.flushOne(ctx, videoID)
		if err != nil {
			logger.Error(ctx, f.log, "View flush failed for video", "videoId", videoID, "error", err)
			continue
		}
		flushed += n
	}

	if flushed > 0 {
		logger.Info(ctx, f.log, "View flush cycle complete", "videos", len(ids), "views", flushed)
	}
	return nil
}

func (f *Flusher) flushOne(ctx context.Context, videoID string) (int64, error) {
	count, err := f.cache.BufferedCount(ctx, videoID)
	if err != nil {
		return 0, err
	}
	if count <= 0 {
		// Stale index entry; drain removes it.
		_, err := f.cache.DrainApplied(ctx, videoID, 0)
		return 0, err
	}

	if err := f.assets.AddViews(ctx, videoID, count); err != nil {
		if errors.Is(err, models.ErrAssetNotFound) {
			// The asset was deleted with views still buffered. Discard them.
			if _, drainErr := f.cache.DrainApplied(ctx, videoID, count); drainErr != nil {
				return 0, drainErr
			}
			logger.Warn(ctx, f.log, "Dropped buffered views for deleted video", "videoId", videoID, "views", count)
			return 0, nil
		}
		return 0, err
	}

	if _, err := f.cache.DrainApplied(ctx, videoID, count); err != nil {
		return count, err
	}
	metrics.ViewsFlushed.Add(float64(count))

	if err := f.cache.InvalidateVideo(ctx, videoID); err != nil {
		logger.Warn(ctx, f.log, "Cache invalidation failed", "videoId", videoID, "error", err)
	}
	return count, nil
}
