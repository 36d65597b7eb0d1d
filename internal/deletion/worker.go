// Package deletion implements the cascading removal of a video asset: its
// in-flight jobs, every stored object version, the metadata record, and the
// owner's storage accounting.
package deletion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/amillerrr/vod-pipeline/internal/logger"
	"github.com/amillerrr/vod-pipeline/internal/metrics"
	"github.com/amillerrr/vod-pipeline/internal/queue"
	"github.com/amillerrr/vod-pipeline/internal/storage"
	"github.com/amillerrr/vod-pipeline/pkg/models"
)

// deleteConcurrency bounds parallel object-version deletes per job.
const deleteConcurrency = 8

var tracer = otel.Tracer("vod-deletion")

// MetadataStore is the subset of asset operations the worker needs.
type MetadataStore interface {
	GetAsset(ctx context.Context, videoID string) (*models.VideoAsset, error)
	DeleteAsset(ctx context.Context, videoID string) (*models.VideoAsset, error)
	DecrementStorageUsed(ctx context.Context, ownerID string, size int64) error
}

// ObjectStore is the subset of object operations the worker needs.
type ObjectStore interface {
	ListVersions(ctx context.Context, prefix string) ([]storage.ObjectVersion, error)
	DeleteVersion(ctx context.Context, key, versionID string) error
}

// Canceller stops in-flight and queued jobs for a video.
type Canceller interface {
	CancelForVideo(ctx context.Context, videoID string) error
}

// Cache invalidates read models after deletion.
type Cache interface {
	InvalidateVideo(ctx context.Context, videoID string) error
	InvalidateOwnerListing(ctx context.Context, ownerID string) error
}

// Worker handles deletion jobs.
type Worker struct {
	assets    MetadataStore
	objects   ObjectStore
	canceller Canceller
	cache     Cache
	log       *slog.Logger
}

// Config holds deletion worker dependencies.
type Config struct {
	Assets    MetadataStore
	Objects   ObjectStore
	Canceller Canceller
	Cache     Cache
	Logger    *slog.Logger
}

// New creates a deletion Worker.
func New(cfg *Config) *Worker {
	return &Worker{
		assets:    cfg.Assets,
		objects:   cfg.Objects,
		canceller: cfg.Canceller,
		cache:     cfg.Cache,
		log:       cfg.Logger,
	}
}

// Handle executes one deletion job. Object versions are removed before the
// metadata record so a mid-cascade failure retries with the record still
// present; once the record is gone a re-run is a no-op and the owner's quota
// is never decremented twice.
func (w *Worker) Handle(ctx context.Context, job *models.Job) error {
	ctx, span := tracer.Start(ctx, "deletion-job")
	defer span.End()

	var payload models.VideoJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return queue.Fatal(fmt.Errorf("%w: %v", models.ErrJobParseFailed, err))
	}
	span.SetAttributes(attribute.String("video.id", payload.VideoID))

	start := time.Now()
	defer func() {
		metrics.DeletionDuration.Observe(time.Since(start).Seconds())
	}()

	if err := w.canceller.CancelForVideo(ctx, payload.VideoID); err != nil {
		logger.Warn(ctx, w.log, "Job cancellation failed", "videoId", payload.VideoID, "error", err)
	}

	asset, err := w.assets.GetAsset(ctx, payload.VideoID)
	if err != nil {
		if errors.Is(err, models.ErrAssetNotFound) {
			logger.Info(ctx, w.log, "Asset already deleted", "videoId", payload.VideoID)
			return nil
		}
		return err
	}

	if asset.NativeSourceKey != "" {
		if err := w.deleteObjectVersions(ctx, models.ArtifactPrefix(asset.NativeSourceKey)); err != nil {
			return err
		}
	}

	old, err := w.assets.DeleteAsset(ctx, payload.VideoID)
	if err != nil {
		if errors.Is(err, models.ErrAssetNotFound) {
			// Lost a race with a concurrent cascade; the winner owns the
			// quota decrement.
			return nil
		}
		return err
	}

	if old.OwnerID != "" && old.SizeBytes > 0 {
		if err := w.assets.DecrementStorageUsed(ctx, old.OwnerID, old.SizeBytes); err != nil {
			logger.Error(ctx, w.log, "Storage decrement failed", "ownerId", old.OwnerID, "error", err)
		}
	}

	if err := w.cache.InvalidateVideo(ctx, payload.VideoID); err != nil {
		logger.Warn(ctx, w.log, "Cache invalidation failed", "videoId", payload.VideoID, "error", err)
	}
	if old.OwnerID != "" {
		if err := w.cache.InvalidateOwnerListing(ctx, old.OwnerID); err != nil {
			logger.Warn(ctx, w.log, "Owner listing invalidation failed", "ownerId", old.OwnerID, "error", err)
		}
	}

	logger.Info(ctx, w.log, "Deletion complete", "videoId", payload.VideoID, "ownerId", old.OwnerID)
	return nil
}

// deleteObjectVersions removes every version and delete marker under the
// asset's artifact prefix, including the native source.
func (w *Worker) deleteObjectVersions(ctx context.Context, prefix string) error {
	ctx, span := tracer.Start(ctx, "delete-object-versions")
	defer span.End()

	versions, err := w.objects.ListVersions(ctx, prefix)
	if err != nil {
		return fmt.Errorf("list versions %s: %w", prefix, err)
	}
	span.SetAttributes(attribute.Int("versions.count", len(versions)))
	if len(versions) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(deleteConcurrency)
	for _, v := range versions {
		g.Go(func() error {
			if err := w.objects.DeleteVersion(gctx, v.Key, v.VersionID); err != nil {
				return fmt.Errorf("delete %s@%s: %w", v.Key, v.VersionID, err)
			}
			metrics.ObjectVersionsDeleted.Inc()
			return nil
		})
	}
	return g.Wait()
}
