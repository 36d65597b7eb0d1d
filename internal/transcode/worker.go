// Package transcode produces the adaptive rendition ladder for an asset's
// native source.
package transcode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/vod-pipeline/internal/logger"
	"github.com/amillerrr/vod-pipeline/internal/media"
	"github.com/amillerrr/vod-pipeline/internal/metrics"
	"github.com/amillerrr/vod-pipeline/internal/queue"
	"github.com/amillerrr/vod-pipeline/pkg/models"
)

var tracer = otel.Tracer("vod-transcode")

// MetadataStore is the subset of asset operations the worker needs.
type MetadataStore interface {
	GetAsset(ctx context.Context, videoID string) (*models.VideoAsset, error)
	SetStatus(ctx context.Context, videoID string, status models.VideoStatus, errorMessage string) error
	SetDuration(ctx context.Context, videoID string, seconds float64) error
	UpsertSource(ctx context.Context, videoID, label string, src models.VideoSource) error
	MarkTranscoded(ctx context.Context, videoID string) error
	MarkReadyIfComplete(ctx context.Context, videoID string) error
}

// ObjectStore is the subset of object operations the worker needs.
type ObjectStore interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, body io.Reader, contentType string) error
}

// Cache invalidates read models after metadata writes.
type Cache interface {
	InvalidateVideo(ctx context.Context, videoID string) error
}

// Worker handles transcode jobs.
type Worker struct {
	assets           MetadataStore
	objects          ObjectStore
	cache            Cache
	toolchain        media.Toolchain
	bitrateFloorKbps int
	log              *slog.Logger
}

// Config holds transcode worker dependencies.
type Config struct {
	Assets           MetadataStore
	Objects          ObjectStore
	Cache            Cache
	Toolchain        media.Toolchain
	BitrateFloorKbps int
	Logger           *slog.Logger
}

// New creates a transcode Worker.
func New(cfg *Config) *Worker {
	return &Worker{
		assets:           cfg.Assets,
		objects:          cfg.Objects,
		cache:            cfg.Cache,
		toolchain:        cfg.Toolchain,
		bitrateFloorKbps: cfg.BitrateFloorKbps,
		log:              cfg.Logger,
	}
}

// Handle executes one transcode job. Re-execution is safe: the asset is
// re-read, every rendition key is deterministic, and the source map is
// upserted by label.
func (w *Worker) Handle(ctx context.Context, job *models.Job) error {
	ctx, span := tracer.Start(ctx, "transcode-job")
	defer span.End()

	var payload models.VideoJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return queue.Fatal(fmt.Errorf("%w: %v", models.ErrJobParseFailed, err))
	}
	span.SetAttributes(attribute.String("video.id", payload.VideoID))

	asset, err := w.assets.GetAsset(ctx, payload.VideoID)
	if err != nil {
		if errors.Is(err, models.ErrAssetNotFound) {
			return queue.Fatal(err)
		}
		return err
	}
	if asset.NativeSourceKey == "" {
		return queue.Fatal(fmt.Errorf("%w: asset %s", models.ErrSourceNotFound, asset.VideoID))
	}

	if err := w.assets.SetStatus(ctx, asset.VideoID, models.StatusProcessing, ""); err != nil {
		logger.Warn(ctx, w.log, "Failed to set processing status", "videoId", asset.VideoID, "error", err)
	}

	scratch, err := media.NewScratch("transcode")
	if err != nil {
		return err
	}
	defer scratch.Close()

	start := time.Now()

	localPath, err := w.downloadSource(ctx, asset, scratch)
	if err != nil {
		return err
	}

	probe, err := w.toolchain.Probe(ctx, localPath)
	if err != nil {
		// An unreadable source will not become readable on retry.
		return queue.Fatal(err)
	}
	span.SetAttributes(
		attribute.Int("video.native_width", probe.Width),
		attribute.Int("video.native_height", probe.Height),
		attribute.Float64("video.duration_seconds", probe.DurationSeconds),
	)

	if err := w.assets.SetDuration(ctx, asset.VideoID, probe.DurationSeconds); err != nil {
		logger.Warn(ctx, w.log, "Failed to record duration", "videoId", asset.VideoID, "error", err)
	}

	nativeLabel := models.SourceLabel(probe.Height)
	if err := w.assets.UpsertSource(ctx, asset.VideoID, nativeLabel, models.VideoSource{
		Key:      asset.NativeSourceKey,
		Width:    probe.Width,
		Height:   probe.Height,
		IsNative: true,
	}); err != nil {
		return err
	}

	ladder := ComputeLadder(probe.Width, probe.Height)
	produced := 0
	for _, rung := range ladder {
		if ctx.Err() != nil {
			return fmt.Errorf("context canceled before %dp: %w", rung.Height, ctx.Err())
		}

		bitrate, err := w.produceRung(ctx, asset, localPath, rung, scratch)
		if err != nil {
			return err
		}
		produced++

		if bitrate <= w.bitrateFloorKbps {
			logger.Info(ctx, w.log, "Bitrate floor reached, stopping ladder",
				"videoId", asset.VideoID,
				"height", rung.Height,
				"measuredKbps", bitrate,
				"floorKbps", w.bitrateFloorKbps,
			)
			break
		}
	}
	metrics.LadderRungs.Observe(float64(produced))

	if err := w.assets.MarkTranscoded(ctx, asset.VideoID); err != nil {
		return err
	}
	if err := w.assets.MarkReadyIfComplete(ctx, asset.VideoID); err != nil {
		logger.Warn(ctx, w.log, "Ready check failed", "videoId", asset.VideoID, "error", err)
	}
	if err := w.cache.InvalidateVideo(ctx, asset.VideoID); err != nil {
		logger.Warn(ctx, w.log, "Cache invalidation failed", "videoId", asset.VideoID, "error", err)
	}

	logger.Info(ctx, w.log, "Transcode complete",
		"videoId", asset.VideoID,
		"rungs", produced,
		"durationSeconds", time.Since(start).Seconds(),
	)
	return nil
}

func (w *Worker) downloadSource(ctx context.Context, asset *models.VideoAsset, scratch *media.Scratch) (string, error) {
	ctx, span := tracer.Start(ctx, "download-source")
	defer span.End()

	downloadStart := time.Now()

	body, err := w.objects.Get(ctx, asset.NativeSourceKey)
	if err != nil {
		return "", fmt.Errorf("fetch source %s: %w", asset.NativeSourceKey, err)
	}
	defer body.Close()

	localPath := scratch.Path("source")
	f, err := os.Create(localPath)
	if err != nil {
		return "", fmt.Errorf("create source file: %w", err)
	}

	written, err := io.Copy(f, body)
	if err != nil {
		f.Close()
		return "", fmt.Errorf("write source file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close source file: %w", err)
	}

	metrics.DownloadDuration.Observe(time.Since(downloadStart).Seconds())
	span.SetAttributes(attribute.Int64("video.size_bytes", written))

	return localPath, nil
}

// produceRung encodes, uploads, and records one rendition, returning its
// measured bitrate.
func (w *Worker) produceRung(ctx context.Context, asset *models.VideoAsset, localPath string, rung Rung, scratch *media.Scratch) (int, error) {
	ctx, span := tracer.Start(ctx, "produce-rung")
	defer span.End()
	span.SetAttributes(
		attribute.Int("rung.width", rung.Width),
		attribute.Int("rung.height", rung.Height),
	)

	encodeStart := time.Now()
	outPath := scratch.Path(fmt.Sprintf("%dp.mp4", rung.Height))
	result, err := w.toolchain.Encode(ctx, localPath, rung.Width, rung.Height, outPath)
	if err != nil {
		return 0, err
	}
	metrics.EncodeDuration.WithLabelValues(strconv.Itoa(rung.Height)).Observe(time.Since(encodeStart).Seconds())

	key := models.RenditionKey(asset.NativeSourceKey, rung.Height)
	uploadStart := time.Now()
	f, err := os.Open(result.Path)
	if err != nil {
		return 0, fmt.Errorf("open rendition: %w", err)
	}
	defer f.Close()
	if err := w.objects.Put(ctx, key, f, "video/mp4"); err != nil {
		return 0, err
	}
	metrics.UploadDuration.Observe(time.Since(uploadStart).Seconds())

	label := models.SourceLabel(rung.Height)
	if err := w.assets.UpsertSource(ctx, asset.VideoID, label, models.VideoSource{
		Key:             key,
		Width:           rung.Width,
		Height:          rung.Height,
		MeasuredBitrate: result.MeasuredBitrateKbps,
		IsNative:        false,
	}); err != nil {
		return 0, err
	}

	logger.Info(ctx, w.log, "Rendition produced",
		"videoId", asset.VideoID,
		"height", rung.Height,
		"measuredKbps", result.MeasuredBitrateKbps,
	)
	return result.MeasuredBitrateKbps, nil
}
