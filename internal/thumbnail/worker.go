// Package thumbnail produces poster images and the scrub-preview storyboard
// for an asset's native source.
package thumbnail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/disintegration/imaging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/vod-pipeline/internal/logger"
	"github.com/amillerrr/vod-pipeline/internal/media"
	"github.com/amillerrr/vod-pipeline/internal/metrics"
	"github.com/amillerrr/vod-pipeline/internal/queue"
	"github.com/amillerrr/vod-pipeline/pkg/models"
)

// Poster dimensions and qualities.
const (
	SmallPosterWidth   = 640
	SmallPosterHeight  = 360
	SmallPosterQuality = 80

	LargePosterMaxEdge = 1280
	LargePosterQuality = 92

	// The fallback frame is pulled from a quarter of the way in.
	fallbackPosition = 0.25
)

var tracer = otel.Tracer("vod-thumbnail")

// MetadataStore is the subset of asset operations the worker needs.
type MetadataStore interface {
	GetAsset(ctx context.Context, videoID string) (*models.VideoAsset, error)
	SetThumbnails(ctx context.Context, videoID, smallKey, largeKey string) error
	SetStoryboard(ctx context.Context, videoID string, sb models.Storyboard) error
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

// Worker handles thumbnail/storyboard jobs.
type Worker struct {
	assets     MetadataStore
	objects    ObjectStore
	cache      Cache
	toolchain  media.Toolchain
	darkLuma   float64
	tileWidth  int
	tileHeight int
	log        *slog.Logger
}

// Config holds thumbnail worker dependencies.
type Config struct {
	Assets            MetadataStore
	Objects           ObjectStore
	Cache             Cache
	Toolchain         media.Toolchain
	DarkLumaThreshold float64
	TileWidth         int
	TileHeight        int
	Logger            *slog.Logger
}

// New creates a thumbnail Worker.
func New(cfg *Config) *Worker {
	return &Worker{
		assets:     cfg.Assets,
		objects:    cfg.Objects,
		cache:      cfg.Cache,
		toolchain:  cfg.Toolchain,
		darkLuma:   cfg.DarkLumaThreshold,
		tileWidth:  cfg.TileWidth,
		tileHeight: cfg.TileHeight,
		log:        cfg.Logger,
	}
}

// Handle executes one thumbnail job: choose a poster frame, derive both
// posters, and build the storyboard sprite. All output keys are
// deterministic, so re-execution overwrites instead of duplicating.
func (w *Worker) Handle(ctx context.Context, job *models.Job) error {
	ctx, span := tracer.Start(ctx, "thumbnail-job")
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
	if asset.Private {
		// Deriving public artifacts for a private asset is an invariant
		// violation, not a transient condition.
		return queue.Fatal(fmt.Errorf("%w: %s", models.ErrAssetPrivate, asset.VideoID))
	}
	if asset.NativeSourceKey == "" {
		return queue.Fatal(fmt.Errorf("%w: asset %s", models.ErrSourceNotFound, asset.VideoID))
	}

	scratch, err := media.NewScratch("thumbnail")
	if err != nil {
		return err
	}
	defer scratch.Close()

	localPath, err := w.downloadSource(ctx, asset, scratch)
	if err != nil {
		return err
	}

	probe, err := w.toolchain.Probe(ctx, localPath)
	if err != nil {
		return queue.Fatal(err)
	}

	frame, err := w.choosePosterFrame(ctx, localPath, probe.DurationSeconds)
	if err != nil {
		return err
	}

	if err := w.uploadPosters(ctx, asset, frame); err != nil {
		return err
	}

	if err := w.uploadStoryboard(ctx, asset, localPath); err != nil {
		return err
	}

	if err := w.assets.MarkReadyIfComplete(ctx, asset.VideoID); err != nil {
		logger.Warn(ctx, w.log, "Ready check failed", "videoId", asset.VideoID, "error", err)
	}
	if err := w.cache.InvalidateVideo(ctx, asset.VideoID); err != nil {
		logger.Warn(ctx, w.log, "Cache invalidation failed", "videoId", asset.VideoID, "error", err)
	}

	logger.Info(ctx, w.log, "Thumbnails complete", "videoId", asset.VideoID)
	return nil
}

// choosePosterFrame extracts the first frame and, if it scores below the
// darkness threshold, re-extracts exactly one alternate frame later in the
// timeline. The alternate is used regardless of its own luma; this is a
// single bounded fallback, not a search.
func (w *Worker) choosePosterFrame(ctx context.Context, path string, duration float64) (image.Image, error) {
	frame, err := w.toolchain.ExtractFrame(ctx, path, 0)
	if err != nil {
		return nil, err
	}

	if luma := AverageLuma(frame); luma < w.darkLuma && duration > 0 {
		fallbackTS := duration * fallbackPosition
		logger.Info(ctx, w.log, "First frame too dark, extracting fallback",
			"luma", luma,
			"threshold", w.darkLuma,
			"fallbackTimestamp", fallbackTS,
		)
		alt, err := w.toolchain.ExtractFrame(ctx, path, fallbackTS)
		if err != nil {
			return nil, err
		}
		return alt, nil
	}
	return frame, nil
}

func (w *Worker) uploadPosters(ctx context.Context, asset *models.VideoAsset, frame image.Image) error {
	ctx, span := tracer.Start(ctx, "upload-posters")
	defer span.End()

	small := imaging.Fill(frame, SmallPosterWidth, SmallPosterHeight, imaging.Center, imaging.Lanczos)
	smallKey := models.SmallThumbnailKey(asset.NativeSourceKey)
	if err := w.putJPEG(ctx, smallKey, small, SmallPosterQuality); err != nil {
		return err
	}

	large := imaging.Fit(frame, LargePosterMaxEdge, LargePosterMaxEdge, imaging.Lanczos)
	largeKey := models.LargeThumbnailKey(asset.NativeSourceKey)
	if err := w.putJPEG(ctx, largeKey, large, LargePosterQuality); err != nil {
		return err
	}

	return w.assets.SetThumbnails(ctx, asset.VideoID, smallKey, largeKey)
}

func (w *Worker) uploadStoryboard(ctx context.Context, asset *models.VideoAsset, localPath string) error {
	ctx, span := tracer.Start(ctx, "upload-storyboard")
	defer span.End()

	frames, err := w.toolchain.SampleFrames(ctx, localPath, SampleInterval)
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		logger.Warn(ctx, w.log, "No frames sampled, skipping storyboard", "videoId", asset.VideoID)
		return w.assets.SetStoryboard(ctx, asset.VideoID, models.Storyboard{
			TileWidth:  w.tileWidth,
			TileHeight: w.tileHeight,
		})
	}

	sprite, tiles := BuildSprite(frames, w.tileWidth, w.tileHeight, SampleInterval)
	span.SetAttributes(attribute.Int("storyboard.tiles", len(tiles)))

	key := models.StoryboardKey(asset.NativeSourceKey)
	if err := w.putJPEG(ctx, key, sprite, SmallPosterQuality); err != nil {
		return err
	}

	return w.assets.SetStoryboard(ctx, asset.VideoID, models.Storyboard{
		Key:        key,
		TileWidth:  w.tileWidth,
		TileHeight: w.tileHeight,
		Tiles:      tiles,
	})
}

func (w *Worker) putJPEG(ctx context.Context, key string, img image.Image, quality int) error {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	uploadStart := time.Now()
	if err := w.objects.Put(ctx, key, &buf, "image/jpeg"); err != nil {
		return err
	}
	metrics.UploadDuration.Observe(time.Since(uploadStart).Seconds())
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
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return "", fmt.Errorf("write source file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close source file: %w", err)
	}

	metrics.DownloadDuration.Observe(time.Since(downloadStart).Seconds())
	return localPath, nil
}
