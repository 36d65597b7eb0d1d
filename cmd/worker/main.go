package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"

	"github.com/amillerrr/vod-pipeline/internal/cache"
	"github.com/amillerrr/vod-pipeline/internal/config"
	"github.com/amillerrr/vod-pipeline/internal/deletion"
	"github.com/amillerrr/vod-pipeline/internal/health"
	"github.com/amillerrr/vod-pipeline/internal/logger"
	"github.com/amillerrr/vod-pipeline/internal/media"
	"github.com/amillerrr/vod-pipeline/internal/observability"
	"github.com/amillerrr/vod-pipeline/internal/queue"
	"github.com/amillerrr/vod-pipeline/internal/storage"
	"github.com/amillerrr/vod-pipeline/internal/thumbnail"
	"github.com/amillerrr/vod-pipeline/internal/transcode"
	"github.com/amillerrr/vod-pipeline/internal/views"
	"github.com/amillerrr/vod-pipeline/pkg/models"
)

const (
	AWSConfigTimeout = 10 * time.Second
	ShutdownTimeout  = 5 * time.Second
)

func main() {
	log := logger.New()
	slog.SetDefault(log)
	ctx := context.Background()

	if err := godotenv.Load(); err != nil {
		logger.Info(ctx, log, "No .env file found, relying on system ENV variables")
	}

	cfg, err := config.LoadWorker()
	if err != nil {
		logger.Error(ctx, log, "Invalid configuration", "error", err)
		os.Exit(1)
	}

	shutdownTracer, err := observability.InitTracer(ctx, "vod-worker", cfg.Observability.OTLPEndpoint, cfg.Environment)
	if err != nil {
		logger.Error(ctx, log, "Failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error(context.Background(), log, "Failed to shutdown tracer", "error", err)
		}
	}()

	awsCtx, cancelAWS := context.WithTimeout(ctx, AWSConfigTimeout)
	awsCfg, err := awsconfig.LoadDefaultConfig(awsCtx, awsconfig.WithRegion(cfg.AWS.Region))
	cancelAWS()
	if err != nil {
		logger.Error(ctx, log, "Failed to load AWS config", "error", err)
		os.Exit(1)
	}
	otelaws.AppendMiddlewares(&awsCfg.APIOptions)

	s3Client := s3.NewFromConfig(awsCfg)
	sqsClient := sqs.NewFromConfig(awsCfg)
	dynamoClient := dynamodb.NewFromConfig(awsCfg)

	objects := storage.NewObjectStoreFromClient(s3Client, cfg.AWS.MediaBucket)
	assets := storage.NewAssetRepositoryFromClient(dynamoClient, cfg.AWS.DynamoDBTable)

	redisCache, err := cache.New(ctx, cfg.Redis)
	if err != nil {
		logger.Error(ctx, log, "Failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisCache.Close()

	toolchain := media.NewFFmpeg(log)
	jobQueue := queue.New(sqsClient, redisCache, log)

	jobQueue.Register(models.JobTypeTranscode, transcode.New(&transcode.Config{
		Assets:           assets,
		Objects:          objects,
		Cache:            redisCache,
		Toolchain:        toolchain,
		BitrateFloorKbps: cfg.Worker.BitrateFloorKbps,
		Logger:           log,
	}), queue.QueueConfig{
		URL:         cfg.AWS.QueueURLs["transcode"],
		MaxAttempts: cfg.Worker.MaxAttempts,
		Concurrency: cfg.Worker.TranscodeConcurrency,
	})

	jobQueue.Register(models.JobTypeThumbnail, thumbnail.New(&thumbnail.Config{
		Assets:            assets,
		Objects:           objects,
		Cache:             redisCache,
		Toolchain:         toolchain,
		DarkLumaThreshold: cfg.Worker.DarkLumaThreshold,
		TileWidth:         cfg.Worker.StoryboardTileWidth,
		TileHeight:        cfg.Worker.StoryboardTileHeight,
		Logger:            log,
	}), queue.QueueConfig{
		URL:         cfg.AWS.QueueURLs["thumbnail"],
		MaxAttempts: cfg.Worker.MaxAttempts,
		Concurrency: cfg.Worker.ThumbnailConcurrency,
	})

	jobQueue.Register(models.JobTypeDeletion, deletion.New(&deletion.Config{
		Assets:    assets,
		Objects:   objects,
		Canceller: jobQueue,
		Cache:     redisCache,
		Logger:    log,
	}), queue.QueueConfig{
		URL:         cfg.AWS.QueueURLs["deletion"],
		MaxAttempts: cfg.Worker.MaxAttempts,
		Concurrency: cfg.Worker.DeletionConcurrency,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	flusher := views.NewFlusher(assets, redisCache, cfg.Views.FlushBatch, log)
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Views.FlushSpec, func() {
		if err := flusher.Flush(runCtx); err != nil {
			logger.Error(runCtx, log, "View flush cycle failed", "error", err)
		}
	}); err != nil {
		logger.Error(ctx, log, "Invalid flush schedule", "spec", cfg.Views.FlushSpec, "error", err)
		os.Exit(1)
	}
	if _, err := scheduler.AddFunc(cfg.Worker.RetentionSweepSpec, func() {
		sweepPendingDeletions(runCtx, log, assets, jobQueue, cfg.Worker.RetentionSweepLimit)
	}); err != nil {
		logger.Error(ctx, log, "Invalid sweep schedule", "spec", cfg.Worker.RetentionSweepSpec, "error", err)
		os.Exit(1)
	}
	scheduler.Start()

	metricsServer := startMetricsServer(cfg, log, health.NewChecker(&health.Config{
		ServiceName:    "vod-worker",
		S3Client:       s3Client,
		SQSClient:      sqsClient,
		DynamoDBClient: dynamoClient,
		Cache:          redisCache,
		QueueURLs:      cfg.AWS.QueueURLs,
		MediaBucket:    cfg.AWS.MediaBucket,
		Table:          cfg.AWS.DynamoDBTable,
		Logger:         log,
		CacheTTL:       health.DefaultCacheTTL,
		CheckTimeout:   health.DefaultCheckTimeout,
		DeepCheckLimit: health.DefaultDeepCheckLimit,
	}))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Info(context.Background(), log, "Shutting down worker...")
		cancel()
	}()

	// Blocks until shutdown, then drains in-progress jobs.
	jobQueue.Run(runCtx)

	cronCtx := scheduler.Stop()
	<-cronCtx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), log, "Failed to shutdown metrics server", "error", err)
	}
}

// sweepPendingDeletions re-enqueues deletion work for assets whose scheduled
// deletion time has passed. Dedup keys make overlapping sweeps harmless.
func sweepPendingDeletions(ctx context.Context, log *slog.Logger, assets *storage.AssetRepository, jobQueue *queue.Queue, limit int) {
	pending, err := assets.ListPendingDeletion(ctx, time.Now(), int32(limit))
	if err != nil {
		logger.Error(ctx, log, "Retention sweep query failed", "error", err)
		return
	}
	for _, asset := range pending {
		err := jobQueue.Enqueue(ctx, models.JobTypeDeletion,
			models.VideoJobPayload{VideoID: asset.VideoID},
			queue.EnqueueOptions{DedupKey: "deletion:" + asset.VideoID})
		if err != nil {
			logger.Error(ctx, log, "Failed to enqueue deletion from sweep", "videoId", asset.VideoID, "error", err)
		}
	}
	if len(pending) > 0 {
		logger.Info(ctx, log, "Retention sweep complete", "enqueued", len(pending))
	}
}

func startMetricsServer(cfg *config.Config, log *slog.Logger, checker *health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", checker.Handler())
	mux.HandleFunc("/health/deep", checker.DeepHandler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Worker.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info(context.Background(), log, "Starting metrics server", "port", cfg.Worker.MetricsPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), log, "Metrics server error", "error", err)
		}
	}()
	return srv
}
