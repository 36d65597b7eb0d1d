package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"

	"github.com/amillerrr/vod-pipeline/internal/api"
	"github.com/amillerrr/vod-pipeline/internal/cache"
	"github.com/amillerrr/vod-pipeline/internal/config"
	"github.com/amillerrr/vod-pipeline/internal/health"
	"github.com/amillerrr/vod-pipeline/internal/logger"
	"github.com/amillerrr/vod-pipeline/internal/observability"
	"github.com/amillerrr/vod-pipeline/internal/queue"
	"github.com/amillerrr/vod-pipeline/internal/storage"
	"github.com/amillerrr/vod-pipeline/internal/views"
	"github.com/amillerrr/vod-pipeline/pkg/models"
)

const (
	AWSConfigTimeout = 10 * time.Second
	ShutdownTimeout  = 10 * time.Second
)

func main() {
	log := logger.New()
	slog.SetDefault(log)
	ctx := context.Background()

	if err := godotenv.Load(); err != nil {
		logger.Info(ctx, log, "No .env file found, relying on system ENV variables")
	}

	cfg, err := config.LoadAPI()
	if err != nil {
		logger.Error(ctx, log, "Invalid configuration", "error", err)
		os.Exit(1)
	}

	shutdownTracer, err := observability.InitTracer(ctx, "vod-api", cfg.Observability.OTLPEndpoint, cfg.Environment)
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

	// The API only enqueues; handlers are registered for queue routing, not run.
	jobQueue := queue.New(sqsClient, redisCache, log)
	for t, url := range map[models.JobType]string{
		models.JobTypeTranscode: cfg.AWS.QueueURLs["transcode"],
		models.JobTypeThumbnail: cfg.AWS.QueueURLs["thumbnail"],
		models.JobTypeDeletion:  cfg.AWS.QueueURLs["deletion"],
	} {
		jobQueue.Register(t, nil, queue.QueueConfig{URL: url})
	}

	playbackTokens := views.NewTokenService(cfg.API.PlaybackSecret)
	aggregator := views.NewAggregator(playbackTokens, redisCache, log)
	jwtService := api.NewJWTService(cfg.API.JWTSecret)

	handlers := api.NewHandlers(&api.HandlersConfig{
		Config:         cfg,
		Logger:         log,
		Assets:         assets,
		Objects:        objects,
		Jobs:           jobQueue,
		ViewIngest:     aggregator,
		PlaybackTokens: playbackTokens,
		JWTService:     jwtService,
	})

	checker := health.NewChecker(&health.Config{
		ServiceName:    "vod-api",
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
	})

	server := api.NewServer(&api.ServerConfig{
		Config:        cfg,
		Logger:        log,
		Handlers:      handlers,
		JWTService:    jwtService,
		HealthChecker: checker,
	})

	go func() {
		if err := server.Start(); err != nil {
			logger.Error(context.Background(), log, "Server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), log, "Failed to shutdown server", "error", err)
	}
}
