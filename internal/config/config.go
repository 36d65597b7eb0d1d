package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration. It is built once at startup
// and injected into each component; nothing reads the environment after Load.
type Config struct {
	Environment   string
	AWS           AWSConfig
	Redis         RedisConfig
	API           APIConfig
	Worker        WorkerConfig
	Views         ViewsConfig
	Observability ObservabilityConfig
	CORS          CORSConfig
}

// AWSConfig holds AWS-specific configuration.
type AWSConfig struct {
	Region        string
	MediaBucket   string
	DynamoDBTable string
	CDNDomain     string
	QueueURLs     map[string]string // job type -> SQS queue URL
}

// RedisConfig holds cache configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// APIConfig holds API server configuration.
type APIConfig struct {
	Port           string
	Username       string
	Password       string
	JWTSecret      string
	PlaybackSecret string
	PresignExpiry  time.Duration
}

// WorkerConfig holds job execution configuration.
type WorkerConfig struct {
	TranscodeConcurrency int
	ThumbnailConcurrency int
	DeletionConcurrency  int
	MaxAttempts          int
	MetricsPort          int

	// Transcode tuning
	BitrateFloorKbps int

	// Thumbnail tuning. The darkness threshold is a placeholder heuristic;
	// its exact value carries no guarantee.
	DarkLumaThreshold    float64
	StoryboardTileWidth  int
	StoryboardTileHeight int

	// Retention sweep
	RetentionSweepSpec  string
	RetentionSweepLimit int
}

// ViewsConfig holds view-aggregator configuration.
type ViewsConfig struct {
	FlushSpec  string
	FlushBatch int
}

// ObservabilityConfig holds observability configuration.
type ObservabilityConfig struct {
	OTLPEndpoint string
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins []string
}

// Default values
const (
	DefaultPort                = "8080"
	DefaultMetricsPort         = 2112
	DefaultConcurrency         = 2
	DefaultMaxAttempts         = 5
	DefaultOTLPEndpoint        = "localhost:4317"
	DefaultRegion              = "us-west-2"
	DefaultBitrateFloorKbps    = 500
	DefaultDarkLumaThreshold   = 40.0
	DefaultTileWidth           = 160
	DefaultTileHeight          = 90
	DefaultFlushSpec           = "@every 30s"
	DefaultFlushBatch          = 200
	DefaultRetentionSweepSpec  = "@every 10m"
	DefaultRetentionSweepLimit = 100
	DefaultPresignExpiry       = 15 * time.Minute
)

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("ENV", "dev"),
		AWS: AWSConfig{
			Region:        getEnv("AWS_REGION", DefaultRegion),
			MediaBucket:   os.Getenv("MEDIA_BUCKET"),
			DynamoDBTable: os.Getenv("DYNAMODB_TABLE"),
			CDNDomain:     os.Getenv("CDN_DOMAIN"),
			QueueURLs: map[string]string{
				"transcode": os.Getenv("TRANSCODE_QUEUE_URL"),
				"thumbnail": os.Getenv("THUMBNAIL_QUEUE_URL"),
				"deletion":  os.Getenv("DELETION_QUEUE_URL"),
			},
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		API: APIConfig{
			Port:           getEnv("PORT", DefaultPort),
			Username:       os.Getenv("API_USERNAME"),
			Password:       os.Getenv("API_PASSWORD"),
			JWTSecret:      os.Getenv("JWT_SECRET"),
			PlaybackSecret: os.Getenv("PLAYBACK_TOKEN_SECRET"),
			PresignExpiry:  getEnvDuration("PRESIGN_EXPIRY", DefaultPresignExpiry),
		},
		Worker: WorkerConfig{
			TranscodeConcurrency: getEnvInt("TRANSCODE_CONCURRENCY", DefaultConcurrency),
			ThumbnailConcurrency: getEnvInt("THUMBNAIL_CONCURRENCY", DefaultConcurrency),
			DeletionConcurrency:  getEnvInt("DELETION_CONCURRENCY", DefaultConcurrency),
			MaxAttempts:          getEnvInt("JOB_MAX_ATTEMPTS", DefaultMaxAttempts),
			MetricsPort:          getEnvInt("METRICS_PORT", DefaultMetricsPort),
			BitrateFloorKbps:     getEnvInt("BITRATE_FLOOR_KBPS", DefaultBitrateFloorKbps),
			DarkLumaThreshold:    getEnvFloat("DARK_LUMA_THRESHOLD", DefaultDarkLumaThreshold),
			StoryboardTileWidth:  getEnvInt("STORYBOARD_TILE_WIDTH", DefaultTileWidth),
			StoryboardTileHeight: getEnvInt("STORYBOARD_TILE_HEIGHT", DefaultTileHeight),
			RetentionSweepSpec:   getEnv("RETENTION_SWEEP_SPEC", DefaultRetentionSweepSpec),
			RetentionSweepLimit:  getEnvInt("RETENTION_SWEEP_LIMIT", DefaultRetentionSweepLimit),
		},
		Views: ViewsConfig{
			FlushSpec:  getEnv("VIEW_FLUSH_SPEC", DefaultFlushSpec),
			FlushBatch: getEnvInt("VIEW_FLUSH_BATCH", DefaultFlushBatch),
		},
		Observability: ObservabilityConfig{
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", DefaultOTLPEndpoint),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvSlice("CORS_ALLOWED_ORIGINS", nil),
		},
	}

	return cfg, nil
}

// LoadAPI loads configuration required for the API service.
func LoadAPI() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateAPI(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWorker loads configuration required for the Worker service.
func LoadWorker() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateWorker(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ValidateAPI validates configuration required for the API service.
func (c *Config) ValidateAPI() error {
	var errs []string

	if c.AWS.MediaBucket == "" {
		errs = append(errs, "MEDIA_BUCKET is required")
	}
	if c.AWS.DynamoDBTable == "" {
		errs = append(errs, "DYNAMODB_TABLE is required")
	}
	errs = append(errs, c.missingQueueURLs()...)
	if c.API.PlaybackSecret == "" {
		errs = append(errs, "PLAYBACK_TOKEN_SECRET is required")
	}

	if c.IsProduction() {
		if c.API.Username == "" {
			errs = append(errs, "API_USERNAME is required in production")
		}
		if c.API.Password == "" {
			errs = append(errs, "API_PASSWORD is required in production")
		}
		if len(c.API.JWTSecret) < 32 {
			errs = append(errs, "JWT_SECRET must be at least 32 characters in production")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ValidateWorker validates configuration required for the Worker service.
func (c *Config) ValidateWorker() error {
	var errs []string

	if c.AWS.MediaBucket == "" {
		errs = append(errs, "MEDIA_BUCKET is required")
	}
	if c.AWS.DynamoDBTable == "" {
		errs = append(errs, "DYNAMODB_TABLE is required")
	}
	errs = append(errs, c.missingQueueURLs()...)
	if c.Worker.BitrateFloorKbps <= 0 {
		errs = append(errs, "BITRATE_FLOOR_KBPS must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) missingQueueURLs() []string {
	var errs []string
	for _, name := range []string{"transcode", "thumbnail", "deletion"} {
		if c.AWS.QueueURLs[name] == "" {
			errs = append(errs, fmt.Sprintf("%s_QUEUE_URL is required", strings.ToUpper(name)))
		}
	}
	return errs
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Environment)
	return env == "prod" || env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil && intVal >= 0 {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil && f >= 0 {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
