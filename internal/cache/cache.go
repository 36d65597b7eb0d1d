// Package cache wraps the Redis operations used by the pipeline: buffered
// view counters with their FIFO index, viewer rate-limit windows, enqueue
// dedup keys, the job cancellation set, and read-model invalidation.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/amillerrr/vod-pipeline/internal/config"
)

// Key layout
const (
	viewBufferPrefix = "views:buf:"
	viewIndexKey     = "views:index"
	rateLimitPrefix  = "views:rl:"
	dedupPrefix      = "queue:dedup:"
	cancelSetKey     = "queue:cancelled"
	videoPrefix      = "video:"
	ownerListPrefix  = "owner:videos:"

	counterField   = "count"
	firstSeenField = "first_seen"

	cancelSetTTL = 24 * time.Hour
)

// Cache is a thin wrapper around a Redis client.
type Cache struct {
	client *redis.Client
}

// New creates a Cache and verifies connectivity.
func New(ctx context.Context, cfg config.RedisConfig) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Cache{client: rdb}, nil
}

// NewFromClient wraps an existing client. Used by tests.
func NewFromClient(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// Ping checks connectivity.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error {
	return c.client.Close()
}

// BufferView records one accepted view for a video. The first increment of a
// cycle creates the counter and adds the video to the time-ordered index;
// later increments only bump the counter.
func (c *Cache) BufferView(ctx context.Context, videoID string, now time.Time) error {
	key := viewBufferPrefix + videoID
	n, err := c.client.HIncrBy(ctx, key, counterField, 1).Result()
	if err != nil {
		return fmt.Errorf("hincrby %s: %w", key, err)
	}
	if n == 1 {
		pipe := c.client.Pipeline()
		pipe.HSetNX(ctx, key, firstSeenField, now.Unix())
		pipe.ZAddNX(ctx, viewIndexKey, redis.Z{Score: float64(now.Unix()), Member: videoID})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("index %s: %w", videoID, err)
		}
	}
	return nil
}

// OldestBuffered returns up to n video ids from the index, oldest first.
func (c *Cache) OldestBuffered(ctx context.Context, n int64) ([]string, error) {
	ids, err := c.client.ZRange(ctx, viewIndexKey, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange %s: %w", viewIndexKey, err)
	}
	return ids, nil
}

// BufferedCount reads the current buffered count for a video.
func (c *Cache) BufferedCount(ctx context.Context, videoID string) (int64, error) {
	n, err := c.client.HGet(ctx, viewBufferPrefix+videoID, counterField).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("hget %s: %w", videoID, err)
	}
	return n, nil
}

// DrainApplied subtracts an applied amount from a buffered counter. When the
// remainder reaches zero the counter and its index entry are removed; a
// positive remainder (views accepted while the apply was in flight) stays
// indexed for the next cycle.
func (c *Cache) DrainApplied(ctx context.Context, videoID string, applied int64) (int64, error) {
	key := viewBufferPrefix + videoID
	remaining, err := c.client.HIncrBy(ctx, key, counterField, -applied).Result()
	if err != nil {
		return 0, fmt.Errorf("hincrby %s: %w", key, err)
	}
	if remaining <= 0 {
		pipe := c.client.Pipeline()
		pipe.Del(ctx, key)
		pipe.ZRem(ctx, viewIndexKey, videoID)
		if _, err := pipe.Exec(ctx); err != nil {
			return remaining, fmt.Errorf("remove %s: %w", videoID, err)
		}
	}
	return remaining, nil
}

// ArmRateLimit sets (or re-arms) a viewer rate-limit window unconditionally.
func (c *Cache) ArmRateLimit(ctx context.Context, viewerKey string, ttl time.Duration) error {
	return c.client.Set(ctx, rateLimitPrefix+viewerKey, 1, ttl).Err()
}

// AcquireRateLimit claims a viewer window. Returns false if the window is
// already held.
func (c *Cache) AcquireRateLimit(ctx context.Context, viewerKey string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, rateLimitPrefix+viewerKey, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", viewerKey, err)
	}
	return ok, nil
}

// RateLimited reports whether a viewer window is currently armed.
func (c *Cache) RateLimited(ctx context.Context, viewerKey string) (bool, error) {
	n, err := c.client.Exists(ctx, rateLimitPrefix+viewerKey).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", viewerKey, err)
	}
	return n > 0, nil
}

// AcquireDedup claims a dedup key for the given window. Returns false if
// equivalent work was already enqueued.
func (c *Cache) AcquireDedup(ctx context.Context, dedupKey string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, dedupPrefix+dedupKey, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx dedup %s: %w", dedupKey, err)
	}
	return ok, nil
}

// ReleaseDedup drops a dedup key so equivalent work may be enqueued again.
func (c *Cache) ReleaseDedup(ctx context.Context, dedupKey string) error {
	return c.client.Del(ctx, dedupPrefix+dedupKey).Err()
}

// MarkCancelled records that all jobs for a video must be dropped.
func (c *Cache) MarkCancelled(ctx context.Context, videoID string) error {
	pipe := c.client.Pipeline()
	pipe.SAdd(ctx, cancelSetKey, videoID)
	pipe.Expire(ctx, cancelSetKey, cancelSetTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mark cancelled %s: %w", videoID, err)
	}
	return nil
}

// IsCancelled reports whether jobs for a video have been cancelled.
func (c *Cache) IsCancelled(ctx context.Context, videoID string) (bool, error) {
	ok, err := c.client.SIsMember(ctx, cancelSetKey, videoID).Result()
	if err != nil {
		return false, fmt.Errorf("sismember %s: %w", videoID, err)
	}
	return ok, nil
}

// InvalidateVideo drops the cached read-model for a video.
func (c *Cache) InvalidateVideo(ctx context.Context, videoID string) error {
	return c.client.Del(ctx, videoPrefix+videoID).Err()
}

// InvalidateOwnerListing drops an owner's cached asset listing.
func (c *Cache) InvalidateOwnerListing(ctx context.Context, ownerID string) error {
	return c.client.Del(ctx, ownerListPrefix+ownerID).Err()
}
