package views

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/amillerrr/vod-pipeline/internal/logger"
	"github.com/amillerrr/vod-pipeline/internal/metrics"
	"github.com/amillerrr/vod-pipeline/pkg/models"
)

// Cache is the subset of cache operations the aggregator needs.
type Cache interface {
	BufferView(ctx context.Context, videoID string, now time.Time) error
	ArmRateLimit(ctx context.Context, viewerKey string, ttl time.Duration) error
	AcquireRateLimit(ctx context.Context, viewerKey string, ttl time.Duration) (bool, error)
}

// Aggregator redeems playback tokens into buffered view increments.
type Aggregator struct {
	tokens *TokenService
	cache  Cache
	log    *slog.Logger
}

// NewAggregator creates an Aggregator.
func NewAggregator(tokens *TokenService, cache Cache, log *slog.Logger) *Aggregator {
	return &Aggregator{tokens: tokens, cache: cache, log: log}
}

// Redeem validates a playback token and, if the viewer has watched at least
// half the video and holds no open rate-limit window, buffers one view. It
// returns the video id the token was minted for.
//
// A too-early redemption re-arms the viewer's window for the full video
// duration, so replaying the same token cannot succeed by waiting it out.
func (a *Aggregator) Redeem(ctx context.Context, tokenString string, now time.Time) (string, error) {
	claims, err := a.tokens.Parse(tokenString)
	if err != nil {
		metrics.ViewsRejected.WithLabelValues("invalid_token").Inc()
		return "", err
	}

	viewerKey := claims.VideoID + ":" + claims.Identifier
	window := secondsDuration(claims.VideoDuration / 2)

	earliest := claims.IssuedAt.Add(window - tokenLeeway)
	if now.Before(earliest) {
		if armErr := a.cache.ArmRateLimit(ctx, viewerKey, secondsDuration(claims.VideoDuration)); armErr != nil {
			logger.Warn(ctx, a.log, "Failed to arm rate limit", "videoId", claims.VideoID, "error", armErr)
		}
		metrics.ViewsRejected.WithLabelValues("too_early").Inc()
		return claims.VideoID, models.ErrViewTooEarly
	}

	ok, err := a.cache.AcquireRateLimit(ctx, viewerKey, window)
	if err != nil {
		return claims.VideoID, err
	}
	if !ok {
		metrics.ViewsRejected.WithLabelValues("rate_limited").Inc()
		return claims.VideoID, models.ErrViewRateLimited
	}

	if err := a.cache.BufferView(ctx, claims.VideoID, now); err != nil {
		return claims.VideoID, err
	}
	metrics.ViewsBuffered.Inc()
	return claims.VideoID, nil
}

// IsRejection reports whether an error is a policy rejection rather than an
// infrastructure failure. Handlers translate rejections to 4xx responses.
func IsRejection(err error) bool {
	return errors.Is(err, models.ErrTokenInvalid) ||
		errors.Is(err, models.ErrViewTooEarly) ||
		errors.Is(err, models.ErrViewRateLimited)
}

func secondsDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
