package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"attack-feed/internal/client"
	"attack-feed/internal/util"
)

const connectLimitPrefix = "feed:connect_limit:"

// counter is the slice of client.RedisClient the limiter needs.
type counter interface {
	IncrWithExpire(ctx context.Context, key string, expiration time.Duration) (int64, error)
}

// RateLimitCache counts feed connection attempts per remote address. The window
// restarts on every attempt, so a client that keeps retrying stays limited.
type RateLimitCache struct {
	client counter
	limit  int64
	window time.Duration
	logger *zap.Logger
}

func NewRateLimitCache(client *client.RedisClient, limit int, window time.Duration, logger *zap.Logger) *RateLimitCache {
	return newRateLimitCache(client, limit, window, logger)
}

func newRateLimitCache(c counter, limit int, window time.Duration, logger *zap.Logger) *RateLimitCache {
	if window <= 0 {
		window = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimitCache{client: c, limit: int64(limit), window: window, logger: logger}
}

// Allow records an attempt for key and reports whether it is within the limit. A
// non-positive limit allows everything without touching Redis.
func (c *RateLimitCache) Allow(ctx context.Context, key string) (bool, error) {
	if c.limit <= 0 {
		return true, nil
	}
	count, err := c.client.IncrWithExpire(ctx, connectLimitPrefix+key, c.window)
	if err != nil {
		return false, fmt.Errorf("failed to increment connect counter: %w", err)
	}
	if count > c.limit {
		c.logger.Debug("Connect limit exceeded",
			util.String("key", key),
			util.Int64("count", count),
			util.Duration("window", c.window))
		return false, nil
	}
	return true, nil
}
