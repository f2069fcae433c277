package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"attack-feed/internal/client"
	"attack-feed/internal/model"
)

const (
	recentEventsKey = "feed:recent_events"
	todayStatsKey   = "feed:stats:today"

	DefaultRecentLimit = 500
	DefaultStatsTTL    = 24 * time.Hour
)

// FeedCache keeps the latest daily statistics and a capped list of recently delivered
// events so late joiners can be brought up to date.
type FeedCache struct {
	client      *client.RedisClient
	recentLimit int64
	statsTTL    time.Duration
	logger      *zap.Logger
}

func NewFeedCache(client *client.RedisClient, recentLimit int, statsTTL time.Duration, logger *zap.Logger) *FeedCache {
	if recentLimit <= 0 {
		recentLimit = DefaultRecentLimit
	}
	if statsTTL <= 0 {
		statsTTL = DefaultStatsTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FeedCache{
		client:      client,
		recentLimit: int64(recentLimit),
		statsTTL:    statsTTL,
		logger:      logger,
	}
}

func (c *FeedCache) Name() string { return "redis" }

// Write prepends events to the recent list and trims it, in one transaction.
func (c *FeedCache) Write(ctx context.Context, events []model.AttackEvent) error {
	values, err := encodeEvents(events)
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}

	pipe := c.client.TxPipeline()
	pipe.LPush(ctx, recentEventsKey, values...)
	pipe.LTrim(ctx, recentEventsKey, 0, c.recentLimit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push recent events: %w", err)
	}

	c.logger.Debug("Recent events cached", zap.Int("count", len(values)))
	return nil
}

func (c *FeedCache) WriteStats(ctx context.Context, stats model.TodayStats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to encode stats: %w", err)
	}
	if err := c.client.Set(ctx, todayStatsKey, data, c.statsTTL); err != nil {
		return fmt.Errorf("failed to cache today stats: %w", err)
	}
	return nil
}

// TodayStats returns the cached statistics, or nil when none are cached.
func (c *FeedCache) TodayStats(ctx context.Context) (*model.TodayStats, error) {
	raw, err := c.client.Get(ctx, todayStatsKey)
	if err != nil {
		if errors.Is(err, client.ErrRedisKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read today stats: %w", err)
	}
	var stats model.TodayStats
	if err := json.Unmarshal([]byte(raw), &stats); err != nil {
		return nil, fmt.Errorf("failed to decode today stats: %w", err)
	}
	return &stats, nil
}

// RecentEvents returns up to n of the newest cached events, oldest first.
func (c *FeedCache) RecentEvents(ctx context.Context, n int) ([]model.AttackEvent, error) {
	if n <= 0 {
		return nil, nil
	}
	raw, err := c.client.LRange(ctx, recentEventsKey, 0, int64(n)-1)
	if err != nil {
		return nil, fmt.Errorf("failed to read recent events: %w", err)
	}
	events := decodeEvents(raw)
	if dropped := len(raw) - len(events); dropped > 0 {
		c.logger.Warn("Skipped undecodable cached events", zap.Int("count", dropped))
	}
	return events, nil
}

// encodeEvents orders values so that after LPUSH the newest event is at the head.
func encodeEvents(events []model.AttackEvent) ([]interface{}, error) {
	values := make([]interface{}, 0, len(events))
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("failed to encode event %s: %w", ev.ID, err)
		}
		values = append(values, data)
	}
	return values, nil
}

// decodeEvents turns a newest-first list into oldest-first events.
func decodeEvents(raw []string) []model.AttackEvent {
	events := make([]model.AttackEvent, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var ev model.AttackEvent
		if err := json.Unmarshal([]byte(raw[i]), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events
}
