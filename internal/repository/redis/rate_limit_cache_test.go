package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memCounter struct {
	counts map[string]int64
	ttls   map[string]time.Duration
	err    error
}

func (m *memCounter) IncrWithExpire(_ context.Context, key string, ttl time.Duration) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.counts[key]++
	m.ttls[key] = ttl
	return m.counts[key], nil
}

func newMemCounter() *memCounter {
	return &memCounter{counts: map[string]int64{}, ttls: map[string]time.Duration{}}
}

func TestRateLimitAllowsUpToLimit(t *testing.T) {
	mem := newMemCounter()
	c := newRateLimitCache(mem, 2, 30*time.Second, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := c.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := c.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.Allow(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, ok, "limits are per key")

	assert.Equal(t, 30*time.Second, mem.ttls[connectLimitPrefix+"10.0.0.1"])
}

func TestRateLimitDisabled(t *testing.T) {
	mem := newMemCounter()
	c := newRateLimitCache(mem, 0, 0, nil)
	ok, err := c.Allow(context.Background(), "x")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, mem.counts)
	assert.Equal(t, time.Minute, c.window)
}

func TestRateLimitBackendError(t *testing.T) {
	mem := newMemCounter()
	mem.err = errors.New("connection reset")
	c := newRateLimitCache(mem, 5, time.Minute, nil)
	ok, err := c.Allow(context.Background(), "x")
	assert.Error(t, err)
	assert.False(t, ok)
}
