package ratelimit

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironid/internal/clock"
	"github.com/jmcleod/ironid/internal/uuid"
)

func TestMemoryLimiter(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 10, 0, time.UTC))
	l := NewMemoryLimiter(2, time.Minute, clk)
	ctx := t.Context()

	for i := 0; i < 2; i++ {
		res, err := l.Allow(ctx, "email:alice@example.com")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}

	res, err := l.Allow(ctx, "email:alice@example.com")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 50*time.Second, res.RetryAfter)

	other, err := l.Allow(ctx, "email:bob@example.com")
	require.NoError(t, err)
	assert.True(t, other.Allowed)

	clk.Advance(time.Minute)
	res, err = l.Allow(ctx, "email:alice@example.com")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestCheck(t *testing.T) {
	ctx := t.Context()
	require.NoError(t, Check(ctx, nil, "anything"))

	l := NewMemoryLimiter(1, time.Hour, nil)
	require.NoError(t, Check(ctx, l, "k"))

	err := Check(ctx, l, "k")
	var le *LimitError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, "k", le.Key)
	assert.Positive(t, le.RetryAfter)
}

func TestRedisLimiter(t *testing.T) {
	addr := os.Getenv("IRONID_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("IRONID_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	l := NewRedisLimiter(client, "ironid:test:", 1, time.Minute, nil)
	t.Cleanup(func() { _ = l.Close() })

	key := uuid.New()
	res, err := l.Allow(t.Context(), key)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = l.Allow(t.Context(), key)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Positive(t, res.RetryAfter)
}
