package ratelimit

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/jmcleod/ironid/internal/clock"
)

// MemoryLimiter counts hits per window in a go-cache instance. Counters
// expire with their window.
type MemoryLimiter struct {
	c      *gocache.Cache
	max    int64
	window time.Duration
	clock  clock.Clock
}

func NewMemoryLimiter(max int, window time.Duration, clk clock.Clock) *MemoryLimiter {
	return &MemoryLimiter{
		c:      gocache.New(window, time.Minute),
		max:    int64(max),
		window: window,
		clock:  clock.OrReal(clk),
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (Result, error) {
	now := l.clock.Now()
	start := windowStart(now, l.window)
	k := fmt.Sprintf("%s:%d", key, start.Unix())

	// Add fails when the counter already exists, which is fine.
	_ = l.c.Add(k, int64(0), l.window)
	hits, err := l.c.IncrementInt64(k, 1)
	if err != nil {
		return Result{}, fmt.Errorf("incrementing counter: %w", err)
	}

	res := Result{Allowed: hits <= l.max, Remaining: max(l.max-hits, 0)}
	if !res.Allowed {
		res.RetryAfter = start.Add(l.window).Sub(now)
	}
	return res, nil
}
