// Package ratelimit provides fixed-window limiters keyed by an arbitrary
// string, backed by process memory or redis.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

type Result struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}

// LimitError reports a rejected request and how long the caller should
// wait before trying again.
type LimitError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q, retry after %s", e.Key, e.RetryAfter)
}

// Check runs l for key and converts a rejection into a *LimitError. A nil
// limiter allows everything.
func Check(ctx context.Context, l Limiter, key string) error {
	if l == nil {
		return nil
	}
	res, err := l.Allow(ctx, key)
	if err != nil {
		return fmt.Errorf("checking rate limit: %w", err)
	}
	if !res.Allowed {
		return &LimitError{Key: key, RetryAfter: res.RetryAfter}
	}
	return nil
}

func windowStart(now time.Time, window time.Duration) time.Time {
	return now.UTC().Truncate(window)
}
