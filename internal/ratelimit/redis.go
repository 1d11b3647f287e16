package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jmcleod/ironid/internal/clock"
)

// RedisLimiter is a fixed-window limiter (INCR + EXPIRE) shared between
// processes.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	max    int64
	window time.Duration
	clock  clock.Clock
}

func NewRedisLimiter(client *redis.Client, prefix string, max int, window time.Duration, clk clock.Clock) *RedisLimiter {
	if prefix == "" {
		prefix = "ironid:rl:"
	}
	return &RedisLimiter{
		client: client,
		prefix: prefix,
		max:    int64(max),
		window: window,
		clock:  clock.OrReal(clk),
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Result, error) {
	now := l.clock.Now()
	start := windowStart(now, l.window)
	redisKey := fmt.Sprintf("%s%s:%d", l.prefix, strings.ReplaceAll(key, " ", "_"), start.Unix())

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.ExpireNX(ctx, redisKey, l.window)
	ttl := pipe.TTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("redis limiter: %w", err)
	}

	hits := incr.Val()
	res := Result{Allowed: hits <= l.max, Remaining: max(l.max-hits, 0)}
	if !res.Allowed {
		res.RetryAfter = ttl.Val()
		if res.RetryAfter <= 0 {
			res.RetryAfter = start.Add(l.window).Sub(now)
		}
	}
	return res, nil
}

// Close releases the underlying client.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
