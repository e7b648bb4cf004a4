// Package ratelimit is a fixed-window counter on redis INCR. Coarse by
// design: it protects the engine from request floods, fairness is not a
// goal.
package ratelimit

import (
	"context"
	"time"

	redisadapter "github.com/eventloom/ticket-admission/internal/adapters/redis"
	"github.com/eventloom/ticket-admission/internal/observability"
)

type RateLimiter struct {
	redis *redisadapter.Cache
}

func NewRateLimiter(redis *redisadapter.Cache) *RateLimiter {
	return &RateLimiter{redis: redis}
}

func (rl *RateLimiter) Allow(ctx context.Context, key string, rate int, period time.Duration) bool {
	fullKey := "rl:" + key

	pipe := rl.redis.Client().Pipeline()
	incr := pipe.Incr(ctx, fullKey)
	pipe.Expire(ctx, fullKey, period)

	if _, err := pipe.Exec(ctx); err != nil {
		// Fail open: a degraded limiter must not block checkout.
		return true
	}

	allowed := incr.Val() <= int64(rate)
	if !allowed {
		observability.RateLimitExceeded.Inc()
	}
	return allowed
}
