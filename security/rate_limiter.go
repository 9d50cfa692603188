package security

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/malwarebo/mentorpay/utils"
)

// Counter is a shared increment-with-expiry counter, normally Redis.
type Counter interface {
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

type RateLimitConfig struct {
	Limit  int64
	Window time.Duration
}

type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// RateLimiter enforces fixed-window limits shared by every instance through
// Counter. While the counter is unreachable it falls back to a per-instance
// token bucket with the same average rate.
type RateLimiter struct {
	counter Counter
	tiers   map[string]RateLimitConfig
	now     func() time.Time

	mu       sync.Mutex
	fallback map[string]*rate.Limiter
}

func CreateRateLimiter(counter Counter, tiers map[string]RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		counter:  counter,
		tiers:    tiers,
		now:      time.Now,
		fallback: make(map[string]*rate.Limiter),
	}
}

func (rl *RateLimiter) config(tier string) RateLimitConfig {
	if cfg, ok := rl.tiers[tier]; ok {
		return cfg
	}
	return rl.tiers["default"]
}

func (rl *RateLimiter) Allow(ctx context.Context, tier, actor string) Decision {
	cfg := rl.config(tier)
	if cfg.Limit <= 0 || cfg.Window <= 0 {
		return Decision{Allowed: true}
	}

	now := rl.now()
	window := now.Truncate(cfg.Window)
	retryAfter := window.Add(cfg.Window).Sub(now)

	if rl.counter != nil {
		key := fmt.Sprintf("ratelimit:%s:%s:%d", tier, actor, window.Unix())
		count, err := rl.counter.IncrWithTTL(ctx, key, cfg.Window)
		if err == nil {
			remaining := cfg.Limit - count
			if remaining < 0 {
				remaining = 0
			}
			return Decision{Allowed: count <= cfg.Limit, Remaining: remaining, RetryAfter: retryAfter}
		}
		utils.Warn(ctx, "shared rate limit counter unavailable, using local limiter", map[string]interface{}{
			"tier":  tier,
			"error": err.Error(),
		})
	}

	if rl.local(tier, actor, cfg).AllowN(now, 1) {
		return Decision{Allowed: true}
	}
	return Decision{Allowed: false, RetryAfter: retryAfter}
}

func (rl *RateLimiter) local(tier, actor string, cfg RateLimitConfig) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := tier + ":" + actor
	limiter, ok := rl.fallback[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.Limit)/cfg.Window.Seconds()), int(cfg.Limit))
		rl.fallback[key] = limiter
	}
	return limiter
}
