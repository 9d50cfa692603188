package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/malwarebo/mentorpay/utils"
)

type RetryConfig struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	Jitter         bool
	RetryableCheck func(error) bool
}

type RetryResult struct {
	Attempts int
	LastErr  error
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		Jitter:         true,
		RetryableCheck: utils.IsRetryableError,
	}
}

// Retry calls fn until it succeeds, returns a non-retryable error, or
// MaxAttempts calls have been made. The attempt number starts at 1.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context, attempt int) error) (*RetryResult, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 200 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.RetryableCheck == nil {
		cfg.RetryableCheck = utils.IsRetryableError
	}

	result := &RetryResult{}

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			if result.LastErr == nil {
				result.LastErr = err
			}
			return result, result.LastErr
		}

		err := fn(ctx, attempt)
		if err == nil {
			result.LastErr = nil
			return result, nil
		}
		result.LastErr = err

		if !cfg.RetryableCheck(err) {
			return result, err
		}

		if attempt < cfg.MaxAttempts {
			select {
			case <-ctx.Done():
				return result, err
			case <-time.After(Backoff(cfg, attempt)):
			}
		}
	}

	return result, result.LastErr
}

// Backoff returns the delay after the given failed attempt (1-based).
func Backoff(cfg RetryConfig, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))

	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	if cfg.Jitter {
		jitter := rand.Float64() * 0.3 * delay
		delay = delay + jitter - (0.15 * delay)
	}

	return time.Duration(delay)
}
