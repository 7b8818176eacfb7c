package orders

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryConfig bounds the re-read-and-retry loop used after a lost
// optimistic-concurrency race.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
}

// DefaultRetryConfig is one retry after a short pause.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   2,
		InitialDelay:  20 * time.Millisecond,
		MaxDelay:      500 * time.Millisecond,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// Retry calls fn until it succeeds, fails with a non-retryable error, or
// MaxAttempts is reached. The last error is returned unchanged so callers
// can still match it.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	delay := cfg.InitialDelay
	var err error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		if err = fn(ctx); err == nil || !IsRetryable(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		if attempt > 1 {
			delay = time.Duration(float64(delay) * cfg.BackoffFactor)
			if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}
		wait := delay
		if cfg.JitterEnabled && wait > 0 {
			wait += time.Duration(rand.Int64N(int64(wait)/2 + 1))
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

// WithRetry runs a lifecycle call under the service's retry config. Each
// attempt re-reads the order, so a retry sees the winner's write.
func (s *Service) WithRetry(ctx context.Context, fn func(ctx context.Context) (*Order, error)) (*Order, error) {
	var out *Order
	err := Retry(ctx, s.retry, func(ctx context.Context) error {
		o, err := fn(ctx)
		if err != nil {
			return err
		}
		out = o
		return nil
	})
	return out, err
}
