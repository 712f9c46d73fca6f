package reliability

import (
	"context"
	"math/rand"
	"time"

	"github.com/mergeflow/mergeflow/pkg/fault"
)

// maxRetryAttempts bounds any caller-supplied attempt count.
const maxRetryAttempts = 10

// RetryConfig shapes the delay sequence between attempts.
type RetryConfig struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	// IsRetryable decides whether an error is worth another attempt.
	// Nil means fault.IsRetryable.
	IsRetryable func(error) bool
}

// Preset retry configurations.
var (
	RetryFast = RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      50 * time.Millisecond,
		MaxDelay:          500 * time.Millisecond,
		BackoffMultiplier: 2,
	}
	RetryStandard = RetryConfig{
		MaxAttempts:       5,
		InitialDelay:      200 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2,
	}
	RetryPatient = RetryConfig{
		MaxAttempts:       8,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
	}
)

func (c RetryConfig) normalized() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = RetryStandard.MaxAttempts
	}
	if c.MaxAttempts > maxRetryAttempts {
		c.MaxAttempts = maxRetryAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = RetryStandard.InitialDelay
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = 2
	}
	if c.IsRetryable == nil {
		c.IsRetryable = fault.IsRetryable
	}
	return c
}

// Delay returns the sleep before attempt (1-based, so attempt 1 is the
// first retry). Capped exponential with equal jitter: half the ceiling is
// guaranteed, the other half is uniform random.
func (c RetryConfig) Delay(attempt int) time.Duration {
	c = c.normalized()
	ceiling := float64(c.InitialDelay)
	for i := 1; i < attempt; i++ {
		ceiling *= c.BackoffMultiplier
		if ceiling >= float64(c.MaxDelay) {
			ceiling = float64(c.MaxDelay)
			break
		}
	}
	half := ceiling / 2
	return time.Duration(half + rand.Float64()*half)
}

// Retry runs fn until it succeeds, the error is non-retryable, the attempt
// budget is exhausted, or ctx is done. Exhausting the budget surfaces as a
// fatal retry-exhausted fault wrapping the last error.
func Retry(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) error {
	cfg = cfg.normalized()

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fault.Wrap(fault.CodeTimeout, err)
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !cfg.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		timer := time.NewTimer(cfg.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fault.Wrap(fault.CodeTimeout, ctx.Err())
		case <-timer.C:
		}
	}
	return fault.Wrap(fault.CodeRetryExhausted, lastErr)
}
