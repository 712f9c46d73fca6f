package reliability

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/mergeflow/mergeflow/pkg/fault"
)

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	// FailureThreshold consecutive failures inside FailureWindow open
	// the circuit.
	FailureThreshold int
	// SuccessThreshold consecutive probe successes in half-open close it.
	SuccessThreshold int
	FailureWindow    time.Duration
	// ResetTimeout is how long the circuit stays open before probing.
	ResetTimeout time.Duration
}

func (c BreakerConfig) normalized() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = time.Minute
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	return c
}

// Breaker gates calls to one downstream resource.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker creates a named breaker.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	cfg = cfg.normalized()
	return &Breaker{
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: name,
			// Half-open admits SuccessThreshold probes and closes once
			// all of them succeed.
			MaxRequests: uint32(cfg.SuccessThreshold),
			Interval:    cfg.FailureWindow,
			Timeout:     cfg.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
			},
		}),
	}
}

// Execute runs fn through the breaker. While the circuit is open, calls
// fail fast with a circuit-open fault.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fault.Newf(fault.CodeCircuitOpen, "circuit %s is open", b.cb.Name())
	}
	return err
}

// State reports the breaker's current state as closed, open, or half-open.
func (b *Breaker) State() string {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}
