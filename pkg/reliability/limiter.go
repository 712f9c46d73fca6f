// Package reliability bundles the primitives every outward-facing call path
// shares: sliding-window rate limiting, retry with equal jitter, a circuit
// breaker, and the per-run mutation lock.
package reliability

import (
	"context"
	"sync"
	"time"
)

// LimitPolicy configures one resource's sliding window.
type LimitPolicy struct {
	MaxRequests int
	Window      time.Duration
}

// LimitResult is the outcome of a limiter check.
type LimitResult struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter admits or rejects requests per (tenantID, resource).
type Limiter interface {
	Check(ctx context.Context, tenantID, resource string) (LimitResult, error)
}

// MemoryLimiter is a strict sliding-window limiter. Each (tenant, resource)
// pair keeps the timestamps of requests admitted inside the current window;
// entries fall out as time advances, not when requests complete.
type MemoryLimiter struct {
	mu       sync.Mutex
	policies map[string]LimitPolicy
	fallback LimitPolicy
	windows  map[string][]time.Time
	now      func() time.Time
}

// NewMemoryLimiter creates a limiter with per-resource policies and a
// fallback for resources with no explicit policy.
func NewMemoryLimiter(policies map[string]LimitPolicy, fallback LimitPolicy) *MemoryLimiter {
	if fallback.MaxRequests <= 0 {
		fallback = LimitPolicy{MaxRequests: 100, Window: time.Minute}
	}
	return &MemoryLimiter{
		policies: policies,
		fallback: fallback,
		windows:  make(map[string][]time.Time),
		now:      time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (l *MemoryLimiter) WithClock(now func() time.Time) *MemoryLimiter {
	l.now = now
	return l
}

func (l *MemoryLimiter) policy(resource string) LimitPolicy {
	if p, ok := l.policies[resource]; ok && p.MaxRequests > 0 {
		return p
	}
	return l.fallback
}

func (l *MemoryLimiter) Check(ctx context.Context, tenantID, resource string) (LimitResult, error) {
	policy := l.policy(resource)
	now := l.now()
	cutoff := now.Add(-policy.Window)
	key := tenantID + "\x00" + resource

	l.mu.Lock()
	defer l.mu.Unlock()

	hits := l.windows[key]
	kept := hits[:0]
	for _, t := range hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= policy.MaxRequests {
		l.windows[key] = kept
		resetAt := kept[0].Add(policy.Window)
		return LimitResult{
			Allowed:    false,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}, nil
	}

	kept = append(kept, now)
	l.windows[key] = kept
	return LimitResult{
		Allowed:   true,
		Remaining: policy.MaxRequests - len(kept),
		ResetAt:   kept[0].Add(policy.Window),
	}, nil
}
