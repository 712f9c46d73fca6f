package metering

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/mergeflow/mergeflow/pkg/fault"
)

// Entitlement resources.
const (
	ResourceRunsPerDay    = "runs/day"
	ResourceRunsPerMonth  = "runs/month"
	ResourceSignalsPerDay = "signals/day"
	ResourceRepos         = "repos"
	ResourceMembers       = "members"
)

// Limits are the per-tenant resource ceilings in effect. Zero means
// unlimited for that dimension.
type Limits struct {
	RunsPerMonth  int64 `json:"runsPerMonth"`
	RunsPerDay    int64 `json:"runsPerDay"`
	SignalsPerDay int64 `json:"signalsPerDay"`
	Repos         int64 `json:"repos"`
	Members       int64 `json:"members"`
}

// For returns the ceiling for one resource.
func (l Limits) For(resource string) int64 {
	switch resource {
	case ResourceRunsPerDay:
		return l.RunsPerDay
	case ResourceRunsPerMonth:
		return l.RunsPerMonth
	case ResourceSignalsPerDay:
		return l.SignalsPerDay
	case ResourceRepos:
		return l.Repos
	case ResourceMembers:
		return l.Members
	}
	return 0
}

// LimitsSource resolves a tenant's effective limits (plan plus overrides).
type LimitsSource interface {
	Limits(ctx context.Context, tenantID string) (Limits, error)
}

// StaticUsageFunc reports current usage for resources that are not derived
// from the event log (repos, members). ok=false defers to the event log.
type StaticUsageFunc func(ctx context.Context, tenantID, resource string) (current int64, ok bool, err error)

// Decision is the outcome of an entitlement check.
type Decision struct {
	Allowed  bool   `json:"allowed"`
	Current  int64  `json:"current"`
	Limit    int64  `json:"limit"`
	Resource string `json:"resource"`
	Reason   string `json:"reason,omitempty"`
}

// Checker evaluates entitlements against recorded usage.
type Checker struct {
	store       Store
	limits      LimitsSource
	staticUsage StaticUsageFunc
	now         func() time.Time
}

// NewChecker creates an entitlement checker. staticUsage may be nil when
// only event-derived resources are checked.
func NewChecker(store Store, limits LimitsSource, staticUsage StaticUsageFunc) *Checker {
	return &Checker{store: store, limits: limits, staticUsage: staticUsage, now: time.Now}
}

// WithClock overrides the time source. Test hook.
func (c *Checker) WithClock(now func() time.Time) *Checker {
	c.now = now
	return c
}

func (c *Checker) currentUsage(ctx context.Context, tenantID, resource string) (int64, error) {
	if c.staticUsage != nil {
		current, ok, err := c.staticUsage(ctx, tenantID, resource)
		if err != nil {
			return 0, err
		}
		if ok {
			return current, nil
		}
	}

	now := c.now()
	switch resource {
	case ResourceRunsPerDay:
		agg, err := c.store.Aggregate(ctx, tenantID, DailyBucket(now))
		if err != nil {
			return 0, err
		}
		return agg.Value(EventRunStarted), nil
	case ResourceRunsPerMonth:
		agg, err := c.store.Aggregate(ctx, tenantID, MonthlyBucket(now))
		if err != nil {
			return 0, err
		}
		return agg.Value(EventRunStarted), nil
	case ResourceSignalsPerDay:
		agg, err := c.store.Aggregate(ctx, tenantID, DailyBucket(now))
		if err != nil {
			return 0, err
		}
		return agg.Value(EventSignalIngested), nil
	}
	return 0, fault.Newf(fault.CodeInvalidInput, "unknown entitlement resource %q", resource)
}

// CheckEntitlement decides whether tenantID may consume amount more of
// resource. amount <= 0 means 1.
func (c *Checker) CheckEntitlement(ctx context.Context, tenantID, resource string, amount int64) (Decision, error) {
	if amount <= 0 {
		amount = 1
	}
	limits, err := c.limits.Limits(ctx, tenantID)
	if err != nil {
		return Decision{}, err
	}
	limit := limits.For(resource)
	current, err := c.currentUsage(ctx, tenantID, resource)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{Current: current, Limit: limit, Resource: resource}
	if limit <= 0 || current+amount <= limit {
		d.Allowed = true
		return d, nil
	}
	d.Reason = fmt.Sprintf("%d %s exceeds limit of %d", current+amount, resource, limit)
	return d, nil
}

// Response is the HTTP-like enforcement envelope surfaced to callers.
type Response struct {
	Status            int    `json:"status"`
	Code              string `json:"code"`
	Message           string `json:"message"`
	Detail            string `json:"detail,omitempty"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
	UpgradeHint       string `json:"upgradeHint,omitempty"`
	Limit             int64  `json:"limit"`
	Current           int64  `json:"current"`
	Resource          string `json:"resource"`
}

// Build429Response constructs the rate-denial envelope.
func Build429Response(d Decision, retryAfter time.Duration) Response {
	return Response{
		Status:            http.StatusTooManyRequests,
		Code:              fault.CodeRateLimited,
		Message:           "rate limit exceeded",
		Detail:            d.Reason,
		RetryAfterSeconds: int(math.Ceil(retryAfter.Seconds())),
		Limit:             d.Limit,
		Current:           d.Current,
		Resource:          d.Resource,
	}
}

// Build402Response constructs the quota-denial envelope.
func Build402Response(d Decision, upgradeHint string) Response {
	if upgradeHint == "" {
		upgradeHint = "upgrade your plan to raise this limit"
	}
	return Response{
		Status:      http.StatusPaymentRequired,
		Code:        fault.CodeQuotaExceeded,
		Message:     "plan quota exceeded",
		Detail:      d.Reason,
		UpgradeHint: upgradeHint,
		Limit:       d.Limit,
		Current:     d.Current,
		Resource:    d.Resource,
	}
}

// EnforceLimit runs the entitlement check and, when denied, builds the
// appropriate envelope: 402 for plan quotas, 429 for time-windowed rates.
func (c *Checker) EnforceLimit(ctx context.Context, tenantID, resource string, amount int64) (Response, Decision, error) {
	d, err := c.CheckEntitlement(ctx, tenantID, resource, amount)
	if err != nil {
		return Response{}, Decision{}, err
	}
	if d.Allowed {
		return Response{Status: http.StatusOK}, d, nil
	}
	switch resource {
	case ResourceRunsPerDay, ResourceSignalsPerDay:
		return Build429Response(d, c.untilNextDay()), d, nil
	default:
		return Build402Response(d, ""), d, nil
	}
}

func (c *Checker) untilNextDay() time.Duration {
	now := c.now().UTC()
	next := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	return next.Sub(now)
}
