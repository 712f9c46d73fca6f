// Package actions implements the auto-actions engine: tenant-scoped
// action policies matched against alerts and dispatched through
// type-specific adapters, with per-action rate limiting, circuit
// breaking, and retry.
package actions

import (
	"time"
)

// Action types with built-in adapters.
const (
	TypeWebhook = "webhook"
	TypeEmail   = "email"
	TypeSlack   = "slack"
)

// Trigger types.
const (
	TriggerAlertCreated  = "alert_created"
	TriggerAlertResolved = "alert_resolved"
	TriggerRunFailed     = "run_failed"
	TriggerManual        = "manual"
)

// Execution states.
const (
	ExecPending   = "pending"
	ExecRunning   = "running"
	ExecCompleted = "completed"
	ExecFailed    = "failed"
	ExecSkipped   = "skipped"
)

// Skip reasons surfaced on skipped executions.
const (
	SkipRateLimited = "Rate limited"
	SkipBreakerOpen = "Circuit breaker open"
)

// Alert is the event an action reacts to.
type Alert struct {
	ID       string            `json:"id"`
	TenantID string            `json:"tenantId"`
	RuleID   string            `json:"ruleId,omitempty"`
	Severity string            `json:"severity,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
	Summary  string            `json:"summary,omitempty"`
}

// Trigger scopes when an action fires. All specified filters must
// pass; an empty filter matches everything. MatchExpression is an
// optional CEL expression over the alert for conditions the fixed
// filters cannot express.
type Trigger struct {
	Type            string            `json:"type"`
	SeverityFilter  []string          `json:"severityFilter,omitempty"`
	RuleFilter      []string          `json:"ruleFilter,omitempty"`
	LabelFilter     map[string]string `json:"labelFilter,omitempty"`
	MatchExpression string            `json:"matchExpression,omitempty"`
	DelaySeconds    int               `json:"delaySeconds,omitempty"`
}

// RateLimit caps executions per action.
type RateLimit struct {
	MaxPerMinute int `json:"maxPerMinute"`
	Burst        int `json:"burst,omitempty"`
}

// BreakerConfig tunes the per-action circuit breaker.
type BreakerConfig struct {
	FailureThreshold int `json:"failureThreshold"`
	SuccessThreshold int `json:"successThreshold,omitempty"`
	ResetTimeoutMS   int `json:"resetTimeoutMs,omitempty"`
}

// RetryConfig tunes redelivery after adapter failures.
type RetryConfig struct {
	MaxAttempts       int     `json:"maxAttempts"`
	InitialDelayMS    int     `json:"initialDelayMs,omitempty"`
	MaxDelayMS        int     `json:"maxDelayMs,omitempty"`
	BackoffMultiplier float64 `json:"backoffMultiplier,omitempty"`
}

// Action is a tenant-scoped auto-action policy.
type Action struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenantId"`
	Type           string         `json:"type"`
	Config         map[string]any `json:"config,omitempty"`
	Triggers       []Trigger      `json:"triggers"`
	RateLimit      *RateLimit     `json:"rateLimit,omitempty"`
	CircuitBreaker *BreakerConfig `json:"circuitBreaker,omitempty"`
	Retry          *RetryConfig   `json:"retryConfig,omitempty"`
	Enabled        bool           `json:"enabled"`
}

// Execution is one attempt to run an action.
type Execution struct {
	ID          string         `json:"id"`
	ActionID    string         `json:"actionId"`
	AlertID     string         `json:"alertId,omitempty"`
	TriggerType string         `json:"triggerType"`
	State       string         `json:"state"`
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	DurationMS  int64          `json:"durationMs,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	RetryCount  int            `json:"retryCount"`
}

// matchesFilters checks the fixed trigger filters against an alert.
func (tr Trigger) matchesFilters(a Alert) bool {
	if len(tr.SeverityFilter) > 0 && !contains(tr.SeverityFilter, a.Severity) {
		return false
	}
	if len(tr.RuleFilter) > 0 && !contains(tr.RuleFilter, a.RuleID) {
		return false
	}
	for k, v := range tr.LabelFilter {
		if a.Labels[k] != v {
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
