package actions

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/mergeflow/mergeflow/pkg/fault"
	"github.com/mergeflow/mergeflow/pkg/reliability"
)

// Adapter dispatches one action type to the outside world.
type Adapter interface {
	Dispatch(ctx context.Context, action Action, alert Alert) (map[string]any, error)
}

// AdapterFunc adapts a function to Adapter.
type AdapterFunc func(ctx context.Context, action Action, alert Alert) (map[string]any, error)

func (f AdapterFunc) Dispatch(ctx context.Context, action Action, alert Alert) (map[string]any, error) {
	return f(ctx, action, alert)
}

// ExecutionAudit is the audit record emitted for every execution.
type ExecutionAudit struct {
	Timestamp   time.Time `json:"timestamp"`
	ActionID    string    `json:"actionId"`
	ExecutionID string    `json:"executionId"`
	TenantID    string    `json:"tenantId"`
	TriggerType string    `json:"triggerType"`
	AlertID     string    `json:"alertId,omitempty"`
	State       string    `json:"state"`
	DurationMS  int64     `json:"durationMs,omitempty"`
	Error       string    `json:"error,omitempty"`
	TriggeredBy string    `json:"triggeredBy,omitempty"`
}

// AuditSink receives execution audit records.
type AuditSink interface {
	Record(ctx context.Context, entry ExecutionAudit) error
}

// AuditSinkFunc adapts a function to AuditSink.
type AuditSinkFunc func(ctx context.Context, entry ExecutionAudit) error

func (f AuditSinkFunc) Record(ctx context.Context, entry ExecutionAudit) error {
	return f(ctx, entry)
}

// Engine executes matched actions with per-action rate limiting,
// circuit breaking, and retry.
type Engine struct {
	registry *Registry
	sink     AuditSink
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
	sleep    func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	adapters map[string]Adapter
	limiters map[string]*rate.Limiter
	breakers map[string]*reliability.Breaker
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithAuditSink wires execution audit records to a sink.
func WithAuditSink(s AuditSink) EngineOption {
	return func(e *Engine) { e.sink = s }
}

// WithEngineLogger overrides the default logger.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithEngineClock overrides the timestamp source. Test hook.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithExecutionIDs overrides execution ID generation. Test hook.
func WithExecutionIDs(gen func() string) EngineOption {
	return func(e *Engine) { e.newID = gen }
}

// WithSleeper overrides how trigger delays are waited out. Test hook.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) EngineOption {
	return func(e *Engine) { e.sleep = sleep }
}

// NewEngine creates an engine over a registry.
func NewEngine(registry *Registry, opts ...EngineOption) *Engine {
	e := &Engine{
		registry: registry,
		logger:   slog.Default(),
		now:      time.Now,
		newID:    uuid.NewString,
		sleep:    sleepCtx,
		adapters: make(map[string]Adapter),
		limiters: make(map[string]*rate.Limiter),
		breakers: make(map[string]*reliability.Breaker),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fault.Wrap(fault.CodeTimeout, ctx.Err())
	case <-timer.C:
		return nil
	}
}

// RegisterAdapter installs the adapter for one action type.
func (e *Engine) RegisterAdapter(actionType string, a Adapter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.adapters[actionType] = a
}

func (e *Engine) adapter(actionType string) (Adapter, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.adapters[actionType]
	if !ok {
		return nil, fault.Newf(fault.CodeMisconfigured, "no adapter registered for action type %q", actionType)
	}
	return a, nil
}

func (e *Engine) limiter(a Action) *rate.Limiter {
	if a.RateLimit == nil || a.RateLimit.MaxPerMinute <= 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiters[a.ID]
	if !ok {
		burst := a.RateLimit.Burst
		if burst <= 0 {
			burst = a.RateLimit.MaxPerMinute
		}
		l = rate.NewLimiter(rate.Limit(float64(a.RateLimit.MaxPerMinute)/60), burst)
		e.limiters[a.ID] = l
	}
	return l
}

func (e *Engine) breaker(a Action) *reliability.Breaker {
	if a.CircuitBreaker == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.breakers[a.ID]
	if !ok {
		b = reliability.NewBreaker("action:"+a.ID, reliability.BreakerConfig{
			FailureThreshold: a.CircuitBreaker.FailureThreshold,
			SuccessThreshold: a.CircuitBreaker.SuccessThreshold,
			ResetTimeout:     time.Duration(a.CircuitBreaker.ResetTimeoutMS) * time.Millisecond,
		})
		e.breakers[a.ID] = b
	}
	return b
}

// ExecuteAction runs one action against an alert, producing an
// Execution and an audit record regardless of outcome.
func (e *Engine) ExecuteAction(ctx context.Context, actionID string, alert Alert, triggerType, triggeredBy string) (Execution, error) {
	a, err := e.registry.Get(ctx, actionID)
	if err != nil {
		return Execution{}, err
	}

	exec := Execution{
		ID:          e.newID(),
		ActionID:    a.ID,
		AlertID:     alert.ID,
		TriggerType: triggerType,
		State:       ExecPending,
		StartedAt:   e.now().UTC(),
	}

	if l := e.limiter(a); l != nil && !l.Allow() {
		return e.finish(ctx, a, exec, ExecSkipped, nil, SkipRateLimited, triggeredBy)
	}

	adapter, err := e.adapter(a.Type)
	if err != nil {
		return e.finish(ctx, a, exec, ExecFailed, nil, err.Error(), triggeredBy)
	}

	exec.State = ExecRunning
	var result map[string]any
	dispatch := func(ctx context.Context) error {
		var dispatchErr error
		result, dispatchErr = adapter.Dispatch(ctx, a, alert)
		return dispatchErr
	}
	run := dispatch
	if b := e.breaker(a); b != nil {
		run = func(ctx context.Context) error { return b.Execute(ctx, dispatch) }
	}

	var runErr error
	if a.Retry != nil && a.Retry.MaxAttempts > 1 {
		attempts := 0
		runErr = reliability.Retry(ctx, reliability.RetryConfig{
			MaxAttempts:       a.Retry.MaxAttempts,
			InitialDelay:      time.Duration(a.Retry.InitialDelayMS) * time.Millisecond,
			MaxDelay:          time.Duration(a.Retry.MaxDelayMS) * time.Millisecond,
			BackoffMultiplier: a.Retry.BackoffMultiplier,
			IsRetryable: func(err error) bool {
				// An open circuit stops redelivery immediately.
				return fault.CodeOf(err) != fault.CodeCircuitOpen
			},
		}, func(ctx context.Context) error {
			attempts++
			return run(ctx)
		})
		exec.RetryCount = attempts - 1
	} else {
		runErr = run(ctx)
	}

	if fault.CodeOf(runErr) == fault.CodeCircuitOpen {
		return e.finish(ctx, a, exec, ExecSkipped, nil, SkipBreakerOpen, triggeredBy)
	}
	if runErr != nil {
		return e.finish(ctx, a, exec, ExecFailed, nil, runErr.Error(), triggeredBy)
	}
	return e.finish(ctx, a, exec, ExecCompleted, result, "", triggeredBy)
}

func (e *Engine) finish(ctx context.Context, a Action, exec Execution, state string, result map[string]any, errMsg, triggeredBy string) (Execution, error) {
	now := e.now().UTC()
	exec.State = state
	exec.Result = result
	exec.Error = errMsg
	exec.CompletedAt = &now
	exec.DurationMS = now.Sub(exec.StartedAt).Milliseconds()

	audit := ExecutionAudit{
		Timestamp:   now,
		ActionID:    exec.ActionID,
		ExecutionID: exec.ID,
		TenantID:    a.TenantID,
		TriggerType: exec.TriggerType,
		AlertID:     exec.AlertID,
		State:       state,
		DurationMS:  exec.DurationMS,
		Error:       errMsg,
		TriggeredBy: triggeredBy,
	}
	if e.sink != nil {
		if err := e.sink.Record(ctx, audit); err != nil {
			e.logger.Error("failed to record action audit entry",
				slog.String("actionId", exec.ActionID),
				slog.String("error", err.Error()))
		}
	}
	if state == ExecFailed {
		e.logger.Warn("action execution failed",
			slog.String("actionId", exec.ActionID),
			slog.String("executionId", exec.ID),
			slog.String("error", errMsg))
	}
	return exec, nil
}

// ProcessAlert finds and executes every matching action. Triggers with
// delays execute in nondecreasing delay order; the delay is relative
// to alert processing start, so the queue stays monotone.
func (e *Engine) ProcessAlert(ctx context.Context, alert Alert, triggerType string) ([]Execution, error) {
	matches, err := e.registry.FindMatchingActions(ctx, alert, triggerType)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Trigger.DelaySeconds < matches[j].Trigger.DelaySeconds
	})

	var out []Execution
	elapsed := 0
	for _, m := range matches {
		if wait := m.Trigger.DelaySeconds - elapsed; wait > 0 {
			if err := e.sleep(ctx, time.Duration(wait)*time.Second); err != nil {
				return out, err
			}
			elapsed = m.Trigger.DelaySeconds
		}
		exec, err := e.ExecuteAction(ctx, m.Action.ID, alert, triggerType, "")
		if err != nil {
			return out, err
		}
		out = append(out, exec)
	}
	return out, nil
}
