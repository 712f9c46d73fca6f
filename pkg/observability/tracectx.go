// Package observability carries the ambient concerns of the control plane:
// structured logging with run/tenant context, trace-context propagation
// through context.Context, and a pluggable metrics registry.
package observability

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type traceContextKey struct{}

// TraceContext identifies one unit of work in the call tree. It travels in
// the context.Context passed to every blocking operation; loggers read it
// automatically.
type TraceContext struct {
	RunID        string    `json:"runId"`
	TenantID     string    `json:"tenantId,omitempty"`
	StepID       string    `json:"stepId,omitempty"`
	ParentSpanID string    `json:"parentSpanId,omitempty"`
	SpanID       string    `json:"spanId"`
	StartedAt    time.Time `json:"startedAt"`
}

// WithTrace returns a context carrying tc. A missing SpanID is assigned;
// when the parent context already carries a trace, tc inherits unset fields
// and becomes its child span.
func WithTrace(ctx context.Context, tc TraceContext) context.Context {
	if parent, ok := FromContext(ctx); ok {
		if tc.RunID == "" {
			tc.RunID = parent.RunID
		}
		if tc.TenantID == "" {
			tc.TenantID = parent.TenantID
		}
		if tc.ParentSpanID == "" {
			tc.ParentSpanID = parent.SpanID
		}
	}
	if tc.SpanID == "" {
		tc.SpanID = uuid.NewString()
	}
	if tc.StartedAt.IsZero() {
		tc.StartedAt = time.Now().UTC()
	}
	return context.WithValue(ctx, traceContextKey{}, tc)
}

// FromContext returns the active trace context, if any.
func FromContext(ctx context.Context) (TraceContext, bool) {
	tc, ok := ctx.Value(traceContextKey{}).(TraceContext)
	return tc, ok
}

// SetTraceContext runs fn with tc active. The previous trace context is
// untouched in the caller's ctx on every exit path, including panics,
// because derivation never mutates the parent context.
func SetTraceContext(ctx context.Context, tc TraceContext, fn func(context.Context) error) error {
	return fn(WithTrace(ctx, tc))
}
