package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"
)

// debugEnabled gates DEBUG output process-wide.
var debugEnabled atomic.Bool

// SetDebug toggles DEBUG-level logging for the whole process.
func SetDebug(on bool) { debugEnabled.Store(on) }

// DebugEnabled reports the process-wide debug flag.
func DebugEnabled() bool { return debugEnabled.Load() }

// debugGate defers the level decision to the process-wide flag so SetDebug
// takes effect without rebuilding loggers.
type debugGate struct{ slog.Handler }

func (g debugGate) Enabled(ctx context.Context, level slog.Level) bool {
	if level < slog.LevelInfo {
		return debugEnabled.Load()
	}
	return g.Handler.Enabled(ctx, level)
}

// NewLogger builds the JSON logger for a component. Entries carry the
// component name; Child adds whatever trace context is active.
func NewLogger(component string, w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})
	base := slog.New(debugGate{handler}).With(slog.String("component", component))
	return &Logger{inner: base}
}

// Logger wraps slog with trace-context awareness.
type Logger struct {
	inner *slog.Logger
}

// Slog exposes the underlying slog logger for libraries that want one.
func (l *Logger) Slog() *slog.Logger { return l.inner }

// Child returns a logger enriched with the trace context active in ctx.
func (l *Logger) Child(ctx context.Context) *Logger {
	tc, ok := FromContext(ctx)
	if !ok {
		return l
	}
	attrs := []any{slog.String("runId", tc.RunID), slog.String("spanId", tc.SpanID)}
	if tc.TenantID != "" {
		attrs = append(attrs, slog.String("tenantId", tc.TenantID))
	}
	if tc.StepID != "" {
		attrs = append(attrs, slog.String("stepId", tc.StepID))
	}
	if tc.ParentSpanID != "" {
		attrs = append(attrs, slog.String("parentSpanId", tc.ParentSpanID))
	}
	return &Logger{inner: l.inner.With(attrs...)}
}

func (l *Logger) Debug(msg string, args ...any) { l.inner.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.inner.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.inner.Warn(msg, args...) }

// Error logs at ERROR with the error attached.
func (l *Logger) Error(msg string, err error, args ...any) {
	if err != nil {
		args = append(args, slog.String("error", err.Error()))
	}
	l.inner.Error(msg, args...)
}

// Timed logs msg at INFO with the elapsed duration in milliseconds.
func (l *Logger) Timed(msg string, start time.Time, args ...any) {
	args = append(args, slog.Int64("durationMs", time.Since(start).Milliseconds()))
	l.inner.Info(msg, args...)
}
