// Package metering records billable and security-relevant usage events,
// maintains daily/monthly aggregates, and enforces plan entitlements.
package metering

import (
	"context"
	"time"

	"github.com/mergeflow/mergeflow/pkg/fault"
)

// Usage event types.
const (
	EventRunStarted         = "run_started"
	EventSignalIngested     = "signal_ingested"
	EventCandidateGenerated = "candidate_generated"
	EventLLMTokensUsed      = "llm_tokens_used"
)

// Event is one usage event.
type Event struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenantId"`
	Type       string         `json:"type"`
	Quantity   int64          `json:"quantity"`
	OccurredAt time.Time      `json:"occurredAt"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// DailyBucket returns the daily aggregate bucket for t.
func DailyBucket(t time.Time) string { return t.UTC().Format("2006-01-02") }

// MonthlyBucket returns the monthly aggregate bucket for t.
func MonthlyBucket(t time.Time) string { return t.UTC().Format("2006-01") }

// Aggregate holds per-type counters for one (tenant, bucket).
type Aggregate struct {
	TenantID string           `json:"tenantId"`
	Bucket   string           `json:"bucket"`
	Counters map[string]int64 `json:"counters"`
}

// Value returns the counter for one event type.
func (a Aggregate) Value(eventType string) int64 {
	if a.Counters == nil {
		return 0
	}
	return a.Counters[eventType]
}

// Store persists events and keeps aggregates consistent with them. Record
// is atomic per tenant: the event append and both bucket updates land
// together or not at all.
type Store interface {
	Record(ctx context.Context, e Event) error
	Events(ctx context.Context, tenantID string, since time.Time) ([]Event, error)
	Aggregate(ctx context.Context, tenantID, bucket string) (Aggregate, error)
}

func validateEvent(e Event) error {
	if e.ID == "" {
		return fault.Newf(fault.CodeInvalidInput, "usage event requires an id")
	}
	if e.TenantID == "" {
		return fault.Newf(fault.CodeInvalidInput, "usage event requires a tenant id")
	}
	if e.Type == "" {
		return fault.Newf(fault.CodeInvalidInput, "usage event requires a type")
	}
	if e.Quantity <= 0 {
		return fault.Newf(fault.CodeInvalidInput, "usage event quantity must be positive, got %d", e.Quantity)
	}
	return nil
}
