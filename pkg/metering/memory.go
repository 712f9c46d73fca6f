package metering

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps events and aggregates in process memory. One mutex
// per store serializes ingestion, which keeps aggregates equal to the sum
// of their events at every instant.
type MemoryStore struct {
	mu         sync.Mutex
	events     map[string][]Event
	seen       map[string]bool
	aggregates map[string]map[string]map[string]int64 // tenant -> bucket -> type -> count
}

// NewMemoryStore creates an empty in-memory metering store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:     make(map[string][]Event),
		seen:       make(map[string]bool),
		aggregates: make(map[string]map[string]map[string]int64),
	}
}

func (m *MemoryStore) Record(ctx context.Context, e Event) error {
	if err := validateEvent(e); err != nil {
		return err
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Re-recording the same event id is a no-op so retried ingestion
	// never double-counts.
	if m.seen[e.ID] {
		return nil
	}
	m.seen[e.ID] = true
	m.events[e.TenantID] = append(m.events[e.TenantID], e)

	for _, bucket := range []string{DailyBucket(e.OccurredAt), MonthlyBucket(e.OccurredAt)} {
		buckets, ok := m.aggregates[e.TenantID]
		if !ok {
			buckets = make(map[string]map[string]int64)
			m.aggregates[e.TenantID] = buckets
		}
		counters, ok := buckets[bucket]
		if !ok {
			counters = make(map[string]int64)
			buckets[bucket] = counters
		}
		counters[e.Type] += e.Quantity
	}
	return nil
}

func (m *MemoryStore) Events(ctx context.Context, tenantID string, since time.Time) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events[tenantID] {
		if !e.OccurredAt.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) Aggregate(ctx context.Context, tenantID, bucket string) (Aggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agg := Aggregate{TenantID: tenantID, Bucket: bucket, Counters: make(map[string]int64)}
	for t, v := range m.aggregates[tenantID][bucket] {
		agg.Counters[t] = v
	}
	return agg, nil
}
