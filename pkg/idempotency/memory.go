package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/mergeflow/mergeflow/pkg/fault"
)

// MemoryStore is the in-process Store. A single mutex makes CheckAndSet
// linearizable; expired records are treated as absent and reaped lazily.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	bounds  TTLBounds
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record), bounds: DefaultTTLBounds(), now: time.Now}
}

// WithTTLBounds overrides the TTL clamp range, typically from the
// runtime configuration.
func (m *MemoryStore) WithTTLBounds(b TTLBounds) *MemoryStore {
	m.bounds = b
	return m
}

// WithClock overrides the time source. Test hook.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func (m *MemoryStore) CheckAndSet(ctx context.Context, key, tenantID string, ttlSeconds int, payloadHash string) (CheckResult, error) {
	if key == "" {
		return CheckResult{}, fault.Newf(fault.CodeInvalidInput, "idempotency key must not be empty")
	}
	keyHash := HashKey(key)
	now := m.now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.records[keyHash]; ok && !existing.Expired(now) {
		if payloadHash != "" && payloadHash != existing.PayloadHash {
			return CheckResult{}, collisionErr(key)
		}
		return CheckResult{IsNew: false, Record: existing}, nil
	}

	rec := Record{
		KeyHash:     keyHash,
		Key:         key,
		TenantID:    tenantID,
		Status:      StatusPending,
		PayloadHash: payloadHash,
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Duration(m.bounds.Clamp(ttlSeconds)) * time.Second),
	}
	m.records[keyHash] = rec
	return CheckResult{IsNew: true, Record: rec}, nil
}

func (m *MemoryStore) Complete(ctx context.Context, keyHash, runID string, result map[string]any) error {
	return m.update(keyHash, func(r *Record) {
		r.Status = StatusCompleted
		r.RunID = runID
		r.Result = result
	})
}

func (m *MemoryStore) Fail(ctx context.Context, keyHash, errMsg string) error {
	return m.update(keyHash, func(r *Record) {
		r.Status = StatusFailed
		if errMsg != "" {
			r.Result = map[string]any{"error": errMsg}
		}
	})
}

func (m *MemoryStore) update(keyHash string, mutate func(*Record)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[keyHash]
	if !ok {
		return fault.Newf(fault.CodeRecordNotFound, "idempotency record %s not found", keyHash)
	}
	mutate(&rec)
	m.records[keyHash] = rec
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[HashKey(key)]
	if !ok || rec.Expired(m.now().UTC()) {
		return Record{}, fault.Newf(fault.CodeRecordNotFound, "idempotency record for key %s not found", key)
	}
	return rec, nil
}

func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.Get(ctx, key)
	if err == nil {
		return true, nil
	}
	if fault.KindOf(err) == fault.KindNotFound {
		return false, nil
	}
	return false, err
}

func (m *MemoryStore) Cleanup(ctx context.Context, batch int) (int, error) {
	now := m.now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for keyHash, rec := range m.records {
		if batch > 0 && removed >= batch {
			break
		}
		if rec.Expired(now) {
			delete(m.records, keyHash)
			removed++
		}
	}
	return removed, nil
}
