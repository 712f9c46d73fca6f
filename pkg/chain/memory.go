package chain

import (
	"context"
	"sort"
	"sync"

	"github.com/mergeflow/mergeflow/pkg/fault"
)

// MemoryStore keeps chains in process memory. Suitable for tests and
// single-node deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[string][]Entry
}

// NewMemoryStore creates an empty in-memory chain store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chains: make(map[string][]Entry)}
}

func (m *MemoryStore) Append(ctx context.Context, tenantID string, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.chains[tenantID]
	for _, existing := range entries {
		if existing.Sequence == e.Sequence {
			return fault.Newf(fault.CodeContention, "chain sequence %d already exists for tenant %s", e.Sequence, tenantID)
		}
	}
	m.chains[tenantID] = append(entries, e)
	return nil
}

func (m *MemoryStore) Entries(ctx context.Context, tenantID string, w Window) ([]Entry, error) {
	m.mu.RLock()
	entries := append([]Entry(nil), m.chains[tenantID]...)
	m.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Sequence < entries[j].Sequence })

	var out []Entry
	for _, e := range entries {
		if e.Sequence < w.Start {
			continue
		}
		if w.End >= 0 && e.Sequence > w.End {
			continue
		}
		out = append(out, e)
		if w.Max > 0 && len(out) == w.Max {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Head(ctx context.Context, tenantID string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.chains[tenantID]
	if len(entries) == 0 {
		return nil, nil
	}
	head := entries[0]
	for _, e := range entries[1:] {
		if e.Sequence > head.Sequence {
			head = e
		}
	}
	return &head, nil
}

func (m *MemoryStore) Count(ctx context.Context, tenantID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.chains[tenantID])), nil
}

func (m *MemoryStore) Delete(ctx context.Context, tenantID string, sequence int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.chains[tenantID]
	for i, e := range entries {
		if e.Sequence == sequence {
			m.chains[tenantID] = append(entries[:i:i], entries[i+1:]...)
			return nil
		}
	}
	return fault.Newf(fault.CodeRecordNotFound, "chain entry %d not found for tenant %s", sequence, tenantID)
}
