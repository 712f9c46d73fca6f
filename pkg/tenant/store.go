package tenant

import (
	"context"
	"sort"
	"sync"

	"github.com/mergeflow/mergeflow/pkg/fault"
)

// Store persists tenants. Get on a missing or hard-deleted tenant
// returns a tenant-not-found fault.
type Store interface {
	Create(ctx context.Context, t Tenant) error
	Get(ctx context.Context, id string) (Tenant, error)
	Update(ctx context.Context, t Tenant) error
	List(ctx context.Context) ([]Tenant, error)
	Remove(ctx context.Context, id string) error
}

// MemoryStore keeps tenants in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]Tenant
}

// NewMemoryStore creates an empty in-memory tenant store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tenants: make(map[string]Tenant)}
}

func (m *MemoryStore) Create(ctx context.Context, t Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tenants[t.ID]; exists {
		return fault.Newf(fault.CodeInvalidInput, "tenant %s already exists", t.ID)
	}
	m.tenants[t.ID] = t
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[id]
	if !ok {
		return Tenant{}, fault.Newf(fault.CodeTenantNotFound, "tenant %s not found", id)
	}
	return t, nil
}

func (m *MemoryStore) Update(ctx context.Context, t Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[t.ID]; !ok {
		return fault.Newf(fault.CodeTenantNotFound, "tenant %s not found", t.ID)
	}
	m.tenants[t.ID] = t
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[id]; !ok {
		return fault.Newf(fault.CodeTenantNotFound, "tenant %s not found", id)
	}
	delete(m.tenants, id)
	return nil
}
