package reliability

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Lock is a held run lock.
type Lock struct {
	RunID      string    `json:"runId"`
	HolderID   string    `json:"holderId"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// AcquireResult is the outcome of TryAcquire.
type AcquireResult struct {
	Acquired bool
	Lock     *Lock
}

// RunLocker guarantees at most one active mutator per run. Expired locks
// may be reacquired by anyone; release by a non-holder is a no-op.
type RunLocker interface {
	TryAcquire(ctx context.Context, runID string, ttl time.Duration) (AcquireResult, error)
	Release(ctx context.Context, runID, holderID string) error
	Holder(ctx context.Context, runID string) (*Lock, error)
}

// MemoryRunLocker is the single-process RunLocker.
type MemoryRunLocker struct {
	mu    sync.Mutex
	locks map[string]Lock
	now   func() time.Time
	newID func() string
}

// NewMemoryRunLocker creates an empty in-memory locker.
func NewMemoryRunLocker() *MemoryRunLocker {
	return &MemoryRunLocker{
		locks: make(map[string]Lock),
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// WithClock overrides the time source. Test hook.
func (m *MemoryRunLocker) WithClock(now func() time.Time) *MemoryRunLocker {
	m.now = now
	return m
}

func (m *MemoryRunLocker) TryAcquire(ctx context.Context, runID string, ttl time.Duration) (AcquireResult, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	now := m.now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.locks[runID]; ok && existing.ExpiresAt.After(now) {
		return AcquireResult{Acquired: false}, nil
	}
	lock := Lock{
		RunID:      runID,
		HolderID:   m.newID(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	m.locks[runID] = lock
	return AcquireResult{Acquired: true, Lock: &lock}, nil
}

func (m *MemoryRunLocker) Release(ctx context.Context, runID, holderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.locks[runID]; ok && existing.HolderID == holderID {
		delete(m.locks, runID)
	}
	return nil
}

func (m *MemoryRunLocker) Holder(ctx context.Context, runID string) (*Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.locks[runID]; ok && existing.ExpiresAt.After(m.now().UTC()) {
		lock := existing
		return &lock, nil
	}
	return nil, nil
}
