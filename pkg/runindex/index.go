// Package runindex maintains a queryable index over run bundles.
//
// The bundle directory is the source of truth; the index is a secondary
// view that can always be rebuilt with SyncFromBundles.
package runindex

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mergeflow/mergeflow/pkg/fault"
)

// Entry is one indexed run.
type Entry struct {
	RunID     string    `json:"runId"`
	TenantID  string    `json:"tenantId"`
	Repo      string    `json:"repo"` // owner/name
	State     string    `json:"state"`
	Initiator string    `json:"initiator,omitempty"`
	PRURL     string    `json:"prUrl,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Filter narrows List results. Zero values mean "no constraint".
type Filter struct {
	Repo     string
	State    string
	TenantID string
	Limit    int
	Offset   int
}

// Index stores run entries. List results are ordered by UpdatedAt descending.
type Index interface {
	Put(ctx context.Context, entry Entry) error
	Get(ctx context.Context, runID string) (Entry, error)
	List(ctx context.Context, f Filter) ([]Entry, error)
	Delete(ctx context.Context, runID string) error
	Count(ctx context.Context) (int, error)
}

// MemoryIndex is the in-process Index used by tests and single-node setups.
type MemoryIndex struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryIndex creates an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: make(map[string]Entry)}
}

func (m *MemoryIndex) Put(ctx context.Context, entry Entry) error {
	if entry.RunID == "" {
		return fault.Newf(fault.CodeInvalidInput, "index entry requires a run id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.RunID] = entry
	return nil
}

func (m *MemoryIndex) Get(ctx context.Context, runID string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[runID]
	if !ok {
		return Entry{}, fault.Newf(fault.CodeRunNotFound, "run %s not in index", runID)
	}
	return e, nil
}

func (m *MemoryIndex) List(ctx context.Context, f Filter) ([]Entry, error) {
	m.mu.RLock()
	matched := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if matches(e, f) {
			matched = append(matched, e)
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
		}
		return matched[i].RunID < matched[j].RunID
	})
	return paginate(matched, f), nil
}

func (m *MemoryIndex) Delete(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, runID)
	return nil
}

func (m *MemoryIndex) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

func matches(e Entry, f Filter) bool {
	if f.Repo != "" && e.Repo != f.Repo {
		return false
	}
	if f.State != "" && e.State != f.State {
		return false
	}
	if f.TenantID != "" && e.TenantID != f.TenantID {
		return false
	}
	return true
}

func paginate(entries []Entry, f Filter) []Entry {
	if f.Offset > 0 {
		if f.Offset >= len(entries) {
			return []Entry{}
		}
		entries = entries[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(entries) {
		entries = entries[:f.Limit]
	}
	return entries
}
