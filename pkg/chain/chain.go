// Package chain maintains per-tenant hash-chained audit logs for
// security and billing relevant events. Every entry carries a content
// hash over its canonicalized payload and a link hash derived from the
// previous entry, so any tampering or deletion is detectable by the
// verifier.
package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mergeflow/mergeflow/pkg/canonical"
	"github.com/mergeflow/mergeflow/pkg/fault"
)

// AlgorithmSHA256 is the only sealing algorithm currently produced.
// Older chains may carry other algorithm labels after a re-seal.
const AlgorithmSHA256 = "sha256"

// GenesisPrevHash is the prevHash of the first entry in every chain.
var GenesisPrevHash = strings.Repeat("0", 64)

// Entry is one sealed element of a tenant's chain.
type Entry struct {
	EntryID     string          `json:"entryId"`
	Sequence    int64           `json:"sequence"`
	Timestamp   time.Time       `json:"timestamp"`
	Algorithm   string          `json:"algorithm"`
	PrevHash    string          `json:"prevHash"`
	ContentHash string          `json:"contentHash"`
	Payload     json.RawMessage `json:"payload"`
}

// ContentHash computes the digest of a canonicalized payload under the
// given algorithm.
func ContentHash(algorithm string, payload json.RawMessage) (string, error) {
	if algorithm != AlgorithmSHA256 {
		return "", fault.Newf(fault.CodeInvalidInput, "unsupported chain algorithm %q", algorithm)
	}
	b, err := canonical.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("chain: canonicalize payload: %w", err)
	}
	return canonical.HashBytes(b), nil
}

// LinkHash derives the prevHash a successor of prev must carry.
func LinkHash(prev Entry) string {
	return canonical.HashBytes([]byte(prev.ContentHash + prev.PrevHash))
}

// Seal builds the next entry after prev (nil for genesis). It is pure:
// the caller supplies identity, payload, and clock.
func Seal(prev *Entry, entryID string, payload json.RawMessage, algorithm string, at time.Time) (Entry, error) {
	contentHash, err := ContentHash(algorithm, payload)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{
		EntryID:     entryID,
		Sequence:    0,
		Timestamp:   at.UTC(),
		Algorithm:   algorithm,
		PrevHash:    GenesisPrevHash,
		ContentHash: contentHash,
		Payload:     payload,
	}
	if prev != nil {
		e.Sequence = prev.Sequence + 1
		e.PrevHash = LinkHash(*prev)
		if e.Timestamp.Before(prev.Timestamp) {
			// Appends never move the chain clock backwards.
			e.Timestamp = prev.Timestamp
		}
	}
	return e, nil
}

// Window selects a contiguous slice of a chain. End < 0 means no upper
// bound; Max <= 0 means no entry limit.
type Window struct {
	Start int64
	End   int64
	Max   int
}

// AllEntries selects the whole chain.
func AllEntries() Window { return Window{Start: 0, End: -1} }

// Store persists chain entries. Entries returns entries ordered by
// sequence ascending. Delete exists for retention pruning; the
// verifier reports pruned ranges as gaps.
type Store interface {
	Append(ctx context.Context, tenantID string, e Entry) error
	Entries(ctx context.Context, tenantID string, w Window) ([]Entry, error)
	Head(ctx context.Context, tenantID string) (*Entry, error)
	Count(ctx context.Context, tenantID string) (int64, error)
	Delete(ctx context.Context, tenantID string, sequence int64) error
}

// Chain appends sealed entries for tenants, serializing appends per
// tenant so sequences never collide.
type Chain struct {
	store     Store
	algorithm string
	now       func() time.Time
	newID     func() string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Chain.
type Option func(*Chain)

// WithClock overrides the append timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Chain) { c.now = now }
}

// WithIDGenerator overrides entry ID generation.
func WithIDGenerator(gen func() string) Option {
	return func(c *Chain) { c.newID = gen }
}

// New creates a Chain sealing with SHA-256.
func New(store Store, opts ...Option) *Chain {
	c := &Chain{
		store:     store,
		algorithm: AlgorithmSHA256,
		now:       time.Now,
		newID:     uuid.NewString,
		locks:     make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Chain) tenantLock(tenantID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[tenantID] = l
	}
	return l
}

// Append seals payload as the next entry of the tenant's chain.
func (c *Chain) Append(ctx context.Context, tenantID string, payload any) (Entry, error) {
	if tenantID == "" {
		return Entry{}, fault.Newf(fault.CodeInvalidInput, "chain append requires a tenant id")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("chain: marshal payload: %w", err)
	}

	l := c.tenantLock(tenantID)
	l.Lock()
	defer l.Unlock()

	head, err := c.store.Head(ctx, tenantID)
	if err != nil {
		return Entry{}, err
	}
	e, err := Seal(head, c.newID(), raw, c.algorithm, c.now())
	if err != nil {
		return Entry{}, err
	}
	if err := c.store.Append(ctx, tenantID, e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// resealPayload marks a verifiable algorithm change inside the chain.
type resealPayload struct {
	Event         string `json:"event"`
	FromAlgorithm string `json:"fromAlgorithm"`
	ToAlgorithm   string `json:"toAlgorithm"`
}

const resealEvent = "algorithm_reseal"

// Reseal switches the chain to a new sealing algorithm by appending a
// marker entry sealed with the new algorithm. Without the marker the
// verifier flags the algorithm change as an advisory.
func (c *Chain) Reseal(ctx context.Context, tenantID, newAlgorithm string) (Entry, error) {
	if newAlgorithm != AlgorithmSHA256 {
		return Entry{}, fault.Newf(fault.CodeInvalidInput, "unsupported chain algorithm %q", newAlgorithm)
	}
	old := c.algorithm
	e, err := c.Append(ctx, tenantID, resealPayload{
		Event:         resealEvent,
		FromAlgorithm: old,
		ToAlgorithm:   newAlgorithm,
	})
	if err != nil {
		return Entry{}, err
	}
	c.algorithm = newAlgorithm
	return e, nil
}

func isResealEntry(e Entry) bool {
	var p resealPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return false
	}
	return p.Event == resealEvent
}
