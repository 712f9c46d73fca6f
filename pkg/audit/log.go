// Package audit implements the append-only per-run audit log.
//
// Entries are newline-delimited JSON inside the run's audit.log artifact.
// Read order equals append order.
package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mergeflow/mergeflow/pkg/bundle"
	"github.com/mergeflow/mergeflow/pkg/fault"
)

// Well-known actions emitted by the run manager and the approval gate.
const (
	ActionRunCreated      = "run_created"
	ActionStateTransition = "state_transition"
	ActionRunFailed       = "run_failed"
	ActionRunAborted      = "run_aborted"
	ActionApprovalGranted = "approval_granted"
	ActionApprovalDenied  = "approval_denied"
	ActionCheckpointSaved = "checkpoint_saved"
	ActionRunResumed      = "run_resumed"
)

// Entry is one audit event for a run.
type Entry struct {
	RunID     string         `json:"runId"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor"`
	ActorID   string         `json:"actorId,omitempty"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
}

// Log appends and reads per-run audit entries through the bundle store.
// Appends within a run are totally ordered.
type Log struct {
	store *bundle.Store
	mu    sync.Mutex
	now   func() time.Time
}

// NewLog creates an audit log backed by store.
func NewLog(store *bundle.Store) *Log {
	return &Log{store: store, now: time.Now}
}

// Append writes one entry to the run's audit.log. RunID and Timestamp are
// filled in when the caller leaves them zero.
func (l *Log) Append(ctx context.Context, runID string, e Entry) error {
	if e.Action == "" {
		return fault.Newf(fault.CodeInvalidInput, "audit entry requires an action")
	}
	if e.RunID == "" {
		e.RunID = runID
	}
	if e.RunID != runID {
		return fault.Newf(fault.CodeInvalidInput, "audit entry run id %s does not match %s", e.RunID, runID)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal entry: %w", err)
	}

	// Serialize appends so concurrent writers never lose each other's lines.
	// The underlying artifact write stays atomic.
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.store.Read(ctx, runID, bundle.ArtifactAudit)
	if err != nil && fault.KindOf(err) != fault.KindNotFound {
		return err
	}
	buf := make([]byte, 0, len(existing)+len(line)+1)
	buf = append(buf, existing...)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	return l.store.Write(ctx, runID, bundle.ArtifactAudit, buf)
}

// Read returns all entries for a run in append order. A run with no audit
// log yet yields an empty slice.
func (l *Log) Read(ctx context.Context, runID string) ([]Entry, error) {
	data, err := l.store.Read(ctx, runID, bundle.ArtifactAudit)
	if err != nil {
		if fault.KindOf(err) == fault.KindNotFound {
			return nil, nil
		}
		return nil, err
	}

	var entries []Entry
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fault.Wrap(fault.CodeCorruptedArtifact,
				fmt.Errorf("run %s: audit.log line %d: %w", runID, lineNo, err))
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("audit: failed to scan audit.log: %w", err)
	}
	return entries, nil
}

// Count returns the number of entries for a run.
func (l *Log) Count(ctx context.Context, runID string) (int, error) {
	entries, err := l.Read(ctx, runID)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Filter returns the entries for a run whose action matches.
func (l *Log) Filter(ctx context.Context, runID, action string) ([]Entry, error) {
	entries, err := l.Read(ctx, runID)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out, nil
}
