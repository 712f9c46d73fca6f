package run

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mergeflow/mergeflow/pkg/audit"
	"github.com/mergeflow/mergeflow/pkg/bundle"
	"github.com/mergeflow/mergeflow/pkg/fault"
	"github.com/mergeflow/mergeflow/pkg/runindex"
	"github.com/mergeflow/mergeflow/pkg/state"
)

// Manager owns run lifecycle: create, load, transition, fail, abort.
// All mutations flow through the state machine and are audited.
type Manager struct {
	store  *bundle.Store
	audit  *audit.Log
	index  runindex.Index
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// Option configures a Manager.
type Option func(*Manager)

// WithIndex keeps the run index in sync with every mutation.
func WithIndex(idx runindex.Index) Option {
	return func(m *Manager) { m.index = idx }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator overrides run id generation.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) { m.newID = gen }
}

// NewManager creates a run manager over the given bundle store and audit log.
func NewManager(store *bundle.Store, auditLog *audit.Log, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		audit:  auditLog,
		logger: slog.Default(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateRequest carries the inputs for a new run.
type CreateRequest struct {
	TenantID         string
	Repo             RepoRef
	Initiator        string
	CapabilitiesMode CapabilitiesMode
	PRURL            string
	BaseRef          string
	HeadRef          string
	Models           map[string]string
}

// Create allocates a run id, writes run.json in state queued, emits a
// run_created audit entry, and returns the new context.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Run, error) {
	if req.TenantID == "" {
		return nil, fault.Newf(fault.CodeInvalidInput, "create requires a tenant id")
	}
	if req.Repo.Owner == "" || req.Repo.Name == "" {
		return nil, fault.Newf(fault.CodeInvalidInput, "create requires repo owner and name")
	}
	if req.Initiator == "" {
		return nil, fault.Newf(fault.CodeInvalidInput, "create requires an initiator")
	}
	mode := req.CapabilitiesMode
	if mode == "" {
		mode = ModePatchOnly
	}
	if !mode.Known() {
		return nil, fault.Newf(fault.CodeInvalidInput, "unknown capabilities mode %q", mode)
	}
	repo := req.Repo
	if repo.FullName == "" {
		repo.FullName = repo.Owner + "/" + repo.Name
	}

	now := m.now().UTC()
	r := &Run{
		RunID:            m.newID(),
		TenantID:         req.TenantID,
		Repo:             repo,
		State:            state.Queued,
		PreviousStates:   []StateEntry{{State: state.Queued, EnteredAt: now}},
		CapabilitiesMode: mode,
		Models:           req.Models,
		CreatedAt:        now,
		UpdatedAt:        now,
		Initiator:        req.Initiator,
		PRURL:            req.PRURL,
		BaseRef:          req.BaseRef,
		HeadRef:          req.HeadRef,
		Version:          schemaVersion,
	}

	if err := m.store.EnsureRun(ctx, r.RunID); err != nil {
		return nil, err
	}
	if err := m.persist(ctx, r); err != nil {
		return nil, err
	}
	if err := m.audit.Append(ctx, r.RunID, audit.Entry{
		Actor:  r.Initiator,
		Action: audit.ActionRunCreated,
		Details: map[string]any{
			"repo":             repo.FullName,
			"capabilitiesMode": string(mode),
		},
	}); err != nil {
		return nil, err
	}
	// The initial entry into queued is recorded like any other
	// transition, so the audit stream replays the full state history.
	if err := m.audit.Append(ctx, r.RunID, audit.Entry{
		Actor:  r.Initiator,
		Action: audit.ActionStateTransition,
		Details: map[string]any{
			"from": "",
			"to":   string(state.Queued),
		},
	}); err != nil {
		return nil, err
	}

	m.logger.Info("run created",
		slog.String("runId", r.RunID),
		slog.String("tenantId", r.TenantID),
		slog.String("repo", repo.FullName))
	return r, nil
}

// Load reads a run's context from its bundle. The raw run.json is
// schema-validated first so a corrupted or incompatible bundle surfaces
// as a fault instead of a half-parsed run.
func (m *Manager) Load(ctx context.Context, runID string) (*Run, error) {
	raw, err := m.store.Read(ctx, runID, bundle.ArtifactRun)
	if err != nil {
		return nil, err
	}
	if err := bundle.ValidateRunJSON(raw); err != nil {
		return nil, err
	}
	var r Run
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fault.Wrap(fault.CodeCorruptedArtifact, err)
	}
	return &r, nil
}

// Transition moves a run to newState. The transition must be legal, and a
// terminal run is never mutated.
func (m *Manager) Transition(ctx context.Context, runID string, newState state.State) (*Run, error) {
	r, err := m.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if r.Terminal() {
		return nil, fault.Newf(fault.CodeInvalidTransition,
			"run %s is terminal in state %s", runID, r.State)
	}
	if err := state.Validate(r.State, newState, runID); err != nil {
		return nil, err
	}

	now := m.now().UTC()
	from := r.State
	r.State = newState
	r.PreviousStates = append(r.PreviousStates, StateEntry{State: newState, EnteredAt: now})
	r.UpdatedAt = now
	if state.IsTerminal(newState) {
		m.stamp(r, now)
	}

	if err := m.persist(ctx, r); err != nil {
		return nil, err
	}
	if err := m.audit.Append(ctx, runID, audit.Entry{
		Actor:  "system",
		Action: audit.ActionStateTransition,
		Details: map[string]any{
			"from": string(from),
			"to":   string(newState),
		},
	}); err != nil {
		return nil, err
	}

	m.logger.Info("run transitioned",
		slog.String("runId", runID),
		slog.String("from", string(from)),
		slog.String("to", string(newState)))
	return r, nil
}

// Fail marks a run failed with an error message. Failing an already-terminal
// run is a no-op that preserves the first recorded error.
func (m *Manager) Fail(ctx context.Context, runID, errMsg string, details map[string]any) (*Run, error) {
	return m.finish(ctx, runID, state.Failed, audit.ActionRunFailed, errMsg, details)
}

// Abort marks a run aborted with a reason. Idempotent like Fail.
func (m *Manager) Abort(ctx context.Context, runID, reason string) (*Run, error) {
	return m.finish(ctx, runID, state.Aborted, audit.ActionRunAborted, reason, nil)
}

func (m *Manager) finish(ctx context.Context, runID string, terminal state.State, action, errMsg string, details map[string]any) (*Run, error) {
	r, err := m.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if r.Terminal() {
		return r, nil
	}

	now := m.now().UTC()
	from := r.State
	r.State = terminal
	r.PreviousStates = append(r.PreviousStates, StateEntry{State: terminal, EnteredAt: now})
	r.UpdatedAt = now
	r.Error = errMsg
	r.ErrorDetails = details
	m.stamp(r, now)

	if err := m.persist(ctx, r); err != nil {
		return nil, err
	}
	if err := m.audit.Append(ctx, runID, audit.Entry{
		Actor:  "system",
		Action: action,
		Details: map[string]any{
			"from":  string(from),
			"error": errMsg,
		},
	}); err != nil {
		return nil, err
	}

	m.logger.Warn("run finished abnormally",
		slog.String("runId", runID),
		slog.String("state", string(terminal)),
		slog.String("error", errMsg))
	return r, nil
}

// HardDelete removes the run's bundle and its index entry. This is the only
// way a run is ever destroyed.
func (m *Manager) HardDelete(ctx context.Context, runID string) error {
	if err := m.store.Delete(ctx, runID); err != nil {
		return err
	}
	if m.index != nil {
		return m.index.Delete(ctx, runID)
	}
	return nil
}

func (m *Manager) stamp(r *Run, now time.Time) {
	r.CompletedAt = &now
	r.DurationMS = now.Sub(r.CreatedAt).Milliseconds()
}

func (m *Manager) persist(ctx context.Context, r *Run) error {
	if err := m.store.WriteJSON(ctx, r.RunID, bundle.ArtifactRun, r); err != nil {
		return err
	}
	if m.index == nil {
		return nil
	}
	return m.index.Put(ctx, runindex.Entry{
		RunID:     r.RunID,
		TenantID:  r.TenantID,
		Repo:      r.Repo.FullName,
		State:     string(r.State),
		Initiator: r.Initiator,
		PRURL:     r.PRURL,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	})
}
