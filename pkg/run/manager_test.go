package run_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mergeflow/mergeflow/pkg/audit"
	"github.com/mergeflow/mergeflow/pkg/bundle"
	"github.com/mergeflow/mergeflow/pkg/fault"
	"github.com/mergeflow/mergeflow/pkg/run"
	"github.com/mergeflow/mergeflow/pkg/runindex"
	"github.com/mergeflow/mergeflow/pkg/state"
)

type fixture struct {
	manager *run.Manager
	store   *bundle.Store
	audit   *audit.Log
	index   *runindex.MemoryIndex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := bundle.NewStore(t.TempDir())
	require.NoError(t, err)
	log := audit.NewLog(store)
	idx := runindex.NewMemoryIndex()

	seq := 0
	manager := run.NewManager(store, log,
		run.WithIndex(idx),
		run.WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("run-%d", seq)
		}),
	)
	return &fixture{manager: manager, store: store, audit: log, index: idx}
}

func createReq() run.CreateRequest {
	return run.CreateRequest{
		TenantID:         "tenant-1",
		Repo:             run.RepoRef{Owner: "acme", Name: "project"},
		Initiator:        "dev@acme.com",
		CapabilitiesMode: run.ModeCommitAfterApproval,
	}
}

func TestCreateWritesRunJSON(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.manager.Create(ctx, createReq())
	require.NoError(t, err)
	assert.Equal(t, "run-1", r.RunID)
	assert.Equal(t, state.Queued, r.State)
	assert.Equal(t, "acme/project", r.Repo.FullName)
	assert.Equal(t, bundle.SchemaVersion, r.Version)
	require.Len(t, r.PreviousStates, 1)
	assert.Equal(t, state.Queued, r.PreviousStates[0].State)

	raw, err := f.store.Read(ctx, r.RunID, bundle.ArtifactRun)
	require.NoError(t, err)
	assert.NoError(t, bundle.ValidateRunJSON(raw))

	created, err := f.audit.Filter(ctx, r.RunID, audit.ActionRunCreated)
	require.NoError(t, err)
	assert.Len(t, created, 1)

	indexed, err := f.index.Get(ctx, r.RunID)
	require.NoError(t, err)
	assert.Equal(t, "queued", indexed.State)
}

func TestCreateDefaultsToPatchOnly(t *testing.T) {
	f := newFixture(t)

	req := createReq()
	req.CapabilitiesMode = ""
	r, err := f.manager.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, run.ModePatchOnly, r.CapabilitiesMode)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := createReq()
	req.TenantID = ""
	_, err := f.manager.Create(ctx, req)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))

	req = createReq()
	req.Initiator = ""
	_, err = f.manager.Create(ctx, req)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))

	req = createReq()
	req.CapabilitiesMode = "yolo"
	_, err = f.manager.Create(ctx, req)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

// Drives a run down the happy path to awaiting_approval, checking audit
// entries, artifact presence, and monotone progress along the way.
func TestHappyPathToAwaitingApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.manager.Create(ctx, createReq())
	require.NoError(t, err)

	steps := []struct {
		to       state.State
		artifact string
		content  string
	}{
		{state.Triaged, bundle.ArtifactTriage, `{"score": 4}`},
		{state.Planned, bundle.ArtifactPlan, "# plan"},
		{state.Resolving, "", ""},
		{state.Review, bundle.ArtifactPatch, "--- a/x\n+++ b/x\n"},
		{state.AwaitingApproval, bundle.ArtifactReview, `{"verdict": "approve"}`},
	}

	lastProgress := r.Progress()
	for _, step := range steps {
		if step.artifact != "" {
			require.NoError(t, f.store.Write(ctx, r.RunID, step.artifact, []byte(step.content)))
		}
		r, err = f.manager.Transition(ctx, r.RunID, step.to)
		require.NoError(t, err)
		assert.Greater(t, r.Progress(), lastProgress, "progress must strictly increase at %s", step.to)
		lastProgress = r.Progress()
	}

	assert.Equal(t, state.AwaitingApproval, r.State)
	for _, name := range []string{bundle.ArtifactTriage, bundle.ArtifactPlan, bundle.ArtifactPatch, bundle.ArtifactReview} {
		ok, err := f.store.Exists(ctx, r.RunID, name)
		require.NoError(t, err)
		assert.True(t, ok, "artifact %s must exist", name)
	}

	// Five edges plus the initial entry into queued.
	transitions, err := f.audit.Filter(ctx, r.RunID, audit.ActionStateTransition)
	require.NoError(t, err)
	assert.Len(t, transitions, len(steps)+1)
	created, err := f.audit.Filter(ctx, r.RunID, audit.ActionRunCreated)
	require.NoError(t, err)
	assert.Len(t, created, 1)
}

func TestInvalidTransitionLeavesRunUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.manager.Create(ctx, createReq())
	require.NoError(t, err)

	_, err = f.manager.Transition(ctx, r.RunID, state.Done)
	require.Error(t, err)
	assert.Equal(t, fault.CodeInvalidTransition, fault.CodeOf(err))
	assert.Contains(t, err.Error(), "queued")
	assert.Contains(t, err.Error(), "done")

	reloaded, err := f.manager.Load(ctx, r.RunID)
	require.NoError(t, err)
	assert.Equal(t, state.Queued, reloaded.State)
	assert.Len(t, reloaded.PreviousStates, 1)
}

func TestReviewCanReturnToResolving(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.manager.Create(ctx, createReq())
	require.NoError(t, err)
	for _, s := range []state.State{state.Triaged, state.Planned, state.Resolving, state.Review} {
		r, err = f.manager.Transition(ctx, r.RunID, s)
		require.NoError(t, err)
	}

	r, err = f.manager.Transition(ctx, r.RunID, state.Resolving)
	require.NoError(t, err)
	assert.Equal(t, state.Resolving, r.State)
}

func TestFailIsIdempotentAndPreservesFirstError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.manager.Create(ctx, createReq())
	require.NoError(t, err)

	failed, err := f.manager.Fail(ctx, r.RunID, "triage agent crashed", map[string]any{"exitCode": 2})
	require.NoError(t, err)
	assert.Equal(t, state.Failed, failed.State)
	assert.Equal(t, "triage agent crashed", failed.Error)
	require.NotNil(t, failed.CompletedAt)
	assert.GreaterOrEqual(t, failed.DurationMS, int64(0))

	again, err := f.manager.Fail(ctx, r.RunID, "a different error", nil)
	require.NoError(t, err)
	assert.Equal(t, "triage agent crashed", again.Error)
	assert.Equal(t, failed.UpdatedAt, again.UpdatedAt)
}

func TestAbort(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.manager.Create(ctx, createReq())
	require.NoError(t, err)
	aborted, err := f.manager.Abort(ctx, r.RunID, "user cancelled")
	require.NoError(t, err)
	assert.Equal(t, state.Aborted, aborted.State)
	assert.Equal(t, "user cancelled", aborted.Error)

	// Terminal runs admit no further transitions.
	_, err = f.manager.Transition(ctx, r.RunID, state.Triaged)
	assert.Equal(t, fault.CodeInvalidTransition, fault.CodeOf(err))
}

func TestLoadMissingRun(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Load(context.Background(), "ghost")
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestHardDeleteRemovesBundleAndIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.manager.Create(ctx, createReq())
	require.NoError(t, err)
	require.NoError(t, f.manager.HardDelete(ctx, r.RunID))

	_, err = f.manager.Load(ctx, r.RunID)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
	_, err = f.index.Get(ctx, r.RunID)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestStateHistoryIsStrictlyAppended(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.manager.Create(ctx, createReq())
	require.NoError(t, err)

	var history []state.State
	for _, e := range r.PreviousStates {
		history = append(history, e.State)
	}
	for _, s := range []state.State{state.Triaged, state.Planned} {
		r, err = f.manager.Transition(ctx, r.RunID, s)
		require.NoError(t, err)
		require.Len(t, r.PreviousStates, len(history)+1)
		for i, prev := range history {
			assert.Equal(t, prev, r.PreviousStates[i].State)
		}
		history = append(history, s)
	}

	var prev time.Time
	for _, e := range r.PreviousStates {
		assert.False(t, e.EnteredAt.Before(prev))
		prev = e.EnteredAt
	}
}

func TestLoadRejectsCorruptedBundle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.manager.Create(ctx, createReq())
	require.NoError(t, err)

	cases := map[string]string{
		"unknown state": `{"runId": "run-1", "tenantId": "tenant-1",
			"repo": {"owner": "acme", "name": "project", "fullName": "acme/project"},
			"state": "not-a-real-state", "createdAt": "2026-08-26T00:00:00Z",
			"updatedAt": "2026-08-26T00:00:00Z", "version": "1.0.0"}`,
		"incompatible schema major": `{"runId": "run-1", "tenantId": "tenant-1",
			"repo": {"owner": "acme", "name": "project", "fullName": "acme/project"},
			"state": "queued", "createdAt": "2026-08-26T00:00:00Z",
			"updatedAt": "2026-08-26T00:00:00Z", "version": "99.0.0"}`,
		"truncated file": `{"runId":`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, f.store.Write(ctx, r.RunID, bundle.ArtifactRun, []byte(doc)))
			_, err := f.manager.Load(ctx, r.RunID)
			require.Error(t, err)
			assert.Equal(t, fault.CodeCorruptedArtifact, fault.CodeOf(err))
		})
	}
}
