package checkpoint_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mergeflow/mergeflow/pkg/audit"
	"github.com/mergeflow/mergeflow/pkg/bundle"
	"github.com/mergeflow/mergeflow/pkg/checkpoint"
	"github.com/mergeflow/mergeflow/pkg/fault"
	"github.com/mergeflow/mergeflow/pkg/run"
	"github.com/mergeflow/mergeflow/pkg/state"
)

func workflowSteps() []checkpoint.Step {
	return []checkpoint.Step{
		{ID: "s0", Name: "triage", Status: checkpoint.StepCompleted, Output: map[string]any{"triage": "done", "score": 4}},
		{ID: "s1", Name: "plan", Status: checkpoint.StepCompleted, Output: map[string]any{"plan": "v1", "score": 5}},
		{ID: "s2", Name: "resolve", Status: checkpoint.StepPending},
		{ID: "s3", Name: "review", Status: checkpoint.StepPending},
	}
}

func activeRun() *run.Run {
	return &run.Run{RunID: "run-1", TenantID: "tenant-1", State: state.Resolving}
}

func TestForceRestartIgnoresHistory(t *testing.T) {
	point, err := checkpoint.AnalyzeResumePoint(activeRun(), workflowSteps(), &checkpoint.Checkpoint{
		RunID: "run-1", CurrentStepIndex: 2,
	}, checkpoint.Options{ForceRestart: true, Artifacts: map[string]any{"seed": true}})
	require.NoError(t, err)
	assert.True(t, point.Success)
	assert.Equal(t, 0, point.StartFromIndex)
	assert.Equal(t, "triage", point.StartFromStep)
	assert.Equal(t, map[string]any{"seed": true}, point.AvailableArtifacts)
}

func TestTerminalRunRefusesResume(t *testing.T) {
	r := activeRun()
	r.State = state.Done
	_, err := checkpoint.AnalyzeResumePoint(r, workflowSteps(), nil, checkpoint.Options{})
	assert.Error(t, err)

	r.State = state.Aborted
	_, err = checkpoint.AnalyzeResumePoint(r, workflowSteps(), nil, checkpoint.Options{})
	assert.Error(t, err)
}

func TestSkipToStepGathersPriorOutputs(t *testing.T) {
	point, err := checkpoint.AnalyzeResumePoint(activeRun(), workflowSteps(), nil,
		checkpoint.Options{SkipToStep: "resolve"})
	require.NoError(t, err)
	assert.Equal(t, 2, point.StartFromIndex)
	assert.Equal(t, "resolve", point.StartFromStep)
	assert.Equal(t, "done", point.AvailableArtifacts["triage"])
	assert.Equal(t, "v1", point.AvailableArtifacts["plan"])
	// Last writer wins on conflicting keys.
	assert.Equal(t, 5, point.AvailableArtifacts["score"])
}

func TestSkipToUnknownStep(t *testing.T) {
	_, err := checkpoint.AnalyzeResumePoint(activeRun(), workflowSteps(), nil,
		checkpoint.Options{SkipToStep: "deploy"})
	assert.Error(t, err)
}

func TestCheckpointDrivesResume(t *testing.T) {
	cp := &checkpoint.Checkpoint{
		RunID:            "run-1",
		CurrentStepIndex: 2,
		CurrentStepName:  "resolve",
		CompletedSteps:   []string{"s0", "s1"},
		Artifacts:        map[string]any{"plan": "v2"},
	}
	point, err := checkpoint.AnalyzeResumePoint(activeRun(), workflowSteps(), cp,
		checkpoint.Options{Artifacts: map[string]any{"plan": "v1", "seed": true}})
	require.NoError(t, err)
	assert.Equal(t, 2, point.StartFromIndex)
	assert.Equal(t, "resolve", point.StartFromStep)
	// Checkpoint artifacts overlay caller-supplied ones.
	assert.Equal(t, "v2", point.AvailableArtifacts["plan"])
	assert.Equal(t, true, point.AvailableArtifacts["seed"])
}

func TestNoCheckpointFindsFirstIncompleteStep(t *testing.T) {
	point, err := checkpoint.AnalyzeResumePoint(activeRun(), workflowSteps(), nil, checkpoint.Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, point.StartFromIndex)
	assert.Equal(t, "resolve", point.StartFromStep)
	assert.Equal(t, "v1", point.AvailableArtifacts["plan"])
}

func TestAllStepsCompleted(t *testing.T) {
	steps := workflowSteps()
	for i := range steps {
		steps[i].Status = checkpoint.StepCompleted
	}
	point, err := checkpoint.AnalyzeResumePoint(activeRun(), steps, nil, checkpoint.Options{})
	require.NoError(t, err)
	assert.True(t, point.Success)
	assert.Equal(t, len(steps), point.StartFromIndex)
}

func TestSkippable(t *testing.T) {
	cp := &checkpoint.Checkpoint{CompletedSteps: []string{"s2"}}
	assert.True(t, checkpoint.Skippable(checkpoint.Step{ID: "s9", Status: checkpoint.StepCompleted}, nil))
	assert.True(t, checkpoint.Skippable(checkpoint.Step{ID: "s2", Status: checkpoint.StepPending}, cp))
	assert.False(t, checkpoint.Skippable(checkpoint.Step{ID: "s3", Status: checkpoint.StepRunning}, cp))
}

func TestManagerSaveLoadRoundTrip(t *testing.T) {
	store, err := bundle.NewStore(t.TempDir())
	require.NoError(t, err)
	log := audit.NewLog(store)
	manager := checkpoint.NewManager(store, log)
	ctx := context.Background()

	missing, err := manager.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	cp := &checkpoint.Checkpoint{
		RunID:            "run-1",
		TenantID:         "tenant-1",
		CurrentStepIndex: 1,
		CurrentStepName:  "plan",
		Status:           "running",
		CompletedSteps:   []string{"s0"},
		Artifacts:        map[string]any{"triage": "done"},
	}
	require.NoError(t, manager.Save(ctx, cp))

	loaded, err := manager.Load(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, cp.CurrentStepName, loaded.CurrentStepName)
	assert.Equal(t, cp.CompletedSteps, loaded.CompletedSteps)
	assert.False(t, loaded.CheckpointedAt.IsZero())

	saved, err := log.Filter(ctx, "run-1", audit.ActionCheckpointSaved)
	require.NoError(t, err)
	assert.Len(t, saved, 1)
}

func TestLoadRejectsCorruptedCheckpoint(t *testing.T) {
	store, err := bundle.NewStore(t.TempDir())
	require.NoError(t, err)
	manager := checkpoint.NewManager(store, audit.NewLog(store))
	ctx := context.Background()

	require.NoError(t, store.EnsureRun(ctx, "run-1"))

	cases := map[string][]byte{
		"missing run id": []byte(`{"currentStepIndex": 0, "status": "running", "checkpointedAt": "2026-01-02T03:04:05Z"}`),
		"negative index": []byte(`{"runId": "run-1", "currentStepIndex": -1, "status": "running", "checkpointedAt": "2026-01-02T03:04:05Z"}`),
		"truncated":      []byte(`{"runId":`),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Write(ctx, "run-1", checkpoint.ArtifactCheckpoint, raw))
			_, err := manager.Load(ctx, "run-1")
			require.Error(t, err)
			assert.Equal(t, fault.CodeCorruptedArtifact, fault.CodeOf(err))
		})
	}
}
