// Package checkpoint persists workflow progress so an interrupted run can
// resume from the last completed step instead of restarting.
package checkpoint

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mergeflow/mergeflow/pkg/audit"
	"github.com/mergeflow/mergeflow/pkg/bundle"
	"github.com/mergeflow/mergeflow/pkg/fault"
	"github.com/mergeflow/mergeflow/pkg/run"
)

// ArtifactCheckpoint is the bundle artifact holding the latest checkpoint.
const ArtifactCheckpoint = "checkpoint.json"

// Step status values.
const (
	StepPending   = "pending"
	StepRunning   = "running"
	StepCompleted = "completed"
	StepFailed    = "failed"
)

// Step is one unit of the workflow a run executes.
type Step struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Status string         `json:"status"`
	Output map[string]any `json:"output,omitempty"`
}

// Checkpoint captures where a run stood when it was last persisted.
type Checkpoint struct {
	RunID            string         `json:"runId"`
	TenantID         string         `json:"tenantId"`
	CurrentStepIndex int            `json:"currentStepIndex"`
	CurrentStepName  string         `json:"currentStepName"`
	Status           string         `json:"status"`
	CompletedSteps   []string       `json:"completedSteps"`
	FailedStepID     string         `json:"failedStepId,omitempty"`
	Artifacts        map[string]any `json:"artifacts,omitempty"`
	CheckpointedAt   time.Time      `json:"checkpointedAt"`
	Reason           string         `json:"reason,omitempty"`
}

// completed reports whether the checkpoint marks stepID done.
func (c *Checkpoint) completed(stepID string) bool {
	for _, id := range c.CompletedSteps {
		if id == stepID {
			return true
		}
	}
	return false
}

// Options steer AnalyzeResumePoint.
type Options struct {
	// ForceRestart ignores history and starts at step 0.
	ForceRestart bool
	// SkipToStep resumes at the named step, gathering earlier outputs.
	SkipToStep string
	// Artifacts seeds the available artifacts; step outputs win on
	// key conflicts.
	Artifacts map[string]any
}

// ResumePoint is the outcome of resume analysis.
type ResumePoint struct {
	Success            bool           `json:"success"`
	StartFromStep      string         `json:"startFromStep"`
	StartFromIndex     int            `json:"startFromIndex"`
	AvailableArtifacts map[string]any `json:"availableArtifacts"`
}

// Skippable reports whether a step needs no re-execution: either the step
// itself is marked completed, or the checkpoint records it as done.
func Skippable(step Step, cp *Checkpoint) bool {
	if step.Status == StepCompleted {
		return true
	}
	return cp != nil && cp.completed(step.ID)
}

// mergeArtifacts overlays src onto dst, last writer wins.
func mergeArtifacts(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// AnalyzeResumePoint decides where a run should resume within steps.
func AnalyzeResumePoint(r *run.Run, steps []Step, cp *Checkpoint, opts Options) (ResumePoint, error) {
	if opts.ForceRestart {
		point := ResumePoint{Success: true, StartFromIndex: 0, AvailableArtifacts: mergeArtifacts(nil, opts.Artifacts)}
		if len(steps) > 0 {
			point.StartFromStep = steps[0].Name
		}
		return point, nil
	}
	if r.Terminal() {
		return ResumePoint{}, fault.Newf(fault.CodeInvalidTransition,
			"run %s is terminal in state %s and cannot resume", r.RunID, r.State)
	}

	if opts.SkipToStep != "" {
		for i, step := range steps {
			if step.Name != opts.SkipToStep && step.ID != opts.SkipToStep {
				continue
			}
			artifacts := mergeArtifacts(nil, opts.Artifacts)
			for _, prior := range steps[:i] {
				if Skippable(prior, cp) {
					artifacts = mergeArtifacts(artifacts, prior.Output)
				}
			}
			return ResumePoint{
				Success:            true,
				StartFromStep:      step.Name,
				StartFromIndex:     i,
				AvailableArtifacts: artifacts,
			}, nil
		}
		return ResumePoint{}, fault.Newf(fault.CodeCheckNotFound,
			"run %s has no step named %s", r.RunID, opts.SkipToStep)
	}

	if cp != nil {
		artifacts := mergeArtifacts(nil, opts.Artifacts)
		artifacts = mergeArtifacts(artifacts, cp.Artifacts)
		idx := cp.CurrentStepIndex
		if idx < 0 {
			idx = 0
		}
		if idx >= len(steps) && len(steps) > 0 {
			idx = len(steps) - 1
		}
		point := ResumePoint{
			Success:            true,
			StartFromIndex:     idx,
			AvailableArtifacts: artifacts,
		}
		if idx < len(steps) {
			point.StartFromStep = steps[idx].Name
		} else {
			point.StartFromStep = cp.CurrentStepName
		}
		return point, nil
	}

	// No checkpoint: resume at the first step the run itself has not
	// completed, carrying outputs of everything before it.
	artifacts := mergeArtifacts(nil, opts.Artifacts)
	for i, step := range steps {
		if Skippable(step, nil) {
			artifacts = mergeArtifacts(artifacts, step.Output)
			continue
		}
		return ResumePoint{
			Success:            true,
			StartFromStep:      step.Name,
			StartFromIndex:     i,
			AvailableArtifacts: artifacts,
		}, nil
	}

	// Everything completed; nothing left to run.
	return ResumePoint{
		Success:            true,
		StartFromIndex:     len(steps),
		AvailableArtifacts: artifacts,
	}, nil
}

// Manager persists checkpoints into the run's bundle and audits saves.
type Manager struct {
	store *bundle.Store
	audit *audit.Log
	now   func() time.Time
}

// NewManager creates a checkpoint manager.
func NewManager(store *bundle.Store, auditLog *audit.Log) *Manager {
	return &Manager{store: store, audit: auditLog, now: time.Now}
}

// Save writes the checkpoint artifact and appends a checkpoint_saved audit
// entry.
func (m *Manager) Save(ctx context.Context, cp *Checkpoint) error {
	if cp.RunID == "" {
		return fault.Newf(fault.CodeInvalidInput, "checkpoint requires a run id")
	}
	if cp.CheckpointedAt.IsZero() {
		cp.CheckpointedAt = m.now().UTC()
	}
	if err := m.store.WriteJSON(ctx, cp.RunID, ArtifactCheckpoint, cp); err != nil {
		return err
	}
	return m.audit.Append(ctx, cp.RunID, audit.Entry{
		Actor:  "system",
		Action: audit.ActionCheckpointSaved,
		Details: map[string]any{
			"stepIndex": cp.CurrentStepIndex,
			"stepName":  cp.CurrentStepName,
		},
	})
}

// Load reads the latest checkpoint, or nil when none was ever saved.
// The artifact is schema-validated before a resume decision is made
// from it.
func (m *Manager) Load(ctx context.Context, runID string) (*Checkpoint, error) {
	raw, err := m.store.Read(ctx, runID, ArtifactCheckpoint)
	if err != nil {
		if fault.KindOf(err) == fault.KindNotFound {
			return nil, nil
		}
		return nil, err
	}
	if err := bundle.ValidateCheckpointJSON(raw); err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fault.Wrap(fault.CodeCorruptedArtifact, err)
	}
	return &cp, nil
}
