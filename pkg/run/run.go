// Package run implements run creation and lifecycle mutation. A run is one
// invocation of the code-change workflow against one repository context;
// its serialized form lives in the bundle's run.json.
package run

import (
	"time"

	"github.com/mergeflow/mergeflow/pkg/bundle"
	"github.com/mergeflow/mergeflow/pkg/state"
)

// CapabilitiesMode bounds what external mutations a run may perform.
type CapabilitiesMode string

const (
	ModeCommentOnly         CapabilitiesMode = "comment-only"
	ModePatchOnly           CapabilitiesMode = "patch-only"
	ModeCommitAfterApproval CapabilitiesMode = "commit-after-approval"
)

// Known reports whether m is a recognized capabilities mode.
func (m CapabilitiesMode) Known() bool {
	switch m {
	case ModeCommentOnly, ModePatchOnly, ModeCommitAfterApproval:
		return true
	}
	return false
}

// RepoRef is the immutable repository descriptor a run is bound to.
type RepoRef struct {
	Owner    string `json:"owner"`
	Name     string `json:"name"`
	FullName string `json:"fullName"`
}

// StateEntry is one element of a run's state history.
type StateEntry struct {
	State     state.State `json:"state"`
	EnteredAt time.Time   `json:"enteredAt"`
}

// Run is the serialized run context (run.json).
type Run struct {
	RunID            string            `json:"runId"`
	TenantID         string            `json:"tenantId"`
	Repo             RepoRef           `json:"repo"`
	State            state.State       `json:"state"`
	PreviousStates   []StateEntry      `json:"previousStates,omitempty"`
	CapabilitiesMode CapabilitiesMode  `json:"capabilitiesMode,omitempty"`
	Models           map[string]string `json:"models,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
	Initiator        string            `json:"initiator,omitempty"`
	PRURL            string            `json:"prUrl,omitempty"`
	BaseRef          string            `json:"baseRef,omitempty"`
	HeadRef          string            `json:"headRef,omitempty"`
	Error            string            `json:"error,omitempty"`
	ErrorDetails     map[string]any    `json:"errorDetails,omitempty"`
	CompletedAt      *time.Time        `json:"completedAt,omitempty"`
	DurationMS       int64             `json:"durationMs,omitempty"`
	Version          string            `json:"version"`
}

// Terminal reports whether the run has reached a terminal state.
func (r *Run) Terminal() bool { return state.IsTerminal(r.State) }

// Progress returns the run's position on the happy path, 0..100.
func (r *Run) Progress() int { return state.Progress(r.State) }

// version guard lives in bundle; re-exported name for callers of this package.
const schemaVersion = bundle.SchemaVersion
