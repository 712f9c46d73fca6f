// Package approval gates externally visible mutations (commit, push, PR
// operations) behind an explicit human approval scoped to a patch hash.
package approval

import (
	"context"
	"time"

	"github.com/mergeflow/mergeflow/pkg/canonical"
	"github.com/mergeflow/mergeflow/pkg/fault"
	"github.com/mergeflow/mergeflow/pkg/run"
)

// Scope is one capability an approval grants.
type Scope string

const (
	ScopeOpenPR Scope = "open_pr"
	ScopeCommit Scope = "commit"
	ScopePush   Scope = "push"
	ScopeMerge  Scope = "merge"
)

// Operation is a gated external mutation.
type Operation string

const (
	OpGitCommit    Operation = "git_commit"
	OpGitPush      Operation = "git_push"
	OpPRCreate     Operation = "pr_create"
	OpPRUpdate     Operation = "pr_update"
	OpPRMerge      Operation = "pr_merge"
	OpBranchDelete Operation = "branch_delete"
	OpFileWrite    Operation = "file_write"
)

// requiredScope maps each gated operation to the scope it needs.
var requiredScope = map[Operation]Scope{
	OpGitCommit:    ScopeCommit,
	OpGitPush:      ScopePush,
	OpPRCreate:     ScopeOpenPR,
	OpPRUpdate:     ScopePush,
	OpPRMerge:      ScopeMerge,
	OpBranchDelete: ScopePush,
	OpFileWrite:    ScopeCommit,
}

// patchAffecting operations must match the approved patch hash.
var patchAffecting = map[Operation]bool{
	OpGitCommit: true,
	OpGitPush:   true,
	OpPRCreate:  true,
	OpPRUpdate:  true,
	OpFileWrite: true,
}

// RequiredScope returns the scope a gated operation needs, and whether the
// operation is gated at all.
func RequiredScope(op Operation) (Scope, bool) {
	s, ok := requiredScope[op]
	return s, ok
}

// Approval is a record authorizing scoped mutations for one run against one
// patch hash.
type Approval struct {
	RunID      string    `json:"runId"`
	ApprovedAt time.Time `json:"approvedAt"`
	ApprovedBy string    `json:"approvedBy"`
	Scope      []Scope   `json:"scope"`
	PatchHash  string    `json:"patchHash"`
	Comment    string    `json:"comment,omitempty"`
}

// HasScope reports whether the approval grants s.
func (a *Approval) HasScope(s Scope) bool {
	for _, granted := range a.Scope {
		if granted == s {
			return true
		}
	}
	return false
}

// Request identifies the operation being attempted.
type Request struct {
	RunID     string
	Operation Operation
	PatchHash string
}

// Denial reasons, stable strings surfaced to callers.
const (
	ReasonNoApproval    = "NO_APPROVAL"
	ReasonRunIDMismatch = "RUN_ID_MISMATCH"
	ReasonScopeMissing  = "SCOPE_MISSING"
	ReasonPatchMismatch = "PATCH_MISMATCH"
	ReasonModeForbids   = "MODE_FORBIDS"
)

// Decision is the outcome of CheckApproval.
type Decision struct {
	Approved bool
	Reason   string
	Approval *Approval
}

// HashPatch returns the "sha256:<hex>" hash of patch content, the format
// stored in approval records.
func HashPatch(content []byte) string {
	return canonical.PrefixedHashBytes(content)
}

// CheckApproval decides whether approval authorizes request. Rules apply in
// a fixed order: record presence, run binding, scope, then patch hash for
// patch-affecting operations.
func CheckApproval(request Request, approval *Approval, patchContent []byte) Decision {
	scope, gated := requiredScope[request.Operation]
	if !gated {
		return Decision{Approved: false, Reason: "UNKNOWN_OPERATION: " + string(request.Operation)}
	}
	if approval == nil {
		return Decision{Approved: false, Reason: ReasonNoApproval}
	}
	if approval.RunID != request.RunID {
		return Decision{Approved: false, Reason: ReasonRunIDMismatch}
	}
	if !approval.HasScope(scope) {
		return Decision{Approved: false, Reason: ReasonScopeMissing + ": " + string(scope)}
	}
	if patchAffecting[request.Operation] {
		if request.PatchHash != "" && request.PatchHash != approval.PatchHash {
			return Decision{Approved: false, Reason: ReasonPatchMismatch}
		}
		if patchContent != nil && HashPatch(patchContent) != approval.PatchHash {
			return Decision{Approved: false, Reason: ReasonPatchMismatch}
		}
	}
	return Decision{Approved: true, Approval: approval}
}

// ModeAdmits reports whether a run's capabilities mode permits gated
// operations at all. Only commit-after-approval admits them.
func ModeAdmits(mode run.CapabilitiesMode, op Operation) bool {
	if _, gated := requiredScope[op]; !gated {
		return false
	}
	return mode == run.ModeCommitAfterApproval
}

// Result is the outcome of ExecuteIfApproved.
type Result struct {
	Success      bool
	DenialReason string
	Err          error
}

// ExecuteIfApproved runs fn only when the approval admits the request.
func ExecuteIfApproved(ctx context.Context, request Request, approval *Approval, patchContent []byte, fn func(context.Context) error) Result {
	decision := CheckApproval(request, approval, patchContent)
	if !decision.Approved {
		return Result{Success: false, DenialReason: decision.Reason}
	}
	if err := fn(ctx); err != nil {
		return Result{Success: false, Err: err}
	}
	return Result{Success: true}
}

// GateOperation combines the capability-mode check with CheckApproval and
// returns a fault suitable for surfacing to callers.
func GateOperation(mode run.CapabilitiesMode, request Request, approval *Approval, patchContent []byte) error {
	if !ModeAdmits(mode, request.Operation) {
		return fault.Newf(fault.CodeScopeMismatch,
			"capabilities mode %s does not admit %s", mode, request.Operation)
	}
	decision := CheckApproval(request, approval, patchContent)
	if !decision.Approved {
		code := fault.CodeScopeMismatch
		if decision.Reason == ReasonPatchMismatch {
			code = fault.CodePatchMismatch
		}
		return fault.Newf(code, "operation %s denied: %s", request.Operation, decision.Reason)
	}
	return nil
}
