// Package state defines the run lifecycle state machine.
//
// Runs move forward through the workflow; the only backward edge is
// review -> resolving (a reviewer sending the patch back). Terminal states
// admit no transitions.
package state

import (
	"github.com/mergeflow/mergeflow/pkg/fault"
)

// State is a run lifecycle state.
type State string

const (
	Queued           State = "queued"
	Triaged          State = "triaged"
	Planned          State = "planned"
	Resolving        State = "resolving"
	Review           State = "review"
	AwaitingApproval State = "awaiting_approval"
	Applying         State = "applying"
	Done             State = "done"
	Aborted          State = "aborted"
	Failed           State = "failed"
)

// transitions holds the allowed edges. Terminal states are absent.
var transitions = map[State][]State{
	Queued:           {Triaged, Failed, Aborted},
	Triaged:          {Planned, Failed, Aborted},
	Planned:          {Resolving, Failed, Aborted},
	Resolving:        {Review, Failed, Aborted},
	Review:           {AwaitingApproval, Resolving, Failed, Aborted},
	AwaitingApproval: {Applying, Aborted, Failed},
	Applying:         {Done, Failed, Aborted},
}

// happyPath is the longest path from Queued to Done, used for progress.
var happyPath = []State{
	Queued, Triaged, Planned, Resolving, Review, AwaitingApproval, Applying, Done,
}

// IsTerminal reports whether s admits no further transitions.
func IsTerminal(s State) bool {
	return s == Done || s == Aborted || s == Failed
}

// Known reports whether s is a defined state.
func Known(s State) bool {
	if IsTerminal(s) {
		return true
	}
	_, ok := transitions[s]
	return ok
}

// IsValid reports whether the edge from -> to is allowed.
func IsValid(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Validate returns a validation fault naming the attempted edge when the
// transition is not allowed.
func Validate(from, to State, runID string) error {
	if !Known(from) || !Known(to) {
		return fault.Newf(fault.CodeInvalidTransition,
			"run %s: unknown state in transition %s -> %s", runID, from, to)
	}
	if !IsValid(from, to) {
		return fault.Newf(fault.CodeInvalidTransition,
			"run %s: invalid state transition %s -> %s", runID, from, to)
	}
	return nil
}

// Allowed returns the states reachable from s in one step.
func Allowed(s State) []State {
	out := make([]State, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// Progress returns a 0..100 completion estimate for s, computed from its
// position on the longest happy path. Terminal states report 100.
func Progress(s State) int {
	if IsTerminal(s) {
		return 100
	}
	for i, step := range happyPath {
		if step == s {
			return i * 100 / (len(happyPath) - 1)
		}
	}
	return 0
}
