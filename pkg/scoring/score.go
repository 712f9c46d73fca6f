package scoring

import (
	"fmt"
	"math"

	"github.com/mergeflow/mergeflow/pkg/fault"
)

// Score bounds.
const (
	MinScore = 1
	MaxScore = 10
)

// Adjustment bounds for LLM review input.
const (
	MinAdjustment = -2
	MaxAdjustment = 2
)

// BaselineResult is the deterministic scorer output.
type BaselineResult struct {
	Score     int            `json:"score"`
	Reasons   []string       `json:"reasons"`
	Breakdown map[string]int `json:"breakdown"`
}

// CalculateBaselineScore computes the complexity score for a change
// set. It is pure: identical features always produce identical output.
//
// Each factor contributes a small tiered amount; the final score is the
// clamped sum.
func CalculateBaselineScore(f Features) BaselineResult {
	r := BaselineResult{Reasons: []string{}, Breakdown: map[string]int{}}
	add := func(factor string, points int, reason string) {
		if points == 0 {
			return
		}
		r.Breakdown[factor] = points
		r.Reasons = append(r.Reasons, reason)
	}

	switch {
	case f.NumFiles >= 20:
		add("files", 3, fmt.Sprintf("%d files changed", f.NumFiles))
	case f.NumFiles >= 10:
		add("files", 2, fmt.Sprintf("%d files changed", f.NumFiles))
	case f.NumFiles >= 3:
		add("files", 1, fmt.Sprintf("%d files changed", f.NumFiles))
	}

	switch {
	case f.NumHunks >= 30:
		add("hunks", 3, fmt.Sprintf("%d hunks", f.NumHunks))
	case f.NumHunks >= 15:
		add("hunks", 2, fmt.Sprintf("%d hunks", f.NumHunks))
	case f.NumHunks >= 5:
		add("hunks", 1, fmt.Sprintf("%d hunks", f.NumHunks))
	}

	switch {
	case f.TotalConflictLines >= 200:
		add("conflictLines", 3, fmt.Sprintf("%d conflict lines", f.TotalConflictLines))
	case f.TotalConflictLines >= 100:
		add("conflictLines", 2, fmt.Sprintf("%d conflict lines", f.TotalConflictLines))
	case f.TotalConflictLines >= 20:
		add("conflictLines", 1, fmt.Sprintf("%d conflict lines", f.TotalConflictLines))
	}

	churn := f.TotalAdditions + f.TotalDeletions
	switch {
	case churn >= 500:
		add("churn", 2, fmt.Sprintf("%d lines churned", churn))
	case churn >= 100:
		add("churn", 1, fmt.Sprintf("%d lines churned", churn))
	}

	if f.HasSecurityFiles {
		add("securityFiles", 2, "touches security-sensitive files")
	}
	if f.HasInfraFiles {
		add("infraFiles", 1, "touches infrastructure files")
	}
	if f.HasConfigFiles {
		add("configFiles", 1, "touches configuration files")
	}
	if f.HasTestFiles {
		add("testFiles", -1, "changes include test coverage")
	}
	if f.HasConflictMarkers {
		add("conflictMarkers", 1, "conflict markers present")
	}

	switch {
	case f.MaxHunksPerFile >= 10:
		add("maxHunksPerFile", 2, fmt.Sprintf("up to %d hunks in one file", f.MaxHunksPerFile))
	case f.MaxHunksPerFile >= 5:
		add("maxHunksPerFile", 1, fmt.Sprintf("up to %d hunks in one file", f.MaxHunksPerFile))
	}

	sum := 0
	for _, points := range r.Breakdown {
		sum += points
	}
	r.Score = clampScore(sum)
	return r
}

func clampScore(n int) int {
	if n < MinScore {
		return MinScore
	}
	if n > MaxScore {
		return MaxScore
	}
	return n
}

// ValidateAdjustment rounds a proposed adjustment to the nearest
// integer and clamps it to the permitted band. A proposal outside the
// band is usable after clamping but reported as an error so callers can
// log the rejection.
func ValidateAdjustment(proposed float64) (int, error) {
	n := int(math.Round(proposed))
	clamped := n
	if clamped < MinAdjustment {
		clamped = MinAdjustment
	}
	if clamped > MaxAdjustment {
		clamped = MaxAdjustment
	}
	if n != clamped {
		return clamped, fault.Newf(fault.CodeBadAdjustment, "adjustment %g outside [%d, %d], clamped to %d", proposed, MinAdjustment, MaxAdjustment, clamped)
	}
	return clamped, nil
}

// ApplyAdjustment returns baseline+adjustment clamped to the score
// bounds.
func ApplyAdjustment(baseline, adjustment int) int {
	return clampScore(baseline + adjustment)
}

// LLMReview is the reviewed adjustment applied on top of the baseline.
type LLMReview struct {
	Adjustment  int      `json:"adjustment"`
	Reasons     []string `json:"reasons"`
	Explanation string   `json:"explanation,omitempty"`
}

// ReasonSet separates deterministic and reviewed reasons in a combined
// result.
type ReasonSet struct {
	Baseline []string `json:"baseline"`
	LLM      []string `json:"llm"`
}

// CombinedResult is the final score with its provenance.
type CombinedResult struct {
	BaselineScore int       `json:"baselineScore"`
	LLMAdjustment int       `json:"llmAdjustment"`
	FinalScore    int       `json:"finalScore"`
	Reasons       ReasonSet `json:"reasons"`
}

// CombinedScore merges the baseline with a reviewed adjustment.
func CombinedScore(baseline BaselineResult, review LLMReview) CombinedResult {
	adj := review.Adjustment
	if adj < MinAdjustment {
		adj = MinAdjustment
	}
	if adj > MaxAdjustment {
		adj = MaxAdjustment
	}
	return CombinedResult{
		BaselineScore: baseline.Score,
		LLMAdjustment: adj,
		FinalScore:    ApplyAdjustment(baseline.Score, adj),
		Reasons: ReasonSet{
			Baseline: baseline.Reasons,
			LLM:      review.Reasons,
		},
	}
}
