package scoring

import (
	"fmt"
	"sort"
)

// Risk bands over the 1..10 score range.
const (
	BandLow      = "low"
	BandMedium   = "medium"
	BandHigh     = "high"
	BandCritical = "critical"
)

// RiskBand maps a score to its band.
func RiskBand(score int) string {
	switch s := clampScore(score); {
	case s <= 2:
		return BandLow
	case s <= 5:
		return BandMedium
	case s <= 7:
		return BandHigh
	default:
		return BandCritical
	}
}

// riskWeight is the per-file contribution of a risk class in local
// triage.
var riskWeight = map[RiskClass]int{
	RiskSecrets:        4,
	RiskAuth:           3,
	RiskFinancial:      3,
	RiskInfrastructure: 2,
	RiskConfig:         1,
	RiskTest:           0,
	RiskSafe:           0,
}

// FileScore is the triage verdict for one file.
type FileScore struct {
	Path       string    `json:"path"`
	Class      RiskClass `json:"class"`
	Complexity int       `json:"complexity"`
}

// TriageResult is the lightweight score for a non-PR workspace.
type TriageResult struct {
	Score    int         `json:"score"`
	RiskBand string      `json:"riskBand"`
	Files    []FileScore `json:"files"`
	Reasons  []string    `json:"reasons"`
}

// TriageWorkspace scores a local change set without PR metadata. It is
// deterministic: files are processed in sorted path order and every
// contribution is a pure function of the inputs.
func TriageWorkspace(files []FileChange) TriageResult {
	sorted := append([]FileChange(nil), files...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	result := TriageResult{Reasons: []string{}}
	worst := RiskSafe
	total := 0
	for _, fc := range sorted {
		class := ClassifyFile(fc.Path)
		complexity := riskWeight[class]
		churn := fc.Additions + fc.Deletions
		switch {
		case churn >= 200:
			complexity += 3
		case churn >= 50:
			complexity += 2
		case churn >= 10:
			complexity += 1
		}
		if fc.ConflictLines > 0 {
			complexity += 2
		}
		result.Files = append(result.Files, FileScore{Path: fc.Path, Class: class, Complexity: complexity})
		total += complexity
		if rankClass(class) < rankClass(worst) {
			worst = class
		}
	}

	// Aggregate: average file complexity plus a breadth bump, clamped.
	score := MinScore
	if len(sorted) > 0 {
		score = (total + len(sorted) - 1) / len(sorted)
		if len(sorted) >= 10 {
			score += 2
		} else if len(sorted) >= 4 {
			score += 1
		}
		score = clampScore(score)
	}
	result.Score = score
	result.RiskBand = RiskBand(score)

	if len(sorted) > 0 {
		result.Reasons = append(result.Reasons, fmt.Sprintf("%d files triaged", len(sorted)))
	}
	if worst != RiskSafe {
		result.Reasons = append(result.Reasons, fmt.Sprintf("highest risk class: %s", worst))
	}
	return result
}

func rankClass(c RiskClass) int {
	for i, r := range riskOrder {
		if r == c {
			return i
		}
	}
	return len(riskOrder)
}
