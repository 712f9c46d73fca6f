package scoring_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mergeflow/mergeflow/pkg/fault"
	"github.com/mergeflow/mergeflow/pkg/scoring"
)

func TestBaselineGolden(t *testing.T) {
	features := scoring.Features{
		NumFiles:           5,
		NumHunks:           10,
		TotalConflictLines: 150,
		TotalAdditions:     100,
		TotalDeletions:     50,
		HasConflictMarkers: true,
	}

	want := scoring.BaselineResult{
		Score: 6,
		Reasons: []string{
			"5 files changed",
			"10 hunks",
			"150 conflict lines",
			"150 lines churned",
			"conflict markers present",
		},
		Breakdown: map[string]int{
			"files":           1,
			"hunks":           1,
			"conflictLines":   2,
			"churn":           1,
			"conflictMarkers": 1,
		},
	}

	got := scoring.CalculateBaselineScore(features)
	assert.Equal(t, want, got)

	// Repeated runs reproduce the result bit for bit.
	for i := 0; i < 10; i++ {
		assert.Equal(t, got, scoring.CalculateBaselineScore(features))
	}
}

func TestBaselineBounds(t *testing.T) {
	empty := scoring.CalculateBaselineScore(scoring.Features{})
	assert.Equal(t, scoring.MinScore, empty.Score)
	assert.Empty(t, empty.Reasons)

	huge := scoring.CalculateBaselineScore(scoring.Features{
		NumFiles:           50,
		NumHunks:           80,
		TotalConflictLines: 400,
		TotalAdditions:     900,
		TotalDeletions:     300,
		HasSecurityFiles:   true,
		HasInfraFiles:      true,
		HasConfigFiles:     true,
		HasConflictMarkers: true,
		MaxHunksPerFile:    20,
	})
	assert.Equal(t, scoring.MaxScore, huge.Score)
}

func TestTestCoverageReducesScore(t *testing.T) {
	base := scoring.Features{NumFiles: 5, NumHunks: 10, TotalConflictLines: 150, HasConflictMarkers: true}
	withTests := base
	withTests.HasTestFiles = true

	assert.Equal(t, scoring.CalculateBaselineScore(base).Score-1, scoring.CalculateBaselineScore(withTests).Score)
}

func TestValidateAdjustment(t *testing.T) {
	tests := []struct {
		proposed float64
		want     int
		wantErr  bool
	}{
		{0, 0, false},
		{2, 2, false},
		{-2, -2, false},
		{1.4, 1, false},
		{2.6, 2, true},
		{5, 2, true},
		{-7, -2, true},
	}
	for _, tc := range tests {
		got, err := scoring.ValidateAdjustment(tc.proposed)
		assert.Equal(t, tc.want, got, "proposed %g", tc.proposed)
		if tc.wantErr {
			assert.Equal(t, fault.CodeBadAdjustment, fault.CodeOf(err))
		} else {
			assert.NoError(t, err)
		}
	}
}

func TestApplyAdjustmentStaysInBounds(t *testing.T) {
	for baseline := scoring.MinScore; baseline <= scoring.MaxScore; baseline++ {
		for adj := scoring.MinAdjustment; adj <= scoring.MaxAdjustment; adj++ {
			final := scoring.ApplyAdjustment(baseline, adj)
			assert.GreaterOrEqual(t, final, scoring.MinScore)
			assert.LessOrEqual(t, final, scoring.MaxScore)
		}
	}
	assert.Equal(t, 1, scoring.ApplyAdjustment(1, -2))
	assert.Equal(t, 10, scoring.ApplyAdjustment(9, 2))
	assert.Equal(t, 7, scoring.ApplyAdjustment(5, 2))
}

func TestCombinedScore(t *testing.T) {
	baseline := scoring.CalculateBaselineScore(scoring.Features{NumFiles: 12, NumHunks: 20, TotalConflictLines: 30})
	review := scoring.LLMReview{
		Adjustment: 1,
		Reasons:    []string{"cross-cutting refactor"},
	}

	combined := scoring.CombinedScore(baseline, review)
	assert.Equal(t, baseline.Score, combined.BaselineScore)
	assert.Equal(t, 1, combined.LLMAdjustment)
	assert.Equal(t, baseline.Score+1, combined.FinalScore)
	assert.Equal(t, baseline.Reasons, combined.Reasons.Baseline)
	assert.Equal(t, review.Reasons, combined.Reasons.LLM)

	// Out-of-band adjustments are clamped, never amplified.
	wild := scoring.CombinedScore(baseline, scoring.LLMReview{Adjustment: 9})
	assert.Equal(t, scoring.MaxAdjustment, wild.LLMAdjustment)
}

func TestClassifyFile(t *testing.T) {
	tests := map[string]scoring.RiskClass{
		".env.production":               scoring.RiskSecrets,
		"internal/auth/session.go":      scoring.RiskAuth,
		"billing/invoice.go":            scoring.RiskFinancial,
		"deploy/terraform/main.tf":      scoring.RiskInfrastructure,
		"config/app.yaml":               scoring.RiskConfig,
		"pkg/server/server_test.go":     scoring.RiskTest,
		"pkg/server/server.go":          scoring.RiskSafe,
		"certs/tls.key":                 scoring.RiskSecrets,
		".github/workflows/release.yml": scoring.RiskInfrastructure,
	}
	for p, want := range tests {
		assert.Equal(t, want, scoring.ClassifyFile(p), "path %s", p)
	}

	// Highest risk wins across a set.
	assert.Equal(t, scoring.RiskSecrets, scoring.ClassifyFiles([]string{
		"pkg/server/server.go", "config/app.yaml", ".env",
	}))
	assert.Equal(t, scoring.RiskSafe, scoring.ClassifyFiles(nil))
}

func TestExtractFeatures(t *testing.T) {
	files := []scoring.FileChange{
		{Path: "internal/auth/session.go", Hunks: 3, Additions: 40, Deletions: 10},
		{Path: "config/app.yaml", Hunks: 1, Additions: 5, Deletions: 2, ConflictLines: 4},
		{Path: "pkg/server/server_test.go", Hunks: 6, Additions: 80, Deletions: 0},
	}

	f := scoring.ExtractFeatures(files)
	assert.Equal(t, 3, f.NumFiles)
	assert.Equal(t, 10, f.NumHunks)
	assert.Equal(t, 4, f.TotalConflictLines)
	assert.Equal(t, 125, f.TotalAdditions)
	assert.Equal(t, 12, f.TotalDeletions)
	assert.Equal(t, 6, f.MaxHunksPerFile)
	assert.InDelta(t, 10.0/3.0, f.AvgHunksPerFile, 0.001)
	assert.True(t, f.HasSecurityFiles)
	assert.True(t, f.HasConfigFiles)
	assert.True(t, f.HasTestFiles)
	assert.True(t, f.HasConflictMarkers)
	assert.False(t, f.HasInfraFiles)
	assert.Equal(t, 2, f.FileTypes[".go"])
}

func TestRiskBands(t *testing.T) {
	bands := map[int]string{
		1:  scoring.BandLow,
		2:  scoring.BandLow,
		3:  scoring.BandMedium,
		5:  scoring.BandMedium,
		6:  scoring.BandHigh,
		7:  scoring.BandHigh,
		8:  scoring.BandCritical,
		10: scoring.BandCritical,
	}
	for score, want := range bands {
		assert.Equal(t, want, scoring.RiskBand(score), "score %d", score)
	}
}

func TestTriageWorkspaceDeterministic(t *testing.T) {
	files := []scoring.FileChange{
		{Path: "pkg/server/server.go", Additions: 120, Deletions: 30},
		{Path: "internal/auth/session.go", Additions: 15, Deletions: 5},
		{Path: "config/app.yaml", Additions: 3, Deletions: 1},
	}
	reversed := []scoring.FileChange{files[2], files[1], files[0]}

	a := scoring.TriageWorkspace(files)
	b := scoring.TriageWorkspace(reversed)
	assert.Equal(t, a, b)

	require.Len(t, a.Files, 3)
	// Sorted by path.
	assert.Equal(t, "config/app.yaml", a.Files[0].Path)
	assert.Equal(t, a.RiskBand, scoring.RiskBand(a.Score))
	assert.Contains(t, a.Reasons, "3 files triaged")
	assert.Contains(t, a.Reasons, "highest risk class: auth")
}

func TestTriageEmptyWorkspace(t *testing.T) {
	r := scoring.TriageWorkspace(nil)
	assert.Equal(t, scoring.MinScore, r.Score)
	assert.Equal(t, scoring.BandLow, r.RiskBand)
	assert.Empty(t, r.Files)
}
