// Package scoring computes deterministic complexity scores for code
// changes. The baseline scorer is a pure function over extracted
// features; an optional LLM adjustment is validated and clamped before
// it can move the final score.
package scoring

import (
	"path"
	"strings"
)

// Features describes a change set for the baseline scorer.
type Features struct {
	NumFiles           int            `json:"numFiles"`
	NumHunks           int            `json:"numHunks"`
	TotalConflictLines int            `json:"totalConflictLines"`
	TotalAdditions     int            `json:"totalAdditions"`
	TotalDeletions     int            `json:"totalDeletions"`
	FileTypes          map[string]int `json:"fileTypes,omitempty"`
	HasSecurityFiles   bool           `json:"hasSecurityFiles"`
	HasInfraFiles      bool           `json:"hasInfraFiles"`
	HasConfigFiles     bool           `json:"hasConfigFiles"`
	HasTestFiles       bool           `json:"hasTestFiles"`
	HasConflictMarkers bool           `json:"hasConflictMarkers"`
	MaxHunksPerFile    int            `json:"maxHunksPerFile"`
	AvgHunksPerFile    float64        `json:"avgHunksPerFile"`
}

// RiskClass classifies a file path by the worst plausible blast radius
// of changing it.
type RiskClass string

const (
	RiskSecrets        RiskClass = "secrets"
	RiskAuth           RiskClass = "auth"
	RiskFinancial      RiskClass = "financial"
	RiskInfrastructure RiskClass = "infrastructure"
	RiskConfig         RiskClass = "config"
	RiskTest           RiskClass = "test"
	RiskSafe           RiskClass = "safe"
)

// riskOrder ranks classes worst-first; classification picks the first
// class whose patterns match.
var riskOrder = []RiskClass{
	RiskSecrets, RiskAuth, RiskFinancial, RiskInfrastructure, RiskConfig, RiskTest,
}

var riskPatterns = map[RiskClass][]string{
	RiskSecrets: {
		".env", "secret", "credential", ".pem", ".key", "id_rsa", "keystore", "vault",
	},
	RiskAuth: {
		"auth", "oauth", "login", "password", "session", "rbac", "permission", "token",
	},
	RiskFinancial: {
		"billing", "payment", "invoice", "stripe", "ledger", "pricing", "subscription",
	},
	RiskInfrastructure: {
		"dockerfile", ".tf", "terraform", "k8s", "kubernetes", "helm", "deploy",
		".github/workflows", "ansible", "infra",
	},
	RiskConfig: {
		".yaml", ".yml", ".toml", ".ini", ".conf", "config", "settings",
	},
	RiskTest: {
		"_test.", ".test.", ".spec.", "__tests__", "/test/", "/tests/", "testdata",
	},
}

// ClassifyFile returns the risk class of a single path, highest risk
// winning.
func ClassifyFile(filePath string) RiskClass {
	lower := strings.ToLower(path.Clean(strings.ReplaceAll(filePath, "\\", "/")))
	for _, class := range riskOrder {
		for _, pattern := range riskPatterns[class] {
			if strings.Contains(lower, pattern) {
				return class
			}
		}
	}
	return RiskSafe
}

// ClassifyFiles returns the worst class across paths, RiskSafe for an
// empty set.
func ClassifyFiles(paths []string) RiskClass {
	worst := RiskSafe
	for _, p := range paths {
		if c := ClassifyFile(p); rankClass(c) < rankClass(worst) {
			worst = c
		}
	}
	return worst
}

// ExtractFeatures derives Features from per-file change data.
func ExtractFeatures(files []FileChange) Features {
	f := Features{NumFiles: len(files), FileTypes: map[string]int{}}
	for _, fc := range files {
		f.NumHunks += fc.Hunks
		f.TotalConflictLines += fc.ConflictLines
		f.TotalAdditions += fc.Additions
		f.TotalDeletions += fc.Deletions
		if fc.Hunks > f.MaxHunksPerFile {
			f.MaxHunksPerFile = fc.Hunks
		}
		if fc.ConflictLines > 0 {
			f.HasConflictMarkers = true
		}
		ext := strings.ToLower(path.Ext(fc.Path))
		if ext != "" {
			f.FileTypes[ext]++
		}
		switch ClassifyFile(fc.Path) {
		case RiskSecrets, RiskAuth:
			f.HasSecurityFiles = true
		case RiskInfrastructure:
			f.HasInfraFiles = true
		case RiskConfig:
			f.HasConfigFiles = true
		case RiskTest:
			f.HasTestFiles = true
		}
	}
	if f.NumFiles > 0 {
		f.AvgHunksPerFile = float64(f.NumHunks) / float64(f.NumFiles)
	}
	return f
}

// FileChange is one changed file in a workspace or PR diff.
type FileChange struct {
	Path          string `json:"path"`
	Hunks         int    `json:"hunks"`
	Additions     int    `json:"additions"`
	Deletions     int    `json:"deletions"`
	ConflictLines int    `json:"conflictLines"`
}
