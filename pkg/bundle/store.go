// Package bundle implements the per-run artifact directory.
//
// Each run owns one directory under the store base containing named
// artifacts (run.json, triage.json, plan.md, patch.diff, review.json,
// audit.log). Writes are atomic: content goes to a sibling temp file,
// is fsynced, then renamed over the target.
package bundle

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/mergeflow/mergeflow/pkg/canonical"
	"github.com/mergeflow/mergeflow/pkg/fault"
)

// Well-known artifact names.
const (
	ArtifactRun    = "run.json"
	ArtifactTriage = "triage.json"
	ArtifactPlan   = "plan.md"
	ArtifactPatch  = "patch.diff"
	ArtifactReview = "review.json"
	ArtifactAudit  = "audit.log"
)

// Store is a filesystem-backed bundle store.
type Store struct {
	base string
	mu   sync.RWMutex
}

// NewStore creates a bundle store rooted at base.
func NewStore(base string) (*Store, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("bundle: failed to ensure base dir: %w", err)
	}
	return &Store{base: base}, nil
}

// Base returns the root directory of the store.
func (s *Store) Base() string { return s.base }

// runDir validates runID and returns its directory path. Path separators in
// IDs are rejected so a run can never escape the base.
func (s *Store) runDir(runID string) (string, error) {
	if runID == "" || strings.ContainsAny(runID, "/\\") || runID == "." || runID == ".." {
		return "", fault.Newf(fault.CodeInvalidInput, "invalid run id %q", runID)
	}
	return filepath.Join(s.base, runID), nil
}

// EnsureRun creates the run's directory if absent.
func (s *Store) EnsureRun(ctx context.Context, runID string) error {
	dir, err := s.runDir(runID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("bundle: failed to ensure run dir: %w", err)
	}
	return nil
}

// Write atomically writes an artifact. The temp file is fsynced before the
// rename so a crash leaves either the old content or the new, never a
// partial file.
func (s *Store) Write(ctx context.Context, runID, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.runDir(runID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("bundle: failed to ensure run dir: %w", err)
	}
	if name == "" || strings.ContainsAny(name, "/\\") {
		return fault.Newf(fault.CodeInvalidInput, "invalid artifact name %q", name)
	}

	target := filepath.Join(dir, name)
	tmp, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("bundle: failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("bundle: failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("bundle: failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("bundle: failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("bundle: failed to commit artifact: %w", err)
	}
	return nil
}

// WriteJSON marshals v with indentation and writes it as an artifact.
func (s *Store) WriteJSON(ctx context.Context, runID, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("bundle: failed to marshal %s: %w", name, err)
	}
	return s.Write(ctx, runID, name, append(data, '\n'))
}

// Read returns an artifact's bytes. A missing run or artifact yields a
// not-found fault, distinct from an empty artifact.
func (s *Store) Read(ctx context.Context, runID, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir, err := s.runDir(runID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.Newf(fault.CodeRunNotFound, "run %s: artifact %s not found", runID, name)
		}
		return nil, fmt.Errorf("bundle: failed to read artifact: %w", err)
	}
	return data, nil
}

// ReadJSON reads an artifact and unmarshals it into v.
func (s *Store) ReadJSON(ctx context.Context, runID, name string, v any) error {
	data, err := s.Read(ctx, runID, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fault.Wrap(fault.CodeCorruptedArtifact, fmt.Errorf("run %s: artifact %s: %w", runID, name, err))
	}
	return nil
}

// Exists reports whether the named artifact is present.
func (s *Store) Exists(ctx context.Context, runID, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir, err := s.runDir(runID)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(filepath.Join(dir, name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("bundle: failed to stat artifact: %w", err)
}

// List returns the artifact names in a run's bundle, sorted.
func (s *Store) List(ctx context.Context, runID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir, err := s.runDir(runID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.Newf(fault.CodeRunNotFound, "run %s not found", runID)
		}
		return nil, fmt.Errorf("bundle: failed to list run dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.Contains(e.Name(), ".tmp-") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Hash returns "sha256:<hex>" over an artifact's exact bytes.
func (s *Store) Hash(ctx context.Context, runID, name string) (string, error) {
	data, err := s.Read(ctx, runID, name)
	if err != nil {
		return "", err
	}
	return canonical.PrefixedHashBytes(data), nil
}

// Delete removes a run's entire bundle.
func (s *Store) Delete(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.runDir(runID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("bundle: failed to delete run: %w", err)
	}
	return nil
}

// ListRuns returns the IDs of all runs with a bundle directory, sorted.
func (s *Store) ListRuns(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.base)
	if err != nil {
		return nil, fmt.Errorf("bundle: failed to list base dir: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}
