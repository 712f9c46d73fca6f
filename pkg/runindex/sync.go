package runindex

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mergeflow/mergeflow/pkg/bundle"
)

// runDoc is the subset of run.json the index cares about.
type runDoc struct {
	RunID    string `json:"runId"`
	TenantID string `json:"tenantId"`
	Repo     struct {
		FullName string `json:"fullName"`
	} `json:"repo"`
	State     string    `json:"state"`
	Initiator string    `json:"initiator"`
	PRURL     string    `json:"prUrl"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SyncFromBundles rebuilds the index from the bundle store. Bundles whose
// run.json is missing, unreadable, or schema-invalid are skipped with a
// warning; the sync continues. Returns the number of entries indexed.
func SyncFromBundles(ctx context.Context, idx Index, store *bundle.Store, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	runIDs, err := store.ListRuns(ctx)
	if err != nil {
		return 0, err
	}

	synced := 0
	for _, runID := range runIDs {
		raw, err := store.Read(ctx, runID, bundle.ArtifactRun)
		if err == nil {
			err = bundle.ValidateRunJSON(raw)
		}
		if err != nil {
			logger.Warn("skipping bundle during index sync",
				slog.String("runId", runID), slog.String("error", err.Error()))
			continue
		}
		var doc runDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			logger.Warn("skipping bundle during index sync",
				slog.String("runId", runID), slog.String("error", err.Error()))
			continue
		}
		entry := Entry{
			RunID:     doc.RunID,
			TenantID:  doc.TenantID,
			Repo:      doc.Repo.FullName,
			State:     doc.State,
			Initiator: doc.Initiator,
			PRURL:     doc.PRURL,
			CreatedAt: doc.CreatedAt,
			UpdatedAt: doc.UpdatedAt,
		}
		if entry.RunID == "" {
			entry.RunID = runID
		}
		if err := idx.Put(ctx, entry); err != nil {
			return synced, err
		}
		synced++
	}
	return synced, nil
}
