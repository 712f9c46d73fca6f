package chain_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mergeflow/mergeflow/pkg/chain"
)

// sealSequence builds n honestly linked entries without persisting them,
// so tests can tamper with individual entries before appending.
func sealSequence(t *testing.T, n int) []chain.Entry {
	t.Helper()
	base := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	out := make([]chain.Entry, 0, n)
	var prev *chain.Entry
	for i := 0; i < n; i++ {
		payload, err := json.Marshal(map[string]any{"event": "billing", "index": i})
		require.NoError(t, err)
		e, err := chain.Seal(prev, fmt.Sprintf("entry-%d", i), payload, chain.AlgorithmSHA256, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		out = append(out, e)
		prev = &out[i]
	}
	return out
}

func loadEntries(t *testing.T, store chain.Store, tenantID string, entries []chain.Entry) {
	t.Helper()
	for _, e := range entries {
		require.NoError(t, store.Append(context.Background(), tenantID, e))
	}
}

func TestVerifyHonestChain(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			loadEntries(t, store, "tenant-1", sealSequence(t, 10))
			v := chain.NewVerifier(store)

			report, err := v.Verify(context.Background(), "tenant-1", chain.VerifyOptions{VerifyTimestamps: true})
			require.NoError(t, err)
			assert.True(t, report.Valid)
			assert.Empty(t, report.Issues)
			assert.Equal(t, int64(10), report.Stats.EntriesVerified)
			assert.Equal(t, int64(0), report.Stats.SequenceRange.Start)
			assert.Equal(t, int64(9), report.Stats.SequenceRange.End)
			assert.InDelta(t, 100.0, report.Stats.ContinuityPercent, 0.001)
			assert.Equal(t, []string{chain.AlgorithmSHA256}, report.Stats.AlgorithmsUsed)
			require.NotNil(t, report.Stats.TimeRange)
		})
	}
}

func TestVerifyEmptyChain(t *testing.T) {
	v := chain.NewVerifier(chain.NewMemoryStore())
	report, err := v.Verify(context.Background(), "nobody", chain.VerifyOptions{})
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, int64(0), report.Stats.TotalEntries)
}

// Tampering with one payload must surface both a hash mismatch at the
// tampered entry and a chain break at its successor; deleting an entry
// must surface a gap.
func TestVerifyDetectsTamperingAndGaps(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			entries := sealSequence(t, 10)
			// Flip the payload of entry 5, keeping its stored hashes.
			entries[5].Payload = json.RawMessage(`{"event":"billing","index":99}`)
			// Entry 7 is never persisted.
			tampered := append(append([]chain.Entry{}, entries[:7]...), entries[8:]...)
			loadEntries(t, store, "tenant-1", tampered)

			v := chain.NewVerifier(store)
			report, err := v.Verify(context.Background(), "tenant-1", chain.VerifyOptions{})
			require.NoError(t, err)

			assert.False(t, report.Valid)
			require.Len(t, report.Issues, 3)

			byType := map[string]chain.Issue{}
			for _, issue := range report.Issues {
				byType[issue.Type] = issue
			}

			mismatch := byType[chain.IssueHashMismatch]
			assert.Equal(t, int64(5), mismatch.Sequence)
			assert.Equal(t, chain.SeverityCritical, mismatch.Severity)

			brk := byType[chain.IssueChainBreak]
			assert.Equal(t, int64(6), brk.Sequence)
			assert.Equal(t, chain.SeverityCritical, brk.Severity)

			gap := byType[chain.IssueGap]
			assert.Equal(t, int64(8), gap.Sequence)
			assert.Equal(t, chain.SeverityHigh, gap.Severity)

			assert.Equal(t, 1, report.Stats.GapsDetected)
			assert.Equal(t, int64(1), report.Stats.MissingEntries)
			assert.InDelta(t, 90.0, report.Stats.ContinuityPercent, 0.001)
		})
	}
}

func TestVerifyDetectsBrokenGenesis(t *testing.T) {
	entries := sealSequence(t, 2)
	entries[0].PrevHash = "deadbeef"
	store := chain.NewMemoryStore()
	loadEntries(t, store, "tenant-1", entries)

	report, err := chain.NewVerifier(store).Verify(context.Background(), "tenant-1", chain.VerifyOptions{})
	require.NoError(t, err)
	assert.False(t, report.Valid)
	require.NotEmpty(t, report.Issues)
	assert.Equal(t, chain.IssueChainBreak, report.Issues[0].Type)
	assert.Equal(t, int64(0), report.Issues[0].Sequence)
}

func TestVerifyTimestampSkewIsAdvisory(t *testing.T) {
	entries := sealSequence(t, 3)
	// Force a regression beyond the one second tolerance.
	entries[2].Timestamp = entries[1].Timestamp.Add(-5 * time.Second)
	store := chain.NewMemoryStore()
	loadEntries(t, store, "tenant-1", entries)

	report, err := chain.NewVerifier(store).Verify(context.Background(), "tenant-1", chain.VerifyOptions{VerifyTimestamps: true})
	require.NoError(t, err)
	require.Len(t, report.Issues, 1)
	assert.Equal(t, chain.IssueTimestampSkew, report.Issues[0].Type)
	assert.Equal(t, chain.SeverityMedium, report.Issues[0].Severity)
	// Skew alone does not invalidate the chain.
	assert.True(t, report.Valid)
}

func TestVerifySkipsTimestampsWhenDisabled(t *testing.T) {
	entries := sealSequence(t, 3)
	entries[2].Timestamp = entries[1].Timestamp.Add(-5 * time.Second)
	store := chain.NewMemoryStore()
	loadEntries(t, store, "tenant-1", entries)

	report, err := chain.NewVerifier(store).Verify(context.Background(), "tenant-1", chain.VerifyOptions{})
	require.NoError(t, err)
	assert.Empty(t, report.Issues)
	assert.Nil(t, report.Stats.TimeRange)
}

func TestVerifyStopOnFirstError(t *testing.T) {
	entries := sealSequence(t, 10)
	entries[2].Payload = json.RawMessage(`{"tampered":true}`)
	store := chain.NewMemoryStore()
	loadEntries(t, store, "tenant-1", entries)

	report, err := chain.NewVerifier(store).Verify(context.Background(), "tenant-1", chain.VerifyOptions{StopOnFirstError: true})
	require.NoError(t, err)
	require.Len(t, report.Issues, 1)
	assert.Equal(t, int64(3), report.Stats.EntriesVerified)
}

func TestVerifyWindowAndEntryDetails(t *testing.T) {
	store := chain.NewMemoryStore()
	loadEntries(t, store, "tenant-1", sealSequence(t, 10))

	start, end := int64(4), int64(7)
	report, err := chain.NewVerifier(store).Verify(context.Background(), "tenant-1", chain.VerifyOptions{
		StartSequence:       &start,
		EndSequence:         &end,
		IncludeEntryDetails: true,
	})
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, int64(4), report.Stats.EntriesVerified)
	require.Len(t, report.EntryDetails, 4)
	assert.Equal(t, int64(4), report.EntryDetails[0].Sequence)
	assert.True(t, report.EntryDetails[0].ContentOK)
	assert.True(t, report.EntryDetails[0].LinkOK)
}

func TestVerifyMaxEntries(t *testing.T) {
	store := chain.NewMemoryStore()
	loadEntries(t, store, "tenant-1", sealSequence(t, 10))

	report, err := chain.NewVerifier(store).Verify(context.Background(), "tenant-1", chain.VerifyOptions{MaxEntries: 3})
	require.NoError(t, err)
	assert.Equal(t, int64(3), report.Stats.EntriesVerified)
	assert.Equal(t, int64(2), report.Stats.SequenceRange.End)
}

func TestIsChainValid(t *testing.T) {
	store := chain.NewMemoryStore()
	loadEntries(t, store, "tenant-1", sealSequence(t, 5))
	v := chain.NewVerifier(store)
	ctx := context.Background()

	ok, err := v.IsChainValid(ctx, "tenant-1")
	require.NoError(t, err)
	assert.True(t, ok)

	bad := sealSequence(t, 5)
	bad[1].Payload = json.RawMessage(`{"tampered":true}`)
	loadEntries(t, store, "tenant-2", bad)
	ok, err = v.IsChainValid(ctx, "tenant-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetChainHealth(t *testing.T) {
	store := chain.NewMemoryStore()
	v := chain.NewVerifier(store)
	ctx := context.Background()

	h, err := v.GetChainHealth(ctx, "empty")
	require.NoError(t, err)
	assert.Equal(t, int64(0), h.TotalEntries)
	assert.Equal(t, int64(-1), h.HeadSequence)
	assert.True(t, h.TailValid)
	assert.Nil(t, h.LastEntryAt)

	entries := sealSequence(t, 5)
	loadEntries(t, store, "tenant-1", entries)
	h, err = v.GetChainHealth(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), h.TotalEntries)
	assert.Equal(t, int64(4), h.HeadSequence)
	assert.True(t, h.TailValid)
	require.NotNil(t, h.LastEntryAt)
	assert.Equal(t, entries[4].Timestamp, *h.LastEntryAt)
}
