package chain_test

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mergeflow/mergeflow/pkg/chain"
	"github.com/mergeflow/mergeflow/pkg/fault"
)

func backends(t *testing.T) map[string]chain.Store {
	t.Helper()
	sqlStore, err := chain.OpenSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "chain.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlStore.Close() })
	return map[string]chain.Store{
		"memory": chain.NewMemoryStore(),
		"sqlite": sqlStore,
	}
}

func testChain(store chain.Store) *chain.Chain {
	var seq int
	base := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	return chain.New(store,
		chain.WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("entry-%d", seq)
		}),
		chain.WithClock(func() time.Time {
			return base.Add(time.Duration(seq) * time.Second)
		}),
	)
}

func appendN(t *testing.T, c *chain.Chain, tenantID string, n int) []chain.Entry {
	t.Helper()
	out := make([]chain.Entry, 0, n)
	for i := 0; i < n; i++ {
		e, err := c.Append(context.Background(), tenantID, map[string]any{
			"event": "policy_violation",
			"index": i,
		})
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func TestAppendLinksEntries(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c := testChain(store)
			entries := appendN(t, c, "tenant-1", 3)

			assert.Equal(t, int64(0), entries[0].Sequence)
			assert.Equal(t, chain.GenesisPrevHash, entries[0].PrevHash)
			for i := 1; i < len(entries); i++ {
				assert.Equal(t, entries[i-1].Sequence+1, entries[i].Sequence)
				assert.Equal(t, chain.LinkHash(entries[i-1]), entries[i].PrevHash)
				assert.False(t, entries[i].Timestamp.Before(entries[i-1].Timestamp))
			}
		})
	}
}

func TestAppendRequiresTenant(t *testing.T) {
	c := testChain(chain.NewMemoryStore())
	_, err := c.Append(context.Background(), "", map[string]any{"event": "x"})
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestChainsAreIsolatedPerTenant(t *testing.T) {
	store := chain.NewMemoryStore()
	c := testChain(store)
	appendN(t, c, "tenant-a", 2)
	appendN(t, c, "tenant-b", 1)

	a, err := store.Entries(context.Background(), "tenant-a", chain.AllEntries())
	require.NoError(t, err)
	b, err := store.Entries(context.Background(), "tenant-b", chain.AllEntries())
	require.NoError(t, err)
	assert.Len(t, a, 2)
	assert.Len(t, b, 1)
	assert.Equal(t, int64(0), b[0].Sequence)
}

func TestStoreRejectsDuplicateSequence(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c := testChain(store)
			entries := appendN(t, c, "tenant-1", 1)

			err := store.Append(context.Background(), "tenant-1", entries[0])
			assert.Equal(t, fault.CodeContention, fault.CodeOf(err))
		})
	}
}

func TestWindowSelection(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c := testChain(store)
			appendN(t, c, "tenant-1", 10)
			ctx := context.Background()

			mid, err := store.Entries(ctx, "tenant-1", chain.Window{Start: 3, End: 6})
			require.NoError(t, err)
			require.Len(t, mid, 4)
			assert.Equal(t, int64(3), mid[0].Sequence)
			assert.Equal(t, int64(6), mid[3].Sequence)

			capped, err := store.Entries(ctx, "tenant-1", chain.Window{Start: 0, End: -1, Max: 2})
			require.NoError(t, err)
			assert.Len(t, capped, 2)

			head, err := store.Head(ctx, "tenant-1")
			require.NoError(t, err)
			require.NotNil(t, head)
			assert.Equal(t, int64(9), head.Sequence)

			n, err := store.Count(ctx, "tenant-1")
			require.NoError(t, err)
			assert.Equal(t, int64(10), n)
		})
	}
}

func TestHeadOfEmptyChainIsNil(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			head, err := store.Head(context.Background(), "nobody")
			require.NoError(t, err)
			assert.Nil(t, head)
		})
	}
}

func TestResealAppendsMarkerEntry(t *testing.T) {
	store := chain.NewMemoryStore()
	c := testChain(store)
	appendN(t, c, "tenant-1", 2)

	e, err := c.Reseal(context.Background(), "tenant-1", chain.AlgorithmSHA256)
	require.NoError(t, err)
	assert.Equal(t, int64(2), e.Sequence)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(e.Payload, &payload))
	assert.Equal(t, "algorithm_reseal", payload["event"])
	assert.Equal(t, chain.AlgorithmSHA256, payload["toAlgorithm"])
}

func TestConcurrentAppendsNeverCollide(t *testing.T) {
	store := chain.NewMemoryStore()
	c := chain.New(store)
	ctx := context.Background()

	const n = 40
	done := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			_, err := c.Append(ctx, "tenant-1", map[string]any{"index": i})
			done <- err
		}(i)
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-done)
	}

	entries, err := store.Entries(ctx, "tenant-1", chain.AllEntries())
	require.NoError(t, err)
	require.Len(t, entries, n)
	for i, e := range entries {
		assert.Equal(t, int64(i), e.Sequence)
	}
}
