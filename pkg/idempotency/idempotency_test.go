package idempotency_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mergeflow/mergeflow/pkg/fault"
	"github.com/mergeflow/mergeflow/pkg/idempotency"
)

func backends(t *testing.T) map[string]idempotency.Store {
	t.Helper()
	sqlStore, err := idempotency.OpenSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "idem.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlStore.Close() })
	return map[string]idempotency.Store{
		"memory": idempotency.NewMemoryStore(),
		"sqlite": sqlStore,
	}
}

func TestClampTTL(t *testing.T) {
	assert.Equal(t, idempotency.DefaultTTL, idempotency.ClampTTL(0))
	assert.Equal(t, idempotency.DefaultTTL, idempotency.ClampTTL(-5))
	assert.Equal(t, idempotency.MinTTL, idempotency.ClampTTL(1))
	assert.Equal(t, idempotency.MaxTTL, idempotency.ClampTTL(10_000_000))
	assert.Equal(t, 3600, idempotency.ClampTTL(3600))
}

func TestTTLBoundsClamp(t *testing.T) {
	b := idempotency.TTLBounds{Default: 120, Min: 30, Max: 300}
	assert.Equal(t, 120, b.Clamp(0))
	assert.Equal(t, 30, b.Clamp(5))
	assert.Equal(t, 300, b.Clamp(9999))
	assert.Equal(t, 200, b.Clamp(200))

	// Degenerate bounds fall back to the built-in range.
	assert.Equal(t, idempotency.DefaultTTL, idempotency.TTLBounds{}.Clamp(0))
}

func TestCheckAndSetHonorsConfiguredBounds(t *testing.T) {
	bounds := idempotency.TTLBounds{Default: 120, Min: 30, Max: 300}
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store := idempotency.NewMemoryStore().
		WithTTLBounds(bounds).
		WithClock(func() time.Time { return base })
	ctx := context.Background()

	cases := []struct {
		key     string
		ttl     int
		wantTTL time.Duration
	}{
		{"k-default", 0, 120 * time.Second},
		{"k-low", 5, 30 * time.Second},
		{"k-high", 9999, 300 * time.Second},
	}
	for _, tc := range cases {
		res, err := store.CheckAndSet(ctx, tc.key, "tenant-1", tc.ttl, "")
		require.NoError(t, err)
		assert.Equal(t, tc.wantTTL, res.Record.ExpiresAt.Sub(res.Record.CreatedAt), tc.key)
	}

	sqlStore, err := idempotency.OpenSQLiteStore(ctx, filepath.Join(t.TempDir(), "idem.db"))
	require.NoError(t, err)
	defer sqlStore.Close()
	res, err := sqlStore.WithTTLBounds(bounds).CheckAndSet(ctx, "k-low", "tenant-1", 5, "")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, res.Record.ExpiresAt.Sub(res.Record.CreatedAt))
}

func TestCheckAndSetFirstClaimIsNew(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			res, err := store.CheckAndSet(ctx, "create:run:X", "tenant-1", 0, "H1")
			require.NoError(t, err)
			assert.True(t, res.IsNew)
			assert.Equal(t, idempotency.StatusPending, res.Record.Status)
			assert.Equal(t, idempotency.HashKey("create:run:X"), res.Record.KeyHash)

			again, err := store.CheckAndSet(ctx, "create:run:X", "tenant-1", 0, "H1")
			require.NoError(t, err)
			assert.False(t, again.IsNew)
			assert.Equal(t, res.Record.KeyHash, again.Record.KeyHash)
		})
	}
}

func TestPayloadCollisionFails(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.CheckAndSet(ctx, "create:run:X", "tenant-1", 0, "H1")
			require.NoError(t, err)

			_, err = store.CheckAndSet(ctx, "create:run:X", "tenant-1", 0, "H2")
			require.Error(t, err)
			assert.Equal(t, fault.CodeIdempotencyCollision, fault.CodeOf(err))
			assert.False(t, fault.IsRetryable(err))
		})
	}
}

func TestPayloadCollisionAgainstHashlessRecord(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			// Claimed without a payload hash; a later hashed retry
			// cannot be proven to carry the same payload.
			_, err := store.CheckAndSet(ctx, "create:run:Y", "tenant-1", 0, "")
			require.NoError(t, err)

			_, err = store.CheckAndSet(ctx, "create:run:Y", "tenant-1", 0, "H1")
			require.Error(t, err)
			assert.Equal(t, fault.CodeIdempotencyCollision, fault.CodeOf(err))

			// A hashless retry still maps onto the original claim.
			res, err := store.CheckAndSet(ctx, "create:run:Y", "tenant-1", 0, "")
			require.NoError(t, err)
			assert.False(t, res.IsNew)
		})
	}
}

func TestConcurrentCheckAndSetSingleWinner(t *testing.T) {
	store := idempotency.NewMemoryStore()
	ctx := context.Background()

	const callers = 16
	results := make([]idempotency.CheckResult, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := store.CheckAndSet(ctx, "create:run:X", "tenant-1", 0, "H1")
			require.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, res := range results {
		if res.IsNew {
			winners++
		}
		assert.Equal(t, results[0].Record.KeyHash, res.Record.KeyHash)
	}
	assert.Equal(t, 1, winners)
}

func TestCompleteAndGet(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			res, err := store.CheckAndSet(ctx, "create:run:X", "tenant-1", 0, "")
			require.NoError(t, err)
			require.NoError(t, store.Complete(ctx, res.Record.KeyHash, "run-42", map[string]any{"prUrl": "https://example.com/pr/1"}))

			rec, err := store.Get(ctx, "create:run:X")
			require.NoError(t, err)
			assert.Equal(t, idempotency.StatusCompleted, rec.Status)
			assert.Equal(t, "run-42", rec.RunID)
			assert.Equal(t, "https://example.com/pr/1", rec.Result["prUrl"])
		})
	}
}

func TestFailRecordsError(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			res, err := store.CheckAndSet(ctx, "create:run:Y", "tenant-1", 0, "")
			require.NoError(t, err)
			require.NoError(t, store.Fail(ctx, res.Record.KeyHash, "upstream timeout"))

			rec, err := store.Get(ctx, "create:run:Y")
			require.NoError(t, err)
			assert.Equal(t, idempotency.StatusFailed, rec.Status)
		})
	}
}

func TestUpdateMissingRecord(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			err := store.Complete(context.Background(), "no-such-hash", "run-1", nil)
			assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
		})
	}
}

func TestExpiredRecordIsReclaimable(t *testing.T) {
	current := time.Now().UTC()
	store := idempotency.NewMemoryStore().WithClock(func() time.Time { return current })
	ctx := context.Background()

	first, err := store.CheckAndSet(ctx, "create:run:X", "tenant-1", 60, "H1")
	require.NoError(t, err)
	require.True(t, first.IsNew)

	current = current.Add(2 * time.Minute)

	ok, err := store.Exists(ctx, "create:run:X")
	require.NoError(t, err)
	assert.False(t, ok)

	// A new claim may use a different payload; the expired record no
	// longer collides.
	second, err := store.CheckAndSet(ctx, "create:run:X", "tenant-1", 60, "H2")
	require.NoError(t, err)
	assert.True(t, second.IsNew)
}

func TestCleanup(t *testing.T) {
	current := time.Now().UTC()
	store := idempotency.NewMemoryStore().WithClock(func() time.Time { return current })
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		_, err := store.CheckAndSet(ctx, key, "tenant-1", 60, "")
		require.NoError(t, err)
	}
	_, err := store.CheckAndSet(ctx, "fresh", "tenant-1", idempotency.MaxTTL, "")
	require.NoError(t, err)

	current = current.Add(2 * time.Minute)

	removed, err := store.Cleanup(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	removed, err = store.Cleanup(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	ok, err := store.Exists(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, ok)
}
