package balancetracker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/collateralvault/vaultd/internal/ledger"
	"github.com/collateralvault/vaultd/internal/ledger/ledgertest"
	"github.com/collateralvault/vaultd/internal/logging"
)

func newTracker(t *testing.T, window time.Duration) (*Tracker, *ledgertest.Store) {
	store := ledgertest.New()
	tr := New(store, Config{LocalCacheSize: 16, FreshnessWindow: window}, logging.New("error"))
	return tr, store
}

func TestGetBalancesCachesOnMiss(t *testing.T) {
	tr, store := newTracker(t, time.Minute)
	ctx := context.Background()
	v, err := store.CreateVault(ctx, "owner1", "addr1", "token1", 1, "auth1")
	require.NoError(t, err)
	_, err = store.UpdateBalances(ctx, v.ID, 100, 0, 100, v.Version, ledger.AuditLogEntry{EventKind: "seed"})
	require.NoError(t, err)

	cb, err := tr.GetBalances(ctx, v.ID)
	require.NoError(t, err)
	require.Equal(t, int64(100), cb.Total)

	cached, ok := tr.cache.Get(ctx, v.ID)
	require.True(t, ok)
	require.Equal(t, int64(100), cached.Total)
}

func TestGetBalancesReturnsStaleCacheWithinWindow(t *testing.T) {
	tr, store := newTracker(t, time.Minute)
	ctx := context.Background()
	v, err := store.CreateVault(ctx, "owner1", "addr1", "token1", 1, "auth1")
	require.NoError(t, err)

	_, err = tr.GetBalances(ctx, v.ID)
	require.NoError(t, err)

	// Underlying balance changes without invalidation; cached value should
	// still be served since it's within the freshness window.
	_, err = store.UpdateBalances(ctx, v.ID, 500, 0, 500, v.Version, ledger.AuditLogEntry{EventKind: "seed"})
	require.NoError(t, err)

	cb, err := tr.GetBalances(ctx, v.ID)
	require.NoError(t, err)
	require.Equal(t, int64(0), cb.Total)
}

func TestInvalidateForcesRefetch(t *testing.T) {
	tr, store := newTracker(t, time.Minute)
	ctx := context.Background()
	v, err := store.CreateVault(ctx, "owner1", "addr1", "token1", 1, "auth1")
	require.NoError(t, err)
	_, err = tr.GetBalances(ctx, v.ID)
	require.NoError(t, err)

	_, err = store.UpdateBalances(ctx, v.ID, 500, 0, 500, v.Version, ledger.AuditLogEntry{EventKind: "seed"})
	require.NoError(t, err)
	tr.Invalidate(ctx, v.ID)

	cb, err := tr.GetBalances(ctx, v.ID)
	require.NoError(t, err)
	require.Equal(t, int64(500), cb.Total)
}

func TestReconcileDetectsMismatchAndStaleness(t *testing.T) {
	tr, store := newTracker(t, time.Millisecond)
	ctx := context.Background()
	v, err := store.CreateVault(ctx, "owner1", "addr1", "token1", 1, "auth1")
	require.NoError(t, err)
	_, err = tr.GetBalances(ctx, v.ID)
	require.NoError(t, err)

	_, err = store.UpdateBalances(ctx, v.ID, 777, 0, 777, v.Version, ledger.AuditLogEntry{EventKind: "seed"})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	report, err := tr.Reconcile(ctx, v.ID)
	require.NoError(t, err)
	require.False(t, report.IsConsistent)
	require.Equal(t, SeverityHigh, report.Severity)

	var fields []string
	for _, d := range report.Discrepancies {
		fields = append(fields, d.Field)
	}
	require.Contains(t, fields, "total")
	require.Contains(t, fields, "staleness")
}

func TestReconcileConsistentWhenCacheMatchesAndFresh(t *testing.T) {
	tr, store := newTracker(t, time.Minute)
	ctx := context.Background()
	v, err := store.CreateVault(ctx, "owner1", "addr1", "token1", 1, "auth1")
	require.NoError(t, err)
	_, err = tr.GetBalances(ctx, v.ID)
	require.NoError(t, err)

	report, err := tr.Reconcile(ctx, v.ID)
	require.NoError(t, err)
	require.True(t, report.IsConsistent)
	require.Equal(t, SeverityNone, report.Severity)
}

func TestReconcileBatchAggregatesAcrossVaults(t *testing.T) {
	tr, store := newTracker(t, time.Minute)
	ctx := context.Background()
	v1, err := store.CreateVault(ctx, "owner1", "addr1", "token1", 1, "auth1")
	require.NoError(t, err)
	v2, err := store.CreateVault(ctx, "owner2", "addr2", "token2", 1, "auth2")
	require.NoError(t, err)

	reports, err := tr.ReconcileBatch(ctx, []string{v1.ID, v2.ID})
	require.NoError(t, err)
	require.Len(t, reports, 2)
}

func TestSnapshotRecordsBlockHeight(t *testing.T) {
	tr, store := newTracker(t, time.Minute)
	ctx := context.Background()
	v, err := store.CreateVault(ctx, "owner1", "addr1", "token1", 1, "auth1")
	require.NoError(t, err)
	height := int64(42)

	snap, err := tr.Snapshot(ctx, v.ID, &height)
	require.NoError(t, err)
	require.Equal(t, height, *snap.BlockHeight)

	snaps, err := store.ListSnapshots(ctx, v.ID, 10)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
}
