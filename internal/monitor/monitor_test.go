package monitor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/collateralvault/vaultd/internal/balancetracker"
	"github.com/collateralvault/vaultd/internal/chainclient"
	"github.com/collateralvault/vaultd/internal/ledger"
	"github.com/collateralvault/vaultd/internal/ledger/ledgertest"
	"github.com/collateralvault/vaultd/internal/logging"
	"github.com/collateralvault/vaultd/internal/txmanager"
	"github.com/collateralvault/vaultd/internal/vaultmgr"
)

type fakeChain struct {
	height       int64
	heightErr    error
	statuses     map[string]*chainclient.SubmitResult
}

func (f *fakeChain) GetBlockHeight(ctx context.Context) (int64, error) {
	return f.height, f.heightErr
}

func (f *fakeChain) CheckStatus(ctx context.Context, signature string) (*chainclient.SubmitResult, error) {
	if st, ok := f.statuses[signature]; ok {
		return st, nil
	}
	return &chainclient.SubmitResult{Signature: signature, Status: chainclient.StatusPending}, nil
}

type fakeRepairer struct {
	pending   int
	repaired  []string
	store     *ledgertest.Store
}

func (f *fakeRepairer) PendingCount() int { return f.pending }

func (f *fakeRepairer) RepairOrphan(ctx context.Context, rec *ledger.TransactionRecord, delta vaultmgr.Delta) (*ledger.Vault, error) {
	f.repaired = append(f.repaired, rec.ID)
	v, err := f.store.GetVaultByID(ctx, rec.VaultID)
	if err != nil {
		return nil, err
	}
	return f.store.UpdateBalances(ctx, rec.VaultID, v.Total+delta.Total, v.Locked+delta.Locked, v.Available+delta.Available, v.Version, ledger.AuditLogEntry{EventKind: "repair_test"})
}

func newTestMonitor(t *testing.T, chain ChainHealth, repair Repairer) (*Monitor, *ledgertest.Store) {
	store := ledgertest.New()
	log := logging.New("error")
	tracker := balancetracker.New(store, balancetracker.Config{LocalCacheSize: 16}, log)
	txns := txmanager.New(store, log)
	m := New(store, tracker, txns, chain, repair, Config{PageSize: 10}, NewMetrics(), log)
	return m, store
}

func TestRunReconciliationCountsPassesAndStaysHealthy(t *testing.T) {
	m, store := newTestMonitor(t, &fakeChain{}, &fakeRepairer{})
	ctx := context.Background()
	_, err := store.CreateVault(ctx, "owner1", "addr1", "token1", 1, "auth1")
	require.NoError(t, err)

	m.runReconciliation(ctx)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.ReconciliationPasses)
	require.True(t, m.Health().Healthy)
}

func TestRunSnapshotUsesSharedBlockHeight(t *testing.T) {
	m, store := newTestMonitor(t, &fakeChain{height: 777}, &fakeRepairer{})
	ctx := context.Background()
	v, err := store.CreateVault(ctx, "owner1", "addr1", "token1", 1, "auth1")
	require.NoError(t, err)

	m.runSnapshot(ctx)

	snaps, err := store.ListSnapshots(ctx, v.ID, 10)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.Equal(t, int64(777), *snaps[0].BlockHeight)
}

func TestRunStaleCleanupExpiresOldPending(t *testing.T) {
	m, store := newTestMonitor(t, &fakeChain{}, &fakeRepairer{})
	ctx := context.Background()
	v, err := store.CreateVault(ctx, "owner1", "addr1", "token1", 1, "auth1")
	require.NoError(t, err)
	_, err = store.CreateTransaction(ctx, &ledger.TransactionRecord{VaultID: v.ID, Kind: ledger.KindDeposit, Amount: 100, OperationID: "op-1"})
	require.NoError(t, err)

	m.cfg.StaleThreshold = 0
	m.runStaleCleanup(ctx)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.StaleExpiredTotal)
}

func TestRunHealthMarksUnhealthyOnStoreDown(t *testing.T) {
	store := ledgertest.New()
	store.PingErr = context.DeadlineExceeded
	log := logging.New("error")
	tracker := balancetracker.New(store, balancetracker.Config{LocalCacheSize: 16}, log)
	txns := txmanager.New(store, log)
	m := New(store, tracker, txns, &fakeChain{}, &fakeRepairer{}, Config{PageSize: 10}, NewMetrics(), log)

	m.runHealth(context.Background())
	h := m.Health()
	require.False(t, h.Healthy)
	require.False(t, h.StoreReachable)
}

func TestRunHealthMarksUnhealthyOnExcessPending(t *testing.T) {
	m, _ := newTestMonitor(t, &fakeChain{}, &fakeRepairer{pending: 50})
	m.cfg.MaxPendingCount = 10

	m.runHealth(context.Background())
	h := m.Health()
	require.False(t, h.Healthy)
	require.Equal(t, 50, h.PendingOperations)
}

func TestClearUnhealthyResetsHealth(t *testing.T) {
	m, _ := newTestMonitor(t, &fakeChain{}, &fakeRepairer{pending: 50})
	m.cfg.MaxPendingCount = 10
	m.runHealth(context.Background())
	require.False(t, m.Health().Healthy)

	m.ClearUnhealthy()
	require.True(t, m.Health().Healthy)
	require.Equal(t, 0, m.Health().ConsecutiveFailures)
}

func TestRepairOrphansReappliesConfirmedDelta(t *testing.T) {
	store := ledgertest.New()
	log := logging.New("error")
	tracker := balancetracker.New(store, balancetracker.Config{LocalCacheSize: 16}, log)
	txns := txmanager.New(store, log)
	ctx := context.Background()

	v, err := store.CreateVault(ctx, "owner1", "addr1", "token1", 1, "auth1")
	require.NoError(t, err)
	rec, err := txns.Begin(ctx, v.ID, ledger.KindDeposit, 1000, "op-1", nil)
	require.NoError(t, err)
	_, err = txns.MarkSubmitted(ctx, rec.ID, "sig-orphan")
	require.NoError(t, err)

	repairer := &fakeRepairer{store: store}
	chain := &fakeChain{statuses: map[string]*chainclient.SubmitResult{
		"sig-orphan": {Signature: "sig-orphan", Status: chainclient.StatusConfirmed},
	}}
	m := New(store, tracker, txns, chain, repairer, Config{PageSize: 10}, NewMetrics(), log)

	m.repairOrphans(ctx)

	require.Contains(t, repairer.repaired, rec.ID)
	updated, err := store.GetVaultByID(ctx, v.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1000), updated.Total)
	require.Equal(t, int64(1000), updated.Available)
}
