package postgres

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/collateralvault/vaultd/internal/apperr"
	"github.com/collateralvault/vaultd/internal/ledger"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func q(query string) string {
	return regexp.QuoteMeta(query)
}

func TestCreateVaultSuccess(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(q(`SELECT EXISTS(SELECT 1 FROM vaults WHERE owner = $1 AND is_active)`)).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(q(`INSERT INTO vaults`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(q(`INSERT INTO audit_logs`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	v, err := store.CreateVault(context.Background(), "alice", "addr1", "token1", 253, "authority1")
	require.NoError(t, err)
	require.Equal(t, "alice", v.Owner)
	require.Equal(t, int64(0), v.Total)
	require.True(t, v.IsActive)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateVaultAlreadyExists(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(q(`SELECT EXISTS(SELECT 1 FROM vaults WHERE owner = $1 AND is_active)`)).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	_, err := store.CreateVault(context.Background(), "alice", "addr1", "token1", 253, "authority1")
	require.Error(t, err)
	kind, ok := apperr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, apperr.KindAlreadyExists, kind)
	require.NoError(t, mock.ExpectationsWereMet())
}

func vaultRow(cols []string) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(cols).AddRow(
		"vault-1", "alice", "addr1", "token1", uint8(253), "authority1",
		int64(1000), int64(200), int64(800), true, now, now, int64(1),
	)
}

func TestGetVaultByIDFound(t *testing.T) {
	store, mock := newMock(t)
	cols := []string{"id", "owner", "on_chain_address", "token_account", "bump", "authority",
		"total_balance", "locked_balance", "available_balance", "is_active", "created_at", "updated_at", "version"}

	mock.ExpectQuery(q(`SELECT `) + `.*` + q(` FROM vaults WHERE id = $1`)).
		WithArgs("vault-1").
		WillReturnRows(vaultRow(cols))

	v, err := store.GetVaultByID(context.Background(), "vault-1")
	require.NoError(t, err)
	require.Equal(t, "vault-1", v.ID)
	require.Equal(t, int64(1000), v.Total)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetVaultByIDNotFound(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery(`SELECT .* FROM vaults WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetVaultByID(context.Background(), "missing")
	require.Error(t, err)
	kind, ok := apperr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, apperr.KindNotFound, kind)
}

func TestUpdateBalancesVersionMismatch(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE vaults`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := store.UpdateBalances(context.Background(), "vault-1", 900, 200, 700, 1, ledger.AuditLogEntry{})
	require.Error(t, err)
	kind, ok := apperr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, apperr.KindConcurrentConflict, kind)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateBalancesRejectsInvariantViolation(t *testing.T) {
	store, _ := newMock(t)
	_, err := store.UpdateBalances(context.Background(), "vault-1", 900, 200, 800, 1, ledger.AuditLogEntry{})
	require.Error(t, err)
	kind, ok := apperr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, apperr.KindInvariantViolation, kind)
}

func TestApplyTransferSuccess(t *testing.T) {
	store, mock := newMock(t)
	cols := []string{"id", "owner", "on_chain_address", "token_account", "bump", "authority",
		"total_balance", "locked_balance", "available_balance", "is_active", "created_at", "updated_at", "version"}
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT id FROM vaults WHERE id = \$1 FOR UPDATE`).WithArgs("vault-a").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`SELECT id FROM vaults WHERE id = \$1 FOR UPDATE`).WithArgs("vault-b").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT .* FROM vaults WHERE id = \$1`).WithArgs("vault-a").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("vault-a", "alice", "addrA", "tokenA", uint8(1), "authA", int64(1000), int64(500), int64(500), true, now, now, int64(1)))
	mock.ExpectQuery(`SELECT .* FROM vaults WHERE id = \$1`).WithArgs("vault-b").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("vault-b", "bob", "addrB", "tokenB", uint8(1), "authB", int64(200), int64(0), int64(200), true, now, now, int64(1)))
	mock.ExpectExec(`UPDATE vaults`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE vaults`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q(`INSERT INTO audit_logs`)).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(q(`INSERT INTO audit_logs`)).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT .* FROM transaction_records WHERE id = \$1 FOR UPDATE`).WithArgs("source-txn").
		WillReturnRows(sqlmock.NewRows([]string{"id", "vault_id", "kind", "amount", "signature", "status", "error_message", "idempotency_key", "operation_id", "created_at", "updated_at"}).
			AddRow("source-txn", "vault-a", ledger.KindTransfer, int64(-300), nil, ledger.StatusProcessing, nil, nil, "op-1", now, now))
	mock.ExpectExec(`UPDATE transaction_records`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q(`INSERT INTO audit_logs`)).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT .* FROM transaction_records WHERE id = \$1 FOR UPDATE`).WithArgs("dest-txn").
		WillReturnRows(sqlmock.NewRows([]string{"id", "vault_id", "kind", "amount", "signature", "status", "error_message", "idempotency_key", "operation_id", "created_at", "updated_at"}).
			AddRow("dest-txn", "vault-b", ledger.KindTransfer, int64(300), nil, ledger.StatusProcessing, nil, nil, "op-1", now, now))
	mock.ExpectExec(`UPDATE transaction_records`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q(`INSERT INTO audit_logs`)).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT .* FROM vaults WHERE id = \$1`).WithArgs("vault-a").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("vault-a", "alice", "addrA", "tokenA", uint8(1), "authA", int64(700), int64(200), int64(500), true, now, now, int64(2)))
	mock.ExpectQuery(`SELECT .* FROM vaults WHERE id = \$1`).WithArgs("vault-b").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("vault-b", "bob", "addrB", "tokenB", uint8(1), "authB", int64(500), int64(0), int64(500), true, now, now, int64(2)))
	mock.ExpectCommit()

	sig := "sig-1"
	result, err := store.ApplyTransfer(context.Background(), ledger.TransferInput{
		OperationID: "op-1", SourceVaultID: "vault-a", DestVaultID: "vault-b", Amount: 300,
		SourceTxnID: "source-txn", DestTxnID: "dest-txn", Signature: &sig, NewStatus: ledger.StatusConfirmed,
	})
	require.NoError(t, err)
	require.Equal(t, int64(700), result.Source.Total)
	require.Equal(t, int64(500), result.Dest.Total)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyTransferInsufficientLocked(t *testing.T) {
	store, mock := newMock(t)
	cols := []string{"id", "owner", "on_chain_address", "token_account", "bump", "authority",
		"total_balance", "locked_balance", "available_balance", "is_active", "created_at", "updated_at", "version"}
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT id FROM vaults WHERE id = \$1 FOR UPDATE`).WithArgs("vault-a").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`SELECT id FROM vaults WHERE id = \$1 FOR UPDATE`).WithArgs("vault-b").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT .* FROM vaults WHERE id = \$1`).WithArgs("vault-a").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("vault-a", "alice", "addrA", "tokenA", uint8(1), "authA", int64(1000), int64(50), int64(950), true, now, now, int64(1)))
	mock.ExpectQuery(`SELECT .* FROM vaults WHERE id = \$1`).WithArgs("vault-b").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("vault-b", "bob", "addrB", "tokenB", uint8(1), "authB", int64(200), int64(0), int64(200), true, now, now, int64(1)))
	mock.ExpectRollback()

	sig := "sig-1"
	_, err := store.ApplyTransfer(context.Background(), ledger.TransferInput{
		OperationID: "op-1", SourceVaultID: "vault-a", DestVaultID: "vault-b", Amount: 300,
		SourceTxnID: "source-txn", DestTxnID: "dest-txn", Signature: &sig, NewStatus: ledger.StatusConfirmed,
	})
	require.Error(t, err)
	kind, ok := apperr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, apperr.KindInsufficientLocked, kind)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTransactionIdempotencyReplay(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()
	key := "idem-1"

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM transaction_records WHERE idempotency_key = \$1`).WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"id", "vault_id", "kind", "amount", "signature", "status", "error_message", "idempotency_key", "operation_id", "created_at", "updated_at"}).
			AddRow("existing-txn", "vault-a", ledger.KindDeposit, int64(50), nil, ledger.StatusConfirmed, nil, key, "op-1", now, now))
	mock.ExpectCommit()

	rec, err := store.CreateTransaction(context.Background(), &ledger.TransactionRecord{
		VaultID: "vault-a", Kind: ledger.KindDeposit, Amount: 999, OperationID: "op-1", IdempotencyKey: &key,
	})
	require.NoError(t, err)
	require.Equal(t, "existing-txn", rec.ID)
	require.Equal(t, int64(50), rec.Amount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTransactionFreshInsert(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(q(`INSERT INTO transaction_records`)).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(q(`INSERT INTO audit_logs`)).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	rec, err := store.CreateTransaction(context.Background(), &ledger.TransactionRecord{
		ID: "txn-1", VaultID: "vault-a", Kind: ledger.KindDeposit, Amount: 50, OperationID: "op-1",
	})
	require.NoError(t, err)
	require.Equal(t, ledger.StatusPending, rec.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTransactionStatusWithApplyDelta(t *testing.T) {
	store, mock := newMock(t)
	vaultCols := []string{"id", "owner", "on_chain_address", "token_account", "bump", "authority",
		"total_balance", "locked_balance", "available_balance", "is_active", "created_at", "updated_at", "version"}
	now := time.Now().UTC()
	sig := "sig-1"

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM transaction_records WHERE id = \$1 FOR UPDATE`).WithArgs("txn-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "vault_id", "kind", "amount", "signature", "status", "error_message", "idempotency_key", "operation_id", "created_at", "updated_at"}).
			AddRow("txn-1", "vault-a", ledger.KindDeposit, int64(50), nil, ledger.StatusProcessing, nil, nil, "op-1", now, now))
	mock.ExpectExec(`UPDATE transaction_records`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q(`INSERT INTO audit_logs`)).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT .* FROM vaults WHERE id = \$1 FOR UPDATE`).WithArgs("vault-a").
		WillReturnRows(sqlmock.NewRows(vaultCols).AddRow("vault-a", "alice", "addrA", "tokenA", uint8(1), "authA", int64(1000), int64(200), int64(800), true, now, now, int64(1)))
	mock.ExpectExec(`UPDATE vaults`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q(`INSERT INTO audit_logs`)).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT .* FROM vaults WHERE id = \$1`).WithArgs("vault-a").
		WillReturnRows(sqlmock.NewRows(vaultCols).AddRow("vault-a", "alice", "addrA", "tokenA", uint8(1), "authA", int64(1050), int64(200), int64(850), true, now, now, int64(2)))
	mock.ExpectCommit()

	txn, v, err := store.UpdateTransactionStatus(context.Background(), ledger.UpdateTransactionStatusInput{
		TransactionID: "txn-1", NewStatus: ledger.StatusConfirmed, Signature: &sig,
		ApplyDelta: &ledger.BalanceDelta{DeltaTotal: 50, DeltaLocked: 0, DeltaAvailable: 50, ExpectedVersion: 1},
	})
	require.NoError(t, err)
	require.Equal(t, ledger.StatusConfirmed, txn.Status)
	require.Equal(t, int64(1050), v.Total)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanupStaleTransactions(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec(`UPDATE transaction_records`).WillReturnResult(sqlmock.NewResult(0, 3))
	n, err := store.CleanupStaleTransactions(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAndListSnapshots(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectExec(q(`INSERT INTO balance_snapshots`)).WillReturnResult(sqlmock.NewResult(1, 1))
	snap, err := store.CreateSnapshot(context.Background(), &ledger.BalanceSnapshot{
		VaultID: "vault-a", Total: 1000, Locked: 200, Available: 800, SnapshotAt: now,
	})
	require.NoError(t, err)
	require.NotEmpty(t, snap.ID)

	mock.ExpectQuery(`SELECT .* FROM balance_snapshots WHERE vault_id = \$1`).WithArgs("vault-a", 10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "vault_id", "total_balance", "locked_balance", "available_balance", "block_height", "snapshot_at"}).
			AddRow("snap-1", "vault-a", int64(1000), int64(200), int64(800), nil, now))
	snaps, err := store.ListSnapshots(context.Background(), "vault-a", 10)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.Nil(t, snaps[0].BlockHeight)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSystemStats(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery(`SELECT .* FROM vaults WHERE is_active`).
		WillReturnRows(sqlmock.NewRows([]string{"sum_total", "sum_locked", "sum_available", "count"}).
			AddRow(int64(5000), int64(1000), int64(4000), 3))
	stats, err := store.GetSystemStats(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(5000), stats.TotalValueLocked)
	require.Equal(t, int64(3), stats.VaultCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCriticalIssueCount(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM vaults`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	n, err := store.CriticalIssueCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumeRateLimitTokenExistingBucketRefillsAndRejects(t *testing.T) {
	store, mock := newMock(t)
	lastRefill := time.Now().Add(-1 * time.Second).UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT tokens, last_refill FROM rate_limit_buckets WHERE key = \$1 FOR UPDATE`).
		WithArgs("bearer:abc").
		WillReturnRows(sqlmock.NewRows([]string{"tokens", "last_refill"}).AddRow(0.5, lastRefill))
	mock.ExpectExec(`UPDATE rate_limit_buckets SET tokens = \$1, last_refill = \$2 WHERE key = \$3`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	allowed, remaining, err := store.ConsumeRateLimitToken(context.Background(), "bearer:abc", 10, 10, 1)
	require.NoError(t, err)
	require.False(t, allowed)
	require.InDelta(t, 1.5, remaining, 0.2)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumeRateLimitTokenNewBucket(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT tokens, last_refill FROM rate_limit_buckets WHERE key = \$1 FOR UPDATE`).
		WithArgs("bearer:abc").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO rate_limit_buckets`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE rate_limit_buckets SET tokens = \$1, last_refill = \$2 WHERE key = \$3`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	allowed, remaining, err := store.ConsumeRateLimitToken(context.Background(), "bearer:abc", 1, 10, 1)
	require.NoError(t, err)
	require.True(t, allowed)
	require.InDelta(t, 9.0, remaining, 0.01)
	require.NoError(t, mock.ExpectationsWereMet())
}
