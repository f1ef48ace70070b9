// Package txmanager owns the transaction record lifecycle: pending ->
// processing -> {confirmed,failed,reverted}, with idempotency-key replay.
package txmanager

import (
	"context"

	"github.com/collateralvault/vaultd/internal/ledger"
	"github.com/collateralvault/vaultd/internal/logging"
)

// Manager wraps ledger.Store for transaction-record lifecycle operations.
type Manager struct {
	store ledger.Store
	log   *logging.Logger
}

func New(store ledger.Store, log *logging.Logger) *Manager {
	return &Manager{store: store, log: log.Component("txmanager")}
}

// Begin creates a new pending record, or returns the existing record
// verbatim if idempotencyKey is non-empty and already present — regardless
// of whether vaultID/kind/amount differ from the original call.
func (m *Manager) Begin(ctx context.Context, vaultID string, kind ledger.TransactionKind, amount int64, operationID string, idempotencyKey *string) (*ledger.TransactionRecord, error) {
	t := &ledger.TransactionRecord{
		VaultID:        vaultID,
		Kind:           kind,
		Amount:         amount,
		OperationID:    operationID,
		IdempotencyKey: idempotencyKey,
	}
	return m.store.CreateTransaction(ctx, t)
}

// MarkSubmitted transitions pending -> processing and stores the on-chain
// signature, which must be globally unique.
func (m *Manager) MarkSubmitted(ctx context.Context, id, signature string) (*ledger.TransactionRecord, error) {
	t, _, err := m.store.UpdateTransactionStatus(ctx, ledger.UpdateTransactionStatusInput{
		TransactionID: id,
		NewStatus:     ledger.StatusProcessing,
		Signature:     &signature,
	})
	return t, err
}

// MarkOutcome performs the terminal transition (confirmed/failed/reverted),
// optionally applying a balance delta to the owning vault atomically in
// the same store transaction.
func (m *Manager) MarkOutcome(ctx context.Context, id string, status ledger.TransactionStatus, reason *string, delta *ledger.BalanceDelta) (*ledger.TransactionRecord, *ledger.Vault, error) {
	return m.store.UpdateTransactionStatus(ctx, ledger.UpdateTransactionStatusInput{
		TransactionID: id,
		NewStatus:     status,
		ErrorMessage:  reason,
		ApplyDelta:    delta,
	})
}

func (m *Manager) LookupByIdempotency(ctx context.Context, key string) (*ledger.TransactionRecord, error) {
	return m.store.GetTransactionByIdempotencyKey(ctx, key)
}

func (m *Manager) LookupBySignature(ctx context.Context, sig string) (*ledger.TransactionRecord, error) {
	return m.store.GetTransactionBySignature(ctx, sig)
}

func (m *Manager) ListPending(ctx context.Context, limit int) ([]*ledger.TransactionRecord, error) {
	return m.store.ListPendingTransactions(ctx, limit)
}

// ListInFlight returns pending-or-processing records, used by the
// monitor's orphan-repair scan which must also catch already-submitted
// (processing) transactions.
func (m *Manager) ListInFlight(ctx context.Context, limit int) ([]*ledger.TransactionRecord, error) {
	return m.store.ListInFlightTransactions(ctx, limit)
}

func (m *Manager) ListForVault(ctx context.Context, vaultID string, limit int) ([]*ledger.TransactionRecord, error) {
	return m.store.ListVaultTransactions(ctx, vaultID, limit)
}
