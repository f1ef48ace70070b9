// Package vaultmgr enforces balance invariants on top of the ledger store.
// ApplyDelta and ApplyDeltaForTransaction are the only two paths by which a
// single vault's balances change; every such caller routes through one of
// them rather than building a ledger.BalanceDelta itself. Two-vault
// transfers are written by ledger.Store.ApplyTransfer instead.
package vaultmgr

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/collateralvault/vaultd/internal/apperr"
	"github.com/collateralvault/vaultd/internal/ledger"
	"github.com/collateralvault/vaultd/internal/logging"
)

// Delta is the three-field change apply_delta writes atomically.
type Delta struct {
	Total     int64
	Locked    int64
	Available int64
}

// Deposit, Withdraw, Lock, Unlock, TransferOut, TransferIn return the delta
// table from the balance mutation design.
func Deposit(amount int64) Delta     { return Delta{Total: amount, Available: amount} }
func Withdraw(amount int64) Delta    { return Delta{Total: -amount, Available: -amount} }
func Lock(amount int64) Delta        { return Delta{Locked: amount, Available: -amount} }
func Unlock(amount int64) Delta      { return Delta{Locked: -amount, Available: amount} }
func TransferOut(amount int64) Delta { return Delta{Total: -amount, Locked: -amount} }
func TransferIn(amount int64) Delta  { return Delta{Total: amount, Available: amount} }

// DeltaForRecord reconstructs the Delta a transaction record's kind and
// signed amount implies, used by the monitor's orphan-repair pass to
// reapply a confirmed-on-chain, never-applied-to-ledger delta without
// re-deriving the original unsigned amount.
func DeltaForRecord(kind ledger.TransactionKind, signedAmount int64) (Delta, error) {
	switch kind {
	case ledger.KindDeposit, ledger.KindWithdraw:
		return Delta{Total: signedAmount, Available: signedAmount}, nil
	case ledger.KindLock, ledger.KindUnlock:
		return Delta{Locked: signedAmount, Available: -signedAmount}, nil
	default:
		return Delta{}, apperr.New(apperr.KindValidation, fmt.Sprintf("no single-vault delta reconstruction for kind %s", kind))
	}
}

// Manager wraps ledger.Store to enforce invariants on balance mutations.
type Manager struct {
	store ledger.Store
	log   *logging.Logger
}

func New(store ledger.Store, log *logging.Logger) *Manager {
	return &Manager{store: store, log: log.Component("vaultmgr")}
}

// PrecheckDelta validates a delta against current balances before any
// chain interaction happens, returning the specific Insufficient* error
// the operation's precondition demands.
func (m *Manager) PrecheckDelta(v *ledger.Vault, d Delta) error {
	if d.Available < 0 && v.Available+d.Available < 0 {
		return apperr.New(apperr.KindInsufficientAvailable, fmt.Sprintf("vault %s has insufficient available balance", v.ID))
	}
	if d.Locked < 0 && v.Locked+d.Locked < 0 {
		return apperr.New(apperr.KindInsufficientLocked, fmt.Sprintf("vault %s has insufficient locked balance", v.ID))
	}
	newTotal := v.Total + d.Total
	newLocked := v.Locked + d.Locked
	newAvail := v.Available + d.Available
	if newTotal < 0 || newLocked < 0 || newAvail < 0 {
		return apperr.New(apperr.KindValidation, "operation would drive a balance negative")
	}
	if newTotal != newLocked+newAvail {
		return apperr.New(apperr.KindInvariantViolation, "operation would break total=locked+available")
	}
	return nil
}

// ApplyDelta reads current balances, validates d against them, computes new
// values, and writes the new row plus a "balance_updated" audit entry via
// ledger.Store.UpdateBalances (itself serializable and CAS-protected). Used
// for balance mutations with no owning transaction record to transition
// alongside.
func (m *Manager) ApplyDelta(ctx context.Context, vaultID string, d Delta, txnID, actor string) (*ledger.Vault, error) {
	v, err := m.store.GetVaultByID(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	if err := m.PrecheckDelta(v, d); err != nil {
		return nil, err
	}

	newTotal := v.Total + d.Total
	newLocked := v.Locked + d.Locked
	newAvail := v.Available + d.Available

	details, _ := json.Marshal(map[string]any{
		"old_total": v.Total, "new_total": newTotal,
		"old_locked": v.Locked, "new_locked": newLocked,
		"old_available": v.Available, "new_available": newAvail,
		"transaction_id": txnID,
		"performed_by":    actor,
	})

	updated, err := m.store.UpdateBalances(ctx, vaultID, newTotal, newLocked, newAvail, v.Version, ledger.AuditLogEntry{
		EventKind: ledger.EventBalanceUpdated,
		Owner:     &v.Owner,
		VaultID:   &v.ID,
		Details:   rawToMap(details),
	})
	if err != nil {
		return nil, err
	}

	m.log.WithVault(vaultID).Infof("balance updated total=%d locked=%d available=%d", updated.Total, updated.Locked, updated.Available)
	return updated, nil
}

// ApplyDeltaForTransaction validates d against v and, in one store
// transaction, transitions transaction record txnID to newStatus and
// applies d to v's balances. This is the path every single-vault
// confirm and orphan-repair call in the coordinator goes through, so a
// transaction's terminal status and its balance effect always land
// together instead of the coordinator building the store's delta input
// itself.
func (m *Manager) ApplyDeltaForTransaction(ctx context.Context, txnID string, v *ledger.Vault, d Delta, newStatus ledger.TransactionStatus, details map[string]any) (*ledger.TransactionRecord, *ledger.Vault, error) {
	if err := m.PrecheckDelta(v, d); err != nil {
		return nil, nil, err
	}

	t, updated, err := m.store.UpdateTransactionStatus(ctx, ledger.UpdateTransactionStatusInput{
		TransactionID: txnID,
		NewStatus:     newStatus,
		ApplyDelta: &ledger.BalanceDelta{
			DeltaTotal: d.Total, DeltaLocked: d.Locked, DeltaAvailable: d.Available,
			ExpectedVersion: v.Version,
			Audit: ledger.AuditLogEntry{
				EventKind: ledger.EventBalanceUpdated, Owner: &v.Owner, VaultID: &v.ID, Details: details,
			},
		},
	})
	if err != nil {
		return nil, nil, err
	}

	m.log.WithVault(v.ID).Infof("balance updated total=%d locked=%d available=%d", updated.Total, updated.Locked, updated.Available)
	return t, updated, nil
}

func rawToMap(raw []byte) map[string]any {
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	return m
}
