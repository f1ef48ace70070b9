// Package coordinator implements the CPI / operation coordinator, the
// single entry point for every balance-moving operation. It sequences
// pre-check -> transaction-record begin -> build -> submit -> atomic
// outcome application, deduplicating concurrent retries of the same
// operation id.
package coordinator

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/collateralvault/vaultd/internal/apperr"
	"github.com/collateralvault/vaultd/internal/balancetracker"
	"github.com/collateralvault/vaultd/internal/chainclient"
	"github.com/collateralvault/vaultd/internal/chainvault"
	"github.com/collateralvault/vaultd/internal/ledger"
	"github.com/collateralvault/vaultd/internal/logging"
	"github.com/collateralvault/vaultd/internal/txmanager"
	"github.com/collateralvault/vaultd/internal/vaultmgr"
)

// Keys holds the two signers the builder needs: the fee payer (deposits,
// initialize) and the vault authority (withdraw, lock, unlock, transfer).
// In production these are loaded from keypair files referenced by
// configuration; the coordinator only ever holds them in memory.
type Keys struct {
	Payer     ed25519.PrivateKey
	Authority ed25519.PrivateKey
}

// Config configures retry behavior and the pending-operation horizon.
type Config struct {
	MaxRetries          int
	RetryDelay          time.Duration
	PendingOperationTTL time.Duration
	SubmitCommitment    chainclient.Commitment
	SubmitPollInterval  time.Duration
}

// Builder is the narrow surface the coordinator needs from the chain
// transaction builder; satisfied by *chainvault.Builder. Declared here
// so the coordinator composes the dependency rather than
// holding a concrete reference to it.
type Builder interface {
	BuildInitialize(ctx context.Context, owner, authority string, payer ed25519.PrivateKey) (*chainvault.SignedTx, error)
	BuildDeposit(ctx context.Context, vaultAddress string, amount int64, payer ed25519.PrivateKey) (*chainvault.SignedTx, error)
	BuildWithdraw(ctx context.Context, vaultAddress string, amount int64, authority ed25519.PrivateKey) (*chainvault.SignedTx, error)
	BuildLock(ctx context.Context, vaultAddress string, amount int64, authority ed25519.PrivateKey) (*chainvault.SignedTx, error)
	BuildUnlock(ctx context.Context, vaultAddress string, amount int64, authority ed25519.PrivateKey) (*chainvault.SignedTx, error)
	BuildTransfer(ctx context.Context, sourceVaultAddress, destVaultAddress string, amount int64, authority ed25519.PrivateKey) (*chainvault.SignedTx, error)
}

// Submitter is the narrow surface the coordinator needs from the chain
// client; satisfied by *chainclient.Client.
type Submitter interface {
	Submit(ctx context.Context, signedPayload []byte, commitment chainclient.Commitment, pollInterval time.Duration) (*chainclient.SubmitResult, error)
}

// Coordinator orchestrates chain submission and ledger updates for each operation.
type Coordinator struct {
	store     ledger.Store
	vaults    *vaultmgr.Manager
	txns      *txmanager.Manager
	tracker   *balancetracker.Tracker
	builder   Builder
	submitter Submitter
	keys      Keys
	cfg       Config
	pending   *pendingSet
	log       *logging.Logger
}

func New(store ledger.Store, vaults *vaultmgr.Manager, txns *txmanager.Manager, tracker *balancetracker.Tracker, builder Builder, submitter Submitter, keys Keys, cfg Config, log *logging.Logger) *Coordinator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.SubmitCommitment == "" {
		cfg.SubmitCommitment = chainclient.CommitmentConfirmed
	}
	return &Coordinator{
		store: store, vaults: vaults, txns: txns, tracker: tracker, builder: builder, submitter: submitter,
		keys: keys, cfg: cfg, pending: newPendingSet(cfg.PendingOperationTTL), log: log.Component("coordinator"),
	}
}

// invalidate drops vaultID's cached balance, if a tracker was supplied.
func (c *Coordinator) invalidate(ctx context.Context, vaultID string) {
	if c.tracker != nil {
		c.tracker.Invalidate(ctx, vaultID)
	}
}

// PendingCount reports the current size of the in-memory pending set, for
// the monitor's health loop.
func (c *Coordinator) PendingCount() int { return c.pending.Len() }

// CreateVault derives the owner's vault and token PDAs, submits the
// initialize instruction, and persists the new vault row. It is not a
// balance-moving operation so it bypasses the pending-operation dedup set
// that guards Deposit/Withdraw/Lock/Unlock/Transfer; the ledger's unique
// constraint on (owner WHERE is_active) is the actual anti-duplicate
// guard here.
func (c *Coordinator) CreateVault(ctx context.Context, owner string) (*ledger.Vault, error) {
	if owner == "" {
		return nil, apperr.New(apperr.KindValidation, "owner must not be empty")
	}

	authorityAddr := chainvault.EncodeAddress(c.keys.Authority.Public().(ed25519.PublicKey))

	tx, err := c.builder.BuildInitialize(ctx, owner, authorityAddr, c.keys.Payer)
	if err != nil {
		return nil, err
	}

	if _, err := c.submitWithRetry(ctx, tx); err != nil {
		return nil, err
	}

	v, err := c.store.CreateVault(ctx, owner, tx.VaultAddress, tx.TokenAccount, tx.Bump, authorityAddr)
	if err != nil {
		return nil, err
	}
	c.log.WithVault(v.ID).Infof("vault created for owner %s", owner)
	return v, nil
}

// buildFunc constructs a signed transaction given the vault about to be
// mutated; distinct per operation kind.
type buildFunc func(ctx context.Context, v *ledger.Vault) (*chainvault.SignedTx, error)

// singleVaultOp runs the common pre-check -> begin -> build -> submit ->
// apply sequence for deposit/withdraw/lock/unlock. Transfer has its own
// two-vault sequence below. signedAmount is the value recorded on the
// transaction record (positive inflow, negative outflow).
func (c *Coordinator) singleVaultOp(ctx context.Context, operationID, vaultID string, kind ledger.TransactionKind, delta vaultmgr.Delta, signedAmount int64, idempotencyKey *string, build buildFunc) (*ledger.TransactionRecord, *ledger.Vault, error) {
	if !c.pending.Try(PendingOp{OperationID: operationID, Kind: string(kind), VaultID: vaultID, Amount: signedAmount}) {
		return nil, nil, apperr.New(apperr.KindConcurrentConflict, "operation already in flight")
	}
	defer c.pending.Remove(operationID)

	v, err := c.store.GetVaultByID(ctx, vaultID)
	if err != nil {
		return nil, nil, err
	}
	if err := c.vaults.PrecheckDelta(v, delta); err != nil {
		return nil, nil, err
	}

	rec, err := c.txns.Begin(ctx, vaultID, kind, signedAmount, operationID, idempotencyKey)
	if err != nil {
		return nil, nil, err
	}
	if rec.Status.Terminal() {
		// Idempotent replay of an already-resolved operation: return the
		// existing record and current vault state without touching the
		// chain again.
		return rec, v, nil
	}

	tx, err := build(ctx, v)
	if err != nil {
		reason := err.Error()
		c.txns.MarkOutcome(ctx, rec.ID, ledger.StatusFailed, &reason, nil)
		return nil, nil, err
	}

	sig, submitErr := c.submitWithRetry(ctx, tx)
	if submitErr != nil {
		reason := submitErr.Error()
		c.txns.MarkOutcome(ctx, rec.ID, ledger.StatusFailed, &reason, nil)
		return nil, nil, submitErr
	}

	if _, err := c.txns.MarkSubmitted(ctx, rec.ID, sig); err != nil {
		return nil, nil, err
	}

	auditDetails := map[string]any{"kind": kind, "operation_id": operationID}
	updatedTxn, updatedVault, err := c.vaults.ApplyDeltaForTransaction(ctx, rec.ID, v, delta, ledger.StatusConfirmed, auditDetails)
	if err != nil {
		// The signature is durable on the transaction record; reconciliation
		// (the monitor's stale/confirmed-signature repair pass) will
		// reapply the delta if the process crashes before this returns.
		return nil, nil, err
	}
	c.invalidate(ctx, vaultID)
	c.log.WithVault(vaultID).WithOperation(operationID).Infof("%s applied", kind)
	return updatedTxn, updatedVault, nil
}

func validatePositiveAmount(amount int64) error {
	if amount <= 0 {
		return apperr.New(apperr.KindValidation, "amount must be > 0")
	}
	return nil
}

// Deposit moves amount from off-chain into the vault's total and available
// balances.
func (c *Coordinator) Deposit(ctx context.Context, operationID, vaultID string, amount int64, idempotencyKey *string) (*ledger.TransactionRecord, *ledger.Vault, error) {
	if err := validatePositiveAmount(amount); err != nil {
		return nil, nil, err
	}
	return c.singleVaultOp(ctx, operationID, vaultID, ledger.KindDeposit, vaultmgr.Deposit(amount), amount, idempotencyKey,
		func(ctx context.Context, v *ledger.Vault) (*chainvault.SignedTx, error) {
			return c.builder.BuildDeposit(ctx, v.OnChainAddress, amount, c.keys.Payer)
		})
}

// Withdraw moves amount out of the vault's total and available balances.
func (c *Coordinator) Withdraw(ctx context.Context, operationID, vaultID string, amount int64, idempotencyKey *string) (*ledger.TransactionRecord, *ledger.Vault, error) {
	if err := validatePositiveAmount(amount); err != nil {
		return nil, nil, err
	}
	return c.singleVaultOp(ctx, operationID, vaultID, ledger.KindWithdraw, vaultmgr.Withdraw(amount), -amount, idempotencyKey,
		func(ctx context.Context, v *ledger.Vault) (*chainvault.SignedTx, error) {
			return c.builder.BuildWithdraw(ctx, v.OnChainAddress, amount, c.keys.Authority)
		})
}

// Lock moves amount from available to locked.
func (c *Coordinator) Lock(ctx context.Context, operationID, vaultID string, amount int64, idempotencyKey *string) (*ledger.TransactionRecord, *ledger.Vault, error) {
	if err := validatePositiveAmount(amount); err != nil {
		return nil, nil, err
	}
	return c.singleVaultOp(ctx, operationID, vaultID, ledger.KindLock, vaultmgr.Lock(amount), amount, idempotencyKey,
		func(ctx context.Context, v *ledger.Vault) (*chainvault.SignedTx, error) {
			return c.builder.BuildLock(ctx, v.OnChainAddress, amount, c.keys.Authority)
		})
}

// Unlock moves amount from locked to available.
func (c *Coordinator) Unlock(ctx context.Context, operationID, vaultID string, amount int64, idempotencyKey *string) (*ledger.TransactionRecord, *ledger.Vault, error) {
	if err := validatePositiveAmount(amount); err != nil {
		return nil, nil, err
	}
	return c.singleVaultOp(ctx, operationID, vaultID, ledger.KindUnlock, vaultmgr.Unlock(amount), -amount, idempotencyKey,
		func(ctx context.Context, v *ledger.Vault) (*chainvault.SignedTx, error) {
			return c.builder.BuildUnlock(ctx, v.OnChainAddress, amount, c.keys.Authority)
		})
}

// Transfer moves amount of locked balance from sourceVaultID to
// destVaultID's available balance, in one store transaction spanning
// both vaults and both transaction records.
func (c *Coordinator) Transfer(ctx context.Context, operationID, sourceVaultID, destVaultID string, amount int64, idempotencyKey *string) (*ledger.TransferResult, error) {
	if !c.pending.Try(PendingOp{OperationID: operationID, Kind: "transfer", VaultID: sourceVaultID, Amount: amount}) {
		return nil, apperr.New(apperr.KindConcurrentConflict, "operation already in flight")
	}
	defer c.pending.Remove(operationID)

	if amount <= 0 {
		return nil, apperr.New(apperr.KindValidation, "amount must be > 0")
	}

	source, err := c.store.GetVaultByID(ctx, sourceVaultID)
	if err != nil {
		return nil, err
	}
	dest, err := c.store.GetVaultByID(ctx, destVaultID)
	if err != nil {
		return nil, err
	}
	if err := c.vaults.PrecheckDelta(source, vaultmgr.TransferOut(amount)); err != nil {
		return nil, err
	}
	if err := c.vaults.PrecheckDelta(dest, vaultmgr.TransferIn(amount)); err != nil {
		return nil, err
	}

	var sourceKey, destKey *string
	if idempotencyKey != nil {
		sourceOnly := *idempotencyKey + ":out"
		destOnly := *idempotencyKey + ":in"
		sourceKey, destKey = &sourceOnly, &destOnly
	}

	sourceTxn, err := c.txns.Begin(ctx, sourceVaultID, ledger.KindTransfer, -amount, operationID, sourceKey)
	if err != nil {
		return nil, err
	}
	destTxn, err := c.txns.Begin(ctx, destVaultID, ledger.KindTransfer, amount, operationID, destKey)
	if err != nil {
		return nil, err
	}
	if sourceTxn.Status.Terminal() && destTxn.Status.Terminal() {
		return &ledger.TransferResult{Source: source, Dest: dest, SourceTxn: sourceTxn, DestTxn: destTxn}, nil
	}

	tx, err := c.builder.BuildTransfer(ctx, source.OnChainAddress, dest.OnChainAddress, amount, c.keys.Authority)
	if err != nil {
		reason := err.Error()
		c.txns.MarkOutcome(ctx, sourceTxn.ID, ledger.StatusFailed, &reason, nil)
		c.txns.MarkOutcome(ctx, destTxn.ID, ledger.StatusFailed, &reason, nil)
		return nil, err
	}

	sig, err := c.submitWithRetry(ctx, tx)
	if err != nil {
		reason := err.Error()
		c.txns.MarkOutcome(ctx, sourceTxn.ID, ledger.StatusFailed, &reason, nil)
		c.txns.MarkOutcome(ctx, destTxn.ID, ledger.StatusFailed, &reason, nil)
		return nil, err
	}

	result, err := c.store.ApplyTransfer(ctx, ledger.TransferInput{
		OperationID: operationID, SourceVaultID: sourceVaultID, DestVaultID: destVaultID, Amount: amount,
		SourceTxnID: sourceTxn.ID, DestTxnID: destTxn.ID, Signature: &sig, NewStatus: ledger.StatusConfirmed,
		SourceAudit: ledger.AuditLogEntry{EventKind: ledger.EventBalanceUpdated, Owner: &source.Owner, VaultID: &source.ID, Details: map[string]any{"operation_id": operationID, "direction": "out", "amount": amount}},
		DestAudit:   ledger.AuditLogEntry{EventKind: ledger.EventBalanceUpdated, Owner: &dest.Owner, VaultID: &dest.ID, Details: map[string]any{"operation_id": operationID, "direction": "in", "amount": amount}},
	})
	if err != nil {
		return nil, err
	}
	c.invalidate(ctx, sourceVaultID)
	c.invalidate(ctx, destVaultID)
	c.log.WithOperation(operationID).Infof("transfer applied amount=%d source=%s dest=%s", amount, sourceVaultID, destVaultID)
	return result, nil
}

// submitWithRetry submits tx, retrying transient failures up to
// cfg.MaxRetries times with linear backoff. Deterministic failures
// (signature verification, insufficient on-chain balance, PDA mismatch,
// program custom errors) are returned immediately without retry.
func (c *Coordinator) submitWithRetry(ctx context.Context, tx *chainvault.SignedTx) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * c.cfg.RetryDelay):
			}
		}

		result, err := c.submitter.Submit(ctx, tx.Payload, c.cfg.SubmitCommitment, c.cfg.SubmitPollInterval)
		if err != nil {
			lastErr = err
			if apperr.Retryable(err) {
				continue
			}
			return "", err
		}
		if result.Status == chainclient.StatusFailed {
			return "", apperr.New(apperr.KindDeterministicChain, fmt.Sprintf("transaction failed on-chain: %s", result.Reason))
		}
		return result.Signature, nil
	}
	return "", apperr.Wrap(apperr.KindTransientNetwork, "submit exhausted retries", lastErr)
}

// RepairOrphan is invoked by the monitor when it finds a confirmed
// signature whose tracker died before the corresponding delta was
// applied — the pending-kind transaction record is the durable source of
// truth and the delta is reapplied now.
func (c *Coordinator) RepairOrphan(ctx context.Context, rec *ledger.TransactionRecord, delta vaultmgr.Delta) (*ledger.Vault, error) {
	v, err := c.store.GetVaultByID(ctx, rec.VaultID)
	if err != nil {
		return nil, err
	}
	_, updated, err := c.vaults.ApplyDeltaForTransaction(ctx, rec.ID, v, delta, ledger.StatusConfirmed, map[string]any{"repaired": true, "transaction_id": rec.ID})
	if err != nil {
		return nil, err
	}
	c.invalidate(ctx, rec.VaultID)
	return updated, nil
}
