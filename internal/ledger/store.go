package ledger

import (
	"context"
	"time"
)

// Store is the durable record store. Implementations must provide
// strict serializability per vault id; UpdateBalances must use an atomic
// conditional write keyed on Version to prevent lost updates.
type Store interface {
	CreateVault(ctx context.Context, owner, onChainAddr, tokenAddr string, bump uint8, authority string) (*Vault, error)
	GetVaultByID(ctx context.Context, id string) (*Vault, error)
	GetVaultByOwner(ctx context.Context, owner string) (*Vault, error)
	GetVaultByOnChainAddr(ctx context.Context, addr string) (*Vault, error)
	DeactivateVault(ctx context.Context, id string) error
	ListActiveVaults(ctx context.Context, limit, offset int) ([]*Vault, error)

	// UpdateBalances performs the compare-and-set balance write plus the
	// accompanying audit entry in one serializable transaction. Callers
	// (Vault Manager) supply the fully computed new values and the
	// audit payload; the store does not compute deltas.
	UpdateBalances(ctx context.Context, vaultID string, total, locked, available int64, expectedVersion int64, audit AuditLogEntry) (*Vault, error)

	// ApplyTransfer moves Amount out of the source vault's total and locked
	// balances into the dest vault's total and available balances, plus one
	// transaction-status update each, in a single serializable transaction,
	// locking vault rows in ascending id order. Used by transfer.
	ApplyTransfer(ctx context.Context, in TransferInput) (*TransferResult, error)

	CreateTransaction(ctx context.Context, t *TransactionRecord) (*TransactionRecord, error)
	GetTransactionByID(ctx context.Context, id string) (*TransactionRecord, error)
	GetTransactionByIdempotencyKey(ctx context.Context, key string) (*TransactionRecord, error)
	GetTransactionBySignature(ctx context.Context, sig string) (*TransactionRecord, error)
	ListPendingTransactions(ctx context.Context, limit int) ([]*TransactionRecord, error)
	// ListInFlightTransactions returns records in pending or processing
	// status — anything not yet terminal — for the monitor's orphan-repair
	// scan, which must also catch records already marked submitted.
	ListInFlightTransactions(ctx context.Context, limit int) ([]*TransactionRecord, error)
	ListVaultTransactions(ctx context.Context, vaultID string, limit int) ([]*TransactionRecord, error)

	// UpdateTransactionStatus performs the status transition, writes the
	// new signature/error if provided, and applies a balance delta to the
	// owning vault in one serializable transaction when applyDelta is
	// non-nil. This is the single atomic path the coordinator uses to
	// avoid updating a transaction's status and a vault's balance in two
	// separate round trips.
	UpdateTransactionStatus(ctx context.Context, in UpdateTransactionStatusInput) (*TransactionRecord, *Vault, error)

	CleanupStaleTransactions(ctx context.Context, cutoff time.Time) (int, error)

	CreateSnapshot(ctx context.Context, s *BalanceSnapshot) (*BalanceSnapshot, error)
	ListSnapshots(ctx context.Context, vaultID string, limit int) ([]*BalanceSnapshot, error)

	AppendAudit(ctx context.Context, e AuditLogEntry) error

	GetSystemStats(ctx context.Context) (*SystemBalanceStats, error)
	CriticalIssueCount(ctx context.Context) (int, error)

	// ConsumeRateLimitToken atomically consumes cost tokens from key's
	// bucket, creating it lazily with the given capacity/refillRate on
	// first use. The read, refill, consume and write are atomic per key, so
	// two concurrent calls cannot both consume the last token.
	ConsumeRateLimitToken(ctx context.Context, key string, cost, capacity, refillRate float64) (allowed bool, remaining float64, err error)

	Ping(ctx context.Context) error
}

// TransferInput describes a single-operation, two-vault transfer.
type TransferInput struct {
	OperationID      string
	SourceVaultID    string
	DestVaultID      string
	Amount           int64
	SourceAudit      AuditLogEntry
	DestAudit        AuditLogEntry
	SourceTxnID      string
	DestTxnID        string
	Signature        *string
	NewStatus        TransactionStatus
}

// TransferResult carries both vaults' post-transfer state.
type TransferResult struct {
	Source     *Vault
	Dest       *Vault
	SourceTxn  *TransactionRecord
	DestTxn    *TransactionRecord
}

// UpdateTransactionStatusInput bundles a status transition with an
// optional, atomically-applied balance delta on the owning vault.
type UpdateTransactionStatusInput struct {
	TransactionID string
	NewStatus     TransactionStatus
	Signature     *string
	ErrorMessage  *string

	// ApplyDelta, when non-nil, is applied to the owning vault's balances
	// in the same transaction as the status update.
	ApplyDelta *BalanceDelta
}

// BalanceDelta is the three-field delta Vault Manager computes and the
// store applies atomically alongside a transaction-status write.
type BalanceDelta struct {
	DeltaTotal     int64
	DeltaLocked    int64
	DeltaAvailable int64
	ExpectedVersion int64
	Audit           AuditLogEntry
}
