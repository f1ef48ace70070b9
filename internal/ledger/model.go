// Package ledger defines the durable record types and the store
// interface every other component mutates them through.
package ledger

import (
	"time"
)

// TransactionKind is the operation kind a TransactionRecord represents.
type TransactionKind string

const (
	KindInitialize TransactionKind = "initialize"
	KindDeposit    TransactionKind = "deposit"
	KindWithdraw   TransactionKind = "withdraw"
	KindLock       TransactionKind = "lock"
	KindUnlock     TransactionKind = "unlock"
	KindTransfer   TransactionKind = "transfer"
)

// TransactionStatus is a point in the transaction lifecycle state machine.
// Transitions only advance: pending -> processing -> {confirmed,failed,reverted}.
type TransactionStatus string

const (
	StatusPending    TransactionStatus = "pending"
	StatusProcessing TransactionStatus = "processing"
	StatusConfirmed  TransactionStatus = "confirmed"
	StatusFailed     TransactionStatus = "failed"
	StatusReverted   TransactionStatus = "reverted"
)

// Terminal reports whether s is a terminal state.
func (s TransactionStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed || s == StatusReverted
}

// statusRank orders states for monotonicity checks.
var statusRank = map[TransactionStatus]int{
	StatusPending:    0,
	StatusProcessing: 1,
	StatusConfirmed:  2,
	StatusFailed:     2,
	StatusReverted:   2,
}

// CanAdvance reports whether a transition from 'from' to 'to' is a forward
// move in the state machine (never backward, never skipping to the same
// rank from a different terminal state).
func CanAdvance(from, to TransactionStatus) bool {
	if from == to {
		return false
	}
	if from.Terminal() {
		return false
	}
	return statusRank[to] > statusRank[from]
}

// Vault is the per-owner custodial account. Invariant: Total == Locked +
// Available, and all three are non-negative.
type Vault struct {
	ID               string
	Owner            string
	OnChainAddress   string
	TokenAccount     string
	Bump             uint8
	Authority        string
	Total            int64
	Locked           int64
	Available        int64
	IsActive         bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
	// Version supports compare-and-set updates; it is incremented on every
	// successful UpdateBalances call and is not exposed on the wire.
	Version int64
}

// ValidateInvariant reports whether Total == Locked + Available and all
// three fields are non-negative.
func (v *Vault) ValidateInvariant() bool {
	if v.Total < 0 || v.Locked < 0 || v.Available < 0 {
		return false
	}
	return v.Total == v.Locked+v.Available
}

// TransactionRecord is one record per application-initiated operation.
type TransactionRecord struct {
	ID              string
	VaultID         string
	Kind            TransactionKind
	Amount          int64 // signed: positive inflow, negative outflow
	Signature       *string
	Status          TransactionStatus
	ErrorMessage    *string
	IdempotencyKey  *string
	OperationID     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// BalanceSnapshot is an immutable append-only capture of a vault's three
// balances at a point in time.
type BalanceSnapshot struct {
	ID          string
	VaultID     string
	Total       int64
	Locked      int64
	Available   int64
	BlockHeight *int64
	SnapshotAt  time.Time
}

// ValidateInvariant mirrors Vault.ValidateInvariant for a snapshot row.
func (s *BalanceSnapshot) ValidateInvariant() bool {
	if s.Total < 0 || s.Locked < 0 || s.Available < 0 {
		return false
	}
	return s.Total == s.Locked+s.Available
}

// AuditLogEntry is an append-only, never-mutated audit trail row.
type AuditLogEntry struct {
	ID        string
	EventKind string
	Owner     *string
	VaultID   *string
	Details   map[string]any
	CreatedAt time.Time
}

// Audit event kind constants, matching the payload shapes the balance and
// transaction managers emit.
const (
	EventVaultCreated      = "vault_created"
	EventVaultDeactivated  = "vault_deactivated"
	EventBalanceUpdated    = "balance_updated"
	EventTransactionCreated = "transaction_created"
	EventTransactionStatus  = "transaction_status_changed"
)

// RateLimitBucket is the durable row backing the atomic token-bucket
// consumption stored function.
type RateLimitBucket struct {
	Key        string
	Tokens     float64
	Capacity   float64
	RefillRate float64 // tokens per second
	LastRefill time.Time
}

// SystemBalanceStats is the aggregate read model backing /system/stats.
type SystemBalanceStats struct {
	TotalValueLocked int64
	TotalLocked      int64
	TotalAvailable   int64
	VaultCount       int64
}
