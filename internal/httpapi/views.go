package httpapi

import (
	"time"

	"github.com/collateralvault/vaultd/internal/balancetracker"
	"github.com/collateralvault/vaultd/internal/ledger"
	"github.com/collateralvault/vaultd/internal/monitor"
	"github.com/collateralvault/vaultd/internal/ratelimit"
)

// VaultView is the wire shape for a vault, separate from ledger.Vault so
// internal fields (Version, Bump) never leak onto the wire.
type VaultView struct {
	ID             string    `json:"id"`
	Owner          string    `json:"owner"`
	OnChainAddress string    `json:"on_chain_address"`
	TokenAccount   string    `json:"token_account"`
	Authority      string    `json:"authority"`
	Total          int64     `json:"total"`
	Locked         int64     `json:"locked"`
	Available      int64     `json:"available"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func newVaultView(v *ledger.Vault) VaultView {
	return VaultView{
		ID:             v.ID,
		Owner:          v.Owner,
		OnChainAddress: v.OnChainAddress,
		TokenAccount:   v.TokenAccount,
		Authority:      v.Authority,
		Total:          v.Total,
		Locked:         v.Locked,
		Available:      v.Available,
		IsActive:       v.IsActive,
		CreatedAt:      v.CreatedAt,
		UpdatedAt:      v.UpdatedAt,
	}
}

// TransactionView is the wire shape for a transaction record.
type TransactionView struct {
	ID           string    `json:"id"`
	VaultID      string    `json:"vault_id"`
	Kind         string    `json:"kind"`
	Amount       int64     `json:"amount"`
	Signature    *string   `json:"signature,omitempty"`
	Status       string    `json:"status"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	OperationID  string    `json:"operation_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func newTransactionView(t *ledger.TransactionRecord) TransactionView {
	return TransactionView{
		ID:           t.ID,
		VaultID:      t.VaultID,
		Kind:         string(t.Kind),
		Amount:       t.Amount,
		Signature:    t.Signature,
		Status:       string(t.Status),
		ErrorMessage: t.ErrorMessage,
		OperationID:  t.OperationID,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
}

// TransferView bundles both legs of a transfer, mirroring
// ledger.TransferResult.
type TransferView struct {
	Source    VaultView       `json:"source"`
	Dest      VaultView       `json:"dest"`
	SourceTxn TransactionView `json:"source_transaction"`
	DestTxn   TransactionView `json:"dest_transaction"`
}

func newTransferView(r *ledger.TransferResult) TransferView {
	return TransferView{
		Source:    newVaultView(r.Source),
		Dest:      newVaultView(r.Dest),
		SourceTxn: newTransactionView(r.SourceTxn),
		DestTxn:   newTransactionView(r.DestTxn),
	}
}

// SnapshotView is the wire shape for a balance snapshot.
type SnapshotView struct {
	ID          string    `json:"id"`
	VaultID     string    `json:"vault_id"`
	Total       int64     `json:"total"`
	Locked      int64     `json:"locked"`
	Available   int64     `json:"available"`
	BlockHeight *int64    `json:"block_height,omitempty"`
	SnapshotAt  time.Time `json:"snapshot_at"`
}

func newSnapshotView(s *ledger.BalanceSnapshot) SnapshotView {
	return SnapshotView{
		ID:          s.ID,
		VaultID:     s.VaultID,
		Total:       s.Total,
		Locked:      s.Locked,
		Available:   s.Available,
		BlockHeight: s.BlockHeight,
		SnapshotAt:  s.SnapshotAt,
	}
}

// ReconcileView is the wire shape for one reconciliation report.
type ReconcileView struct {
	VaultID       string                       `json:"vault_id"`
	IsConsistent  bool                         `json:"is_consistent"`
	Severity      string                       `json:"severity"`
	Discrepancies []balancetracker.Discrepancy `json:"discrepancies,omitempty"`
	CheckedAt     time.Time                    `json:"checked_at"`
}

func newReconcileView(r *balancetracker.ReconcileReport) ReconcileView {
	return ReconcileView{
		VaultID:       r.VaultID,
		IsConsistent:  r.IsConsistent,
		Severity:      string(r.Severity),
		Discrepancies: r.Discrepancies,
		CheckedAt:     r.CheckedAt,
	}
}

// SystemStatsView merges the ledger's balance aggregate with the
// monitor's own pass counters, per SPEC_FULL's supplemented
// system-wide stats feature.
type SystemStatsView struct {
	TotalValueLocked    int64 `json:"total_value_locked"`
	TotalLocked         int64 `json:"total_locked"`
	TotalAvailable      int64 `json:"total_available"`
	VaultCount          int64 `json:"vault_count"`
	ReconciliationPasses int  `json:"reconciliation_passes"`
	SnapshotPasses       int  `json:"snapshot_passes"`
	StaleExpiredTotal     int `json:"stale_expired_total"`
}

func newSystemStatsView(s monitor.Stats) SystemStatsView {
	return SystemStatsView{
		TotalValueLocked:     s.Balances.TotalValueLocked,
		TotalLocked:          s.Balances.TotalLocked,
		TotalAvailable:       s.Balances.TotalAvailable,
		VaultCount:           s.Balances.VaultCount,
		ReconciliationPasses: s.ReconciliationPasses,
		SnapshotPasses:       s.SnapshotPasses,
		StaleExpiredTotal:    s.StaleExpiredTotal,
	}
}

// HealthView is the wire shape for /health, rendered from monitor.Health
// and supplemented from original_source's HealthCheck aggregate.
type HealthView struct {
	Healthy             bool      `json:"healthy"`
	LastCheckedAt       time.Time `json:"last_checked_at"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CriticalIssueCount  int       `json:"critical_issue_count"`
	PendingOperations   int       `json:"pending_operations"`
	StoreReachable      bool      `json:"store_reachable"`
	ChainReachable      bool      `json:"chain_reachable"`
}

func newHealthView(h monitor.Health) HealthView {
	return HealthView{
		Healthy:             h.Healthy,
		LastCheckedAt:       h.LastCheckedAt,
		LastError:           h.LastError,
		ConsecutiveFailures: h.ConsecutiveFailures,
		CriticalIssueCount:  h.CriticalIssueCount,
		PendingOperations:   h.PendingOperations,
		StoreReachable:      h.StoreReachable,
		ChainReachable:      h.ChainReachable,
	}
}

// RateLimitView mirrors original_source's RateLimitResult shape verbatim
// (allowed, remaining_tokens, reset_at).
type RateLimitView struct {
	Allowed        bool      `json:"allowed"`
	RemainingTokens float64  `json:"remaining_tokens"`
	ResetAt        time.Time `json:"reset_at,omitempty"`
}

func newRateLimitView(r ratelimit.Result) RateLimitView {
	return RateLimitView{Allowed: r.Allowed, RemainingTokens: r.Remaining, ResetAt: r.ResetAt}
}
