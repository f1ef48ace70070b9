// Package ledgertest provides an in-memory ledger.Store for unit tests
// across the vault manager, transaction manager, balance tracker,
// coordinator, and monitor packages, implementing the full
// ledger.Store contract (CAS versioning, idempotency-key replay,
// monotonic status transitions) so behavioral tests exercise real
// invariant logic instead of a stub. It does not enforce signature
// uniqueness, and transfers need no lock ordering since one mutex guards
// every method.
package ledgertest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/collateralvault/vaultd/internal/apperr"
	"github.com/collateralvault/vaultd/internal/ledger"
)

// Store is an in-memory ledger.Store. All methods are guarded by a single
// mutex; it has no concurrency optimizations because it exists only for
// tests, which care about correctness, not throughput.
type Store struct {
	mu sync.Mutex

	vaults       map[string]*ledger.Vault
	transactions map[string]*ledger.TransactionRecord
	snapshots    []*ledger.BalanceSnapshot
	audits       []ledger.AuditLogEntry
	buckets      map[string]*ledger.RateLimitBucket

	// PingErr, when set, is returned by Ping — used to exercise the
	// monitor's health loop against a down store.
	PingErr error
}

var _ ledger.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		vaults:       make(map[string]*ledger.Vault),
		transactions: make(map[string]*ledger.TransactionRecord),
		buckets:      make(map[string]*ledger.RateLimitBucket),
	}
}

func clone(v *ledger.Vault) *ledger.Vault {
	c := *v
	return &c
}

func cloneTxn(t *ledger.TransactionRecord) *ledger.TransactionRecord {
	c := *t
	return &c
}

func (s *Store) Ping(ctx context.Context) error { return s.PingErr }

func (s *Store) CreateVault(ctx context.Context, owner, onChainAddr, tokenAddr string, bump uint8, authority string) (*ledger.Vault, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, v := range s.vaults {
		if v.Owner == owner && v.IsActive {
			return nil, apperr.New(apperr.KindAlreadyExists, "active vault already exists for owner")
		}
	}

	now := time.Now().UTC()
	v := &ledger.Vault{
		ID: uuid.NewString(), Owner: owner, OnChainAddress: onChainAddr, TokenAccount: tokenAddr,
		Bump: bump, Authority: authority, IsActive: true, CreatedAt: now, UpdatedAt: now, Version: 1,
	}
	s.vaults[v.ID] = v
	s.appendAuditLocked(ledger.AuditLogEntry{ID: uuid.NewString(), EventKind: ledger.EventVaultCreated, Owner: &v.Owner, VaultID: &v.ID, CreatedAt: now})
	return clone(v), nil
}

func (s *Store) GetVaultByID(ctx context.Context, id string) (*ledger.Vault, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vaults[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "vault not found")
	}
	return clone(v), nil
}

func (s *Store) GetVaultByOwner(ctx context.Context, owner string) (*ledger.Vault, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.vaults {
		if v.Owner == owner && v.IsActive {
			return clone(v), nil
		}
	}
	return nil, apperr.New(apperr.KindNotFound, "vault not found")
}

func (s *Store) GetVaultByOnChainAddr(ctx context.Context, addr string) (*ledger.Vault, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.vaults {
		if v.OnChainAddress == addr {
			return clone(v), nil
		}
	}
	return nil, apperr.New(apperr.KindNotFound, "vault not found")
}

func (s *Store) DeactivateVault(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vaults[id]
	if !ok {
		return nil
	}
	v.IsActive = false
	v.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) ListActiveVaults(ctx context.Context, limit, offset int) ([]*ledger.Vault, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ledger.Vault
	for _, v := range s.vaults {
		if v.IsActive {
			out = append(out, clone(v))
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(out) {
		end = len(out)
	}
	return out[offset:end], nil
}

func (s *Store) UpdateBalances(ctx context.Context, vaultID string, total, locked, available int64, expectedVersion int64, audit ledger.AuditLogEntry) (*ledger.Vault, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if total != locked+available || total < 0 || locked < 0 || available < 0 {
		return nil, apperr.New(apperr.KindInvariantViolation, "invariant violated")
	}
	v, ok := s.vaults[vaultID]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "vault not found")
	}
	if v.Version != expectedVersion {
		return nil, apperr.New(apperr.KindConcurrentConflict, "version mismatch")
	}
	v.Total, v.Locked, v.Available = total, locked, available
	v.Version++
	v.UpdatedAt = time.Now().UTC()
	s.appendAuditLocked(audit)
	return clone(v), nil
}

func (s *Store) ApplyTransfer(ctx context.Context, in ledger.TransferInput) (*ledger.TransferResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	source, ok := s.vaults[in.SourceVaultID]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "source vault not found")
	}
	dest, ok := s.vaults[in.DestVaultID]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "dest vault not found")
	}
	if source.Locked < in.Amount {
		return nil, apperr.New(apperr.KindInsufficientLocked, "insufficient locked balance")
	}

	source.Total -= in.Amount
	source.Locked -= in.Amount
	source.Version++
	source.UpdatedAt = time.Now().UTC()

	dest.Total += in.Amount
	dest.Available += in.Amount
	dest.Version++
	dest.UpdatedAt = time.Now().UTC()

	s.appendAuditLocked(in.SourceAudit)
	s.appendAuditLocked(in.DestAudit)

	sourceTxn, err := s.updateTxnStatusLocked(in.SourceTxnID, in.NewStatus, in.Signature, nil)
	if err != nil {
		return nil, err
	}
	// The signature goes on the source record only, as in the Postgres store.
	destTxn, err := s.updateTxnStatusLocked(in.DestTxnID, in.NewStatus, nil, nil)
	if err != nil {
		return nil, err
	}

	return &ledger.TransferResult{Source: clone(source), Dest: clone(dest), SourceTxn: sourceTxn, DestTxn: destTxn}, nil
}

func (s *Store) CreateTransaction(ctx context.Context, t *ledger.TransactionRecord) (*ledger.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.IdempotencyKey != nil {
		for _, existing := range s.transactions {
			if existing.IdempotencyKey != nil && *existing.IdempotencyKey == *t.IdempotencyKey {
				return cloneTxn(existing), nil
			}
		}
	}

	now := time.Now().UTC()
	rec := cloneTxn(t)
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.Status = ledger.StatusPending
	rec.CreatedAt, rec.UpdatedAt = now, now
	s.transactions[rec.ID] = rec
	s.appendAuditLocked(ledger.AuditLogEntry{ID: uuid.NewString(), EventKind: ledger.EventTransactionCreated, VaultID: &rec.VaultID, CreatedAt: now})
	return cloneTxn(rec), nil
}

func (s *Store) GetTransactionByID(ctx context.Context, id string) (*ledger.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transactions[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "transaction not found")
	}
	return cloneTxn(t), nil
}

func (s *Store) GetTransactionByIdempotencyKey(ctx context.Context, key string) (*ledger.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.transactions {
		if t.IdempotencyKey != nil && *t.IdempotencyKey == key {
			return cloneTxn(t), nil
		}
	}
	return nil, apperr.New(apperr.KindNotFound, "transaction not found")
}

func (s *Store) GetTransactionBySignature(ctx context.Context, sig string) (*ledger.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.transactions {
		if t.Signature != nil && *t.Signature == sig {
			return cloneTxn(t), nil
		}
	}
	return nil, apperr.New(apperr.KindNotFound, "transaction not found")
}

func (s *Store) ListPendingTransactions(ctx context.Context, limit int) ([]*ledger.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ledger.TransactionRecord
	for _, t := range s.transactions {
		if t.Status == ledger.StatusPending {
			out = append(out, cloneTxn(t))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Store) ListInFlightTransactions(ctx context.Context, limit int) ([]*ledger.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ledger.TransactionRecord
	for _, t := range s.transactions {
		if t.Status == ledger.StatusPending || t.Status == ledger.StatusProcessing {
			out = append(out, cloneTxn(t))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Store) ListVaultTransactions(ctx context.Context, vaultID string, limit int) ([]*ledger.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ledger.TransactionRecord
	for _, t := range s.transactions {
		if t.VaultID == vaultID {
			out = append(out, cloneTxn(t))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// updateTxnStatusLocked must be called with s.mu held.
func (s *Store) updateTxnStatusLocked(id string, newStatus ledger.TransactionStatus, sig, errMsg *string) (*ledger.TransactionRecord, error) {
	t, ok := s.transactions[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "transaction not found")
	}
	if !ledger.CanAdvance(t.Status, newStatus) {
		return nil, apperr.New(apperr.KindValidation, "illegal status transition")
	}
	if sig != nil {
		t.Signature = sig
	}
	t.Status = newStatus
	t.ErrorMessage = errMsg
	t.UpdatedAt = time.Now().UTC()
	return cloneTxn(t), nil
}

func (s *Store) UpdateTransactionStatus(ctx context.Context, in ledger.UpdateTransactionStatusInput) (*ledger.TransactionRecord, *ledger.Vault, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.updateTxnStatusLocked(in.TransactionID, in.NewStatus, in.Signature, in.ErrorMessage)
	if err != nil {
		return nil, nil, err
	}

	var v *ledger.Vault
	if in.ApplyDelta != nil {
		vault, ok := s.vaults[t.VaultID]
		if !ok {
			return nil, nil, apperr.New(apperr.KindNotFound, "vault not found")
		}
		newTotal := vault.Total + in.ApplyDelta.DeltaTotal
		newLocked := vault.Locked + in.ApplyDelta.DeltaLocked
		newAvail := vault.Available + in.ApplyDelta.DeltaAvailable
		if newTotal != newLocked+newAvail || newTotal < 0 || newLocked < 0 || newAvail < 0 {
			return nil, nil, apperr.New(apperr.KindInvariantViolation, "delta would break invariant")
		}
		if vault.Version != in.ApplyDelta.ExpectedVersion {
			return nil, nil, apperr.New(apperr.KindConcurrentConflict, "version mismatch")
		}
		vault.Total, vault.Locked, vault.Available = newTotal, newLocked, newAvail
		vault.Version++
		vault.UpdatedAt = time.Now().UTC()
		s.appendAuditLocked(in.ApplyDelta.Audit)
		v = clone(vault)
	}
	return t, v, nil
}

func (s *Store) CleanupStaleTransactions(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.transactions {
		if t.Status == ledger.StatusPending && t.CreatedAt.Before(cutoff) {
			t.Status = ledger.StatusFailed
			reason := "expired"
			t.ErrorMessage = &reason
			t.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

func (s *Store) CreateSnapshot(ctx context.Context, snap *ledger.BalanceSnapshot) (*ledger.BalanceSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !snap.ValidateInvariant() {
		return nil, apperr.New(apperr.KindInvariantViolation, "snapshot invariant violated")
	}
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if snap.SnapshotAt.IsZero() {
		snap.SnapshotAt = time.Now().UTC()
	}
	s.snapshots = append(s.snapshots, snap)
	return snap, nil
}

func (s *Store) ListSnapshots(ctx context.Context, vaultID string, limit int) ([]*ledger.BalanceSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ledger.BalanceSnapshot
	for i := len(s.snapshots) - 1; i >= 0; i-- {
		if s.snapshots[i].VaultID == vaultID {
			out = append(out, s.snapshots[i])
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Store) AppendAudit(ctx context.Context, e ledger.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendAuditLocked(e)
	return nil
}

// appendAuditLocked must be called with s.mu held.
func (s *Store) appendAuditLocked(e ledger.AuditLogEntry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.audits = append(s.audits, e)
}

// Audits exposes the recorded audit trail for assertions, e.g. that the
// sum of balance_updated deltas equals the net change.
func (s *Store) Audits() []ledger.AuditLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.AuditLogEntry, len(s.audits))
	copy(out, s.audits)
	return out
}

func (s *Store) GetSystemStats(ctx context.Context) (*ledger.SystemBalanceStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &ledger.SystemBalanceStats{}
	for _, v := range s.vaults {
		if !v.IsActive {
			continue
		}
		stats.TotalValueLocked += v.Total
		stats.TotalLocked += v.Locked
		stats.TotalAvailable += v.Available
		stats.VaultCount++
	}
	return stats, nil
}

func (s *Store) CriticalIssueCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range s.vaults {
		if !v.ValidateInvariant() {
			n++
		}
	}
	return n, nil
}

func (s *Store) ConsumeRateLimitToken(ctx context.Context, key string, cost, capacity, refillRate float64) (bool, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	b, ok := s.buckets[key]
	if !ok {
		b = &ledger.RateLimitBucket{Key: key, Tokens: capacity, Capacity: capacity, RefillRate: refillRate, LastRefill: now}
		s.buckets[key] = b
	}

	elapsed := now.Sub(b.LastRefill).Seconds()
	tokens := b.Tokens + elapsed*b.RefillRate
	if tokens > capacity {
		tokens = capacity
	}

	allowed := tokens >= cost
	if allowed {
		tokens -= cost
	}
	b.Tokens = tokens
	b.LastRefill = now
	return allowed, tokens, nil
}
