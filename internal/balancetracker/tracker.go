// Package balancetracker implements the read-through cache and
// reconciliation engine.
package balancetracker

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/collateralvault/vaultd/internal/ledger"
	"github.com/collateralvault/vaultd/internal/logging"
)

// Severity classifies a reconciliation discrepancy.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Discrepancy describes one field-level mismatch found during
// reconciliation.
type Discrepancy struct {
	Field    string
	Cached   int64
	Ledger   int64
	Severity Severity
}

// ReconcileReport is the result of reconciling one vault.
type ReconcileReport struct {
	VaultID       string
	IsConsistent  bool
	Discrepancies []Discrepancy
	Severity      Severity
	CheckedAt     time.Time
}

// Tracker is the balance tracker, serving cached reads backed by the ledger store.
type Tracker struct {
	store            ledger.Store
	cache            cache
	freshnessWindow  time.Duration
	log              *logging.Logger
}

// Config configures which cache backend the tracker uses.
type Config struct {
	RedisAddr       string
	LocalCacheSize  int
	FreshnessWindow time.Duration
}

func New(store ledger.Store, cfg Config, log *logging.Logger) *Tracker {
	var c cache
	if cfg.RedisAddr != "" {
		c = newRedisCache(cfg.RedisAddr, cfg.FreshnessWindow*2)
	} else {
		size := cfg.LocalCacheSize
		if size <= 0 {
			size = 4096
		}
		c = newLocalCache(size)
	}
	window := cfg.FreshnessWindow
	if window <= 0 {
		window = 5 * time.Second
	}
	return &Tracker{store: store, cache: c, freshnessWindow: window, log: log.Component("balancetracker")}
}

// GetBalances returns the cached balance if fresh, otherwise fetches from
// the ledger, installs it in the cache, and returns it.
func (t *Tracker) GetBalances(ctx context.Context, vaultID string) (CachedBalance, error) {
	now := time.Now().UTC()
	if cb, ok := t.cache.Get(ctx, vaultID); ok && cb.Fresh(now, t.freshnessWindow) {
		return cb, nil
	}

	v, err := t.store.GetVaultByID(ctx, vaultID)
	if err != nil {
		return CachedBalance{}, err
	}
	cb := CachedBalance{Total: v.Total, Locked: v.Locked, Available: v.Available, UpdatedAt: now}
	t.cache.Set(ctx, vaultID, cb)
	return cb, nil
}

// Invalidate drops the cache entry for vaultID; called by the coordinator
// after every confirmed balance write so a later read can't serve a stale
// entry for the remainder of the freshness window.
func (t *Tracker) Invalidate(ctx context.Context, vaultID string) {
	t.cache.Invalidate(ctx, vaultID)
}

// Snapshot fetches current balances and appends a snapshot row. blockHeight
// is optional; monitor's snapshot loop fetches it once per pass and passes
// the same value to every vault snapshotted in that pass.
func (t *Tracker) Snapshot(ctx context.Context, vaultID string, blockHeight *int64) (*ledger.BalanceSnapshot, error) {
	v, err := t.store.GetVaultByID(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	snap := &ledger.BalanceSnapshot{
		VaultID:     v.ID,
		Total:       v.Total,
		Locked:      v.Locked,
		Available:   v.Available,
		BlockHeight: blockHeight,
		SnapshotAt:  time.Now().UTC(),
	}
	return t.store.CreateSnapshot(ctx, snap)
}

// Reconcile compares the authoritative ledger row against the cached
// values for vaultID and classifies any discrepancy. It never repairs
// ledger data from the cache.
func (t *Tracker) Reconcile(ctx context.Context, vaultID string) (*ReconcileReport, error) {
	now := time.Now().UTC()
	v, err := t.store.GetVaultByID(ctx, vaultID)
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{VaultID: vaultID, IsConsistent: true, Severity: SeverityNone, CheckedAt: now}

	if !v.ValidateInvariant() {
		report.IsConsistent = false
		report.Severity = SeverityCritical
		report.Discrepancies = append(report.Discrepancies, Discrepancy{
			Field: "invariant", Cached: 0, Ledger: 0, Severity: SeverityCritical,
		})
		return report, nil
	}

	cached, ok := t.cache.Get(ctx, vaultID)
	if !ok {
		return report, nil
	}

	addMismatch := func(field string, cachedVal, ledgerVal int64) {
		if cachedVal != ledgerVal {
			report.IsConsistent = false
			d := Discrepancy{Field: field, Cached: cachedVal, Ledger: ledgerVal, Severity: SeverityHigh}
			report.Discrepancies = append(report.Discrepancies, d)
			report.Severity = maxSeverity(report.Severity, SeverityHigh)
		}
	}
	addMismatch("total", cached.Total, v.Total)
	addMismatch("locked", cached.Locked, v.Locked)
	addMismatch("available", cached.Available, v.Available)

	if !cached.Fresh(now, t.freshnessWindow) {
		report.IsConsistent = false
		report.Discrepancies = append(report.Discrepancies, Discrepancy{Field: "staleness", Severity: SeverityMedium})
		report.Severity = maxSeverity(report.Severity, SeverityMedium)
	}

	return report, nil
}

// ReconcileBatch reconciles a page of vault ids, aggregating per-vault
// errors with multierror rather than aborting the whole pass on one
// failure.
func (t *Tracker) ReconcileBatch(ctx context.Context, vaultIDs []string) ([]*ReconcileReport, error) {
	var reports []*ReconcileReport
	var errs *multierror.Error
	for _, id := range vaultIDs {
		r, err := t.Reconcile(ctx, id)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("vault %s: %w", id, err))
			continue
		}
		reports = append(reports, r)
	}
	return reports, errs.ErrorOrNil()
}

func maxSeverity(a, b Severity) Severity {
	rank := map[Severity]int{SeverityNone: 0, SeverityMedium: 1, SeverityHigh: 2, SeverityCritical: 3}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
