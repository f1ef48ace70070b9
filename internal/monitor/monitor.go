// Package monitor implements the control plane: four independently
// scheduled background loops — reconciliation, snapshot, stale cleanup,
// health — plus the orphan-repair pass that completes a transaction whose
// chain submission confirmed but whose local process died before the
// balance delta was applied.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"

	"github.com/collateralvault/vaultd/internal/balancetracker"
	"github.com/collateralvault/vaultd/internal/chainclient"
	"github.com/collateralvault/vaultd/internal/ledger"
	"github.com/collateralvault/vaultd/internal/logging"
	"github.com/collateralvault/vaultd/internal/txmanager"
	"github.com/collateralvault/vaultd/internal/vaultmgr"
)

// ChainHealth is the narrow surface the monitor needs from the chain
// client, satisfied by *chainclient.Client.
type ChainHealth interface {
	GetBlockHeight(ctx context.Context) (int64, error)
	CheckStatus(ctx context.Context, signature string) (*chainclient.SubmitResult, error)
}

// Repairer is the narrow surface the monitor needs from the coordinator:
// reapplying an orphaned confirmed delta, and reporting how many
// operations are currently tracked in its in-memory pending set.
type Repairer interface {
	RepairOrphan(ctx context.Context, rec *ledger.TransactionRecord, delta vaultmgr.Delta) (*ledger.Vault, error)
	PendingCount() int
}

// Config controls loop intervals and thresholds; zero values take
// built-in defaults.
type Config struct {
	ReconciliationInterval time.Duration
	SnapshotInterval       time.Duration
	StaleCleanupInterval   time.Duration
	StaleThreshold         time.Duration
	HealthInterval         time.Duration
	MaxPendingCount        int
	PageSize               int
}

func (c *Config) applyDefaults() {
	if c.ReconciliationInterval <= 0 {
		c.ReconciliationInterval = 300 * time.Second
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 60 * time.Second
	}
	if c.StaleCleanupInterval <= 0 {
		c.StaleCleanupInterval = 300 * time.Second
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 3600 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.MaxPendingCount <= 0 {
		c.MaxPendingCount = 10000
	}
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
}

// Health is the monitor's own view of system health. Re-architected from
// the source's static atomic failure counters into a first-class field
// the monitor owns, so tests can inject a fresh Monitor per case instead
// of racing shared process-global state.
type Health struct {
	Healthy             bool
	LastCheckedAt       time.Time
	LastError           string
	ConsecutiveFailures int
	CriticalIssueCount  int
	PendingOperations   int
	StoreReachable      bool
	ChainReachable      bool
}

// Stats is the monitor's aggregate read model, backing /system/stats
// alongside ledger.SystemBalanceStats.
type Stats struct {
	Balances            ledger.SystemBalanceStats
	ReconciliationPasses int
	SnapshotPasses       int
	StaleExpiredTotal    int
}

// Monitor is the control plane.
type Monitor struct {
	store   ledger.Store
	tracker *balancetracker.Tracker
	txns    *txmanager.Manager
	chain   ChainHealth
	repair  Repairer
	cfg     Config
	metrics *Metrics
	log     *logging.Logger

	mu     sync.Mutex
	health Health
	stats  Stats

	cron *cron.Cron
}

// New builds a Monitor with its four loops unscheduled; call Start to
// begin running them.
func New(store ledger.Store, tracker *balancetracker.Tracker, txns *txmanager.Manager, chain ChainHealth, repair Repairer, cfg Config, metrics *Metrics, log *logging.Logger) *Monitor {
	cfg.applyDefaults()
	if metrics == nil {
		metrics = NewMetrics()
	}
	m := &Monitor{
		store: store, tracker: tracker, txns: txns, chain: chain, repair: repair,
		cfg: cfg, metrics: metrics, log: log.Component("monitor"),
		health: Health{Healthy: true},
	}
	return m
}

// Start schedules the four loops on independent cron entries and blocks
// until ctx is cancelled, at which point it stops the scheduler and
// waits for in-flight jobs to finish. A panicking job is recovered and
// logged without stopping the scheduler or the other three loops.
func (m *Monitor) Start(ctx context.Context) {
	c := cron.New(cron.WithChain(cron.Recover(cronLogAdapter{m.log})))
	m.cron = c

	mustAddEvery := func(interval time.Duration, job func(context.Context)) {
		spec := fmt.Sprintf("@every %s", interval.String())
		if _, err := c.AddFunc(spec, func() { job(ctx) }); err != nil {
			m.log.WithError(err).Errorf("failed to schedule job with spec %s", spec)
		}
	}

	mustAddEvery(m.cfg.ReconciliationInterval, m.runReconciliation)
	mustAddEvery(m.cfg.SnapshotInterval, m.runSnapshot)
	mustAddEvery(m.cfg.StaleCleanupInterval, m.runStaleCleanup)
	mustAddEvery(m.cfg.HealthInterval, m.runHealth)

	c.Start()
	<-ctx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done()
}

// cronLogAdapter satisfies cron.Logger using the shared structured logger.
type cronLogAdapter struct{ log *logging.Logger }

func (a cronLogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.log.WithFields(fieldsFromPairs(keysAndValues)).Debug(msg)
}

func (a cronLogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.log.WithError(err).WithFields(fieldsFromPairs(keysAndValues)).Error(msg)
}

func fieldsFromPairs(pairs []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			continue
		}
		fields[key] = pairs[i+1]
	}
	return fields
}

// Health returns a snapshot of the monitor's current health assessment.
func (m *Monitor) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health
}

// Stats returns a snapshot of the monitor's aggregate counters.
func (m *Monitor) Stats(ctx context.Context) (Stats, error) {
	balances, err := m.store.GetSystemStats(ctx)
	if err != nil {
		return Stats{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Balances = *balances
	return m.stats, nil
}

// ClearUnhealthy resets the consecutive-failure count and marks the
// system healthy again; called by an operator after investigating a
// critical reconciliation finding. Health stays flipped unhealthy until
// an operator explicitly clears it.
func (m *Monitor) ClearUnhealthy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health.Healthy = true
	m.health.ConsecutiveFailures = 0
	m.health.LastError = ""
}

// runReconciliation iterates active vaults in pages, reconciling each and
// aggregating per-vault errors rather than aborting the pass on the first
// failure.
func (m *Monitor) runReconciliation(ctx context.Context) {
	start := time.Now()
	defer func() { m.metrics.reconcileDuration.Observe(time.Since(start).Seconds()) }()

	var (
		offset        = 0
		criticalFound = 0
		errs          *multierror.Error
	)
	for {
		vaults, err := m.store.ListActiveVaults(ctx, m.cfg.PageSize, offset)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("list active vaults at offset %d: %w", offset, err))
			break
		}
		if len(vaults) == 0 {
			break
		}

		ids := make([]string, len(vaults))
		for i, v := range vaults {
			ids[i] = v.ID
		}
		reports, err := m.tracker.ReconcileBatch(ctx, ids)
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		for _, r := range reports {
			if r.Severity == balancetracker.SeverityCritical {
				criticalFound++
				m.log.WithVault(r.VaultID).Errorf("critical reconciliation discrepancy: %+v", r.Discrepancies)
			}
		}

		if len(vaults) < m.cfg.PageSize {
			break
		}
		offset += m.cfg.PageSize
	}

	m.metrics.reconcilePasses.Inc()
	if criticalFound > 0 {
		m.metrics.reconcileCritical.Add(float64(criticalFound))
	}

	m.mu.Lock()
	m.stats.ReconciliationPasses++
	if criticalFound > 0 {
		m.health.Healthy = false
		m.health.LastError = fmt.Sprintf("%d critical reconciliation discrepancies found", criticalFound)
	}
	m.mu.Unlock()

	if err := errs.ErrorOrNil(); err != nil {
		m.log.WithError(err).Error("reconciliation pass completed with errors")
	}
}

// runSnapshot captures the chain's current block height once for the
// whole pass, then snapshots every active vault against that same
// height, per SPEC_FULL's supplemented block-height-once-per-pass
// behavior.
func (m *Monitor) runSnapshot(ctx context.Context) {
	start := time.Now()
	defer func() { m.metrics.snapshotDuration.Observe(time.Since(start).Seconds()) }()

	var blockHeight *int64
	if m.chain != nil {
		if h, err := m.chain.GetBlockHeight(ctx); err == nil {
			blockHeight = &h
		} else {
			m.log.WithError(err).Warn("failed to fetch block height for snapshot pass; snapshotting without it")
		}
	}

	offset := 0
	taken := 0
	for {
		vaults, err := m.store.ListActiveVaults(ctx, m.cfg.PageSize, offset)
		if err != nil {
			m.log.WithError(err).Error("snapshot pass: list active vaults failed")
			break
		}
		if len(vaults) == 0 {
			break
		}
		for _, v := range vaults {
			if _, err := m.tracker.Snapshot(ctx, v.ID, blockHeight); err != nil {
				m.log.WithVault(v.ID).WithError(err).Error("snapshot failed")
				continue
			}
			taken++
		}
		if len(vaults) < m.cfg.PageSize {
			break
		}
		offset += m.cfg.PageSize
	}

	m.metrics.snapshotsTaken.Add(float64(taken))
	m.mu.Lock()
	m.stats.SnapshotPasses++
	m.mu.Unlock()
}

// runStaleCleanup expires pending transactions older than StaleThreshold.
func (m *Monitor) runStaleCleanup(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-m.cfg.StaleThreshold)
	n, err := m.store.CleanupStaleTransactions(ctx, cutoff)
	if err != nil {
		m.log.WithError(err).Error("stale cleanup failed")
		return
	}
	if n > 0 {
		m.log.Infof("expired %d stale pending transactions", n)
	}
	m.metrics.staleExpired.Add(float64(n))
	m.mu.Lock()
	m.stats.StaleExpiredTotal += n
	m.mu.Unlock()
}

// runHealth probes the store, the chain RPC, the pending-operation count,
// and the store's own critical-issue count, then also scans for orphaned
// transactions — confirmed on chain but never marked terminal locally —
// and repairs them via the coordinator.
func (m *Monitor) runHealth(ctx context.Context) {
	h := Health{LastCheckedAt: time.Now().UTC(), Healthy: true}

	if err := m.store.Ping(ctx); err != nil {
		h.StoreReachable = false
		h.Healthy = false
		h.LastError = fmt.Sprintf("store unreachable: %v", err)
		m.metrics.healthProbes.WithLabelValues("store_down").Inc()
	} else {
		h.StoreReachable = true
		m.metrics.healthProbes.WithLabelValues("store_ok").Inc()
	}

	if m.chain != nil {
		if _, err := m.chain.GetBlockHeight(ctx); err != nil {
			h.ChainReachable = false
			h.Healthy = false
			h.LastError = fmt.Sprintf("chain rpc unreachable: %v", err)
			m.metrics.healthProbes.WithLabelValues("chain_down").Inc()
		} else {
			h.ChainReachable = true
			m.metrics.healthProbes.WithLabelValues("chain_ok").Inc()
		}
	}

	if count, err := m.store.CriticalIssueCount(ctx); err == nil {
		h.CriticalIssueCount = count
		if count > 0 {
			h.Healthy = false
			h.LastError = fmt.Sprintf("%d critical issues found in store", count)
		}
	}

	if m.repair != nil {
		h.PendingOperations = m.repair.PendingCount()
		m.metrics.pendingCount.Set(float64(h.PendingOperations))
		if h.PendingOperations > m.cfg.MaxPendingCount {
			h.Healthy = false
			h.LastError = fmt.Sprintf("pending operation count %d exceeds threshold %d", h.PendingOperations, m.cfg.MaxPendingCount)
		}
	}

	m.repairOrphans(ctx)

	m.mu.Lock()
	if h.Healthy {
		h.ConsecutiveFailures = 0
	} else {
		h.ConsecutiveFailures = m.health.ConsecutiveFailures + 1
		// A previously-unhealthy system stays unhealthy until an operator
		// calls ClearUnhealthy, even if this probe alone looks fine again.
	}
	if !m.health.Healthy && h.Healthy && m.health.LastError != "" {
		h.Healthy = false
		h.LastError = m.health.LastError
	}
	m.health = h
	if h.Healthy {
		m.metrics.healthStatus.Set(1)
	} else {
		m.metrics.healthStatus.Set(0)
	}
	m.mu.Unlock()
}

// repairOrphans scans pending-or-processing transactions whose signature
// the chain now reports confirmed, and reapplies the balance delta that a
// crashed coordinator never got to apply: submit confirmed on-chain but
// the ledger update crashed before it landed.
func (m *Monitor) repairOrphans(ctx context.Context) {
	if m.chain == nil || m.repair == nil {
		return
	}
	pending, err := m.txns.ListInFlight(ctx, m.cfg.PageSize)
	if err != nil {
		m.log.WithError(err).Error("orphan repair: list pending transactions failed")
		return
	}
	for _, rec := range pending {
		if rec.Signature == nil || rec.Status.Terminal() {
			continue
		}
		status, err := m.chain.CheckStatus(ctx, *rec.Signature)
		if err != nil || status.Status != chainclient.StatusConfirmed {
			continue
		}
		delta, err := vaultmgr.DeltaForRecord(rec.Kind, rec.Amount)
		if err != nil {
			// Transfer records have no single-vault delta; this pass
			// skips them and does not repair them.
			continue
		}
		if _, err := m.repair.RepairOrphan(ctx, rec, delta); err != nil {
			m.log.WithTxn(rec.ID).WithError(err).Error("orphan repair failed")
			continue
		}
		m.log.WithTxn(rec.ID).Info("repaired orphaned confirmed transaction")
	}
}
