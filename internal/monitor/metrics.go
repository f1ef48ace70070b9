package monitor

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the Prometheus collectors the monitor's four loops
// publish through. Uses a dedicated prometheus.Registry per process
// rather than the global DefaultRegisterer, so tests can build a fresh
// one per case.
type Metrics struct {
	Registry *prometheus.Registry

	reconcilePasses   prometheus.Counter
	reconcileCritical prometheus.Counter
	reconcileDuration prometheus.Histogram

	snapshotsTaken   prometheus.Counter
	snapshotDuration prometheus.Histogram

	staleExpired prometheus.Counter

	healthProbes  *prometheus.CounterVec
	healthStatus  prometheus.Gauge
	pendingCount  prometheus.Gauge
}

// NewMetrics constructs and registers the monitor's collectors against a
// fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		reconcilePasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vaultd", Subsystem: "monitor", Name: "reconciliation_passes_total",
			Help: "Total number of reconciliation passes completed.",
		}),
		reconcileCritical: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vaultd", Subsystem: "monitor", Name: "reconciliation_critical_total",
			Help: "Total number of critical-severity reconciliation discrepancies found.",
		}),
		reconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vaultd", Subsystem: "monitor", Name: "reconciliation_duration_seconds",
			Help: "Duration of one full reconciliation pass.", Buckets: prometheus.DefBuckets,
		}),
		snapshotsTaken: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vaultd", Subsystem: "monitor", Name: "snapshots_taken_total",
			Help: "Total number of balance snapshots appended.",
		}),
		snapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vaultd", Subsystem: "monitor", Name: "snapshot_duration_seconds",
			Help: "Duration of one full snapshot pass.", Buckets: prometheus.DefBuckets,
		}),
		staleExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vaultd", Subsystem: "monitor", Name: "stale_transactions_expired_total",
			Help: "Total number of pending transactions expired as stale.",
		}),
		healthProbes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vaultd", Subsystem: "monitor", Name: "health_probes_total",
			Help: "Total number of health probes, by outcome.",
		}, []string{"outcome"}),
		healthStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vaultd", Subsystem: "monitor", Name: "healthy",
			Help: "1 if the monitor currently considers the system healthy, 0 otherwise.",
		}),
		pendingCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vaultd", Subsystem: "monitor", Name: "coordinator_pending_operations",
			Help: "Current size of the coordinator's in-memory pending-operation set.",
		}),
	}
	reg.MustRegister(
		m.reconcilePasses, m.reconcileCritical, m.reconcileDuration,
		m.snapshotsTaken, m.snapshotDuration, m.staleExpired,
		m.healthProbes, m.healthStatus, m.pendingCount,
	)
	return m
}
