// Package metrics holds the Prometheus collectors for content operations.
// All recording methods are safe to call on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "content_sync"

type Metrics struct {
	records        *prometheus.CounterVec
	webhooks       *prometheus.CounterVec
	syncAttempts   *prometheus.CounterVec
	queueDepth     *prometheus.GaugeVec
	conflicts      prometheus.Counter
	snapshots      *prometheus.CounterVec
	snapshotBytes  prometheus.Gauge
	runDuration    *prometheus.HistogramVec
	restoreRecords *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		records: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migration_records_total",
			Help:      "Records handled by migration runs by outcome",
		}, []string{"outcome"}),
		webhooks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_total",
			Help:      "Inbound webhooks by event and outcome",
		}, []string{"event", "outcome"}),
		syncAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_attempts_total",
			Help:      "Sync attempts by operation and outcome",
		}, []string{"operation", "outcome"}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_queue_items",
			Help:      "Items in the sync retry queue by state",
		}, []string{"state"}),
		conflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_conflicts_flagged_total",
			Help:      "Conflicts flagged for operator review",
		}),
		snapshots: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_operations_total",
			Help:      "Snapshot operations by type and status",
		}, []string{"operation", "status"}),
		snapshotBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_last_size_bytes",
			Help:      "Data size of the most recent snapshot",
		}),
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of operator runs",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		}, []string{"operation", "status"}),
		restoreRecords: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restore_records_total",
			Help:      "Records written or removed by restores",
		}, []string{"action"}),
	}
}

func (m *Metrics) RecordMigrated(outcome string) {
	if m == nil {
		return
	}
	m.records.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordWebhook(event, outcome string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(event, outcome).Inc()
}

func (m *Metrics) RecordSyncAttempt(operation, outcome string) {
	if m == nil {
		return
	}
	m.syncAttempts.WithLabelValues(operation, outcome).Inc()
}

// SetQueueDepth replaces the per-state queue gauges.
func (m *Metrics) SetQueueDepth(byState map[string]int) {
	if m == nil {
		return
	}
	m.queueDepth.Reset()
	for state, n := range byState {
		m.queueDepth.WithLabelValues(state).Set(float64(n))
	}
}

func (m *Metrics) RecordConflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

func (m *Metrics) RecordSnapshot(operation, status string) {
	if m == nil {
		return
	}
	m.snapshots.WithLabelValues(operation, status).Inc()
}

func (m *Metrics) SetSnapshotSize(size int64) {
	if m == nil {
		return
	}
	m.snapshotBytes.Set(float64(size))
}

func (m *Metrics) ObserveRun(operation, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.runDuration.WithLabelValues(operation, status).Observe(d.Seconds())
}

func (m *Metrics) RecordRestored(action string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.restoreRecords.WithLabelValues(action).Add(float64(n))
}
