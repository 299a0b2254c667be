// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Status label values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

var (
	// edit lock entry attempts
	// labels: outcome (acquired/reentered/held/lost/offline/error)
	LockEnterTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldbook_lock_enter_total",
			Help: "total number of edit lock entry attempts",
		},
		[]string{"outcome"},
	)

	// stale locks released before a new acquisition
	LockReclaimTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldbook_lock_reclaim_total",
			Help: "total number of expired locks released on entry",
		},
	)

	// releases by path: exit (normal), unlock (privileged), break (admin)
	LockReleaseTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldbook_lock_release_total",
			Help: "total number of edit lock releases",
		},
		[]string{"path"},
	)

	// snapshot writes per destination
	// labels: destination (shared/local), status (success/failure)
	BackupWriteTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldbook_backup_write_total",
			Help: "total number of snapshot writes per destination",
		},
		[]string{"destination", "status"},
	)

	// end-to-end snapshot time, consistent copy plus both writes
	BackupDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fieldbook_backup_duration_seconds",
			Help:    "time taken to create a snapshot",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
	)

	// unix time of the newest successful write per destination
	BackupLastSuccess = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fieldbook_backup_last_success_timestamp_seconds",
			Help: "unix time of the last successful snapshot write",
		},
		[]string{"destination"},
	)

	// heartbeat probes of the primary store
	HeartbeatTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldbook_heartbeat_probe_total",
			Help: "total number of primary store liveness probes",
		},
		[]string{"status"},
	)

	// 1 when the primary store answered the last probe
	PrimaryReachable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldbook_primary_reachable",
			Help: "whether the primary store answered the last probe",
		},
	)

	// 1 when serving from the primary, 0 when serving a read-only fallback
	StoreOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldbook_store_online",
			Help: "whether the process serves the primary store",
		},
	)

	// reconcile passes
	// labels: scope (customer/general/all/watch), status
	ReconcileTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldbook_reconcile_total",
			Help: "total number of reconcile passes",
		},
		[]string{"scope", "status"},
	)

	// document records changed by reconcile
	// labels: change (inserted/deleted/pruned)
	ReconcileChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldbook_reconcile_changes_total",
			Help: "total number of records or folders changed by reconcile",
		},
		[]string{"change"},
	)

	// files found by the last discovery index rebuild
	IndexedFiles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldbook_indexed_files",
			Help: "number of files in the discovery index",
		},
	)

	// supervised background task completions
	TaskTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldbook_task_total",
			Help: "total number of finished background tasks",
		},
		[]string{"task", "status"},
	)

	// connected websocket clients
	StreamClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldbook_stream_clients",
			Help: "current number of event stream clients",
		},
	)
)

// Status maps an error to a status label.
func Status(err error) string {
	if err != nil {
		return StatusFailure
	}
	return StatusSuccess
}

// Bool converts a flag to a gauge value.
func Bool(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
