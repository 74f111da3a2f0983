// Package metrics collects the prometheus gauges/counters shared across the
// czar and worker processes: queue depth, request latency, the current
// replication level by family, and rebalance activity.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles the metrics exposed by one process (czar or worker).
// Construct one with NewRegistry and register it with a
// prometheus.Registerer of the caller's choosing.
type Registry struct {
	QueueDepth        *prometheus.GaugeVec
	RequestLatency    *prometheus.HistogramVec
	ReplicationLevel  *prometheus.GaugeVec
	RebalanceMoves    prometheus.Counter
	FailedLocks       prometheus.Counter
	ChecksumMismatch  *prometheus.CounterVec
	WorkerLagSeconds  *prometheus.GaugeVec
}

// NewRegistry constructs a Registry. Collectors are created but not
// registered; call Register to attach them to a prometheus.Registerer.
func NewRegistry() *Registry {
	return &Registry{
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "replica",
			Name:      "worker_queue_depth",
			Help:      "Number of requests in a worker request-engine queue.",
		}, []string{"worker", "queue"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "replica",
			Name:      "request_latency_seconds",
			Help:      "Controller request round-trip latency by request type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		ReplicationLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "replica",
			Name:      "chunk_replication_level",
			Help:      "Observed replica count by family.",
		}, []string{"family"}),
		RebalanceMoves: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "replica",
			Name:      "rebalance_moves_total",
			Help:      "Number of MOVE_REPLICA operations issued by RebalanceJob.",
		}),
		FailedLocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "replica",
			Name:      "job_failed_locks_total",
			Help:      "Number of chunk-lock acquisition failures across all job iterations.",
		}),
		ChecksumMismatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replica",
			Name:      "checksum_mismatch_total",
			Help:      "Number of VerifyJob checksum mismatches detected, by worker.",
		}, []string{"worker"}),
		WorkerLagSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "replica",
			Name:      "worker_replication_lag_seconds",
			Help:      "Observed MySQL replication lag per worker, sampled by the health loop. Observability only, not a placement input.",
		}, []string{"worker"}),
	}
}

// Register attaches every collector in r to reg.
func (r *Registry) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		r.QueueDepth, r.RequestLatency, r.ReplicationLevel,
		r.RebalanceMoves, r.FailedLocks, r.ChecksumMismatch, r.WorkerLagSeconds,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
