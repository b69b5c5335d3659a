package db

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "strata"

// metrics holds the Prometheus collectors of one open database.
type metrics struct {
	reg        prometheus.Registerer
	collectors []prometheus.Collector

	commits       prometheus.Counter
	aborts        prometheus.Counter
	conflicts     *prometheus.CounterVec
	commitLatency prometheus.Histogram

	walSyncs      prometheus.Counter
	walSyncErrors prometheus.Counter
	syncLatency   prometheus.Histogram

	checkpoints     prometheus.Counter
	checkpointBytes prometheus.Gauge
	compactions     prometheus.Counter
	versionsPruned  prometheus.Counter
	segmentsRemoved prometheus.Counter

	recoveryReplayed  prometheus.Counter
	recoverySkipped   prometheus.Counter
	recoveryTruncated prometheus.Counter
}

// newMetrics creates the collectors and registers them on reg when it is
// not nil. The gauges read live values from d.
func newMetrics(reg prometheus.Registerer, d *DB) (*metrics, error) {
	m := &metrics{}
	f := promauto.With(nil)

	m.commits = f.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "txn",
		Name:      "commits_total",
		Help:      "Transactions committed",
	})
	m.aborts = f.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "txn",
		Name:      "aborts_total",
		Help:      "Transactions aborted by the caller or by a failed commit",
	})
	m.conflicts = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "txn",
		Name:      "conflicts_total",
		Help:      "Commit validation failures by kind",
	}, []string{"kind"})
	m.commitLatency = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "txn",
		Name:      "commit_duration_seconds",
		Help:      "Time spent in the commit critical section",
		Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 10),
	})

	m.walSyncs = f.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "wal",
		Name:      "syncs_total",
		Help:      "WAL fsyncs completed",
	})
	m.walSyncErrors = f.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "wal",
		Name:      "sync_errors_total",
		Help:      "Background WAL fsyncs that failed",
	})
	m.syncLatency = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "wal",
		Name:      "sync_duration_seconds",
		Help:      "WAL fsync latency",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	})
	walBytes := f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "wal",
		Name:      "bytes_written",
		Help:      "WAL bytes written since open",
	}, func() float64 {
		if d.log == nil {
			return 0
		}
		return float64(d.log.BytesWritten())
	})

	m.checkpoints = f.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "checkpoint",
		Name:      "written_total",
		Help:      "Checkpoints written",
	})
	m.checkpointBytes = f.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "checkpoint",
		Name:      "last_size_bytes",
		Help:      "Size of the newest checkpoint file",
	})
	m.compactions = f.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "compaction",
		Name:      "runs_total",
		Help:      "Compactions completed",
	})
	m.versionsPruned = f.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "compaction",
		Name:      "versions_pruned_total",
		Help:      "Historical versions dropped by retention",
	})
	m.segmentsRemoved = f.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "wal",
		Name:      "segments_removed_total",
		Help:      "WAL segments reclaimed after a checkpoint",
	})

	m.recoveryReplayed = f.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "recovery",
		Name:      "replayed_commits_total",
		Help:      "WAL commits applied during recovery",
	})
	m.recoverySkipped = f.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "recovery",
		Name:      "skipped_commits_total",
		Help:      "WAL commits already covered by the checkpoint",
	})
	m.recoveryTruncated = f.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "recovery",
		Name:      "truncated_segments_total",
		Help:      "WAL segments cut back to their last intact record",
	})

	lastSeq := f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "last_sequence",
		Help:      "Sequence of the newest visible commit",
	}, func() float64 { return float64(d.LastSequence()) })
	durableSeq := f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "durable_sequence",
		Help:      "Sequence of the newest fsynced commit",
	}, func() float64 { return float64(d.DurableSequence()) })

	m.collectors = []prometheus.Collector{
		m.commits, m.aborts, m.conflicts, m.commitLatency,
		m.walSyncs, m.walSyncErrors, m.syncLatency, walBytes,
		m.checkpoints, m.checkpointBytes, m.compactions, m.versionsPruned, m.segmentsRemoved,
		m.recoveryReplayed, m.recoverySkipped, m.recoveryTruncated,
		lastSeq, durableSeq,
	}
	if reg == nil {
		return m, nil
	}
	// Registries unregister by descriptor, so only what was registered
	// here may be rolled back.
	for i, c := range m.collectors {
		if err := reg.Register(c); err != nil {
			for _, done := range m.collectors[:i] {
				reg.Unregister(done)
			}
			return nil, fmt.Errorf("db: register metrics: %w", err)
		}
	}
	m.reg = reg
	return m, nil
}

func (m *metrics) conflict(kind ConflictKind) {
	m.conflicts.WithLabelValues(kind.String()).Inc()
}

// unregister removes the collectors so that the registerer can take a new
// database with the same metric names.
func (m *metrics) unregister() {
	if m.reg == nil {
		return
	}
	for _, c := range m.collectors {
		m.reg.Unregister(c)
	}
}
