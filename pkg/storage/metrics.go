package storage

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts commits, conflicts, bulk loads and query scans. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	commits        prometheus.Counter
	conflicts      prometheus.Counter
	failedCommits  prometheus.Counter
	deltasApplied  prometheus.Counter
	commitDuration prometheus.Histogram
	bulkItems      *prometheus.CounterVec
	bulkChunks     prometheus.Counter
	scans          *prometheus.CounterVec
}

// NewMetrics registers the storage metrics with reg. It returns nil when reg
// is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	return &Metrics{
		commits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "graphkv",
			Name:      "commits_total",
			Help:      "Number of committed write transactions",
		}),
		conflicts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "graphkv",
			Name:      "commit_conflicts_total",
			Help:      "Number of commits rejected by write-conflict detection",
		}),
		failedCommits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "graphkv",
			Name:      "commit_failures_total",
			Help:      "Number of transactions aborted for reasons other than a conflict",
		}),
		deltasApplied: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "graphkv",
			Name:      "deltas_applied_total",
			Help:      "Number of key deltas made durable by committed transactions",
		}),
		commitDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "graphkv",
			Name:      "transaction_duration_seconds",
			Help:      "Time from transaction start to successful commit",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		bulkItems: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "graphkv",
			Name:      "bulk_items_total",
			Help:      "Number of records written by the bulk loader",
		}, []string{"kind"}),
		bulkChunks: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "graphkv",
			Name:      "bulk_chunks_total",
			Help:      "Number of write batches flushed by the bulk loader",
		}),
		scans: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "graphkv",
			Name:      "query_scans_total",
			Help:      "Number of lookups by access path",
		}, []string{"path"}),
	}
}

func (m *Metrics) committed(deltas int, took time.Duration) {
	if m == nil {
		return
	}
	m.commits.Inc()
	m.deltasApplied.Add(float64(deltas))
	m.commitDuration.Observe(took.Seconds())
}

func (m *Metrics) conflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

func (m *Metrics) commitFailed() {
	if m == nil {
		return
	}
	m.failedCommits.Inc()
}

func (m *Metrics) bulkLoaded(res LoadResult) {
	if m == nil {
		return
	}
	m.bulkItems.WithLabelValues("vertex").Add(float64(res.Vertices))
	m.bulkItems.WithLabelValues("edge").Add(float64(res.Edges))
	m.bulkItems.WithLabelValues("vertex_property").Add(float64(res.VertexProperties))
	m.bulkItems.WithLabelValues("edge_property").Add(float64(res.EdgeProperties))
	m.bulkChunks.Inc()
}

func (m *Metrics) scanned(path string) {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(path).Inc()
}
