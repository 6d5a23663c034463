// Package metrics defines the prometheus instruments of the merge and apply
// pipeline.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "votedb"

// PrometheusCollector is implemented by components that expose metrics.
type PrometheusCollector interface {
	PrometheusCollectors() []prometheus.Collector
}

// Register adds the collectors of every component to reg.
func Register(reg prometheus.Registerer, cs ...PrometheusCollector) error {
	for _, c := range cs {
		for _, col := range c.PrometheusCollectors() {
			if err := reg.Register(col); err != nil {
				return err
			}
		}
	}
	return nil
}

// MergeMetrics instruments the log merger.
type MergeMetrics struct {
	Ingested   *prometheus.CounterVec
	ReadErrors *prometheus.CounterVec
	Writers    prometheus.Gauge
	Pending    prometheus.Gauge
	Blocked    prometheus.Gauge
}

func NewMergeMetrics() *MergeMetrics {
	const subsystem = "merge"

	return &MergeMetrics{
		Ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "records_ingested_total",
			Help:      "Number of log records read from writers",
		}, []string{"writer"}),

		ReadErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "read_errors_total",
			Help:      "Number of failed reads from writer logs",
		}, []string{"writer"}),

		Writers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "writers",
			Help:      "Number of writer logs being merged",
		}),

		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pending_entries",
			Help:      "Number of ingested entries waiting to be applied",
		}),

		Blocked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "blocked_entries",
			Help:      "Number of pending entries depending on a writer that is not merged",
		}),
	}
}

func (m *MergeMetrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Ingested,
		m.ReadErrors,
		m.Writers,
		m.Pending,
		m.Blocked,
	}
}

// ApplyMetrics instruments the apply engine.
type ApplyMetrics struct {
	Applied        *prometheus.CounterVec
	Skipped        *prometheus.CounterVec
	Batches        prometheus.Counter
	CommitFailures prometheus.Counter
	BatchDuration  prometheus.Histogram
}

func NewApplyMetrics() *ApplyMetrics {
	const subsystem = "apply"

	return &ApplyMetrics{
		Applied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "entries_applied_total",
			Help:      "Number of log entries applied to the view",
		}, []string{"type"}),

		Skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_skipped_total",
			Help:      "Number of log entries skipped without changing the view",
		}, []string{"reason"}),

		Batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "batches_committed_total",
			Help:      "Number of batches committed to the store",
		}),

		CommitFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "commit_failures_total",
			Help:      "Number of failed batch commit attempts",
		}),

		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "batch_duration_seconds",
			Help:      "Histogram of times spent applying one batch",
			Buckets:   prometheus.ExponentialBuckets(1e-4, 4, 8),
		}),
	}
}

func (m *ApplyMetrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Applied,
		m.Skipped,
		m.Batches,
		m.CommitFailures,
		m.BatchDuration,
	}
}
