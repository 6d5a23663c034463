package bolt

import (
	"github.com/prometheus/client_golang/prometheus"
)

var _ prometheus.Collector = (*Store)(nil)

var (
	kvWritesDesc = prometheus.NewDesc(
		"votedb_boltdb_writes_total",
		"Total number of boltdb writes",
		nil, nil)

	kvReadsDesc = prometheus.NewDesc(
		"votedb_boltdb_reads_total",
		"Total number of boltdb read transactions",
		nil, nil)

	kvOpenReadsDesc = prometheus.NewDesc(
		"votedb_boltdb_open_read_tx",
		"Number of currently open read transactions (snapshots and scans)",
		nil, nil)
)

// Describe returns all descriptions of the collector.
func (s *Store) Describe(ch chan<- *prometheus.Desc) {
	ch <- kvWritesDesc
	ch <- kvReadsDesc
	ch <- kvOpenReadsDesc
}

// Collect returns the current state of all metrics of the collector.
func (s *Store) Collect(ch chan<- prometheus.Metric) {
	if s.db == nil {
		return
	}
	stats := s.db.Stats()

	ch <- prometheus.MustNewConstMetric(kvWritesDesc, prometheus.CounterValue, float64(stats.TxStats.Write))
	ch <- prometheus.MustNewConstMetric(kvReadsDesc, prometheus.CounterValue, float64(stats.TxN))
	ch <- prometheus.MustNewConstMetric(kvOpenReadsDesc, prometheus.GaugeValue, float64(stats.OpenTxN))
}

// PrometheusCollectors returns the collectors exposed by the store.
func (s *Store) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{s}
}
