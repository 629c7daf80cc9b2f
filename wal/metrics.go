package wal

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is a prometheus.Collector tracking WAL write/read/recovery
// activity. Backends hold one Metrics value and call its Observe* methods
// from their BeginTx/WriteEntry/CommitTx/RollbackTx/Recover implementations;
// the collector itself exports them to a registry.
type Metrics struct {
	namespace string

	writes          uint64
	reads           uint64
	commits         uint64
	rollbacks       uint64
	recoveryRuns    uint64
	recoveryErrors  uint64
	entriesReplayed uint64

	writesDesc          *prometheus.Desc
	readsDesc           *prometheus.Desc
	commitsDesc         *prometheus.Desc
	rollbacksDesc       *prometheus.Desc
	recoveryRunsDesc    *prometheus.Desc
	recoveryErrorsDesc  *prometheus.Desc
	entriesReplayedDesc *prometheus.Desc
}

var _ prometheus.Collector = (*Metrics)(nil)

// NewMetrics creates a Metrics collector. namespace prefixes every metric
// name (e.g. "raftcore_wal_writes_total").
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		namespace:           namespace,
		writesDesc:          prometheus.NewDesc(namespace+"_wal_writes_total", "Total WAL entries written.", nil, nil),
		readsDesc:           prometheus.NewDesc(namespace+"_wal_reads_total", "Total WAL header/payload reads.", nil, nil),
		commitsDesc:         prometheus.NewDesc(namespace+"_wal_commits_total", "Total transactions committed.", nil, nil),
		rollbacksDesc:       prometheus.NewDesc(namespace+"_wal_rollbacks_total", "Total transactions rolled back.", nil, nil),
		recoveryRunsDesc:    prometheus.NewDesc(namespace+"_wal_recovery_runs_total", "Total Recover() invocations.", nil, nil),
		recoveryErrorsDesc:  prometheus.NewDesc(namespace+"_wal_recovery_errors_total", "Total non-fatal errors observed during recovery.", nil, nil),
		entriesReplayedDesc: prometheus.NewDesc(namespace+"_wal_entries_replayed_total", "Total entries replayed by Recover().", nil, nil),
	}
}

func (m *Metrics) ObserveWrite()    { atomic.AddUint64(&m.writes, 1) }
func (m *Metrics) ObserveRead()     { atomic.AddUint64(&m.reads, 1) }
func (m *Metrics) ObserveCommit()   { atomic.AddUint64(&m.commits, 1) }
func (m *Metrics) ObserveRollback() { atomic.AddUint64(&m.rollbacks, 1) }

func (m *Metrics) ObserveRecovery(report RecoveryReport) {
	atomic.AddUint64(&m.recoveryRuns, 1)
	atomic.AddUint64(&m.recoveryErrors, uint64(len(report.RecoveryErrors)))
	atomic.AddUint64(&m.entriesReplayed, uint64(report.EntriesRecovered))
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.writesDesc
	ch <- m.readsDesc
	ch <- m.commitsDesc
	ch <- m.rollbacksDesc
	ch <- m.recoveryRunsDesc
	ch <- m.recoveryErrorsDesc
	ch <- m.entriesReplayedDesc
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(m.writesDesc, prometheus.CounterValue, float64(atomic.LoadUint64(&m.writes)))
	ch <- prometheus.MustNewConstMetric(m.readsDesc, prometheus.CounterValue, float64(atomic.LoadUint64(&m.reads)))
	ch <- prometheus.MustNewConstMetric(m.commitsDesc, prometheus.CounterValue, float64(atomic.LoadUint64(&m.commits)))
	ch <- prometheus.MustNewConstMetric(m.rollbacksDesc, prometheus.CounterValue, float64(atomic.LoadUint64(&m.rollbacks)))
	ch <- prometheus.MustNewConstMetric(m.recoveryRunsDesc, prometheus.CounterValue, float64(atomic.LoadUint64(&m.recoveryRuns)))
	ch <- prometheus.MustNewConstMetric(m.recoveryErrorsDesc, prometheus.CounterValue, float64(atomic.LoadUint64(&m.recoveryErrors)))
	ch <- prometheus.MustNewConstMetric(m.entriesReplayedDesc, prometheus.CounterValue, float64(atomic.LoadUint64(&m.entriesReplayed)))
}
