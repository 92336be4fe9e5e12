package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "veil"

type Metrics struct {
	SyncPasses         *prometheus.CounterVec
	ChainSyncDuration  *prometheus.HistogramVec
	SyncedBlock        *prometheus.GaugeVec
	ImportedEvents     *prometheus.CounterVec
	AppliedEvents      *prometheus.CounterVec
	DuplicateSerials   *prometheus.CounterVec
	ScannedCommitments *prometheus.CounterVec
	Leader             prometheus.Gauge
	Deposits           *prometheus.CounterVec
	Transactions       *prometheus.CounterVec
}

// New registers all collectors on reg; a nil reg uses a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		SyncPasses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_passes_total",
			Help:      "Completed sync passes by result.",
		}, []string{"result"}),
		ChainSyncDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chain_sync_duration_seconds",
			Help:      "Duration of one chain's sync task.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"chain_id", "result"}),
		SyncedBlock: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "synced_block",
			Help:      "Last block durably applied per chain.",
		}, []string{"chain_id"}),
		ImportedEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "imported_events_total",
			Help:      "Events fetched from import sources.",
		}, []string{"chain_id", "source", "kind"}),
		AppliedEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "applied_events_total",
			Help:      "Events applied to local state.",
		}, []string{"chain_id", "kind"}),
		DuplicateSerials: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_serial_numbers_total",
			Help:      "Spent events matching more than one local commitment.",
		}, []string{"chain_id"}),
		ScannedCommitments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scanned_commitments_total",
			Help:      "Commitments scanned for ownership by result.",
		}, []string{"result"}),
		Leader: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_leader",
			Help:      "1 when this instance holds the sync lease.",
		}),
		Deposits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deposit_transitions_total",
			Help:      "Deposit status transitions.",
		}, []string{"status"}),
		Transactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transaction_transitions_total",
			Help:      "Transfer and withdraw status transitions.",
		}, []string{"kind", "status"}),
	}
}

func chainLabel(id uint64) string { return strconv.FormatUint(id, 10) }

func result(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}

func (m *Metrics) ObservePass(err error) {
	if m == nil {
		return
	}
	m.SyncPasses.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) ObserveChain(chainID uint64, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.ChainSyncDuration.WithLabelValues(chainLabel(chainID), result(err)).Observe(d.Seconds())
}

func (m *Metrics) SetSyncedBlock(chainID, block uint64) {
	if m == nil {
		return
	}
	m.SyncedBlock.WithLabelValues(chainLabel(chainID)).Set(float64(block))
}

func (m *Metrics) AddImported(chainID uint64, source, kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ImportedEvents.WithLabelValues(chainLabel(chainID), source, kind).Add(float64(n))
}

func (m *Metrics) IncApplied(chainID uint64, kind string) {
	if m == nil {
		return
	}
	m.AppliedEvents.WithLabelValues(chainLabel(chainID), kind).Inc()
}

func (m *Metrics) IncDuplicateSerial(chainID uint64) {
	if m == nil {
		return
	}
	m.DuplicateSerials.WithLabelValues(chainLabel(chainID)).Inc()
}

func (m *Metrics) IncScanned(matched bool) {
	if m == nil {
		return
	}
	r := "unmatched"
	if matched {
		r = "matched"
	}
	m.ScannedCommitments.WithLabelValues(r).Inc()
}

func (m *Metrics) SetLeader(leader bool) {
	if m == nil {
		return
	}
	if leader {
		m.Leader.Set(1)
		return
	}
	m.Leader.Set(0)
}

func (m *Metrics) IncDeposit(status string) {
	if m == nil {
		return
	}
	m.Deposits.WithLabelValues(status).Inc()
}

func (m *Metrics) IncTransaction(kind, status string) {
	if m == nil {
		return
	}
	m.Transactions.WithLabelValues(kind, status).Inc()
}
