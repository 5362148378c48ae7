package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can serve it.
	Registry *prometheus.Registry

	appliesTotal   *prometheus.CounterVec
	applyDuration  prometheus.Histogram
	conflictsTotal prometheus.Counter
	retriesTotal   prometheus.Counter
	queueDepth     prometheus.Gauge
	accrualTotal   *prometheus.CounterVec
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// engine metrics in it. A private registry avoids "duplicate collector"
// panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		appliesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_applies_total",
				Help: "Total apply calls by entry type and outcome.",
			},
			[]string{"type", "outcome"},
		),
		applyDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ledger_apply_duration_seconds",
				Help:    "Duration of successful apply calls.",
				Buckets: prometheus.DefBuckets,
			},
		),
		conflictsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_version_conflicts_total",
				Help: "Optimistic concurrency conflicts detected.",
			},
		),
		retriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_apply_retries_total",
				Help: "Internal apply retries after a version conflict.",
			},
		),
		queueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ledger_queue_depth",
				Help: "Pending requests waiting for a worker.",
			},
		),
		accrualTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_accrual_accounts_total",
				Help: "Accounts touched by accrual runs, by result.",
			},
			[]string{"result"},
		),
	}
}

func (m *Metrics) observeApply(t EntryType, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.appliesTotal.WithLabelValues(string(t), outcome).Inc()
	if outcome == "completed" {
		m.applyDuration.Observe(seconds)
	}
}

func (m *Metrics) observeConflict() {
	if m == nil {
		return
	}
	m.conflictsTotal.Inc()
}

func (m *Metrics) observeRetry() {
	if m == nil {
		return
	}
	m.retriesTotal.Inc()
}

func (m *Metrics) setQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) observeAccrual(result string, n int) {
	if m == nil {
		return
	}
	m.accrualTotal.WithLabelValues(result).Add(float64(n))
}
