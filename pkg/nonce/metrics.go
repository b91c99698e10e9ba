package nonce

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Rejection reasons. They are recorded in logs and metrics only; Validate
// never reports them to the caller.
const (
	ReasonMalformed         = "malformed"
	ReasonExpired           = "expired"
	ReasonFutureDated       = "future_dated"
	ReasonSignatureMismatch = "signature_mismatch"
	ReasonReplayed          = "replayed"
	ReasonStaleCount        = "stale_count"
	ReasonLedgerError       = "ledger_error"
)

// Metrics tracks nonce issuance and validation.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Issued            prometheus.Counter
	Validations       *prometheus.CounterVec
	Rejections        *prometheus.CounterVec
	LedgerEntries     prometheus.Gauge
	ScheduledRemovals prometheus.Counter
}

// NewMetrics creates nonce metrics and registers them on registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		Issued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nonce",
			Name:      "issued_total",
			Help:      "Total number of nonces issued",
		}),
		Validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nonce",
			Name:      "validations_total",
			Help:      "Total number of nonce validations by result",
		}, []string{"result"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nonce",
			Name:      "rejections_total",
			Help:      "Total number of rejected nonces by reason",
		}, []string{"reason"}),
		LedgerEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nonce",
			Name:      "ledger_entries",
			Help:      "Number of in-memory replay ledger entries awaiting scheduled removal",
		}),
		ScheduledRemovals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nonce",
			Name:      "scheduled_removals_total",
			Help:      "Total number of ledger removals executed by the scheduler",
		}),
	}

	if registry != nil {
		registry.MustRegister(m.Issued, m.Validations, m.Rejections, m.LedgerEntries, m.ScheduledRemovals)
	}
	return m
}

func (m *Metrics) issued() {
	if m == nil {
		return
	}
	m.Issued.Inc()
}

func (m *Metrics) accepted() {
	if m == nil {
		return
	}
	m.Validations.WithLabelValues("accepted").Inc()
}

func (m *Metrics) rejected(reason string) {
	if m == nil {
		return
	}
	m.Validations.WithLabelValues("rejected").Inc()
	m.Rejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) entryAdded() {
	if m == nil {
		return
	}
	m.LedgerEntries.Inc()
}

func (m *Metrics) entryRemoved() {
	if m == nil {
		return
	}
	m.LedgerEntries.Dec()
	m.ScheduledRemovals.Inc()
}

func (m *Metrics) entriesDiscarded(n int) {
	if m == nil || n == 0 {
		return
	}
	m.LedgerEntries.Sub(float64(n))
}
