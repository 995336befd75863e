package observability

import "github.com/prometheus/client_golang/prometheus"

// LedgerMetrics counts ledger core events. All methods are nil-safe.
type LedgerMetrics struct {
	entries   *prometheus.CounterVec
	retries   *prometheus.CounterVec
	secondary *prometheus.CounterVec
	sagaSteps *prometheus.CounterVec
	integrity *prometheus.CounterVec
}

// NewLedgerMetrics registers the ledger collectors on registerer.
func NewLedgerMetrics(registerer prometheus.Registerer) *LedgerMetrics {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	m := &LedgerMetrics{
		entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retail_ledger_entries_total",
			Help: "Ledger and store-credit entries appended, by rail and kind.",
		}, []string{"rail", "kind"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retail_ledger_retries_total",
			Help: "Optimistic concurrency retries, by operation.",
		}, []string{"operation"}),
		secondary: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retail_ledger_secondary_failures_total",
			Help: "Best-effort bookkeeping steps that failed, by operation and step.",
		}, []string{"operation", "step"}),
		sagaSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retail_ledger_saga_steps_total",
			Help: "Conversion saga step executions, by step and outcome.",
		}, []string{"step", "outcome"}),
		integrity: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retail_ledger_integrity_mismatches_total",
			Help: "Balance chain mismatches found by the integrity scan, by subject.",
		}, []string{"subject"}),
	}
	registerer.MustRegister(m.entries, m.retries, m.secondary, m.sagaSteps, m.integrity)
	return m
}

func (m *LedgerMetrics) EntryAppended(rail, kind string) {
	if m == nil {
		return
	}
	m.entries.WithLabelValues(rail, kind).Inc()
}

func (m *LedgerMetrics) Retry(operation string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(operation).Inc()
}

// SecondaryFailure satisfies shared.FailureCounter.
func (m *LedgerMetrics) SecondaryFailure(operation, step string) {
	if m == nil {
		return
	}
	m.secondary.WithLabelValues(operation, step).Inc()
}

func (m *LedgerMetrics) SagaStep(step, outcome string) {
	if m == nil {
		return
	}
	m.sagaSteps.WithLabelValues(step, outcome).Inc()
}

func (m *LedgerMetrics) IntegrityMismatch(subject string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.integrity.WithLabelValues(subject).Add(float64(count))
}
