package triage

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the triage subsystem.
type Metrics struct {
	Presented prometheus.Counter
	Actions   *prometheus.CounterVec
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Presented: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medwatch_triage_presented_total",
			Help: "Critical alerts presented for triage.",
		}),
		Actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medwatch_triage_actions_total",
			Help: "Triage actions by kind and outcome (resolved, fallback, failed).",
		}, []string{"kind", "outcome"}),
	}

	reg.MustRegister(
		m.Presented,
		m.Actions,
	)

	return m
}
