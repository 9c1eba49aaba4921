package channel

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the realtime channel.
type Metrics struct {
	Connects  *prometheus.CounterVec
	Closes    *prometheus.CounterVec
	Frames    *prometheus.CounterVec
	Retries   prometheus.Counter
	Exhausted prometheus.Counter
}

// NewMetrics registers and returns channel metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medwatch_channel_connects_total",
			Help: "Connection attempts by outcome (ok, error).",
		}, []string{"outcome"}),
		Closes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medwatch_channel_closes_total",
			Help: "Connection closes by class (terminal, transient).",
		}, []string{"class"}),
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medwatch_channel_frames_total",
			Help: "Inbound frames by disposition (notification, duplicate, control, malformed).",
		}, []string{"kind"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medwatch_channel_retries_total",
			Help: "Reconnect attempts scheduled.",
		}),
		Exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medwatch_channel_retry_ceiling_total",
			Help: "Times the reconnect ceiling was reached.",
		}),
	}

	reg.MustRegister(
		m.Connects,
		m.Closes,
		m.Frames,
		m.Retries,
		m.Exhausted,
	)

	return m
}
