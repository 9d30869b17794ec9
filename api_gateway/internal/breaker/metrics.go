package breaker

import "github.com/prometheus/client_golang/prometheus"

// Metrics exports breaker state as Prometheus series.
type Metrics struct {
	state       *prometheus.GaugeVec
	transitions *prometheus.CounterVec
}

// NewMetrics registers breaker series on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// 0=closed, 1=half-open, 2=open
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circuit_breaker_state_transitions_total",
				Help: "Total number of circuit breaker state transitions",
			},
			[]string{"name", "from", "to"},
		),
	}
	reg.MustRegister(m.state, m.transitions)
	return m
}

func (m *Metrics) recordTransition(name string, from, to State) {
	m.transitions.WithLabelValues(name, from.String(), to.String()).Inc()
	m.state.WithLabelValues(name).Set(float64(to))
}
