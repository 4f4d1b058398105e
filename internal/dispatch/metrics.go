package dispatch

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for event dispatch.
type Metrics struct {
	Events *prometheus.CounterVec
}

// NewMetrics creates and registers dispatch metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Subsystem: "dispatch",
			Name:      "events_total",
			Help:      "Total webhook events handled by event type, action and status.",
		}, []string{"event_type", "action", "status"}),
	}

	reg.MustRegister(m.Events)
	return m
}
