package history

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the conversation table.
type Metrics struct {
	Conversations prometheus.Gauge
	EvictedTurns  prometheus.Counter
	Swept         prometheus.Counter
}

// NewMetrics creates and registers history metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Conversations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatrelay",
			Subsystem: "history",
			Name:      "conversations",
			Help:      "Number of conversations currently held in memory.",
		}),
		EvictedTurns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Subsystem: "history",
			Name:      "evicted_turns_total",
			Help:      "Total turns dropped by the history bound.",
		}),
		Swept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Subsystem: "history",
			Name:      "swept_conversations_total",
			Help:      "Total idle conversations removed by the sweeper.",
		}),
	}

	reg.MustRegister(m.Conversations, m.EvictedTurns, m.Swept)
	return m
}
