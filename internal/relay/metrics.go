package relay

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for relay operations.
type Metrics struct {
	Requests   *prometheus.CounterVec
	Duration   *prometheus.HistogramVec
	ReplyBytes *prometheus.HistogramVec
}

// NewMetrics creates and registers relay metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Subsystem: "relay",
			Name:      "requests_total",
			Help:      "Total relay operations by operation and status.",
		}, []string{"op", "status"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chatrelay",
			Subsystem: "relay",
			Name:      "duration_seconds",
			Help:      "End-to-end relay duration including the wait for the conversation lock.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"op"}),
		ReplyBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chatrelay",
			Subsystem: "relay",
			Name:      "reply_bytes",
			Help:      "Size of generated replies in bytes.",
			Buckets:   prometheus.ExponentialBuckets(16, 2, 10),
		}, []string{"op"}),
	}

	reg.MustRegister(m.Requests, m.Duration, m.ReplyBytes)
	return m
}
