package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for scheduled jobs.
type Metrics struct {
	JobsRun     *prometheus.CounterVec
	JobsSkipped *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		JobsRun: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Subsystem: "scheduler",
			Name:      "jobs_run_total",
			Help:      "Total scheduled job runs by job and status.",
		}, []string{"job", "status"}),
		JobsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Subsystem: "scheduler",
			Name:      "jobs_skipped_total",
			Help:      "Total job ticks skipped because the previous run was still in progress.",
		}, []string{"job"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chatrelay",
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Duration of each scheduled job run.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"job"}),
	}

	reg.MustRegister(m.JobsRun, m.JobsSkipped, m.JobDuration)
	return m
}
