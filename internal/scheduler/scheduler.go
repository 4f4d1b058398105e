// Package scheduler runs periodic in-process maintenance jobs on cron schedules.
// Jobs never overlap with themselves: a run that is still in progress when
// its next tick fires causes that tick to be skipped.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a named unit of periodic work.
type Job struct {
	Name string
	Spec string // Standard 5-field cron expression or descriptor such as "@every 10m".
	Run  func(ctx context.Context) error
}

// Scheduler owns a cron runner and the jobs registered on it.
type Scheduler struct {
	cron    *cron.Cron
	parser  cron.Parser
	metrics *Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	running map[string]bool
	ctx     context.Context
}

// New creates a Scheduler. metrics may be nil.
func New(metrics *Metrics, logger *slog.Logger) *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		cron:    cron.New(cron.WithParser(parser)),
		parser:  parser,
		metrics: metrics,
		logger:  logger,
		running: make(map[string]bool),
		ctx:     context.Background(),
	}
}

// Add registers a job. It must be called before Start.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("scheduler: job requires a name and a run function")
	}
	if _, err := s.parser.Parse(job.Spec); err != nil {
		return fmt.Errorf("scheduler: invalid spec %q for job %s: %w", job.Spec, job.Name, err)
	}
	if _, err := s.cron.AddFunc(job.Spec, func() { s.runJob(job) }); err != nil {
		return fmt.Errorf("scheduler: adding job %s: %w", job.Name, err)
	}
	s.logger.Info("scheduled job registered",
		slog.String("job", job.Name),
		slog.String("spec", job.Spec),
	)
	return nil
}

// Start begins running jobs. Returns a stop function that waits for
// in-flight runs to finish.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.logger.InfoContext(ctx, "scheduler started", slog.Int("jobs", len(s.cron.Entries())))

	return func() {
		cancel()
		<-s.cron.Stop().Done()
		s.logger.Info("scheduler stopped")
	}
}

// runJob executes one tick of job, skipping it when the previous run is still going.
func (s *Scheduler) runJob(job Job) {
	s.mu.Lock()
	if s.running[job.Name] {
		s.mu.Unlock()
		s.logger.Warn("skipping job tick, previous run still in progress", slog.String("job", job.Name))
		if s.metrics != nil {
			s.metrics.JobsSkipped.WithLabelValues(job.Name).Inc()
		}
		return
	}
	s.running[job.Name] = true
	ctx := s.ctx
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, job.Name)
		s.mu.Unlock()
	}()

	start := time.Now()
	err := job.Run(ctx)
	status := "success"
	if err != nil {
		status = "error"
		s.logger.ErrorContext(ctx, "scheduled job failed",
			slog.String("job", job.Name),
			slog.String("error", err.Error()),
		)
	}

	if s.metrics != nil {
		s.metrics.JobsRun.WithLabelValues(job.Name, status).Inc()
		s.metrics.JobDuration.WithLabelValues(job.Name).Observe(time.Since(start).Seconds())
	}
}

// Sweeper removes idle entries and reports how many were removed.
type Sweeper interface {
	Sweep(idleFor time.Duration) int
}

// HistorySweep returns a job that drops conversations idle for longer than idleFor,
// checking every interval.
func HistorySweep(store Sweeper, idleFor, interval time.Duration, logger *slog.Logger) Job {
	return Job{
		Name: "history-sweep",
		Spec: "@every " + interval.String(),
		Run: func(ctx context.Context) error {
			removed := store.Sweep(idleFor)
			if removed > 0 {
				logger.InfoContext(ctx, "idle conversations swept",
					slog.Int("removed", removed),
					slog.String("idle_for", idleFor.String()),
				)
			}
			return nil
		},
	}
}
