// Package scheduler runs in-process housekeeping jobs (idle session reaping,
// history pruning) on cron schedules.
//
// Schedules use the standard five-field cron syntax or descriptors such as
// "@every 1m" and "@hourly". A job never overlaps with itself: a run that is
// still in progress when the job comes due again is skipped.
package scheduler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultPollInterval is how often due jobs are checked.
const DefaultPollInterval = 5 * time.Second

// JobFunc is one run of a job.
type JobFunc func(ctx context.Context) error

type job struct {
	name     string
	spec     string
	schedule cron.Schedule
	run      JobFunc

	mu      sync.Mutex
	nextRun time.Time
	running atomic.Bool
}

// Scheduler polls its registered jobs and fires those that are due.
type Scheduler struct {
	metrics      *Metrics
	logger       *slog.Logger
	pollInterval time.Duration
	parser       cron.Parser
	now          func() time.Time

	mu   sync.Mutex
	jobs []*job
	wg   sync.WaitGroup
}

// New creates a Scheduler. A non-positive pollInterval selects DefaultPollInterval.
func New(metrics *Metrics, logger *slog.Logger, pollInterval time.Duration) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Scheduler{
		metrics:      metrics,
		logger:       logger,
		pollInterval: pollInterval,
		parser:       cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:          time.Now,
	}
}

// Add registers a job. Returns an error for an invalid schedule.
func (s *Scheduler) Add(name, spec string, fn JobFunc) error {
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", spec, name, err)
	}

	j := &job{
		name:     name,
		spec:     spec,
		schedule: sched,
		run:      fn,
		nextRun:  sched.Next(s.now().UTC()),
	}

	s.mu.Lock()
	s.jobs = append(s.jobs, j)
	s.mu.Unlock()
	return nil
}

// Len returns the number of registered jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Start begins the scheduler loop. Returns a cancel function that stops the
// loop and waits for running jobs to return.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		s.logger.InfoContext(ctx, "housekeeping scheduler started",
			slog.String("poll_interval", s.pollInterval.String()),
			slog.Int("jobs", s.Len()),
		)

		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("housekeeping scheduler stopped")
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()

	return func() {
		cancel()
		<-done
		s.wg.Wait()
	}
}

// tick fires every due job.
func (s *Scheduler) tick(ctx context.Context) {
	start := s.now()
	now := start.UTC()

	s.mu.Lock()
	jobs := make([]*job, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.Unlock()

	for _, j := range jobs {
		j.mu.Lock()
		due := !now.Before(j.nextRun)
		if due {
			j.nextRun = j.schedule.Next(now)
		}
		j.mu.Unlock()
		if !due {
			continue
		}

		if !j.running.CompareAndSwap(false, true) {
			s.logger.WarnContext(ctx, "job still running, skipping",
				slog.String("job", j.name),
			)
			s.metrics.record(j.name, outcomeSkipped, now)
			continue
		}

		s.wg.Add(1)
		go func(j *job) {
			defer s.wg.Done()
			defer j.running.Store(false)
			s.fire(ctx, j)
		}(j)
	}

	s.metrics.observeTick(time.Since(start))
}

// RunNow fires a job synchronously by name, regardless of its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var target *job
	for _, j := range s.jobs {
		if j.name == name {
			target = j
			break
		}
	}
	s.mu.Unlock()
	if target == nil {
		return fmt.Errorf("unknown job %q", name)
	}
	return s.fire(ctx, target)
}

// fire runs a single job and records the outcome. Panics are recovered and
// reported as failures.
func (s *Scheduler) fire(ctx context.Context, j *job) (err error) {
	runID := newRunID()
	start := s.now()

	s.metrics.record(j.name, outcomeFired, start)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", j.name, r)
		}

		if err != nil {
			s.logger.ErrorContext(ctx, "housekeeping job failed",
				slog.String("job", j.name),
				slog.String("run_id", runID),
				slog.String("error", err.Error()),
			)
			s.metrics.record(j.name, outcomeFailed, s.now())
			return
		}

		s.logger.DebugContext(ctx, "housekeeping job finished",
			slog.String("job", j.name),
			slog.String("run_id", runID),
			slog.Duration("duration", time.Since(start)),
		)
		s.metrics.record(j.name, outcomeSucceeded, s.now())
	}()

	return j.run(ctx)
}

func newRunID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
