// Package scheduler runs named maintenance jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/j-veylop/repcache/internal/logger"
)

// Job is one unit of scheduled work.
type Job func(ctx context.Context) error

type entry struct {
	job      Job
	schedule string
	id       cron.EntryID
}

// Scheduler owns the schedule of every background job. Jobs never overlap
// with themselves; a run that is still going when the next tick fires causes
// that tick to be skipped.
type Scheduler struct {
	cron    *cron.Cron
	log     *slog.Logger
	jobs    map[string]*entry
	ctx     atomic.Pointer[context.Context]
	mu      sync.Mutex
	running bool
}

// New creates an empty scheduler.
func New() *Scheduler {
	s := &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cron.DiscardLogger),
			cron.SkipIfStillRunning(cron.DiscardLogger),
		)),
		log:  logger.Component("scheduler"),
		jobs: make(map[string]*entry),
	}
	bg := context.Background()
	s.ctx.Store(&bg)
	return s
}

// Add registers a job under a standard five-field cron expression. An empty
// schedule registers the job for manual triggering only.
func (s *Scheduler) Add(name, schedule string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("job %q already registered", name)
	}

	e := &entry{job: job, schedule: schedule}
	if schedule != "" {
		if _, err := cron.ParseStandard(schedule); err != nil {
			return fmt.Errorf("invalid cron schedule %q for %s: %w", schedule, name, err)
		}
		id, err := s.cron.AddFunc(schedule, func() { s.run(name, job) })
		if err != nil {
			return fmt.Errorf("failed to schedule %s: %w", name, err)
		}
		e.id = id
	}
	s.jobs[name] = e
	return nil
}

// Start begins running scheduled jobs until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.ctx.Store(&ctx)
	s.cron.Start()
	s.running = true

	for name, e := range s.jobs {
		if e.schedule != "" {
			s.log.Info("job scheduled", "job", name, "schedule", e.schedule)
		}
	}

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	done := s.cron.Stop()
	<-done.Done()
	s.running = false
	s.log.Info("scheduler stopped")
}

// IsRunning returns true if the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Trigger runs a job immediately on the caller's goroutine.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return e.job(ctx)
}

// NextRun returns the next scheduled run of a job, or nil when the job is
// unscheduled or the scheduler is not running.
func (s *Scheduler) NextRun(name string) *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[name]
	if !ok || e.id == 0 || !s.running {
		return nil
	}
	next := s.cron.Entry(e.id).Next
	if next.IsZero() {
		return nil
	}
	return &next
}

// Jobs returns the registered job names in order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Scheduler) run(name string, job Job) {
	ctx := *s.ctx.Load()

	start := time.Now()
	s.log.Debug("job started", "job", name)
	if err := job(ctx); err != nil {
		s.log.Error("job failed", "job", name, "error", err)
		return
	}
	s.log.Debug("job completed", "job", name, "duration", time.Since(start))
}
