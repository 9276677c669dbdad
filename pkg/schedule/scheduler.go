// Package schedule re-runs evaluations on cron schedules.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrInvalidJob   = errors.New("invalid scheduled job")
	ErrDuplicateJob = errors.New("duplicate scheduled job")
)

// Job is one named unit of work run on a cron expression.
type Job struct {
	Name string
	Cron string
	Run  func(ctx context.Context) error
}

// Entry describes a registered job.
type Entry struct {
	Name string
	Cron string
	Next time.Time
	Prev time.Time
}

type Scheduler struct {
	logger *slog.Logger
	cron   *cron.Cron
	jobs   map[string]cron.EntryID
	specs  map[string]string
	mutex  sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		logger: logger.With("module", "scheduler"),
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cron.DefaultLogger),
			cron.Recover(cron.DefaultLogger),
		)),
		jobs:  make(map[string]cron.EntryID),
		specs: make(map[string]string),
		ctx:   context.Background(),
	}
}

// Validate checks a job before it is added.
func Validate(job Job) error {
	if job.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidJob)
	}

	if job.Run == nil {
		return fmt.Errorf("%w: %s has no run function", ErrInvalidJob, job.Name)
	}

	if _, err := cron.ParseStandard(job.Cron); err != nil {
		return fmt.Errorf("%w: invalid cron expression '%s' for %s: %w", ErrInvalidJob, job.Cron, job.Name, err)
	}

	return nil
}

func (s *Scheduler) Add(job Job) error {
	err := Validate(job)
	if err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.Name)
	}

	entryID, err := s.cron.AddFunc(job.Cron, func() { s.run(job) })
	if err != nil {
		return fmt.Errorf("failed to add cron job %s: %w", job.Name, err)
	}

	s.jobs[job.Name] = entryID
	s.specs[job.Name] = job.Cron

	s.logger.Info("Added cron job", "job", job.Name, "cron", job.Cron, "entry_id", entryID)

	return nil
}

func (s *Scheduler) Remove(name string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	entryID, ok := s.jobs[name]
	if !ok {
		return false
	}

	s.cron.Remove(entryID)
	delete(s.jobs, name)
	delete(s.specs, name)

	return true
}

func (s *Scheduler) run(job Job) {
	s.mutex.RLock()
	ctx := s.ctx
	s.mutex.RUnlock()

	logger := s.logger.With("job", job.Name)
	logger.DebugContext(ctx, "Running scheduled job")

	start := time.Now()

	err := job.Run(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "Scheduled job failed", "error", err, "duration", time.Since(start))

		return
	}

	logger.InfoContext(ctx, "Scheduled job finished", "duration", time.Since(start))
}

// Start runs the scheduler until Stop or until ctx is done. Jobs receive ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mutex.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mutex.Unlock()

	s.logger.InfoContext(ctx, "Starting scheduler", "jobs", len(s.Entries()))
	s.cron.Start()

	go func() {
		<-s.ctx.Done()
		s.cron.Stop()
	}()
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mutex.RLock()
	cancel := s.cancel
	s.mutex.RUnlock()

	if cancel != nil {
		cancel()
	}

	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

// Entries lists registered jobs sorted by name.
func (s *Scheduler) Entries() []Entry {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	entries := make([]Entry, 0, len(s.jobs))

	for name, id := range s.jobs {
		e := s.cron.Entry(id)
		entries = append(entries, Entry{Name: name, Cron: s.specs[name], Next: e.Next, Prev: e.Prev})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	return entries
}
