package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Scheduler owns a set of independent jobs.
type Scheduler struct {
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*Job
}

func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{logger: logger, jobs: make(map[string]*Job)}
}

// Add registers a job. Names are unique.
func (s *Scheduler) Add(j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, j.Name())
	}
	s.jobs[j.Name()] = j
	return nil
}

// Job returns the job registered under name.
func (s *Scheduler) Job(name string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	return j, ok
}

func (s *Scheduler) sorted() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name() < out[b].Name() })
	return out
}

// Start starts every job that has not been started yet.
func (s *Scheduler) Start(ctx context.Context) error {
	var errs []error
	for _, j := range s.sorted() {
		if j.Status().State != StateCreated {
			continue
		}
		if err := j.Start(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stop stops every job concurrently and waits for all in-flight ticks.
func (s *Scheduler) Stop() {
	jobs := s.sorted()
	var wg sync.WaitGroup
	wg.Add(len(jobs))
	for _, j := range jobs {
		go func() {
			defer wg.Done()
			j.Stop()
		}()
	}
	wg.Wait()
	s.logger.Info("scheduler stopped", "jobs", len(jobs))
}

// Snapshot returns the status of every job, sorted by name.
func (s *Scheduler) Snapshot() []Status {
	jobs := s.sorted()
	out := make([]Status, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Status())
	}
	return out
}
