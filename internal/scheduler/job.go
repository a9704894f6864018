// Package scheduler runs one periodic job per table.
//
// Every job owns a goroutine that waits on a ticker and runs the job's tick
// function. Stopping a job cancels the wait and blocks until the goroutine
// has returned, so an in-flight tick always completes and two ticks of one
// job never overlap.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/milad/meterpoller/internal/metrics"
)

var (
	ErrNotCreated   = errors.New("job already started or stopped")
	ErrDuplicateJob = errors.New("duplicate job")
)

// State is the lifecycle of a job.
type State uint32

const (
	StateCreated State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateRunning:
		return "RUNNING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// TickFunc is one unit of work. The context is not cancelled by Stop.
type TickFunc func(ctx context.Context) error

// Status is a point-in-time view of a job.
type Status struct {
	Name         string
	Interval     time.Duration
	State        State
	Ticks        uint64
	Failures     uint64
	LastStart    time.Time
	LastDuration time.Duration
	LastError    string
	Running      bool
}

type Job struct {
	name       string
	interval   time.Duration
	fn         TickFunc
	logger     *slog.Logger
	runOnStart bool

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
	status Status
}

type Option func(*Job)

// WithLogger sets the job logger.
func WithLogger(l *slog.Logger) Option {
	return func(j *Job) {
		if l != nil {
			j.logger = l
		}
	}
}

// RunOnStart makes the first tick happen immediately instead of after one
// interval.
func RunOnStart(v bool) Option {
	return func(j *Job) { j.runOnStart = v }
}

func NewJob(name string, interval time.Duration, fn TickFunc, opts ...Option) (*Job, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("job %q: interval must be > 0, got %s", name, interval)
	}
	if fn == nil {
		return nil, fmt.Errorf("job %q: nil tick func", name)
	}
	j := &Job{
		name:     name,
		interval: interval,
		fn:       fn,
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(j)
	}
	j.logger = j.logger.With("table", name)
	return j, nil
}

func (j *Job) Name() string { return j.name }

func (j *Job) Interval() time.Duration { return j.interval }

// Start begins ticking. A job can be started once.
func (j *Job) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StateCreated {
		return fmt.Errorf("%w: %s is %s", ErrNotCreated, j.name, j.state)
	}
	ctx, j.cancel = context.WithCancel(ctx)
	j.state = StateRunning
	go j.run(ctx)
	j.logger.Info("job started", "interval", j.interval)
	return nil
}

// Stop cancels the wait for the next tick and returns once an in-flight tick
// has finished. It is safe to call more than once and on a job that never
// started.
func (j *Job) Stop() {
	j.mu.Lock()
	switch j.state {
	case StateCreated:
		j.state = StateStopped
		close(j.done)
		j.mu.Unlock()
		return
	case StateRunning:
		j.state = StateStopped
		j.cancel()
	}
	j.mu.Unlock()

	<-j.done
}

// Done is closed once the job has stopped and no tick is running.
func (j *Job) Done() <-chan struct{} { return j.done }

func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	st := j.status
	st.Name = j.name
	st.Interval = j.interval
	st.State = j.state
	return st
}

func (j *Job) run(ctx context.Context) {
	defer close(j.done)

	if j.runOnStart {
		j.tick(ctx)
	}

	t := time.NewTicker(j.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			// Both cases may be ready; stop wins.
			if ctx.Err() != nil {
				return
			}
			j.tick(ctx)
		}
	}
}

func (j *Job) tick(ctx context.Context) {
	tickID := uuid.NewString()
	log := j.logger.With("tick_id", tickID)
	start := time.Now()

	j.mu.Lock()
	j.status.Running = true
	j.status.LastStart = start
	j.mu.Unlock()

	err := j.call(context.WithoutCancel(ctx), log)
	dur := time.Since(start)
	metrics.ObserveTick(j.name, err, dur)

	j.mu.Lock()
	j.status.Running = false
	j.status.Ticks++
	j.status.LastDuration = dur
	j.status.LastError = ""
	if err != nil {
		j.status.Failures++
		j.status.LastError = err.Error()
	}
	j.mu.Unlock()

	if err != nil {
		log.Warn("tick failed", "duration", dur, "err", err)
		return
	}
	log.Debug("tick done", "duration", dur)
}

// call runs the tick function, turning a panic into an error.
func (j *Job) call(ctx context.Context, log *slog.Logger) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("tick panicked", "panic", rec, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return j.fn(ctx)
}
