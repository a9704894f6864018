// Package app assembles the poller runtime: the loaded model, the meter
// sessions, the table collector and one scheduled job per table.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/milad/meterpoller/internal/config"
	"github.com/milad/meterpoller/internal/domain"
	"github.com/milad/meterpoller/internal/modbus"
	"github.com/milad/meterpoller/internal/reader"
	"github.com/milad/meterpoller/internal/repo/memrepo"
	"github.com/milad/meterpoller/internal/scheduler"
	"github.com/milad/meterpoller/internal/service"
	"github.com/milad/meterpoller/internal/session"
	"github.com/milad/meterpoller/internal/sink"
)

// Options configure a Runtime. Model, Dialer and Sink are required.
type Options struct {
	Model  *domain.Model
	Dialer modbus.Dialer
	Sink   sink.Sink
	// Interval returns a table's reading interval.
	Interval    func(table string) time.Duration
	RunOnStart  bool
	HistorySize int
	Logger      *slog.Logger
}

// Runtime owns everything a running poller needs. Nothing is global; hosts
// hold the Runtime and pass it to whatever serves status.
type Runtime struct {
	model     *domain.Model
	sessions  *session.Manager
	collector *service.Collector
	readings  *service.ReadingsService
	scheduler *scheduler.Scheduler
	sink      sink.Sink
	logger    *slog.Logger
}

type sinkCloser interface {
	Close(ctx context.Context) error
}

// New builds the runtime and one job per table. The model must be fully
// loaded; jobs are not started.
func New(opts Options) (*Runtime, error) {
	if opts.Model == nil || opts.Dialer == nil || opts.Sink == nil {
		return nil, errors.New("app: model, dialer and sink are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.Interval
	if interval == nil {
		interval = func(string) time.Duration { return config.DefaultInterval }
	}

	history := memrepo.New(opts.HistorySize)
	sessions := session.NewManager(opts.Dialer, logger)
	collector := service.NewCollector(opts.Model,
		reader.New(sessions, logger), opts.Sink, logger,
		service.WithRecorder(history),
	)

	rt := &Runtime{
		model:     opts.Model,
		sessions:  sessions,
		collector: collector,
		readings:  service.NewReadingsService(history),
		scheduler: scheduler.New(logger),
		sink:      opts.Sink,
		logger:    logger,
	}

	for _, name := range opts.Model.TableNames() {
		table := opts.Model.Tables[name]
		job, err := scheduler.NewJob(name, interval(name), func(ctx context.Context) error {
			return collector.MeasureAndSave(ctx, table)
		}, scheduler.WithLogger(logger), scheduler.RunOnStart(opts.RunOnStart))
		if err != nil {
			return nil, err
		}
		if err := rt.scheduler.Add(job); err != nil {
			return nil, err
		}
	}
	return rt, nil
}

// Start starts every job.
func (r *Runtime) Start(ctx context.Context) error {
	r.logger.Info("starting jobs", "tables", len(r.model.Tables), "meters", len(r.model.Meters))
	return r.scheduler.Start(ctx)
}

// Stop stops every job, waiting for in-flight ticks, then closes the meter
// sessions and the sink.
func (r *Runtime) Stop(ctx context.Context) error {
	r.scheduler.Stop()

	// A failed session close must not cancel the sink's final flush.
	var g errgroup.Group
	g.Go(func() error {
		if err := r.sessions.Close(ctx); err != nil {
			return fmt.Errorf("close sessions: %w", err)
		}
		return nil
	})
	if c, ok := r.sink.(sinkCloser); ok {
		g.Go(func() error {
			if err := c.Close(ctx); err != nil {
				return fmt.Errorf("close sink: %w", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *Runtime) Model() *domain.Model { return r.model }

// Jobs returns the status of every job, sorted by table name.
func (r *Runtime) Jobs() []scheduler.Status { return r.scheduler.Snapshot() }

// Sessions returns the state of every meter in the model. Meters not used
// yet are Uninitialized.
func (r *Runtime) Sessions() map[string]session.State {
	out := make(map[string]session.State, len(r.model.Meters))
	for _, name := range r.model.MeterNames() {
		out[name] = r.sessions.State(name)
	}
	return out
}

// Preview reads a table once without ingesting it.
func (r *Runtime) Preview(ctx context.Context, table string) ([]domain.Reading, error) {
	t, err := r.collector.Table(table)
	if err != nil {
		return nil, err
	}
	return r.collector.Preview(ctx, t)
}

// ListReadings pages through recently produced readings.
func (r *Runtime) ListReadings(ctx context.Context, q service.ReadingsQuery) (service.ReadingsPage, error) {
	if q.Table != "" {
		if _, err := r.collector.Table(q.Table); err != nil {
			return service.ReadingsPage{}, err
		}
	}
	return r.readings.Query(ctx, q)
}

// Reconnect drops a meter's session and dials it again, waiting for any
// exchange in flight on it.
func (r *Runtime) Reconnect(ctx context.Context, meter string) error {
	m, err := r.collector.Meter(meter)
	if err != nil {
		return err
	}
	r.logger.Info("reconnecting meter", "meter", meter)
	return r.sessions.Reconnect(ctx, m)
}
