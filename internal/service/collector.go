package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/milad/meterpoller/internal/domain"
	"github.com/milad/meterpoller/internal/metrics"
	"github.com/milad/meterpoller/internal/sink"
)

// SetReader reads a register set from one meter, all or nothing.
type SetReader interface {
	ReadSet(ctx context.Context, meter *domain.Meter, regs map[string]domain.Register) (domain.Row, error)
}

// Recorder keeps produced readings for status surfaces.
type Recorder interface {
	Append(r domain.Reading)
}

// Collector reads tables and hands their rows to the sink.
type Collector struct {
	model    *domain.Model
	reader   SetReader
	sink     sink.Sink
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

type CollectorOption func(*Collector)

// WithRecorder records every produced reading, whether or not the sink
// accepted it.
func WithRecorder(r Recorder) CollectorOption {
	return func(c *Collector) { c.recorder = r }
}

// WithClock replaces time.Now for row timestamps.
func WithClock(now func() time.Time) CollectorOption {
	return func(c *Collector) { c.now = now }
}

func NewCollector(model *domain.Model, reader SetReader, s sink.Sink, logger *slog.Logger, opts ...CollectorOption) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Collector{
		model:  model,
		reader: reader,
		sink:   s,
		logger: logger,
		now:    time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Table looks up a table by name.
// Meter returns the named meter of the model.
func (c *Collector) Meter(name string) (*domain.Meter, error) {
	m, ok := c.model.Meters[name]
	if !ok {
		return nil, fmt.Errorf("%w: meter %q", ErrUnknownMeter, name)
	}
	return m, nil
}

func (c *Collector) Table(name string) (*domain.Table, error) {
	t, ok := c.model.Tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: table %q", ErrUnknownTable, name)
	}
	return t, nil
}

// MeasureAndSave reads every row of the table and ingests it. Simple tables
// yield one row; symbolic tables yield one row per symbol, tagged with the
// symbol value. A failed symbol does not stop the others; the returned
// error joins every failure. Sink failures are logged and never returned.
func (c *Collector) MeasureAndSave(ctx context.Context, table *domain.Table) error {
	readings, err := c.measure(ctx, table)
	for _, r := range readings {
		c.save(ctx, r)
	}
	return err
}

// Preview reads the table like MeasureAndSave but ingests nothing.
func (c *Collector) Preview(ctx context.Context, table *domain.Table) ([]domain.Reading, error) {
	return c.measure(ctx, table)
}

func (c *Collector) measure(ctx context.Context, table *domain.Table) ([]domain.Reading, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	ts := c.now()

	if table.Kind == domain.TableSimple {
		row, err := c.readRow(ctx, table, table.Fields)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", table.Name, err)
		}
		return []domain.Reading{{Table: table.Name, Values: row, Time: ts}}, nil
	}

	var (
		out  []domain.Reading
		errs []error
	)
	for _, symbol := range table.SymbolValues() {
		row, err := c.readRow(ctx, table, table.Symbols[symbol])
		if err != nil {
			errs = append(errs, fmt.Errorf("table %s %s=%s: %w", table.Name, table.SymbolField, symbol, err))
			continue
		}
		out = append(out, domain.Reading{
			Table:  table.Name,
			Tags:   map[string]string{table.SymbolField: symbol},
			Values: row,
			Time:   ts,
		})
	}
	return out, errors.Join(errs...)
}

// readRow groups fields by owning meter and reads each group as one set.
// Any failed group discards the row.
func (c *Collector) readRow(ctx context.Context, table *domain.Table, fields map[string]domain.Register) (domain.Row, error) {
	groups := make(map[string]map[string]domain.Register)
	for name, reg := range fields {
		m := table.MeterOf(reg)
		if groups[m] == nil {
			groups[m] = make(map[string]domain.Register)
		}
		groups[m][name] = reg
	}

	row := make(domain.Row, len(fields))
	for _, name := range slices.Sorted(maps.Keys(groups)) {
		meter, err := c.model.Meter(name)
		if err != nil {
			return nil, err
		}
		part, err := c.reader.ReadSet(ctx, meter, groups[name])
		if err != nil {
			return nil, err
		}
		maps.Copy(row, part)
	}
	return row, nil
}

func (c *Collector) save(ctx context.Context, r domain.Reading) {
	if c.recorder != nil {
		c.recorder.Append(r)
	}
	err := c.sink.Ingest(ctx, r.Table, r.Values, r.Tags, r.Time)
	metrics.ObserveIngest(r.Table, err)
	if err != nil {
		c.logger.Warn("ingest failed", "table", r.Table, "tags", r.Tags, "err", err)
	}
}
