// Package reader reads a set of registers from one meter as a single
// all-or-nothing operation.
package reader

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/milad/meterpoller/internal/decode"
	"github.com/milad/meterpoller/internal/domain"
	"github.com/milad/meterpoller/internal/metrics"
	"github.com/milad/meterpoller/internal/modbus"
)

// Sessions hands out exclusive use of a meter's transport.
type Sessions interface {
	Do(ctx context.Context, meter *domain.Meter, fn func(modbus.Transport) error) error
}

type Reader struct {
	sessions Sessions
	logger   *slog.Logger
}

func New(sessions Sessions, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{sessions: sessions, logger: logger}
}

type planned struct {
	field string
	reg   domain.Register
	rt    domain.RegisterType
}

// plan resolves every register type before any I/O so that configuration
// mistakes never cost a round trip.
func plan(meter *domain.Meter, regs map[string]domain.Register) ([]planned, error) {
	fields := make([]string, 0, len(regs))
	for f := range regs {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	out := make([]planned, 0, len(fields))
	for _, f := range fields {
		reg := regs[f]
		rt, err := meter.RegisterType(reg.Type)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f, err)
		}
		if rt.Length < 1 || rt.Length > domain.MaxRegisterLength {
			return nil, fmt.Errorf("%w: register type %q length %d", domain.ErrRegisterLength, rt.Name, rt.Length)
		}
		switch rt.ReadKind {
		case domain.ReadInput, domain.ReadHolding:
		default:
			return nil, fmt.Errorf("%w: %q for register type %q", domain.ErrUnsupportedReadKind, rt.ReadKind, rt.Name)
		}
		out = append(out, planned{field: f, reg: reg, rt: rt})
	}
	return out, nil
}

// ReadSet reads every register in regs from meter, holding the meter's
// session for the whole set. Either every field is decoded or an error is
// returned and nothing is.
func (r *Reader) ReadSet(ctx context.Context, meter *domain.Meter, regs map[string]domain.Register) (domain.Row, error) {
	steps, err := plan(meter, regs)
	if err != nil {
		return nil, err
	}

	row := make(domain.Row, len(steps))
	err = r.sessions.Do(ctx, meter, func(t modbus.Transport) error {
		for _, s := range steps {
			if err := ctx.Err(); err != nil {
				return err
			}
			words, err := r.read(meter, t, s)
			if err != nil {
				return err
			}
			v, err := decode.Decode(s.rt, words)
			if err != nil {
				return fmt.Errorf("field %q: %w", s.field, err)
			}
			row[s.field] = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (r *Reader) read(meter *domain.Meter, t modbus.Transport, s planned) ([]uint16, error) {
	slave := meter.ID.SlaveID
	count := uint16(s.rt.Length)

	start := time.Now()
	var (
		words []uint16
		err   error
	)
	if s.rt.ReadKind == domain.ReadHolding {
		words, err = t.ReadHoldingRegisters(s.reg.Address, count, slave)
	} else {
		words, err = t.ReadInputRegisters(s.reg.Address, count, slave)
	}
	metrics.ObserveRegisterRead(meter.Name(), err, time.Since(start))
	if err != nil {
		r.logger.Debug("register read failed",
			"meter", meter.Name(), "register", s.reg.Address, "type", s.rt.Name, "err", err)
		return nil, fmt.Errorf("%w: meter %q register %d: %w", domain.ErrRead, meter.Name(), s.reg.Address, err)
	}
	return words, nil
}
