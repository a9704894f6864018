// Command metersim serves synthetic register values for one meter of a
// schema over Modbus TCP, so the poller can run without hardware.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"

	"github.com/tbrandon/mbserver"

	"github.com/milad/meterpoller/internal/decode"
	"github.com/milad/meterpoller/internal/domain"
	"github.com/milad/meterpoller/internal/schema"
)

func main() {
	var (
		schemaPath = flag.String("schema", schema.Location(""), "path to the register schema")
		meterName  = flag.String("meter", "", "meter to simulate (required)")
		addr       = flag.String("addr", "", "listen address; defaults to 0.0.0.0:<tcp_socket> of the meter")
	)
	flag.Parse()

	if err := run(*schemaPath, *meterName, *addr); err != nil {
		fmt.Fprintf(os.Stderr, "metersim: %v\n", err)
		os.Exit(1)
	}
}

func run(schemaPath, meterName, addr string) error {
	if meterName == "" {
		return errors.New("-meter is required")
	}
	model, err := schema.NewFileSource(schemaPath, nil).Load()
	if err != nil {
		return err
	}
	meter, err := model.Meter(meterName)
	if err != nil {
		return err
	}
	if addr == "" {
		addr = net.JoinHostPort("0.0.0.0", strconv.Itoa(meter.ID.TCPSocket))
	}

	fills, err := plan(model, meter)
	if err != nil {
		return err
	}

	srv := mbserver.NewServer()
	for _, f := range fills {
		bank := srv.InputRegisters
		if f.bank == domain.ReadHolding {
			bank = srv.HoldingRegisters
		}
		copy(bank[f.address:], f.words)
	}
	if err := srv.ListenTCP(addr); err != nil {
		return fmt.Errorf("listen %q: %w", addr, err)
	}
	defer srv.Close()
	slog.Info("simulating meter", "meter", meterName, "addr", addr, "registers", len(fills))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	slog.Info("shutting down")
	return nil
}

type fill struct {
	bank    domain.ReadKind
	address uint16
	field   string
	value   any
	words   []uint16
}

// plan collects every register of meter referenced by a table and encodes a
// synthetic value for it. Registers of unsupported types are skipped.
func plan(model *domain.Model, meter *domain.Meter) ([]fill, error) {
	var out []fill
	seen := make(map[string]bool)
	add := func(table *domain.Table, field string, reg domain.Register) error {
		if table.MeterOf(reg) != meter.Name() {
			return nil
		}
		rt, err := meter.RegisterType(reg.Type)
		if err != nil {
			return err
		}
		key := string(rt.ReadKind) + "/" + strconv.Itoa(int(reg.Address))
		if seen[key] {
			return nil
		}
		v, ok := syntheticValue(rt.Kind, reg.Address)
		if !ok {
			slog.Warn("skipping register of unsupported type", "table", table.Name, "field", field, "type", rt.Name)
			return nil
		}
		words, err := decode.Encode(rt, v)
		if err != nil {
			return fmt.Errorf("table %s field %s: %w", table.Name, field, err)
		}
		seen[key] = true
		out = append(out, fill{bank: rt.ReadKind, address: reg.Address, field: field, value: v, words: words})
		return nil
	}

	for _, name := range model.TableNames() {
		table := model.Tables[name]
		if table.Defect != "" {
			continue
		}
		for _, field := range sortedFields(table.Fields) {
			if err := add(table, field, table.Fields[field]); err != nil {
				return nil, err
			}
		}
		for _, symbol := range table.SymbolValues() {
			fields := table.Symbols[symbol]
			for _, field := range sortedFields(fields) {
				if err := add(table, field, fields[field]); err != nil {
					return nil, err
				}
			}
		}
	}
	return out, nil
}

// syntheticValue derives a stable, plausible value from the address.
func syntheticValue(kind domain.Kind, address uint16) (any, bool) {
	switch kind {
	case domain.KindFloat:
		return float32(200) + float32(address%50) + 0.5, true
	case domain.KindInt:
		return int16(address % 100), true
	case domain.KindUint8:
		return uint8(address), true
	case domain.KindBool8, domain.KindBool16:
		return address%2 == 0, true
	default:
		return nil, false
	}
}

func sortedFields(m map[string]domain.Register) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
