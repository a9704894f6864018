package domain

import (
	"fmt"
	"sort"
)

// TableKind is the declared shape of a table.
type TableKind string

const (
	TableSimple   TableKind = "simple"
	TableSymbolic TableKind = "symbolic"
)

// Table is a named output destination.
//
// Simple tables populate Fields and produce one row per tick. Symbolic tables
// populate Symbols and produce one row per symbol value, tagged under
// SymbolField.
type Table struct {
	Name        string
	Kind        TableKind
	Meter       string
	SymbolField string
	Fields      map[string]Register
	Symbols     map[string]map[string]Register
	// Defect describes a field layout that did not match Kind when the
	// schema was loaded. It is reported by Validate instead of failing the
	// whole schema.
	Defect string
}

// Validate checks the table shape. It performs no I/O.
func (t *Table) Validate() error {
	if t.Defect != "" {
		return fmt.Errorf("%w: %s: %s", ErrMalformedTable, t.Name, t.Defect)
	}
	switch t.Kind {
	case TableSimple:
		if len(t.Fields) == 0 {
			return fmt.Errorf("%w: %s: simple table has no fields", ErrMalformedTable, t.Name)
		}
		if len(t.Symbols) != 0 {
			return fmt.Errorf("%w: %s: simple table has symbol groups", ErrMalformedTable, t.Name)
		}
		return t.checkMeters(t.Fields)
	case TableSymbolic:
		if t.SymbolField == "" {
			return fmt.Errorf("%w: %s: symbolic table needs symbol_field", ErrMalformedTable, t.Name)
		}
		if len(t.Symbols) == 0 {
			return fmt.Errorf("%w: %s: symbolic table has no symbols", ErrMalformedTable, t.Name)
		}
		if len(t.Fields) != 0 {
			return fmt.Errorf("%w: %s: symbolic table has plain fields", ErrMalformedTable, t.Name)
		}
		for sym, fields := range t.Symbols {
			if len(fields) == 0 {
				return fmt.Errorf("%w: %s: symbol %q has no fields", ErrMalformedTable, t.Name, sym)
			}
			if err := t.checkMeters(fields); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: %s: unknown kind %q", ErrMalformedTable, t.Name, t.Kind)
	}
}

func (t *Table) checkMeters(fields map[string]Register) error {
	for name, reg := range fields {
		if reg.Meter == "" && t.Meter == "" {
			return fmt.Errorf("%w: %s: field %q has no meter", ErrMalformedTable, t.Name, name)
		}
	}
	return nil
}

// MeterOf returns the meter a register belongs to within this table.
func (t *Table) MeterOf(reg Register) string {
	if reg.Meter != "" {
		return reg.Meter
	}
	return t.Meter
}

// SymbolValues returns the symbol values in sorted order.
func (t *Table) SymbolValues() []string {
	out := make([]string, 0, len(t.Symbols))
	for s := range t.Symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Model is the loaded entity model. It is read-only once built.
type Model struct {
	Meters map[string]*Meter
	Tables map[string]*Table
}

// Meter looks up a meter by friendly name.
func (m *Model) Meter(name string) (*Meter, error) {
	meter, ok := m.Meters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMeter, name)
	}
	return meter, nil
}

// TableNames returns table names in sorted order.
func (m *Model) TableNames() []string {
	out := make([]string, 0, len(m.Tables))
	for name := range m.Tables {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// MeterNames returns meter names in sorted order.
func (m *Model) MeterNames() []string {
	out := make([]string, 0, len(m.Meters))
	for name := range m.Meters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
