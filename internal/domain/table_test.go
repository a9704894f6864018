package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestTable_ValidateSimple(t *testing.T) {
	t.Parallel()

	tbl := &Table{
		Name:   "electric_avg",
		Kind:   TableSimple,
		Meter:  "electric",
		Fields: map[string]Register{"current_demand": {Address: 100, Type: "float"}},
	}
	if err := tbl.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTable_ValidateRejectsShapes(t *testing.T) {
	t.Parallel()

	reg := Register{Address: 1, Type: "int"}
	cases := map[string]*Table{
		"defect":          {Name: "a", Kind: TableSimple, Meter: "m", Fields: map[string]Register{"x": reg}, Defect: "field \"x\" is a group"},
		"empty simple":    {Name: "b", Kind: TableSimple, Meter: "m"},
		"simple+symbols":  {Name: "c", Kind: TableSimple, Meter: "m", Fields: map[string]Register{"x": reg}, Symbols: map[string]map[string]Register{"1": {"x": reg}}},
		"no symbol field": {Name: "d", Kind: TableSymbolic, Meter: "m", Symbols: map[string]map[string]Register{"1": {"x": reg}}},
		"empty symbol":    {Name: "e", Kind: TableSymbolic, Meter: "m", SymbolField: "phase", Symbols: map[string]map[string]Register{"1": {}}},
		"no meter":        {Name: "f", Kind: TableSimple, Fields: map[string]Register{"x": reg}},
		"unknown kind":    {Name: "g", Kind: "matrix", Meter: "m", Fields: map[string]Register{"x": reg}},
	}
	for name, tbl := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			err := tbl.Validate()
			if !errors.Is(err, ErrMalformedTable) {
				t.Fatalf("err=%v want ErrMalformedTable", err)
			}
		})
	}
}

func TestTable_MeterOfPrefersRegisterMeter(t *testing.T) {
	t.Parallel()

	tbl := &Table{Meter: "electric"}
	if got, want := tbl.MeterOf(Register{}), "electric"; got != want {
		t.Fatalf("MeterOf=%q want %q", got, want)
	}
	if got, want := tbl.MeterOf(Register{Meter: "water_panel"}), "water_panel"; got != want {
		t.Fatalf("MeterOf=%q want %q", got, want)
	}
}

func TestMeter_RegisterTypeUnknown(t *testing.T) {
	t.Parallel()

	m := &Meter{ID: Identification{Name: "electric"}, RegisterTypes: map[string]RegisterType{}}
	if _, err := m.RegisterType("float"); !errors.Is(err, ErrUnknownRegisterType) {
		t.Fatalf("err=%v want ErrUnknownRegisterType", err)
	}
}

func TestParseOrder(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Order{"": BigEndian, "big": BigEndian, ">": BigEndian, "little": LittleEndian, "<": LittleEndian} {
		got, err := ParseOrder(in)
		if err != nil {
			t.Fatalf("ParseOrder(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseOrder(%q)=%v want %v", in, got, want)
		}
	}
	if _, err := ParseOrder("middle"); err == nil {
		t.Fatalf("expected error for invalid order")
	}
}

func TestErrorClasses(t *testing.T) {
	t.Parallel()

	cfg := fmt.Errorf("field %q: %w", "v", ErrUnknownRegisterType)
	dev := fmt.Errorf("%w: register 8: %w", ErrRead, errors.New("timeout"))

	if !IsConfigError(cfg) || IsDeviceError(cfg) {
		t.Fatalf("config error misclassified: %v", cfg)
	}
	if !IsDeviceError(dev) || IsConfigError(dev) {
		t.Fatalf("device error misclassified: %v", dev)
	}
	if IsConfigError(errors.New("other")) || IsDeviceError(errors.New("other")) {
		t.Fatalf("unrelated error classified")
	}
}
