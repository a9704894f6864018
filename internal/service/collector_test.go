package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milad/meterpoller/internal/domain"
	"github.com/milad/meterpoller/internal/modbus/modbustest"
	"github.com/milad/meterpoller/internal/reader"
	"github.com/milad/meterpoller/internal/repo"
	"github.com/milad/meterpoller/internal/repo/memrepo"
	"github.com/milad/meterpoller/internal/session"
)

type ingest struct {
	table string
	row   domain.Row
	tags  map[string]string
	ts    time.Time
}

type fakeSink struct {
	mu    sync.Mutex
	calls []ingest
	err   error
}

func (s *fakeSink) Ingest(_ context.Context, table string, row domain.Row, tags map[string]string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, ingest{table: table, row: row, tags: tags, ts: ts})
	return s.err
}

func (s *fakeSink) ingests() []ingest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ingest(nil), s.calls...)
}

func regType(tag string, kind domain.ReadKind) domain.RegisterType {
	k, _ := domain.ParseKind(tag)
	length := k.Words()
	if length == 0 {
		length = 1
	}
	return domain.RegisterType{Name: tag, Length: length, ReadKind: kind, Kind: k}
}

func testModel() *domain.Model {
	electric := &domain.Meter{
		ID: domain.Identification{Name: "electric", SlaveID: 1, IPAddress: "127.0.0.1", TCPSocket: 5020},
		RegisterTypes: map[string]domain.RegisterType{
			"float": regType("float", domain.ReadInput),
			"int":   regType("int", domain.ReadHolding),
		},
	}
	panel := &domain.Meter{
		ID: domain.Identification{Name: "panel", SlaveID: 2, IPAddress: "127.0.0.1", TCPSocket: 5021},
		RegisterTypes: map[string]domain.RegisterType{
			"uint8": regType("uint8", domain.ReadInput),
		},
	}
	return &domain.Model{
		Meters: map[string]*domain.Meter{"electric": electric, "panel": panel},
		Tables: map[string]*domain.Table{
			"phase": {
				Name: "phase", Kind: domain.TableSymbolic, Meter: "electric", SymbolField: "phase",
				Symbols: map[string]map[string]domain.Register{
					"A": {"voltage": {Address: 0, Type: "float"}},
					"B": {"voltage": {Address: 2, Type: "float"}},
				},
			},
			"avg": {
				Name: "avg", Kind: domain.TableSimple, Meter: "electric",
				Fields: map[string]domain.Register{"current": {Address: 100, Type: "float"}},
			},
			"mixed": {
				Name: "mixed", Kind: domain.TableSimple, Meter: "panel",
				Fields: map[string]domain.Register{
					"level":       {Address: 11, Type: "uint8"},
					"temperature": {Address: 3, Type: "int", Meter: "electric"},
				},
			},
			"broken": {
				Name: "broken", Kind: domain.TableSimple, Meter: "electric",
				Defect: `field "1" is not a register`,
			},
		},
	}
}

type fixture struct {
	collector *Collector
	sink      *fakeSink
	history   *memrepo.Repo
	electric  *modbustest.Device
	panel     *modbustest.Device
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dialer := modbustest.NewDialer()
	electric, panel := modbustest.NewDevice(), modbustest.NewDevice()
	dialer.Add("127.0.0.1", 5020, electric)
	dialer.Add("127.0.0.1", 5021, panel)

	f := &fixture{
		sink:     &fakeSink{},
		history:  memrepo.New(0),
		electric: electric,
		panel:    panel,
		now:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	r := reader.New(session.NewManager(dialer, nil), nil)
	f.collector = NewCollector(testModel(), r, f.sink, nil,
		WithRecorder(f.history),
		WithClock(func() time.Time { return f.now }),
	)
	return f
}

func (f *fixture) table(t *testing.T, name string) *domain.Table {
	t.Helper()
	tbl, err := f.collector.Table(name)
	require.NoError(t, err)
	return tbl
}

func TestMeasureAndSave_Simple(t *testing.T) {
	f := newFixture(t)
	f.electric.SetInput(100, 0x4120, 0x0000)

	require.NoError(t, f.collector.MeasureAndSave(context.Background(), f.table(t, "avg")))

	calls := f.sink.ingests()
	require.Len(t, calls, 1)
	assert.Equal(t, "avg", calls[0].table)
	assert.Equal(t, domain.Row{"current": float32(10)}, calls[0].row)
	assert.Empty(t, calls[0].tags)
	assert.Equal(t, f.now, calls[0].ts)
}

func TestMeasureAndSave_SymbolicPartialFailure(t *testing.T) {
	f := newFixture(t)
	f.electric.SetInput(0, 0x4366, 0x8000) // 230.5
	f.electric.FailAt(2, errors.New("i/o timeout"))

	err := f.collector.MeasureAndSave(context.Background(), f.table(t, "phase"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRead)
	assert.Contains(t, err.Error(), "phase=B")
	assert.NotContains(t, err.Error(), "phase=A")

	calls := f.sink.ingests()
	require.Len(t, calls, 1)
	assert.Equal(t, map[string]string{"phase": "A"}, calls[0].tags)
	assert.Equal(t, domain.Row{"voltage": float32(230.5)}, calls[0].row)
}

func TestMeasureAndSave_SymbolRowsShareTimestamp(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.collector.MeasureAndSave(context.Background(), f.table(t, "phase")))

	calls := f.sink.ingests()
	require.Len(t, calls, 2)
	assert.Equal(t, "A", calls[0].tags["phase"])
	assert.Equal(t, "B", calls[1].tags["phase"])
	assert.Equal(t, calls[0].ts, calls[1].ts)
}

func TestMeasureAndSave_MergesMetersIntoOneRow(t *testing.T) {
	f := newFixture(t)
	f.panel.SetInput(11, 0x0042)
	f.electric.SetHolding(3, 0x0015)

	require.NoError(t, f.collector.MeasureAndSave(context.Background(), f.table(t, "mixed")))

	calls := f.sink.ingests()
	require.Len(t, calls, 1)
	assert.Equal(t, domain.Row{"level": uint8(0x42), "temperature": int16(21)}, calls[0].row)
}

func TestMeasureAndSave_FailedMeterDiscardsRow(t *testing.T) {
	f := newFixture(t)
	f.electric.FailAt(3, errors.New("broken pipe"))

	err := f.collector.MeasureAndSave(context.Background(), f.table(t, "mixed"))
	require.ErrorIs(t, err, domain.ErrRead)
	assert.Empty(t, f.sink.ingests())
}

func TestMeasureAndSave_MalformedTableDoesNoIO(t *testing.T) {
	f := newFixture(t)

	err := f.collector.MeasureAndSave(context.Background(), f.table(t, "broken"))
	require.ErrorIs(t, err, domain.ErrMalformedTable)
	assert.Empty(t, f.electric.Exchanges())
	assert.Empty(t, f.sink.ingests())
}

func TestMeasureAndSave_SinkFailureIsSwallowed(t *testing.T) {
	f := newFixture(t)
	f.sink.err = errors.New("questdb down")

	require.NoError(t, f.collector.MeasureAndSave(context.Background(), f.table(t, "avg")))
	assert.Len(t, f.sink.ingests(), 1)

	// The reading is still kept in history.
	out, err := f.history.List(context.Background(), repo.Filter{Table: "avg"})
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestPreview_DoesNotIngest(t *testing.T) {
	f := newFixture(t)

	readings, err := f.collector.Preview(context.Background(), f.table(t, "phase"))
	require.NoError(t, err)
	assert.Len(t, readings, 2)
	assert.Empty(t, f.sink.ingests())
	assert.Zero(t, f.history.Len())
}

func TestCollector_UnknownTable(t *testing.T) {
	f := newFixture(t)

	_, err := f.collector.Table("nope")
	require.ErrorIs(t, err, ErrUnknownTable)
}
