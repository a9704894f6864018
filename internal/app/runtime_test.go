package app

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
	"github.com/milad/meterpoller/internal/scheduler"
	"github.com/milad/meterpoller/internal/schema"
	"github.com/milad/meterpoller/internal/service"
	"github.com/milad/meterpoller/internal/session"
	"github.com/milad/meterpoller/internal/sink"
)

const testSchema = `
meters:
  electric:
    id: {slave_id: 1, ip_address: 10.1.0.5, tcp_socket: 502}
    register_types:
      float: {byteorder: big, wordorder: big, length: 2, read_type: input}
  idle:
    id: {slave_id: 9, ip_address: 10.1.0.6, tcp_socket: 502}
    register_types:
      bool16: {length: 1}
tables:
  phase:
    type: symbolic
    meter: electric
    symbol_field: phase
    fields:
      "1": {voltage: {register: 0, type: float}}
      "2": {voltage: {register: 2, type: float}}
  electric_avg:
    type: simple
    meter: electric
    fields:
      current_demand: {register: 100, type: float}
`

type countingSink struct {
	mu   sync.Mutex
	rows map[string]int
}

func (s *countingSink) Ingest(_ context.Context, table string, _ domain.Row, _ map[string]string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[table]++
	return nil
}

func (s *countingSink) count(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[table]
}

// flushingSink reports the context its Close saw once the close ran.
type flushingSink struct {
	countingSink
	closed chan error
}

func (s *flushingSink) Close(ctx context.Context) error {
	time.Sleep(50 * time.Millisecond)
	s.closed <- ctx.Err()
	return nil
}

func newRuntime(t *testing.T, runOnStart bool) (*Runtime, *countingSink, *modbustest.Device) {
	t.Helper()
	s := &countingSink{rows: make(map[string]int)}
	rt, _, dev := newRuntimeWith(t, s, runOnStart)
	return rt, s, dev
}

func newRuntimeWith(t *testing.T, s sink.Sink, runOnStart bool) (*Runtime, *modbustest.Dialer, *modbustest.Device) {
	t.Helper()
	model, err := schema.Parse([]byte(testSchema), nil)
	require.NoError(t, err)

	dialer := modbustest.NewDialer()
	dev := modbustest.NewDevice()
	dev.SetInput(0, 0x4366, 0x8000)
	dialer.Add("10.1.0.5", 502, dev)

	rt, err := New(Options{
		Model:  model,
		Dialer: dialer,
		Sink:   s,
		Interval: func(table string) time.Duration {
			if table == "phase" {
				return 5 * time.Millisecond
			}
			return time.Hour
		},
		RunOnStart: runOnStart,
	})
	require.NoError(t, err)
	return rt, dialer, dev
}

func TestRuntime_RunsOneJobPerTable(t *testing.T) {
	rt, s, dev := newRuntime(t, true)
	require.NoError(t, rt.Start(context.Background()))

	require.Eventually(t, func() bool {
		return s.count("phase") >= 4 && s.count("electric_avg") >= 1
	}, 2*time.Second, time.Millisecond)
	require.NoError(t, rt.Stop(context.Background()))

	jobs := rt.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "electric_avg", jobs[0].Name)
	assert.Equal(t, time.Hour, jobs[0].Interval)
	assert.Equal(t, "phase", jobs[1].Name)
	for _, j := range jobs {
		assert.Equal(t, scheduler.StateStopped, j.State)
		assert.Zero(t, j.Failures)
	}

	assert.Equal(t, 1, dev.MaxInflight())
	assert.Equal(t, map[string]session.State{
		"electric": session.StateDisconnected,
		"idle":     session.StateUninitialized,
	}, rt.Sessions())
}

func TestRuntime_PreviewAndHistory(t *testing.T) {
	rt, s, _ := newRuntime(t, false)

	readings, err := rt.Preview(context.Background(), "phase")
	require.NoError(t, err)
	require.Len(t, readings, 2)
	assert.Equal(t, float32(230.5), readings[0].Values["voltage"])
	assert.Equal(t, map[string]string{"phase": "1"}, readings[0].Tags)
	assert.Zero(t, s.count("phase"))
	assert.Equal(t, session.StateConnected, rt.Sessions()["electric"])

	_, err = rt.Preview(context.Background(), "nope")
	require.ErrorIs(t, err, service.ErrUnknownTable)

	require.NoError(t, rt.Start(context.Background()))
	require.Eventually(t, func() bool { return s.count("phase") >= 2 }, 2*time.Second, time.Millisecond)
	require.NoError(t, rt.Stop(context.Background()))

	page, err := rt.ListReadings(context.Background(), service.ReadingsQuery{Table: "phase", Limit: 1})
	require.NoError(t, err)
	require.Len(t, page.Readings, 1)
	assert.NotEmpty(t, page.NextCursor)

	page, err = rt.ListReadings(context.Background(), service.ReadingsQuery{
		Table: "phase",
		Tags:  map[string]string{"phase": "2"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, page.Readings)
	for _, rd := range page.Readings {
		assert.Equal(t, "2", rd.Tags["phase"])
	}

	_, err = rt.ListReadings(context.Background(), service.ReadingsQuery{Table: "nope"})
	require.ErrorIs(t, err, service.ErrUnknownTable)
}

func TestRuntime_Reconnect(t *testing.T) {
	s := &countingSink{rows: make(map[string]int)}
	rt, dialer, _ := newRuntimeWith(t, s, false)

	_, err := rt.Preview(context.Background(), "electric_avg")
	require.NoError(t, err)
	require.Equal(t, 1, dialer.Dials("10.1.0.5", 502))

	require.NoError(t, rt.Reconnect(context.Background(), "electric"))
	assert.Equal(t, 2, dialer.Dials("10.1.0.5", 502))
	assert.Equal(t, session.StateConnected, rt.Sessions()["electric"])

	require.ErrorIs(t, rt.Reconnect(context.Background(), "nope"), service.ErrUnknownMeter)

	require.NoError(t, rt.Stop(context.Background()))
	require.ErrorIs(t, rt.Reconnect(context.Background(), "electric"), session.ErrClosed)
	assert.Equal(t, 2, dialer.Dials("10.1.0.5", 502))
}

func TestRuntime_StopFlushesSinkWhenSessionCloseFails(t *testing.T) {
	s := &flushingSink{countingSink: countingSink{rows: make(map[string]int)}, closed: make(chan error, 1)}
	rt, _, dev := newRuntimeWith(t, s, false)

	_, err := rt.Preview(context.Background(), "electric_avg")
	require.NoError(t, err)
	dev.CloseErr = errors.New("connection reset")

	err = rt.Stop(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "close sessions")

	select {
	case ctxErr := <-s.closed:
		assert.NoError(t, ctxErr, "sink closed with a cancelled context")
	case <-time.After(time.Second):
		t.Fatal("sink was not closed")
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}
