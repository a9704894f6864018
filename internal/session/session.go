// Package session owns one logical connection per meter.
//
// A session starts Uninitialized, becomes Connected on the first successful
// Acquire and Disconnected when the transport reports it dropped; the next
// Acquire reconnects it. Every exchange with a meter happens while holding
// that meter's guard, so at most one exchange is in flight per meter.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/milad/meterpoller/internal/domain"
	"github.com/milad/meterpoller/internal/metrics"
	"github.com/milad/meterpoller/internal/modbus"
)

var ErrClosed = errors.New("session manager closed")

// State of a meter session.
type State uint32

const (
	StateUninitialized State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

type session struct {
	meter *domain.Meter
	// guard has capacity one; holding a token is holding the session.
	guard chan struct{}
	// transport is only touched while holding guard.
	transport modbus.Transport
	// state mirrors the session for readers that must not wait on guard.
	state atomic.Uint32
}

func (s *session) setState(st State) { s.state.Store(uint32(st)) }

// Manager hands out exclusive access to meter sessions.
type Manager struct {
	dialer modbus.Dialer
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

func NewManager(dialer modbus.Dialer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dialer:   dialer,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

func (m *Manager) session(meter *domain.Meter) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	s, ok := m.sessions[meter.Name()]
	if !ok {
		s = &session{meter: meter, guard: make(chan struct{}, 1)}
		m.sessions[meter.Name()] = s
	}
	return s, nil
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) lock(ctx context.Context, s *session) error {
	select {
	case s.guard <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func unlock(s *session) { <-s.guard }

// Lease is exclusive use of one meter's live transport. Release must be
// called exactly once; extra calls are ignored.
type Lease struct {
	s    *session
	once sync.Once
}

// Transport returns the leased session transport.
func (l *Lease) Transport() modbus.Transport { return l.s.transport }

// Release gives the session back. A transport that dropped during the lease
// leaves the session Disconnected.
func (l *Lease) Release() {
	l.once.Do(func() {
		if t := l.s.transport; t != nil && !t.Connected() {
			l.s.setState(StateDisconnected)
		}
		unlock(l.s)
	})
}

// Acquire waits for exclusive use of the meter's session, connecting or
// reconnecting it as needed. Waiting is abandoned when ctx is done.
func (m *Manager) Acquire(ctx context.Context, meter *domain.Meter) (*Lease, error) {
	s, err := m.session(meter)
	if err != nil {
		return nil, err
	}
	return m.acquire(ctx, s)
}

// acquire takes the guard of s. Close may have run while this caller was
// waiting, so closed is checked again under the guard.
func (m *Manager) acquire(ctx context.Context, s *session) (*Lease, error) {
	if err := m.lock(ctx, s); err != nil {
		return nil, err
	}
	if m.isClosed() {
		unlock(s)
		return nil, ErrClosed
	}
	if err := m.ensure(ctx, s); err != nil {
		unlock(s)
		return nil, err
	}
	return &Lease{s: s}, nil
}

// Do runs fn with exclusive use of the meter's session. The session is
// released when fn returns or panics.
func (m *Manager) Do(ctx context.Context, meter *domain.Meter, fn func(modbus.Transport) error) error {
	lease, err := m.Acquire(ctx, meter)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(lease.Transport())
}

// ensure requires the guard.
func (m *Manager) ensure(ctx context.Context, s *session) error {
	if s.transport != nil {
		if s.transport.Connected() {
			return nil
		}
		_ = s.transport.Close()
		s.transport = nil
		s.setState(StateDisconnected)
		m.logger.Info("session dropped; reconnecting", "meter", s.meter.Name())
	}

	id := s.meter.ID
	t, err := m.dialer.Dial(ctx, id.IPAddress, id.TCPSocket)
	metrics.ObserveConnect(s.meter.Name(), err)
	if err != nil {
		return fmt.Errorf("%w: meter %q at %s: %w", domain.ErrConnect, s.meter.Name(), id.Address(), err)
	}
	s.transport = t
	s.setState(StateConnected)
	m.logger.Debug("session connected", "meter", s.meter.Name(), "addr", id.Address())
	return nil
}

// Reconnect tears the meter's session down and establishes a new one.
func (m *Manager) Reconnect(ctx context.Context, meter *domain.Meter) error {
	s, err := m.session(meter)
	if err != nil {
		return err
	}
	if err := m.lock(ctx, s); err != nil {
		return err
	}
	defer unlock(s)
	if m.isClosed() {
		return ErrClosed
	}

	if s.transport != nil {
		_ = s.transport.Close()
		s.transport = nil
		s.setState(StateDisconnected)
	}
	return m.ensure(ctx, s)
}

// State reports a meter's session state without waiting for in-flight
// exchanges.
func (m *Manager) State(meter string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[meter]
	if !ok {
		return StateUninitialized
	}
	return State(s.state.Load())
}

// Snapshot returns the state of every session created so far.
func (m *Manager) Snapshot() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]State, len(m.sessions))
	for name, s := range m.sessions {
		out[name] = State(s.state.Load())
	}
	return out
}

// Close waits for in-flight exchanges and closes every session. Later
// Acquire calls fail with ErrClosed.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := m.lock(ctx, s); err != nil {
			errs = append(errs, fmt.Errorf("close %q: %w", s.meter.Name(), err))
			continue
		}
		if s.transport != nil {
			if err := s.transport.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %q: %w", s.meter.Name(), err))
			}
			s.transport = nil
			s.setState(StateDisconnected)
		}
		unlock(s)
	}
	return errors.Join(errs...)
}
