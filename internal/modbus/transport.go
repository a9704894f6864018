// Package modbus is the register transport: it opens sessions to devices
// and exchanges read-registers requests with them.
package modbus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/goburrow/modbus"
)

// Transport is one live session with a device.
type Transport interface {
	// Connected reports whether the session can still be used. It turns
	// false after a transport-level failure.
	Connected() bool
	ReadInputRegisters(address, count uint16, slaveID byte) ([]uint16, error)
	ReadHoldingRegisters(address, count uint16, slaveID byte) ([]uint16, error)
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context, host string, port int) (Transport, error)
}

// ExceptionError is a Modbus exception reported by the device. The session
// stays usable after one.
type ExceptionError = modbus.ModbusError

// TCPDialer opens Modbus TCP sessions.
type TCPDialer struct {
	Timeout     time.Duration
	IdleTimeout time.Duration
	Logger      *slog.Logger
}

var _ Dialer = (*TCPDialer)(nil)

func NewTCPDialer(timeout, idleTimeout time.Duration, logger *slog.Logger) *TCPDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TCPDialer{Timeout: timeout, IdleTimeout: idleTimeout, Logger: logger}
}

func (d *TCPDialer) Dial(ctx context.Context, host string, port int) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	h := modbus.NewTCPClientHandler(addr)
	if d.Timeout > 0 {
		h.Timeout = d.Timeout
	}
	if d.IdleTimeout > 0 {
		h.IdleTimeout = d.IdleTimeout
	}
	if d.Logger.Enabled(ctx, slog.LevelDebug) {
		h.Logger = slog.NewLogLogger(d.Logger.Handler(), slog.LevelDebug)
		h.Logger.SetFlags(log.Lmsgprefix)
		h.Logger.SetPrefix("modbus " + addr + ": ")
	}
	if err := h.Connect(); err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &tcpTransport{
		handler:   h,
		client:    modbus.NewClient(h),
		connected: true,
	}, nil
}

type tcpTransport struct {
	mu        sync.Mutex
	handler   *modbus.TCPClientHandler
	client    modbus.Client
	connected bool
}

func (t *tcpTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *tcpTransport) ReadInputRegisters(address, count uint16, slaveID byte) ([]uint16, error) {
	return t.read(address, count, slaveID, t.client.ReadInputRegisters)
}

func (t *tcpTransport) ReadHoldingRegisters(address, count uint16, slaveID byte) ([]uint16, error) {
	return t.read(address, count, slaveID, t.client.ReadHoldingRegisters)
}

func (t *tcpTransport) read(address, count uint16, slaveID byte, fn func(address, quantity uint16) ([]byte, error)) ([]uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return nil, net.ErrClosed
	}

	// The handler stamps every request with its current slave id.
	t.handler.SlaveId = slaveID
	b, err := fn(address, count)
	if err != nil {
		var exc *modbus.ModbusError
		if !errors.As(err, &exc) {
			t.connected = false
			_ = t.handler.Close()
		}
		return nil, err
	}
	words, err := Words(b)
	if err != nil {
		return nil, err
	}
	if len(words) != int(count) {
		return nil, fmt.Errorf("expected %d registers, got %d", count, len(words))
	}
	return words, nil
}

func (t *tcpTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	return t.handler.Close()
}

// Words splits a register payload into big-endian 16-bit words, the order
// they travel on the wire.
func Words(b []byte) ([]uint16, error) {
	if len(b)%2 != 0 {
		return nil, fmt.Errorf("odd register payload length %d", len(b))
	}
	out := make([]uint16, len(b)/2)
	for i := range out {
		out[i] = uint16(b[2*i])<<8 | uint16(b[2*i+1])
	}
	return out, nil
}
