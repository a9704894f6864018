// Package modbustest provides in-memory register devices for tests.
package modbustest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/milad/meterpoller/internal/modbus"
)

// ErrDropped is returned by reads on a device that drops the connection.
var ErrDropped = errors.New("connection reset by peer")

// Exchange records one request seen by a device.
type Exchange struct {
	Bank    string
	Address uint16
	Count   uint16
	SlaveID byte
}

// Device is a fake meter. The zero value is not usable; use NewDevice.
type Device struct {
	mu       sync.Mutex
	input    map[uint16]uint16
	holding  map[uint16]uint16
	fail     map[uint16]error
	dropNext bool
	log      []Exchange

	// Delay is slept inside every exchange.
	Delay time.Duration
	// CloseErr is returned when a transport to the device is closed.
	CloseErr error

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func NewDevice() *Device {
	return &Device{
		input:   make(map[uint16]uint16),
		holding: make(map[uint16]uint16),
		fail:    make(map[uint16]error),
	}
}

// SetInput stores words into the input bank starting at address.
func (d *Device) SetInput(address uint16, words ...uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, w := range words {
		d.input[address+uint16(i)] = w
	}
}

// SetHolding stores words into the holding bank starting at address.
func (d *Device) SetHolding(address uint16, words ...uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, w := range words {
		d.holding[address+uint16(i)] = w
	}
}

// FailAt makes reads starting at address return err.
func (d *Device) FailAt(address uint16, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail[address] = err
}

// DropNext makes the next read fail and disconnect the transport.
func (d *Device) DropNext() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropNext = true
}

// Exchanges returns the requests seen so far.
func (d *Device) Exchanges() []Exchange {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Exchange(nil), d.log...)
}

// MaxInflight is the highest number of concurrent exchanges observed.
func (d *Device) MaxInflight() int { return int(d.maxInflight.Load()) }

func (d *Device) read(t *Transport, bank string, address, count uint16, slaveID byte) ([]uint16, error) {
	n := d.inflight.Add(1)
	defer d.inflight.Add(-1)
	for {
		m := d.maxInflight.Load()
		if n <= m || d.maxInflight.CompareAndSwap(m, n) {
			break
		}
	}
	if d.Delay > 0 {
		time.Sleep(d.Delay)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.log = append(d.log, Exchange{Bank: bank, Address: address, Count: count, SlaveID: slaveID})
	if d.dropNext {
		d.dropNext = false
		t.connected.Store(false)
		return nil, ErrDropped
	}
	if err := d.fail[address]; err != nil {
		return nil, err
	}
	src := d.input
	if bank == "holding" {
		src = d.holding
	}
	out := make([]uint16, count)
	for i := range out {
		out[i] = src[address+uint16(i)]
	}
	return out, nil
}

// Transport is a session with a Device.
type Transport struct {
	dev       *Device
	connected atomic.Bool
}

var _ modbus.Transport = (*Transport)(nil)

func (t *Transport) Connected() bool { return t.connected.Load() }

func (t *Transport) ReadInputRegisters(address, count uint16, slaveID byte) ([]uint16, error) {
	if !t.Connected() {
		return nil, net.ErrClosed
	}
	return t.dev.read(t, "input", address, count, slaveID)
}

func (t *Transport) ReadHoldingRegisters(address, count uint16, slaveID byte) ([]uint16, error) {
	if !t.Connected() {
		return nil, net.ErrClosed
	}
	return t.dev.read(t, "holding", address, count, slaveID)
}

func (t *Transport) Close() error {
	t.connected.Store(false)
	return t.dev.CloseErr
}

// Dialer connects to Devices registered by host:port.
type Dialer struct {
	mu      sync.Mutex
	devices map[string]*Device
	dials   map[string]int
	// Err, when set, fails every dial.
	Err error
}

var _ modbus.Dialer = (*Dialer)(nil)

func NewDialer() *Dialer {
	return &Dialer{devices: make(map[string]*Device), dials: make(map[string]int)}
}

// Add registers dev at host:port.
func (d *Dialer) Add(host string, port int, dev *Device) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.devices[net.JoinHostPort(host, strconv.Itoa(port))] = dev
}

// Dials returns how many times host:port was dialled.
func (d *Dialer) Dials(host string, port int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[net.JoinHostPort(host, strconv.Itoa(port))]
}

func (d *Dialer) Dial(ctx context.Context, host string, port int) (modbus.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials[addr]++
	if d.Err != nil {
		return nil, d.Err
	}
	dev, ok := d.devices[addr]
	if !ok {
		return nil, fmt.Errorf("dial %s: connection refused", addr)
	}
	t := &Transport{dev: dev}
	t.connected.Store(true)
	return t, nil
}
