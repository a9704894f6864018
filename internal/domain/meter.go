package domain

import (
	"fmt"
	"net"
	"strconv"
)

// Order is a byte or word order.
type Order uint8

const (
	BigEndian Order = iota
	LittleEndian
)

// ParseOrder accepts "big"/"little" and the struct-format shorthands ">"/"<".
// An empty string means big endian.
func ParseOrder(s string) (Order, error) {
	switch s {
	case "", "big", ">", "!":
		return BigEndian, nil
	case "little", "<":
		return LittleEndian, nil
	default:
		return BigEndian, fmt.Errorf("invalid order %q", s)
	}
}

func (o Order) String() string {
	if o == LittleEndian {
		return "little"
	}
	return "big"
}

// ReadKind selects the register bank a value is read from.
type ReadKind string

const (
	ReadInput   ReadKind = "input"
	ReadHolding ReadKind = "holding"
)

// Identification holds what is needed to reach a meter on the network.
type Identification struct {
	Name      string
	SlaveID   byte
	IPAddress string
	TCPSocket int
}

// Address is host:port of the meter.
func (id Identification) Address() string {
	return net.JoinHostPort(id.IPAddress, strconv.Itoa(id.TCPSocket))
}

// RegisterType is a named decoding rule shared by registers of one meter.
// The name doubles as the decode tag.
// MaxRegisterLength is the most registers one read-registers request may
// return.
const MaxRegisterLength = 125

type RegisterType struct {
	Name      string
	ByteOrder Order
	WordOrder Order
	Length    int
	ReadKind  ReadKind
	// Kind is resolved from Name at load time; KindUnknown is kept so that
	// only tables using the type fail.
	Kind Kind
}

// Register is one measurable point on a device.
type Register struct {
	Address uint16
	Type    string
	// Meter optionally names the owning meter; empty means the table default.
	Meter string
}

// Meter is a network addressable device. It is immutable after load; the
// live connection state is owned by the session manager, not the meter.
type Meter struct {
	ID            Identification
	RegisterTypes map[string]RegisterType
}

// Name is the friendly name the meter is keyed by.
func (m *Meter) Name() string { return m.ID.Name }

// RegisterType resolves a type name against the meter's definitions.
func (m *Meter) RegisterType(name string) (RegisterType, error) {
	rt, ok := m.RegisterTypes[name]
	if !ok {
		return RegisterType{}, fmt.Errorf("%w: %q on meter %q", ErrUnknownRegisterType, name, m.ID.Name)
	}
	return rt, nil
}
