package reader

import (
	"context"
	"errors"
	"math"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tbrandon/mbserver"

	"github.com/milad/meterpoller/internal/domain"
	"github.com/milad/meterpoller/internal/modbus"
	"github.com/milad/meterpoller/internal/modbus/modbustest"
	"github.com/milad/meterpoller/internal/session"
)

func rt(tag string, length int, wordOrder domain.Order, kind domain.ReadKind) domain.RegisterType {
	k, _ := domain.ParseKind(tag)
	return domain.RegisterType{Name: tag, WordOrder: wordOrder, Length: length, ReadKind: kind, Kind: k}
}

func electricMeter(port int) *domain.Meter {
	return &domain.Meter{
		ID: domain.Identification{Name: "electric", SlaveID: 1, IPAddress: "127.0.0.1", TCPSocket: port},
		RegisterTypes: map[string]domain.RegisterType{
			"float":  rt("float", 2, domain.LittleEndian, domain.ReadInput),
			"int":    rt("int", 1, domain.BigEndian, domain.ReadHolding),
			"bool16": rt("bool16", 1, domain.BigEndian, domain.ReadInput),
			"double": rt("double", 4, domain.BigEndian, domain.ReadInput),
			"coil":   rt("bool16", 1, domain.BigEndian, domain.ReadKind("coil")),
		},
	}
}

func fakeReader(t *testing.T) (*Reader, *modbustest.Device, *domain.Meter) {
	t.Helper()
	dialer := modbustest.NewDialer()
	dev := modbustest.NewDevice()
	dialer.Add("127.0.0.1", 5020, dev)
	return New(session.NewManager(dialer, nil), nil), dev, electricMeter(5020)
}

func TestReadSet_DecodesEveryField(t *testing.T) {
	r, dev, meter := fakeReader(t)
	// float with little word order: low word first.
	dev.SetInput(0, 0x0FDB, 0x4049)
	dev.SetHolding(7, 0xFFFE)
	dev.SetInput(9, 0x0001)

	row, err := r.ReadSet(context.Background(), meter, map[string]domain.Register{
		"voltage": {Address: 0, Type: "float"},
		"offset":  {Address: 7, Type: "int"},
		"alarm":   {Address: 9, Type: "bool16"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.Row{
		"voltage": float32(math.Pi),
		"offset":  int16(-2),
		"alarm":   true,
	}, row)

	ex := dev.Exchanges()
	require.Len(t, ex, 3)
	assert.Equal(t, []string{"alarm", "offset", "voltage"}, row.Columns())
	// Sorted field order: alarm, offset, voltage.
	assert.Equal(t, modbustest.Exchange{Bank: "input", Address: 9, Count: 1, SlaveID: 1}, ex[0])
	assert.Equal(t, modbustest.Exchange{Bank: "holding", Address: 7, Count: 1, SlaveID: 1}, ex[1])
	assert.Equal(t, modbustest.Exchange{Bank: "input", Address: 0, Count: 2, SlaveID: 1}, ex[2])
}

func TestReadSet_PartialFailureYieldsNothing(t *testing.T) {
	r, dev, meter := fakeReader(t)
	dev.SetInput(0, 0x0FDB, 0x4049)
	dev.FailAt(8, &modbus.ExceptionError{FunctionCode: 4, ExceptionCode: 2})

	row, err := r.ReadSet(context.Background(), meter, map[string]domain.Register{
		"a_voltage": {Address: 0, Type: "float"},
		"b_current": {Address: 8, Type: "float"},
	})
	require.Error(t, err)
	assert.Nil(t, row)
	assert.ErrorIs(t, err, domain.ErrRead)
	assert.Contains(t, err.Error(), "register 8")

	var exc *modbus.ExceptionError
	assert.True(t, errors.As(err, &exc))
}

func TestReadSet_UnknownTypeBeforeIO(t *testing.T) {
	r, dev, meter := fakeReader(t)

	_, err := r.ReadSet(context.Background(), meter, map[string]domain.Register{
		"voltage": {Address: 0, Type: "float"},
		"mystery": {Address: 2, Type: "float64"},
	})
	require.ErrorIs(t, err, domain.ErrUnknownRegisterType)
	assert.Empty(t, dev.Exchanges())
}

func TestReadSet_UnsupportedReadKindBeforeIO(t *testing.T) {
	r, dev, meter := fakeReader(t)

	_, err := r.ReadSet(context.Background(), meter, map[string]domain.Register{
		"state": {Address: 0, Type: "coil"},
	})
	require.ErrorIs(t, err, domain.ErrUnsupportedReadKind)
	assert.Empty(t, dev.Exchanges())
}

func TestReadSet_LengthOutOfRangeBeforeIO(t *testing.T) {
	r, dev, meter := fakeReader(t)
	meter.RegisterTypes["float"] = rt("float", 65538, domain.LittleEndian, domain.ReadInput)

	row, err := r.ReadSet(context.Background(), meter, map[string]domain.Register{
		"voltage": {Address: 0, Type: "float"},
	})
	require.ErrorIs(t, err, domain.ErrRegisterLength)
	assert.True(t, domain.IsConfigError(err))
	assert.Nil(t, row)
	assert.Empty(t, dev.Exchanges())
}

func TestReadSet_UnsupportedDecoderNamesTag(t *testing.T) {
	r, _, meter := fakeReader(t)

	_, err := r.ReadSet(context.Background(), meter, map[string]domain.Register{
		"energy": {Address: 0, Type: "double"},
	})
	require.ErrorIs(t, err, domain.ErrUnsupportedType)
	assert.Contains(t, err.Error(), "double")
}

func TestReadSet_ConnectFailure(t *testing.T) {
	dialer := modbustest.NewDialer()
	r := New(session.NewManager(dialer, nil), nil)

	_, err := r.ReadSet(context.Background(), electricMeter(5020), map[string]domain.Register{
		"voltage": {Address: 0, Type: "float"},
	})
	require.ErrorIs(t, err, domain.ErrConnect)
}

func TestReadSet_OverModbusTCP(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	srv := mbserver.NewServer()
	require.NoError(t, srv.ListenTCP(net.JoinHostPort("127.0.0.1", strconv.Itoa(port))))
	t.Cleanup(srv.Close)
	srv.InputRegisters[100] = 0x0000
	srv.InputRegisters[101] = 0x4120
	srv.HoldingRegisters[3] = 0x0015

	mgr := session.NewManager(modbus.NewTCPDialer(2*time.Second, 0, nil), nil)
	t.Cleanup(func() { _ = mgr.Close(context.Background()) })
	r := New(mgr, nil)

	row, err := r.ReadSet(context.Background(), electricMeter(port), map[string]domain.Register{
		"current_demand": {Address: 100, Type: "float"},
		"temperature":    {Address: 3, Type: "int"},
	})
	require.NoError(t, err)
	assert.Equal(t, float32(10), row["current_demand"])
	assert.Equal(t, int16(21), row["temperature"])
}
