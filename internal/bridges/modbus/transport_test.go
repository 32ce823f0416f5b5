package modbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	gomodbus "github.com/goburrow/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tbrandon/mbserver"
)

// freeAddr returns a loopback address with a port that was free a moment ago.
func freeAddr(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

// startPLC serves a fake controller with the given holding registers at start.
func startPLC(t *testing.T, start int, values ...uint16) (*mbserver.Server, string) {
	t.Helper()

	serv := mbserver.NewServer()
	copy(serv.HoldingRegisters[start:], values)

	addr := freeAddr(t)
	require.NoError(t, serv.ListenTCP(addr))
	t.Cleanup(serv.Close)

	return serv, addr
}

func plcDevice(addr string) Device {
	return Device{
		MachineCode:    "45051",
		Address:        addr,
		UnitID:         1,
		StartAddress:   45,
		Length:         3,
		ConnectTimeout: time.Second,
		ReadTimeout:    time.Second,
	}
}

func TestTCPDialer_ReadHoldingRegisters(t *testing.T) {
	_, addr := startPLC(t, 45, 10, 0, 1234)

	tr, err := TCPDialer{}.Dial(context.Background(), plcDevice(addr))
	require.NoError(t, err)
	defer tr.Close()

	raw, err := tr.ReadHoldingRegisters(45, 3)
	require.NoError(t, err)

	regs, err := decodeRegisters(raw, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{10, 0, 1234}, regs)
}

func TestTCPDialer_Refused(t *testing.T) {
	_, err := TCPDialer{}.Dial(context.Background(), plcDevice(freeAddr(t)))
	require.Error(t, err)
	assert.True(t, isConnectionError(err), "dial error should classify as connection error: %v", err)
}

func TestTCPDialer_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// 192.0.2.0/24 is TEST-NET-1; the dial cannot complete before ctx is checked.
	dev := plcDevice("192.0.2.1:502")
	dev.ConnectTimeout = 50 * time.Millisecond

	_, err := TCPDialer{}.Dial(ctx, dev)
	require.Error(t, err)
}

func TestConnection_WithPLC(t *testing.T) {
	_, addr := startPLC(t, 45, 10, 0, 5)

	conn := NewConnection(ConnectionOptions{
		Device:         plcDevice(addr),
		MaxRetries:     3,
		ReconnectDelay: 10 * time.Millisecond,
	})
	require.NoError(t, conn.Connect(context.Background()))
	defer conn.Disconnect()

	regs, err := conn.ReadRegisters(context.Background(), 45, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{10, 0, 5}, regs)

	regs, err = conn.ReadRegisters(context.Background(), 46, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 5}, regs)
	assert.EqualValues(t, 2, conn.Snapshot().Reads)
}

func TestConnection_ExceptionIsProtocolError(t *testing.T) {
	_, addr := startPLC(t, 0)

	conn := NewConnection(ConnectionOptions{Device: plcDevice(addr)})
	require.NoError(t, conn.Connect(context.Background()))
	defer conn.Disconnect()

	// Past the end of the register table: the server answers with an exception.
	_, err := conn.ReadRegisters(context.Background(), 65535, 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)

	var mbErr *gomodbus.ModbusError
	assert.ErrorAs(t, err, &mbErr)
	assert.Equal(t, StateConnected, conn.State())
}

func TestDecodeRegisters(t *testing.T) {
	regs, err := decodeRegisters([]byte{0x00, 0x0A, 0xFF, 0xFF}, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{10, 65535}, regs)

	_, err = decodeRegisters(nil, 2)
	assert.Error(t, err)

	_, err = decodeRegisters([]byte{0x00, 0x0A, 0xFF}, 2)
	assert.Error(t, err)

	regs, err = decodeRegisters([]byte{0x00, 0x0A, 0x00, 0x03, 0x12, 0x34}, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{10, 3}, regs, "extra registers are dropped")
}

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"unexpected eof", fmt.Errorf("read: %w", io.ErrUnexpectedEOF), true},
		{"closed", net.ErrClosed, true},
		{"reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, true},
		{"broken pipe", fmt.Errorf("write: %w", syscall.EPIPE), true},
		{"exception", &gomodbus.ModbusError{FunctionCode: 0x83, ExceptionCode: 0x02}, false},
		{"framing", errors.New("modbus: response data size '2' does not match count '6'"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isConnectionError(tt.err))
		})
	}
}
