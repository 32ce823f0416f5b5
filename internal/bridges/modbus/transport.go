package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	gomodbus "github.com/goburrow/modbus"
)

// Transport is one live Modbus session.
// Implementations need not be safe for concurrent use; Connection
// serialises every request.
type Transport interface {
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	Close() error
}

// Dialer opens a Transport to a device.
type Dialer interface {
	Dial(ctx context.Context, dev Device) (Transport, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, dev Device) (Transport, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, dev Device) (Transport, error) {
	return f(ctx, dev)
}

// TCPDialer opens Modbus TCP sessions with goburrow/modbus.
type TCPDialer struct{}

// Ensure TCPDialer implements Dialer.
var _ Dialer = TCPDialer{}

// Dial connects to dev.Address within dev.ConnectTimeout (or ctx, whichever
// ends first). The handler's idle auto-close is disabled so the session
// lives until Close.
func (TCPDialer) Dial(ctx context.Context, dev Device) (Transport, error) {
	handler := gomodbus.NewTCPClientHandler(dev.Address)
	handler.Timeout = dev.ConnectTimeout
	handler.IdleTimeout = 0
	handler.SlaveId = dev.UnitID

	done := make(chan error, 1)
	go func() {
		done <- handler.Connect()
	}()

	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		// Close the late session, if any, once the dial returns.
		go func() {
			if err := <-done; err == nil {
				handler.Close() //nolint:errcheck // abandoned session
			}
		}()
		return nil, ctx.Err()
	}

	// From here on Timeout bounds each request/response round trip.
	handler.Timeout = dev.ReadTimeout

	return &tcpTransport{
		handler: handler,
		client:  gomodbus.NewClient(handler),
	}, nil
}

// tcpTransport wraps a connected goburrow handler.
type tcpTransport struct {
	handler *gomodbus.TCPClientHandler
	client  gomodbus.Client
}

func (t *tcpTransport) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	return t.client.ReadHoldingRegisters(address, quantity)
}

func (t *tcpTransport) Close() error {
	return t.handler.Close()
}

// decodeRegisters turns a big-endian FC3 payload into register values.
// Bytes past the requested window are ignored.
func decodeRegisters(raw []byte, quantity uint16) ([]int, error) {
	if len(raw) == 0 {
		return nil, errors.New("empty response")
	}
	if len(raw) < int(quantity)*2 {
		return nil, fmt.Errorf("response has %d bytes, want %d for %d registers", len(raw), int(quantity)*2, quantity)
	}

	regs := make([]int, quantity)
	for i := range regs {
		regs[i] = int(binary.BigEndian.Uint16(raw[i*2:]))
	}
	return regs, nil
}

// isConnectionError reports whether err means the session is gone.
// Exception responses and framing problems are protocol errors and leave
// the session usable.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var mbErr *gomodbus.ModbusError
	if errors.As(err, &mbErr) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
