package modbus

import (
	"errors"
	"fmt"
)

// Domain errors for the Modbus bridge package.
var (
	// ErrConnection is wrapped by every ConnectionError: dial timeouts,
	// refused connects, resets and closed sessions.
	ErrConnection = errors.New("modbus: connection error")

	// ErrProtocol is wrapped by every ProtocolError: exception responses and
	// short or malformed register data. The session stays usable.
	ErrProtocol = errors.New("modbus: protocol error")

	// ErrNotConnected is returned when a read is attempted without a live session.
	ErrNotConnected = errors.New("modbus: not connected")

	// ErrAlreadyConnecting is returned when Connect is called while another
	// connect attempt for the same device is in progress.
	ErrAlreadyConnecting = errors.New("modbus: connect already in progress")

	// ErrMaxRetriesExceeded is signalled when the reconnect budget of a
	// device is exhausted.
	ErrMaxRetriesExceeded = errors.New("modbus: max reconnect retries exceeded")

	// ErrPublish is wrapped by every PublishError.
	ErrPublish = errors.New("modbus: publish failed")
)

// ConnectionError describes a transport-level failure for one device.
type ConnectionError struct {
	MachineCode string
	Op          string
	Err         error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("modbus: %s %s: %v", e.Op, e.MachineCode, e.Err)
}

// Unwrap exposes both ErrConnection and the underlying cause to errors.Is/As.
func (e *ConnectionError) Unwrap() []error {
	return []error{ErrConnection, e.Err}
}

// ProtocolError describes a response that could not be turned into registers.
type ProtocolError struct {
	MachineCode string
	Err         error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("modbus: protocol error from %s: %v", e.MachineCode, e.Err)
}

// Unwrap exposes both ErrProtocol and the underlying cause to errors.Is/As.
func (e *ProtocolError) Unwrap() []error {
	return []error{ErrProtocol, e.Err}
}

// PublishError describes a change event that could not be handed to the channel.
type PublishError struct {
	MachineCode string
	Topic       string
	Err         error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("modbus: publishing %s to %s: %v", e.MachineCode, e.Topic, e.Err)
}

// Unwrap exposes both ErrPublish and the underlying cause to errors.Is/As.
func (e *PublishError) Unwrap() []error {
	return []error{ErrPublish, e.Err}
}
