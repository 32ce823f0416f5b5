package machine

import (
	"errors"
	"fmt"
)

// Domain errors for the machine package.
var (
	// ErrPersistence is wrapped by every PersistenceError.
	ErrPersistence = errors.New("machine: persistence failed")

	// ErrInvalidMachineCode is returned for an empty machine code.
	ErrInvalidMachineCode = errors.New("machine: invalid machine code")

	// ErrNotFound is returned when a machine has no status row.
	ErrNotFound = errors.New("machine: not found")
)

// PersistenceError describes a failed store operation for one machine.
type PersistenceError struct {
	Op          string
	MachineCode string
	Err         error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("machine: %s %s: %v", e.Op, e.MachineCode, e.Err)
}

// Unwrap exposes both ErrPersistence and the underlying cause.
func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}
