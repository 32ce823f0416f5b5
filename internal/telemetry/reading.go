package telemetry

import (
	"fmt"
	"slices"
	"time"
)

// Reading is one successful read of a machine's register window.
// It is immutable once constructed; Registers returns a copy.
type Reading struct {
	machineCode string
	registers   []int
	capturedAt  time.Time
}

// NewReading builds a Reading, copying registers.
func NewReading(machineCode string, registers []int, capturedAt time.Time) Reading {
	return Reading{
		machineCode: machineCode,
		registers:   slices.Clone(registers),
		capturedAt:  capturedAt,
	}
}

// MachineCode returns the machine the reading came from.
func (r Reading) MachineCode() string { return r.machineCode }

// Registers returns a copy of the register values in window order.
func (r Reading) Registers() []int { return slices.Clone(r.registers) }

// Len returns the number of registers in the reading.
func (r Reading) Len() int { return len(r.registers) }

// CapturedAt returns when the registers were read.
func (r Reading) CapturedAt() time.Time { return r.capturedAt }

// ChangeEvent is a Reading plus the detector's verdict. It is the unit
// handed to the publisher.
type ChangeEvent struct {
	Reading  Reading
	IsUpdate bool
}

// RegisterLayout locates the tracked registers inside a machine's window.
type RegisterLayout struct {
	StatusIndex  int
	CounterIndex int
}

// DefaultLayout is the plant layout: status in the first register and the
// production counter in the third.
func DefaultLayout() RegisterLayout {
	return RegisterLayout{StatusIndex: 0, CounterIndex: 2}
}

// MinLength is the shortest window that holds both tracked registers.
func (l RegisterLayout) MinLength() int {
	return max(l.StatusIndex, l.CounterIndex) + 1
}

// Validate rejects negative indices.
func (l RegisterLayout) Validate() error {
	if l.StatusIndex < 0 || l.CounterIndex < 0 {
		return fmt.Errorf("register layout indices must not be negative (status=%d, counter=%d)",
			l.StatusIndex, l.CounterIndex)
	}
	return nil
}

// Extract returns the status and counter values from registers.
func (l RegisterLayout) Extract(registers []int) (status, counter int, err error) {
	if len(registers) < l.MinLength() {
		return 0, 0, fmt.Errorf("%w: got %d, need %d", ErrTooFewRegisters, len(registers), l.MinLength())
	}
	return registers[l.StatusIndex], registers[l.CounterIndex], nil
}
