package machine

import (
	"context"
	"time"
)

// UnknownMachineName is the display name used for machines with no entry.
const UnknownMachineName = "UNKNOWN MACHINE"

// Machine is a configured machine and its display name.
type Machine struct {
	Code        string `json:"machine_code"`
	DisplayName string `json:"display_name"`
}

// Fields are the values the recorder extracts from one message.
type Fields struct {
	StatusCode    int    `json:"status_code"`
	Counter       int    `json:"counter"`
	OperationName string `json:"operation_name"`
	Registers     []int  `json:"registers"`
}

// StatusRecord is the current status of one machine.
type StatusRecord struct {
	MachineCode   string    `json:"machine_code"`
	DisplayName   string    `json:"display_name"`
	StatusCode    int       `json:"status_code"`
	OperationName string    `json:"operation_name"`
	Counter       int       `json:"counter"`
	Registers     []int     `json:"registers"`
	CapturedAt    time.Time `json:"captured_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// HistoryRecord is one accepted change.
type HistoryRecord struct {
	ID            string    `json:"id"`
	MachineCode   string    `json:"machine_code"`
	StatusCode    int       `json:"status_code"`
	OperationName string    `json:"operation_name"`
	Counter       int       `json:"counter"`
	Registers     []int     `json:"registers"`
	CapturedAt    time.Time `json:"captured_at"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// Store is the persistence contract used by the recorder.
//
// Implementations must be safe for concurrent use and every method must be
// safe to re-apply with the same arguments.
type Store interface {
	// LookupDisplayName returns the machine's display name, or
	// UnknownMachineName when the machine is not known.
	LookupDisplayName(ctx context.Context, machineCode string) (string, error)

	// UpsertStatus writes the current status. An older capturedAt than the
	// stored one leaves the row unchanged.
	UpsertStatus(ctx context.Context, machineCode, displayName string, f Fields, capturedAt time.Time) error

	// AppendHistory adds a history row and returns its id. Appending the same
	// (machineCode, capturedAt) again returns the existing id.
	AppendHistory(ctx context.Context, machineCode string, f Fields, capturedAt time.Time) (string, error)
}
