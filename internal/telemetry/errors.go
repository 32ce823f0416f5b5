package telemetry

import "errors"

// Domain errors for the telemetry package.
var (
	// ErrMalformedPayload is returned when a wire message cannot be decoded
	// or is missing required fields.
	ErrMalformedPayload = errors.New("telemetry: malformed payload")

	// ErrTooFewRegisters is returned when a register window is too short
	// to hold the status and counter registers of the layout.
	ErrTooFewRegisters = errors.New("telemetry: too few registers for layout")
)
