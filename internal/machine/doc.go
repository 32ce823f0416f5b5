// Package machine persists machine telemetry for the recorder.
//
// It owns three tables:
//
//   - machines: machine code to display name, seeded from configuration
//   - machine_status: one current-status row per machine
//   - machine_history: an append-only change log
//
// Every write is safe to re-apply. Status upserts are last-write-wins by
// capture time and history appends are unique on (machine_code,
// captured_at), so a redelivered message changes nothing.
//
// The package also holds the operation code table that turns a raw status
// register value into an operation name.
package machine
