// Package modbus implements the producer side of the telemetry gateway.
//
// It polls register-based field controllers over Modbus TCP, runs every
// reading through a change detector and publishes the changes to MQTT.
//
// # Architecture
//
//	┌──────────────┐  FC3   ┌──────────────┐  change  ┌──────────────┐  MQTT
//	│  Controller  │◄──────►│  Connection  │─────────►│  Scheduler   │────────► telemetry/<topic>/<code>
//	└──────────────┘        └──────────────┘          └──────────────┘
//
// # Key Responsibilities
//
//   - Connection: one TCP session per device with a small state machine
//     (disconnected, connecting, connected, reconnect waiting) and a fixed
//     backoff reconnect budget
//   - Scheduler: one worker goroutine per device fed by a single ticker,
//     per-device failure counting with restart cycles, and a watchdog that
//     restarts a dead tick loop
//   - Publisher: JSON change messages keyed by machine code
//   - HealthReporter: periodic retained gateway health on telemetry/health/<id>
//
// # Error Handling
//
// Errors are classified as ConnectionError, ProtocolError or PublishError.
// Each wraps its sentinel (ErrConnection, ErrProtocol, ErrPublish) so callers
// use errors.Is. A failure on one device never affects another.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
package modbus
