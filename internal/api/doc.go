// Package api implements the ops HTTP API shared by the gateway and the recorder.
//
// This package provides:
//   - Health and JSON metrics endpoints for both processes
//   - Per-device connection state on the gateway
//   - Current machine status and history on the recorder
//   - Prometheus exposition of the same counters at /metrics
//   - Middleware stack (request ID, logging, recovery)
//
// Every data source is optional. A route whose source is missing is not
// mounted, so one router serves either process.
package api
