package modbus

import (
	"time"
)

// HealthStatus represents the operational status of the gateway.
type HealthStatus string

const (
	// HealthHealthy indicates every device is connected and MQTT is up.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates MQTT is down or at least one device is not connected.
	HealthDegraded HealthStatus = "degraded"

	// HealthStarting indicates the gateway is starting up.
	HealthStarting HealthStatus = "starting"

	// HealthStopping indicates the gateway is shutting down.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is the retained gateway status.
// Topic: telemetry/health/{gateway_id}
// QoS: 1, Retained: Yes
type HealthMessage struct {
	// Gateway is the gateway identifier.
	Gateway string `json:"gateway"`

	// Timestamp is when the status was generated (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Status indicates the current operational status.
	Status HealthStatus `json:"status"`

	// Version is the gateway software version.
	Version string `json:"version"`

	// UptimeSeconds is how long the gateway has been running.
	UptimeSeconds int64 `json:"uptime_seconds"`

	// DevicesTotal is the number of configured devices.
	DevicesTotal int `json:"devices_total"`

	// DevicesConnected is the number of devices with a live session.
	DevicesConnected int `json:"devices_connected"`

	// Statistics contains polling counters.
	Statistics *SchedulerMetrics `json:"statistics,omitempty"`

	// Reason explains a degraded status.
	Reason string `json:"reason,omitempty"`
}

// NewHealthMessage creates a health status message.
func NewHealthMessage(gatewayID, version string, status HealthStatus, metrics SchedulerMetrics, startTime time.Time) HealthMessage {
	return HealthMessage{
		Gateway:          gatewayID,
		Timestamp:        time.Now().UTC(),
		Status:           status,
		Version:          version,
		UptimeSeconds:    int64(time.Since(startTime).Seconds()),
		DevicesTotal:     metrics.Devices,
		DevicesConnected: metrics.DevicesConnected,
		Statistics:       &metrics,
	}
}
