package modbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/machine-telemetry/internal/infrastructure/mqtt"
)

// HealthPublisher is the slice of the MQTT client the reporter needs.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// MetricsSource supplies the counters embedded in each health message.
// Satisfied by *Scheduler.
type MetricsSource interface {
	Metrics() SchedulerMetrics
}

// HealthReporterConfig wires a HealthReporter.
type HealthReporterConfig struct {
	GatewayID string
	Version   string

	// Interval between retained status updates. Zero means 30s.
	Interval time.Duration

	Publisher HealthPublisher
	Source    MetricsSource
}

// HealthReporter keeps a retained status message on
// telemetry/health/{gateway_id} current while the gateway runs.
type HealthReporter struct {
	cfg     HealthReporterConfig
	topic   string
	started time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
	logger  Logger
}

// NewHealthReporter returns an idle reporter; call Start to begin.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultHealthInterval
	}
	return &HealthReporter{
		cfg:     cfg,
		topic:   mqtt.Topics{}.GatewayHealth(cfg.GatewayID),
		started: time.Now(),
	}
}

// SetLogger sets where publish failures are reported.
func (h *HealthReporter) SetLogger(logger Logger) {
	h.mu.Lock()
	h.logger = logger
	h.mu.Unlock()
}

// Topic is the retained health topic.
func (h *HealthReporter) Topic() string {
	return h.topic
}

// Start publishes the current status, then republishes every interval until
// ctx ends or Stop is called. A second Start is ignored.
func (h *HealthReporter) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped != nil {
		return
	}

	ctx, h.cancel = context.WithCancel(ctx)
	h.stopped = make(chan struct{})
	go h.run(ctx, h.stopped)
}

// Stop ends the loop and leaves a retained "stopping" status behind.
// Calls after the first do nothing.
func (h *HealthReporter) Stop() {
	h.mu.Lock()
	cancel, stopped := h.cancel, h.stopped
	h.cancel = nil
	h.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped

	if err := h.publish(HealthStopping, ""); err != nil {
		h.logError("failed to publish stopping status", err)
	}
}

// PublishStarting announces the gateway before the first poll.
func (h *HealthReporter) PublishStarting() error {
	return h.publish(HealthStarting, "gateway starting")
}

// PublishNow publishes the status as of now.
func (h *HealthReporter) PublishNow() error {
	return h.publish(h.determineStatus())
}

func (h *HealthReporter) run(ctx context.Context, stopped chan<- struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := h.PublishNow(); err != nil {
			h.logError("failed to publish health", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// determineStatus is degraded while MQTT is down or any device lacks a
// session, healthy otherwise.
func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if h.cfg.Publisher == nil || !h.cfg.Publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}
	if h.cfg.Source == nil {
		return HealthHealthy, ""
	}
	if m := h.cfg.Source.Metrics(); m.DevicesConnected < m.Devices {
		return HealthDegraded, fmt.Sprintf("%d of %d devices not connected", m.Devices-m.DevicesConnected, m.Devices)
	}
	return HealthHealthy, ""
}

func (h *HealthReporter) publish(status HealthStatus, reason string) error {
	if h.cfg.Publisher == nil {
		return nil
	}

	var m SchedulerMetrics
	if h.cfg.Source != nil {
		m = h.cfg.Source.Metrics()
	}
	msg := NewHealthMessage(h.cfg.GatewayID, h.cfg.Version, status, m, h.started)
	msg.Reason = reason

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding health message: %w", err)
	}
	return h.cfg.Publisher.Publish(h.topic, payload, 1, true)
}

func (h *HealthReporter) logError(msg string, err error) {
	h.mu.Lock()
	logger := h.logger
	h.mu.Unlock()

	if logger != nil {
		logger.Error(msg, "error", err, "topic", h.topic)
	}
}
