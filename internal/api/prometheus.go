package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/machine-telemetry/internal/bridges/modbus"
)

const metricNamespace = "telemetry"

// telemetryCollector reads the live counters of whichever sources the
// server has on every scrape, so nothing is double-counted.
type telemetryCollector struct {
	s *Server

	mqttConnected       *prometheus.Desc
	mqttReconnects      *prometheus.Desc
	mqttPublished       *prometheus.Desc
	mqttPublishFailures *prometheus.Desc
	mqttReceived        *prometheus.Desc

	devices          *prometheus.Desc
	devicesConnected *prometheus.Desc
	pollTicks        *prometheus.Desc
	pollCoalesced    *prometheus.Desc
	reads            *prometheus.Desc
	readErrors       *prometheus.Desc
	changes          *prometheus.Desc
	suppressed       *prometheus.Desc
	publishErrors    *prometheus.Desc
	restarts         *prometheus.Desc
	panics           *prometheus.Desc
	loopRestarts     *prometheus.Desc

	deviceConnected *prometheus.Desc
	deviceFailures  *prometheus.Desc
	deviceRetries   *prometheus.Desc

	messages *prometheus.Desc

	mirrorWritten *prometheus.Desc
	mirrorFailed  *prometheus.Desc
}

func newTelemetryCollector(s *Server) *telemetryCollector {
	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricNamespace, subsystem, name), help, labels, nil)
	}

	return &telemetryCollector{
		s:                   s,
		mqttConnected:       desc("mqtt", "connected", "1 when the MQTT client is connected."),
		mqttReconnects:      desc("mqtt", "reconnects_total", "Broker reconnects after the initial connect."),
		mqttPublished:       desc("mqtt", "published_total", "Messages acknowledged by the broker."),
		mqttPublishFailures: desc("mqtt", "publish_failures_total", "Publishes that failed or timed out."),
		mqttReceived:        desc("mqtt", "received_total", "Messages delivered to handlers."),
		devices:             desc("gateway", "devices", "Configured devices."),
		devicesConnected:    desc("gateway", "devices_connected", "Devices with a live session."),
		pollTicks:           desc("gateway", "poll_ticks_total", "Poll ticks fanned out."),
		pollCoalesced:       desc("gateway", "poll_ticks_coalesced_total", "Ticks dropped because a device was still busy."),
		reads:               desc("gateway", "reads_total", "Successful register reads."),
		readErrors:          desc("gateway", "read_errors_total", "Failed register reads."),
		changes:             desc("gateway", "changes_total", "Change events published."),
		suppressed:          desc("gateway", "suppressed_total", "Readings that were not a change."),
		publishErrors:       desc("gateway", "publish_errors_total", "Failed publishes."),
		restarts:            desc("gateway", "restarts_total", "Device restart cycles."),
		panics:              desc("gateway", "panics_total", "Recovered polling panics."),
		loopRestarts:        desc("gateway", "loop_restarts_total", "Tick loop restarts by the watchdog."),
		deviceConnected:     desc("device", "connected", "1 when the device has a live session.", "machine_code"),
		deviceFailures:      desc("device", "consecutive_failures", "Consecutive poll failures.", "machine_code"),
		deviceRetries:       desc("device", "reconnect_attempts", "Reconnect attempts since the last success.", "machine_code"),
		messages:            desc("recorder", "messages_total", "Messages handled by outcome.", "outcome"),
		mirrorWritten:       desc("mirror", "points_total", "Points queued for InfluxDB."),
		mirrorFailed:        desc("mirror", "failed_batches_total", "InfluxDB batches that failed to write."),
	}
}

// Describe implements prometheus.Collector.
func (c *telemetryCollector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

// Collect implements prometheus.Collector.
func (c *telemetryCollector) Collect(ch chan<- prometheus.Metric) {
	if c.s.mqtt != nil {
		st := c.s.mqtt.Stats()
		ch <- prometheus.MustNewConstMetric(c.mqttConnected, prometheus.GaugeValue, boolValue(st.Connected))
		ch <- prometheus.MustNewConstMetric(c.mqttReconnects, prometheus.CounterValue, float64(st.Reconnects))
		ch <- prometheus.MustNewConstMetric(c.mqttPublished, prometheus.CounterValue, float64(st.Published))
		ch <- prometheus.MustNewConstMetric(c.mqttPublishFailures, prometheus.CounterValue, float64(st.PublishFailures))
		ch <- prometheus.MustNewConstMetric(c.mqttReceived, prometheus.CounterValue, float64(st.Received))
	}

	if c.s.scheduler != nil {
		c.collectScheduler(ch)
	}

	if c.s.recorder != nil {
		m := c.s.recorder.Metrics()
		for outcome, v := range map[string]uint64{
			"persisted":  m.Persisted,
			"suppressed": m.Suppressed,
			"malformed":  m.Malformed,
			"failed":     m.Failed,
		} {
			ch <- prometheus.MustNewConstMetric(c.messages, prometheus.CounterValue, float64(v), outcome)
		}
	}

	if c.s.mirror != nil {
		st := c.s.mirror.Stats()
		ch <- prometheus.MustNewConstMetric(c.mirrorWritten, prometheus.CounterValue, float64(st.Written))
		ch <- prometheus.MustNewConstMetric(c.mirrorFailed, prometheus.CounterValue, float64(st.FailedWrites))
	}
}

func (c *telemetryCollector) collectScheduler(ch chan<- prometheus.Metric) {
	m := c.s.scheduler.Metrics()

	gauge := func(d *prometheus.Desc, v int) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v))
	}
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}

	gauge(c.devices, m.Devices)
	gauge(c.devicesConnected, m.DevicesConnected)
	counter(c.pollTicks, m.Ticks)
	counter(c.pollCoalesced, m.TicksCoalesced)
	counter(c.reads, m.Reads)
	counter(c.readErrors, m.ReadErrors)
	counter(c.changes, m.Changes)
	counter(c.suppressed, m.Suppressed)
	counter(c.publishErrors, m.PublishErrors)
	counter(c.restarts, m.Restarts)
	counter(c.panics, m.Panics)
	counter(c.loopRestarts, m.LoopRestarts)

	for _, snap := range c.s.scheduler.Snapshot() {
		ch <- prometheus.MustNewConstMetric(c.deviceConnected, prometheus.GaugeValue,
			boolValue(snap.State == modbus.StateConnected), snap.MachineCode)
		ch <- prometheus.MustNewConstMetric(c.deviceFailures, prometheus.GaugeValue,
			float64(snap.Failures), snap.MachineCode)
		ch <- prometheus.MustNewConstMetric(c.deviceRetries, prometheus.GaugeValue,
			float64(snap.RetryCount), snap.MachineCode)
	}
}

// newRegistry builds a private registry with the runtime collectors and
// the telemetry collector.
func (s *Server) newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		newTelemetryCollector(s),
	)
	return reg
}

// prometheusHandler serves the registry in the Prometheus exposition format.
func (s *Server) prometheusHandler() http.Handler {
	return promhttp.HandlerFor(s.newRegistry(), promhttp.HandlerOpts{})
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
