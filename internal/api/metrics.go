package api

import (
	"database/sql"
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/machine-telemetry/internal/bridges/modbus"
	"github.com/nerrad567/machine-telemetry/internal/infrastructure/influxdb"
	"github.com/nerrad567/machine-telemetry/internal/infrastructure/mqtt"
	"github.com/nerrad567/machine-telemetry/internal/recorder"
)

const bytesPerMB = 1 << 20

// SystemMetrics is the body of GET /api/v1/metrics. Sections for
// components the process does not run are omitted.
type SystemMetrics struct {
	Timestamp     string                   `json:"timestamp"`
	Service       string                   `json:"service"`
	Version       string                   `json:"version"`
	UptimeSeconds int64                    `json:"uptime_seconds"`
	Runtime       RuntimeMetrics           `json:"runtime"`
	MQTT          *mqtt.Stats              `json:"mqtt,omitempty"`
	Scheduler     *modbus.SchedulerMetrics `json:"scheduler,omitempty"`
	Recorder      *recorder.Metrics        `json:"recorder,omitempty"`
	Database      *DatabaseMetrics         `json:"database,omitempty"`
	Mirror        *influxdb.Stats          `json:"mirror,omitempty"`
}

// RuntimeMetrics is a Go runtime snapshot.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// DatabaseMetrics is the SQLite pool state.
type DatabaseMetrics struct {
	MaxOpen         int   `json:"max_open"`
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
	WaitMillis      int64 `json:"wait_ms"`
}

func readRuntime() RuntimeMetrics {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return RuntimeMetrics{
		Goroutines:    runtime.NumGoroutine(),
		MemoryAllocMB: float64(ms.Alloc) / bytesPerMB,
		MemoryTotalMB: float64(ms.TotalAlloc) / bytesPerMB,
		NumGC:         ms.NumGC,
	}
}

func poolMetrics(st sql.DBStats) *DatabaseMetrics {
	return &DatabaseMetrics{
		MaxOpen:         st.MaxOpenConnections,
		OpenConnections: st.OpenConnections,
		InUse:           st.InUse,
		Idle:            st.Idle,
		WaitCount:       st.WaitCount,
		WaitMillis:      st.WaitDuration.Milliseconds(),
	}
}

func ptr[T any](v T) *T { return &v }

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	out := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Service:       s.service,
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime:       readRuntime(),
	}

	if s.mqtt != nil {
		out.MQTT = ptr(s.mqtt.Stats())
	}
	if s.scheduler != nil {
		out.Scheduler = ptr(s.scheduler.Metrics())
	}
	if s.recorder != nil {
		out.Recorder = ptr(s.recorder.Metrics())
	}
	if s.db != nil {
		out.Database = poolMetrics(s.db.Stats())
	}
	if s.mirror != nil {
		out.Mirror = ptr(s.mirror.Stats())
	}

	writeJSON(w, http.StatusOK, out)
}
