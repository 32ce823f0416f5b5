package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/machine-telemetry/internal/bridges/modbus"
	"github.com/nerrad567/machine-telemetry/internal/infrastructure/config"
	"github.com/nerrad567/machine-telemetry/internal/infrastructure/influxdb"
	"github.com/nerrad567/machine-telemetry/internal/infrastructure/logging"
	"github.com/nerrad567/machine-telemetry/internal/infrastructure/mqtt"
	"github.com/nerrad567/machine-telemetry/internal/machine"
	"github.com/nerrad567/machine-telemetry/internal/recorder"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// ChannelSource is the message channel client. Satisfied by *mqtt.Client.
type ChannelSource interface {
	IsConnected() bool
	Stats() mqtt.Stats
}

// SchedulerSource exposes polling state. Satisfied by *modbus.Scheduler.
type SchedulerSource interface {
	Snapshot() []modbus.ConnectionSnapshot
	Metrics() modbus.SchedulerMetrics
}

// RecorderSource exposes consumer counters. Satisfied by *recorder.Consumer.
type RecorderSource interface {
	Metrics() recorder.Metrics
}

// StatusSource reads persisted machine state. Satisfied by *machine.SQLiteStore.
type StatusSource interface {
	GetStatus(ctx context.Context) ([]machine.StatusRecord, error)
	GetStatusByCode(ctx context.Context, machineCode string) (machine.StatusRecord, error)
	GetHistory(ctx context.Context, machineCode string, limit int) ([]machine.HistoryRecord, error)
}

// MirrorSource exposes history mirror counters. Satisfied by *influxdb.Client.
type MirrorSource interface {
	Stats() influxdb.Stats
}

// DBStatsSource exposes connection pool statistics. Satisfied by *database.DB.
type DBStatsSource interface {
	Stats() sql.DBStats
}

// Deps holds the dependencies required by the API server.
// Only Logger is required.
type Deps struct {
	Config  config.APIConfig
	Logger  *logging.Logger
	Service string
	Version string

	MQTT      ChannelSource
	Scheduler SchedulerSource
	Recorder  RecorderSource
	Status    StatusSource
	DB        DBStatsSource
	Mirror    MirrorSource
}

// Server is the ops HTTP API server.
//
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	logger    *logging.Logger
	service   string
	version   string
	startTime time.Time

	mqtt      ChannelSource
	scheduler SchedulerSource
	recorder  RecorderSource
	status    StatusSource
	db        DBStatsSource
	mirror    MirrorSource

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Logger plus whichever data sources this process has
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	return &Server{
		cfg:       deps.Config,
		logger:    deps.Logger,
		service:   deps.Service,
		version:   deps.Version,
		startTime: time.Now(),
		mqtt:      deps.MQTT,
		scheduler: deps.Scheduler,
		recorder:  deps.Recorder,
		status:    deps.Status,
		db:        deps.DB,
		mirror:    deps.Mirror,
	}, nil
}

// Start binds the listener and serves in a background goroutine.
// The server can be stopped with Close().
//
// Returns:
//   - error: If the listener cannot be bound (port in use, etc.)
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	s.logger.Info("API server starting", "address", ln.Addr().String())

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
