// Machine Telemetry Gateway
//
// The gateway polls every configured Modbus TCP controller on a fixed
// interval, detects status and counter changes, and publishes each change
// to MQTT on telemetry/<channel>/<machine_code>. A periodic health message
// is published on telemetry/health/<gateway_id>.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nerrad567/machine-telemetry/internal/api"
	"github.com/nerrad567/machine-telemetry/internal/bridges/modbus"
	"github.com/nerrad567/machine-telemetry/internal/infrastructure/config"
	"github.com/nerrad567/machine-telemetry/internal/infrastructure/logging"
	"github.com/nerrad567/machine-telemetry/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

const (
	serviceName       = "telemetry-gateway"
	defaultConfigPath = "configs/config.yaml"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting telemetry gateway",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, serviceName, version)
	log.Info("configuration loaded",
		"path", configPath,
		"devices", len(cfg.Devices),
		"poll_interval", cfg.Gateway.PollInterval,
	)

	loc, err := cfg.Site.Location()
	if err != nil {
		return fmt.Errorf("resolving site timezone: %w", err)
	}

	// Connect to MQTT broker
	mqttCfg := cfg.MQTT
	mqttCfg.Broker.ClientID = clientID(cfg.MQTT.Broker.ClientID, cfg.Gateway.ID)
	mqttClient, err := mqtt.Connect(mqttCfg)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log)
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", mqttCfg.Broker.ClientID,
	)

	// Build the polling scheduler
	publisher := modbus.NewPublisher(mqttClient, cfg.Channel.Topic, byte(cfg.MQTT.QoS), loc)
	scheduler, err := modbus.NewScheduler(modbus.SchedulerOptions{
		Config:    modbus.SchedulerConfigFromGateway(cfg.Gateway),
		Devices:   modbus.DevicesFromConfig(cfg),
		Dialer:    modbus.TCPDialer{},
		Publisher: publisher,
		Logger:    log.With("component", "scheduler"),
	})
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}

	health := modbus.NewHealthReporter(modbus.HealthReporterConfig{
		GatewayID: cfg.Gateway.ID,
		Version:   version,
		Interval:  cfg.Gateway.HealthInterval,
		Publisher: mqttClient,
		Source:    scheduler,
	})
	health.SetLogger(log.With("component", "health"))
	if pubErr := health.PublishStarting(); pubErr != nil {
		log.Warn("failed to publish starting status", "error", pubErr)
	}

	if startErr := scheduler.Start(ctx); startErr != nil {
		return fmt.Errorf("starting scheduler: %w", startErr)
	}
	defer stopScheduler(scheduler, cfg, log)

	health.Start(ctx)
	defer health.Stop()

	// Ops API (optional)
	if cfg.API.Enabled {
		srv, apiErr := api.New(api.Deps{
			Config:    cfg.API,
			Logger:    log.With("component", "api"),
			Service:   serviceName,
			Version:   version,
			MQTT:      mqttClient,
			Scheduler: scheduler,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if apiErr := srv.Start(ctx); apiErr != nil {
			return fmt.Errorf("starting API server: %w", apiErr)
		}
		defer func() {
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	log.Info("gateway running",
		"gateway_id", cfg.Gateway.ID,
		"channel", cfg.Channel.Topic,
		"devices", len(cfg.Devices),
	)

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// stopScheduler stops polling within the configured grace period.
func stopScheduler(s *modbus.Scheduler, cfg *config.Config, log *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Gateway.ShutdownGrace)
	defer cancel()

	log.Info("stopping scheduler", "grace", cfg.Gateway.ShutdownGrace)
	if err := s.Stop(ctx); err != nil {
		log.Warn("scheduler stop exceeded grace period, in-flight polls cancelled", "error", err)
	}
}

func getConfigPath() string {
	if path := os.Getenv("TELEMETRY_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// clientID derives this process's MQTT client id. Gateways sharing a
// broker need distinct ids, so the gateway id is appended.
func clientID(base, gatewayID string) string {
	return fmt.Sprintf("%s-%s", base, gatewayID)
}
