// Machine Telemetry Recorder
//
// The recorder consumes machine messages from MQTT in order, keeps the
// current status of every machine plus an append-only change history in
// SQLite, and optionally mirrors each change to InfluxDB.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/nerrad567/machine-telemetry/migrations"

	"github.com/nerrad567/machine-telemetry/internal/api"
	"github.com/nerrad567/machine-telemetry/internal/infrastructure/config"
	"github.com/nerrad567/machine-telemetry/internal/infrastructure/database"
	"github.com/nerrad567/machine-telemetry/internal/infrastructure/influxdb"
	"github.com/nerrad567/machine-telemetry/internal/infrastructure/logging"
	"github.com/nerrad567/machine-telemetry/internal/infrastructure/mqtt"
	"github.com/nerrad567/machine-telemetry/internal/machine"
	"github.com/nerrad567/machine-telemetry/internal/recorder"
	"github.com/nerrad567/machine-telemetry/internal/telemetry"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

const (
	serviceName       = "telemetry-recorder"
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
	log.Info("starting telemetry recorder",
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
	log.Info("configuration loaded", "path", configPath)

	// Open database
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	store := machine.NewSQLiteStore(db.DB)
	if seedErr := store.SeedMachines(ctx, machinesFromConfig(cfg)); seedErr != nil {
		return fmt.Errorf("seeding machines: %w", seedErr)
	}
	log.Info("machines seeded", "count", len(cfg.Devices))

	ops, err := loadOperationTable(cfg.Recorder.OperationCodesFile)
	if err != nil {
		return err
	}
	log.Info("operation codes loaded", "codes", ops.Len(), "file", cfg.Recorder.OperationCodesFile)

	// Connect to InfluxDB (optional)
	var (
		mirror      recorder.Mirror
		mirrorStats api.MirrorSource
	)
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(ctx, cfg.InfluxDB)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		mirror = influxClient
		mirrorStats = influxClient
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	consumer, err := recorder.NewConsumer(recorder.ConsumerOptions{
		Channel: cfg.Channel.Topic,
		Layout: telemetry.RegisterLayout{
			StatusIndex:  cfg.Gateway.RegisterLayout.StatusIndex,
			CounterIndex: cfg.Gateway.RegisterLayout.CounterIndex,
		},
		PersistTimeout: cfg.Recorder.PersistTimeout,
		Store:          store,
		Operations:     ops,
		Mirror:         mirror,
		Logger:         log.With("component", "consumer"),
	})
	if err != nil {
		return fmt.Errorf("creating consumer: %w", err)
	}

	// Connect to MQTT broker
	mqttCfg := cfg.MQTT
	mqttCfg.Broker.ClientID = cfg.MQTT.Broker.ClientID + "-recorder"
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
		"clean_session", mqttCfg.CleanSession,
	)

	group := ""
	if cfg.Channel.SharedSubscription {
		group = cfg.Channel.ConsumerGroup
	}
	if subErr := consumer.Subscribe(mqttClient, group, byte(cfg.MQTT.QoS)); subErr != nil {
		return fmt.Errorf("subscribing to machine data: %w", subErr)
	}

	pruner := recorder.NewPruner(store, cfg.Recorder.HistoryRetention, cfg.Recorder.PruneInterval,
		log.With("component", "pruner"))
	pruner.Start(ctx)
	defer pruner.Stop()
	if pruner.Enabled() {
		log.Info("history retention enabled", "retention", cfg.Recorder.HistoryRetention)
	}

	// Ops API (optional)
	if cfg.API.Enabled {
		srv, apiErr := api.New(api.Deps{
			Config:   cfg.API.ForRecorder(),
			Logger:   log.With("component", "api"),
			Service:  serviceName,
			Version:  version,
			MQTT:     mqttClient,
			Recorder: consumer,
			Status:   store,
			DB:       db,
			Mirror:   mirrorStats,
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

	if err := healthCheck(ctx, db, mqttClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("recorder running", "channel", cfg.Channel.Topic, "shared_group", group)

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up", "metrics", consumer.Metrics())
	return nil
}

func getConfigPath() string {
	if path := os.Getenv("TELEMETRY_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

func machinesFromConfig(cfg *config.Config) []machine.Machine {
	machines := make([]machine.Machine, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		machines = append(machines, machine.Machine{
			Code:        d.MachineCode,
			DisplayName: d.DisplayName(),
		})
	}
	return machines
}

func loadOperationTable(path string) (*machine.OperationTable, error) {
	if path == "" {
		return machine.DefaultOperationTable(), nil
	}
	ops, err := machine.LoadOperationCodes(path)
	if err != nil {
		return nil, fmt.Errorf("loading operation codes: %w", err)
	}
	return ops, nil
}

func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	return nil
}
