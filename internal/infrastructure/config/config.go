package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the telemetry gateway and recorder.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site     SiteConfig     `yaml:"site"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Channel  ChannelConfig  `yaml:"channel"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
	API      APIConfig      `yaml:"api"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Recorder RecorderConfig `yaml:"recorder"`
	Devices  []DeviceConfig `yaml:"devices"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// Location resolves the site timezone. An unset timezone resolves to UTC.
func (s SiteConfig) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", s.Timezone, err)
	}
	return loc, nil
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker       MQTTBrokerConfig    `yaml:"broker"`
	Auth         MQTTAuthConfig      `yaml:"auth"`
	QoS          int                 `yaml:"qos"`
	CleanSession bool                `yaml:"clean_session"`
	Reconnect    MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// ChannelConfig describes the telemetry channel carried over MQTT.
//
// Topic is the logical channel name; messages for machine M are published
// on telemetry/<topic>/<M>. ConsumerGroup is the shared subscription group
// used by recorders when SharedSubscription is set; group members split the
// message load, each seeing part of every machine's stream.
type ChannelConfig struct {
	Topic              string `yaml:"topic"`
	ConsumerGroup      string `yaml:"consumer_group"`
	SharedSubscription bool   `yaml:"shared_subscription"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// APIConfig contains the ops HTTP API settings.
//
// Port is the gateway's listener. The recorder listens on RecorderPort so
// both processes can run on one host from the same file.
type APIConfig struct {
	Enabled      bool             `yaml:"enabled"`
	Host         string           `yaml:"host"`
	Port         int              `yaml:"port"`
	RecorderPort int              `yaml:"recorder_port"`
	Timeouts     APITimeoutConfig `yaml:"timeouts"`
}

// ForRecorder returns the settings the recorder's API listens with.
func (a APIConfig) ForRecorder() APIConfig {
	a.Port = a.RecorderPort
	return a
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// GatewayConfig controls polling, retry budgets and supervision on the producer side.
type GatewayConfig struct {
	// ID identifies this gateway instance in health messages and the MQTT client id.
	ID string `yaml:"id"`

	// PollInterval is the fixed tick at which every device is read.
	PollInterval time.Duration `yaml:"poll_interval"`

	// MaxRetries bounds both reconnect attempts per outage and the number of
	// consecutive poll failures that trigger a restart cycle.
	MaxRetries int `yaml:"max_retries"`

	// ReconnectDelay is the fixed backoff before each reconnect attempt.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	// ConnectionTimeout is the default dial timeout for devices without an override.
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`

	// ReadTimeout is the default request/response timeout for devices without an override.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// RestartDelay is the wait between disconnect and reconnect in a restart cycle.
	RestartDelay time.Duration `yaml:"restart_delay"`

	// WatchdogInterval is how often the tick loop heartbeat is checked.
	// Default: 2 × PollInterval
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`

	// ShutdownGrace bounds how long in-flight polls may run after a shutdown signal.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// ConnectStagger spaces out initial device connects at startup.
	ConnectStagger time.Duration `yaml:"connect_stagger"`

	// HealthInterval is how often the gateway health message is published.
	HealthInterval time.Duration `yaml:"health_interval"`

	// StrictStartup makes any unreachable device at startup a fatal error.
	StrictStartup bool `yaml:"strict_startup"`

	// RegisterLayout locates the status and counter registers in the window.
	RegisterLayout RegisterLayoutConfig `yaml:"register_layout"`
}

// RegisterLayoutConfig is the position of the tracked registers within a device's window.
type RegisterLayoutConfig struct {
	StatusIndex  int `yaml:"status_index"`
	CounterIndex int `yaml:"counter_index"`
}

// RecorderConfig controls the consumer side.
type RecorderConfig struct {
	// PersistTimeout bounds the store calls made for one message.
	PersistTimeout time.Duration `yaml:"persist_timeout"`

	// HistoryRetention is how long history rows are kept. Zero disables pruning.
	HistoryRetention time.Duration `yaml:"history_retention"`

	// PruneInterval is how often retention pruning runs.
	PruneInterval time.Duration `yaml:"prune_interval"`

	// OperationCodesFile optionally replaces the built-in operation code table.
	OperationCodesFile string `yaml:"operation_codes_file"`
}

// DeviceConfig describes one field controller. Immutable after load.
type DeviceConfig struct {
	MachineCode string         `yaml:"machine_code" validate:"required,max=64,excludesall=/+#"`
	Name        string         `yaml:"name" validate:"max=128"`
	Host        string         `yaml:"host" validate:"required,hostname_rfc1123|ip"`
	Port        int            `yaml:"port" validate:"min=1,max=65535"`
	UnitID      int            `yaml:"unit_id" validate:"min=1,max=247"`
	Registers   RegisterWindow `yaml:"registers"`
	Timeouts    DeviceTimeouts `yaml:"timeouts"`
}

// RegisterWindow is the contiguous holding-register range read on every poll.
type RegisterWindow struct {
	StartAddress int `yaml:"start_address" validate:"min=0,max=65535"`
	Length       int `yaml:"length" validate:"min=1,max=125"`
}

// DeviceTimeouts override the gateway-wide connection and read timeouts.
type DeviceTimeouts struct {
	Connect time.Duration `yaml:"connect" validate:"min=0"`
	Read    time.Duration `yaml:"read" validate:"min=0"`
}

// Address returns host:port for the device.
func (d DeviceConfig) Address() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// DisplayName returns the configured name, falling back to the machine code.
func (d DeviceConfig) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.MachineCode
}

var validate = validator.New()

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: TELEMETRY_SECTION_KEY
// For example: TELEMETRY_DATABASE_PATH, TELEMETRY_MQTT_HOST
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)
	applyDerivedDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:       "site-001",
			Name:     "Machine Telemetry",
			Timezone: "UTC",
		},
		Database: DatabaseConfig{
			Path:        "./data/telemetry.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "telemetry",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Channel: ChannelConfig{
			Topic:         "machine-data",
			ConsumerGroup: "iot-group",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		API: APIConfig{
			Host:         "0.0.0.0",
			Port:         8090,
			RecorderPort: 8091,
			Timeouts: APITimeoutConfig{
				Read:  15,
				Write: 15,
				Idle:  60,
			},
		},
		Gateway: GatewayConfig{
			ID:                "gateway-01",
			PollInterval:      2 * time.Second,
			MaxRetries:        5,
			ReconnectDelay:    5 * time.Second,
			ConnectionTimeout: 5 * time.Second,
			ReadTimeout:       5 * time.Second,
			RestartDelay:      5 * time.Second,
			ShutdownGrace:     10 * time.Second,
			ConnectStagger:    time.Second,
			HealthInterval:    30 * time.Second,
			RegisterLayout: RegisterLayoutConfig{
				StatusIndex:  0,
				CounterIndex: 2,
			},
		},
		Recorder: RecorderConfig{
			PersistTimeout: 5 * time.Second,
			PruneInterval:  time.Hour,
		},
	}
}

// applyDerivedDefaults fills values that depend on other settings.
func applyDerivedDefaults(cfg *Config) {
	if cfg.Gateway.WatchdogInterval == 0 {
		cfg.Gateway.WatchdogInterval = 2 * cfg.Gateway.PollInterval
	}
	for i := range cfg.Devices {
		d := &cfg.Devices[i]
		if d.Port == 0 {
			d.Port = 502
		}
		if d.UnitID == 0 {
			d.UnitID = 1
		}
		if d.Timeouts.Connect == 0 {
			d.Timeouts.Connect = cfg.Gateway.ConnectionTimeout
		}
		if d.Timeouts.Read == 0 {
			d.Timeouts.Read = cfg.Gateway.ReadTimeout
		}
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: TELEMETRY_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("TELEMETRY_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("TELEMETRY_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("TELEMETRY_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("TELEMETRY_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("TELEMETRY_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Channel
	if v := os.Getenv("TELEMETRY_CHANNEL_TOPIC"); v != "" {
		cfg.Channel.Topic = v
	}

	// API
	if v := os.Getenv("TELEMETRY_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("TELEMETRY_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}
	if v := os.Getenv("TELEMETRY_API_RECORDER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.RecorderPort = port
		}
	}

	// InfluxDB
	if v := os.Getenv("TELEMETRY_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Gateway
	if v := os.Getenv("TELEMETRY_GATEWAY_ID"); v != "" {
		cfg.Gateway.ID = v
	}
}

// Validate checks the configuration for errors.
// All problems are collected and reported together.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}
	if _, err := c.Site.Location(); err != nil {
		errs = append(errs, fmt.Sprintf("site.timezone: %v", err))
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}

	if c.Channel.Topic == "" || strings.ContainsAny(c.Channel.Topic, "/+#") {
		errs = append(errs, "channel.topic is required and must be a single topic level")
	} else if c.Channel.Topic == "health" || c.Channel.Topic == "system" {
		errs = append(errs, "channel.topic must not be a reserved name (health, system)")
	}
	if c.Channel.SharedSubscription && c.Channel.ConsumerGroup == "" {
		errs = append(errs, "channel.consumer_group is required when shared_subscription is enabled")
	}

	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}
		if c.API.RecorderPort < 1 || c.API.RecorderPort > 65535 {
			errs = append(errs, "api.recorder_port must be between 1 and 65535")
		}
		if c.API.Port == c.API.RecorderPort {
			errs = append(errs, "api.recorder_port must differ from api.port")
		}
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	errs = append(errs, c.validateGateway()...)
	errs = append(errs, c.validateDevices()...)

	if c.Recorder.PersistTimeout <= 0 {
		errs = append(errs, "recorder.persist_timeout must be positive")
	}
	if c.Recorder.HistoryRetention < 0 {
		errs = append(errs, "recorder.history_retention must not be negative")
	}
	if c.Recorder.HistoryRetention > 0 && c.Recorder.PruneInterval <= 0 {
		errs = append(errs, "recorder.prune_interval must be positive when history_retention is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (c *Config) validateGateway() []string {
	var errs []string
	g := c.Gateway

	if g.ID == "" {
		errs = append(errs, "gateway.id is required")
	}
	if g.PollInterval <= 0 {
		errs = append(errs, "gateway.poll_interval must be positive")
	}
	if g.MaxRetries < 1 {
		errs = append(errs, "gateway.max_retries must be at least 1")
	}
	if g.ReconnectDelay <= 0 {
		errs = append(errs, "gateway.reconnect_delay must be positive")
	}
	if g.ConnectionTimeout <= 0 {
		errs = append(errs, "gateway.connection_timeout must be positive")
	}
	if g.ReadTimeout <= 0 {
		errs = append(errs, "gateway.read_timeout must be positive")
	}
	if g.RestartDelay < 0 {
		errs = append(errs, "gateway.restart_delay must not be negative")
	}
	if g.WatchdogInterval < 0 {
		errs = append(errs, "gateway.watchdog_interval must not be negative")
	} else if g.WatchdogInterval > 0 && g.WatchdogInterval <= g.PollInterval {
		errs = append(errs, "gateway.watchdog_interval must be longer than gateway.poll_interval")
	}
	if g.ShutdownGrace <= 0 {
		errs = append(errs, "gateway.shutdown_grace must be positive")
	}
	if g.ConnectStagger < 0 {
		errs = append(errs, "gateway.connect_stagger must not be negative")
	}
	if g.HealthInterval <= 0 {
		errs = append(errs, "gateway.health_interval must be positive")
	}
	if g.RegisterLayout.StatusIndex < 0 || g.RegisterLayout.CounterIndex < 0 {
		errs = append(errs, "gateway.register_layout indices must not be negative")
	}

	return errs
}

func (c *Config) validateDevices() []string {
	var errs []string
	seen := make(map[string]bool, len(c.Devices))
	layout := c.Gateway.RegisterLayout
	need := max(layout.StatusIndex, layout.CounterIndex) + 1

	for i, d := range c.Devices {
		prefix := fmt.Sprintf("devices[%d]", i)
		if d.MachineCode != "" {
			prefix = fmt.Sprintf("devices[%d] (%s)", i, d.MachineCode)
		}

		if err := validate.Struct(d); err != nil {
			if fieldErrs, ok := err.(validator.ValidationErrors); ok {
				for _, fe := range fieldErrs {
					errs = append(errs, fmt.Sprintf("%s: %s", prefix, formatFieldError(fe)))
				}
			} else {
				errs = append(errs, fmt.Sprintf("%s: %v", prefix, err))
			}
		}

		if d.MachineCode != "" {
			if seen[d.MachineCode] {
				errs = append(errs, fmt.Sprintf("%s: duplicate machine_code", prefix))
			}
			seen[d.MachineCode] = true
		}

		if d.Registers.Length < need {
			errs = append(errs, fmt.Sprintf("%s: registers.length %d is too short for register_layout (need %d)",
				prefix, d.Registers.Length, need))
		}
	}

	return errs
}

// formatFieldError renders a validator field error as a config key message.
func formatFieldError(fe validator.FieldError) string {
	field := yamlFieldName(fe.Namespace())
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "excludesall":
		return fmt.Sprintf("%s must not contain any of %q", field, fe.Param())
	case "hostname_rfc1123|ip":
		return fmt.Sprintf("%s must be a hostname or IP address", field)
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

var yamlNames = map[string]string{
	"MachineCode":  "machine_code",
	"Name":         "name",
	"Host":         "host",
	"Port":         "port",
	"UnitID":       "unit_id",
	"Registers":    "registers",
	"StartAddress": "start_address",
	"Length":       "length",
	"Timeouts":     "timeouts",
	"Connect":      "connect",
	"Read":         "read",
}

// yamlFieldName maps a validator namespace such as DeviceConfig.Registers.Length
// to the YAML key path registers.length.
func yamlFieldName(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		if n, ok := yamlNames[p]; ok {
			parts[i] = n
		}
	}
	return strings.Join(parts, ".")
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
