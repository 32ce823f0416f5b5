package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	content := `
site:
  id: "plant-a"
  timezone: "Asia/Jakarta"
database:
  path: "/tmp/test.db"
mqtt:
  broker:
    host: "localhost"
    port: 1883
    client_id: "test-client"
  qos: 1
channel:
  topic: "machine-data"
  consumer_group: "iot-group"
gateway:
  id: "gw-test"
  poll_interval: 500ms
  max_retries: 3
devices:
  - machine_code: "45051"
    name: "Press 1"
    host: "10.42.46.1"
    registers:
      start_address: 45
      length: 3
  - machine_code: "47"
    host: "10.42.46.4"
    port: 5020
    unit_id: 7
    registers:
      start_address: 45
      length: 3
    timeouts:
      connect: 2s
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site.ID != "plant-a" {
		t.Errorf("Site.ID = %q, want %q", cfg.Site.ID, "plant-a")
	}
	if cfg.Gateway.PollInterval != 500*time.Millisecond {
		t.Errorf("Gateway.PollInterval = %v, want 500ms", cfg.Gateway.PollInterval)
	}
	if cfg.Gateway.WatchdogInterval != time.Second {
		t.Errorf("Gateway.WatchdogInterval = %v, want 2 × poll interval", cfg.Gateway.WatchdogInterval)
	}
	if len(cfg.Devices) != 2 {
		t.Fatalf("len(Devices) = %d, want 2", len(cfg.Devices))
	}

	first := cfg.Devices[0]
	if first.Port != 502 || first.UnitID != 1 {
		t.Errorf("device defaults = port %d unit %d, want 502/1", first.Port, first.UnitID)
	}
	if first.Timeouts.Connect != 5*time.Second || first.Timeouts.Read != 5*time.Second {
		t.Errorf("device timeouts = %+v, want gateway defaults", first.Timeouts)
	}
	if first.Address() != "10.42.46.1:502" {
		t.Errorf("Address() = %q", first.Address())
	}

	second := cfg.Devices[1]
	if second.Port != 5020 || second.UnitID != 7 {
		t.Errorf("device overrides = port %d unit %d, want 5020/7", second.Port, second.UnitID)
	}
	if second.Timeouts.Connect != 2*time.Second {
		t.Errorf("Timeouts.Connect = %v, want 2s", second.Timeouts.Connect)
	}
	if second.DisplayName() != "47" {
		t.Errorf("DisplayName() = %q, want machine code fallback", second.DisplayName())
	}

	loc, err := cfg.Site.Location()
	if err != nil {
		t.Fatalf("Location() error = %v", err)
	}
	if loc.String() != "Asia/Jakarta" {
		t.Errorf("Location() = %s", loc)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: [yaml: content"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	content := `
site:
  id: ""
database:
  path: "/tmp/test.db"
`
	_, err := Load(writeConfig(t, content))
	if err == nil {
		t.Error("Load() expected validation error for empty site.id, got nil")
	}
}

func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Devices = []DeviceConfig{
		{
			MachineCode: "45051",
			Host:        "10.42.46.1",
			Port:        502,
			UnitID:      1,
			Registers:   RegisterWindow{StartAddress: 45, Length: 3},
		},
	}
	applyDerivedDefaults(cfg)
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(*Config) {},
		},
		{
			name:    "missing site ID",
			mutate:  func(c *Config) { c.Site.ID = "" },
			wantErr: "site.id is required",
		},
		{
			name:    "unknown timezone",
			mutate:  func(c *Config) { c.Site.Timezone = "Mars/Olympus" },
			wantErr: "site.timezone",
		},
		{
			name:    "missing database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: "database.path is required",
		},
		{
			name:    "invalid QoS",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: "mqtt.qos",
		},
		{
			name:    "topic with separator",
			mutate:  func(c *Config) { c.Channel.Topic = "a/b" },
			wantErr: "channel.topic",
		},
		{
			name: "shared subscription without group",
			mutate: func(c *Config) {
				c.Channel.SharedSubscription = true
				c.Channel.ConsumerGroup = ""
			},
			wantErr: "channel.consumer_group",
		},
		{
			name: "invalid api port when enabled",
			mutate: func(c *Config) {
				c.API.Enabled = true
				c.API.Port = 70000
			},
			wantErr: "api.port",
		},
		{
			name: "recorder shares the gateway api port",
			mutate: func(c *Config) {
				c.API.Enabled = true
				c.API.RecorderPort = c.API.Port
			},
			wantErr: "api.recorder_port must differ",
		},
		{
			name: "api port ignored when disabled",
			mutate: func(c *Config) {
				c.API.Enabled = false
				c.API.Port = 0
			},
		},
		{
			name:    "zero poll interval",
			mutate:  func(c *Config) { c.Gateway.PollInterval = 0 },
			wantErr: "gateway.poll_interval",
		},
		{
			name: "watchdog faster than poll interval",
			mutate: func(c *Config) {
				c.Gateway.PollInterval = 10 * time.Second
				c.Gateway.WatchdogInterval = time.Second
			},
			wantErr: "gateway.watchdog_interval must be longer",
		},
		{
			name: "watchdog equal to poll interval",
			mutate: func(c *Config) {
				c.Gateway.PollInterval = 2 * time.Second
				c.Gateway.WatchdogInterval = 2 * time.Second
			},
			wantErr: "gateway.watchdog_interval must be longer",
		},
		{
			name: "watchdog slower than poll interval",
			mutate: func(c *Config) {
				c.Gateway.PollInterval = 2 * time.Second
				c.Gateway.WatchdogInterval = 5 * time.Second
			},
		},
		{
			name:    "zero max retries",
			mutate:  func(c *Config) { c.Gateway.MaxRetries = 0 },
			wantErr: "gateway.max_retries",
		},
		{
			name:    "missing device host",
			mutate:  func(c *Config) { c.Devices[0].Host = "" },
			wantErr: "host is required",
		},
		{
			name:    "missing machine code",
			mutate:  func(c *Config) { c.Devices[0].MachineCode = "" },
			wantErr: "machine_code is required",
		},
		{
			name:    "machine code with wildcard",
			mutate:  func(c *Config) { c.Devices[0].MachineCode = "45+1" },
			wantErr: "machine_code must not contain",
		},
		{
			name:    "device port out of range",
			mutate:  func(c *Config) { c.Devices[0].Port = 70000 },
			wantErr: "port must be at most 65535",
		},
		{
			name:    "zero register length",
			mutate:  func(c *Config) { c.Devices[0].Registers.Length = 0 },
			wantErr: "registers.length must be at least 1",
		},
		{
			name:    "window too short for layout",
			mutate:  func(c *Config) { c.Devices[0].Registers.Length = 2 },
			wantErr: "too short for register_layout",
		},
		{
			name: "duplicate machine code",
			mutate: func(c *Config) {
				c.Devices = append(c.Devices, c.Devices[0])
			},
			wantErr: "duplicate machine_code",
		},
		{
			name: "influxdb enabled without url",
			mutate: func(c *Config) {
				c.InfluxDB.Enabled = true
				c.InfluxDB.URL = ""
			},
			wantErr: "influxdb.url",
		},
		{
			name: "retention without prune interval",
			mutate: func(c *Config) {
				c.Recorder.HistoryRetention = 24 * time.Hour
				c.Recorder.PruneInterval = 0
			},
			wantErr: "recorder.prune_interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ValidateCollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Site.ID = ""
	cfg.Database.Path = ""
	cfg.Gateway.MaxRetries = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error, got nil")
	}
	for _, want := range []string{"site.id", "database.path", "gateway.max_retries"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error = %v, missing %q", err, want)
		}
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
	}

	if got := cfg.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("GetReadTimeout() = %v, want 30", got)
	}

	if got := cfg.GetWriteTimeout().Seconds(); got != 45 {
		t.Errorf("GetWriteTimeout() = %v, want 45", got)
	}

	if got := cfg.GetIdleTimeout().Seconds(); got != 60 {
		t.Errorf("GetIdleTimeout() = %v, want 60", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("TELEMETRY_DATABASE_PATH", "/custom/path.db")
	t.Setenv("TELEMETRY_MQTT_HOST", "mqtt.example.com")
	t.Setenv("TELEMETRY_MQTT_PORT", "8883")
	t.Setenv("TELEMETRY_MQTT_USERNAME", "testuser")
	t.Setenv("TELEMETRY_MQTT_PASSWORD", "testpass")
	t.Setenv("TELEMETRY_CHANNEL_TOPIC", "line-2")
	t.Setenv("TELEMETRY_API_HOST", "192.168.1.1")
	t.Setenv("TELEMETRY_API_PORT", "9090")
	t.Setenv("TELEMETRY_API_RECORDER_PORT", "9091")
	t.Setenv("TELEMETRY_INFLUXDB_TOKEN", "secret-token")
	t.Setenv("TELEMETRY_GATEWAY_ID", "gw-east")

	applyEnvOverrides(cfg)

	if cfg.Database.Path != "/custom/path.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/custom/path.db")
	}
	if cfg.MQTT.Broker.Host != "mqtt.example.com" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "mqtt.example.com")
	}
	if cfg.MQTT.Broker.Port != 8883 {
		t.Errorf("MQTT.Broker.Port = %d, want 8883", cfg.MQTT.Broker.Port)
	}
	if cfg.MQTT.Auth.Username != "testuser" {
		t.Errorf("MQTT.Auth.Username = %q, want %q", cfg.MQTT.Auth.Username, "testuser")
	}
	if cfg.MQTT.Auth.Password != "testpass" {
		t.Errorf("MQTT.Auth.Password = %q, want %q", cfg.MQTT.Auth.Password, "testpass")
	}
	if cfg.Channel.Topic != "line-2" {
		t.Errorf("Channel.Topic = %q, want %q", cfg.Channel.Topic, "line-2")
	}
	if cfg.API.Host != "192.168.1.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "192.168.1.1")
	}
	if cfg.API.Port != 9090 || cfg.API.RecorderPort != 9091 {
		t.Errorf("API ports = %d/%d, want 9090/9091", cfg.API.Port, cfg.API.RecorderPort)
	}
	if cfg.InfluxDB.Token != "secret-token" {
		t.Errorf("InfluxDB.Token = %q, want %q", cfg.InfluxDB.Token, "secret-token")
	}
	if cfg.Gateway.ID != "gw-east" {
		t.Errorf("Gateway.ID = %q, want %q", cfg.Gateway.ID, "gw-east")
	}
}

func TestAPIConfig_ForRecorder(t *testing.T) {
	api := defaultConfig().API
	rec := api.ForRecorder()

	if rec.Port != 8091 || api.Port != 8090 {
		t.Errorf("ports = gateway %d, recorder %d; want 8090, 8091", api.Port, rec.Port)
	}
	if rec.Host != api.Host || rec.Timeouts != api.Timeouts {
		t.Error("ForRecorder must keep host and timeouts")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Site.ID == "" {
		t.Error("defaultConfig should have non-empty Site.ID")
	}
	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("defaultConfig MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}
	if cfg.MQTT.QoS != 1 {
		t.Errorf("defaultConfig MQTT.QoS = %d, want 1", cfg.MQTT.QoS)
	}
	if cfg.Channel.Topic != "machine-data" || cfg.Channel.ConsumerGroup != "iot-group" {
		t.Errorf("defaultConfig Channel = %+v", cfg.Channel)
	}
	if cfg.Gateway.PollInterval != 2*time.Second {
		t.Errorf("defaultConfig Gateway.PollInterval = %v, want 2s", cfg.Gateway.PollInterval)
	}
	if cfg.Gateway.MaxRetries != 5 {
		t.Errorf("defaultConfig Gateway.MaxRetries = %d, want 5", cfg.Gateway.MaxRetries)
	}
	if cfg.Gateway.ReconnectDelay != 5*time.Second {
		t.Errorf("defaultConfig Gateway.ReconnectDelay = %v, want 5s", cfg.Gateway.ReconnectDelay)
	}
	if cfg.Gateway.RegisterLayout.CounterIndex != 2 {
		t.Errorf("defaultConfig counter index = %d, want 2", cfg.Gateway.RegisterLayout.CounterIndex)
	}
}
