package modbus

import (
	"fmt"
	"time"

	"github.com/nerrad567/machine-telemetry/internal/infrastructure/config"
	"github.com/nerrad567/machine-telemetry/internal/telemetry"
)

// Scheduler defaults, used when the corresponding config value is zero.
const (
	defaultPollInterval   = 2 * time.Second
	defaultMaxRetries     = 5
	defaultReconnectDelay = 5 * time.Second
	defaultRestartDelay   = 5 * time.Second
	defaultConnectTimeout = 5 * time.Second
	defaultReadTimeout    = 5 * time.Second
	defaultHealthInterval = 30 * time.Second
)

// Device is the bridge's view of one configured controller.
type Device struct {
	MachineCode    string
	Name           string
	Address        string
	UnitID         byte
	StartAddress   uint16
	Length         uint16
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// DeviceFromConfig converts a validated device entry. Timeouts are expected
// to be filled in by config.Load.
func DeviceFromConfig(d config.DeviceConfig) Device {
	return Device{
		MachineCode:    d.MachineCode,
		Name:           d.DisplayName(),
		Address:        d.Address(),
		UnitID:         byte(d.UnitID),
		StartAddress:   uint16(d.Registers.StartAddress),
		Length:         uint16(d.Registers.Length),
		ConnectTimeout: d.Timeouts.Connect,
		ReadTimeout:    d.Timeouts.Read,
	}
}

// DevicesFromConfig converts every configured device in order.
func DevicesFromConfig(cfg *config.Config) []Device {
	devices := make([]Device, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		devices = append(devices, DeviceFromConfig(d))
	}
	return devices
}

// SchedulerConfig holds the polling and supervision settings.
type SchedulerConfig struct {
	PollInterval     time.Duration
	MaxRetries       int
	ReconnectDelay   time.Duration
	RestartDelay     time.Duration
	WatchdogInterval time.Duration
	ConnectStagger   time.Duration
	StrictStartup    bool
	Layout           telemetry.RegisterLayout
}

// SchedulerConfigFromGateway maps the gateway section of the main config.
func SchedulerConfigFromGateway(g config.GatewayConfig) SchedulerConfig {
	return SchedulerConfig{
		PollInterval:     g.PollInterval,
		MaxRetries:       g.MaxRetries,
		ReconnectDelay:   g.ReconnectDelay,
		RestartDelay:     g.RestartDelay,
		WatchdogInterval: g.WatchdogInterval,
		ConnectStagger:   g.ConnectStagger,
		StrictStartup:    g.StrictStartup,
		Layout: telemetry.RegisterLayout{
			StatusIndex:  g.RegisterLayout.StatusIndex,
			CounterIndex: g.RegisterLayout.CounterIndex,
		},
	}
}

// withDefaults fills zero values.
func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = defaultRestartDelay
	}
	// A watchdog no slower than the tick would see every healthy loop as stalled.
	if c.WatchdogInterval <= c.PollInterval {
		c.WatchdogInterval = 2 * c.PollInterval
	}
	return c
}

// validateDevices checks machine codes are unique and every window holds the layout.
func validateDevices(devices []Device, layout telemetry.RegisterLayout) error {
	if err := layout.Validate(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(devices))
	for _, d := range devices {
		if d.MachineCode == "" {
			return fmt.Errorf("device at %s has no machine code", d.Address)
		}
		if seen[d.MachineCode] {
			return fmt.Errorf("duplicate machine code %q", d.MachineCode)
		}
		seen[d.MachineCode] = true

		if int(d.Length) < layout.MinLength() {
			return fmt.Errorf("device %s: register length %d is shorter than layout needs (%d)",
				d.MachineCode, d.Length, layout.MinLength())
		}
	}
	return nil
}
