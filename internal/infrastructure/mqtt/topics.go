package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes for the telemetry topic hierarchy.
//
// Machine data uses telemetry/{channel}/{machine_code}. One topic per
// machine keeps per-machine ordering under QoS 1 and lets the recorder
// subscribe with a single-level wildcard.
const (
	// TopicPrefix is the base for all telemetry topics.
	TopicPrefix = "telemetry"

	// TopicPrefixHealth is the base for gateway health topics.
	TopicPrefixHealth = "telemetry/health"

	// TopicPrefixSystem is the base for per-client online/offline status.
	TopicPrefixSystem = "telemetry/system"

	// sharedPrefix marks an MQTT v5 / Mosquitto shared subscription.
	sharedPrefix = "$share"
)

// reservedChannels cannot be used as channel names because they collide
// with the health and system subtrees.
var reservedChannels = map[string]bool{
	"health": true,
	"system": true,
}

// IsReservedChannel reports whether name collides with a built-in subtree.
func IsReservedChannel(name string) bool {
	return reservedChannels[name]
}

// Topics provides builders for telemetry MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	topic := topics.MachineData("machine-data", "45051")
//	// Returns: "telemetry/machine-data/45051"
type Topics struct{}

// MachineData returns the topic for change events from one machine.
//
// Example: telemetry/machine-data/45051
func (Topics) MachineData(channel, machineCode string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefix, channel, machineCode)
}

// AllMachineData returns a pattern matching every machine on a channel.
//
// Pattern: telemetry/machine-data/+
func (Topics) AllMachineData(channel string) string {
	return fmt.Sprintf("%s/%s/+", TopicPrefix, channel)
}

// SharedMachineData returns a shared subscription pattern. The broker
// delivers each message to one member of the group in turn, so members
// split the message load, not the machines.
//
// Pattern: $share/iot-group/telemetry/machine-data/+
func (t Topics) SharedMachineData(group, channel string) string {
	return fmt.Sprintf("%s/%s/%s", sharedPrefix, group, t.AllMachineData(channel))
}

// GatewayHealth returns the retained health topic for one gateway.
//
// Example: telemetry/health/gateway-01
func (Topics) GatewayHealth(gatewayID string) string {
	return fmt.Sprintf("%s/%s", TopicPrefixHealth, gatewayID)
}

// AllGatewayHealth returns a pattern matching every gateway's health topic.
//
// Pattern: telemetry/health/+
func (Topics) AllGatewayHealth() string {
	return TopicPrefixHealth + "/+"
}

// SystemStatus returns the online/offline status topic for one client.
//
// Example: telemetry/system/telemetry-gateway-01/status
func (Topics) SystemStatus(clientID string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefixSystem, clientID)
}

// MachineCodeFromTopic extracts the machine code from a machine data topic
// on the given channel. It returns false for topics outside that channel.
func MachineCodeFromTopic(channel, topic string) (string, bool) {
	prefix := TopicPrefix + "/" + channel + "/"
	code, ok := strings.CutPrefix(topic, prefix)
	if !ok || code == "" || strings.Contains(code, "/") {
		return "", false
	}
	return code, true
}
