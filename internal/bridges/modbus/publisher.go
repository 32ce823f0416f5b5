package modbus

import (
	"context"
	"time"

	"github.com/nerrad567/machine-telemetry/internal/infrastructure/mqtt"
	"github.com/nerrad567/machine-telemetry/internal/telemetry"
)

// MQTTPublisher is the subset of the MQTT client the publisher needs.
// Satisfied by *mqtt.Client.
type MQTTPublisher interface {
	PublishContext(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// EventPublisher hands a change event to the channel. The scheduler depends
// on this rather than on Publisher so tests can substitute it.
type EventPublisher interface {
	Publish(ctx context.Context, machineCode string, ev telemetry.ChangeEvent) error
}

// Publisher encodes change events and publishes them on
// telemetry/<channel>/<machine_code>. The machine code in the topic is the
// partition key: the broker keeps one topic's messages in order.
//
// It holds no per-device state and never retries; the scheduler's failure
// budget owns retry policy.
type Publisher struct {
	client   MQTTPublisher
	channel  string
	qos      byte
	location *time.Location
}

// Ensure Publisher implements EventPublisher.
var _ EventPublisher = (*Publisher)(nil)

// NewPublisher creates a publisher for the given channel. Timestamps are
// formatted in loc (UTC when nil).
func NewPublisher(client MQTTPublisher, channel string, qos byte, loc *time.Location) *Publisher {
	if loc == nil {
		loc = time.UTC
	}
	return &Publisher{
		client:   client,
		channel:  channel,
		qos:      qos,
		location: loc,
	}
}

// Topic returns the topic used for machineCode.
func (p *Publisher) Topic(machineCode string) string {
	return mqtt.Topics{}.MachineData(p.channel, machineCode)
}

// Publish sends ev for machineCode. Any failure is a *PublishError.
func (p *Publisher) Publish(ctx context.Context, machineCode string, ev telemetry.ChangeEvent) error {
	topic := p.Topic(machineCode)

	payload, err := telemetry.NewMessage(ev, p.location).Encode()
	if err != nil {
		return &PublishError{MachineCode: machineCode, Topic: topic, Err: err}
	}

	if err := p.client.PublishContext(ctx, topic, payload, p.qos, false); err != nil {
		return &PublishError{MachineCode: machineCode, Topic: topic, Err: err}
	}
	return nil
}
