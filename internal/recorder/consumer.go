package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nerrad567/machine-telemetry/internal/infrastructure/influxdb"
	"github.com/nerrad567/machine-telemetry/internal/infrastructure/mqtt"
	"github.com/nerrad567/machine-telemetry/internal/machine"
	"github.com/nerrad567/machine-telemetry/internal/telemetry"
)

const defaultPersistTimeout = 5 * time.Second

// Logger is the logging contract used by the recorder.
// Satisfied by *logging.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Subscriber registers message handlers. Satisfied by *mqtt.Client.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Mirror receives every persisted change. Satisfied by *influxdb.Client.
type Mirror interface {
	WriteMachineReading(r influxdb.MachineReading)
}

// Outcome is what happened to one message.
type Outcome int

const (
	// OutcomePersisted means the change was written to the store.
	OutcomePersisted Outcome = iota
	// OutcomeSuppressed means the message was valid but not a change.
	OutcomeSuppressed
	// OutcomeMalformed means the message was rejected before persistence.
	OutcomeMalformed
	// OutcomeFailed means a store call failed.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomePersisted:
		return "persisted"
	case OutcomeSuppressed:
		return "suppressed"
	case OutcomeMalformed:
		return "malformed"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// ConsumerOptions configures a Consumer.
type ConsumerOptions struct {
	// Channel is the topic segment machine messages are published under.
	Channel string

	// Layout locates the status and counter registers.
	Layout telemetry.RegisterLayout

	// PersistTimeout bounds the store calls for one message.
	PersistTimeout time.Duration

	Store      machine.Store
	Operations *machine.OperationTable

	// Detector is the consumer's own change detector. Created when nil.
	Detector *telemetry.ChangeDetector

	// Mirror is optional.
	Mirror Mirror
	Logger Logger
}

// Metrics are the consumer's message counters.
type Metrics struct {
	Received        uint64    `json:"received"`
	Persisted       uint64    `json:"persisted"`
	Suppressed      uint64    `json:"suppressed"`
	Malformed       uint64    `json:"malformed"`
	Failed          uint64    `json:"failed"`
	LastPersistedAt time.Time `json:"last_persisted_at,omitzero"`
	MachinesTracked int       `json:"machines_tracked"`
}

// Consumer turns machine messages into store writes.
//
// Thread Safety: HandleMessage may be called concurrently, but persisting
// one machine's changes in order requires in-order delivery, which the MQTT
// client provides.
type Consumer struct {
	channel        string
	layout         telemetry.RegisterLayout
	persistTimeout time.Duration
	store          machine.Store
	ops            *machine.OperationTable
	detector       *telemetry.ChangeDetector
	mirror         Mirror
	logger         Logger

	// shared is set while subscribed through a consumer group.
	shared atomic.Bool

	received      atomic.Uint64
	persisted     atomic.Uint64
	suppressed    atomic.Uint64
	malformed     atomic.Uint64
	failed        atomic.Uint64
	lastPersisted atomic.Int64
}

// NewConsumer validates opts and builds a Consumer.
func NewConsumer(opts ConsumerOptions) (*Consumer, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Channel == "" {
		return nil, errors.New("channel is required")
	}
	if err := opts.Layout.Validate(); err != nil {
		return nil, err
	}

	ops := opts.Operations
	if ops == nil {
		ops = machine.DefaultOperationTable()
	}
	detector := opts.Detector
	if detector == nil {
		detector = telemetry.NewChangeDetector()
	}
	timeout := opts.PersistTimeout
	if timeout <= 0 {
		timeout = defaultPersistTimeout
	}

	return &Consumer{
		channel:        opts.Channel,
		layout:         opts.Layout,
		persistTimeout: timeout,
		store:          opts.Store,
		ops:            ops,
		detector:       detector,
		mirror:         opts.Mirror,
		logger:         opts.Logger,
	}, nil
}

// Subscribe registers the consumer for every machine on its channel.
//
// With a non-empty group the subscription is shared: the broker hands each
// message to one member of the group in turn, so no member sees a complete
// per-machine stream and per-machine order across members is not kept. In
// that mode the consumer persists every message the producer flagged as an
// update and leaves ordering to the store, whose writes are last-write-wins
// by capture time and idempotent on redelivery.
func (c *Consumer) Subscribe(sub Subscriber, group string, qos byte) error {
	topic := mqtt.Topics{}.AllMachineData(c.channel)
	if group != "" {
		topic = mqtt.Topics{}.SharedMachineData(group, c.channel)
	}

	c.shared.Store(group != "")
	if err := sub.Subscribe(topic, qos, c.HandleMessage); err != nil {
		c.shared.Store(false)
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}

	c.logInfo("subscribed to machine data", "topic", topic, "qos", qos, "shared", group != "")
	return nil
}

// HandleMessage is the MQTT handler. It logs every problem itself and
// always returns nil so the client keeps consuming.
func (c *Consumer) HandleMessage(topic string, payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.persistTimeout)
	defer cancel()

	c.Process(ctx, topic, payload) //nolint:errcheck // outcome is logged and counted
	return nil
}

// Process handles one message and reports its outcome.
//
// On an exclusive subscription a valid message always updates the
// detector, and it is persisted only when the producer flagged it as an
// update and the detector agrees it is a change. A failed write invalidates
// the detector entry so the same values are persisted when they next arrive.
// On a shared subscription the producer's flag alone decides.
func (c *Consumer) Process(ctx context.Context, topic string, payload []byte) (Outcome, error) {
	c.received.Add(1)

	msg, fields, err := c.decode(topic, payload)
	if err != nil {
		c.malformed.Add(1)
		c.logWarn("skipping malformed message", "topic", topic, "error", err)
		return OutcomeMalformed, err
	}

	changed := true
	if !c.shared.Load() {
		changed = c.detector.Observe(msg.MachineCode, fields.StatusCode, fields.Counter)
	}
	if !msg.Updated() || !changed {
		c.suppressed.Add(1)
		c.logDebug("message suppressed",
			"machine_code", msg.MachineCode,
			"is_update", msg.IsUpdate,
			"changed", changed,
		)
		return OutcomeSuppressed, nil
	}

	capturedAt, _ := msg.Time() //nolint:errcheck // validated by Decode

	if err := c.persist(ctx, msg.MachineCode, fields, capturedAt); err != nil {
		c.failed.Add(1)
		c.detector.Invalidate(msg.MachineCode)
		c.logError("failed to persist machine change",
			"machine_code", msg.MachineCode,
			"status_code", fields.StatusCode,
			"counter", fields.Counter,
			"error", err,
		)
		return OutcomeFailed, err
	}

	c.persisted.Add(1)
	c.lastPersisted.Store(time.Now().UnixNano())
	return OutcomePersisted, nil
}

// decode parses the payload and checks it against the topic and layout.
func (c *Consumer) decode(topic string, payload []byte) (telemetry.Message, machine.Fields, error) {
	msg, err := telemetry.Decode(payload)
	if err != nil {
		return telemetry.Message{}, machine.Fields{}, err
	}

	code, ok := mqtt.MachineCodeFromTopic(c.channel, topic)
	if !ok {
		return telemetry.Message{}, machine.Fields{}, fmt.Errorf("%w: unexpected topic %q", telemetry.ErrMalformedPayload, topic)
	}
	if code != msg.MachineCode {
		return telemetry.Message{}, machine.Fields{}, fmt.Errorf("%w: topic machine %q does not match payload machine %q",
			telemetry.ErrMalformedPayload, code, msg.MachineCode)
	}

	fields, err := machine.DecodeFields(msg.Data, c.layout, c.ops)
	if err != nil {
		return telemetry.Message{}, machine.Fields{}, fmt.Errorf("%w: %w", telemetry.ErrMalformedPayload, err)
	}

	return msg, fields, nil
}

// persist writes one accepted change: display name, status, history, mirror.
func (c *Consumer) persist(ctx context.Context, code string, fields machine.Fields, capturedAt time.Time) error {
	name, err := c.store.LookupDisplayName(ctx, code)
	if err != nil {
		return err
	}

	if err := c.store.UpsertStatus(ctx, code, name, fields, capturedAt); err != nil {
		return err
	}

	id, err := c.store.AppendHistory(ctx, code, fields, capturedAt)
	if err != nil {
		return err
	}

	if c.mirror != nil {
		c.mirror.WriteMachineReading(influxdb.MachineReading{
			MachineCode:   code,
			DisplayName:   name,
			OperationName: fields.OperationName,
			StatusCode:    fields.StatusCode,
			Counter:       fields.Counter,
			Registers:     fields.Registers,
			CapturedAt:    capturedAt,
		})
	}

	c.logInfo("machine change recorded",
		"machine_code", code,
		"machine_name", name,
		"status_code", fields.StatusCode,
		"operation", fields.OperationName,
		"counter", fields.Counter,
		"history_id", id,
	)
	return nil
}

// Detector returns the consumer's change detector.
func (c *Consumer) Detector() *telemetry.ChangeDetector {
	return c.detector
}

// Metrics returns current message counters.
func (c *Consumer) Metrics() Metrics {
	m := Metrics{
		Received:        c.received.Load(),
		Persisted:       c.persisted.Load(),
		Suppressed:      c.suppressed.Load(),
		Malformed:       c.malformed.Load(),
		Failed:          c.failed.Load(),
		MachinesTracked: c.detector.Len(),
	}
	if ns := c.lastPersisted.Load(); ns != 0 {
		m.LastPersistedAt = time.Unix(0, ns)
	}
	return m
}

func (c *Consumer) logInfo(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Info(msg, keysAndValues...)
	}
}

func (c *Consumer) logWarn(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Warn(msg, keysAndValues...)
	}
}

func (c *Consumer) logError(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Error(msg, keysAndValues...)
	}
}

func (c *Consumer) logDebug(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Debug(msg, keysAndValues...)
	}
}
