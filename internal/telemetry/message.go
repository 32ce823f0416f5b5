package telemetry

import (
	"encoding/json"
	"fmt"
	"time"
)

// TimestampLayout is ISO-8601 with millisecond precision and a numeric
// offset (or Z for UTC), e.g. 2026-03-01T15:30:00.123+07:00.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Message is the JSON payload published for each change event.
// Topic: telemetry/{channel}/{machine_code}
type Message struct {
	// MachineCode identifies the source machine. It also forms the last topic level.
	MachineCode string `json:"machine_code"`

	// Data is the raw register window in read order.
	Data []int `json:"data"`

	// IsUpdate is 1 when the producer's detector saw a change, 0 otherwise.
	IsUpdate int `json:"is_update"`

	// Timestamp is the capture time formatted with TimestampLayout.
	Timestamp string `json:"timestamp"`
}

// NewMessage builds the wire message for ev, formatting the capture time in loc.
// A nil loc formats in UTC.
func NewMessage(ev ChangeEvent, loc *time.Location) Message {
	if loc == nil {
		loc = time.UTC
	}

	isUpdate := 0
	if ev.IsUpdate {
		isUpdate = 1
	}

	return Message{
		MachineCode: ev.Reading.MachineCode(),
		Data:        ev.Reading.Registers(),
		IsUpdate:    isUpdate,
		Timestamp:   ev.Reading.CapturedAt().In(loc).Format(TimestampLayout),
	}
}

// Encode marshals the message to JSON.
func (m Message) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding message for %s: %w", m.MachineCode, err)
	}
	return b, nil
}

// wireMessage mirrors Message with pointers so absent fields can be told
// apart from zero values.
type wireMessage struct {
	MachineCode *string `json:"machine_code"`
	Data        []int   `json:"data"`
	IsUpdate    *int    `json:"is_update"`
	Timestamp   *string `json:"timestamp"`
}

// Decode parses and validates a wire payload. Every failure wraps
// ErrMalformedPayload.
func Decode(payload []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(payload, &w); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}

	switch {
	case w.MachineCode == nil || *w.MachineCode == "":
		return Message{}, fmt.Errorf("%w: missing machine_code", ErrMalformedPayload)
	case len(w.Data) == 0:
		return Message{}, fmt.Errorf("%w: empty data", ErrMalformedPayload)
	case w.IsUpdate == nil:
		return Message{}, fmt.Errorf("%w: missing is_update", ErrMalformedPayload)
	case *w.IsUpdate != 0 && *w.IsUpdate != 1:
		return Message{}, fmt.Errorf("%w: is_update must be 0 or 1, got %d", ErrMalformedPayload, *w.IsUpdate)
	case w.Timestamp == nil:
		return Message{}, fmt.Errorf("%w: missing timestamp", ErrMalformedPayload)
	}

	m := Message{
		MachineCode: *w.MachineCode,
		Data:        w.Data,
		IsUpdate:    *w.IsUpdate,
		Timestamp:   *w.Timestamp,
	}
	if _, err := m.Time(); err != nil {
		return Message{}, err
	}

	return m, nil
}

// Time parses the message timestamp. Any RFC 3339 timestamp is accepted,
// with or without fractional seconds.
func (m Message) Time() (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, m.Timestamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad timestamp %q: %w", ErrMalformedPayload, m.Timestamp, err)
	}
	return t, nil
}

// Updated reports whether the producer flagged the message as a change.
func (m Message) Updated() bool {
	return m.IsUpdate == 1
}

// Reading converts the message back into a Reading.
func (m Message) Reading() (Reading, error) {
	t, err := m.Time()
	if err != nil {
		return Reading{}, err
	}
	return NewReading(m.MachineCode, m.Data, t), nil
}
