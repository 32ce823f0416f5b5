package modbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// State is the lifecycle state of a device connection.
type State int

const (
	// StateDisconnected means no session and no reconnect pending.
	StateDisconnected State = iota

	// StateConnecting means a dial is in progress.
	StateConnecting

	// StateConnected means a session is live and reads are allowed.
	StateConnected

	// StateReconnectWaiting means the session dropped and a reconnect is scheduled.
	StateReconnectWaiting
)

// String returns the state name used in logs and the ops API.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnectWaiting:
		return "reconnect_waiting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for _, candidate := range []State{StateDisconnected, StateConnecting, StateConnected, StateReconnectWaiting} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", text)
}

// Signal is delivered to the scheduler when a device exhausts its
// reconnect budget.
type Signal struct {
	MachineCode string
	Err         error
	At          time.Time
}

// ConnectionSnapshot is a point-in-time view of a connection.
type ConnectionSnapshot struct {
	MachineCode    string    `json:"machine_code"`
	Name           string    `json:"name"`
	Address        string    `json:"address"`
	State          State     `json:"state"`
	RetryCount     int       `json:"retry_count"`
	Failures       int       `json:"failures"`
	LastError      string    `json:"last_error,omitempty"`
	ConnectedSince time.Time `json:"connected_since,omitzero"`
	Reads          uint64    `json:"reads"`
	ReadErrors     uint64    `json:"read_errors"`
	Reconnects     uint64    `json:"reconnects"`
}

// ConnectionOptions configures a Connection.
type ConnectionOptions struct {
	Device         Device
	Dialer         Dialer
	MaxRetries     int
	ReconnectDelay time.Duration

	// Signals receives a Signal when the reconnect budget runs out.
	// Sends never block; a full channel drops the signal.
	Signals chan<- Signal

	Logger Logger
}

// Connection owns the single TCP session to one device.
//
// State machine:
//
//	Disconnected ──Connect──► Connecting ──ok──► Connected
//	     ▲                        │                  │
//	     │                      fail          transport error
//	     │                        ▼                  ▼
//	     └──budget exhausted── ReconnectWaiting ◄────┘
//	                              │  ▲
//	                     after delay └─ reconnect failed
//
// Only the connection mutates its state, retry count and failure counter.
//
// Thread Safety: All methods are safe for concurrent use. At most one
// request is in flight per connection.
type Connection struct {
	dev            Device
	dialer         Dialer
	maxRetries     int
	reconnectDelay time.Duration
	signals        chan<- Signal
	logger         Logger

	// opMu serialises requests on the session.
	opMu sync.Mutex

	mu             sync.Mutex
	state          State
	transport      Transport
	generation     uint64 // bumped by Disconnect to orphan in-flight work
	retryCount     int
	failures       int
	lastErr        error
	connectedSince time.Time
	reconnectTimer *time.Timer
	reads          uint64
	readErrors     uint64
	reconnects     uint64
}

// NewConnection creates a disconnected Connection.
func NewConnection(opts ConnectionOptions) *Connection {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = TCPDialer{}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	delay := opts.ReconnectDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}

	dev := opts.Device
	if dev.ConnectTimeout <= 0 {
		dev.ConnectTimeout = defaultConnectTimeout
	}
	if dev.ReadTimeout <= 0 {
		dev.ReadTimeout = defaultReadTimeout
	}

	return &Connection{
		dev:            dev,
		dialer:         dialer,
		maxRetries:     maxRetries,
		reconnectDelay: delay,
		signals:        opts.Signals,
		logger:         opts.Logger,
	}
}

// Device returns the device this connection serves.
func (c *Connection) Device() Device {
	return c.dev
}

// Connect opens the session. It is a no-op when already connected and
// returns ErrAlreadyConnecting while another attempt is running.
// A pending reconnect is superseded. On failure the state is Disconnected
// and the error is a *ConnectionError.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.mu.Unlock()
		return ErrAlreadyConnecting
	}
	c.stopReconnectTimerLocked()
	c.state = StateConnecting
	gen := c.generation
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.dev.ConnectTimeout)
	defer cancel()

	t, err := c.dialer.Dial(dialCtx, c.dev)

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation {
		// Disconnect ran while dialling; it already set the state.
		if t != nil {
			t.Close() //nolint:errcheck // orphaned session
		}
		return &ConnectionError{MachineCode: c.dev.MachineCode, Op: "connect", Err: errors.New("disconnected while connecting")}
	}

	if err != nil {
		cerr := &ConnectionError{MachineCode: c.dev.MachineCode, Op: "connect", Err: err}
		c.state = StateDisconnected
		c.lastErr = cerr
		return cerr
	}

	c.transport = t
	c.state = StateConnected
	c.retryCount = 0
	c.failures = 0
	c.lastErr = nil
	c.connectedSince = time.Now()

	c.logInfo("device connected", "address", c.dev.Address)
	return nil
}

// ReadRegisters issues one holding-register read. Transport failures close
// the session and start the reconnect state machine; protocol failures keep
// the session.
func (c *Connection) ReadRegisters(ctx context.Context, start, length uint16) ([]int, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.state != StateConnected || c.transport == nil {
		state := c.state
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrNotConnected, c.dev.MachineCode, state)
	}
	t := c.transport
	gen := c.generation
	c.mu.Unlock()

	raw, err := t.ReadHoldingRegisters(start, length)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.reads++
	if err != nil {
		c.readErrors++
		if !isConnectionError(err) {
			perr := &ProtocolError{MachineCode: c.dev.MachineCode, Err: err}
			c.lastErr = perr
			return nil, perr
		}

		cerr := &ConnectionError{MachineCode: c.dev.MachineCode, Op: "read", Err: err}
		if gen == c.generation && c.transport == t {
			c.handleTransportFailureLocked(cerr)
		}
		return nil, cerr
	}

	regs, err := decodeRegisters(raw, length)
	if err != nil {
		c.readErrors++
		perr := &ProtocolError{MachineCode: c.dev.MachineCode, Err: err}
		c.lastErr = perr
		return nil, perr
	}

	return regs, nil
}

// Disconnect closes the session, cancels any pending reconnect and clears
// the retry count. Safe to call in any state, any number of times.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	c.stopReconnectTimerLocked()
	wasConnected := c.state == StateConnected

	if c.transport != nil {
		if err := c.transport.Close(); err != nil {
			c.logDebug("close failed", "error", err)
		}
		c.transport = nil
	}

	c.state = StateDisconnected
	c.retryCount = 0
	c.connectedSince = time.Time{}

	if wasConnected {
		c.logInfo("device disconnected")
	}
}

// ScheduleReconnect hands a disconnected device to the reconnect state
// machine, as if its session had just dropped with err.
func (c *Connection) ScheduleReconnect(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateDisconnected {
		return
	}
	c.handleTransportFailureLocked(err)
}

// handleTransportFailureLocked drops the session and either schedules a
// reconnect or, with the budget spent, parks in Disconnected and signals.
// Caller must hold mu.
func (c *Connection) handleTransportFailureLocked(err error) {
	if c.transport != nil {
		c.transport.Close() //nolint:errcheck // session already broken
		c.transport = nil
	}
	c.lastErr = err
	c.connectedSince = time.Time{}

	if c.retryCount < c.maxRetries {
		c.retryCount++
		c.state = StateReconnectWaiting
		gen := c.generation
		c.reconnectTimer = time.AfterFunc(c.reconnectDelay, func() {
			c.reconnect(gen)
		})

		c.logWarn("connection lost, reconnect scheduled",
			"error", err,
			"retry", c.retryCount,
			"max_retries", c.maxRetries,
			"delay", c.reconnectDelay.String())
		return
	}

	c.state = StateDisconnected
	c.logError("reconnect budget exhausted",
		"error", err,
		"retries", c.retryCount,
		"max_retries", c.maxRetries)

	c.signalLocked(Signal{
		MachineCode: c.dev.MachineCode,
		Err:         fmt.Errorf("%w: %s after %d attempts: %w", ErrMaxRetriesExceeded, c.dev.MachineCode, c.retryCount, err),
		At:          time.Now(),
	})
}

// reconnect runs from the reconnect timer.
func (c *Connection) reconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.generation || c.state != StateReconnectWaiting {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.reconnects++
	attempt := c.retryCount
	c.mu.Unlock()

	c.logInfo("attempting reconnection", "attempt", attempt, "max_retries", c.maxRetries)

	err := c.Connect(context.Background())
	if err == nil || errors.Is(err, ErrAlreadyConnecting) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen == c.generation && c.state == StateDisconnected {
		c.handleTransportFailureLocked(err)
	}
}

// stopReconnectTimerLocked cancels a pending reconnect. Caller must hold mu.
func (c *Connection) stopReconnectTimerLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// signalLocked delivers s without blocking. Caller must hold mu.
func (c *Connection) signalLocked(s Signal) {
	if c.signals == nil {
		return
	}
	select {
	case c.signals <- s:
	default:
		c.logWarn("signal channel full, dropping max retries signal")
	}
}

// RecordFailure increments the consecutive failure counter and returns the new value.
func (c *Connection) RecordFailure(err error) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures++
	if err != nil {
		c.lastErr = err
	}
	return c.failures
}

// ResetFailures zeroes the consecutive failure counter.
func (c *Connection) ResetFailures() {
	c.mu.Lock()
	c.failures = 0
	c.mu.Unlock()
}

// Failures returns the consecutive failure count.
func (c *Connection) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

// State returns the current connection state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected returns true if a session is live.
func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

// Snapshot returns the current state and counters.
func (c *Connection) Snapshot() ConnectionSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := ConnectionSnapshot{
		MachineCode:    c.dev.MachineCode,
		Name:           c.dev.Name,
		Address:        c.dev.Address,
		State:          c.state,
		RetryCount:     c.retryCount,
		Failures:       c.failures,
		ConnectedSince: c.connectedSince,
		Reads:          c.reads,
		ReadErrors:     c.readErrors,
		Reconnects:     c.reconnects,
	}
	if c.lastErr != nil {
		snap.LastError = c.lastErr.Error()
	}
	return snap
}

func (c *Connection) logInfo(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Info(msg, append([]any{"machine_code", c.dev.MachineCode}, keysAndValues...)...)
	}
}

func (c *Connection) logWarn(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Warn(msg, append([]any{"machine_code", c.dev.MachineCode}, keysAndValues...)...)
	}
}

func (c *Connection) logError(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Error(msg, append([]any{"machine_code", c.dev.MachineCode}, keysAndValues...)...)
	}
}

func (c *Connection) logDebug(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Debug(msg, append([]any{"machine_code", c.dev.MachineCode}, keysAndValues...)...)
	}
}
