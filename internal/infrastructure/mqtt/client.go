package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/machine-telemetry/internal/infrastructure/config"
)

// Client is the telemetry channel: the gateway publishes machine changes
// and health through it, the recorder consumes machine changes from it.
//
// All methods are safe for concurrent use. Subscriptions made through the
// client are re-issued after every reconnect.
type Client struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig

	mu           sync.RWMutex
	connected    bool
	onConnect    func()
	onDisconnect func(err error)
	logger       Logger

	subMu sync.RWMutex
	subs  map[string]subscription

	connects        atomic.Uint64
	losses          atomic.Uint64
	published       atomic.Uint64
	publishFailures atomic.Uint64
	received        atomic.Uint64
}

// Logger is the subset of logging.Logger the client needs.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

type subscription struct {
	qos     byte
	handler MessageHandler
}

// MessageHandler receives one message. Handlers run one at a time in
// receive order, so a slow handler holds back every later message on the
// client. A returned error is logged; the message is acknowledged anyway.
type MessageHandler func(topic string, payload []byte) error

// Stats are cumulative counters for the ops API.
type Stats struct {
	Connected        bool   `json:"connected"`
	Reconnects       uint64 `json:"reconnects"`
	ConnectionLosses uint64 `json:"connection_losses"`
	Published        uint64 `json:"published"`
	PublishFailures  uint64 `json:"publish_failures"`
	Received         uint64 `json:"received"`
}

// Connect dials the broker and waits for the session. The will message on
// telemetry/system/{client_id}/status marks the client offline if it dies
// without calling Close.
func Connect(cfg config.MQTTConfig) (*Client, error) {
	opts := buildClientOptions(cfg)
	configureLWT(opts, cfg.Broker.ClientID)

	c := &Client{
		cfg:  cfg,
		subs: make(map[string]subscription),
	}

	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleConnectionLost(err) })
	opts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		if logger := c.getLogger(); logger != nil {
			logger.Warn("MQTT reconnecting", "client_id", cfg.Broker.ClientID)
		}
	})

	c.client = pahomqtt.NewClient(opts)
	if err := await(context.Background(), c.client.Connect(), defaultConnectTimeout, ErrConnectionFailed); err != nil {
		// Stop the background connect retry.
		c.client.Disconnect(0)
		return nil, err
	}

	// The on-connect hook runs asynchronously; report connected now.
	c.setConnected(true)
	return c, nil
}

func (c *Client) handleConnect() {
	c.connects.Add(1)
	c.setConnected(true)
	c.restoreSubscriptions()
	c.publishStatus(statusOnline, "")

	c.mu.RLock()
	hook := c.onConnect
	c.mu.RUnlock()
	if hook != nil {
		hook()
	}
}

func (c *Client) handleConnectionLost(err error) {
	c.losses.Add(1)
	c.setConnected(false)

	c.mu.RLock()
	hook := c.onDisconnect
	c.mu.RUnlock()
	if hook != nil {
		hook(err)
	}
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// restoreSubscriptions re-issues tracked subscriptions without waiting;
// blocking inside the paho on-connect hook would stall the router.
func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for topic, sub := range c.subs {
		c.client.Subscribe(topic, sub.qos, c.wrapHandler(sub.handler))
	}
}

// Close publishes a retained graceful-offline status and disconnects.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}

	if c.IsConnected() {
		tok := c.publishStatus(statusOffline, "graceful_shutdown")
		tok.WaitTimeout(defaultPublishTimeout)
	}
	c.client.Disconnect(defaultDisconnectQuiesce)
	c.setConnected(false)
	return nil
}

// HealthCheck reports ErrNotConnected while the broker session is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports the last known session state.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.client != nil && c.client.IsConnected()
}

// Stats returns a snapshot of the client's counters.
func (c *Client) Stats() Stats {
	reconnects := c.connects.Load()
	if reconnects > 0 {
		reconnects-- // the initial connect is not a reconnect
	}
	return Stats{
		Connected:        c.IsConnected(),
		Reconnects:       reconnects,
		ConnectionLosses: c.losses.Load(),
		Published:        c.published.Load(),
		PublishFailures:  c.publishFailures.Load(),
		Received:         c.received.Load(),
	}
}

// SetOnConnect registers a hook run after every (re)connect.
func (c *Client) SetOnConnect(hook func()) {
	c.mu.Lock()
	c.onConnect = hook
	c.mu.Unlock()
}

// SetOnDisconnect registers a hook run when the session is lost.
func (c *Client) SetOnDisconnect(hook func(err error)) {
	c.mu.Lock()
	c.onDisconnect = hook
	c.mu.Unlock()
}

// SetLogger sets the logger for handler errors, panics and reconnects.
func (c *Client) SetLogger(logger Logger) {
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logger
}

// wrapHandler adapts a MessageHandler to paho, counting deliveries and
// keeping a panicking handler from killing the router goroutine.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		c.received.Add(1)

		defer func() {
			if r := recover(); r != nil {
				if logger := c.getLogger(); logger != nil {
					logger.Error("MQTT handler panic recovered", "topic", msg.Topic(), "panic", r)
				}
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			if logger := c.getLogger(); logger != nil {
				logger.Warn("MQTT handler returned error", "topic", msg.Topic(), "error", err)
			}
		}
	}
}

// await waits for tok, wrapping any failure in op.
func await(ctx context.Context, tok pahomqtt.Token, timeout time.Duration, op error) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-tok.Done():
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", op, ctx.Err())
	case <-timer.C:
		return fmt.Errorf("%w: timeout after %v", op, timeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("%w: %w", op, err)
	}
	return nil
}
