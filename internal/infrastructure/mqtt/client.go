package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/carrelay/internal/infrastructure/config"
)

// Logger is satisfied by *logging.Logger and *slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// MessageHandler receives one firmware message. Paho calls handlers from
// its own goroutines, so they must not block for long. A returned error
// is counted and logged.
type MessageHandler func(topic string, payload []byte) error

// Stats counts link traffic since Connect.
type Stats struct {
	Connected     bool   `json:"connected"`
	Subscriptions int    `json:"subscriptions"`
	Received      uint64 `json:"received"`
	HandlerErrors uint64 `json:"handler_errors"`
	Panics        uint64 `json:"panics"`
	Reconnects    uint64 `json:"reconnects"`
}

// Client is the relay's link to the vehicle firmware broker.
//
// All methods are safe for concurrent use. Routes added with Subscribe
// are re-subscribed after every reconnect.
type Client struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig
	topics Topics
	routes *routeTable

	up            atomic.Bool
	connects      atomic.Uint64
	received      atomic.Uint64
	handlerErrors atomic.Uint64
	panics        atomic.Uint64

	hookMu       sync.RWMutex
	onConnect    func()
	onDisconnect func(err error)
	logger       Logger
}

func newClient(cfg config.MQTTConfig) *Client {
	return &Client{
		cfg:    cfg,
		topics: NewTopics(cfg.TopicPrefix),
		routes: newRouteTable(),
	}
}

// Connect dials the broker and waits for the first CONNACK.
//
// The retained {prefix}/system/status topic reads online while the relay
// is connected; the broker replaces it with a last-will offline message
// if the process dies without Close.
func Connect(cfg config.MQTTConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	c := newClient(cfg)
	opts := buildClientOptions(cfg)
	configureLWT(opts, c.topics.SystemStatus(), cfg.Broker.ClientID)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.linkUp() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.linkDown(err) })
	opts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		c.warn("firmware link reconnecting", "broker", cfg.Broker.Host)
	})

	c.client = pahomqtt.NewClient(opts)
	if err := await("connect", c.client.Connect(), defaultConnectTimeout); err != nil {
		// Stop the retry loop started by SetConnectRetry.
		c.client.Disconnect(0)
		return nil, fmt.Errorf("%w: %s:%d: %w", ErrUnreachable, cfg.Broker.Host, cfg.Broker.Port, err)
	}

	// linkUp runs asynchronously and may not have fired yet.
	c.up.Store(true)
	return c, nil
}

// linkUp runs on the first connect and every reconnect.
func (c *Client) linkUp() {
	c.up.Store(true)
	if c.connects.Add(1) > 1 {
		c.resubscribe()
	}
	c.client.Publish(c.topics.SystemStatus(), c.QoS(), true, buildOnlinePayload(c.cfg.Broker.ClientID))

	c.hookMu.RLock()
	hook := c.onConnect
	c.hookMu.RUnlock()
	if hook != nil {
		hook()
	}
}

func (c *Client) linkDown(err error) {
	c.up.Store(false)

	c.hookMu.RLock()
	hook := c.onDisconnect
	c.hookMu.RUnlock()
	if hook != nil {
		hook(err)
	}
}

// resubscribe replays the route table. Tokens are checked off the paho
// callback goroutine.
func (c *Client) resubscribe() {
	for _, r := range c.routes.snapshot() {
		token := c.client.Subscribe(r.pattern, r.qos, c.deliver(r.handler))
		go func(pattern string) {
			if err := await("resubscribe", token, defaultPublishTimeout); err != nil {
				c.warn("firmware route not restored", "pattern", pattern, "error", err)
			}
		}(r.pattern)
	}
}

// Close publishes a graceful offline status and disconnects.
// It is safe on a nil client.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	if c.IsConnected() {
		token := c.client.Publish(c.topics.SystemStatus(), c.QoS(), true, buildOfflinePayload(c.cfg.Broker.ClientID))
		token.WaitTimeout(defaultPublishTimeout)
	}
	c.client.Disconnect(defaultDisconnectQuiesce)
	c.up.Store(false)
	return nil
}

// HealthCheck reports ErrNotConnected while the link is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected returns the last known link state.
func (c *Client) IsConnected() bool {
	return c != nil && c.client != nil && c.up.Load() && c.client.IsConnected()
}

// Stats returns the traffic counters. It is safe on a nil client.
func (c *Client) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	var reconnects uint64
	if n := c.connects.Load(); n > 1 {
		reconnects = n - 1
	}
	return Stats{
		Connected:     c.IsConnected(),
		Subscriptions: c.routes.len(),
		Received:      c.received.Load(),
		HandlerErrors: c.handlerErrors.Load(),
		Panics:        c.panics.Load(),
		Reconnects:    reconnects,
	}
}

// SetOnConnect sets a callback run on the first connect and every reconnect.
func (c *Client) SetOnConnect(callback func()) {
	c.hookMu.Lock()
	c.onConnect = callback
	c.hookMu.Unlock()
}

// SetOnDisconnect sets a callback run when the link is lost.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.hookMu.Lock()
	c.onDisconnect = callback
	c.hookMu.Unlock()
}

// SetLogger sets the logger for handler failures and reconnects.
func (c *Client) SetLogger(logger Logger) {
	c.hookMu.Lock()
	c.logger = logger
	c.hookMu.Unlock()
}

func (c *Client) log() Logger {
	c.hookMu.RLock()
	defer c.hookMu.RUnlock()
	return c.logger
}

func (c *Client) warn(msg string, args ...any) {
	if l := c.log(); l != nil {
		l.Warn(msg, args...)
	}
}

// deliver adapts a MessageHandler to paho, counting traffic and
// recovering handler panics so one bad report cannot kill the link.
func (c *Client) deliver(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		c.received.Add(1)
		defer func() {
			if r := recover(); r != nil {
				c.panics.Add(1)
				if l := c.log(); l != nil {
					l.Error("firmware handler panicked", "topic", msg.Topic(), "panic", r)
				}
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.handlerErrors.Add(1)
			c.warn("firmware handler failed", "topic", msg.Topic(), "error", err)
		}
	}
}

// Topics returns the topic builder for this client's prefix.
func (c *Client) Topics() Topics {
	return c.topics
}
