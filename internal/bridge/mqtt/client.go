// Package mqtt wraps paho.mqtt.golang with availability reporting,
// subscription restore across reconnects and panic-safe handlers.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// MessageHandler handles one inbound message. Returned errors are logged.
type MessageHandler func(topic string, payload []byte) error

type subscription struct {
	qos     byte
	handler MessageHandler
}

// Client is a broker connection. All methods are safe for concurrent use.
type Client struct {
	opts   Options
	client pahomqtt.Client

	subMu sync.RWMutex
	subs  map[string]subscription

	connected atomic.Bool

	callbackMu   sync.RWMutex
	onConnect    func()
	onDisconnect func(error)
}

// Connect dials the broker and waits for the first CONNACK. paho keeps
// reconnecting in the background after that.
func Connect(opts Options) (*Client, error) {
	opts = opts.withDefaults()
	po := buildClientOptions(opts)

	c := newClient(opts, nil)
	po.SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() })
	po.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleDisconnect(err) })
	po.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		slog.Info("[MQTT] reconnecting", "broker", opts.BrokerURL())
	})
	c.client = pahomqtt.NewClient(po)

	token := c.client.Connect()
	if !token.WaitTimeout(opts.ConnectTimeout) {
		c.client.Disconnect(0)
		return nil, fmt.Errorf("%w: %s: timeout after %v", ErrConnectionFailed, opts.BrokerURL(), opts.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, opts.BrokerURL(), err)
	}
	// The connect handler runs asynchronously and may not have fired yet.
	c.connected.Store(true)
	slog.Info("[MQTT] connected", "broker", opts.BrokerURL(), "client_id", opts.ClientID)
	return c, nil
}

func newClient(opts Options, pc pahomqtt.Client) *Client {
	return &Client{
		opts:   opts,
		client: pc,
		subs:   make(map[string]subscription),
	}
}

func (c *Client) handleConnect() {
	c.connected.Store(true)
	c.restoreSubscriptions()
	c.publishAvailability(PayloadOnline)

	c.callbackMu.RLock()
	cb := c.onConnect
	c.callbackMu.RUnlock()
	if cb != nil {
		cb()
	}
}

func (c *Client) handleDisconnect(err error) {
	c.connected.Store(false)
	slog.Warn("[MQTT] connection lost", "error", err)

	c.callbackMu.RLock()
	cb := c.onDisconnect
	c.callbackMu.RUnlock()
	if cb != nil {
		cb(err)
	}
}

func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for topic, sub := range c.subs {
		// Failures surface again on the next reconnect; nothing else to do here.
		c.client.Subscribe(topic, sub.qos, c.wrapHandler(sub.handler))
	}
}

func (c *Client) publishAvailability(payload string) {
	if c.opts.AvailabilityTopic == "" {
		return
	}
	token := c.client.Publish(c.opts.AvailabilityTopic, c.opts.QoS, true, payload)
	if !token.WaitTimeout(defaultOperationTimeout) {
		slog.Warn("[MQTT] availability publish timed out", "payload", payload)
		return
	}
	if err := token.Error(); err != nil {
		slog.Warn("[MQTT] availability publish failed", "payload", payload, "error", err)
	}
}

// Close publishes "offline" to the availability topic and disconnects.
// The broker only sends the last will on unexpected drops.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	if c.IsConnected() {
		c.publishAvailability(PayloadOffline)
	}
	c.client.Disconnect(defaultDisconnectQuiesce)
	c.connected.Store(false)
	return nil
}

// IsConnected reports the last known connection state.
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.client != nil && c.client.IsConnected()
}

// HealthCheck returns nil when the broker connection is up.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt: health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// SetOnConnect registers a callback run after every (re)connect, once
// subscriptions are restored.
func (c *Client) SetOnConnect(cb func()) {
	c.callbackMu.Lock()
	c.onConnect = cb
	c.callbackMu.Unlock()
}

// SetOnDisconnect registers a callback run when the connection drops.
func (c *Client) SetOnDisconnect(cb func(error)) {
	c.callbackMu.Lock()
	c.onDisconnect = cb
	c.callbackMu.Unlock()
}

// QoS is the configured default quality of service.
func (c *Client) QoS() byte {
	return c.opts.QoS
}

// wrapHandler adapts h to paho. Handlers may block on the mesh and publish
// acks, which paho forbids on its router goroutine, so each message runs on
// its own goroutine. Messages are therefore not handled in arrival order.
func (c *Client) wrapHandler(h MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		go runHandler(h, msg.Topic(), msg.Payload())
	}
}

// runHandler keeps a panicking handler from taking down the process.
func runHandler(h MessageHandler, topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[MQTT] handler panic recovered", "topic", topic, "panic", r)
		}
	}()
	if err := h(topic, payload); err != nil {
		slog.Warn("[MQTT] handler failed", "topic", topic, "error", err)
	}
}

func waitToken(t pahomqtt.Token, timeout time.Duration, sentinel error) error {
	if !t.WaitTimeout(timeout) {
		return fmt.Errorf("%w: timeout after %v", sentinel, timeout)
	}
	if err := t.Error(); err != nil {
		return fmt.Errorf("%w: %w", sentinel, err)
	}
	return nil
}
