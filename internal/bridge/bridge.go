// Package bridge exposes the mesh over MQTT: state and button events out,
// commands in, plus Home Assistant discovery.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/plejd-mqtt/internal/ble/protocol"
	"github.com/chaz8081/plejd-mqtt/internal/bridge/mqtt"
	"github.com/chaz8081/plejd-mqtt/internal/mesh"
)

// Publisher is the broker side of the bridge. *mqtt.Client implements it.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// Devices is the read side of the registry.
type Devices interface {
	Get(id uint16) (mesh.Device, bool)
	List() []mesh.Device
}

// Commander submits mesh commands. *mesh.Dispatcher implements it.
type Commander interface {
	SubmitCommand(ctx context.Context, id uint16, op protocol.Opcode, payload []byte) error
}

// Options configures the bridge.
type Options struct {
	Prefix          string
	DiscoveryPrefix string
	NodeID          string // Home Assistant node id, also the unique id prefix
	QoS             byte
	Discovery       bool
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Prefix:          "plejd",
		DiscoveryPrefix: "homeassistant",
		NodeID:          "plejd",
		QoS:             1,
		Discovery:       true,
	}
}

// Bridge implements mesh.StateSink and mesh.TriggerSink.
type Bridge struct {
	pub     Publisher
	devices Devices
	cmd     Commander
	opts    Options
	topics  Topics
	now     func() time.Time
	newID   func() string

	mu      sync.Mutex
	ctx     context.Context
	buttons map[uint16]map[uint8]bool // buttons seen per trigger device
}

// New creates a bridge. Call Start once the publisher is connected.
func New(pub Publisher, devices Devices, cmd Commander, opts Options) *Bridge {
	def := DefaultOptions()
	if opts.Prefix == "" {
		opts.Prefix = def.Prefix
	}
	if opts.DiscoveryPrefix == "" {
		opts.DiscoveryPrefix = def.DiscoveryPrefix
	}
	if opts.NodeID == "" {
		opts.NodeID = def.NodeID
	}
	return &Bridge{
		pub:     pub,
		devices: devices,
		cmd:     cmd,
		opts:    opts,
		topics:  Topics{Prefix: opts.Prefix, DiscoveryPrefix: opts.DiscoveryPrefix},
		now:     time.Now,
		newID:   uuid.NewString,
		ctx:     context.Background(),
		buttons: make(map[uint16]map[uint8]bool),
	}
}

// Topics returns the topic layout in use.
func (b *Bridge) Topics() Topics {
	return b.topics
}

// Start subscribes to commands, announces every device and publishes the
// cached states. Commands are cancelled when ctx ends.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()

	if err := b.pub.Subscribe(b.topics.SetFilter(), b.opts.QoS, b.handleCommand); err != nil {
		return fmt.Errorf("bridge: subscribe commands: %w", err)
	}
	if b.opts.Discovery {
		err := b.pub.Subscribe(b.topics.HomeAssistantStatus(), b.opts.QoS, b.handleHomeAssistantStatus)
		if err != nil {
			return fmt.Errorf("bridge: subscribe home assistant status: %w", err)
		}
	}
	return b.Announce()
}

// Announce publishes discovery configs (when enabled) and the current state
// of every device. It runs on start and again whenever Home Assistant
// restarts.
func (b *Bridge) Announce() error {
	var errs []error
	for _, dev := range b.devices.List() {
		if b.opts.Discovery {
			if err := b.publishDiscovery(dev); err != nil {
				errs = append(errs, err)
			}
		}
		if dev.Type != mesh.TypeTrigger && !dev.UpdatedAt.IsZero() {
			if err := b.publishState(dev); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("bridge: announce: %w", err)
	}
	slog.Info("[MQTT] devices announced", "count", len(b.devices.List()))
	return nil
}

func (b *Bridge) publishDiscovery(dev mesh.Device) error {
	if dev.Type == mesh.TypeTrigger {
		var errs []error
		for _, button := range b.knownButtons(dev.ID) {
			msg := b.triggerDiscovery(dev, button)
			errs = append(errs, b.publishJSON(msg.topic, msg.payload, true))
		}
		return errors.Join(errs...)
	}
	msg, ok := b.entityDiscovery(dev)
	if !ok {
		return nil
	}
	return b.publishJSON(msg.topic, msg.payload, true)
}

// knownButtons returns the buttons announced for a trigger device. Only the
// first is known up front; others are added on their first press.
func (b *Bridge) knownButtons(id uint16) []uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen, ok := b.buttons[id]
	if !ok {
		seen = map[uint8]bool{0: true}
		b.buttons[id] = seen
	}
	out := make([]uint8, 0, len(seen))
	for button := range seen {
		out = append(out, button)
	}
	slices.Sort(out)
	return out
}

// markButton records button and reports whether it was new.
func (b *Bridge) markButton(id uint16, button uint8) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen, ok := b.buttons[id]
	if !ok {
		seen = map[uint8]bool{0: true}
		b.buttons[id] = seen
	}
	if seen[button] {
		return false
	}
	seen[button] = true
	return true
}

// OnDeviceStateChanged publishes the new state as a retained message.
func (b *Bridge) OnDeviceStateChanged(dev mesh.Device) {
	if err := b.publishState(dev); err != nil {
		slog.Warn("[MQTT] state publish failed", "device", dev.ID, "error", err)
	}
}

func (b *Bridge) publishState(dev mesh.Device) error {
	return b.publishJSON(b.topics.State(dev.ID), NewStateMessage(dev), true)
}

// OnTrigger publishes a button event.
func (b *Bridge) OnTrigger(dev mesh.Device, button, action uint8) {
	if b.opts.Discovery && b.markButton(dev.ID, button) {
		msg := b.triggerDiscovery(dev, button)
		if err := b.publishJSON(msg.topic, msg.payload, true); err != nil {
			slog.Warn("[MQTT] trigger discovery failed", "device", dev.ID, "button", button, "error", err)
		}
	}
	msg := TriggerMessage{Button: button, Action: actionName(action), Timestamp: b.now().UTC()}
	if err := b.publishJSON(b.topics.Trigger(dev.ID), msg, false); err != nil {
		slog.Warn("[MQTT] trigger publish failed", "device", dev.ID, "error", err)
	}
}

// handleCommand runs one set message. The outcome always goes to the ack
// topic; only failures to route the message at all are returned.
func (b *Bridge) handleCommand(topic string, payload []byte) error {
	id, err := b.topics.DeviceFromSetTopic(topic)
	if err != nil {
		return err
	}

	cmd, err := ParseCommand(payload)
	if err == nil {
		err = b.execute(id, cmd)
	}
	if cmd.ID == "" {
		cmd.ID = b.newID()
	}

	ack := AckMessage{ID: cmd.ID, Device: id, Status: AckOK, Timestamp: b.now().UTC()}
	if err != nil {
		ack.Status = AckError
		ack.Error = err.Error()
		slog.Warn("[MQTT] command failed", "device", id, "correlation_id", cmd.ID, "error", err)
	} else {
		slog.Debug("[MQTT] command executed", "device", id, "correlation_id", cmd.ID)
	}
	return b.publishJSON(b.topics.Ack(id), ack, false)
}

func (b *Bridge) execute(id uint16, cmd Command) error {
	dev, ok := b.devices.Get(id)
	if !ok {
		return fmt.Errorf("%w: %d", mesh.ErrUnknownDevice, id)
	}
	f := cmd.Frame(dev)

	b.mu.Lock()
	ctx := b.ctx
	b.mu.Unlock()
	return b.cmd.SubmitCommand(ctx, id, f.Opcode, f.Payload)
}

func (b *Bridge) handleHomeAssistantStatus(_ string, payload []byte) error {
	if string(payload) != mqtt.PayloadOnline {
		return nil
	}
	slog.Info("[MQTT] home assistant came online, announcing devices")
	return b.Announce()
}

func (b *Bridge) publishJSON(topic string, v any, retained bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bridge: marshal %s: %w", topic, err)
	}
	return b.pub.Publish(topic, payload, b.opts.QoS, retained)
}
