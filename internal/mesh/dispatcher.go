package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/plejd-mqtt/internal/ble"
	"github.com/chaz8081/plejd-mqtt/internal/ble/protocol"
)

// Link is the write side of the mesh connection.
type Link interface {
	Send(ctx context.Context, frame []byte) error
	Reconnect(reason error)
}

// StateSink receives devices whose cached state changed.
type StateSink interface {
	OnDeviceStateChanged(dev Device)
}

// TriggerSink receives button events.
type TriggerSink interface {
	OnTrigger(dev Device, button, action uint8)
}

// Options configures the dispatcher.
type Options struct {
	CommandTimeout         time.Duration
	DecodeWindow           time.Duration
	DecodeFailureThreshold int            // failures within DecodeWindow that force a reconnect
	Location               *time.Location // zone of the mesh wall clock
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		CommandTimeout:         5 * time.Second,
		DecodeWindow:           30 * time.Second,
		DecodeFailureThreshold: 10,
		Location:               time.Local,
	}
}

// Stats are cumulative dispatcher counters.
type Stats struct {
	Frames          uint64 `json:"frames"`
	DecodeErrors    uint64 `json:"decode_errors"`
	UnknownOpcodes  uint64 `json:"unknown_opcodes"`
	StateChanges    uint64 `json:"state_changes"`
	Triggers        uint64 `json:"triggers"`
	CommandsSent    uint64 `json:"commands_sent"`
	CommandTimeouts uint64 `json:"command_timeouts"`
	Reconnects      uint64 `json:"reconnects"`
}

// Dispatcher routes decoded frames into the registry and out to sinks, and
// turns commands into frames on the link. HandleFrame must be called from a
// single goroutine.
type Dispatcher struct {
	registry *Registry
	link     Link
	opts     Options
	now      func() time.Time

	sinkMu       sync.RWMutex
	stateSinks   []StateSink
	triggerSinks []TriggerSink

	mu          sync.Mutex
	failures    []time.Time // decode failures inside the trailing window
	timeWaiters []chan protocol.Frame

	frames          atomic.Uint64
	decodeErrors    atomic.Uint64
	unknownOpcodes  atomic.Uint64
	stateChanges    atomic.Uint64
	triggers        atomic.Uint64
	commandsSent    atomic.Uint64
	commandTimeouts atomic.Uint64
	reconnects      atomic.Uint64
}

// NewDispatcher creates a dispatcher over registry writing to link.
func NewDispatcher(registry *Registry, link Link, opts Options) *Dispatcher {
	def := DefaultOptions()
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = def.CommandTimeout
	}
	if opts.DecodeWindow <= 0 {
		opts.DecodeWindow = def.DecodeWindow
	}
	if opts.DecodeFailureThreshold <= 0 {
		opts.DecodeFailureThreshold = def.DecodeFailureThreshold
	}
	if opts.Location == nil {
		opts.Location = def.Location
	}
	return &Dispatcher{
		registry: registry,
		link:     link,
		opts:     opts,
		now:      time.Now,
	}
}

// SetLink attaches the connection. The link and dispatcher reference each
// other, so one of them has to be wired after construction.
func (d *Dispatcher) SetLink(link Link) {
	d.link = link
}

// AddStateSink registers a consumer of state changes.
func (d *Dispatcher) AddStateSink(s StateSink) {
	d.sinkMu.Lock()
	d.stateSinks = append(d.stateSinks, s)
	d.sinkMu.Unlock()
}

// AddTriggerSink registers a consumer of button events.
func (d *Dispatcher) AddTriggerSink(s TriggerSink) {
	d.sinkMu.Lock()
	d.triggerSinks = append(d.triggerSinks, s)
	d.sinkMu.Unlock()
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Frames:          d.frames.Load(),
		DecodeErrors:    d.decodeErrors.Load(),
		UnknownOpcodes:  d.unknownOpcodes.Load(),
		StateChanges:    d.stateChanges.Load(),
		Triggers:        d.triggers.Load(),
		CommandsSent:    d.commandsSent.Load(),
		CommandTimeouts: d.commandTimeouts.Load(),
		Reconnects:      d.reconnects.Load(),
	}
}

// HandleFrame consumes one decrypted frame.
func (d *Dispatcher) HandleFrame(plain []byte) {
	d.frames.Add(1)

	f, err := protocol.Decode(plain)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownOpcode) {
			d.unknownOpcodes.Add(1)
			slog.Debug("[MESH] unknown opcode", "device", f.DeviceID, "opcode", f.Opcode, "payload", fmt.Sprintf("%x", f.Payload))
			return
		}
		d.decodeFailed(err, plain)
		return
	}

	switch f.Opcode {
	case protocol.OpStateReport, protocol.OpStateSet, protocol.OpDimSet:
		d.applyFrame(f)
	case protocol.OpButtonEvent:
		d.handleButton(f)
	case protocol.OpTimeResponse:
		d.completeTime(f)
	default:
		slog.Debug("[MESH] ignoring frame", "frame", f)
	}
}

func (d *Dispatcher) decodeFailed(err error, raw []byte) {
	d.decodeErrors.Add(1)
	slog.Debug("[MESH] dropping undecodable frame", "error", err, "len", len(raw))

	now := d.now()
	d.mu.Lock()
	cutoff := now.Add(-d.opts.DecodeWindow)
	kept := d.failures[:0]
	for _, t := range d.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	d.failures = append(kept, now)
	exceeded := len(d.failures) > d.opts.DecodeFailureThreshold
	if exceeded {
		d.failures = nil
	}
	d.mu.Unlock()

	if exceeded && d.link != nil {
		d.reconnects.Add(1)
		slog.Warn("[MESH] too many undecodable frames, reconnecting",
			"threshold", d.opts.DecodeFailureThreshold, "window", d.opts.DecodeWindow)
		d.link.Reconnect(ErrSessionCorrupt)
	}
}

// applyFrame updates the registry from a state-bearing frame.
func (d *Dispatcher) applyFrame(f protocol.Frame) {
	dev, ok := d.registry.Get(f.DeviceID)
	if !ok {
		slog.Debug("[MESH] state for unknown device", "device", f.DeviceID)
		return
	}
	s, ok := stateFromFrame(dev, f)
	if !ok {
		return
	}
	d.apply(dev.ID, s)
}

func (d *Dispatcher) apply(id uint16, s State) {
	dev, changed := d.registry.Apply(id, s, d.now())
	if !changed {
		return
	}
	d.stateChanges.Add(1)
	slog.Debug("[MESH] state changed", "device", dev.ID, "name", dev.Name, "on", dev.State.On, "level", dev.State.Level)

	d.sinkMu.RLock()
	sinks := append([]StateSink(nil), d.stateSinks...)
	d.sinkMu.RUnlock()
	for _, s := range sinks {
		s.OnDeviceStateChanged(dev)
	}
}

// stateFromFrame derives the device state a frame implies. A dimmable light
// switched off without a level keeps its last one, and switching it on
// without a level restores it.
func stateFromFrame(dev Device, f protocol.Frame) (State, bool) {
	on, level, ok := f.State()
	if !ok {
		return State{}, false
	}
	if dev.Dimmable && dev.State.Level > 0 {
		switch {
		case !on && level == 0:
			level = dev.State.Level
		case on && f.Opcode == protocol.OpStateSet:
			level = dev.State.Level
		}
	}
	return State{On: on, Level: level}, true
}

func (d *Dispatcher) handleButton(f protocol.Frame) {
	button, action, _ := f.Button()
	dev, ok := d.registry.Get(f.DeviceID)
	if !ok {
		slog.Debug("[MESH] button event from unknown device", "device", f.DeviceID)
		return
	}
	d.triggers.Add(1)
	slog.Debug("[MESH] button event", "device", dev.ID, "button", button, "action", action)

	d.sinkMu.RLock()
	sinks := append([]TriggerSink(nil), d.triggerSinks...)
	d.sinkMu.RUnlock()
	for _, s := range sinks {
		s.OnTrigger(dev, button, action)
	}
}

// SubmitCommand sends a command frame to a device and applies the expected
// state once the write is acknowledged.
func (d *Dispatcher) SubmitCommand(ctx context.Context, id uint16, op protocol.Opcode, payload []byte) error {
	dev, ok := d.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownDevice, id)
	}
	if !op.IsCommand() || !dev.AcceptsCommand(op) {
		return fmt.Errorf("%w: %s for %s", ErrUnsupportedCommand, op, dev)
	}

	f := protocol.Frame{DeviceID: id, Opcode: op, Payload: payload}
	raw, err := protocol.Encode(f)
	if err != nil {
		return fmt.Errorf("mesh: encode command: %w", err)
	}
	if err := d.send(ctx, f, raw); err != nil {
		return err
	}

	if s, ok := stateFromFrame(dev, f); ok {
		d.apply(id, s)
	}
	return nil
}

// send writes raw with the command deadline. Timeouts are reported as
// CommandTimeoutError and leave the connection alone.
func (d *Dispatcher) send(ctx context.Context, f protocol.Frame, raw []byte) error {
	if d.link == nil {
		return ble.ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, d.opts.CommandTimeout)
	defer cancel()

	err := d.link.Send(ctx, raw)
	switch {
	case err == nil:
		d.commandsSent.Add(1)
		return nil
	case errors.Is(err, ble.ErrWriteTimeout), errors.Is(err, context.DeadlineExceeded):
		d.commandTimeouts.Add(1)
		slog.Warn("[MESH] command timed out", "device", f.DeviceID, "opcode", f.Opcode, "error", err)
		return &CommandTimeoutError{DeviceID: f.DeviceID, Opcode: f.Opcode, Err: err}
	default:
		return fmt.Errorf("mesh: send %s to device %d: %w", f.Opcode, f.DeviceID, err)
	}
}

// timeDevice picks the output device used to query and set the mesh clock.
// Any device in the mesh will do.
func (d *Dispatcher) timeDevice() (Device, bool) {
	for _, dev := range d.registry.List() {
		if dev.Type == TypeLight || dev.Type == TypeSwitch {
			return dev, true
		}
	}
	return Device{}, false
}

// RequestTime asks the mesh for its clock and waits for the TimeResponse.
// The result is the mesh wall clock interpreted in the configured zone.
func (d *Dispatcher) RequestTime(ctx context.Context) (time.Time, error) {
	dev, ok := d.timeDevice()
	if !ok {
		return time.Time{}, ErrNoTimeDevice
	}

	ch := make(chan protocol.Frame, 1)
	d.mu.Lock()
	d.timeWaiters = append(d.timeWaiters, ch)
	d.mu.Unlock()
	defer d.removeTimeWaiter(ch)

	f := protocol.NewTimeRequest(dev.ID)
	raw, err := protocol.Encode(f)
	if err != nil {
		return time.Time{}, err
	}
	if err := d.send(ctx, f, raw); err != nil {
		return time.Time{}, err
	}

	select {
	case resp := <-ch:
		t, ok := resp.Time(d.opts.Location)
		if !ok {
			return time.Time{}, fmt.Errorf("mesh: malformed time response from device %d", resp.DeviceID)
		}
		return t, nil
	case <-ctx.Done():
		return time.Time{}, fmt.Errorf("mesh: waiting for time response: %w", ctx.Err())
	}
}

// SetTime writes t to the mesh clock.
func (d *Dispatcher) SetTime(ctx context.Context, t time.Time) error {
	dev, ok := d.timeDevice()
	if !ok {
		return ErrNoTimeDevice
	}
	f := protocol.NewTimeSet(dev.ID, t.In(d.opts.Location))
	raw, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	return d.send(ctx, f, raw)
}

func (d *Dispatcher) completeTime(f protocol.Frame) {
	d.mu.Lock()
	waiters := d.timeWaiters
	d.timeWaiters = nil
	d.mu.Unlock()

	if len(waiters) == 0 {
		slog.Debug("[MESH] unsolicited time response", "device", f.DeviceID)
	}
	for _, ch := range waiters {
		select {
		case ch <- f:
		default:
		}
	}
}

func (d *Dispatcher) removeTimeWaiter(ch chan protocol.Frame) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, w := range d.timeWaiters {
		if w == ch {
			d.timeWaiters = append(d.timeWaiters[:i], d.timeWaiters[i+1:]...)
			return
		}
	}
}
