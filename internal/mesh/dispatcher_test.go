package mesh

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/plejd-mqtt/internal/ble"
	"github.com/chaz8081/plejd-mqtt/internal/ble/protocol"
)

// fakeLink records frames and lets tests script the write result.
type fakeLink struct {
	mu         sync.Mutex
	sent       [][]byte
	reconnects []error
	onSend     func(ctx context.Context, frame []byte) error
}

func (l *fakeLink) Send(ctx context.Context, frame []byte) error {
	l.mu.Lock()
	l.sent = append(l.sent, append([]byte(nil), frame...))
	hook := l.onSend
	l.mu.Unlock()
	if hook != nil {
		return hook(ctx, frame)
	}
	return nil
}

func (l *fakeLink) Reconnect(reason error) {
	l.mu.Lock()
	l.reconnects = append(l.reconnects, reason)
	l.mu.Unlock()
}

func (l *fakeLink) sentFrames() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.sent...)
}

type recordingSink struct {
	mu       sync.Mutex
	states   []Device
	triggers []string
}

func (s *recordingSink) OnDeviceStateChanged(dev Device) {
	s.mu.Lock()
	s.states = append(s.states, dev)
	s.mu.Unlock()
}

func (s *recordingSink) OnTrigger(dev Device, button, action uint8) {
	s.mu.Lock()
	s.triggers = append(s.triggers, dev.Name)
	s.mu.Unlock()
}

func (s *recordingSink) stateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

func newTestDispatcher(t *testing.T, opts Options) (*Dispatcher, *fakeLink, *recordingSink) {
	t.Helper()
	devs := append(testDevices(), Device{ID: 1, Address: "AA:BB:CC:DD:EE:10", Type: TypeLight, Name: "Desk", Dimmable: true})
	r, err := NewRegistry(testKey, devs)
	if err != nil {
		t.Fatal(err)
	}
	link := &fakeLink{}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	d := NewDispatcher(r, link, opts)
	sink := &recordingSink{}
	d.AddStateSink(sink)
	d.AddTriggerSink(sink)
	return d, link, sink
}

func encode(t *testing.T, f protocol.Frame) []byte {
	t.Helper()
	raw, err := protocol.Encode(f)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestDispatcherDimSetExample(t *testing.T) {
	d, _, sink := newTestDispatcher(t, Options{})
	d.HandleFrame([]byte{0x01, 0x00, 0x02, 0x64})

	if sink.stateCount() != 1 {
		t.Fatalf("state callbacks = %d, want 1", sink.stateCount())
	}
	got := sink.states[0]
	if got.ID != 1 || !got.State.On || got.State.Level != 100 {
		t.Errorf("device = %+v, want id 1 on at 100", got)
	}
}

func TestDispatcherDuplicateReportNotifiesOnce(t *testing.T) {
	d, _, sink := newTestDispatcher(t, Options{})
	frame := encode(t, protocol.NewStateReport(11, true, 55))
	d.HandleFrame(frame)
	d.HandleFrame(frame)

	if n := sink.stateCount(); n != 1 {
		t.Errorf("state callbacks = %d, want 1", n)
	}
	if s := d.Stats(); s.Frames != 2 || s.StateChanges != 1 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestDispatcherStateSetRestoresBrightness(t *testing.T) {
	d, _, _ := newTestDispatcher(t, Options{})
	d.HandleFrame(encode(t, protocol.NewStateReport(11, true, 40)))
	d.HandleFrame(encode(t, protocol.NewStateSet(11, false)))
	d.HandleFrame(encode(t, protocol.NewStateSet(11, true)))

	dev, _ := d.registry.Get(11)
	if dev.State != (State{On: true, Level: 40}) {
		t.Errorf("state = %+v, want on at 40", dev.State)
	}
}

func TestSubmitCommandOffThenOnRestoresLevel(t *testing.T) {
	d, _, sink := newTestDispatcher(t, Options{})
	ctx := context.Background()
	steps := []struct {
		op      protocol.Opcode
		payload []byte
		want    State
		output  uint8
	}{
		{protocol.OpDimSet, []byte{40}, State{On: true, Level: 40}, 40},
		{protocol.OpStateSet, []byte{0}, State{On: false, Level: 40}, 0},
		{protocol.OpStateSet, []byte{1}, State{On: true, Level: 40}, 40},
	}
	for i, step := range steps {
		if err := d.SubmitCommand(ctx, 11, step.op, step.payload); err != nil {
			t.Fatalf("step %d: SubmitCommand() error = %v", i, err)
		}
		dev, _ := d.registry.Get(11)
		if dev.State != step.want {
			t.Errorf("step %d: state = %+v, want %+v", i, dev.State, step.want)
		}
		if got := dev.State.Output(); got != step.output {
			t.Errorf("step %d: Output() = %d, want %d", i, got, step.output)
		}
	}
	if sink.stateCount() != len(steps) {
		t.Errorf("state callbacks = %d, want %d", sink.stateCount(), len(steps))
	}
}

func TestDispatcherOffReportKeepsLevelOnlyForDimmers(t *testing.T) {
	d, _, _ := newTestDispatcher(t, Options{})
	d.HandleFrame(encode(t, protocol.NewStateSet(12, true)))
	d.HandleFrame(encode(t, protocol.NewStateReport(12, false, 0)))

	dev, _ := d.registry.Get(12)
	if dev.State != (State{}) {
		t.Errorf("switch state = %+v, want off at 0", dev.State)
	}
}

func TestDispatcherButtonEventsAlwaysForwarded(t *testing.T) {
	d, _, sink := newTestDispatcher(t, Options{})
	frame := encode(t, protocol.NewButtonEvent(20, 1, protocol.ActionPress))
	d.HandleFrame(frame)
	d.HandleFrame(frame)

	if len(sink.triggers) != 2 || sink.triggers[0] != "Hall button" {
		t.Errorf("triggers = %v, want two from Hall button", sink.triggers)
	}
	if sink.stateCount() != 0 {
		t.Error("button event produced a state callback")
	}
}

func TestDispatcherIgnoresUnknownDevice(t *testing.T) {
	d, _, sink := newTestDispatcher(t, Options{})
	d.HandleFrame(encode(t, protocol.NewStateReport(999, true, 10)))
	d.HandleFrame(encode(t, protocol.NewButtonEvent(999, 0, 1)))
	if sink.stateCount() != 0 || len(sink.triggers) != 0 {
		t.Error("frames for unknown device reached sinks")
	}
}

func TestDispatcherDropsBadFrames(t *testing.T) {
	d, link, sink := newTestDispatcher(t, Options{DecodeFailureThreshold: 1000})
	before := d.registry.List()

	rng := rand.New(rand.NewPCG(1, 2))
	bad := [][]byte{nil, {0x01}, {0x01, 0x00}, {0x0b, 0x00, 0x03, 0x01}}
	for i := 0; i < 200; i++ {
		buf := make([]byte, rng.IntN(24))
		for j := range buf {
			buf[j] = byte(rng.UintN(256))
		}
		bad = append(bad, buf)
	}
	for _, b := range bad {
		if _, err := protocol.Decode(b); err == nil {
			continue
		}
		d.HandleFrame(b)
	}

	after := d.registry.List()
	for i := range before {
		if before[i].State != after[i].State || !before[i].UpdatedAt.Equal(after[i].UpdatedAt) {
			t.Errorf("device %d changed by undecodable input", before[i].ID)
		}
	}
	if sink.stateCount() != 0 {
		t.Error("undecodable input reached the state sink")
	}
	if len(link.reconnects) != 0 {
		t.Error("reconnect requested below the threshold")
	}
	if s := d.Stats(); s.DecodeErrors+s.UnknownOpcodes == 0 {
		t.Error("no decode errors counted")
	}
}

func TestDispatcherUnknownOpcodeIsNotAFailure(t *testing.T) {
	d, link, _ := newTestDispatcher(t, Options{DecodeFailureThreshold: 1})
	for i := 0; i < 5; i++ {
		d.HandleFrame([]byte{0x01, 0x00, 0x7f, 0xde, 0xad})
	}
	s := d.Stats()
	if s.UnknownOpcodes != 5 || s.DecodeErrors != 0 {
		t.Errorf("Stats() = %+v, want 5 unknown opcodes and no decode errors", s)
	}
	if len(link.reconnects) != 0 {
		t.Error("unknown opcodes forced a reconnect")
	}
}

func TestDispatcherDecodeFailureWindow(t *testing.T) {
	d, link, _ := newTestDispatcher(t, Options{DecodeFailureThreshold: 3, DecodeWindow: 10 * time.Second})
	now := time.Unix(1_700_000_000, 0)
	d.now = func() time.Time { return now }

	truncated := []byte{0x01}
	for i := 0; i < 3; i++ {
		d.HandleFrame(truncated)
	}
	if len(link.reconnects) != 0 {
		t.Fatal("reconnect at the threshold, want only above it")
	}

	// Failures that fell out of the window no longer count.
	now = now.Add(11 * time.Second)
	d.HandleFrame(truncated)
	if len(link.reconnects) != 0 {
		t.Fatal("stale failures counted toward the window")
	}

	for i := 0; i < 3; i++ {
		d.HandleFrame(truncated)
	}
	if len(link.reconnects) != 1 || !errors.Is(link.reconnects[0], ErrSessionCorrupt) {
		t.Fatalf("reconnects = %v, want one ErrSessionCorrupt", link.reconnects)
	}
	if d.Stats().Reconnects != 1 {
		t.Errorf("Stats().Reconnects = %d, want 1", d.Stats().Reconnects)
	}

	// The window starts over after a reconnect.
	d.HandleFrame(truncated)
	if len(link.reconnects) != 1 {
		t.Error("window not reset after reconnect")
	}
}

func TestSubmitCommandValidation(t *testing.T) {
	d, link, _ := newTestDispatcher(t, Options{})
	tests := []struct {
		name    string
		id      uint16
		op      protocol.Opcode
		payload []byte
		want    error
	}{
		{"unknown device", 99, protocol.OpStateSet, []byte{1}, ErrUnknownDevice},
		{"trigger device", 20, protocol.OpStateSet, []byte{1}, ErrUnsupportedCommand},
		{"dim on switch", 12, protocol.OpDimSet, []byte{50}, ErrUnsupportedCommand},
		{"not a command", 11, protocol.OpTimeSet, []byte{0, 0, 0, 0}, ErrUnsupportedCommand},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := d.SubmitCommand(context.Background(), tt.id, tt.op, tt.payload)
			if !errors.Is(err, tt.want) {
				t.Errorf("SubmitCommand() error = %v, want %v", err, tt.want)
			}
		})
	}
	if err := d.SubmitCommand(context.Background(), 11, protocol.OpDimSet, nil); err == nil {
		t.Error("SubmitCommand() with empty DimSet payload should fail")
	}
	if err := d.SubmitCommand(context.Background(), 11, protocol.OpDimSet, []byte{200}); err == nil {
		t.Error("SubmitCommand() with level 200 should fail")
	}
	if dev, _ := d.registry.Get(11); dev.State != (State{}) {
		t.Errorf("rejected commands changed state to %+v", dev.State)
	}
	if n := len(link.sentFrames()); n != 0 {
		t.Errorf("rejected commands wrote %d frames", n)
	}
}

func TestSubmitCommandAppliesStateOnce(t *testing.T) {
	d, link, sink := newTestDispatcher(t, Options{})
	if err := d.SubmitCommand(context.Background(), 11, protocol.OpDimSet, []byte{30}); err != nil {
		t.Fatalf("SubmitCommand() error = %v", err)
	}

	sent := link.sentFrames()
	if len(sent) != 1 {
		t.Fatalf("sent %d frames, want 1", len(sent))
	}
	want := []byte{0x0b, 0x00, 0x02, 30}
	if string(sent[0]) != string(want) {
		t.Errorf("frame = %x, want %x", sent[0], want)
	}
	if sink.stateCount() != 1 {
		t.Fatalf("state callbacks = %d, want 1", sink.stateCount())
	}

	// The mesh echoes the new state; that must not notify again.
	d.HandleFrame(encode(t, protocol.NewStateReport(11, true, 30)))
	if sink.stateCount() != 1 {
		t.Errorf("echoed report notified again")
	}
	if d.Stats().CommandsSent != 1 {
		t.Errorf("CommandsSent = %d, want 1", d.Stats().CommandsSent)
	}
}

func TestSubmitCommandTimeout(t *testing.T) {
	d, link, sink := newTestDispatcher(t, Options{})
	link.onSend = func(context.Context, []byte) error { return ble.ErrWriteAborted }

	err := d.SubmitCommand(context.Background(), 12, protocol.OpStateSet, []byte{1})
	var cmdErr *CommandTimeoutError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("SubmitCommand() error = %v, want CommandTimeoutError", err)
	}
	if cmdErr.DeviceID != 12 || cmdErr.Opcode != protocol.OpStateSet {
		t.Errorf("CommandTimeoutError = %+v", cmdErr)
	}
	if !errors.Is(err, ErrCommandTimeout) || !errors.Is(err, ble.ErrWriteTimeout) {
		t.Errorf("error chain = %v", err)
	}
	if len(link.reconnects) != 0 {
		t.Error("command timeout touched the connection")
	}
	if sink.stateCount() != 0 {
		t.Error("failed command applied state")
	}
	if d.Stats().CommandTimeouts != 1 {
		t.Errorf("CommandTimeouts = %d, want 1", d.Stats().CommandTimeouts)
	}
}

func TestSubmitCommandDeadline(t *testing.T) {
	d, link, _ := newTestDispatcher(t, Options{CommandTimeout: 20 * time.Millisecond})
	link.onSend = func(ctx context.Context, _ []byte) error {
		<-ctx.Done()
		return ctx.Err()
	}
	err := d.SubmitCommand(context.Background(), 12, protocol.OpStateSet, []byte{1})
	if !errors.Is(err, ErrCommandTimeout) {
		t.Errorf("SubmitCommand() error = %v, want ErrCommandTimeout", err)
	}
}

func TestSubmitCommandNotConnected(t *testing.T) {
	d, link, _ := newTestDispatcher(t, Options{})
	link.onSend = func(context.Context, []byte) error { return ble.ErrNotConnected }
	err := d.SubmitCommand(context.Background(), 12, protocol.OpStateSet, []byte{1})
	if !errors.Is(err, ble.ErrNotConnected) {
		t.Errorf("SubmitCommand() error = %v, want ErrNotConnected", err)
	}
	if errors.Is(err, ErrCommandTimeout) {
		t.Error("not connected reported as a timeout")
	}
}

func TestRequestTime(t *testing.T) {
	d, link, _ := newTestDispatcher(t, Options{})
	meshTime := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	link.onSend = func(_ context.Context, frame []byte) error {
		f, err := protocol.Decode(frame)
		if err != nil || f.Opcode != protocol.OpTimeRequest {
			return nil
		}
		d.HandleFrame(encode(t, protocol.NewTimeResponse(f.DeviceID, meshTime)))
		return nil
	}

	got, err := d.RequestTime(context.Background())
	if err != nil {
		t.Fatalf("RequestTime() error = %v", err)
	}
	if !got.Equal(meshTime) {
		t.Errorf("RequestTime() = %v, want %v", got, meshTime)
	}

	f, _ := protocol.Decode(link.sentFrames()[0])
	if f.DeviceID != 1 {
		t.Errorf("time request sent to device %d, want lowest output id 1", f.DeviceID)
	}
}

func TestRequestTimeNoResponse(t *testing.T) {
	d, _, _ := newTestDispatcher(t, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := d.RequestTime(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("RequestTime() error = %v, want deadline exceeded", err)
	}
	if len(d.timeWaiters) != 0 {
		t.Error("time waiter leaked")
	}
}

func TestSetTime(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	d, link, _ := newTestDispatcher(t, Options{Location: loc})
	ref := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	if err := d.SetTime(context.Background(), ref); err != nil {
		t.Fatalf("SetTime() error = %v", err)
	}
	f, err := protocol.Decode(link.sentFrames()[0])
	if err != nil || f.Opcode != protocol.OpTimeSet {
		t.Fatalf("sent frame = %v, %v", f, err)
	}
	got, _ := f.Time(loc)
	if !got.Equal(ref) {
		t.Errorf("mesh clock set to %v, want %v", got, ref)
	}
}

func TestTimeWithoutOutputDevices(t *testing.T) {
	r, _ := NewRegistry(testKey, []Device{{ID: 5, Type: TypeTrigger}})
	d := NewDispatcher(r, &fakeLink{}, Options{})
	if _, err := d.RequestTime(context.Background()); !errors.Is(err, ErrNoTimeDevice) {
		t.Errorf("RequestTime() error = %v, want ErrNoTimeDevice", err)
	}
	if err := d.SetTime(context.Background(), time.Now()); !errors.Is(err, ErrNoTimeDevice) {
		t.Errorf("SetTime() error = %v, want ErrNoTimeDevice", err)
	}
}
