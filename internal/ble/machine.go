package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	blecrypto "github.com/chaz8081/plejd-mqtt/internal/ble/crypto"
)

// State is the lifecycle state of the mesh connection.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateConnecting
	StateAuthenticating
	StateConnected
	StateRetrying
	StateFailed
)

var stateNames = [...]string{"Idle", "Scanning", "Connecting", "Authenticating", "Connected", "Retrying", "Failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// AddressBook reports whether a peripheral address belongs to the site.
type AddressBook interface {
	KnowsAddress(mac string) bool
}

// FrameHandler receives every decrypted frame, in arrival order, from a
// single goroutine.
type FrameHandler func(frame []byte)

// IngressSelector picks the device used as the gateway into the mesh from
// the scanned candidates that belong to the site.
type IngressSelector func(candidates []Device) (Device, bool)

// StrongestSignal selects the candidate with the highest RSSI.
func StrongestSignal(candidates []Device) (Device, bool) {
	if len(candidates) == 0 {
		return Device{}, false
	}
	best := candidates[0]
	for _, d := range candidates[1:] {
		if d.RSSI > best.RSSI {
			best = d
		}
	}
	return best, true
}

// Options configures the connection state machine.
type Options struct {
	ScanTimeout    time.Duration // how long each scan listens for advertisements
	ConnectTimeout time.Duration
	AuthTimeout    time.Duration // covers the whole handshake
	WriteTimeout   time.Duration // per queued operation
	RetryInterval  time.Duration
	MaxRetries     int
	PingInterval   time.Duration // keepalive while connected, 0 disables
	QueueSize      int
	FrameBuffer    int // decrypted frames waiting for the handler
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		ScanTimeout:    10 * time.Second,
		ConnectTimeout: 10 * time.Second,
		AuthTimeout:    10 * time.Second,
		WriteTimeout:   5 * time.Second,
		RetryInterval:  10 * time.Second,
		MaxRetries:     10,
		PingInterval:   60 * time.Second,
		QueueSize:      64,
		FrameBuffer:    256,
	}
}

// Status is a snapshot of the machine for health reporting.
type Status struct {
	State        State
	Since        time.Time
	LastActivity time.Time
	Failures     int
	Address      string
	LastError    error
}

// Machine owns the single mesh connection. It scans for a site device,
// connects, authenticates, and then serves one FIFO write queue and one
// ordered notification stream until the link drops, retrying a bounded
// number of times before giving up in StateFailed.
type Machine struct {
	adapter Adapter
	meshKey []byte
	book    AddressBook
	handler FrameHandler
	opts    Options

	selectIngress IngressSelector
	pingByte      func() byte
	now           func() time.Time

	mu           sync.Mutex
	state        State
	since        time.Time
	sess         *session
	failures     int
	lastErr      error
	lastActivity time.Time
	observers    []func(from, to State)
	cancel       context.CancelFunc
	stopped      chan struct{}

	queue   *writeQueue
	frames  chan []byte
	wake    chan struct{}
	resetCh chan struct{}
}

// NewMachine creates a connection state machine. The mesh key must be
// exactly 16 bytes.
func NewMachine(adapter Adapter, meshKey []byte, book AddressBook, handler FrameHandler, opts Options) (*Machine, error) {
	if adapter == nil {
		return nil, &ConnectionError{Kind: Fatal, Op: "init", Err: errors.New("no adapter")}
	}
	if len(meshKey) != blecrypto.KeySize {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidMeshKey, len(meshKey))
	}
	def := DefaultOptions()
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = def.ScanTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = def.AuthTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = def.RetryInterval
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.FrameBuffer <= 0 {
		opts.FrameBuffer = def.FrameBuffer
	}

	key := make([]byte, len(meshKey))
	copy(key, meshKey)

	return &Machine{
		adapter:       adapter,
		meshKey:       key,
		book:          book,
		handler:       handler,
		opts:          opts,
		selectIngress: StrongestSignal,
		pingByte:      func() byte { return byte(rand.IntN(256)) },
		now:           time.Now,
		state:         StateIdle,
		since:         time.Now(),
		queue:         newWriteQueue(opts.QueueSize),
		frames:        make(chan []byte, opts.FrameBuffer),
		wake:          make(chan struct{}, 1),
		resetCh:       make(chan struct{}, 1),
	}, nil
}

// SetIngressSelector replaces the ingress selection strategy. Call before Run.
func (m *Machine) SetIngressSelector(sel IngressSelector) {
	if sel != nil {
		m.selectIngress = sel
	}
}

// OnStateChange registers an observer called after every transition.
func (m *Machine) OnStateChange(fn func(from, to State)) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns a snapshot for health reporting.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		State:        m.state,
		Since:        m.since,
		LastActivity: m.lastActivity,
		Failures:     m.failures,
		LastError:    m.lastErr,
	}
	if m.sess != nil {
		st.Address = m.sess.address
	}
	return st
}

// Run drives the machine until ctx is cancelled or Close is called. It only
// returns early on a fatal startup error such as an unusable adapter.
func (m *Machine) Run(ctx context.Context) error {
	if err := m.adapter.Enable(); err != nil {
		return &ConnectionError{Kind: Fatal, Op: "enable adapter", Err: err}
	}

	ctx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	m.mu.Lock()
	m.cancel = cancel
	m.stopped = stopped
	m.mu.Unlock()
	defer close(stopped)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.writeLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		m.deliverLoop(ctx)
	}()
	defer wg.Wait()
	defer m.shutdown()

	m.setState(StateScanning)
	for ctx.Err() == nil {
		switch m.State() {
		case StateScanning:
			m.establish(ctx)
		case StateConnected:
			m.serve(ctx)
		case StateRetrying:
			m.retry(ctx)
		case StateFailed:
			m.waitReset(ctx)
		default:
			// Connecting and Authenticating only exist inside establish.
			m.setState(StateRetrying)
		}
	}
	return ctx.Err()
}

// Close stops a running machine and waits for Run to return.
func (m *Machine) Close() error {
	m.mu.Lock()
	cancel, stopped := m.cancel, m.stopped
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-stopped
	return nil
}

// Reset leaves StateFailed and starts scanning again. It reports false when
// the machine is not in StateFailed.
func (m *Machine) Reset() bool {
	if m.State() != StateFailed {
		return false
	}
	select {
	case m.resetCh <- struct{}{}:
	default:
	}
	return true
}

// Reconnect drops the current session as if the link had been lost.
func (m *Machine) Reconnect(reason error) {
	m.mu.Lock()
	s := m.sess
	m.mu.Unlock()
	if s != nil {
		m.dropSession(s, reason, true)
	}
}

// Send queues an encrypted write of frame to the DATA characteristic and
// waits for it to be acknowledged. Writes are executed strictly in order, one
// at a time. A write that does not complete within the write timeout or ctx
// fails with ErrWriteTimeout; a write discarded by a disconnect fails with
// ErrWriteAborted.
func (m *Machine) Send(ctx context.Context, frame []byte) error {
	if m.State() != StateConnected {
		return ErrNotConnected
	}
	payload := append([]byte(nil), frame...)
	return m.submit(ctx, func(ctx context.Context, s *session) error {
		enc := blecrypto.CryptFrame(s.key, payload)
		_, err := callWithContext(ctx, s.done, func() (struct{}, error) {
			return struct{}{}, s.data.Write(enc)
		})
		return err
	})
}

// Ping checks the link through the PING characteristic. It shares the write
// queue so it never overlaps another operation.
func (m *Machine) Ping(ctx context.Context) error {
	if m.State() != StateConnected {
		return ErrNotConnected
	}
	b := m.pingByte()
	return m.submit(ctx, func(ctx context.Context, s *session) error {
		return s.pingOnce(ctx, b)
	})
}

func (m *Machine) submit(ctx context.Context, op operation) error {
	req := newWriteRequest(ctx, op)
	if err := m.queue.push(req); err != nil {
		return err
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrWriteTimeout, ctx.Err())
	}
}

func (m *Machine) writeLoop(ctx context.Context) {
	for {
		req, ok := m.queue.pop(ctx)
		if !ok {
			return
		}
		m.execute(req)
	}
}

func (m *Machine) execute(req *writeRequest) {
	if err := req.ctx.Err(); err != nil {
		req.finish(fmt.Errorf("%w: %w", ErrWriteTimeout, err))
		return
	}
	s := m.activeSession()
	if s == nil {
		req.finish(ErrWriteAborted)
		return
	}

	ctx, cancel := context.WithTimeout(req.ctx, m.opts.WriteTimeout)
	defer cancel()

	err := req.op(ctx, s)
	switch {
	case err == nil:
		m.touch()
	case s.closed() || errors.Is(err, ErrDisconnected):
		err = ErrWriteAborted
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		slog.Warn("[BLE] write timed out", "timeout", m.opts.WriteTimeout)
		err = fmt.Errorf("%w: %w", ErrWriteTimeout, err)
	}
	req.finish(err)
}

func (m *Machine) deliverLoop(ctx context.Context) {
	for {
		select {
		case frame := <-m.frames:
			if m.handler != nil {
				m.handler(frame)
			}
		case <-ctx.Done():
			return
		}
	}
}

// onNotification decrypts a LAST_DATA notification and queues it for the
// handler. Notifications arrive on the stack's callback goroutine in order.
func (m *Machine) onNotification(s *session, buf []byte) {
	plain := blecrypto.CryptFrame(s.key, buf)
	m.touch()
	select {
	case m.frames <- plain:
	case <-s.done:
	}
}

// establish walks Scanning, Connecting and Authenticating. It leaves the
// machine in Connected on success and in Retrying otherwise.
func (m *Machine) establish(ctx context.Context) {
	dev, err := m.scan(ctx)
	if err != nil {
		m.retryAfter(ctx, err)
		return
	}

	m.setState(StateConnecting)
	s, err := m.connect(ctx, dev)
	if err != nil {
		m.retryAfter(ctx, err)
		return
	}

	actx, cancel := context.WithTimeout(ctx, m.opts.AuthTimeout)
	err = s.authenticate(actx, m.meshKey, m.pingByte())
	cancel()
	if err == nil {
		if serr := s.lastData.Subscribe(func(buf []byte) { m.onNotification(s, buf) }); serr != nil {
			err = &ConnectionError{Kind: Transient, Op: "subscribe", Err: serr}
		}
	}
	if err != nil {
		slog.Warn("[BLE] could not authenticate with mesh", "address", s.address, "error", err)
		m.dropSession(s, err, true)
		return
	}

	m.mu.Lock()
	if m.sess != s || m.state != StateAuthenticating {
		// Lost the link while authenticating; dropSession already moved on.
		m.mu.Unlock()
		return
	}
	from := m.transitionLocked(StateConnected)
	m.failures = 0
	m.lastErr = nil
	m.lastActivity = m.now()
	m.mu.Unlock()

	slog.Info("[BLE] connected to mesh", "address", s.address, "name", dev.Name)
	m.notify(from, StateConnected)
}

func (m *Machine) scan(ctx context.Context) (Device, error) {
	sctx, cancel := context.WithTimeout(ctx, m.opts.ScanTimeout)
	defer cancel()

	found, err := m.adapter.Scan(sctx, ServiceUUID)
	if err != nil {
		return Device{}, &ConnectionError{Kind: Transient, Op: "scan", Err: err}
	}

	var candidates []Device
	for _, d := range found {
		if m.book == nil || m.book.KnowsAddress(d.MAC) {
			candidates = append(candidates, d)
		}
	}
	slog.Debug("[BLE] scan finished", "found", len(found), "candidates", len(candidates))

	dev, ok := m.selectIngress(candidates)
	if !ok {
		return Device{}, &ConnectionError{Kind: Transient, Op: "scan", Err: ErrNoCandidates}
	}
	return dev, nil
}

func (m *Machine) connect(ctx context.Context, dev Device) (*session, error) {
	cctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	conn, err := m.adapter.Connect(cctx, dev.MAC)
	if err != nil {
		return nil, &ConnectionError{Kind: Transient, Op: "connect", Err: err}
	}

	s, err := newSession(conn, dev.MAC, m.meshKey)
	if err != nil {
		_ = conn.Disconnect()
		return nil, &ConnectionError{Kind: Transient, Op: "discover", Err: err}
	}

	m.mu.Lock()
	m.sess = s
	from := m.transitionLocked(StateAuthenticating)
	m.mu.Unlock()
	m.notify(from, StateAuthenticating)

	conn.OnDisconnect(func() {
		m.dropSession(s, ErrDisconnected, false)
	})
	return s, nil
}

// serve waits in Connected until the session is dropped, running the
// keepalive ping on the configured interval.
func (m *Machine) serve(ctx context.Context) {
	var tick <-chan time.Time
	if m.opts.PingInterval > 0 {
		t := time.NewTicker(m.opts.PingInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		s := m.activeSession()
		if s == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		case <-tick:
			if err := m.Ping(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("[BLE] keepalive failed", "error", err)
				m.dropSession(s, fmt.Errorf("keepalive: %w", err), true)
			}
		}
	}
}

func (m *Machine) retry(ctx context.Context) {
	m.mu.Lock()
	failures, lastErr := m.failures, m.lastErr
	m.mu.Unlock()

	if failures >= m.opts.MaxRetries {
		err := fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, failures)
		if lastErr != nil {
			err = fmt.Errorf("%w: %w", err, lastErr)
		}
		m.mu.Lock()
		m.lastErr = err
		from := m.transitionLocked(StateFailed)
		m.mu.Unlock()
		slog.Error("[BLE] giving up on mesh connection", "error", err)
		m.notify(from, StateFailed)
		return
	}

	timer := time.NewTimer(m.opts.RetryInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	m.mu.Lock()
	m.failures++
	attempt := m.failures
	from := m.transitionLocked(StateScanning)
	m.mu.Unlock()
	slog.Info("[BLE] reconnecting", "attempt", attempt, "max", m.opts.MaxRetries)
	m.notify(from, StateScanning)
}

func (m *Machine) waitReset(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-m.resetCh:
		m.mu.Lock()
		m.failures = 0
		from := m.transitionLocked(StateScanning)
		m.mu.Unlock()
		slog.Info("[BLE] reset requested, scanning again")
		m.notify(from, StateScanning)
	}
}

// retryAfter records err and moves to Retrying, unless we are shutting down.
func (m *Machine) retryAfter(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	slog.Warn("[BLE] connection attempt failed", "error", err)
	m.mu.Lock()
	m.lastErr = err
	from := m.transitionLocked(StateRetrying)
	m.mu.Unlock()
	m.notify(from, StateRetrying)
}

// dropSession tears down s if it is still the current session. The state
// moves to Retrying before any waiter is released, so a caller that sees its
// write aborted also sees the machine retrying. local is true when the drop
// was decided here rather than reported by the transport.
func (m *Machine) dropSession(s *session, reason error, local bool) {
	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		return
	}
	m.sess = nil
	m.lastErr = reason
	from := m.state
	to := from
	if from != StateIdle && from != StateFailed {
		to = StateRetrying
		m.transitionLocked(to)
	}
	m.mu.Unlock()

	s.close()
	n := m.queue.abortAll(ErrWriteAborted)
	slog.Warn("[BLE] session dropped", "address", s.address, "reason", reason, "aborted", n)
	if local {
		go func() { _ = s.conn.Disconnect() }()
	}
	m.notify(from, to)
}

func (m *Machine) shutdown() {
	m.mu.Lock()
	s := m.sess
	m.sess = nil
	from := m.transitionLocked(StateIdle)
	m.mu.Unlock()

	if s != nil {
		s.close()
		_ = s.conn.Disconnect()
	}
	m.queue.abortAll(ErrNotConnected)
	m.notify(from, StateIdle)
}

func (m *Machine) activeSession() *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		return nil
	}
	return m.sess
}

func (m *Machine) touch() {
	m.mu.Lock()
	m.lastActivity = m.now()
	m.mu.Unlock()
}

func (m *Machine) setState(to State) {
	m.mu.Lock()
	from := m.transitionLocked(to)
	m.mu.Unlock()
	m.notify(from, to)
}

// transitionLocked must be called with mu held.
func (m *Machine) transitionLocked(to State) State {
	from := m.state
	if from != to {
		m.state = to
		m.since = m.now()
	}
	return from
}

func (m *Machine) notify(from, to State) {
	if from == to {
		return
	}
	slog.Debug("[BLE] state change", "from", from, "to", to)

	m.mu.Lock()
	observers := slices.Clone(m.observers)
	m.mu.Unlock()
	for _, fn := range observers {
		fn(from, to)
	}

	select {
	case m.wake <- struct{}{}:
	default:
	}
}
