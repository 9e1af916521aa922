// Package timesync keeps the mesh clock close to a reference clock. Plejd
// devices run schedules on the mesh time, which drifts and is lost on power
// cuts.
package timesync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Mesh is the time surface of the mesh dispatcher.
type Mesh interface {
	RequestTime(ctx context.Context) (time.Time, error)
	SetTime(ctx context.Context, t time.Time) error
}

// Options configures the manager.
type Options struct {
	Interval        time.Duration
	Threshold       time.Duration // drift above this triggers a correction
	ResponseTimeout time.Duration
	Location        *time.Location // zone of the mesh wall clock
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Interval:        time.Hour,
		Threshold:       10 * time.Second,
		ResponseTimeout: 5 * time.Second,
		Location:        time.Local,
	}
}

// Result describes the last sync cycle.
type Result struct {
	At          time.Time     `json:"at"`
	LastSuccess time.Time     `json:"last_success,omitzero"`
	MeshTime    time.Time     `json:"mesh_time,omitzero"`
	Reference   time.Time     `json:"reference,omitzero"`
	Drift       time.Duration `json:"drift"`
	Corrected   bool          `json:"corrected"`
	Err         error         `json:"-"`
}

// Manager periodically compares the mesh clock with a reference clock and
// corrects it when the drift exceeds the threshold.
type Manager struct {
	mesh  Mesh
	clock Clock
	opts  Options
	now   func() time.Time

	kick chan struct{}

	mu   sync.Mutex
	last Result
}

// NewManager creates a manager. A nil clock uses the system clock.
func NewManager(mesh Mesh, clock Clock, opts Options) *Manager {
	def := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.Threshold <= 0 {
		opts.Threshold = def.Threshold
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = def.ResponseTimeout
	}
	if opts.Location == nil {
		opts.Location = def.Location
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Manager{
		mesh:  mesh,
		clock: clock,
		opts:  opts,
		now:   time.Now,
		kick:  make(chan struct{}, 1),
	}
}

// Kick requests a sync cycle as soon as possible, for example right after
// the mesh connection comes up.
func (m *Manager) Kick() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// LastResult returns the outcome of the most recent cycle.
func (m *Manager) LastResult() Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Run syncs every Interval, and whenever Kick is called, until ctx is done.
// Failed cycles are logged and skipped.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-m.kick:
		}
		if _, err := m.SyncOnce(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("[TIME] skipping time sync", "error", err)
		}
	}
}

// SyncOnce runs a single cycle: read the mesh clock, compare it with the
// reference, and correct it if needed. It never retries.
func (m *Manager) SyncOnce(ctx context.Context) (Result, error) {
	res := Result{At: m.now()}
	m.mu.Lock()
	res.LastSuccess = m.last.LastSuccess
	m.mu.Unlock()

	rctx, cancel := context.WithTimeout(ctx, m.opts.ResponseTimeout)
	meshTime, err := m.mesh.RequestTime(rctx)
	cancel()
	if err != nil {
		kind := Unavailable
		if errors.Is(err, context.DeadlineExceeded) {
			kind = Timeout
		}
		return m.finish(res, &Error{Kind: kind, Err: err})
	}

	ref := m.clock.Now(ctx).In(m.opts.Location)
	res.MeshTime = meshTime
	res.Reference = ref
	res.Drift = ref.Sub(meshTime)

	if abs(res.Drift) > m.opts.Threshold {
		sctx, cancel := context.WithTimeout(ctx, m.opts.ResponseTimeout)
		err := m.mesh.SetTime(sctx, ref)
		cancel()
		if err != nil {
			return m.finish(res, &Error{Kind: SetFailed, Err: err})
		}
		res.Corrected = true
		slog.Info("[TIME] corrected mesh clock", "drift", res.Drift, "mesh", meshTime, "reference", ref)
	} else {
		slog.Debug("[TIME] mesh clock within threshold", "drift", res.Drift)
	}

	res.LastSuccess = res.At
	return m.finish(res, nil)
}

func (m *Manager) finish(res Result, err error) (Result, error) {
	res.Err = err
	m.mu.Lock()
	m.last = res
	m.mu.Unlock()
	return res, err
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
