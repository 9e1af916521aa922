// Package health reports bridge liveness two ways: status files for a
// container health check and a retained JSON message on the broker.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/plejd-mqtt/internal/ble"
	"github.com/chaz8081/plejd-mqtt/internal/mesh"
	"github.com/chaz8081/plejd-mqtt/internal/timesync"
)

// File names written into the health directory.
const (
	HeartbeatFile = "heartbeat"
	BluetoothFile = "bluetooth"
	MQTTFile      = "mqtt"
)

const (
	wordConnected    = "connected"
	wordDisconnected = "disconnected"
)

// Status summarises the bridge.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusStopping Status = "stopping"
)

// Connection is the mesh side. *ble.Machine implements it.
type Connection interface {
	Status() ble.Status
}

// Publisher is the broker side. *mqtt.Client implements it.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// StatsSource provides dispatcher counters. *mesh.Dispatcher implements it.
type StatsSource interface {
	Stats() mesh.Stats
}

// TimeSource provides the last clock sync. *timesync.Manager implements it.
type TimeSource interface {
	LastResult() timesync.Result
}

// Options configures the reporter.
type Options struct {
	Dir      string // empty disables the status files
	Interval time.Duration
	Topic    string // empty disables broker reports
	Version  string
}

// Bluetooth is the mesh connection part of a report.
type Bluetooth struct {
	Connected    bool      `json:"connected"`
	State        string    `json:"state"`
	Since        time.Time `json:"since"`
	Address      string    `json:"address,omitempty"`
	LastActivity time.Time `json:"last_activity,omitzero"`
	Failures     int       `json:"failures"`
	LastError    string    `json:"last_error,omitempty"`
}

// TimeSync is the clock part of a report.
type TimeSync struct {
	LastSuccess time.Time `json:"last_success,omitzero"`
	Drift       string    `json:"drift,omitempty"`
	Corrected   bool      `json:"corrected"`
	LastError   string    `json:"last_error,omitempty"`
}

// Report is the JSON published on the health topic.
type Report struct {
	Status    Status      `json:"status"`
	Reason    string      `json:"reason,omitempty"`
	Version   string      `json:"version,omitempty"`
	Uptime    int64       `json:"uptime_seconds"`
	Timestamp time.Time   `json:"timestamp"`
	Bluetooth Bluetooth   `json:"bluetooth"`
	MQTT      bool        `json:"mqtt_connected"`
	TimeSync  *TimeSync   `json:"time_sync,omitempty"`
	Stats     *mesh.Stats `json:"stats,omitempty"`
}

// Reporter periodically writes status files and publishes reports.
type Reporter struct {
	opts  Options
	conn  Connection
	pub   Publisher
	stats StatsSource
	clock TimeSource
	start time.Time
	now   func() time.Time

	mu sync.Mutex // serialises report writes
}

// NewReporter creates a reporter. pub, stats and clock may be nil.
func NewReporter(opts Options, conn Connection, pub Publisher, stats StatsSource, clock TimeSource) *Reporter {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	return &Reporter{
		opts:  opts,
		conn:  conn,
		pub:   pub,
		stats: stats,
		clock: clock,
		start: time.Now(),
		now:   time.Now,
	}
}

// Run reports immediately, then every interval until ctx ends, and finally
// publishes a stopping report.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	r.reportAndLog()
	for {
		select {
		case <-ctx.Done():
			rep := r.Snapshot()
			rep.Status = StatusStopping
			rep.Reason = "shutting down"
			if err := r.publish(rep); err != nil {
				slog.Debug("[HEALTH] final report not published", "error", err)
			}
			return
		case <-ticker.C:
			r.reportAndLog()
		}
	}
}

func (r *Reporter) reportAndLog() {
	if _, err := r.ReportNow(); err != nil {
		slog.Warn("[HEALTH] report failed", "error", err)
	}
}

// Snapshot builds a report without writing it anywhere.
func (r *Reporter) Snapshot() Report {
	now := r.now()
	st := r.conn.Status()
	rep := Report{
		Status:    StatusHealthy,
		Version:   r.opts.Version,
		Uptime:    int64(now.Sub(r.start).Seconds()),
		Timestamp: now.UTC(),
		Bluetooth: Bluetooth{
			Connected:    st.State == ble.StateConnected,
			State:        st.State.String(),
			Since:        st.Since,
			Address:      st.Address,
			LastActivity: st.LastActivity,
			Failures:     st.Failures,
		},
		MQTT: r.pub != nil && r.pub.IsConnected(),
	}
	if st.LastError != nil {
		rep.Bluetooth.LastError = st.LastError.Error()
	}
	if r.clock != nil {
		res := r.clock.LastResult()
		ts := &TimeSync{LastSuccess: res.LastSuccess, Corrected: res.Corrected}
		if !res.At.IsZero() {
			ts.Drift = res.Drift.String()
		}
		if res.Err != nil {
			ts.LastError = res.Err.Error()
		}
		rep.TimeSync = ts
	}
	if r.stats != nil {
		s := r.stats.Stats()
		rep.Stats = &s
	}

	var reasons []string
	if !rep.Bluetooth.Connected {
		reasons = append(reasons, "mesh "+strings.ToLower(rep.Bluetooth.State))
	}
	if r.pub != nil && !rep.MQTT {
		reasons = append(reasons, "mqtt disconnected")
	}
	if len(reasons) > 0 {
		rep.Status = StatusDegraded
		rep.Reason = strings.Join(reasons, ", ")
	}
	return rep
}

// ReportNow writes the status files and publishes one report.
func (r *Reporter) ReportNow() (Report, error) {
	rep := r.Snapshot()
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	if r.opts.Dir != "" {
		errs = append(errs, r.writeFiles(rep))
	}
	errs = append(errs, r.publish(rep))
	return rep, errors.Join(errs...)
}

func (r *Reporter) publish(rep Report) error {
	if r.pub == nil || r.opts.Topic == "" {
		return nil
	}
	if !r.pub.IsConnected() {
		return nil
	}
	payload, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("health: marshal report: %w", err)
	}
	if err := r.pub.Publish(r.opts.Topic, payload, 1, true); err != nil {
		return fmt.Errorf("health: publish: %w", err)
	}
	return nil
}

func (r *Reporter) writeFiles(rep Report) error {
	if err := os.MkdirAll(r.opts.Dir, 0o750); err != nil {
		return fmt.Errorf("health: create %s: %w", r.opts.Dir, err)
	}
	bt := wordDisconnected
	if rep.Bluetooth.Connected {
		bt = wordConnected
	}
	mq := wordDisconnected
	if rep.MQTT {
		mq = wordConnected
	}
	files := []struct {
		name, content string
	}{
		{BluetoothFile, bt + " " + rep.Bluetooth.State + "\n"},
		{MQTTFile, mq + "\n"},
		// Written last so a fresh heartbeat implies fresh status files.
		{HeartbeatFile, strconv.FormatFloat(float64(rep.Timestamp.UnixMilli())/1000, 'f', 3, 64) + "\n"},
	}
	for _, f := range files {
		if err := writeFileAtomic(filepath.Join(r.opts.Dir, f.name), []byte(f.content)); err != nil {
			return err
		}
	}
	return nil
}

// writeFileAtomic replaces path so a concurrent reader never sees a
// partially written file.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("health: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("health: rename %s: %w", path, err)
	}
	return nil
}
