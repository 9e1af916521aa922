// Package metrics records mesh activity as InfluxDB points.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/chaz8081/plejd-mqtt/internal/ble"
	"github.com/chaz8081/plejd-mqtt/internal/mesh"
)

const (
	defaultPingTimeout = 10 * time.Second

	measurementDeviceState = "device_state"
	measurementConnection  = "mesh_connection"
	measurementButton      = "button_event"
)

// Options configures the InfluxDB connection.
type Options struct {
	Enabled       bool
	URL           string
	Token         string
	Org           string
	Bucket        string
	BatchSize     uint
	FlushInterval time.Duration
}

// PointWriter is the non-blocking write side of the client. The influx
// WriteAPI implements it.
type PointWriter interface {
	WritePoint(p *write.Point)
	Flush()
}

// Recorder turns state changes, button events and connection transitions
// into points. It implements mesh.StateSink and mesh.TriggerSink.
type Recorder struct {
	writer PointWriter
	closer func()
	now    func() time.Time
}

// Connect pings the server and returns a recorder writing to opts.Bucket.
func Connect(ctx context.Context, opts Options) (*Recorder, error) {
	if !opts.Enabled {
		return nil, ErrDisabled
	}
	iopts := influxdb2.DefaultOptions()
	if opts.BatchSize > 0 {
		iopts.SetBatchSize(opts.BatchSize)
	}
	if opts.FlushInterval > 0 {
		iopts.SetFlushInterval(uint(opts.FlushInterval.Milliseconds()))
	}
	client := influxdb2.NewClientWithOptions(opts.URL, opts.Token, iopts)

	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	ok, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, opts.URL, err)
	}
	if !ok {
		client.Close()
		return nil, fmt.Errorf("%w: %s: server not ready", ErrConnectionFailed, opts.URL)
	}

	writeAPI := client.WriteAPI(opts.Org, opts.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			slog.Warn("[METRICS] write failed", "error", err)
		}
	}()

	r := NewRecorder(writeAPI)
	r.closer = client.Close
	slog.Info("[METRICS] writing to influxdb", "url", opts.URL, "bucket", opts.Bucket)
	return r, nil
}

// NewRecorder wraps an existing writer.
func NewRecorder(w PointWriter) *Recorder {
	return &Recorder{writer: w, now: time.Now}
}

// OnDeviceStateChanged records a device_state point.
func (r *Recorder) OnDeviceStateChanged(dev mesh.Device) {
	at := dev.UpdatedAt
	if at.IsZero() {
		at = r.now()
	}
	r.writer.WritePoint(write.NewPoint(measurementDeviceState,
		deviceTags(dev),
		map[string]any{
			"on":    dev.State.On,
			"level": int64(dev.State.Output()),
		},
		at,
	))
}

// OnTrigger records a button_event point.
func (r *Recorder) OnTrigger(dev mesh.Device, button, action uint8) {
	tags := deviceTags(dev)
	tags["button"] = strconv.Itoa(int(button))
	r.writer.WritePoint(write.NewPoint(measurementButton,
		tags,
		map[string]any{"action": int64(action)},
		r.now(),
	))
}

// OnConnectionState records a mesh_connection point. It matches the
// signature of ble.Machine.OnStateChange.
func (r *Recorder) OnConnectionState(from, to ble.State) {
	r.writer.WritePoint(write.NewPoint(measurementConnection,
		map[string]string{"state": to.String()},
		map[string]any{
			"from":      from.String(),
			"connected": to == ble.StateConnected,
		},
		r.now(),
	))
}

// Close flushes pending points and releases the client.
func (r *Recorder) Close() error {
	r.writer.Flush()
	if r.closer != nil {
		r.closer()
	}
	return nil
}

func deviceTags(dev mesh.Device) map[string]string {
	return map[string]string{
		"device_id": strconv.Itoa(int(dev.ID)),
		"name":      dev.Name,
		"type":      string(dev.Type),
	}
}
