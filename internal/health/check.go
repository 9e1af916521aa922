package health

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Exit codes returned by Check.
const (
	ExitOK  = 0
	ExitErr = 1
)

var (
	// ErrStaleHeartbeat means the bridge has not reported within the interval.
	ErrStaleHeartbeat = errors.New("health: heartbeat is stale")

	// ErrDisconnected means a status file reports a lost connection.
	ErrDisconnected = errors.New("health: connection down")
)

// Check inspects the status files in dir and returns ExitOK when the
// heartbeat is younger than interval and both connections are up.
func Check(dir string, interval time.Duration) int {
	if err := Verify(dir, interval, time.Now()); err != nil {
		slog.Error("[HEALTH] check failed", "dir", dir, "error", err)
		return ExitErr
	}
	slog.Info("[HEALTH] all checks passed", "dir", dir)
	return ExitOK
}

// Verify is Check with an explicit clock, returning the first failure.
func Verify(dir string, interval time.Duration, now time.Time) error {
	beat, err := readHeartbeat(filepath.Join(dir, HeartbeatFile))
	if err != nil {
		return err
	}
	if age := now.Sub(beat); age >= interval {
		return fmt.Errorf("%w: last beat %v ago, interval %v", ErrStaleHeartbeat, age.Round(time.Second), interval)
	}
	for _, name := range []string{BluetoothFile, MQTTFile} {
		if err := checkConnected(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}

func readHeartbeat(path string) (time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, fmt.Errorf("health: read heartbeat: %w", err)
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("health: parse heartbeat: %w", err)
	}
	return time.UnixMilli(int64(math.Round(secs * 1000))), nil
}

func checkConnected(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("health: read %s: %w", filepath.Base(path), err)
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 || fields[0] != wordConnected {
		return fmt.Errorf("%w: %s reports %q", ErrDisconnected, filepath.Base(path), strings.TrimSpace(string(data)))
	}
	return nil
}
