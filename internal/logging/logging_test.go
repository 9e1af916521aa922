package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chaz8081/plejd-mqtt/internal/config"
)

func TestJSONFormatCarriesServiceAndVersion(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "info", Format: "json"}, "1.2.3", &buf)
	logger.Info("[BLE] connected", "address", "AA:BB:CC:DD:EE:FF")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v: %s", err, buf.String())
	}
	if entry["service"] != "plejd-mqtt" || entry["version"] != "1.2.3" {
		t.Errorf("default attrs = %v/%v", entry["service"], entry["version"])
	}
	if entry["msg"] != "[BLE] connected" || entry["address"] != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("entry = %v", entry)
	}
}

func TestTextFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "warn", Format: "text"}, "dev", &buf)
	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info message logged at warn level")
	}
	if !strings.Contains(out, "msg=shown") || !strings.Contains(out, "service=plejd-mqtt") {
		t.Errorf("text output = %q", out)
	}
}

func TestDebugLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "debug", Format: "text"}, "dev", &buf)
	logger.Debug("frame")
	if !strings.Contains(buf.String(), "msg=frame") {
		t.Errorf("debug message missing: %q", buf.String())
	}
}

func TestNewWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plejd.log")
	logger, closer := New(config.LoggingConfig{Level: "info", Format: "json", File: path, MaxSizeMB: 1}, "dev")
	logger.Info("to file")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"to file"`) {
		t.Errorf("log file = %q", data)
	}
}

func TestNewWithoutFile(t *testing.T) {
	logger, closer := New(config.LoggingConfig{Level: "info", Format: "text"}, "dev")
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
	if err := closer.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
