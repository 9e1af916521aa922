package site

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/chaz8081/plejd-mqtt/internal/mesh"
)

func loadFixture(t *testing.T) []byte {
	t.Helper()
	raw, err := os.ReadFile("testdata/site.json")
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestParseSite(t *testing.T) {
	s, err := Parse(loadFixture(t))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if s.ID != "site-123" || s.Name != "Home" {
		t.Errorf("site = %q %q", s.ID, s.Name)
	}
	wantKey := []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	if !bytes.Equal(s.MeshKey, wantKey) {
		t.Errorf("MeshKey = %x", s.MeshKey)
	}

	want := []DeviceInfo{
		{MeshID: 31, DeviceID: "F4B3C2D1E001", Address: "F4:B3:C2:D1:E0:01", Name: "Kitchen", Model: "DIM-01", Type: mesh.TypeLight, Dimmable: true, HardwareID: 11, Firmware: "1.2.3"},
		{MeshID: 33, DeviceID: "F4B3C2D1E002", Address: "F4:B3:C2:D1:E0:02", Name: "Living room", Model: "DIM-02", Type: mesh.TypeLight, Dimmable: true, HardwareID: 2, Firmware: "2.0.1", Index: 1},
		{MeshID: 34, DeviceID: "F4B3C2D1E003", Address: "F4:B3:C2:D1:E0:03", Name: "Heater", Model: "REL-01", Type: mesh.TypeSwitch, HardwareID: 7},
		{MeshID: 6, DeviceID: "F4B3C2D1E005", Address: "F4:B3:C2:D1:E0:05", Name: "Hall button", Model: "WPH-01", Type: mesh.TypeTrigger, HardwareID: 6},
	}
	if len(s.Devices) != len(want) {
		t.Fatalf("got %d devices, want %d: %+v", len(s.Devices), len(want), s.Devices)
	}
	for i := range want {
		if s.Devices[i] != want[i] {
			t.Errorf("device[%d] = %+v\nwant %+v", i, s.Devices[i], want[i])
		}
	}
}

func TestParseMeshDevices(t *testing.T) {
	s, err := Parse(loadFixture(t))
	if err != nil {
		t.Fatal(err)
	}
	devs := s.MeshDevices()
	if _, err := mesh.NewRegistry(s.MeshKey, devs); err != nil {
		t.Fatalf("site devices rejected by registry: %v", err)
	}
	if devs[0].ID != 31 || devs[0].Address != "F4:B3:C2:D1:E0:01" || !devs[0].Dimmable {
		t.Errorf("MeshDevices()[0] = %+v", devs[0])
	}
	if got := s.Devices[1].UniqueID(); got != "F4B3C2D1E002_1" {
		t.Errorf("UniqueID() = %q", got)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", "<html>"},
		{"missing key", `{"site":{"title":"x"}}`},
		{"short key", `{"plejdMesh":{"cryptoKey":"0011"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.raw)); err == nil {
				t.Error("Parse() error = nil")
			}
		})
	}
	if _, err := Parse([]byte("<html>")); !errors.Is(err, ErrUnexpectedResponse) {
		t.Errorf("Parse(html) error = %v, want ErrUnexpectedResponse", err)
	}
}

func TestParseSkipsDuplicateMeshIDs(t *testing.T) {
	raw := []byte(`{
		"plejdMesh": {"cryptoKey": "00112233445566778899aabbccddeeff"},
		"devices": [
			{"deviceId": "A1", "title": "One", "objectId": "o1", "traits": 11},
			{"deviceId": "A2", "title": "Two", "objectId": "o2", "traits": 11}
		],
		"outputAddress": {"A1": {"0": 5}, "A2": {"0": 5}},
		"deviceAddress": {"A1": 1, "A2": 1},
		"outputSettings": [{"deviceParseId": "o1", "output": 0}, {"deviceParseId": "o2", "output": 0}]
	}`)
	s, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Devices) != 1 || s.Devices[0].Name != "One" {
		t.Errorf("Devices = %+v, want only One", s.Devices)
	}
	if s.Devices[0].Address != "" {
		t.Errorf("Address = %q, want empty for a malformed device id", s.Devices[0].Address)
	}
}

func TestMacFromDeviceID(t *testing.T) {
	tests := map[string]string{
		"f4b3c2d1e0a9":      "F4:B3:C2:D1:E0:A9",
		"F4:B3:C2:D1:E0:A9": "F4:B3:C2:D1:E0:A9",
		"short":             "",
		"ZZB3C2D1E0A9":      "",
	}
	for in, want := range tests {
		if got := macFromDeviceID(in); got != want {
			t.Errorf("macFromDeviceID(%q) = %q, want %q", in, got, want)
		}
	}
}
