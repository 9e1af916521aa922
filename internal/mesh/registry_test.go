package mesh

import (
	"errors"
	"testing"
	"time"
)

var testKey = []byte{
	0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77,
	0x88, 0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff,
}

func testDevices() []Device {
	return []Device{
		{ID: 11, Address: "aa:bb:cc:dd:ee:01", Type: TypeLight, Name: "Kitchen", Model: "DIM-01", Dimmable: true},
		{ID: 12, Address: "AA:BB:CC:DD:EE:02", Type: TypeSwitch, Name: "Heater", Model: "REL-01"},
		{ID: 20, Address: "AA:BB:CC:DD:EE:03", Type: TypeTrigger, Name: "Hall button", Model: "WPH-01"},
	}
}

func mustRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(testKey, testDevices())
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	return r
}

func TestNewRegistryRejectsBadKey(t *testing.T) {
	for _, n := range []int{0, 15, 17, 32} {
		if _, err := NewRegistry(make([]byte, n), nil); !errors.Is(err, ErrInvalidMeshKey) {
			t.Errorf("NewRegistry(key len %d) error = %v, want ErrInvalidMeshKey", n, err)
		}
	}
}

func TestNewRegistryRejectsDuplicateIDs(t *testing.T) {
	devs := []Device{{ID: 1, Type: TypeLight}, {ID: 1, Type: TypeSwitch}}
	if _, err := NewRegistry(testKey, devs); !errors.Is(err, ErrDuplicateID) {
		t.Errorf("NewRegistry() error = %v, want ErrDuplicateID", err)
	}
}

func TestRegistryMeshKeyIsCopy(t *testing.T) {
	r := mustRegistry(t)
	k := r.MeshKey()
	k[0] = 0xff
	if r.MeshKey()[0] != 0x00 {
		t.Error("MeshKey() exposed internal storage")
	}
}

func TestRegistryGetAndList(t *testing.T) {
	r := mustRegistry(t)
	d, ok := r.Get(12)
	if !ok || d.Name != "Heater" {
		t.Fatalf("Get(12) = %v, %v", d, ok)
	}
	if _, ok := r.Get(99); ok {
		t.Error("Get(99) ok = true")
	}
	list := r.List()
	if len(list) != 3 || list[0].ID != 11 || list[2].ID != 20 {
		t.Errorf("List() = %v, want ids 11,12,20", list)
	}
}

func TestRegistryKnowsAddress(t *testing.T) {
	r := mustRegistry(t)
	tests := []struct {
		mac  string
		want bool
	}{
		{"AA:BB:CC:DD:EE:01", true},
		{"aa:bb:cc:dd:ee:02", true},
		{"AA:BB:CC:DD:EE:99", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := r.KnowsAddress(tt.mac); got != tt.want {
			t.Errorf("KnowsAddress(%q) = %v, want %v", tt.mac, got, tt.want)
		}
	}
}

func TestRegistryApplyReportsChangeOnce(t *testing.T) {
	r := mustRegistry(t)
	now := time.Now()

	dev, changed := r.Apply(11, State{On: true, Level: 40}, now)
	if !changed {
		t.Fatal("first Apply() changed = false")
	}
	if dev.State != (State{On: true, Level: 40}) || !dev.UpdatedAt.Equal(now) {
		t.Errorf("Apply() device = %+v", dev)
	}

	later := now.Add(time.Second)
	dev, changed = r.Apply(11, State{On: true, Level: 40}, later)
	if changed {
		t.Error("duplicate Apply() changed = true")
	}
	if !dev.UpdatedAt.Equal(later) {
		t.Error("duplicate Apply() did not refresh UpdatedAt")
	}
}

func TestRegistryApplyFirstReportIsChange(t *testing.T) {
	r := mustRegistry(t)
	if _, changed := r.Apply(12, State{}, time.Now()); !changed {
		t.Error("first report of the default state should count as a change")
	}
}

func TestRegistryApplyNormalizesNonDimmable(t *testing.T) {
	r := mustRegistry(t)
	dev, _ := r.Apply(12, State{On: true, Level: 30}, time.Now())
	if dev.State.Level != 100 {
		t.Errorf("switch level = %d, want 100", dev.State.Level)
	}
	dev, _ = r.Apply(11, State{On: true, Level: 200}, time.Now())
	if dev.State.Level != 100 {
		t.Errorf("clamped level = %d, want 100", dev.State.Level)
	}
}

func TestRegistryApplyUnknown(t *testing.T) {
	r := mustRegistry(t)
	if _, changed := r.Apply(99, State{On: true}, time.Now()); changed {
		t.Error("Apply() on unknown id changed = true")
	}
}

func TestRegistryLoadKeepsState(t *testing.T) {
	r := mustRegistry(t)
	r.Apply(11, State{On: true, Level: 70}, time.Now())

	err := r.Load([]Device{
		{ID: 11, Address: "AA:BB:CC:DD:EE:01", Type: TypeLight, Name: "Kitchen table", Dimmable: true},
		{ID: 30, Address: "AA:BB:CC:DD:EE:04", Type: TypeLight, Name: "Porch"},
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	d, _ := r.Get(11)
	if d.Name != "Kitchen table" {
		t.Errorf("Name = %q, want refreshed name", d.Name)
	}
	if d.State != (State{On: true, Level: 70}) {
		t.Errorf("State = %+v, want cached state kept", d.State)
	}
	if _, ok := r.Get(12); !ok {
		t.Error("device missing from reload was deleted")
	}
	if r.Len() != 4 {
		t.Errorf("Len() = %d, want 4", r.Len())
	}
	if !r.KnowsAddress("AA:BB:CC:DD:EE:04") {
		t.Error("new device address not known after Load")
	}
}

func TestRegistryLoadForgetsMovedAddress(t *testing.T) {
	r := mustRegistry(t)
	err := r.Load([]Device{
		{ID: 11, Address: "AA:BB:CC:DD:EE:99", Type: TypeLight, Name: "Kitchen", Dimmable: true},
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if r.KnowsAddress("AA:BB:CC:DD:EE:01") {
		t.Error("old address still known after the device moved")
	}
	if !r.KnowsAddress("aa:bb:cc:dd:ee:99") {
		t.Error("new address not known after Load")
	}
	if !r.KnowsAddress("AA:BB:CC:DD:EE:02") {
		t.Error("address of a device absent from the reload was dropped")
	}
}
