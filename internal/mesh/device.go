package mesh

import (
	"fmt"
	"time"

	"github.com/chaz8081/plejd-mqtt/internal/ble/protocol"
)

// DeviceType is the declared role of a device in the site.
type DeviceType string

const (
	TypeLight   DeviceType = "light"
	TypeSwitch  DeviceType = "switch"
	TypeTrigger DeviceType = "trigger"
)

// Valid reports whether t is one of the handled device types.
func (t DeviceType) Valid() bool {
	return t == TypeLight || t == TypeSwitch || t == TypeTrigger
}

// State is the cached output state of a device. A dimmable light that is
// off keeps the level it will come back on at.
type State struct {
	On    bool
	Level uint8 // 0..100
}

// Output is the level currently emitted: zero when off.
func (s State) Output() uint8 {
	if !s.On {
		return 0
	}
	return s.Level
}

// Device is one addressable unit in the mesh.
type Device struct {
	ID        uint16
	Address   string
	Type      DeviceType
	Name      string
	Model     string
	Dimmable  bool
	State     State
	UpdatedAt time.Time
}

func (d Device) String() string {
	return fmt.Sprintf("%s %q (id %d)", d.Type, d.Name, d.ID)
}

// AcceptsCommand reports whether op may be sent to d.
func (d Device) AcceptsCommand(op protocol.Opcode) bool {
	switch d.Type {
	case TypeLight, TypeSwitch:
	default:
		return false
	}
	switch op {
	case protocol.OpStateSet:
		return true
	case protocol.OpDimSet:
		return d.Dimmable
	}
	return false
}

// normalize fits s to what the device can represent. Non-dimmable outputs
// are either fully on or off.
func (d Device) normalize(s State) State {
	if s.Level > protocol.MaxLevel {
		s.Level = protocol.MaxLevel
	}
	if !d.Dimmable {
		s.Level = 0
		if s.On {
			s.Level = protocol.MaxLevel
		}
	}
	return s
}
