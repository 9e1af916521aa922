package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chaz8081/plejd-mqtt/internal/ble/protocol"
	"github.com/chaz8081/plejd-mqtt/internal/mesh"
)

// maxBrightness is the Home Assistant brightness scale.
const maxBrightness = 255

const (
	stateOn  = "ON"
	stateOff = "OFF"
)

// StateMessage is the retained payload on a device state topic.
type StateMessage struct {
	State      string `json:"state"`
	Brightness *int   `json:"brightness,omitempty"`
}

// NewStateMessage renders dev's cached state. Brightness is only present for
// dimmable devices.
func NewStateMessage(dev mesh.Device) StateMessage {
	msg := StateMessage{State: stateOff}
	if dev.State.On {
		msg.State = stateOn
	}
	if dev.Dimmable {
		b := brightnessFromLevel(dev.State.Output())
		msg.Brightness = &b
	}
	return msg
}

// Command is a parsed set payload. Either field may be absent.
type Command struct {
	ID         string `json:"id,omitempty"`
	State      string `json:"state,omitempty"`
	Brightness *int   `json:"brightness,omitempty"`
}

// ParseCommand accepts the Home Assistant JSON schema payload or a bare
// ON/OFF string.
func ParseCommand(payload []byte) (Command, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return Command{}, fmt.Errorf("%w: empty payload", ErrBadCommand)
	}
	if payload[0] != '{' {
		return validate(Command{State: string(payload)})
	}
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return Command{}, fmt.Errorf("%w: %w", ErrBadCommand, err)
	}
	return validate(cmd)
}

func validate(cmd Command) (Command, error) {
	cmd.State = strings.ToUpper(cmd.State)
	switch cmd.State {
	case stateOn, stateOff:
	case "":
		if cmd.Brightness == nil {
			return Command{}, fmt.Errorf("%w: neither state nor brightness given", ErrBadCommand)
		}
	default:
		return Command{}, fmt.Errorf("%w: unknown state %q", ErrBadCommand, cmd.State)
	}
	if b := cmd.Brightness; b != nil && (*b < 0 || *b > maxBrightness) {
		return Command{}, fmt.Errorf("%w: brightness %d outside 0-%d", ErrBadCommand, *b, maxBrightness)
	}
	return cmd, nil
}

// Frame turns cmd into the mesh command for dev. A brightness on a dimmable
// device becomes DimSet, everything else StateSet.
func (cmd Command) Frame(dev mesh.Device) protocol.Frame {
	if cmd.State == stateOff {
		return protocol.NewStateSet(dev.ID, false)
	}
	if cmd.Brightness != nil && dev.Dimmable {
		if *cmd.Brightness == 0 {
			return protocol.NewStateSet(dev.ID, false)
		}
		return protocol.NewDimSet(dev.ID, levelFromBrightness(*cmd.Brightness))
	}
	return protocol.NewStateSet(dev.ID, true)
}

// AckStatus is the outcome reported for a command.
type AckStatus string

const (
	AckOK    AckStatus = "ok"
	AckError AckStatus = "error"
)

// AckMessage is published on a device ack topic for every command.
type AckMessage struct {
	ID        string    `json:"id"`
	Device    uint16    `json:"device"`
	Status    AckStatus `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TriggerMessage is published on a device trigger topic.
type TriggerMessage struct {
	Button    uint8     `json:"button"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

func actionName(a uint8) string {
	switch a {
	case protocol.ActionPress:
		return "press"
	case protocol.ActionRelease:
		return "release"
	}
	return fmt.Sprintf("action_%d", a)
}

// levelFromBrightness maps 1-255 onto 1-100. A non-zero brightness never
// rounds down to off.
func levelFromBrightness(b int) uint8 {
	l := (b*protocol.MaxLevel + maxBrightness/2) / maxBrightness
	if l == 0 && b > 0 {
		l = 1
	}
	return uint8(min(l, protocol.MaxLevel))
}

func brightnessFromLevel(l uint8) int {
	return (int(l)*maxBrightness + protocol.MaxLevel/2) / protocol.MaxLevel
}
