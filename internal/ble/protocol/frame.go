// Package protocol implements the binary frame format of the Plejd mesh.
//
// A decrypted frame is laid out as:
//
//	byte 0-1  device id (little-endian uint16)
//	byte 2    opcode
//	byte 3-   opcode-specific payload
package protocol

import (
	"encoding/binary"
	"fmt"
	"time"
)

// MinFrameLen is the shortest frame that carries a device id and an opcode.
const MinFrameLen = 3

// Opcode identifies the command or report carried by a frame.
type Opcode uint8

const (
	OpStateSet     Opcode = 0x01
	OpDimSet       Opcode = 0x02
	OpStateReport  Opcode = 0x03
	OpTimeRequest  Opcode = 0x04
	OpTimeResponse Opcode = 0x05
	OpTimeSet      Opcode = 0x06
	OpButtonEvent  Opcode = 0x07
	OpPing         Opcode = 0x08
)

var opcodeNames = map[Opcode]string{
	OpStateSet:     "StateSet",
	OpDimSet:       "DimSet",
	OpStateReport:  "StateReport",
	OpTimeRequest:  "TimeRequest",
	OpTimeResponse: "TimeResponse",
	OpTimeSet:      "TimeSet",
	OpButtonEvent:  "ButtonEvent",
	OpPing:         "Ping",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(0x%02x)", uint8(o))
}

// Known reports whether the opcode is part of the supported set.
func (o Opcode) Known() bool {
	_, ok := opcodeNames[o]
	return ok
}

// IsCommand reports whether the opcode may be submitted as an outbound
// device command.
func (o Opcode) IsCommand() bool {
	return o == OpStateSet || o == OpDimSet
}

// Button actions carried by ButtonEvent frames.
const (
	ActionRelease uint8 = 0
	ActionPress   uint8 = 1
)

// MaxLevel is the highest dim level.
const MaxLevel = 100

// Frame is a decoded mesh frame.
type Frame struct {
	DeviceID uint16
	Opcode   Opcode
	Payload  []byte
}

// Equal reports whether two frames carry the same id, opcode and payload.
func (f Frame) Equal(o Frame) bool {
	if f.DeviceID != o.DeviceID || f.Opcode != o.Opcode || len(f.Payload) != len(o.Payload) {
		return false
	}
	for i := range f.Payload {
		if f.Payload[i] != o.Payload[i] {
			return false
		}
	}
	return true
}

func (f Frame) String() string {
	return fmt.Sprintf("%s(device=%d payload=%x)", f.Opcode, f.DeviceID, f.Payload)
}

// validPayloadLen reports whether n is an acceptable payload length for op.
func validPayloadLen(op Opcode, n int) bool {
	switch op {
	case OpStateSet, OpDimSet:
		return n == 1
	case OpStateReport, OpButtonEvent:
		return n == 2
	case OpTimeRequest, OpPing:
		return n == 0
	case OpTimeResponse, OpTimeSet:
		return n == 4 || n == 8
	}
	return true
}

// validPayload also keeps brightness levels inside 0..MaxLevel.
func validPayload(op Opcode, payload []byte) bool {
	if !validPayloadLen(op, len(payload)) {
		return false
	}
	switch op {
	case OpDimSet:
		return payload[0] <= MaxLevel
	case OpStateReport:
		return payload[1] <= MaxLevel
	}
	return true
}

// Decode parses a decrypted frame.
//
// Frames shorter than MinFrameLen, and known opcodes with a malformed
// payload or a level above MaxLevel, fail with a Truncated DecodeError. A frame with an unknown opcode
// is returned together with an UnknownOpcode DecodeError so that callers can
// still forward the raw bytes for observability.
func Decode(raw []byte) (Frame, error) {
	if len(raw) < MinFrameLen {
		return Frame{}, &DecodeError{Kind: Truncated, Len: len(raw)}
	}

	f := Frame{
		DeviceID: binary.LittleEndian.Uint16(raw[0:2]),
		Opcode:   Opcode(raw[2]),
		Payload:  append([]byte(nil), raw[3:]...),
	}

	if !f.Opcode.Known() {
		return f, &DecodeError{Kind: UnknownOpcode, Opcode: f.Opcode, Len: len(raw)}
	}
	if !validPayload(f.Opcode, f.Payload) {
		return Frame{}, &DecodeError{Kind: Truncated, Opcode: f.Opcode, Len: len(raw)}
	}
	return f, nil
}

// Encode serializes a frame, validating the payload for its opcode.
func Encode(f Frame) ([]byte, error) {
	if !f.Opcode.Known() {
		return nil, fmt.Errorf("protocol: cannot encode %s", f.Opcode)
	}
	if !validPayloadLen(f.Opcode, len(f.Payload)) {
		return nil, fmt.Errorf("protocol: %s payload must not be %d bytes", f.Opcode, len(f.Payload))
	}
	if !validPayload(f.Opcode, f.Payload) {
		return nil, fmt.Errorf("protocol: %s level above %d", f.Opcode, MaxLevel)
	}

	buf := make([]byte, MinFrameLen, MinFrameLen+len(f.Payload))
	binary.LittleEndian.PutUint16(buf[0:2], f.DeviceID)
	buf[2] = byte(f.Opcode)
	return append(buf, f.Payload...), nil
}

// NewStateSet builds an on/off command.
func NewStateSet(id uint16, on bool) Frame {
	return Frame{DeviceID: id, Opcode: OpStateSet, Payload: []byte{boolByte(on)}}
}

// NewDimSet builds a dim command. Levels above MaxLevel are clamped.
func NewDimSet(id uint16, level uint8) Frame {
	return Frame{DeviceID: id, Opcode: OpDimSet, Payload: []byte{clampLevel(level)}}
}

// NewStateReport builds a state report as sent by a device.
func NewStateReport(id uint16, on bool, level uint8) Frame {
	return Frame{DeviceID: id, Opcode: OpStateReport, Payload: []byte{boolByte(on), clampLevel(level)}}
}

// NewTimeRequest asks the mesh for its current time.
func NewTimeRequest(id uint16) Frame {
	return Frame{DeviceID: id, Opcode: OpTimeRequest}
}

// NewTimeSet sets the mesh time. The mesh keeps local wall-clock seconds, so
// t is encoded as the seconds of its wall clock in its own location.
func NewTimeSet(id uint16, t time.Time) Frame {
	return Frame{DeviceID: id, Opcode: OpTimeSet, Payload: encodeTime(t)}
}

// NewTimeResponse builds the reply to a TimeRequest.
func NewTimeResponse(id uint16, t time.Time) Frame {
	return Frame{DeviceID: id, Opcode: OpTimeResponse, Payload: encodeTime(t)}
}

// NewButtonEvent builds a button event.
func NewButtonEvent(id uint16, button, action uint8) Frame {
	return Frame{DeviceID: id, Opcode: OpButtonEvent, Payload: []byte{button, action}}
}

// NewPing builds a keepalive frame.
func NewPing(id uint16) Frame {
	return Frame{DeviceID: id, Opcode: OpPing}
}

// State returns the on/off state and dim level carried by StateSet, DimSet
// and StateReport frames. A DimSet with a non-zero level implies on.
func (f Frame) State() (on bool, level uint8, ok bool) {
	switch f.Opcode {
	case OpStateSet:
		if len(f.Payload) != 1 {
			return false, 0, false
		}
		on = f.Payload[0] != 0
		if on {
			level = MaxLevel
		}
		return on, level, true
	case OpDimSet:
		if len(f.Payload) != 1 {
			return false, 0, false
		}
		return f.Payload[0] > 0, f.Payload[0], true
	case OpStateReport:
		if len(f.Payload) != 2 {
			return false, 0, false
		}
		return f.Payload[0] != 0, f.Payload[1], true
	}
	return false, 0, false
}

// Time returns the mesh wall-clock time carried by TimeResponse and TimeSet
// frames, interpreted in loc.
func (f Frame) Time(loc *time.Location) (time.Time, bool) {
	if f.Opcode != OpTimeResponse && f.Opcode != OpTimeSet {
		return time.Time{}, false
	}
	var secs int64
	switch len(f.Payload) {
	case 4:
		secs = int64(binary.LittleEndian.Uint32(f.Payload))
	case 8:
		secs = int64(binary.LittleEndian.Uint64(f.Payload))
	default:
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.UTC
	}
	wall := time.Unix(secs, 0).UTC()
	return time.Date(wall.Year(), wall.Month(), wall.Day(), wall.Hour(), wall.Minute(), wall.Second(), 0, loc), true
}

// Button returns the button index and action of a ButtonEvent frame.
func (f Frame) Button() (button, action uint8, ok bool) {
	if f.Opcode != OpButtonEvent || len(f.Payload) != 2 {
		return 0, 0, false
	}
	return f.Payload[0], f.Payload[1], true
}

// encodeTime writes the wall clock of t as seconds since the epoch. Values
// that fit in 32 bits use the short form.
func encodeTime(t time.Time) []byte {
	wall := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC).Unix()
	if wall >= 0 && wall <= 0xFFFFFFFF {
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(wall))
		return buf
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(wall))
	return buf
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func clampLevel(level uint8) uint8 {
	if level > MaxLevel {
		return MaxLevel
	}
	return level
}
