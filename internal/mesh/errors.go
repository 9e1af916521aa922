package mesh

import (
	"errors"
	"fmt"

	"github.com/chaz8081/plejd-mqtt/internal/ble/protocol"
)

var (
	// ErrInvalidMeshKey is returned when the mesh key is not 16 bytes.
	ErrInvalidMeshKey = errors.New("mesh: mesh key must be 16 bytes")

	// ErrDuplicateID is returned when two devices share a mesh id.
	ErrDuplicateID = errors.New("mesh: duplicate device id")

	// ErrUnknownDevice is returned for commands to ids not in the registry.
	ErrUnknownDevice = errors.New("mesh: unknown device")

	// ErrUnsupportedCommand is returned for opcodes a device cannot accept.
	ErrUnsupportedCommand = errors.New("mesh: unsupported command")

	// ErrSessionCorrupt is the reconnect reason used when too many frames
	// fail to decode.
	ErrSessionCorrupt = errors.New("mesh: decode failure rate exceeded")

	// ErrCommandTimeout matches every CommandTimeoutError.
	ErrCommandTimeout = errors.New("mesh: command timed out")

	// ErrNoTimeDevice means no device in the registry can answer time requests.
	ErrNoTimeDevice = errors.New("mesh: no device available for time sync")
)

// CommandTimeoutError is returned to the caller of a command that was not
// acknowledged before its deadline. The connection is left alone.
type CommandTimeoutError struct {
	DeviceID uint16
	Opcode   protocol.Opcode
	Err      error
}

func (e *CommandTimeoutError) Error() string {
	return fmt.Sprintf("mesh: %s to device %d timed out: %v", e.Opcode, e.DeviceID, e.Err)
}

func (e *CommandTimeoutError) Unwrap() []error { return []error{ErrCommandTimeout, e.Err} }
