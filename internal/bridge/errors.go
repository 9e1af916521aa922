package bridge

import "errors"

var (
	// ErrBadCommand is returned for set payloads that cannot be parsed.
	ErrBadCommand = errors.New("bridge: malformed command")

	// ErrBadTopic is returned for set topics that do not name a device.
	ErrBadTopic = errors.New("bridge: topic does not name a device")
)
