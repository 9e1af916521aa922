package ble

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Send when no authenticated session exists.
	ErrNotConnected = errors.New("ble: not connected to mesh")

	// ErrWriteTimeout is returned when a queued write is not acknowledged in time.
	ErrWriteTimeout = errors.New("ble: write timed out")

	// ErrWriteAborted is returned to writes discarded because the connection
	// dropped. It matches ErrWriteTimeout under errors.Is.
	ErrWriteAborted = fmt.Errorf("%w: connection lost", ErrWriteTimeout)

	// ErrQueueFull is returned when the write queue is at capacity.
	ErrQueueFull = errors.New("ble: write queue full")

	// ErrDisconnected is recorded when the transport reports a dropped link.
	ErrDisconnected = errors.New("ble: peripheral disconnected")

	// ErrNoCandidates means a scan found no peripheral from the site.
	ErrNoCandidates = errors.New("ble: no known mesh device in range")

	// ErrRetriesExhausted is recorded when the machine enters Failed.
	ErrRetriesExhausted = errors.New("ble: reconnect retries exhausted")

	// ErrInvalidMeshKey is a fatal startup error.
	ErrInvalidMeshKey = errors.New("ble: mesh key must be 16 bytes")
)

// ConnectionErrorKind separates retryable failures from fatal ones.
type ConnectionErrorKind int

const (
	Transient ConnectionErrorKind = iota
	Fatal
)

func (k ConnectionErrorKind) String() string {
	if k == Fatal {
		return "fatal"
	}
	return "transient"
}

// ConnectionError reports a scan, connect or discovery failure.
type ConnectionError struct {
	Kind ConnectionErrorKind
	Op   string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("ble: %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthErrorKind classifies authentication failures.
type AuthErrorKind int

const (
	// InvalidKey means the mesh rejected the challenge response.
	InvalidKey AuthErrorKind = iota
	// AuthTimeout means a step of the handshake was not answered in time.
	AuthTimeout
)

func (k AuthErrorKind) String() string {
	if k == InvalidKey {
		return "invalid key"
	}
	return "timeout"
}

// AuthenticationError reports a failed mesh handshake.
type AuthenticationError struct {
	Kind AuthErrorKind
	Err  error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("ble: authentication failed (%s): %v", e.Kind, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }
