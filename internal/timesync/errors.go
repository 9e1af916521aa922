package timesync

import "fmt"

// ErrorKind classifies a failed sync cycle.
type ErrorKind int

const (
	// Timeout means the mesh did not answer the time request in time.
	Timeout ErrorKind = iota
	// Unavailable means the request could not be sent, for example while
	// the mesh is disconnected.
	Unavailable
	// SetFailed means drift was detected but the correction was not accepted.
	SetFailed
)

func (k ErrorKind) String() string {
	switch k {
	case Timeout:
		return "timeout"
	case Unavailable:
		return "unavailable"
	case SetFailed:
		return "set failed"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error reports a skipped sync cycle. It is never fatal.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("timesync: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
