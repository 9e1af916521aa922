package protocol

import "fmt"

// DecodeErrorKind classifies frame decode failures.
type DecodeErrorKind int

const (
	// Truncated means the frame was too short or its payload did not match
	// the length required by its opcode.
	Truncated DecodeErrorKind = iota
	// UnknownOpcode means the frame parsed but its opcode is not supported.
	UnknownOpcode
)

func (k DecodeErrorKind) String() string {
	switch k {
	case Truncated:
		return "truncated"
	case UnknownOpcode:
		return "unknown opcode"
	}
	return "unknown"
}

// DecodeError is returned by Decode.
type DecodeError struct {
	Kind   DecodeErrorKind
	Opcode Opcode
	Len    int
}

func (e *DecodeError) Error() string {
	if e.Kind == UnknownOpcode {
		return fmt.Sprintf("protocol: unknown opcode 0x%02x (%d bytes)", uint8(e.Opcode), e.Len)
	}
	return fmt.Sprintf("protocol: truncated frame (%d bytes)", e.Len)
}

// Is lets errors.Is match any DecodeError of the same kind.
func (e *DecodeError) Is(target error) bool {
	t, ok := target.(*DecodeError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels usable with errors.Is.
var (
	ErrTruncated     = &DecodeError{Kind: Truncated}
	ErrUnknownOpcode = &DecodeError{Kind: UnknownOpcode}
)
