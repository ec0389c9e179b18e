package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrTruncated is returned when a frame ends in the middle of a value.
	ErrTruncated = errors.New("unexpected end of message")
	// ErrOverflow is returned for varints that do not fit in 64 bits.
	ErrOverflow = errors.New("varint overflows uint64")
	// ErrInvalidUTF8 is returned for strings that are not valid UTF-8.
	ErrInvalidUTF8 = errors.New("string is not valid utf-8")
	// ErrUnknownMessageType is returned for tags outside the wire contract.
	ErrUnknownMessageType = errors.New("unknown message type")
)

// ProtocolError describes a frame that could not be decoded.
type ProtocolError struct {
	Op  string
	Err error
}

func newProtocolError(op string, err error) *ProtocolError {
	return &ProtocolError{Op: op, Err: err}
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsProtocolError reports whether err (or anything it wraps) is a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
