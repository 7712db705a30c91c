package reconstruction

import (
	"errors"
	"fmt"
)

var (
	// ErrShapeMismatch is returned when a projection's shape does not match
	// the configured detector.
	ErrShapeMismatch = errors.New("projection shape does not match geometry")

	// ErrIndexOutOfRange is returned for projection indices outside the
	// configured dark, flat or scan range.
	ErrIndexOutOfRange = errors.New("projection index out of range")
)

// ServerError is a configuration error caused by the data a client sent.
// It is fatal to the call that raised it but not to the stream; the network
// layer reports it back to the sender.
type ServerError struct {
	// Op names the rejected operation
	Op string
	// Err is the underlying cause, usually one of the sentinel errors
	Err error
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServerError) Unwrap() error {
	return e.Err
}

func serverError(op string, format string, args ...any) error {
	return &ServerError{Op: op, Err: fmt.Errorf(format, args...)}
}
