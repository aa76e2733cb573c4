package linestream

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned by New for a missing callback or stage,
	// or an unknown string encoding.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrTransformCallback matches every *CallbackError via errors.Is.
	ErrTransformCallback = errors.New("transform callback failed")

	// ErrClosed is returned when a stage is used after End.
	ErrClosed = errors.New("stream already ended")
)

// CallbackError reports a callback failure for one line of a stream.
type CallbackError struct {
	// Line is the 1-based position of the failing line in the stream.
	Line uint64
	// Text is the line content passed to the callback.
	Text string
	// Err is the error returned (or panic recovered) from the callback.
	Err error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("%v at line %d: %v", ErrTransformCallback, e.Line, e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrTransformCallback.
func (e *CallbackError) Is(target error) bool {
	return target == ErrTransformCallback
}
