package comm

import (
	"errors"
	"fmt"
	"time"
)

// Usage errors returned by Handle methods. They are wrapped with the
// offending address or rank; test with errors.Is.
var (
	// ErrAborted means the communicator was torn down before the call.
	ErrAborted = errors.New("communicator aborted")
	// ErrSegmentRegistered means the address already holds a registration.
	ErrSegmentRegistered = errors.New("segment already registered")
	// ErrSegmentNotRegistered means the address holds no registration.
	ErrSegmentNotRegistered = errors.New("segment not registered")
)

// TimeoutError means a poll loop on a nonblocking resource exceeded its
// deadline while the native library still reported the call in progress.
type TimeoutError struct {
	Op      string
	Elapsed time.Duration
	Limit   time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %.3fs, limit %.3fs",
		e.Op, e.Elapsed.Seconds(), e.Limit.Seconds())
}
