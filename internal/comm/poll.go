package comm

import (
	"runtime"
	"time"

	"commkit/internal/backend"
)

// busyWaitInterval is the nap between polls when the sleeping strategy is
// selected. Initialization takes long enough that spinning on it would burn
// a core for nothing.
const busyWaitInterval = 2 * time.Millisecond

// pollUntil drives poll until it stops reporting InProgress or the deadline
// passes. With sleep set the loop naps busyWaitInterval between polls,
// otherwise it yields the processor and re-checks immediately. The terminal
// code is returned as observed; classifying it is the caller's business.
func pollUntil(op string, timeout time.Duration, sleep bool, poll func() backend.Code) (backend.Code, error) {
	if poll == nil {
		return backend.InternalError, nil
	}
	start := time.Now()
	code := poll()
	for code == backend.InProgress {
		if elapsed := time.Since(start); elapsed > timeout {
			return code, &TimeoutError{Op: op, Elapsed: elapsed, Limit: timeout}
		}
		if sleep {
			time.Sleep(busyWaitInterval)
		} else {
			runtime.Gosched()
		}
		code = poll()
	}
	return code, nil
}
