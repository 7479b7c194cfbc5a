package backend

import "fmt"

// Error is a fatal result from a native library call. It keeps the raw code
// so callers can branch on it with errors.As.
type Error struct {
	Code    Code
	Op      string // the native call that failed
	Version string // library version, for the diagnostic message
	Reason  string // optional caller-supplied failure reason
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("collective backend error in %s: %s", e.Op, Describe(e.Code, e.Version))
	if detail := Detail(e.Code, e.Reason); detail != "" {
		msg += "\n" + detail
	}
	return msg
}

// Errf builds an Error for a failed native call.
func Errf(op string, code Code, version, reason string) *Error {
	return &Error{Code: code, Op: op, Version: version, Reason: reason}
}
