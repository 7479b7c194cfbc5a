package backend

// Code is a result code returned by the native collective library.
type Code int

const (
	// Success means the call completed.
	Success Code = iota
	// DeviceError means a call into the accelerator runtime failed.
	DeviceError
	// SystemError means a system call or external library call failed.
	SystemError
	// InternalError means an internal library check failed.
	InternalError
	// InvalidArgument means a value passed to the library was invalid.
	InvalidArgument
	// InvalidUsage means the library API was misused.
	InvalidUsage
	// RemoteError means a remote peer failed or disconnected.
	RemoteError
	// InProgress means a nonblocking call has not completed yet.
	InProgress
)

// String returns the string representation of Code.
func (c Code) String() string {
	switch c {
	case Success:
		return "success"
	case DeviceError:
		return "unhandled device error"
	case SystemError:
		return "system error"
	case InternalError:
		return "internal error"
	case InvalidArgument:
		return "invalid argument"
	case InvalidUsage:
		return "invalid usage"
	case RemoteError:
		return "remote error"
	case InProgress:
		return "in progress"
	default:
		return "unknown error"
	}
}

// Class buckets codes by how callers should react to them.
type Class uint8

const (
	// ClassSuccess means the operation completed and no action is needed.
	ClassSuccess Class = iota + 1
	// ClassInProgress means the operation is still pending and should be polled.
	ClassInProgress
	// ClassFatal means the operation failed and the communicator is suspect.
	ClassFatal
)

// String returns the string representation of Class.
func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassInProgress:
		return "in-progress"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Class maps a result code onto the success / in-progress / fatal taxonomy.
func (c Code) Class() Class {
	switch c {
	case Success:
		return ClassSuccess
	case InProgress:
		return ClassInProgress
	default:
		return ClassFatal
	}
}

// Describe renders a code together with the library version that produced it.
func Describe(c Code, version string) string {
	return c.String() + ", library version " + version
}

// Detail expands a code into a human-oriented hint about its likely cause.
// A non-empty failureReason supplied by the caller takes priority over the
// generic interpretation, since the caller usually knows more (for example
// that an operation timed out).
func Detail(c Code, failureReason string) string {
	if failureReason != "" {
		return failureReason
	}
	switch c {
	case DeviceError:
		return "a call into the accelerator runtime failed"
	case SystemError:
		return "a system call (e.g. socket, malloc) or external library call failed, or the device is unhealthy; this can also be caused by an unexpected exit of a remote peer"
	case InternalError:
		return "an internal library check failed"
	case InvalidArgument:
		return "an invalid value was passed for an argument"
	case InvalidUsage:
		return "this usually reflects invalid usage of the collective library"
	case RemoteError:
		return "a call failed, possibly due to a network error or a remote process exiting prematurely"
	case Success, InProgress:
		return ""
	default:
		return "unknown collective library error"
	}
}
