package flight

import "runtime"

// maxStackDepth bounds the program counters kept per entry.
const maxStackDepth = 64

// Frame is one symbolized call-stack frame.
type Frame struct {
	Name     string `json:"name" msgpack:"name"`
	Filename string `json:"filename" msgpack:"filename"`
	Line     int    `json:"line" msgpack:"line"`
}

// captureStack collects raw program counters for the current goroutine,
// skipping skip frames above this function. Symbolization is deferred to
// dump time so the record path stays cheap.
func captureStack(skip int) []uintptr {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return nil
	}
	return pcs[:n]
}

// symbolize resolves program counters into frames.
func symbolize(pcs []uintptr) []Frame {
	if len(pcs) == 0 {
		return nil
	}
	out := make([]Frame, 0, len(pcs))
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if fr.Function != "" || fr.File != "" {
			out = append(out, Frame{Name: fr.Function, Filename: fr.File, Line: fr.Line})
		}
		if !more {
			break
		}
	}
	return out
}
