package flight

import (
	"fmt"
	"strings"
	"time"
)

// GroupName identifies a logical group by its name and human description.
type GroupName struct {
	Name string
	Desc string
}

// TensorDesc summarizes the shape and element type of one tensor argument.
// Descriptions are stored by value so a trace entry never keeps the tensor
// itself alive.
type TensorDesc struct {
	Dims  []int64
	DType string
}

// Numel returns the element count implied by Dims.
func (d TensorDesc) Numel() int64 {
	n := int64(1)
	for _, dim := range d.Dims {
		n *= dim
	}
	return n
}

// Entry states as they appear in dump documents.
const (
	StateScheduled = "scheduled"
	StateStarted   = "started"
	StateCompleted = "completed"
)

// Entry is one recorded operation. The recorder hands out copies; copies
// never carry marker references.
type Entry struct {
	// ID is unique and strictly increasing for the process lifetime. Its
	// slot in the ring is ID modulo capacity.
	ID      uint64
	GroupID uint64
	Group   GroupName

	// CollectiveSeq increments once per true collective across the group,
	// P2PSeq once per point-to-point operation, OpID once per logical
	// operation inside a coalesced launch.
	CollectiveSeq uint64
	P2PSeq        uint64
	OpID          uint64

	ProfilingName string

	Inputs  []TensorDesc
	Outputs []TensorDesc
	// Sizes holds every input dimension followed by every output dimension.
	Sizes []int64

	// TimeCreated is close to the time the operation was enqueued, not
	// necessarily started.
	TimeCreated time.Time
	Timeout     time.Duration

	// Duration is valid only when HasDuration is set.
	Duration    time.Duration
	HasDuration bool

	// Discovery stamps are written by whichever thread notices the state
	// change, so they always trail the actual event. Zero means unset.
	TimeDiscoveredStarted   time.Time
	TimeDiscoveredCompleted time.Time

	IsP2P bool
	// Retired means the entry left the live-work list. A retired entry that
	// never completed has timed out.
	Retired bool

	start Marker
	end   Marker
	stack []uintptr
}

// State derives the lifecycle state from the discovery stamps.
func (e *Entry) State() string {
	switch {
	case !e.TimeDiscoveredCompleted.IsZero():
		return StateCompleted
	case !e.TimeDiscoveredStarted.IsZero():
		return StateStarted
	default:
		return StateScheduled
	}
}

// Frames symbolizes the call stack captured at record time. Empty when
// stack capture was disabled.
func (e *Entry) Frames() []Frame {
	return symbolize(e.stack)
}

// Traceback renders the captured call stack, one frame per line.
func (e *Entry) Traceback() string {
	frames := e.Frames()
	if len(frames) == 0 {
		return ""
	}
	var b strings.Builder
	for _, f := range frames {
		fmt.Fprintf(&b, "%s at %s:%d\n", f.Name, f.Filename, f.Line)
	}
	return b.String()
}
