package flight

import "sync"

// GroupStatus tracks the last known progress of one group. The issuing side
// updates it as operations move through their lifecycle; the recorder keeps
// a reference for dump documents. Sequence numbers start at -1 meaning no
// operation has reached that stage yet.
type GroupStatus struct {
	mu sync.Mutex

	lastEnqueuedSeq  int64
	lastStartedSeq   int64
	lastCompletedSeq int64

	lastEnqueuedName  string
	lastStartedName   string
	lastCompletedName string

	lastEnqueuedNumelIn  int64
	lastEnqueuedNumelOut int64

	lastCompletedNumelIn  int64
	lastCompletedNumelOut int64
}

// NewGroupStatus returns a status with every stage unobserved.
func NewGroupStatus() *GroupStatus {
	return &GroupStatus{
		lastEnqueuedSeq:  -1,
		lastStartedSeq:   -1,
		lastCompletedSeq: -1,
	}
}

// OnEnqueued records that the operation with seq was queued for launch.
func (s *GroupStatus) OnEnqueued(seq int64, name string, numelIn, numelOut int64) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastEnqueuedSeq = seq
	s.lastEnqueuedName = name
	s.lastEnqueuedNumelIn = numelIn
	s.lastEnqueuedNumelOut = numelOut
}

// OnStarted records that the operation with seq began executing.
func (s *GroupStatus) OnStarted(seq int64, name string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastStartedSeq = seq
	s.lastStartedName = name
}

// OnCompleted records that the operation with seq finished.
func (s *GroupStatus) OnCompleted(seq int64, name string, numelIn, numelOut int64) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCompletedSeq = seq
	s.lastCompletedName = name
	s.lastCompletedNumelIn = numelIn
	s.lastCompletedNumelOut = numelOut
}

// StatusSnapshot is a point-in-time copy of a GroupStatus.
type StatusSnapshot struct {
	LastEnqueuedSeq  int64
	LastStartedSeq   int64
	LastCompletedSeq int64

	LastEnqueuedName  string
	LastStartedName   string
	LastCompletedName string

	LastEnqueuedNumelIn  int64
	LastEnqueuedNumelOut int64

	LastCompletedNumelIn  int64
	LastCompletedNumelOut int64
}

// Snapshot returns a consistent copy of the current status.
func (s *GroupStatus) Snapshot() StatusSnapshot {
	if s == nil {
		return StatusSnapshot{LastEnqueuedSeq: -1, LastStartedSeq: -1, LastCompletedSeq: -1}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatusSnapshot{
		LastEnqueuedSeq:       s.lastEnqueuedSeq,
		LastStartedSeq:        s.lastStartedSeq,
		LastCompletedSeq:      s.lastCompletedSeq,
		LastEnqueuedName:      s.lastEnqueuedName,
		LastStartedName:       s.lastStartedName,
		LastCompletedName:     s.lastCompletedName,
		LastEnqueuedNumelIn:   s.lastEnqueuedNumelIn,
		LastEnqueuedNumelOut:  s.lastEnqueuedNumelOut,
		LastCompletedNumelIn:  s.lastCompletedNumelIn,
		LastCompletedNumelOut: s.lastCompletedNumelOut,
	}
}
