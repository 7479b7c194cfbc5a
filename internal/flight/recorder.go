// Package flight implements a bounded flight recorder for collective
// operations.
//
// The recorder keeps a fixed-capacity ring of operation records keyed by a
// strictly increasing id. Issuing threads append records and a watchdog
// thread updates, retires, and dumps them; every touch of the ring happens
// under one mutex held only briefly, so the issuing path never stalls
// behind diagnostics.
package flight

import (
	"fmt"
	"sync"
	"time"

	"fortio.org/safecast"
)

// Config fixes a Recorder's behavior at construction. A recorder is never
// reconfigured afterwards.
type Config struct {
	// Capacity bounds the ring; 0 disables recording entirely.
	Capacity int
	// CaptureStack captures a call stack for every recorded operation.
	CaptureStack bool
	// EnableTiming computes operation durations from the timing markers.
	EnableTiming bool
}

// Op describes one operation being recorded.
type Op struct {
	GroupID uint64
	Group   GroupName

	CollectiveSeq uint64
	P2PSeq        uint64
	OpID          uint64

	ProfilingName string

	Inputs  []TensorDesc
	Outputs []TensorDesc

	// Start and End are borrowed from the issuing operation; the recorder
	// drops them once the operation retires.
	Start Marker
	End   Marker

	Timeout time.Duration
	Status  *GroupStatus
	IsP2P   bool
}

// Recorder is the process's collective flight recorder. Construct one with
// New and share it; all methods are safe for concurrent use.
type Recorder struct {
	capacity     int
	captureStack bool
	enableTiming bool

	mu      sync.Mutex
	entries []Entry
	next    int
	nextID  uint64
	status  map[uint64]*GroupStatus
	ranks   map[GroupName][]uint64
}

// New constructs a Recorder from cfg.
func New(cfg Config) *Recorder {
	if cfg.Capacity < 0 {
		cfg.Capacity = 0
	}
	return &Recorder{
		capacity:     cfg.Capacity,
		captureStack: cfg.CaptureStack,
		enableTiming: cfg.EnableTiming,
		status:       make(map[uint64]*GroupStatus),
		ranks:        make(map[GroupName][]uint64),
	}
}

// Enabled reports whether the recorder accepts records.
func (r *Recorder) Enabled() bool {
	return r != nil && r.capacity > 0
}

// Capacity returns the configured ring capacity.
func (r *Recorder) Capacity() int {
	if r == nil {
		return 0
	}
	return r.capacity
}

// Record appends op to the ring and returns its id, overwriting the oldest
// entry once the ring has wrapped. Returns false without recording when the
// recorder is disabled. Ids are strictly increasing in lock acquisition
// order.
func (r *Recorder) Record(op Op) (uint64, bool) {
	if !r.Enabled() {
		return 0, false
	}
	// Stack capture walks the whole goroutine stack; keep it off the lock.
	var stack []uintptr
	if r.captureStack {
		stack = captureStack(1)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e := Entry{
		ID:            r.nextID,
		GroupID:       op.GroupID,
		Group:         op.Group,
		CollectiveSeq: op.CollectiveSeq,
		P2PSeq:        op.P2PSeq,
		OpID:          op.OpID,
		ProfilingName: op.ProfilingName,
		Inputs:        cloneDescs(op.Inputs),
		Outputs:       cloneDescs(op.Outputs),
		TimeCreated:   time.Now(),
		Timeout:       op.Timeout,
		IsP2P:         op.IsP2P,
		start:         op.Start,
		end:           op.End,
		stack:         stack,
	}
	for _, d := range e.Inputs {
		e.Sizes = append(e.Sizes, d.Dims...)
	}
	for _, d := range e.Outputs {
		e.Sizes = append(e.Sizes, d.Dims...)
	}

	if op.Status != nil {
		if _, ok := r.status[op.GroupID]; !ok {
			r.status[op.GroupID] = op.Status
		}
	}

	if len(r.entries) < r.capacity {
		r.entries = append(r.entries, e)
	} else {
		r.entries[r.next] = e
		r.next++
		if r.next == r.capacity {
			r.next = 0
		}
	}
	id := r.nextID
	r.nextID++
	return id, true
}

// RecordGroupRanks associates the participant ranks with a group name.
// Re-recording a name replaces the previous list.
func (r *Recorder) RecordGroupRanks(name GroupName, ranks []uint64) {
	if !r.Enabled() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ranks[name] = cloneRanks(ranks)
}

// Entry returns a copy of the record with the given id if its slot has not
// been overwritten by ring wraparound. The copy carries no marker
// references.
func (r *Recorder) Entry(id uint64) (Entry, bool) {
	if !r.Enabled() {
		return Entry{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.slotLocked(id)
	if !ok {
		return Entry{}, false
	}
	cp := *e
	cp.start, cp.end = nil, nil
	return cp, true
}

// UpdateState refreshes the discovery stamps of the entry with the given id
// from its borrowed markers. Reports whether the entry is still present.
func (r *Recorder) UpdateState(id uint64) bool {
	if !r.Enabled() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.slotLocked(id)
	if !ok {
		return false
	}
	r.updateState(e, true)
	return true
}

// RetireID marks the entry as no longer tracked by the live-work list,
// capturing final timing first when computeDuration is set, and drops the
// borrowed marker references since their storage is about to be released by
// the issuing side. All other fields stay intact for later dumping. Called
// from the watchdog thread; a stale id is ignored.
func (r *Recorder) RetireID(id uint64, computeDuration bool) {
	if !r.Enabled() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.slotLocked(id)
	if !ok {
		return
	}
	r.updateState(e, computeDuration)
	e.Retired = true
	e.start, e.end = nil, nil
}

// DumpEntries returns a snapshot of every record currently held, oldest
// first. The ring is locked only for the copy; marker queries run on the
// copies afterwards, and the copies carry no marker references.
func (r *Recorder) DumpEntries() []Entry {
	if !r.Enabled() {
		return nil
	}
	r.mu.Lock()
	out := make([]Entry, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	out = append(out, r.entries[:r.next]...)
	r.mu.Unlock()

	for i := range out {
		r.updateState(&out[i], true)
		out[i].start, out[i].end = nil, nil
	}
	return out
}

// updateState stamps the discovery times from the borrowed markers. Both
// stamps are written at most once, so repeated calls are idempotent. The
// caller holds the lock when e is a live ring entry; snapshot copies are
// updated without it.
func (r *Recorder) updateState(e *Entry, wantDuration bool) {
	if e.end != nil && e.end.Ready() {
		if e.TimeDiscoveredCompleted.IsZero() {
			e.TimeDiscoveredCompleted = time.Now()
		}
		if wantDuration && r.enableTiming && !e.HasDuration {
			if d, ok := Duration(e.start, e.end); ok {
				e.Duration = d
				e.HasDuration = true
			}
		}
		return
	}
	if e.start != nil && e.start.Ready() && e.TimeDiscoveredStarted.IsZero() {
		e.TimeDiscoveredStarted = time.Now()
	}
}

// slotLocked resolves id to its live ring entry, or reports that the slot
// has moved on to a newer record.
func (r *Recorder) slotLocked(id uint64) (*Entry, bool) {
	if len(r.entries) == 0 {
		return nil, false
	}
	slot, err := safecast.Conv[int](id % uint64(r.capacity))
	if err != nil {
		panic(fmt.Errorf("ring slot overflow: %w", err))
	}
	if slot >= len(r.entries) {
		return nil, false
	}
	e := &r.entries[slot]
	if e.ID != id {
		return nil, false
	}
	return e, true
}

func cloneDescs(in []TensorDesc) []TensorDesc {
	if len(in) == 0 {
		return nil
	}
	out := make([]TensorDesc, len(in))
	for i, d := range in {
		dims := make([]int64, len(d.Dims))
		copy(dims, d.Dims)
		out[i] = TensorDesc{Dims: dims, DType: d.DType}
	}
	return out
}

func cloneRanks(in []uint64) []uint64 {
	if len(in) == 0 {
		return nil
	}
	out := make([]uint64, len(in))
	copy(out, in)
	return out
}
