// Package watchdog monitors communicator health.
//
// A Monitor periodically polls every tracked handle for asynchronous
// errors and scans the flight recorder for collectives that outlived
// their timeout. The first observation of either triggers one diagnostic
// dump through the sink registry; optionally the monitor also aborts the
// failed communicator.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"commkit/internal/backend"
	"commkit/internal/comm"
	"commkit/internal/flight"
	"commkit/internal/sink"
)

// DefaultDumpTimeout bounds one diagnostic dump collection when the options
// carry no explicit value.
const DefaultDumpTimeout = time.Minute

// Options configures a Monitor.
type Options struct {
	// Interval is the poll period. Zero selects one second.
	Interval time.Duration
	// AbortOnError tears a communicator down once a fatal async error is
	// seen on it.
	AbortOnError bool
	// DumpTimeout bounds one diagnostic dump collection.
	DumpTimeout time.Duration
	// Rank names the default dump sink when none was registered.
	Rank int
}

// Fault describes one communicator found in a fatal state.
type Fault struct {
	Comm   string
	Rank   int
	Code   backend.Code
	Reason string
}

// Monitor polls communicator health and drives diagnostic dumps. A monitor
// runs one background goroutine between Start and Stop; a stopped monitor
// cannot be restarted.
type Monitor struct {
	opts     Options
	recorder *flight.Recorder
	sinks    *sink.Registry

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
	dumped  bool
	mu      sync.Mutex
	handles map[string]*comm.Handle
}

// New constructs a monitor over the given recorder and sink registry.
// Either may be nil; health polling still runs, diagnostics degrade to
// whatever is attached.
func New(recorder *flight.Recorder, sinks *sink.Registry, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.DumpTimeout <= 0 {
		opts.DumpTimeout = DefaultDumpTimeout
	}
	return &Monitor{
		opts:     opts,
		recorder: recorder,
		sinks:    sinks,
		stopCh:   make(chan struct{}),
		handles:  make(map[string]*comm.Handle),
	}
}

// Track adds h to the monitored set. Tracking the same handle again is a
// no-op.
func (m *Monitor) Track(h *comm.Handle) {
	if m == nil || h == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handles[h.String()] = h
}

// Untrack removes h from the monitored set.
func (m *Monitor) Untrack(h *comm.Handle) {
	if m == nil || h == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handles, h.String())
}

// Tracked returns the number of monitored handles.
func (m *Monitor) Tracked() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// Start launches the poll goroutine. Starting an already running monitor is
// a no-op.
func (m *Monitor) Start() {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run()
	slog.Info("watchdog started",
		"interval", m.opts.Interval, "abort_on_error", m.opts.AbortOnError)
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.tick()
		case <-m.stopCh:
			return
		}
	}
}

// Stop halts the poll goroutine and waits for it to finish.
func (m *Monitor) Stop() {
	if m == nil {
		return
	}
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) tick() {
	now := time.Now()
	faults := m.CheckOnce()
	stalled := m.StalledEntries(now)
	for i := range stalled {
		e := &stalled[i]
		slog.Warn("collective exceeded its timeout",
			"record_id", e.ID, "group", e.Group.Name, "seq", e.CollectiveSeq,
			"profiling_name", e.ProfilingName, "state", e.State(),
			"age", now.Sub(e.TimeCreated))
	}
	if len(faults) == 0 && len(stalled) == 0 {
		return
	}
	if !m.armDump() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.DumpTimeout)
	defer cancel()
	if _, err := m.DumpNow(ctx); err != nil {
		slog.Error("diagnostic dump failed", "error", err)
	}
}

// armDump consumes the one automatic dump the monitor performs. Operators
// can still call DumpNow directly as often as they like.
func (m *Monitor) armDump() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dumped {
		return false
	}
	m.dumped = true
	return true
}

// CheckOnce polls every tracked live handle for an asynchronous error and
// returns the faults found. With AbortOnError set, each failed communicator
// is aborted before this returns.
func (m *Monitor) CheckOnce() []Fault {
	if m == nil {
		return nil
	}
	var faults []Fault
	for _, h := range m.snapshot() {
		if h.IsAborted() {
			continue
		}
		code := h.CheckAsyncError()
		if code.Class() != backend.ClassFatal {
			continue
		}
		desc := backend.Describe(code, h.Version())
		reason := h.FailureReason()
		slog.Error("communicator failed",
			"comm", h.String(), "rank", h.Rank(),
			"error", desc, "detail", backend.Detail(code, reason))
		faults = append(faults, Fault{Comm: h.String(), Rank: h.Rank(), Code: code, Reason: reason})
		if m.opts.AbortOnError {
			if err := h.Abort(desc); err != nil {
				slog.Error("failed to abort communicator", "comm", h.String(), "error", err)
			}
		}
	}
	return faults
}

// StalledEntries returns the non-retired records whose configured timeout
// elapsed without a completion being discovered, as of now.
func (m *Monitor) StalledEntries(now time.Time) []flight.Entry {
	if m == nil || !m.recorder.Enabled() {
		return nil
	}
	var out []flight.Entry
	for _, e := range m.recorder.DumpEntries() {
		if e.Retired || e.Timeout <= 0 {
			continue
		}
		if e.State() == flight.StateCompleted {
			continue
		}
		if now.Sub(e.TimeCreated) > e.Timeout {
			out = append(out, e)
		}
	}
	return out
}

// DumpNow collects every tracked communicator's native state, renders the
// flight-recorder document around it, and persists it through the sink
// registry when one is attached. Returns the rendered payload.
func (m *Monitor) DumpNow(ctx context.Context) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	handles := m.snapshot()
	states := make([]map[string]string, len(handles))

	if len(handles) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(min(runtime.GOMAXPROCS(0), len(handles)))
		for i, h := range handles {
			i, h := i, h
			g.Go(func() error {
				select {
				case <-gctx.Done():
					return gctx.Err()
				default:
				}
				st, err := h.StateDump()
				if err != nil {
					// Best effort: a handle that cannot report still must
					// not block the dump for the rest of the group.
					slog.Warn("failed to collect communicator state",
						"comm", h.String(), "error", err)
					return nil
				}
				states[i] = st
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, fmt.Errorf("failed to collect communicator states: %w", err)
		}
	}

	commState := make(map[string]map[string]string, len(handles))
	for i, h := range handles {
		if len(states[i]) > 0 {
			commState[h.String()] = states[i]
		}
	}

	payload, err := m.recorder.Dump(commState, true, true, false)
	if err != nil {
		return nil, fmt.Errorf("failed to render diagnostic dump: %w", err)
	}
	if m.sinks != nil {
		s := m.sinks.Get(m.opts.Rank)
		if err := s.Write(payload); err != nil {
			return nil, fmt.Errorf("failed to persist diagnostic dump: %w", err)
		}
		slog.Info("diagnostic dump persisted", "target", s.Target(), "communicators", len(commState))
	}
	return payload, nil
}

func (m *Monitor) snapshot() []*comm.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*comm.Handle, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, h)
	}
	return out
}
