// Package comm manages communicator handles over a native collective
// library.
//
// A Handle owns exactly one participant's resource within one group and
// serializes all access to it behind its own lock. The resource is never
// touched again once the handle is aborted; nonblocking resources are
// polled to readiness lazily, the first time something needs them.
package comm

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"commkit/internal/backend"
)

// DefaultWaitTimeout bounds poll loops on nonblocking resources when the
// options carry no explicit timeout.
const DefaultWaitTimeout = 30 * time.Minute

// Options configures handle creation and splitting.
type Options struct {
	// Blocking selects the classic mode where native creation and teardown
	// calls return only once complete.
	Blocking bool
	// WaitTimeout bounds every poll loop on the handle. Zero selects
	// DefaultWaitTimeout.
	WaitTimeout time.Duration
}

func (o Options) waitTimeout() time.Duration {
	if o.WaitTimeout > 0 {
		return o.WaitTimeout
	}
	return DefaultWaitTimeout
}

// Handle owns one participant's communicator resource. All methods are safe
// for concurrent use; every accessor that touches mutable state locks the
// handle, and internal helpers suffixed Locked require the lock to be held.
type Handle struct {
	mu sync.Mutex

	backend backend.Backend
	res     backend.Resource // nil once the resource is released

	id     backend.UniqueID
	rank   int
	nranks int
	device int

	nonBlocking bool
	initialized bool
	aborted     bool
	finalized   bool

	asyncErr      backend.Code
	failureReason string
	splitCount    uint64
	waitTimeout   time.Duration

	// segments maps registered address to its registration token. Address
	// ranges are assumed disjoint; that is the allocator's contract, not
	// checked here.
	segments map[uintptr]backend.SegmentToken

	peers []uint64
}

// Create joins rank to the group identified by id in blocking mode. The
// returned handle is initialized and usable immediately.
func Create(b backend.Backend, nranks, rank int, id backend.UniqueID, device int) (*Handle, error) {
	return CreateWithConfig(b, nranks, rank, id, device, Options{Blocking: true})
}

// CreateWithConfig joins rank to the group identified by id. In nonblocking
// mode the native call may still be in flight when this returns; the handle
// reports IsInitialized false until a later accessor finds the resource
// ready.
func CreateWithConfig(b backend.Backend, nranks, rank int, id backend.UniqueID, device int, opts Options) (*Handle, error) {
	if b == nil {
		return nil, fmt.Errorf("create communicator: nil backend")
	}
	if !opts.Blocking && !b.Features().Has(backend.FeatureNonblocking) {
		return nil, backend.Errf("create communicator", backend.InvalidUsage, b.Version(),
			"nonblocking mode unsupported by this library build")
	}
	res, code := b.Connect(nranks, rank, id, device, backend.Config{Blocking: opts.Blocking})
	switch {
	case code == backend.Success:
	case code == backend.InProgress && !opts.Blocking:
	default:
		return nil, backend.Errf("create communicator", code, b.Version(), "")
	}
	if res == nil {
		return nil, backend.Errf("create communicator", backend.InternalError, b.Version(),
			"library returned no resource")
	}
	h := &Handle{
		backend:     b,
		res:         res,
		id:          id,
		rank:        rank,
		nranks:      nranks,
		device:      device,
		nonBlocking: !opts.Blocking,
		initialized: opts.Blocking,
		waitTimeout: opts.waitTimeout(),
		segments:    make(map[uintptr]backend.SegmentToken),
	}
	slog.Info("created communicator",
		"comm", h.String(), "nranks", nranks, "device", device, "blocking", opts.Blocking)
	return h, nil
}

// Split derives a child handle from parent for the given color partition.
// The parent must be ready; the call waits for it when nonblocking. The
// child shares the parent's device and records ranks as its peer set.
func Split(parent *Handle, color, rank int, opts Options, ranks []uint64) (*Handle, error) {
	if parent == nil {
		return nil, fmt.Errorf("split communicator: nil parent")
	}
	if color < 0 {
		return nil, fmt.Errorf("split communicator: color must be non-negative, got %d", color)
	}
	if !parent.backend.Features().Has(backend.FeatureSplit | backend.FeatureNonblocking) {
		return nil, backend.Errf("split communicator", backend.InvalidUsage, parent.backend.Version(),
			"communicator splitting unsupported by this library build")
	}

	parent.mu.Lock()
	defer parent.mu.Unlock()

	res, err := parent.resourceLocked("split communicator")
	if err != nil {
		return nil, err
	}
	childRes, code := res.Split(color, rank, backend.Config{Blocking: opts.Blocking})
	if code == backend.InProgress && !opts.Blocking {
		// The parent is unusable while the split is being applied to it;
		// wait for it to settle before handing either handle back.
		code, err = pollUntil("split communicator", parent.waitTimeout, true, res.AsyncError)
		if err != nil {
			return nil, err
		}
	}
	if code != backend.Success {
		return nil, backend.Errf("split communicator", code, parent.backend.Version(), parent.failureReason)
	}
	if childRes == nil {
		return nil, backend.Errf("split communicator", backend.InternalError, parent.backend.Version(),
			"library returned no child resource")
	}
	parent.splitCount++

	nranks := parent.nranks
	if len(ranks) > 0 {
		nranks = len(ranks)
	}
	child := &Handle{
		backend:     parent.backend,
		res:         childRes,
		id:          backend.DeriveSplitID(parent.id, color),
		rank:        rank,
		nranks:      nranks,
		device:      parent.device,
		nonBlocking: !opts.Blocking,
		initialized: opts.Blocking,
		waitTimeout: opts.waitTimeout(),
		segments:    make(map[uintptr]backend.SegmentToken),
		peers:       slices.Clone(ranks),
	}
	slog.Info("created child communicator",
		"parent", parent.String(), "child", child.String(), "color", color, "rank", rank)
	return child, nil
}

// WaitReady blocks until a nonblocking initialization completes, polling
// with short sleeps up to the handle's timeout. Returns nil immediately for
// blocking handles and for aborted ones.
func (h *Handle) WaitReady() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.aborted || h.res == nil {
		return nil
	}
	return h.waitReadyLocked(true)
}

// waitReadyLocked polls the resource until it stops reporting InProgress,
// then flips initialized. longInterval selects the sleeping poll strategy;
// the spinning one is for resources expected to be ready already.
func (h *Handle) waitReadyLocked(longInterval bool) error {
	res := h.res
	code, err := pollUntil("wait ready", h.waitTimeout, longInterval, res.Ready)
	if err != nil {
		return err
	}
	if code != backend.Success {
		return backend.Errf("wait ready", code, h.backend.Version(), h.failureReason)
	}
	h.initialized = true
	return nil
}

// resourceLocked returns the live resource, waiting for readiness first on
// nonblocking handles. Every native call goes through here except the abort
// and async-error paths, which must work on a broken resource too.
func (h *Handle) resourceLocked(op string) (backend.Resource, error) {
	if h.aborted || h.res == nil {
		reason := h.failureReason
		if reason == "" {
			reason = "no abort reason provided"
		}
		return nil, fmt.Errorf("%s on rank %d: %w: %s", op, h.rank, ErrAborted, reason)
	}
	if h.nonBlocking {
		if err := h.waitReadyLocked(!h.initialized); err != nil {
			return nil, err
		}
	}
	return h.res, nil
}

// Abort force-terminates the resource without flushing outstanding work.
// All registered segments are deregistered first. Idempotent: a second call
// after a successful abort is a no-op. reason, when non-empty, is kept for
// later retrieval through FailureReason.
func (h *Handle) Abort(reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.abortLocked(reason)
}

func (h *Handle) abortLocked(reason string) error {
	if h.aborted {
		return nil
	}
	if h.res == nil {
		h.aborted = true
		return nil
	}
	for addr, tok := range h.segments {
		if code := h.res.Deregister(tok); code != backend.Success {
			return backend.Errf("deregister segment during abort", code, h.backend.Version(),
				fmt.Sprintf("segment at 0x%x on %s", addr, h.String()))
		}
	}
	clear(h.segments)
	if reason != "" {
		h.failureReason = reason
	}
	slog.Info("aborting communicator", "comm", h.String(), "reason", h.failureReason)

	code := h.res.Abort()
	if code == backend.InProgress && h.nonBlocking {
		res := h.res
		settled, err := pollUntil("abort communicator", h.waitTimeout, false, res.AsyncError)
		if err != nil {
			return err
		}
		code = settled
	}
	// Teardown is committed once the native abort was issued. A fatal code
	// observed while it settles is kept for diagnostics, not surfaced as a
	// failure of the abort itself.
	h.aborted = true
	h.res = nil
	if code != backend.Success && code != backend.InProgress && h.asyncErr == backend.Success {
		h.asyncErr = code
	}
	if h.asyncErr == backend.Success {
		h.asyncErr = backend.SystemError
	}
	return nil
}

// Destroy tears the resource down gracefully, waiting for outstanding work
// to flush. Use Abort for failure recovery instead; destroying an aborted
// handle is a logged no-op.
func (h *Handle) Destroy() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.aborted || h.res == nil {
		slog.Info("communicator already invalidated, skipping destroy", "comm", h.String())
		return nil
	}
	res, err := h.resourceLocked("destroy communicator")
	if err != nil {
		return err
	}
	code := res.Destroy()
	if h.nonBlocking {
		settled, perr := pollUntil("destroy communicator", h.waitTimeout, true, res.AsyncError)
		if perr != nil {
			return perr
		}
		if code == backend.InProgress {
			code = settled
		}
	}
	if code != backend.Success {
		return backend.Errf("destroy communicator", code, h.backend.Version(), h.failureReason)
	}
	clear(h.segments)
	h.aborted = true
	h.res = nil
	return nil
}

// Finalize asks the resource to flush pending operations. On nonblocking
// handles the flush may still be in flight when this returns; its outcome
// is observed through CheckAsyncError. Finalizing an aborted or already
// finalized handle is a logged no-op.
func (h *Handle) Finalize() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.aborted || h.res == nil || h.finalized {
		slog.Info("communicator already invalidated, skipping finalize", "comm", h.String())
		return nil
	}
	res, err := h.resourceLocked("finalize communicator")
	if err != nil {
		return err
	}
	code := res.Finalize()
	if code != backend.Success && !(code == backend.InProgress && h.nonBlocking) {
		return backend.Errf("finalize communicator", code, h.backend.Version(), h.failureReason)
	}
	h.finalized = true
	return nil
}

// CheckAsyncError reports the communicator's health. A cached fatal code is
// returned as is; otherwise the native library is polled once and the
// result cached. Backends without async error support always report
// Success.
func (h *Handle) CheckAsyncError() backend.Code {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.backend.Features().Has(backend.FeatureAsyncError) {
		return backend.Success
	}
	if h.asyncErr.Class() == backend.ClassFatal {
		return h.asyncErr
	}
	if h.res == nil {
		return h.asyncErr
	}
	h.asyncErr = h.res.AsyncError()
	return h.asyncErr
}

// RegisterSegment pins the memory segment at addr for zero-copy transfer.
// The address must not already be registered; callers guarantee disjoint
// address ranges. The resource is waited ready first.
func (h *Handle) RegisterSegment(addr uintptr, size int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.backend.Features().Has(backend.FeatureSegmentRegister) {
		return backend.Errf("register segment", backend.InvalidUsage, h.backend.Version(),
			"segment registration unsupported by this library build")
	}
	if _, dup := h.segments[addr]; dup {
		return fmt.Errorf("register segment at 0x%x on %s: %w", addr, h.String(), ErrSegmentRegistered)
	}
	res, err := h.resourceLocked("register segment")
	if err != nil {
		return err
	}
	tok, code := res.Register(addr, size)
	if code != backend.Success {
		return backend.Errf("register segment", code, h.backend.Version(), h.failureReason)
	}
	h.segments[addr] = tok
	return nil
}

// DeregisterSegment releases the registration held for addr. The address
// must currently be registered.
func (h *Handle) DeregisterSegment(addr uintptr) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.backend.Features().Has(backend.FeatureSegmentRegister) {
		return backend.Errf("deregister segment", backend.InvalidUsage, h.backend.Version(),
			"segment registration unsupported by this library build")
	}
	tok, ok := h.segments[addr]
	if !ok {
		return fmt.Errorf("deregister segment at 0x%x on %s: %w", addr, h.String(), ErrSegmentNotRegistered)
	}
	res, err := h.resourceLocked("deregister segment")
	if err != nil {
		return err
	}
	if code := res.Deregister(tok); code != backend.Success {
		return backend.Errf("deregister segment", code, h.backend.Version(), h.failureReason)
	}
	delete(h.segments, addr)
	return nil
}

// StateDump returns the native library's diagnostic strings for this
// resource. An aborted handle yields an empty map rather than an error, so
// dump collection over a broken group still proceeds.
func (h *Handle) StateDump() (map[string]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.aborted || h.res == nil {
		slog.Info("communicator aborted before state dump", "comm", h.String())
		return map[string]string{}, nil
	}
	if !h.backend.Features().Has(backend.FeatureStateDump) {
		return map[string]string{}, nil
	}
	dump, code := h.res.Dump()
	if code != backend.Success {
		return nil, backend.Errf("communicator state dump", code, h.backend.Version(), h.failureReason)
	}
	return dump, nil
}

// Close releases the native resource if it is still live, with the same
// teardown as Abort. Safe to defer at acquisition; repeated calls are
// no-ops.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.res == nil || h.aborted || !h.initialized {
		return nil
	}
	return h.abortLocked("")
}

// ID returns the group token this handle was created under.
func (h *Handle) ID() backend.UniqueID { return h.id }

// Rank returns this participant's rank within the group.
func (h *Handle) Rank() int { return h.rank }

// Size returns the group's participant count.
func (h *Handle) Size() int { return h.nranks }

// Device returns the accelerator device index the handle is bound to.
func (h *Handle) Device() int { return h.device }

// IsNonBlocking reports whether native calls may return InProgress.
func (h *Handle) IsNonBlocking() bool { return h.nonBlocking }

// Version returns the underlying library's version string.
func (h *Handle) Version() string { return h.backend.Version() }

// IsInitialized reports whether the resource has been observed ready.
func (h *Handle) IsInitialized() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.initialized
}

// IsAborted reports whether the resource has been released.
func (h *Handle) IsAborted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.aborted
}

// SplitCounter returns how many child communicators were derived from this
// handle.
func (h *Handle) SplitCounter() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.splitCount
}

// FailureReason returns the reason recorded by Abort, if any.
func (h *Handle) FailureReason() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failureReason
}

// Peers returns the participant ranks recorded at split time, if any.
func (h *Handle) Peers() []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.peers)
}

// String identifies the handle in logs and dump documents. Stable for the
// handle's lifetime.
func (h *Handle) String() string {
	return fmt.Sprintf("%s:rank%d", h.id, h.rank)
}
