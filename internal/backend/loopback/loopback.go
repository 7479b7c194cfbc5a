// Package loopback provides an in-process backend implementation.
//
// It wires every rank of a group to the same fabric object instead of a real
// network, which makes it suitable for unit tests and for the simulate
// command. Readiness delays and fault injection are configurable so callers
// can exercise the nonblocking polling and error paths of the communicator
// layer without an accelerator.
package loopback

import (
	"strconv"
	"sync"
	"time"

	"commkit/internal/backend"
)

// DefaultVersion is reported when no explicit version is configured.
const DefaultVersion = "2.21.5-loopback"

// Stats counts native calls made against one resource.
type Stats struct {
	AbortCalls      int
	DestroyCalls    int
	FinalizeCalls   int
	RegisterCalls   int
	DeregisterCalls int
}

// Fabric is an in-process collective fabric. All resources created through
// one Fabric share its configuration and can see each other's groups.
type Fabric struct {
	mu        sync.Mutex
	version   string
	features  backend.Feature
	initDelay time.Duration
	opDelay   time.Duration
	blockInit bool
	groups    map[backend.UniqueID]*group
	failures  map[backend.UniqueID]backend.Code
}

type group struct {
	id      backend.UniqueID
	size    int
	members map[int]*resource
}

type segment struct {
	addr uintptr
	size int64
}

type resource struct {
	fab         *Fabric
	grp         *group
	rank        int
	device      int
	nonBlocking bool
	readyAt     time.Time
	blocked     bool
	aborted     bool
	finalized   bool
	pendingTill time.Time
	nextTok     backend.SegmentToken
	segments    map[backend.SegmentToken]segment
	stats       Stats
}

// Option configures a Fabric.
type Option func(*Fabric)

// WithVersion overrides the reported library version string.
func WithVersion(v string) Option {
	return func(f *Fabric) { f.version = v }
}

// WithFeatures restricts the advertised capability set.
func WithFeatures(feats backend.Feature) Option {
	return func(f *Fabric) { f.features = feats }
}

// WithInitDelay makes nonblocking connects report InProgress for d before
// turning ready.
func WithInitDelay(d time.Duration) Option {
	return func(f *Fabric) { f.initDelay = d }
}

// WithOpDelay makes nonblocking abort/finalize/destroy stay pending for d,
// observable through AsyncError as InProgress.
func WithOpDelay(d time.Duration) Option {
	return func(f *Fabric) { f.opDelay = d }
}

// WithBlockedInit makes nonblocking connects never turn ready. Useful for
// exercising wait-ready timeouts.
func WithBlockedInit() Option {
	return func(f *Fabric) { f.blockInit = true }
}

// New constructs a Fabric with every capability enabled by default.
func New(opts ...Option) *Fabric {
	f := &Fabric{
		version:  DefaultVersion,
		features: backend.FeatureAll,
		groups:   make(map[backend.UniqueID]*group),
		failures: make(map[backend.UniqueID]backend.Code),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Version implements backend.Backend.
func (f *Fabric) Version() string {
	return f.version
}

// Features implements backend.Backend.
func (f *Fabric) Features() backend.Feature {
	return f.features
}

// Connect implements backend.Backend. Resources are usable standalone: the
// fabric does not hold a connect until all peers arrive, it only checks that
// the join is consistent with the group formed so far.
func (f *Fabric) Connect(nranks, rank int, id backend.UniqueID, device int, cfg backend.Config) (backend.Resource, backend.Code) {
	if nranks <= 0 || rank < 0 || rank >= nranks {
		return nil, backend.InvalidArgument
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	grp, ok := f.groups[id]
	if !ok {
		grp = &group{id: id, size: nranks, members: make(map[int]*resource)}
		f.groups[id] = grp
	}
	if grp.size != nranks {
		return nil, backend.InvalidArgument
	}
	if _, dup := grp.members[rank]; dup {
		return nil, backend.InvalidUsage
	}
	res := f.newResourceLocked(grp, rank, device, cfg)
	grp.members[rank] = res
	return res, backend.Success
}

// FailGroup injects an asynchronous error: every member of the group starts
// reporting code from AsyncError. It may be called before or after the group
// forms.
func (f *Fabric) FailGroup(id backend.UniqueID, code backend.Code) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[id] = code
}

// Stats returns the native-call counters for one member of a group.
func (f *Fabric) Stats(id backend.UniqueID, rank int) (Stats, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	grp, ok := f.groups[id]
	if !ok {
		return Stats{}, false
	}
	res, ok := grp.members[rank]
	if !ok {
		return Stats{}, false
	}
	return res.stats, true
}

func (f *Fabric) newResourceLocked(grp *group, rank, device int, cfg backend.Config) *resource {
	res := &resource{
		fab:         f,
		grp:         grp,
		rank:        rank,
		device:      device,
		nonBlocking: !cfg.Blocking,
		segments:    make(map[backend.SegmentToken]segment),
	}
	if res.nonBlocking {
		res.blocked = f.blockInit
		res.readyAt = time.Now().Add(f.initDelay)
	}
	return res
}

// Ready implements backend.Resource.
func (r *resource) Ready() backend.Code {
	r.fab.mu.Lock()
	defer r.fab.mu.Unlock()
	if r.aborted {
		return backend.InvalidUsage
	}
	if !r.nonBlocking {
		return backend.Success
	}
	if r.blocked || time.Now().Before(r.readyAt) {
		return backend.InProgress
	}
	return backend.Success
}

// AsyncError implements backend.Resource.
func (r *resource) AsyncError() backend.Code {
	r.fab.mu.Lock()
	defer r.fab.mu.Unlock()
	if code, ok := r.fab.failures[r.grp.id]; ok && code != backend.Success {
		return code
	}
	if time.Now().Before(r.pendingTill) {
		return backend.InProgress
	}
	return backend.Success
}

// Abort implements backend.Resource. Repeated aborts are tolerated the way
// native libraries tolerate them; the communicator layer is expected to
// guard against issuing them in the first place.
func (r *resource) Abort() backend.Code {
	r.fab.mu.Lock()
	defer r.fab.mu.Unlock()
	r.stats.AbortCalls++
	if r.aborted {
		return backend.Success
	}
	r.aborted = true
	if r.nonBlocking && r.fab.opDelay > 0 {
		r.pendingTill = time.Now().Add(r.fab.opDelay)
		return backend.InProgress
	}
	return backend.Success
}

// Destroy implements backend.Resource.
func (r *resource) Destroy() backend.Code {
	r.fab.mu.Lock()
	defer r.fab.mu.Unlock()
	r.stats.DestroyCalls++
	if r.aborted {
		return backend.InvalidUsage
	}
	r.aborted = true
	if r.nonBlocking && r.fab.opDelay > 0 {
		r.pendingTill = time.Now().Add(r.fab.opDelay)
	}
	return backend.Success
}

// Finalize implements backend.Resource.
func (r *resource) Finalize() backend.Code {
	r.fab.mu.Lock()
	defer r.fab.mu.Unlock()
	r.stats.FinalizeCalls++
	if r.aborted {
		return backend.InvalidUsage
	}
	r.finalized = true
	if r.nonBlocking && r.fab.opDelay > 0 {
		r.pendingTill = time.Now().Add(r.fab.opDelay)
		return backend.InProgress
	}
	return backend.Success
}

// Split implements backend.Resource. The child group id is derived from the
// parent id and color, so all ranks converge on one child group without a
// rendezvous.
func (r *resource) Split(color, rank int, cfg backend.Config) (backend.Resource, backend.Code) {
	if color < 0 {
		return nil, backend.InvalidArgument
	}
	r.fab.mu.Lock()
	defer r.fab.mu.Unlock()
	if r.aborted {
		return nil, backend.InvalidUsage
	}
	childID := backend.DeriveSplitID(r.grp.id, color)
	child, ok := r.fab.groups[childID]
	if !ok {
		child = &group{id: childID, size: r.grp.size, members: make(map[int]*resource)}
		r.fab.groups[childID] = child
	}
	if _, dup := child.members[rank]; dup {
		return nil, backend.InvalidUsage
	}
	res := r.fab.newResourceLocked(child, rank, r.device, cfg)
	child.members[rank] = res
	return res, backend.Success
}

// Register implements backend.Resource.
func (r *resource) Register(addr uintptr, size int64) (backend.SegmentToken, backend.Code) {
	r.fab.mu.Lock()
	defer r.fab.mu.Unlock()
	if r.aborted {
		return 0, backend.InvalidUsage
	}
	if size <= 0 {
		return 0, backend.InvalidArgument
	}
	r.nextTok++
	r.segments[r.nextTok] = segment{addr: addr, size: size}
	r.stats.RegisterCalls++
	return r.nextTok, backend.Success
}

// Deregister implements backend.Resource.
func (r *resource) Deregister(tok backend.SegmentToken) backend.Code {
	r.fab.mu.Lock()
	defer r.fab.mu.Unlock()
	if _, ok := r.segments[tok]; !ok {
		return backend.InvalidArgument
	}
	delete(r.segments, tok)
	r.stats.DeregisterCalls++
	return backend.Success
}

// Dump implements backend.Resource.
func (r *resource) Dump() (map[string]string, backend.Code) {
	r.fab.mu.Lock()
	defer r.fab.mu.Unlock()
	state := "ready"
	switch {
	case r.aborted:
		state = "aborted"
	case r.finalized:
		state = "finalized"
	case r.nonBlocking && (r.blocked || time.Now().Before(r.readyAt)):
		state = "initializing"
	}
	return map[string]string{
		"group":    r.grp.id.String(),
		"rank":     strconv.Itoa(r.rank),
		"peers":    strconv.Itoa(r.grp.size),
		"device":   strconv.Itoa(r.device),
		"state":    state,
		"segments": strconv.Itoa(len(r.segments)),
	}, backend.Success
}
