// Package backend abstracts the native collective-communication library.
//
// The real library is an opaque external resource: the rest of the module
// only needs to create per-rank resources, poll their readiness and health,
// tear them down, and register memory segments against them. Everything else
// (kernels, transports, rendezvous) stays behind this boundary.
package backend

import (
	"strconv"

	"github.com/google/uuid"
)

// UniqueID is the token all participants of one group share at formation.
type UniqueID = uuid.UUID

// NewUniqueID returns a fresh group token.
func NewUniqueID() UniqueID {
	return uuid.Must(uuid.NewV7())
}

// DeriveSplitID derives the child group token for a split deterministically,
// so every rank of the parent group arrives at the same child id without a
// second rendezvous. Callers performing several split rounds on the same
// parent must vary the color between rounds.
func DeriveSplitID(parent UniqueID, color int) UniqueID {
	return uuid.NewSHA1(parent, []byte("split:"+strconv.Itoa(color)))
}

// SegmentToken identifies one registered memory segment on a resource.
type SegmentToken uint64

// Feature is a bitset of optional capabilities a backend may provide.
// The set mirrors how native libraries grow capabilities across versions:
// older builds simply lack some of the calls.
type Feature uint32

const (
	// FeatureNonblocking allows create/abort/finalize to return InProgress.
	FeatureNonblocking Feature = 1 << iota
	// FeatureSplit allows deriving sub-communicators from a live one.
	FeatureSplit
	// FeatureSegmentRegister allows registering memory for zero-copy transfer.
	FeatureSegmentRegister
	// FeatureAsyncError allows polling a resource for asynchronous failures.
	FeatureAsyncError
	// FeatureStateDump allows querying per-resource diagnostic state.
	FeatureStateDump
)

// FeatureAll enables every optional capability.
const FeatureAll = FeatureNonblocking | FeatureSplit | FeatureSegmentRegister |
	FeatureAsyncError | FeatureStateDump

// Has reports whether all bits of want are present.
func (f Feature) Has(want Feature) bool {
	return f&want == want
}

// Config carries per-create knobs forwarded to the native library.
type Config struct {
	// Blocking selects the classic mode where creation and teardown calls
	// return only once complete. When false the resource is nonblocking and
	// calls may report InProgress.
	Blocking bool
}

// Backend is one native collective library implementation.
type Backend interface {
	// Version reports the library version string for diagnostics.
	Version() string

	// Features reports which optional capabilities this build provides.
	Features() Feature

	// Connect joins rank to the group identified by id, binding the resource
	// to the given accelerator device. With cfg.Blocking the returned
	// resource is usable immediately on Success; otherwise the caller must
	// poll Ready until it stops reporting InProgress.
	Connect(nranks, rank int, id UniqueID, device int, cfg Config) (Resource, Code)
}

// Resource is one participant's live endpoint in a communication group.
// Implementations must tolerate concurrent calls.
type Resource interface {
	// Ready reports Success once the resource is usable, InProgress while a
	// nonblocking initialization is still pending.
	Ready() Code

	// AsyncError reports the last asynchronous failure the library observed
	// for this resource, InProgress while a nonblocking operation is being
	// flushed, or Success.
	AsyncError() Code

	// Abort force-terminates the resource without waiting for outstanding
	// operations. Nonblocking resources may report InProgress; callers then
	// poll AsyncError until the teardown settles.
	Abort() Code

	// Destroy tears the resource down after flushing outstanding operations.
	Destroy() Code

	// Finalize asks the resource to flush pending operations. Nonblocking
	// resources may report InProgress.
	Finalize() Code

	// Split derives a child resource for rank within the color partition.
	Split(color, rank int, cfg Config) (Resource, Code)

	// Register pins a memory segment for zero-copy transfer and returns its
	// registration token.
	Register(addr uintptr, size int64) (SegmentToken, Code)

	// Deregister releases a previously registered segment.
	Deregister(tok SegmentToken) Code

	// Dump returns the library's diagnostic state strings for this resource.
	Dump() (map[string]string, Code)
}
