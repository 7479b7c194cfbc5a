package flight

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// DumpVersion is the schema version stamped into every dump document.
// Consumers key on it before decoding the rest.
const DumpVersion = "2.4"

// Top-level keys of the dump document.
const (
	KeyVersion   = "version"
	KeyEntries   = "entries"
	KeyCommState = "nccl_comm_state"
	KeyPGConfig  = "pg_config"
	KeyPGStatus  = "pg_status"
)

// Per-entry keys.
const (
	KeyRecordID      = "record_id"
	KeyPGID          = "pg_id"
	KeyProcessGroup  = "process_group"
	KeyCollectiveSeq = "collective_seq_id"
	KeyP2PSeq        = "p2p_seq_id"
	KeyIsP2P         = "is_p2p"
	KeyOpID          = "op_id"
	KeyProfilingName = "profiling_name"
	KeyInputSizes    = "input_sizes"
	KeyInputDtypes   = "input_dtypes"
	KeyOutputSizes   = "output_sizes"
	KeyOutputDtypes  = "output_dtypes"
	KeyTimeCreated   = "time_created_ns"
	KeyDuration      = "duration_ms"
	KeyTimeout       = "timeout_ms"
	KeyFrames        = "frames"
	KeyState         = "state"
	KeyTimeStarted   = "time_discovered_started_ns"
	KeyTimeCompleted = "time_discovered_completed_ns"
	KeyRetired       = "retired"
)

// Per-group status keys.
const (
	KeyLastEnqueued  = "last_enqueued_collective"
	KeyLastStarted   = "last_started_collective"
	KeyLastCompleted = "last_completed_collective"
)

// Dump renders the full diagnostic document as msgpack: schema version,
// group config and status, optionally the collective trace, and the
// supplied per-communicator native state when non-empty.
func (r *Recorder) Dump(commState map[string]map[string]string, includeCollectives, includeStackTraces, onlyActive bool) ([]byte, error) {
	doc := map[string]any{
		KeyVersion:  DumpVersion,
		KeyPGConfig: r.GroupConfig(),
		KeyPGStatus: r.GroupStatuses(),
	}
	if includeCollectives {
		doc[KeyEntries] = r.CollectiveTrace(includeStackTraces, onlyActive)
	}
	if len(commState) > 0 {
		doc[KeyCommState] = commState
	}
	return msgpack.Marshal(doc)
}

// DumpJSON renders the same document for flat consumers: no stack frames,
// unset discovery stamps omitted instead of null, the entries list omitted
// when empty.
func (r *Recorder) DumpJSON(commState map[string]map[string]string, includeCollectives, onlyActive bool) ([]byte, error) {
	doc := map[string]any{
		KeyVersion:  DumpVersion,
		KeyPGConfig: r.GroupConfigFlat(),
		KeyPGStatus: r.GroupStatusesFlat(),
	}
	if includeCollectives {
		entries := r.DumpEntries()
		fields := make([]map[string]any, 0, len(entries))
		for i := range entries {
			e := &entries[i]
			if onlyActive && e.Retired {
				continue
			}
			fields = append(fields, entryFields(e, false, true))
		}
		if len(fields) > 0 {
			doc[KeyEntries] = fields
		}
	}
	if commState != nil {
		doc[KeyCommState] = commState
	}
	return json.Marshal(doc)
}

// CollectiveTrace renders the current entries as dump field maps. With
// onlyActive set, retired entries are skipped; without includeStacks the
// captured frames are left out to bound the document size.
func (r *Recorder) CollectiveTrace(includeStacks, onlyActive bool) []map[string]any {
	entries := r.DumpEntries()
	out := make([]map[string]any, 0, len(entries))
	for i := range entries {
		e := &entries[i]
		if onlyActive && e.Retired {
			continue
		}
		out = append(out, entryFields(e, includeStacks, false))
	}
	return out
}

// GroupConfig renders the group→ranks map as a value tree keyed by group
// name.
func (r *Recorder) GroupConfig() map[string]any {
	flat := r.GroupConfigFlat()
	out := make(map[string]any, len(flat))
	for name, fields := range flat {
		inner := make(map[string]any, len(fields))
		for k, v := range fields {
			inner[k] = v
		}
		out[name] = inner
	}
	return out
}

// GroupConfigFlat renders the group→ranks map as a flat map of string
// maps, isomorphic to GroupConfig.
func (r *Recorder) GroupConfigFlat() map[string]map[string]string {
	if r == nil {
		return map[string]map[string]string{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]map[string]string, len(r.ranks))
	for name, ranks := range r.ranks {
		out[name.Name] = map[string]string{
			"name":  name.Name,
			"desc":  name.Desc,
			"ranks": ranksStr(ranks),
		}
	}
	return out
}

// GroupStatuses renders the last known per-group progress as a value tree
// keyed by decimal group id.
func (r *Recorder) GroupStatuses() map[string]any {
	snaps := r.statusSnapshots()
	out := make(map[string]any, len(snaps))
	for id, snap := range snaps {
		out[id] = map[string]any{
			KeyLastEnqueued:  snap.LastEnqueuedSeq,
			KeyLastStarted:   snap.LastStartedSeq,
			KeyLastCompleted: snap.LastCompletedSeq,
		}
	}
	return out
}

// GroupStatusesFlat renders the per-group progress as a flat map of string
// maps, isomorphic to GroupStatuses.
func (r *Recorder) GroupStatusesFlat() map[string]map[string]string {
	snaps := r.statusSnapshots()
	out := make(map[string]map[string]string, len(snaps))
	for id, snap := range snaps {
		out[id] = map[string]string{
			KeyLastEnqueued:  strconv.FormatInt(snap.LastEnqueuedSeq, 10),
			KeyLastStarted:   strconv.FormatInt(snap.LastStartedSeq, 10),
			KeyLastCompleted: strconv.FormatInt(snap.LastCompletedSeq, 10),
		}
	}
	return out
}

// statusSnapshots copies the status references under the ring lock, then
// snapshots each status outside it. Each status carries its own lock, so
// the two locks are never nested.
func (r *Recorder) statusSnapshots() map[string]StatusSnapshot {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	refs := make(map[string]*GroupStatus, len(r.status))
	for id, st := range r.status {
		refs[strconv.FormatUint(id, 10)] = st
	}
	r.mu.Unlock()

	out := make(map[string]StatusSnapshot, len(refs))
	for id, st := range refs {
		out[id] = st.Snapshot()
	}
	return out
}

// entryFields renders one entry. jsonMode selects the flat consumer's
// conventions: unset stamps are omitted rather than null and frames are
// never included.
func entryFields(e *Entry, includeStacks, jsonMode bool) map[string]any {
	f := map[string]any{
		KeyRecordID:      e.ID,
		KeyPGID:          e.GroupID,
		KeyProcessGroup:  []string{e.Group.Name, e.Group.Desc},
		KeyCollectiveSeq: e.CollectiveSeq,
		KeyP2PSeq:        e.P2PSeq,
		KeyOpID:          e.OpID,
		KeyProfilingName: e.ProfilingName,
		KeyTimeCreated:   e.TimeCreated.UnixNano(),
		KeyInputSizes:    tensorSizes(e.Inputs),
		KeyInputDtypes:   tensorDtypes(e.Inputs),
		KeyOutputSizes:   tensorSizes(e.Outputs),
		KeyOutputDtypes:  tensorDtypes(e.Outputs),
		KeyState:         e.State(),
		KeyRetired:       e.Retired,
		KeyTimeout:       e.Timeout.Milliseconds(),
		KeyIsP2P:         e.IsP2P,
	}
	if e.HasDuration {
		f[KeyDuration] = float64(e.Duration) / float64(time.Millisecond)
	}
	if jsonMode {
		if !e.TimeDiscoveredStarted.IsZero() {
			f[KeyTimeStarted] = e.TimeDiscoveredStarted.UnixNano()
		}
		if !e.TimeDiscoveredCompleted.IsZero() {
			f[KeyTimeCompleted] = e.TimeDiscoveredCompleted.UnixNano()
		}
		return f
	}
	f[KeyTimeStarted] = nsOrNil(e.TimeDiscoveredStarted)
	f[KeyTimeCompleted] = nsOrNil(e.TimeDiscoveredCompleted)
	if includeStacks {
		f[KeyFrames] = e.Frames()
	}
	return f
}

func nsOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func tensorSizes(descs []TensorDesc) [][]int64 {
	out := make([][]int64, 0, len(descs))
	for _, d := range descs {
		out = append(out, d.Dims)
	}
	return out
}

func tensorDtypes(descs []TensorDesc) []string {
	out := make([]string, 0, len(descs))
	for _, d := range descs {
		out = append(out, d.DType)
	}
	return out
}

// ranksStr renders a rank list the way dump consumers expect, for example
// "[0, 1, 2]".
func ranksStr(ranks []uint64) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, r := range ranks {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(strconv.FormatUint(r, 10))
	}
	b.WriteByte(']')
	return b.String()
}
