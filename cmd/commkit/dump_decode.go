package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"commkit/internal/flight"
	"commkit/internal/ui"
)

// loadDump reads and decodes one dump document. JSON documents start with
// '{'; everything else is treated as msgpack.
func loadDump(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dump: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%s: empty dump file", path)
	}
	doc := make(map[string]any)
	if raw[0] == '{' {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%s: failed to decode JSON dump: %w", path, err)
		}
		return doc, nil
	}
	if err := msgpack.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%s: failed to decode msgpack dump: %w", path, err)
	}
	return doc, nil
}

// The decoders hand back loosely typed values: msgpack yields int64, uint64,
// and float64 numbers, JSON yields json.Number. The as* helpers normalize
// both shapes.

func asMap(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out
	default:
		return nil
	}
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(v)
	}
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// dumpEntries returns the decoded entry maps, skipping retired ones when
// onlyActive is set. Order is preserved from the document, oldest first.
func dumpEntries(doc map[string]any, onlyActive bool) []map[string]any {
	var out []map[string]any
	for _, v := range asSlice(doc[flight.KeyEntries]) {
		e := asMap(v)
		if e == nil {
			continue
		}
		if onlyActive && asBool(e[flight.KeyRetired]) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// entryRecords converts decoded entries into browser records.
func entryRecords(entries []map[string]any) []ui.Record {
	out := make([]ui.Record, 0, len(entries))
	for _, e := range entries {
		out = append(out, ui.Record{
			ID:      asString(e[flight.KeyRecordID]),
			Group:   groupName(e),
			Seq:     seqLabel(e),
			Name:    asString(e[flight.KeyProfilingName]),
			State:   asString(e[flight.KeyState]),
			Timing:  durationLabel(e),
			Retired: asBool(e[flight.KeyRetired]),
			Detail:  renderEntryDetail(e),
		})
	}
	return out
}

func groupName(e map[string]any) string {
	pg := asSlice(e[flight.KeyProcessGroup])
	if len(pg) == 0 {
		return asString(e[flight.KeyPGID])
	}
	return asString(pg[0])
}

func groupDesc(e map[string]any) string {
	pg := asSlice(e[flight.KeyProcessGroup])
	if len(pg) < 2 {
		return ""
	}
	return asString(pg[1])
}

func seqLabel(e map[string]any) string {
	if asBool(e[flight.KeyIsP2P]) {
		return asString(e[flight.KeyP2PSeq])
	}
	return asString(e[flight.KeyCollectiveSeq])
}

func durationLabel(e map[string]any) string {
	f, ok := asFloat(e[flight.KeyDuration])
	if !ok {
		return "-"
	}
	return fmt.Sprintf("%.2fms", f)
}

func stampLabel(v any) string {
	ns, ok := asInt64(v)
	if !ok || ns == 0 {
		return "-"
	}
	return time.Unix(0, ns).Format(time.RFC3339Nano)
}

// renderEntryDetail renders every recorded field of one entry for the
// detail pane and for inspect --stacks.
func renderEntryDetail(e map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "record %s  %s\n", asString(e[flight.KeyRecordID]), asString(e[flight.KeyProfilingName]))
	desc := groupDesc(e)
	if desc != "" {
		desc = " (" + desc + ")"
	}
	fmt.Fprintf(&b, "group: %s%s  state: %s  retired: %v\n",
		groupName(e), desc, asString(e[flight.KeyState]), asBool(e[flight.KeyRetired]))
	fmt.Fprintf(&b, "collective_seq: %s  p2p_seq: %s  op: %s  p2p: %v\n",
		asString(e[flight.KeyCollectiveSeq]), asString(e[flight.KeyP2PSeq]),
		asString(e[flight.KeyOpID]), asBool(e[flight.KeyIsP2P]))
	fmt.Fprintf(&b, "inputs: %s %s  outputs: %s %s\n",
		asString(e[flight.KeyInputSizes]), asString(e[flight.KeyInputDtypes]),
		asString(e[flight.KeyOutputSizes]), asString(e[flight.KeyOutputDtypes]))
	fmt.Fprintf(&b, "created:   %s\n", stampLabel(e[flight.KeyTimeCreated]))
	fmt.Fprintf(&b, "started:   %s\n", stampLabel(e[flight.KeyTimeStarted]))
	fmt.Fprintf(&b, "completed: %s\n", stampLabel(e[flight.KeyTimeCompleted]))
	fmt.Fprintf(&b, "duration: %s  timeout: %sms", durationLabel(e), asString(e[flight.KeyTimeout]))
	if frames := frameLines(e); len(frames) > 0 {
		b.WriteString("\n")
		for _, f := range frames {
			b.WriteString(f)
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func frameLines(e map[string]any) []string {
	var out []string
	for _, fv := range asSlice(e[flight.KeyFrames]) {
		f := asMap(fv)
		if f == nil {
			continue
		}
		out = append(out, fmt.Sprintf("%s at %s:%s",
			asString(f["name"]), asString(f["filename"]), asString(f["line"])))
	}
	return out
}

// sortedKeys returns the keys of m in lexical order for stable rendering.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
