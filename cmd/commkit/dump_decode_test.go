package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"commkit/internal/flight"
)

func writeDump(t *testing.T, name string, payload []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		t.Fatalf("write dump: %v", err)
	}
	return path
}

// recordedDump builds a recorder holding one retired completed collective
// and one live started one.
func recordedDump(t *testing.T) *flight.Recorder {
	t.Helper()
	rec := flight.New(flight.Config{Capacity: 8, CaptureStack: true, EnableTiming: true})
	rec.RecordGroupRanks(flight.GroupName{Name: "0", Desc: "default_pg"}, []uint64{0, 1})

	start := &flight.TimeMarker{}
	end := &flight.TimeMarker{}
	base := time.Now()
	start.CompleteAt(base)
	end.CompleteAt(base.Add(3 * time.Millisecond))
	id, ok := rec.Record(flight.Op{
		Group:         flight.GroupName{Name: "0", Desc: "default_pg"},
		CollectiveSeq: 1,
		OpID:          1,
		ProfilingName: "nccl:all_reduce",
		Inputs:        []flight.TensorDesc{{Dims: []int64{8}, DType: "float32"}},
		Outputs:       []flight.TensorDesc{{Dims: []int64{8}, DType: "float32"}},
		Start:         start,
		End:           end,
		Timeout:       250 * time.Millisecond,
	})
	if !ok {
		t.Fatalf("recorder refused the first op")
	}
	rec.RetireID(id, true)

	liveStart := &flight.TimeMarker{}
	liveStart.Complete()
	liveID, ok := rec.Record(flight.Op{
		Group:         flight.GroupName{Name: "0", Desc: "default_pg"},
		CollectiveSeq: 2,
		OpID:          2,
		ProfilingName: "nccl:broadcast",
		Inputs:        []flight.TensorDesc{{Dims: []int64{4}, DType: "float32"}},
		Outputs:       []flight.TensorDesc{{Dims: []int64{4}, DType: "float32"}},
		Start:         liveStart,
		End:           &flight.TimeMarker{},
		Timeout:       250 * time.Millisecond,
	})
	if !ok {
		t.Fatalf("recorder refused the second op")
	}
	rec.UpdateState(liveID)
	return rec
}

func TestLoadDumpMsgpack(t *testing.T) {
	rec := recordedDump(t)
	payload, err := rec.Dump(map[string]map[string]string{
		"comm0": {"state": "ready", "rank": "0"},
	}, true, true, false)
	if err != nil {
		t.Fatalf("dump: %v", err)
	}
	doc, err := loadDump(writeDump(t, "dump0", payload))
	if err != nil {
		t.Fatalf("loadDump: %v", err)
	}
	if got := asString(doc[flight.KeyVersion]); got != flight.DumpVersion {
		t.Fatalf("version = %q, want %q", got, flight.DumpVersion)
	}

	entries := dumpEntries(doc, false)
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	records := entryRecords(entries)
	first := records[0]
	if first.ID != "0" || first.Group != "0" || first.Seq != "1" {
		t.Fatalf("unexpected first record: %+v", first)
	}
	if first.Name != "nccl:all_reduce" || first.State != flight.StateCompleted || !first.Retired {
		t.Fatalf("unexpected first record: %+v", first)
	}
	if first.Timing != "3.00ms" {
		t.Fatalf("timing = %q, want 3.00ms", first.Timing)
	}
	if !strings.Contains(first.Detail, "record 0") || !strings.Contains(first.Detail, " at ") {
		t.Fatalf("detail missing fields or frames:\n%s", first.Detail)
	}

	second := records[1]
	if second.State != flight.StateStarted || second.Retired || second.Timing != "-" {
		t.Fatalf("unexpected second record: %+v", second)
	}

	active := dumpEntries(doc, true)
	if len(active) != 1 || asString(active[0][flight.KeyRecordID]) != "1" {
		t.Fatalf("active filter kept %d entries", len(active))
	}

	comms := asMap(doc[flight.KeyCommState])
	if asString(asMap(comms["comm0"])["state"]) != "ready" {
		t.Fatalf("comm state not preserved: %v", comms)
	}
}

func TestLoadDumpJSON(t *testing.T) {
	rec := recordedDump(t)
	payload, err := rec.DumpJSON(map[string]map[string]string{}, true, false)
	if err != nil {
		t.Fatalf("dump json: %v", err)
	}
	doc, err := loadDump(writeDump(t, "dump0.json", payload))
	if err != nil {
		t.Fatalf("loadDump: %v", err)
	}
	if got := asString(doc[flight.KeyVersion]); got != flight.DumpVersion {
		t.Fatalf("version = %q, want %q", got, flight.DumpVersion)
	}

	records := entryRecords(dumpEntries(doc, false))
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].Timing != "3.00ms" {
		t.Fatalf("timing = %q, want 3.00ms", records[0].Timing)
	}
	// JSON dumps never carry frames.
	if strings.Contains(records[0].Detail, " at ") {
		t.Fatalf("unexpected frames in JSON detail:\n%s", records[0].Detail)
	}

	cfgs := asMap(doc[flight.KeyPGConfig])
	fields := asMap(cfgs["0"])
	if asString(fields["ranks"]) != "[0, 1]" {
		t.Fatalf("ranks = %q", asString(fields["ranks"]))
	}
}

func TestLoadDumpRejectsMissingAndEmpty(t *testing.T) {
	if _, err := loadDump(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	path := writeDump(t, "empty", nil)
	if _, err := loadDump(path); err == nil {
		t.Fatalf("expected error for empty file")
	}
}

func TestStampLabel(t *testing.T) {
	if got := stampLabel(nil); got != "-" {
		t.Fatalf("stampLabel(nil) = %q", got)
	}
	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.Local)
	got := stampLabel(at.UnixNano())
	if !strings.HasPrefix(got, "2026-03-14T") {
		t.Fatalf("stampLabel = %q", got)
	}
}
