package loopback

import (
	"testing"
	"time"

	"commkit/internal/backend"
)

func TestConnectBlockingIsReadyImmediately(t *testing.T) {
	fab := New()
	id := backend.NewUniqueID()
	res, code := fab.Connect(2, 0, id, 0, backend.Config{Blocking: true})
	if code != backend.Success {
		t.Fatalf("connect failed: %v", code)
	}
	if got := res.Ready(); got != backend.Success {
		t.Fatalf("blocking resource not ready: %v", got)
	}
}

func TestConnectRejectsBadArguments(t *testing.T) {
	fab := New()
	id := backend.NewUniqueID()
	if _, code := fab.Connect(0, 0, id, 0, backend.Config{Blocking: true}); code != backend.InvalidArgument {
		t.Fatalf("nranks=0 code = %v, want invalid argument", code)
	}
	if _, code := fab.Connect(2, 2, id, 0, backend.Config{Blocking: true}); code != backend.InvalidArgument {
		t.Fatalf("rank out of range code = %v, want invalid argument", code)
	}
	if _, code := fab.Connect(2, 0, id, 0, backend.Config{Blocking: true}); code != backend.Success {
		t.Fatalf("first join failed: %v", code)
	}
	if _, code := fab.Connect(2, 0, id, 0, backend.Config{Blocking: true}); code != backend.InvalidUsage {
		t.Fatalf("duplicate join code = %v, want invalid usage", code)
	}
	if _, code := fab.Connect(3, 1, id, 0, backend.Config{Blocking: true}); code != backend.InvalidArgument {
		t.Fatalf("size mismatch code = %v, want invalid argument", code)
	}
}

func TestNonblockingInitDelay(t *testing.T) {
	fab := New(WithInitDelay(30 * time.Millisecond))
	res, code := fab.Connect(1, 0, backend.NewUniqueID(), 0, backend.Config{})
	if code != backend.Success {
		t.Fatalf("connect failed: %v", code)
	}
	if got := res.Ready(); got != backend.InProgress {
		t.Fatalf("resource ready too early: %v", got)
	}
	deadline := time.Now().Add(2 * time.Second)
	for res.Ready() == backend.InProgress {
		if time.Now().After(deadline) {
			t.Fatalf("resource never turned ready")
		}
		time.Sleep(time.Millisecond)
	}
	if got := res.Ready(); got != backend.Success {
		t.Fatalf("resource state after delay: %v", got)
	}
}

func TestBlockedInitNeverTurnsReady(t *testing.T) {
	fab := New(WithBlockedInit())
	res, code := fab.Connect(1, 0, backend.NewUniqueID(), 0, backend.Config{})
	if code != backend.Success {
		t.Fatalf("connect failed: %v", code)
	}
	time.Sleep(5 * time.Millisecond)
	if got := res.Ready(); got != backend.InProgress {
		t.Fatalf("blocked resource reported %v, want in progress", got)
	}
}

func TestFailGroupSurfacesThroughAsyncError(t *testing.T) {
	fab := New()
	id := backend.NewUniqueID()
	res, _ := fab.Connect(1, 0, id, 0, backend.Config{Blocking: true})
	if got := res.AsyncError(); got != backend.Success {
		t.Fatalf("healthy resource async error: %v", got)
	}
	fab.FailGroup(id, backend.RemoteError)
	if got := res.AsyncError(); got != backend.RemoteError {
		t.Fatalf("async error = %v, want remote error", got)
	}
}

func TestAbortCountsAndTolerantRepeat(t *testing.T) {
	fab := New()
	id := backend.NewUniqueID()
	res, _ := fab.Connect(1, 0, id, 0, backend.Config{Blocking: true})
	if code := res.Abort(); code != backend.Success {
		t.Fatalf("abort failed: %v", code)
	}
	if code := res.Abort(); code != backend.Success {
		t.Fatalf("repeat abort failed: %v", code)
	}
	stats, ok := fab.Stats(id, 0)
	if !ok {
		t.Fatalf("stats missing")
	}
	if stats.AbortCalls != 2 {
		t.Fatalf("abort calls = %d, want 2", stats.AbortCalls)
	}
	if got := res.Ready(); got != backend.InvalidUsage {
		t.Fatalf("ready after abort = %v, want invalid usage", got)
	}
}

func TestSplitConvergesOnDerivedGroup(t *testing.T) {
	fab := New()
	id := backend.NewUniqueID()
	r0, _ := fab.Connect(2, 0, id, 0, backend.Config{Blocking: true})
	r1, _ := fab.Connect(2, 1, id, 1, backend.Config{Blocking: true})

	c0, code := r0.Split(7, 0, backend.Config{Blocking: true})
	if code != backend.Success {
		t.Fatalf("split rank 0 failed: %v", code)
	}
	c1, code := r1.Split(7, 1, backend.Config{Blocking: true})
	if code != backend.Success {
		t.Fatalf("split rank 1 failed: %v", code)
	}

	childID := backend.DeriveSplitID(id, 7)
	if _, ok := fab.Stats(childID, 0); !ok {
		t.Fatalf("child rank 0 not registered under derived id")
	}
	if _, ok := fab.Stats(childID, 1); !ok {
		t.Fatalf("child rank 1 not registered under derived id")
	}
	d0, _ := c0.Dump()
	d1, _ := c1.Dump()
	if d0["group"] != childID.String() || d1["group"] != childID.String() {
		t.Fatalf("children disagree on group: %q vs %q", d0["group"], d1["group"])
	}

	if _, code := r0.Split(-1, 0, backend.Config{}); code != backend.InvalidArgument {
		t.Fatalf("negative color code = %v, want invalid argument", code)
	}
}

func TestRegisterDeregisterRoundTrip(t *testing.T) {
	fab := New()
	res, _ := fab.Connect(1, 0, backend.NewUniqueID(), 0, backend.Config{Blocking: true})
	tok, code := res.Register(0x1000, 4096)
	if code != backend.Success || tok == 0 {
		t.Fatalf("register failed: tok=%d code=%v", tok, code)
	}
	if code := res.Deregister(tok); code != backend.Success {
		t.Fatalf("deregister failed: %v", code)
	}
	if code := res.Deregister(tok); code != backend.InvalidArgument {
		t.Fatalf("stale deregister code = %v, want invalid argument", code)
	}
	if _, code := res.Register(0x2000, 0); code != backend.InvalidArgument {
		t.Fatalf("zero-size register code = %v, want invalid argument", code)
	}
}

func TestDumpStateStrings(t *testing.T) {
	fab := New()
	res, _ := fab.Connect(4, 2, backend.NewUniqueID(), 3, backend.Config{Blocking: true})
	dump, code := res.Dump()
	if code != backend.Success {
		t.Fatalf("dump failed: %v", code)
	}
	if dump["rank"] != "2" || dump["peers"] != "4" || dump["device"] != "3" || dump["state"] != "ready" {
		t.Fatalf("unexpected dump contents: %v", dump)
	}
	res.Abort()
	dump, _ = res.Dump()
	if dump["state"] != "aborted" {
		t.Fatalf("state after abort = %q, want aborted", dump["state"])
	}
}

func TestNonblockingFinalizePendingWindow(t *testing.T) {
	fab := New(WithOpDelay(20 * time.Millisecond))
	res, _ := fab.Connect(1, 0, backend.NewUniqueID(), 0, backend.Config{})
	if code := res.Finalize(); code != backend.InProgress {
		t.Fatalf("nonblocking finalize code = %v, want in progress", code)
	}
	if got := res.AsyncError(); got != backend.InProgress {
		t.Fatalf("pending async error = %v, want in progress", got)
	}
	deadline := time.Now().Add(2 * time.Second)
	for res.AsyncError() == backend.InProgress {
		if time.Now().After(deadline) {
			t.Fatalf("finalize never settled")
		}
		time.Sleep(time.Millisecond)
	}
	if got := res.AsyncError(); got != backend.Success {
		t.Fatalf("async error after settle = %v", got)
	}
}
