package flight

import (
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordDisabled(t *testing.T) {
	r := New(Config{})
	assert.False(t, r.Enabled())

	id, ok := r.Record(Op{ProfilingName: "nccl:all_reduce"})
	assert.False(t, ok)
	assert.Zero(t, id)

	assert.Nil(t, r.DumpEntries())
	_, ok = r.Entry(0)
	assert.False(t, ok)
	r.RetireID(0, true)
}

func TestRingOverwriteBoundary(t *testing.T) {
	r := New(Config{Capacity: 2})
	var ids []uint64
	for i := 0; i < 3; i++ {
		id, ok := r.Record(Op{ProfilingName: fmt.Sprintf("nccl:all_reduce_%d", i)})
		require.True(t, ok)
		ids = append(ids, id)
	}
	require.Equal(t, []uint64{0, 1, 2}, ids)

	_, ok := r.Entry(0)
	assert.False(t, ok)
	b, ok := r.Entry(1)
	require.True(t, ok)
	assert.Equal(t, "nccl:all_reduce_1", b.ProfilingName)
	c, ok := r.Entry(2)
	require.True(t, ok)
	assert.Equal(t, "nccl:all_reduce_2", c.ProfilingName)
}

func TestRingKeepsLastCapacityIDs(t *testing.T) {
	r := New(Config{Capacity: 4})
	for i := 0; i < 10; i++ {
		_, ok := r.Record(Op{})
		require.True(t, ok)
	}
	for id := uint64(0); id < 10; id++ {
		_, ok := r.Entry(id)
		assert.Equal(t, id >= 6, ok, "id %d", id)
	}
}

func TestConcurrentRecordIDsDistinct(t *testing.T) {
	r := New(Config{Capacity: 128})
	const workers, perWorker = 8, 16

	var mu sync.Mutex
	var ids []uint64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]uint64, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				id, ok := r.Record(Op{})
				if ok {
					local = append(local, id)
				}
			}
			mu.Lock()
			ids = append(ids, local...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, ids, workers*perWorker)
	slices.Sort(ids)
	for i, id := range ids {
		assert.Equal(t, uint64(i), id)
	}
}

func TestDumpEntriesOrderedOldestFirst(t *testing.T) {
	r := New(Config{Capacity: 3})
	for i := 0; i < 5; i++ {
		_, ok := r.Record(Op{})
		require.True(t, ok)
	}
	entries := r.DumpEntries()
	require.Len(t, entries, 3)
	assert.Equal(t, uint64(2), entries[0].ID)
	assert.Equal(t, uint64(3), entries[1].ID)
	assert.Equal(t, uint64(4), entries[2].ID)
}

func TestUpdateStateIdempotent(t *testing.T) {
	r := New(Config{Capacity: 4, EnableTiming: true})
	start, end := &TimeMarker{}, &TimeMarker{}
	id, ok := r.Record(Op{Start: start, End: end})
	require.True(t, ok)

	base := time.Now()
	start.CompleteAt(base)
	end.CompleteAt(base.Add(7 * time.Millisecond))

	require.True(t, r.UpdateState(id))
	first, ok := r.Entry(id)
	require.True(t, ok)
	require.False(t, first.TimeDiscoveredCompleted.IsZero())
	require.True(t, first.HasDuration)
	assert.Equal(t, 7*time.Millisecond, first.Duration)

	time.Sleep(2 * time.Millisecond)
	require.True(t, r.UpdateState(id))
	second, ok := r.Entry(id)
	require.True(t, ok)
	assert.Equal(t, first.TimeDiscoveredCompleted, second.TimeDiscoveredCompleted)
	assert.Equal(t, first.Duration, second.Duration)
}

func TestStateDerivation(t *testing.T) {
	r := New(Config{Capacity: 2})
	start, end := &TimeMarker{}, &TimeMarker{}
	id, ok := r.Record(Op{Start: start, End: end})
	require.True(t, ok)

	e, ok := r.Entry(id)
	require.True(t, ok)
	assert.Equal(t, StateScheduled, e.State())

	start.Complete()
	r.UpdateState(id)
	e, _ = r.Entry(id)
	assert.Equal(t, StateStarted, e.State())
	assert.False(t, e.TimeDiscoveredStarted.IsZero())
	assert.True(t, e.TimeDiscoveredCompleted.IsZero())

	end.Complete()
	r.UpdateState(id)
	e, _ = r.Entry(id)
	assert.Equal(t, StateCompleted, e.State())
	assert.False(t, e.TimeDiscoveredCompleted.IsZero())
}

func TestUpdateStateSkipsStartOnceCompleted(t *testing.T) {
	r := New(Config{Capacity: 2})
	start, end := &TimeMarker{}, &TimeMarker{}
	id, ok := r.Record(Op{Start: start, End: end})
	require.True(t, ok)

	start.Complete()
	end.Complete()
	r.UpdateState(id)

	e, ok := r.Entry(id)
	require.True(t, ok)
	assert.Equal(t, StateCompleted, e.State())
	assert.True(t, e.TimeDiscoveredStarted.IsZero())
}

func TestRetirePreservesFields(t *testing.T) {
	r := New(Config{Capacity: 4, EnableTiming: true})
	start, end := &TimeMarker{}, &TimeMarker{}
	id, ok := r.Record(Op{
		GroupID:       3,
		Group:         GroupName{Name: "tp", Desc: "tensor parallel"},
		CollectiveSeq: 11,
		OpID:          42,
		ProfilingName: "nccl:all_reduce",
		Inputs:        []TensorDesc{{Dims: []int64{4, 8}, DType: "float32"}},
		Outputs:       []TensorDesc{{Dims: []int64{4, 8}, DType: "float32"}},
		Start:         start,
		End:           end,
		Timeout:       10 * time.Minute,
	})
	require.True(t, ok)

	base := time.Now()
	start.CompleteAt(base)
	end.CompleteAt(base.Add(5 * time.Millisecond))
	r.RetireID(id, true)

	e, ok := r.Entry(id)
	require.True(t, ok)
	assert.True(t, e.Retired)
	assert.Equal(t, "nccl:all_reduce", e.ProfilingName)
	assert.Equal(t, uint64(11), e.CollectiveSeq)
	assert.Equal(t, uint64(42), e.OpID)
	assert.Equal(t, GroupName{Name: "tp", Desc: "tensor parallel"}, e.Group)
	assert.Equal(t, []int64{4, 8, 4, 8}, e.Sizes)
	assert.Equal(t, 10*time.Minute, e.Timeout)
	require.True(t, e.HasDuration)
	assert.Equal(t, 5*time.Millisecond, e.Duration)
	assert.Equal(t, StateCompleted, e.State())
}

func TestRetireWithoutDuration(t *testing.T) {
	r := New(Config{Capacity: 2, EnableTiming: true})
	start, end := &TimeMarker{}, &TimeMarker{}
	id, ok := r.Record(Op{Start: start, End: end})
	require.True(t, ok)

	start.Complete()
	end.Complete()
	r.RetireID(id, false)

	e, ok := r.Entry(id)
	require.True(t, ok)
	assert.True(t, e.Retired)
	assert.False(t, e.HasDuration)
	assert.Equal(t, StateCompleted, e.State())
}

func TestDurationRequiresTiming(t *testing.T) {
	r := New(Config{Capacity: 2})
	start, end := &TimeMarker{}, &TimeMarker{}
	id, ok := r.Record(Op{Start: start, End: end})
	require.True(t, ok)

	start.Complete()
	end.Complete()
	r.RetireID(id, true)

	e, ok := r.Entry(id)
	require.True(t, ok)
	assert.False(t, e.HasDuration)
}

func TestRetireDropsMarkerReferences(t *testing.T) {
	r := New(Config{Capacity: 2})
	start, end := &TimeMarker{}, &TimeMarker{}
	id, ok := r.Record(Op{Start: start, End: end})
	require.True(t, ok)

	r.RetireID(id, true)
	// Markers completing after retirement must not be observable anymore.
	start.Complete()
	end.Complete()
	r.UpdateState(id)

	e, ok := r.Entry(id)
	require.True(t, ok)
	assert.True(t, e.Retired)
	assert.Equal(t, StateScheduled, e.State())
}

func TestRetireStaleIDIgnored(t *testing.T) {
	r := New(Config{Capacity: 1})
	id0, ok := r.Record(Op{})
	require.True(t, ok)
	id1, ok := r.Record(Op{})
	require.True(t, ok)

	r.RetireID(id0, true)

	e, ok := r.Entry(id1)
	require.True(t, ok)
	assert.False(t, e.Retired)
}

func TestGroupStatusTransitions(t *testing.T) {
	st := NewGroupStatus()
	snap := st.Snapshot()
	assert.Equal(t, int64(-1), snap.LastEnqueuedSeq)
	assert.Equal(t, int64(-1), snap.LastStartedSeq)
	assert.Equal(t, int64(-1), snap.LastCompletedSeq)

	st.OnEnqueued(5, "nccl:all_gather", 1024, 2048)
	st.OnStarted(5, "nccl:all_gather")
	st.OnCompleted(4, "nccl:reduce_scatter", 512, 256)

	snap = st.Snapshot()
	assert.Equal(t, int64(5), snap.LastEnqueuedSeq)
	assert.Equal(t, "nccl:all_gather", snap.LastEnqueuedName)
	assert.Equal(t, int64(1024), snap.LastEnqueuedNumelIn)
	assert.Equal(t, int64(5), snap.LastStartedSeq)
	assert.Equal(t, int64(4), snap.LastCompletedSeq)
	assert.Equal(t, "nccl:reduce_scatter", snap.LastCompletedName)
}

func TestTensorDescNumel(t *testing.T) {
	assert.Equal(t, int64(24), TensorDesc{Dims: []int64{2, 3, 4}}.Numel())
	assert.Equal(t, int64(1), TensorDesc{}.Numel())
	assert.Equal(t, int64(0), TensorDesc{Dims: []int64{0, 7}}.Numel())
}

func TestDurationHelper(t *testing.T) {
	_, ok := Duration(nil, nil)
	assert.False(t, ok)

	start, end := &TimeMarker{}, &TimeMarker{}
	_, ok = Duration(start, end)
	assert.False(t, ok)

	base := time.Now()
	start.CompleteAt(base)
	_, ok = Duration(start, end)
	assert.False(t, ok)

	end.CompleteAt(base.Add(9 * time.Millisecond))
	d, ok := Duration(start, end)
	require.True(t, ok)
	assert.Equal(t, 9*time.Millisecond, d)
}
