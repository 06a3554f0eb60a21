package infer

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyweights/tinyweights/infer/fault"
	"github.com/tinyweights/tinyweights/infer/loader"
	"github.com/tinyweights/tinyweights/infer/store"
)

const kb = 1024

// newTestLoader packs one layer per size and opens a loader over the file
// with prefetch disabled.
func newTestLoader(t *testing.T, sizes []int, budget uint64) *loader.Loader {
	t.Helper()
	w := store.NewWriter(true)
	for id, size := range sizes {
		payload := make([]byte, size)
		for i := range payload {
			payload[i] = byte(id + 1)
		}
		_, err := w.AddLayer(store.DTypeF32, []uint32{uint32(size)}, payload)
		require.NoError(t, err)
	}
	path := filepath.Join(t.TempDir(), "model.tmai")
	require.NoError(t, w.WriteFile(path))

	l, err := loader.New(path, loader.Config{
		MemoryBudget:    budget,
		EnableUnloading: true,
		Policy:          loader.PolicyLRU,
	})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func noopKernel(layerID int, weights, input, output []byte) error { return nil }

// drain runs the pass to completion and returns the executed layer order
// and the highest MemoryUsage observed after any step.
func drain(t *testing.T, s *Scheduler, input, output []byte) ([]int, uint64) {
	t.Helper()
	var order []int
	var peak uint64
	for {
		layerID, more, err := s.ExecuteNext(input, output)
		require.NoError(t, err)
		if !more {
			break
		}
		order = append(order, layerID)
		if u := s.MemoryUsage(); u > peak {
			peak = u
		}
	}
	return order, peak
}

func TestExecuteNext_FiveNodesUnderCap_PeakStaysAtLimit(t *testing.T) {
	// GIVEN 5 chained nodes producing 256 KB each under a 512 KB ceiling
	ld := newTestLoader(t, []int{0, 0, 0, 0, 0}, 1<<20)
	s, err := NewScheduler(ld, MemoryOpt, 512*kb, noopKernel)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AddLayer(i, nil, DepSequential, 256*kb))
	}

	// WHEN the pass is prepared and drained
	require.NoError(t, s.PrepareForwardPass())
	order, peak := drain(t, s, nil, nil)

	// THEN all 5 nodes execute and the observed peak is exactly the ceiling
	assert.Len(t, order, 5)
	assert.Equal(t, uint64(512*kb), s.PeakMemoryUsage())
	assert.LessOrEqual(t, peak, s.PeakMemoryUsage())
	assert.LessOrEqual(t, s.PeakMemoryUsage(), s.PredictedPeak())
}

func TestExecuteNext_Diamond_RespectsDependencies(t *testing.T) {
	// GIVEN a diamond 0 -> {1,2} -> 3
	ld := newTestLoader(t, []int{1 * kb, 1 * kb, 1 * kb, 1 * kb}, 1<<20)
	s, err := NewScheduler(ld, MemoryOpt, 1<<20, noopKernel)
	require.NoError(t, err)
	require.NoError(t, s.AddLayer(0, nil, DepNone, 1*kb))
	require.NoError(t, s.AddLayer(1, []int{0}, DepNone, 1*kb))
	require.NoError(t, s.AddLayer(2, []int{0}, DepNone, 1*kb))
	require.NoError(t, s.AddLayer(3, []int{1, 2}, DepNone, 1*kb))
	require.NoError(t, s.PrepareForwardPass())

	order, _ := drain(t, s, nil, nil)

	// THEN every node ran exactly once in dependency order
	require.Len(t, order, 4)
	pos := make(map[int]int, 4)
	for i, id := range order {
		pos[id] = i
	}
	assert.Less(t, pos[0], pos[1])
	assert.Less(t, pos[0], pos[2])
	assert.Less(t, pos[1], pos[3])
	assert.Less(t, pos[2], pos[3])

	// and repeated calls after completion keep returning false
	for i := 0; i < 3; i++ {
		_, more, err := s.ExecuteNext(nil, nil)
		require.NoError(t, err)
		assert.False(t, more)
	}
}

func TestPrepareForwardPass_ModeOrdersDiffer(t *testing.T) {
	// GIVEN independent roots 0 and 1 where only 1 has downstream work
	build := func(mode Mode) *Scheduler {
		ld := newTestLoader(t, []int{1 * kb, 1 * kb, 1 * kb, 1 * kb}, 1<<20)
		s, err := NewScheduler(ld, mode, 1<<20, noopKernel)
		require.NoError(t, err)
		require.NoError(t, s.AddLayer(0, nil, DepNone, 1*kb))
		require.NoError(t, s.AddLayer(1, nil, DepNone, 1*kb))
		require.NoError(t, s.AddLayer(2, []int{1}, DepNone, 1*kb))
		require.NoError(t, s.AddLayer(3, []int{2}, DepNone, 1*kb))
		require.NoError(t, s.PrepareForwardPass())
		return s
	}

	// memory-opt ties on release gain and takes the lower id first
	order, _ := drain(t, build(MemoryOpt), nil, nil)
	assert.Equal(t, 0, order[0])

	// latency-opt runs the critical path first
	order, _ = drain(t, build(LatencyOpt), nil, nil)
	assert.Equal(t, 1, order[0])
}

func TestAddLayer_WorkingSetOverLimit_IsRejected(t *testing.T) {
	ld := newTestLoader(t, []int{1 * kb, 1 * kb}, 1<<20)
	s, err := NewScheduler(ld, MemoryOpt, 100*kb, noopKernel)
	require.NoError(t, err)

	err = s.AddLayer(0, nil, DepNone, 200*kb)
	assert.Equal(t, fault.BudgetExceeded, fault.KindOf(err))

	require.NoError(t, s.AddLayer(1, nil, DepNone, 50*kb))
	err = s.AddLayer(0, []int{1}, DepNone, 60*kb)
	assert.Equal(t, fault.BudgetExceeded, fault.KindOf(err), "parent output counts toward the working set")
}

func TestPrepareForwardPass_ProjectedPeakOverLimit_IsRejected(t *testing.T) {
	// GIVEN a chain whose first output stays live for a late consumer
	ld := newTestLoader(t, []int{0, 0, 0, 0}, 1<<20)
	s, err := NewScheduler(ld, MemoryOpt, 512*kb, noopKernel)
	require.NoError(t, err)
	require.NoError(t, s.AddLayer(0, nil, DepNone, 200*kb))
	require.NoError(t, s.AddLayer(1, []int{0}, DepNone, 200*kb))
	require.NoError(t, s.AddLayer(2, []int{1}, DepNone, 200*kb))
	require.NoError(t, s.AddLayer(3, []int{0, 2}, DepNone, 100*kb))

	// THEN the 600 KB step-2 peak fails preparation
	err = s.PrepareForwardPass()
	assert.Equal(t, fault.BudgetExceeded, fault.KindOf(err))
}

func TestExecuteNext_KernelFailure_HaltsPassAndKeepsEarlierOutputs(t *testing.T) {
	boom := errors.New("kernel exploded")
	failOn := func(layerID int, weights, input, output []byte) error {
		if layerID == 1 {
			return boom
		}
		return nil
	}
	ld := newTestLoader(t, []int{1 * kb, 1 * kb, 1 * kb}, 1<<20)
	s, err := NewScheduler(ld, MemoryOpt, 1<<20, failOn)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AddLayer(i, nil, DepSequential, 1*kb))
	}
	require.NoError(t, s.PrepareForwardPass())

	_, more, err := s.ExecuteNext(nil, nil)
	require.NoError(t, err)
	require.True(t, more)

	// WHEN the kernel fails on node 1
	layerID, more, err := s.ExecuteNext(nil, nil)
	assert.Equal(t, 1, layerID)
	assert.False(t, more)
	assert.True(t, errors.Is(err, boom))

	// THEN the pass is halted, the node marked failed and node 0's output
	// stays readable
	_, more, err = s.ExecuteNext(nil, nil)
	require.NoError(t, err)
	assert.False(t, more)

	st, err := s.StatusOf(1)
	require.NoError(t, err)
	assert.Equal(t, Failed, st)

	out, err := s.Output(0)
	require.NoError(t, err)
	assert.Len(t, out, 1*kb)
}

func TestExecuteNext_AfterCancel_IsCancelled(t *testing.T) {
	ld := newTestLoader(t, []int{1 * kb, 1 * kb}, 1<<20)
	s, err := NewScheduler(ld, MemoryOpt, 1<<20, noopKernel)
	require.NoError(t, err)
	require.NoError(t, s.AddLayer(0, nil, DepSequential, 1*kb))
	require.NoError(t, s.AddLayer(1, nil, DepSequential, 1*kb))
	require.NoError(t, s.PrepareForwardPass())

	_, more, err := s.ExecuteNext(nil, nil)
	require.NoError(t, err)
	require.True(t, more)

	s.Cancel()
	_, more, err = s.ExecuteNext(nil, nil)
	assert.False(t, more)
	assert.Equal(t, fault.Cancelled, fault.KindOf(err))

	// a reset clears the flag and the pass runs again from the top
	require.NoError(t, s.Reset())
	order, _ := drain(t, s, nil, nil)
	assert.Equal(t, []int{0, 1}, order)
}

func TestExecuteNext_FinalOutput_IsCopiedToCaller(t *testing.T) {
	fill := func(layerID int, weights, input, output []byte) error {
		for i := range output {
			output[i] = byte(layerID + 0x40)
		}
		return nil
	}
	ld := newTestLoader(t, []int{1 * kb, 1 * kb}, 1<<20)
	s, err := NewScheduler(ld, MemoryOpt, 1<<20, fill)
	require.NoError(t, err)
	require.NoError(t, s.AddLayer(0, nil, DepSequential, 16))
	require.NoError(t, s.AddLayer(1, nil, DepSequential, 16))
	require.NoError(t, s.PrepareForwardPass())

	output := make([]byte, 16)
	drain(t, s, nil, output)
	for i, b := range output {
		if b != 0x41 {
			t.Fatalf("output[%d] = %#x, want %#x from the final node", i, b, 0x41)
		}
	}
}

func TestExecuteNext_MemoryOptChain_UnloadsWeightsAfterUse(t *testing.T) {
	ld := newTestLoader(t, []int{100 * kb, 100 * kb, 100 * kb}, 1<<20)
	s, err := NewScheduler(ld, MemoryOpt, 1<<20, noopKernel)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AddLayer(i, nil, DepSequential, 1*kb))
	}
	require.NoError(t, s.PrepareForwardPass())
	_, peak := drain(t, s, nil, nil)

	assert.Equal(t, 0, ld.MemoryStats().LoadedCount, "memory-opt releases each layer after its step")
	assert.LessOrEqual(t, peak, s.PredictedPeak())
	assert.LessOrEqual(t, s.PeakMemoryUsage(), s.PredictedPeak())
}

func TestPrepareForwardPass_LatencyMode_CreditsUpcomingWeights(t *testing.T) {
	// GIVEN a chain of 100 KB layers with small activations
	build := func(mode Mode, parallel int) *Scheduler {
		ld := newTestLoader(t, []int{100 * kb, 100 * kb, 100 * kb}, 1<<20)
		s, err := NewScheduler(ld, mode, 1<<20, noopKernel)
		require.NoError(t, err)
		require.NoError(t, s.SetMaxParallelPrefetch(parallel))
		for i := 0; i < 3; i++ {
			require.NoError(t, s.AddLayer(i, nil, DepSequential, 1*kb))
		}
		require.NoError(t, s.PrepareForwardPass())
		return s
	}

	memOpt := build(MemoryOpt, 1).PredictedPeak()
	latency := build(LatencyOpt, 1).PredictedPeak()
	wide := build(LatencyOpt, 2).PredictedPeak()

	// THEN holding the next layer's weights ahead raises the projection
	assert.Greater(t, latency, memOpt)
	assert.Greater(t, wide, latency)
	// and the credit never projects past the limit
	assert.LessOrEqual(t, wide, uint64(1<<20))

	s := build(Balanced, 1)
	assert.LessOrEqual(t, s.PredictedPeak(), uint64(1<<20))

	assert.Equal(t, fault.InvalidArg, fault.KindOf(s.SetMaxParallelPrefetch(0)))
}

func TestExecuteNext_LatencyMode_FetchesUpcomingWeights(t *testing.T) {
	build := func(mode Mode) (*loader.Loader, *Scheduler) {
		ld := newTestLoader(t, []int{10 * kb, 10 * kb, 10 * kb}, 1<<20)
		s, err := NewScheduler(ld, mode, 1<<20, noopKernel)
		require.NoError(t, err)
		for i := 0; i < 3; i++ {
			require.NoError(t, s.AddLayer(i, nil, DepSequential, 1*kb))
		}
		require.NoError(t, s.PrepareForwardPass())
		return ld, s
	}

	// latency-opt holds the next node's weights after each step
	ld, s := build(LatencyOpt)
	_, more, err := s.ExecuteNext(nil, nil)
	require.NoError(t, err)
	require.True(t, more)
	assert.True(t, ld.IsLoaded(1), "next node's weights fetched ahead of its step")

	// memory-opt leaves upcoming layers on disk
	ld, s = build(MemoryOpt)
	_, more, err = s.ExecuteNext(nil, nil)
	require.NoError(t, err)
	require.True(t, more)
	assert.False(t, ld.IsLoaded(1))
}

func TestNewScheduler_InvalidArguments_AreRejected(t *testing.T) {
	ld := newTestLoader(t, []int{1 * kb}, 1<<20)

	_, err := NewScheduler(ld, Mode("speed-opt"), 1<<20, noopKernel)
	assert.Equal(t, fault.InvalidArg, fault.KindOf(err))
	_, err = NewScheduler(ld, MemoryOpt, 0, noopKernel)
	assert.Equal(t, fault.InvalidArg, fault.KindOf(err))
	_, err = NewScheduler(ld, MemoryOpt, 1<<20, nil)
	assert.Equal(t, fault.InvalidArg, fault.KindOf(err))
}

func TestExecuteNext_BeforePrepare_IsInvalidArg(t *testing.T) {
	ld := newTestLoader(t, []int{1 * kb}, 1<<20)
	s, err := NewScheduler(ld, MemoryOpt, 1<<20, noopKernel)
	require.NoError(t, err)
	require.NoError(t, s.AddLayer(0, nil, DepNone, 1*kb))

	_, _, err = s.ExecuteNext(nil, nil)
	assert.Equal(t, fault.InvalidArg, fault.KindOf(err))
}

func TestAddLayer_DuplicateOrUnknown_IsRejected(t *testing.T) {
	ld := newTestLoader(t, []int{1 * kb, 1 * kb}, 1<<20)
	s, err := NewScheduler(ld, MemoryOpt, 1<<20, noopKernel)
	require.NoError(t, err)
	require.NoError(t, s.AddLayer(0, nil, DepNone, 1*kb))

	assert.Equal(t, fault.InvalidArg, fault.KindOf(s.AddLayer(0, nil, DepNone, 1*kb)))
	assert.Equal(t, fault.InvalidArg, fault.KindOf(s.AddLayer(1, []int{5}, DepNone, 1*kb)))
	assert.Equal(t, fault.NotFound, fault.KindOf(s.AddLayer(9, nil, DepNone, 1*kb)))
}

func TestParseMode_Names(t *testing.T) {
	for _, name := range []string{"memory-opt", "latency-opt", "balanced"} {
		m, err := ParseMode(name)
		require.NoError(t, err)
		assert.Equal(t, Mode(name), m)
	}
	_, err := ParseMode("turbo")
	assert.Equal(t, fault.InvalidArg, fault.KindOf(err))
	assert.False(t, IsValidMode("turbo"))
}
