package infer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyweights/tinyweights/infer/fault"
)

func TestOptimalBatchSize_LiteralBudget_ReturnsSix(t *testing.T) {
	// GIVEN 400 KB of resident weights under a 1 MB batch budget
	ld := newTestLoader(t, []int{100 * kb, 100 * kb, 100 * kb, 100 * kb}, 1<<20)
	require.NoError(t, ld.Preload([]int{0, 1, 2, 3}))
	require.Equal(t, uint64(400*kb), ld.MemoryStats().CurrentBytes)

	s, err := NewScheduler(ld, MemoryOpt, 1<<20, noopKernel)
	require.NoError(t, err)

	// WHEN sizing 100 KB items against a 1 MB budget
	b, err := s.OptimalBatchSize(1<<20, 100*kb, 32)

	// THEN (1 MB - 400 KB) / 100 KB rounds down to 6
	require.NoError(t, err)
	assert.Equal(t, 6, b)
}

func TestOptimalBatchSize_CapsAtMaxBatch(t *testing.T) {
	ld := newTestLoader(t, []int{100 * kb}, 1<<20)
	require.NoError(t, ld.LoadLayer(0))
	s, err := NewScheduler(ld, MemoryOpt, 1<<20, noopKernel)
	require.NoError(t, err)

	b, err := s.OptimalBatchSize(1<<20, 10*kb, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, b)
}

func TestOptimalBatchSize_NoPositiveSolution_ReturnsOneWithWarning(t *testing.T) {
	// GIVEN weights that already consume the whole budget
	ld := newTestLoader(t, []int{400 * kb}, 1<<20)
	require.NoError(t, ld.LoadLayer(0))
	s, err := NewScheduler(ld, MemoryOpt, 1<<20, noopKernel)
	require.NoError(t, err)

	b, err := s.OptimalBatchSize(400*kb, 100*kb, 32)
	assert.Equal(t, 1, b)
	assert.Equal(t, fault.BudgetExceeded, fault.KindOf(err))

	// a budget that fits a fraction of one item behaves the same
	b, err = s.OptimalBatchSize(450*kb, 100*kb, 32)
	assert.Equal(t, 1, b)
	assert.Equal(t, fault.BudgetExceeded, fault.KindOf(err))
}

func TestOptimalBatchSize_DegenerateArguments_AreInvalid(t *testing.T) {
	ld := newTestLoader(t, []int{1 * kb}, 1<<20)
	s, err := NewScheduler(ld, MemoryOpt, 1<<20, noopKernel)
	require.NoError(t, err)

	_, err = s.OptimalBatchSize(1<<20, 0, 32)
	assert.Equal(t, fault.InvalidArg, fault.KindOf(err))
	_, err = s.OptimalBatchSize(1<<20, 1*kb, 0)
	assert.Equal(t, fault.InvalidArg, fault.KindOf(err))
}
