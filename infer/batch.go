// infer/batch.go
package infer

import "github.com/tinyweights/tinyweights/infer/fault"

// OptimalBatchSize returns the largest batch b <= maxBatch such that the
// currently resident weights plus b copies of the per-item activation fit
// in budget. When not even one item fits, it returns 1 together with a
// budget warning so the caller can decide whether to proceed anyway.
func (s *Scheduler) OptimalBatchSize(budget, perItemBytes uint64, maxBatch int) (int, error) {
	if perItemBytes == 0 {
		return 0, fault.New(fault.InvalidArg, "per-item activation size must be > 0")
	}
	if maxBatch < 1 {
		return 0, fault.New(fault.InvalidArg, "max batch %d must be >= 1", maxBatch)
	}
	weights := s.ld.MemoryStats().CurrentBytes
	if budget <= weights {
		return 1, fault.New(fault.BudgetExceeded,
			"resident weights %d already exceed batch budget %d", weights, budget)
	}
	b := (budget - weights) / perItemBytes
	if b < 1 {
		return 1, fault.New(fault.BudgetExceeded,
			"budget %d fits no items at %d bytes each over %d weight bytes", budget, perItemBytes, weights)
	}
	if b > uint64(maxBatch) {
		return maxBatch, nil
	}
	return int(b), nil
}
