// Package infer sequences layer executions over a progressive loader. The
// scheduler takes a DAG of execution nodes, orders them under a memory
// ceiling and drives a host-supplied compute callback one step at a time.
package infer

import "github.com/tinyweights/tinyweights/infer/fault"

// Mode selects the scheduling objective.
type Mode string

const (
	// MemoryOpt minimizes peak residency: serial order, every buffer
	// released at its last use.
	MemoryOpt Mode = "memory-opt"
	// LatencyOpt runs critical-path first and prefetches upcoming weights
	// into whatever budget is free.
	LatencyOpt Mode = "latency-opt"
	// Balanced is LatencyOpt with prefetch capped at half the free budget.
	Balanced Mode = "balanced"
)

var validModes = map[Mode]bool{
	MemoryOpt:  true,
	LatencyOpt: true,
	Balanced:   true,
}

// IsValidMode reports whether name is a known scheduling mode.
func IsValidMode(name string) bool { return validModes[Mode(name)] }

// ParseMode converts a mode name to a Mode.
func ParseMode(name string) (Mode, error) {
	if !IsValidMode(name) {
		return "", fault.New(fault.InvalidArg, "unknown scheduler mode %q", name)
	}
	return Mode(name), nil
}

// DepKind describes how a node relates to the nodes added before it.
type DepKind int

const (
	// DepNone declares no implicit dependency.
	DepNone DepKind = iota
	// DepSequential depends on the previously added node when no explicit
	// dependencies are given.
	DepSequential
	// DepParallelSafe marks the node safe to reorder against its siblings.
	DepParallelSafe
)

// Status is the lifecycle of one execution node within a pass.
type Status int

const (
	Pending Status = iota
	Ready
	Running
	Done
	Failed
)

var statusNames = map[Status]string{
	Pending: "pending",
	Ready:   "ready",
	Running: "running",
	Done:    "done",
	Failed:  "failed",
}

func (s Status) String() string { return statusNames[s] }

// ComputeFunc is the host kernel invoked once per node. weights is the
// resident layer buffer, input the upstream activation (nil for source
// nodes) and output the destination activation buffer sized to the node's
// declared output bytes. Weights and input must not be mutated.
type ComputeFunc func(layerID int, weights, input, output []byte) error
