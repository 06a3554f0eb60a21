// infer/scheduler.go
package infer

import (
	"sync"
	"sync/atomic"

	"github.com/emirpasic/gods/trees/binaryheap"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tinyweights/tinyweights/infer/fault"
	"github.com/tinyweights/tinyweights/infer/loader"
	"github.com/tinyweights/tinyweights/infer/trace"
)

// node is one layer execution within a forward pass.
type node struct {
	layerID     int
	weightBytes uint64
	outputBytes uint64
	kind        DepKind
	deps        []int
	dependents  []int
	status      Status

	pos           int // execution position, valid after prepare
	outputLastUse int
	descendants   int
	gain          uint64 // bytes released by running this node, memory-opt key
	output        []byte
}

// Scheduler orders layer execution nodes under a memory ceiling and drives
// them one step at a time. All methods are invoked serially by one owner;
// the mutex guards against the loader's background prefetch observing torn
// state through the trace sink.
type Scheduler struct {
	mu sync.Mutex

	ld          *loader.Loader
	mode        Mode
	memLimit    uint64
	maxPrefetch int
	compute     ComputeFunc

	nodes    map[int]*node
	addOrder []int

	prepared  bool
	order     []*node
	next      int
	passID    string
	halted    bool
	cancelled atomic.Bool

	activBytes  uint64
	pinnedBytes uint64
	peak        uint64
	predicted   uint64

	pool *bufPool
	sink *trace.Collector
	tick uint64
}

// NewScheduler creates a scheduler over an open loader. memLimit bounds the
// memory attributable to one forward pass: pinned weights plus live
// activations.
func NewScheduler(ld *loader.Loader, mode Mode, memLimit uint64, compute ComputeFunc) (*Scheduler, error) {
	if !validModes[mode] {
		return nil, fault.New(fault.InvalidArg, "unknown scheduler mode %q", mode)
	}
	if memLimit == 0 {
		return nil, fault.New(fault.InvalidArg, "memory limit must be > 0")
	}
	if compute == nil {
		return nil, fault.New(fault.InvalidArg, "compute callback must not be nil")
	}
	return &Scheduler{
		ld:          ld,
		mode:        mode,
		memLimit:    memLimit,
		maxPrefetch: 1,
		compute:     compute,
		nodes:       make(map[int]*node),
		pool:        newBufPool(),
	}, nil
}

// SetMaxParallelPrefetch bounds how many upcoming nodes' weights the
// latency and balanced modes fetch ahead of execution, and how much credit
// the projected peak reserves for them. The projection takes effect at the
// next PrepareForwardPass.
func (s *Scheduler) SetMaxParallelPrefetch(n int) error {
	if n < 1 {
		return fault.New(fault.InvalidArg, "max parallel prefetch %d must be >= 1", n)
	}
	s.mu.Lock()
	s.maxPrefetch = n
	s.mu.Unlock()
	return nil
}

// SetTrace attaches a decision trace collector. Pass nil to detach.
func (s *Scheduler) SetTrace(c *trace.Collector) {
	s.mu.Lock()
	s.sink = c
	s.mu.Unlock()
}

// AddLayer declares one execution node. dependsOn names layer ids of nodes
// already added; with DepSequential and no explicit dependencies the node
// depends on the previously added one. Nodes whose minimum working set
// (own weights, parent outputs, own output) cannot fit under the limit are
// rejected up front.
func (s *Scheduler) AddLayer(layerID int, dependsOn []int, kind DepKind, outputBytes uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prepared {
		return fault.New(fault.InvalidArg, "pass already prepared; Reset before adding nodes")
	}
	if _, ok := s.nodes[layerID]; ok {
		return fault.New(fault.InvalidArg, "node for layer %d already added", layerID)
	}
	weightBytes, err := s.ld.LayerBytes(layerID)
	if err != nil {
		return err
	}

	deps := append([]int(nil), dependsOn...)
	if len(deps) == 0 && kind == DepSequential && len(s.addOrder) > 0 {
		deps = []int{s.addOrder[len(s.addOrder)-1]}
	}
	minSet := weightBytes + outputBytes
	for _, dep := range deps {
		parent, ok := s.nodes[dep]
		if !ok {
			return fault.New(fault.InvalidArg, "node %d depends on unknown node %d", layerID, dep)
		}
		minSet += parent.outputBytes
	}
	if minSet > s.memLimit {
		return fault.New(fault.BudgetExceeded,
			"node %d needs %d bytes resident, limit is %d", layerID, minSet, s.memLimit)
	}

	n := &node{layerID: layerID, weightBytes: weightBytes, outputBytes: outputBytes, kind: kind, deps: deps}
	s.nodes[layerID] = n
	s.addOrder = append(s.addOrder, layerID)
	for _, dep := range deps {
		s.nodes[dep].dependents = append(s.nodes[dep].dependents, layerID)
	}
	return nil
}

// PrepareForwardPass fixes the execution order, computes liveness intervals
// and the projected peak, and arms ExecuteNext. The pass is rejected when
// the projected peak exceeds the memory limit.
func (s *Scheduler) PrepareForwardPass() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.nodes) == 0 {
		return fault.New(fault.InvalidArg, "no nodes added")
	}

	for _, n := range s.nodes {
		n.descendants = s.countDescendants(n)
	}

	// remaining unscheduled dependents per node, drives the memory-opt key
	remaining := make(map[int]int, len(s.nodes))
	indegree := make(map[int]int, len(s.nodes))
	for id, n := range s.nodes {
		remaining[id] = len(n.dependents)
		indegree[id] = len(n.deps)
	}

	heap := binaryheap.NewWith(func(a, b interface{}) int {
		na, nb := a.(*node), b.(*node)
		var ka, kb uint64
		switch s.mode {
		case MemoryOpt:
			ka, kb = na.gain, nb.gain
		default:
			ka, kb = uint64(na.descendants), uint64(nb.descendants)
		}
		if ka != kb {
			if ka > kb {
				return -1
			}
			return 1
		}
		return na.layerID - nb.layerID
	})

	ready := func(n *node) {
		n.gain = 0
		for _, dep := range n.deps {
			if remaining[dep] == 1 {
				parent := s.nodes[dep]
				n.gain += parent.outputBytes + parent.weightBytes
			}
		}
		heap.Push(n)
	}
	for _, id := range s.addOrder {
		if indegree[id] == 0 {
			ready(s.nodes[id])
		}
	}

	order := make([]*node, 0, len(s.nodes))
	for !heap.Empty() {
		v, _ := heap.Pop()
		n := v.(*node)
		n.pos = len(order)
		order = append(order, n)
		for _, dep := range n.deps {
			remaining[dep]--
		}
		for _, depID := range n.dependents {
			indegree[depID]--
			if indegree[depID] == 0 {
				ready(s.nodes[depID])
			}
		}
	}
	if len(order) != len(s.nodes) {
		return fault.New(fault.Internal, "dependency graph did not resolve to a full order")
	}

	// liveness: an output lives until its last consumer runs; sink outputs
	// live to the end of the pass
	last := len(order) - 1
	for _, n := range order {
		n.outputLastUse = last
		if len(n.dependents) > 0 {
			n.outputLastUse = 0
			for _, depID := range n.dependents {
				if pos := s.nodes[depID].pos; pos > n.outputLastUse {
					n.outputLastUse = pos
				}
			}
		}
	}

	s.predicted = s.projectPeak(order)
	if s.predicted > s.memLimit {
		return fault.New(fault.BudgetExceeded,
			"projected peak %d exceeds limit %d in mode %s", s.predicted, s.memLimit, s.mode)
	}

	for _, n := range order {
		n.status = Pending
	}
	s.order = order
	s.next = 0
	s.prepared = true
	s.halted = false
	s.cancelled.Store(false)
	s.activBytes, s.pinnedBytes, s.peak = 0, 0, 0
	s.passID = uuid.NewString()
	logrus.Infof("prepared forward pass %s: %d nodes, mode=%s, predicted peak %d/%d",
		s.passID, len(order), s.mode, s.predicted, s.memLimit)
	return nil
}

// countDescendants returns the number of distinct transitive dependents.
func (s *Scheduler) countDescendants(n *node) int {
	seen := make(map[int]bool)
	stack := append([]int(nil), n.dependents...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		stack = append(stack, s.nodes[id].dependents...)
	}
	return len(seen)
}

// projectPeak replays the order and returns the maximum pass-attributable
// residency: pinned weights during each step plus live activations, with
// the mode's prefetch credit for the next node's weights.
func (s *Scheduler) projectPeak(order []*node) uint64 {
	var cur, peak uint64
	for i, n := range order {
		cur += n.weightBytes + n.outputBytes
		step := cur
		if s.mode != MemoryOpt {
			for ahead := 1; ahead <= s.maxPrefetch && i+ahead < len(order); ahead++ {
				credit := order[i+ahead].weightBytes
				if s.mode == LatencyOpt && step+credit <= s.memLimit {
					step += credit
				} else if s.mode == Balanced && step < s.memLimit && credit <= (s.memLimit-step)/2 {
					step += credit
				} else {
					break
				}
			}
		}
		if step > peak {
			peak = step
		}
		cur -= n.weightBytes // unpinned after the step
		for _, dep := range n.deps {
			if s.nodes[dep].outputLastUse == i {
				cur -= s.nodes[dep].outputBytes
			}
		}
	}
	return peak
}

// ExecuteNext runs the next node: pins and loads its weights, invokes the
// compute callback, then releases buffers whose liveness ended. input feeds
// source nodes; output receives the final node's activation. The second
// return is true exactly once per node, then false.
func (s *Scheduler) ExecuteNext(input, output []byte) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.prepared {
		return 0, false, fault.New(fault.InvalidArg, "forward pass not prepared")
	}
	if s.halted || s.next >= len(s.order) {
		return 0, false, nil
	}
	if s.cancelled.Load() {
		return 0, false, fault.New(fault.Cancelled, "forward pass %s cancelled", s.passID)
	}

	n := s.order[s.next]
	n.status = Running

	if err := s.ld.Pin(n.layerID); err != nil {
		return s.failLocked(n, err)
	}
	if err := s.ld.LoadLayer(n.layerID); err != nil {
		_ = s.ld.Unpin(n.layerID)
		return s.failLocked(n, err)
	}
	s.pinnedBytes += n.weightBytes
	s.ld.UpdateAccess(n.layerID)
	weights, err := s.ld.Weights(n.layerID)
	if err != nil {
		s.releaseWeightsLocked(n)
		return s.failLocked(n, err)
	}

	in := input
	if len(n.deps) > 0 {
		in = s.nodes[n.deps[0]].output
	}
	out := s.pool.get(n.outputBytes)
	if err := s.compute(n.layerID, weights, in, out); err != nil {
		s.pool.put(out)
		s.releaseWeightsLocked(n)
		return s.failLocked(n, err)
	}
	n.output = out
	n.status = Done
	s.activBytes += n.outputBytes
	if u := s.activBytes + s.pinnedBytes; u > s.peak {
		s.peak = u
	}

	s.releaseWeightsLocked(n)
	for _, dep := range n.deps {
		parent := s.nodes[dep]
		if parent.output != nil && parent.outputLastUse == n.pos {
			s.pool.put(parent.output)
			parent.output = nil
			s.activBytes -= parent.outputBytes
		}
	}

	if n.pos == len(s.order)-1 && output != nil {
		copy(output, n.output)
	}
	s.sink.Record(trace.Record{
		PassID: s.passID, Tick: s.tick, Op: trace.OpStep,
		Layer: n.layerID, Bytes: n.outputBytes, Policy: string(s.mode),
	})
	s.tick++
	s.next++
	s.prefetchAheadLocked()
	return n.layerID, true, nil
}

// prefetchAheadLocked fetches upcoming nodes' weights in the latency and
// balanced modes, mirroring the credit PrepareForwardPass projected for
// them. Fetches are best-effort and never fail the pass; balanced mode stops
// once a fetch would claim more than half of the remaining free limit.
func (s *Scheduler) prefetchAheadLocked() {
	if s.mode == MemoryOpt {
		return
	}
	for ahead := 0; ahead < s.maxPrefetch && s.next+ahead < len(s.order); ahead++ {
		upcoming := s.order[s.next+ahead]
		if s.mode == Balanced {
			var free uint64
			if u := s.activBytes + s.pinnedBytes; s.memLimit > u {
				free = s.memLimit - u
			}
			if upcoming.weightBytes > free/2 {
				return
			}
		}
		if err := s.ld.LoadLayer(upcoming.layerID); err != nil {
			logrus.Debugf("ahead-of-time load of layer %d skipped: %v", upcoming.layerID, err)
			return
		}
	}
}

// releaseWeightsLocked unpins a node's weights after its step. Memory-opt
// additionally unloads them; the other modes leave residency to the
// loader's policy.
func (s *Scheduler) releaseWeightsLocked(n *node) {
	_ = s.ld.Unpin(n.layerID)
	if s.pinnedBytes >= n.weightBytes {
		s.pinnedBytes -= n.weightBytes
	}
	if s.mode == MemoryOpt {
		if err := s.ld.UnloadLayer(n.layerID); err != nil {
			logrus.Debugf("post-step unload of layer %d skipped: %v", n.layerID, err)
		}
	}
}

func (s *Scheduler) failLocked(n *node, err error) (int, bool, error) {
	n.status = Failed
	s.halted = true
	logrus.Errorf("forward pass %s failed at layer %d: %v", s.passID, n.layerID, err)
	return n.layerID, false, err
}

// Cancel requests cooperative cancellation; the flag is checked between
// steps, never inside a compute callback.
func (s *Scheduler) Cancel() { s.cancelled.Store(true) }

// Reset re-arms the prepared pass: statuses return to pending, activation
// buffers go back to the pool and counters clear. The order, liveness and
// predicted peak are kept.
func (s *Scheduler) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.prepared {
		return fault.New(fault.InvalidArg, "forward pass not prepared")
	}
	for _, n := range s.order {
		if n.output != nil {
			s.pool.put(n.output)
			n.output = nil
		}
		n.status = Pending
	}
	s.next = 0
	s.halted = false
	s.cancelled.Store(false)
	s.activBytes, s.pinnedBytes, s.peak = 0, 0, 0
	s.passID = uuid.NewString()
	return nil
}

// Output returns the activation produced by a node, valid until its
// liveness ends or the pass is reset.
func (s *Scheduler) Output(layerID int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[layerID]
	if !ok {
		return nil, fault.New(fault.NotFound, "no node for layer %d", layerID)
	}
	if n.status != Done || n.output == nil {
		return nil, fault.New(fault.InvalidArg, "layer %d has no live output (%s)", layerID, n.status)
	}
	return n.output, nil
}

// ReleaseOutput returns a node's activation buffer to the pool early.
func (s *Scheduler) ReleaseOutput(layerID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[layerID]
	if !ok {
		return fault.New(fault.NotFound, "no node for layer %d", layerID)
	}
	if n.output != nil {
		s.pool.put(n.output)
		n.output = nil
		s.activBytes -= n.outputBytes
	}
	return nil
}

// StatusOf returns a node's lifecycle status.
func (s *Scheduler) StatusOf(layerID int) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[layerID]
	if !ok {
		return Pending, fault.New(fault.NotFound, "no node for layer %d", layerID)
	}
	return n.status, nil
}

// MemoryUsage returns the residency currently attributable to this pass.
func (s *Scheduler) MemoryUsage() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activBytes + s.pinnedBytes
}

// PeakMemoryUsage returns the maximum observed pass residency.
func (s *Scheduler) PeakMemoryUsage() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

// PredictedPeak returns the peak projected by PrepareForwardPass.
func (s *Scheduler) PredictedPeak() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.predicted
}
