// Package loader implements progressive, memory-budgeted layer residency on
// top of the mapped store. It owns the residency table, the eviction policy,
// the layer dependency graph, access statistics and the prefetch predictor.
//
// All public operations serialize on one mutex. Lock order is fixed:
// loader mutex first, then the store's internal mutex; the loader never
// calls back into itself from store callbacks.
package loader

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tinyweights/tinyweights/infer/fault"
	"github.com/tinyweights/tinyweights/infer/store"
	"github.com/tinyweights/tinyweights/infer/trace"
)

// State is a layer's residency state.
type State int

const (
	Unloaded State = iota
	Loading
	Loaded
	Evicting
)

var stateNames = map[State]string{
	Unloaded: "unloaded",
	Loading:  "loading",
	Loaded:   "loaded",
	Evicting: "evicting",
}

func (s State) String() string { return stateNames[s] }

// layerState is the mutable residency record for one layer.
type layerState struct {
	id          int
	bytes       uint64
	state       State
	weights     []byte // store-owned buffer while loaded
	pinCount    uint32
	lastTick    uint64
	accessCount uint64
	priority    float64 // manual policy
	loadCount   uint64
	totalLoad   time.Duration
	deps        map[int]struct{}
	dependents  map[int]struct{}
}

// Loader enforces a memory budget over the store's layer cache.
type Loader struct {
	mu sync.Mutex

	store     *store.Store
	ownsStore bool
	cfg       Config

	layers  []*layerState
	current uint64
	peak    uint64
	tick    uint64
	window  accessWindow

	totalModel uint64
	loads      uint64
	totalLoad  time.Duration

	prefetch *errgroup.Group
	sink     *trace.Collector
	closed   bool
}

// New opens the container at path and wraps it in a Loader. The store is
// opened without an internal cache ceiling; the loader's budget is the
// binding constraint.
func New(path string, cfg Config) (*Loader, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}
	st, err := store.Open(path, store.Config{ReadOnly: true, VerifyChecksums: true})
	if err != nil {
		return nil, err
	}
	l, err := NewFromStore(st, cfg)
	if err != nil {
		st.Close()
		return nil, err
	}
	l.ownsStore = true
	return l, nil
}

// NewFromStore wraps an already-open store. The caller keeps ownership of
// the store and must close it after the loader.
func NewFromStore(st *store.Store, cfg Config) (*Loader, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}
	n := st.LayerCount()
	l := &Loader{
		store:      st,
		cfg:        cfg,
		layers:     make([]*layerState, n),
		totalModel: st.TotalBytes(),
		prefetch:   &errgroup.Group{},
	}
	limit := cfg.MaxPrefetchLayers
	if limit <= 0 {
		limit = 1
	}
	l.prefetch.SetLimit(limit)
	for i := 0; i < n; i++ {
		info, err := st.LayerInfo(i)
		if err != nil {
			return nil, err
		}
		l.layers[i] = &layerState{
			id:         i,
			bytes:      info.Size,
			deps:       make(map[int]struct{}),
			dependents: make(map[int]struct{}),
		}
	}
	logrus.Infof("progressive loader: %d layers, %d model bytes, budget %d, policy %s",
		n, l.totalModel, cfg.MemoryBudget, cfg.Policy)
	return l, nil
}

func validate(cfg Config) error {
	if cfg.MemoryBudget == 0 {
		return fault.New(fault.InvalidArg, "memory budget must be > 0")
	}
	if cfg.PrefetchThreshold < 0 || cfg.PrefetchThreshold > 1 {
		return fault.New(fault.InvalidArg, "prefetch threshold %v outside [0,1]", cfg.PrefetchThreshold)
	}
	if !validPolicies[cfg.Policy] {
		return fault.New(fault.InvalidArg, "unknown eviction policy %q", cfg.Policy)
	}
	return nil
}

// SetTrace attaches a decision trace collector. Pass nil to detach.
func (l *Loader) SetTrace(c *trace.Collector) {
	l.mu.Lock()
	l.sink = c
	l.mu.Unlock()
}

// Close waits for in-flight prefetches, drops all residency and closes the
// store when the loader owns it.
func (l *Loader) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	_ = l.prefetch.Wait() // prefetch failures are best-effort by contract

	l.mu.Lock()
	for _, ls := range l.layers {
		if ls.state == Loaded {
			ls.pinCount = 0
			l.evictLocked(ls.id, trace.OpEvict, "close")
		}
	}
	l.mu.Unlock()

	if l.ownsStore {
		return l.store.Close()
	}
	return nil
}

// LayerCount returns the number of layers in the model.
func (l *Loader) LayerCount() int { return len(l.layers) }

// LayerBytes returns the on-disk size of a layer.
func (l *Loader) LayerBytes(id int) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkIDLocked(id); err != nil {
		return 0, err
	}
	return l.layers[id].bytes, nil
}

// LoadLayer ensures the layer is resident, evicting others under the
// configured policy when the budget demands it. Prerequisites are loaded
// first when dependency tracking is on.
func (l *Loader) LoadLayer(id int) error {
	l.mu.Lock()
	err := l.loadLocked(id)
	l.mu.Unlock()
	if err != nil {
		return err
	}
	l.schedulePrefetch(id)
	return nil
}

func (l *Loader) loadLocked(id int) error {
	if l.closed {
		return fault.New(fault.InvalidArg, "loader is closed")
	}
	if err := l.checkIDLocked(id); err != nil {
		return err
	}
	ls := l.layers[id]
	if ls.state == Loaded {
		l.touchLocked(ls)
		return nil
	}

	if l.cfg.EnableDependencyTracking {
		for _, dep := range sortedKeys(ls.deps) {
			if err := l.loadLocked(dep); err != nil {
				return fault.Wrap(fault.KindOf(err), err, "prerequisite %d of layer %d", dep, id)
			}
		}
	}

	if err := l.makeRoomLocked(ls); err != nil {
		return err
	}

	ls.state = Loading
	start := time.Now()
	buf, err := l.fetchLocked(id)
	if err != nil {
		ls.state = Unloaded
		return err
	}
	elapsed := time.Since(start)

	ls.weights = buf
	ls.state = Loaded
	ls.loadCount++
	ls.totalLoad += elapsed
	l.loads++
	l.totalLoad += elapsed
	l.current += ls.bytes
	if l.current > l.peak {
		l.peak = l.current
	}
	l.touchLocked(ls)
	l.sink.Record(trace.Record{
		Tick: l.tick, Op: trace.OpLoad, Layer: id, Bytes: ls.bytes,
		Policy: string(l.cfg.Policy), ElapsedMs: float64(elapsed.Microseconds()) / 1000,
	})
	logrus.Debugf("loaded layer %d (%d bytes) in %s, resident=%d/%d",
		id, ls.bytes, elapsed, l.current, l.cfg.MemoryBudget)
	return nil
}

// makeRoomLocked evicts until ls fits under the budget. Pinned loads may
// overshoot with a warning when no victim remains.
func (l *Loader) makeRoomLocked(ls *layerState) error {
	if l.current+ls.bytes <= l.cfg.MemoryBudget {
		return nil
	}
	if !l.cfg.EnableUnloading {
		return fault.New(fault.BudgetExceeded,
			"loading layer %d (%d bytes) would exceed budget %d with unloading disabled",
			ls.id, ls.bytes, l.cfg.MemoryBudget)
	}
	exclude := l.prereqClosureLocked(ls.id)
	for l.current+ls.bytes > l.cfg.MemoryBudget {
		vid := l.pickVictimLocked(exclude)
		if vid < 0 {
			if ls.pinCount > 0 {
				logrus.Warnf("pinned load of layer %d overshoots budget by %d bytes",
					ls.id, l.current+ls.bytes-l.cfg.MemoryBudget)
				return nil
			}
			return fault.New(fault.BudgetExceeded,
				"no evictable layer; loading %d needs %d bytes over budget %d",
				ls.id, l.current+ls.bytes-l.cfg.MemoryBudget, l.cfg.MemoryBudget)
		}
		l.evictLocked(vid, trace.OpEvict, "budget")
	}
	return nil
}

// pickVictimLocked filters eligible candidates and defers ranking to the
// configured policy. Layers in exclude (the incoming layer and its
// prerequisite closure) are never victims.
func (l *Loader) pickVictimLocked(exclude map[int]bool) int {
	cands := make([]victim, 0)
	for _, ls := range l.layers {
		if ls.state != Loaded || ls.pinCount > 0 || exclude[ls.id] {
			continue
		}
		if l.cfg.EnableDependencyTracking && l.hasResidentDependentLocked(ls.id) {
			continue
		}
		cands = append(cands, victim{
			id:          ls.id,
			bytes:       ls.bytes,
			lastTick:    ls.lastTick,
			accessCount: ls.accessCount,
			priority:    ls.priority,
			distance:    l.window.distance(ls.id),
		})
	}
	return pickVictim(l.cfg.Policy, cands)
}

// fetchLocked pulls the layer bytes from the store, applying the per-load
// deadline.
func (l *Loader) fetchLocked(id int) ([]byte, error) {
	ctx := context.Background()
	if l.cfg.PerLoadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.PerLoadTimeout)
		defer cancel()
	}
	return l.store.GetWeightsContext(ctx, id)
}

// evictLocked transitions a loaded layer back to unloaded and discards its
// store buffer. One trace record is emitted per eviction, tagged with op so
// policy evictions and explicit unloads stay distinguishable in the trace.
func (l *Loader) evictLocked(id int, op trace.Op, reason string) {
	ls := l.layers[id]
	ls.state = Evicting
	l.store.Release(id)
	l.store.Drop(id)
	ls.weights = nil
	ls.state = Unloaded
	l.current -= ls.bytes
	l.sink.Record(trace.Record{
		Tick: l.tick, Op: op, Layer: id, Bytes: ls.bytes,
		Policy: string(l.cfg.Policy), Reason: reason,
	})
	logrus.Debugf("evicted layer %d (%s), resident=%d", id, reason, l.current)
}

// UnloadLayer explicitly unloads a layer. It fails when the layer is pinned
// or, with dependency tracking on, while a loaded layer still depends on it.
// Unloading a layer that is not loaded is a no-op.
func (l *Loader) UnloadLayer(id int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkIDLocked(id); err != nil {
		return err
	}
	ls := l.layers[id]
	if ls.state != Loaded {
		return nil
	}
	if ls.pinCount > 0 {
		return fault.New(fault.InvalidArg, "layer %d is pinned", id)
	}
	if l.cfg.EnableDependencyTracking && l.hasResidentDependentLocked(id) {
		return fault.New(fault.HasDependents, "layer %d has loaded dependents", id)
	}
	l.evictLocked(id, trace.OpUnload, "unload")
	return nil
}

// CanUnload reports whether UnloadLayer would succeed right now.
func (l *Loader) CanUnload(id int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.checkIDLocked(id) != nil {
		return false
	}
	ls := l.layers[id]
	if ls.state != Loaded || ls.pinCount > 0 {
		return false
	}
	if l.cfg.EnableDependencyTracking && l.hasResidentDependentLocked(id) {
		return false
	}
	return true
}

// IsLoaded reports whether a layer is resident.
func (l *Loader) IsLoaded(id int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkIDLocked(id) == nil && l.layers[id].state == Loaded
}

// State returns the residency state of a layer. Out-of-range ids read as
// unloaded.
func (l *Loader) State(id int) State {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.checkIDLocked(id) != nil {
		return Unloaded
	}
	return l.layers[id].state
}

// Pin marks a layer ineligible for eviction. Pins stack and are taken by
// the scheduler for the duration of an execution step; a pinned load may
// transiently overshoot the budget.
func (l *Loader) Pin(id int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkIDLocked(id); err != nil {
		return err
	}
	l.layers[id].pinCount++
	return nil
}

// Unpin drops one pin. Unpinning an unpinned layer is ignored with a debug
// log rather than treated as fatal.
func (l *Loader) Unpin(id int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkIDLocked(id); err != nil {
		return err
	}
	ls := l.layers[id]
	if ls.pinCount == 0 {
		logrus.Debugf("unpin of layer %d with no pins", id)
		return nil
	}
	ls.pinCount--
	return nil
}

// UpdateAccess records an access to a layer: bumps the loader tick, the
// layer's access count and the prediction window, then opportunistically
// prefetches predicted successors.
func (l *Loader) UpdateAccess(id int) {
	l.mu.Lock()
	if l.checkIDLocked(id) != nil {
		l.mu.Unlock()
		return
	}
	l.touchLocked(l.layers[id])
	l.mu.Unlock()
	l.schedulePrefetch(id)
}

func (l *Loader) touchLocked(ls *layerState) {
	l.tick++
	ls.lastTick = l.tick
	ls.accessCount++
	l.window.record(ls.id)
}

// PredictNext returns the layers likely to be accessed after current, most
// probable first, gated by the prefetch threshold. With no transition
// history for current it falls back to the sequential guess current+1.
func (l *Loader) PredictNext(current int) []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.checkIDLocked(current) != nil {
		return nil
	}
	preds := l.window.predict(current, l.cfg.PrefetchThreshold, l.cfg.MaxPrefetchLayers)
	if preds == nil && current+1 < len(l.layers) {
		return []int{current + 1}
	}
	return preds
}

// schedulePrefetch issues best-effort background loads for the predicted
// successors of id. Attempts beyond the worker limit are skipped, and load
// failures are deliberately silent.
func (l *Loader) schedulePrefetch(id int) {
	if l.cfg.MaxPrefetchLayers <= 0 || l.cfg.PrefetchThreshold <= 0 {
		return
	}
	for _, next := range l.PredictNext(id) {
		next := next
		if l.IsLoaded(next) {
			continue
		}
		l.prefetch.TryGo(func() error {
			l.mu.Lock()
			if l.closed {
				l.mu.Unlock()
				return nil
			}
			err := l.loadLocked(next)
			if err == nil {
				l.sink.Record(trace.Record{Tick: l.tick, Op: trace.OpPrefetch, Layer: next})
			}
			l.mu.Unlock()
			if err != nil {
				logrus.Debugf("prefetch of layer %d skipped: %v", next, err)
			}
			return nil
		})
	}
}

// Preload loads a set of layers best-effort: a failure does not roll back
// layers already loaded. The first error is returned.
func (l *Loader) Preload(ids []int) error {
	var first error
	for _, id := range ids {
		if err := l.LoadLayer(id); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// SetBudget installs a new memory budget, cascading evictions until the
// current residency fits. Evictions performed before a failure are kept.
func (l *Loader) SetBudget(budget uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if budget == 0 {
		return fault.New(fault.InvalidArg, "memory budget must be > 0")
	}
	for l.current > budget {
		vid := l.pickVictimLocked(nil)
		if vid < 0 {
			return fault.New(fault.BudgetExceeded,
				"cannot reach budget %d: %d bytes resident with no evictable layer", budget, l.current)
		}
		l.evictLocked(vid, trace.OpEvict, "set-budget")
	}
	l.cfg.MemoryBudget = budget
	logrus.Infof("memory budget set to %d bytes", budget)
	return nil
}

// SetPerLoadTimeout replaces the deadline applied to each layer fetch. Zero
// removes the deadline. A load that timed out leaves the layer unloaded, so
// retrying after relaxing the deadline is safe.
func (l *Loader) SetPerLoadTimeout(d time.Duration) error {
	if d < 0 {
		return fault.New(fault.InvalidArg, "per-load timeout must be >= 0")
	}
	l.mu.Lock()
	l.cfg.PerLoadTimeout = d
	l.mu.Unlock()
	return nil
}

// SetPriority sets the host-supplied priority used by the manual policy.
// Higher values are retained longer.
func (l *Loader) SetPriority(id int, priority float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkIDLocked(id); err != nil {
		return err
	}
	l.layers[id].priority = priority
	return nil
}

// Weights returns the resident bytes of a loaded layer. The slice belongs
// to the store and is valid until the layer is unloaded.
func (l *Loader) Weights(id int) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkIDLocked(id); err != nil {
		return nil, err
	}
	ls := l.layers[id]
	if ls.state != Loaded {
		return nil, fault.New(fault.InvalidArg, "layer %d is not loaded (%s)", id, ls.state)
	}
	return ls.weights, nil
}

// Reset unloads every unpinned layer and clears access statistics. Layers
// are released in dependency order so the dependents guard never trips on a
// full reset.
func (l *Loader) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for progress := true; progress; {
		progress = false
		for _, ls := range l.layers {
			if ls.state != Loaded || ls.pinCount > 0 {
				continue
			}
			if l.cfg.EnableDependencyTracking && l.hasResidentDependentLocked(ls.id) {
				continue
			}
			l.evictLocked(ls.id, trace.OpEvict, "reset")
			progress = true
		}
	}
	for _, ls := range l.layers {
		ls.accessCount = 0
		ls.lastTick = 0
	}
	l.window.reset()
	l.peak = l.current
	return nil
}

// MemoryStats snapshots the loader's residency counters.
func (l *Loader) MemoryStats() MemoryStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	loaded := 0
	for _, ls := range l.layers {
		if ls.state == Loaded {
			loaded++
		}
	}
	avg := 0.0
	if l.loads > 0 {
		avg = float64(l.totalLoad.Microseconds()) / 1000 / float64(l.loads)
	}
	return MemoryStats{
		TotalModelBytes: l.totalModel,
		CurrentBytes:    l.current,
		PeakBytes:       l.peak,
		BudgetBytes:     l.cfg.MemoryBudget,
		LoadedCount:     loaded,
		TotalCount:      len(l.layers),
		AvgLoadMillis:   avg,
		Pattern:         l.window.pattern(),
	}
}

func (l *Loader) checkIDLocked(id int) error {
	if id < 0 || id >= len(l.layers) {
		return fault.New(fault.NotFound, "layer %d of %d", id, len(l.layers))
	}
	return nil
}
