package vm

import (
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Collector: incremental tri-color mark/sweep
// ---------------------------------------------------------------------------
//
// The collector advances only at explicit safe points (allocation, coroutine
// yield), a bounded number of gray cells at a time, so no single step halts
// execution for unbounded time. The invariant it maintains: at the end of any
// epoch, no black object holds a reference to a white object. The write
// barrier re-grays a white referent stored into a black writer; that barrier
// is sufficient without locks because exactly one coroutine mutates the graph
// at a time.
//
// Pinning is the one multi-threaded surface: a foreign owner (bridge handle)
// may pin or unpin from any thread, so the pinned set is mutex-guarded and
// newly pinned refs are buffered until the next safe point on the runtime
// thread shades them.

// Phase is the collector's state-machine position.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseMarking
	PhaseSweeping
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseMarking:
		return "marking"
	case PhaseSweeping:
		return "sweeping"
	default:
		return "?"
	}
}

// CollectorOptions tunes collection pacing.
type CollectorOptions struct {
	// StepBudget is the number of gray cells advanced per safe point.
	StepBudget int
	// AllocTrigger is the number of allocations between automatic cycle
	// starts. Negative disables automatic cycles; Collect still works.
	AllocTrigger int
	// RootTable tunes the retained and pinned cuckoo sets.
	RootTable CuckooOptions
}

// DefaultCollectorOptions paces a cycle start every 256 allocations, 32
// marks per safe point.
var DefaultCollectorOptions = CollectorOptions{
	StepBudget:   32,
	AllocTrigger: 256,
}

// CollectorStats is a snapshot of collector state, in the spirit of a sweep
// report: what is live, what the last cycle cost.
type CollectorStats struct {
	Phase          Phase
	Live           int
	Retained       int
	Pinned         int
	Epoch          uint64
	Cycles         uint64
	Allocs         uint64
	TotalFreed     uint64
	LastSweepFreed int
	LastSweepTime  time.Duration
}

// Collector drives mark/sweep over an arena. It is single-threaded apart
// from the pinned set; everything else must be called from the runtime's
// mutator thread.
type Collector struct {
	arena *Arena
	opts  CollectorOptions

	phase    Phase
	curWhite paint
	curBlack paint
	whiteSen uint32
	blackSen uint32

	// External roots. retained is mutator-thread only; pinned is shared
	// with foreign threads and guarded by pinMu.
	retained *Cuckoo[Ref, int]
	pinMu    sync.Mutex
	pinned   *Cuckoo[Ref, int]
	newPins  []Ref

	// extraRoots shades roots the collector cannot see itself: the
	// runtime's root object, coroutine retain pools, coroutine results.
	extraRoots func(shade func(Ref))

	// markObject and freeObject adapt tag hooks; set by the runtime.
	markObject func(obj *Object, shade func(Ref))
	freeObject func(obj *Object)

	allocsSinceCycle int
	allocs           uint64
	epoch            uint64
	cycles           uint64
	totalFreed       uint64
	lastSweepFreed   int
	lastSweepTime    time.Duration
	broken           bool
}

// NewCollector creates a collector over arena. The runtime wires the root
// and tag callbacks before first allocation.
func NewCollector(arena *Arena, opts CollectorOptions) *Collector {
	if opts.StepBudget <= 0 {
		opts.StepBudget = DefaultCollectorOptions.StepBudget
	}
	return &Collector{
		arena:    arena,
		opts:     opts,
		phase:    PhaseIdle,
		curWhite: paintA,
		curBlack: paintB,
		whiteSen: sentinelSetA,
		blackSen: sentinelSetB,
		retained: NewCuckoo[Ref, int](RefHasher{}, opts.RootTable),
		pinned:   NewCuckoo[Ref, int](RefHasher{}, opts.RootTable),
	}
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

// Allocate registers obj with the collector and returns its Ref. This is a
// safe point: the collector may start or advance a cycle first.
//
// Color discipline: objects born while idle are white; objects born during
// marking are gray so the current cycle scans them; objects born during a
// sweep (from Free hooks) go straight to black and become white at the flip.
func (c *Collector) Allocate(obj *Object) Ref {
	if c.broken {
		fatalf("allocate after collector invariant violation")
	}
	c.SafePoint()
	c.allocs++
	c.allocsSinceCycle++
	switch c.phase {
	case PhaseIdle:
		return c.arena.allocate(obj, c.curWhite, c.whiteSen)
	case PhaseMarking:
		return c.arena.allocate(obj, paintGray, sentinelGray)
	default: // PhaseSweeping
		return c.arena.allocate(obj, c.curBlack, c.blackSen)
	}
}

// SafePoint gives the collector a bounded slice of work. Called at every
// allocation and coroutine yield.
func (c *Collector) SafePoint() {
	switch c.phase {
	case PhaseIdle:
		if c.opts.AllocTrigger > 0 && c.allocsSinceCycle >= c.opts.AllocTrigger {
			c.startMark()
		}
	case PhaseMarking:
		c.Step(c.opts.StepBudget)
	}
}

// ---------------------------------------------------------------------------
// Roots
// ---------------------------------------------------------------------------

// Retain adds external-root status to r. Retaining a white object during
// marking re-grays it.
func (c *Collector) Retain(r Ref) {
	if r.IsNil() {
		return
	}
	n, _ := c.retained.Get(r)
	c.retained.Put(r, n+1)
	c.Shade(r)
}

// StopRetaining removes one level of external-root status.
func (c *Collector) StopRetaining(r Ref) {
	if r.IsNil() {
		return
	}
	n, ok := c.retained.Get(r)
	if !ok {
		return
	}
	if n <= 1 {
		c.retained.Remove(r)
	} else {
		c.retained.Put(r, n-1)
	}
}

// Pin exempts r from collection for an owner the graph cannot see. Safe to
// call from any thread. The shade happens at the next runtime-thread safe
// point.
func (c *Collector) Pin(r Ref) {
	if r.IsNil() {
		return
	}
	c.pinMu.Lock()
	n, _ := c.pinned.Get(r)
	c.pinned.Put(r, n+1)
	if n == 0 {
		c.newPins = append(c.newPins, r)
	}
	c.pinMu.Unlock()
}

// Unpin removes one pin from r. Safe to call from any thread. A fully
// unpinned object is collectable again at the next cycle.
func (c *Collector) Unpin(r Ref) {
	if r.IsNil() {
		return
	}
	c.pinMu.Lock()
	n, ok := c.pinned.Get(r)
	if ok {
		if n <= 1 {
			c.pinned.Remove(r)
		} else {
			c.pinned.Put(r, n-1)
		}
	}
	c.pinMu.Unlock()
}

// UnpinAll clears every pin regardless of count. Teardown only: any foreign
// owner still holding a handle afterwards is on its own.
func (c *Collector) UnpinAll() {
	c.pinMu.Lock()
	c.pinned = NewCuckoo[Ref, int](RefHasher{}, c.opts.RootTable)
	c.newPins = nil
	c.pinMu.Unlock()
}

// PinnedCount returns the number of distinct pinned objects.
func (c *Collector) PinnedCount() int {
	c.pinMu.Lock()
	defer c.pinMu.Unlock()
	return c.pinned.Len()
}

// SetRootHook installs the runtime's extra-root enumerator.
func (c *Collector) SetRootHook(fn func(shade func(Ref))) { c.extraRoots = fn }

// SetTagHooks installs the runtime's tag mark/free adapters.
func (c *Collector) SetTagHooks(mark func(*Object, func(Ref)), free func(*Object)) {
	c.markObject = mark
	c.freeObject = free
}

// drainNewPins shades refs pinned from foreign threads since the last safe
// point. Runtime thread only.
func (c *Collector) drainNewPins() {
	c.pinMu.Lock()
	pins := c.newPins
	c.newPins = nil
	c.pinMu.Unlock()
	for _, r := range pins {
		if c.arena.valid(r) {
			c.Shade(r)
		}
	}
}

// ---------------------------------------------------------------------------
// Marking
// ---------------------------------------------------------------------------

// Shade grays r if it is currently white. The single entry point for turning
// a discovered reference live. Outside of marking there is nothing to
// protect: whites are not condemned until a cycle starts, and every cycle
// re-enumerates roots.
func (c *Collector) Shade(r Ref) {
	if r.IsNil() || c.phase != PhaseMarking {
		return
	}
	if c.arena.colorOf(r) == c.curWhite {
		c.arena.cells[r.index].color = paintGray
		c.arena.removeAndInsertAfter(r.index, sentinelGray)
	}
}

// Barrier is the write barrier, invoked on every slot mutation that stores a
// reference: a black writer storing a white referent re-grays the referent.
func (c *Collector) Barrier(writer *Object, val Ref) {
	if c.phase != PhaseMarking || val.IsNil() {
		return
	}
	if c.arena.colorOf(writer.self) == c.curBlack && c.arena.colorOf(val) == c.curWhite {
		c.Shade(val)
	}
}

// startMark transitions Idle -> Marking and grays every root.
func (c *Collector) startMark() {
	if c.phase != PhaseIdle {
		fatalf("startMark in phase %s", c.phase)
	}
	c.phase = PhaseMarking
	c.retained.ForEach(func(r Ref, _ int) { c.Shade(r) })
	c.pinMu.Lock()
	pinnedRoots := c.pinned.Keys()
	c.newPins = nil
	c.pinMu.Unlock()
	for _, r := range pinnedRoots {
		if c.arena.valid(r) {
			c.Shade(r)
		}
	}
	if c.extraRoots != nil {
		c.extraRoots(c.Shade)
	}
}

// Step advances at most n gray cells to black, scanning each through its
// tag's mark hook. When no grays remain it runs the sweep. Returns true if
// the cycle completed.
func (c *Collector) Step(n int) bool {
	if c.phase != PhaseMarking {
		return c.phase == PhaseIdle
	}
	c.drainNewPins()
	for i := 0; i < n; i++ {
		idx := c.arena.firstOf(sentinelGray)
		if idx == 0 {
			break
		}
		cellObj := c.arena.cells[idx].obj
		if cellObj == nil {
			fatalf("gray cell %d carries no object", idx)
		}
		c.arena.cells[idx].color = c.curBlack
		c.arena.removeAndInsertAfter(idx, c.blackSen)
		if c.markObject != nil {
			c.markObject(cellObj, c.Shade)
		} else {
			markSlots(cellObj, c.Shade)
		}
	}
	if c.arena.colorSetIsEmpty(sentinelGray) {
		return c.sweepEpoch()
	}
	return false
}

// ---------------------------------------------------------------------------
// Sweeping
// ---------------------------------------------------------------------------

// sweepEpoch frees everything still white, then flips the white and black
// partitions so the freshly swept set becomes the new white. Returns false
// if a last-moment promotion (late pin) put cells back on the gray list, in
// which case marking continues.
func (c *Collector) sweepEpoch() bool {
	c.drainNewPins()
	if !c.arena.colorSetIsEmpty(sentinelGray) {
		return false
	}
	c.phase = PhaseSweeping
	start := time.Now()
	freed := 0
	c.arena.forEachOf(c.whiteSen, func(idx uint32) {
		cl := &c.arena.cells[idx]
		r := Ref{index: idx, gen: cl.gen}
		if _, ok := c.retained.Get(r); ok {
			c.fail("sweep would free retained object %s", r)
		}
		c.pinMu.Lock()
		_, stillPinned := c.pinned.Get(r)
		c.pinMu.Unlock()
		if stillPinned {
			c.fail("sweep would free pinned object %s", r)
		}
		obj := cl.obj
		if c.freeObject != nil {
			c.freeObject(obj)
		}
		c.arena.release(idx)
		freed++
	})
	// Flip: the emptied white partition becomes next epoch's black side,
	// and every surviving black cell is white again by reinterpretation.
	c.whiteSen, c.blackSen = c.blackSen, c.whiteSen
	c.curWhite, c.curBlack = c.curBlack, c.curWhite
	c.phase = PhaseIdle
	c.epoch++
	c.cycles++
	c.allocsSinceCycle = 0
	c.totalFreed += uint64(freed)
	c.lastSweepFreed = freed
	c.lastSweepTime = time.Since(start)
	return true
}

// fail marks the collector broken and aborts. Once an invariant is violated
// the heap cannot be trusted; any later allocation is fatal too.
func (c *Collector) fail(format string, args ...any) {
	c.broken = true
	fatalf(format, args...)
}

// ---------------------------------------------------------------------------
// Full cycles and introspection
// ---------------------------------------------------------------------------

// StartCycle begins marking now if the collector is idle. Subsequent safe
// points (or Step calls) drain the grays and sweep.
func (c *Collector) StartCycle() {
	if c.phase == PhaseIdle {
		c.startMark()
	}
}

// Collect runs one complete mark/sweep cycle to completion.
func (c *Collector) Collect() {
	if c.phase == PhaseIdle {
		c.startMark()
	}
	for c.phase == PhaseMarking {
		c.Step(c.opts.StepBudget)
	}
}

// CurrentPhase returns the state-machine position.
func (c *Collector) CurrentPhase() Phase { return c.phase }

// Epoch returns the number of completed collection epochs.
func (c *Collector) Epoch() uint64 { return c.epoch }

// Stats returns a snapshot of collector state.
func (c *Collector) Stats() CollectorStats {
	return CollectorStats{
		Phase:          c.phase,
		Live:           c.arena.Live(),
		Retained:       c.retained.Len(),
		Pinned:         c.PinnedCount(),
		Epoch:          c.epoch,
		Cycles:         c.cycles,
		Allocs:         c.allocs,
		TotalFreed:     c.totalFreed,
		LastSweepFreed: c.lastSweepFreed,
		LastSweepTime:  c.lastSweepTime,
	}
}
