package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Runtime: the explicit context every subsystem hangs off
// ---------------------------------------------------------------------------
//
// There are no package globals: a Runtime owns its arena, collector,
// scheduler, symbols, and tag registry, so a process can host any number of
// isolated instances. Everything that allocates, dispatches, or collects
// goes through one of these.

// Options configures a runtime.
type Options struct {
	// ArenaCells is the initial arena size in cells.
	ArenaCells int
	// Collector tunes collection pacing.
	Collector CollectorOptions
	// SlotTable tunes per-object slot tables.
	SlotTable CuckooOptions
	// SpawnLimit caps live coroutines per runtime. Zero means unlimited.
	SpawnLimit int
}

// DefaultOptions is the tuning used for zero-valued fields.
var DefaultOptions = Options{
	ArenaCells: 256,
	Collector:  DefaultCollectorOptions,
	SlotTable:  CuckooOptions{InitialCapacity: 8, MaxKicks: 16, ShrinkFraction: 0.125, MinCapacity: 8},
}

// Runtime is one isolated virtual machine instance.
type Runtime struct {
	opts      Options
	arena     *Arena
	collector *Collector
	symbols   *SymbolTable
	sched     *Scheduler

	tags      map[string]Tag
	tagCounts map[string]uint64

	root          Ref
	protoObject   Ref
	protoNumber   Ref
	protoSequence Ref
	protoMessage  Ref

	tagData      Tag
	tagNumber    Tag
	tagSequence  Tag
	tagMessage   Tag
	tagPrimitive Tag

	symDNU Symbol
	closed bool
}

// RuntimeStats aggregates a runtime snapshot for inspection surfaces.
type RuntimeStats struct {
	Collector  CollectorStats
	Symbols    int
	Coroutines int
	TagCounts  map[string]uint64
}

// NewRuntime boots an isolated runtime: arena, collector, scheduler wrapping
// the calling goroutine as the main coroutine, builtin kinds, and the root
// namespace object with the core prototypes installed as slots.
func NewRuntime(opts Options) *Runtime {
	if opts.ArenaCells <= 0 {
		opts.ArenaCells = DefaultOptions.ArenaCells
	}
	if opts.Collector.AllocTrigger == 0 {
		opts.Collector.AllocTrigger = DefaultCollectorOptions.AllocTrigger
	}
	rt := &Runtime{
		opts:      opts,
		symbols:   NewSymbolTable(),
		tags:      make(map[string]Tag),
		tagCounts: make(map[string]uint64),
	}
	rt.arena = NewArena(opts.ArenaCells)
	rt.collector = NewCollector(rt.arena, opts.Collector)
	rt.collector.SetTagHooks(
		func(obj *Object, shade func(Ref)) { obj.tag.Mark(rt, obj, shade) },
		func(obj *Object) {
			obj.tag.Free(rt, obj)
			if n := rt.tagCounts[obj.tag.Name()]; n > 0 {
				rt.tagCounts[obj.tag.Name()] = n - 1
			}
		},
	)
	rt.collector.SetRootHook(rt.enumerateRoots)
	rt.sched = NewScheduler(rt)
	rt.sched.limit = opts.SpawnLimit

	rt.tagData = newDataTag()
	rt.tagNumber = newNumberTag()
	rt.tagSequence = newSequenceTag()
	rt.tagMessage = newMessageTag()
	rt.tagPrimitive = newPrimitiveTag()
	for _, t := range []Tag{rt.tagData, rt.tagNumber, rt.tagSequence, rt.tagMessage, rt.tagPrimitive} {
		if err := rt.RegisterTag(t); err != nil {
			fatalf("bootstrap tag registration: %v", err)
		}
	}

	rt.symDNU = rt.symbols.Intern(CondDoesNotUnderstand)

	// Root namespace. The root delegates to the Object prototype, and the
	// core prototypes hang off the root as ordinary slots.
	rt.protoObject = rt.newObject(rt.tagData, NilRef, nil)
	rt.root = rt.newObject(rt.tagData, rt.protoObject, nil)
	rt.protoNumber = rt.newObject(rt.tagNumber, rt.protoObject, float64(0))
	rt.protoSequence = rt.newObject(rt.tagSequence, rt.protoObject, "")
	rt.protoMessage = rt.newObject(rt.tagMessage, rt.protoObject, &MessageData{})
	rt.SetSlot(rt.root, "Object", rt.protoObject)
	rt.SetSlot(rt.root, "Number", rt.protoNumber)
	rt.SetSlot(rt.root, "Sequence", rt.protoSequence)
	rt.SetSlot(rt.root, "Message", rt.protoMessage)

	return rt
}

// Close tears the runtime down: every pin is released, the root namespace is
// dropped, and one full cycle sweeps the arena clean. The runtime must not
// be used afterwards.
func (rt *Runtime) Close() {
	if rt.closed {
		return
	}
	rt.collector.UnpinAll()
	rt.closed = true
	rt.collector.Collect()
}

// enumerateRoots shades everything the runtime itself keeps alive.
func (rt *Runtime) enumerateRoots(shade func(Ref)) {
	if rt.closed {
		return
	}
	shade(rt.root)
	rt.sched.forEachRoot(shade)
}

// ---------------------------------------------------------------------------
// Allocation and cloning
// ---------------------------------------------------------------------------

// AllocObject allocates a fresh object with an explicit tag, prototype, and
// payload. Kind modules use this; everything else clones. The new object is
// retained in the current coroutine's pool, because the very next allocation
// is a safe point.
func (rt *Runtime) AllocObject(tag Tag, proto Ref, data any) Ref {
	return rt.newObject(tag, proto, data)
}

func (rt *Runtime) newObject(tag Tag, proto Ref, data any) Ref {
	if rt.closed {
		fatalf("allocation on closed runtime")
	}
	obj := &Object{proto: proto, tag: tag, data: data}
	ref := rt.collector.Allocate(obj)
	rt.tagCounts[tag.Name()]++
	rt.CurrentPool().Retain(ref)
	return ref
}

// Clone allocates a new object delegating to proto: prototype pointer set,
// tag shared (never copied), payload cloned per the tag's policy, slot table
// fresh and empty.
func (rt *Runtime) Clone(proto Ref) Ref {
	p := rt.arena.object(proto)
	return rt.newObject(p.tag, proto, p.tag.CloneData(rt, p.data))
}

// Deref resolves r, aborting on a stale reference. Use Valid to probe.
func (rt *Runtime) Deref(r Ref) *Object {
	return rt.arena.object(r)
}

// Valid reports whether r currently resolves to a live object.
func (rt *Runtime) Valid(r Ref) bool {
	return rt.arena.valid(r)
}

// ---------------------------------------------------------------------------
// Slot mutation (the write-barrier path)
// ---------------------------------------------------------------------------

// SetSlot stores val under name on obj's own table. Every reference-storing
// mutation runs the write barrier; this is the only slot-write path.
func (rt *Runtime) SetSlot(obj Ref, name string, val Ref) {
	rt.SetSlotSym(obj, rt.symbols.Intern(name), val)
}

// SetSlotSym is SetSlot with a pre-interned name.
func (rt *Runtime) SetSlotSym(obj Ref, sym Symbol, val Ref) {
	o := rt.arena.object(obj)
	rt.collector.Barrier(o, val)
	o.setOwnSlot(sym, val, rt.opts.SlotTable)
}

// GetOwnSlot reads obj's own slot without delegation.
func (rt *Runtime) GetOwnSlot(obj Ref, name string) (Ref, bool) {
	sym, ok := rt.symbols.Lookup(name)
	if !ok {
		return NilRef, false
	}
	return rt.arena.object(obj).ownSlot(sym)
}

// RemoveSlot deletes obj's own slot for name. Removing an absent slot is a
// no-op; the prototype's slot of the same name is never touched.
func (rt *Runtime) RemoveSlot(obj Ref, name string) bool {
	sym, ok := rt.symbols.Lookup(name)
	if !ok {
		return false
	}
	return rt.arena.object(obj).removeOwnSlot(sym)
}

// SetProto rebinds obj's prototype. Runs the write barrier like any other
// reference store.
func (rt *Runtime) SetProto(obj, proto Ref) {
	o := rt.arena.object(obj)
	rt.collector.Barrier(o, proto)
	o.proto = proto
}

// SlotNames returns obj's own slot names, unordered.
func (rt *Runtime) SlotNames(obj Ref) []string {
	o := rt.arena.object(obj)
	names := make([]string, 0, o.SlotCount())
	o.ForEachSlot(func(sym Symbol, _ Ref) {
		names = append(names, rt.symbols.Name(sym))
	})
	return names
}

// ---------------------------------------------------------------------------
// Collector surface
// ---------------------------------------------------------------------------

// Retain marks r as an external root until StopRetaining.
func (rt *Runtime) Retain(r Ref) { rt.collector.Retain(r) }

// StopRetaining removes one level of external-root status from r.
func (rt *Runtime) StopRetaining(r Ref) { rt.collector.StopRetaining(r) }

// Pin exempts r from collection for an untracked foreign owner. Safe from
// any thread.
func (rt *Runtime) Pin(r Ref) { rt.collector.Pin(r) }

// Unpin releases one pin on r. Safe from any thread.
func (rt *Runtime) Unpin(r Ref) { rt.collector.Unpin(r) }

// Collect runs one full mark/sweep cycle.
func (rt *Runtime) Collect() { rt.collector.Collect() }

// GCStart begins an incremental cycle if the collector is idle.
func (rt *Runtime) GCStart() { rt.collector.StartCycle() }

// GCStep advances the collector by at most n gray cells.
func (rt *Runtime) GCStep(n int) bool { return rt.collector.Step(n) }

// Collector exposes the collector for tooling.
func (rt *Runtime) Collector() *Collector { return rt.collector }

// Stats snapshots the runtime.
func (rt *Runtime) Stats() RuntimeStats {
	counts := make(map[string]uint64, len(rt.tagCounts))
	for k, v := range rt.tagCounts {
		counts[k] = v
	}
	return RuntimeStats{
		Collector:  rt.collector.Stats(),
		Symbols:    rt.symbols.Len(),
		Coroutines: len(rt.sched.coros),
		TagCounts:  counts,
	}
}

// ---------------------------------------------------------------------------
// Coroutine surface
// ---------------------------------------------------------------------------

// Spawn creates a coroutine; it first runs when the baton reaches it.
func (rt *Runtime) Spawn(fn func(co *Coroutine) Ref) *Coroutine { return rt.sched.Spawn(fn) }

// Yield is the cooperative safe point.
func (rt *Runtime) Yield() { rt.sched.Yield() }

// Resume hands the baton directly to co.
func (rt *Runtime) Resume(co *Coroutine) error { return rt.sched.Resume(co) }

// Join yields until co finishes and returns its result.
func (rt *Runtime) Join(co *Coroutine) (Ref, error) { return rt.sched.Join(co) }

// CurrentCoroutine returns the coroutine holding the baton.
func (rt *Runtime) CurrentCoroutine() *Coroutine { return rt.sched.Current() }

// CurrentPool returns the running coroutine's retain pool.
func (rt *Runtime) CurrentPool() *RetainPool { return rt.sched.Current().pool }

// PushMark opens a retain frame on the current pool.
func (rt *Runtime) PushMark() { rt.CurrentPool().PushMark() }

// PopMark closes the current retain frame, exempting result.
func (rt *Runtime) PopMark(result Ref) { rt.CurrentPool().PopMark(result) }

// ---------------------------------------------------------------------------
// Tags and namespace
// ---------------------------------------------------------------------------

// RegisterTag installs a kind descriptor. Names must be unique.
func (rt *Runtime) RegisterTag(t Tag) error {
	name := t.Name()
	if name == "" {
		return fmt.Errorf("vesper: tag with empty name")
	}
	if _, dup := rt.tags[name]; dup {
		return fmt.Errorf("vesper: tag %q already registered", name)
	}
	rt.tags[name] = t
	return nil
}

// TagByName resolves a registered kind descriptor.
func (rt *Runtime) TagByName(name string) (Tag, bool) {
	t, ok := rt.tags[name]
	return t, ok
}

// TagCount returns the number of live instances of a kind.
func (rt *Runtime) TagCount(name string) uint64 { return rt.tagCounts[name] }

// Root returns the root namespace object.
func (rt *Runtime) Root() Ref { return rt.root }

// CoreProto returns a core prototype by kind name, or false.
func (rt *Runtime) CoreProto(name string) (Ref, bool) {
	switch name {
	case "Object":
		return rt.protoObject, true
	case "Number":
		return rt.protoNumber, true
	case "Sequence":
		return rt.protoSequence, true
	case "Message":
		return rt.protoMessage, true
	default:
		return NilRef, false
	}
}

// Symbols returns the runtime's interner.
func (rt *Runtime) Symbols() *SymbolTable { return rt.symbols }
