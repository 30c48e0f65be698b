package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Arena: generation-checked cell storage for managed objects
// ---------------------------------------------------------------------------
//
// Every managed object lives in an arena cell addressed by a Ref (cell index
// plus generation). Cells double as intrusive list nodes: prev/next thread
// each cell onto exactly one color partition (white, gray, black) or the free
// list, each rooted at a sentinel cell. Relocating a cell between partitions
// is a single O(1) splice; that splice is the only color-transition primitive
// the collector uses.
//
// Refs are indices, not pointers. A freed cell bumps its generation, so any
// stale Ref held past a sweep fails the generation check on its next deref
// instead of silently reading recycled storage.

// Ref identifies a managed object: an arena cell index and the generation the
// cell had when the object was allocated. The zero Ref is the nil reference.
type Ref struct {
	index uint32
	gen   uint32
}

// NilRef is the empty reference. It never resolves to an object.
var NilRef = Ref{}

// IsNil reports whether r is the nil reference.
func (r Ref) IsNil() bool {
	return r.index == 0
}

// String renders the ref for diagnostics.
func (r Ref) String() string {
	if r.IsNil() {
		return "ref(nil)"
	}
	return fmt.Sprintf("ref(%d@%d)", r.index, r.gen)
}

// paint is the stored color byte of a cell. The collector decides which of
// paintA/paintB currently means white; flipping that meaning at the end of a
// sweep is what rotates the freshly-swept partition into the new white set.
type paint uint8

const (
	paintFree paint = iota
	paintA
	paintB
	paintGray
	paintSentinel
)

// cell is one arena slot: intrusive list node plus the object it carries.
// Sentinel cells carry no object.
type cell struct {
	prev  uint32
	next  uint32
	color paint
	gen   uint32
	obj   *Object
}

// Sentinel cell indices. Index 0 is reserved so that the zero Ref is nil.
const (
	nilCell       = 0
	sentinelSetA  = 1
	sentinelGray  = 2
	sentinelSetB  = 3
	sentinelFree  = 4
	firstUserCell = 5
)

// Arena owns the cell array and the partition lists. It allocates and frees
// cells but knows nothing about reachability; the Collector drives it.
type Arena struct {
	cells []cell
	live  int
}

// NewArena creates an arena with room for initialCells user cells. The
// sentinels are self-linked empty rings.
func NewArena(initialCells int) *Arena {
	if initialCells < 1 {
		initialCells = 1
	}
	a := &Arena{
		cells: make([]cell, firstUserCell, firstUserCell+initialCells),
	}
	for i := sentinelSetA; i <= sentinelFree; i++ {
		a.cells[i].prev = uint32(i)
		a.cells[i].next = uint32(i)
		a.cells[i].color = paintSentinel
	}
	for i := 0; i < initialCells; i++ {
		a.growOne()
	}
	return a
}

// growOne appends a fresh cell and links it onto the free list.
func (a *Arena) growOne() {
	idx := uint32(len(a.cells))
	a.cells = append(a.cells, cell{color: paintFree, gen: 1})
	a.removeAndInsertAfter(idx, sentinelFree)
}

// ---------------------------------------------------------------------------
// Marker primitives
// ---------------------------------------------------------------------------

// removeAndInsertAfter unlinks cell idx from whatever list it is on and
// splices it in immediately after the cell at `after`. This is the sole list
// mutation in the arena; every color transition goes through it.
func (a *Arena) removeAndInsertAfter(idx, after uint32) {
	c := &a.cells[idx]
	// Unlink. A freshly appended cell is self-less (prev == next == 0,
	// pointing at the reserved nil cell); skip the unlink for that case.
	if c.prev != nilCell || c.next != nilCell {
		a.cells[c.prev].next = c.next
		a.cells[c.next].prev = c.prev
	}
	// Relink after `after`.
	anchor := &a.cells[after]
	c.prev = after
	c.next = anchor.next
	a.cells[anchor.next].prev = idx
	anchor.next = idx
}

// colorSetIsEmpty reports whether the partition rooted at the given sentinel
// holds no cells.
func (a *Arena) colorSetIsEmpty(sentinel uint32) bool {
	return a.cells[sentinel].next == uint32(sentinel)
}

// firstOf returns the index of the first cell on the sentinel's partition,
// or 0 if the partition is empty.
func (a *Arena) firstOf(sentinel uint32) uint32 {
	next := a.cells[sentinel].next
	if next == sentinel {
		return 0
	}
	return next
}

// forEachOf walks the partition rooted at sentinel, calling fn for each cell
// index. fn must not relocate cells other than the one it was given.
func (a *Arena) forEachOf(sentinel uint32, fn func(idx uint32)) {
	idx := a.cells[sentinel].next
	for idx != sentinel {
		next := a.cells[idx].next
		fn(idx)
		idx = next
	}
}

// ---------------------------------------------------------------------------
// Allocation and reclamation
// ---------------------------------------------------------------------------

// allocate takes a cell off the free list (growing the arena if it is
// exhausted), paints it, splices it onto the requested partition, and binds
// the object to it. Returns the generation-stamped Ref.
func (a *Arena) allocate(obj *Object, color paint, sentinel uint32) Ref {
	idx := a.firstOf(sentinelFree)
	if idx == 0 {
		a.growOne()
		idx = a.firstOf(sentinelFree)
	}
	c := &a.cells[idx]
	if c.color != paintFree {
		fatalf("allocate: free-list cell %d has color %d", idx, c.color)
	}
	c.color = color
	c.obj = obj
	a.removeAndInsertAfter(idx, sentinel)
	a.live++
	obj.self = Ref{index: idx, gen: c.gen}
	return obj.self
}

// release reclaims a cell: drops its object, bumps the generation so stale
// Refs fail their check, and returns it to the free list. Double release is
// a fatal invariant violation.
func (a *Arena) release(idx uint32) {
	c := &a.cells[idx]
	if c.color == paintFree {
		fatalf("release: double free of cell %d", idx)
	}
	if c.color == paintSentinel {
		fatalf("release: attempt to free sentinel %d", idx)
	}
	c.obj = nil
	c.color = paintFree
	c.gen++
	a.removeAndInsertAfter(idx, sentinelFree)
	a.live--
	if a.live < 0 {
		fatalf("release: live cell count went negative")
	}
}

// ---------------------------------------------------------------------------
// Ref resolution
// ---------------------------------------------------------------------------

// object resolves a Ref to its object. A nil Ref yields nil. A generation
// mismatch means the caller is holding a reference to storage that was swept
// and recycled; that is a use-after-free and is fatal.
func (a *Arena) object(r Ref) *Object {
	if r.IsNil() {
		return nil
	}
	if int(r.index) >= len(a.cells) {
		fatalf("deref %s: index out of range", r)
	}
	c := &a.cells[r.index]
	if c.gen != r.gen {
		fatalf("deref %s: generation is %d, reference is stale (use after free)", r, c.gen)
	}
	if c.obj == nil {
		fatalf("deref %s: cell carries no object", r)
	}
	return c.obj
}

// colorOf returns the paint of the cell behind r. Nil and stale refs are the
// caller's problem; this is only used by the collector on refs it already
// validated.
func (a *Arena) colorOf(r Ref) paint {
	return a.cells[r.index].color
}

// valid reports whether r currently resolves to a live object, without the
// fatal check. Used by external-facing code (bridge, stream) that must probe.
func (a *Arena) valid(r Ref) bool {
	if r.IsNil() || int(r.index) >= len(a.cells) {
		return false
	}
	c := &a.cells[r.index]
	return c.gen == r.gen && c.obj != nil
}

// Live returns the number of cells currently carrying objects.
func (a *Arena) Live() int {
	return a.live
}

// fatalf reports an unrecoverable invariant violation. The runtime's memory
// state can no longer be trusted, so there is no error-return path: the
// resulting panic must never be recovered.
func fatalf(format string, args ...any) {
	panic("vesper: fatal: " + fmt.Sprintf(format, args...))
}
