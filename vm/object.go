package vm

// Object is a heap-managed prototype object: a slot table, a single
// prototype reference, a shared kind tag, and an optional kind payload.
//
// Objects are owned exclusively by the collector. Slot entries are
// non-owning references; liveness comes from mark-phase reachability, never
// from the table itself. The slot table is allocated lazily, since most
// clones start empty and resolve everything through their prototype.
type Object struct {
	self  Ref // the object's own arena address
	proto Ref // single-parent delegation link
	tag   Tag
	slots *Cuckoo[Symbol, Ref]
	data  any // kind payload; nil for plain data objects
}

// Self returns the object's own reference.
func (obj *Object) Self() Ref { return obj.self }

// Proto returns the prototype reference (nil Ref at the root).
func (obj *Object) Proto() Ref { return obj.proto }

// Tag returns the shared kind descriptor.
func (obj *Object) Tag() Tag { return obj.tag }

// Data returns the kind payload.
func (obj *Object) Data() any { return obj.data }

// SetData replaces the kind payload. References stored in payloads must be
// shaded by the tag's Mark hook or they will be swept.
func (obj *Object) SetData(data any) { obj.data = data }

// ---------------------------------------------------------------------------
// Own-slot access
// ---------------------------------------------------------------------------
//
// These touch only the object's own table. The write-barrier-aware mutation
// path and the delegating lookup live on Runtime, which owns the collector.

// ownSlot returns the object's own value for sym, without delegation.
func (obj *Object) ownSlot(sym Symbol) (Ref, bool) {
	if obj.slots == nil {
		return NilRef, false
	}
	return obj.slots.Get(sym)
}

// setOwnSlot stores into the object's own table, creating it on first use.
func (obj *Object) setOwnSlot(sym Symbol, val Ref, opts CuckooOptions) {
	if obj.slots == nil {
		obj.slots = NewCuckoo[Symbol, Ref](SymbolHasher{}, opts)
	}
	obj.slots.Put(sym, val)
}

// removeOwnSlot deletes sym from the object's own table. Absent is a no-op.
func (obj *Object) removeOwnSlot(sym Symbol) bool {
	if obj.slots == nil {
		return false
	}
	return obj.slots.Remove(sym)
}

// SlotCount returns the number of own slots.
func (obj *Object) SlotCount() int {
	if obj.slots == nil {
		return 0
	}
	return obj.slots.Len()
}

// ForEachSlot visits every own slot. Iteration order is storage order and
// carries no meaning.
func (obj *Object) ForEachSlot(fn func(sym Symbol, val Ref)) {
	if obj.slots != nil {
		obj.slots.ForEach(fn)
	}
}
