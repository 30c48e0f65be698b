package vm

// ---------------------------------------------------------------------------
// Tag: per-kind dispatch descriptor
// ---------------------------------------------------------------------------
//
// One tag is shared by every instance of a kind; cloning an object shares the
// tag instead of copying a dispatch table, so changing a kind's behavior is
// one update to one descriptor. Tag is an interface, so modules outside this
// package can introduce kinds without touching the core; TagFuncs below is
// the struct-of-function-pointers registration surface those modules fill in.

// Tag describes how the runtime treats all instances of one object kind.
type Tag interface {
	// Name identifies the kind. Stream decoding resolves tags by name, so
	// names must be stable and unique within a runtime.
	Name() string

	// CloneData produces the payload for a clone of an object carrying data.
	CloneData(rt *Runtime, data any) any

	// Free releases any external resources the payload holds. Called exactly
	// once, during sweep, before the cell is recycled.
	Free(rt *Runtime, obj *Object)

	// Mark is the collector's scan hook: it must shade every reference the
	// object holds. Implementations built on TagFuncs shade the prototype
	// and all slot values automatically and only add payload references.
	Mark(rt *Runtime, obj *Object, shade func(Ref))

	// Perform resolves and activates a message sent to self.
	Perform(rt *Runtime, self, locals, msg Ref) Ref

	// Activate is called on a value found during dispatch: data objects
	// return themselves, executable objects evaluate. target is the found
	// value, self the original receiver.
	Activate(rt *Runtime, target, self, locals, msg Ref) Ref

	// Compare orders two objects of this kind: negative, zero, or positive.
	Compare(rt *Runtime, a, b *Object) int

	// WritePayload serializes the payload for the stream collaborator.
	WritePayload(rt *Runtime, obj *Object) ([]byte, error)

	// ReadPayload restores a payload written by WritePayload.
	ReadPayload(rt *Runtime, obj *Object, data []byte) error

	// PayloadRefs lists object references held inside the payload, in a
	// stable order, so the stream collaborator can carry them across
	// encode/decode; SetPayloadRefs restores them. Kinds whose payloads
	// hold no references return nil and ignore the setter.
	PayloadRefs(rt *Runtime, obj *Object) []Ref
	SetPayloadRefs(rt *Runtime, obj *Object, refs []Ref)
}

// TagFuncs implements Tag from a struct of function pointers. Any nil
// function falls back to plain-data-object behavior, so a new kind populates
// only the hooks it cares about.
type TagFuncs struct {
	Kind string

	CloneDataFunc    func(rt *Runtime, data any) any
	FreeFunc         func(rt *Runtime, obj *Object)
	MarkFunc         func(rt *Runtime, obj *Object, shade func(Ref))
	PerformFunc      func(rt *Runtime, self, locals, msg Ref) Ref
	ActivateFunc     func(rt *Runtime, target, self, locals, msg Ref) Ref
	CompareFunc      func(rt *Runtime, a, b *Object) int
	WritePayloadFunc func(rt *Runtime, obj *Object) ([]byte, error)
	ReadPayloadFunc  func(rt *Runtime, obj *Object, data []byte) error

	PayloadRefsFunc    func(rt *Runtime, obj *Object) []Ref
	SetPayloadRefsFunc func(rt *Runtime, obj *Object, refs []Ref)
}

// Name implements Tag.
func (t *TagFuncs) Name() string { return t.Kind }

// CloneData implements Tag. The default shares the payload between the
// original and the clone; kinds with mutable payloads supply a copier.
func (t *TagFuncs) CloneData(rt *Runtime, data any) any {
	if t.CloneDataFunc != nil {
		return t.CloneDataFunc(rt, data)
	}
	return data
}

// Free implements Tag.
func (t *TagFuncs) Free(rt *Runtime, obj *Object) {
	if t.FreeFunc != nil {
		t.FreeFunc(rt, obj)
	}
}

// Mark implements Tag. The prototype pointer and every slot value are shaded
// first; MarkFunc then shades any references the payload holds.
func (t *TagFuncs) Mark(rt *Runtime, obj *Object, shade func(Ref)) {
	markSlots(obj, shade)
	if t.MarkFunc != nil {
		t.MarkFunc(rt, obj, shade)
	}
}

// Perform implements Tag. The default is slot lookup with prototype
// delegation.
func (t *TagFuncs) Perform(rt *Runtime, self, locals, msg Ref) Ref {
	if t.PerformFunc != nil {
		return t.PerformFunc(rt, self, locals, msg)
	}
	return rt.resolveAndActivate(self, locals, msg)
}

// Activate implements Tag. Plain data returns itself.
func (t *TagFuncs) Activate(rt *Runtime, target, self, locals, msg Ref) Ref {
	if t.ActivateFunc != nil {
		return t.ActivateFunc(rt, target, self, locals, msg)
	}
	return target
}

// Compare implements Tag. The default is identity order on the Ref.
func (t *TagFuncs) Compare(rt *Runtime, a, b *Object) int {
	if t.CompareFunc != nil {
		return t.CompareFunc(rt, a, b)
	}
	return compareRefs(a.self, b.self)
}

// WritePayload implements Tag. Kinds without payloads write nothing.
func (t *TagFuncs) WritePayload(rt *Runtime, obj *Object) ([]byte, error) {
	if t.WritePayloadFunc != nil {
		return t.WritePayloadFunc(rt, obj)
	}
	return nil, nil
}

// ReadPayload implements Tag.
func (t *TagFuncs) ReadPayload(rt *Runtime, obj *Object, data []byte) error {
	if t.ReadPayloadFunc != nil {
		return t.ReadPayloadFunc(rt, obj, data)
	}
	return nil
}

// PayloadRefs implements Tag.
func (t *TagFuncs) PayloadRefs(rt *Runtime, obj *Object) []Ref {
	if t.PayloadRefsFunc != nil {
		return t.PayloadRefsFunc(rt, obj)
	}
	return nil
}

// SetPayloadRefs implements Tag.
func (t *TagFuncs) SetPayloadRefs(rt *Runtime, obj *Object, refs []Ref) {
	if t.SetPayloadRefsFunc != nil {
		t.SetPayloadRefsFunc(rt, obj, refs)
	}
}

// markSlots shades the references every object holds regardless of kind: the
// prototype pointer and each slot value.
func markSlots(obj *Object, shade func(Ref)) {
	if !obj.proto.IsNil() {
		shade(obj.proto)
	}
	if obj.slots != nil {
		obj.slots.ForEach(func(_ Symbol, val Ref) {
			if !val.IsNil() {
				shade(val)
			}
		})
	}
}

func compareRefs(a, b Ref) int {
	switch {
	case a.index != b.index:
		if a.index < b.index {
			return -1
		}
		return 1
	case a.gen != b.gen:
		if a.gen < b.gen {
			return -1
		}
		return 1
	default:
		return 0
	}
}
