package vm

// ---------------------------------------------------------------------------
// Dispatch: perform, delegation, activation
// ---------------------------------------------------------------------------
//
// Perform is the sole entry point the evaluator uses to execute anything.
// Resolution walks the single-parent prototype chain, first match wins, and
// the found value is activated: data answers itself, executable kinds
// evaluate. An exhausted chain gives the receiver's chain one chance to
// handle the miss through a doesNotUnderstand slot, then raises the
// recoverable condition of the same name.

// Perform sends msg to self in the context of locals. msg must be a Message
// kind object. Conditions raised during dispatch unwind the coroutine; use
// Send at API boundaries that want an error instead.
func (rt *Runtime) Perform(self, locals, msg Ref) Ref {
	obj := rt.arena.object(self)
	return obj.tag.Perform(rt, self, locals, msg)
}

// Send is Perform with a condition boundary: an uncaught condition comes
// back as a *ConditionError instead of unwinding the caller.
func (rt *Runtime) Send(self, locals, msg Ref) (result Ref, err error) {
	defer catchCondition(&err)
	return rt.Perform(self, locals, msg), nil
}

// SendName builds a message for name and args and sends it.
func (rt *Runtime) SendName(self Ref, name string, args ...Ref) (Ref, error) {
	rt.PushMark()
	msg := rt.NewMessage(name, args...)
	res, err := rt.Send(self, NilRef, msg)
	rt.PopMark(res)
	return res, err
}

// resolveAndActivate is the default tag Perform: own slots, then the proto
// chain, then doesNotUnderstand.
func (rt *Runtime) resolveAndActivate(self, locals, msg Ref) Ref {
	md := rt.messageData(msg)
	if val, ok := rt.lookupSym(self, md.Name); ok {
		target := rt.arena.object(val)
		return target.tag.Activate(rt, val, self, locals, msg)
	}
	return rt.doesNotUnderstand(self, locals, msg)
}

// doesNotUnderstand gives the chain a chance to field the miss itself before
// raising the condition. The failed message is carried as the payload either
// way.
func (rt *Runtime) doesNotUnderstand(self, locals, msg Ref) Ref {
	if handler, ok := rt.lookupSym(self, rt.symDNU); ok {
		target := rt.arena.object(handler)
		return target.tag.Activate(rt, handler, self, locals, msg)
	}
	md := rt.messageData(msg)
	rt.RaiseCondition(&Condition{
		Name:    CondDoesNotUnderstand,
		Text:    rt.symbols.Name(md.Name),
		Payload: msg,
	})
	return NilRef
}

// Activate applies the activation protocol to an arbitrary value: plain data
// returns itself, executable kinds evaluate against self.
func (rt *Runtime) Activate(target, self, locals, msg Ref) Ref {
	obj := rt.arena.object(target)
	return obj.tag.Activate(rt, target, self, locals, msg)
}

// ---------------------------------------------------------------------------
// Slot lookup
// ---------------------------------------------------------------------------

// lookupSym resolves sym against self's own slots and then up the prototype
// chain. A prototype cycle (possible once SetProto exists) terminates the
// walk rather than spinning.
func (rt *Runtime) lookupSym(self Ref, sym Symbol) (Ref, bool) {
	cur := self
	var visited []Ref
	for !cur.IsNil() {
		for _, seen := range visited {
			if seen == cur {
				return NilRef, false
			}
		}
		visited = append(visited, cur)
		obj := rt.arena.object(cur)
		if val, ok := obj.ownSlot(sym); ok {
			return val, true
		}
		cur = obj.proto
	}
	return NilRef, false
}

// LookupSlot resolves name through the delegation chain without activating.
func (rt *Runtime) LookupSlot(obj Ref, name string) (Ref, bool) {
	sym, ok := rt.symbols.Lookup(name)
	if !ok {
		return NilRef, false
	}
	return rt.lookupSym(obj, sym)
}
