package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Conditions: recoverable runtime signals
// ---------------------------------------------------------------------------
//
// Dispatch failures (doesNotUnderstand, bad arity) and cancellation are
// conditions: they unwind the active coroutine to the nearest matching
// handler, popping retain-pool marks along every exit path, and surface as
// ordinary errors at the coroutine boundary if nothing catches them. They
// use panic/recover as the unwind mechanism, the same way a non-local return
// does; anything that is not a conditionSignal is re-panicked untouched, so
// fatal invariant violations pass straight through handlers.

// Condition names raised by the core.
const (
	CondDoesNotUnderstand = "doesNotUnderstand"
	CondBadArity          = "badArity"
	CondCancelled         = "cancelled"
	CondSpawnLimit        = "spawnLimit"
)

// Condition is a recoverable runtime signal.
type Condition struct {
	Name    string
	Text    string
	Payload Ref // optional object attached by the raiser
}

func (c *Condition) String() string {
	if c.Text == "" {
		return c.Name
	}
	return c.Name + ": " + c.Text
}

// matches reports whether the condition answers to name; an empty handler
// name catches everything.
func (c *Condition) matches(name string) bool {
	return name == "" || c.Name == name
}

// ConditionError is the error form a condition takes when it escapes its
// coroutine uncaught.
type ConditionError struct {
	Cond *Condition
}

func (e *ConditionError) Error() string {
	return "vesper: uncaught condition " + e.Cond.String()
}

// conditionSignal is the panic payload carrying a condition up the stack.
type conditionSignal struct {
	cond *Condition
}

// RaiseCondition unwinds to the nearest matching handler.
func (rt *Runtime) RaiseCondition(cond *Condition) {
	panic(conditionSignal{cond: cond})
}

// Raisef raises a condition with a formatted text.
func (rt *Runtime) Raisef(name, format string, args ...any) {
	rt.RaiseCondition(&Condition{Name: name, Text: fmt.Sprintf(format, args...)})
}

// Protect runs body with a handler installed for conditions named name (""
// catches all). The handler's return value becomes Protect's result. The
// retain-pool frame opened here is popped on the normal path, the handled
// path, and the rethrow path alike.
func (rt *Runtime) Protect(name string, body func() Ref, handler func(*Condition) Ref) (result Ref) {
	pool := rt.CurrentPool()
	pool.PushMark()
	defer func() {
		r := recover()
		if r == nil {
			pool.PopMark(result)
			return
		}
		sig, ok := r.(conditionSignal)
		if !ok || !sig.cond.matches(name) {
			pool.PopMark(NilRef)
			panic(r)
		}
		result = handler(sig.cond)
		pool.PopMark(result)
	}()
	return body()
}

// catchCondition converts an escaping condition into an error, re-panicking
// anything else. Used at coroutine and API boundaries.
func catchCondition(err *error) {
	r := recover()
	if r == nil {
		return
	}
	if sig, ok := r.(conditionSignal); ok {
		*err = &ConditionError{Cond: sig.cond}
		return
	}
	panic(r)
}
