package vm

import (
	"errors"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Coroutines: cooperative execution contexts
// ---------------------------------------------------------------------------
//
// Each coroutine is a goroutine parked on a baton channel; exactly one holds
// the baton at any moment, so exactly one coroutine ever mutates the object
// graph. That single-writer discipline is what lets the write barrier work
// without locks. Handoff happens only at explicit yield points, which double
// as collector safe points. The baton send/receive pairs give the scheduler
// fields their happens-before edges; no mutex is needed.

// CoroutineState is the lifecycle position of a coroutine.
type CoroutineState int32

const (
	CoroNew CoroutineState = iota
	CoroRunnable
	CoroRunning
	CoroSuspended
	CoroDone
)

// ErrCoroutineDone is returned when resuming or joining a coroutine that has
// already finished (join drains the result once).
var ErrCoroutineDone = errors.New("vesper: coroutine already finished")

// Coroutine is one cooperative execution context: a goroutine, a baton, a
// retain pool, and a result.
type Coroutine struct {
	id    uint64
	rt    *Runtime
	state atomic.Int32
	baton chan struct{}
	pool  *RetainPool
	fn    func(co *Coroutine) Ref

	result    Ref
	err       error
	done      chan struct{}
	cancelled atomic.Bool
}

// ID returns the coroutine's runtime-unique id.
func (co *Coroutine) ID() uint64 { return co.id }

// State returns the current lifecycle state.
func (co *Coroutine) State() CoroutineState {
	return CoroutineState(co.state.Load())
}

// Pool returns the coroutine's retain pool.
func (co *Coroutine) Pool() *RetainPool { return co.pool }

// Cancel requests cancellation. The coroutine observes it at its next yield
// point, where a cancelled condition unwinds it to the nearest handler (or
// to the coroutine boundary).
func (co *Coroutine) Cancel() {
	co.cancelled.Store(true)
}

// Scheduler owns every coroutine of one runtime and performs the baton
// handoff. All fields are touched only by whichever coroutine currently
// holds the baton.
type Scheduler struct {
	rt      *Runtime
	nextID  uint64
	current *Coroutine
	main    *Coroutine
	runq    []*Coroutine
	coros   map[uint64]*Coroutine // live + unjoined, for root enumeration
	limit   int                   // max live coroutines; 0 means unlimited
}

// NewScheduler creates a scheduler whose main coroutine wraps the calling
// goroutine.
func NewScheduler(rt *Runtime) *Scheduler {
	s := &Scheduler{
		rt:    rt,
		coros: make(map[uint64]*Coroutine),
	}
	main := &Coroutine{
		id:    1,
		rt:    rt,
		baton: make(chan struct{}),
		pool:  NewRetainPool(rt.collector),
		done:  make(chan struct{}),
	}
	main.state.Store(int32(CoroRunning))
	main.pool.PushMark()
	s.nextID = 1
	s.main = main
	s.current = main
	s.coros[main.id] = main
	return s
}

// Current returns the coroutine holding the baton.
func (s *Scheduler) Current() *Coroutine { return s.current }

// Main returns the main coroutine.
func (s *Scheduler) Main() *Coroutine { return s.main }

// ---------------------------------------------------------------------------
// Spawn / yield / resume
// ---------------------------------------------------------------------------

// Spawn creates a runnable coroutine for fn. It does not run until a yield
// or resume hands it the baton. Entering the coroutine pushes a retain-pool
// mark; exiting pops it, exempting the returned value. Exceeding the spawn
// limit raises a spawnLimit condition in the caller.
func (s *Scheduler) Spawn(fn func(co *Coroutine) Ref) *Coroutine {
	if s.limit > 0 && len(s.coros) >= s.limit {
		s.rt.Raisef(CondSpawnLimit, "%d coroutines already live", len(s.coros))
	}
	s.nextID++
	co := &Coroutine{
		id:    s.nextID,
		rt:    s.rt,
		baton: make(chan struct{}),
		pool:  NewRetainPool(s.rt.collector),
		fn:    fn,
		done:  make(chan struct{}),
	}
	co.state.Store(int32(CoroRunnable))
	s.coros[co.id] = co
	s.runq = append(s.runq, co)
	go s.run(co)
	return co
}

// run is the goroutine body of a spawned coroutine.
func (s *Scheduler) run(co *Coroutine) {
	<-co.baton
	co.state.Store(int32(CoroRunning))

	var result Ref
	var err error
	func() {
		defer catchCondition(&err)
		co.pool.PushMark()
		defer func() {
			co.pool.PopMark(result)
		}()
		co.checkCancelled()
		result = co.fn(co)
	}()

	co.result = result
	co.err = err
	co.state.Store(int32(CoroDone))
	close(co.done)
	s.handoffNext()
}

// Yield is the cooperative suspension point: the collector advances, the
// next runnable coroutine (if any) takes the baton, and the caller blocks
// until handed the baton again.
func (s *Scheduler) Yield() {
	s.rt.collector.SafePoint()
	cur := s.current
	cur.checkCancelled()
	if len(s.runq) == 0 {
		return
	}
	next := s.runq[0]
	s.runq = s.runq[1:]
	s.runq = append(s.runq, cur)
	cur.state.Store(int32(CoroSuspended))
	s.switchTo(next)
	<-cur.baton
	cur.state.Store(int32(CoroRunning))
	cur.checkCancelled()
}

// Resume hands the baton directly to co, queueing the caller behind it.
// Resuming the running coroutine is a no-op.
func (s *Scheduler) Resume(co *Coroutine) error {
	if co.State() == CoroDone {
		return ErrCoroutineDone
	}
	cur := s.current
	if co == cur {
		return nil
	}
	s.dequeue(co)
	s.runq = append([]*Coroutine{cur}, s.runq...)
	cur.state.Store(int32(CoroSuspended))
	s.switchTo(co)
	<-cur.baton
	cur.state.Store(int32(CoroRunning))
	cur.checkCancelled()
	return nil
}

// Join yields until co finishes, then returns its result and drops it from
// the root set. Joining twice returns ErrCoroutineDone.
func (s *Scheduler) Join(co *Coroutine) (Ref, error) {
	if _, tracked := s.coros[co.id]; !tracked {
		return NilRef, ErrCoroutineDone
	}
	for co.State() != CoroDone {
		if len(s.runq) == 0 {
			fatalf("join would deadlock: coroutine %d is not runnable", co.id)
		}
		s.Yield()
	}
	// The result leaves co's root coverage; retain it in the joiner's frame
	// before dropping co.
	s.current.pool.Retain(co.result)
	delete(s.coros, co.id)
	return co.result, co.err
}

// switchTo transfers the baton to next. The sending goroutine keeps running
// only until next wakes; callers immediately block on their own baton (or
// return, when finishing).
func (s *Scheduler) switchTo(next *Coroutine) {
	s.current = next
	next.baton <- struct{}{}
}

// handoffNext passes the baton onward after a coroutine finishes.
func (s *Scheduler) handoffNext() {
	if len(s.runq) == 0 {
		fatalf("coroutine %d finished with nothing runnable", s.current.id)
	}
	next := s.runq[0]
	s.runq = s.runq[1:]
	s.switchTo(next)
}

// dequeue removes co from the run queue if queued.
func (s *Scheduler) dequeue(co *Coroutine) {
	for i, q := range s.runq {
		if q == co {
			s.runq = append(s.runq[:i], s.runq[i+1:]...)
			return
		}
	}
}

// checkCancelled raises the cancelled condition if requested. One-shot: the
// flag clears so handlers can resume cleanly.
func (co *Coroutine) checkCancelled() {
	if co.cancelled.CompareAndSwap(true, false) {
		co.rt.RaiseCondition(&Condition{Name: CondCancelled, Text: "coroutine cancelled"})
	}
}

// forEachRoot shades everything the scheduler keeps alive: every unjoined
// coroutine's pool and result.
func (s *Scheduler) forEachRoot(shade func(Ref)) {
	for _, co := range s.coros {
		co.pool.forEach(shade)
		if co.State() == CoroDone {
			shade(co.result)
		}
	}
}
