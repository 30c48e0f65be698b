package main

import (
	"testing"

	"github.com/chazu/vesper/vm"
)

func newTestSession(t *testing.T) *session {
	t.Helper()
	rt := vm.NewRuntime(vm.Options{Collector: vm.CollectorOptions{AllocTrigger: -1}})
	t.Cleanup(rt.Close)
	return &session{rt: rt, bindings: map[string]vm.Ref{"root": rt.Root()}}
}

func TestSession_CommandLiteralsDoNotAccumulateRoots(t *testing.T) {
	s := newTestSession(t)

	if err := s.eval("clone Object box"); err != nil {
		t.Fatalf("clone: %v", err)
	}

	before := s.rt.CurrentPool().Len()
	for i := 0; i < 50; i++ {
		if err := s.eval("set box n 42"); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	if got := s.rt.CurrentPool().Len(); got != before {
		t.Errorf("pool grew from %d to %d across commands", before, got)
	}

	// The stored value is reachable through the pinned binding, not the pool.
	s.rt.Collect()
	v, ok := s.rt.LookupSlot(s.bindings["box"], "n")
	if !ok {
		t.Fatal("slot n should survive collection")
	}
	if f, _ := s.rt.NumberValue(v); f != 42 {
		t.Errorf("n: got %v, want 42", f)
	}
}

func TestSession_DropUnpinsBinding(t *testing.T) {
	s := newTestSession(t)

	if err := s.eval("clone Object box"); err != nil {
		t.Fatalf("clone: %v", err)
	}
	pinned := s.rt.Stats().Collector.Pinned
	if err := s.eval("drop box"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if got := s.rt.Stats().Collector.Pinned; got != pinned-1 {
		t.Errorf("pinned: got %d, want %d", got, pinned-1)
	}
}
