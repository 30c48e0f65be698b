package vm

import (
	"strings"
	"testing"
)

// mustFatal asserts that fn aborts with a fatal invariant panic.
func mustFatal(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected a fatal panic")
		}
		s, ok := r.(string)
		if !ok || !strings.HasPrefix(s, "vesper: fatal: ") {
			t.Fatalf("unexpected panic payload: %v", r)
		}
	}()
	fn()
}

func TestArena_AllocateAndResolve(t *testing.T) {
	a := NewArena(4)
	obj := &Object{}

	r := a.allocate(obj, paintA, sentinelSetA)
	if r.IsNil() {
		t.Fatal("allocate returned nil ref")
	}
	if got := a.object(r); got != obj {
		t.Error("object(r) should resolve to the allocated object")
	}
	if obj.self != r {
		t.Error("allocate should stamp the object's self ref")
	}
	if a.Live() != 1 {
		t.Errorf("Live: got %d, want 1", a.Live())
	}
}

func TestArena_NilRefResolvesToNil(t *testing.T) {
	a := NewArena(4)
	if a.object(NilRef) != nil {
		t.Error("object(NilRef) should be nil")
	}
	if NilRef.String() != "ref(nil)" {
		t.Errorf("NilRef.String: got %q", NilRef.String())
	}
}

func TestArena_StaleRefIsFatal(t *testing.T) {
	a := NewArena(4)
	r := a.allocate(&Object{}, paintA, sentinelSetA)
	a.release(r.index)

	mustFatal(t, func() { a.object(r) })
}

func TestArena_ReusedCellRejectsOldGeneration(t *testing.T) {
	a := NewArena(1)
	old := a.allocate(&Object{}, paintA, sentinelSetA)
	a.release(old.index)

	// The freed cell is first on the free list; the next allocation reuses it
	// at a later generation.
	fresh := a.allocate(&Object{}, paintA, sentinelSetA)
	if fresh.index != old.index {
		t.Fatalf("expected cell reuse: old index %d, fresh index %d", old.index, fresh.index)
	}
	if fresh.gen <= old.gen {
		t.Errorf("generation should advance on reuse: old %d, fresh %d", old.gen, fresh.gen)
	}

	mustFatal(t, func() { a.object(old) })
	if a.object(fresh) == nil {
		t.Error("fresh ref should still resolve")
	}
}

func TestArena_DoubleFreeIsFatal(t *testing.T) {
	a := NewArena(4)
	r := a.allocate(&Object{}, paintA, sentinelSetA)
	a.release(r.index)

	mustFatal(t, func() { a.release(r.index) })
}

func TestArena_GrowsWhenFreeListEmpty(t *testing.T) {
	a := NewArena(1)
	refs := make([]Ref, 0, 10)
	for i := 0; i < 10; i++ {
		refs = append(refs, a.allocate(&Object{}, paintA, sentinelSetA))
	}
	if a.Live() != 10 {
		t.Errorf("Live: got %d, want 10", a.Live())
	}
	for _, r := range refs {
		if a.object(r) == nil {
			t.Fatalf("ref %s should resolve after growth", r)
		}
	}
}

func TestArena_SpliceMovesBetweenPartitions(t *testing.T) {
	a := NewArena(4)
	r := a.allocate(&Object{}, paintA, sentinelSetA)

	if a.colorSetIsEmpty(sentinelSetA) {
		t.Fatal("set A should hold the cell")
	}
	if !a.colorSetIsEmpty(sentinelGray) {
		t.Fatal("gray set should start empty")
	}

	a.cells[r.index].color = paintGray
	a.removeAndInsertAfter(r.index, sentinelGray)

	if !a.colorSetIsEmpty(sentinelSetA) {
		t.Error("set A should be empty after the splice")
	}
	if a.firstOf(sentinelGray) != r.index {
		t.Errorf("firstOf(gray): got %d, want %d", a.firstOf(sentinelGray), r.index)
	}
}

func TestArena_ForEachOfWalksWholePartition(t *testing.T) {
	a := NewArena(8)
	want := make(map[uint32]bool)
	for i := 0; i < 5; i++ {
		r := a.allocate(&Object{}, paintA, sentinelSetA)
		want[r.index] = true
	}

	seen := make(map[uint32]bool)
	a.forEachOf(sentinelSetA, func(idx uint32) { seen[idx] = true })

	if len(seen) != len(want) {
		t.Fatalf("forEachOf visited %d cells, want %d", len(seen), len(want))
	}
	for idx := range want {
		if !seen[idx] {
			t.Errorf("cell %d not visited", idx)
		}
	}
}

// forEachOf must tolerate the callback releasing the cell it was given; that
// is exactly what the sweep does.
func TestArena_ForEachOfSurvivesRelease(t *testing.T) {
	a := NewArena(8)
	for i := 0; i < 5; i++ {
		a.allocate(&Object{}, paintA, sentinelSetA)
	}

	released := 0
	a.forEachOf(sentinelSetA, func(idx uint32) {
		a.release(idx)
		released++
	})

	if released != 5 {
		t.Errorf("released %d cells, want 5", released)
	}
	if !a.colorSetIsEmpty(sentinelSetA) {
		t.Error("set A should be empty after releasing every cell")
	}
	if a.Live() != 0 {
		t.Errorf("Live: got %d, want 0", a.Live())
	}
}
