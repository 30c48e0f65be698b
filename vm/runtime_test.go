package vm

import "testing"

func TestRuntime_InstancesAreIsolated(t *testing.T) {
	a := newTestRuntime()
	defer a.Close()
	b := newTestRuntime()
	defer b.Close()

	a.Symbols().Intern("only-in-a")
	if _, ok := b.Symbols().Lookup("only-in-a"); ok {
		t.Error("symbol tables must not be shared between runtimes")
	}

	liveB := b.Stats().Collector.Live
	for i := 0; i < 50; i++ {
		a.NewNumber(float64(i))
	}
	if b.Stats().Collector.Live != liveB {
		t.Error("allocation in one runtime must not touch another's arena")
	}
}

func TestRuntime_RootNamespaceHasCoreProtos(t *testing.T) {
	rt := newTestRuntime()
	defer rt.Close()

	for _, name := range []string{"Object", "Number", "Sequence", "Message"} {
		proto, ok := rt.CoreProto(name)
		if !ok {
			t.Fatalf("CoreProto(%s) missing", name)
		}
		slot, ok := rt.GetOwnSlot(rt.Root(), name)
		if !ok || slot != proto {
			t.Errorf("root slot %s should hold the core proto", name)
		}
	}
	if _, ok := rt.CoreProto("Nope"); ok {
		t.Error("CoreProto of an unknown kind should miss")
	}
}

func TestRuntime_RootDelegatesToObjectProto(t *testing.T) {
	rt := newTestRuntime()
	defer rt.Close()

	objProto, _ := rt.CoreProto("Object")
	rt.SetSlot(objProto, "universal", rt.NewNumber(1))

	if _, ok := rt.LookupSlot(rt.Root(), "universal"); !ok {
		t.Error("the root should delegate to the Object prototype")
	}
}

func TestRuntime_RegisterTagRejectsDuplicates(t *testing.T) {
	rt := newTestRuntime()
	defer rt.Close()

	if err := rt.RegisterTag(&TagFuncs{Kind: "Widget"}); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if err := rt.RegisterTag(&TagFuncs{Kind: "Widget"}); err == nil {
		t.Error("duplicate kind name must be rejected")
	}
	if err := rt.RegisterTag(&TagFuncs{}); err == nil {
		t.Error("empty kind name must be rejected")
	}

	tag, ok := rt.TagByName("Widget")
	if !ok || tag.Name() != "Widget" {
		t.Error("TagByName should resolve the registered tag")
	}
}

func TestRuntime_TagCountsTrackLifecycle(t *testing.T) {
	rt := newTestRuntime()
	defer rt.Close()

	before := rt.TagCount("Number")
	rt.PushMark()
	rt.NewNumber(1)
	rt.NewNumber(2)
	if rt.TagCount("Number") != before+2 {
		t.Errorf("count after alloc: got %d, want %d", rt.TagCount("Number"), before+2)
	}
	rt.PopMark(NilRef)

	rt.Collect()
	if rt.TagCount("Number") != before {
		t.Errorf("count after sweep: got %d, want %d", rt.TagCount("Number"), before)
	}
}

func TestRuntime_FreeHookRunsOnSweep(t *testing.T) {
	rt := newTestRuntime()
	defer rt.Close()

	freed := 0
	tag := &TagFuncs{
		Kind:     "Resource",
		FreeFunc: func(rt *Runtime, obj *Object) { freed++ },
	}
	if err := rt.RegisterTag(tag); err != nil {
		t.Fatalf("RegisterTag: %v", err)
	}

	rt.PushMark()
	rt.AllocObject(tag, NilRef, "payload")
	rt.PopMark(NilRef)

	rt.Collect()
	if freed != 1 {
		t.Errorf("free hook ran %d times, want 1", freed)
	}
}

func TestRuntime_CustomTagMarkHook(t *testing.T) {
	rt := newTestRuntime()
	defer rt.Close()

	// A kind whose payload holds a hidden reference must keep it alive
	// through its mark hook.
	tag := &TagFuncs{
		Kind: "Box",
		MarkFunc: func(rt *Runtime, obj *Object, shade func(Ref)) {
			if r, ok := obj.Data().(Ref); ok {
				shade(r)
			}
		},
	}
	if err := rt.RegisterTag(tag); err != nil {
		t.Fatalf("RegisterTag: %v", err)
	}

	rt.PushMark()
	hidden := rt.NewNumber(5)
	box := rt.AllocObject(tag, NilRef, hidden)
	rt.SetSlot(rt.Root(), "box", box)
	rt.PopMark(NilRef)

	rt.Collect()
	if !rt.Valid(hidden) {
		t.Fatal("payload references must survive through the mark hook")
	}

	rt.RemoveSlot(rt.Root(), "box")
	rt.Collect()
	if rt.Valid(hidden) || rt.Valid(box) {
		t.Error("box and its payload should be freed together")
	}
}

func TestRuntime_CloseSweepsEverything(t *testing.T) {
	rt := newTestRuntime()

	x := rt.NewNumber(1)
	rt.Pin(x)
	rt.SetSlot(rt.Root(), "y", rt.NewNumber(2))

	rt.Close()
	if got := rt.Stats().Collector.Live; got != 0 {
		t.Errorf("Live after Close: got %d, want 0", got)
	}
}

func TestRuntime_AllocateAfterCloseIsFatal(t *testing.T) {
	rt := newTestRuntime()
	rt.Close()
	mustFatal(t, func() { rt.NewNumber(1) })
}

func TestRuntime_StatsShape(t *testing.T) {
	rt := newTestRuntime()
	defer rt.Close()

	rt.NewNumber(1)
	st := rt.Stats()
	if st.Symbols == 0 {
		t.Error("bootstrap should have interned symbols")
	}
	if st.Coroutines != 1 {
		t.Errorf("Coroutines: got %d, want 1 (main)", st.Coroutines)
	}
	if st.TagCounts["Number"] == 0 {
		t.Error("TagCounts should track the live number")
	}
}
