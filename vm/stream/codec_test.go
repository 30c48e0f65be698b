package stream

import (
	"bytes"
	"testing"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/vesper/vm"
)

func newTestRuntime() *vm.Runtime {
	return vm.NewRuntime(vm.Options{Collector: vm.CollectorOptions{AllocTrigger: -1}})
}

func TestCodec_RoundTrip(t *testing.T) {
	rt := newTestRuntime()
	defer rt.Close()

	root := rt.Clone(rt.Root())
	rt.SetSlot(root, "count", rt.NewNumber(42))
	rt.SetSlot(root, "label", rt.NewSequence("hello"))
	child := rt.Clone(rt.Root())
	rt.SetSlot(child, "depth", rt.NewNumber(2))
	rt.SetSlot(root, "child", child)

	data, err := EncodeGraph(rt, root)
	if err != nil {
		t.Fatalf("EncodeGraph: %v", err)
	}

	got, err := DecodeGraph(rt, data)
	if err != nil {
		t.Fatalf("DecodeGraph: %v", err)
	}
	if got == root {
		t.Fatal("decode should build fresh objects")
	}

	count, ok := rt.GetOwnSlot(got, "count")
	if !ok {
		t.Fatal("decoded root lost its count slot")
	}
	if v, _ := rt.NumberValue(count); v != 42 {
		t.Errorf("count: got %v, want 42", v)
	}
	label, _ := rt.GetOwnSlot(got, "label")
	if s, _ := rt.SequenceValue(label); s != "hello" {
		t.Errorf("label: got %q, want hello", s)
	}
	gotChild, ok := rt.GetOwnSlot(got, "child")
	if !ok {
		t.Fatal("decoded root lost its child slot")
	}
	depth, _ := rt.GetOwnSlot(gotChild, "depth")
	if v, _ := rt.NumberValue(depth); v != 2 {
		t.Errorf("child depth: got %v, want 2", v)
	}
}

func TestCodec_DeepChain(t *testing.T) {
	rt := newTestRuntime()
	defer rt.Close()

	const depth = 50000
	rt.PushMark()
	defer rt.PopMark(vm.NilRef)

	head := rt.Clone(rt.Root())
	tail := head
	for i := 1; i < depth; i++ {
		next := rt.Clone(rt.Root())
		rt.SetSlot(tail, "next", next)
		tail = next
	}
	rt.SetSlot(tail, "depth", rt.NewNumber(depth))

	data, err := EncodeGraph(rt, head)
	if err != nil {
		t.Fatalf("EncodeGraph: %v", err)
	}
	got, err := DecodeGraph(rt, data)
	if err != nil {
		t.Fatalf("DecodeGraph: %v", err)
	}

	n := 1
	cur := got
	for {
		next, ok := rt.GetOwnSlot(cur, "next")
		if !ok {
			break
		}
		cur = next
		n++
	}
	if n != depth {
		t.Fatalf("walked %d links, want %d", n, depth)
	}
	v, ok := rt.GetOwnSlot(cur, "depth")
	if !ok {
		t.Fatal("tail lost its depth slot")
	}
	if f, _ := rt.NumberValue(v); f != depth {
		t.Errorf("tail depth: got %v, want %d", f, depth)
	}
}

func TestCodec_PreservesCycles(t *testing.T) {
	rt := newTestRuntime()
	defer rt.Close()

	a := rt.Clone(rt.Root())
	b := rt.Clone(rt.Root())
	rt.SetSlot(a, "partner", b)
	rt.SetSlot(b, "partner", a)

	data, err := EncodeGraph(rt, a)
	if err != nil {
		t.Fatalf("EncodeGraph: %v", err)
	}
	got, err := DecodeGraph(rt, data)
	if err != nil {
		t.Fatalf("DecodeGraph: %v", err)
	}

	gotB, ok := rt.GetOwnSlot(got, "partner")
	if !ok {
		t.Fatal("decoded a lost its partner")
	}
	back, ok := rt.GetOwnSlot(gotB, "partner")
	if !ok {
		t.Fatal("decoded b lost its partner")
	}
	if back != got {
		t.Error("the cycle must close on the decoded objects")
	}
}

func TestCodec_SharedObjectStaysShared(t *testing.T) {
	rt := newTestRuntime()
	defer rt.Close()

	root := rt.Clone(rt.Root())
	shared := rt.NewNumber(7)
	rt.SetSlot(root, "left", shared)
	rt.SetSlot(root, "right", shared)

	data, err := EncodeGraph(rt, root)
	if err != nil {
		t.Fatalf("EncodeGraph: %v", err)
	}
	got, err := DecodeGraph(rt, data)
	if err != nil {
		t.Fatalf("DecodeGraph: %v", err)
	}

	left, _ := rt.GetOwnSlot(got, "left")
	right, _ := rt.GetOwnSlot(got, "right")
	if left != right {
		t.Error("a shared referent must decode to one object, not two")
	}
}

func TestCodec_DeterministicBytes(t *testing.T) {
	rt := newTestRuntime()
	defer rt.Close()

	root := rt.Clone(rt.Root())
	for _, name := range []string{"zeta", "alpha", "mid"} {
		rt.SetSlot(root, name, rt.NewSequence(name))
	}

	first, err := EncodeGraph(rt, root)
	if err != nil {
		t.Fatalf("EncodeGraph: %v", err)
	}
	second, err := EncodeGraph(rt, root)
	if err != nil {
		t.Fatalf("EncodeGraph: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("the same graph must always encode to the same bytes")
	}
}

func TestCodec_ProtoLinkSurvives(t *testing.T) {
	rt := newTestRuntime()
	defer rt.Close()

	proto := rt.Clone(rt.Root())
	rt.SetSlot(proto, "kindName", rt.NewSequence("widget"))
	inst := rt.Clone(proto)

	data, err := EncodeGraph(rt, inst)
	if err != nil {
		t.Fatalf("EncodeGraph: %v", err)
	}
	got, err := DecodeGraph(rt, data)
	if err != nil {
		t.Fatalf("DecodeGraph: %v", err)
	}

	val, ok := rt.LookupSlot(got, "kindName")
	if !ok {
		t.Fatal("delegation through the decoded proto failed")
	}
	if s, _ := rt.SequenceValue(val); s != "widget" {
		t.Errorf("delegated value: got %q", s)
	}
}

func TestCodec_MessageArgsTravel(t *testing.T) {
	rt := newTestRuntime()
	defer rt.Close()

	root := rt.Clone(rt.Root())
	msg := rt.NewMessage("greet", rt.NewNumber(3), rt.NewSequence("x"))
	rt.SetSlot(root, "pending", msg)

	data, err := EncodeGraph(rt, root)
	if err != nil {
		t.Fatalf("EncodeGraph: %v", err)
	}
	got, err := DecodeGraph(rt, data)
	if err != nil {
		t.Fatalf("DecodeGraph: %v", err)
	}

	gotMsg, ok := rt.GetOwnSlot(got, "pending")
	if !ok {
		t.Fatal("decoded root lost the message slot")
	}
	if rt.MessageName(gotMsg) != "greet" {
		t.Errorf("message name: got %q", rt.MessageName(gotMsg))
	}
	args := rt.MessageArgs(gotMsg)
	if len(args) != 2 {
		t.Fatalf("args: got %d, want 2", len(args))
	}
	if v, _ := rt.NumberValue(args[0]); v != 3 {
		t.Errorf("arg 0: got %v, want 3", v)
	}
	if s, _ := rt.SequenceValue(args[1]); s != "x" {
		t.Errorf("arg 1: got %q, want x", s)
	}
}

func TestCodec_PrimitiveIsNotSerializable(t *testing.T) {
	rt := newTestRuntime()
	defer rt.Close()

	root := rt.Clone(rt.Root())
	rt.SetSlot(root, "fn", rt.NewPrimitive(func(rt *vm.Runtime, self, locals, msg vm.Ref) vm.Ref {
		return vm.NilRef
	}))

	if _, err := EncodeGraph(rt, root); err == nil {
		t.Error("encoding a graph holding a primitive must fail")
	}
}

func TestCodec_RejectsUnknownVersion(t *testing.T) {
	rt := newTestRuntime()
	defer rt.Close()

	data, err := cbor.Marshal(&Graph{Version: 99})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := DecodeGraph(rt, data); err == nil {
		t.Error("decoding an unknown version must fail")
	}
}

func TestCodec_RejectsInvalidRef(t *testing.T) {
	rt := newTestRuntime()
	defer rt.Close()

	if _, err := EncodeGraph(rt, vm.NilRef); err == nil {
		t.Error("encoding a nil ref must fail")
	}
}

func TestCodec_DecodedGraphSurvivesCollection(t *testing.T) {
	rt := newTestRuntime()
	defer rt.Close()

	root := rt.Clone(rt.Root())
	rt.SetSlot(root, "n", rt.NewNumber(4))
	data, err := EncodeGraph(rt, root)
	if err != nil {
		t.Fatalf("EncodeGraph: %v", err)
	}

	got, err := DecodeGraph(rt, data)
	if err != nil {
		t.Fatalf("DecodeGraph: %v", err)
	}
	rt.Collect()
	if !rt.Valid(got) {
		t.Fatal("the decoded root is held by the caller's frame and must survive")
	}
	n, _ := rt.GetOwnSlot(got, "n")
	if v, _ := rt.NumberValue(n); v != 4 {
		t.Errorf("n after collection: got %v, want 4", v)
	}
}
