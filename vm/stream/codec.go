// Package stream serializes object graphs through tag stream hooks.
//
// The encoding is canonical CBOR over a flat node table, so the same graph
// always produces the same bytes; the image store relies on that for content
// addressing. Kinds that cannot cross a stream boundary (primitives) fail
// the encode with the tag's own error.
package stream

import (
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/vesper/vm"
)

// Version is the envelope format version.
const Version = 1

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("stream: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Graph is the wire envelope: a node table plus the root's node id.
type Graph struct {
	Version int    `cbor:"v"`
	Root    int    `cbor:"root"`
	Nodes   []Node `cbor:"nodes"`
}

// Node is one encoded object. Proto and Extra reference other nodes by id;
// -1 means no prototype.
type Node struct {
	Tag     string         `cbor:"tag"`
	Proto   int            `cbor:"proto"`
	Slots   map[string]int `cbor:"slots,omitempty"`
	Payload []byte         `cbor:"payload,omitempty"`
	Extra   []int          `cbor:"extra,omitempty"`
}

// EncodeGraph serializes the graph reachable from root. Cycles are fine; the
// node table is discovered depth-first with sorted slot names, which keeps
// the encoding deterministic.
func EncodeGraph(rt *vm.Runtime, root vm.Ref) ([]byte, error) {
	if !rt.Valid(root) {
		return nil, fmt.Errorf("stream: encode of invalid reference %s", root)
	}
	ids := vm.NewCuckoo[vm.Ref, int](vm.RefHasher{}, vm.CuckooOptions{})
	var order []vm.Ref

	// Depth-first over an explicit worklist, so graph depth never costs call
	// stack. Ids are assigned in preorder with sorted slot names, which keeps
	// the node table deterministic.
	stack := []vm.Ref{root}
	for len(stack) > 0 {
		r := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := ids.Get(r); ok {
			continue
		}
		ids.Put(r, len(order))
		order = append(order, r)

		obj := rt.Deref(r)
		var children []vm.Ref
		if !obj.Proto().IsNil() {
			children = append(children, obj.Proto())
		}
		for _, name := range sortedSlotNames(rt, r) {
			if val, _ := rt.GetOwnSlot(r, name); !val.IsNil() {
				children = append(children, val)
			}
		}
		for _, extra := range obj.Tag().PayloadRefs(rt, obj) {
			if !extra.IsNil() {
				children = append(children, extra)
			}
		}
		// Reversed, so the first child is explored first.
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}

	g := Graph{Version: Version, Root: 0, Nodes: make([]Node, len(order))}
	for i, r := range order {
		obj := rt.Deref(r)
		tag := obj.Tag()
		payload, err := tag.WritePayload(rt, obj)
		if err != nil {
			return nil, fmt.Errorf("stream: encode %s node %d: %w", tag.Name(), i, err)
		}
		node := Node{Tag: tag.Name(), Proto: -1, Payload: payload}
		if !obj.Proto().IsNil() {
			id, _ := ids.Get(obj.Proto())
			node.Proto = id
		}
		names := sortedSlotNames(rt, r)
		if len(names) > 0 {
			node.Slots = make(map[string]int, len(names))
			for _, name := range names {
				val, _ := rt.GetOwnSlot(r, name)
				if val.IsNil() {
					continue
				}
				id, _ := ids.Get(val)
				node.Slots[name] = id
			}
		}
		for _, extra := range tag.PayloadRefs(rt, obj) {
			id, ok := ids.Get(extra)
			if !ok {
				return nil, fmt.Errorf("stream: payload ref of node %d was not discovered", i)
			}
			node.Extra = append(node.Extra, id)
		}
		g.Nodes[i] = node
	}
	return cborEncMode.Marshal(&g)
}

// DecodeGraph rebuilds a graph encoded by EncodeGraph into rt and returns
// the root. The objects under construction are protected by a retain frame
// until the root is handed back.
func DecodeGraph(rt *vm.Runtime, data []byte) (root vm.Ref, err error) {
	var g Graph
	if err := cbor.Unmarshal(data, &g); err != nil {
		return vm.NilRef, fmt.Errorf("stream: unmarshal graph: %w", err)
	}
	if g.Version != Version {
		return vm.NilRef, fmt.Errorf("stream: unsupported version %d", g.Version)
	}
	if g.Root < 0 || g.Root >= len(g.Nodes) {
		return vm.NilRef, fmt.Errorf("stream: root id %d out of range", g.Root)
	}

	rt.PushMark()
	defer func() {
		rt.PopMark(root)
	}()

	// First pass: allocate every node so ids resolve.
	refs := make([]vm.Ref, len(g.Nodes))
	for i, node := range g.Nodes {
		tag, ok := rt.TagByName(node.Tag)
		if !ok {
			return vm.NilRef, fmt.Errorf("stream: unknown tag %q at node %d", node.Tag, i)
		}
		refs[i] = rt.AllocObject(tag, vm.NilRef, nil)
	}

	// Second pass: link and restore.
	for i, node := range g.Nodes {
		obj := rt.Deref(refs[i])
		if node.Proto >= 0 {
			if node.Proto >= len(g.Nodes) {
				return vm.NilRef, fmt.Errorf("stream: proto id %d out of range at node %d", node.Proto, i)
			}
			rt.SetProto(refs[i], refs[node.Proto])
		}
		for name, id := range node.Slots {
			if id < 0 || id >= len(g.Nodes) {
				return vm.NilRef, fmt.Errorf("stream: slot %q id %d out of range at node %d", name, id, i)
			}
			rt.SetSlot(refs[i], name, refs[id])
		}
		if err := obj.Tag().ReadPayload(rt, obj, node.Payload); err != nil {
			return vm.NilRef, fmt.Errorf("stream: decode %s node %d: %w", node.Tag, i, err)
		}
		if len(node.Extra) > 0 {
			extras := make([]vm.Ref, len(node.Extra))
			for j, id := range node.Extra {
				if id < 0 || id >= len(g.Nodes) {
					return vm.NilRef, fmt.Errorf("stream: extra id %d out of range at node %d", id, i)
				}
				extras[j] = refs[id]
			}
			obj.Tag().SetPayloadRefs(rt, obj, extras)
		}
	}

	root = refs[g.Root]
	return root, nil
}

func sortedSlotNames(rt *vm.Runtime, r vm.Ref) []string {
	names := rt.SlotNames(r)
	sort.Strings(names)
	return names
}
