package vm

import (
	"encoding/binary"
	"errors"
	"math"
	"strings"
)

// ---------------------------------------------------------------------------
// Builtin kinds
// ---------------------------------------------------------------------------
//
// Five kinds ship with the core: plain data objects, numbers, sequences,
// messages, and Go-implemented primitives. Everything else is defined by
// external modules through RegisterTag. Each kind is one shared TagFuncs
// descriptor; instances never carry their own dispatch tables.

// ErrNotSerializable is returned by WritePayload for kinds that cannot cross
// a stream boundary (primitives wrap Go functions).
var ErrNotSerializable = errors.New("vesper: kind is not serializable")

// PrimitiveFunc is the payload of a Primitive kind object.
type PrimitiveFunc func(rt *Runtime, self, locals, msg Ref) Ref

// MessageData is the payload of a Message kind object.
type MessageData struct {
	Name Symbol
	Args []Ref
}

func newDataTag() *TagFuncs {
	return &TagFuncs{Kind: "Object"}
}

func newNumberTag() *TagFuncs {
	return &TagFuncs{
		Kind: "Number",
		CompareFunc: func(rt *Runtime, a, b *Object) int {
			av, _ := a.data.(float64)
			bv, _ := b.data.(float64)
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			default:
				return 0
			}
		},
		WritePayloadFunc: func(rt *Runtime, obj *Object) ([]byte, error) {
			v, _ := obj.data.(float64)
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
			return b[:], nil
		},
		ReadPayloadFunc: func(rt *Runtime, obj *Object, data []byte) error {
			if len(data) != 8 {
				return errors.New("vesper: number payload must be 8 bytes")
			}
			obj.data = math.Float64frombits(binary.LittleEndian.Uint64(data))
			return nil
		},
	}
}

func newSequenceTag() *TagFuncs {
	return &TagFuncs{
		Kind: "Sequence",
		CompareFunc: func(rt *Runtime, a, b *Object) int {
			av, _ := a.data.(string)
			bv, _ := b.data.(string)
			return strings.Compare(av, bv)
		},
		WritePayloadFunc: func(rt *Runtime, obj *Object) ([]byte, error) {
			s, _ := obj.data.(string)
			return []byte(s), nil
		},
		ReadPayloadFunc: func(rt *Runtime, obj *Object, data []byte) error {
			obj.data = string(data)
			return nil
		},
	}
}

func newMessageTag() *TagFuncs {
	return &TagFuncs{
		Kind: "Message",
		CloneDataFunc: func(rt *Runtime, data any) any {
			md, ok := data.(*MessageData)
			if !ok {
				return data
			}
			cp := &MessageData{Name: md.Name, Args: append([]Ref(nil), md.Args...)}
			return cp
		},
		MarkFunc: func(rt *Runtime, obj *Object, shade func(Ref)) {
			if md, ok := obj.data.(*MessageData); ok {
				for _, a := range md.Args {
					shade(a)
				}
			}
		},
		// A message found in a slot evaluates: its own name is sent to the
		// original receiver, so a slot can forward to another slot.
		ActivateFunc: func(rt *Runtime, target, self, locals, msg Ref) Ref {
			return rt.Perform(self, locals, target)
		},
		WritePayloadFunc: func(rt *Runtime, obj *Object) ([]byte, error) {
			md, ok := obj.data.(*MessageData)
			if !ok {
				return nil, nil
			}
			return []byte(rt.symbols.Name(md.Name)), nil
		},
		ReadPayloadFunc: func(rt *Runtime, obj *Object, data []byte) error {
			obj.data = &MessageData{Name: rt.symbols.Intern(string(data))}
			return nil
		},
		PayloadRefsFunc: func(rt *Runtime, obj *Object) []Ref {
			if md, ok := obj.data.(*MessageData); ok {
				return md.Args
			}
			return nil
		},
		SetPayloadRefsFunc: func(rt *Runtime, obj *Object, refs []Ref) {
			if md, ok := obj.data.(*MessageData); ok {
				md.Args = refs
			}
		},
	}
}

func newPrimitiveTag() *TagFuncs {
	return &TagFuncs{
		Kind: "Primitive",
		ActivateFunc: func(rt *Runtime, target, self, locals, msg Ref) Ref {
			obj := rt.arena.object(target)
			fn, ok := obj.data.(PrimitiveFunc)
			if !ok {
				rt.Raisef(CondDoesNotUnderstand, "primitive without function")
			}
			return fn(rt, self, locals, msg)
		},
		WritePayloadFunc: func(rt *Runtime, obj *Object) ([]byte, error) {
			return nil, ErrNotSerializable
		},
	}
}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// NewNumber allocates a Number carrying v, cloned from the Number core proto.
func (rt *Runtime) NewNumber(v float64) Ref {
	r := rt.Clone(rt.protoNumber)
	rt.arena.object(r).data = v
	return r
}

// NumberValue extracts a Number payload.
func (rt *Runtime) NumberValue(r Ref) (float64, bool) {
	v, ok := rt.arena.object(r).data.(float64)
	return v, ok
}

// NewSequence allocates a Sequence carrying s.
func (rt *Runtime) NewSequence(s string) Ref {
	r := rt.Clone(rt.protoSequence)
	rt.arena.object(r).data = s
	return r
}

// SequenceValue extracts a Sequence payload.
func (rt *Runtime) SequenceValue(r Ref) (string, bool) {
	s, ok := rt.arena.object(r).data.(string)
	return s, ok
}

// NewMessage allocates a Message for name with the given argument objects.
func (rt *Runtime) NewMessage(name string, args ...Ref) Ref {
	r := rt.Clone(rt.protoMessage)
	rt.arena.object(r).data = &MessageData{
		Name: rt.symbols.Intern(name),
		Args: args,
	}
	return r
}

// MessageName returns the name a message carries.
func (rt *Runtime) MessageName(msg Ref) string {
	return rt.symbols.Name(rt.messageData(msg).Name)
}

// MessageArgs returns a message's argument objects.
func (rt *Runtime) MessageArgs(msg Ref) []Ref {
	return rt.messageData(msg).Args
}

// Arg returns the n-th argument of msg, raising badArity when absent.
func (rt *Runtime) Arg(msg Ref, n int) Ref {
	md := rt.messageData(msg)
	if n < 0 || n >= len(md.Args) {
		rt.Raisef(CondBadArity, "%s wants argument %d of %d",
			rt.symbols.Name(md.Name), n, len(md.Args))
	}
	return md.Args[n]
}

// NewPrimitive allocates a Primitive wrapping fn.
func (rt *Runtime) NewPrimitive(fn PrimitiveFunc) Ref {
	r := rt.newObject(rt.tagPrimitive, rt.protoObject, fn)
	return r
}

// messageData extracts the MessageData payload, raising when msg is not a
// message.
func (rt *Runtime) messageData(msg Ref) *MessageData {
	md, ok := rt.arena.object(msg).data.(*MessageData)
	if !ok {
		rt.Raisef(CondDoesNotUnderstand, "perform needs a Message, got %s",
			rt.arena.object(msg).tag.Name())
	}
	return md
}
