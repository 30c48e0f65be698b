package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/chazu/vesper/image"
	"github.com/chazu/vesper/vm"
)

const prompt = "\033[32mvesper>\033[0m "

// session is the REPL state: named bindings into the runtime. Every binding
// is pinned so it survives collection until dropped or rebound.
type session struct {
	rt       *vm.Runtime
	store    *image.Store
	bindings map[string]vm.Ref
}

func runREPL(rt *vm.Runtime, dbPath string) error {
	store, err := image.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	s := &session{
		rt:       rt,
		store:    store,
		bindings: map[string]vm.Ref{"root": rt.Root()},
	}

	l, err := readline.NewEx(&readline.Config{
		Prompt:            prompt,
		HistoryFile:       ".vesper-history",
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return err
	}
	defer l.Close()
	l.CaptureExitSignal()

	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			}
			continue
		} else if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}
		if err := s.eval(line); err != nil {
			fmt.Printf("\033[31merror:\033[0m %v\n", err)
		}
	}
	return nil
}

func (s *session) eval(line string) error {
	// Literals allocated while evaluating a command are transient: anything
	// that must outlive it is pinned by bind or stored in a slot before the
	// frame pops.
	s.rt.PushMark()
	defer s.rt.PopMark(vm.NilRef)

	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "help":
		printHelp()
	case "ls":
		names := make([]string, 0, len(s.bindings))
		for name := range s.bindings {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("%-12s %s\n", name, s.describe(s.bindings[name]))
		}
	case "clone":
		if len(args) < 2 {
			return fmt.Errorf("usage: clone <proto> <name>")
		}
		proto, err := s.resolve(args[0])
		if err != nil {
			return err
		}
		s.bind(args[1], s.rt.Clone(proto))
	case "drop":
		if len(args) < 1 {
			return fmt.Errorf("usage: drop <name>")
		}
		return s.unbind(args[0])
	case "set":
		if len(args) < 3 {
			return fmt.Errorf("usage: set <obj> <slot> <value>")
		}
		obj, err := s.resolve(args[0])
		if err != nil {
			return err
		}
		val, err := s.value(strings.Join(args[2:], " "))
		if err != nil {
			return err
		}
		s.rt.SetSlot(obj, args[1], val)
	case "get":
		if len(args) < 2 {
			return fmt.Errorf("usage: get <obj> <slot>")
		}
		obj, err := s.resolve(args[0])
		if err != nil {
			return err
		}
		val, ok := s.rt.LookupSlot(obj, args[1])
		if !ok {
			return fmt.Errorf("no slot %q on %s (or its protos)", args[1], args[0])
		}
		fmt.Println(s.describe(val))
	case "remove":
		if len(args) < 2 {
			return fmt.Errorf("usage: remove <obj> <slot>")
		}
		obj, err := s.resolve(args[0])
		if err != nil {
			return err
		}
		if !s.rt.RemoveSlot(obj, args[1]) {
			return fmt.Errorf("no own slot %q on %s", args[1], args[0])
		}
	case "slots":
		if len(args) < 1 {
			return fmt.Errorf("usage: slots <obj>")
		}
		obj, err := s.resolve(args[0])
		if err != nil {
			return err
		}
		for _, name := range s.rt.SlotNames(obj) {
			val, _ := s.rt.GetOwnSlot(obj, name)
			fmt.Printf("%-16s %s\n", name, s.describe(val))
		}
	case "send":
		if len(args) < 2 {
			return fmt.Errorf("usage: send <obj> <message> [args...]")
		}
		obj, err := s.resolve(args[0])
		if err != nil {
			return err
		}
		msgArgs := make([]vm.Ref, 0, len(args)-2)
		for _, a := range args[2:] {
			v, err := s.value(a)
			if err != nil {
				return err
			}
			msgArgs = append(msgArgs, v)
		}
		res, err := s.rt.SendName(obj, args[1], msgArgs...)
		if err != nil {
			return err
		}
		fmt.Println(s.describe(res))
	case "gc":
		s.rt.Collect()
		fmt.Printf("epoch %d, %d freed last sweep\n",
			s.rt.Collector().Epoch(), s.rt.Stats().Collector.LastSweepFreed)
	case "step":
		n := 1
		if len(args) > 0 {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("bad step count %q", args[0])
			}
			n = v
		}
		if s.rt.Collector().CurrentPhase() == vm.PhaseIdle {
			s.rt.GCStart()
		}
		s.rt.GCStep(n)
		fmt.Println(s.rt.Collector().CurrentPhase())
	case "stats":
		printStats(readline.Stdout, s.rt)
	case "save":
		if len(args) < 1 {
			return fmt.Errorf("usage: save <obj>")
		}
		obj, err := s.resolve(args[0])
		if err != nil {
			return err
		}
		hash, err := s.store.Save(s.rt, obj)
		if err != nil {
			return err
		}
		fmt.Println(hash)
	case "load":
		if len(args) < 2 {
			return fmt.Errorf("usage: load <hash> <name>")
		}
		root, err := s.store.Load(s.rt, args[0])
		if err != nil {
			return err
		}
		s.bind(args[1], root)
	default:
		return fmt.Errorf("unknown command %q (try help)", cmd)
	}
	return nil
}

// bind pins a ref under name, unpinning whatever the name held before.
func (s *session) bind(name string, r vm.Ref) {
	if old, ok := s.bindings[name]; ok && name != "root" {
		s.rt.Unpin(old)
	}
	if name != "root" {
		s.rt.Pin(r)
	}
	s.bindings[name] = r
	fmt.Printf("%s = %s\n", name, s.describe(r))
}

func (s *session) unbind(name string) error {
	if name == "root" {
		return fmt.Errorf("cannot drop root")
	}
	r, ok := s.bindings[name]
	if !ok {
		return fmt.Errorf("no binding %q", name)
	}
	s.rt.Unpin(r)
	delete(s.bindings, name)
	return nil
}

func (s *session) resolve(name string) (vm.Ref, error) {
	if r, ok := s.bindings[name]; ok {
		return r, nil
	}
	if r, ok := s.rt.CoreProto(name); ok {
		return r, nil
	}
	return vm.NilRef, fmt.Errorf("no binding %q", name)
}

// value parses a literal or binding: numbers become Number objects, quoted
// text becomes Sequence objects, anything else resolves as a name.
func (s *session) value(tok string) (vm.Ref, error) {
	if v, err := strconv.ParseFloat(tok, 64); err == nil {
		return s.rt.NewNumber(v), nil
	}
	if len(tok) >= 2 && tok[0] == '"' && tok[len(tok)-1] == '"' {
		return s.rt.NewSequence(tok[1 : len(tok)-1]), nil
	}
	return s.resolve(tok)
}

func (s *session) describe(r vm.Ref) string {
	if r.IsNil() {
		return "nil"
	}
	obj := s.rt.Deref(r)
	if v, ok := s.rt.NumberValue(r); ok {
		return fmt.Sprintf("%v", v)
	}
	if v, ok := s.rt.SequenceValue(r); ok {
		return fmt.Sprintf("%q", v)
	}
	return fmt.Sprintf("%s(%s, %d slots)", obj.Tag().Name(), r, obj.SlotCount())
}

func printStats(w io.Writer, rt *vm.Runtime) {
	st := rt.Stats()
	fmt.Fprintf(w, "phase:      %s\n", st.Collector.Phase)
	fmt.Fprintf(w, "live:       %d\n", st.Collector.Live)
	fmt.Fprintf(w, "retained:   %d\n", st.Collector.Retained)
	fmt.Fprintf(w, "pinned:     %d\n", st.Collector.Pinned)
	fmt.Fprintf(w, "epoch:      %d\n", st.Collector.Epoch)
	fmt.Fprintf(w, "cycles:     %d\n", st.Collector.Cycles)
	fmt.Fprintf(w, "allocs:     %d\n", st.Collector.Allocs)
	fmt.Fprintf(w, "freed:      %d\n", st.Collector.TotalFreed)
	fmt.Fprintf(w, "symbols:    %d\n", st.Symbols)
	fmt.Fprintf(w, "coroutines: %d\n", st.Coroutines)
	names := make([]string, 0, len(st.TagCounts))
	for name := range st.TagCounts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-12s %d\n", name, st.TagCounts[name])
	}
}

func printHelp() {
	fmt.Print(`Commands:
  clone <proto> <name>         Clone an object and bind it
  drop <name>                  Drop (and unpin) a binding
  set <obj> <slot> <value>     Set a slot (number, "string", or name)
  get <obj> <slot>             Look up a slot through the proto chain
  remove <obj> <slot>          Remove an own slot
  slots <obj>                  List own slots
  send <obj> <msg> [args...]   Send a message
  gc                           Run a full collection
  step [n]                     Run n incremental collector steps
  stats                        Print runtime statistics
  save <obj>                   Snapshot a graph, print its hash
  load <hash> <name>           Load a snapshot, bind its root
  ls                           List bindings
  exit                         Quit
`)
}
