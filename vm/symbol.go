package vm

// ---------------------------------------------------------------------------
// Symbols: interned slot and message names
// ---------------------------------------------------------------------------

// Symbol is an interned name. Slot tables key on symbols rather than strings
// so that slot lookup compares one word. Symbol 0 is never issued.
type Symbol uint32

// SymbolTable interns names for one runtime. It is owned by the runtime's
// single mutator thread and needs no locking.
type SymbolTable struct {
	ids   *Cuckoo[string, Symbol]
	names []string // index = Symbol; slot 0 reserved
}

// NewSymbolTable creates a new empty symbol table.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{
		ids:   NewCuckoo[string, Symbol](StringHasher{}, CuckooOptions{InitialCapacity: 64}),
		names: make([]string, 1, 64),
	}
}

// Intern returns the symbol for name, issuing a fresh one on first sight.
func (st *SymbolTable) Intern(name string) Symbol {
	if id, ok := st.ids.Get(name); ok {
		return id
	}
	id := Symbol(len(st.names))
	st.names = append(st.names, name)
	st.ids.Put(name, id)
	return id
}

// Lookup returns the symbol for name, or 0 and false if it was never interned.
func (st *SymbolTable) Lookup(name string) (Symbol, bool) {
	return st.ids.Get(name)
}

// Name returns the string behind a symbol, or "?" for an unknown one.
func (st *SymbolTable) Name(s Symbol) string {
	if s == 0 || int(s) >= len(st.names) {
		return "?"
	}
	return st.names[s]
}

// Len returns the number of interned symbols.
func (st *SymbolTable) Len() int {
	return len(st.names) - 1
}
