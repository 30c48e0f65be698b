package vm

import (
	"encoding/binary"
	"hash/maphash"

	"github.com/zeebo/xxh3"
)

// ---------------------------------------------------------------------------
// Cuckoo: two-hash open-addressing table with bounded eviction
// ---------------------------------------------------------------------------
//
// Every key has exactly two candidate slots, one per hash function. An insert
// that finds both occupied evicts the first-slot occupant into its alternate
// slot, chaining up to a fixed displacement bound; exceeding the bound grows
// the table and retries, which is guaranteed to succeed and is never visible
// to callers. Capacity is always a power of two and indexing is a mask, never
// a modulo.
//
// This is the universal attribute store of the runtime: object slot tables,
// the symbol interner, and the collector's root/pin sets are all variants of
// this table with their own tuning.

// CuckooOptions tunes one table variant.
type CuckooOptions struct {
	// InitialCapacity is rounded up to a power of two. Minimum 2.
	InitialCapacity int
	// MaxKicks bounds the eviction chain before the table grows.
	MaxKicks int
	// ShrinkFraction: removing a key when occupancy falls below
	// count < capacity * ShrinkFraction halves the table.
	ShrinkFraction float64
	// MinCapacity is the floor below which the table never shrinks.
	MinCapacity int
}

// DefaultCuckooOptions is the tuning used when a zero options struct is
// supplied: small tables, short chains, shrink at one-eighth occupancy.
var DefaultCuckooOptions = CuckooOptions{
	InitialCapacity: 8,
	MaxKicks:        16,
	ShrinkFraction:  0.125,
	MinCapacity:     8,
}

func (o CuckooOptions) withDefaults() CuckooOptions {
	d := DefaultCuckooOptions
	if o.InitialCapacity > 0 {
		d.InitialCapacity = o.InitialCapacity
	}
	if o.MaxKicks > 0 {
		d.MaxKicks = o.MaxKicks
	}
	if o.ShrinkFraction > 0 {
		d.ShrinkFraction = o.ShrinkFraction
	}
	if o.MinCapacity > 0 {
		d.MinCapacity = o.MinCapacity
	}
	return d
}

// Hasher supplies the two independent hash functions a cuckoo table needs.
type Hasher[K comparable] interface {
	Hash1(K) uint64
	Hash2(K) uint64
}

type cuckooRecord[K comparable, V any] struct {
	key  K
	val  V
	used bool
}

// Cuckoo is a two-hash table from K to V. It is not safe for concurrent use;
// callers that share a table across threads (the pin set) guard it
// themselves.
type Cuckoo[K comparable, V any] struct {
	hasher  Hasher[K]
	records []cuckooRecord[K, V]
	count   int
	opts    CuckooOptions
}

// NewCuckoo creates a table with the given hasher and tuning.
func NewCuckoo[K comparable, V any](h Hasher[K], opts CuckooOptions) *Cuckoo[K, V] {
	opts = opts.withDefaults()
	capacity := ceilPow2(opts.InitialCapacity)
	if capacity < 2 {
		capacity = 2
	}
	return &Cuckoo[K, V]{
		hasher:  h,
		records: make([]cuckooRecord[K, V], capacity),
		opts:    opts,
	}
}

// ceilPow2 rounds n up to the next power of two.
func ceilPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func (c *Cuckoo[K, V]) mask() uint64 {
	return uint64(len(c.records) - 1)
}

func (c *Cuckoo[K, V]) slot1(key K) uint64 { return c.hasher.Hash1(key) & c.mask() }
func (c *Cuckoo[K, V]) slot2(key K) uint64 { return c.hasher.Hash2(key) & c.mask() }

// Len returns the number of live keys. Tracked separately from capacity.
func (c *Cuckoo[K, V]) Len() int {
	return c.count
}

// Cap returns the current record-array capacity.
func (c *Cuckoo[K, V]) Cap() int {
	return len(c.records)
}

// Get probes the two candidate slots for key.
func (c *Cuckoo[K, V]) Get(key K) (V, bool) {
	if r := &c.records[c.slot1(key)]; r.used && r.key == key {
		return r.val, true
	}
	if r := &c.records[c.slot2(key)]; r.used && r.key == key {
		return r.val, true
	}
	var zero V
	return zero, false
}

// Put inserts or overwrites key. An overwrite never changes the live count.
// Displacement exhaustion is resolved by growing; the caller never sees it.
func (c *Cuckoo[K, V]) Put(key K, val V) {
	// Overwrite in place if present.
	if r := &c.records[c.slot1(key)]; r.used && r.key == key {
		r.val = val
		return
	}
	if r := &c.records[c.slot2(key)]; r.used && r.key == key {
		r.val = val
		return
	}
	if homeless, ok := c.tryInsert(key, val); !ok {
		// The exhausted chain left exactly one record without a slot;
		// every other displaced record, the new key included, landed
		// somewhere. Fold the straggler back in while growing.
		c.rebuild(append(c.snapshot(), homeless), len(c.records)*2)
	}
	c.count++
}

// tryInsert places a new key, evicting along the chain up to MaxKicks. On
// exhaustion it returns the one record left without a slot; the table itself
// still holds each remaining key exactly once.
func (c *Cuckoo[K, V]) tryInsert(key K, val V) (cuckooRecord[K, V], bool) {
	i1 := c.slot1(key)
	if !c.records[i1].used {
		c.records[i1] = cuckooRecord[K, V]{key: key, val: val, used: true}
		return cuckooRecord[K, V]{}, true
	}
	i2 := c.slot2(key)
	if !c.records[i2].used {
		c.records[i2] = cuckooRecord[K, V]{key: key, val: val, used: true}
		return cuckooRecord[K, V]{}, true
	}
	// Both occupied: evict the first-slot occupant into its alternate slot,
	// chaining. The incoming record takes the freed slot each round.
	cur := cuckooRecord[K, V]{key: key, val: val, used: true}
	idx := i1
	for kick := 0; kick < c.opts.MaxKicks; kick++ {
		cur, c.records[idx] = c.records[idx], cur
		// Where does the evicted record go? Its other candidate slot.
		alt := c.slot1(cur.key)
		if alt == idx {
			alt = c.slot2(cur.key)
		}
		if !c.records[alt].used {
			c.records[alt] = cur
			return cuckooRecord[K, V]{}, true
		}
		idx = alt
	}
	return cur, false
}

// snapshot copies the live records out of the table.
func (c *Cuckoo[K, V]) snapshot() []cuckooRecord[K, V] {
	snap := make([]cuckooRecord[K, V], 0, c.count+1)
	for i := range c.records {
		if c.records[i].used {
			snap = append(snap, c.records[i])
		}
	}
	return snap
}

// rehash rebuilds the table at newCap from the records it already holds.
func (c *Cuckoo[K, V]) rehash(newCap int) {
	c.rebuild(c.snapshot(), newCap)
}

// rebuild reinserts snap into a fresh record array. Every attempt starts over
// from the same snapshot, so a failed attempt can never duplicate a record;
// the capacity doubles until each record finds a slot.
func (c *Cuckoo[K, V]) rebuild(snap []cuckooRecord[K, V], newCap int) {
	for {
		c.records = make([]cuckooRecord[K, V], newCap)
		if c.reinsertAll(snap) {
			return
		}
		newCap *= 2
	}
}

func (c *Cuckoo[K, V]) reinsertAll(snap []cuckooRecord[K, V]) bool {
	for i := range snap {
		if _, ok := c.tryInsert(snap[i].key, snap[i].val); !ok {
			return false
		}
	}
	return true
}

// Remove deletes key if present. Removing an absent key is a no-op. Dropping
// occupancy below the shrink fraction halves the table (never below
// MinCapacity).
func (c *Cuckoo[K, V]) Remove(key K) bool {
	var hit *cuckooRecord[K, V]
	if r := &c.records[c.slot1(key)]; r.used && r.key == key {
		hit = r
	} else if r := &c.records[c.slot2(key)]; r.used && r.key == key {
		hit = r
	}
	if hit == nil {
		return false
	}
	*hit = cuckooRecord[K, V]{}
	c.count--
	if len(c.records) > c.opts.MinCapacity &&
		float64(c.count) < float64(len(c.records))*c.opts.ShrinkFraction {
		c.rehash(len(c.records) / 2)
	}
	return true
}

// ForEach visits every live record in storage order. fn must not mutate the
// table.
func (c *Cuckoo[K, V]) ForEach(fn func(key K, val V)) {
	for i := range c.records {
		if c.records[i].used {
			fn(c.records[i].key, c.records[i].val)
		}
	}
}

// Keys returns the live keys in storage order.
func (c *Cuckoo[K, V]) Keys() []K {
	keys := make([]K, 0, c.count)
	for i := range c.records {
		if c.records[i].used {
			keys = append(keys, c.records[i].key)
		}
	}
	return keys
}

// ---------------------------------------------------------------------------
// Hashers
// ---------------------------------------------------------------------------
//
// Two independent functions over one key: the first is hash/maphash with a
// per-process random seed, the second is seeded xxh3. Distinct algorithms and
// distinct seeds keep the candidate slots uncorrelated.

var cuckooSeed = maphash.MakeSeed()

// xxh3AltSeed decorrelates the second hash from the first.
const xxh3AltSeed uint64 = 0x9e3779b97f4a7c15

// StringHasher hashes string keys (the symbol interner).
type StringHasher struct{}

func (StringHasher) Hash1(s string) uint64 { return maphash.String(cuckooSeed, s) }
func (StringHasher) Hash2(s string) uint64 { return xxh3.HashStringSeed(s, xxh3AltSeed) }

// SymbolHasher hashes interned symbol IDs (object slot tables).
type SymbolHasher struct{}

func (SymbolHasher) Hash1(s Symbol) uint64 {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(s))
	return maphash.Bytes(cuckooSeed, b[:])
}

func (SymbolHasher) Hash2(s Symbol) uint64 {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(s))
	return xxh3.HashSeed(b[:], xxh3AltSeed)
}

// RefHasher hashes object references (root, pin, and visited sets).
type RefHasher struct{}

func (RefHasher) Hash1(r Ref) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint32(b[:4], r.index)
	binary.LittleEndian.PutUint32(b[4:], r.gen)
	return maphash.Bytes(cuckooSeed, b[:])
}

func (RefHasher) Hash2(r Ref) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint32(b[:4], r.index)
	binary.LittleEndian.PutUint32(b[4:], r.gen)
	return xxh3.HashSeed(b[:], xxh3AltSeed)
}
