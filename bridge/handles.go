// Package bridge exposes runtime objects to untracked foreign owners.
//
// A foreign-function layer cannot participate in mark/sweep: the collector
// never sees its references. HandleStore is the contract instead — creating
// a handle pins the object, releasing it unpins, and teardown bulk-releases
// whatever the foreign side leaked.
package bridge

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/vesper/vm"

	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("vesper.bridge")

// ErrHandleNotFound indicates an unknown or already released handle ID.
type ErrHandleNotFound struct {
	ID string
}

func (e *ErrHandleNotFound) Error() string {
	return fmt.Sprintf("bridge: no handle %q", e.ID)
}

// handle is one foreign reference to a runtime object.
type handle struct {
	id       string
	ref      vm.Ref
	kind     string
	created  time.Time
	lastUsed time.Time
}

// HandleInfo is the inspectable view of a handle.
type HandleInfo struct {
	ID       string
	Ref      vm.Ref
	Kind     string
	Created  time.Time
	LastUsed time.Time
}

// HandleStore maps opaque string IDs to pinned runtime objects. It is safe
// for concurrent use; pin and unpin are the runtime's one thread-safe
// surface, which is exactly why handles route through them.
type HandleStore struct {
	rt      *vm.Runtime
	mu      sync.RWMutex
	handles map[string]*handle
}

// NewHandleStore creates an empty store over rt.
func NewHandleStore(rt *vm.Runtime) *HandleStore {
	return &HandleStore{
		rt:      rt,
		handles: make(map[string]*handle),
	}
}

// Create pins ref and returns an opaque handle ID for it. Each handle holds
// its own pin: two handles to one object pin it twice.
func (s *HandleStore) Create(ref vm.Ref) (string, error) {
	if !s.rt.Valid(ref) {
		return "", fmt.Errorf("bridge: cannot create handle for invalid reference %s", ref)
	}
	s.rt.Pin(ref)
	now := time.Now()
	h := &handle{
		id:       uuid.NewString(),
		ref:      ref,
		kind:     s.rt.Deref(ref).Tag().Name(),
		created:  now,
		lastUsed: now,
	}
	s.mu.Lock()
	s.handles[h.id] = h
	s.mu.Unlock()
	log.Debugf("created handle %s for %s (%s)", h.id, ref, h.kind)
	return h.id, nil
}

// Resolve returns the object behind a handle, updating its last-used time.
func (s *HandleStore) Resolve(id string) (vm.Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	if !ok {
		return vm.NilRef, &ErrHandleNotFound{ID: id}
	}
	h.lastUsed = time.Now()
	return h.ref, nil
}

// Release unpins the object and forgets the handle. Releasing an unknown ID
// is an error so foreign bindings notice double releases.
func (s *HandleStore) Release(id string) error {
	s.mu.Lock()
	h, ok := s.handles[id]
	if ok {
		delete(s.handles, id)
	}
	s.mu.Unlock()
	if !ok {
		return &ErrHandleNotFound{ID: id}
	}
	s.rt.Unpin(h.ref)
	log.Debugf("released handle %s", id)
	return nil
}

// ReleaseAll drops every handle and its pin. Called at teardown, before
// closing the runtime.
func (s *HandleStore) ReleaseAll() int {
	s.mu.Lock()
	handles := s.handles
	s.handles = make(map[string]*handle)
	s.mu.Unlock()
	for _, h := range handles {
		s.rt.Unpin(h.ref)
	}
	if len(handles) > 0 {
		log.Infof("released %d handles at teardown", len(handles))
	}
	return len(handles)
}

// Len returns the number of live handles.
func (s *HandleStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handles)
}

// List snapshots every live handle for inspection surfaces.
func (s *HandleStore) List() []HandleInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	infos := make([]HandleInfo, 0, len(s.handles))
	for _, h := range s.handles {
		infos = append(infos, HandleInfo{
			ID:       h.id,
			Ref:      h.ref,
			Kind:     h.kind,
			Created:  h.created,
			LastUsed: h.lastUsed,
		})
	}
	return infos
}
