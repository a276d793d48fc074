package events

import (
	"sync"
	"sync/atomic"
)

// Listener receives change events.
type Listener interface {
	FileEvent(ev *Event)
}

// ListenerFunc adapts a function to [Listener].
type ListenerFunc func(ev *Event)

func (f ListenerFunc) FileEvent(ev *Event) { f(ev) }

// Option modifies how a listener is registered.
type Option uint8

const (
	// Priority listeners are core-internal: they see events as soon as the
	// innermost internal action closes instead of waiting for the caller's
	// outermost atomic action.
	Priority Option = 1 << iota
	// Recursive listeners on a folder also hear about changes anywhere in
	// its subtree, not just direct children.
	Recursive
)

// ID identifies a registration for [Registry.Remove].
type ID uint64

var lastID atomic.Uint64

type entry struct {
	id        ID
	listener  Listener
	priority  bool
	recursive bool
}

// Registry is a copy-on-write listener list. Delivery iterates a snapshot,
// so listeners added or removed during delivery take effect next time.
type Registry struct {
	mu      sync.Mutex // serializes writers
	entries atomic.Pointer[[]entry]
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers l and returns its ID.
func (r *Registry) Add(l Listener, opts ...Option) ID {
	e := entry{id: ID(lastID.Add(1)), listener: l}
	for _, o := range opts {
		e.priority = e.priority || o&Priority != 0
		e.recursive = e.recursive || o&Recursive != 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.snapshot()
	next := make([]entry, len(old), len(old)+1)
	copy(next, old)
	next = append(next, e)
	r.entries.Store(&next)
	return e.id
}

// Remove drops the registration with id and reports whether it existed.
func (r *Registry) Remove(id ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.snapshot()
	for i, e := range old {
		if e.id != id {
			continue
		}
		next := make([]entry, 0, len(old)-1)
		next = append(next, old[:i]...)
		next = append(next, old[i+1:]...)
		r.entries.Store(&next)
		return true
	}
	return false
}

// Len returns the number of registered listeners.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.snapshot())
}

func (r *Registry) snapshot() []entry {
	if p := r.entries.Load(); p != nil {
		return *p
	}
	return nil
}
