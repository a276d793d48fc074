// Package overlay merges an ordered stack of stores into one logical
// store. Reads resolve front to back, writes land on a writable store, and
// deletions of back-store resources are recorded as mask entries.
package overlay

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/brettbedarf/layerfs"
	"github.com/brettbedarf/layerfs/internal/util"
	"github.com/puzpuzpuz/xsync/v4"
)

// MaskSuffix marks a zero-byte entry that hides the same name on stores
// behind it.
const MaskSuffix = "_hidden"

// AttrWeight is the numeric attribute that decides between stores
// providing the same path.
const AttrWeight = "weight"

// Overlay implements [layerfs.Store] over a stack of stores. Index 0 is
// the front of the stack and, by default, the write target.
type Overlay struct {
	mu             sync.RWMutex
	stores         []layerfs.Store
	policy         Policy
	propagateMasks bool
	name           string

	// attribute keys known on read-only stores, keyed by store index and path
	roAttrKeys *xsync.Map[string, []string]

	obsMu      sync.Mutex
	observers  []func(paths []string)
	subscribed map[layerfs.Store]struct{}

	logger util.Logger
}

// Option configures an [Overlay].
type Option func(*Overlay)

func WithPolicy(p Policy) Option {
	return func(o *Overlay) {
		o.policy = p
	}
}

// WithPropagateMasks keeps mask entries visible in listings so an
// enclosing overlay applies them to its own back stores.
func WithPropagateMasks(propagate bool) Option {
	return func(o *Overlay) {
		o.propagateMasks = propagate
	}
}

func WithName(name string) Option {
	return func(o *Overlay) {
		o.name = name
	}
}

// New returns an overlay of stores. Stores must be comparable values,
// which pointers are.
func New(stores []layerfs.Store, opts ...Option) *Overlay {
	o := &Overlay{
		policy:     DefaultPolicy{},
		roAttrKeys: xsync.NewMap[string, []string](),
		subscribed: make(map[layerfs.Store]struct{}),
		logger:     util.GetLogger("Overlay"),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.stores = slices.Clone(stores)
	for _, s := range o.stores {
		o.joined(s)
	}
	return o
}

// Stores returns a copy of the current stack.
func (o *Overlay) Stores() []layerfs.Store {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return slices.Clone(o.stores)
}

func (o *Overlay) snapshot() []layerfs.Store {
	return o.Stores()
}

// SetDelegates swaps the stack. Caches are dropped, stores entering and
// leaving are notified, and observers are told that everything may have
// changed so trees above can reconcile.
func (o *Overlay) SetDelegates(stores []layerfs.Store) {
	o.mu.Lock()
	old := o.stores
	o.stores = slices.Clone(stores)
	o.roAttrKeys.Range(func(k string, _ []string) bool {
		o.roAttrKeys.Delete(k)
		return true
	})
	o.mu.Unlock()

	for _, s := range old {
		if !slices.Contains(stores, s) {
			if n, ok := s.(layerfs.Notifiable); ok {
				n.RemoveNotify()
			}
		}
	}
	for _, s := range stores {
		if !slices.Contains(old, s) {
			o.joined(s)
		}
	}
	o.logger.Debug().Int("old", len(old)).Int("new", len(stores)).Msg("Replaced delegates")
	o.notify(nil)
}

// joined notifies a store entering the stack and forwards its change
// reports while it stays there.
func (o *Overlay) joined(s layerfs.Store) {
	if n, ok := s.(layerfs.Notifiable); ok {
		n.AddNotify()
	}
	cn, ok := s.(layerfs.ChangeNotifier)
	if !ok {
		return
	}
	o.obsMu.Lock()
	_, done := o.subscribed[s]
	o.subscribed[s] = struct{}{}
	o.obsMu.Unlock()
	if !done {
		cn.OnChange(func(paths []string) {
			if slices.Contains(o.Stores(), s) {
				o.notify(paths)
			}
		})
	}
}

// OnChange registers fn for out-of-band changes: delegate swaps and
// changes reported by nested stores.
func (o *Overlay) OnChange(fn func(paths []string)) {
	o.obsMu.Lock()
	defer o.obsMu.Unlock()
	o.observers = append(o.observers, fn)
}

func (o *Overlay) notify(paths []string) {
	o.obsMu.Lock()
	observers := slices.Clone(o.observers)
	o.obsMu.Unlock()
	for _, fn := range observers {
		fn(paths)
	}
}

func (o *Overlay) ReadOnly() bool {
	for _, s := range o.snapshot() {
		if !s.ReadOnly() {
			return false
		}
	}
	return true
}

func (o *Overlay) DisplayName() string {
	if o.name != "" {
		return o.name
	}
	stores := o.snapshot()
	names := make([]string, len(stores))
	for i, s := range stores {
		names[i] = s.DisplayName()
	}
	return "overlay[" + strings.Join(names, ", ") + "]"
}

// writable returns the index of the store receiving writes for path.
// A policy pointing at a read-only or missing store falls back to the
// first writable store.
func (o *Overlay) writable(stores []layerfs.Store, idx int) (int, error) {
	if idx >= 0 && idx < len(stores) && !stores[idx].ReadOnly() {
		return idx, nil
	}
	for i, s := range stores {
		if !s.ReadOnly() {
			return i, nil
		}
	}
	return -1, layerfs.ErrReadOnly
}

// pathOn returns the path used for path on the store at idx.
func (o *Overlay) pathOn(stores []layerfs.Store, idx int, path string) string {
	if p, ok := o.policy.FindOn(stores[idx], idx, path); ok {
		return p
	}
	return path
}

func isNotFound(err error) bool {
	return errors.Is(err, layerfs.ErrNotFound)
}

// IsMask reports whether name is a mask entry.
func IsMask(name string) bool {
	return strings.HasSuffix(name, MaskSuffix) && len(name) > len(MaskSuffix)
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func joinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

func parentDir(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return ""
	}
	return path[:i]
}

func notFound(path string) error {
	return fmt.Errorf("%w: %s", layerfs.ErrNotFound, path)
}
