// Package filesystem builds the lazily populated node tree on top of a
// [layerfs.Store]: node identity and caching, scan reconciliation, mutations
// with change events, and stream locking.
package filesystem

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"
	"unicode/utf8"

	"github.com/brettbedarf/layerfs"
	"github.com/brettbedarf/layerfs/config"
	"github.com/brettbedarf/layerfs/events"
	"github.com/brettbedarf/layerfs/internal/util"
	"github.com/puzpuzpuz/xsync/v4"
)

// Tree is the cache of logical nodes over one backing store.
//
// Nodes live in an arena keyed by ID. A folder maps child names to IDs, so
// a child can be evicted from the arena and later recreated without the
// folder having to rescan.
type Tree struct {
	cfg    *config.Config
	store  layerfs.Store
	root   atomic.Pointer[Node]
	arena  *xsync.Map[uint64, *Node]
	lastID atomic.Uint64

	dispatcher    *events.Dispatcher
	ownDispatcher bool
	listeners     *events.Registry
	vetoes        vetoRegistry

	closeOnce sync.Once
	logger    util.Logger
}

// Option configures a [Tree] at construction.
type Option func(*Tree)

// WithDispatcher makes the tree share d, so several trees can take part in
// the same atomic actions. The caller owns d and must close it.
func WithDispatcher(d *events.Dispatcher) Option {
	return func(t *Tree) {
		t.dispatcher = d
		t.ownDispatcher = false
	}
}

// NewTree returns a tree over store. Nothing is read from the store until
// the first lookup.
func NewTree(store layerfs.Store, cfg *config.Config, opts ...Option) *Tree {
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}
	t := &Tree{
		cfg:       cfg,
		store:     store,
		arena:     xsync.NewMap[uint64, *Node](),
		listeners: events.NewRegistry(),
		logger:    util.GetLogger("Tree"),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.dispatcher == nil {
		t.dispatcher = events.NewDispatcher(cfg)
		t.ownDispatcher = true
	}

	root := newNode(t, t.nextID(), nil, "")
	t.arena.Store(root.id, root)
	t.root.Store(root)

	if notifier, ok := store.(layerfs.ChangeNotifier); ok {
		notifier.OnChange(t.storeChanged)
	}
	t.logger.Debug().Str("store", store.DisplayName()).Msg("Created tree")
	return t
}

func (t *Tree) nextID() uint64 {
	return t.lastID.Add(1)
}

func (t *Tree) Root() *Node {
	return t.root.Load()
}

func (t *Tree) Store() layerfs.Store {
	return t.store
}

func (t *Tree) Dispatcher() *events.Dispatcher {
	return t.dispatcher
}

// Node returns the live node with id, if it is still in the arena.
func (t *Tree) Node(id uint64) (*Node, bool) {
	return t.arena.Load(id)
}

// Size returns the number of nodes currently in the arena.
func (t *Tree) Size() int {
	return t.arena.Size()
}

// ReplaceRoot installs a fresh root. Every node created under the old root
// becomes invalid immediately; their arena entries are dropped afterwards.
func (t *Tree) ReplaceRoot() *Node {
	root := newNode(t, t.nextID(), nil, "")
	t.arena.Store(root.id, root)
	old := t.root.Swap(root)

	dropped := 0
	t.arena.Range(func(id uint64, n *Node) bool {
		if n.validRoot != root {
			t.arena.Delete(id)
			dropped++
		}
		return true
	})
	t.logger.Debug().Uint64("oldRoot", old.id).Uint64("newRoot", root.id).Int("dropped", dropped).Msg("Replaced root")
	return root
}

// Find resolves a slash separated path from the root. It returns nil if
// any component does not exist.
func (t *Tree) Find(path string) *Node {
	return t.FindFrom(t.Root(), splitPath(path))
}

// FindFrom walks comps starting at start. ".." moves to the parent without
// scanning; every other component is looked up (and scanned if needed).
func (t *Tree) FindFrom(start *Node, comps []string) *Node {
	cur := start
	for _, c := range comps {
		if cur == nil {
			return nil
		}
		switch c {
		case "", ".":
			continue
		case "..":
			cur = cur.parent
		default:
			cur = t.Child(cur, c)
		}
	}
	return cur
}

// FindExisting returns the node at path only if every step is already
// materialized. It never scans a folder or creates a node.
func (t *Tree) FindExisting(path string) *Node {
	cur := t.Root()
	for _, c := range splitPath(path) {
		if c == ".." {
			if cur = cur.parent; cur == nil {
				return nil
			}
			continue
		}
		cur.mu.Lock()
		id := cur.children[c]
		cur.mu.Unlock()
		if id == 0 {
			return nil
		}
		next, ok := t.arena.Load(id)
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}

// Child returns the child of parent called name, scanning parent first if
// its listing has not been loaded. Returns nil if there is no such child.
func (t *Tree) Child(parent *Node, name string) *Node {
	if parent == nil || name == "" || strings.Contains(name, "/") {
		return nil
	}
	if !parent.scanned() {
		if err := t.ensureScanned(context.Background(), parent); err != nil {
			t.logger.Warn().Err(err).Str("path", parent.Path()).Msg("Failed to scan folder")
			return nil
		}
	}

	parent.mu.Lock()
	defer parent.mu.Unlock()
	id, ok := parent.children[name]
	if !ok && t.cfg.CaseFallback {
		if alt := swapFirstCase(name); alt != name {
			if id, ok = parent.children[alt]; ok {
				name = alt
			}
		}
	}
	if !ok {
		return nil
	}
	if id != 0 {
		if n, live := t.arena.Load(id); live {
			return n
		}
	}
	n := newNode(t, t.nextID(), parent, name)
	t.arena.Store(n.id, n)
	parent.children[name] = n.id
	return n
}

// Children returns the children of folder in listing order.
func (t *Tree) Children(folder *Node) []*Node {
	if folder == nil {
		return nil
	}
	if err := t.ensureScanned(context.Background(), folder); err != nil {
		t.logger.Warn().Err(err).Str("path", folder.Path()).Msg("Failed to scan folder")
		return nil
	}
	names := folder.childNames()
	nodes := make([]*Node, 0, len(names))
	for _, name := range names {
		if c := t.Child(folder, name); c != nil {
			nodes = append(nodes, c)
		}
	}
	return nodes
}

// detached returns a node that is not in the arena, used to report
// deletion of names that were never materialized.
func (t *Tree) detached(parent *Node, name string) *Node {
	n := newNode(t, 0, parent, name)
	n.valid.Store(false)
	return n
}

// Evict drops n from the arena. A later lookup of its path creates a new
// node. The root, retained nodes, nodes with listeners or open streams and
// nodes with live children are never evicted.
func (t *Tree) Evict(n *Node) bool {
	if !t.evictable(n) {
		return false
	}
	_, ok := t.arena.LoadAndDelete(n.id)
	return ok
}

func (t *Tree) evictable(n *Node) bool {
	if n == nil || n.parent == nil || n.id == 0 {
		return false
	}
	if n.refs.Load() > 0 || n.registry(false).Len() > 0 || n.stream.busy() {
		return false
	}
	return len(n.liveChildren()) == 0
}

// EvictUnreferenced evicts every node that can be evicted, deepest first,
// and returns how many were dropped.
func (t *Tree) EvictUnreferenced() int {
	var candidates []*Node
	t.arena.Range(func(_ uint64, n *Node) bool {
		if n.parent != nil {
			candidates = append(candidates, n)
		}
		return true
	})
	slices.SortFunc(candidates, func(a, b *Node) int {
		return depth(b) - depth(a)
	})

	evicted := 0
	for _, n := range candidates {
		if t.Evict(n) {
			evicted++
		}
	}
	t.logger.Debug().Int("evicted", evicted).Int("remaining", t.arena.Size()).Msg("Evicted unreferenced nodes")
	return evicted
}

// AddListener subscribes l to every event of the tree.
func (t *Tree) AddListener(l events.Listener, opts ...events.Option) events.ID {
	return t.listeners.Add(l, opts...)
}

func (t *Tree) RemoveListener(id events.ID) bool {
	return t.listeners.Remove(id)
}

// RunAtomic runs fn with event delivery suspended until it returns. Events
// fired inside carry token so listeners can recognize them with
// [events.Event.FiredFrom]. Store mutations made before an error are not
// rolled back.
func (t *Tree) RunAtomic(ctx context.Context, token any, fn func(ctx context.Context) error) error {
	return t.dispatcher.Run(ctx, events.Action{Token: token}, fn)
}

// Close stops background event delivery if the tree owns its dispatcher.
func (t *Tree) Close() {
	t.closeOnce.Do(func() {
		if t.ownDispatcher {
			t.dispatcher.Close()
		}
	})
}

func depth(n *Node) int {
	d := 0
	for c := n; c.parent != nil; c = c.parent {
		d++
	}
	return d
}

func splitPath(path string) []string {
	comps := strings.Split(path, "/")
	out := comps[:0]
	for _, c := range comps {
		if c != "" && c != "." {
			out = append(out, c)
		}
	}
	return out
}

func joinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

// swapFirstCase swaps the case of the first character only.
func swapFirstCase(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError {
		return name
	}
	switch {
	case unicode.IsUpper(r):
		r = unicode.ToLower(r)
	case unicode.IsLower(r):
		r = unicode.ToUpper(r)
	default:
		return name
	}
	return string(r) + name[size:]
}
