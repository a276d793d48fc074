package filesystem

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/brettbedarf/layerfs"
	"github.com/brettbedarf/layerfs/events"
)

type nodeKind = uint32

const (
	kindUnknown nodeKind = iota
	kindFolder
	kindData
)

// Node is the logical identity of one file or folder in a [Tree]. While a
// node stays in its tree's arena every lookup of its path returns the same
// *Node.
//
// Parent links never change. The name changes only through a rename inside
// the same folder, which keeps the node's identity.
type Node struct {
	id        uint64
	tree      *Tree
	parent    *Node
	validRoot *Node // root at construction; replacing the root invalidates the node
	valid     atomic.Bool
	kind      atomic.Uint32
	refs      atomic.Int32

	mu       sync.Mutex // guards name, children and names
	name     string
	children map[string]uint64 // name -> arena ID, 0 when never materialized; nil until scanned
	names    []string          // listing order of children

	scanMu    sync.Mutex // serializes reconciles of this folder
	listeners atomic.Pointer[events.Registry]

	*Inode
	stream streamState
}

func newNode(t *Tree, id uint64, parent *Node, name string) *Node {
	n := &Node{
		id:     id,
		tree:   t,
		parent: parent,
		name:   name,
		Inode:  NewInode(nil),
	}
	if parent != nil {
		n.validRoot = parent.validRoot
	} else {
		n.validRoot = n
		n.kind.Store(kindFolder)
	}
	n.valid.Store(true)
	n.stream.init()
	return n
}

// ID returns the node's arena ID. Detached nodes reported in deletion
// events have ID 0.
func (n *Node) ID() uint64 {
	return n.id
}

func (n *Node) Name() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.name
}

// Ext returns the part of the name after the last dot, or "".
func (n *Node) Ext() string {
	_, ext := splitExt(n.Name())
	return ext
}

// Parent returns nil for the root.
func (n *Node) Parent() *Node {
	return n.parent
}

func (n *Node) Tree() *Tree {
	return n.tree
}

func (n *Node) IsRoot() bool {
	return n.parent == nil
}

// Path returns the slash separated path from the root; the root is "".
func (n *Node) Path() string {
	var parts []string
	for c := n; c.parent != nil; c = c.parent {
		parts = append(parts, c.Name())
	}
	slices.Reverse(parts)
	return strings.Join(parts, "/")
}

// IsValid reports whether the node still represents live data. A node is
// valid if it is the current root, or it has not been deleted and the
// root it was created under is still current.
func (n *Node) IsValid() bool {
	root := n.tree.root.Load()
	if n == root {
		return true
	}
	return n.valid.Load() && root == n.validRoot
}

// IsFolder reports whether the node is a folder. The answer is fetched from
// the store once and never changes afterwards.
func (n *Node) IsFolder() bool {
	switch n.kind.Load() {
	case kindFolder:
		return true
	case kindData:
		return false
	}
	info, err := n.Stat()
	if err != nil {
		return false
	}
	return info.IsFolder
}

// IsData reports whether the node is known to hold data.
func (n *Node) IsData() bool {
	return !n.IsFolder() && n.kind.Load() == kindData
}

func (n *Node) setKind(folder bool) {
	k := kindData
	if folder {
		k = kindFolder
	}
	n.kind.CompareAndSwap(kindUnknown, k)
}

// Stat returns the node's cached store metadata, loading it on first use.
func (n *Node) Stat() (layerfs.FileInfo, error) {
	if info, ok := n.CopyInfo(); ok {
		return info, nil
	}
	return n.restat()
}

// restat reloads metadata from the store and caches it.
func (n *Node) restat() (layerfs.FileInfo, error) {
	info, err := n.tree.store.Stat(n.Path())
	if err != nil {
		return layerfs.FileInfo{}, err
	}
	n.setKind(info.IsFolder)
	n.Update(info)
	return *info, nil
}

// Retain pins the node in the arena; eviction skips retained nodes.
func (n *Node) Retain() *Node {
	n.refs.Add(1)
	return n
}

// Release undoes one [Node.Retain].
func (n *Node) Release() {
	n.refs.Add(-1)
}

// AddListener subscribes l to events about this node and, for folders, its
// children. Register with [events.Recursive] to hear about the whole subtree.
func (n *Node) AddListener(l events.Listener, opts ...events.Option) events.ID {
	return n.registry(true).Add(l, opts...)
}

func (n *Node) RemoveListener(id events.ID) bool {
	if reg := n.registry(false); reg != nil {
		return reg.Remove(id)
	}
	return false
}

func (n *Node) registry(create bool) *events.Registry {
	if reg := n.listeners.Load(); reg != nil || !create {
		return reg
	}
	n.listeners.CompareAndSwap(nil, events.NewRegistry())
	return n.listeners.Load()
}

// scanned reports whether the children listing has been loaded.
func (n *Node) scanned() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.children != nil
}

// hasChild reports whether the listing holds name exactly.
func (n *Node) hasChild(name string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.children[name]
	return ok
}

// childNames returns a copy of the listing, nil if not scanned.
func (n *Node) childNames() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.children == nil {
		return nil
	}
	return slices.Clone(n.names)
}

// liveChildren returns children that are currently materialized in the arena.
func (n *Node) liveChildren() []*Node {
	n.mu.Lock()
	ids := make([]uint64, 0, len(n.children))
	for _, id := range n.children {
		if id != 0 {
			ids = append(ids, id)
		}
	}
	n.mu.Unlock()

	live := make([]*Node, 0, len(ids))
	for _, id := range ids {
		if c, ok := n.tree.arena.Load(id); ok {
			live = append(live, c)
		}
	}
	return live
}

// invalidate marks n and every materialized node below it invalid and
// drops them from the arena.
func (n *Node) invalidate() {
	n.valid.Store(false)
	for _, c := range n.liveChildren() {
		c.invalidate()
	}
	n.tree.arena.Delete(n.id)
}

func (n *Node) String() string {
	return "/" + n.Path()
}

func splitExt(name string) (base, ext string) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 {
		return name, ""
	}
	return name[:i], name[i+1:]
}
