package filesystem

import (
	"sync"

	"github.com/brettbedarf/layerfs"
)

// Inode caches the last stat result reported by the store for a node.
type Inode struct {
	info *layerfs.FileInfo
	mu   sync.RWMutex
}

func NewInode(info *layerfs.FileInfo) *Inode {
	return &Inode{info: info}
}

// CopyInfo returns a thread-safe copy of the cached metadata and whether
// any has been loaded yet.
func (i *Inode) CopyInfo() (layerfs.FileInfo, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.info == nil {
		return layerfs.FileInfo{}, false
	}
	return *i.info, true
}

// Update replaces the cached metadata and reports whether size or
// modification time differ from the previous snapshot. The first update
// never counts as a change.
func (i *Inode) Update(info *layerfs.FileInfo) bool {
	cp := *info
	i.mu.Lock()
	defer i.mu.Unlock()
	old := i.info
	i.info = &cp
	if old == nil {
		return false
	}
	return old.Size != cp.Size || !old.LastModified.Equal(cp.LastModified)
}
