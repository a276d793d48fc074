package server

import (
	"context"
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/brettbedarf/layerfs"
	"github.com/brettbedarf/layerfs/filesystem"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// fuseNode exposes one tree node to go-fuse
type fuseNode struct {
	fs.Inode
	lfs  *LayerFs
	node *filesystem.Node
}

var (
	_ fs.NodeLookuper  = (*fuseNode)(nil)
	_ fs.NodeReaddirer = (*fuseNode)(nil)
	_ fs.NodeGetattrer = (*fuseNode)(nil)
	_ fs.NodeSetattrer = (*fuseNode)(nil)
	_ fs.NodeOpener    = (*fuseNode)(nil)
	_ fs.NodeCreater   = (*fuseNode)(nil)
	_ fs.NodeMkdirer   = (*fuseNode)(nil)
	_ fs.NodeUnlinker  = (*fuseNode)(nil)
	_ fs.NodeRmdirer   = (*fuseNode)(nil)
	_ fs.NodeRenamer   = (*fuseNode)(nil)
)

func (n *fuseNode) tree() *filesystem.Tree {
	return n.lfs.tree
}

// fillAttr copies what the store reports for node into out.
func fillAttr(out *fuse.Attr, node *filesystem.Node, info layerfs.FileInfo) {
	out.Ino = node.ID()
	perm := uint32(0o644)
	out.Mode = syscall.S_IFREG
	out.Nlink = 1
	if info.IsFolder {
		perm = 0o755
		out.Mode = syscall.S_IFDIR
		out.Nlink = 2
	}
	if info.ReadOnly {
		perm &^= 0o222
	}
	out.Mode |= perm
	out.Size = uint64(info.Size)
	out.Blocks = (out.Size + 511) / 512
	out.Blksize = 4096
	mtime := info.LastModified
	out.SetTimes(nil, &mtime, &mtime)
	out.Uid = uint32(os.Getuid())
	out.Gid = uint32(os.Getgid())
}

func stableAttr(node *filesystem.Node, info layerfs.FileInfo) fs.StableAttr {
	mode := uint32(syscall.S_IFREG)
	if info.IsFolder {
		mode = syscall.S_IFDIR
	}
	return fs.StableAttr{Mode: mode, Ino: node.ID()}
}

func (n *fuseNode) newChild(ctx context.Context, child *filesystem.Node, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	info, err := child.Stat()
	if err != nil {
		return nil, errno(err)
	}
	fillAttr(&out.Attr, child, info)
	return n.NewInode(ctx, &fuseNode{lfs: n.lfs, node: child}, stableAttr(child, info)), 0
}

func (n *fuseNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	child := n.tree().Child(n.node, name)
	if child == nil {
		return nil, syscall.ENOENT
	}
	return n.newChild(ctx, child, out)
}

func (n *fuseNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	if !n.node.IsValid() {
		return nil, syscall.ENOENT
	}
	if !n.node.IsFolder() {
		return nil, syscall.ENOTDIR
	}
	children := n.tree().Children(n.node)
	entries := make([]fuse.DirEntry, 0, len(children))
	for _, c := range children {
		mode := uint32(syscall.S_IFREG)
		if c.IsFolder() {
			mode = syscall.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{Name: c.Name(), Mode: mode, Ino: c.ID()})
	}
	return fs.NewListDirStream(entries), 0
}

func (n *fuseNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	info, err := n.node.Stat()
	if err != nil {
		return errno(err)
	}
	// unflushed writes
	if h, ok := f.(*handle); ok && h.writable {
		info.Size = h.size()
	}
	fillAttr(&out.Attr, n.node, info)
	return 0
}

// Setattr supports truncation only.
func (n *fuseNode) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		if h, ok := f.(*handle); ok && h.writable {
			h.truncate(int64(size))
		} else {
			h, no := n.openHandle(ctx, syscall.O_WRONLY)
			if no != 0 {
				return no
			}
			h.truncate(int64(size))
			if no := h.Release(ctx); no != 0 {
				return no
			}
		}
	}
	return n.Getattr(ctx, f, out)
}

func (n *fuseNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	h, no := n.openHandle(ctx, flags)
	if no != 0 {
		return nil, 0, no
	}
	return h, fuse.FOPEN_DIRECT_IO, 0
}

func (n *fuseNode) openHandle(ctx context.Context, flags uint32) (*handle, syscall.Errno) {
	if n.node.IsFolder() {
		return nil, syscall.EISDIR
	}
	h := &handle{tree: n.tree(), node: n.node}
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		tok, err := n.tree().Lock(n.node)
		if err != nil {
			return nil, errno(err)
		}
		h.tok = tok
		h.writable = true
	}
	if h.writable && flags&syscall.O_TRUNC != 0 {
		h.dirty = true
		return h, 0
	}
	if err := h.load(); err != nil {
		h.tok.Close()
		return nil, errno(err)
	}
	return h, 0
}

func (n *fuseNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	child, err := n.tree().CreateData(ctx, n.node, name)
	if err != nil {
		return nil, nil, 0, errno(err)
	}
	inode, no := n.newChild(ctx, child, out)
	if no != 0 {
		return nil, nil, 0, no
	}
	h, no := inode.Operations().(*fuseNode).openHandle(ctx, flags|syscall.O_TRUNC)
	if no != 0 {
		return nil, nil, 0, no
	}
	return inode, h, fuse.FOPEN_DIRECT_IO, 0
}

func (n *fuseNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	child, err := n.tree().CreateFolder(ctx, n.node, name)
	if err != nil {
		return nil, errno(err)
	}
	return n.newChild(ctx, child, out)
}

func (n *fuseNode) remove(ctx context.Context, name string, folder bool) syscall.Errno {
	child := n.tree().Child(n.node, name)
	if child == nil {
		return syscall.ENOENT
	}
	if child.IsFolder() != folder {
		if folder {
			return syscall.ENOTDIR
		}
		return syscall.EISDIR
	}
	return errno(n.tree().Delete(ctx, child))
}

func (n *fuseNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return n.remove(ctx, name, false)
}

func (n *fuseNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	return n.remove(ctx, name, true)
}

// Rename handles renames within one folder. Moves across folders report
// EXDEV so callers fall back to copy and delete.
func (n *fuseNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if p, ok := newParent.(*fuseNode); !ok || p.node != n.node {
		return syscall.EXDEV
	}
	child := n.tree().Child(n.node, name)
	if child == nil {
		return syscall.ENOENT
	}
	return errno(n.tree().Rename(ctx, child, newName))
}

// handle buffers the content of an open data node. Writes are stored
// when the handle is flushed.
type handle struct {
	tree     *filesystem.Tree
	node     *filesystem.Node
	tok      *filesystem.LockToken
	writable bool

	mu    sync.Mutex
	data  []byte
	dirty bool
}

var (
	_ fs.FileReader   = (*handle)(nil)
	_ fs.FileWriter   = (*handle)(nil)
	_ fs.FileFlusher  = (*handle)(nil)
	_ fs.FileReleaser = (*handle)(nil)
)

func (h *handle) load() error {
	r, err := h.tree.OpenRead(h.node)
	if err != nil {
		return err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.data = data
	h.mu.Unlock()
	return nil
}

func (h *handle) size() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return int64(len(h.data))
}

func (h *handle) truncate(size int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if size < int64(len(h.data)) {
		h.data = h.data[:size]
	} else {
		h.data = append(h.data, make([]byte, size-int64(len(h.data)))...)
	}
	h.dirty = true
}

func (h *handle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if off >= int64(len(h.data)) {
		return fuse.ReadResultData(nil), 0
	}
	end := min(off+int64(len(dest)), int64(len(h.data)))
	return fuse.ReadResultData(h.data[off:end]), 0
}

func (h *handle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	if !h.writable {
		return 0, syscall.EBADF
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if end := off + int64(len(data)); end > int64(len(h.data)) {
		h.data = append(h.data, make([]byte, end-int64(len(h.data)))...)
	}
	copy(h.data[off:], data)
	h.dirty = true
	return uint32(len(data)), 0
}

// Flush stores buffered writes.
func (h *handle) Flush(ctx context.Context) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.dirty {
		return 0
	}
	w, err := h.tree.OpenWrite(ctx, h.node, h.tok)
	if err != nil {
		return errno(err)
	}
	if _, err := w.Write(h.data); err != nil {
		w.Close()
		return errno(err)
	}
	if err := w.Close(); err != nil {
		return errno(err)
	}
	h.dirty = false
	return 0
}

func (h *handle) Release(ctx context.Context) syscall.Errno {
	no := h.Flush(ctx)
	h.tok.Close()
	return no
}
