// Package layerfs contains the core domain types and collaborator interfaces
// for the layered virtual filesystem.
//
// Paths handed to a [Store] are slash separated and relative to the store
// root. The root itself is the empty string.
package layerfs

import (
	"io"
	"time"
)

// FileInfo is the stat result a [Store] reports for a single path.
type FileInfo struct {
	IsFolder     bool
	Size         int64
	LastModified time.Time
	ReadOnly     bool
	MimeHint     string // Empty if the store does not detect content types
}

// Store is a backing store adapter. Implementations provide raw access to
// one subtree (a disk directory, a memory store, another overlay) and are
// not expected to fire events; the tree built on top of them does that.
type Store interface {
	// List returns the immediate child names of a folder. A nil slice with a
	// nil error means the path is not a folder.
	List(path string) ([]string, error)

	// Stat returns [ErrNotFound] (possibly wrapped) for missing paths.
	Stat(path string) (*FileInfo, error)

	OpenRead(path string) (io.ReadCloser, error)
	// OpenWrite truncates. Exclusivity is enforced by the tree, not the store.
	OpenWrite(path string) (io.WriteCloser, error)

	CreateFolder(path string) error
	CreateData(path string) error
	// Delete removes a path and, for folders, everything below it.
	Delete(path string) error
	Rename(oldPath, newPath string) error

	ReadOnly() bool
	DisplayName() string

	Attributes
}

// Attributes is the per-path key/value attribute store.
// Values are plain data (numbers, strings, bools, byte slices).
type Attributes interface {
	// ReadAttr returns nil, nil when the key is not set.
	ReadAttr(path, key string) (any, error)
	// WriteAttr removes the key when value is nil.
	WriteAttr(path, key string, value any) error
	AttrKeys(path string) ([]string, error)
	// RenameAttrs moves attributes of oldPath and everything below it.
	RenameAttrs(oldPath, newPath string) error
	// DeleteAttrs drops attributes of path and everything below it.
	DeleteAttrs(path string) error
}

// Locker is implemented by stores with native advisory locking.
// Stores without it are treated as no-op lockers.
type Locker interface {
	Lock(path string) error
	Unlock(path string)
}

// Notifiable stores are told when they join or leave an overlay stack.
type Notifiable interface {
	AddNotify()
	RemoveNotify()
}

// ChangeNotifier stores report out-of-band changes. A nil paths slice means
// everything may have changed.
type ChangeNotifier interface {
	OnChange(fn func(paths []string))
}

// StatusProvider stores can override how a set of paths is displayed.
type StatusProvider interface {
	Annotate(paths []string) (name string, html string, ok bool)
}
