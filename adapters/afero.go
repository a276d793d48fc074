package adapters

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sync/atomic"

	"github.com/brettbedarf/layerfs"
	"github.com/brettbedarf/layerfs/internal/util"
	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/afero"
)

// AferoStore implements [layerfs.Store] over an afero filesystem. Disk
// directories and memory stores are both served through it.
type AferoStore struct {
	layerfs.Attributes
	fs        afero.Fs
	name      string
	readOnly  bool
	mimeHints bool
	joined    atomic.Int32
	logger    util.Logger
}

// StoreOption configures an [AferoStore].
type StoreOption func(*AferoStore)

// WithReadOnly rejects every mutation with [layerfs.ErrReadOnly].
func WithReadOnly() StoreOption {
	return func(s *AferoStore) {
		s.readOnly = true
		s.fs = afero.NewReadOnlyFs(s.fs)
	}
}

// WithMimeHints makes Stat sniff the content type of data files.
func WithMimeHints() StoreOption {
	return func(s *AferoStore) {
		s.mimeHints = true
	}
}

// WithAttributes replaces the default in-memory attribute store.
func WithAttributes(attrs layerfs.Attributes) StoreOption {
	return func(s *AferoStore) {
		s.Attributes = attrs
	}
}

func NewAferoStore(fsys afero.Fs, name string, opts ...StoreOption) *AferoStore {
	s := &AferoStore{
		Attributes: NewMemAttributes(),
		fs:         fsys,
		name:       name,
		logger:     util.GetLogger("AferoStore"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewMemStore returns an empty writable store held in memory.
func NewMemStore(name string, opts ...StoreOption) *AferoStore {
	return NewAferoStore(afero.NewMemMapFs(), name, opts...)
}

// NewDirStore serves the disk directory root.
func NewDirStore(root string, opts ...StoreOption) *AferoStore {
	return NewAferoStore(afero.NewBasePathFs(afero.NewOsFs(), root), root, opts...)
}

// Fs exposes the underlying filesystem, mainly for seeding content.
func (s *AferoStore) Fs() afero.Fs {
	return s.fs
}

func (s *AferoStore) abs(p string) string {
	return path.Join("/", p)
}

func (s *AferoStore) wrap(p string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", layerfs.ErrNotFound, p)
	}
	if errors.Is(err, os.ErrExist) {
		return fmt.Errorf("%w: %s", layerfs.ErrAlreadyExists, p)
	}
	return err
}

func (s *AferoStore) List(p string) ([]string, error) {
	fi, err := s.fs.Stat(s.abs(p))
	if err != nil {
		return nil, s.wrap(p, err)
	}
	if !fi.IsDir() {
		return nil, nil
	}
	entries, err := afero.ReadDir(s.fs, s.abs(p))
	if err != nil {
		return nil, s.wrap(p, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (s *AferoStore) Stat(p string) (*layerfs.FileInfo, error) {
	fi, err := s.fs.Stat(s.abs(p))
	if err != nil {
		return nil, s.wrap(p, err)
	}
	info := &layerfs.FileInfo{
		IsFolder:     fi.IsDir(),
		LastModified: fi.ModTime(),
		ReadOnly:     s.readOnly || fi.Mode().Perm()&0o200 == 0,
	}
	if !fi.IsDir() {
		info.Size = fi.Size()
		if s.mimeHints {
			info.MimeHint = s.detectMime(p)
		}
	}
	return info, nil
}

func (s *AferoStore) detectMime(p string) string {
	f, err := s.fs.Open(s.abs(p))
	if err != nil {
		return ""
	}
	defer f.Close()
	mt, err := mimetype.DetectReader(f)
	if err != nil {
		s.logger.Debug().Err(err).Str("path", p).Msg("Could not detect mime type")
		return ""
	}
	return mt.String()
}

func (s *AferoStore) OpenRead(p string) (io.ReadCloser, error) {
	f, err := s.fs.Open(s.abs(p))
	if err != nil {
		return nil, s.wrap(p, err)
	}
	return f, nil
}

func (s *AferoStore) OpenWrite(p string) (io.WriteCloser, error) {
	if s.readOnly {
		return nil, layerfs.ErrReadOnly
	}
	f, err := s.fs.OpenFile(s.abs(p), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, s.wrap(p, err)
	}
	return f, nil
}

func (s *AferoStore) CreateFolder(p string) error {
	if s.readOnly {
		return layerfs.ErrReadOnly
	}
	if err := s.fs.Mkdir(s.abs(p), 0o755); err != nil {
		return s.wrap(p, err)
	}
	return nil
}

func (s *AferoStore) CreateData(p string) error {
	if s.readOnly {
		return layerfs.ErrReadOnly
	}
	f, err := s.fs.OpenFile(s.abs(p), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return s.wrap(p, err)
	}
	return f.Close()
}

func (s *AferoStore) Delete(p string) error {
	if s.readOnly {
		return layerfs.ErrReadOnly
	}
	if _, err := s.fs.Stat(s.abs(p)); err != nil {
		return s.wrap(p, err)
	}
	return s.fs.RemoveAll(s.abs(p))
}

func (s *AferoStore) Rename(oldPath, newPath string) error {
	if s.readOnly {
		return layerfs.ErrReadOnly
	}
	if _, err := s.fs.Stat(s.abs(newPath)); err == nil {
		return fmt.Errorf("%w: %s", layerfs.ErrAlreadyExists, newPath)
	}
	if err := s.fs.Rename(s.abs(oldPath), s.abs(newPath)); err != nil {
		return s.wrap(oldPath, err)
	}
	return nil
}

func (s *AferoStore) WriteAttr(p, key string, value any) error {
	if s.readOnly {
		return layerfs.ErrReadOnly
	}
	return s.Attributes.WriteAttr(p, key, value)
}

func (s *AferoStore) RenameAttrs(oldPath, newPath string) error {
	if s.readOnly {
		return layerfs.ErrReadOnly
	}
	return s.Attributes.RenameAttrs(oldPath, newPath)
}

func (s *AferoStore) DeleteAttrs(p string) error {
	if s.readOnly {
		return layerfs.ErrReadOnly
	}
	return s.Attributes.DeleteAttrs(p)
}

func (s *AferoStore) ReadOnly() bool {
	return s.readOnly
}

func (s *AferoStore) DisplayName() string {
	return s.name
}

// AddNotify is called when the store joins an overlay stack.
func (s *AferoStore) AddNotify() {
	n := s.joined.Add(1)
	s.logger.Debug().Str("store", s.name).Int32("stacks", n).Msg("Joined overlay")
}

// RemoveNotify is called when the store leaves an overlay stack.
func (s *AferoStore) RemoveNotify() {
	n := s.joined.Add(-1)
	s.logger.Debug().Str("store", s.name).Int32("stacks", n).Msg("Left overlay")
}

// Stacks returns how many overlay stacks currently include the store.
func (s *AferoStore) Stacks() int {
	return int(s.joined.Load())
}

// Close releases the attribute store if it holds resources.
func (s *AferoStore) Close() error {
	if c, ok := s.Attributes.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
