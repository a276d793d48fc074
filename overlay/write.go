package overlay

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/brettbedarf/layerfs"
)

func (o *Overlay) target(stores []layerfs.Store, path string) (int, error) {
	return o.writable(stores, o.policy.WritableStore(path))
}

// ensureFolders creates the folders of dir missing on the store at t.
func (o *Overlay) ensureFolders(stores []layerfs.Store, t int, dir string) error {
	comps := splitPath(dir)
	for n := 1; n <= len(comps); n++ {
		p := o.pathOn(stores, t, strings.Join(comps[:n], "/"))
		info, err := stores[t].Stat(p)
		if err == nil {
			if !info.IsFolder {
				return fmt.Errorf("%w: %s is not a folder", layerfs.ErrAlreadyExists, p)
			}
			continue
		}
		if !isNotFound(err) {
			return err
		}
		if err := stores[t].CreateFolder(p); err != nil && !errors.Is(err, layerfs.ErrAlreadyExists) {
			return err
		}
	}
	return nil
}

// unmask removes masks for path and its ancestors on the writable stores
// up to and including t.
func (o *Overlay) unmask(stores []layerfs.Store, t int, path string) error {
	comps := splitPath(path)
	for n := 1; n <= len(comps); n++ {
		mask := strings.Join(comps[:n], "/") + MaskSuffix
		for i := 0; i <= t && i < len(stores); i++ {
			if err := o.removeMask(stores[i], i, mask); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *Overlay) removeMask(s layerfs.Store, idx int, mask string) error {
	if s.ReadOnly() {
		return nil
	}
	p, ok := o.policy.FindOn(s, idx, mask)
	if !ok {
		return nil
	}
	if _, err := s.Stat(p); err != nil {
		return nil
	}
	o.logger.Debug().Str("store", s.DisplayName()).Str("mask", p).Msg("Removing mask")
	if err := s.Delete(p); err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

func (o *Overlay) CreateFolder(path string) error {
	return o.create(path, true)
}

func (o *Overlay) CreateData(path string) error {
	return o.create(path, false)
}

func (o *Overlay) create(path string, folder bool) error {
	if err := o.checkNotMask(path); err != nil {
		return err
	}
	stores := o.snapshot()
	if _, _, err := o.resolve(stores, path); err == nil {
		return fmt.Errorf("%w: %s", layerfs.ErrAlreadyExists, path)
	} else if !isNotFound(err) {
		return err
	}
	t, err := o.target(stores, path)
	if err != nil {
		return err
	}
	if err := o.ensureFolders(stores, t, parentDir(path)); err != nil {
		return err
	}
	if err := o.unmask(stores, t, path); err != nil {
		return err
	}
	p := o.pathOn(stores, t, path)
	// a copy left behind a mask on the target itself is stale
	if _, err := stores[t].Stat(p); err == nil {
		if err := stores[t].Delete(p); err != nil {
			return err
		}
	}
	if folder {
		return stores[t].CreateFolder(p)
	}
	return stores[t].CreateData(p)
}

// checkNotMask rejects new names that would be read back as masks.
func (o *Overlay) checkNotMask(path string) error {
	if !o.propagateMasks && IsMask(lastComp(path)) {
		return fmt.Errorf("%w: %s is reserved for masks", layerfs.ErrInvalidState, path)
	}
	return nil
}

// Delete removes the copy held by the write target and masks the path if
// a store behind it still provides it.
func (o *Overlay) Delete(path string) error {
	stores := o.snapshot()
	_, cands, err := o.resolve(stores, path)
	if err != nil {
		return err
	}
	t, err := o.target(stores, path)
	if err != nil {
		return err
	}
	for _, c := range cands {
		if c.idx == t {
			if err := stores[t].Delete(c.path); err != nil {
				return err
			}
		}
	}
	if len(o.candidates(stores, path)) == 0 {
		return nil
	}
	if err := o.mask(stores, t, path); err != nil {
		return err
	}
	if len(o.candidates(stores, path)) > 0 {
		return fmt.Errorf("%w: %s is provided by a store in front of %s", layerfs.ErrReadOnly, path, stores[t].DisplayName())
	}
	return nil
}

func (o *Overlay) mask(stores []layerfs.Store, t int, path string) error {
	if err := o.ensureFolders(stores, t, parentDir(path)); err != nil {
		return err
	}
	p := o.pathOn(stores, t, path+MaskSuffix)
	o.logger.Debug().Str("store", stores[t].DisplayName()).Str("mask", p).Msg("Creating mask")
	if err := stores[t].CreateData(p); err != nil && !errors.Is(err, layerfs.ErrAlreadyExists) {
		return err
	}
	return nil
}

// HideResource masks path when hide is set and removes its masks
// otherwise. With mask propagation, unhiding also clears masks inside
// directly nested overlays.
func (o *Overlay) HideResource(path string, hide bool) error {
	if path == "" {
		return fmt.Errorf("%w: cannot hide the root", layerfs.ErrInvalidState)
	}
	stores := o.snapshot()
	if hide {
		if len(o.candidates(stores, path)) == 0 {
			return nil
		}
		t, err := o.target(stores, path)
		if err != nil {
			return err
		}
		return o.mask(stores, t, path)
	}
	var errs []error
	for i, s := range stores {
		errs = append(errs, o.removeMask(s, i, path+MaskSuffix))
		if nested, ok := s.(*Overlay); ok && o.propagateMasks {
			errs = append(errs, nested.unhideLocal(path))
		}
	}
	return errors.Join(errs...)
}

// unhideLocal removes masks for path on this overlay's own stores without
// descending further.
func (o *Overlay) unhideLocal(path string) error {
	stores := o.snapshot()
	var errs []error
	for i, s := range stores {
		errs = append(errs, o.removeMask(s, i, path+MaskSuffix))
	}
	return errors.Join(errs...)
}

// Rename moves oldPath within the write target when only the target holds
// it, and copies it through the merged view otherwise.
func (o *Overlay) Rename(oldPath, newPath string) error {
	if err := o.checkNotMask(newPath); err != nil {
		return err
	}
	stores := o.snapshot()
	_, cands, err := o.resolve(stores, oldPath)
	if err != nil {
		return err
	}
	if _, _, err := o.resolve(stores, newPath); err == nil {
		return fmt.Errorf("%w: %s", layerfs.ErrAlreadyExists, newPath)
	} else if !isNotFound(err) {
		return err
	}
	t, err := o.writable(stores, o.policy.WritableStoreForRename(oldPath, newPath))
	if err != nil {
		return err
	}
	if len(cands) == 1 && cands[0].idx == t {
		if err := o.ensureFolders(stores, t, parentDir(newPath)); err != nil {
			return err
		}
		if err := o.unmask(stores, t, newPath); err != nil {
			return err
		}
		return stores[t].Rename(cands[0].path, o.pathOn(stores, t, newPath))
	}
	if err := o.copyTree(oldPath, newPath); err != nil {
		return err
	}
	if err := o.Delete(oldPath); err != nil {
		return err
	}
	return stores[t].DeleteAttrs(o.pathOn(stores, t, oldPath))
}

// copyTree copies src with its attributes to dst through the merged view.
func (o *Overlay) copyTree(src, dst string) error {
	info, err := o.Stat(src)
	if err != nil {
		return err
	}
	if info.IsFolder {
		if err := o.CreateFolder(dst); err != nil {
			return err
		}
	} else {
		if err := o.CreateData(dst); err != nil {
			return err
		}
		if err := o.copyContent(src, dst); err != nil {
			return err
		}
	}
	keys, err := o.AttrKeys(src)
	if err != nil {
		return err
	}
	for _, k := range keys {
		v, err := o.ReadAttr(src, k)
		if err != nil {
			return err
		}
		if err := o.WriteAttr(dst, k, v); err != nil {
			return err
		}
	}
	if !info.IsFolder {
		return nil
	}
	names, err := o.List(src)
	if err != nil {
		return err
	}
	for _, name := range names {
		if IsMask(name) {
			continue
		}
		if err := o.copyTree(joinPath(src, name), joinPath(dst, name)); err != nil {
			return err
		}
	}
	return nil
}

func (o *Overlay) copyContent(src, dst string) (err error) {
	r, err := o.OpenRead(src)
	if err != nil {
		return err
	}
	defer r.Close()
	w, err := o.OpenWrite(dst)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := w.Close(); err == nil {
			err = cerr
		}
	}()
	_, err = io.Copy(w, r)
	return err
}

// OpenWrite writes to the write target. A path defined by a store behind
// the target is promoted first.
func (o *Overlay) OpenWrite(path string) (io.WriteCloser, error) {
	stores := o.snapshot()
	w, _, err := o.resolve(stores, path)
	if err != nil {
		return nil, err
	}
	t, err := o.target(stores, path)
	if err != nil {
		return nil, err
	}
	if w.idx == t {
		return stores[t].OpenWrite(w.path)
	}
	if err := o.ensureFolders(stores, t, parentDir(path)); err != nil {
		return nil, err
	}
	o.policy.NotifyMigration(path)
	return stores[t].OpenWrite(o.pathOn(stores, t, path))
}

// promote copies the winning version of path onto the write target so
// that the target defines it from now on.
func (o *Overlay) promote(stores []layerfs.Store, w *candidate, t int, path string) error {
	if w.info.IsFolder {
		if err := o.ensureFolders(stores, t, path); err != nil {
			return err
		}
	} else {
		if err := o.ensureFolders(stores, t, parentDir(path)); err != nil {
			return err
		}
		r, err := stores[w.idx].OpenRead(w.path)
		if err != nil {
			return err
		}
		defer r.Close()
		wr, err := stores[t].OpenWrite(o.pathOn(stores, t, path))
		if err != nil {
			return err
		}
		if _, err := io.Copy(wr, r); err != nil {
			wr.Close()
			return err
		}
		if err := wr.Close(); err != nil {
			return err
		}
	}
	o.policy.NotifyMigration(path)
	return nil
}
