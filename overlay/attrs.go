package overlay

import (
	"slices"
	"strconv"

	"github.com/brettbedarf/layerfs"
)

// attrOrder returns the candidates of path with the winner first.
func (o *Overlay) attrOrder(stores []layerfs.Store, path string) ([]candidate, error) {
	w, cands, err := o.resolve(stores, path)
	if err != nil {
		return nil, err
	}
	out := make([]candidate, 0, len(cands))
	out = append(out, *w)
	for _, c := range cands {
		if c.idx != w.idx {
			out = append(out, c)
		}
	}
	return out, nil
}

// readOnlyKeys returns the attribute names of path on a read-only store.
// They cannot change behind the overlay's back, so they are cached until
// the stack is replaced.
func (o *Overlay) readOnlyKeys(s layerfs.Store, c candidate) []string {
	key := strconv.Itoa(c.idx) + "\x00" + c.path
	if keys, ok := o.roAttrKeys.Load(key); ok {
		return keys
	}
	keys, err := s.AttrKeys(c.path)
	if err != nil {
		o.logger.Debug().Err(err).Str("path", c.path).Msg("Could not list attributes")
		return nil
	}
	o.roAttrKeys.Store(key, keys)
	return keys
}

// ReadAttr returns the value of the defining store, falling back to the
// other stores providing path.
func (o *Overlay) ReadAttr(path, key string) (any, error) {
	stores := o.snapshot()
	cands, err := o.attrOrder(stores, path)
	if err != nil {
		return nil, err
	}
	for _, c := range cands {
		s := stores[c.idx]
		if s.ReadOnly() && !slices.Contains(o.readOnlyKeys(s, c), key) {
			continue
		}
		v, err := s.ReadAttr(c.path, key)
		if err != nil {
			return nil, layerfs.NewIOError("read attribute", path, err)
		}
		if v != nil {
			return v, nil
		}
	}
	return nil, nil
}

// WriteAttr writes to the write target, promoting path onto it first.
func (o *Overlay) WriteAttr(path, key string, value any) error {
	stores := o.snapshot()
	t, err := o.target(stores, path)
	if err != nil {
		return err
	}
	if path != "" {
		w, _, err := o.resolve(stores, path)
		if err != nil {
			return err
		}
		if w.idx != t {
			if err := o.promote(stores, w, t, path); err != nil {
				return err
			}
		}
	}
	return stores[t].WriteAttr(o.pathOn(stores, t, path), key, value)
}

// AttrKeys returns the union of the attribute names over the stores
// providing path.
func (o *Overlay) AttrKeys(path string) ([]string, error) {
	stores := o.snapshot()
	cands, err := o.attrOrder(stores, path)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, c := range cands {
		s := stores[c.idx]
		var ks []string
		if s.ReadOnly() {
			ks = o.readOnlyKeys(s, c)
		} else if ks, err = s.AttrKeys(c.path); err != nil {
			return nil, layerfs.NewIOError("list attributes", path, err)
		}
		for _, k := range ks {
			if !slices.Contains(keys, k) {
				keys = append(keys, k)
			}
		}
	}
	slices.Sort(keys)
	return keys, nil
}

func (o *Overlay) RenameAttrs(oldPath, newPath string) error {
	stores := o.snapshot()
	t, err := o.writable(stores, o.policy.WritableStoreForRename(oldPath, newPath))
	if err != nil {
		return err
	}
	return stores[t].RenameAttrs(o.pathOn(stores, t, oldPath), o.pathOn(stores, t, newPath))
}

func (o *Overlay) DeleteAttrs(path string) error {
	stores := o.snapshot()
	t, err := o.target(stores, path)
	if err != nil {
		return err
	}
	return stores[t].DeleteAttrs(o.pathOn(stores, t, path))
}

// Lock forwards to the write target when it supports native locking.
func (o *Overlay) Lock(path string) error {
	stores := o.snapshot()
	t, err := o.target(stores, path)
	if err != nil {
		// nothing writable to lock
		return nil
	}
	if l, ok := stores[t].(layerfs.Locker); ok {
		return l.Lock(o.pathOn(stores, t, path))
	}
	return nil
}

func (o *Overlay) Unlock(path string) {
	stores := o.snapshot()
	t, err := o.target(stores, path)
	if err != nil {
		return
	}
	if l, ok := stores[t].(layerfs.Locker); ok {
		l.Unlock(o.pathOn(stores, t, path))
	}
}

var (
	_ layerfs.Store          = (*Overlay)(nil)
	_ layerfs.Locker         = (*Overlay)(nil)
	_ layerfs.ChangeNotifier = (*Overlay)(nil)
	_ layerfs.StatusProvider = (*Overlay)(nil)
)
