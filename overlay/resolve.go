package overlay

import (
	"html"
	"io"
	"slices"
	"strings"

	"github.com/brettbedarf/layerfs"
	"github.com/brettbedarf/layerfs/internal/util"
)

// candidate is one store providing a logical path.
type candidate struct {
	idx  int
	path string // path on the store
	info *layerfs.FileInfo
}

// maskLevel returns the index of the front-most store holding a mask for
// path or one of its ancestors, or len(stores) when nothing is masked.
// Only stores in front of the returned index can provide path.
func (o *Overlay) maskLevel(stores []layerfs.Store, path string) int {
	level := len(stores)
	comps := splitPath(path)
	for n := 1; n <= len(comps); n++ {
		mask := strings.Join(comps[:n], "/") + MaskSuffix
		for i := 0; i < level; i++ {
			p, ok := o.policy.FindOn(stores[i], i, mask)
			if !ok {
				continue
			}
			if _, err := stores[i].Stat(p); err == nil {
				level = i
				break
			}
		}
	}
	return level
}

// candidates returns the stores providing path, front to back.
func (o *Overlay) candidates(stores []layerfs.Store, path string) []candidate {
	if !o.propagateMasks && IsMask(lastComp(path)) {
		return nil
	}
	level := o.maskLevel(stores, path)
	var out []candidate
	for i := 0; i < level; i++ {
		p, ok := o.policy.FindOn(stores[i], i, path)
		if !ok {
			continue
		}
		info, err := stores[i].Stat(p)
		if err != nil {
			if !isNotFound(err) {
				o.logger.Warn().Err(err).Str("store", stores[i].DisplayName()).Str("path", p).Msg("Stat failed, skipping store")
			}
			continue
		}
		out = append(out, candidate{idx: i, path: p, info: info})
	}
	return out
}

// resolve picks the candidate that defines path. The write target wins
// whenever it holds the path. Otherwise the highest weight wins and ties
// go to the store nearer the front.
func (o *Overlay) resolve(stores []layerfs.Store, path string) (*candidate, []candidate, error) {
	cands := o.candidates(stores, path)
	if len(cands) == 0 {
		return nil, nil, notFound(path)
	}
	if t, err := o.writable(stores, o.policy.WritableStore(path)); err == nil {
		for i := range cands {
			if cands[i].idx == t {
				return &cands[i], cands, nil
			}
		}
	}
	best := 0
	bestWeight := o.weight(stores, cands[0])
	for i := 1; i < len(cands); i++ {
		if w := o.weight(stores, cands[i]); w > bestWeight {
			best, bestWeight = i, w
		}
	}
	return &cands[best], cands, nil
}

func (o *Overlay) weight(stores []layerfs.Store, c candidate) float64 {
	v, err := stores[c.idx].ReadAttr(c.path, AttrWeight)
	if err != nil {
		o.logger.Debug().Err(err).Str("path", c.path).Msg("Could not read weight")
		return 0
	}
	w, _ := util.Number(v)
	return w
}

// List returns the union of the children of path over the visible
// stores. Entries masked on a store hide the same name on that store and
// every store behind it.
func (o *Overlay) List(path string) ([]string, error) {
	stores := o.snapshot()
	level := len(stores)
	if path != "" {
		w, _, err := o.resolve(stores, path)
		if err != nil {
			return nil, err
		}
		if !w.info.IsFolder {
			return nil, nil
		}
		level = o.maskLevel(stores, path)
	}

	type listing struct {
		idx   int
		names []string
	}
	var listings []listing
	var lastErr error
	for i := 0; i < level; i++ {
		p, ok := o.policy.FindOn(stores[i], i, path)
		if !ok {
			continue
		}
		names, err := stores[i].List(p)
		if err != nil {
			if !isNotFound(err) {
				o.logger.Warn().Err(err).Str("store", stores[i].DisplayName()).Str("path", p).Msg("List failed, skipping store")
				lastErr = err
			}
			continue
		}
		if names != nil {
			listings = append(listings, listing{idx: i, names: names})
		}
	}
	if len(listings) == 0 && lastErr != nil {
		return nil, layerfs.NewIOError("list", path, lastErr)
	}

	// front-most store masking each name
	masked := make(map[string]int)
	for _, l := range listings {
		for _, name := range l.names {
			if !IsMask(name) {
				continue
			}
			base := strings.TrimSuffix(name, MaskSuffix)
			if _, ok := masked[base]; !ok {
				masked[base] = l.idx
			}
		}
	}

	seen := make(map[string]struct{})
	out := []string{}
	for _, l := range listings {
		for _, name := range l.names {
			if _, ok := seen[name]; ok {
				continue
			}
			if IsMask(name) && !o.propagateMasks {
				continue
			}
			if m, ok := masked[name]; ok && l.idx >= m {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	return out, nil
}

func (o *Overlay) Stat(path string) (*layerfs.FileInfo, error) {
	stores := o.snapshot()
	if path == "" {
		info := &layerfs.FileInfo{IsFolder: true, ReadOnly: o.ReadOnly()}
		if cands := o.candidates(stores, ""); len(cands) > 0 {
			info.LastModified = cands[0].info.LastModified
		}
		return info, nil
	}
	w, _, err := o.resolve(stores, path)
	if err != nil {
		return nil, err
	}
	info := *w.info
	t, err := o.writable(stores, o.policy.WritableStore(path))
	info.ReadOnly = err != nil || (t == w.idx && w.info.ReadOnly)
	return &info, nil
}

func (o *Overlay) OpenRead(path string) (io.ReadCloser, error) {
	stores := o.snapshot()
	w, _, err := o.resolve(stores, path)
	if err != nil {
		return nil, err
	}
	return stores[w.idx].OpenRead(w.path)
}

// Annotate marks a single path whose defining store overrides the same
// path on a store behind it.
func (o *Overlay) Annotate(paths []string) (string, string, bool) {
	if len(paths) != 1 || paths[0] == "" {
		return "", "", false
	}
	stores := o.snapshot()
	w, cands, err := o.resolve(stores, paths[0])
	if err != nil {
		return "", "", false
	}
	i := slices.IndexFunc(cands, func(c candidate) bool { return c.idx > w.idx })
	if i < 0 {
		return "", "", false
	}
	name := lastComp(paths[0])
	markup := html.EscapeString(name) + " <i>(overrides " + html.EscapeString(stores[cands[i].idx].DisplayName()) + ")</i>"
	return name, markup, true
}

func lastComp(path string) string {
	return path[strings.LastIndexByte(path, '/')+1:]
}
