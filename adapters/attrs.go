package adapters

import (
	"slices"
	"strings"

	"github.com/puzpuzpuz/xsync/v4"
)

// MemAttributes is a [layerfs.Attributes] held in memory.
type MemAttributes struct {
	paths *xsync.Map[string, *xsync.Map[string, any]]
}

func NewMemAttributes() *MemAttributes {
	return &MemAttributes{paths: xsync.NewMap[string, *xsync.Map[string, any]]()}
}

func (m *MemAttributes) ReadAttr(p, key string) (any, error) {
	attrs, ok := m.paths.Load(p)
	if !ok {
		return nil, nil
	}
	v, _ := attrs.Load(key)
	return v, nil
}

func (m *MemAttributes) WriteAttr(p, key string, value any) error {
	if value == nil {
		if attrs, ok := m.paths.Load(p); ok {
			attrs.Delete(key)
		}
		return nil
	}
	attrs, _ := m.paths.LoadOrStore(p, xsync.NewMap[string, any]())
	attrs.Store(key, value)
	return nil
}

func (m *MemAttributes) AttrKeys(p string) ([]string, error) {
	attrs, ok := m.paths.Load(p)
	if !ok {
		return nil, nil
	}
	keys := make([]string, 0, attrs.Size())
	attrs.Range(func(k string, _ any) bool {
		keys = append(keys, k)
		return true
	})
	slices.Sort(keys)
	return keys, nil
}

func (m *MemAttributes) RenameAttrs(oldPath, newPath string) error {
	for _, p := range m.subtree(oldPath) {
		if attrs, ok := m.paths.LoadAndDelete(p); ok {
			m.paths.Store(newPath+strings.TrimPrefix(p, oldPath), attrs)
		}
	}
	return nil
}

func (m *MemAttributes) DeleteAttrs(p string) error {
	for _, sub := range m.subtree(p) {
		m.paths.Delete(sub)
	}
	return nil
}

// subtree returns stored paths equal to p or below it.
func (m *MemAttributes) subtree(p string) []string {
	var out []string
	m.paths.Range(func(k string, _ *xsync.Map[string, any]) bool {
		if inSubtree(k, p) {
			out = append(out, k)
		}
		return true
	})
	return out
}

func inSubtree(candidate, root string) bool {
	return root == "" || candidate == root || strings.HasPrefix(candidate, root+"/")
}
