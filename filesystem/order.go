package filesystem

import (
	"context"
	"fmt"

	"github.com/brettbedarf/layerfs"
	"github.com/brettbedarf/layerfs/internal/util"
	"github.com/brettbedarf/layerfs/ordering"
)

// AttrPosition is the attribute holding a child's numeric position.
const AttrPosition = "position"

// OrderedChildren returns the children of folder sorted by their position
// attributes and the folder's "A/B" constraint attributes.
func (t *Tree) OrderedChildren(folder *Node) []*Node {
	children := t.Children(folder)
	byName := make(map[string]*Node, len(children))
	names := make([]string, len(children))
	for i, c := range children {
		name := c.Name()
		names[i] = name
		byName[name] = c
	}

	sorted := ordering.Sort(names, &orderSource{tree: t, folder: folder})
	out := make([]*Node, 0, len(sorted))
	for _, name := range sorted {
		out = append(out, byName[name])
	}
	return out
}

// SetOrder rewrites position attributes so that [Tree.OrderedChildren]
// returns children in the given order, touching as few attributes as it
// can. All resulting attribute events are delivered as one batch.
func (t *Tree) SetOrder(ctx context.Context, folder *Node, children []*Node) error {
	names := make([]string, len(children))
	for i, c := range children {
		if c.parent != folder {
			return fmt.Errorf("%w: %s is not a child of %s", layerfs.ErrInvalidState, c, folder)
		}
		names[i] = c.Name()
	}
	return t.RunAtomic(ctx, nil, func(ctx context.Context) error {
		return ordering.SetOrder(names, &orderSource{tree: t, folder: folder}, &orderSink{ctx: ctx, tree: t, folder: folder})
	})
}

// orderSource reads ordering inputs from attributes.
type orderSource struct {
	tree   *Tree
	folder *Node
}

func (s *orderSource) Position(name string) (float64, bool) {
	v, err := s.tree.store.ReadAttr(joinPath(s.folder.Path(), name), AttrPosition)
	if err != nil || v == nil {
		return 0, false
	}
	return util.Number(v)
}

func (s *orderSource) Constraints() []ordering.Constraint {
	dir := s.folder.Path()
	keys, err := s.tree.store.AttrKeys(dir)
	if err != nil {
		s.tree.logger.Warn().Err(err).Str("path", dir).Msg("Failed to list ordering attributes")
		return nil
	}
	var out []ordering.Constraint
	for _, key := range keys {
		c, ok := ordering.ParseConstraint(key)
		if !ok {
			continue
		}
		if v, err := s.tree.store.ReadAttr(dir, key); err == nil && v == true {
			out = append(out, c)
		}
	}
	return out
}

type orderSink struct {
	ctx    context.Context
	tree   *Tree
	folder *Node
}

func (s *orderSink) SetPosition(name string, pos any) error {
	child := s.tree.Child(s.folder, name)
	if child == nil {
		return fmt.Errorf("%w: %s", layerfs.ErrNotFound, joinPath(s.folder.Path(), name))
	}
	return s.tree.WriteAttr(s.ctx, child, AttrPosition, pos)
}

func (s *orderSink) ClearConstraint(c ordering.Constraint) error {
	return s.tree.WriteAttr(s.ctx, s.folder, c.String(), nil)
}
