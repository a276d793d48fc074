package filesystem

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/brettbedarf/layerfs"
	"github.com/brettbedarf/layerfs/events"
)

// Properties passed to veto listeners.
const (
	PropName = "name"
)

// VetoListener may reject a change before it reaches the store by
// returning an error, typically a [*layerfs.VetoError].
type VetoListener interface {
	VetoableChange(n *Node, property string, oldValue, newValue any) error
}

// VetoFunc adapts a function to [VetoListener].
type VetoFunc func(n *Node, property string, oldValue, newValue any) error

func (f VetoFunc) VetoableChange(n *Node, property string, oldValue, newValue any) error {
	return f(n, property, oldValue, newValue)
}

type vetoRegistry struct {
	mu      sync.Mutex
	lastID  events.ID
	entries map[events.ID]VetoListener
}

// AddVetoListener registers l; it is consulted before renames.
func (t *Tree) AddVetoListener(l VetoListener) events.ID {
	t.vetoes.mu.Lock()
	defer t.vetoes.mu.Unlock()
	if t.vetoes.entries == nil {
		t.vetoes.entries = make(map[events.ID]VetoListener)
	}
	t.vetoes.lastID++
	t.vetoes.entries[t.vetoes.lastID] = l
	return t.vetoes.lastID
}

func (t *Tree) RemoveVetoListener(id events.ID) {
	t.vetoes.mu.Lock()
	defer t.vetoes.mu.Unlock()
	delete(t.vetoes.entries, id)
}

func (t *Tree) checkVeto(n *Node, property string, oldValue, newValue any) error {
	t.vetoes.mu.Lock()
	listeners := make([]VetoListener, 0, len(t.vetoes.entries))
	for _, l := range t.vetoes.entries {
		listeners = append(listeners, l)
	}
	t.vetoes.mu.Unlock()

	for _, l := range listeners {
		if err := l.VetoableChange(n, property, oldValue, newValue); err != nil {
			if !errors.Is(err, layerfs.ErrVetoed) {
				err = &layerfs.VetoError{Property: property, Reason: err.Error()}
			}
			return err
		}
	}
	return nil
}

// CreateFolder creates name inside parent and returns its node.
func (t *Tree) CreateFolder(ctx context.Context, parent *Node, name string) (*Node, error) {
	return t.create(ctx, parent, name, true)
}

// CreateData creates an empty data file name inside parent.
func (t *Tree) CreateData(ctx context.Context, parent *Node, name string) (*Node, error) {
	return t.create(ctx, parent, name, false)
}

func (t *Tree) create(ctx context.Context, parent *Node, name string, folder bool) (*Node, error) {
	if err := t.checkFolder(parent); err != nil {
		return nil, err
	}
	if err := checkName(name); err != nil {
		return nil, err
	}

	ctx, end := t.dispatcher.Begin(ctx, events.Action{Priority: true})
	defer end()

	if err := t.ensureScanned(ctx, parent); err != nil {
		return nil, err
	}
	p := joinPath(parent.Path(), name)
	if parent.hasChild(name) {
		return nil, fmt.Errorf("%w: %s", layerfs.ErrAlreadyExists, p)
	}

	op, mk := "create data", t.store.CreateData
	if folder {
		op, mk = "create folder", t.store.CreateFolder
	}
	if err := mk(p); err != nil {
		t.logger.Error().Err(err).Str("path", p).Msg("Store failed to create")
		return nil, layerfs.NewIOError(op, p, err)
	}
	if err := t.Reconcile(ctx, parent, nil, name, "", true, true); err != nil {
		return nil, err
	}

	n := t.Child(parent, name)
	if n == nil {
		return nil, layerfs.NewIOError(op, p, layerfs.ErrNotFound)
	}
	n.setKind(folder)
	t.logger.Debug().Str("path", p).Bool("folder", folder).Msg("Created node")
	return n, nil
}

// Delete removes n, and everything below it, from the store.
func (t *Tree) Delete(ctx context.Context, n *Node) error {
	if err := t.checkValid(n); err != nil {
		return err
	}
	if n.IsRoot() {
		return fmt.Errorf("%w: cannot delete the root", layerfs.ErrInvalidState)
	}
	if n.stream.open() {
		return fmt.Errorf("%w: %s", layerfs.ErrAlreadyLocked, n.Path())
	}

	ctx, end := t.dispatcher.Begin(ctx, events.Action{Priority: true})
	defer end()

	p, name := n.Path(), n.Name()
	if err := t.store.Delete(p); err != nil {
		t.logger.Error().Err(err).Str("path", p).Msg("Store failed to delete")
		return layerfs.NewIOError("delete", p, err)
	}
	if err := t.store.DeleteAttrs(p); err != nil {
		t.logger.Warn().Err(err).Str("path", p).Msg("Failed to drop attributes of deleted node")
	}
	return t.Reconcile(ctx, n.parent, nil, "", name, true, true)
}

// Rename gives n a new name in the same folder. The node keeps its
// identity. Veto listeners are asked first.
func (t *Tree) Rename(ctx context.Context, n *Node, newName string) error {
	if err := t.checkValid(n); err != nil {
		return err
	}
	if n.IsRoot() {
		return fmt.Errorf("%w: cannot rename the root", layerfs.ErrInvalidState)
	}
	if err := checkName(newName); err != nil {
		return err
	}
	oldName := n.Name()
	if oldName == newName {
		return nil
	}
	if err := t.checkVeto(n, PropName, oldName, newName); err != nil {
		t.logger.Debug().Err(err).Str("path", n.Path()).Msg("Rename vetoed")
		return err
	}

	ctx, end := t.dispatcher.Begin(ctx, events.Action{Priority: true})
	defer end()

	parent := n.parent
	dir := parent.Path()
	oldPath, newPath := joinPath(dir, oldName), joinPath(dir, newName)
	if parent.hasChild(newName) {
		return fmt.Errorf("%w: %s", layerfs.ErrAlreadyExists, newPath)
	}
	if n.stream.open() {
		return fmt.Errorf("%w: %s", layerfs.ErrAlreadyLocked, oldPath)
	}

	if err := t.store.Rename(oldPath, newPath); err != nil {
		t.logger.Error().Err(err).Str("from", oldPath).Str("to", newPath).Msg("Store failed to rename")
		return layerfs.NewIOError("rename", oldPath, err)
	}
	if err := t.store.RenameAttrs(oldPath, newPath); err != nil {
		t.logger.Warn().Err(err).Str("from", oldPath).Str("to", newPath).Msg("Failed to move attributes of renamed node")
	}
	if err := t.Reconcile(ctx, parent, nil, newName, oldName, true, true); err != nil {
		return err
	}

	base, ext := splitExt(oldName)
	ev := events.NewEvent(events.Renamed, n, true)
	ev.OldName, ev.OldExt = base, ext
	t.fire(ctx, ev, n)
	return nil
}

// ReadAttr returns nil if the attribute is not set.
func (t *Tree) ReadAttr(n *Node, key string) (any, error) {
	v, err := t.store.ReadAttr(n.Path(), key)
	if err != nil {
		return nil, layerfs.NewIOError("read attribute of", n.Path(), err)
	}
	return v, nil
}

// WriteAttr sets an attribute, removing it when value is nil, and fires
// an attribute change if the value differs.
func (t *Tree) WriteAttr(ctx context.Context, n *Node, key string, value any) error {
	if err := t.checkValid(n); err != nil {
		return err
	}
	p := n.Path()
	old, err := t.store.ReadAttr(p, key)
	if err != nil {
		return layerfs.NewIOError("read attribute of", p, err)
	}
	if reflect.DeepEqual(old, value) {
		return nil
	}

	ctx, end := t.dispatcher.Begin(ctx, events.Action{Priority: true})
	defer end()
	if err := t.store.WriteAttr(p, key, value); err != nil {
		return layerfs.NewIOError("write attribute of", p, err)
	}
	ev := events.NewEvent(events.AttributeChanged, n, true)
	ev.Attr, ev.OldValue, ev.NewValue = key, old, value
	t.fire(ctx, ev, n)
	return nil
}

// AttrKeys lists the attribute keys set on n.
func (t *Tree) AttrKeys(n *Node) ([]string, error) {
	keys, err := t.store.AttrKeys(n.Path())
	if err != nil {
		return nil, layerfs.NewIOError("list attributes of", n.Path(), err)
	}
	return keys, nil
}

// fire dispatches ev to n, its parent, recursive listeners of its other
// ancestors, and the tree.
func (t *Tree) fire(ctx context.Context, ev *events.Event, n *Node) {
	t.dispatcher.Dispatch(ctx, &events.Request{Event: ev, Targets: t.targets(n)})
}

func (t *Tree) targets(n *Node) []events.Target {
	targets := make([]events.Target, 0, 4)
	if reg := n.registry(false); reg != nil {
		targets = append(targets, events.Target{Source: n, Listeners: reg})
	}
	if p := n.parent; p != nil {
		if reg := p.registry(false); reg != nil {
			targets = append(targets, events.Target{Source: p, Listeners: reg})
		}
		for a := p.parent; a != nil; a = a.parent {
			if reg := a.registry(false); reg != nil {
				targets = append(targets, events.Target{Source: a, Listeners: reg, RecursiveOnly: true})
			}
		}
	}
	return append(targets, events.Target{Listeners: t.listeners})
}

func (t *Tree) checkValid(n *Node) error {
	if n == nil || n.tree != t {
		return fmt.Errorf("%w: node does not belong to this tree", layerfs.ErrInvalidState)
	}
	if !n.IsValid() {
		return fmt.Errorf("%w: %s", layerfs.ErrInvalidState, n.Path())
	}
	return nil
}

func (t *Tree) checkFolder(n *Node) error {
	if err := t.checkValid(n); err != nil {
		return err
	}
	if !n.IsFolder() {
		return fmt.Errorf("%w: %s is not a folder", layerfs.ErrInvalidState, n.Path())
	}
	if t.store.ReadOnly() {
		return fmt.Errorf("%w: %s", layerfs.ErrReadOnly, t.store.DisplayName())
	}
	return nil
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.Contains(name, "/") {
		return fmt.Errorf("%w: invalid name %q", layerfs.ErrInvalidState, name)
	}
	return nil
}
