package filesystem

import (
	"context"
	"errors"

	"github.com/brettbedarf/layerfs"
	"github.com/brettbedarf/layerfs/events"
)

// storeChangeToken tags actions started by out-of-band store notifications.
type storeChangeToken struct{ tree *Tree }

// ensureScanned loads the listing of folder if it has never been loaded.
func (t *Tree) ensureScanned(ctx context.Context, folder *Node) error {
	if folder.scanned() {
		return nil
	}
	ctx, end := t.dispatcher.Begin(ctx, events.Action{Priority: true})
	defer end()
	folder.scanMu.Lock()
	defer folder.scanMu.Unlock()
	if folder.scanned() {
		return nil
	}
	return t.reconcileLocked(ctx, folder, nil, "", "", false, false)
}

// Refresh rescans folder and fires events for every difference against
// the cached listing. Data children are re-stated to detect content
// changes. A folder that has never been scanned is only scanned.
func (t *Tree) Refresh(ctx context.Context, folder *Node) error {
	return t.Reconcile(ctx, folder, nil, "", "", true, false)
}

// RefreshRecursive refreshes folder and every scanned folder below it.
func (t *Tree) RefreshRecursive(ctx context.Context, folder *Node) error {
	ctx, end := t.dispatcher.Begin(ctx, events.Action{Priority: true})
	defer end()
	return t.refreshRecursive(ctx, folder)
}

func (t *Tree) refreshRecursive(ctx context.Context, folder *Node) error {
	if !folder.scanned() {
		return nil
	}
	var errs []error
	if err := t.Refresh(ctx, folder); err != nil {
		errs = append(errs, err)
	}
	for _, c := range folder.liveChildren() {
		if c.kind.Load() == kindFolder && c.IsValid() {
			if err := t.refreshRecursive(ctx, c); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// RefreshAll refreshes every scanned folder in the tree.
func (t *Tree) RefreshAll(ctx context.Context) error {
	return t.RefreshRecursive(ctx, t.Root())
}

// Reconcile compares a fresh listing of folder against the cached one.
//
// With fresh nil the store is listed. Surviving names keep their nodes.
// When both added and removed are given, the node that was at removed is
// moved to added, so a rename keeps its identity; a name equal to removed
// that is still listed gets a new node. Removed nodes and their subtrees
// become invalid. Events are fired only if fire is set and the folder had
// been scanned before. Expected is reported on the hinted names.
func (t *Tree) Reconcile(ctx context.Context, folder *Node, fresh []string, added, removed string, fire, expected bool) error {
	ctx, end := t.dispatcher.Begin(ctx, events.Action{Priority: true})
	defer end()
	folder.scanMu.Lock()
	defer folder.scanMu.Unlock()
	return t.reconcileLocked(ctx, folder, fresh, added, removed, fire, expected)
}

// reconcileLocked requires folder.scanMu and an open priority action.
func (t *Tree) reconcileLocked(ctx context.Context, folder *Node, fresh []string, added, removed string, fire, expected bool) error {
	dir := folder.Path()
	if fresh == nil {
		listed, err := t.store.List(dir)
		if err != nil && !errors.Is(err, layerfs.ErrNotFound) {
			return layerfs.NewIOError("list", dir, err)
		}
		fresh = listed
		if listed != nil {
			folder.setKind(true)
		}
	}

	names := make([]string, 0, len(fresh))
	seen := make(map[string]struct{}, len(fresh))
	for _, name := range fresh {
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}

	renaming := added != "" && removed != "" && added != removed
	var (
		addedNames   []string
		removedNames []string
		removedIDs   []uint64
		survivors    []uint64
		moved        bool
		movedID      uint64
	)

	folder.mu.Lock()
	old, oldNames := folder.children, folder.names
	wasScanned := old != nil
	next := make(map[string]uint64, len(names))
	for _, name := range names {
		if renaming && name == added {
			if id, ok := old[removed]; ok {
				next[name] = id
				moved, movedID = true, id
				continue
			}
		}
		if renaming && name == removed {
			next[name] = 0
			addedNames = append(addedNames, name)
			continue
		}
		if id, ok := old[name]; ok {
			next[name] = id
			if id != 0 {
				survivors = append(survivors, id)
			}
			continue
		}
		next[name] = 0
		addedNames = append(addedNames, name)
	}
	for _, name := range oldNames {
		id := old[name]
		if moved && name == removed {
			continue
		}
		if nid, listed := next[name]; listed && nid == id && !(renaming && name == removed) {
			continue
		}
		removedNames = append(removedNames, name)
		removedIDs = append(removedIDs, id)
	}
	folder.children = next
	folder.names = names
	folder.mu.Unlock()

	if movedID != 0 {
		if n, ok := t.arena.Load(movedID); ok {
			n.mu.Lock()
			n.name = added
			n.mu.Unlock()
		}
	}

	removedNodes := make([]*Node, len(removedNames))
	for i, id := range removedIDs {
		if id == 0 {
			continue
		}
		if n, ok := t.arena.Load(id); ok {
			n.invalidate()
			removedNodes[i] = n
		}
	}

	t.logger.Debug().
		Str("path", dir).
		Int("added", len(addedNames)).
		Int("removed", len(removedNames)).
		Bool("fire", fire && wasScanned).
		Msg("Reconciled folder")

	if !fire || !wasScanned {
		return nil
	}

	for _, name := range addedNames {
		c := t.Child(folder, name)
		if c == nil {
			continue
		}
		kind := events.DataCreated
		if c.IsFolder() {
			kind = events.FolderCreated
		}
		t.fire(ctx, events.NewEvent(kind, c, expected && name == added), c)
	}
	for i, name := range removedNames {
		n := removedNodes[i]
		if n == nil {
			n = t.detached(folder, name)
		}
		t.fire(ctx, events.NewEvent(events.Deleted, n, expected && name == removed), n)
	}

	if added == "" && removed == "" && !t.store.ReadOnly() {
		for _, id := range survivors {
			c, ok := t.arena.Load(id)
			if !ok || c.kind.Load() != kindData {
				continue
			}
			if _, cached := c.CopyInfo(); !cached {
				continue
			}
			info, err := t.store.Stat(c.Path())
			if err != nil {
				continue
			}
			if c.Update(info) {
				t.fire(ctx, events.NewEvent(events.Changed, c, false), c)
			}
		}
	}
	return nil
}

// storeChanged reacts to out-of-band store changes by refreshing the
// affected cached folders in an asynchronous action.
func (t *Tree) storeChanged(paths []string) {
	ctx, end := t.dispatcher.Begin(context.Background(), events.Action{
		Token: storeChangeToken{t},
		Async: true,
	})
	defer end()

	if paths == nil {
		if err := t.RefreshAll(ctx); err != nil {
			t.logger.Warn().Err(err).Msg("Refresh after store change failed")
		}
		return
	}

	done := make(map[*Node]struct{})
	for _, p := range paths {
		folder := t.FindExisting(p)
		if folder == nil || !folder.scanned() {
			comps := splitPath(p)
			if len(comps) == 0 {
				continue
			}
			folder = t.FindExisting(joinComps(comps[:len(comps)-1]))
		}
		if folder == nil || !folder.scanned() {
			continue
		}
		if _, ok := done[folder]; ok {
			continue
		}
		done[folder] = struct{}{}
		if err := t.Refresh(ctx, folder); err != nil {
			t.logger.Warn().Err(err).Str("path", p).Msg("Refresh after store change failed")
		}
	}
}

func joinComps(comps []string) string {
	out := ""
	for _, c := range comps {
		out = joinPath(out, c)
	}
	return out
}
