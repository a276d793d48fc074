package filesystem

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/brettbedarf/layerfs"
	"github.com/brettbedarf/layerfs/adapters"
	"github.com/brettbedarf/layerfs/events"
	"github.com/brettbedarf/layerfs/internal/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenario_CreateCreateDelete(t *testing.T) {
	t.Parallel()
	tree, _ := newMemTree(t)
	rec := &recorder{}
	tree.AddListener(rec)
	ctx := context.Background()

	a, err := tree.CreateFolder(ctx, tree.Root(), "a")
	require.NoError(t, err)
	b, err := tree.CreateData(ctx, a, "b.txt")
	require.NoError(t, err)
	require.NoError(t, tree.Delete(ctx, b))

	assert.Equal(t, []string{
		"FolderCreated:a",
		"DataCreated:a/b.txt",
		"Deleted:a/b.txt",
	}, rec.summary())
	for _, ev := range rec.snapshot() {
		assert.True(t, ev.Expected)
	}

	children := tree.Children(tree.Root())
	require.Len(t, children, 1)
	assert.Same(t, a, children[0])
	assert.Empty(t, tree.Children(a))
	assert.False(t, b.IsValid())
}

func TestReconcile_AddedAndRemoved(t *testing.T) {
	t.Parallel()
	tree, _ := newMemTree(t, "a", "b", "c")
	root := tree.Root()
	before := tree.Children(root)
	require.Len(t, before, 3)
	a, b, c := before[0], before[1], before[2]

	rec := &recorder{}
	root.AddListener(rec)
	require.NoError(t, tree.Reconcile(context.Background(), root, []string{"b", "", "c", "d"}, "", "", true, false))

	assert.Equal(t, []string{"DataCreated:d", "Deleted:a"}, rec.summary())
	assert.False(t, a.IsValid())
	assert.Same(t, b, tree.Find("b"))
	assert.Same(t, c, tree.Find("c"))
	for _, ev := range rec.snapshot() {
		assert.False(t, ev.Expected)
		assert.Same(t, root, ev.Source)
	}
}

func TestRefresh_DetectsExternalChanges(t *testing.T) {
	t.Parallel()
	tree, store := newMemTree(t, "a", "keep.txt")
	root := tree.Root()
	keep := tree.Find("keep.txt")
	_, err := keep.Stat()
	require.NoError(t, err)
	rec := &recorder{}
	tree.AddListener(rec)

	require.NoError(t, store.Fs().Remove("/a"))
	seed(t, store, "new/", "")
	seed(t, store, "keep.txt", "grown")

	require.NoError(t, tree.Refresh(context.Background(), root))

	assert.ElementsMatch(t, []string{"FolderCreated:new", "Deleted:a", "Changed:keep.txt"}, rec.summary())
	info, _ := keep.Stat()
	assert.Equal(t, int64(5), info.Size)
}

func TestRefresh_FirstScanFiresNothing(t *testing.T) {
	t.Parallel()
	tree, _ := newMemTree(t, "a", "b")
	rec := &recorder{}
	tree.AddListener(rec)

	require.NoError(t, tree.Refresh(context.Background(), tree.Root()))
	assert.Empty(t, rec.snapshot())
	assert.Len(t, tree.Children(tree.Root()), 2)
}

func TestRefreshRecursive(t *testing.T) {
	t.Parallel()
	tree, store := newMemTree(t, "top/mid/leaf.txt")
	tree.Find("top/mid/leaf.txt")
	rec := &recorder{}
	tree.Find("top").AddListener(rec, events.Recursive)

	seed(t, store, "top/mid/other.txt", "")
	require.NoError(t, tree.RefreshAll(context.Background()))

	evs := rec.snapshot()
	require.Len(t, evs, 1)
	assert.Equal(t, "top/mid/other.txt", evs[0].File.Path())
	assert.Equal(t, "top", evs[0].Source.Path())
}

func TestRunAtomic_SuspendsAndPriority(t *testing.T) {
	t.Parallel()
	tree, _ := newMemTree(t)
	normal, prio := &recorder{}, &recorder{}
	tree.AddListener(normal)
	tree.AddListener(prio, events.Priority)
	token := &struct{ name string }{"writer"}

	err := tree.RunAtomic(context.Background(), token, func(ctx context.Context) error {
		_, err := tree.CreateData(ctx, tree.Root(), "x.txt")
		require.NoError(t, err)
		assert.Len(t, prio.snapshot(), 1, "priority listener hears once the internal action ends")
		assert.Empty(t, normal.snapshot(), "suspended until the atomic action returns")
		return nil
	})
	require.NoError(t, err)

	evs := normal.snapshot()
	require.Len(t, evs, 1)
	assert.True(t, evs[0].FiredFrom(token))
	assert.Len(t, prio.snapshot(), 1)
}

func TestRename_KeepsIdentity(t *testing.T) {
	t.Parallel()
	tree, store := newMemTree(t, "a.txt")
	ctx := context.Background()
	n := tree.Find("a.txt")
	require.NoError(t, tree.WriteAttr(ctx, n, "weight", 2))
	rec := &recorder{}
	tree.AddListener(rec)

	require.NoError(t, tree.Rename(ctx, n, "b.txt"))

	assert.Same(t, n, tree.Find("b.txt"))
	assert.Nil(t, tree.Find("a.txt"))
	assert.Equal(t, "b.txt", n.Name())
	assert.True(t, n.IsValid())

	evs := rec.snapshot()
	require.Len(t, evs, 1)
	assert.Equal(t, events.Renamed, evs[0].Kind)
	assert.Equal(t, "a", evs[0].OldName)
	assert.Equal(t, "txt", evs[0].OldExt)

	v, err := store.ReadAttr("b.txt", "weight")
	require.NoError(t, err)
	assert.Equal(t, 2, v, "attributes follow the rename")
}

func TestReconcile_RenameHintKeepsIdentity(t *testing.T) {
	t.Parallel()
	tree, store := newMemTree(t, "a.txt")
	n := tree.Find("a.txt")
	rec := &recorder{}
	tree.AddListener(rec)

	require.NoError(t, store.Fs().Rename("/a.txt", "/b.txt"))
	require.NoError(t, tree.Reconcile(context.Background(), tree.Root(), nil, "b.txt", "a.txt", true, false))

	assert.Same(t, n, tree.Find("b.txt"))
	assert.Empty(t, rec.snapshot(), "a correlated rename is neither a create nor a delete")
}

func TestRename_Vetoed(t *testing.T) {
	t.Parallel()
	tree, _ := newMemTree(t, "a.txt")
	n := tree.Find("a.txt")
	tree.AddVetoListener(VetoFunc(func(_ *Node, property string, _, newValue any) error {
		if property == PropName && newValue == "forbidden.txt" {
			return errors.New("name is reserved")
		}
		return nil
	}))

	err := tree.Rename(context.Background(), n, "forbidden.txt")
	require.ErrorIs(t, err, layerfs.ErrVetoed)
	assert.Equal(t, "name is reserved", layerfs.UserMessage(err))
	assert.Same(t, n, tree.Find("a.txt"))

	require.NoError(t, tree.Rename(context.Background(), n, "fine.txt"))
}

func TestMutations_Errors(t *testing.T) {
	t.Parallel()
	tree, _ := newMemTree(t, "a.txt", "dir/")
	ctx := context.Background()
	a := tree.Find("a.txt")

	_, err := tree.CreateData(ctx, tree.Root(), "a.txt")
	assert.ErrorIs(t, err, layerfs.ErrAlreadyExists)
	_, err = tree.CreateData(ctx, a, "child")
	assert.ErrorIs(t, err, layerfs.ErrInvalidState, "data files have no children")
	_, err = tree.CreateFolder(ctx, tree.Root(), "bad/name")
	assert.ErrorIs(t, err, layerfs.ErrInvalidState)
	assert.ErrorIs(t, tree.Rename(ctx, a, "dir"), layerfs.ErrAlreadyExists)
	assert.ErrorIs(t, tree.Delete(ctx, tree.Root()), layerfs.ErrInvalidState)

	require.NoError(t, tree.Delete(ctx, a))
	assert.ErrorIs(t, tree.Delete(ctx, a), layerfs.ErrInvalidState)
	assert.ErrorIs(t, tree.Rename(ctx, a, "z"), layerfs.ErrInvalidState)
}

func TestDelete_InvalidatesSubtree(t *testing.T) {
	t.Parallel()
	tree, _ := newMemTree(t, "dir/sub/f.txt")
	dir := tree.Find("dir")
	f := tree.Find("dir/sub/f.txt")

	require.NoError(t, tree.Delete(context.Background(), dir))

	assert.False(t, dir.IsValid())
	assert.False(t, f.IsValid())
	assert.Nil(t, tree.Find("dir"))
}

func TestReadOnlyStore_RejectsCreate(t *testing.T) {
	t.Parallel()
	tree := NewTree(adapters.NewMemStore("ro", adapters.WithReadOnly()), createTestConfig())
	t.Cleanup(tree.Close)

	_, err := tree.CreateData(context.Background(), tree.Root(), "x")
	assert.ErrorIs(t, err, layerfs.ErrReadOnly)
}

func TestStoreFailure_WrappedAsIOError(t *testing.T) {
	t.Parallel()
	store := &mocks.MockStore{}
	store.On("DisplayName").Return("mock")
	store.On("ReadOnly").Return(false)
	store.On("List", "").Return([]string{}, nil)
	store.On("CreateData", "x").Return(errors.New("disk full"))
	tree := NewTree(store, createTestConfig())
	t.Cleanup(tree.Close)

	_, err := tree.CreateData(context.Background(), tree.Root(), "x")

	var ioErr *layerfs.IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, `Cannot create data "x".`, layerfs.UserMessage(err))
	assert.Contains(t, err.Error(), "disk full")
	store.AssertExpectations(t)
}

func TestListFailure_LookupReturnsNil(t *testing.T) {
	t.Parallel()
	store := &mocks.MockStore{}
	store.On("DisplayName").Return("mock")
	store.On("List", "").Return(nil, errors.New("io"))
	tree := NewTree(store, createTestConfig())
	t.Cleanup(tree.Close)

	assert.Nil(t, tree.Find("anything"))
	assert.False(t, tree.Root().scanned(), "failed scans are retried later")
}

func TestEmptyListing_CountsAsScanned(t *testing.T) {
	t.Parallel()
	store := &mocks.MockStore{}
	store.On("DisplayName").Return("mock")
	store.On("List", "").Return([]string{}, nil)
	tree := NewTree(store, createTestConfig())
	t.Cleanup(tree.Close)

	assert.Nil(t, tree.Find("a"))
	assert.Nil(t, tree.Find("b"))
	assert.Empty(t, tree.Children(tree.Root()))
	assert.True(t, tree.Root().scanned())
	store.AssertNumberOfCalls(t, "List", 1)

	require.NoError(t, tree.Refresh(context.Background(), tree.Root()))
	store.AssertNumberOfCalls(t, "List", 2)
}

func TestWriteAttr_FiresAttributeChanged(t *testing.T) {
	t.Parallel()
	tree, _ := newMemTree(t, "f")
	ctx := context.Background()
	n := tree.Find("f")
	rec := &recorder{}
	n.AddListener(rec)

	require.NoError(t, tree.WriteAttr(ctx, n, "weight", 3))
	require.NoError(t, tree.WriteAttr(ctx, n, "weight", 3))
	require.NoError(t, tree.WriteAttr(ctx, n, "weight", nil))

	evs := rec.snapshot()
	require.Len(t, evs, 2, "unchanged value fires nothing")
	assert.Equal(t, events.AttributeChanged, evs[0].Kind)
	assert.Nil(t, evs[0].OldValue)
	assert.Equal(t, 3, evs[0].NewValue)
	assert.Equal(t, 3, evs[1].OldValue)
	assert.Nil(t, evs[1].NewValue)

	keys, err := tree.AttrKeys(n)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestStreams_Locking(t *testing.T) {
	t.Parallel()
	tree, _ := newMemTree(t, "f.txt")
	ctx := context.Background()
	n := tree.Find("f.txt")
	rec := &recorder{}
	tree.AddListener(rec)

	_, err := tree.OpenWrite(ctx, n, nil)
	assert.ErrorIs(t, err, layerfs.ErrInvalidState, "writing requires the lock token")

	tok, err := tree.Lock(n)
	require.NoError(t, err)
	_, err = tree.Lock(n)
	assert.ErrorIs(t, err, layerfs.ErrAlreadyLocked)

	w, err := tree.OpenWrite(ctx, n, tok)
	require.NoError(t, err)
	_, err = tree.OpenRead(n)
	assert.ErrorIs(t, err, layerfs.ErrAlreadyLocked, "reads wait for the writer")
	assert.ErrorIs(t, tree.Delete(ctx, n), layerfs.ErrAlreadyLocked)

	_, err = io.WriteString(w, "hello")
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "second close is harmless")

	r, err := tree.OpenRead(n)
	require.NoError(t, err)
	_, err = tree.OpenWrite(ctx, n, tok)
	assert.ErrorIs(t, err, layerfs.ErrAlreadyLocked, "writes wait for readers")
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "hello", string(data))

	tok.Close()
	tok.Close()
	_, err = tree.OpenWrite(ctx, n, tok)
	assert.ErrorIs(t, err, layerfs.ErrInvalidState, "closed token no longer grants writes")
	tok2, err := tree.Lock(n)
	require.NoError(t, err)
	tok2.Close()

	assert.Equal(t, []string{"Changed:f.txt"}, rec.summary())
	info, _ := n.Stat()
	assert.Equal(t, int64(5), info.Size)
}

func TestLock_NativeStoreLocking(t *testing.T) {
	t.Parallel()
	store := &mocks.MockLockingStore{}
	store.On("DisplayName").Return("mock")
	store.On("List", "").Return([]string{"f", "g"}, nil)
	store.On("Lock", "f").Return(nil).Once()
	store.On("Unlock", "f").Return().Once()
	store.On("Lock", "g").Return(errors.New("held elsewhere"))
	tree := NewTree(store, createTestConfig())
	t.Cleanup(tree.Close)

	tok, err := tree.Lock(tree.Find("f"))
	require.NoError(t, err)
	assert.Same(t, tree.Find("f"), tok.Node())
	tok.Close()

	g := tree.Find("g")
	_, err = tree.Lock(g)
	require.Error(t, err)
	assert.False(t, g.stream.busy(), "failed native lock releases the node")
	store.AssertExpectations(t)
	store.AssertNumberOfCalls(t, "Unlock", 1)
}

// notifyingStore reports out-of-band changes like an overlay does.
type notifyingStore struct {
	*adapters.AferoStore
	changed func(paths []string)
}

func (s *notifyingStore) OnChange(fn func(paths []string)) {
	s.changed = fn
}

func TestStoreChange_RefreshesAsynchronously(t *testing.T) {
	t.Parallel()
	store := &notifyingStore{AferoStore: adapters.NewMemStore("n")}
	seed(t, store.AferoStore, "dir/a.txt", "")
	tree := NewTree(store, createTestConfig())
	t.Cleanup(tree.Close)
	require.NotNil(t, store.changed)
	require.Len(t, tree.Children(tree.Find("dir")), 1)
	rec := &recorder{}
	tree.AddListener(rec)

	seed(t, store.AferoStore, "dir/b.txt", "")
	store.changed([]string{"dir/b.txt"})
	tree.Dispatcher().Flush()

	evs := rec.snapshot()
	require.Len(t, evs, 1)
	assert.Equal(t, "DataCreated:dir/b.txt", evs[0].Kind.String()+":"+evs[0].File.Path())
	assert.True(t, evs[0].Scope().Async)
	assert.True(t, evs[0].FiredFrom(storeChangeToken{tree}))

	seed(t, store.AferoStore, "dir/c.txt", "")
	store.changed(nil)
	tree.Dispatcher().Flush()
	assert.Len(t, rec.snapshot(), 2)
}

func TestMockStore_StatDrivesKind(t *testing.T) {
	t.Parallel()
	store := &mocks.MockStore{}
	store.On("DisplayName").Return("mock")
	store.On("List", "").Return([]string{"d"}, nil)
	store.On("Stat", "d").Return(&layerfs.FileInfo{IsFolder: true}, nil).Once()
	tree := NewTree(store, createTestConfig())
	t.Cleanup(tree.Close)

	d := tree.Find("d")
	assert.True(t, d.IsFolder())
	assert.True(t, d.IsFolder(), "kind is cached")
	store.AssertNumberOfCalls(t, "Stat", 1)
}
