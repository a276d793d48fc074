package filesystem

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/brettbedarf/layerfs"
	"github.com/brettbedarf/layerfs/adapters"
	"github.com/brettbedarf/layerfs/config"
	"github.com/brettbedarf/layerfs/events"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.LockWait = 20 * time.Millisecond
	cfg.AsyncDelay = 5 * time.Millisecond
	cfg.AsyncMaxDelay = 20 * time.Millisecond
	return cfg
}

// newMemTree returns a tree over a memory store seeded with files.
// Paths ending in "/" are created as folders.
func newMemTree(t *testing.T, files ...string) (*Tree, *adapters.AferoStore) {
	t.Helper()
	store := adapters.NewMemStore("test")
	for _, p := range files {
		seed(t, store, p, "")
	}
	tree := NewTree(store, createTestConfig())
	t.Cleanup(tree.Close)
	return tree, store
}

func seed(t *testing.T, store *adapters.AferoStore, p, content string) {
	t.Helper()
	if p[len(p)-1] == '/' {
		require.NoError(t, store.Fs().MkdirAll("/"+p, 0o755))
		return
	}
	require.NoError(t, afero.WriteFile(store.Fs(), "/"+p, []byte(content), 0o644))
}

// recorder collects delivered events.
type recorder struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *recorder) FileEvent(ev *events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []*events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*events.Event(nil), r.events...)
}

func (r *recorder) summary() []string {
	var out []string
	for _, ev := range r.snapshot() {
		out = append(out, ev.Kind.String()+":"+ev.File.Path())
	}
	return out
}

func TestFind_IdentityStable(t *testing.T) {
	t.Parallel()
	tree, _ := newMemTree(t, "docs/a.txt", "docs/sub/b.txt")

	first := tree.Find("docs/sub/b.txt")
	require.NotNil(t, first)
	assert.Same(t, first, tree.Find("docs/sub/b.txt"))
	assert.Same(t, first, tree.Find("/docs/./sub/b.txt"))
	assert.Same(t, first.Parent(), tree.Find("docs/sub"))
	assert.Equal(t, "docs/sub/b.txt", first.Path())
	assert.Equal(t, "txt", first.Ext())

	assert.Nil(t, tree.Find("docs/missing"))
	assert.Nil(t, tree.Find("docs/a.txt/deeper"))
	assert.Same(t, tree.Root(), tree.Find(""))
}

func TestFind_ConcurrentLookupsShareNodes(t *testing.T) {
	t.Parallel()
	tree, _ := newMemTree(t, "a/b/c.txt")

	var wg sync.WaitGroup
	found := make([]*Node, 16)
	for i := range found {
		wg.Go(func() {
			found[i] = tree.Find("a/b/c.txt")
		})
	}
	wg.Wait()

	for _, n := range found {
		assert.Same(t, found[0], n)
	}
}

func TestFindFrom_DotDotDoesNotScan(t *testing.T) {
	t.Parallel()
	tree, _ := newMemTree(t, "a/b.txt", "c/")

	b := tree.Find("a/b.txt")
	require.NotNil(t, b)
	assert.Same(t, tree.Find("c"), tree.FindFrom(b, []string{"..", "..", "c"}))
	assert.Nil(t, tree.FindFrom(tree.Root(), []string{".."}))
}

func TestFindExisting_NeverCreates(t *testing.T) {
	t.Parallel()
	tree, _ := newMemTree(t, "a/b.txt")

	assert.Nil(t, tree.FindExisting("a/b.txt"))
	assert.False(t, tree.Root().scanned(), "no scan forced")

	b := tree.Find("a/b.txt")
	assert.Same(t, b, tree.FindExisting("a/b.txt"))
	assert.Same(t, tree.Root(), tree.FindExisting(""))
}

func TestChild_CaseFallback(t *testing.T) {
	t.Parallel()
	store := adapters.NewMemStore("test")
	seed(t, store, "Readme.md", "")
	seed(t, store, "notes.TXT", "")

	strict := NewTree(store, createTestConfig())
	t.Cleanup(strict.Close)
	assert.Nil(t, strict.Find("readme.md"))

	cfg := createTestConfig()
	cfg.CaseFallback = true
	loose := NewTree(store, cfg)
	t.Cleanup(loose.Close)
	n := loose.Find("readme.md")
	require.NotNil(t, n)
	assert.Equal(t, "Readme.md", n.Name())
	assert.Same(t, n, loose.Find("Readme.md"))
	assert.Nil(t, loose.Find("notes.txt"), "only the first character is swapped")
}

func TestCaseFallback_CreateAndRenameUseExactNames(t *testing.T) {
	t.Parallel()
	store := adapters.NewMemStore("test")
	seed(t, store, "Readme.md", "")
	seed(t, store, "other", "")
	cfg := createTestConfig()
	cfg.CaseFallback = true
	tree := NewTree(store, cfg)
	t.Cleanup(tree.Close)
	ctx := context.Background()

	n, err := tree.CreateData(ctx, tree.Root(), "readme.md")
	require.NoError(t, err)
	assert.Equal(t, "readme.md", n.Name())
	assert.Same(t, n, tree.Find("readme.md"))
	assert.Equal(t, "Readme.md", tree.Find("Readme.md").Name())

	_, err = tree.CreateData(ctx, tree.Root(), "Readme.md")
	assert.ErrorIs(t, err, layerfs.ErrAlreadyExists)

	require.NoError(t, tree.Delete(ctx, n))
	other := tree.Find("other")
	require.NotNil(t, other)
	require.NoError(t, tree.Rename(ctx, other, "readme.md"))
	assert.Equal(t, "readme.md", other.Name())
}

func TestReplaceRoot_InvalidatesOldTree(t *testing.T) {
	t.Parallel()
	tree, _ := newMemTree(t, "a/b.txt")

	oldRoot := tree.Root()
	a := tree.Find("a")
	b := tree.Find("a/b.txt")
	require.True(t, b.IsValid())

	newRoot := tree.ReplaceRoot()

	assert.NotSame(t, oldRoot, newRoot)
	assert.True(t, newRoot.IsValid())
	assert.False(t, oldRoot.IsValid())
	assert.False(t, a.IsValid())
	assert.False(t, b.IsValid())

	fresh := tree.Find("a/b.txt")
	require.NotNil(t, fresh)
	assert.NotSame(t, b, fresh)
	assert.True(t, fresh.IsValid())
}

func TestEvict_RecreatesNode(t *testing.T) {
	t.Parallel()
	tree, _ := newMemTree(t, "docs/a.txt")

	docs := tree.Find("docs")
	a := tree.Find("docs/a.txt")
	assert.False(t, tree.Evict(docs), "folder with live child")
	assert.False(t, tree.Evict(tree.Root()))

	a.Retain()
	assert.False(t, tree.Evict(a), "retained")
	a.Release()

	id := a.AddListener(&recorder{})
	assert.False(t, tree.Evict(a), "has listeners")
	a.RemoveListener(id)

	require.True(t, tree.Evict(a))
	_, live := tree.Node(a.ID())
	assert.False(t, live)

	again := tree.Find("docs/a.txt")
	require.NotNil(t, again)
	assert.NotSame(t, a, again)
	assert.NotEqual(t, a.ID(), again.ID())
	assert.Same(t, again, tree.Find("docs/a.txt"))
}

func TestEvictUnreferenced_DeepestFirst(t *testing.T) {
	t.Parallel()
	tree, _ := newMemTree(t, "a/b/c.txt", "keep.txt")

	tree.Find("a/b/c.txt")
	keep := tree.Find("keep.txt").Retain()
	defer keep.Release()
	require.Equal(t, 5, tree.Size())

	assert.Equal(t, 3, tree.EvictUnreferenced())
	assert.Equal(t, 2, tree.Size(), "root and retained node stay")
	assert.Same(t, keep, tree.Find("keep.txt"))
}
