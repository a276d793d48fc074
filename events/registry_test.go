package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_AddRemove(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	id1 := reg.Add(&recorder{})
	id2 := reg.Add(&recorder{}, Priority, Recursive)

	assert.NotEqual(t, id1, id2)
	assert.Equal(t, 2, reg.Len())
	entries := reg.snapshot()
	assert.False(t, entries[0].priority)
	assert.True(t, entries[1].priority)
	assert.True(t, entries[1].recursive)

	assert.True(t, reg.Remove(id1))
	assert.False(t, reg.Remove(id1))
	assert.Equal(t, 1, reg.Len())
}

func TestRegistry_SnapshotUnaffectedByLaterChanges(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	id := reg.Add(&recorder{})
	snap := reg.snapshot()

	reg.Remove(id)
	reg.Add(&recorder{})
	reg.Add(&recorder{})

	assert.Len(t, snap, 1)
	assert.Equal(t, id, snap[0].id)
}

func TestRegistry_NilLen(t *testing.T) {
	var reg *Registry
	assert.Equal(t, 0, reg.Len())
}

func TestEvent_String(t *testing.T) {
	t.Parallel()
	ev := NewEvent(Renamed, testFile("dir/new.txt"), true)
	ev.OldName = "old"
	ev.OldExt = "txt"
	assert.Equal(t, "Renamed[dir/new.txt, old=old.txt, expected]", ev.String())

	attr := NewEvent(AttributeChanged, testFile("f"), false)
	attr.Attr = "position"
	attr.OldValue = 100
	attr.NewValue = 200
	attr.Source = testFile("")
	assert.Equal(t, "AttributeChanged[f, attr=position, old=100, new=200, source=]", attr.String())

	assert.Equal(t, "Kind(42)", Kind(42).String())
}

func TestScope_Within(t *testing.T) {
	t.Parallel()
	token := &struct{ n int }{}
	outer := &Scope{Token: token}
	inner := &Scope{Parent: outer, Token: []int{1}} // uncomparable token must not panic

	assert.True(t, inner.Within(token))
	assert.False(t, inner.Within(&struct{ n int }{}))
	assert.False(t, (*Scope)(nil).Within(token))
	assert.Equal(t, 2, inner.Depth())
}
