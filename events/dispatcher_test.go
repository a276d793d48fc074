package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/brettbedarf/layerfs/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testFile string

func (f testFile) Path() string { return string(f) }

// recorder collects delivered events in order.
type recorder struct {
	mu     sync.Mutex
	events []*Event
}

func (r *recorder) FileEvent(ev *Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]Kind, len(r.events))
	for i, ev := range r.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.AsyncDelay = 10 * time.Millisecond
	cfg.AsyncMaxDelay = 50 * time.Millisecond
	d := NewDispatcher(cfg)
	t.Cleanup(d.Close)
	return d
}

func request(kind Kind, path string, reg *Registry) *Request {
	return &Request{
		Event:   NewEvent(kind, testFile(path), true),
		Targets: []Target{{Listeners: reg}},
	}
}

func TestDispatch_NoActionDeliversImmediately(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t)
	reg := NewRegistry()
	rec := &recorder{}
	reg.Add(rec)

	deferred := d.Dispatch(context.Background(), request(DataCreated, "a.txt", reg))

	assert.False(t, deferred)
	assert.Equal(t, 1, rec.count())
}

func TestDispatch_SuspendedUntilOutermostEnds(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t)
	reg := NewRegistry()
	rec := &recorder{}
	reg.Add(rec)

	ctx, endOuter := d.Begin(context.Background(), Action{})
	inner, endInner := d.Begin(ctx, Action{})

	assert.True(t, d.Dispatch(inner, request(FolderCreated, "a", reg)))
	assert.True(t, d.Dispatch(ctx, request(DataCreated, "a/b.txt", reg)))
	endInner()
	assert.Equal(t, 0, rec.count(), "inner end must not deliver")

	endOuter()
	assert.Equal(t, []Kind{FolderCreated, DataCreated}, rec.kinds())

	endOuter() // idempotent
	assert.Equal(t, 2, rec.count())
}

func TestDispatch_PriorityListenerSeesEventsEarly(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t)
	reg := NewRegistry()
	prio, normal := &recorder{}, &recorder{}
	reg.Add(prio, Priority)
	reg.Add(normal)

	ctx, endUser := d.Begin(context.Background(), Action{})
	pctx, endCore := d.Begin(ctx, Action{Priority: true})
	d.Dispatch(pctx, request(Deleted, "x", reg))
	assert.Equal(t, 0, prio.count(), "held while priority action open")

	endCore()
	assert.Equal(t, 1, prio.count(), "priority listener notified when core action closes")
	assert.Equal(t, 0, normal.count())

	// fired outside any priority action goes straight to priority listeners
	d.Dispatch(ctx, request(Deleted, "y", reg))
	assert.Equal(t, 2, prio.count())

	endUser()
	assert.Equal(t, 2, prio.count(), "priority listeners are not notified twice")
	assert.Equal(t, 2, normal.count())
}

func TestDispatch_FiredFrom(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t)
	reg := NewRegistry()
	rec := &recorder{}
	reg.Add(rec)

	token := &struct{ name string }{"mine"}
	other := &struct{ name string }{"other"}

	err := d.Run(context.Background(), Action{Token: token}, func(ctx context.Context) error {
		return d.Run(ctx, Action{Priority: true}, func(ctx context.Context) error {
			d.Dispatch(ctx, request(Changed, "f", reg))
			return nil
		})
	})
	require.NoError(t, err)
	require.Equal(t, 1, rec.count())

	ev := rec.events[0]
	assert.True(t, ev.FiredFrom(token))
	assert.False(t, ev.FiredFrom(other))
	assert.False(t, ev.FiredFrom(nil))
	assert.Equal(t, 2, ev.Scope().Depth())
}

func TestRun_DeliversOnError(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t)
	reg := NewRegistry()
	rec := &recorder{}
	reg.Add(rec)

	err := d.Run(context.Background(), Action{}, func(ctx context.Context) error {
		d.Dispatch(ctx, request(DataCreated, "partial", reg))
		return assert.AnError
	})

	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, rec.count())
}

func TestDispatch_ListenerPanicIsolated(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t)
	reg := NewRegistry()
	rec := &recorder{}
	reg.Add(ListenerFunc(func(*Event) { panic("boom") }))
	reg.Add(rec)

	assert.NotPanics(t, func() {
		d.Dispatch(context.Background(), request(Changed, "f", reg))
	})
	assert.Equal(t, 1, rec.count())
}

func TestDispatch_ChangedDeduplicatedInBatch(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t)
	reg := NewRegistry()
	rec := &recorder{}
	reg.Add(rec)

	_ = d.Run(context.Background(), Action{}, func(ctx context.Context) error {
		f := testFile("same")
		for range 3 {
			d.Dispatch(ctx, &Request{Event: NewEvent(Changed, f, true), Targets: []Target{{Listeners: reg}}})
		}
		d.Dispatch(ctx, request(Changed, "other", reg))
		return nil
	})

	assert.Equal(t, 2, rec.count())
}

func TestDispatch_PostActionsRunOncePerBatch(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t)
	reg := NewRegistry()
	var order []string
	reg.Add(ListenerFunc(func(ev *Event) {
		order = append(order, "listener:"+ev.File.Path())
		ev.RunWhenDeliveryOver("refresh-view", func() { order = append(order, "post") })
	}))

	_ = d.Run(context.Background(), Action{}, func(ctx context.Context) error {
		d.Dispatch(ctx, request(DataCreated, "a", reg))
		d.Dispatch(ctx, request(DataCreated, "b", reg))
		return nil
	})

	assert.Equal(t, []string{"listener:a", "listener:b", "post"}, order)
}

func TestDispatch_TargetSourceAndRecursiveOnly(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t)
	direct, ancestor := NewRegistry(), NewRegistry()
	plain, recursive, parentRec := &recorder{}, &recorder{}, &recorder{}
	ancestor.Add(plain)
	ancestor.Add(recursive, Recursive)
	direct.Add(parentRec)

	d.Dispatch(context.Background(), &Request{
		Event: NewEvent(DataCreated, testFile("top/mid/leaf"), false),
		Targets: []Target{
			{Source: testFile("top/mid"), Listeners: direct},
			{Source: testFile("top"), Listeners: ancestor, RecursiveOnly: true},
		},
	})

	assert.Equal(t, 0, plain.count())
	require.Equal(t, 1, recursive.count())
	assert.Equal(t, "top", recursive.events[0].Source.Path())
	require.Equal(t, 1, parentRec.count())
	assert.Equal(t, "top/mid", parentRec.events[0].Source.Path())
	assert.Equal(t, "top/mid/leaf", parentRec.events[0].File.Path())
}

func TestDispatch_AsyncActionDebounced(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t)
	reg := NewRegistry()
	rec := &recorder{}
	reg.Add(rec)

	for _, name := range []string{"a", "b", "c"} {
		_ = d.Run(context.Background(), Action{Async: true}, func(ctx context.Context) error {
			d.Dispatch(ctx, request(DataCreated, name, reg))
			return nil
		})
	}

	d.Flush()
	assert.Equal(t, 3, rec.count())
	for i, name := range []string{"a", "b", "c"} {
		assert.Equal(t, name, rec.events[i].File.Path(), "async delivery preserves order")
	}
}

func TestDispatch_AsyncDeliveredWithoutFlush(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t)
	reg := NewRegistry()
	rec := &recorder{}
	reg.Add(rec)

	_ = d.Run(context.Background(), Action{Async: true}, func(ctx context.Context) error {
		d.Dispatch(ctx, request(Changed, "late", reg))
		return nil
	})

	assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDispatch_AfterCloseIsSynchronous(t *testing.T) {
	t.Parallel()
	cfg := config.NewDefaultConfig()
	d := NewDispatcher(cfg)
	d.Close()
	reg := NewRegistry()
	rec := &recorder{}
	reg.Add(rec)

	_ = d.Run(context.Background(), Action{Async: true}, func(ctx context.Context) error {
		d.Dispatch(ctx, request(Changed, "f", reg))
		return nil
	})

	assert.Equal(t, 1, rec.count())
}

func TestCurrentScope(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t)

	assert.Nil(t, CurrentScope(context.Background()))
	ctx, end := d.Begin(context.Background(), Action{Token: "t"})
	scope := CurrentScope(ctx)
	require.NotNil(t, scope)
	assert.Equal(t, "t", scope.Token)
	end()
	assert.Nil(t, CurrentScope(ctx))
}
