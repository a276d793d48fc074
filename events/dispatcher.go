package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/brettbedarf/layerfs/config"
	"github.com/brettbedarf/layerfs/internal/util"
	"github.com/google/uuid"
)

// Target is one listener registry an event is delivered to.
type Target struct {
	// Source is reported as [Event.Source] to this registry's listeners
	Source    Subject
	Listeners *Registry
	// RecursiveOnly restricts delivery to listeners registered with [Recursive]
	RecursiveOnly bool
}

// Request is a single event together with everything that should hear it.
type Request struct {
	Event   *Event
	Targets []Target

	priorityDone bool // priority listeners already received it
}

// Action describes an atomic action passed to [Dispatcher.Begin].
type Action struct {
	// Token identifies the action for [Event.FiredFrom]; compared by identity
	Token any
	// Priority marks actions started by the core itself
	Priority bool
	// Async routes the batch to the background queue when the outermost
	// action ends, instead of delivering on the caller's goroutine
	Async bool
}

type deliveryMode uint8

const (
	deliverAll deliveryMode = iota
	deliverPriority
	deliverRest
)

type sessionKey struct{}

// session is the batching state of one execution context. It travels in a
// context.Context and must not be shared by goroutines running independent
// work; concurrent use is memory safe but the actions would merge.
type session struct {
	mu            sync.Mutex
	depth         int
	priorityDepth int
	queue         []*Request
	scope         *Scope
}

// Dispatcher delivers events to registries and implements atomic actions.
// Batching state is never global: it lives in the context handed back by
// [Dispatcher.Begin].
type Dispatcher struct {
	async  *asyncQueue
	logger util.Logger
}

func NewDispatcher(cfg *config.Config) *Dispatcher {
	d := &Dispatcher{logger: util.GetLogger("Dispatcher")}
	d.async = newAsyncQueue(cfg.AsyncDelay, cfg.AsyncMaxDelay, d.deliverBatch)
	return d
}

func sessionFrom(ctx context.Context) *session {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(sessionKey{}).(*session)
	return s
}

// CurrentScope returns the innermost open atomic action scope of ctx, or nil.
func CurrentScope(ctx context.Context) *Scope {
	s := sessionFrom(ctx)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scope
}

// Begin opens an atomic action. Events dispatched with the returned context
// are held back until the matching end function runs for the outermost
// action. The end function is idempotent; defer it.
func (d *Dispatcher) Begin(ctx context.Context, a Action) (context.Context, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	s := sessionFrom(ctx)
	if s == nil {
		s = &session{}
		ctx = context.WithValue(ctx, sessionKey{}, s)
	}

	s.mu.Lock()
	scope := &Scope{
		ID:       uuid.New(),
		Token:    a.Token,
		Parent:   s.scope,
		Priority: a.Priority,
		Async:    a.Async || (s.scope != nil && s.scope.Async),
	}
	s.scope = scope
	if s.depth == 0 {
		s.queue = make([]*Request, 0, 8)
	}
	s.depth++
	if a.Priority {
		s.priorityDepth++
	}
	s.mu.Unlock()

	d.logger.Trace().Str("scope", scope.ID.String()).Bool("priority", a.Priority).Msg("Atomic action begun")

	var once sync.Once
	return ctx, func() {
		once.Do(func() { d.end(s, scope, a.Priority) })
	}
}

// Run executes fn as an atomic action. The action is closed, and queued
// events delivered, even when fn returns an error. Partial mutations made
// by fn are not rolled back.
func (d *Dispatcher) Run(ctx context.Context, a Action, fn func(ctx context.Context) error) error {
	ctx, end := d.Begin(ctx, a)
	defer end()
	return fn(ctx)
}

func (d *Dispatcher) end(s *session, scope *Scope, priority bool) {
	s.mu.Lock()
	s.scope = scope.Parent
	s.depth--
	if priority {
		s.priorityDepth--
	}

	switch {
	case s.depth == 0:
		drained := s.queue
		s.queue = nil
		s.mu.Unlock()
		d.logger.Trace().Str("scope", scope.ID.String()).Int("requests", len(drained)).Msg("Outermost atomic action ended")
		d.flushSession(drained)

	case priority && s.priorityDepth == 0:
		drained := s.queue
		s.queue = make([]*Request, 0, len(drained))
		s.mu.Unlock()

		for _, req := range drained {
			if req.priorityDone {
				continue
			}
			req.priorityDone = true
			d.deliver(req, deliverPriority)
		}

		s.mu.Lock()
		s.queue = append(drained, s.queue...)
		s.mu.Unlock()

	default:
		s.mu.Unlock()
	}
}

// flushSession sends a drained queue to the async worker or delivers it inline.
func (d *Dispatcher) flushSession(drained []*Request) {
	if len(drained) == 0 {
		return
	}
	var inline, async []*Request
	for _, req := range drained {
		if req.Event.scope != nil && req.Event.scope.Async {
			async = append(async, req)
		} else {
			inline = append(inline, req)
		}
	}
	if len(async) > 0 {
		d.async.push(async)
	}
	d.deliverBatch(inline)
}

// Dispatch delivers req, or queues it when ctx carries an open atomic action.
// Priority listeners receive it immediately unless a priority action is
// open. Reports whether full delivery was deferred.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) bool {
	s := sessionFrom(ctx)
	if s == nil {
		d.deliverBatch([]*Request{req})
		return false
	}

	s.mu.Lock()
	if s.depth == 0 {
		s.mu.Unlock()
		d.deliverBatch([]*Request{req})
		return false
	}
	if req.Event.scope == nil {
		req.Event.scope = s.scope
	}
	if isDuplicate(s.queue, req) {
		s.mu.Unlock()
		return true
	}
	immediate := s.priorityDepth == 0
	if immediate {
		req.priorityDone = true
	}
	s.queue = append(s.queue, req)
	s.mu.Unlock()

	if immediate {
		d.deliver(req, deliverPriority)
	}
	return true
}

// isDuplicate folds repeated content-change notifications for one file
// within a batch.
func isDuplicate(queue []*Request, req *Request) bool {
	if req.Event.Kind != Changed {
		return false
	}
	for _, q := range queue {
		if q.Event.Kind == Changed && q.Event.File == req.Event.File && len(q.Targets) == len(req.Targets) {
			return true
		}
	}
	return false
}

// deliverBatch performs full delivery of reqs and then runs their
// deduplicated post-delivery actions.
func (d *Dispatcher) deliverBatch(reqs []*Request) {
	if len(reqs) == 0 {
		return
	}
	for _, req := range reqs {
		if req.priorityDone {
			d.deliver(req, deliverRest)
		} else {
			d.deliver(req, deliverAll)
		}
	}

	seen := make(map[string]struct{})
	for _, req := range reqs {
		if req.Event.post == nil {
			continue
		}
		for _, pa := range req.Event.post.take() {
			if _, ok := seen[pa.key]; ok {
				continue
			}
			seen[pa.key] = struct{}{}
			d.runSafely(pa.key, pa.fn)
		}
	}
}

func (d *Dispatcher) deliver(req *Request, mode deliveryMode) {
	for _, tgt := range req.Targets {
		if tgt.Listeners == nil {
			continue
		}
		for _, e := range tgt.Listeners.snapshot() {
			if tgt.RecursiveOnly && !e.recursive {
				continue
			}
			if (mode == deliverPriority && !e.priority) || (mode == deliverRest && e.priority) {
				continue
			}
			ev := *req.Event
			if tgt.Source != nil {
				ev.Source = tgt.Source
			}
			d.invoke(e.listener, &ev)
		}
	}
}

// invoke isolates listener failures so the remaining listeners still run.
func (d *Dispatcher) invoke(l Listener, ev *Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Str("event", ev.String()).
				Str("panic", fmt.Sprint(r)).
				Msg("Listener failed during event delivery")
		}
	}()
	l.FileEvent(ev)
}

func (d *Dispatcher) runSafely(key string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Str("key", key).Str("panic", fmt.Sprint(r)).Msg("Post-delivery action failed")
		}
	}()
	fn()
}

// Flush delivers everything waiting in the async queue and blocks until
// the worker is idle. Must not be called from a listener.
func (d *Dispatcher) Flush() {
	d.async.flush()
}

// Close flushes and stops the async worker. Later async requests are
// delivered synchronously.
func (d *Dispatcher) Close() {
	d.async.close()
}
