package filesystem

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/brettbedarf/layerfs"
	"github.com/brettbedarf/layerfs/events"
)

// LockToken is the exclusive lock on a node, required by
// [Tree.OpenWrite]. Close unwinds every release callback in reverse order.
//
// NOTE: LockToken itself is **not** thread-safe; do not share one between
// goroutines.
type LockToken struct {
	node     *Node
	closeFns []func()
}

// Node returns the locked node.
func (tok *LockToken) Node() *Node {
	return tok.node
}

// AddClose pushes a cleanup callback onto the end of the stack.
func (tok *LockToken) AddClose(fn func()) {
	tok.closeFns = append(tok.closeFns, fn)
}

// Close releases the lock. Safe to call on a nil or already closed token,
// so you can `defer tok.Close()` unconditionally.
func (tok *LockToken) Close() {
	if tok == nil {
		return
	}
	for i := len(tok.closeFns) - 1; i >= 0; i-- {
		tok.closeFns[i]()
	}
	tok.closeFns = nil
}

func (tok *LockToken) held(n *Node) bool {
	return tok != nil && tok.node == n && tok.closeFns != nil
}

// streamState tracks open streams and the lock of one node. Readers
// exclude writers and the other way round.
type streamState struct {
	mu      sync.Mutex
	readers int
	writing bool
	lock    *LockToken
	changed chan struct{} // closed and replaced on every release
}

func (s *streamState) init() {
	s.changed = make(chan struct{})
}

func (s *streamState) busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readers > 0 || s.writing || s.lock != nil
}

// open reports whether a reader or writer is outstanding.
func (s *streamState) open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readers > 0 || s.writing
}

// acquire waits up to wait for try to succeed.
func (s *streamState) acquire(wait time.Duration, try func() bool) bool {
	deadline := time.Now().Add(wait)
	for {
		s.mu.Lock()
		if try() {
			s.mu.Unlock()
			return true
		}
		ch := s.changed
		s.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
			return false
		}
	}
}

func (s *streamState) release(fn func()) {
	s.mu.Lock()
	fn()
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
}

// Lock takes the exclusive lock of n, waiting up to the configured lock
// wait for a current holder to release it. Stores implementing
// [layerfs.Locker] are locked too.
func (t *Tree) Lock(n *Node) (*LockToken, error) {
	if err := t.checkValid(n); err != nil {
		return nil, err
	}
	tok := &LockToken{node: n}
	ok := n.stream.acquire(t.cfg.LockWait, func() bool {
		if n.stream.lock != nil {
			return false
		}
		n.stream.lock = tok
		return true
	})
	if !ok {
		return nil, fmt.Errorf("%w: %s", layerfs.ErrAlreadyLocked, n.Path())
	}
	tok.AddClose(func() {
		n.stream.release(func() { n.stream.lock = nil })
	})

	if locker, ok := t.store.(layerfs.Locker); ok {
		p := n.Path()
		if err := locker.Lock(p); err != nil {
			tok.Close()
			return nil, layerfs.NewIOError("lock", p, err)
		}
		tok.AddClose(func() { locker.Unlock(p) })
	}
	return tok, nil
}

// OpenRead opens n for reading. It fails with [layerfs.ErrAlreadyLocked] if
// a writer does not finish within the configured lock wait.
func (t *Tree) OpenRead(n *Node) (io.ReadCloser, error) {
	if err := t.checkValid(n); err != nil {
		return nil, err
	}
	ok := n.stream.acquire(t.cfg.LockWait, func() bool {
		if n.stream.writing {
			return false
		}
		n.stream.readers++
		return true
	})
	if !ok {
		return nil, fmt.Errorf("%w: %s is being written", layerfs.ErrAlreadyLocked, n.Path())
	}
	done := func() { n.stream.release(func() { n.stream.readers-- }) }

	p := n.Path()
	rc, err := t.store.OpenRead(p)
	if err != nil {
		done()
		return nil, layerfs.NewIOError("read", p, err)
	}
	return &nodeReader{ReadCloser: rc, done: done}, nil
}

// OpenWrite opens n for writing; tok must be n's current lock. Closing the
// writer fires a content change.
func (t *Tree) OpenWrite(ctx context.Context, n *Node, tok *LockToken) (io.WriteCloser, error) {
	if err := t.checkValid(n); err != nil {
		return nil, err
	}
	if !tok.held(n) {
		return nil, fmt.Errorf("%w: writing %s requires its lock token", layerfs.ErrInvalidState, n.Path())
	}
	ok := n.stream.acquire(t.cfg.LockWait, func() bool {
		if n.stream.writing || n.stream.readers > 0 {
			return false
		}
		n.stream.writing = true
		return true
	})
	if !ok {
		return nil, fmt.Errorf("%w: %s has open streams", layerfs.ErrAlreadyLocked, n.Path())
	}
	done := func() { n.stream.release(func() { n.stream.writing = false }) }

	p := n.Path()
	wc, err := t.store.OpenWrite(p)
	if err != nil {
		done()
		return nil, layerfs.NewIOError("write", p, err)
	}
	return &nodeWriter{WriteCloser: wc, ctx: context.WithoutCancel(ctx), tree: t, node: n, done: done}, nil
}

type nodeReader struct {
	io.ReadCloser
	once sync.Once
	done func()
}

func (r *nodeReader) Close() error {
	err := r.ReadCloser.Close()
	r.once.Do(r.done)
	return err
}

type nodeWriter struct {
	io.WriteCloser
	ctx  context.Context
	tree *Tree
	node *Node
	once sync.Once
	done func()
}

func (w *nodeWriter) Close() error {
	err := w.WriteCloser.Close()
	w.once.Do(func() {
		w.done()
		w.node.setKind(false)
		if _, statErr := w.node.restat(); statErr != nil {
			w.tree.logger.Warn().Err(statErr).Str("path", w.node.Path()).Msg("Failed to stat written node")
		}
		w.tree.fire(w.ctx, events.NewEvent(events.Changed, w.node, true), w.node)
	})
	if err != nil {
		return layerfs.NewIOError("write", w.node.Path(), err)
	}
	return nil
}
