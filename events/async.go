package events

import (
	"sync"
	"time"
)

// asyncQueue delivers batches on one background goroutine, in arrival
// order. Every push restarts the debounce timer, but a pending request is
// never held longer than maxDelay.
type asyncQueue struct {
	mu          sync.Mutex
	idle        *sync.Cond
	pending     []*Request
	first       time.Time // arrival of the oldest pending request
	timer       *time.Timer
	outstanding int // batches accepted but not yet delivered
	closed      bool

	delay    time.Duration
	maxDelay time.Duration
	deliver  func([]*Request)

	signal chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

func newAsyncQueue(delay, maxDelay time.Duration, deliver func([]*Request)) *asyncQueue {
	q := &asyncQueue{
		delay:    delay,
		maxDelay: max(delay, maxDelay),
		deliver:  deliver,
		signal:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	q.idle = sync.NewCond(&q.mu)
	go q.run()
	return q
}

func (q *asyncQueue) run() {
	defer close(q.done)
	for {
		select {
		case <-q.signal:
			q.drain()
		case <-q.stop:
			q.drain()
			return
		}
	}
}

func (q *asyncQueue) push(reqs []*Request) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.deliver(reqs)
		return
	}
	now := time.Now()
	if len(q.pending) == 0 {
		q.outstanding++
		q.first = now
	}
	q.pending = append(q.pending, reqs...)

	wait := q.delay
	if deadline := q.first.Add(q.maxDelay); now.Add(wait).After(deadline) {
		wait = max(0, deadline.Sub(now))
	}
	if q.timer == nil {
		q.timer = time.AfterFunc(wait, q.wake)
	} else {
		q.timer.Reset(wait)
	}
	q.mu.Unlock()
}

func (q *asyncQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *asyncQueue) drain() {
	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	q.deliver(batch)

	q.mu.Lock()
	q.outstanding--
	if q.outstanding == 0 {
		q.idle.Broadcast()
	}
	q.mu.Unlock()
}

func (q *asyncQueue) flush() {
	q.mu.Lock()
	if q.timer != nil {
		q.timer.Stop()
	}
	closed := q.closed
	q.mu.Unlock()
	if !closed {
		q.wake()
	}

	q.mu.Lock()
	for q.outstanding > 0 && !q.closed {
		q.idle.Wait()
	}
	q.mu.Unlock()
}

func (q *asyncQueue) close() {
	q.flush()
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	if q.timer != nil {
		q.timer.Stop()
	}
	q.mu.Unlock()
	close(q.stop)
	<-q.done
}
