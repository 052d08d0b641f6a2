package taskqueue

import (
	"context"
	"sync"
	"time"
)

// InMemoryQueue is a Queue backed by a buffered channel. Delayed tasks are
// held on timers and moved to the channel once NotBefore has passed.
// It is safe for concurrent use.
type InMemoryQueue struct {
	ch   chan Task
	done chan struct{}
	now  func() time.Time

	mu      sync.Mutex
	timers  map[*time.Timer]struct{}
	delayed int
	closed  bool
}

// NewInMemoryQueue creates a new queue with the given capacity.
// For tests and small deployments, a modest capacity (e.g. 1024) is fine.
// Enqueue blocks while the queue is full; TryEnqueue fails with ErrFull.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &InMemoryQueue{
		ch:     make(chan Task, capacity),
		done:   make(chan struct{}),
		now:    time.Now,
		timers: make(map[*time.Timer]struct{}),
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = q.now()
	}

	if d := t.NotBefore.Sub(q.now()); !t.NotBefore.IsZero() && d > 0 {
		return q.schedule(t, d)
	}

	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.ch <- t:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *InMemoryQueue) TryEnqueue(t Task) error {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = q.now()
	}
	if d := t.NotBefore.Sub(q.now()); !t.NotBefore.IsZero() && d > 0 {
		return q.schedule(t, d)
	}

	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.ch <- t:
		return nil
	default:
		return ErrFull
	}
}

func (q *InMemoryQueue) schedule(t Task, d time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		q.delayed--
		q.mu.Unlock()

		select {
		case q.ch <- t:
		case <-q.done:
		}
	})
	q.timers[timer] = struct{}{}
	q.delayed++
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	select {
	case t := <-q.ch:
		return &t, nil
	case <-q.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ch) + q.delayed
}

// Close stops all pending timers and unblocks waiting callers.
// Tasks still queued are dropped. Close is idempotent.
func (q *InMemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for timer := range q.timers {
		timer.Stop()
	}
	q.timers = map[*time.Timer]struct{}{}
	q.delayed = 0
	close(q.done)
}
