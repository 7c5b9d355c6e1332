package worker

import (
	"context"
	"sync"
)

// Queue is the per-connection, FIFO work-item queue the single worker
// goroutine drains. It is the concrete type behind device.WorkQueue:
// Enqueue's signature matches that interface exactly so a *Queue can be
// assigned straight to Device.Queue.
//
// Grounded on the dispatcher's pending-work channel in the teacher's
// internal/agent/dispatcher.go, reshaped from a channel into a
// mutex+slice+condvar so the shutdown path can splice out and drain every
// still-pending item in one pass (a channel cannot be "peeked and
// drained" without racing a concurrent send).
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*Item
	closed bool
}

// NewQueue allocates an empty work queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue wraps cb in an untagged Item and appends it. This is the method
// that satisfies device.WorkQueue; cb's signature is exactly the one
// that interface names, so the adapter here is the only place an
// (*Item, bool) Callback and a bare (bool) closure need reconciling.
func (q *Queue) Enqueue(cb func(cancel bool) error) {
	q.EnqueueItem(&Item{cb: func(item *Item, cancel bool) error { return cb(cancel) }})
}

// EnqueueItem appends a fully-tagged item, for callers that want
// Kind/Peer recorded for logging.
func (q *Queue) EnqueueItem(item *Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, item)
	q.cond.Signal()
}

// Len reports the number of items currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dequeue blocks until an item is available, ctx is cancelled, or the
// queue is closed. On cancellation it returns ctx.Err(); on close with an
// empty queue it returns ErrIntr.
func (q *Queue) Dequeue(ctx context.Context) (*Item, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-done:
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, ErrIntr
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, nil
}

// Close marks the queue closed: no further items are accepted and any
// blocked Dequeue wakes with ErrIntr once drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// DrainAll splices out and returns every item still queued, leaving the
// queue empty. Used by the shutdown path, which must invoke every
// abandoned item with cancel=true rather than silently discard it.
func (q *Queue) DrainAll() []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}
