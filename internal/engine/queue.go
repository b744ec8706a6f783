package engine

import (
	"context"
	"sync"
	"time"

	"github.com/strandkit/strand/internal/run"
)

// item is one queued unit of work. NotBefore delays retry items.
type item struct {
	Run       *run.Run
	WorkID    string
	Attempt   int
	NotBefore time.Time
	EnqueuedAt time.Time
}

// weight orders the queue: lower first, ties broken by enqueue time.
func (i *item) weight() int {
	return i.Run.Priority.Weight()
}

// memQueue is the in-process priority queue feeding the workers. Rows
// in core_work_items mirror its contents so a restart can rebuild it.
type memQueue struct {
	mu       sync.Mutex
	items    []*item
	signal   chan struct{}
	closed   bool
	closedMu sync.RWMutex
}

func newMemQueue() *memQueue {
	return &memQueue{
		items:  make([]*item, 0),
		signal: make(chan struct{}, 1),
	}
}

// push inserts by priority weight, stable within a weight.
func (q *memQueue) push(it *item) error {
	q.closedMu.RLock()
	if q.closed {
		q.closedMu.RUnlock()
		return errQueueClosed
	}
	q.closedMu.RUnlock()

	q.mu.Lock()
	inserted := false
	for i, existing := range q.items {
		if it.weight() < existing.weight() {
			q.items = append(q.items[:i], append([]*item{it}, q.items[i:]...)...)
			inserted = true
			break
		}
	}
	if !inserted {
		q.items = append(q.items, it)
	}
	q.mu.Unlock()

	q.wake()
	return nil
}

// wake nudges one blocked pop. Guarded because close() closes the
// signal channel.
func (q *memQueue) wake() {
	q.closedMu.RLock()
	defer q.closedMu.RUnlock()
	if q.closed {
		return
	}
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop blocks until an eligible item is available or ctx ends. Items
// with a future NotBefore are held back without blocking the rest of
// the queue.
func (q *memQueue) pop(ctx context.Context) (*item, error) {
	for {
		q.closedMu.RLock()
		if q.closed {
			q.closedMu.RUnlock()
			return nil, errQueueClosed
		}
		q.closedMu.RUnlock()

		now := time.Now()
		var wait time.Duration

		q.mu.Lock()
		idx := -1
		for i, it := range q.items {
			if it.NotBefore.IsZero() || !it.NotBefore.After(now) {
				idx = i
				break
			}
			if d := it.NotBefore.Sub(now); wait == 0 || d < wait {
				wait = d
			}
		}
		if idx >= 0 {
			it := q.items[idx]
			q.items = append(q.items[:idx], q.items[idx+1:]...)
			remaining := len(q.items)
			q.mu.Unlock()
			if remaining > 0 {
				// The 1-buffered signal coalesces concurrent pushes, so
				// one wakeup can stand in for several items. Re-arm it
				// for the next waiter when work remains.
				q.wake()
			}
			return it, nil
		}
		q.mu.Unlock()

		if wait == 0 {
			wait = time.Hour
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.signal:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *memQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *memQueue) close() {
	q.closedMu.Lock()
	defer q.closedMu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

type queueError struct{ message string }

func (e *queueError) Error() string { return e.message }

var errQueueClosed = &queueError{message: "work queue is closed"}
