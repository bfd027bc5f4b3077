package model

import "sync"

// changeQueue is an unbounded FIFO of committed change sets awaiting
// dispatch. Commits never block on slow listeners.
//
// The signal channel (buffered, size 1) lets Run wait on the queue and a
// context in one select.
type changeQueue struct {
	mu     sync.Mutex
	items  []*ChangeSet
	closed bool
	signal chan struct{}
}

func newChangeQueue() *changeQueue {
	return &changeQueue{
		items:  make([]*ChangeSet, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends cs. Returns false if the queue is closed.
func (q *changeQueue) Enqueue(cs *ChangeSet) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, cs)
	// Non-blocking: the buffer of 1 coalesces signals
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue pops the front change set without blocking.
func (q *changeQueue) TryDequeue() (*ChangeSet, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	cs := q.items[0]
	// Release the slot so the change set's snapshots can be collected
	q.items[0] = nil
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return cs, true
}

// Wait returns a channel that fires when items may be available. It is
// closed by Close.
func (q *changeQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued change sets.
func (q *changeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting change sets and wakes waiters.
func (q *changeQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
