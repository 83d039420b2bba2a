package engine

import "sync"

// DeltaQueue is a thread-safe FIFO of outbound deltas, the handoff
// between the store (producer, inside Mutate/Transact/ApplyRemote) and
// the sync layer (consumer).
//
// The queue is unbounded: local mutations must never block on a slow
// or absent network. Backpressure toward individual peers is applied
// downstream, per connection.
//
// The queue uses a buffered signal channel so consumers can wait with
// context awareness (select on Wait() and ctx.Done()).
type DeltaQueue struct {
	mu     sync.Mutex
	deltas []Delta
	closed bool
	signal chan struct{} // signals availability (buffered, size 1)
}

// NewDeltaQueue creates an empty delta queue.
func NewDeltaQueue() *DeltaQueue {
	return &DeltaQueue{
		deltas: make([]Delta, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends a delta. Thread-safe, never blocks.
// Returns false if the queue is closed; empty deltas are dropped.
func (q *DeltaQueue) Enqueue(d Delta) bool {
	if d.Empty() {
		return true
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.deltas = append(q.deltas, d)

	// Non-blocking signal - buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue removes the front delta without blocking.
// Returns (Delta{}, false) if the queue is empty.
func (q *DeltaQueue) TryDequeue() (Delta, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.deltas) == 0 {
		return Delta{}, false
	}

	d := q.deltas[0]

	// Nil out the slot so the backing array releases the delta's op
	// slice; without this the array retains references until it is
	// reallocated, leaking memory under steady load.
	q.deltas[0] = Delta{}

	if len(q.deltas) == 1 {
		q.deltas = q.deltas[:0]
	} else {
		q.deltas = q.deltas[1:]
	}

	return d, true
}

// Wait returns a channel that signals when deltas may be available.
// Use with select for context-aware waiting:
//
//	select {
//	case <-ctx.Done():
//	    return ctx.Err()
//	case <-q.Wait():
//	    // TryDequeue in a loop
//	}
func (q *DeltaQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *DeltaQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.deltas)
}

// Closed reports whether the queue has been closed. A consumer woken
// with an empty queue uses this to tell shutdown from a spurious signal.
func (q *DeltaQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close marks the queue closed and wakes all waiters. Enqueue after
// Close returns false; queued deltas remain dequeueable.
func (q *DeltaQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
