package peer

import (
	"sync"

	"github.com/driftlab/drift/internal/crdt"
	"github.com/driftlab/drift/internal/engine"
)

// A sendQueue buffers deltas bound for one peer. It is the per-peer
// backpressure point: past the high-water mark, queued register and
// counter ops collapse to the fragment the receiver's merge would keep
// anyway, while set, sequence and text ops are never dropped, only
// deferred. A disconnected peer therefore costs memory proportional to
// its un-coalescible history, not to elapsed time.
type sendQueue struct {
	mu        sync.Mutex
	deltas    []engine.Delta
	ops       int
	highWater int
	coalesced int64
	closed    bool
	signal    chan struct{} // buffered, size 1
}

func newSendQueue(highWater int) *sendQueue {
	if highWater <= 0 {
		highWater = 1024
	}
	return &sendQueue{
		highWater: highWater,
		signal:    make(chan struct{}, 1),
	}
}

// push appends a delta, coalescing the backlog first when it is past
// the high-water mark. Returns false if the queue is closed.
func (q *sendQueue) push(d engine.Delta) bool {
	if d.Empty() {
		return true
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if q.ops+len(d.Ops) > q.highWater {
		q.coalesce()
	}

	q.deltas = append(q.deltas, d)
	q.ops += len(d.Ops)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// pop removes the front delta without blocking.
func (q *sendQueue) pop() (engine.Delta, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.deltas) == 0 {
		return engine.Delta{}, false
	}
	d := q.deltas[0]
	q.deltas[0] = engine.Delta{}
	if len(q.deltas) == 1 {
		q.deltas = q.deltas[:0]
	} else {
		q.deltas = q.deltas[1:]
	}
	q.ops -= len(d.Ops)
	return d, true
}

// wait returns the availability signal channel.
func (q *sendQueue) wait() <-chan struct{} {
	return q.signal
}

// depth returns the queued op count.
func (q *sendQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ops
}

// dropped returns how many ops coalescing has removed so far.
func (q *sendQueue) dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.coalesced
}

// close marks the queue closed and wakes the writer. Queued deltas
// remain poppable.
func (q *sendQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// lwwKey identifies one register field of one document.
type lwwKey struct {
	ref   engine.Ref
	field string
}

// ctrKey identifies one actor's accumulator for one counter field.
type ctrKey struct {
	ref   engine.Ref
	field string
	actor crdt.Actor
}

// coalesce drops queued ops that a later queued op subsumes. Only two
// shapes qualify: a register write loses to the queued (TS, actor)
// winner for its field, exactly as the receiver's merge would decide,
// and a counter advance loses to a later advance by the same actor,
// whose absolute accumulators cover it. Everything else is left intact.
// Caller holds q.mu.
func (q *sendQueue) coalesce() {
	lwwWin := make(map[lwwKey]crdt.Op)
	ctrWin := make(map[ctrKey]crdt.Op)

	for _, d := range q.deltas {
		for _, op := range d.Ops {
			switch op.Payload.(type) {
			case crdt.LWWSet:
				k := lwwKey{ref: d.Ref, field: op.Field}
				if w, ok := lwwWin[k]; !ok || lwwLess(w, op) {
					lwwWin[k] = op
				}
			case crdt.CounterAdvance:
				k := ctrKey{ref: d.Ref, field: op.Field, actor: op.Actor}
				if w, ok := ctrWin[k]; !ok || w.Clock < op.Clock {
					ctrWin[k] = op
				}
			}
		}
	}

	kept := q.deltas[:0]
	ops := 0
	for _, d := range q.deltas {
		// A delta's op slice may be shared with other peers' queues;
		// filter into a fresh slice, never in place.
		keep := make([]crdt.Op, 0, len(d.Ops))
		for _, op := range d.Ops {
			switch op.Payload.(type) {
			case crdt.LWWSet:
				if w := lwwWin[lwwKey{ref: d.Ref, field: op.Field}]; w.Dot() != op.Dot() {
					q.coalesced++
					continue
				}
			case crdt.CounterAdvance:
				k := ctrKey{ref: d.Ref, field: op.Field, actor: op.Actor}
				if w := ctrWin[k]; w.Dot() != op.Dot() {
					q.coalesced++
					continue
				}
			}
			keep = append(keep, op)
		}
		if len(keep) == 0 {
			continue
		}
		ops += len(keep)
		kept = append(kept, engine.Delta{Ref: d.Ref, Ops: keep})
	}
	// Release the dropped tail so the backing array does not pin it.
	for i := len(kept); i < len(q.deltas); i++ {
		q.deltas[i] = engine.Delta{}
	}
	q.deltas = kept
	q.ops = ops
}

// lwwLess orders two register writes by the merge's winner rule:
// timestamp, then actor.
func lwwLess(a, b crdt.Op) bool {
	pa := a.Payload.(crdt.LWWSet)
	pb := b.Payload.(crdt.LWWSet)
	if pa.TS != pb.TS {
		return pa.TS < pb.TS
	}
	return a.Actor < b.Actor
}
