package engine

import "sync/atomic"

// Clock is the monotonic logical clock for one local actor.
//
// Every op this node produces is stamped with a strictly increasing
// value from this clock, so (actor, clock) dots are unique. The clock
// also witnesses remote ops: merging a delta advances the local clock
// past every clock value seen in it, which keeps later local ops
// causally after everything already observed (Lamport condition).
//
// Thread-safety: safe for concurrent use (atomic operations). Documents
// serialize their own mutations, but distinct documents stamp ops from
// this one clock concurrently.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a new clock starting at a specific value.
// Used on startup to resume past the highest clock in the op log.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next clock value and increments the clock.
// Calls are linearizable - each call returns a unique, increasing value.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Reserve claims n consecutive clock values and returns the first.
// Multi-element edits (text runs, batch list inserts) stamp each
// element from the reserved span so element dots stay unique.
func (c *Clock) Reserve(n int64) int64 {
	return c.seq.Add(n) - n + 1
}

// Witness advances the clock to at least seen. Called when merging
// remote ops so subsequent local ops sort after everything observed.
func (c *Clock) Witness(seen int64) {
	for {
		cur := c.seq.Load()
		if cur >= seen {
			return
		}
		if c.seq.CompareAndSwap(cur, seen) {
			return
		}
	}
}

// Current returns the current clock value without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
