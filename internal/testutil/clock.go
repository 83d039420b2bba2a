// Package testutil holds the deterministic fixtures shared by tests
// across the repo: a stepping wall clock and a sequential tag source.
// Both exist so the same scenario produces byte-identical register
// timestamps, set tags, and sequence ids on every run.
package testutil

import (
	"sync"
	"time"
)

// Epoch anchors deterministic test clocks. The instant is arbitrary
// but fixed; golden files depend on it.
var Epoch = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

// WallClock is a deterministic time source: it starts at a fixed
// instant and steps forward a fixed amount on every read. Distinct
// start offsets give distinct nodes non-colliding register timestamps
// without any real clock involved.
type WallClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewWallClock creates a clock whose first read returns start.
func NewWallClock(start time.Time, step time.Duration) *WallClock {
	return &WallClock{now: start, step: step}
}

// Now returns the current instant and advances the clock by one step.
// The method value satisfies the `func() time.Time` option the engine
// and ledger take.
func (c *WallClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Peek returns the instant the next Now call will produce.
func (c *WallClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward without consuming a read. Used to
// jump between reconciliation rounds.
func (c *WallClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
