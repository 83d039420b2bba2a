package peer

import (
	"math/rand"
	"time"
)

// A backoff produces exponentially growing retry delays with jitter.
// Not safe for concurrent use; each connection owns one.
type backoff struct {
	min, max time.Duration
	next     time.Duration
}

func newBackoff(min, max time.Duration) *backoff {
	if min <= 0 {
		min = 250 * time.Millisecond
	}
	if max < min {
		max = min
	}
	return &backoff{min: min, max: max, next: min}
}

// Next returns the delay to wait before the upcoming attempt and
// doubles the base for the one after, capped at max. Jitter of ±25%
// keeps simultaneously-partitioned peers from redialing in lockstep.
func (b *backoff) Next() time.Duration {
	d := b.next
	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2+1)) - d/4
	return d + jitter
}

// Reset rewinds to the minimum delay. Called after a successful
// handshake so one good connection forgives past failures.
func (b *backoff) Reset() {
	b.next = b.min
}
