package testutil

import (
	"fmt"
	"sync"
)

// TagSource mints sequential unique tags ("node-a-000001", ...) as a
// stand-in for the uuid source the engine uses in production. Set add
// tags and sequence element ids become stable across runs, which is
// what golden traces and cross-replica convergence checks need.
type TagSource struct {
	mu     sync.Mutex
	prefix string
	n      int64
}

// NewTagSource creates a tag source. The prefix keeps tags from
// different replicas globally unique; use the actor name.
func NewTagSource(prefix string) *TagSource {
	return &TagSource{prefix: prefix}
}

// Next returns the next tag. The method value satisfies the
// `func() string` tag-source option the engine takes.
func (s *TagSource) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("%s-%06d", s.prefix, s.n)
}
