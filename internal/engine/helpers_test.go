package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftlab/drift/internal/crdt"
	"github.com/driftlab/drift/internal/schema"
	"github.com/driftlab/drift/internal/store"
)

// testSchemas declares the two document types the engine tests exercise:
// a note covering every merge strategy and a bound ledger account.
func testSchemas(t *testing.T) *schema.Set {
	t.Helper()
	sch := &schema.Schema{
		Name: "app",
		Documents: []schema.Document{
			{
				Namespace: "app/note",
				Name:      "note",
				Fields: []schema.Field{
					{Name: "title", Type: "string", Strategy: crdt.StrategyLWW},
					{Name: "owner", Type: "string", Strategy: crdt.StrategyImmutable},
					{Name: "status", Type: "string", Strategy: crdt.StrategyMVRegister},
					{Name: "votes", Type: "int", Strategy: crdt.StrategyPNCounter},
					{Name: "tags", Type: "array", Strategy: crdt.StrategyORSet},
					{Name: "items", Type: "array", Strategy: crdt.StrategyRGA},
					{Name: "body", Type: "string", Strategy: crdt.StrategyPeritext},
				},
			},
			{
				Namespace: "app/account",
				Name:      "account",
				Fields: []schema.Field{
					{Name: "holder", Type: "string", Strategy: crdt.StrategyImmutable},
					{Name: "balance", Type: "int", Strategy: crdt.StrategyPNCounter},
					{Name: "escrow", Type: "int", Strategy: crdt.StrategyLWW, Bound: &schema.Bound{Min: 0}},
				},
			},
		},
	}
	set, err := schema.NewSet(sch)
	require.NoError(t, err)
	return set
}

// newTestStore builds a memory-only store with a deterministic wall
// clock and tag source.
func newTestStore(t *testing.T, actor crdt.Actor, opts ...Option) *Store {
	t.Helper()
	base := []Option{
		WithNow(tickingNow()),
		WithTagSource(seqTags(string(actor))),
	}
	s := NewStore(actor, testSchemas(t), append(base, opts...)...)
	t.Cleanup(func() { s.Close() })
	return s
}

// newLoggedStore builds a store backed by a SQLite op log in a temp
// directory. Returns the log handle for direct row checks and the path
// so tests can reopen it.
func newLoggedStore(t *testing.T, actor crdt.Actor, opts ...Option) (*Store, *store.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "drift.db")
	s, log := reopenStore(t, actor, path, opts...)
	return s, log, path
}

// reopenStore opens (or reopens) a logged store on an existing database
// file and loads it.
func reopenStore(t *testing.T, actor crdt.Actor, path string, opts ...Option) (*Store, *store.Store) {
	t.Helper()
	log, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	base := []Option{
		WithLog(log),
		WithNow(tickingNow()),
		WithTagSource(seqTags(string(actor))),
	}
	s := NewStore(actor, testSchemas(t), append(base, opts...)...)
	require.NoError(t, s.Load(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s, log
}

// tickingNow returns a wall clock that advances 1ms per call, starting
// from a fixed instant.
func tickingNow() func() time.Time {
	var n atomic.Int64
	base := time.UnixMilli(1_700_000_000_000)
	return func() time.Time {
		return base.Add(time.Duration(n.Add(1)) * time.Millisecond)
	}
}

// seqTags returns a deterministic unique-tag generator.
func seqTags(prefix string) func() string {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%s-tag-%d", prefix, n.Add(1))
	}
}

func noteRef(id string) Ref    { return Ref{Namespace: "app/note", ID: id} }
func accountRef(id string) Ref { return Ref{Namespace: "app/account", ID: id} }

// drainOutbound empties the store's outbound queue and returns the
// deltas in commit order.
func drainOutbound(s *Store) []Delta {
	var out []Delta
	for {
		d, ok := s.Outbound().TryDequeue()
		if !ok {
			return out
		}
		out = append(out, d)
	}
}
