package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlab/drift/internal/crdt"
	"github.com/driftlab/drift/internal/store"
)

func TestStore_Create(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "alice")

	view, err := s.Create(ctx, noteRef("n1"), func(tx *Tx) error {
		return tx.Set("title", crdt.String("hello"))
	})
	require.NoError(t, err)

	title, ok := view.String("title")
	require.True(t, ok, "create view reflects initial ops")
	assert.Equal(t, "hello", title)
	assert.Equal(t, noteRef("n1"), view.Ref)
}

func TestStore_Create_Empty(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "alice")

	view, err := s.Create(ctx, noteRef("n1"), nil)
	require.NoError(t, err)

	// Declared fields materialize at their empty states
	tags, ok := view.Array("tags")
	require.True(t, ok)
	assert.Empty(t, tags)
	votes, ok := view.Int("votes")
	require.True(t, ok)
	assert.Equal(t, int64(0), votes)
	_, ok = view.String("title")
	assert.False(t, ok, "unwritten register is nil")
}

func TestStore_Create_Duplicate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "alice")

	_, err := s.Create(ctx, noteRef("n1"), nil)
	require.NoError(t, err)

	_, err = s.Create(ctx, noteRef("n1"), nil)
	assert.ErrorIs(t, err, ErrExists)
}

func TestStore_Create_UnknownNamespace(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "alice")

	_, err := s.Create(ctx, Ref{Namespace: "no/such", ID: "x"}, nil)
	assert.ErrorIs(t, err, ErrUnknownNamespace)
}

func TestStore_Read_NotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "alice")

	_, err := s.Read(ctx, noteRef("missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Mutate_NotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "alice")

	_, err := s.Mutate(ctx, noteRef("missing"), func(tx *Tx) error {
		return tx.Set("title", crdt.String("x"))
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Mutate_QueuesDelta(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "alice")

	_, err := s.Create(ctx, noteRef("n1"), nil)
	require.NoError(t, err)
	drainOutbound(s)

	delta, err := s.Mutate(ctx, noteRef("n1"), func(tx *Tx) error {
		return tx.Set("title", crdt.String("queued"))
	})
	require.NoError(t, err)

	queued := drainOutbound(s)
	require.Len(t, queued, 1)
	assert.Equal(t, delta.Ref, queued[0].Ref)
	require.Len(t, queued[0].Ops, 1)
	assert.Equal(t, crdt.MustOpID(delta.Ops[0]), crdt.MustOpID(queued[0].Ops[0]))
}

func TestStore_Mutate_EmptyCommitQueuesNothing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "alice")

	_, err := s.Create(ctx, noteRef("n1"), nil)
	require.NoError(t, err)
	drainOutbound(s)

	delta, err := s.Mutate(ctx, noteRef("n1"), func(tx *Tx) error {
		return nil
	})
	require.NoError(t, err)
	assert.True(t, delta.Empty())
	assert.Empty(t, drainOutbound(s))
}

func TestStore_Vector_AdvancesPerCommit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "alice")

	_, err := s.Create(ctx, noteRef("n1"), func(tx *Tx) error {
		return tx.Set("title", crdt.String("a"))
	})
	require.NoError(t, err)

	v1, err := s.Vector(ctx, noteRef("n1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), v1["alice"])

	_, err = s.Mutate(ctx, noteRef("n1"), func(tx *Tx) error {
		return tx.SpliceText("body", 0, 0, "abc")
	})
	require.NoError(t, err)

	v2, err := s.Vector(ctx, noteRef("n1"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), v2["alice"], "text run advances the vector by its span")
}

func TestStore_RefsAndVectors(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "alice")

	_, err := s.Create(ctx, noteRef("n1"), func(tx *Tx) error {
		return tx.Set("title", crdt.String("a"))
	})
	require.NoError(t, err)
	_, err = s.Create(ctx, accountRef("alice"), func(tx *Tx) error {
		return tx.Add("balance", 10)
	})
	require.NoError(t, err)

	refs := s.Refs()
	assert.ElementsMatch(t, []Ref{noteRef("n1"), accountRef("alice")}, refs)

	vectors := s.Vectors()
	require.Len(t, vectors, 2)
	assert.Equal(t, int64(1), vectors[noteRef("n1")]["alice"])
	assert.Equal(t, int64(2), vectors[accountRef("alice")]["alice"])
}

func TestStore_Fingerprint_MatchesAcrossReplicas(t *testing.T) {
	ctx := context.Background()
	alice := newTestStore(t, "alice")
	bob := newTestStore(t, "bob")

	_, err := alice.Create(ctx, noteRef("n1"), func(tx *Tx) error {
		if err := tx.Set("title", crdt.String("shared")); err != nil {
			return err
		}
		if err := tx.AddToSet("tags", crdt.String("sync")); err != nil {
			return err
		}
		return tx.SpliceText("body", 0, 0, "hello")
	})
	require.NoError(t, err)

	for _, d := range drainOutbound(alice) {
		_, err := bob.ApplyRemote(ctx, d)
		require.NoError(t, err)
	}

	fa, err := alice.Fingerprint(ctx, noteRef("n1"))
	require.NoError(t, err)
	fb, err := bob.Fingerprint(ctx, noteRef("n1"))
	require.NoError(t, err)
	assert.Equal(t, fa, fb, "identical state must fingerprint identically")
}

func TestStore_Fingerprint_DiffersOnDivergence(t *testing.T) {
	ctx := context.Background()
	alice := newTestStore(t, "alice")
	bob := newTestStore(t, "bob")

	_, err := alice.Create(ctx, noteRef("n1"), func(tx *Tx) error {
		return tx.Set("title", crdt.String("a"))
	})
	require.NoError(t, err)
	_, err = bob.Create(ctx, noteRef("n1"), func(tx *Tx) error {
		return tx.Set("title", crdt.String("b"))
	})
	require.NoError(t, err)

	fa, err := alice.Fingerprint(ctx, noteRef("n1"))
	require.NoError(t, err)
	fb, err := bob.Fingerprint(ctx, noteRef("n1"))
	require.NoError(t, err)
	assert.NotEqual(t, fa, fb)
}

func TestStore_ApplyRemote_CreatesDocument(t *testing.T) {
	ctx := context.Background()
	alice := newTestStore(t, "alice")
	bob := newTestStore(t, "bob")

	_, err := alice.Create(ctx, noteRef("n1"), func(tx *Tx) error {
		return tx.Set("title", crdt.String("from alice"))
	})
	require.NoError(t, err)

	deltas := drainOutbound(alice)
	require.Len(t, deltas, 1)

	changed, err := bob.ApplyRemote(ctx, deltas[0])
	require.NoError(t, err)
	assert.True(t, changed)

	view, err := bob.Read(ctx, noteRef("n1"))
	require.NoError(t, err)
	title, _ := view.String("title")
	assert.Equal(t, "from alice", title)
}

func TestStore_ApplyRemote_Idempotent(t *testing.T) {
	ctx := context.Background()
	alice := newTestStore(t, "alice")
	bob := newTestStore(t, "bob")

	_, err := alice.Create(ctx, noteRef("n1"), func(tx *Tx) error {
		if err := tx.Set("title", crdt.String("once")); err != nil {
			return err
		}
		if err := tx.Add("votes", 5); err != nil {
			return err
		}
		return tx.AddToSet("tags", crdt.String("x"))
	})
	require.NoError(t, err)
	delta := drainOutbound(alice)[0]

	changed, err := bob.ApplyRemote(ctx, delta)
	require.NoError(t, err)
	require.True(t, changed)
	fp1, err := bob.Fingerprint(ctx, noteRef("n1"))
	require.NoError(t, err)
	drainOutbound(bob)

	// Re-delivery: merge laws make it a no-op
	changed, err = bob.ApplyRemote(ctx, delta)
	require.NoError(t, err)
	assert.False(t, changed, "re-delivered delta must not change state")

	fp2, err := bob.Fingerprint(ctx, noteRef("n1"))
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)

	view, err := bob.Read(ctx, noteRef("n1"))
	require.NoError(t, err)
	votes, _ := view.Int("votes")
	assert.Equal(t, int64(5), votes, "counter must not double-count")

	assert.Empty(t, drainOutbound(bob), "no-op merge relays nothing")
}

func TestStore_ApplyRemote_EmptyDelta(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "alice")

	changed, err := s.ApplyRemote(ctx, Delta{Ref: noteRef("n1")})
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestStore_ApplyRemote_UnknownNamespace(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "alice")

	d := Delta{
		Ref: Ref{Namespace: "no/such", ID: "x"},
		Ops: []crdt.Op{{Actor: "bob", Clock: 1, Field: "f", Payload: crdt.LWWSet{TS: 1, Value: crdt.String("v")}}},
	}
	_, err := s.ApplyRemote(ctx, d)
	assert.ErrorIs(t, err, ErrUnknownNamespace)
}

func TestStore_ApplyRemote_CausalGap(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "alice")

	// One clean op plus an insert anchored to an element never seen here
	d := Delta{
		Ref: noteRef("n1"),
		Ops: []crdt.Op{
			{Actor: "bob", Clock: 1, Field: "title", Payload: crdt.LWWSet{TS: 1, Value: crdt.String("clean")}},
			{Actor: "bob", Clock: 9, Field: "items", Payload: crdt.ListInsert{
				Left:  crdt.Dot{Actor: "bob", Clock: 5},
				Value: crdt.String("orphan"),
			}},
		},
	}

	changed, err := s.ApplyRemote(ctx, d)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCausalGap)
	assert.True(t, changed, "clean prefix stays applied")

	view, err := s.Read(ctx, noteRef("n1"))
	require.NoError(t, err)
	title, _ := view.String("title")
	assert.Equal(t, "clean", title)
	items, _ := view.Array("items")
	assert.Empty(t, items, "op past the gap must not apply")
}

func TestStore_ApplyRemote_WitnessesClock(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "alice")

	d := Delta{
		Ref: noteRef("n1"),
		Ops: []crdt.Op{{Actor: "bob", Clock: 100, Field: "title", Payload: crdt.LWWSet{TS: 1, Value: crdt.String("high")}}},
	}
	_, err := s.ApplyRemote(ctx, d)
	require.NoError(t, err)

	// Local ops sort after everything merged
	delta, err := s.Mutate(ctx, noteRef("n1"), func(tx *Tx) error {
		return tx.Add("votes", 1)
	})
	require.NoError(t, err)
	require.Len(t, delta.Ops, 1)
	assert.Greater(t, delta.Ops[0].Clock, int64(100))
}

func TestStore_ApplyRemote_ClampsBoundField(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "alice")

	// A remote register write below the declared floor merges clamped;
	// shared history cannot be rejected.
	d := Delta{
		Ref: accountRef("bob"),
		Ops: []crdt.Op{{Actor: "bob", Clock: 1, Field: "escrow", Payload: crdt.LWWSet{TS: 50, Value: crdt.Int(-40)}}},
	}
	changed, err := s.ApplyRemote(ctx, d)
	require.NoError(t, err)
	assert.True(t, changed)

	view, err := s.Read(ctx, accountRef("bob"))
	require.NoError(t, err)
	escrow, ok := view.Int("escrow")
	require.True(t, ok)
	assert.Equal(t, int64(0), escrow)
}

func TestStore_ConcurrentEditsConverge(t *testing.T) {
	ctx := context.Background()
	alice := newTestStore(t, "alice")
	bob := newTestStore(t, "bob")

	_, err := alice.Create(ctx, noteRef("n1"), func(tx *Tx) error {
		return tx.SpliceText("body", 0, 0, "base")
	})
	require.NoError(t, err)
	seed := drainOutbound(alice)[0]
	_, err = bob.ApplyRemote(ctx, seed)
	require.NoError(t, err)
	drainOutbound(bob)

	// Concurrent edits on both sides
	_, err = alice.Mutate(ctx, noteRef("n1"), func(tx *Tx) error {
		if err := tx.AddToSet("tags", crdt.String("from-alice")); err != nil {
			return err
		}
		return tx.Add("votes", 3)
	})
	require.NoError(t, err)
	_, err = bob.Mutate(ctx, noteRef("n1"), func(tx *Tx) error {
		if err := tx.AddToSet("tags", crdt.String("from-bob")); err != nil {
			return err
		}
		return tx.Add("votes", 4)
	})
	require.NoError(t, err)

	// Exchange both ways
	for _, d := range drainOutbound(alice) {
		_, err := bob.ApplyRemote(ctx, d)
		require.NoError(t, err)
	}
	for _, d := range drainOutbound(bob) {
		_, err := alice.ApplyRemote(ctx, d)
		require.NoError(t, err)
	}

	fa, err := alice.Fingerprint(ctx, noteRef("n1"))
	require.NoError(t, err)
	fb, err := bob.Fingerprint(ctx, noteRef("n1"))
	require.NoError(t, err)
	require.Equal(t, fa, fb)

	view, err := alice.Read(ctx, noteRef("n1"))
	require.NoError(t, err)
	votes, _ := view.Int("votes")
	assert.Equal(t, int64(7), votes, "counter increments from both sides survive")
	tags, _ := view.Array("tags")
	assert.Len(t, tags, 2)
}

func TestStore_DeliveryOrderIrrelevant(t *testing.T) {
	ctx := context.Background()
	alice := newTestStore(t, "alice")

	_, err := alice.Create(ctx, noteRef("n1"), func(tx *Tx) error {
		return tx.Set("title", crdt.String("one"))
	})
	require.NoError(t, err)
	_, err = alice.Mutate(ctx, noteRef("n1"), func(tx *Tx) error {
		return tx.Set("title", crdt.String("two"))
	})
	require.NoError(t, err)
	_, err = alice.Mutate(ctx, noteRef("n1"), func(tx *Tx) error {
		return tx.Add("votes", 9)
	})
	require.NoError(t, err)

	deltas := drainOutbound(alice)
	require.Len(t, deltas, 3)

	// Forward order
	bob := newTestStore(t, "bob")
	for _, d := range deltas {
		_, err := bob.ApplyRemote(ctx, d)
		require.NoError(t, err)
	}

	// Reverse order (no insert anchors involved, so no gaps)
	carol := newTestStore(t, "carol")
	for i := len(deltas) - 1; i >= 0; i-- {
		_, err := carol.ApplyRemote(ctx, deltas[i])
		require.NoError(t, err)
	}

	fb, err := bob.Fingerprint(ctx, noteRef("n1"))
	require.NoError(t, err)
	fc, err := carol.Fingerprint(ctx, noteRef("n1"))
	require.NoError(t, err)
	assert.Equal(t, fb, fc, "delivery order must not matter")
}

func TestStore_ConcurrentMutators(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "alice")

	_, err := s.Create(ctx, noteRef("n1"), nil)
	require.NoError(t, err)

	const workers = 8
	const addsPerWorker = 25

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < addsPerWorker; i++ {
				_, err := s.Mutate(ctx, noteRef("n1"), func(tx *Tx) error {
					return tx.Add("votes", 1)
				})
				if err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	view, err := s.Read(ctx, noteRef("n1"))
	require.NoError(t, err)
	votes, _ := view.Int("votes")
	assert.Equal(t, int64(workers*addsPerWorker), votes)
}

func TestStore_Load_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _, path := newLoggedStore(t, "alice")

	_, err := s.Create(ctx, noteRef("n1"), func(tx *Tx) error {
		if err := tx.Set("title", crdt.String("durable")); err != nil {
			return err
		}
		if err := tx.Set("owner", crdt.String("alice")); err != nil {
			return err
		}
		if err := tx.Add("votes", 12); err != nil {
			return err
		}
		if err := tx.AddToSet("tags", crdt.String("keep")); err != nil {
			return err
		}
		if err := tx.Append("items", crdt.String("first")); err != nil {
			return err
		}
		return tx.SpliceText("body", 0, 0, "written before restart")
	})
	require.NoError(t, err)

	want, err := s.Fingerprint(ctx, noteRef("n1"))
	require.NoError(t, err)
	wantVector, err := s.Vector(ctx, noteRef("n1"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, _ := reopenStore(t, "alice", path)

	got, err := reopened.Fingerprint(ctx, noteRef("n1"))
	require.NoError(t, err)
	assert.Equal(t, want, got, "replayed state must fingerprint identically")

	gotVector, err := reopened.Vector(ctx, noteRef("n1"))
	require.NoError(t, err)
	assert.Equal(t, wantVector, gotVector)

	view, err := reopened.Read(ctx, noteRef("n1"))
	require.NoError(t, err)
	body, _ := view.String("body")
	assert.Equal(t, "written before restart", body)
}

func TestStore_Load_ResumesClock(t *testing.T) {
	ctx := context.Background()
	s, _, path := newLoggedStore(t, "alice")

	_, err := s.Create(ctx, noteRef("n1"), func(tx *Tx) error {
		return tx.SpliceText("body", 0, 0, "abcde") // clocks 1..5
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, _ := reopenStore(t, "alice", path)

	delta, err := reopened.Mutate(ctx, noteRef("n1"), func(tx *Tx) error {
		return tx.Set("title", crdt.String("after restart"))
	})
	require.NoError(t, err)
	require.Len(t, delta.Ops, 1)
	assert.Greater(t, delta.Ops[0].Clock, int64(5), "resumed clock must never re-issue logged dots")
}

func TestStore_Load_SurvivesCompaction(t *testing.T) {
	ctx := context.Background()
	s, log, path := newLoggedStore(t, "alice")

	_, err := s.Create(ctx, noteRef("n1"), func(tx *Tx) error {
		return tx.SpliceText("body", 0, 0, "compact me") // clocks 1..10
	})
	require.NoError(t, err)

	require.NoError(t, s.Compact(ctx, noteRef("n1")))

	n, err := log.CountOps(ctx, "app/note", "n1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "compaction removes covered ops")

	want, err := s.Fingerprint(ctx, noteRef("n1"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, _ := reopenStore(t, "alice", path)

	got, err := reopened.Fingerprint(ctx, noteRef("n1"))
	require.NoError(t, err)
	assert.Equal(t, want, got, "snapshot alone must rebuild the state")

	// The clock must survive on the snapshot vector even though the ops
	// rows are gone.
	delta, err := reopened.Mutate(ctx, noteRef("n1"), func(tx *Tx) error {
		return tx.Set("title", crdt.String("x"))
	})
	require.NoError(t, err)
	assert.Greater(t, delta.Ops[0].Clock, int64(10))
}

func TestStore_Load_LazyOnRead(t *testing.T) {
	ctx := context.Background()
	s, _, path := newLoggedStore(t, "alice")

	_, err := s.Create(ctx, noteRef("n1"), func(tx *Tx) error {
		return tx.Set("title", crdt.String("lazy"))
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// A store that never ran Load still finds the document: lookup
	// falls back to the log on a cache miss.
	log, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	cold := NewStore("reader", testSchemas(t), WithLog(log))
	t.Cleanup(func() { cold.Close() })

	view, err := cold.Read(ctx, noteRef("n1"))
	require.NoError(t, err)
	title, _ := view.String("title")
	assert.Equal(t, "lazy", title)
}

func TestStore_Close(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "alice")

	_, err := s.Create(ctx, noteRef("n1"), nil)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "close is idempotent")

	_, err = s.Read(ctx, noteRef("n1"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Create(ctx, noteRef("n2"), nil)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Mutate(ctx, noteRef("n1"), func(tx *Tx) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.ApplyRemote(ctx, Delta{Ref: noteRef("n1"), Ops: []crdt.Op{{Actor: "b", Clock: 1, Field: "title", Payload: crdt.LWWSet{TS: 1, Value: crdt.String("x")}}}})
	assert.ErrorIs(t, err, ErrClosed)
	err = s.Transact(ctx, func(x *Txn) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStore_Stats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "alice")

	_, err := s.Create(ctx, noteRef("n1"), func(tx *Tx) error {
		return tx.Set("title", crdt.String("a"))
	})
	require.NoError(t, err)
	_, err = s.Mutate(ctx, noteRef("n1"), func(tx *Tx) error {
		return tx.Add("votes", 1)
	})
	require.NoError(t, err)
	_, err = s.ApplyRemote(ctx, Delta{
		Ref: noteRef("n2"),
		Ops: []crdt.Op{{Actor: "bob", Clock: 1, Field: "title", Payload: crdt.LWWSet{TS: 1, Value: crdt.String("b")}}},
	})
	require.NoError(t, err)

	st := s.Stats()
	assert.Equal(t, 2, st.Documents)
	assert.Equal(t, int64(2), st.LocalOps)
	assert.Equal(t, int64(1), st.RemoteOps)
	assert.Equal(t, 3, st.QueueDepth, "create + mutate + remote relay")
	assert.Positive(t, st.Clock)
}

func TestStore_StampLWW_StrictlyIncreases(t *testing.T) {
	s := newTestStore(t, "alice")

	prev := int64(0)
	for i := 0; i < 100; i++ {
		ts := s.stampLWW()
		assert.Greater(t, ts, prev)
		prev = ts
	}
}
