package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlab/drift/internal/crdt"
	"github.com/driftlab/drift/internal/schema"
)

func TestStore_OpsSince_ReturnsMissingOps(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newLoggedStore(t, "alice")

	_, err := s.Create(ctx, noteRef("n1"), func(tx *Tx) error {
		return tx.Set("title", crdt.String("v0"))
	})
	require.NoError(t, err)

	seen, err := s.Vector(ctx, noteRef("n1"))
	require.NoError(t, err)

	d1, err := s.Mutate(ctx, noteRef("n1"), func(tx *Tx) error {
		return tx.Add("votes", 3)
	})
	require.NoError(t, err)
	d2, err := s.Mutate(ctx, noteRef("n1"), func(tx *Tx) error {
		return tx.AddToSet("tags", crdt.String("urgent"))
	})
	require.NoError(t, err)

	diff, err := s.OpsSince(ctx, noteRef("n1"), seen)
	require.NoError(t, err)
	require.Len(t, diff.Ops, 2, "exactly the ops beyond the vector")
	assert.Equal(t, crdt.MustOpID(d1.Ops[0]), crdt.MustOpID(diff.Ops[0]))
	assert.Equal(t, crdt.MustOpID(d2.Ops[0]), crdt.MustOpID(diff.Ops[1]))
}

func TestStore_OpsSince_EmptyVectorReturnsAll(t *testing.T) {
	ctx := context.Background()
	s, log, _ := newLoggedStore(t, "alice")

	_, err := s.Create(ctx, noteRef("n1"), func(tx *Tx) error {
		if err := tx.Set("title", crdt.String("v0")); err != nil {
			return err
		}
		return tx.Add("votes", 1)
	})
	require.NoError(t, err)

	diff, err := s.OpsSince(ctx, noteRef("n1"), StateVector{})
	require.NoError(t, err)

	total, err := log.CountOps(ctx, "app/note", "n1")
	require.NoError(t, err)
	assert.Equal(t, int64(len(diff.Ops)), total, "full history for a fresh peer")
	assert.True(t, diff.Vector().Covers(StateVector{"alice": 2}))
}

func TestStore_OpsSince_UpToDatePeer(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newLoggedStore(t, "alice")

	_, err := s.Create(ctx, noteRef("n1"), func(tx *Tx) error {
		return tx.Set("title", crdt.String("v0"))
	})
	require.NoError(t, err)

	seen, err := s.Vector(ctx, noteRef("n1"))
	require.NoError(t, err)

	diff, err := s.OpsSince(ctx, noteRef("n1"), seen)
	require.NoError(t, err)
	assert.True(t, diff.Empty())
}

func TestStore_OpsSince_MemoryStore(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "alice")

	_, err := s.Create(ctx, noteRef("n1"), nil)
	require.NoError(t, err)

	_, err = s.OpsSince(ctx, noteRef("n1"), StateVector{})
	assert.ErrorIs(t, err, ErrNoLog)
}

func TestStore_OpsSince_NotFound(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newLoggedStore(t, "alice")

	_, err := s.OpsSince(ctx, noteRef("ghost"), StateVector{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_FullStateMergeState_RoundTrip(t *testing.T) {
	ctx := context.Background()
	alice := newTestStore(t, "alice")
	bob := newTestStore(t, "bob")

	_, err := alice.Create(ctx, noteRef("n1"), func(tx *Tx) error {
		if err := tx.Set("title", crdt.String("meeting notes")); err != nil {
			return err
		}
		if err := tx.Add("votes", 7); err != nil {
			return err
		}
		return tx.AddToSet("tags", crdt.String("work"))
	})
	require.NoError(t, err)

	state, vector, err := alice.FullState(ctx, noteRef("n1"))
	require.NoError(t, err)
	require.NotEmpty(t, state)

	changed, err := bob.MergeState(ctx, noteRef("n1"), state, vector)
	require.NoError(t, err)
	assert.True(t, changed, "first merge materializes new state")

	view, err := bob.Read(ctx, noteRef("n1"))
	require.NoError(t, err)
	title, _ := view.String("title")
	assert.Equal(t, "meeting notes", title)
	votes, _ := view.Int("votes")
	assert.Equal(t, int64(7), votes)
	tags, _ := view.Array("tags")
	assert.Equal(t, crdt.Array{crdt.String("work")}, tags)
	assert.True(t, view.Vector.Covers(vector), "vectors merge with state")

	// Replicas holding the same state fingerprint identically.
	fa, err := alice.Fingerprint(ctx, noteRef("n1"))
	require.NoError(t, err)
	fb, err := bob.Fingerprint(ctx, noteRef("n1"))
	require.NoError(t, err)
	assert.Equal(t, fa, fb)

	// Re-merging the same state is a no-op.
	changed, err = bob.MergeState(ctx, noteRef("n1"), state, vector)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestStore_MergeState_KeepsConcurrentEdits(t *testing.T) {
	ctx := context.Background()
	alice := newTestStore(t, "alice")
	bob := newTestStore(t, "bob")

	_, err := alice.Create(ctx, noteRef("n1"), func(tx *Tx) error {
		return tx.AddToSet("tags", crdt.String("from-alice"))
	})
	require.NoError(t, err)
	_, err = bob.Create(ctx, noteRef("n1"), func(tx *Tx) error {
		if err := tx.AddToSet("tags", crdt.String("from-bob")); err != nil {
			return err
		}
		return tx.Add("votes", 2)
	})
	require.NoError(t, err)

	state, vector, err := alice.FullState(ctx, noteRef("n1"))
	require.NoError(t, err)
	changed, err := bob.MergeState(ctx, noteRef("n1"), state, vector)
	require.NoError(t, err)
	assert.True(t, changed)

	view, err := bob.Read(ctx, noteRef("n1"))
	require.NoError(t, err)
	tags, _ := view.Array("tags")
	assert.ElementsMatch(t,
		crdt.Array{crdt.String("from-alice"), crdt.String("from-bob")}, tags,
		"state merge must not clobber local adds")
	votes, _ := view.Int("votes")
	assert.Equal(t, int64(2), votes)
}

func TestStore_MergeState_HealsCompactionGap(t *testing.T) {
	ctx := context.Background()
	alice, log, _ := newLoggedStore(t, "alice")

	_, err := alice.Create(ctx, noteRef("n1"), func(tx *Tx) error {
		return tx.SpliceText("body", 0, 0, "hello")
	})
	require.NoError(t, err)
	_, err = alice.Mutate(ctx, noteRef("n1"), func(tx *Tx) error {
		return tx.Add("votes", 5)
	})
	require.NoError(t, err)

	require.NoError(t, alice.Compact(ctx, noteRef("n1")))
	count, err := log.CountOps(ctx, "app/note", "n1")
	require.NoError(t, err)
	require.Zero(t, count)

	// The op log can no longer serve a fresh peer.
	diff, err := alice.OpsSince(ctx, noteRef("n1"), StateVector{})
	require.NoError(t, err)
	require.True(t, diff.Empty(), "compacted history is gone from the log")

	// Full state still can.
	state, vector, err := alice.FullState(ctx, noteRef("n1"))
	require.NoError(t, err)

	bob := newTestStore(t, "bob")
	changed, err := bob.MergeState(ctx, noteRef("n1"), state, vector)
	require.NoError(t, err)
	assert.True(t, changed)

	view, err := bob.Read(ctx, noteRef("n1"))
	require.NoError(t, err)
	body, _ := view.String("body")
	assert.Equal(t, "hello", body)
	votes, _ := view.Int("votes")
	assert.Equal(t, int64(5), votes)
}

func TestStore_MergeState_AdvancesClockPastMergedWrites(t *testing.T) {
	ctx := context.Background()
	alice := newTestStore(t, "alice")
	bob := newTestStore(t, "bob")

	_, err := alice.Create(ctx, noteRef("n1"), func(tx *Tx) error {
		return tx.SpliceText("body", 0, 0, "0123456789")
	})
	require.NoError(t, err)

	state, vector, err := alice.FullState(ctx, noteRef("n1"))
	require.NoError(t, err)
	_, err = bob.MergeState(ctx, noteRef("n1"), state, vector)
	require.NoError(t, err)

	delta, err := bob.Mutate(ctx, noteRef("n1"), func(tx *Tx) error {
		return tx.Add("votes", 1)
	})
	require.NoError(t, err)
	require.Len(t, delta.Ops, 1)
	assert.Greater(t, delta.Ops[0].Clock, vector["alice"],
		"local writes after a merge must sort after everything merged")
}

func TestStore_MergeState_NotifiesWithoutRelay(t *testing.T) {
	ctx := context.Background()
	alice := newTestStore(t, "alice")
	bob := newTestStore(t, "bob")

	_, err := alice.Create(ctx, noteRef("n1"), func(tx *Tx) error {
		return tx.Set("title", crdt.String("shared"))
	})
	require.NoError(t, err)

	var events []Event
	bob.Subscribe(noteRef("n1"), func(ev Event) { events = append(events, ev) })

	state, vector, err := alice.FullState(ctx, noteRef("n1"))
	require.NoError(t, err)
	changed, err := bob.MergeState(ctx, noteRef("n1"), state, vector)
	require.NoError(t, err)
	require.True(t, changed)

	require.Len(t, events, 1)
	assert.Equal(t, OriginRemote, events[0].Origin)
	title, _ := events[0].View.String("title")
	assert.Equal(t, "shared", title)

	// There are no ops to relay; the outbound queue stays quiet.
	assert.Zero(t, bob.Outbound().Len())

	// An unchanged re-merge stays silent too.
	_, err = bob.MergeState(ctx, noteRef("n1"), state, vector)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestStore_MergeState_PersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	alice := newTestStore(t, "alice")
	bob, _, path := newLoggedStore(t, "bob")

	_, err := alice.Create(ctx, noteRef("n1"), func(tx *Tx) error {
		return tx.Set("title", crdt.String("durable"))
	})
	require.NoError(t, err)

	state, vector, err := alice.FullState(ctx, noteRef("n1"))
	require.NoError(t, err)
	_, err = bob.MergeState(ctx, noteRef("n1"), state, vector)
	require.NoError(t, err)
	require.NoError(t, bob.Close())

	reopened, _ := reopenStore(t, "bob", path)
	view, err := reopened.Read(ctx, noteRef("n1"))
	require.NoError(t, err)
	title, _ := view.String("title")
	assert.Equal(t, "durable", title)
	assert.True(t, view.Vector.Covers(vector))
}

func TestStore_MergeState_RejectsStrategyMismatch(t *testing.T) {
	ctx := context.Background()

	// A peer whose schema declares "title" as a counter produces state
	// that must not fold into a register.
	rogueSchema := &schema.Schema{
		Name: "app",
		Documents: []schema.Document{{
			Namespace: "app/note",
			Name:      "note",
			Fields: []schema.Field{
				{Name: "title", Type: "int", Strategy: crdt.StrategyPNCounter},
			},
		}},
	}
	rogueSet, err := schema.NewSet(rogueSchema)
	require.NoError(t, err)
	rogue := NewStore("mallory", rogueSet, WithNow(tickingNow()), WithTagSource(seqTags("mallory")))
	t.Cleanup(func() { rogue.Close() })

	_, err = rogue.Create(ctx, noteRef("n1"), func(tx *Tx) error {
		return tx.Add("title", 9)
	})
	require.NoError(t, err)
	state, vector, err := rogue.FullState(ctx, noteRef("n1"))
	require.NoError(t, err)

	s := newTestStore(t, "alice")
	_, err = s.MergeState(ctx, noteRef("n1"), state, vector)
	assert.ErrorIs(t, err, crdt.ErrStrategyMismatch)
}

func TestStore_MergeState_RejectsUnknownField(t *testing.T) {
	ctx := context.Background()

	wideSchema := &schema.Schema{
		Name: "app",
		Documents: []schema.Document{{
			Namespace: "app/note",
			Name:      "note",
			Fields: []schema.Field{
				{Name: "title", Type: "string", Strategy: crdt.StrategyLWW},
				{Name: "secret", Type: "string", Strategy: crdt.StrategyLWW},
			},
		}},
	}
	wideSet, err := schema.NewSet(wideSchema)
	require.NoError(t, err)
	wide := NewStore("carol", wideSet, WithNow(tickingNow()), WithTagSource(seqTags("carol")))
	t.Cleanup(func() { wide.Close() })

	_, err = wide.Create(ctx, noteRef("n1"), func(tx *Tx) error {
		return tx.Set("secret", crdt.String("x"))
	})
	require.NoError(t, err)
	state, vector, err := wide.FullState(ctx, noteRef("n1"))
	require.NoError(t, err)

	s := newTestStore(t, "alice")
	_, err = s.MergeState(ctx, noteRef("n1"), state, vector)
	assert.ErrorIs(t, err, ErrUnknownField)
}

func TestStore_MergeState_GarbageState(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "alice")

	_, err := s.MergeState(ctx, noteRef("n1"), []byte("not canonical"), StateVector{})
	assert.ErrorIs(t, err, ErrBadState)
}
