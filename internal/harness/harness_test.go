package harness

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlab/drift/internal/crdt"
	"github.com/driftlab/drift/internal/engine"
)

var noteRef = engine.Ref{Namespace: "app/note", ID: "n1"}

func TestNewCluster_Validation(t *testing.T) {
	_, err := NewCluster(nil)
	require.Error(t, err, "empty cluster must be rejected")

	_, err = NewCluster([]string{"a", "a"})
	require.Error(t, err, "duplicate node names must be rejected")

	_, err = NewCluster([]string{"a", "b"}, WithCommittee("a", "ghost"))
	require.Error(t, err, "committee members must be cluster nodes")
}

func TestCluster_PNCounter_SumsContributions(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t, []string{"a", "b", "c"})

	for _, n := range c.Nodes() {
		require.NoError(t, n.edit(ctx, noteRef, func(tx *engine.Tx) error {
			return tx.Add("votes", 10)
		}))
	}
	a, _ := c.Node("a")
	require.NoError(t, a.edit(ctx, noteRef, func(tx *engine.Tx) error {
		return tx.Add("votes", -5)
	}))
	require.NoError(t, c.Deliver(ctx))

	for _, n := range c.Nodes() {
		v, err := n.Store.Read(ctx, noteRef)
		require.NoError(t, err)
		total, ok := v.Int("votes")
		require.True(t, ok)
		assert.Equal(t, int64(25), total, "every replica totals all contributions on %s", n.Name)
	}

	ok, _, err := c.Converged(ctx, noteRef)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCluster_ORSet_DisjointAddsUnion(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t, []string{"a", "b"})
	a, _ := c.Node("a")
	b, _ := c.Node("b")

	require.NoError(t, a.edit(ctx, noteRef, func(tx *engine.Tx) error {
		return tx.Set("title", crdt.String("shared"))
	}))
	require.NoError(t, c.Deliver(ctx))
	require.NoError(t, c.Partition([][]string{{"a"}, {"b"}}))

	const perSide = 500
	for i := 0; i < perSide; i++ {
		tag := crdt.String(fmt.Sprintf("a-%03d", i))
		require.NoError(t, a.edit(ctx, noteRef, func(tx *engine.Tx) error {
			return tx.AddToSet("tags", tag)
		}))
		tag = crdt.String(fmt.Sprintf("b-%03d", i))
		require.NoError(t, b.edit(ctx, noteRef, func(tx *engine.Tx) error {
			return tx.AddToSet("tags", tag)
		}))
	}
	require.NoError(t, c.Heal(ctx))

	for _, n := range c.Nodes() {
		v, err := n.Store.Read(ctx, noteRef)
		require.NoError(t, err)
		arr, _ := v.Array("tags")
		assert.Len(t, arr, 2*perSide, "union of disjoint adds on %s", n.Name)
	}
	ok, prints, err := c.Converged(ctx, noteRef)
	require.NoError(t, err)
	assert.True(t, ok, "fingerprints: %v", prints)
}

func TestCluster_ConcurrentLWW_ConvergesToOneWriter(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t, []string{"a", "b"})
	a, _ := c.Node("a")
	b, _ := c.Node("b")

	require.NoError(t, c.Partition([][]string{{"a"}, {"b"}}))
	require.NoError(t, a.edit(ctx, noteRef, func(tx *engine.Tx) error {
		return tx.Set("title", crdt.String("from-a"))
	}))
	require.NoError(t, b.edit(ctx, noteRef, func(tx *engine.Tx) error {
		return tx.Set("title", crdt.String("from-b"))
	}))
	require.NoError(t, c.Heal(ctx))

	ok, prints, err := c.Converged(ctx, noteRef)
	require.NoError(t, err)
	require.True(t, ok, "fingerprints: %v", prints)

	va, err := a.Store.Read(ctx, noteRef)
	require.NoError(t, err)
	vb, err := b.Store.Read(ctx, noteRef)
	require.NoError(t, err)
	ta, _ := va.String("title")
	tb, _ := vb.String("title")
	assert.Equal(t, ta, tb)
	assert.Contains(t, []string{"from-a", "from-b"}, ta)
}

func TestCluster_ImmutableField_ConflictSurfaces(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t, []string{"a"})
	a, _ := c.Node("a")

	require.NoError(t, a.edit(ctx, noteRef, func(tx *engine.Tx) error {
		return tx.Set("owner", crdt.String("alice"))
	}))
	err := a.edit(ctx, noteRef, func(tx *engine.Tx) error {
		return tx.Set("owner", crdt.String("mallory"))
	})
	require.ErrorIs(t, err, crdt.ErrImmutableConflict)
}

func TestCluster_BoundedField_RejectsWriteBelowMin(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t, []string{"a"})
	a, _ := c.Node("a")

	require.NoError(t, a.edit(ctx, noteRef, func(tx *engine.Tx) error {
		return tx.Set("stock", crdt.Int(3))
	}))
	err := a.edit(ctx, noteRef, func(tx *engine.Tx) error {
		return tx.Set("stock", crdt.Int(-5))
	})
	require.ErrorIs(t, err, engine.ErrBoundViolation)
}

func TestCluster_Partition_Validation(t *testing.T) {
	c := newTestCluster(t, []string{"a", "b", "c"})

	require.Error(t, c.Partition([][]string{{"a"}, {"ghost"}}),
		"unknown node must be rejected")
	require.Error(t, c.Partition([][]string{{"a", "b"}, {"b", "c"}}),
		"a node in two groups must be rejected")
	require.Error(t, c.Partition([][]string{{"a"}, {"b"}}),
		"a partition must cover every node")
	require.NoError(t, c.Partition([][]string{{"a", "b"}, {"c"}}))
}

func TestCluster_Partition_IsolatesThenHeals(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t, []string{"n1", "n2", "n3", "n4", "n5"})
	require.NoError(t, c.Partition([][]string{{"n1", "n2", "n3"}, {"n4", "n5"}}))

	n1, _ := c.Node("n1")
	n4, _ := c.Node("n4")
	require.NoError(t, n1.edit(ctx, noteRef, func(tx *engine.Tx) error {
		return tx.AddToSet("tags", crdt.String("left"))
	}))
	require.NoError(t, n4.edit(ctx, noteRef, func(tx *engine.Tx) error {
		return tx.AddToSet("tags", crdt.String("right"))
	}))
	require.NoError(t, c.Deliver(ctx))

	// Inside a group the edit replicated; across the cut it did not.
	fp := func(name string) string {
		n, _ := c.Node(name)
		p, err := n.Store.Fingerprint(ctx, noteRef)
		if err != nil {
			return "absent"
		}
		return p
	}
	assert.Equal(t, fp("n1"), fp("n2"))
	assert.Equal(t, fp("n1"), fp("n3"))
	assert.Equal(t, fp("n4"), fp("n5"))
	assert.NotEqual(t, fp("n1"), fp("n4"))

	require.NoError(t, c.Heal(ctx))
	ok, prints, err := c.Converged(ctx, noteRef)
	require.NoError(t, err)
	require.True(t, ok, "fingerprints after heal: %v", prints)

	v, err := n4.Store.Read(ctx, noteRef)
	require.NoError(t, err)
	arr, _ := v.Array("tags")
	assert.Len(t, arr, 2)
}

func TestCluster_Converged_ReportsAbsentReplicas(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t, []string{"a", "b"})
	require.NoError(t, c.Partition([][]string{{"a"}, {"b"}}))

	a, _ := c.Node("a")
	require.NoError(t, a.edit(ctx, noteRef, func(tx *engine.Tx) error {
		return tx.Set("title", crdt.String("only here"))
	}))
	require.NoError(t, c.Deliver(ctx))

	ok, prints, err := c.Converged(ctx, noteRef)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "absent", prints["b"])

	require.NoError(t, c.Heal(ctx))
	ok, _, err = c.Converged(ctx, noteRef)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCluster_RGA_SingleWriterOrderPreserved(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t, []string{"a", "b"})
	a, _ := c.Node("a")

	for _, it := range []string{"first", "second", "third"} {
		item := crdt.String(it)
		require.NoError(t, a.edit(ctx, noteRef, func(tx *engine.Tx) error {
			return tx.Append("items", item)
		}))
	}
	require.NoError(t, a.edit(ctx, noteRef, func(tx *engine.Tx) error {
		return tx.InsertAt("items", 1, crdt.String("between"))
	}))
	require.NoError(t, c.Deliver(ctx))

	b, _ := c.Node("b")
	v, err := b.Store.Read(ctx, noteRef)
	require.NoError(t, err)
	arr, _ := v.Array("items")
	assert.Equal(t, crdt.Array{
		crdt.String("first"), crdt.String("between"),
		crdt.String("second"), crdt.String("third"),
	}, arr)
}
