package harness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlab/drift/internal/ledger"
)

// seedAccounts creates the two test accounts on one node and
// replicates them everywhere.
func seedAccounts(t *testing.T, ctx context.Context, c *Cluster, on string) {
	t.Helper()
	n, ok := c.Node(on)
	require.True(t, ok)
	_, err := n.Ledger.CreateAccount(ctx, "acct-a", "alice", 1000, ledger.TierTrusted)
	require.NoError(t, err)
	_, err = n.Ledger.CreateAccount(ctx, "acct-b", "bob", 0, ledger.TierNew)
	require.NoError(t, err)
	require.NoError(t, c.Deliver(ctx))
}

func TestCluster_Reconcile_NoCommittee(t *testing.T) {
	c := newTestCluster(t, []string{"a", "b"})
	_, err := c.Reconcile(context.Background())
	require.Error(t, err)
}

// Two devices spend against the same escrow while partitioned from
// each other. Together the spends exceed the allowance, so the
// committee confirms the earlier one and rejects the other, then
// recomputes escrow from the settled balance.
func TestCluster_OverlappingOfflineSpends_SettleOnce(t *testing.T) {
	ctx := context.Background()
	names := []string{"phone", "laptop", "hub", "audit"}
	c := newTestCluster(t, names, WithCommittee(names...))
	seedAccounts(t, ctx, c, "hub")

	require.NoError(t, c.Partition([][]string{{"phone"}, {"laptop", "hub", "audit"}}))

	phone, _ := c.Node("phone")
	laptop, _ := c.Node("laptop")
	tx1, err := phone.Ledger.Spend(ctx, "acct-a", "acct-b", 300, "groceries")
	require.NoError(t, err)
	tx2, err := laptop.Ledger.Spend(ctx, "acct-a", "acct-b", 300, "rent share")
	require.NoError(t, err)

	// Each device burned its own replica of the escrow register; the
	// other's spend is invisible across the cut.
	acct, err := phone.Ledger.Account(ctx, "acct-a")
	require.NoError(t, err)
	assert.Equal(t, int64(200), acct.LocalEscrow)

	require.NoError(t, c.Heal(ctx))

	rep, err := c.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Confirmed, "only the earlier spend fits the allowance")
	assert.Equal(t, 1, rep.Rejected)
	assert.Equal(t, 0, rep.Deferred)
	assert.Equal(t, int64(500), c.Granted("acct-a"))

	for _, n := range c.Nodes() {
		a, err := n.Ledger.Account(ctx, "acct-a")
		require.NoError(t, err)
		assert.Equal(t, int64(700), a.ConfirmedBalance, "on %s", n.Name)
		assert.Equal(t, int64(350), a.LocalEscrow, "escrow recomputed from settled balance on %s", n.Name)

		b, err := n.Ledger.Account(ctx, "acct-b")
		require.NoError(t, err)
		assert.Equal(t, int64(300), b.ConfirmedBalance, "on %s", n.Name)
		assert.Equal(t, int64(0), b.PendingCredits, "both credits retired on %s", n.Name)

		got1, err := n.Ledger.Transaction(ctx, tx1.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusConfirmed, got1.Status, "on %s", n.Name)
		got2, err := n.Ledger.Transaction(ctx, tx2.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusRejected, got2.Status, "on %s", n.Name)
	}

	// An idle follow-up round refreshes the recipient's allowance from
	// its new balance: 300 at the new tier.
	rep, err = c.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Confirmed)
	assert.Zero(t, rep.Rejected)

	for _, n := range c.Nodes() {
		b, err := n.Ledger.Account(ctx, "acct-b")
		require.NoError(t, err)
		assert.Equal(t, ledger.EscrowFor(300, ledger.TierNew), b.LocalEscrow, "on %s", n.Name)
	}

	for _, p := range []string{PropConvergence, PropIdempotence, PropRoundTrip,
		PropEscrowInvariant, PropNoDoubleSpend} {
		assert.NoError(t, CheckProperty(ctx, c, p), "property %s", p)
	}
}

// A committee split down the middle cannot reach quorum; the account
// defers and settles in the round after the split heals.
func TestCluster_SplitCommittee_DefersUntilQuorum(t *testing.T) {
	ctx := context.Background()
	names := []string{"phone", "laptop", "hub", "audit"}
	c := newTestCluster(t, names, WithCommittee(names...))
	seedAccounts(t, ctx, c, "hub")

	phone, _ := c.Node("phone")
	tx, err := phone.Ledger.Spend(ctx, "acct-a", "acct-b", 100, "")
	require.NoError(t, err)
	require.NoError(t, c.Deliver(ctx))
	require.NoError(t, c.Partition([][]string{{"phone", "laptop"}, {"hub", "audit"}}))

	rep, err := c.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Confirmed, "two matching votes are short of a quorum of three")
	assert.Equal(t, 1, rep.Deferred)

	got, err := phone.Ledger.Transaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, got.Status)

	require.NoError(t, c.Heal(ctx))
	rep, err = c.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Confirmed)
	assert.Zero(t, rep.Deferred)

	for _, n := range c.Nodes() {
		got, err := n.Ledger.Transaction(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusConfirmed, got.Status, "on %s", n.Name)
	}
	assert.NoError(t, CheckProperty(ctx, c, PropNoDoubleSpend))
}

func TestCluster_SpendBeyondEscrow_RejectedLocally(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t, []string{"phone", "hub"}, WithCommittee("phone", "hub"))
	seedAccounts(t, ctx, c, "hub")

	phone, _ := c.Node("phone")
	_, err := phone.Ledger.Spend(ctx, "acct-a", "acct-b", 600, "")
	require.ErrorIs(t, err, ledger.ErrInsufficientEscrow,
		"escrow is 500 for a trusted balance of 1000")

	// Nothing was written, so the replicas stay identical.
	require.NoError(t, c.Deliver(ctx))
	assert.NoError(t, CheckProperty(ctx, c, PropConvergence))
}