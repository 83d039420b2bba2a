package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftlab/drift/internal/ledger"
)

func TestAdmit_PrefixRule(t *testing.T) {
	mk := func(id string, amount int64) ledger.Transaction {
		return ledger.Transaction{ID: id, Amount: amount}
	}
	txs := []ledger.Transaction{mk("a", 300), mk("b", 300), mk("c", 100)}

	// Everything from the first overflow on is rejected, even entries
	// that would have fit on their own.
	confirm, reject := admit(txs, 500)
	require.Equal(t, []string{"a"}, txIDs(confirm))
	require.Equal(t, []string{"b", "c"}, txIDs(reject))

	confirm, reject = admit(txs, 700)
	require.Equal(t, []string{"a", "b", "c"}, txIDs(confirm))
	require.Empty(t, reject)

	confirm, reject = admit(txs, 0)
	require.Empty(t, confirm)
	require.Len(t, reject, 3)

	confirm, reject = admit(nil, 100)
	require.Empty(t, confirm)
	require.Empty(t, reject)
}

func TestRound_ConfirmsWithinEscrow(t *testing.T) {
	ctx := context.Background()
	committee := newCommittee(t, 4)
	device := newNode(t, "alice-phone", epoch)

	_, err := device.CreateAccount(ctx, "alice", "Alice", 1000, ledger.TierTrusted)
	require.NoError(t, err)
	_, err = device.CreateAccount(ctx, "bob", "Bob", 200, ledger.TierNew)
	require.NoError(t, err)
	tx, err := device.Spend(ctx, "alice", "bob", 300, "")
	require.NoError(t, err)

	all := append(ledgers(committee), device)
	mesh(t, all...)

	const round = 7
	voteAll(t, committee, round)
	mesh(t, all...)

	confirmed, rejected := settleAll(t, committee, round)
	require.Equal(t, 1, confirmed, "exactly one executor applies the transfer")
	require.Zero(t, rejected)
	mesh(t, all...)

	// A second pass is harmless and lets executors republish allowances
	// that depended on transfers applied elsewhere.
	confirmed, rejected = settleAll(t, committee, round)
	require.Zero(t, confirmed)
	require.Zero(t, rejected)
	mesh(t, all...)

	for _, n := range all {
		alice, err := n.Account(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, int64(700), alice.ConfirmedBalance)
		require.Equal(t, int64(350), alice.LocalEscrow)

		bob, err := n.Account(ctx, "bob")
		require.NoError(t, err)
		require.Equal(t, int64(500), bob.ConfirmedBalance)
		require.Zero(t, bob.PendingCredits)
		require.Equal(t, int64(62), bob.LocalEscrow)

		got, err := n.Transaction(ctx, tx.ID)
		require.NoError(t, err)
		require.Equal(t, ledger.StatusConfirmed, got.Status)
		require.Equal(t, committeeNow.UnixMilli(), got.ConfirmedAt)

		pend, err := n.Pending(ctx)
		require.NoError(t, err)
		require.Empty(t, pend)

		// The device's allocation record was re-granted for the new
		// allowance with the spend counter retired.
		rec, err := n.EscrowRecord(ctx, "alice", "alice-phone")
		require.NoError(t, err)
		require.Equal(t, int64(350), rec.Allocated)
		require.Zero(t, rec.Spent)
		require.Equal(t, committeeNow.Add(3*24*time.Hour).UnixMilli(), rec.ExpiresAt)
	}
}

func TestRound_RejectsDoubleSpend(t *testing.T) {
	// Spec scenario: balance 1000, trusted, escrow 500. Two devices of
	// the same account each spend 300 while partitioned — both locally
	// admitted against their own view of the escrow. The committee
	// admits in (created_at, id) order up to the allocation and rejects
	// the overflow.
	ctx := context.Background()
	committee := newCommittee(t, 4)
	phone := newNode(t, "alice-phone", epoch)
	laptop := newNode(t, "alice-laptop", epoch.Add(time.Second))

	_, err := phone.CreateAccount(ctx, "alice", "Alice", 1000, ledger.TierTrusted)
	require.NoError(t, err)
	_, err = phone.CreateAccount(ctx, "bob", "Bob", 0, ledger.TierNew)
	require.NoError(t, err)
	_, err = phone.CreateAccount(ctx, "carol", "Carol", 0, ledger.TierNew)
	require.NoError(t, err)

	all := append(ledgers(committee), phone, laptop)
	mesh(t, all...)

	t1, err := phone.Spend(ctx, "alice", "bob", 300, "")
	require.NoError(t, err)
	t2, err := laptop.Spend(ctx, "alice", "carol", 300, "")
	require.NoError(t, err)
	mesh(t, all...)

	const round = 9
	voteAll(t, committee, round)
	mesh(t, all...)

	confirmed, rejected := settleAll(t, committee, round)
	require.Equal(t, 1, confirmed)
	require.Equal(t, 1, rejected)
	mesh(t, all...)
	settleAll(t, committee, round)
	mesh(t, all...)

	for _, n := range all {
		first, err := n.Transaction(ctx, t1.ID)
		require.NoError(t, err)
		require.Equal(t, ledger.StatusConfirmed, first.Status)

		second, err := n.Transaction(ctx, t2.ID)
		require.NoError(t, err)
		require.Equal(t, ledger.StatusRejected, second.Status)
		require.Zero(t, second.ConfirmedAt)

		alice, err := n.Account(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, int64(700), alice.ConfirmedBalance)
		require.Equal(t, int64(350), alice.LocalEscrow)

		bob, err := n.Account(ctx, "bob")
		require.NoError(t, err)
		require.Equal(t, int64(300), bob.ConfirmedBalance)
		require.Zero(t, bob.PendingCredits)

		carol, err := n.Account(ctx, "carol")
		require.NoError(t, err)
		require.Zero(t, carol.ConfirmedBalance)
		require.Zero(t, carol.PendingCredits)
	}

	// Confirmed outflow for the period never exceeds the allocation.
	var outflow int64
	for _, id := range []string{t1.ID, t2.ID} {
		tx, err := phone.Transaction(ctx, id)
		require.NoError(t, err)
		if tx.Status == ledger.StatusConfirmed {
			outflow += tx.Amount
		}
	}
	require.LessOrEqual(t, outflow, int64(500))
}

func TestRound_EscrowNeverExceedsBalance(t *testing.T) {
	ctx := context.Background()
	committee := newCommittee(t, 4)
	device := newNode(t, "hub", epoch)

	accounts := []struct {
		id      string
		balance int64
		tier    ledger.Tier
	}{
		{"p1", 900, ledger.TierPremium},
		{"v1", 450, ledger.TierVerified},
		{"t1", 1000, ledger.TierTrusted},
		{"n1", 80, ledger.TierNew},
	}
	for _, a := range accounts {
		_, err := device.CreateAccount(ctx, a.id, a.id, a.balance, a.tier)
		require.NoError(t, err)
	}
	_, err := device.Spend(ctx, "t1", "n1", 400, "")
	require.NoError(t, err)
	_, err = device.Spend(ctx, "p1", "v1", 850, "")
	require.NoError(t, err)

	all := append(ledgers(committee), device)
	mesh(t, all...)

	const round = 3
	voteAll(t, committee, round)
	mesh(t, all...)
	settleAll(t, committee, round)
	mesh(t, all...)
	settleAll(t, committee, round)
	mesh(t, all...)

	for _, n := range all {
		got, err := n.Accounts(ctx)
		require.NoError(t, err)
		require.Len(t, got, 4)
		for _, a := range got {
			require.LessOrEqual(t, a.LocalEscrow, a.ConfirmedBalance,
				"account %s: escrow above balance", a.ID)
			require.GreaterOrEqual(t, a.LocalEscrow, int64(0))
		}
	}
}

func TestRound_QuorumMissDefers(t *testing.T) {
	ctx := context.Background()
	committee := newCommittee(t, 4) // quorum 3
	device := newNode(t, "alice-phone", epoch)

	_, err := device.CreateAccount(ctx, "alice", "Alice", 1000, ledger.TierTrusted)
	require.NoError(t, err)
	_, err = device.CreateAccount(ctx, "bob", "Bob", 0, ledger.TierNew)
	require.NoError(t, err)
	tx, err := device.Spend(ctx, "alice", "bob", 300, "")
	require.NoError(t, err)

	all := append(ledgers(committee), device)
	mesh(t, all...)

	// Only two of four members vote: one short of quorum.
	const round = 5
	require.NoError(t, committee[0].rec.CastVote(ctx, round))
	require.NoError(t, committee[1].rec.CastVote(ctx, round))
	mesh(t, all...)

	out, err := committee[0].rec.Settle(ctx, round)
	require.ErrorIs(t, err, ErrQuorumNotReached)
	require.Equal(t, []string{"alice"}, out.Deferred)
	require.Zero(t, out.Confirmed)

	// Nothing settled, nothing replenished.
	got, err := committee[0].led.Transaction(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusPending, got.Status)
	alice, err := committee[0].led.Account(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(200), alice.LocalEscrow)
	require.Equal(t, int64(1000), alice.ConfirmedBalance)

	// The rest of the committee comes back and the same round settles.
	voteAll(t, committee, round)
	mesh(t, all...)
	confirmed, rejected := settleAll(t, committee, round)
	require.Equal(t, 1, confirmed)
	require.Zero(t, rejected)
	mesh(t, all...)

	for _, n := range all {
		got, err := n.Transaction(ctx, tx.ID)
		require.NoError(t, err)
		require.Equal(t, ledger.StatusConfirmed, got.Status)
	}
}

func TestRound_SingleMemberCommittee(t *testing.T) {
	// A roster of one degenerates to f=0, quorum 1: the node settles its
	// own proposals immediately. Useful for solo deployments and a
	// floor for the committee math.
	ctx := context.Background()
	m := newCommittee(t, 1)[0]

	_, err := m.led.CreateAccount(ctx, "alice", "Alice", 1000, ledger.TierVerified)
	require.NoError(t, err)
	_, err = m.led.CreateAccount(ctx, "bob", "Bob", 0, ledger.TierNew)
	require.NoError(t, err)
	tx, err := m.led.Spend(ctx, "alice", "bob", 600, "")
	require.NoError(t, err)

	const round = 11
	require.NoError(t, m.rec.CastVote(ctx, round))
	out, err := m.rec.Settle(ctx, round)
	require.NoError(t, err)
	require.Equal(t, 1, out.Confirmed)

	got, err := m.led.Transaction(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusConfirmed, got.Status)

	alice, err := m.led.Account(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(400), alice.ConfirmedBalance)
	require.Equal(t, int64(300), alice.LocalEscrow) // 400/2 × 3/2

	require.Equal(t, uint64(1), m.rec.Stats().Confirmed)
}

func TestRound_IdleRoundIsQuiet(t *testing.T) {
	// With nothing pending and allowances already right, a round writes
	// no documents at all: no vote, no escrow churn.
	ctx := context.Background()
	committee := newCommittee(t, 4)

	_, err := committee[0].led.CreateAccount(ctx, "alice", "Alice", 1000, ledger.TierTrusted)
	require.NoError(t, err)
	all := ledgers(committee)
	mesh(t, all...)

	const round = 2
	voteAll(t, committee, round)
	confirmed, rejected := settleAll(t, committee, round)
	require.Zero(t, confirmed)
	require.Zero(t, rejected)

	for _, n := range all {
		_, ok := n.Store().Outbound().TryDequeue()
		require.False(t, ok, "idle round should not emit deltas")
	}
}

func TestCastVote_Idempotent(t *testing.T) {
	ctx := context.Background()
	m := newCommittee(t, 1)[0]

	_, err := m.led.CreateAccount(ctx, "alice", "Alice", 1000, ledger.TierTrusted)
	require.NoError(t, err)
	_, err = m.led.CreateAccount(ctx, "bob", "Bob", 0, ledger.TierNew)
	require.NoError(t, err)
	_, err = m.led.Spend(ctx, "alice", "bob", 100, "")
	require.NoError(t, err)

	const round = 4
	require.NoError(t, m.rec.CastVote(ctx, round))
	require.NoError(t, m.rec.CastVote(ctx, round))

	ballots, err := m.rec.memberBallots(ctx, round, "cmte-0")
	require.NoError(t, err)
	require.Len(t, ballots, 1)
	require.Equal(t, "alice", ballots[0].Account)
	require.Len(t, ballots[0].Confirm, 1)
	require.Empty(t, ballots[0].Reject)
}
