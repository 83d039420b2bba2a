package reconcile

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftlab/drift/internal/crdt"
	"github.com/driftlab/drift/internal/engine"
	"github.com/driftlab/drift/internal/ledger"
	"github.com/driftlab/drift/internal/schema"
)

// epoch anchors the deterministic test clocks.
var epoch = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

// committeeNow is the instant every committee member stamps settlements
// with in these tests.
var committeeNow = epoch.Add(time.Hour)

// tickingClock hands out instants one millisecond apart.
func tickingClock(start time.Time) func() time.Time {
	var n atomic.Int64
	return func() time.Time {
		return start.Add(time.Duration(n.Add(1)-1) * time.Millisecond)
	}
}

// newNode builds a ledger over a memory store carrying both built-in
// schemas, the way every node in a credit-bearing deployment does.
func newNode(t *testing.T, actor crdt.Actor, clockStart time.Time) *ledger.Ledger {
	t.Helper()
	set, err := schema.NewSet(ledger.Schema(), Schema())
	require.NoError(t, err)
	st := engine.NewStore(actor, set)
	t.Cleanup(func() { st.Close() })
	return ledger.New(st, ledger.WithNow(tickingClock(clockStart)))
}

// member is one committee node.
type member struct {
	led *ledger.Ledger
	rec *Reconciler
}

// newCommittee builds n in-process committee members sharing a roster.
func newCommittee(t *testing.T, n int) []member {
	t.Helper()
	roster := make([]string, n)
	for i := range roster {
		roster[i] = fmt.Sprintf("cmte-%d", i)
	}
	out := make([]member, n)
	for i := range out {
		led := newNode(t, crdt.Actor(roster[i]), epoch)
		rec, err := New(led, Config{
			Self:     roster[i],
			Members:  roster,
			Interval: time.Minute,
			VoteWait: time.Second,
			Now:      func() time.Time { return committeeNow },
		})
		require.NoError(t, err)
		out[i] = member{led: led, rec: rec}
	}
	return out
}

func ledgers(committee []member) []*ledger.Ledger {
	out := make([]*ledger.Ledger, len(committee))
	for i, m := range committee {
		out[i] = m.led
	}
	return out
}

// mesh relays deltas all-to-all until every outbound queue is quiet,
// converging the whole group.
func mesh(t *testing.T, nodes ...*ledger.Ledger) {
	t.Helper()
	stores := make([]*engine.Store, len(nodes))
	for i, n := range nodes {
		stores[i] = n.Store()
	}
	for {
		moved := false
		for _, src := range stores {
			for {
				d, ok := src.Outbound().TryDequeue()
				if !ok {
					break
				}
				moved = true
				for _, dst := range stores {
					if dst == src {
						continue
					}
					_, err := dst.ApplyRemote(context.Background(), d)
					require.NoError(t, err)
				}
			}
		}
		if !moved {
			return
		}
	}
}

// settleAll runs one Settle pass on every member and returns the sum of
// transactions confirmed and rejected across the committee.
func settleAll(t *testing.T, committee []member, round uint64) (confirmed, rejected int) {
	t.Helper()
	for _, m := range committee {
		out, err := m.rec.Settle(context.Background(), round)
		require.NoError(t, err)
		confirmed += out.Confirmed
		rejected += out.Rejected
	}
	return confirmed, rejected
}

// voteAll casts every member's vote for a round.
func voteAll(t *testing.T, committee []member, round uint64) {
	t.Helper()
	for _, m := range committee {
		require.NoError(t, m.rec.CastVote(context.Background(), round))
	}
}
