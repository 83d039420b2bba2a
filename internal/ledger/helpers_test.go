package ledger

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftlab/drift/internal/crdt"
	"github.com/driftlab/drift/internal/engine"
	"github.com/driftlab/drift/internal/schema"
)

// epoch anchors the deterministic test clock.
var epoch = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

// tickingClock hands out instants one millisecond apart so created_at
// ordering is deterministic.
func tickingClock(start time.Time) func() time.Time {
	var n atomic.Int64
	return func() time.Time {
		return start.Add(time.Duration(n.Add(1)-1) * time.Millisecond)
	}
}

func newLedger(t *testing.T, actor crdt.Actor) *Ledger {
	t.Helper()
	set, err := schema.NewSet(Schema())
	require.NoError(t, err)
	st := engine.NewStore(actor, set)
	t.Cleanup(func() { st.Close() })
	return New(st, WithNow(tickingClock(epoch)))
}

// fund provisions a ready-to-spend account.
func fund(t *testing.T, l *Ledger, id string, balance int64, tier Tier) Account {
	t.Helper()
	a, err := l.CreateAccount(context.Background(), id, id+" holder", balance, tier)
	require.NoError(t, err)
	return a
}

// replicate drains src's outbound deltas into dst, simulating one
// direction of a sync session.
func replicate(t *testing.T, src, dst *Ledger) {
	t.Helper()
	for {
		d, ok := src.st.Outbound().TryDequeue()
		if !ok {
			return
		}
		_, err := dst.st.ApplyRemote(context.Background(), d)
		require.NoError(t, err)
	}
}

func txIDs(txs []Transaction) []string {
	out := make([]string, 0, len(txs))
	for _, t := range txs {
		out = append(out, t.ID)
	}
	return out
}
