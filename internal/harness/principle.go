package harness

import (
	"context"
	"errors"
	"fmt"

	"github.com/driftlab/drift/internal/crdt"
	"github.com/driftlab/drift/internal/engine"
	"github.com/driftlab/drift/internal/ledger"
)

// Property names checkable after a scenario run. They are the
// replication laws of the system, expressed over a concrete cluster
// rather than as abstract algebra: convergence and the delivery-order
// laws assume the scenario ended healed and synced.
const (
	PropConvergence     = "convergence"
	PropIdempotence     = "idempotence"
	PropCommutativity   = "commutativity"
	PropRoundTrip       = "round_trip"
	PropEscrowInvariant = "escrow_invariant"
	PropNoDoubleSpend   = "no_double_spend"
)

func knownProperty(name string) bool {
	switch name {
	case PropConvergence, PropIdempotence, PropCommutativity,
		PropRoundTrip, PropEscrowInvariant, PropNoDoubleSpend:
		return true
	}
	return false
}

// CheckProperty verifies one named law against the cluster's current
// state and delta history.
func CheckProperty(ctx context.Context, c *Cluster, name string) error {
	switch name {
	case PropConvergence:
		return checkConvergence(ctx, c)
	case PropIdempotence:
		return checkIdempotence(ctx, c)
	case PropCommutativity:
		return checkCommutativity(ctx, c)
	case PropRoundTrip:
		return checkRoundTrip(ctx, c)
	case PropEscrowInvariant:
		return assertEscrowInvariant(ctx, c)
	case PropNoDoubleSpend:
		return checkNoDoubleSpendAll(ctx, c)
	}
	return fmt.Errorf("unknown property %q", name)
}

// allRefs is the union of document refs across every replica, in
// node order with duplicates dropped.
func (c *Cluster) allRefs() []engine.Ref {
	seen := make(map[engine.Ref]bool)
	var out []engine.Ref
	for _, n := range c.nodes {
		for _, ref := range n.Store.Refs() {
			if !seen[ref] {
				seen[ref] = true
				out = append(out, ref)
			}
		}
	}
	return out
}

// checkConvergence requires every document to be fingerprint-identical
// on every replica. A replica missing a document entirely counts as
// divergence; after a heal and sync nothing should be absent anywhere.
func checkConvergence(ctx context.Context, c *Cluster) error {
	for _, ref := range c.allRefs() {
		ok, prints, err := c.Converged(ctx, ref)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s diverges: %v", ref, prints)
		}
	}
	return nil
}

// checkIdempotence redelivers the entire published history to every
// replica and requires every fingerprint to stay put.
func checkIdempotence(ctx context.Context, c *Cluster) error {
	before := make(map[string]map[engine.Ref]string, len(c.nodes))
	for _, n := range c.nodes {
		prints := make(map[engine.Ref]string)
		for _, ref := range n.Store.Refs() {
			fp, err := n.Store.Fingerprint(ctx, ref)
			if err != nil {
				return err
			}
			prints[ref] = fp
		}
		before[n.Name] = prints
	}

	for _, n := range c.nodes {
		for _, d := range c.history {
			if _, err := n.Store.ApplyRemote(ctx, d); err != nil && !errors.Is(err, engine.ErrCausalGap) {
				return fmt.Errorf("redeliver to %s: %w", n.Name, err)
			}
		}
	}

	for _, n := range c.nodes {
		for ref, want := range before[n.Name] {
			got, err := n.Store.Fingerprint(ctx, ref)
			if err != nil {
				return err
			}
			if got != want {
				return fmt.Errorf("%s changed on %s under redelivery", ref, n.Name)
			}
		}
	}

	// Redelivery relays nothing new, but drain whatever no-op handling
	// left queued so later checks and assertions see a quiet cluster.
	return c.Deliver(ctx)
}

// checkCommutativity replays the published history in reverse order
// into a fresh replica and requires it to reach the same state as the
// live cluster. Deltas whose dependencies have not landed yet are
// retried until the replay quiesces, the way any out-of-order delivery
// is absorbed.
func checkCommutativity(ctx context.Context, c *Cluster) error {
	replay := engine.NewStore(crdt.Actor("replay"), c.set)
	defer replay.Close()

	pending := make([]engine.Delta, len(c.history))
	for i, d := range c.history {
		pending[len(c.history)-1-i] = d
	}
	for len(pending) > 0 {
		var stuck []engine.Delta
		for _, d := range pending {
			_, err := replay.ApplyRemote(ctx, d)
			if errors.Is(err, engine.ErrCausalGap) {
				stuck = append(stuck, d)
				continue
			}
			if err != nil {
				return err
			}
		}
		if len(stuck) == len(pending) {
			return fmt.Errorf("reverse replay stalled with %d deltas stuck on causal gaps", len(stuck))
		}
		pending = stuck
	}

	ref0 := c.nodes[0]
	for _, ref := range ref0.Store.Refs() {
		want, err := ref0.Store.Fingerprint(ctx, ref)
		if err != nil {
			return err
		}
		got, err := replay.Fingerprint(ctx, ref)
		if err != nil {
			return fmt.Errorf("replay misses %s: %w", ref, err)
		}
		if got != want {
			return fmt.Errorf("%s differs between delivery orders", ref)
		}
	}
	return nil
}

// checkRoundTrip serializes every document's full state and merges it
// into a fresh replica, which must reproduce the fingerprint exactly.
func checkRoundTrip(ctx context.Context, c *Cluster) error {
	fresh := engine.NewStore(crdt.Actor("roundtrip"), c.set)
	defer fresh.Close()

	src := c.nodes[0]
	for _, ref := range src.Store.Refs() {
		state, vector, err := src.Store.FullState(ctx, ref)
		if err != nil {
			return err
		}
		if _, err := fresh.MergeState(ctx, ref, state, vector); err != nil {
			return err
		}
		want, err := src.Store.Fingerprint(ctx, ref)
		if err != nil {
			return err
		}
		got, err := fresh.Fingerprint(ctx, ref)
		if err != nil {
			return err
		}
		if got != want {
			return fmt.Errorf("%s does not survive serialize/merge", ref)
		}
	}
	return nil
}

// checkNoDoubleSpendAll applies the no-double-spend check to every
// account any replica knows.
func checkNoDoubleSpendAll(ctx context.Context, c *Cluster) error {
	seen := make(map[string]bool)
	for _, ref := range c.allRefs() {
		if ref.Namespace != ledger.NSAccount || seen[ref.ID] {
			continue
		}
		seen[ref.ID] = true
		if err := assertNoDoubleSpend(ctx, c, Assertion{Account: ref.ID}); err != nil {
			return err
		}
	}
	return nil
}
