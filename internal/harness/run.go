package harness

import (
	"context"
	"errors"
	"fmt"

	"github.com/driftlab/drift/internal/crdt"
	"github.com/driftlab/drift/internal/engine"
	"github.com/driftlab/drift/internal/ledger"
)

// Run executes a scenario in a fresh cluster and returns the result:
// the step trace, every failed expectation, and pass/fail. A returned
// error is an infrastructure failure (malformed scenario, broken
// delivery); divergence between expected and actual outcomes is
// reported in the Result instead.
func Run(ctx context.Context, sc *Scenario) (*Result, error) {
	if err := ValidateScenario(sc); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	schemas, err := sc.compileSchemas()
	if err != nil {
		return nil, err
	}

	opts := []ClusterOption{WithSchemas(schemas...)}
	if len(sc.Committee) > 0 {
		opts = append(opts, WithCommittee(sc.Committee...))
	}
	c, err := NewCluster(sc.Nodes, opts...)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	// Seed accounts and replicate them so every node starts from the
	// same ledger state.
	for _, a := range sc.Accounts {
		n := c.byName[a.Node]
		tier, err := ledger.ParseTier(a.Tier)
		if err != nil {
			return nil, err
		}
		if _, err := n.Ledger.CreateAccount(ctx, a.ID, a.Holder, a.Balance, tier); err != nil {
			return nil, fmt.Errorf("seed account %s: %w", a.ID, err)
		}
	}
	if err := c.Deliver(ctx); err != nil {
		return nil, err
	}

	result := NewResult()
	for i, st := range sc.Steps {
		outcome, err := c.runStep(ctx, st)
		if err != nil {
			return nil, fmt.Errorf("steps[%d] (%s): %w", i, st.Do, err)
		}
		result.addTrace(TraceEvent{
			Step:    st.Do,
			Node:    st.Node,
			Doc:     st.Doc,
			Field:   st.Field,
			Outcome: outcome,
		})

		want := st.Expect
		if want == "" && st.Do != "reconcile" {
			want = "ok"
		}
		if want != "" && outcome != want {
			result.AddError("steps[%d] (%s): outcome %q, want %q", i, st.Do, outcome, want)
		}
	}

	EvaluateAssertions(ctx, c, sc.Assertions, result)

	for _, p := range sc.Properties {
		if err := CheckProperty(ctx, c, p); err != nil {
			result.AddError("property %s: %v", p, err)
		}
	}
	return result, nil
}

// runStep executes one step and classifies its outcome. Expected
// domain rejections (insufficient escrow, immutable conflict, bound
// violation) come back as outcome strings; anything else is an error.
func (c *Cluster) runStep(ctx context.Context, st Step) (string, error) {
	switch st.Do {
	case "sync":
		return "ok", c.Deliver(ctx)
	case "heal":
		return "ok", c.Heal(ctx)
	case "partition":
		return "ok", c.Partition(st.Groups)
	case "reconcile":
		rep, err := c.Reconcile(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("confirmed=%d rejected=%d deferred=%d",
			rep.Confirmed, rep.Rejected, rep.Deferred), nil
	case "spend":
		_, err := c.byName[st.Node].Ledger.Spend(ctx, st.From, st.To, st.Amount, st.Memo)
		return classifyOutcome(err)
	}

	ref, err := engine.ParseRef(st.Doc)
	if err != nil {
		return "", err
	}
	var val crdt.Scalar
	switch st.Do {
	case "set", "add_to_set", "remove_from_set", "append", "insert":
		if val, err = scalarFromYAML(st.Value); err != nil {
			return "", err
		}
	}

	editErr := c.byName[st.Node].edit(ctx, ref, func(tx *engine.Tx) error {
		switch st.Do {
		case "set":
			return tx.Set(st.Field, val)
		case "add":
			return tx.Add(st.Field, st.Amount)
		case "add_to_set":
			return tx.AddToSet(st.Field, val)
		case "remove_from_set":
			return tx.RemoveFromSet(st.Field, val)
		case "append":
			return tx.Append(st.Field, val)
		case "insert":
			return tx.InsertAt(st.Field, st.At, val)
		case "delete_at":
			return tx.DeleteAt(st.Field, st.At)
		case "splice":
			return tx.SpliceText(st.Field, st.At, st.Del, st.Text)
		case "format":
			return tx.FormatText(st.Field, st.At, st.To2, st.Mark)
		}
		return fmt.Errorf("unreachable step kind %q", st.Do)
	})
	return classifyOutcome(editErr)
}

func classifyOutcome(err error) (string, error) {
	switch {
	case err == nil:
		return "ok", nil
	case errors.Is(err, ledger.ErrInsufficientEscrow):
		return "insufficient_escrow", nil
	case errors.Is(err, crdt.ErrImmutableConflict):
		return "immutable_conflict", nil
	case errors.Is(err, engine.ErrBoundViolation):
		return "bound_violation", nil
	default:
		return "", err
	}
}
