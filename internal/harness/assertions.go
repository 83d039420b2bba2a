package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/driftlab/drift/internal/crdt"
	"github.com/driftlab/drift/internal/engine"
	"github.com/driftlab/drift/internal/ledger"
)

// AssertionError reports one failed assertion with both sides of the
// comparison spelled out.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	return fmt.Sprintf("%s: expected %s, got %s", e.Type, e.Expected, e.Actual)
}

func fail(typ, expected string, actualFormat string, args ...any) error {
	return &AssertionError{Type: typ, Expected: expected, Actual: fmt.Sprintf(actualFormat, args...)}
}

// EvaluateAssertions checks every assertion against the cluster's
// current state, recording failures in the result. Infrastructure
// errors (unreadable documents, malformed refs) are recorded the same
// way; an assertion that cannot be evaluated has failed.
func EvaluateAssertions(ctx context.Context, c *Cluster, assertions []Assertion, result *Result) {
	for i, a := range assertions {
		if err := evaluate(ctx, c, a); err != nil {
			result.AddError("assertions[%d]: %v", i, err)
		}
	}
}

func evaluate(ctx context.Context, c *Cluster, a Assertion) error {
	switch a.Type {
	case AssertConverged:
		return assertConverged(ctx, c, a)
	case AssertFieldEquals:
		return assertFieldEquals(ctx, c, a)
	case AssertSetSize:
		return assertSetSize(ctx, c, a)
	case AssertSetContains:
		return assertSetContains(ctx, c, a)
	case AssertListEquals:
		return assertListEquals(ctx, c, a)
	case AssertSettledCount:
		return assertSettledCount(ctx, c, a)
	case AssertEscrowInvariant:
		return assertEscrowInvariant(ctx, c)
	case AssertNoDoubleSpend:
		return assertNoDoubleSpend(ctx, c, a)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func (c *Cluster) view(ctx context.Context, node, doc string) (engine.View, error) {
	ref, err := engine.ParseRef(doc)
	if err != nil {
		return engine.View{}, err
	}
	n, ok := c.byName[node]
	if !ok {
		return engine.View{}, fmt.Errorf("unknown node %q", node)
	}
	return n.Store.Read(ctx, ref)
}

func assertConverged(ctx context.Context, c *Cluster, a Assertion) error {
	ref, err := engine.ParseRef(a.Doc)
	if err != nil {
		return err
	}
	ok, prints, err := c.Converged(ctx, ref)
	if err != nil {
		return err
	}
	if !ok {
		parts := make([]string, 0, len(prints))
		for _, n := range c.nodes {
			parts = append(parts, fmt.Sprintf("%s=%s", n.Name, short(prints[n.Name])))
		}
		return fail("converged", fmt.Sprintf("identical state for %s on every node", a.Doc),
			"fingerprints diverge: %s", strings.Join(parts, " "))
	}
	return nil
}

// short truncates a fingerprint for readable failure output.
func short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

func assertFieldEquals(ctx context.Context, c *Cluster, a Assertion) error {
	v, err := c.view(ctx, a.Node, a.Doc)
	if err != nil {
		return err
	}
	want, err := scalarFromYAML(a.Value)
	if err != nil {
		return err
	}
	got, ok := v.Get(a.Field)
	if !ok {
		return fail("field_equals", fmt.Sprintf("%s.%s = %v on %s", a.Doc, a.Field, a.Value, a.Node),
			"field is unset")
	}
	if !crdt.Equal(got, want) {
		return fail("field_equals", fmt.Sprintf("%s.%s = %v on %s", a.Doc, a.Field, a.Value, a.Node),
			"%v", got)
	}
	return nil
}

func assertSetSize(ctx context.Context, c *Cluster, a Assertion) error {
	arr, err := c.array(ctx, a)
	if err != nil {
		return err
	}
	if len(arr) != a.Count {
		return fail("set_size", fmt.Sprintf("%s.%s has %d elements on %s", a.Doc, a.Field, a.Count, a.Node),
			"%d elements", len(arr))
	}
	return nil
}

func assertSetContains(ctx context.Context, c *Cluster, a Assertion) error {
	arr, err := c.array(ctx, a)
	if err != nil {
		return err
	}
	want, err := scalarFromYAML(a.Value)
	if err != nil {
		return err
	}
	for _, el := range arr {
		if crdt.Equal(el, want) {
			return nil
		}
	}
	return fail("set_contains", fmt.Sprintf("%s.%s contains %v on %s", a.Doc, a.Field, a.Value, a.Node),
		"absent from %d element(s)", len(arr))
}

func assertListEquals(ctx context.Context, c *Cluster, a Assertion) error {
	arr, err := c.array(ctx, a)
	if err != nil {
		return err
	}
	want := make(crdt.Array, len(a.Values))
	for i, v := range a.Values {
		sc, err := scalarFromYAML(v)
		if err != nil {
			return err
		}
		want[i] = sc
	}
	if !crdt.Equal(arr, want) {
		return fail("list_equals", fmt.Sprintf("%s.%s = %v on %s", a.Doc, a.Field, a.Values, a.Node),
			"%v", arr)
	}
	return nil
}

func (c *Cluster) array(ctx context.Context, a Assertion) (crdt.Array, error) {
	v, err := c.view(ctx, a.Node, a.Doc)
	if err != nil {
		return nil, err
	}
	arr, _ := v.Array(a.Field)
	return arr, nil
}

// outgoing lists one account's outgoing transactions as seen by one
// node.
func (c *Cluster) outgoing(ctx context.Context, node *Node, account string) ([]ledger.Transaction, error) {
	var out []ledger.Transaction
	for _, ref := range node.Store.Refs() {
		if ref.Namespace != ledger.NSTransaction {
			continue
		}
		t, err := node.Ledger.Transaction(ctx, ref.ID)
		if err != nil {
			return nil, err
		}
		if t.From == account {
			out = append(out, t)
		}
	}
	return out, nil
}

func assertSettledCount(ctx context.Context, c *Cluster, a Assertion) error {
	txs, err := c.outgoing(ctx, c.byName[a.Node], a.Account)
	if err != nil {
		return err
	}
	var confirmed, rejected, pending int
	for _, t := range txs {
		switch t.Status {
		case ledger.StatusConfirmed:
			confirmed++
		case ledger.StatusRejected:
			rejected++
		case ledger.StatusPending:
			pending++
		}
	}
	if confirmed != a.Confirmed || rejected != a.Rejected || pending != a.Pending {
		return fail("settled_count",
			fmt.Sprintf("%s on %s: confirmed=%d rejected=%d pending=%d", a.Account, a.Node, a.Confirmed, a.Rejected, a.Pending),
			"confirmed=%d rejected=%d pending=%d", confirmed, rejected, pending)
	}
	return nil
}

// assertEscrowInvariant checks local_escrow ≤ confirmed_balance for
// every account on every replica.
func assertEscrowInvariant(ctx context.Context, c *Cluster) error {
	for _, n := range c.nodes {
		accounts, err := n.Ledger.Accounts(ctx)
		if err != nil {
			return err
		}
		for _, acct := range accounts {
			if acct.LocalEscrow > acct.ConfirmedBalance {
				return fail("escrow_invariant",
					fmt.Sprintf("escrow within balance for %s on %s", acct.ID, n.Name),
					"escrow %d exceeds balance %d", acct.LocalEscrow, acct.ConfirmedBalance)
			}
		}
	}
	return nil
}

// assertNoDoubleSpend checks that the confirmed outgoing total never
// exceeds the escrow allowance the committee granted across the rounds
// that judged those spends. Checked on every replica, since everyone
// must agree on the confirmed set.
func assertNoDoubleSpend(ctx context.Context, c *Cluster, a Assertion) error {
	allowed := c.Granted(a.Account)
	for _, n := range c.nodes {
		txs, err := c.outgoing(ctx, n, a.Account)
		if err != nil {
			return err
		}
		var confirmed int64
		for _, t := range txs {
			if t.Status == ledger.StatusConfirmed {
				confirmed += t.Amount
			}
		}
		if confirmed > allowed {
			return fail("no_double_spend",
				fmt.Sprintf("confirmed spend from %s within allowance %d", a.Account, allowed),
				"%d confirmed on %s", confirmed, n.Name)
		}
	}
	return nil
}
