package harness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/driftlab/drift/internal/crdt"
	"github.com/driftlab/drift/internal/engine"
	"github.com/driftlab/drift/internal/ledger"
	"github.com/driftlab/drift/internal/reconcile"
	"github.com/driftlab/drift/internal/schema"
	"github.com/driftlab/drift/internal/testutil"
)

// maxDeliverPasses bounds the relay loop. A healthy cluster quiesces in
// a handful of passes; hitting the cap means delivery stopped making
// progress while deltas kept appearing.
const maxDeliverPasses = 10000

// Node is one in-process replica: a document store, its ledger
// binding, and — for committee members — a reconciler.
type Node struct {
	Name   string
	Store  *engine.Store
	Ledger *ledger.Ledger
	Rec    *reconcile.Reconciler
}

// edit applies fn to a document, creating it on first write. Scenario
// steps address documents declaratively, so the create/mutate split is
// the harness's problem, not the scenario author's.
func (n *Node) edit(ctx context.Context, ref engine.Ref, fn func(*engine.Tx) error) error {
	_, err := n.Store.Read(ctx, ref)
	if errors.Is(err, engine.ErrNotFound) {
		_, err = n.Store.Create(ctx, ref, fn)
		return err
	}
	if err != nil {
		return err
	}
	_, err = n.Store.Mutate(ctx, ref, fn)
	return err
}

// parkedDelta is a delta held back by a partition: src could not reach
// the destination when it was published.
type parkedDelta struct {
	src string
	d   engine.Delta
}

// Cluster is a scripted set of replicas exchanging deltas in-process.
// Delivery, partitions, and reconciliation rounds are explicit method
// calls, so a test controls exactly when state moves. Not safe for
// concurrent use; scenarios are single-threaded by design.
type Cluster struct {
	nodes     []*Node
	byName    map[string]*Node
	committee []*Node
	set       *schema.Set

	group  map[string]int          // partition group per node
	inbox  map[string][]engine.Delta // deliverable, possibly gap-stuck
	parked map[string][]parkedDelta  // held back by partitions

	// history records every published delta in drain order; the
	// property checks replay it.
	history []engine.Delta

	// granted accumulates, per account, the escrow allowance in force
	// for each reconciliation round the account had pending spends in.
	// The no-double-spend check compares confirmed totals against it.
	granted map[string]int64

	rtime    time.Time
	interval time.Duration
}

type clusterConfig struct {
	schemas   []*schema.Schema
	committee []string
	interval  time.Duration
}

// ClusterOption configures NewCluster.
type ClusterOption func(*clusterConfig)

// WithSchemas registers application document schemas beyond the
// built-in ledger and vote schemas.
func WithSchemas(schemas ...*schema.Schema) ClusterOption {
	return func(c *clusterConfig) { c.schemas = append(c.schemas, schemas...) }
}

// WithCommittee names the nodes that form the reconciliation
// committee. Without it the cluster has no reconcilers and the
// reconcile step fails.
func WithCommittee(members ...string) ClusterOption {
	return func(c *clusterConfig) { c.committee = members }
}

// WithRoundInterval overrides the reconciliation round cadence
// (default one minute of harness time).
func WithRoundInterval(d time.Duration) ClusterOption {
	return func(c *clusterConfig) { c.interval = d }
}

// NewCluster builds one replica per name. Every replica runs on a
// stepping deterministic clock with a distinct offset, so register
// timestamps never collide across nodes and every run of the same
// scenario produces identical state.
func NewCluster(names []string, opts ...ClusterOption) (*Cluster, error) {
	if len(names) == 0 {
		return nil, errors.New("harness: cluster needs at least one node")
	}

	cfg := clusterConfig{interval: time.Minute}
	for _, opt := range opts {
		opt(&cfg)
	}

	schemas := append([]*schema.Schema{ledger.Schema(), reconcile.Schema()}, cfg.schemas...)
	set, err := schema.NewSet(schemas...)
	if err != nil {
		return nil, fmt.Errorf("harness: %w", err)
	}

	c := &Cluster{
		set:      set,
		byName:   make(map[string]*Node, len(names)),
		group:    make(map[string]int, len(names)),
		inbox:    make(map[string][]engine.Delta),
		parked:   make(map[string][]parkedDelta),
		granted:  make(map[string]int64),
		rtime:    testutil.Epoch.Add(time.Hour),
		interval: cfg.interval,
	}

	step := time.Duration(len(names)) * time.Millisecond
	for i, name := range names {
		if name == "" || c.byName[name] != nil {
			return nil, fmt.Errorf("harness: empty or duplicate node name %q", name)
		}
		clock := testutil.NewWallClock(testutil.Epoch.Add(time.Duration(i)*time.Millisecond), step)
		tags := testutil.NewTagSource(name)
		st := engine.NewStore(crdt.Actor(name), set,
			engine.WithNow(clock.Now),
			engine.WithTagSource(tags.Next),
		)
		n := &Node{
			Name:   name,
			Store:  st,
			Ledger: ledger.New(st, ledger.WithNow(clock.Now)),
		}
		c.nodes = append(c.nodes, n)
		c.byName[name] = n
	}

	for _, m := range cfg.committee {
		n, ok := c.byName[m]
		if !ok {
			return nil, fmt.Errorf("harness: committee member %q is not a cluster node", m)
		}
		rec, err := reconcile.New(n.Ledger, reconcile.Config{
			Self:     m,
			Members:  cfg.committee,
			Interval: cfg.interval,
			VoteWait: time.Second,
			Now:      c.reconcileNow,
		})
		if err != nil {
			return nil, fmt.Errorf("harness: %w", err)
		}
		n.Rec = rec
		c.committee = append(c.committee, n)
	}

	return c, nil
}

// reconcileNow is the committee's shared clock: every member stamps
// settlements with the same instant, so confirmed_at registers
// converge without a tiebreak.
func (c *Cluster) reconcileNow() time.Time { return c.rtime }

// Node returns the named replica.
func (c *Cluster) Node(name string) (*Node, bool) {
	n, ok := c.byName[name]
	return n, ok
}

// Nodes returns the replicas in creation order.
func (c *Cluster) Nodes() []*Node { return c.nodes }

// History returns every delta published so far, in drain order.
func (c *Cluster) History() []engine.Delta { return c.history }

// Close shuts every replica down.
func (c *Cluster) Close() {
	for _, n := range c.nodes {
		_ = n.Store.Close()
	}
}

func (c *Cluster) reachable(a, b string) bool {
	return c.group[a] == c.group[b]
}

// Partition splits the cluster into the given groups. Every node must
// appear in exactly one group; deltas crossing group boundaries are
// parked until the topology reconnects the pair.
func (c *Cluster) Partition(groups [][]string) error {
	seen := make(map[string]int, len(c.nodes))
	for i, g := range groups {
		for _, name := range g {
			if _, ok := c.byName[name]; !ok {
				return fmt.Errorf("harness: partition names unknown node %q", name)
			}
			if _, dup := seen[name]; dup {
				return fmt.Errorf("harness: node %q appears in two partition groups", name)
			}
			seen[name] = i
		}
	}
	if len(seen) != len(c.nodes) {
		return fmt.Errorf("harness: partition covers %d of %d nodes", len(seen), len(c.nodes))
	}
	c.group = seen
	c.releaseParked()
	return nil
}

// Heal reconnects everything and delivers what the partitions held
// back.
func (c *Cluster) Heal(ctx context.Context) error {
	for name := range c.group {
		c.group[name] = 0
	}
	c.releaseParked()
	return c.Deliver(ctx)
}

// releaseParked moves parked deltas whose source is reachable again
// into the destination's inbox, preserving park order.
func (c *Cluster) releaseParked() {
	for dst, held := range c.parked {
		var still []parkedDelta
		for _, p := range held {
			if c.reachable(p.src, dst) {
				c.inbox[dst] = append(c.inbox[dst], p.d)
			} else {
				still = append(still, p)
			}
		}
		c.parked[dst] = still
	}
}

// Deliver pumps published deltas until the cluster quiesces: outbound
// queues drained, reachable inboxes applied, relays re-drained. A
// delta whose causal dependency is still in flight (typically parked
// behind a partition) stays in the inbox for a later pass; CRDT
// idempotence makes redundant relay delivery a no-op.
func (c *Cluster) Deliver(ctx context.Context) error {
	for pass := 0; pass < maxDeliverPasses; pass++ {
		moved := c.drainOutbound()
		applied, err := c.applyInboxes(ctx)
		if err != nil {
			return err
		}
		if !moved && !applied {
			return nil
		}
	}
	return errors.New("harness: delivery did not quiesce")
}

func (c *Cluster) drainOutbound() bool {
	moved := false
	for _, src := range c.nodes {
		for {
			d, ok := src.Store.Outbound().TryDequeue()
			if !ok {
				break
			}
			moved = true
			c.history = append(c.history, d)
			for _, dst := range c.nodes {
				if dst == src {
					continue
				}
				if c.reachable(src.Name, dst.Name) {
					c.inbox[dst.Name] = append(c.inbox[dst.Name], d)
				} else {
					c.parked[dst.Name] = append(c.parked[dst.Name], parkedDelta{src: src.Name, d: d})
				}
			}
		}
	}
	return moved
}

func (c *Cluster) applyInboxes(ctx context.Context) (bool, error) {
	progress := false
	for _, n := range c.nodes {
		queue := c.inbox[n.Name]
		if len(queue) == 0 {
			continue
		}
		var stuck []engine.Delta
		for _, d := range queue {
			_, err := n.Store.ApplyRemote(ctx, d)
			if errors.Is(err, engine.ErrCausalGap) {
				stuck = append(stuck, d)
				continue
			}
			if err != nil {
				return progress, fmt.Errorf("harness: deliver to %s: %w", n.Name, err)
			}
		}
		c.inbox[n.Name] = stuck
		if len(stuck) < len(queue) {
			progress = true
		}
	}
	return progress, nil
}

// Converged reports whether every replica holds fingerprint-identical
// state for one document. Replicas that have never seen the document
// report "absent".
func (c *Cluster) Converged(ctx context.Context, ref engine.Ref) (bool, map[string]string, error) {
	prints := make(map[string]string, len(c.nodes))
	for _, n := range c.nodes {
		fp, err := n.Store.Fingerprint(ctx, ref)
		if errors.Is(err, engine.ErrNotFound) {
			fp = "absent"
		} else if err != nil {
			return false, nil, err
		}
		prints[n.Name] = fp
	}
	first := prints[c.nodes[0].Name]
	for _, fp := range prints {
		if fp != first {
			return false, prints, nil
		}
	}
	return first != "absent", prints, nil
}

// RoundReport aggregates one reconciliation round across the whole
// committee.
type RoundReport struct {
	Round     uint64
	Confirmed int
	Rejected  int
	Escrowed  int
	Deferred  int // accounts short of quorum on at least one member
}

// Reconcile runs one full committee round: record the allowance in
// force, cast every member's vote, replicate, settle on every member,
// replicate again. Members cut off by a partition still vote; their
// votes simply do not travel, and accounts short of quorum defer —
// the same behavior the timer-driven reconciler exhibits on a real
// committee split. Harness time advances one interval afterwards so
// the next call is a fresh round.
func (c *Cluster) Reconcile(ctx context.Context) (RoundReport, error) {
	if len(c.committee) == 0 {
		return RoundReport{}, errors.New("harness: no committee configured")
	}
	lead := c.committee[0]
	rep := RoundReport{Round: lead.Rec.RoundAt(c.rtime)}

	// Record the allowance each spending account is being judged
	// against, from the lead member's replica, before any settlement
	// moves balances.
	ballots, err := lead.Rec.Propose(ctx)
	if err != nil {
		return rep, err
	}
	for _, b := range ballots {
		acct, err := lead.Ledger.Account(ctx, b.Account)
		if err != nil {
			continue
		}
		c.granted[b.Account] += ledger.EscrowFor(acct.ConfirmedBalance, acct.Tier)
	}

	for _, m := range c.committee {
		if err := m.Rec.CastVote(ctx, rep.Round); err != nil {
			return rep, err
		}
	}
	if err := c.Deliver(ctx); err != nil {
		return rep, err
	}

	deferred := make(map[string]bool)
	for _, m := range c.committee {
		out, err := m.Rec.Settle(ctx, rep.Round)
		if err != nil && !errors.Is(err, reconcile.ErrQuorumNotReached) {
			return rep, err
		}
		rep.Confirmed += out.Confirmed
		rep.Rejected += out.Rejected
		rep.Escrowed += out.Escrowed
		for _, a := range out.Deferred {
			deferred[a] = true
		}
	}
	rep.Deferred = len(deferred)

	if err := c.Deliver(ctx); err != nil {
		return rep, err
	}
	c.rtime = c.rtime.Add(c.interval)
	return rep, nil
}

// Granted returns the cumulative escrow allowance recorded for an
// account across every round it had spends pending in.
func (c *Cluster) Granted(account string) int64 { return c.granted[account] }
