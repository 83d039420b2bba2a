// Package reconcile settles the ledger's pending transactions with a
// committee vote. Every member derives the same admission split from
// its replica — which spends fit the escrow allocated for the period
// and which are double-spend overflow — publishes it as a vote
// document, and applies an account's split only after 2f+1 members
// published the identical one. With n committee members the scheme
// tolerates f = (n-1)/3 Byzantine members.
//
// Votes are ordinary CRDT documents: casting a vote is a document
// write, and the sync layer carries it to the rest of the committee
// like any other mutation. There is no separate consensus transport.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/driftlab/drift/internal/engine"
	"github.com/driftlab/drift/internal/ledger"
)

// ErrQuorumNotReached marks a settle pass that left at least one
// account's ballot short of 2f+1 matching votes. The account's
// transactions stay pending; the round (or a later one) retries.
var ErrQuorumNotReached = errors.New("reconcile: quorum not reached")

// Defaults for Config zero values.
const (
	DefaultInterval = 10 * time.Minute
	DefaultVoteWait = time.Minute
)

// Config describes this node's place in the committee.
type Config struct {
	// Self is this node's committee identity.
	Self string

	// Members is the full committee roster, self included. Order does
	// not matter; the roster is sorted internally so every member
	// derives the same executor rotation.
	Members []string

	// Interval is the round cadence.
	Interval time.Duration

	// VoteWait bounds how long a round chases quorum before deferring.
	VoteWait time.Duration

	// Now overrides the wall clock; tests pin it.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.VoteWait <= 0 {
		c.VoteWait = DefaultVoteWait
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Reconciler runs reconciliation rounds for one committee member.
type Reconciler struct {
	led     *ledger.Ledger
	st      *engine.Store
	cfg     Config
	members []string

	rounds    atomic.Uint64
	lastRound atomic.Uint64
	confirmed atomic.Uint64
	rejected  atomic.Uint64
	deferrals atomic.Uint64
}

// New builds a Reconciler over the node's ledger.
func New(led *ledger.Ledger, cfg Config) (*Reconciler, error) {
	cfg = cfg.withDefaults()
	if cfg.Self == "" {
		return nil, errors.New("reconcile: committee identity required")
	}

	seen := make(map[string]bool, len(cfg.Members))
	members := make([]string, 0, len(cfg.Members))
	for _, m := range cfg.Members {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		members = append(members, m)
	}
	if !seen[cfg.Self] {
		return nil, fmt.Errorf("reconcile: %q is not on the committee roster", cfg.Self)
	}
	sort.Strings(members)

	return &Reconciler{led: led, st: led.Store(), cfg: cfg, members: members}, nil
}

// Quorum is the matching-vote threshold: 2f+1 with f = (n-1)/3.
func (r *Reconciler) Quorum() int {
	f := (len(r.members) - 1) / 3
	return 2*f + 1
}

// RoundAt maps an instant to its round number. Rounds are fixed
// windows of Interval since the Unix epoch, so members with loosely
// synchronized clocks land in the same round.
func (r *Reconciler) RoundAt(now time.Time) uint64 {
	step := int64(r.cfg.Interval / time.Second)
	if step <= 0 {
		step = 1
	}
	return uint64(now.Unix() / step)
}

// executor picks the one member that applies an account's agreed
// settlement and escrow writes in a round. Everyone verifies quorum;
// exactly one member writes and replication carries the result. One
// writer matters because balance transfers are counter ops — n members
// each applying the same transfer would multiply it n-fold after
// merge. The rotation moves the duty every round, so a dead executor
// delays an account by one round, not forever.
func (r *Reconciler) executor(round uint64, account string) string {
	h := fnv.New32a()
	h.Write([]byte(account))
	return r.members[(uint64(h.Sum32())+round)%uint64(len(r.members))]
}

// Stats is a point-in-time snapshot of round counters.
type Stats struct {
	Rounds    uint64
	LastRound uint64
	Confirmed uint64
	Rejected  uint64
	Deferrals uint64
}

// Stats snapshots the reconciler's counters.
func (r *Reconciler) Stats() Stats {
	return Stats{
		Rounds:    r.rounds.Load(),
		LastRound: r.lastRound.Load(),
		Confirmed: r.confirmed.Load(),
		Rejected:  r.rejected.Load(),
		Deferrals: r.deferrals.Load(),
	}
}

// Run executes rounds on the configured cadence until ctx ends.
func (r *Reconciler) Run(ctx context.Context) error {
	slog.Info("reconciler started",
		"self", r.cfg.Self,
		"members", len(r.members),
		"quorum", r.Quorum(),
		"interval", r.cfg.Interval)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			r.runRound(ctx, r.RoundAt(now))
		}
	}
}

// runRound casts this member's vote and chases quorum until the vote
// window closes, settling whatever reaches agreement along the way.
func (r *Reconciler) runRound(ctx context.Context, round uint64) {
	r.rounds.Add(1)
	r.lastRound.Store(round)

	if err := r.CastVote(ctx, round); err != nil {
		slog.Error("reconciliation vote failed", "round", round, "error", err)
		return
	}

	// Wake on committee vote traffic; poll as a fallback.
	wake := make(chan struct{}, 1)
	cancel := r.st.SubscribeNamespace(NSVote, func(engine.Event) {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	defer cancel()

	pollEvery := r.cfg.VoteWait / 10
	if pollEvery < 10*time.Millisecond {
		pollEvery = 10 * time.Millisecond
	}
	poll := time.NewTicker(pollEvery)
	defer poll.Stop()
	deadline := time.NewTimer(r.cfg.VoteWait)
	defer deadline.Stop()

	for {
		out, err := r.Settle(ctx, round)
		switch {
		case err == nil:
			if out.Confirmed+out.Rejected+out.Escrowed > 0 {
				slog.Info("reconciliation round settled",
					"round", round,
					"confirmed", out.Confirmed,
					"rejected", out.Rejected,
					"escrowed", out.Escrowed)
			}
			return
		case !errors.Is(err, ErrQuorumNotReached):
			slog.Error("reconciliation round failed", "round", round, "error", err)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			r.deferrals.Add(1)
			slog.Warn("reconciliation round deferred", "round", round, "error", err)
			return
		case <-wake:
		case <-poll.C:
		}
	}
}
