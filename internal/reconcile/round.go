package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/driftlab/drift/internal/crdt"
	"github.com/driftlab/drift/internal/engine"
	"github.com/driftlab/drift/internal/ledger"
)

// Outcome reports what one settle pass did on this member.
type Outcome struct {
	Round     uint64
	Confirmed int      // transactions this member confirmed as executor
	Rejected  int      // transactions this member rejected as executor
	Escrowed  int      // accounts whose escrow this member rewrote
	Deferred  []string // accounts whose ballots lack quorum so far
}

// Propose computes the admission split for every account with pending
// transactions in this member's replica. Admission is a pure function
// of replicated state, so converged members propose identical ballots;
// any divergence shows up as a hash mismatch and defers the account
// instead of settling it wrongly.
func (r *Reconciler) Propose(ctx context.Context) ([]Ballot, error) {
	pending, err := r.led.Pending(ctx)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}

	// Pending is already in (created_at, id) order; split it by sender.
	bySender := make(map[string][]ledger.Transaction)
	for _, t := range pending {
		bySender[t.From] = append(bySender[t.From], t)
	}
	accounts := make([]string, 0, len(bySender))
	for account := range bySender {
		accounts = append(accounts, account)
	}
	sort.Strings(accounts)

	ballots := make([]Ballot, 0, len(accounts))
	for _, account := range accounts {
		acct, err := r.led.Account(ctx, account)
		if errors.Is(err, engine.ErrNotFound) {
			// The sender's account document has not synced here yet, so
			// the allowance is unknowable. Leave the account out and let
			// a later round pick it up.
			continue
		}
		if err != nil {
			return nil, err
		}
		confirm, reject := admit(bySender[account], ledger.EscrowFor(acct.ConfirmedBalance, acct.Tier))
		ballots = append(ballots, Ballot{
			Account: account,
			Hash:    admitHash(confirm, reject),
			Confirm: txIDs(confirm),
			Reject:  txIDs(reject),
		})
	}
	return ballots, nil
}

// admit splits one sender's pending transactions, already in
// (created_at, id) order, against the escrow allocated for the period:
// the longest prefix that fits confirms, everything from the first
// overflow on is rejected. The allowance is recomputed from confirmed
// balance and tier rather than read from local_escrow, because the
// live register already carries the devices' own decrements.
func admit(txs []ledger.Transaction, allowance int64) (confirm, reject []ledger.Transaction) {
	var admitted int64
	for i, t := range txs {
		if t.Amount > allowance-admitted {
			reject = append(reject, txs[i:]...)
			break
		}
		admitted += t.Amount
		confirm = append(confirm, t)
	}
	return confirm, reject
}

// CastVote publishes this member's proposal as a vote document. Voting
// is write-once per round; casting again is a no-op, and idle rounds
// (nothing pending) cast nothing.
func (r *Reconciler) CastVote(ctx context.Context, round uint64) error {
	ballots, err := r.Propose(ctx)
	if err != nil {
		return err
	}
	if len(ballots) == 0 {
		return nil
	}

	err = r.st.Transact(ctx, func(x *engine.Txn) error {
		tx, err := x.Create(VoteRef(round, r.cfg.Self))
		if err != nil {
			return err
		}
		if err := tx.Set("round", crdt.Int(round)); err != nil {
			return err
		}
		if err := tx.Set("member", crdt.String(r.cfg.Self)); err != nil {
			return err
		}
		for _, b := range ballots {
			if err := tx.AddToSet("ballots", b.object()); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, engine.ErrExists) {
		return nil
	}
	if err == nil {
		slog.Debug("vote cast", "round", round, "accounts", len(ballots))
	}
	return err
}

// Settle tallies the committee's votes for a round against this
// member's own ballots and applies every account that reached quorum.
// Accounts still short of quorum are reported through
// ErrQuorumNotReached and stay pending; calling Settle again after more
// votes arrive picks them up. The escrow pass then republishes each
// settled account's allowance.
func (r *Reconciler) Settle(ctx context.Context, round uint64) (Outcome, error) {
	out := Outcome{Round: round}

	own, err := r.memberBallots(ctx, round, r.cfg.Self)
	if err != nil && !errors.Is(err, engine.ErrNotFound) {
		return out, err
	}

	// Count matching ballots per account, self included.
	match := make(map[string]int, len(own))
	for _, b := range own {
		match[b.Account] = 1
	}
	for _, m := range r.members {
		if m == r.cfg.Self {
			continue
		}
		theirs, err := r.memberBallots(ctx, round, m)
		if errors.Is(err, engine.ErrNotFound) {
			continue
		}
		if err != nil {
			return out, err
		}
		hashes := make(map[string]string, len(theirs))
		for _, b := range theirs {
			hashes[b.Account] = b.Hash
		}
		for _, b := range own {
			if hashes[b.Account] == b.Hash {
				match[b.Account]++
			}
		}
	}

	quorum := r.Quorum()
	now := r.cfg.Now()
	for _, b := range own {
		if match[b.Account] < quorum {
			out.Deferred = append(out.Deferred, b.Account)
			continue
		}
		if r.executor(round, b.Account) != r.cfg.Self {
			continue
		}
		confirmed, rejected, err := r.settleAccount(ctx, b, now)
		if err != nil {
			return out, err
		}
		out.Confirmed += confirmed
		out.Rejected += rejected
	}

	wrote, err := r.escrowPass(ctx, round, now)
	if err != nil {
		return out, err
	}
	out.Escrowed = wrote

	r.confirmed.Add(uint64(out.Confirmed))
	r.rejected.Add(uint64(out.Rejected))

	if len(out.Deferred) > 0 {
		sort.Strings(out.Deferred)
		return out, fmt.Errorf("%w: %d account(s) short of %d matching votes",
			ErrQuorumNotReached, len(out.Deferred), quorum)
	}
	return out, nil
}

// memberBallots reads one member's vote document for a round.
func (r *Reconciler) memberBallots(ctx context.Context, round uint64, member string) ([]Ballot, error) {
	v, err := r.st.Read(ctx, VoteRef(round, member))
	if err != nil {
		return nil, err
	}
	arr, _ := v.Array("ballots")
	out := make([]Ballot, 0, len(arr))
	for _, sc := range arr {
		if b, ok := ballotFromScalar(sc); ok {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out, nil
}

// settleAccount applies one agreed ballot in a single store
// transaction: balances move for confirmations, statuses transition
// exactly once. Transactions a relayed settlement already closed are
// skipped, so re-settling after sync is harmless.
func (r *Reconciler) settleAccount(ctx context.Context, b Ballot, at time.Time) (confirmed, rejected int, err error) {
	confirm, err := r.settleable(ctx, b.Confirm, ledger.StatusConfirmed)
	if err != nil {
		return 0, 0, err
	}
	reject, err := r.settleable(ctx, b.Reject, ledger.StatusRejected)
	if err != nil {
		return 0, 0, err
	}
	if len(confirm)+len(reject) == 0 {
		return 0, 0, nil
	}

	err = r.st.Transact(ctx, func(x *engine.Txn) error {
		for _, t := range confirm {
			if err := r.led.ConfirmTx(x, t, at); err != nil {
				return err
			}
		}
		for _, t := range reject {
			if err := r.led.RejectTx(x, t); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	slog.Info("account settled", "account", b.Account, "confirmed", len(confirm), "rejected", len(reject))
	return len(confirm), len(reject), nil
}

// settleable filters ballot entries down to transactions that still
// need the transition.
func (r *Reconciler) settleable(ctx context.Context, ids []string, want ledger.Status) ([]ledger.Transaction, error) {
	out := make([]ledger.Transaction, 0, len(ids))
	for _, id := range ids {
		t, err := r.led.Transaction(ctx, id)
		if err != nil {
			return nil, err
		}
		switch t.Status {
		case ledger.StatusPending:
			out = append(out, t)
		case want:
			// Already settled, usually by a relayed settlement.
		default:
			slog.Warn("transaction settled divergently", "tx", id, "status", t.Status, "wanted", want)
		}
	}
	return out, nil
}

// escrowPass republishes each account's allowance: half the confirmed
// balance scaled by its tier, written through the store like any other
// mutation. Only the account's executor writes, and only when the
// recomputed value differs. Accounts that still have unsettled
// outgoing transactions are left alone — those spends are still
// subject to admission, and replenishing escrow under them would
// change what the committee is voting on; a deferred account therefore
// keeps its burned-down escrow until a round actually settles it.
func (r *Reconciler) escrowPass(ctx context.Context, round uint64, now time.Time) (int, error) {
	pending, err := r.led.Pending(ctx)
	if err != nil {
		return 0, err
	}
	inFlight := make(map[string]bool, len(pending))
	for _, t := range pending {
		inFlight[t.From] = true
	}

	accounts, err := r.led.Accounts(ctx)
	if err != nil {
		return 0, err
	}

	wrote := 0
	for _, acct := range accounts {
		if inFlight[acct.ID] || r.executor(round, acct.ID) != r.cfg.Self {
			continue
		}
		want := ledger.EscrowFor(acct.ConfirmedBalance, acct.Tier)
		recs, err := r.led.Allocations(ctx, acct.ID)
		if err != nil {
			return wrote, err
		}
		var stale []ledger.EscrowRecord
		for _, rec := range recs {
			if rec.Allocated != want || rec.Spent != 0 || rec.Expired(now) {
				stale = append(stale, rec)
			}
		}
		if acct.LocalEscrow == want && len(stale) == 0 {
			continue
		}

		id := acct.ID
		ttl := acct.Tier.AllocationTTL()
		err = r.st.Transact(ctx, func(x *engine.Txn) error {
			if err := r.led.SetEscrow(x, id, want); err != nil {
				return err
			}
			for _, rec := range stale {
				if err := r.led.RefreshAllocation(x, id, rec.Device, want, now, ttl); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return wrote, err
		}
		wrote++
	}
	return wrote, nil
}

func txIDs(txs []ledger.Transaction) []string {
	out := make([]string, len(txs))
	for i, t := range txs {
		out[i] = t.ID
	}
	return out
}
