// Package ledger implements mutual-credit accounts on top of the
// document store. Balances are integer credit units. An account can
// keep spending while partitioned, up to its local escrow; every spend
// becomes a pending transaction that a reconciliation round later
// confirms or rejects, so the damage a misbehaving or forked replica
// can do is bounded by its escrow rather than prevented by
// coordination.
//
// Three built-in document types carry the ledger: accounts,
// transactions, and per-device escrow allocations. All of them are
// ordinary CRDT documents and replicate through the same sync protocol
// as application data.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/driftlab/drift/internal/crdt"
	"github.com/driftlab/drift/internal/engine"
)

// Ledger drives the mutual-credit documents on one node's store.
type Ledger struct {
	st  *engine.Store
	now func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithNow overrides the wall clock used for created_at and escrow
// expiry stamps. Tests use it for deterministic timestamps.
func WithNow(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New wraps a document store with ledger operations. The store must
// have the declarations from Schema registered.
func New(st *engine.Store, opts ...Option) *Ledger {
	l := &Ledger{st: st, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Device is the escrow-accounting identity of this node: its actor ID.
func (l *Ledger) Device() string { return string(l.st.Actor()) }

// Store exposes the underlying document store for callers that compose
// ledger writes with their own, such as the reconciler.
func (l *Ledger) Store() *engine.Store { return l.st }

// Account is a point-in-time read of an account document.
type Account struct {
	ID               string
	Holder           string
	ConfirmedBalance int64
	LocalEscrow      int64
	PendingCredits   int64
	Tier             Tier
	History          []string
	Trust            []TrustConnection
}

// Transaction is a point-in-time read of a transaction document.
// Everything except Status and ConfirmedAt is immutable from birth.
type Transaction struct {
	ID          string
	From        string
	To          string
	Amount      int64
	CreatedAt   int64 // unix milliseconds
	Memo        string
	Status      Status
	ConfirmedAt int64 // unix milliseconds, zero until confirmed
}

// TrustConnection is one edge in an account's web of trust. Edges live
// in an observed-remove set in canonical object form, so concurrent
// add and remove of the same edge behave like any other set element.
type TrustConnection struct {
	Peer      string
	Limit     int64
	Exchanged int64
	Tier      Tier
}

func (c TrustConnection) scalar() crdt.Object {
	return crdt.Object{
		"peer":      crdt.String(c.Peer),
		"limit":     crdt.Int(c.Limit),
		"exchanged": crdt.Int(c.Exchanged),
		"tier":      crdt.String(string(c.Tier)),
	}
}

func trustFromScalar(sc crdt.Scalar) (TrustConnection, bool) {
	obj, ok := sc.(crdt.Object)
	if !ok {
		return TrustConnection{}, false
	}
	var c TrustConnection
	if s, ok := obj["peer"].(crdt.String); ok {
		c.Peer = string(s)
	}
	if n, ok := obj["limit"].(crdt.Int); ok {
		c.Limit = int64(n)
	}
	if n, ok := obj["exchanged"].(crdt.Int); ok {
		c.Exchanged = int64(n)
	}
	if s, ok := obj["tier"].(crdt.String); ok {
		c.Tier = Tier(s)
	}
	return c, c.Peer != ""
}

// EscrowRecord is one device's slice of an account's escrow. The
// committee grants allocations; the device burns them down with a
// spend counter, so a grant racing an offline spend loses nothing.
type EscrowRecord struct {
	Account   string
	Device    string
	Allocated int64
	Spent     int64
	GrantedAt int64 // unix milliseconds
	ExpiresAt int64 // unix milliseconds
}

// Remaining is the unspent part of the allocation.
func (r EscrowRecord) Remaining() int64 {
	if r.Spent >= r.Allocated {
		return 0
	}
	return r.Allocated - r.Spent
}

// Expired reports whether the allocation has lapsed at now.
func (r EscrowRecord) Expired(now time.Time) bool {
	return r.ExpiresAt != 0 && now.UnixMilli() >= r.ExpiresAt
}

// CreateAccount provisions an account with an opening balance. The
// opening escrow follows directly from the balance and tier; after
// this, only reconciliation rounds raise escrow.
func (l *Ledger) CreateAccount(ctx context.Context, id, holder string, balance int64, tier Tier) (Account, error) {
	if !tier.Valid() {
		return Account{}, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	if balance < 0 {
		return Account{}, fmt.Errorf("%w: opening balance %d", ErrInvalidAmount, balance)
	}
	err := l.st.Transact(ctx, func(x *engine.Txn) error {
		tx, err := x.Create(AccountRef(id))
		if err != nil {
			return err
		}
		if err := tx.Set("holder", crdt.String(holder)); err != nil {
			return err
		}
		if balance > 0 {
			if err := tx.Add("confirmed_balance", balance); err != nil {
				return err
			}
		}
		if err := tx.Set("local_escrow", crdt.Int(EscrowFor(balance, tier))); err != nil {
			return err
		}
		return tx.Set("reputation_tier", crdt.String(string(tier)))
	})
	if err != nil {
		return Account{}, err
	}
	slog.Info("account created", "account", id, "balance", balance, "tier", tier)
	return l.Account(ctx, id)
}

// Account reads an account document.
func (l *Ledger) Account(ctx context.Context, id string) (Account, error) {
	v, err := l.st.Read(ctx, AccountRef(id))
	if err != nil {
		return Account{}, err
	}
	return accountFromView(id, v), nil
}

// Accounts lists every account known to this node, sorted by ID.
func (l *Ledger) Accounts(ctx context.Context) ([]Account, error) {
	var out []Account
	for _, ref := range l.st.Refs() {
		if ref.Namespace != NSAccount {
			continue
		}
		v, err := l.st.Read(ctx, ref)
		if err != nil {
			return nil, err
		}
		out = append(out, accountFromView(ref.ID, v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Spend transfers amount from one account to another, entirely
// locally. The spend is admitted against the sender's escrow and
// recorded as a pending transaction; settlement happens later, in a
// reconciliation round, whether or not this node is connected to
// anyone right now. On ErrInsufficientEscrow nothing is written.
func (l *Ledger) Spend(ctx context.Context, from, to string, amount int64, memo string) (Transaction, error) {
	if amount <= 0 {
		return Transaction{}, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	if from == to {
		return Transaction{}, fmt.Errorf("%w: %q", ErrSelfTransfer, from)
	}
	t := Transaction{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Amount:    amount,
		CreatedAt: l.now().UnixMilli(),
		Memo:      memo,
		Status:    StatusPending,
	}
	err := l.st.Transact(ctx, func(x *engine.Txn) error {
		sender, err := x.At(AccountRef(from))
		if err != nil {
			return err
		}
		escrow, err := txInt(sender, "local_escrow")
		if err != nil {
			return err
		}
		if amount > escrow {
			return fmt.Errorf("%w: requested %d, available %d", ErrInsufficientEscrow, amount, escrow)
		}
		if err := sender.Set("local_escrow", crdt.Int(escrow-amount)); err != nil {
			return err
		}
		if err := sender.Append("transaction_history", crdt.String(t.ID)); err != nil {
			return err
		}
		if err := writeTx(x, t); err != nil {
			return err
		}
		// The recipient may be unknown here; credit a skeleton document
		// and let the real account merge in whenever it syncs.
		rcpt, err := atOrCreate(x, AccountRef(to))
		if err != nil {
			return err
		}
		if err := rcpt.Add("pending_credits", amount); err != nil {
			return err
		}
		rec, err := escrowTx(x, from, l.Device())
		if err != nil {
			return err
		}
		return rec.Add("spent", amount)
	})
	if err != nil {
		return Transaction{}, err
	}
	slog.Debug("spend recorded", "tx", t.ID, "from", from, "to", to, "amount", amount)
	return t, nil
}

// Transaction reads a transaction document.
func (l *Ledger) Transaction(ctx context.Context, id string) (Transaction, error) {
	v, err := l.st.Read(ctx, TxRef(id))
	if err != nil {
		return Transaction{}, err
	}
	return txFromView(id, v), nil
}

// Pending lists every unsettled transaction known to this node in
// admission order: creation time, then transaction ID as the
// tie-break. Every replica derives the same order from the same
// documents.
func (l *Ledger) Pending(ctx context.Context) ([]Transaction, error) {
	var out []Transaction
	for _, ref := range l.st.Refs() {
		if ref.Namespace != NSTransaction {
			continue
		}
		v, err := l.st.Read(ctx, ref)
		if err != nil {
			return nil, err
		}
		t := txFromView(ref.ID, v)
		if t.Status == StatusPending {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// SetStatus settles a transaction. Only pending transactions settle,
// and only once; at becomes confirmed_at on confirmation.
func (l *Ledger) SetStatus(ctx context.Context, id string, to Status, at time.Time) error {
	return l.st.Transact(ctx, func(x *engine.Txn) error {
		return l.transition(x, id, to, at)
	})
}

// ConfirmTx settles t as confirmed inside a caller-owned transaction:
// the amount moves from the sender's confirmed balance to the
// recipient's, and the recipient's matching pending credit retires.
func (l *Ledger) ConfirmTx(x *engine.Txn, t Transaction, at time.Time) error {
	if err := l.transition(x, t.ID, StatusConfirmed, at); err != nil {
		return err
	}
	sender, err := atOrCreate(x, AccountRef(t.From))
	if err != nil {
		return err
	}
	if err := sender.Add("confirmed_balance", -t.Amount); err != nil {
		return err
	}
	rcpt, err := atOrCreate(x, AccountRef(t.To))
	if err != nil {
		return err
	}
	if err := rcpt.Add("confirmed_balance", t.Amount); err != nil {
		return err
	}
	return rcpt.Add("pending_credits", -t.Amount)
}

// RejectTx settles t as rejected inside a caller-owned transaction. No
// balances move; the recipient's pending credit retires.
func (l *Ledger) RejectTx(x *engine.Txn, t Transaction) error {
	if err := l.transition(x, t.ID, StatusRejected, time.Time{}); err != nil {
		return err
	}
	rcpt, err := atOrCreate(x, AccountRef(t.To))
	if err != nil {
		return err
	}
	return rcpt.Add("pending_credits", -t.Amount)
}

// SetEscrow writes an account's local escrow inside a caller-owned
// transaction. Reconciliation rounds use it to publish recomputed
// escrow; nothing else raises escrow.
func (l *Ledger) SetEscrow(x *engine.Txn, account string, escrow int64) error {
	tx, err := atOrCreate(x, AccountRef(account))
	if err != nil {
		return err
	}
	return tx.Set("local_escrow", crdt.Int(escrow))
}

// RefreshAllocation rewrites one device's escrow record after a
// reconciliation round: a fresh grant of allocated, with the spend
// counter retired by everything this node has observed so far. A spend
// recorded concurrently on the device survives as a positive
// remainder instead of being wiped by the reset.
func (l *Ledger) RefreshAllocation(x *engine.Txn, account, device string, allocated int64, at time.Time, ttl time.Duration) error {
	rec, err := escrowTx(x, account, device)
	if err != nil {
		return err
	}
	seen, err := rec.Int("spent")
	if err != nil {
		return err
	}
	if seen != 0 {
		if err := rec.Add("spent", -seen); err != nil {
			return err
		}
	}
	if err := rec.Set("allocated", crdt.Int(allocated)); err != nil {
		return err
	}
	if err := rec.Set("granted_at", crdt.Int(at.UnixMilli())); err != nil {
		return err
	}
	return rec.Set("expires_at", crdt.Int(at.Add(ttl).UnixMilli()))
}

// EscrowRecord reads one device's allocation for an account.
func (l *Ledger) EscrowRecord(ctx context.Context, account, device string) (EscrowRecord, error) {
	v, err := l.st.Read(ctx, EscrowRef(account, device))
	if err != nil {
		return EscrowRecord{}, err
	}
	return escrowFromView(v), nil
}

// Allocations lists every device allocation for an account, sorted by
// device ID.
func (l *Ledger) Allocations(ctx context.Context, account string) ([]EscrowRecord, error) {
	var out []EscrowRecord
	for _, ref := range l.st.Refs() {
		if ref.Namespace != NSEscrow {
			continue
		}
		v, err := l.st.Read(ctx, ref)
		if err != nil {
			return nil, err
		}
		if r := escrowFromView(v); r.Account == account {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Device < out[j].Device })
	return out, nil
}

// AddTrust records a trust edge on an account. Re-adding an existing
// edge refreshes it.
func (l *Ledger) AddTrust(ctx context.Context, account string, c TrustConnection) error {
	_, err := l.st.Mutate(ctx, AccountRef(account), func(tx *engine.Tx) error {
		return tx.AddToSet("trust_connections", c.scalar())
	})
	return err
}

// RemoveTrust removes a trust edge. The edge must match exactly; a
// concurrent re-add on another replica survives the removal.
func (l *Ledger) RemoveTrust(ctx context.Context, account string, c TrustConnection) error {
	_, err := l.st.Mutate(ctx, AccountRef(account), func(tx *engine.Tx) error {
		return tx.RemoveFromSet("trust_connections", c.scalar())
	})
	return err
}

// SetTier moves an account to a new reputation tier. The changed
// allowance takes effect at the next reconciliation round.
func (l *Ledger) SetTier(ctx context.Context, account string, tier Tier) error {
	if !tier.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	_, err := l.st.Mutate(ctx, AccountRef(account), func(tx *engine.Tx) error {
		return tx.Set("reputation_tier", crdt.String(string(tier)))
	})
	return err
}

func (l *Ledger) transition(x *engine.Txn, id string, to Status, at time.Time) error {
	if !to.Valid() {
		return fmt.Errorf("%w: %q", ErrBadTransition, to)
	}
	tx, err := x.At(TxRef(id))
	if err != nil {
		return err
	}
	sc, err := tx.Get("status")
	if err != nil {
		return err
	}
	cur, _ := sc.(crdt.String)
	if !Status(cur).CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, cur, to)
	}
	if err := tx.Set("status", crdt.String(string(to))); err != nil {
		return err
	}
	if to == StatusConfirmed {
		return tx.Set("confirmed_at", crdt.Int(at.UnixMilli()))
	}
	return nil
}

func writeTx(x *engine.Txn, t Transaction) error {
	tx, err := x.Create(TxRef(t.ID))
	if err != nil {
		return err
	}
	if err := tx.Set("id", crdt.String(t.ID)); err != nil {
		return err
	}
	if err := tx.Set("from", crdt.String(t.From)); err != nil {
		return err
	}
	if err := tx.Set("to", crdt.String(t.To)); err != nil {
		return err
	}
	if err := tx.Set("amount", crdt.Int(t.Amount)); err != nil {
		return err
	}
	if err := tx.Set("created_at", crdt.Int(t.CreatedAt)); err != nil {
		return err
	}
	if t.Memo != "" {
		if err := tx.Set("memo", crdt.String(t.Memo)); err != nil {
			return err
		}
	}
	return tx.Set("status", crdt.String(string(StatusPending)))
}

// escrowTx opens an account's escrow record for this device, creating
// it on first use.
func escrowTx(x *engine.Txn, account, device string) (*engine.Tx, error) {
	ref := EscrowRef(account, device)
	tx, err := x.At(ref)
	if err == nil {
		return tx, nil
	}
	if !errors.Is(err, engine.ErrNotFound) {
		return nil, err
	}
	tx, err = x.Create(ref)
	if err != nil {
		return nil, err
	}
	if err := tx.Set("account", crdt.String(account)); err != nil {
		return nil, err
	}
	if err := tx.Set("device", crdt.String(device)); err != nil {
		return nil, err
	}
	return tx, nil
}

func atOrCreate(x *engine.Txn, ref engine.Ref) (*engine.Tx, error) {
	tx, err := x.At(ref)
	if errors.Is(err, engine.ErrNotFound) {
		return x.Create(ref)
	}
	return tx, err
}

// txInt reads a numeric register inside a transaction, treating an
// unwritten register as zero.
func txInt(tx *engine.Tx, field string) (int64, error) {
	sc, err := tx.Get(field)
	if err != nil {
		return 0, err
	}
	switch n := sc.(type) {
	case nil:
		return 0, nil
	case crdt.Int:
		return int64(n), nil
	}
	return 0, fmt.Errorf("ledger: field %q is not an integer", field)
}

func accountFromView(id string, v engine.View) Account {
	a := Account{ID: id, Tier: TierNew}
	a.Holder, _ = v.String("holder")
	a.ConfirmedBalance, _ = v.Int("confirmed_balance")
	a.LocalEscrow, _ = v.Int("local_escrow")
	a.PendingCredits, _ = v.Int("pending_credits")
	if s, ok := v.String("reputation_tier"); ok {
		a.Tier = Tier(s)
	}
	if arr, ok := v.Array("transaction_history"); ok {
		for _, sc := range arr {
			if s, ok := sc.(crdt.String); ok {
				a.History = append(a.History, string(s))
			}
		}
	}
	if arr, ok := v.Array("trust_connections"); ok {
		for _, sc := range arr {
			if c, ok := trustFromScalar(sc); ok {
				a.Trust = append(a.Trust, c)
			}
		}
	}
	return a
}

func txFromView(id string, v engine.View) Transaction {
	t := Transaction{ID: id}
	t.From, _ = v.String("from")
	t.To, _ = v.String("to")
	t.Amount, _ = v.Int("amount")
	t.CreatedAt, _ = v.Int("created_at")
	t.Memo, _ = v.String("memo")
	if s, ok := v.String("status"); ok {
		t.Status = Status(s)
	}
	t.ConfirmedAt, _ = v.Int("confirmed_at")
	return t
}

func escrowFromView(v engine.View) EscrowRecord {
	var r EscrowRecord
	r.Account, _ = v.String("account")
	r.Device, _ = v.String("device")
	r.Allocated, _ = v.Int("allocated")
	r.Spent, _ = v.Int("spent")
	r.GrantedAt, _ = v.Int("granted_at")
	r.ExpiresAt, _ = v.Int("expires_at")
	return r
}
