package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/driftlab/drift/internal/crdt"
	"github.com/driftlab/drift/internal/schema"
	"github.com/driftlab/drift/internal/store"
)

// Store is the document store: the set of live documents this node
// holds, the local actor's clock, the persistent op log, and the fan-out
// points (subscriptions inward, the outbound delta queue toward peers).
//
// Thread-safety model:
//   - Read/Mutate/ApplyRemote: safe from any goroutine; concurrent calls
//     against one document serialize on that document's mutex
//   - Transact: safe from any goroutine; transactions serialize among
//     themselves on a store-wide mutex, never against solo mutations
//   - Subscribe/Stats/Outbound: safe from any goroutine
type Store struct {
	actor   crdt.Actor
	clock   *Clock
	schemas *schema.Set
	log     *store.Store // nil for a memory-only store

	mu   sync.RWMutex
	docs map[Ref]*document

	// txnMu serializes multi-document transactions so their progressive
	// lock acquisition cannot deadlock. Solo mutations never take it.
	txnMu sync.Mutex

	outbound *DeltaQueue
	subs     *subscribers
	snap     SnapshotPolicy

	// lwwLast makes register timestamps strictly increase even when the
	// wall clock stalls or steps backwards within a millisecond.
	lwwLast atomic.Int64
	now     func() time.Time
	tagGen  func() string

	closed atomic.Bool
	stats  statsCounters
}

// Option configures a Store.
type Option func(*Store)

// WithLog attaches a persistent op log. Commits append to it before
// they become visible; NewStore replays it to rebuild state. The caller
// keeps ownership and closes it after the store.
func WithLog(log *store.Store) Option {
	return func(s *Store) { s.log = log }
}

// WithNow injects the wall-clock source used for register timestamps
// and snapshot intervals. Tests pin this for determinism.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithTagSource injects the unique-tag generator for set adds. Tests
// pin this so op ids are reproducible.
func WithTagSource(gen func() string) Option {
	return func(s *Store) { s.tagGen = gen }
}

// WithSnapshotPolicy overrides the automatic snapshot thresholds.
func WithSnapshotPolicy(p SnapshotPolicy) Option {
	return func(s *Store) { s.snap = p }
}

// NewStore creates a document store for one local actor. The schema set
// is the authority on namespaces and field strategies; documents outside
// it are refused. With a log attached, call Load before serving.
func NewStore(actor crdt.Actor, schemas *schema.Set, opts ...Option) *Store {
	s := &Store{
		actor:    actor,
		clock:    NewClock(),
		schemas:  schemas,
		docs:     make(map[Ref]*document),
		outbound: NewDeltaQueue(),
		subs:     newSubscribers(),
		snap:     DefaultSnapshotPolicy(),
		now:      time.Now,
		tagGen:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Actor returns the local actor id.
func (s *Store) Actor() crdt.Actor { return s.actor }

// Clock returns the local logical clock. Exposed for diagnostics and
// tests; production code never stamps ops outside a mutation.
func (s *Store) Clock() *Clock { return s.clock }

// Outbound returns the queue of committed deltas awaiting the sync
// layer. There is exactly one consumer: the peer manager.
func (s *Store) Outbound() *DeltaQueue { return s.outbound }

// Load rebuilds every logged document: latest snapshot plus replay of
// the ops beyond its vector. It also advances the local clock past the
// highest clock this actor ever wrote, so new ops never collide with
// logged ones.
func (s *Store) Load(ctx context.Context) error {
	if s.log == nil {
		return nil
	}

	keys, err := s.log.ListDocs(ctx)
	if err != nil {
		return fmt.Errorf("engine: list documents: %w", err)
	}

	for _, key := range keys {
		ref := Ref{Namespace: key.Namespace, ID: key.DocID}
		d, err := s.loadDoc(ctx, ref)
		if err != nil {
			return err
		}
		// Snapshot vectors outlive compacted ops, so the per-document
		// vector is the authority on what this actor already wrote.
		s.clock.Witness(d.vector[s.actor])
	}

	high, err := s.log.MaxClock(ctx, s.actor)
	if err != nil {
		return fmt.Errorf("engine: resume clock: %w", err)
	}
	s.clock.Witness(high)

	slog.Info("document store loaded",
		"actor", s.actor,
		"documents", len(keys),
		"clock", s.clock.Current(),
	)
	return nil
}

// loadDoc materializes one document from the log and caches it.
func (s *Store) loadDoc(ctx context.Context, ref Ref) (*document, error) {
	decl, ok := s.schemas.Document(ref.Namespace)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNamespace, ref.Namespace)
	}

	d, err := newDocument(ref, decl)
	if err != nil {
		return nil, err
	}

	snap, err := s.log.LatestSnapshot(ctx, ref.Namespace, ref.ID)
	if err != nil {
		return nil, fmt.Errorf("engine: load %s: %w", ref, err)
	}
	if snap != nil {
		if err := restoreSnapshot(d, snap); err != nil {
			return nil, fmt.Errorf("engine: load %s: %w", ref, err)
		}
	}

	ops, err := s.log.ReadOps(ctx, ref.Namespace, ref.ID)
	if err != nil {
		return nil, fmt.Errorf("engine: load %s: %w", ref, err)
	}

	pending := make([]crdt.Op, 0, len(ops))
	for _, op := range ops {
		if op.MaxClock() > d.vector[op.Actor] {
			pending = append(pending, op)
		}
	}
	crdt.SortOps(pending)
	if _, _, err := d.applyOps(pending); err != nil {
		return nil, fmt.Errorf("engine: replay %s: %w", ref, err)
	}
	d.snapshotAt = d.opsSeen

	s.mu.Lock()
	if existing, ok := s.docs[ref]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	s.docs[ref] = d
	s.mu.Unlock()
	return d, nil
}

// lookup returns the live document, loading it from the log on a miss.
func (s *Store) lookup(ctx context.Context, ref Ref) (*document, error) {
	s.mu.RLock()
	d, ok := s.docs[ref]
	s.mu.RUnlock()
	if ok {
		return d, nil
	}

	if s.log != nil {
		exists, err := s.log.DocExists(ctx, ref.Namespace, ref.ID)
		if err != nil {
			return nil, err
		}
		if exists {
			return s.loadDoc(ctx, ref)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
}

// Create materializes a new empty document and, when init is non-nil,
// applies one initial mutation atomically with the creation. The
// returned view reflects the initial ops.
func (s *Store) Create(ctx context.Context, ref Ref, init func(*Tx) error) (View, error) {
	if s.closed.Load() {
		return View{}, ErrClosed
	}
	decl, ok := s.schemas.Document(ref.Namespace)
	if !ok {
		return View{}, fmt.Errorf("%w: %q", ErrUnknownNamespace, ref.Namespace)
	}

	if _, err := s.lookup(ctx, ref); err == nil {
		return View{}, fmt.Errorf("%w: %s", ErrExists, ref)
	} else if !errors.Is(err, ErrNotFound) {
		return View{}, err
	}

	d, err := newDocument(ref, decl)
	if err != nil {
		return View{}, err
	}
	d.mu.Lock()

	tx := newTx(s, d)
	if init != nil {
		if err := init(tx); err != nil {
			d.mu.Unlock()
			return View{}, err
		}
	}

	// Register before touching the log so a concurrent Create of the
	// same ref loses cleanly instead of interleaving log writes.
	s.mu.Lock()
	if _, dup := s.docs[ref]; dup {
		s.mu.Unlock()
		d.mu.Unlock()
		return View{}, fmt.Errorf("%w: %s", ErrExists, ref)
	}
	s.docs[ref] = d
	s.mu.Unlock()

	unregister := func() {
		s.mu.Lock()
		delete(s.docs, ref)
		s.mu.Unlock()
	}

	if s.log != nil {
		if err := s.log.AppendOps(ctx, ref.Namespace, ref.ID, tx.ops); err != nil {
			unregister()
			d.mu.Unlock()
			return View{}, fmt.Errorf("engine: create %s: %w", ref, err)
		}
	}
	tx.commit()

	// Seed the snapshot chain so the document survives restart even
	// before its first op.
	if err := s.writeSnapshot(ctx, d); err != nil {
		slog.Warn("seed snapshot failed", "ref", ref.String(), "error", err)
	}

	view := d.view()
	delta := tx.delta()
	d.mu.Unlock()

	s.stats.localOps.Add(int64(len(delta.Ops)))
	s.finishCommit(ref, view, delta, OriginLocal)
	return view, nil
}

// Read materializes the current state of a document.
func (s *Store) Read(ctx context.Context, ref Ref) (View, error) {
	if s.closed.Load() {
		return View{}, ErrClosed
	}
	d, err := s.lookup(ctx, ref)
	if err != nil {
		return View{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.view(), nil
}

// Fingerprint content-addresses the full state of a document. Two
// replicas hold identical state exactly when fingerprints match.
func (s *Store) Fingerprint(ctx context.Context, ref Ref) (string, error) {
	if s.closed.Load() {
		return "", ErrClosed
	}
	d, err := s.lookup(ctx, ref)
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fingerprint()
}

// Vector returns the document's current state vector.
func (s *Store) Vector(ctx context.Context, ref Ref) (StateVector, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	d, err := s.lookup(ctx, ref)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vector.Clone(), nil
}

// Refs lists every live document, unordered.
func (s *Store) Refs() []Ref {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Ref, 0, len(s.docs))
	for ref := range s.docs {
		out = append(out, ref)
	}
	return out
}

// Vectors returns the state vector of every live document, the payload
// of a sync handshake.
func (s *Store) Vectors() map[Ref]StateVector {
	s.mu.RLock()
	docs := make([]*document, 0, len(s.docs))
	for _, d := range s.docs {
		docs = append(docs, d)
	}
	s.mu.RUnlock()

	out := make(map[Ref]StateVector, len(docs))
	for _, d := range docs {
		d.mu.Lock()
		out[d.ref] = d.vector.Clone()
		d.mu.Unlock()
	}
	return out
}

// Mutate runs one atomic mutation against one document. The callback
// edits a working copy through the Tx; if it returns nil the ops are
// logged, committed, announced to subscribers, and queued for sync, and
// the committed delta is returned. If it returns an error nothing
// changed.
func (s *Store) Mutate(ctx context.Context, ref Ref, fn func(*Tx) error) (Delta, error) {
	if s.closed.Load() {
		return Delta{}, ErrClosed
	}
	d, err := s.lookup(ctx, ref)
	if err != nil {
		return Delta{}, err
	}

	d.mu.Lock()

	tx := newTx(s, d)
	if err := fn(tx); err != nil {
		d.mu.Unlock()
		return Delta{}, err
	}
	if len(tx.ops) == 0 {
		d.mu.Unlock()
		return Delta{Ref: ref}, nil
	}

	if s.log != nil {
		if err := s.log.AppendOps(ctx, ref.Namespace, ref.ID, tx.ops); err != nil {
			d.mu.Unlock()
			return Delta{}, fmt.Errorf("engine: commit %s: %w", ref, err)
		}
	}

	tx.commit()
	s.maybeSnapshot(ctx, d)
	view := d.view()
	delta := tx.delta()
	d.mu.Unlock()

	s.stats.localOps.Add(int64(len(delta.Ops)))
	s.finishCommit(ref, view, delta, OriginLocal)
	return delta, nil
}

// ApplyRemote folds a delta received from a peer into the named
// document, creating it on first contact. Returns whether the
// materialized state changed; re-delivery and replay return false.
// Subscribers fire and the delta is relayed onward only on change.
//
// A delta referencing elements this replica has not seen fails with
// ErrCausalGap after folding the clean prefix; the caller recovers by
// re-exchanging state vectors.
func (s *Store) ApplyRemote(ctx context.Context, delta Delta) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	if delta.Empty() {
		return false, nil
	}
	ref := delta.Ref

	d, err := s.lookup(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		d, err = s.createRemote(ctx, ref)
	}
	if err != nil {
		return false, err
	}

	ops := make([]crdt.Op, len(delta.Ops))
	copy(ops, delta.Ops)
	crdt.SortOps(ops)

	d.mu.Lock()
	applied, changed, applyErr := d.applyOps(ops)

	if applied > 0 && s.log != nil {
		if err := s.log.AppendOps(ctx, ref.Namespace, ref.ID, ops[:applied]); err != nil {
			d.mu.Unlock()
			return changed, fmt.Errorf("engine: log remote ops for %s: %w", ref, err)
		}
	}

	var maxSeen int64
	for _, op := range ops[:applied] {
		if mc := op.MaxClock(); mc > maxSeen {
			maxSeen = mc
		}
	}

	s.maybeSnapshot(ctx, d)
	view := d.view()
	d.mu.Unlock()

	// Later local ops must sort after everything merged.
	s.clock.Witness(maxSeen)
	s.stats.remoteOps.Add(int64(applied))

	if changed {
		s.finishCommit(ref, view, Delta{Ref: ref, Ops: ops[:applied]}, OriginRemote)
	}
	return changed, applyErr
}

// createRemote registers an empty document for a delta arriving ahead
// of any local knowledge of it.
func (s *Store) createRemote(ctx context.Context, ref Ref) (*document, error) {
	decl, ok := s.schemas.Document(ref.Namespace)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNamespace, ref.Namespace)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.docs[ref]; ok {
		return d, nil
	}
	d, err := newDocument(ref, decl)
	if err != nil {
		return nil, err
	}
	s.docs[ref] = d
	slog.Debug("document created from remote delta", "ref", ref.String())
	return d, nil
}

// finishCommit runs the post-commit fan-out that every write path
// shares: subscriber notification and the outbound sync queue. Called
// without the document lock so callbacks can read the store.
func (s *Store) finishCommit(ref Ref, view View, delta Delta, origin Origin) {
	s.subs.notify(Event{Ref: ref, Origin: origin, View: view, Ops: len(delta.Ops)})
	if !delta.Empty() {
		s.outbound.Enqueue(delta)
	}
}

// stampLWW returns the next register timestamp: wall millis, pushed
// forward when two writes land in the same millisecond or the clock
// steps back. Strictly increasing per store.
func (s *Store) stampLWW() int64 {
	now := s.now().UnixMilli()
	for {
		last := s.lwwLast.Load()
		ts := now
		if ts <= last {
			ts = last + 1
		}
		if s.lwwLast.CompareAndSwap(last, ts) {
			return ts
		}
	}
}

// newTag mints a unique tag for a set add.
func (s *Store) newTag() string {
	return s.tagGen()
}

// Stats returns a point-in-time snapshot of store counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	docs := len(s.docs)
	s.mu.RUnlock()

	return Stats{
		Documents:     docs,
		LocalOps:      s.stats.localOps.Load(),
		RemoteOps:     s.stats.remoteOps.Load(),
		Snapshots:     s.stats.snapshots.Load(),
		QueueDepth:    s.outbound.Len(),
		Subscriptions: s.subs.count(),
		Clock:         s.clock.Current(),
	}
}

// Close marks the store closed and shuts the outbound queue. Queued
// deltas stay dequeueable so the sync layer can drain. The op log is
// owned by the caller and closed separately.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.outbound.Close()
	slog.Info("document store closed", "actor", s.actor)
	return nil
}
