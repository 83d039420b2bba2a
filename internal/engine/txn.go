package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/driftlab/drift/internal/store"
)

// Txn is a multi-document transaction: edits against any number of
// documents that commit together or not at all. Documents are locked as
// they are first touched and held until the callback returns; the
// store-wide transaction mutex keeps two Txns from interleaving their
// lock acquisition, so progressive locking cannot deadlock.
//
// Commit appends every op across every document in one log transaction,
// then swaps all working copies in. Cross-document atomicity holds for
// the local node (readers and the log); the sync layer still ships one
// delta per document, so remote replicas may observe the documents
// converge at different moments.
type Txn struct {
	store   *Store
	ctx     context.Context
	txs     map[Ref]*Tx
	order   []*document // lock release order (reverse acquisition)
	created []Ref
	aborted bool
}

// At returns the edit surface for an existing document, locking it on
// first touch.
func (x *Txn) At(ref Ref) (*Tx, error) {
	if tx, ok := x.txs[ref]; ok {
		return tx, nil
	}
	d, err := x.store.lookup(x.ctx, ref)
	if err != nil {
		return nil, err
	}
	return x.adopt(d), nil
}

// Create registers a new document inside the transaction. The document
// becomes visible to the rest of the store only on commit; on abort it
// never existed.
func (x *Txn) Create(ref Ref) (*Tx, error) {
	if tx, ok := x.txs[ref]; ok {
		return tx, nil
	}
	decl, ok := x.store.schemas.Document(ref.Namespace)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNamespace, ref.Namespace)
	}
	if _, err := x.store.lookup(x.ctx, ref); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, ref)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	d, err := newDocument(ref, decl)
	if err != nil {
		return nil, err
	}
	x.created = append(x.created, ref)
	return x.adopt(d), nil
}

// Abort marks the transaction rolled back. The callback should return
// promptly afterwards; Transact reports ErrAborted.
func (x *Txn) Abort() {
	x.aborted = true
}

func (x *Txn) adopt(d *document) *Tx {
	d.mu.Lock()
	x.order = append(x.order, d)
	tx := newTx(x.store, d)
	x.txs[d.ref] = tx
	return tx
}

func (x *Txn) unlockAll() {
	for i := len(x.order) - 1; i >= 0; i-- {
		x.order[i].mu.Unlock()
	}
	x.order = nil
}

// Transact runs fn as one all-or-nothing batch over any number of
// documents. On success every touched document's delta is committed,
// announced, and queued for sync; on error (or Abort) nothing changed
// anywhere.
func (s *Store) Transact(ctx context.Context, fn func(*Txn) error) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.txnMu.Lock()
	defer s.txnMu.Unlock()

	x := &Txn{store: s, ctx: ctx, txs: make(map[Ref]*Tx)}
	defer x.unlockAll()

	if err := fn(x); err != nil {
		return err
	}
	if x.aborted {
		return ErrAborted
	}

	// Gather per-document batches; documents nothing was written to
	// commit vacuously.
	var batch []store.DocOps
	for ref, tx := range x.txs {
		if len(tx.ops) == 0 {
			continue
		}
		batch = append(batch, store.DocOps{
			Namespace: ref.Namespace,
			DocID:     ref.ID,
			Ops:       tx.ops,
		})
	}

	if s.log != nil && len(batch) > 0 {
		if err := s.log.AppendBatch(ctx, batch); err != nil {
			return fmt.Errorf("engine: transaction commit: %w", err)
		}
	}

	// Past this point the transaction is durable; swap everything in.
	type outcome struct {
		ref   Ref
		view  View
		delta Delta
	}
	outcomes := make([]outcome, 0, len(x.txs))

	if len(x.created) > 0 {
		s.mu.Lock()
		for _, ref := range x.created {
			s.docs[ref] = x.txs[ref].doc
		}
		s.mu.Unlock()
	}

	for ref, tx := range x.txs {
		if len(tx.ops) == 0 {
			continue
		}
		tx.commit()
		s.maybeSnapshot(ctx, tx.doc)
		outcomes = append(outcomes, outcome{ref: ref, view: tx.doc.view(), delta: tx.delta()})
		s.stats.localOps.Add(int64(len(tx.ops)))
	}

	x.unlockAll()

	for _, o := range outcomes {
		s.finishCommit(o.ref, o.view, o.delta, OriginLocal)
	}
	return nil
}
