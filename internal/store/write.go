package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/driftlab/drift/internal/crdt"
)

// DocOps is one document's slice of a batched append.
type DocOps struct {
	Namespace string
	DocID     string
	Ops       []crdt.Op
}

// Snapshot is a full materialized document state at a point in its
// history. State holds the canonical-JSON field states; Vector records
// exactly which ops the state folds in. Seq is assigned by the store
// at insert time.
type Snapshot struct {
	Namespace string
	DocID     string
	Seq       int64
	State     []byte
	Vector    map[crdt.Actor]int64
	CreatedAt time.Time
}

// AppendOps inserts a batch of ops for one document in a single
// transaction. Uses ON CONFLICT DO NOTHING for idempotency - re-sent
// and replayed ops are silently ignored. Other constraint violations
// (e.g., NOT NULL) will still return errors.
func (s *Store) AppendOps(ctx context.Context, namespace, docID string, ops []crdt.Op) error {
	if len(ops) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append ops: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := insertOps(ctx, tx, namespace, docID, ops); err != nil {
		return fmt.Errorf("append ops: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append ops: commit: %w", err)
	}
	return nil
}

// AppendBatch inserts ops for several documents in one transaction.
// Either every document's ops are logged or none are; this is what
// makes multi-document transactions atomic across a crash.
func (s *Store) AppendBatch(ctx context.Context, batch []DocOps) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append batch: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, docOps := range batch {
		if err := insertOps(ctx, tx, docOps.Namespace, docOps.DocID, docOps.Ops); err != nil {
			return fmt.Errorf("append batch: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append batch: commit: %w", err)
	}
	return nil
}

// insertOps writes each op row inside the given transaction.
func insertOps(ctx context.Context, tx *sql.Tx, namespace, docID string, ops []crdt.Op) error {
	for _, op := range ops {
		payload, opID, err := marshalOp(op)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO ops
			(namespace, doc_id, actor, clock, max_clock, field, strategy, payload, op_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(namespace, doc_id, actor, clock, field) DO NOTHING
		`,
			namespace,
			docID,
			string(op.Actor),
			op.Clock,
			op.MaxClock(),
			op.Field,
			string(op.Payload.Strategy()),
			payload,
			opID,
		)
		if err != nil {
			return fmt.Errorf("insert op %s: %w", opID, err)
		}
	}
	return nil
}

// WriteSnapshot inserts a snapshot row with the next seq in the
// document's chain. The seq subquery and the insert run in one
// statement, and the store holds a single connection, so the chain
// never skips or reuses a number.
func (s *Store) WriteSnapshot(ctx context.Context, snap Snapshot) error {
	vectorJSON, err := marshalVector(snap.Vector)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots
		(namespace, doc_id, seq, state, state_vector, created_at)
		VALUES (?, ?,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM snapshots WHERE namespace = ? AND doc_id = ?),
			?, ?, ?)
	`,
		snap.Namespace,
		snap.DocID,
		snap.Namespace,
		snap.DocID,
		string(snap.State),
		vectorJSON,
		snap.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// PruneSnapshots deletes all but the newest keep snapshots of a
// document. keep <= 0 keeps everything.
func (s *Store) PruneSnapshots(ctx context.Context, namespace, docID string, keep int) error {
	if keep <= 0 {
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM snapshots
		WHERE namespace = ? AND doc_id = ? AND seq NOT IN (
			SELECT seq FROM snapshots
			WHERE namespace = ? AND doc_id = ?
			ORDER BY seq DESC
			LIMIT ?
		)
	`, namespace, docID, namespace, docID, keep)
	if err != nil {
		return fmt.Errorf("prune snapshots: %w", err)
	}
	return nil
}

// CompactOps deletes ops the vector covers: for each actor, every row
// whose max_clock is at or below the actor's vector entry. Call only
// after a snapshot carrying that vector is durable, or the deleted ops
// are unrecoverable.
func (s *Store) CompactOps(ctx context.Context, namespace, docID string, vector map[crdt.Actor]int64) error {
	if len(vector) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("compact ops: begin tx: %w", err)
	}
	defer tx.Rollback()

	for actor, clock := range vector {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM ops
			WHERE namespace = ? AND doc_id = ? AND actor = ? AND max_clock <= ?
		`, namespace, docID, string(actor), clock)
		if err != nil {
			return fmt.Errorf("compact ops: actor %s: %w", actor, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("compact ops: commit: %w", err)
	}
	return nil
}
