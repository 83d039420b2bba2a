package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/driftlab/drift/internal/crdt"
)

// DocKey identifies one logged document.
type DocKey struct {
	Namespace string
	DocID     string
}

// ReadOps returns every logged op for a document in deterministic
// order: clock ASC, then actor and field with BINARY collation. Two
// stores holding the same rows replay in the same order.
//
// Returns an empty slice (not nil) if the document has no ops.
func (s *Store) ReadOps(ctx context.Context, namespace, docID string) ([]crdt.Op, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM ops
		WHERE namespace = ? AND doc_id = ?
		ORDER BY clock ASC, actor COLLATE BINARY ASC, field COLLATE BINARY ASC
	`, namespace, docID)
	if err != nil {
		return nil, fmt.Errorf("query ops: %w", err)
	}
	defer rows.Close()

	var ops []crdt.Op
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan op: %w", err)
		}
		op, err := unmarshalOp(payload)
		if err != nil {
			return nil, fmt.Errorf("%s/%s: %w", namespace, docID, err)
		}
		ops = append(ops, op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ops: %w", err)
	}

	if ops == nil {
		ops = []crdt.Op{}
	}
	return ops, nil
}

// LatestSnapshot returns the newest snapshot of a document, or nil when
// none exists. Nil is not an error: a document can live entirely in its
// op log.
func (s *Store) LatestSnapshot(ctx context.Context, namespace, docID string) (*Snapshot, error) {
	var (
		seq       int64
		state     string
		vector    string
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT seq, state, state_vector, created_at
		FROM snapshots
		WHERE namespace = ? AND doc_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`, namespace, docID).Scan(&seq, &state, &vector, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}

	v, err := unmarshalVector(vector)
	if err != nil {
		return nil, fmt.Errorf("%s/%s: %w", namespace, docID, err)
	}

	return &Snapshot{
		Namespace: namespace,
		DocID:     docID,
		Seq:       seq,
		State:     []byte(state),
		Vector:    v,
		CreatedAt: time.UnixMilli(createdAt),
	}, nil
}

// ListDocs returns every document the store knows about: anything with
// at least one op or one snapshot. Ordered by namespace then id with
// BINARY collation.
//
// Returns an empty slice (not nil) if the store is empty.
func (s *Store) ListDocs(ctx context.Context) ([]DocKey, error) {
	// UNION dedupes across the two tables.
	rows, err := s.db.QueryContext(ctx, `
		SELECT namespace, doc_id FROM ops
		UNION
		SELECT namespace, doc_id FROM snapshots
		ORDER BY namespace COLLATE BINARY ASC, doc_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var keys []DocKey
	for rows.Next() {
		var key DocKey
		if err := rows.Scan(&key.Namespace, &key.DocID); err != nil {
			return nil, fmt.Errorf("scan document key: %w", err)
		}
		keys = append(keys, key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}

	if keys == nil {
		keys = []DocKey{}
	}
	return keys, nil
}

// DocExists reports whether a document has any logged ops or snapshots.
func (s *Store) DocExists(ctx context.Context, namespace, docID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM ops WHERE namespace = ? AND doc_id = ?)
		    OR EXISTS(SELECT 1 FROM snapshots WHERE namespace = ? AND doc_id = ?)
	`, namespace, docID, namespace, docID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check document: %w", err)
	}
	return exists, nil
}

// MaxClock returns the highest clock value the given actor holds in the
// ops table, 0 when the actor has none. Compaction can delete an
// actor's rows, so on load this must be combined with the snapshot
// vectors, which outlive the ops they cover.
func (s *Store) MaxClock(ctx context.Context, actor crdt.Actor) (int64, error) {
	var clock int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(max_clock), 0) FROM ops WHERE actor = ?
	`, string(actor)).Scan(&clock)
	if err != nil {
		return 0, fmt.Errorf("query max clock: %w", err)
	}
	return clock, nil
}

// CountOps returns the number of logged ops for a document. Used by
// inspection tooling; the engine never needs it.
func (s *Store) CountOps(ctx context.Context, namespace, docID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ops WHERE namespace = ? AND doc_id = ?
	`, namespace, docID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count ops: %w", err)
	}
	return count, nil
}
