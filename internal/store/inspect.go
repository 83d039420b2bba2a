package store

import (
	"context"
	"fmt"
	"time"

	"github.com/driftlab/drift/internal/crdt"
)

// DocSummary describes one document's footprint in the log. Used by
// inspection tooling; the engine never needs it.
type DocSummary struct {
	Namespace     string               `json:"namespace"`
	DocID         string               `json:"doc_id"`
	OpCount       int64                `json:"op_count"`
	Vector        map[crdt.Actor]int64 `json:"vector"`
	SnapshotCount int64                `json:"snapshot_count"`
	SnapshotSeq   int64                `json:"snapshot_seq,omitempty"`
	SnapshotAt    time.Time            `json:"snapshot_at,omitempty"`
}

// Summarize reports a document's op count, the per-actor coverage of
// its logged ops, and its snapshot chain.
func (s *Store) Summarize(ctx context.Context, namespace, docID string) (DocSummary, error) {
	sum := DocSummary{
		Namespace: namespace,
		DocID:     docID,
		Vector:    map[crdt.Actor]int64{},
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT actor, COUNT(*), MAX(max_clock)
		FROM ops
		WHERE namespace = ? AND doc_id = ?
		GROUP BY actor
		ORDER BY actor COLLATE BINARY ASC
	`, namespace, docID)
	if err != nil {
		return DocSummary{}, fmt.Errorf("summarize ops: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var actor string
		var count, maxClock int64
		if err := rows.Scan(&actor, &count, &maxClock); err != nil {
			return DocSummary{}, fmt.Errorf("scan op summary: %w", err)
		}
		sum.OpCount += count
		sum.Vector[crdt.Actor(actor)] = maxClock
	}
	if err := rows.Err(); err != nil {
		return DocSummary{}, fmt.Errorf("iterate op summary: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(MAX(seq), 0)
		FROM snapshots
		WHERE namespace = ? AND doc_id = ?
	`, namespace, docID).Scan(&sum.SnapshotCount, &sum.SnapshotSeq)
	if err != nil {
		return DocSummary{}, fmt.Errorf("summarize snapshots: %w", err)
	}

	if sum.SnapshotCount > 0 {
		var createdAt int64
		err = s.db.QueryRowContext(ctx, `
			SELECT created_at FROM snapshots
			WHERE namespace = ? AND doc_id = ? AND seq = ?
		`, namespace, docID, sum.SnapshotSeq).Scan(&createdAt)
		if err != nil {
			return DocSummary{}, fmt.Errorf("summarize snapshots: %w", err)
		}
		sum.SnapshotAt = time.UnixMilli(createdAt)
	}

	return sum, nil
}

// Fault is one integrity failure found by VerifyDoc: a payload the op
// codec rejects, a stored op_id that no longer matches its payload's
// content address, or key columns that disagree with the envelope.
type Fault struct {
	Namespace string `json:"namespace"`
	DocID     string `json:"doc_id"`
	OpID      string `json:"op_id,omitempty"`
	Detail    string `json:"detail"`
}

// VerifyDoc re-derives every op row from its stored payload and reports
// each mismatch. It collects faults rather than failing on the first,
// so one bad row never hides the rest.
//
// Returns an empty slice (not nil) when the document is clean.
func (s *Store) VerifyDoc(ctx context.Context, namespace, docID string) ([]Fault, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT actor, clock, max_clock, field, strategy, payload, op_id
		FROM ops
		WHERE namespace = ? AND doc_id = ?
		ORDER BY clock ASC, actor COLLATE BINARY ASC, field COLLATE BINARY ASC
	`, namespace, docID)
	if err != nil {
		return nil, fmt.Errorf("verify ops: %w", err)
	}
	defer rows.Close()

	faults := []Fault{}
	addFault := func(opID, format string, args ...any) {
		faults = append(faults, Fault{
			Namespace: namespace,
			DocID:     docID,
			OpID:      opID,
			Detail:    fmt.Sprintf(format, args...),
		})
	}

	for rows.Next() {
		var actor, field, strategy, payload, opID string
		var clock, maxClock int64
		if err := rows.Scan(&actor, &clock, &maxClock, &field, &strategy, &payload, &opID); err != nil {
			return nil, fmt.Errorf("scan op row: %w", err)
		}

		op, err := crdt.UnmarshalOp([]byte(payload))
		if err != nil {
			addFault(opID, "payload does not decode: %v", err)
			continue
		}

		if string(op.Actor) != actor || op.Clock != clock || op.Field != field {
			addFault(opID, "key columns (%s, %d, %s) disagree with envelope (%s, %d, %s)",
				actor, clock, field, op.Actor, op.Clock, op.Field)
		}
		if string(op.Payload.Strategy()) != strategy {
			addFault(opID, "strategy column %q disagrees with envelope %q", strategy, op.Payload.Strategy())
		}
		if op.MaxClock() != maxClock {
			addFault(opID, "max_clock column %d disagrees with envelope %d", maxClock, op.MaxClock())
		}
		if id := crdt.MustOpID(op); id != opID {
			addFault(opID, "op_id does not match content address %s", id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate op rows: %w", err)
	}

	// Snapshot vectors must still decode.
	snapRows, err := s.db.QueryContext(ctx, `
		SELECT seq, state_vector FROM snapshots
		WHERE namespace = ? AND doc_id = ?
		ORDER BY seq ASC
	`, namespace, docID)
	if err != nil {
		return nil, fmt.Errorf("verify snapshots: %w", err)
	}
	defer snapRows.Close()

	for snapRows.Next() {
		var seq int64
		var vector string
		if err := snapRows.Scan(&seq, &vector); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		if _, err := unmarshalVector(vector); err != nil {
			addFault("", "snapshot %d vector does not decode: %v", seq, err)
		}
	}
	if err := snapRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot rows: %w", err)
	}

	return faults, nil
}

// Verify runs VerifyDoc over every document in the log.
func (s *Store) Verify(ctx context.Context) ([]Fault, error) {
	keys, err := s.ListDocs(ctx)
	if err != nil {
		return nil, err
	}

	faults := []Fault{}
	for _, key := range keys {
		fs, err := s.VerifyDoc(ctx, key.Namespace, key.DocID)
		if err != nil {
			return nil, err
		}
		faults = append(faults, fs...)
	}
	return faults, nil
}
