package store

import (
	"path/filepath"
	"testing"

	"github.com/driftlab/drift/internal/crdt"
)

// createTestStore creates a file-backed store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// lwwOp builds a minimal LWW write op for tests.
func lwwOp(actor crdt.Actor, clock int64, field, value string) crdt.Op {
	return crdt.Op{
		Actor:   actor,
		Clock:   clock,
		Field:   field,
		Payload: crdt.LWWSet{TS: clock, Value: crdt.String(value)},
	}
}

// textOp builds a text insert op; it spans one clock per rune.
func textOp(actor crdt.Actor, clock int64, field, text string) crdt.Op {
	return crdt.Op{
		Actor:   actor,
		Clock:   clock,
		Field:   field,
		Payload: crdt.TextInsert{Left: crdt.Dot{}, Text: text},
	}
}

// countRows counts rows in a table for one document.
func countRows(t *testing.T, s *Store, table, namespace, docID string) int {
	t.Helper()
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM "+table+" WHERE namespace = ? AND doc_id = ?",
		namespace, docID,
	).Scan(&count)
	if err != nil {
		t.Fatalf("count %s rows: %v", table, err)
	}
	return count
}
