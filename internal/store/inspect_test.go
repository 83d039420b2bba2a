package store

import (
	"context"
	"testing"
	"time"

	"github.com/driftlab/drift/internal/crdt"
)

func TestSummarize(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if err := s.AppendOps(ctx, "notes", "n1", []crdt.Op{
		lwwOp("alice", 1, "title", "a"),
		lwwOp("alice", 2, "title", "b"),
		textOp("bob", 1, "body", "hey"), // covers 1..3
	}); err != nil {
		t.Fatalf("AppendOps() failed: %v", err)
	}
	snap := Snapshot{
		Namespace: "notes",
		DocID:     "n1",
		State:     []byte(`{}`),
		Vector:    map[crdt.Actor]int64{"alice": 2},
		CreatedAt: time.UnixMilli(5000),
	}
	if err := s.WriteSnapshot(ctx, snap); err != nil {
		t.Fatalf("WriteSnapshot() failed: %v", err)
	}

	sum, err := s.Summarize(ctx, "notes", "n1")
	if err != nil {
		t.Fatalf("Summarize() failed: %v", err)
	}

	if sum.OpCount != 3 {
		t.Errorf("op count = %d, want 3", sum.OpCount)
	}
	if sum.Vector["alice"] != 2 || sum.Vector["bob"] != 3 {
		t.Errorf("vector = %v, want alice:2 bob:3", sum.Vector)
	}
	if sum.SnapshotCount != 1 || sum.SnapshotSeq != 1 {
		t.Errorf("snapshots = %d (seq %d), want 1 (seq 1)", sum.SnapshotCount, sum.SnapshotSeq)
	}
	if !sum.SnapshotAt.Equal(time.UnixMilli(5000)) {
		t.Errorf("snapshot at = %v, want %v", sum.SnapshotAt, time.UnixMilli(5000))
	}
}

func TestSummarize_EmptyDoc(t *testing.T) {
	s := createTestStore(t)

	sum, err := s.Summarize(context.Background(), "notes", "missing")
	if err != nil {
		t.Fatalf("Summarize() failed: %v", err)
	}
	if sum.OpCount != 0 || sum.SnapshotCount != 0 || len(sum.Vector) != 0 {
		t.Errorf("summary = %+v, want zero footprint", sum)
	}
}

func TestVerifyDoc_Clean(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if err := s.AppendOps(ctx, "notes", "n1", []crdt.Op{
		lwwOp("alice", 1, "title", "a"),
		textOp("alice", 2, "body", "hey"),
	}); err != nil {
		t.Fatalf("AppendOps() failed: %v", err)
	}

	faults, err := s.VerifyDoc(ctx, "notes", "n1")
	if err != nil {
		t.Fatalf("VerifyDoc() failed: %v", err)
	}
	if len(faults) != 0 {
		t.Errorf("faults = %v, want none", faults)
	}
}

func TestVerifyDoc_FindsTamperedRow(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if err := s.AppendOps(ctx, "notes", "n1", []crdt.Op{lwwOp("alice", 1, "title", "a")}); err != nil {
		t.Fatalf("AppendOps() failed: %v", err)
	}

	// Swap the payload out from under the stored op_id
	tampered, _, err := marshalOp(lwwOp("alice", 1, "title", "tampered"))
	if err != nil {
		t.Fatalf("marshalOp() failed: %v", err)
	}
	if _, err := s.db.Exec(`UPDATE ops SET payload = ?`, tampered); err != nil {
		t.Fatalf("tamper update failed: %v", err)
	}

	faults, err := s.VerifyDoc(ctx, "notes", "n1")
	if err != nil {
		t.Fatalf("VerifyDoc() failed: %v", err)
	}
	if len(faults) != 1 {
		t.Fatalf("faults = %v, want exactly one", faults)
	}
}

func TestVerify_CollectsAcrossDocuments(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if err := s.AppendOps(ctx, "notes", "n1", []crdt.Op{lwwOp("alice", 1, "title", "a")}); err != nil {
		t.Fatalf("AppendOps() failed: %v", err)
	}
	// Undecodable payload in a second document
	_, err := s.db.Exec(`
		INSERT INTO ops (namespace, doc_id, actor, clock, max_clock, field, strategy, payload, op_id)
		VALUES ('notes', 'n2', 'bob', 1, 1, 'title', 'lww', 'garbage', 'id-x')
	`)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	faults, err := s.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify() failed: %v", err)
	}
	if len(faults) != 1 {
		t.Fatalf("faults = %v, want exactly one", faults)
	}
	if faults[0].DocID != "n2" {
		t.Errorf("fault doc = %s, want n2", faults[0].DocID)
	}
}
