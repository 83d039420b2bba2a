package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/driftlab/drift/internal/crdt"
	"github.com/driftlab/drift/internal/store"
)

// SnapshotPolicy controls automatic snapshots. A document is snapshotted
// after a commit when it has folded in at least MinOps ops since the
// last snapshot and at least MinInterval has passed. Keep bounds the
// snapshot chain per document; older rows are pruned.
//
// Snapshots are a load and compaction optimization only. Correctness
// never depends on them: full replay of the op log rebuilds the same
// state (the round-trip law).
type SnapshotPolicy struct {
	MinOps      int64
	MinInterval time.Duration
	Keep        int
}

// DefaultSnapshotPolicy returns the production thresholds.
func DefaultSnapshotPolicy() SnapshotPolicy {
	return SnapshotPolicy{
		MinOps:      10,
		MinInterval: time.Minute,
		Keep:        10,
	}
}

// maybeSnapshot writes a snapshot when the policy says so. Caller holds
// d.mu. A snapshot failure is logged, never surfaced: the commit that
// triggered it already succeeded and replay covers the gap.
func (s *Store) maybeSnapshot(ctx context.Context, d *document) {
	if s.log == nil {
		return
	}
	if d.opsSeen-d.snapshotAt < s.snap.MinOps {
		return
	}
	if !d.lastSnap.IsZero() && s.now().Sub(d.lastSnap) < s.snap.MinInterval {
		return
	}
	if err := s.writeSnapshot(ctx, d); err != nil {
		slog.Warn("snapshot failed", "ref", d.ref.String(), "error", err)
	}
}

// writeSnapshot persists the document's full state and prunes the
// chain. Caller holds d.mu.
func (s *Store) writeSnapshot(ctx context.Context, d *document) error {
	if s.log == nil {
		return nil
	}

	state, err := marshalDocState(d)
	if err != nil {
		return fmt.Errorf("engine: snapshot %s: %w", d.ref, err)
	}

	snap := store.Snapshot{
		Namespace: d.ref.Namespace,
		DocID:     d.ref.ID,
		State:     state,
		Vector:    d.vector.Clone(),
		CreatedAt: s.now(),
	}
	if err := s.log.WriteSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("engine: snapshot %s: %w", d.ref, err)
	}
	if err := s.log.PruneSnapshots(ctx, d.ref.Namespace, d.ref.ID, s.snap.Keep); err != nil {
		return fmt.Errorf("engine: prune snapshots %s: %w", d.ref, err)
	}

	d.snapshotAt = d.opsSeen
	d.lastSnap = s.now()
	s.stats.snapshots.Add(1)

	slog.Debug("snapshot written", "ref", d.ref.String(), "ops_seen", d.opsSeen)
	return nil
}

// Compact writes a fresh snapshot of the document and deletes the log
// ops it covers. Maintenance only; never required for convergence.
func (s *Store) Compact(ctx context.Context, ref Ref) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.log == nil {
		return nil
	}
	d, err := s.lookup(ctx, ref)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := s.writeSnapshot(ctx, d); err != nil {
		return err
	}
	if err := s.log.CompactOps(ctx, ref.Namespace, ref.ID, d.vector.Clone()); err != nil {
		return fmt.Errorf("engine: compact %s: %w", ref, err)
	}
	slog.Info("document compacted", "ref", ref.String())
	return nil
}

// marshalDocState encodes every field's full CRDT state (tombstones
// included) as one canonical JSON object. Caller holds d.mu.
func marshalDocState(d *document) ([]byte, error) {
	fields := make(crdt.Object, len(d.fields))
	for _, f := range d.decl.Fields {
		data, err := crdt.MarshalValue(d.fields[f.Name])
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		sc, err := crdt.UnmarshalScalar(data)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		fields[f.Name] = sc
	}
	return crdt.MarshalCanonical(crdt.Object{"fields": fields})
}

// restoreSnapshot decodes a snapshot into the document's fields and
// vector. Fields the schema has since gained stay at their empty state;
// fields the snapshot has but the schema lost are an error.
func restoreSnapshot(d *document, snap *store.Snapshot) error {
	sc, err := crdt.UnmarshalScalar(snap.State)
	if err != nil {
		return fmt.Errorf("snapshot state: %w", err)
	}
	obj, ok := sc.(crdt.Object)
	if !ok {
		return fmt.Errorf("snapshot state is not an object")
	}
	fields, ok := obj["fields"].(crdt.Object)
	if !ok {
		return fmt.Errorf("snapshot state missing fields")
	}

	for name, raw := range fields {
		decl, ok := d.decl.Field(name)
		if !ok {
			return fmt.Errorf("%w: snapshot field %q", ErrUnknownField, name)
		}
		inner, ok := raw.(crdt.Object)
		if !ok {
			return fmt.Errorf("snapshot field %q is not an object", name)
		}
		data, err := crdt.MarshalCanonical(inner)
		if err != nil {
			return fmt.Errorf("snapshot field %q: %w", name, err)
		}
		v, err := crdt.UnmarshalValue(data)
		if err != nil {
			return fmt.Errorf("snapshot field %q: %w", name, err)
		}
		if v.Strategy() != decl.Strategy {
			return fmt.Errorf("snapshot field %q: %w: declared %s, snapshot %s",
				name, crdt.ErrStrategyMismatch, decl.Strategy, v.Strategy())
		}
		d.fields[name] = v
	}

	for actor, clock := range snap.Vector {
		d.vector.Observe(actor, clock)
	}
	return nil
}
