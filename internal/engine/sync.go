package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/driftlab/drift/internal/crdt"
)

// ErrNoLog is returned by OpsSince on a memory-only store: without a
// persistent op log there is no history to diff against. The sync layer
// falls back to full-state exchange.
var ErrNoLog = errors.New("engine: store has no op log")

// OpsSince returns the logged ops of one document that a replica holding
// the given state vector is missing, sorted causally. This is the diff
// half of the sync handshake: each side computes what the other lacks
// from the exchanged vectors and streams exactly that.
//
// Ops already compacted away cannot be returned; if the remote vector
// predates the compaction horizon the receiver will hit a causal gap and
// recover through FullState/MergeState.
func (s *Store) OpsSince(ctx context.Context, ref Ref, since StateVector) (Delta, error) {
	if s.closed.Load() {
		return Delta{}, ErrClosed
	}
	if s.log == nil {
		return Delta{}, ErrNoLog
	}
	if _, err := s.lookup(ctx, ref); err != nil {
		return Delta{}, err
	}

	ops, err := s.log.ReadOps(ctx, ref.Namespace, ref.ID)
	if err != nil {
		return Delta{}, fmt.Errorf("engine: diff %s: %w", ref, err)
	}

	missing := make([]crdt.Op, 0, len(ops))
	for _, op := range ops {
		if op.MaxClock() > since[op.Actor] {
			missing = append(missing, op)
		}
	}
	crdt.SortOps(missing)
	return Delta{Ref: ref, Ops: missing}, nil
}

// FullState returns the canonical full CRDT state of a document,
// tombstones included, plus its state vector. The encoding matches the
// snapshot format, so the receiving side merges it with MergeState.
func (s *Store) FullState(ctx context.Context, ref Ref) ([]byte, StateVector, error) {
	if s.closed.Load() {
		return nil, nil, ErrClosed
	}
	d, err := s.lookup(ctx, ref)
	if err != nil {
		return nil, nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	state, err := marshalDocState(d)
	if err != nil {
		return nil, nil, fmt.Errorf("engine: state %s: %w", ref, err)
	}
	return state, d.vector.Clone(), nil
}

// MergeState folds a remote document's full state into the local
// document, creating it on first contact. This is the state-based merge
// path: the sync layer uses it when op-level deltas cannot bridge the
// gap (the sender compacted the ops the receiver is missing). Merge laws
// make it safe to combine freely with op delivery.
//
// Returns whether the materialized state changed. The merged result is
// persisted as a snapshot, since there are no ops to log.
func (s *Store) MergeState(ctx context.Context, ref Ref, state []byte, vector StateVector) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}

	d, err := s.lookup(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		d, err = s.createRemote(ctx, ref)
	}
	if err != nil {
		return false, err
	}

	remote, err := decodeDocState(d, state)
	if err != nil {
		return false, fmt.Errorf("engine: merge %s: %w", ref, err)
	}

	d.mu.Lock()

	before, err := d.fingerprint()
	if err != nil {
		d.mu.Unlock()
		return false, fmt.Errorf("engine: merge %s: %w", ref, err)
	}

	for name, rv := range remote {
		merged, err := crdt.Merge(d.fields[name], rv)
		if err != nil {
			d.mu.Unlock()
			return false, fmt.Errorf("engine: merge %s field %q: %w", ref, name, err)
		}
		d.fields[name] = merged
	}
	d.vector.Merge(vector)

	after, err := d.fingerprint()
	if err != nil {
		d.mu.Unlock()
		return false, fmt.Errorf("engine: merge %s: %w", ref, err)
	}
	changed := before != after

	if changed {
		if err := s.writeSnapshot(ctx, d); err != nil {
			d.mu.Unlock()
			return true, fmt.Errorf("engine: persist merged state %s: %w", ref, err)
		}
	}
	view := d.view()
	d.mu.Unlock()

	// Later local ops must sort after everything merged, including our
	// own past writes when recovering state from a peer.
	var maxSeen int64
	for _, c := range vector {
		if c > maxSeen {
			maxSeen = c
		}
	}
	s.clock.Witness(maxSeen)

	if changed {
		s.subs.notify(Event{Ref: ref, Origin: OriginRemote, View: view})
	}
	return changed, nil
}

// decodeDocState decodes a snapshot-format state blob into per-field
// values, validating every field against the document's schema.
func decodeDocState(d *document, state []byte) (map[string]crdt.Value, error) {
	sc, err := crdt.UnmarshalScalar(state)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadState, err)
	}
	obj, ok := sc.(crdt.Object)
	if !ok {
		return nil, fmt.Errorf("%w: not an object", ErrBadState)
	}
	fields, ok := obj["fields"].(crdt.Object)
	if !ok {
		return nil, fmt.Errorf("%w: missing fields", ErrBadState)
	}

	out := make(map[string]crdt.Value, len(fields))
	for name, raw := range fields {
		decl, ok := d.decl.Field(name)
		if !ok {
			return nil, fmt.Errorf("%w: state field %q", ErrUnknownField, name)
		}
		inner, ok := raw.(crdt.Object)
		if !ok {
			return nil, fmt.Errorf("%w: field %q is not an object", ErrBadState, name)
		}
		data, err := crdt.MarshalCanonical(inner)
		if err != nil {
			return nil, fmt.Errorf("state field %q: %w", name, err)
		}
		v, err := crdt.UnmarshalValue(data)
		if err != nil {
			return nil, fmt.Errorf("%w: field %q: %v", ErrBadState, name, err)
		}
		if v.Strategy() != decl.Strategy {
			return nil, fmt.Errorf("state field %q: %w: declared %s, got %s",
				name, crdt.ErrStrategyMismatch, decl.Strategy, v.Strategy())
		}
		out[name] = v
	}
	return out, nil
}
