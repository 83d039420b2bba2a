package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/driftlab/drift/internal/crdt"
	"github.com/driftlab/drift/internal/schema"
)

// document is one live document: per-field CRDT states, the causal
// vector over incorporated ops, and the mutex that makes the document
// the unit of serialization.
type document struct {
	mu   sync.Mutex
	ref  Ref
	decl *schema.Document

	fields map[string]crdt.Value
	vector StateVector

	// opsSeen counts every op folded in since load; snapshotAt is the
	// value of opsSeen at the last snapshot. The manager snapshots when
	// the gap crosses its threshold.
	opsSeen    int64
	snapshotAt int64
	lastSnap   time.Time
}

// newDocument instantiates every declared field at its empty state.
func newDocument(ref Ref, decl *schema.Document) (*document, error) {
	fields := make(map[string]crdt.Value, len(decl.Fields))
	for _, f := range decl.Fields {
		v, err := crdt.NewValue(f.Strategy)
		if err != nil {
			return nil, fmt.Errorf("engine: field %q: %w", f.Name, err)
		}
		fields[f.Name] = v
	}
	return &document{
		ref:    ref,
		decl:   decl,
		fields: fields,
		vector: make(StateVector),
	}, nil
}

// applyOps folds a causally sorted batch into the live fields.
// Caller holds d.mu. Returns how many ops of the prefix were folded in
// and whether any field actually changed.
//
// An op whose left anchor is unknown means the batch has a causal gap
// (a dependency this replica has not seen); the error wraps ErrCausalGap
// so the sync layer can fall back to a vector-diff exchange. Ops applied
// before the failure stay applied - merge laws make the partial batch
// equivalent to a smaller delivery.
func (d *document) applyOps(ops []crdt.Op) (applied int, changed bool, err error) {
	for i, op := range ops {
		field, ok := d.decl.Field(op.Field)
		if !ok {
			return i, changed, fmt.Errorf("%w: %s field %q", ErrUnknownField, d.ref, op.Field)
		}
		if field.Strategy != op.Payload.Strategy() {
			return i, changed, fmt.Errorf("engine: %s field %q: %w: declared %s, op %s",
				d.ref, op.Field, crdt.ErrStrategyMismatch, field.Strategy, op.Payload.Strategy())
		}

		opChanged, err := crdt.Apply(d.fields[op.Field], op)
		if err != nil {
			if isAnchorMiss(op) {
				return i, changed, fmt.Errorf("%w: %s field %q op %s: %v",
					ErrCausalGap, d.ref, op.Field, op.Dot(), err)
			}
			return i, changed, fmt.Errorf("engine: %s field %q: %w", d.ref, op.Field, err)
		}
		d.clampBound(op.Field, field)

		d.vector.Observe(op.Actor, op.MaxClock())
		d.opsSeen++
		if opChanged {
			changed = true
		}
	}
	return len(ops), changed, nil
}

// isAnchorMiss reports whether a failed op is the kind whose only
// structural failure mode is a missing causal dependency.
func isAnchorMiss(op crdt.Op) bool {
	switch op.Payload.(type) {
	case crdt.ListInsert, crdt.TextInsert:
		return true
	}
	return false
}

// clampBound re-applies the schema floor after a write to a bound field.
// Deterministic: every replica shares the schema, so clamping commutes
// with merge.
func (d *document) clampBound(name string, field schema.Field) {
	if field.Bound == nil {
		return
	}
	if l, ok := d.fields[name].(*crdt.LWW); ok {
		l.ClampMin(field.Bound.Min)
	}
}

// view materializes the document. Caller holds d.mu.
func (d *document) view() View {
	fields := make(map[string]crdt.Scalar, len(d.fields))
	for _, f := range d.decl.Fields {
		fields[f.Name] = crdt.Materialize(d.fields[f.Name])
	}
	return View{
		Ref:    d.ref,
		Fields: fields,
		Vector: d.vector.Clone(),
	}
}

// fingerprint content-addresses the full document state, tombstones
// included. Two replicas hold the same document exactly when their
// fingerprints match. Caller holds d.mu.
func (d *document) fingerprint() (string, error) {
	obj := make(crdt.Object, len(d.fields))
	for name, v := range d.fields {
		fp, err := crdt.Fingerprint(v)
		if err != nil {
			return "", fmt.Errorf("engine: %s field %q: %w", d.ref, name, err)
		}
		obj[name] = crdt.String(fp)
	}
	data, err := crdt.MarshalCanonical(obj)
	if err != nil {
		return "", err
	}
	return crdt.DomainHash(crdt.DomainState, data), nil
}

// View is an immutable materialized read of one document. Fields maps
// every declared field to its rendered value: register winner, counter
// total, live set members, live sequence, or text. Mutating the maps
// inside a View is a caller bug; take another Read instead.
type View struct {
	Ref    Ref
	Fields map[string]crdt.Scalar
	Vector StateVector
}

// Get returns the materialized value of one field.
func (v View) Get(field string) (crdt.Scalar, bool) {
	sc, ok := v.Fields[field]
	return sc, ok
}

// Int returns an integer field (counter total or numeric register).
// ok is false when the field is absent, unset, or not an integer.
func (v View) Int(field string) (int64, bool) {
	n, ok := v.Fields[field].(crdt.Int)
	return int64(n), ok
}

// String returns a text or string-register field.
func (v View) String(field string) (string, bool) {
	s, ok := v.Fields[field].(crdt.String)
	return string(s), ok
}

// Bool returns a boolean register field.
func (v View) Bool(field string) (bool, bool) {
	b, ok := v.Fields[field].(crdt.Bool)
	return bool(b), ok
}

// Array returns a set, list, or multi-value register field. The empty
// collection is an empty array, not nil.
func (v View) Array(field string) (crdt.Array, bool) {
	a, ok := v.Fields[field].(crdt.Array)
	return a, ok
}
