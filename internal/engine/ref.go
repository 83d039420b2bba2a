package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/driftlab/drift/internal/crdt"
)

// Ref names one document: a namespace (schema document type) plus a
// stable document id. The zero Ref is invalid.
type Ref struct {
	Namespace string `json:"namespace"`
	ID        string `json:"id"`
}

// String renders "namespace/id", the form used in logs and CLI output.
func (r Ref) String() string {
	return r.Namespace + "/" + r.ID
}

// ParseRef parses the "namespace/id" form produced by String. The
// last separator splits, because namespaces are themselves paths
// ("ledger/account") while ids never contain a slash.
func ParseRef(s string) (Ref, error) {
	cut := strings.LastIndex(s, "/")
	if cut <= 0 || cut == len(s)-1 {
		return Ref{}, fmt.Errorf("engine: malformed document ref %q (want namespace/id)", s)
	}
	return Ref{Namespace: s[:cut], ID: s[cut+1:]}, nil
}

// StateVector summarizes causal knowledge of one document: for each
// actor, the highest op clock incorporated. A missing actor means
// clock 0 (nothing seen).
type StateVector map[crdt.Actor]int64

// Observe records that ops from actor up to clock are incorporated.
// It never moves backwards.
func (v StateVector) Observe(actor crdt.Actor, clock int64) {
	if clock > v[actor] {
		v[actor] = clock
	}
}

// Covers reports whether v incorporates everything other does.
func (v StateVector) Covers(other StateVector) bool {
	for actor, clock := range other {
		if v[actor] < clock {
			return false
		}
	}
	return true
}

// Merge folds other into v, keeping the per-actor maximum.
func (v StateVector) Merge(other StateVector) {
	for actor, clock := range other {
		v.Observe(actor, clock)
	}
}

// Clone returns an independent copy. Clone of nil is an empty vector.
func (v StateVector) Clone() StateVector {
	out := make(StateVector, len(v))
	for actor, clock := range v {
		out[actor] = clock
	}
	return out
}

// Delta is the sync unit: ops produced by one commit (or one remote
// batch) against one document. Ops are ordered by (clock, actor).
type Delta struct {
	Ref Ref
	Ops []crdt.Op
}

// Empty reports whether the delta carries no ops. Empty deltas are
// never enqueued or relayed.
func (d Delta) Empty() bool {
	return len(d.Ops) == 0
}

// Vector returns the state vector advance this delta represents.
func (d Delta) Vector() StateVector {
	v := make(StateVector)
	for _, op := range d.Ops {
		v.Observe(op.Actor, op.MaxClock())
	}
	return v
}

// deltaWire is the JSON envelope. Op payloads are sealed interfaces, so
// each op goes through the canonical op codec rather than reflection.
type deltaWire struct {
	Ref Ref               `json:"ref"`
	Ops []json.RawMessage `json:"ops"`
}

// MarshalJSON encodes the delta with each op in canonical form.
func (d Delta) MarshalJSON() ([]byte, error) {
	w := deltaWire{Ref: d.Ref, Ops: make([]json.RawMessage, len(d.Ops))}
	for i, op := range d.Ops {
		raw, err := crdt.MarshalOp(op)
		if err != nil {
			return nil, fmt.Errorf("engine: delta op %d: %w", i, err)
		}
		w.Ops[i] = raw
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a delta, rejecting malformed ops.
func (d *Delta) UnmarshalJSON(data []byte) error {
	var w deltaWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	ops := make([]crdt.Op, len(w.Ops))
	for i, raw := range w.Ops {
		op, err := crdt.UnmarshalOp(raw)
		if err != nil {
			return fmt.Errorf("engine: delta op %d: %w", i, err)
		}
		ops[i] = op
	}
	d.Ref = w.Ref
	d.Ops = ops
	return nil
}
