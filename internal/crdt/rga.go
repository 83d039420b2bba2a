package crdt

import (
	"fmt"
	"slices"
)

// RGA is a replicated growable array. Every element has a globally unique
// id (the dot of the op that inserted it) and remembers the id of its left
// neighbor at insertion time. The total order is a depth-first walk of the
// resulting tree with siblings ordered by descending id, which keeps every
// replica's local insertion order intact and groups concurrent runs
// instead of interleaving them.
//
// Deletion tombstones an element. Tombstones stay in the order, invisible,
// until snapshot compaction; they never come back to life.
type RGA struct {
	elems map[Dot]*rgaElem
	dead  map[Dot]bool

	order []Dot // memoized walk, nil when dirty
}

type rgaElem struct {
	left Dot
	val  Scalar
}

// NewRGA returns an empty sequence.
func NewRGA() *RGA {
	return &RGA{
		elems: make(map[Dot]*rgaElem),
		dead:  make(map[Dot]bool),
	}
}

func (*RGA) Strategy() Strategy { return StrategyRGA }
func (*RGA) value()             {}

// walk computes the total order over all elements, tombstones included.
func (r *RGA) walk() []Dot {
	if r.order != nil {
		return r.order
	}
	lefts := make(map[Dot]Dot, len(r.elems))
	for id, e := range r.elems {
		lefts[id] = e.left
	}
	r.order = treeOrder(lefts)
	return r.order
}

// VisibleIDs returns the ids of live elements in document order.
func (r *RGA) VisibleIDs() []Dot {
	var out []Dot
	for _, id := range r.walk() {
		if !r.dead[id] {
			out = append(out, id)
		}
	}
	return out
}

// Values returns the live element values in document order.
func (r *RGA) Values() Array {
	ids := r.VisibleIDs()
	out := make(Array, len(ids))
	for i, id := range ids {
		out[i] = r.elems[id].val
	}
	return out
}

// Len returns the number of live elements.
func (r *RGA) Len() int {
	n := 0
	for id := range r.elems {
		if !r.dead[id] {
			n++
		}
	}
	return n
}

// IDAt returns the id of the live element at index i, or false when out
// of range. The engine uses this to translate index-based edits into
// (left, id) anchored ops.
func (r *RGA) IDAt(i int) (Dot, bool) {
	ids := r.VisibleIDs()
	if i < 0 || i >= len(ids) {
		return Dot{}, false
	}
	return ids[i], true
}

func (r *RGA) insert(id, left Dot, val Scalar) (bool, error) {
	if _, ok := r.elems[id]; ok {
		return false, nil
	}
	if !left.IsZero() {
		if _, ok := r.elems[left]; !ok {
			return false, fmt.Errorf("%w: insert %s references unknown left %s", ErrBadOp, id, left)
		}
	}
	r.elems[id] = &rgaElem{left: left, val: val}
	r.order = nil
	return true, nil
}

func (r *RGA) tombstone(id Dot) bool {
	if r.dead[id] {
		return false
	}
	r.dead[id] = true
	return true
}

func (r *RGA) merge(o *RGA) error {
	// Union of elements. Lefts always resolve: both inputs are closed
	// under their own left references.
	changed := false
	for id, e := range o.elems {
		if _, ok := r.elems[id]; !ok {
			r.elems[id] = &rgaElem{left: e.left, val: e.val}
			changed = true
		}
	}
	for id := range o.dead {
		if !r.dead[id] {
			r.dead[id] = true
		}
	}
	if changed {
		r.order = nil
	}
	return nil
}

func (r *RGA) apply(op Op) (bool, error) {
	switch pl := op.Payload.(type) {
	case ListInsert:
		return r.insert(op.Dot(), pl.Left, pl.Value)
	case ListDelete:
		return r.tombstone(pl.ID), nil
	default:
		return false, fmt.Errorf("%w: %s op on rga field", ErrBadOp, op.Payload.Kind())
	}
}

func (r *RGA) clone() Value {
	out := NewRGA()
	for id, e := range r.elems {
		out.elems[id] = &rgaElem{left: e.left, val: e.val}
	}
	for id := range r.dead {
		out.dead[id] = true
	}
	return out
}

func (r *RGA) canonical() (Object, error) {
	ids := make([]Dot, 0, len(r.elems))
	for id := range r.elems {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b Dot) int { return a.Compare(b) })

	elems := make(Array, 0, len(ids))
	for _, id := range ids {
		e := r.elems[id]
		elems = append(elems, Object{
			"id":    String(id.String()),
			"left":  String(e.left.String()),
			"value": e.val,
		})
	}

	deadIDs := make([]Dot, 0, len(r.dead))
	for id := range r.dead {
		deadIDs = append(deadIDs, id)
	}
	slices.SortFunc(deadIDs, func(a, b Dot) int { return a.Compare(b) })
	dead := make(Array, len(deadIDs))
	for i, id := range deadIDs {
		dead[i] = String(id.String())
	}

	return Object{"elems": elems, "dead": dead}, nil
}

func decodeRGA(obj Object) (*RGA, error) {
	out := NewRGA()

	elems, ok := obj["elems"].(Array)
	if !ok {
		return nil, fmt.Errorf("malformed rga state: elems")
	}
	for i, raw := range elems {
		entry, ok := raw.(Object)
		if !ok {
			return nil, fmt.Errorf("malformed rga elem[%d]", i)
		}
		idStr, iok := entry["id"].(String)
		leftStr, lok := entry["left"].(String)
		val := entry["value"]
		if !iok || !lok || val == nil {
			return nil, fmt.Errorf("malformed rga elem[%d]", i)
		}
		id, err := ParseDot(string(idStr))
		if err != nil {
			return nil, fmt.Errorf("malformed rga elem[%d]: %v", i, err)
		}
		left, err := ParseDot(string(leftStr))
		if err != nil {
			return nil, fmt.Errorf("malformed rga elem[%d]: %v", i, err)
		}
		out.elems[id] = &rgaElem{left: left, val: val}
	}

	deadIDs, err := dotList(obj["dead"])
	if err != nil {
		return nil, fmt.Errorf("malformed rga state: dead: %v", err)
	}
	for _, id := range deadIDs {
		out.dead[id] = true
	}

	// Snapshots must be closed under left references.
	for id, e := range out.elems {
		if !e.left.IsZero() {
			if _, ok := out.elems[e.left]; !ok {
				return nil, fmt.Errorf("malformed rga state: %s references unknown left %s", id, e.left)
			}
		}
	}
	return out, nil
}
