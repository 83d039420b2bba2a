package engine

import (
	"fmt"

	"golang.org/x/text/unicode/norm"

	"github.com/driftlab/drift/internal/crdt"
	"github.com/driftlab/drift/internal/schema"
)

// Tx is the typed edit surface handed to Mutate callbacks. Edits run
// against working copies of the touched fields; nothing is visible to
// readers, subscribers, or the sync layer until the callback returns
// nil and the commit swaps the copies in. Every edit emits exactly one
// op (SpliceText may emit two), stamped from the local actor's clock.
//
// A Tx is bound to one document and is only valid inside its callback.
type Tx struct {
	store *Store
	doc   *document // locked for the life of the callback
	work  map[string]crdt.Value
	ops   []crdt.Op
}

func newTx(s *Store, d *document) *Tx {
	return &Tx{store: s, doc: d, work: make(map[string]crdt.Value)}
}

// working returns the field's working copy, cloning lazily on first
// touch, along with its schema declaration.
func (t *Tx) working(field string) (crdt.Value, schema.Field, error) {
	decl, ok := t.doc.decl.Field(field)
	if !ok {
		return nil, schema.Field{}, t.fail(field, ErrUnknownField)
	}
	if v, ok := t.work[field]; ok {
		return v, decl, nil
	}
	v := crdt.Clone(t.doc.fields[field])
	t.work[field] = v
	return v, decl, nil
}

// current returns the field value as later edits would see it: the
// working copy when touched, the committed state otherwise.
func (t *Tx) current(field string) (crdt.Value, bool) {
	if v, ok := t.work[field]; ok {
		return v, true
	}
	v, ok := t.doc.fields[field]
	return v, ok
}

func (t *Tx) fail(field string, err error) error {
	return &MutationError{Ref: t.doc.ref, Field: field, Err: err}
}

// emit applies one stamped op to the working copy and records it.
func (t *Tx) emit(field string, v crdt.Value, op crdt.Op, decl schema.Field) error {
	if _, err := crdt.Apply(v, op); err != nil {
		return t.fail(field, err)
	}
	if decl.Bound != nil {
		if l, ok := v.(*crdt.LWW); ok {
			l.ClampMin(decl.Bound.Min)
		}
	}
	t.ops = append(t.ops, op)
	return nil
}

func (t *Tx) stampOp(field string, payload crdt.Payload) crdt.Op {
	return crdt.Op{
		Actor:   t.store.actor,
		Clock:   t.store.clock.Next(),
		Field:   field,
		Payload: payload,
	}
}

// Get materializes a field as later edits in this Tx would see it.
func (t *Tx) Get(field string) (crdt.Scalar, error) {
	v, ok := t.current(field)
	if !ok {
		return nil, t.fail(field, ErrUnknownField)
	}
	return crdt.Materialize(v), nil
}

// Int reads an integer field (counter total or numeric register).
func (t *Tx) Int(field string) (int64, error) {
	sc, err := t.Get(field)
	if err != nil {
		return 0, err
	}
	n, ok := sc.(crdt.Int)
	if !ok {
		return 0, t.fail(field, fmt.Errorf("field is not an integer (got %T)", sc))
	}
	return int64(n), nil
}

// Set writes a register field. Dispatches on the declared strategy:
// lww stamps a hybrid timestamp, immutable refuses a second distinct
// value, mv_register buries the leaves observed in this Tx.
func (t *Tx) Set(field string, val crdt.Scalar) error {
	if val == nil {
		return t.fail(field, fmt.Errorf("set with nil value"))
	}
	v, decl, err := t.working(field)
	if err != nil {
		return err
	}

	var payload crdt.Payload
	switch decl.Strategy {
	case crdt.StrategyLWW:
		if decl.Bound != nil {
			if n, ok := val.(crdt.Int); ok && int64(n) < decl.Bound.Min {
				return t.fail(field, fmt.Errorf("%w: %d below declared floor %d",
					ErrBoundViolation, int64(n), decl.Bound.Min))
			}
		}
		payload = crdt.LWWSet{TS: t.store.stampLWW(), Value: val}
	case crdt.StrategyImmutable:
		payload = crdt.ImmutableSet{Value: val}
	case crdt.StrategyMVRegister:
		mv := v.(*crdt.MVRegister)
		payload = crdt.RegisterWrite{Value: val, Observed: mv.LiveDots()}
	default:
		return t.fail(field, fmt.Errorf("set on %s field", decl.Strategy))
	}

	return t.emit(field, v, t.stampOp(field, payload), decl)
}

// Add advances a counter field by delta (negative decrements). The op
// carries the actor's absolute accumulators, so duplicate delivery and
// replay cannot double-count.
func (t *Tx) Add(field string, delta int64) error {
	if delta == 0 {
		return nil
	}
	v, decl, err := t.working(field)
	if err != nil {
		return err
	}
	ctr, ok := v.(*crdt.PNCounter)
	if !ok {
		return t.fail(field, fmt.Errorf("add on %s field", decl.Strategy))
	}

	p, n := ctr.Acc(t.store.actor)
	if delta > 0 {
		p += delta
	} else {
		n -= delta
	}
	return t.emit(field, v, t.stampOp(field, crdt.CounterAdvance{P: p, N: n}), decl)
}

// AddToSet inserts val into an or_set field under a fresh unique tag.
// Adding a member already present is still an op: the new tag makes the
// add visible over any concurrent remove.
func (t *Tx) AddToSet(field string, val crdt.Scalar) error {
	if val == nil {
		return t.fail(field, fmt.Errorf("add of nil value"))
	}
	v, decl, err := t.working(field)
	if err != nil {
		return err
	}
	if decl.Strategy != crdt.StrategyORSet {
		return t.fail(field, fmt.Errorf("set add on %s field", decl.Strategy))
	}
	payload := crdt.SetAdd{Value: val, Tag: t.store.newTag()}
	return t.emit(field, v, t.stampOp(field, payload), decl)
}

// RemoveFromSet tombstones the observed add-tags of val. Removing an
// absent member is a no-op and emits nothing; adds this replica has not
// seen survive (add wins over concurrent remove).
func (t *Tx) RemoveFromSet(field string, val crdt.Scalar) error {
	if val == nil {
		return t.fail(field, fmt.Errorf("remove of nil value"))
	}
	v, decl, err := t.working(field)
	if err != nil {
		return err
	}
	set, ok := v.(*crdt.ORSet)
	if !ok {
		return t.fail(field, fmt.Errorf("set remove on %s field", decl.Strategy))
	}
	tags := set.LiveTags(val)
	if len(tags) == 0 {
		return nil
	}
	return t.emit(field, v, t.stampOp(field, crdt.SetRemove{Tags: tags}), decl)
}

// InsertAt places val at index i of an rga field (0 prepends, Len
// appends). The element id is the op's dot; the left anchor is the
// element currently before i.
func (t *Tx) InsertAt(field string, i int, val crdt.Scalar) error {
	if val == nil {
		return t.fail(field, fmt.Errorf("insert of nil value"))
	}
	v, decl, err := t.working(field)
	if err != nil {
		return err
	}
	list, ok := v.(*crdt.RGA)
	if !ok {
		return t.fail(field, fmt.Errorf("list insert on %s field", decl.Strategy))
	}
	if i < 0 || i > list.Len() {
		return t.fail(field, fmt.Errorf("insert index %d out of range [0,%d]", i, list.Len()))
	}

	var left crdt.Dot
	if i > 0 {
		left, _ = list.IDAt(i - 1)
	}
	return t.emit(field, v, t.stampOp(field, crdt.ListInsert{Left: left, Value: val}), decl)
}

// Append places val after the last live element of an rga field.
func (t *Tx) Append(field string, val crdt.Scalar) error {
	v, ok := t.current(field)
	if !ok {
		return t.fail(field, ErrUnknownField)
	}
	if list, isList := v.(*crdt.RGA); isList {
		return t.InsertAt(field, list.Len(), val)
	}
	return t.InsertAt(field, 0, val)
}

// DeleteAt tombstones the live element at index i of an rga field.
func (t *Tx) DeleteAt(field string, i int) error {
	v, decl, err := t.working(field)
	if err != nil {
		return err
	}
	list, ok := v.(*crdt.RGA)
	if !ok {
		return t.fail(field, fmt.Errorf("list delete on %s field", decl.Strategy))
	}
	id, ok := list.IDAt(i)
	if !ok {
		return t.fail(field, fmt.Errorf("delete index %d out of range [0,%d)", i, list.Len()))
	}
	return t.emit(field, v, t.stampOp(field, crdt.ListDelete{ID: id}), decl)
}

// SpliceText deletes del runes at rune offset at, then inserts text
// there. Either half may be empty. Inserted runs are NFC-normalized so
// rune ids line up on every replica, and the whole run anchors to one
// left neighbor so concurrent edits cannot interleave inside it.
func (t *Tx) SpliceText(field string, at, del int, text string) error {
	v, decl, err := t.working(field)
	if err != nil {
		return err
	}
	pt, ok := v.(*crdt.Peritext)
	if !ok {
		return t.fail(field, fmt.Errorf("text splice on %s field", decl.Strategy))
	}

	n := pt.Len()
	if at < 0 || at > n {
		return t.fail(field, fmt.Errorf("splice offset %d out of range [0,%d]", at, n))
	}
	if del < 0 || at+del > n {
		return t.fail(field, fmt.Errorf("splice deletes %d runes at %d, text has %d", del, at, n))
	}

	ids := pt.VisibleIDs()

	var left crdt.Dot
	if at > 0 {
		left = ids[at-1]
	}

	if del > 0 {
		dead := make([]crdt.Dot, del)
		copy(dead, ids[at:at+del])
		op := t.stampOp(field, crdt.TextDelete{IDs: dead})
		if err := t.emit(field, v, op, decl); err != nil {
			return err
		}
	}

	if text != "" {
		text = norm.NFC.String(text)
		runes := int64(len([]rune(text)))
		op := crdt.Op{
			Actor:   t.store.actor,
			Clock:   t.store.clock.Reserve(runes),
			Field:   field,
			Payload: crdt.TextInsert{Left: left, Text: text},
		}
		if err := t.emit(field, v, op, decl); err != nil {
			return err
		}
	}

	return nil
}

// FormatText applies mark over the rune range [from, to) of a peritext
// field. Later spans win over earlier ones where they overlap.
func (t *Tx) FormatText(field string, from, to int, mark string) error {
	return t.formatText(field, from, to, mark, false)
}

// UnformatText removes mark over the rune range [from, to).
func (t *Tx) UnformatText(field string, from, to int, mark string) error {
	return t.formatText(field, from, to, mark, true)
}

func (t *Tx) formatText(field string, from, to int, mark string, remove bool) error {
	if mark == "" {
		return t.fail(field, fmt.Errorf("empty mark name"))
	}
	v, decl, err := t.working(field)
	if err != nil {
		return err
	}
	pt, ok := v.(*crdt.Peritext)
	if !ok {
		return t.fail(field, fmt.Errorf("text format on %s field", decl.Strategy))
	}
	n := pt.Len()
	if from < 0 || to > n || from >= to {
		return t.fail(field, fmt.Errorf("format range [%d,%d) invalid for text of %d runes", from, to, n))
	}

	ids := pt.VisibleIDs()
	payload := crdt.TextFormat{Start: ids[from], End: ids[to-1], Mark: mark, Remove: remove}
	return t.emit(field, v, t.stampOp(field, payload), decl)
}

// commit swaps the working copies into the document and advances its
// vector. Caller holds the document lock and has persisted the ops.
func (t *Tx) commit() {
	for name, v := range t.work {
		t.doc.fields[name] = v
	}
	for _, op := range t.ops {
		t.doc.vector.Observe(op.Actor, op.MaxClock())
	}
	t.doc.opsSeen += int64(len(t.ops))
}

// delta returns the committed ops as a sync unit.
func (t *Tx) delta() Delta {
	ops := make([]crdt.Op, len(t.ops))
	copy(ops, t.ops)
	crdt.SortOps(ops)
	return Delta{Ref: t.doc.ref, Ops: ops}
}
