package crdt

import (
	"fmt"
	"slices"
)

// Payload is a sealed interface over per-strategy operation payloads.
// A payload is always a monotone state fragment (a union entry, a
// per-actor maximum, or a tombstone), which is what makes re-applying
// the same op a structural no-op.
type Payload interface {
	Strategy() Strategy
	Kind() string
	payload() // sealed
}

// Op is one mutation: the (actor, clock) tag, the field it touches, and
// the strategy-specific payload. Ops are the delta unit exchanged between
// replicas and the record unit of the persistent log.
type Op struct {
	Actor   Actor
	Clock   int64
	Field   string
	Payload Payload
}

// Dot returns the op's unique identity tag.
func (op Op) Dot() Dot {
	return Dot{Actor: op.Actor, Clock: op.Clock}
}

// ClockSpan is the number of logical clock values the op consumes.
// Every op consumes one, except TextInsert which allocates one id per
// inserted rune.
func (op Op) ClockSpan() int64 {
	if ti, ok := op.Payload.(TextInsert); ok {
		n := int64(len([]rune(ti.Text)))
		if n > 1 {
			return n
		}
	}
	return 1
}

// MaxClock is the highest clock value the op covers (Clock+ClockSpan-1).
// State vectors record this, not Clock, so multi-rune inserts are not
// re-requested.
func (op Op) MaxClock() int64 {
	return op.Clock + op.ClockSpan() - 1
}

// Payload kinds. One set of constants so decode can reject an unknown
// kind before touching state.
const (
	kindLWWSet         = "lww_set"
	kindImmutableSet   = "imm_set"
	kindSetAdd         = "set_add"
	kindSetRemove      = "set_remove"
	kindCounterAdvance = "ctr_advance"
	kindListInsert     = "list_insert"
	kindListDelete     = "list_delete"
	kindRegisterWrite  = "reg_write"
	kindTextInsert     = "text_insert"
	kindTextDelete     = "text_delete"
	kindTextFormat     = "text_format"
)

// LWWSet writes a last-write-wins register. TS is the write timestamp used
// for the (timestamp, actor) winner rule; the engine stamps it from the
// writer's logical clock.
type LWWSet struct {
	TS    int64
	Value Scalar
}

func (LWWSet) Strategy() Strategy { return StrategyLWW }
func (LWWSet) Kind() string       { return kindLWWSet }
func (LWWSet) payload()           {}

// ImmutableSet writes a write-once register. A second set with a different
// value is a conflict, not a race to win.
type ImmutableSet struct {
	Value Scalar
}

func (ImmutableSet) Strategy() Strategy { return StrategyImmutable }
func (ImmutableSet) Kind() string       { return kindImmutableSet }
func (ImmutableSet) payload()           {}

// SetAdd inserts an element into an OR-Set under a fresh unique tag.
type SetAdd struct {
	Value Scalar
	Tag   string
}

func (SetAdd) Strategy() Strategy { return StrategyORSet }
func (SetAdd) Kind() string       { return kindSetAdd }
func (SetAdd) payload()           {}

// SetRemove tombstones the add-tags that were observed at remove time.
// Tags added concurrently are not named here, so the add wins.
type SetRemove struct {
	Tags []string
}

func (SetRemove) Strategy() Strategy { return StrategyORSet }
func (SetRemove) Kind() string       { return kindSetRemove }
func (SetRemove) payload()           {}

// CounterAdvance raises the emitting actor's increment/decrement
// accumulators to at least (P, N). The payload carries the accumulator
// totals, not the delta, so replay and duplicate delivery cannot
// double-count.
type CounterAdvance struct {
	P int64
	N int64
}

func (CounterAdvance) Strategy() Strategy { return StrategyPNCounter }
func (CounterAdvance) Kind() string       { return kindCounterAdvance }
func (CounterAdvance) payload()           {}

// ListInsert places a new element after Left (zero Dot for the head).
// The element's unique id is the op's own dot.
type ListInsert struct {
	Left  Dot
	Value Scalar
}

func (ListInsert) Strategy() Strategy { return StrategyRGA }
func (ListInsert) Kind() string       { return kindListInsert }
func (ListInsert) payload()           {}

// ListDelete tombstones one element by id.
type ListDelete struct {
	ID Dot
}

func (ListDelete) Strategy() Strategy { return StrategyRGA }
func (ListDelete) Kind() string       { return kindListDelete }
func (ListDelete) payload()           {}

// RegisterWrite writes a multi-value register, burying the leaves the
// writer had observed. Leaves written concurrently elsewhere survive and
// the register holds both values until a later write observes them all.
type RegisterWrite struct {
	Value    Scalar
	Observed []Dot
}

func (RegisterWrite) Strategy() Strategy { return StrategyMVRegister }
func (RegisterWrite) Kind() string       { return kindRegisterWrite }
func (RegisterWrite) payload()           {}

// TextInsert places a run of runes after Left. Rune i gets id
// (actor, clock+i), and each rune's left neighbor is its predecessor in
// the run, so concurrent edits cannot interleave inside the run.
type TextInsert struct {
	Left Dot
	Text string
}

func (TextInsert) Strategy() Strategy { return StrategyPeritext }
func (TextInsert) Kind() string       { return kindTextInsert }
func (TextInsert) payload()           {}

// TextDelete tombstones a set of rune ids (a selection).
type TextDelete struct {
	IDs []Dot
}

func (TextDelete) Strategy() Strategy { return StrategyPeritext }
func (TextDelete) Kind() string       { return kindTextDelete }
func (TextDelete) payload()           {}

// TextFormat applies or removes a mark over the inclusive range
// [Start, End] of rune ids. The span's own id is the op's dot; when spans
// disagree about a mark on a character, the highest span dot wins.
type TextFormat struct {
	Start  Dot
	End    Dot
	Mark   string
	Remove bool
}

func (TextFormat) Strategy() Strategy { return StrategyPeritext }
func (TextFormat) Kind() string       { return kindTextFormat }
func (TextFormat) payload()           {}

// SortOps orders a batch by (clock, actor), ascending. Within one batch
// this is a causal order: an inserter always witnessed its left neighbor,
// so the neighbor's clock is strictly lower.
func SortOps(ops []Op) {
	slices.SortStableFunc(ops, func(a, b Op) int {
		return a.Dot().Compare(b.Dot())
	})
}

// canonicalObject renders the full envelope deterministically.
func (op Op) canonicalObject() (Object, error) {
	if op.Payload == nil {
		return nil, fmt.Errorf("%w: empty payload", ErrBadOp)
	}
	body, err := payloadObject(op.Payload)
	if err != nil {
		return nil, err
	}
	return Object{
		"actor":    String(op.Actor),
		"clock":    Int(op.Clock),
		"field":    String(op.Field),
		"strategy": String(op.Payload.Strategy()),
		"op":       body,
	}, nil
}

// MarshalOp encodes the op envelope as canonical JSON.
func MarshalOp(op Op) ([]byte, error) {
	obj, err := op.canonicalObject()
	if err != nil {
		return nil, err
	}
	return MarshalCanonical(obj)
}

// OpID computes the content-addressed id of an op. Stable across
// restarts and replays.
func OpID(op Op) (string, error) {
	data, err := MarshalOp(op)
	if err != nil {
		return "", err
	}
	return DomainHash(DomainOp, data), nil
}

// MustOpID is like OpID but panics on error. Use only in tests or when
// the op is known to be valid.
func MustOpID(op Op) string {
	id, err := OpID(op)
	if err != nil {
		panic(err)
	}
	return id
}

func payloadObject(p Payload) (Object, error) {
	switch pl := p.(type) {
	case LWWSet:
		if pl.Value == nil {
			return nil, fmt.Errorf("%w: lww_set without value", ErrBadOp)
		}
		return Object{"kind": String(kindLWWSet), "ts": Int(pl.TS), "value": pl.Value}, nil
	case ImmutableSet:
		if pl.Value == nil {
			return nil, fmt.Errorf("%w: imm_set without value", ErrBadOp)
		}
		return Object{"kind": String(kindImmutableSet), "value": pl.Value}, nil
	case SetAdd:
		if pl.Value == nil || pl.Tag == "" {
			return nil, fmt.Errorf("%w: set_add needs value and tag", ErrBadOp)
		}
		return Object{"kind": String(kindSetAdd), "value": pl.Value, "tag": String(pl.Tag)}, nil
	case SetRemove:
		tags := make(Array, len(pl.Tags))
		for i, t := range pl.Tags {
			tags[i] = String(t)
		}
		return Object{"kind": String(kindSetRemove), "tags": tags}, nil
	case CounterAdvance:
		if pl.P < 0 || pl.N < 0 {
			return nil, fmt.Errorf("%w: counter accumulators are non-negative", ErrBadOp)
		}
		return Object{"kind": String(kindCounterAdvance), "p": Int(pl.P), "n": Int(pl.N)}, nil
	case ListInsert:
		if pl.Value == nil {
			return nil, fmt.Errorf("%w: list_insert without value", ErrBadOp)
		}
		return Object{"kind": String(kindListInsert), "left": String(pl.Left.String()), "value": pl.Value}, nil
	case ListDelete:
		return Object{"kind": String(kindListDelete), "id": String(pl.ID.String())}, nil
	case RegisterWrite:
		if pl.Value == nil {
			return nil, fmt.Errorf("%w: reg_write without value", ErrBadOp)
		}
		obs := make(Array, len(pl.Observed))
		for i, d := range pl.Observed {
			obs[i] = String(d.String())
		}
		return Object{"kind": String(kindRegisterWrite), "value": pl.Value, "observed": obs}, nil
	case TextInsert:
		if pl.Text == "" {
			return nil, fmt.Errorf("%w: text_insert with empty text", ErrBadOp)
		}
		return Object{"kind": String(kindTextInsert), "left": String(pl.Left.String()), "text": String(pl.Text)}, nil
	case TextDelete:
		ids := make(Array, len(pl.IDs))
		for i, d := range pl.IDs {
			ids[i] = String(d.String())
		}
		return Object{"kind": String(kindTextDelete), "ids": ids}, nil
	case TextFormat:
		if pl.Mark == "" {
			return nil, fmt.Errorf("%w: text_format without mark", ErrBadOp)
		}
		return Object{
			"kind":   String(kindTextFormat),
			"start":  String(pl.Start.String()),
			"end":    String(pl.End.String()),
			"mark":   String(pl.Mark),
			"remove": Bool(pl.Remove),
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown payload %T", ErrBadOp, p)
	}
}

// UnmarshalOp decodes an op envelope. Unknown strategies and kinds are
// rejected; a remote op failing here is a protocol violation.
func UnmarshalOp(data []byte) (Op, error) {
	sc, err := UnmarshalScalar(data)
	if err != nil {
		return Op{}, fmt.Errorf("%w: %v", ErrBadOp, err)
	}
	obj, ok := sc.(Object)
	if !ok {
		return Op{}, fmt.Errorf("%w: envelope is not an object", ErrBadOp)
	}
	return opFromObject(obj)
}

func opFromObject(obj Object) (Op, error) {
	actor, ok := obj["actor"].(String)
	if !ok {
		return Op{}, fmt.Errorf("%w: missing actor", ErrBadOp)
	}
	clock, ok := obj["clock"].(Int)
	if !ok {
		return Op{}, fmt.Errorf("%w: missing clock", ErrBadOp)
	}
	field, ok := obj["field"].(String)
	if !ok {
		return Op{}, fmt.Errorf("%w: missing field", ErrBadOp)
	}
	stratStr, ok := obj["strategy"].(String)
	if !ok {
		return Op{}, fmt.Errorf("%w: missing strategy", ErrBadOp)
	}
	strat, err := ParseStrategy(string(stratStr))
	if err != nil {
		return Op{}, fmt.Errorf("%w: %v", ErrBadOp, err)
	}
	body, ok := obj["op"].(Object)
	if !ok {
		return Op{}, fmt.Errorf("%w: missing op body", ErrBadOp)
	}

	payload, err := payloadFromObject(body)
	if err != nil {
		return Op{}, err
	}
	if payload.Strategy() != strat {
		return Op{}, fmt.Errorf("%w: kind %q does not belong to strategy %q", ErrBadOp, payload.Kind(), strat)
	}

	return Op{
		Actor:   Actor(actor),
		Clock:   int64(clock),
		Field:   string(field),
		Payload: payload,
	}, nil
}

func payloadFromObject(body Object) (Payload, error) {
	kind, ok := body["kind"].(String)
	if !ok {
		return nil, fmt.Errorf("%w: missing op kind", ErrBadOp)
	}

	switch string(kind) {
	case kindLWWSet:
		ts, ok := body["ts"].(Int)
		if !ok {
			return nil, fmt.Errorf("%w: lww_set missing ts", ErrBadOp)
		}
		val := body["value"]
		if val == nil {
			return nil, fmt.Errorf("%w: lww_set missing value", ErrBadOp)
		}
		return LWWSet{TS: int64(ts), Value: val}, nil

	case kindImmutableSet:
		val := body["value"]
		if val == nil {
			return nil, fmt.Errorf("%w: imm_set missing value", ErrBadOp)
		}
		return ImmutableSet{Value: val}, nil

	case kindSetAdd:
		val := body["value"]
		tag, ok := body["tag"].(String)
		if val == nil || !ok || tag == "" {
			return nil, fmt.Errorf("%w: set_add missing value or tag", ErrBadOp)
		}
		return SetAdd{Value: val, Tag: string(tag)}, nil

	case kindSetRemove:
		tags, err := stringList(body["tags"])
		if err != nil {
			return nil, fmt.Errorf("%w: set_remove tags: %v", ErrBadOp, err)
		}
		return SetRemove{Tags: tags}, nil

	case kindCounterAdvance:
		p, pok := body["p"].(Int)
		n, nok := body["n"].(Int)
		if !pok || !nok || p < 0 || n < 0 {
			return nil, fmt.Errorf("%w: ctr_advance needs non-negative p and n", ErrBadOp)
		}
		return CounterAdvance{P: int64(p), N: int64(n)}, nil

	case kindListInsert:
		left, err := dotField(body, "left")
		if err != nil {
			return nil, err
		}
		val := body["value"]
		if val == nil {
			return nil, fmt.Errorf("%w: list_insert missing value", ErrBadOp)
		}
		return ListInsert{Left: left, Value: val}, nil

	case kindListDelete:
		id, err := dotField(body, "id")
		if err != nil {
			return nil, err
		}
		return ListDelete{ID: id}, nil

	case kindRegisterWrite:
		val := body["value"]
		if val == nil {
			return nil, fmt.Errorf("%w: reg_write missing value", ErrBadOp)
		}
		observed, err := dotList(body["observed"])
		if err != nil {
			return nil, fmt.Errorf("%w: reg_write observed: %v", ErrBadOp, err)
		}
		return RegisterWrite{Value: val, Observed: observed}, nil

	case kindTextInsert:
		left, err := dotField(body, "left")
		if err != nil {
			return nil, err
		}
		text, ok := body["text"].(String)
		if !ok || text == "" {
			return nil, fmt.Errorf("%w: text_insert missing text", ErrBadOp)
		}
		return TextInsert{Left: left, Text: string(text)}, nil

	case kindTextDelete:
		ids, err := dotList(body["ids"])
		if err != nil {
			return nil, fmt.Errorf("%w: text_delete ids: %v", ErrBadOp, err)
		}
		return TextDelete{IDs: ids}, nil

	case kindTextFormat:
		start, err := dotField(body, "start")
		if err != nil {
			return nil, err
		}
		end, err := dotField(body, "end")
		if err != nil {
			return nil, err
		}
		mark, ok := body["mark"].(String)
		if !ok || mark == "" {
			return nil, fmt.Errorf("%w: text_format missing mark", ErrBadOp)
		}
		remove, _ := body["remove"].(Bool)
		return TextFormat{Start: start, End: end, Mark: string(mark), Remove: bool(remove)}, nil

	default:
		return nil, fmt.Errorf("%w: unknown op kind %q", ErrBadOp, kind)
	}
}

func dotField(body Object, key string) (Dot, error) {
	s, ok := body[key].(String)
	if !ok {
		return Dot{}, fmt.Errorf("%w: missing %s", ErrBadOp, key)
	}
	d, err := ParseDot(string(s))
	if err != nil {
		return Dot{}, fmt.Errorf("%w: %s: %v", ErrBadOp, key, err)
	}
	return d, nil
}

func dotList(v Scalar) ([]Dot, error) {
	if v == nil {
		return nil, nil
	}
	arr, ok := v.(Array)
	if !ok {
		return nil, fmt.Errorf("not an array")
	}
	dots := make([]Dot, 0, len(arr))
	for i, elem := range arr {
		s, ok := elem.(String)
		if !ok {
			return nil, fmt.Errorf("[%d]: not a string", i)
		}
		d, err := ParseDot(string(s))
		if err != nil {
			return nil, fmt.Errorf("[%d]: %v", i, err)
		}
		dots = append(dots, d)
	}
	return dots, nil
}

func stringList(v Scalar) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	arr, ok := v.(Array)
	if !ok {
		return nil, fmt.Errorf("not an array")
	}
	out := make([]string, 0, len(arr))
	for i, elem := range arr {
		s, ok := elem.(String)
		if !ok {
			return nil, fmt.Errorf("[%d]: not a string", i)
		}
		out = append(out, string(s))
	}
	return out, nil
}
