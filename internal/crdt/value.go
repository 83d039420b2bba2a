package crdt

import (
	"fmt"
)

// Value is a sealed interface over the per-strategy CRDT states. Only
// *LWW, *ORSet, *PNCounter, *RGA, *MVRegister, *Peritext, and *Immutable
// implement it.
//
// Every state is mergeable: Merge(a, b) is commutative, associative, and
// idempotent, and never consults the wall clock or the network. The only
// inputs are the two states and the tags embedded in them.
type Value interface {
	Strategy() Strategy
	value() // sealed
}

// Merge combines two states of the same strategy into a new state.
// Neither input is mutated. Merging across strategies returns
// ErrStrategyMismatch; a conflicting pair of Immutable states returns
// ErrImmutableConflict.
func Merge(a, b Value) (Value, error) {
	if a == nil && b == nil {
		return nil, fmt.Errorf("merge of two nil values")
	}
	if a == nil {
		return Clone(b), nil
	}
	if b == nil {
		return Clone(a), nil
	}
	if a.Strategy() != b.Strategy() {
		return nil, fmt.Errorf("%w: %s vs %s", ErrStrategyMismatch, a.Strategy(), b.Strategy())
	}

	out := Clone(a)
	switch v := out.(type) {
	case *LWW:
		v.merge(b.(*LWW))
	case *ORSet:
		v.merge(b.(*ORSet))
	case *PNCounter:
		v.merge(b.(*PNCounter))
	case *RGA:
		if err := v.merge(b.(*RGA)); err != nil {
			return nil, err
		}
	case *MVRegister:
		v.merge(b.(*MVRegister))
	case *Peritext:
		if err := v.merge(b.(*Peritext)); err != nil {
			return nil, err
		}
	case *Immutable:
		if err := v.merge(b.(*Immutable)); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownStrategy, out)
	}
	return out, nil
}

// Apply folds one operation into a state, in place. It reports whether the
// state changed; re-applying an operation already folded in is a no-op by
// construction (every payload is a monotone fragment: a union entry, a
// per-actor maximum, or a tombstone).
func Apply(v Value, op Op) (bool, error) {
	if v == nil {
		return false, fmt.Errorf("apply to nil value")
	}
	if op.Payload == nil {
		return false, fmt.Errorf("%w: empty payload", ErrBadOp)
	}
	if v.Strategy() != op.Payload.Strategy() {
		return false, fmt.Errorf("%w: value %s, op %s", ErrStrategyMismatch, v.Strategy(), op.Payload.Strategy())
	}

	switch val := v.(type) {
	case *LWW:
		return val.apply(op)
	case *ORSet:
		return val.apply(op)
	case *PNCounter:
		return val.apply(op)
	case *RGA:
		return val.apply(op)
	case *MVRegister:
		return val.apply(op)
	case *Peritext:
		return val.apply(op)
	case *Immutable:
		return val.apply(op)
	default:
		return false, fmt.Errorf("%w: %T", ErrUnknownStrategy, v)
	}
}

// Clone deep-copies a state.
func Clone(v Value) Value {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case *LWW:
		return val.clone()
	case *ORSet:
		return val.clone()
	case *PNCounter:
		return val.clone()
	case *RGA:
		return val.clone()
	case *MVRegister:
		return val.clone()
	case *Peritext:
		return val.clone()
	case *Immutable:
		return val.clone()
	default:
		panic(fmt.Sprintf("unknown Value type: %T", v))
	}
}

// Materialize renders a state as a plain Scalar view: the register value,
// the counter total, the live set members (sorted by canonical key), the
// live sequence, or the text. An unwritten register materializes as nil.
func Materialize(v Value) Scalar {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case *LWW:
		return val.Value()
	case *ORSet:
		return val.Members()
	case *PNCounter:
		return Int(val.Total())
	case *RGA:
		return val.Values()
	case *MVRegister:
		return val.Values()
	case *Peritext:
		return String(val.Text())
	case *Immutable:
		return val.Value()
	default:
		panic(fmt.Sprintf("unknown Value type: %T", v))
	}
}

// MarshalValue encodes a state as canonical JSON, with its strategy tag,
// for snapshots and fingerprints.
func MarshalValue(v Value) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("marshal of nil value")
	}
	obj, err := stateObject(v)
	if err != nil {
		return nil, err
	}
	return MarshalCanonical(obj)
}

func stateObject(v Value) (Object, error) {
	var inner Object
	var err error
	switch val := v.(type) {
	case *LWW:
		inner, err = val.canonical()
	case *ORSet:
		inner, err = val.canonical()
	case *PNCounter:
		inner, err = val.canonical()
	case *RGA:
		inner, err = val.canonical()
	case *MVRegister:
		inner, err = val.canonical()
	case *Peritext:
		inner, err = val.canonical()
	case *Immutable:
		inner, err = val.canonical()
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownStrategy, v)
	}
	if err != nil {
		return nil, err
	}
	return Object{
		"strategy": String(v.Strategy()),
		"state":    inner,
	}, nil
}

// UnmarshalValue decodes a state previously encoded by MarshalValue.
func UnmarshalValue(data []byte) (Value, error) {
	sc, err := UnmarshalScalar(data)
	if err != nil {
		return nil, err
	}
	obj, ok := sc.(Object)
	if !ok {
		return nil, fmt.Errorf("state is not an object: %T", sc)
	}
	stratStr, ok := obj["strategy"].(String)
	if !ok {
		return nil, fmt.Errorf("state missing strategy tag")
	}
	strat, err := ParseStrategy(string(stratStr))
	if err != nil {
		return nil, err
	}
	inner, ok := obj["state"].(Object)
	if !ok {
		return nil, fmt.Errorf("state missing state body")
	}

	switch strat {
	case StrategyLWW:
		return decodeLWW(inner)
	case StrategyORSet:
		return decodeORSet(inner)
	case StrategyPNCounter:
		return decodePNCounter(inner)
	case StrategyRGA:
		return decodeRGA(inner)
	case StrategyMVRegister:
		return decodeMVRegister(inner)
	case StrategyPeritext:
		return decodePeritext(inner)
	case StrategyImmutable:
		return decodeImmutable(inner)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strat)
	}
}

// Fingerprint returns the content-addressed identity of a state. Two
// replicas have converged on a field exactly when their fingerprints match.
func Fingerprint(v Value) (string, error) {
	data, err := MarshalValue(v)
	if err != nil {
		return "", err
	}
	return DomainHash(DomainState, data), nil
}
