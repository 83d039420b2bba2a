package crdt

import "fmt"

// Immutable is a write-once register. Two replicas setting the same value
// concurrently converge silently; two different values are a schema
// violation surfaced as ErrImmutableConflict. The existing value always
// survives a conflict, so the document stays intact.
type Immutable struct {
	set bool
	val Scalar
}

func (*Immutable) Strategy() Strategy { return StrategyImmutable }
func (*Immutable) value()             {}

// IsSet reports whether the register has been written.
func (im *Immutable) IsSet() bool { return im.set }

// Value returns the fixed value, or nil if never written.
func (im *Immutable) Value() Scalar {
	if !im.set {
		return nil
	}
	return im.val
}

func (im *Immutable) merge(o *Immutable) error {
	if !o.set {
		return nil
	}
	if !im.set {
		im.set = true
		im.val = o.val
		return nil
	}
	if !Equal(im.val, o.val) {
		return fmt.Errorf("%w: %s vs %s", ErrImmutableConflict, MustKey(im.val), MustKey(o.val))
	}
	return nil
}

func (im *Immutable) apply(op Op) (bool, error) {
	pl, ok := op.Payload.(ImmutableSet)
	if !ok {
		return false, fmt.Errorf("%w: %s op on immutable field", ErrBadOp, op.Payload.Kind())
	}
	if pl.Value == nil {
		return false, fmt.Errorf("%w: imm_set without value", ErrBadOp)
	}
	if !im.set {
		im.set = true
		im.val = pl.Value
		return true, nil
	}
	if !Equal(im.val, pl.Value) {
		return false, fmt.Errorf("%w: field already set", ErrImmutableConflict)
	}
	return false, nil
}

func (im *Immutable) clone() Value {
	return &Immutable{set: im.set, val: im.val}
}

func (im *Immutable) canonical() (Object, error) {
	if !im.set {
		return Object{"set": Bool(false)}, nil
	}
	return Object{"set": Bool(true), "value": im.val}, nil
}

func decodeImmutable(obj Object) (*Immutable, error) {
	set, _ := obj["set"].(Bool)
	if !set {
		return &Immutable{}, nil
	}
	val := obj["value"]
	if val == nil {
		return nil, fmt.Errorf("malformed immutable state")
	}
	return &Immutable{set: true, val: val}, nil
}
