package crdt

import "fmt"

// LWW is a last-write-wins register. The winner is the write with the
// highest (timestamp, actor) key, compared lexicographically. The losing
// value is discarded, never blended, so a merge of two valid values is
// always valid.
type LWW struct {
	written bool
	ts      int64
	actor   Actor
	val     Scalar
}

func (*LWW) Strategy() Strategy { return StrategyLWW }
func (*LWW) value()             {}

// IsSet reports whether the register has ever been written.
func (l *LWW) IsSet() bool { return l.written }

// Value returns the current winner, or nil if never written.
func (l *LWW) Value() Scalar {
	if !l.written {
		return nil
	}
	return l.val
}

// TS returns the winner's write timestamp.
func (l *LWW) TS() int64 { return l.ts }

// Writer returns the winning actor.
func (l *LWW) Writer() Actor { return l.actor }

// wins reports whether write (ts, actor, val) beats the current state.
// Ties on (ts, actor) with differing values should not happen for a
// well-behaved actor; the higher canonical encoding wins so every replica
// still picks the same value.
func (l *LWW) wins(ts int64, actor Actor, val Scalar) bool {
	if !l.written {
		return true
	}
	if ts != l.ts {
		return ts > l.ts
	}
	if actor != l.actor {
		return actor > l.actor
	}
	if !Equal(val, l.val) {
		return MustKey(val) > MustKey(l.val)
	}
	return false
}

func (l *LWW) set(ts int64, actor Actor, val Scalar) bool {
	if !l.wins(ts, actor, val) {
		return false
	}
	l.written = true
	l.ts = ts
	l.actor = actor
	l.val = val
	return true
}

func (l *LWW) merge(o *LWW) {
	if o.written {
		l.set(o.ts, o.actor, o.val)
	}
}

func (l *LWW) apply(op Op) (bool, error) {
	pl, ok := op.Payload.(LWWSet)
	if !ok {
		return false, fmt.Errorf("%w: %s op on lww field", ErrBadOp, op.Payload.Kind())
	}
	if pl.Value == nil {
		return false, fmt.Errorf("%w: lww_set without value", ErrBadOp)
	}
	return l.set(pl.TS, op.Actor, pl.Value), nil
}

// ClampMin raises an integer register to min when it fell below a
// schema-declared bound. Both merge operands are assumed in-bound, so
// this is enforcement of the declared floor, not conflict resolution.
func (l *LWW) ClampMin(min int64) {
	if !l.written {
		return
	}
	if n, ok := l.val.(Int); ok && int64(n) < min {
		l.val = Int(min)
	}
}

func (l *LWW) clone() Value {
	return &LWW{written: l.written, ts: l.ts, actor: l.actor, val: l.val}
}

func (l *LWW) canonical() (Object, error) {
	if !l.written {
		return Object{"written": Bool(false)}, nil
	}
	return Object{
		"written": Bool(true),
		"ts":      Int(l.ts),
		"actor":   String(l.actor),
		"value":   l.val,
	}, nil
}

func decodeLWW(obj Object) (*LWW, error) {
	written, _ := obj["written"].(Bool)
	if !written {
		return &LWW{}, nil
	}
	ts, tok := obj["ts"].(Int)
	actor, aok := obj["actor"].(String)
	val := obj["value"]
	if !tok || !aok || val == nil {
		return nil, fmt.Errorf("malformed lww state")
	}
	return &LWW{written: true, ts: int64(ts), actor: Actor(actor), val: val}, nil
}
