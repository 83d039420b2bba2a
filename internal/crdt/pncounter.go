package crdt

import "fmt"

// PNCounter is a positive-negative counter: one monotone increment
// accumulator and one monotone decrement accumulator per actor. Merge
// takes the per-actor maximum of each accumulator, never a sum across
// merges, so duplicated delivery cannot inflate the total.
type PNCounter struct {
	p map[Actor]int64
	n map[Actor]int64
}

// NewPNCounter returns a zero counter.
func NewPNCounter() *PNCounter {
	return &PNCounter{
		p: make(map[Actor]int64),
		n: make(map[Actor]int64),
	}
}

func (*PNCounter) Strategy() Strategy { return StrategyPNCounter }
func (*PNCounter) value()             {}

// Total returns sum(increments) - sum(decrements).
func (c *PNCounter) Total() int64 {
	var total int64
	for _, v := range c.p {
		total += v
	}
	for _, v := range c.n {
		total -= v
	}
	return total
}

// Acc returns one actor's accumulator pair. The engine reads this to
// compute the post-increment accumulators carried by a CounterAdvance.
func (c *PNCounter) Acc(a Actor) (p, n int64) {
	return c.p[a], c.n[a]
}

func (c *PNCounter) advance(a Actor, p, n int64) bool {
	changed := false
	if p > c.p[a] {
		c.p[a] = p
		changed = true
	}
	if n > c.n[a] {
		c.n[a] = n
		changed = true
	}
	return changed
}

func (c *PNCounter) merge(o *PNCounter) {
	for a, v := range o.p {
		if v > c.p[a] {
			c.p[a] = v
		}
	}
	for a, v := range o.n {
		if v > c.n[a] {
			c.n[a] = v
		}
	}
}

func (c *PNCounter) apply(op Op) (bool, error) {
	pl, ok := op.Payload.(CounterAdvance)
	if !ok {
		return false, fmt.Errorf("%w: %s op on pn_counter field", ErrBadOp, op.Payload.Kind())
	}
	if pl.P < 0 || pl.N < 0 {
		return false, fmt.Errorf("%w: counter accumulators are non-negative", ErrBadOp)
	}
	return c.advance(op.Actor, pl.P, pl.N), nil
}

func (c *PNCounter) clone() Value {
	out := NewPNCounter()
	for a, v := range c.p {
		out.p[a] = v
	}
	for a, v := range c.n {
		out.n[a] = v
	}
	return out
}

func accObject(m map[Actor]int64) Object {
	obj := make(Object, len(m))
	for a, v := range m {
		obj[string(a)] = Int(v)
	}
	return obj
}

func (c *PNCounter) canonical() (Object, error) {
	return Object{"p": accObject(c.p), "n": accObject(c.n)}, nil
}

func decodeAcc(v Scalar) (map[Actor]int64, error) {
	obj, ok := v.(Object)
	if !ok {
		return nil, fmt.Errorf("accumulator is not an object")
	}
	out := make(map[Actor]int64, len(obj))
	for k, raw := range obj {
		n, ok := raw.(Int)
		if !ok || n < 0 {
			return nil, fmt.Errorf("accumulator %q is not a non-negative int", k)
		}
		out[Actor(k)] = int64(n)
	}
	return out, nil
}

func decodePNCounter(obj Object) (*PNCounter, error) {
	p, err := decodeAcc(obj["p"])
	if err != nil {
		return nil, fmt.Errorf("malformed pn_counter state: p: %v", err)
	}
	n, err := decodeAcc(obj["n"])
	if err != nil {
		return nil, fmt.Errorf("malformed pn_counter state: n: %v", err)
	}
	return &PNCounter{p: p, n: n}, nil
}
