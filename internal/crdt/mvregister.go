package crdt

import (
	"fmt"
	"slices"
)

// MVRegister is a multi-value register. Each write is a leaf tagged with
// the writer's dot; the leaves the writer had observed are buried. Writes
// that never saw each other both survive, so a read returns every
// causally-concurrent value until a later write observes them all and
// collapses the set.
type MVRegister struct {
	leaves map[Dot]Scalar
	buried map[Dot]bool
}

// NewMVRegister returns an empty register.
func NewMVRegister() *MVRegister {
	return &MVRegister{
		leaves: make(map[Dot]Scalar),
		buried: make(map[Dot]bool),
	}
}

func (*MVRegister) Strategy() Strategy { return StrategyMVRegister }
func (*MVRegister) value()             {}

// LiveDots returns the dots of the surviving leaves, sorted. A writer
// passes these as the observed set of its next write.
func (m *MVRegister) LiveDots() []Dot {
	var dots []Dot
	for d := range m.leaves {
		if !m.buried[d] {
			dots = append(dots, d)
		}
	}
	slices.SortFunc(dots, func(a, b Dot) int { return a.Compare(b) })
	return dots
}

// Values returns the surviving values ordered by writer dot. One element
// means no unresolved conflict; more than one means concurrent writes are
// still visible.
func (m *MVRegister) Values() Array {
	dots := m.LiveDots()
	out := make(Array, len(dots))
	for i, d := range dots {
		out[i] = m.leaves[d]
	}
	return out
}

func (m *MVRegister) write(dot Dot, val Scalar, observed []Dot) bool {
	changed := false
	for _, d := range observed {
		if !m.buried[d] {
			m.buried[d] = true
			changed = true
		}
	}
	if _, ok := m.leaves[dot]; !ok {
		m.leaves[dot] = val
		changed = true
	}
	return changed
}

func (m *MVRegister) merge(o *MVRegister) {
	for d, v := range o.leaves {
		if _, ok := m.leaves[d]; !ok {
			m.leaves[d] = v
		}
	}
	for d := range o.buried {
		m.buried[d] = true
	}
}

func (m *MVRegister) apply(op Op) (bool, error) {
	pl, ok := op.Payload.(RegisterWrite)
	if !ok {
		return false, fmt.Errorf("%w: %s op on mv_register field", ErrBadOp, op.Payload.Kind())
	}
	if pl.Value == nil {
		return false, fmt.Errorf("%w: reg_write without value", ErrBadOp)
	}
	return m.write(op.Dot(), pl.Value, pl.Observed), nil
}

func (m *MVRegister) clone() Value {
	out := NewMVRegister()
	for d, v := range m.leaves {
		out.leaves[d] = v
	}
	for d := range m.buried {
		out.buried[d] = true
	}
	return out
}

func (m *MVRegister) canonical() (Object, error) {
	dots := make([]Dot, 0, len(m.leaves))
	for d := range m.leaves {
		dots = append(dots, d)
	}
	slices.SortFunc(dots, func(a, b Dot) int { return a.Compare(b) })

	leaves := make(Array, 0, len(dots))
	for _, d := range dots {
		leaves = append(leaves, Object{
			"dot":   String(d.String()),
			"value": m.leaves[d],
		})
	}

	buriedDots := make([]Dot, 0, len(m.buried))
	for d := range m.buried {
		buriedDots = append(buriedDots, d)
	}
	slices.SortFunc(buriedDots, func(a, b Dot) int { return a.Compare(b) })
	buried := make(Array, len(buriedDots))
	for i, d := range buriedDots {
		buried[i] = String(d.String())
	}

	return Object{"leaves": leaves, "buried": buried}, nil
}

func decodeMVRegister(obj Object) (*MVRegister, error) {
	out := NewMVRegister()

	leaves, ok := obj["leaves"].(Array)
	if !ok {
		return nil, fmt.Errorf("malformed mv_register state: leaves")
	}
	for i, raw := range leaves {
		entry, ok := raw.(Object)
		if !ok {
			return nil, fmt.Errorf("malformed mv_register leaf[%d]", i)
		}
		dotStr, dok := entry["dot"].(String)
		val := entry["value"]
		if !dok || val == nil {
			return nil, fmt.Errorf("malformed mv_register leaf[%d]", i)
		}
		d, err := ParseDot(string(dotStr))
		if err != nil {
			return nil, fmt.Errorf("malformed mv_register leaf[%d]: %v", i, err)
		}
		out.leaves[d] = val
	}

	buried, err := dotList(obj["buried"])
	if err != nil {
		return nil, fmt.Errorf("malformed mv_register state: buried: %v", err)
	}
	for _, d := range buried {
		out.buried[d] = true
	}
	return out, nil
}
