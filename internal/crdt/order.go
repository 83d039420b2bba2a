package crdt

import "slices"

// treeOrder computes the total order shared by the sequence strategies.
// Input is each element's left anchor (zero Dot for the head). The order
// is a depth-first walk with siblings ordered by descending id, so every
// replica's own insertion order is preserved and concurrent runs stay
// contiguous instead of interleaving.
func treeOrder(lefts map[Dot]Dot) []Dot {
	children := make(map[Dot][]Dot, len(lefts))
	for id, left := range lefts {
		children[left] = append(children[left], id)
	}
	for _, sibs := range children {
		slices.SortFunc(sibs, func(a, b Dot) int { return b.Compare(a) })
	}

	order := make([]Dot, 0, len(lefts))
	var stack []Dot
	push := func(ids []Dot) {
		for i := len(ids) - 1; i >= 0; i-- {
			stack = append(stack, ids[i])
		}
	}
	push(children[Dot{}])
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		order = append(order, id)
		push(children[id])
	}
	return order
}
