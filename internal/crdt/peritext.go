package crdt

import (
	"fmt"
	"slices"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Peritext is a rich-text CRDT: a sequence of rune elements ordered like
// RGA, plus formatting spans. A span tags the inclusive id range
// [start, end] with a mark (e.g. "bold"); spans from different replicas
// all survive the merge, and when adds and removes of the same mark
// overlap on a character, the span with the highest dot wins there.
type Peritext struct {
	elems map[Dot]*textElem
	dead  map[Dot]bool
	spans map[Dot]*textSpan

	order []Dot // memoized walk, nil when dirty
}

type textElem struct {
	left Dot
	r    rune
}

type textSpan struct {
	start  Dot
	end    Dot
	mark   string
	remove bool
}

// MarkRange is one materialized formatting run over the visible text,
// in rune offsets, end exclusive.
type MarkRange struct {
	Start int
	End   int
	Mark  string
}

// NewPeritext returns an empty text.
func NewPeritext() *Peritext {
	return &Peritext{
		elems: make(map[Dot]*textElem),
		dead:  make(map[Dot]bool),
		spans: make(map[Dot]*textSpan),
	}
}

func (*Peritext) Strategy() Strategy { return StrategyPeritext }
func (*Peritext) value()             {}

func (p *Peritext) walk() []Dot {
	if p.order != nil {
		return p.order
	}
	lefts := make(map[Dot]Dot, len(p.elems))
	for id, e := range p.elems {
		lefts[id] = e.left
	}
	p.order = treeOrder(lefts)
	return p.order
}

// VisibleIDs returns the ids of live runes in document order.
func (p *Peritext) VisibleIDs() []Dot {
	var out []Dot
	for _, id := range p.walk() {
		if !p.dead[id] {
			out = append(out, id)
		}
	}
	return out
}

// Text returns the visible text.
func (p *Peritext) Text() string {
	var sb strings.Builder
	for _, id := range p.VisibleIDs() {
		sb.WriteRune(p.elems[id].r)
	}
	return sb.String()
}

// Len returns the number of visible runes.
func (p *Peritext) Len() int {
	n := 0
	for id := range p.elems {
		if !p.dead[id] {
			n++
		}
	}
	return n
}

// Marks materializes the formatting spans over the visible text as rune
// ranges, sorted by (start, mark). Coverage is positional: a span covers
// every rune currently ordered between its anchors, including runes
// inserted into the range after the span was created.
func (p *Peritext) Marks() []MarkRange {
	order := p.walk()
	pos := make(map[Dot]int, len(order))
	for i, id := range order {
		pos[id] = i
	}

	// winner[mark] per covered position: highest span dot decides.
	type claim struct {
		dot    Dot
		remove bool
	}
	winners := make([]map[string]claim, len(order))

	spanIDs := make([]Dot, 0, len(p.spans))
	for id := range p.spans {
		spanIDs = append(spanIDs, id)
	}
	slices.SortFunc(spanIDs, func(a, b Dot) int { return a.Compare(b) })

	for _, id := range spanIDs {
		s := p.spans[id]
		si, sok := pos[s.start]
		ei, eok := pos[s.end]
		if !sok || !eok || si > ei {
			continue // anchors not present, span is inert
		}
		for i := si; i <= ei; i++ {
			if winners[i] == nil {
				winners[i] = make(map[string]claim)
			}
			cur, ok := winners[i][s.mark]
			if !ok || cur.dot.Less(id) {
				winners[i][s.mark] = claim{dot: id, remove: s.remove}
			}
		}
	}

	// Project onto visible runes and coalesce consecutive runs per mark.
	active := make(map[string]int) // mark -> run start (visible index)
	var out []MarkRange
	vis := 0
	flush := func(mark string, end int) {
		out = append(out, MarkRange{Start: active[mark], End: end, Mark: mark})
		delete(active, mark)
	}
	for i, id := range order {
		if p.dead[id] {
			continue
		}
		here := make(map[string]bool)
		for mark, c := range winners[i] {
			if !c.remove {
				here[mark] = true
			}
		}
		for mark := range active {
			if !here[mark] {
				flush(mark, vis)
			}
		}
		for mark := range here {
			if _, ok := active[mark]; !ok {
				active[mark] = vis
			}
		}
		vis++
	}
	for mark := range active {
		flush(mark, vis)
	}

	slices.SortFunc(out, func(a, b MarkRange) int {
		if a.Start != b.Start {
			return a.Start - b.Start
		}
		return strings.Compare(a.Mark, b.Mark)
	})
	return out
}

func (p *Peritext) insertRun(base Dot, left Dot, text string) (bool, error) {
	if text == "" {
		return false, fmt.Errorf("%w: text_insert with empty text", ErrBadOp)
	}
	// Runs must arrive NFC so rune ids line up on every replica. Local
	// input is normalized by the engine; a non-normalized remote run is
	// malformed.
	if norm.NFC.String(text) != text {
		return false, fmt.Errorf("%w: text_insert run is not NFC-normalized", ErrBadOp)
	}
	if !left.IsZero() {
		if _, ok := p.elems[left]; !ok {
			return false, fmt.Errorf("%w: text_insert references unknown left %s", ErrBadOp, left)
		}
	}

	changed := false
	prev := left
	clock := base.Clock
	for _, r := range text {
		id := Dot{Actor: base.Actor, Clock: clock}
		if _, ok := p.elems[id]; !ok {
			p.elems[id] = &textElem{left: prev, r: r}
			changed = true
		}
		prev = id
		clock++
	}
	if changed {
		p.order = nil
	}
	return changed, nil
}

func (p *Peritext) merge(o *Peritext) error {
	changed := false
	for id, e := range o.elems {
		if _, ok := p.elems[id]; !ok {
			p.elems[id] = &textElem{left: e.left, r: e.r}
			changed = true
		}
	}
	for id := range o.dead {
		p.dead[id] = true
	}
	for id, s := range o.spans {
		if _, ok := p.spans[id]; !ok {
			p.spans[id] = &textSpan{start: s.start, end: s.end, mark: s.mark, remove: s.remove}
		}
	}
	if changed {
		p.order = nil
	}
	return nil
}

func (p *Peritext) apply(op Op) (bool, error) {
	switch pl := op.Payload.(type) {
	case TextInsert:
		return p.insertRun(op.Dot(), pl.Left, pl.Text)
	case TextDelete:
		changed := false
		for _, id := range pl.IDs {
			if !p.dead[id] {
				p.dead[id] = true
				changed = true
			}
		}
		return changed, nil
	case TextFormat:
		id := op.Dot()
		if _, ok := p.spans[id]; ok {
			return false, nil
		}
		p.spans[id] = &textSpan{start: pl.Start, end: pl.End, mark: pl.Mark, remove: pl.Remove}
		return true, nil
	default:
		return false, fmt.Errorf("%w: %s op on peritext field", ErrBadOp, op.Payload.Kind())
	}
}

func (p *Peritext) clone() Value {
	out := NewPeritext()
	for id, e := range p.elems {
		out.elems[id] = &textElem{left: e.left, r: e.r}
	}
	for id := range p.dead {
		out.dead[id] = true
	}
	for id, s := range p.spans {
		out.spans[id] = &textSpan{start: s.start, end: s.end, mark: s.mark, remove: s.remove}
	}
	return out
}

func (p *Peritext) canonical() (Object, error) {
	ids := make([]Dot, 0, len(p.elems))
	for id := range p.elems {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b Dot) int { return a.Compare(b) })

	elems := make(Array, 0, len(ids))
	for _, id := range ids {
		e := p.elems[id]
		elems = append(elems, Object{
			"id":   String(id.String()),
			"left": String(e.left.String()),
			"rune": String(string(e.r)),
		})
	}

	deadIDs := make([]Dot, 0, len(p.dead))
	for id := range p.dead {
		deadIDs = append(deadIDs, id)
	}
	slices.SortFunc(deadIDs, func(a, b Dot) int { return a.Compare(b) })
	dead := make(Array, len(deadIDs))
	for i, id := range deadIDs {
		dead[i] = String(id.String())
	}

	spanIDs := make([]Dot, 0, len(p.spans))
	for id := range p.spans {
		spanIDs = append(spanIDs, id)
	}
	slices.SortFunc(spanIDs, func(a, b Dot) int { return a.Compare(b) })
	spans := make(Array, 0, len(spanIDs))
	for _, id := range spanIDs {
		s := p.spans[id]
		spans = append(spans, Object{
			"id":     String(id.String()),
			"start":  String(s.start.String()),
			"end":    String(s.end.String()),
			"mark":   String(s.mark),
			"remove": Bool(s.remove),
		})
	}

	return Object{"elems": elems, "dead": dead, "spans": spans}, nil
}

func decodePeritext(obj Object) (*Peritext, error) {
	out := NewPeritext()

	elems, ok := obj["elems"].(Array)
	if !ok {
		return nil, fmt.Errorf("malformed peritext state: elems")
	}
	for i, raw := range elems {
		entry, ok := raw.(Object)
		if !ok {
			return nil, fmt.Errorf("malformed peritext elem[%d]", i)
		}
		idStr, iok := entry["id"].(String)
		leftStr, lok := entry["left"].(String)
		runeStr, rok := entry["rune"].(String)
		if !iok || !lok || !rok {
			return nil, fmt.Errorf("malformed peritext elem[%d]", i)
		}
		runes := []rune(string(runeStr))
		if len(runes) != 1 {
			return nil, fmt.Errorf("malformed peritext elem[%d]: not a single rune", i)
		}
		id, err := ParseDot(string(idStr))
		if err != nil {
			return nil, fmt.Errorf("malformed peritext elem[%d]: %v", i, err)
		}
		left, err := ParseDot(string(leftStr))
		if err != nil {
			return nil, fmt.Errorf("malformed peritext elem[%d]: %v", i, err)
		}
		out.elems[id] = &textElem{left: left, r: runes[0]}
	}

	deadIDs, err := dotList(obj["dead"])
	if err != nil {
		return nil, fmt.Errorf("malformed peritext state: dead: %v", err)
	}
	for _, id := range deadIDs {
		out.dead[id] = true
	}

	spans, ok := obj["spans"].(Array)
	if !ok {
		return nil, fmt.Errorf("malformed peritext state: spans")
	}
	for i, raw := range spans {
		entry, ok := raw.(Object)
		if !ok {
			return nil, fmt.Errorf("malformed peritext span[%d]", i)
		}
		idStr, iok := entry["id"].(String)
		startStr, sok := entry["start"].(String)
		endStr, eok := entry["end"].(String)
		mark, mok := entry["mark"].(String)
		remove, _ := entry["remove"].(Bool)
		if !iok || !sok || !eok || !mok {
			return nil, fmt.Errorf("malformed peritext span[%d]", i)
		}
		id, err := ParseDot(string(idStr))
		if err != nil {
			return nil, fmt.Errorf("malformed peritext span[%d]: %v", i, err)
		}
		start, err := ParseDot(string(startStr))
		if err != nil {
			return nil, fmt.Errorf("malformed peritext span[%d]: %v", i, err)
		}
		end, err := ParseDot(string(endStr))
		if err != nil {
			return nil, fmt.Errorf("malformed peritext span[%d]: %v", i, err)
		}
		out.spans[id] = &textSpan{start: start, end: end, mark: string(mark), remove: bool(remove)}
	}

	for id, e := range out.elems {
		if !e.left.IsZero() {
			if _, ok := out.elems[e.left]; !ok {
				return nil, fmt.Errorf("malformed peritext state: %s references unknown left %s", id, e.left)
			}
		}
	}
	return out, nil
}
