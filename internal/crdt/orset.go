package crdt

import (
	"fmt"
	"slices"
)

// ORSet is an observed-remove set. Every add carries a fresh unique tag;
// a remove tombstones exactly the tags the remover had observed. An
// element is present iff it has at least one add-tag with no matching
// tombstone, which is what makes a concurrent add win over a remove: the
// concurrent add's tag was not observed, so the remove cannot name it.
type ORSet struct {
	elems   map[string]*orsetElem // canonical element key -> element
	removed map[string]bool       // tombstoned add tags
}

type orsetElem struct {
	val  Scalar
	tags map[string]bool
}

// NewORSet returns an empty set.
func NewORSet() *ORSet {
	return &ORSet{
		elems:   make(map[string]*orsetElem),
		removed: make(map[string]bool),
	}
}

func (*ORSet) Strategy() Strategy { return StrategyORSet }
func (*ORSet) value()             {}

func (s *ORSet) live(e *orsetElem) bool {
	for t := range e.tags {
		if !s.removed[t] {
			return true
		}
	}
	return false
}

// Contains reports whether the element is currently present.
func (s *ORSet) Contains(val Scalar) bool {
	key, err := Key(val)
	if err != nil {
		return false
	}
	e, ok := s.elems[key]
	return ok && s.live(e)
}

// LiveTags returns the surviving add-tags for an element, sorted. These
// are the tags a remove must tombstone.
func (s *ORSet) LiveTags(val Scalar) []string {
	key, err := Key(val)
	if err != nil {
		return nil
	}
	e, ok := s.elems[key]
	if !ok {
		return nil
	}
	var tags []string
	for t := range e.tags {
		if !s.removed[t] {
			tags = append(tags, t)
		}
	}
	slices.Sort(tags)
	return tags
}

// Members returns the present elements sorted by canonical key.
func (s *ORSet) Members() Array {
	keys := make([]string, 0, len(s.elems))
	for k, e := range s.elems {
		if s.live(e) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	out := make(Array, len(keys))
	for i, k := range keys {
		out[i] = s.elems[k].val
	}
	return out
}

// Len returns the number of present elements.
func (s *ORSet) Len() int {
	n := 0
	for _, e := range s.elems {
		if s.live(e) {
			n++
		}
	}
	return n
}

func (s *ORSet) addTag(val Scalar, tag string) (bool, error) {
	key, err := Key(val)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBadOp, err)
	}
	e, ok := s.elems[key]
	if !ok {
		e = &orsetElem{val: val, tags: make(map[string]bool)}
		s.elems[key] = e
	}
	if e.tags[tag] {
		return false, nil
	}
	e.tags[tag] = true
	return true, nil
}

func (s *ORSet) removeTags(tags []string) bool {
	changed := false
	for _, t := range tags {
		if !s.removed[t] {
			s.removed[t] = true
			changed = true
		}
	}
	return changed
}

func (s *ORSet) merge(o *ORSet) {
	for _, e := range o.elems {
		for t := range e.tags {
			_, _ = s.addTag(e.val, t)
		}
	}
	for t := range o.removed {
		s.removed[t] = true
	}
}

func (s *ORSet) apply(op Op) (bool, error) {
	switch pl := op.Payload.(type) {
	case SetAdd:
		return s.addTag(pl.Value, pl.Tag)
	case SetRemove:
		return s.removeTags(pl.Tags), nil
	default:
		return false, fmt.Errorf("%w: %s op on or_set field", ErrBadOp, op.Payload.Kind())
	}
}

func (s *ORSet) clone() Value {
	out := NewORSet()
	for k, e := range s.elems {
		ne := &orsetElem{val: e.val, tags: make(map[string]bool, len(e.tags))}
		for t := range e.tags {
			ne.tags[t] = true
		}
		out.elems[k] = ne
	}
	for t := range s.removed {
		out.removed[t] = true
	}
	return out
}

func (s *ORSet) canonical() (Object, error) {
	keys := make([]string, 0, len(s.elems))
	for k := range s.elems {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	elems := make(Array, 0, len(keys))
	for _, k := range keys {
		e := s.elems[k]
		tags := make([]string, 0, len(e.tags))
		for t := range e.tags {
			tags = append(tags, t)
		}
		slices.Sort(tags)
		tagArr := make(Array, len(tags))
		for i, t := range tags {
			tagArr[i] = String(t)
		}
		elems = append(elems, Object{"value": e.val, "tags": tagArr})
	}

	removed := make([]string, 0, len(s.removed))
	for t := range s.removed {
		removed = append(removed, t)
	}
	slices.Sort(removed)
	remArr := make(Array, len(removed))
	for i, t := range removed {
		remArr[i] = String(t)
	}

	return Object{"elems": elems, "removed": remArr}, nil
}

func decodeORSet(obj Object) (*ORSet, error) {
	out := NewORSet()

	elems, ok := obj["elems"].(Array)
	if !ok {
		return nil, fmt.Errorf("malformed or_set state: elems")
	}
	for i, raw := range elems {
		entry, ok := raw.(Object)
		if !ok {
			return nil, fmt.Errorf("malformed or_set elem[%d]", i)
		}
		val := entry["value"]
		if val == nil {
			return nil, fmt.Errorf("malformed or_set elem[%d]: no value", i)
		}
		tags, err := stringList(entry["tags"])
		if err != nil {
			return nil, fmt.Errorf("malformed or_set elem[%d]: %v", i, err)
		}
		for _, t := range tags {
			if _, err := out.addTag(val, t); err != nil {
				return nil, err
			}
		}
	}

	removed, err := stringList(obj["removed"])
	if err != nil {
		return nil, fmt.Errorf("malformed or_set state: removed: %v", err)
	}
	out.removeTags(removed)
	return out, nil
}
