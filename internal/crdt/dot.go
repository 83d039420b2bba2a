package crdt

import (
	"fmt"
	"strconv"
	"strings"
)

// Actor is a pseudonymous identifier for one logical writer (one device or
// session). Every mutation is tagged with the actor that produced it.
type Actor string

// Dot is a globally unique event identifier: one actor's logical clock
// value. Clocks are monotonically non-decreasing per actor, so a Dot is
// never reused.
type Dot struct {
	Actor Actor
	Clock int64
}

// IsZero reports whether d is the zero Dot (used as the "head" sentinel in
// sequence CRDTs).
func (d Dot) IsZero() bool {
	return d.Actor == "" && d.Clock == 0
}

// Compare orders dots by (clock, actor). The actor tie-break is plain
// byte-wise comparison, which matches the lexicographic rule used for LWW.
func (d Dot) Compare(o Dot) int {
	if d.Clock != o.Clock {
		if d.Clock < o.Clock {
			return -1
		}
		return 1
	}
	return strings.Compare(string(d.Actor), string(o.Actor))
}

// Less reports whether d orders before o.
func (d Dot) Less(o Dot) bool {
	return d.Compare(o) < 0
}

// String renders the dot as "clock@actor". The zero dot renders as "0@".
func (d Dot) String() string {
	return strconv.FormatInt(d.Clock, 10) + "@" + string(d.Actor)
}

// ParseDot parses the "clock@actor" form produced by String.
func ParseDot(s string) (Dot, error) {
	i := strings.IndexByte(s, '@')
	if i < 0 {
		return Dot{}, fmt.Errorf("malformed dot %q: missing '@'", s)
	}
	clock, err := strconv.ParseInt(s[:i], 10, 64)
	if err != nil {
		return Dot{}, fmt.Errorf("malformed dot %q: %w", s, err)
	}
	return Dot{Actor: Actor(s[i+1:]), Clock: clock}, nil
}
