package crdt

import "fmt"

// Strategy identifies the merge algorithm for a field. The set is closed:
// a field's strategy is fixed by its schema and never changes for the life
// of the schema version.
type Strategy string

const (
	StrategyImmutable  Strategy = "immutable"
	StrategyLWW        Strategy = "lww"
	StrategyORSet      Strategy = "or_set"
	StrategyPNCounter  Strategy = "pn_counter"
	StrategyRGA        Strategy = "rga"
	StrategyMVRegister Strategy = "mv_register"
	StrategyPeritext   Strategy = "peritext"
)

// Strategies lists every known strategy in a fixed order.
var Strategies = []Strategy{
	StrategyImmutable,
	StrategyLWW,
	StrategyORSet,
	StrategyPNCounter,
	StrategyRGA,
	StrategyMVRegister,
	StrategyPeritext,
}

// Known reports whether s is a recognized strategy.
func (s Strategy) Known() bool {
	switch s {
	case StrategyImmutable, StrategyLWW, StrategyORSet, StrategyPNCounter,
		StrategyRGA, StrategyMVRegister, StrategyPeritext:
		return true
	}
	return false
}

// ParseStrategy converts a schema annotation string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(s)
	if !st.Known() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
	return st, nil
}

// NewValue returns the empty state for a strategy.
func NewValue(s Strategy) (Value, error) {
	switch s {
	case StrategyImmutable:
		return &Immutable{}, nil
	case StrategyLWW:
		return &LWW{}, nil
	case StrategyORSet:
		return NewORSet(), nil
	case StrategyPNCounter:
		return NewPNCounter(), nil
	case StrategyRGA:
		return NewRGA(), nil
	case StrategyMVRegister:
		return NewMVRegister(), nil
	case StrategyPeritext:
		return NewPeritext(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
}
