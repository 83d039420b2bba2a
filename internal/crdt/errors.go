package crdt

import "errors"

var (
	// ErrImmutableConflict reports two concurrent writes to an immutable
	// field with different values. This is a schema violation, fatal for
	// that field write; the rest of the document is unaffected.
	ErrImmutableConflict = errors.New("immutable field written twice with conflicting values")

	// ErrUnknownStrategy reports a strategy string outside the closed set.
	ErrUnknownStrategy = errors.New("unknown CRDT strategy")

	// ErrStrategyMismatch reports a merge or apply across two different
	// strategies. Strategies are fixed per field by the schema, so this
	// only happens on malformed input.
	ErrStrategyMismatch = errors.New("CRDT strategy mismatch")

	// ErrBadOp reports an operation payload that is structurally invalid
	// for its strategy (missing tag, dangling left neighbor, wrong payload
	// type). Remote ops failing this way are protocol violations.
	ErrBadOp = errors.New("malformed CRDT operation")
)
