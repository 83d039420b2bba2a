package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by store operations. Callers match with
// errors.Is; wrapped forms carry the document ref.
var (
	// ErrExists is returned by Create when the document already exists.
	ErrExists = errors.New("engine: document already exists")

	// ErrNotFound is returned when a ref names no known document.
	ErrNotFound = errors.New("engine: document not found")

	// ErrUnknownNamespace is returned when a ref's namespace matches no
	// schema document type.
	ErrUnknownNamespace = errors.New("engine: unknown namespace")

	// ErrUnknownField is returned by mutation edits naming a field the
	// schema does not declare.
	ErrUnknownField = errors.New("engine: unknown field")

	// ErrClosed is returned by every operation after Store.Close.
	ErrClosed = errors.New("engine: store closed")

	// ErrCausalGap is returned by ApplyRemote when a delta references an
	// element this replica has not seen (a missing dependency). The sync
	// layer recovers by re-exchanging state vectors instead of buffering.
	ErrCausalGap = errors.New("engine: delta has causal gap")

	// ErrAborted is returned by Transact when the callback asks for the
	// transaction to be rolled back without surfacing its own error.
	ErrAborted = errors.New("engine: transaction aborted")

	// ErrBoundViolation is returned by local writes that would take a
	// bound field below its schema-declared floor. Remote merges are
	// clamped instead; a replica cannot reject history it already shares.
	ErrBoundViolation = errors.New("engine: write below declared bound")

	// ErrBadState is returned by MergeState when the state blob cannot
	// be decoded. The blob came off the wire, so the sync layer treats
	// this as a protocol violation rather than local corruption.
	ErrBadState = errors.New("engine: malformed document state")
)

// MutationError wraps a failure inside a Mutate or Transact callback
// with the document and field it occurred on.
type MutationError struct {
	Ref   Ref
	Field string
	Err   error
}

func (e *MutationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("engine: mutate %s field %q: %v", e.Ref, e.Field, e.Err)
	}
	return fmt.Sprintf("engine: mutate %s: %v", e.Ref, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }
