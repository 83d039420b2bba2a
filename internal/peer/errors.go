package peer

import (
	"errors"
	"fmt"

	"github.com/driftlab/drift/internal/crdt"
	"github.com/driftlab/drift/internal/engine"
)

// A ViolationError marks a peer as untrusted: it sent something no
// correct implementation produces (malformed frame, unknown strategy,
// oversized message) or failed the handshake. The connection is torn
// down, its pending batch discarded, and the peer is not redialed.
type ViolationError struct {
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *ViolationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("peer: protocol violation: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("peer: protocol violation: %s", e.Reason)
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e *ViolationError) Unwrap() error { return e.Err }

func violation(reason string, err error) *ViolationError {
	return &ViolationError{Reason: reason, Err: err}
}

// isViolation reports whether a connection failure disqualifies the
// peer from reconnection. Everything else is transient: retried with
// backoff.
func isViolation(err error) bool {
	var v *ViolationError
	return errors.As(err, &v)
}

// classifyApply sorts an ApplyRemote failure into the three outcomes
// the protocol distinguishes: a causal gap is healable by full-state
// transfer, a schema or op fault is a violation, and anything else
// (storage trouble, shutdown) is local and transient.
func classifyApply(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, engine.ErrCausalGap):
		return err
	case errors.Is(err, engine.ErrUnknownNamespace),
		errors.Is(err, engine.ErrUnknownField),
		errors.Is(err, engine.ErrBadState),
		errors.Is(err, crdt.ErrStrategyMismatch),
		errors.Is(err, crdt.ErrUnknownStrategy),
		errors.Is(err, crdt.ErrBadOp),
		// An immutable conflict can never heal: redelivery and even a
		// full-state merge hit the same wall. Cut the link rather than
		// reconnect-loop on it.
		errors.Is(err, crdt.ErrImmutableConflict):
		return violation("unappliable delta", err)
	default:
		return err
	}
}
