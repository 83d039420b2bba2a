package ledger

import "errors"

var (
	// ErrInsufficientEscrow rejects a spend that exceeds the sender's
	// local escrow. Nothing is written when this is returned.
	ErrInsufficientEscrow = errors.New("ledger: insufficient escrow")

	// ErrInvalidAmount rejects zero or negative transfer amounts.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")

	// ErrSelfTransfer rejects spends where sender and recipient are the
	// same account.
	ErrSelfTransfer = errors.New("ledger: sender and recipient are the same account")

	// ErrBadTransition rejects a status change the settlement state
	// machine does not allow.
	ErrBadTransition = errors.New("ledger: invalid status transition")

	// ErrUnknownTier rejects a reputation tier outside the known set.
	ErrUnknownTier = errors.New("ledger: unknown reputation tier")
)
