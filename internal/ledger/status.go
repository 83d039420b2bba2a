package ledger

// Status is a transaction's settlement state. Transactions are born
// Pending and settle exactly once: the committee either confirms or
// rejects them, and settled transactions never change again.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusRejected  Status = "rejected"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusRejected:
		return true
	}
	return false
}

// Settled reports whether s is terminal.
func (s Status) Settled() bool {
	return s == StatusConfirmed || s == StatusRejected
}

// CanTransition reports whether a transaction in state s may move to
// state to. Only pending transactions move, and only to a terminal
// state.
func (s Status) CanTransition(to Status) bool {
	return s == StatusPending && to.Settled()
}
