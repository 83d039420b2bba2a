package ledger

import (
	"fmt"
	"time"
)

// Tier is an account's reputation level. The tier scales how much of
// the confirmed balance the committee releases as offline escrow, and
// how long a device allocation lives before it expires back.
type Tier string

const (
	TierNew      Tier = "new"
	TierTrusted  Tier = "trusted"
	TierVerified Tier = "verified"
	TierPremium  Tier = "premium"
)

// multiplier returns the tier's escrow multiplier as a rational so
// EscrowFor stays in integer arithmetic.
func (t Tier) multiplier() (num, den int64, ok bool) {
	switch t {
	case TierNew:
		return 1, 4, true
	case TierTrusted:
		return 1, 1, true
	case TierVerified:
		return 3, 2, true
	case TierPremium:
		return 2, 1, true
	}
	return 0, 0, false
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	_, _, ok := t.multiplier()
	return ok
}

// ParseTier converts a stored tier string back to a Tier.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTier, s)
	}
	return t, nil
}

// AllocationTTL is how long a device escrow allocation granted to an
// account of this tier remains spendable before the committee reclaims
// it.
func (t Tier) AllocationTTL() time.Duration {
	switch t {
	case TierTrusted:
		return 3 * 24 * time.Hour
	case TierVerified:
		return 7 * 24 * time.Hour
	case TierPremium:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// EscrowFor computes the escrow an account is entitled to: half the
// confirmed balance, scaled by the tier multiplier. Every tier's
// multiplier is at most 2, so the result never exceeds the balance.
func EscrowFor(balance int64, tier Tier) int64 {
	num, den, ok := tier.multiplier()
	if !ok || balance <= 0 {
		return 0
	}
	return balance * num / (2 * den)
}
