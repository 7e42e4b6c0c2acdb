package schedule

import (
	"time"

	"github.com/shopspring/decimal"
)

// Apply adds an allocation to a financing or rental line and returns the
// recomputed status. Rental and invoice allocations carry a single flat
// amount; callers pass it through the principal leg with zero interest.
//
// Coverage is tolerant: a component is covered once the paid total reaches
// the required amount minus Epsilon, so a cent of rounding drift never
// leaves a line stuck in partial.
func Apply(line *Line, principal, interest decimal.Decimal, paidAt time.Time) LineStatus {
	line.PaidPrincipal = line.PaidPrincipal.Add(principal)
	line.PaidInterest = line.PaidInterest.Add(interest)
	at := dateOnly(paidAt)
	line.PaidDate = &at
	line.Status = settlementStatus(line)
	return line.Status
}

// Reverse subtracts a previously applied allocation and returns the
// recomputed status. Reversing everything that was applied restores the
// line's paid amounts and status to their pre-allocation values exactly,
// including the transition back to pending when both components reach zero.
func Reverse(line *Line, principal, interest decimal.Decimal) LineStatus {
	line.PaidPrincipal = line.PaidPrincipal.Sub(principal)
	line.PaidInterest = line.PaidInterest.Sub(interest)
	line.Status = settlementStatus(line)
	if line.Status == StatusPending {
		line.PaidPrincipal = decimal.Zero
		line.PaidInterest = decimal.Zero
		line.PaidDate = nil
	}
	return line.Status
}

// settlementStatus derives pending/partial/paid from the line's paid totals.
func settlementStatus(line *Line) LineStatus {
	if !line.PaidPrincipal.IsPositive() && !line.PaidInterest.IsPositive() {
		return StatusPending
	}
	if covered(line.PaidPrincipal, line.Principal) && covered(line.PaidInterest, line.Interest) {
		return StatusPaid
	}
	return StatusPartial
}
