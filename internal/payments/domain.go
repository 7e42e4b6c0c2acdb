// Package payments records financing and rental payment receipts, allocates
// them to schedule lines, and drives schedule recalculation after every
// allocation change.
package payments

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/reflyh2/assetflow/internal/assets"
)

// Payment is one receipt, split across one or more schedule lines.
type Payment struct {
	ID        int64
	Number    string
	Reference uuid.UUID
	PaidAt    time.Time
	Method    string
	Note      string
	Amount    decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Allocation applies part of a payment to exactly one schedule line.
// Financing allocations carry principal and interest; rental and invoice
// allocations carry a flat amount in the principal leg.
type Allocation struct {
	ID        int64
	PaymentID int64
	LineID    int64
	AssetID   int64
	Principal decimal.Decimal
	Interest  decimal.Decimal
	CreatedAt time.Time
}

// PaymentWithAllocations is a payment with its allocation breakdown.
type PaymentWithAllocations struct {
	Payment
	Allocations []Allocation
}

// AllocationInput names one target line and the amounts applied to it.
type AllocationInput struct {
	LineID    int64
	Principal decimal.Decimal
	Interest  decimal.Decimal
}

// CreatePaymentInput carries a new payment and its allocation set.
// Reference is the caller's idempotency key; a retried submission with the
// same reference is rejected instead of allocating twice.
type CreatePaymentInput struct {
	Reference   uuid.UUID
	PaidAt      time.Time
	Method      string
	Note        string
	Allocations []AllocationInput
}

// UpdatePaymentInput replaces a payment's allocation set wholesale. The old
// set is fully reversed before the new one is applied.
type UpdatePaymentInput struct {
	PaidAt      time.Time
	Method      string
	Note        string
	Allocations []AllocationInput
}

// touchedAssets collects the distinct owning assets of a set of lines, in
// ascending ID order so locks are always taken in the same sequence.
func touchedAssets(lines []assets.StoredLine) []int64 {
	seen := map[int64]bool{}
	var ids []int64
	for _, l := range lines {
		if !seen[l.AssetID] {
			seen[l.AssetID] = true
			ids = append(ids, l.AssetID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
