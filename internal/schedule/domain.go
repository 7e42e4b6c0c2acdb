// Package schedule implements the financial schedule engine: generation of
// financing installments, rental periods and depreciation entries from a set
// of acquisition terms, allocation of payments against generated lines, and
// regeneration of the unpaid tail after a correction.
//
// The package is pure computation. Persistence, locking and transactions are
// owned by the assets and payments modules.
package schedule

import (
	"time"

	"github.com/shopspring/decimal"
)

// Epsilon is the tolerance used for all monetary comparisons. Stored amounts
// carry two decimal places, so anything within a cent counts as equal.
var Epsilon = decimal.NewFromFloat(0.01)

// AcquisitionType enumerates how an asset was acquired.
type AcquisitionType string

const (
	AcquisitionOutrightPurchase AcquisitionType = "outright_purchase"
	AcquisitionFinancedPurchase AcquisitionType = "financed_purchase"
	AcquisitionFixedRental      AcquisitionType = "fixed_rental"
	AcquisitionPeriodicRental   AcquisitionType = "periodic_rental"
	AcquisitionCasualRental     AcquisitionType = "casual_rental"
)

// IsPurchase reports whether the type transfers ownership, which is what
// makes the asset depreciable.
func (t AcquisitionType) IsPurchase() bool {
	return t == AcquisitionOutrightPurchase || t == AcquisitionFinancedPurchase
}

// IsRental reports whether the type is any of the rental variants.
func (t AcquisitionType) IsRental() bool {
	return t == AcquisitionFixedRental || t == AcquisitionPeriodicRental || t == AcquisitionCasualRental
}

// Valid reports whether t is a known acquisition type.
func (t AcquisitionType) Valid() bool {
	switch t {
	case AcquisitionOutrightPurchase, AcquisitionFinancedPurchase,
		AcquisitionFixedRental, AcquisitionPeriodicRental, AcquisitionCasualRental:
		return true
	}
	return false
}

// PaymentFrequency controls the calendar step between generated periods.
type PaymentFrequency string

const (
	FrequencyMonthly   PaymentFrequency = "monthly"
	FrequencyQuarterly PaymentFrequency = "quarterly"
	FrequencyAnnually  PaymentFrequency = "annually"
)

// Months returns the calendar-month step for the frequency. Unknown values
// fall back to monthly, matching how unset terms behave elsewhere.
func (f PaymentFrequency) Months() int {
	switch f {
	case FrequencyQuarterly:
		return 3
	case FrequencyAnnually:
		return 12
	default:
		return 1
	}
}

// DepreciationMethod selects the book-value write-down curve.
type DepreciationMethod string

const (
	MethodStraightLine     DepreciationMethod = "straight-line"
	MethodDecliningBalance DepreciationMethod = "declining-balance"
)

// LineKind discriminates the three schedule line shapes that share one
// storage record.
type LineKind string

const (
	KindFinancingPayment LineKind = "financing_payment"
	KindRentalPayment    LineKind = "rental_payment"
	KindDepreciation     LineKind = "depreciation"
	KindAmortization     LineKind = "amortization"
)

// LineStatus is the per-line settlement state. Financing and rental lines
// move pending → partial → paid (and back on reversal). Depreciation entries
// move scheduled → processed via the posting worker and never through the
// allocator.
type LineStatus string

const (
	StatusPending   LineStatus = "pending"
	StatusPartial   LineStatus = "partial"
	StatusPaid      LineStatus = "paid"
	StatusScheduled LineStatus = "scheduled"
	StatusProcessed LineStatus = "processed"
)

// AcquisitionTerms is the parameter set a schedule is generated from. Exactly
// one acquisition type is active; fields irrelevant to that type are ignored.
type AcquisitionTerms struct {
	Type AcquisitionType

	// Purchase terms.
	PurchaseDate    time.Time
	PurchaseCost    decimal.Decimal
	DownPayment     decimal.Decimal
	FinancingAmount decimal.Decimal
	// InterestRate is the annual rate as a percentage (12 means 12%).
	InterestRate     decimal.Decimal
	TermMonths       int
	FirstPaymentDate time.Time
	Frequency        PaymentFrequency

	// Rental terms.
	RentalAmount    decimal.Decimal
	RentalStartDate time.Time
	RentalEndDate   time.Time

	// Depreciation terms (purchase types only).
	DepreciationMethod    DepreciationMethod
	UsefulLifeMonths      int
	SalvageValue          decimal.Decimal
	FirstDepreciationDate time.Time
	// Intangible switches the write-down entries from depreciation to
	// amortization. The math is identical; reports group them separately.
	Intangible bool
}

// Line is one generated schedule entry. The three kinds share the struct;
// fields not meaningful for a kind stay zero.
type Line struct {
	Kind LineKind
	// Seq orders lines of the same kind within one schedule, starting at 0.
	Seq int

	// DueDate is the payment due date for financing/rental lines and the
	// entry date for depreciation lines.
	DueDate     time.Time
	PeriodStart time.Time
	PeriodEnd   time.Time

	Principal decimal.Decimal
	Interest  decimal.Decimal
	Amount    decimal.Decimal

	// Depreciation running totals.
	Cumulative decimal.Decimal
	Remaining  decimal.Decimal

	Status        LineStatus
	PaidPrincipal decimal.Decimal
	PaidInterest  decimal.Decimal
	PaidDate      *time.Time

	Notes string
}

// Settled reports whether the line has received any allocation or has been
// posted, i.e. whether it is part of the history the engine must not touch.
func (l Line) Settled() bool {
	switch l.Status {
	case StatusPaid, StatusPartial, StatusProcessed:
		return true
	}
	return false
}

// Outstanding returns the unpaid portion of the line's components.
func (l Line) Outstanding() (principal, interest decimal.Decimal) {
	return l.Principal.Sub(l.PaidPrincipal), l.Interest.Sub(l.PaidInterest)
}

// covered reports whether paid reaches required within Epsilon.
func covered(paid, required decimal.Decimal) bool {
	return paid.GreaterThanOrEqual(required.Sub(Epsilon))
}

// round2 rounds to the two decimal places stored on every line.
func round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
