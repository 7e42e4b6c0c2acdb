package schedule

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnknownAcquisitionType is returned when terms carry a type the engine
// does not recognize.
var ErrUnknownAcquisitionType = errors.New("schedule: unknown acquisition type")

var (
	two     = decimal.NewFromInt(2)
	hundred = decimal.NewFromInt(100)
	twelve  = decimal.NewFromInt(12)
)

// Hard cap on generated depreciation entries. Declining-balance converges on
// the salvage floor asymptotically; the epsilon guard terminates it, but a
// pathological life value must not spin.
const maxDepreciationPeriods = 1200

// Generate produces the full ordered schedule for the given terms: financing
// or rental lines first, then depreciation entries for purchase types.
// Generation is deterministic; calling it twice with equal terms yields
// identical lines.
//
// Missing depreciation inputs (no useful life, no first depreciation date,
// nothing left to depreciate) skip the depreciation entries silently rather
// than failing; that matches how upstream treats them as optional.
func Generate(terms AcquisitionTerms) ([]Line, error) {
	if !terms.Type.Valid() {
		return nil, ErrUnknownAcquisitionType
	}

	var lines []Line
	switch terms.Type {
	case AcquisitionOutrightPurchase:
		lines = append(lines, Line{
			Kind:      KindFinancingPayment,
			Seq:       0,
			DueDate:   dateOnly(terms.PurchaseDate),
			Principal: round2(terms.PurchaseCost),
			Interest:  decimal.Zero,
			Amount:    round2(terms.PurchaseCost),
			Status:    StatusPending,
		})
	case AcquisitionFinancedPurchase:
		lines = append(lines, financingLines(terms)...)
	case AcquisitionFixedRental:
		lines = append(lines, fixedRentalLine(terms))
	case AcquisitionPeriodicRental:
		lines = append(lines, periodicRentalLines(terms)...)
	case AcquisitionCasualRental:
		// Casual rentals are invoiced ad hoc; no schedule exists up front.
	}

	if terms.Type.IsPurchase() {
		lines = append(lines, depreciationLines(terms)...)
	}
	return lines, nil
}

// financingLines emits the down-payment line followed by the equal
// installments of the standard amortization formula
//
//	payment = P·r·(1+r)^n / ((1+r)^n − 1)
//
// with r the per-period rate and n the number of periods.
func financingLines(terms AcquisitionTerms) []Line {
	var lines []Line
	seq := 0
	if terms.DownPayment.IsPositive() {
		lines = append(lines, Line{
			Kind:      KindFinancingPayment,
			Seq:       seq,
			DueDate:   dateOnly(terms.PurchaseDate),
			Principal: round2(terms.DownPayment),
			Interest:  decimal.Zero,
			Amount:    round2(terms.DownPayment),
			Status:    StatusPending,
			Notes:     "Down payment",
		})
		seq++
	}

	step := terms.Frequency.Months()
	periods := terms.TermMonths / step
	if terms.TermMonths%step != 0 {
		periods++
	}
	if periods <= 0 || !terms.FinancingAmount.IsPositive() {
		return lines
	}

	anchor := dateOnly(terms.FirstPaymentDate)
	tail := installmentLines(terms.FinancingAmount, terms.InterestRate, periods, step, anchor, seq, 0)
	return append(lines, tail...)
}

// installmentLines is the shared core of financed-purchase generation and
// tail recalculation: amortize principal over n periods of step months,
// numbering lines from firstSeq. Due dates are always derived from the
// original first-payment anchor by whole-period offsets, so a regenerated
// tail keeps the anchor's day-of-month clamping instead of compounding it.
//
// The amortization itself runs at full precision, but each stored principal
// is the difference between consecutive rounded balances, with the final
// balance pinned to zero. Stored principals therefore sum to the financed
// amount exactly; per-line interest absorbs the rounding instead.
func installmentLines(principal, annualRate decimal.Decimal, n, step int, anchor time.Time, firstSeq, periodOffset int) []Line {
	rate := annualRate.Div(hundred).Div(twelve).Mul(decimal.NewFromInt(int64(step)))

	var payment decimal.Decimal
	if rate.IsZero() {
		payment = principal.Div(decimal.NewFromInt(int64(n)))
	} else {
		growth := rate.Add(decimal.NewFromInt(1)).Pow(decimal.NewFromInt(int64(n)))
		payment = principal.Mul(rate).Mul(growth).Div(growth.Sub(decimal.NewFromInt(1)))
	}
	amount := round2(payment)

	lines := make([]Line, 0, n)
	remaining := principal
	balance := round2(principal)
	for i := 0; i < n; i++ {
		interest := remaining.Mul(rate)
		remaining = remaining.Sub(payment.Sub(interest))

		next := round2(remaining)
		if i == n-1 {
			next = decimal.Zero
		}
		principalPart := balance.Sub(next)
		balance = next

		// A zero-rate plan carries no interest, so the cent left over
		// from dividing the principal shifts the line amounts instead.
		lineAmount := amount
		if rate.IsZero() {
			lineAmount = principalPart
		}

		lines = append(lines, Line{
			Kind:      KindFinancingPayment,
			Seq:       firstSeq + i,
			DueDate:   AddMonthsClamped(anchor, (periodOffset+i)*step),
			Principal: principalPart,
			Interest:  lineAmount.Sub(principalPart),
			Amount:    lineAmount,
			Status:    StatusPending,
		})
	}
	return lines
}

func fixedRentalLine(terms AcquisitionTerms) Line {
	start := dateOnly(terms.RentalStartDate)
	end := dateOnly(terms.RentalEndDate)
	return Line{
		Kind:        KindRentalPayment,
		Seq:         0,
		DueDate:     start,
		PeriodStart: start,
		PeriodEnd:   end,
		Principal:   round2(terms.RentalAmount),
		Amount:      round2(terms.RentalAmount),
		Status:      StatusPending,
	}
}

// periodicRentalLines walks the rental window in frequency-sized periods.
// Each period runs [start, start+step months − 1 day], clipped to the rental
// end date; the flat rental amount applies to every period, including a
// clipped final one.
func periodicRentalLines(terms AcquisitionTerms) []Line {
	start := dateOnly(terms.RentalStartDate)
	end := dateOnly(terms.RentalEndDate)
	if end.Before(start) {
		return nil
	}
	step := terms.Frequency.Months()
	amount := round2(terms.RentalAmount)

	var lines []Line
	for i := 0; ; i++ {
		periodStart := AddMonthsClamped(start, i*step)
		if periodStart.After(end) {
			break
		}
		periodEnd := AddMonthsClamped(start, (i+1)*step).AddDate(0, 0, -1)
		last := false
		if !periodEnd.Before(end) {
			periodEnd = end
			last = true
		}
		lines = append(lines, Line{
			Kind:        KindRentalPayment,
			Seq:         i,
			DueDate:     periodStart,
			PeriodStart: periodStart,
			PeriodEnd:   periodEnd,
			Principal:   amount,
			Amount:      amount,
			Status:      StatusPending,
		})
		if last {
			break
		}
	}
	return lines
}

// depreciationLines produces the monthly write-down entries. The first entry
// lands on FirstDepreciationDate and subsequent entry dates add whole
// calendar months to that anchor, clamping the day of month. Period coverage
// is independent of entry dates and runs contiguously from the purchase
// date in one-month blocks.
//
// Generation stops when the computed amount is no longer positive, when the
// remaining value is within Epsilon of salvage, or when the next amount
// would cross the salvage floor, in which case the final entry is clamped to
// land exactly on it.
func depreciationLines(terms AcquisitionTerms) []Line {
	if terms.UsefulLifeMonths <= 0 || terms.FirstDepreciationDate.IsZero() {
		return nil
	}
	depreciable := terms.PurchaseCost.Sub(terms.SalvageValue)
	if !depreciable.IsPositive() {
		return nil
	}

	kind := KindDepreciation
	if terms.Intangible {
		kind = KindAmortization
	}
	anchor := dateOnly(terms.FirstDepreciationDate)
	periodAnchor := dateOnly(terms.PurchaseDate)

	return writeDownLines(writeDownParams{
		kind:         kind,
		method:       terms.DepreciationMethod,
		cost:         terms.PurchaseCost,
		remaining:    terms.PurchaseCost,
		salvage:      terms.SalvageValue,
		lifeMonths:   terms.UsefulLifeMonths,
		entryAnchor:  anchor,
		periodAnchor: periodAnchor,
		firstSeq:     0,
	})
}

// writeDownParams carries the state writeDownLines starts from. Recalculation
// passes mid-schedule values here, which is what keeps declining-balance
// consistent after a correction: each period is derived from the current
// remaining value, never from the original cost.
type writeDownParams struct {
	kind         LineKind
	method       DepreciationMethod
	cost         decimal.Decimal
	remaining    decimal.Decimal
	salvage      decimal.Decimal
	lifeMonths   int
	entryAnchor  time.Time
	periodAnchor time.Time
	firstSeq     int
}

func writeDownLines(p writeDownParams) []Line {
	life := decimal.NewFromInt(int64(p.lifeMonths))
	straightLine := p.cost.Sub(p.salvage).Div(life)

	var lines []Line
	remaining := p.remaining
	for i := 0; i < maxDepreciationPeriods; i++ {
		if remaining.Sub(p.salvage).Abs().LessThanOrEqual(Epsilon) {
			break
		}

		var amount decimal.Decimal
		switch p.method {
		case MethodDecliningBalance:
			amount = remaining.Sub(p.salvage).Mul(two).Div(life)
		default:
			amount = straightLine
		}
		if !amount.IsPositive() {
			break
		}
		if remaining.Sub(amount).LessThan(p.salvage) {
			amount = remaining.Sub(p.salvage)
		}
		remaining = remaining.Sub(amount)

		seq := p.firstSeq + i
		lines = append(lines, Line{
			Kind:        p.kind,
			Seq:         seq,
			DueDate:     AddMonthsClamped(p.entryAnchor, seq),
			PeriodStart: AddMonthsClamped(p.periodAnchor, seq),
			PeriodEnd:   AddMonthsClamped(p.periodAnchor, seq+1).AddDate(0, 0, -1),
			Amount:      round2(amount),
			Cumulative:  round2(p.cost.Sub(remaining)),
			Remaining:   round2(remaining),
			Status:      StatusScheduled,
		})
	}
	return lines
}
