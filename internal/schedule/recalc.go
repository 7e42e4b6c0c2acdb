package schedule

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// InconsistentScheduleError reports a schedule state recalculation cannot
// reconcile, such as settled principal exceeding the financed amount. The
// enclosing transaction must roll back; a partially recalculated schedule is
// never persisted.
type InconsistentScheduleError struct {
	Reason string
}

func (e *InconsistentScheduleError) Error() string {
	return "schedule: inconsistent schedule: " + e.Reason
}

// Recalculate rebuilds the schedule after an allocation change. Settled
// lines (paid, partial, processed) and everything before the most recent
// settled line are preserved verbatim; every line after that anchor is
// regenerated from the schedule's current state. When nothing is settled,
// for instance because the only payment was just reversed, the whole
// schedule is regenerated from the terms.
//
// Regeneration is re-anchored to the current state, not the original
// parameters: a financing tail amortizes the principal the kept lines do not
// already cover, and a depreciation tail continues from the anchor's
// remaining book value. That is what keeps declining-balance schedules
// numerically consistent after an out-of-band correction, because each of
// its periods depends on the prior period's outcome.
func Recalculate(existing []Line, terms AcquisitionTerms) ([]Line, error) {
	if !terms.Type.Valid() {
		return nil, ErrUnknownAcquisitionType
	}

	financing, rental, writedown := splitByKind(existing)

	var out []Line
	switch {
	case terms.Type == AcquisitionFinancedPurchase || terms.Type == AcquisitionOutrightPurchase:
		kept, err := recalcFinancing(financing, terms)
		if err != nil {
			return nil, err
		}
		out = append(out, kept...)
	case terms.Type.IsRental():
		kept, err := recalcRental(rental, terms)
		if err != nil {
			return nil, err
		}
		out = append(out, kept...)
	}

	if terms.Type.IsPurchase() {
		kept, err := recalcWriteDown(writedown, terms)
		if err != nil {
			return nil, err
		}
		out = append(out, kept...)
	}
	return out, nil
}

func splitByKind(lines []Line) (financing, rental, writedown []Line) {
	for _, l := range lines {
		switch l.Kind {
		case KindFinancingPayment:
			financing = append(financing, l)
		case KindRentalPayment:
			rental = append(rental, l)
		case KindDepreciation, KindAmortization:
			writedown = append(writedown, l)
		}
	}
	sort.Slice(financing, func(i, j int) bool { return financing[i].Seq < financing[j].Seq })
	sort.Slice(rental, func(i, j int) bool { return rental[i].Seq < rental[j].Seq })
	sort.Slice(writedown, func(i, j int) bool { return writedown[i].Seq < writedown[j].Seq })
	return financing, rental, writedown
}

// lastSettledIndex returns the index of the last settled line, or -1.
func lastSettledIndex(lines []Line) int {
	for i := len(lines) - 1; i >= 0; i-- {
		if lines[i].Settled() {
			return i
		}
	}
	return -1
}

func recalcFinancing(lines []Line, terms AcquisitionTerms) ([]Line, error) {
	anchor := lastSettledIndex(lines)
	if anchor < 0 {
		fresh, err := Generate(terms)
		if err != nil {
			return nil, err
		}
		f, _, _ := splitByKind(fresh)
		return f, nil
	}

	kept := append([]Line(nil), lines[:anchor+1]...)
	if terms.Type == AcquisitionOutrightPurchase {
		// A single settled line is the entire schedule.
		return kept, nil
	}

	hasDownPayment := terms.DownPayment.IsPositive()
	keptInstallments := 0
	coveredPrincipal := decimal.Zero
	for _, l := range kept {
		if hasDownPayment && l.Seq == 0 {
			// The down payment is outside the amortized principal.
			continue
		}
		keptInstallments++
		coveredPrincipal = coveredPrincipal.Add(l.Principal)
	}

	step := terms.Frequency.Months()
	totalPeriods := terms.TermMonths / step
	if terms.TermMonths%step != 0 {
		totalPeriods++
	}
	remainingPeriods := totalPeriods - keptInstallments
	if remainingPeriods <= 0 {
		return kept, nil
	}

	remaining := terms.FinancingAmount.Sub(coveredPrincipal)
	if remaining.LessThan(Epsilon.Neg()) {
		return nil, &InconsistentScheduleError{
			Reason: fmt.Sprintf("settled principal %s exceeds financing amount %s", coveredPrincipal, terms.FinancingAmount),
		}
	}
	if !remaining.IsPositive() {
		return kept, nil
	}

	firstSeq := kept[len(kept)-1].Seq + 1
	tail := installmentLines(remaining, terms.InterestRate, remainingPeriods, step,
		dateOnly(terms.FirstPaymentDate), firstSeq, keptInstallments)
	return append(kept, tail...), nil
}

// recalcRental preserves lines through the anchor and re-derives the rest
// from the terms. Rental periods do not depend on prior outcomes, so the
// regenerated tail is simply the generated schedule's lines past the anchor
// sequence.
func recalcRental(lines []Line, terms AcquisitionTerms) ([]Line, error) {
	anchor := lastSettledIndex(lines)
	fresh, err := Generate(terms)
	if err != nil {
		return nil, err
	}
	_, freshRental, _ := splitByKind(fresh)
	if anchor < 0 {
		return freshRental, nil
	}

	kept := append([]Line(nil), lines[:anchor+1]...)
	anchorSeq := lines[anchor].Seq
	for _, l := range freshRental {
		if l.Seq > anchorSeq {
			kept = append(kept, l)
		}
	}
	return kept, nil
}

func recalcWriteDown(lines []Line, terms AcquisitionTerms) ([]Line, error) {
	anchor := -1
	for i := len(lines) - 1; i >= 0; i-- {
		if lines[i].Status == StatusProcessed {
			anchor = i
			break
		}
	}
	if anchor < 0 {
		fresh, err := Generate(terms)
		if err != nil {
			return nil, err
		}
		_, _, freshWriteDown := splitByKind(fresh)
		return freshWriteDown, nil
	}

	kept := append([]Line(nil), lines[:anchor+1]...)
	last := kept[len(kept)-1]
	if last.Remaining.LessThan(terms.SalvageValue.Sub(Epsilon)) {
		return nil, &InconsistentScheduleError{
			Reason: fmt.Sprintf("remaining value %s below salvage %s at entry %d", last.Remaining, terms.SalvageValue, last.Seq),
		}
	}
	if terms.UsefulLifeMonths <= 0 || terms.FirstDepreciationDate.IsZero() {
		return kept, nil
	}

	kind := KindDepreciation
	if terms.Intangible {
		kind = KindAmortization
	}
	tail := writeDownLines(writeDownParams{
		kind:         kind,
		method:       terms.DepreciationMethod,
		cost:         terms.PurchaseCost,
		remaining:    last.Remaining,
		salvage:      terms.SalvageValue,
		lifeMonths:   terms.UsefulLifeMonths,
		entryAnchor:  dateOnly(terms.FirstDepreciationDate),
		periodAnchor: dateOnly(terms.PurchaseDate),
		firstSeq:     last.Seq + 1,
	})
	return append(kept, tail...), nil
}
