package schedule

import (
	"fmt"
	"strings"
)

// Subsystem names used in mutation-guard errors.
const (
	SubsystemFinancing    = "financing"
	SubsystemRental       = "rental"
	SubsystemDepreciation = "depreciation"
)

// LockedFieldError reports an attempt to change acquisition terms that are
// frozen because settled schedule lines depend on them.
type LockedFieldError struct {
	Subsystem string
	Fields    []string
}

func (e *LockedFieldError) Error() string {
	return fmt.Sprintf("schedule: %s terms are locked by settled schedule lines, cannot change %s",
		e.Subsystem, strings.Join(e.Fields, ", "))
}

// termField is one guarded field: its name and whether it differs between two
// term sets.
type termField struct {
	name    string
	changed func(old, new AcquisitionTerms) bool
}

var financingFields = []termField{
	{"type", func(o, n AcquisitionTerms) bool { return o.Type != n.Type }},
	{"purchase_date", func(o, n AcquisitionTerms) bool { return !dateOnly(o.PurchaseDate).Equal(dateOnly(n.PurchaseDate)) }},
	{"purchase_cost", func(o, n AcquisitionTerms) bool { return !o.PurchaseCost.Equal(n.PurchaseCost) }},
	{"down_payment", func(o, n AcquisitionTerms) bool { return !o.DownPayment.Equal(n.DownPayment) }},
	{"financing_amount", func(o, n AcquisitionTerms) bool { return !o.FinancingAmount.Equal(n.FinancingAmount) }},
	{"interest_rate", func(o, n AcquisitionTerms) bool { return !o.InterestRate.Equal(n.InterestRate) }},
	{"term_months", func(o, n AcquisitionTerms) bool { return o.TermMonths != n.TermMonths }},
	{"first_payment_date", func(o, n AcquisitionTerms) bool {
		return !dateOnly(o.FirstPaymentDate).Equal(dateOnly(n.FirstPaymentDate))
	}},
	{"payment_frequency", func(o, n AcquisitionTerms) bool { return o.Frequency != n.Frequency }},
}

var rentalFields = []termField{
	{"type", func(o, n AcquisitionTerms) bool { return o.Type != n.Type }},
	{"rental_amount", func(o, n AcquisitionTerms) bool { return !o.RentalAmount.Equal(n.RentalAmount) }},
	{"rental_start_date", func(o, n AcquisitionTerms) bool {
		return !dateOnly(o.RentalStartDate).Equal(dateOnly(n.RentalStartDate))
	}},
	{"rental_end_date", func(o, n AcquisitionTerms) bool {
		return !dateOnly(o.RentalEndDate).Equal(dateOnly(n.RentalEndDate))
	}},
	{"payment_frequency", func(o, n AcquisitionTerms) bool { return o.Frequency != n.Frequency }},
}

var depreciationFields = []termField{
	{"purchase_cost", func(o, n AcquisitionTerms) bool { return !o.PurchaseCost.Equal(n.PurchaseCost) }},
	{"depreciation_method", func(o, n AcquisitionTerms) bool { return o.DepreciationMethod != n.DepreciationMethod }},
	{"useful_life_months", func(o, n AcquisitionTerms) bool { return o.UsefulLifeMonths != n.UsefulLifeMonths }},
	{"salvage_value", func(o, n AcquisitionTerms) bool { return !o.SalvageValue.Equal(n.SalvageValue) }},
	{"first_depreciation_date", func(o, n AcquisitionTerms) bool {
		return !dateOnly(o.FirstDepreciationDate).Equal(dateOnly(n.FirstDepreciationDate))
	}},
	{"intangible", func(o, n AcquisitionTerms) bool { return o.Intangible != n.Intangible }},
}

// CanMutateTerms reports whether newTerms may replace oldTerms given the
// current schedule lines. A subsystem locks once any of its lines is settled:
// a paid or partially paid financing/rental line, or a processed
// depreciation entry. The returned slice names every locked field the caller
// attempted to change; it is empty when the mutation is allowed.
//
// Fields outside the locked subsystems stay freely editable, so notes,
// master-data attributes and the terms of an untouched subsystem can change
// even on an asset with settled lines elsewhere.
func CanMutateTerms(existing []Line, oldTerms, newTerms AcquisitionTerms) (bool, []string) {
	err := CheckMutable(existing, oldTerms, newTerms)
	if err == nil {
		return true, nil
	}
	return false, err.Fields
}

// CheckMutable is CanMutateTerms with the full error, naming the blocking
// subsystem.
func CheckMutable(existing []Line, oldTerms, newTerms AcquisitionTerms) *LockedFieldError {
	var financingSettled, rentalSettled, depreciationProcessed bool
	for _, l := range existing {
		switch l.Kind {
		case KindFinancingPayment:
			financingSettled = financingSettled || l.Settled()
		case KindRentalPayment:
			rentalSettled = rentalSettled || l.Settled()
		case KindDepreciation, KindAmortization:
			depreciationProcessed = depreciationProcessed || l.Status == StatusProcessed
		}
	}

	if financingSettled {
		if fields := changedFields(financingFields, oldTerms, newTerms); len(fields) > 0 {
			return &LockedFieldError{Subsystem: SubsystemFinancing, Fields: fields}
		}
	}
	if rentalSettled {
		if fields := changedFields(rentalFields, oldTerms, newTerms); len(fields) > 0 {
			return &LockedFieldError{Subsystem: SubsystemRental, Fields: fields}
		}
	}
	if depreciationProcessed {
		if fields := changedFields(depreciationFields, oldTerms, newTerms); len(fields) > 0 {
			return &LockedFieldError{Subsystem: SubsystemDepreciation, Fields: fields}
		}
	}
	return nil
}

func changedFields(fields []termField, oldTerms, newTerms AcquisitionTerms) []string {
	var changed []string
	for _, f := range fields {
		if f.changed(oldTerms, newTerms) {
			changed = append(changed, f.name)
		}
	}
	return changed
}
