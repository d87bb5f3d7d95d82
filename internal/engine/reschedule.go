package engine

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Dan9191/plot-installments/internal/models"
)

// RescheduleTerms are the new parameters for the unpaid tail of a sale.
type RescheduleTerms struct {
	Term       int
	AnnualRate decimal.Decimal
	Frequency  models.Frequency
	// FirstDueDate of the regenerated tail. Zero means one period after the
	// last kept installment, or the sale's first due date when none is kept.
	FirstDueDate time.Time
	// MoraRate replaces the sale's late-fee rate when set.
	MoraRate *decimal.Decimal
	Note     string
}

// RescheduleResult is everything a reschedule produces. Nothing is persisted
// by the engine.
type RescheduleResult struct {
	Sale         models.Sale
	Kept         []models.Installment
	Replaced     []models.Installment
	New          []models.Installment
	Installments []models.Installment
	Record       models.RescheduleRecord
}

// FromSequence is the first regenerated sequence number.
func (r RescheduleResult) FromSequence() int {
	return len(r.Kept) + 1
}

// Reschedule re-amortizes the unpaid tail of a sale. The tail is the longest
// run of trailing installments without any payment; everything before it is
// kept exactly as it is. The tail's capital is amortized again with terms,
// adjustments are applied in order, and the whole set is reconciled and
// verified before being returned.
func Reschedule(
	sale models.Sale,
	installments []models.Installment,
	terms RescheduleTerms,
	adjustments []models.Adjustment,
	actor string,
	now time.Time,
) (RescheduleResult, error) {
	insts := models.CloneInstallments(installments)
	sort.SliceStable(insts, func(i, j int) bool { return insts[i].Sequence < insts[j].Sequence })

	split := len(insts)
	for split > 0 && !insts[split-1].HasPayments() {
		split--
	}
	kept, tail := insts[:split], insts[split:]

	capital := decimal.Zero
	for _, inst := range tail {
		capital = capital.Add(inst.Capital)
	}
	if len(tail) == 0 || !capital.IsPositive() {
		return RescheduleResult{}, models.ConflictError("sale %d has no unpaid capital to reschedule", sale.ID)
	}
	expected := sale.FinancedPrincipal
	if split > 0 {
		expected = kept[split-1].BalanceAfter
	}
	if !capital.Equal(expected) {
		return RescheduleResult{}, models.IntegrityError(
			"sale %d: unpaid capital %s does not match balance %s after installment %d",
			sale.ID, capital, expected, split)
	}

	if _, err := PeriodsPerYear(terms.Frequency); err != nil {
		return RescheduleResult{}, err
	}
	if terms.MoraRate != nil && terms.MoraRate.IsNegative() {
		return RescheduleResult{}, models.ValidationError("mora_rate", "must not be negative, got %s", *terms.MoraRate)
	}
	first, err := tailFirstDueDate(sale, kept, terms)
	if err != nil {
		return RescheduleResult{}, err
	}

	newTail, err := ComputeSchedule(capital, terms.AnnualRate, terms.Term, terms.Frequency, first)
	if err != nil {
		return RescheduleResult{}, err
	}
	for i := range newTail {
		newTail[i].SaleID = sale.ID
		newTail[i].Sequence += split
		newTail[i].CreatedAt = now
		newTail[i].UpdatedAt = now
	}

	if err := applyAdjustments(newTail, split, capital, adjustments); err != nil {
		return RescheduleResult{}, err
	}

	all := append(models.CloneInstallments(kept), newTail...)
	reconciled, err := Reconcile(sale.FinancedPrincipal, all)
	if err != nil {
		return RescheduleResult{}, err
	}
	for i := range kept {
		if !sameHistory(kept[i], reconciled[i]) {
			return RescheduleResult{}, models.IntegrityError("sale %d: installment %d with payments was modified", sale.ID, kept[i].Sequence)
		}
	}

	next := sale
	next.Term = len(reconciled)
	next.AnnualRate = terms.AnnualRate
	next.Frequency = terms.Frequency
	if terms.MoraRate != nil {
		next.MoraRate = *terms.MoraRate
	}
	if split == 0 {
		next.FirstDueDate = first
	}
	next.UpdatedAt = now

	if err := Verify(next, reconciled); err != nil {
		return RescheduleResult{}, err
	}

	if strings.TrimSpace(actor) == "" {
		actor = "system"
	}
	record := models.RescheduleRecord{
		ID:                 uuid.NewString(),
		SaleID:             sale.ID,
		OldTerm:            sale.Term,
		NewTerm:            next.Term,
		OldRate:            sale.AnnualRate,
		NewRate:            next.AnnualRate,
		OldFrequency:       sale.Frequency,
		NewFrequency:       next.Frequency,
		OldMoraRate:        sale.MoraRate,
		NewMoraRate:        next.MoraRate,
		FromSequence:       split + 1,
		RescheduledCapital: capital,
		NewFirstDueDate:    first,
		Adjustments:        append([]models.Adjustment(nil), adjustments...),
		Actor:              actor,
		Note:               terms.Note,
		CreatedAt:          now,
	}

	return RescheduleResult{
		Sale:         next,
		Kept:         models.CloneInstallments(reconciled[:split]),
		Replaced:     models.CloneInstallments(tail),
		New:          models.CloneInstallments(reconciled[split:]),
		Installments: reconciled,
		Record:       record,
	}, nil
}

func tailFirstDueDate(sale models.Sale, kept []models.Installment, terms RescheduleTerms) (time.Time, error) {
	if len(kept) == 0 {
		if terms.FirstDueDate.IsZero() {
			return sale.FirstDueDate, nil
		}
		return terms.FirstDueDate, nil
	}
	lastDue := kept[len(kept)-1].DueDate
	if terms.FirstDueDate.IsZero() {
		return Advance(lastDue, terms.Frequency, 1)
	}
	if !terms.FirstDueDate.After(lastDue) {
		return time.Time{}, models.ValidationError("first_due_date",
			"must be after %s, the due date of the last installment with payments", lastDue.Format("2006-01-02"))
	}
	return terms.FirstDueDate, nil
}

// applyAdjustments modifies the regenerated tail in place. offset is the
// number of kept installments; capital is what the tail must still carry.
func applyAdjustments(tail []models.Installment, offset int, capital decimal.Decimal, adjustments []models.Adjustment) error {
	last := len(tail) - 1
	for n, adj := range adjustments {
		if adj.Sequence >= 1 && adj.Sequence <= offset {
			return models.ConflictError("adjustment %d: installment %d has payments and cannot be modified", n+1, adj.Sequence)
		}
		idx := adj.Sequence - offset - 1
		if idx < 0 || idx > last {
			return models.ValidationError("adjustments", "adjustment %d targets unknown installment %d", n+1, adj.Sequence)
		}
		inst := &tail[idx]

		switch adj.Kind {
		case models.AdjustCapitalDelta, models.AdjustFixedCapital:
			if idx == last {
				return models.ValidationError("adjustments",
					"adjustment %d: the final installment absorbs capital drift and cannot be targeted by %s", n+1, adj.Kind)
			}
			newCapital := inst.Capital.Add(adj.Amount)
			if adj.Kind == models.AdjustFixedCapital {
				if adj.Amount.IsNegative() {
					return models.ValidationError("adjustments", "adjustment %d: fixed capital must not be negative", n+1)
				}
				newCapital = adj.Amount
			}
			if newCapital.IsNegative() {
				return models.ConflictError("adjustment %d would make installment %d capital negative (%s)",
					n+1, adj.Sequence, newCapital)
			}
			inst.Capital = newCapital.Round(2)
		case models.AdjustDiscount:
			if !adj.Amount.IsPositive() {
				return models.ValidationError("adjustments", "adjustment %d: discount must be positive", n+1)
			}
			inst.Discount = inst.Discount.Add(adj.Amount).Round(2)
		default:
			return models.ValidationError("adjustments", "adjustment %d: unknown kind %q", n+1, adj.Kind)
		}

		inst.Amount = inst.Capital.Add(inst.Interest).Sub(inst.Discount)
		if inst.Amount.IsNegative() {
			return models.ConflictError("adjustment %d: discount on installment %d exceeds its capital and interest", n+1, adj.Sequence)
		}
		inst.State = StateOf(*inst)
	}

	carried := decimal.Zero
	for _, inst := range tail[:last] {
		carried = carried.Add(inst.Capital)
	}
	final := &tail[last]
	if remaining := capital.Sub(carried); remaining.IsNegative() {
		return models.ConflictError("adjustments leave negative capital %s for final installment %d", remaining, final.Sequence)
	} else if final.Interest.Add(remaining).LessThan(final.Discount) {
		return models.ConflictError("discount on final installment %d exceeds its capital and interest", final.Sequence)
	}
	return nil
}

func sameHistory(a, b models.Installment) bool {
	return a.Sequence == b.Sequence &&
		a.Capital.Equal(b.Capital) &&
		a.Interest.Equal(b.Interest) &&
		a.Discount.Equal(b.Discount) &&
		a.Amount.Equal(b.Amount) &&
		a.Paid.Equal(b.Paid) &&
		a.LateFee.Equal(b.LateFee) &&
		a.State == b.State &&
		len(a.Payments) == len(b.Payments)
}
