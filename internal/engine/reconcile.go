package engine

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/Dan9191/plot-installments/internal/models"
)

// Reconcile recomputes the capital balance chain left to right starting at
// totalFinancedCapital. The final installment's capital absorbs any drift so
// that its balance-after is exactly zero; its amount due follows.
//
// This is the only place that writes balance fields. Running it on an
// already reconciled schedule returns the same values.
func Reconcile(totalFinancedCapital decimal.Decimal, installments []models.Installment) ([]models.Installment, error) {
	out := models.CloneInstallments(installments)
	if len(out) == 0 {
		if !totalFinancedCapital.IsZero() {
			return nil, models.IntegrityError("no installments to carry capital %s", totalFinancedCapital)
		}
		return out, nil
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })

	balance := totalFinancedCapital
	last := len(out) - 1
	for i := range out {
		inst := &out[i]
		inst.BalanceBefore = balance

		if i == last && !inst.Capital.Equal(balance) {
			if inst.HasPayments() {
				return nil, models.IntegrityError(
					"final installment %d has payments; cannot move capital from %s to %s",
					inst.Sequence, inst.Capital, balance)
			}
			if balance.IsNegative() {
				return nil, models.IntegrityError(
					"final installment %d would carry negative capital %s", inst.Sequence, balance)
			}
			inst.Capital = balance
			inst.Amount = inst.Capital.Add(inst.Interest).Sub(inst.Discount)
			inst.State = StateOf(*inst)
		}

		balance = balance.Sub(inst.Capital)
		inst.BalanceAfter = balance
	}

	return out, nil
}

// Verify checks every schedule invariant of a sale. A failure is an
// IntegrityError and must abort the enclosing transaction.
func Verify(sale models.Sale, installments []models.Installment) error {
	if sale.FinancedPrincipal.IsNegative() {
		return models.IntegrityError("sale %d: financed principal %s is negative", sale.ID, sale.FinancedPrincipal)
	}
	if len(installments) != sale.Term {
		return models.IntegrityError("sale %d: %d installments for term %d", sale.ID, len(installments), sale.Term)
	}

	sum := decimal.Zero
	prevAfter := sale.FinancedPrincipal
	for i, inst := range installments {
		if inst.Sequence != i+1 {
			return models.IntegrityError("sale %d: expected sequence %d, got %d", sale.ID, i+1, inst.Sequence)
		}
		if !inst.BalanceBefore.Equal(prevAfter) {
			return models.IntegrityError("sale %d: installment %d balance-before %s does not match previous balance-after %s",
				sale.ID, inst.Sequence, inst.BalanceBefore, prevAfter)
		}
		if !inst.BalanceAfter.Equal(inst.BalanceBefore.Sub(inst.Capital)) {
			return models.IntegrityError("sale %d: installment %d balance-after %s != %s - %s",
				sale.ID, inst.Sequence, inst.BalanceAfter, inst.BalanceBefore, inst.Capital)
		}
		if !inst.Amount.Equal(inst.Capital.Add(inst.Interest).Sub(inst.Discount)) {
			return models.IntegrityError("sale %d: installment %d amount %s != capital %s + interest %s - discount %s",
				sale.ID, inst.Sequence, inst.Amount, inst.Capital, inst.Interest, inst.Discount)
		}
		for name, v := range map[string]decimal.Decimal{
			"capital": inst.Capital, "interest": inst.Interest, "discount": inst.Discount,
			"amount": inst.Amount, "late fee": inst.LateFee, "paid": inst.Paid,
		} {
			if v.IsNegative() {
				return models.IntegrityError("sale %d: installment %d has negative %s %s", sale.ID, inst.Sequence, name, v)
			}
		}
		if inst.State != StateOf(inst) {
			return models.IntegrityError("sale %d: installment %d state %s does not match payments", sale.ID, inst.Sequence, inst.State)
		}
		paid := decimal.Zero
		for _, p := range inst.Payments {
			paid = paid.Add(p.Amount)
		}
		if !paid.Equal(inst.Paid) {
			return models.IntegrityError("sale %d: installment %d paid %s but payments sum to %s", sale.ID, inst.Sequence, inst.Paid, paid)
		}
		sum = sum.Add(inst.Capital)
		prevAfter = inst.BalanceAfter
	}

	if !sum.Equal(sale.FinancedPrincipal) {
		return models.IntegrityError("sale %d: capital sums to %s, financed principal is %s", sale.ID, sum, sale.FinancedPrincipal)
	}
	if len(installments) > 0 && !prevAfter.IsZero() {
		return models.IntegrityError("sale %d: final balance is %s, expected 0", sale.ID, prevAfter)
	}
	return nil
}
