package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/Dan9191/plot-installments/internal/models"
	"github.com/Dan9191/plot-installments/internal/utils"
)

// daysPerYear is the day-count basis for mora.
var daysPerYear = decimal.NewFromInt(365)

// AccrueLateFee recomputes the installment's late fee as of asOf and returns
// the updated copy. The fee replaces any stored value:
//
//	lateFee = (amount - paid) * rate/365/100 * daysOverdue
//
// It is zero when the due date is not before asOf. When payments already
// cover the amount the stored fee is kept. The stored payment state is
// re-derived from the new fee.
func AccrueLateFee(inst models.Installment, asOf time.Time, annualMoraRatePercent decimal.Decimal) models.Installment {
	out := inst.Clone()
	out.LateFee = LateFeeFor(inst, asOf, annualMoraRatePercent)
	out.State = StateOf(out)
	return out
}

// LateFeeFor computes the late fee without modifying inst. Once payments
// cover the amount due the clock stops: the fee accrued when the covering
// payment was applied is kept until it is paid.
func LateFeeFor(inst models.Installment, asOf time.Time, annualMoraRatePercent decimal.Decimal) decimal.Decimal {
	days := utils.DaysBetween(inst.DueDate, asOf)
	if days <= 0 {
		return decimal.Zero
	}
	base := principalEquivalent(inst)
	if !base.IsPositive() {
		if inst.HasPayments() {
			return inst.LateFee
		}
		return decimal.Zero
	}
	if !annualMoraRatePercent.IsPositive() {
		return decimal.Zero
	}
	return base.
		Mul(annualMoraRatePercent).
		Mul(decimal.NewFromInt(int64(days))).
		Div(daysPerYear.Mul(hundred)).
		Round(2)
}
