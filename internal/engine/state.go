package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/Dan9191/plot-installments/internal/models"
	"github.com/Dan9191/plot-installments/internal/utils"
)

// StateOf derives the stored payment state from what was paid against the
// amount due plus accrued late fee. An installment with nothing due is PAID.
func StateOf(inst models.Installment) models.PaymentState {
	due := inst.TotalDue()
	switch {
	case !due.IsPositive(), inst.Paid.GreaterThanOrEqual(due):
		return models.StatePaid
	case !inst.Paid.IsPositive():
		return models.StatePending
	default:
		return models.StatePartial
	}
}

// Outstanding is amount due plus late fee minus paid, floored at zero.
func Outstanding(inst models.Installment) decimal.Decimal {
	out := inst.TotalDue().Sub(inst.Paid)
	if out.IsNegative() {
		return decimal.Zero
	}
	return out
}

// principalEquivalent is the unpaid part of the amount due, ignoring late fees.
// Mora accrues on this base only.
func principalEquivalent(inst models.Installment) decimal.Decimal {
	out := inst.Amount.Sub(inst.Paid)
	if out.IsNegative() {
		return decimal.Zero
	}
	return out
}

// IsOverdue reports whether the installment's due date is before asOf and
// something is still owed. This is the only definition of overdue.
func IsOverdue(inst models.Installment, asOf time.Time) bool {
	return utils.DateOnly(inst.DueDate).Before(utils.DateOnly(asOf)) && Outstanding(inst).IsPositive()
}

// StatusAt layers OVERDUE on top of the stored state.
func StatusAt(inst models.Installment, asOf time.Time) models.Status {
	state := StateOf(inst)
	if state != models.StatePaid && IsOverdue(inst, asOf) {
		return models.StatusOverdue
	}
	return models.Status(state)
}
