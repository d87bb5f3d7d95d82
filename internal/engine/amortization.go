package engine

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Dan9191/plot-installments/internal/models"
)

var hundred = decimal.NewFromInt(100)

// PeriodicRate converts an annual nominal percentage into the per-period
// fraction for f (12% monthly -> 0.01).
func PeriodicRate(annualRatePercent decimal.Decimal, f models.Frequency) (decimal.Decimal, error) {
	periods, err := PeriodsPerYear(f)
	if err != nil {
		return decimal.Zero, err
	}
	return annualRatePercent.Div(decimal.NewFromInt(int64(periods))).Div(hundred), nil
}

// LevelPayment is the French (equal installment) payment for principal over
// termCount periods at periodic rate r, rounded to cents. With r == 0 it is
// the even split of the principal.
//
//	payment = P * r * (1+r)^n / ((1+r)^n - 1)
func LevelPayment(principal, r decimal.Decimal, termCount int) decimal.Decimal {
	if termCount <= 0 {
		return decimal.Zero
	}
	if r.IsZero() {
		return principal.Div(decimal.NewFromInt(int64(termCount))).Round(2)
	}
	// The power runs in float64; money goes back to decimal before rounding.
	rf := r.InexactFloat64()
	factor := math.Pow(1+rf, float64(termCount))
	payment := principal.InexactFloat64() * rf * factor / (factor - 1)
	return decimal.NewFromFloat(payment).Round(2)
}

// ComputeSchedule builds the installment schedule for a financed principal.
// Installments are numbered from 1, carry their balance chain and are in
// PENDING state. Every amount is rounded to cents as it is produced and the
// last installment takes whatever capital is left, so the schedule always
// ends at a zero balance.
func ComputeSchedule(
	principal decimal.Decimal,
	annualRatePercent decimal.Decimal,
	termCount int,
	frequency models.Frequency,
	firstDueDate time.Time,
) ([]models.Installment, error) {
	if principal.IsNegative() {
		return nil, models.ValidationError("principal", "must not be negative, got %s", principal)
	}
	if termCount <= 0 {
		return nil, models.ValidationError("term", "must be positive, got %d", termCount)
	}
	if annualRatePercent.IsNegative() {
		return nil, models.ValidationError("annual_rate", "must not be negative, got %s", annualRatePercent)
	}
	if firstDueDate.IsZero() {
		return nil, models.ValidationError("first_due_date", "is required")
	}
	r, err := PeriodicRate(annualRatePercent, frequency)
	if err != nil {
		return nil, err
	}

	principal = principal.Round(2)
	payment := LevelPayment(principal, r, termCount)

	schedule := make([]models.Installment, 0, termCount)
	balance := principal
	for seq := 1; seq <= termCount; seq++ {
		due, err := Advance(firstDueDate, frequency, seq-1)
		if err != nil {
			return nil, err
		}

		interest := balance.Mul(r).Round(2)
		capital := payment
		if !r.IsZero() {
			capital = payment.Sub(interest)
		}
		if seq == termCount || capital.GreaterThan(balance) {
			capital = balance
		}
		if capital.IsNegative() {
			capital = decimal.Zero
		}

		before := balance
		balance = balance.Sub(capital)

		inst := models.Installment{
			Sequence:      seq,
			DueDate:       due,
			Capital:       capital,
			Interest:      interest,
			Discount:      decimal.Zero,
			Amount:        capital.Add(interest),
			BalanceBefore: before,
			BalanceAfter:  balance,
			LateFee:       decimal.Zero,
			Paid:          decimal.Zero,
		}
		inst.State = StateOf(inst)
		schedule = append(schedule, inst)
	}

	return schedule, nil
}
