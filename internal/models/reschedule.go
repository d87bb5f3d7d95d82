package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AdjustmentKind selects how an adjustment modifies its target installment.
type AdjustmentKind string

const (
	// AdjustCapitalDelta adds a signed amount to the capital; the final
	// installment absorbs the difference.
	AdjustCapitalDelta AdjustmentKind = "capital_delta"
	// AdjustFixedCapital sets the capital to the amount.
	AdjustFixedCapital AdjustmentKind = "fixed_capital"
	// AdjustDiscount forgives part of the amount due; capital is untouched.
	AdjustDiscount AdjustmentKind = "discount"
)

// Adjustment is one itemized modification applied to a regenerated installment
type Adjustment struct {
	Sequence int             `json:"sequence"`
	Kind     AdjustmentKind  `json:"kind"`
	Amount   decimal.Decimal `json:"amount"`
	Note     string          `json:"note,omitempty"`
}

// RescheduleRecord is the audit entry written for every reschedule
type RescheduleRecord struct {
	ID                 string          `json:"id"`
	SaleID             int64           `json:"sale_id"`
	OldTerm            int             `json:"old_term"`
	NewTerm            int             `json:"new_term"`
	OldRate            decimal.Decimal `json:"old_rate"`
	NewRate            decimal.Decimal `json:"new_rate"`
	OldFrequency       Frequency       `json:"old_frequency"`
	NewFrequency       Frequency       `json:"new_frequency"`
	OldMoraRate        decimal.Decimal `json:"old_mora_rate"`
	NewMoraRate        decimal.Decimal `json:"new_mora_rate"`
	FromSequence       int             `json:"from_sequence"`
	RescheduledCapital decimal.Decimal `json:"rescheduled_capital"`
	NewFirstDueDate    time.Time       `json:"new_first_due_date"`
	Adjustments        []Adjustment    `json:"adjustments"`
	Actor              string          `json:"actor"`
	Note               string          `json:"note,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}
