package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentState is the stored payment state of an installment
type PaymentState string

const (
	StatePending PaymentState = "PENDING"
	StatePartial PaymentState = "PARTIAL"
	StatePaid    PaymentState = "PAID"
)

// Status is the read-time classification of an installment. It is never
// stored; OVERDUE only exists relative to an as-of date.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusPartial Status = "PARTIAL"
	StatusPaid    Status = "PAID"
	StatusOverdue Status = "OVERDUE"
)

// Installment represents one scheduled payment obligation of a sale
type Installment struct {
	ID            int64           `json:"id"`
	SaleID        int64           `json:"sale_id"`
	Sequence      int             `json:"sequence"`
	DueDate       time.Time       `json:"due_date"`
	Amount        decimal.Decimal `json:"amount"` // capital + interest - discount
	Capital       decimal.Decimal `json:"capital"`
	Interest      decimal.Decimal `json:"interest"`
	Discount      decimal.Decimal `json:"discount"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	LateFee       decimal.Decimal `json:"late_fee"`
	Paid          decimal.Decimal `json:"paid"`
	State         PaymentState    `json:"state"`
	Payments      []Payment       `json:"payments"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// TotalDue is the amount due plus the accrued late fee.
func (i Installment) TotalDue() decimal.Decimal {
	return i.Amount.Add(i.LateFee)
}

// HasPayments reports whether any money was ever applied to the installment.
func (i Installment) HasPayments() bool {
	return len(i.Payments) > 0 || i.Paid.IsPositive()
}

// Overpayment is what was paid beyond the amount due and late fee.
func (i Installment) Overpayment() decimal.Decimal {
	over := i.Paid.Sub(i.TotalDue())
	if over.IsNegative() {
		return decimal.Zero
	}
	return over
}

// Clone returns a copy that shares no slices with i.
func (i Installment) Clone() Installment {
	out := i
	if i.Payments != nil {
		out.Payments = make([]Payment, len(i.Payments))
		copy(out.Payments, i.Payments)
	}
	return out
}

// CloneInstallments deep-copies a schedule.
func CloneInstallments(in []Installment) []Installment {
	if in == nil {
		return nil
	}
	out := make([]Installment, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}
	return out
}
