package engine

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Dan9191/plot-installments/internal/models"
	"github.com/Dan9191/plot-installments/internal/utils"
)

// Ledger holds the installments of one sale and applies payments to them.
// It works on its own copy; callers persist Installments() afterwards.
type Ledger struct {
	sale         models.Sale
	installments []models.Installment
	index        map[int64]int
}

// NewLedger builds a ledger for sale, ordering installments by sequence.
func NewLedger(sale models.Sale, installments []models.Installment) *Ledger {
	insts := models.CloneInstallments(installments)
	sort.SliceStable(insts, func(i, j int) bool { return insts[i].Sequence < insts[j].Sequence })
	index := make(map[int64]int, len(insts))
	for i, inst := range insts {
		index[inst.ID] = i
	}
	return &Ledger{sale: sale, installments: insts, index: index}
}

// Sale returns the sale the ledger belongs to.
func (l *Ledger) Sale() models.Sale {
	return l.sale
}

// Installments returns a copy of the installments ordered by sequence.
func (l *Ledger) Installments() []models.Installment {
	return models.CloneInstallments(l.installments)
}

// Installment returns a copy of one installment.
func (l *Ledger) Installment(installmentID int64) (models.Installment, error) {
	i, ok := l.index[installmentID]
	if !ok {
		return models.Installment{}, models.NotFoundError("installment %d not found in sale %d", installmentID, l.sale.ID)
	}
	return l.installments[i].Clone(), nil
}

// ApplyPayment records a payment against an installment. The late fee is
// re-accrued as of the payment date first so the state reflects what was
// owed on that day. Partial payments and overpayments are both accepted.
func (l *Ledger) ApplyPayment(installmentID int64, amount decimal.Decimal, date time.Time, method string) (models.Payment, error) {
	if !amount.IsPositive() {
		return models.Payment{}, models.ValidationError("amount", "must be greater than zero, got %s", amount)
	}
	if !amount.Equal(amount.Round(2)) {
		return models.Payment{}, models.ValidationError("amount", "must have at most two decimals, got %s", amount)
	}
	method = strings.ToLower(strings.TrimSpace(method))
	if method == "" {
		return models.Payment{}, models.ValidationError("method", "is required")
	}
	if date.IsZero() {
		return models.Payment{}, models.ValidationError("date", "is required")
	}
	i, ok := l.index[installmentID]
	if !ok {
		return models.Payment{}, models.NotFoundError("installment %d not found in sale %d", installmentID, l.sale.ID)
	}

	inst := AccrueLateFee(l.installments[i], date, l.sale.MoraRate)
	paid := inst.Paid.Add(amount)
	if paid.IsNegative() {
		return models.Payment{}, models.ValidationError("amount", "cumulative paid would be negative (%s)", paid)
	}

	payment := models.Payment{
		ID:            uuid.NewString(),
		InstallmentID: inst.ID,
		SaleID:        l.sale.ID,
		Amount:        amount,
		Date:          utils.DateOnly(date),
		Method:        method,
	}
	inst.Payments = append(inst.Payments, payment)
	inst.Paid = paid
	inst.State = StateOf(inst)
	l.installments[i] = inst

	return payment, nil
}

// OutstandingBalance is amount due plus late fee minus paid, floored at zero,
// using the late fee currently held by the ledger.
func (l *Ledger) OutstandingBalance(installmentID int64) (decimal.Decimal, error) {
	i, ok := l.index[installmentID]
	if !ok {
		return decimal.Zero, models.NotFoundError("installment %d not found in sale %d", installmentID, l.sale.ID)
	}
	return Outstanding(l.installments[i]), nil
}

// AccrueLateFees recomputes every installment's late fee as of asOf.
func (l *Ledger) AccrueLateFees(asOf time.Time) {
	for i := range l.installments {
		l.installments[i] = AccrueLateFee(l.installments[i], asOf, l.sale.MoraRate)
	}
}

// InstallmentsOverdue lists installments due before asOf that still owe money.
func (l *Ledger) InstallmentsOverdue(asOf time.Time) []models.Installment {
	var out []models.Installment
	for _, inst := range l.installments {
		if IsOverdue(inst, asOf) {
			out = append(out, inst.Clone())
		}
	}
	return out
}

// Summary aggregates a schedule as of a date.
type Summary struct {
	Installments       int             `json:"installments"`
	PendingCount       int             `json:"pending_count"`
	PartialCount       int             `json:"partial_count"`
	PaidCount          int             `json:"paid_count"`
	OverdueCount       int             `json:"overdue_count"`
	TotalCapital       decimal.Decimal `json:"total_capital"`
	TotalInterest      decimal.Decimal `json:"total_interest"`
	TotalDiscount      decimal.Decimal `json:"total_discount"`
	TotalLateFees      decimal.Decimal `json:"total_late_fees"`
	TotalPaid          decimal.Decimal `json:"total_paid"`
	TotalOutstanding   decimal.Decimal `json:"total_outstanding"`
	OverdueAmount      decimal.Decimal `json:"overdue_amount"`
	CapitalOutstanding decimal.Decimal `json:"capital_outstanding"`
}

// Summary totals the ledger using the late fees it currently holds.
// CapitalOutstanding is the balance-after of the last fully paid installment
// in sequence order.
func (l *Ledger) Summary(asOf time.Time) Summary {
	s := Summary{
		Installments:       len(l.installments),
		TotalCapital:       decimal.Zero,
		TotalInterest:      decimal.Zero,
		TotalDiscount:      decimal.Zero,
		TotalLateFees:      decimal.Zero,
		TotalPaid:          decimal.Zero,
		TotalOutstanding:   decimal.Zero,
		OverdueAmount:      decimal.Zero,
		CapitalOutstanding: l.sale.FinancedPrincipal,
	}
	settled := true
	for _, inst := range l.installments {
		s.TotalCapital = s.TotalCapital.Add(inst.Capital)
		s.TotalInterest = s.TotalInterest.Add(inst.Interest)
		s.TotalDiscount = s.TotalDiscount.Add(inst.Discount)
		s.TotalLateFees = s.TotalLateFees.Add(inst.LateFee)
		s.TotalPaid = s.TotalPaid.Add(inst.Paid)
		out := Outstanding(inst)
		s.TotalOutstanding = s.TotalOutstanding.Add(out)

		switch StatusAt(inst, asOf) {
		case models.StatusPaid:
			s.PaidCount++
		case models.StatusPartial:
			s.PartialCount++
		case models.StatusOverdue:
			s.OverdueCount++
			s.OverdueAmount = s.OverdueAmount.Add(out)
		default:
			s.PendingCount++
		}

		if settled && StateOf(inst) == models.StatePaid {
			s.CapitalOutstanding = inst.BalanceAfter
		} else {
			settled = false
		}
	}
	return s
}
