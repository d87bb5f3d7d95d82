package handler

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/Dan9191/plot-installments/internal/engine"
	"github.com/Dan9191/plot-installments/internal/models"
	"github.com/Dan9191/plot-installments/internal/service"
	"github.com/Dan9191/plot-installments/internal/utils"
)

type createSaleRequest struct {
	Kind         string           `json:"kind"`
	UnitRef      string           `json:"unit_ref"`
	CustomerRef  string           `json:"customer_ref"`
	Price        decimal.Decimal  `json:"price"`
	DownPayment  decimal.Decimal  `json:"down_payment"`
	AnnualRate   decimal.Decimal  `json:"annual_rate"`
	Frequency    string           `json:"frequency"`
	Term         int              `json:"term"`
	FirstDueDate string           `json:"first_due_date"`
	MoraRate     *decimal.Decimal `json:"mora_rate"`
}

type paymentRequest struct {
	Amount          decimal.Decimal `json:"amount"`
	Date            string          `json:"date"`
	Method          string          `json:"method"`
	ExpectedVersion *int            `json:"expected_version"`
}

type rescheduleRequest struct {
	Term            int                 `json:"term"`
	AnnualRate      *decimal.Decimal    `json:"annual_rate"`
	Frequency       string              `json:"frequency"`
	FirstDueDate    string              `json:"first_due_date"`
	MoraRate        *decimal.Decimal    `json:"mora_rate"`
	Note            string              `json:"note"`
	Adjustments     []models.Adjustment `json:"adjustments"`
	ExpectedVersion *int                `json:"expected_version"`
}

type saleResponse struct {
	ID                int64  `json:"id"`
	Kind              string `json:"kind"`
	UnitRef           string `json:"unit_ref"`
	CustomerRef       string `json:"customer_ref,omitempty"`
	Price             string `json:"price"`
	DownPayment       string `json:"down_payment"`
	FinancedPrincipal string `json:"financed_principal"`
	AnnualRate        string `json:"annual_rate"`
	Frequency         string `json:"frequency"`
	Term              int    `json:"term"`
	FirstDueDate      string `json:"first_due_date"`
	MoraRate          string `json:"mora_rate"`
	Version           int    `json:"version"`
	CreatedAt         string `json:"created_at"`
	UpdatedAt         string `json:"updated_at"`
}

type paymentResponse struct {
	ID            string `json:"id"`
	InstallmentID int64  `json:"installment_id"`
	Amount        string `json:"amount"`
	Date          string `json:"date"`
	Method        string `json:"method"`
	RecordedAt    string `json:"recorded_at"`
}

type installmentResponse struct {
	ID            int64             `json:"id"`
	Sequence      int               `json:"sequence"`
	DueDate       string            `json:"due_date"`
	Amount        string            `json:"amount"`
	Capital       string            `json:"capital"`
	Interest      string            `json:"interest"`
	Discount      string            `json:"discount"`
	BalanceBefore string            `json:"balance_before"`
	BalanceAfter  string            `json:"balance_after"`
	LateFee       string            `json:"late_fee"`
	Paid          string            `json:"paid"`
	Outstanding   string            `json:"outstanding"`
	Overpayment   string            `json:"overpayment"`
	State         string            `json:"state"`
	Status        string            `json:"status"`
	Payments      []paymentResponse `json:"payments"`
}

type summaryResponse struct {
	Installments       int    `json:"installments"`
	PendingCount       int    `json:"pending_count"`
	PartialCount       int    `json:"partial_count"`
	PaidCount          int    `json:"paid_count"`
	OverdueCount       int    `json:"overdue_count"`
	TotalCapital       string `json:"total_capital"`
	TotalInterest      string `json:"total_interest"`
	TotalDiscount      string `json:"total_discount"`
	TotalLateFees      string `json:"total_late_fees"`
	TotalPaid          string `json:"total_paid"`
	TotalOutstanding   string `json:"total_outstanding"`
	OverdueAmount      string `json:"overdue_amount"`
	CapitalOutstanding string `json:"capital_outstanding"`
}

type scheduleResponse struct {
	Sale         saleResponse          `json:"sale"`
	AsOf         string                `json:"as_of"`
	Installments []installmentResponse `json:"installments"`
	Summary      summaryResponse       `json:"summary"`
}

type receiptResponse struct {
	Payment     paymentResponse     `json:"payment"`
	SaleID      int64               `json:"sale_id"`
	SaleVersion int                 `json:"sale_version"`
	Installment installmentResponse `json:"installment"`
}

type adjustmentResponse struct {
	Sequence int    `json:"sequence"`
	Kind     string `json:"kind"`
	Amount   string `json:"amount"`
	Note     string `json:"note,omitempty"`
}

type rescheduleRecordResponse struct {
	ID                 string               `json:"id"`
	SaleID             int64                `json:"sale_id"`
	OldTerm            int                  `json:"old_term"`
	NewTerm            int                  `json:"new_term"`
	OldRate            string               `json:"old_rate"`
	NewRate            string               `json:"new_rate"`
	OldFrequency       string               `json:"old_frequency"`
	NewFrequency       string               `json:"new_frequency"`
	OldMoraRate        string               `json:"old_mora_rate"`
	NewMoraRate        string               `json:"new_mora_rate"`
	FromSequence       int                  `json:"from_sequence"`
	RescheduledCapital string               `json:"rescheduled_capital"`
	NewFirstDueDate    string               `json:"new_first_due_date"`
	Adjustments        []adjustmentResponse `json:"adjustments"`
	Actor              string               `json:"actor"`
	Note               string               `json:"note,omitempty"`
	CreatedAt          string               `json:"created_at"`
}

type rescheduleResponse struct {
	Record   rescheduleRecordResponse `json:"record"`
	Schedule scheduleResponse         `json:"schedule"`
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toSale(s models.Sale) saleResponse {
	return saleResponse{
		ID:                s.ID,
		Kind:              string(s.Kind),
		UnitRef:           s.UnitRef,
		CustomerRef:       s.CustomerRef,
		Price:             money(s.Price),
		DownPayment:       money(s.DownPayment),
		FinancedPrincipal: money(s.FinancedPrincipal),
		AnnualRate:        s.AnnualRate.String(),
		Frequency:         string(s.Frequency),
		Term:              s.Term,
		FirstDueDate:      utils.FormatDate(s.FirstDueDate),
		MoraRate:          s.MoraRate.String(),
		Version:           s.Version,
		CreatedAt:         timestamp(s.CreatedAt),
		UpdatedAt:         timestamp(s.UpdatedAt),
	}
}

func toPayment(p models.Payment) paymentResponse {
	return paymentResponse{
		ID:            p.ID,
		InstallmentID: p.InstallmentID,
		Amount:        money(p.Amount),
		Date:          utils.FormatDate(p.Date),
		Method:        p.Method,
		RecordedAt:    timestamp(p.CreatedAt),
	}
}

func toInstallment(si service.ScheduledInstallment) installmentResponse {
	out := installmentResponse{
		ID:            si.ID,
		Sequence:      si.Sequence,
		DueDate:       utils.FormatDate(si.DueDate),
		Amount:        money(si.Amount),
		Capital:       money(si.Capital),
		Interest:      money(si.Interest),
		Discount:      money(si.Discount),
		BalanceBefore: money(si.BalanceBefore),
		BalanceAfter:  money(si.BalanceAfter),
		LateFee:       money(si.LateFee),
		Paid:          money(si.Paid),
		Outstanding:   money(si.Outstanding),
		Overpayment:   money(si.Overpayment),
		State:         string(si.State),
		Status:        string(si.Status),
		Payments:      make([]paymentResponse, 0, len(si.Payments)),
	}
	for _, p := range si.Payments {
		out.Payments = append(out.Payments, toPayment(p))
	}
	return out
}

func toInstallments(in []service.ScheduledInstallment) []installmentResponse {
	out := make([]installmentResponse, 0, len(in))
	for _, si := range in {
		out = append(out, toInstallment(si))
	}
	return out
}

func toSummary(s engine.Summary) summaryResponse {
	return summaryResponse{
		Installments:       s.Installments,
		PendingCount:       s.PendingCount,
		PartialCount:       s.PartialCount,
		PaidCount:          s.PaidCount,
		OverdueCount:       s.OverdueCount,
		TotalCapital:       money(s.TotalCapital),
		TotalInterest:      money(s.TotalInterest),
		TotalDiscount:      money(s.TotalDiscount),
		TotalLateFees:      money(s.TotalLateFees),
		TotalPaid:          money(s.TotalPaid),
		TotalOutstanding:   money(s.TotalOutstanding),
		OverdueAmount:      money(s.OverdueAmount),
		CapitalOutstanding: money(s.CapitalOutstanding),
	}
}

func toSchedule(s *service.Schedule) scheduleResponse {
	return scheduleResponse{
		Sale:         toSale(s.Sale),
		AsOf:         utils.FormatDate(s.AsOf),
		Installments: toInstallments(s.Installments),
		Summary:      toSummary(s.Summary),
	}
}

func toRecord(r models.RescheduleRecord) rescheduleRecordResponse {
	out := rescheduleRecordResponse{
		ID:                 r.ID,
		SaleID:             r.SaleID,
		OldTerm:            r.OldTerm,
		NewTerm:            r.NewTerm,
		OldRate:            r.OldRate.String(),
		NewRate:            r.NewRate.String(),
		OldFrequency:       string(r.OldFrequency),
		NewFrequency:       string(r.NewFrequency),
		OldMoraRate:        r.OldMoraRate.String(),
		NewMoraRate:        r.NewMoraRate.String(),
		FromSequence:       r.FromSequence,
		RescheduledCapital: money(r.RescheduledCapital),
		NewFirstDueDate:    utils.FormatDate(r.NewFirstDueDate),
		Adjustments:        make([]adjustmentResponse, 0, len(r.Adjustments)),
		Actor:              r.Actor,
		Note:               r.Note,
		CreatedAt:          timestamp(r.CreatedAt),
	}
	for _, a := range r.Adjustments {
		out.Adjustments = append(out.Adjustments, adjustmentResponse{
			Sequence: a.Sequence,
			Kind:     string(a.Kind),
			Amount:   money(a.Amount),
			Note:     a.Note,
		})
	}
	return out
}
