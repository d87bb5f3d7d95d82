package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Payment is money applied to one installment. Payments are never updated.
type Payment struct {
	ID            string          `json:"id"`
	InstallmentID int64           `json:"installment_id"`
	SaleID        int64           `json:"sale_id"`
	Amount        decimal.Decimal `json:"amount"`
	Date          time.Time       `json:"date"`
	Method        string          `json:"method"`
	CreatedAt     time.Time       `json:"created_at"`
}
