package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SaleKind tags what was sold. Lots and cemetery units share the same
// installment and amortization rules.
type SaleKind string

const (
	SaleKindLot          SaleKind = "lot"
	SaleKindCemeteryUnit SaleKind = "cemetery_unit"
)

// Valid reports whether k is a known sale kind.
func (k SaleKind) Valid() bool {
	return k == SaleKindLot || k == SaleKindCemeteryUnit
}

// Sale represents one deferred-payment purchase
type Sale struct {
	ID                int64           `json:"id"`
	Kind              SaleKind        `json:"kind"`
	UnitRef           string          `json:"unit_ref"`
	CustomerRef       string          `json:"customer_ref"`
	Price             decimal.Decimal `json:"price"`
	DownPayment       decimal.Decimal `json:"down_payment"`
	FinancedPrincipal decimal.Decimal `json:"financed_principal"`
	AnnualRate        decimal.Decimal `json:"annual_rate"` // percent, nominal
	Frequency         Frequency       `json:"frequency"`
	Term              int             `json:"term"`
	FirstDueDate      time.Time       `json:"first_due_date"`
	MoraRate          decimal.Decimal `json:"mora_rate"` // percent, annual
	Version           int             `json:"version"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}
