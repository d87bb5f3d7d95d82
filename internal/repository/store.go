package repository

import (
	"context"
	"time"

	"github.com/Dan9191/plot-installments/internal/models"
)

// Store is the persistence contract of the installment engine.
// Reads are lock-free snapshots; every write goes through WithSaleLock.
type Store interface {
	// CreateSale inserts a sale and its initial schedule atomically and
	// assigns IDs to both.
	CreateSale(ctx context.Context, sale *models.Sale, installments []models.Installment) error
	GetSale(ctx context.Context, saleID int64) (*models.Sale, error)
	// ListInstallments returns a sale's installments ordered by sequence,
	// each with its payments.
	ListInstallments(ctx context.Context, saleID int64) ([]models.Installment, error)
	ListRescheduleRecords(ctx context.Context, saleID int64) ([]models.RescheduleRecord, error)
	// ListSalesWithOpenBalance returns IDs of sales with at least one
	// installment not yet PAID that is due before asOf.
	ListSalesWithOpenBalance(ctx context.Context, asOf time.Time) ([]int64, error)
	// WithSaleLock runs fn with exclusive access to one sale. Everything fn
	// writes is committed together when it returns nil and discarded otherwise.
	WithSaleLock(ctx context.Context, saleID int64, fn func(tx SaleTx) error) error
}

// SaleTx is the write side of one locked sale.
type SaleTx interface {
	// Sale is the locked snapshot taken when the transaction started.
	Sale() models.Sale
	Installments(ctx context.Context) ([]models.Installment, error)
	InsertPayment(ctx context.Context, payment models.Payment) error
	// UpdateInstallments writes schedule and payment-state fields of existing
	// installments. Payments are not touched.
	UpdateInstallments(ctx context.Context, installments []models.Installment) error
	// ReplaceTail deletes the installments numbered fromSequence and above,
	// which must have no payments, and inserts the given ones. It returns the
	// inserted installments with IDs.
	ReplaceTail(ctx context.Context, fromSequence int, installments []models.Installment) ([]models.Installment, error)
	// UpdateSale stores new terms if the stored version still equals
	// sale.Version, then increments sale.Version.
	UpdateSale(ctx context.Context, sale *models.Sale) error
	InsertRescheduleRecord(ctx context.Context, record models.RescheduleRecord) error
}
