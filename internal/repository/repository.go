package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/Dan9191/plot-installments/internal/models"
	"github.com/Dan9191/plot-installments/internal/utils"
)

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Repository provides PostgreSQL storage for sales and their schedules
type Repository struct {
	db *sql.DB
}

// NewRepository initializes a new repository
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const saleColumns = `id, kind, unit_ref, customer_ref, price, down_payment, financed_principal,
	annual_rate, frequency, term, first_due_date, mora_rate, version, created_at, updated_at`

const installmentColumns = `id, sale_id, sequence, due_date, amount, capital, interest, discount,
	balance_before, balance_after, late_fee, paid, state, created_at, updated_at`

// CreateSale inserts a sale and its installments in one transaction
func (r *Repository) CreateSale(ctx context.Context, sale *models.Sale, installments []models.Installment) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if sale.Version == 0 {
		sale.Version = 1
	}
	query := `
		INSERT INTO backoffice.sales (kind, unit_ref, customer_ref, price, down_payment, financed_principal,
			annual_rate, frequency, term, first_due_date, mora_rate, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`
	err = tx.QueryRowContext(ctx, query,
		sale.Kind, sale.UnitRef, sale.CustomerRef, sale.Price, sale.DownPayment, sale.FinancedPrincipal,
		sale.AnnualRate, sale.Frequency, sale.Term, sale.FirstDueDate, sale.MoraRate, sale.Version,
		sale.CreatedAt, sale.UpdatedAt,
	).Scan(&sale.ID)
	if err != nil {
		return fmt.Errorf("failed to create sale: %w", err)
	}

	for i := range installments {
		installments[i].SaleID = sale.ID
		if err := insertInstallment(ctx, tx, &installments[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sale: %w", err)
	}
	return nil
}

// GetSale retrieves a sale by ID
func (r *Repository) GetSale(ctx context.Context, saleID int64) (*models.Sale, error) {
	query := `SELECT ` + saleColumns + ` FROM backoffice.sales WHERE id = $1`
	return scanSale(r.db.QueryRowContext(ctx, query, saleID), saleID)
}

// ListInstallments retrieves a sale's installments with their payments
func (r *Repository) ListInstallments(ctx context.Context, saleID int64) ([]models.Installment, error) {
	if _, err := r.GetSale(ctx, saleID); err != nil {
		return nil, err
	}
	return listInstallments(ctx, r.db, saleID)
}

// ListRescheduleRecords retrieves a sale's reschedule history, oldest first
func (r *Repository) ListRescheduleRecords(ctx context.Context, saleID int64) ([]models.RescheduleRecord, error) {
	if _, err := r.GetSale(ctx, saleID); err != nil {
		return nil, err
	}
	query := `
		SELECT id, sale_id, old_term, new_term, old_rate, new_rate, old_frequency, new_frequency,
			old_mora_rate, new_mora_rate, from_sequence, rescheduled_capital, new_first_due_date,
			adjustments, actor, note, created_at
		FROM backoffice.reschedule_records
		WHERE sale_id = $1
		ORDER BY created_at, id`
	rows, err := r.db.QueryContext(ctx, query, saleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reschedule records: %w", err)
	}
	defer rows.Close()

	var records []models.RescheduleRecord
	for rows.Next() {
		var rec models.RescheduleRecord
		var adjustments []byte
		if err := rows.Scan(&rec.ID, &rec.SaleID, &rec.OldTerm, &rec.NewTerm, &rec.OldRate, &rec.NewRate,
			&rec.OldFrequency, &rec.NewFrequency, &rec.OldMoraRate, &rec.NewMoraRate, &rec.FromSequence,
			&rec.RescheduledCapital, &rec.NewFirstDueDate, &adjustments, &rec.Actor, &rec.Note, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan reschedule record: %w", err)
		}
		if err := json.Unmarshal(adjustments, &rec.Adjustments); err != nil {
			return nil, fmt.Errorf("failed to decode adjustments of record %s: %w", rec.ID, err)
		}
		rec.NewFirstDueDate = utils.DateOnly(rec.NewFirstDueDate)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list reschedule records: %w", err)
	}
	return records, nil
}

// ListSalesWithOpenBalance retrieves IDs of sales with unpaid installments due before asOf
func (r *Repository) ListSalesWithOpenBalance(ctx context.Context, asOf time.Time) ([]int64, error) {
	query := `
		SELECT DISTINCT sale_id
		FROM backoffice.installments
		WHERE state <> $1 AND due_date < $2
		ORDER BY sale_id`
	rows, err := r.db.QueryContext(ctx, query, models.StatePaid, utils.DateOnly(asOf))
	if err != nil {
		return nil, fmt.Errorf("failed to list sales with open balance: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan sale id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// WithSaleLock locks the sale row for the duration of one transaction
func (r *Repository) WithSaleLock(ctx context.Context, saleID int64, fn func(tx SaleTx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + saleColumns + ` FROM backoffice.sales WHERE id = $1 FOR UPDATE`
	sale, err := scanSale(tx.QueryRowContext(ctx, query, saleID), saleID)
	if err != nil {
		return translate(err)
	}

	if err := fn(&pgTx{tx: tx, sale: *sale}); err != nil {
		return translate(err)
	}

	if err := tx.Commit(); err != nil {
		return translate(fmt.Errorf("failed to commit sale %d: %w", saleID, err))
	}
	return nil
}

type pgTx struct {
	tx   *sql.Tx
	sale models.Sale
}

func (t *pgTx) Sale() models.Sale {
	return t.sale
}

func (t *pgTx) Installments(ctx context.Context) ([]models.Installment, error) {
	return listInstallments(ctx, t.tx, t.sale.ID)
}

func (t *pgTx) InsertPayment(ctx context.Context, payment models.Payment) error {
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO backoffice.payments (id, installment_id, sale_id, amount, paid_on, method, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := t.tx.ExecContext(ctx, query, payment.ID, payment.InstallmentID, t.sale.ID,
		payment.Amount, utils.DateOnly(payment.Date), payment.Method, payment.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateInstallments(ctx context.Context, installments []models.Installment) error {
	query := `
		UPDATE backoffice.installments
		SET due_date = $3, amount = $4, capital = $5, interest = $6, discount = $7,
			balance_before = $8, balance_after = $9, late_fee = $10, paid = $11, state = $12, updated_at = $13
		WHERE id = $1 AND sale_id = $2`
	for _, inst := range installments {
		res, err := t.tx.ExecContext(ctx, query, inst.ID, t.sale.ID,
			inst.DueDate, inst.Amount, inst.Capital, inst.Interest, inst.Discount,
			inst.BalanceBefore, inst.BalanceAfter, inst.LateFee, inst.Paid, inst.State, inst.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to update installment %d: %w", inst.Sequence, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return models.ConcurrencyError("installment %d no longer exists in sale %d", inst.ID, t.sale.ID)
		}
	}
	return nil
}

func (t *pgTx) ReplaceTail(ctx context.Context, fromSequence int, installments []models.Installment) ([]models.Installment, error) {
	var paid int
	check := `
		SELECT COUNT(*)
		FROM backoffice.payments p
		JOIN backoffice.installments i ON i.id = p.installment_id
		WHERE i.sale_id = $1 AND i.sequence >= $2`
	if err := t.tx.QueryRowContext(ctx, check, t.sale.ID, fromSequence).Scan(&paid); err != nil {
		return nil, fmt.Errorf("failed to check payments of replaced installments: %w", err)
	}
	if paid > 0 {
		return nil, models.ConflictError("installments from %d have payments and cannot be replaced", fromSequence)
	}

	if _, err := t.tx.ExecContext(ctx,
		`DELETE FROM backoffice.installments WHERE sale_id = $1 AND sequence >= $2`,
		t.sale.ID, fromSequence,
	); err != nil {
		return nil, fmt.Errorf("failed to delete installments from %d: %w", fromSequence, err)
	}

	inserted := models.CloneInstallments(installments)
	for i := range inserted {
		inserted[i].SaleID = t.sale.ID
		inserted[i].Payments = nil
		if err := insertInstallment(ctx, t.tx, &inserted[i]); err != nil {
			return nil, err
		}
	}
	return inserted, nil
}

func (t *pgTx) UpdateSale(ctx context.Context, sale *models.Sale) error {
	query := `
		UPDATE backoffice.sales
		SET term = $3, annual_rate = $4, frequency = $5, first_due_date = $6, mora_rate = $7,
			version = version + 1, updated_at = $8
		WHERE id = $1 AND version = $2`
	res, err := t.tx.ExecContext(ctx, query, sale.ID, sale.Version,
		sale.Term, sale.AnnualRate, sale.Frequency, sale.FirstDueDate, sale.MoraRate, sale.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update sale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update sale: %w", err)
	}
	if n == 0 {
		return models.ConcurrencyError("sale %d changed since version %d", sale.ID, sale.Version)
	}
	sale.Version++
	return nil
}

func (t *pgTx) InsertRescheduleRecord(ctx context.Context, rec models.RescheduleRecord) error {
	if rec.Adjustments == nil {
		rec.Adjustments = []models.Adjustment{}
	}
	adjustments, err := json.Marshal(rec.Adjustments)
	if err != nil {
		return fmt.Errorf("failed to encode adjustments: %w", err)
	}
	query := `
		INSERT INTO backoffice.reschedule_records (id, sale_id, old_term, new_term, old_rate, new_rate,
			old_frequency, new_frequency, old_mora_rate, new_mora_rate, from_sequence, rescheduled_capital,
			new_first_due_date, adjustments, actor, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`
	_, err = t.tx.ExecContext(ctx, query, rec.ID, t.sale.ID, rec.OldTerm, rec.NewTerm, rec.OldRate, rec.NewRate,
		rec.OldFrequency, rec.NewFrequency, rec.OldMoraRate, rec.NewMoraRate, rec.FromSequence,
		rec.RescheduledCapital, rec.NewFirstDueDate, adjustments, rec.Actor, rec.Note, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert reschedule record: %w", err)
	}
	return nil
}

func insertInstallment(ctx context.Context, q querier, inst *models.Installment) error {
	query := `
		INSERT INTO backoffice.installments (sale_id, sequence, due_date, amount, capital, interest, discount,
			balance_before, balance_after, late_fee, paid, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`
	err := q.QueryRowContext(ctx, query,
		inst.SaleID, inst.Sequence, inst.DueDate, inst.Amount, inst.Capital, inst.Interest, inst.Discount,
		inst.BalanceBefore, inst.BalanceAfter, inst.LateFee, inst.Paid, inst.State, inst.CreatedAt, inst.UpdatedAt,
	).Scan(&inst.ID)
	if err != nil {
		return fmt.Errorf("failed to insert installment %d: %w", inst.Sequence, err)
	}
	return nil
}

func listInstallments(ctx context.Context, q querier, saleID int64) ([]models.Installment, error) {
	query := `SELECT ` + installmentColumns + ` FROM backoffice.installments WHERE sale_id = $1 ORDER BY sequence`
	rows, err := q.QueryContext(ctx, query, saleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list installments: %w", err)
	}
	defer rows.Close()

	var installments []models.Installment
	index := make(map[int64]int)
	for rows.Next() {
		var inst models.Installment
		if err := rows.Scan(&inst.ID, &inst.SaleID, &inst.Sequence, &inst.DueDate, &inst.Amount, &inst.Capital,
			&inst.Interest, &inst.Discount, &inst.BalanceBefore, &inst.BalanceAfter, &inst.LateFee, &inst.Paid,
			&inst.State, &inst.CreatedAt, &inst.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan installment: %w", err)
		}
		inst.DueDate = utils.DateOnly(inst.DueDate)
		index[inst.ID] = len(installments)
		installments = append(installments, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list installments: %w", err)
	}

	payQuery := `
		SELECT id, installment_id, sale_id, amount, paid_on, method, created_at
		FROM backoffice.payments
		WHERE sale_id = $1
		ORDER BY created_at, id`
	payRows, err := q.QueryContext(ctx, payQuery, saleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer payRows.Close()

	for payRows.Next() {
		var p models.Payment
		if err := payRows.Scan(&p.ID, &p.InstallmentID, &p.SaleID, &p.Amount, &p.Date, &p.Method, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		p.Date = utils.DateOnly(p.Date)
		i, ok := index[p.InstallmentID]
		if !ok {
			return nil, models.IntegrityError("payment %s references installment %d outside sale %d", p.ID, p.InstallmentID, saleID)
		}
		installments[i].Payments = append(installments[i].Payments, p)
	}
	if err := payRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return installments, nil
}

func scanSale(row *sql.Row, saleID int64) (*models.Sale, error) {
	sale := &models.Sale{}
	err := row.Scan(&sale.ID, &sale.Kind, &sale.UnitRef, &sale.CustomerRef, &sale.Price, &sale.DownPayment,
		&sale.FinancedPrincipal, &sale.AnnualRate, &sale.Frequency, &sale.Term, &sale.FirstDueDate,
		&sale.MoraRate, &sale.Version, &sale.CreatedAt, &sale.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, models.NotFoundError("sale %d not found", saleID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find sale: %w", err)
	}
	sale.FirstDueDate = utils.DateOnly(sale.FirstDueDate)
	return sale, nil
}

// Lock and serialization failures mean another writer got there first.
var retryableCodes = map[pq.ErrorCode]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
}

func translate(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && retryableCodes[pqErr.Code] {
		return fmt.Errorf("%w: %s", models.ErrConcurrency, pqErr.Message)
	}
	return err
}
