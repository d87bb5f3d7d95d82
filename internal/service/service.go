package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/plot-installments/internal/config"
	"github.com/Dan9191/plot-installments/internal/engine"
	"github.com/Dan9191/plot-installments/internal/metrics"
	"github.com/Dan9191/plot-installments/internal/models"
	"github.com/Dan9191/plot-installments/internal/repository"
	"github.com/Dan9191/plot-installments/internal/utils"
)

// RateProvider supplies the reference annual rate, in percent, used as the
// mora rate of new sales that do not set one.
type RateProvider interface {
	ReferenceRate(ctx context.Context) (decimal.Decimal, error)
}

// Service handles business logic
type Service struct {
	store       repository.Store
	log         *logrus.Logger
	metrics     *metrics.Metrics
	rates       RateProvider
	defaultMora decimal.Decimal
	now         func() time.Time
}

// Option customizes a Service
type Option func(*Service)

// WithMetrics records operation metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithRateProvider sets the reference rate feed
func WithRateProvider(p RateProvider) Option {
	return func(s *Service) { s.rates = p }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService initializes a new service
func NewService(store repository.Store, log *logrus.Logger, cfg *config.Config, opts ...Option) *Service {
	s := &Service{
		store:       store,
		log:         log,
		defaultMora: cfg.DefaultMoraRate,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateSaleInput describes a new deferred-payment sale
type CreateSaleInput struct {
	Kind         models.SaleKind
	UnitRef      string
	CustomerRef  string
	Price        decimal.Decimal
	DownPayment  decimal.Decimal
	AnnualRate   decimal.Decimal
	Frequency    models.Frequency
	Term         int
	FirstDueDate time.Time
	// MoraRate is the annual late-fee rate; nil takes the reference rate or the configured default.
	MoraRate *decimal.Decimal
}

// ScheduledInstallment is an installment with its read-time figures
type ScheduledInstallment struct {
	models.Installment
	Status      models.Status
	Outstanding decimal.Decimal
	Overpayment decimal.Decimal
}

// Schedule is a sale's installment plan evaluated as of a date
type Schedule struct {
	Sale         models.Sale
	AsOf         time.Time
	Installments []ScheduledInstallment
	Summary      engine.Summary
}

// PaymentInput is one payment against an installment
type PaymentInput struct {
	SaleID        int64
	InstallmentID int64
	Amount        decimal.Decimal
	// Date defaults to today.
	Date   time.Time
	Method string
	// ExpectedVersion rejects the payment when the sale changed since the caller read it.
	ExpectedVersion *int
}

// Receipt is the data a receipt is rendered from
type Receipt struct {
	Payment     models.Payment
	Sale        models.Sale
	Installment ScheduledInstallment
}

// RescheduleInput carries new terms for a sale's unpaid installments
type RescheduleInput struct {
	SaleID          int64
	Terms           engine.RescheduleTerms
	Adjustments     []models.Adjustment
	Actor           string
	ExpectedVersion *int
}

// RescheduleOutcome is the audit record and the resulting schedule
type RescheduleOutcome struct {
	Record   models.RescheduleRecord
	Schedule *Schedule
}

// CreateSale computes, reconciles and stores the initial schedule of a sale
func (s *Service) CreateSale(ctx context.Context, in CreateSaleInput) (_ *Schedule, err error) {
	defer s.observe("create_sale", time.Now(), &err)

	if !in.Kind.Valid() {
		return nil, models.ValidationError("kind", "must be %q or %q, got %q", models.SaleKindLot, models.SaleKindCemeteryUnit, in.Kind)
	}
	if strings.TrimSpace(in.UnitRef) == "" {
		return nil, models.ValidationError("unit_ref", "is required")
	}
	if in.Price.IsNegative() {
		return nil, models.ValidationError("price", "must not be negative, got %s", in.Price)
	}
	if in.DownPayment.IsNegative() {
		return nil, models.ValidationError("down_payment", "must not be negative, got %s", in.DownPayment)
	}
	if err := checkScale("price", in.Price, moneyPlaces); err != nil {
		return nil, err
	}
	if err := checkScale("down_payment", in.DownPayment, moneyPlaces); err != nil {
		return nil, err
	}
	if err := checkScale("annual_rate", in.AnnualRate, ratePlaces); err != nil {
		return nil, err
	}
	financed := in.Price.Sub(in.DownPayment)
	if financed.IsNegative() {
		return nil, models.ValidationError("down_payment", "exceeds price (%s > %s)", in.DownPayment, in.Price)
	}
	mora, err := s.moraRate(ctx, in.MoraRate)
	if err != nil {
		return nil, err
	}

	insts, err := engine.ComputeSchedule(financed, in.AnnualRate, in.Term, in.Frequency, in.FirstDueDate)
	if err != nil {
		return nil, err
	}
	if insts, err = engine.Reconcile(financed, insts); err != nil {
		return nil, err
	}

	now := s.now()
	sale := &models.Sale{
		Kind:              in.Kind,
		UnitRef:           strings.TrimSpace(in.UnitRef),
		CustomerRef:       strings.TrimSpace(in.CustomerRef),
		Price:             in.Price.Round(2),
		DownPayment:       in.DownPayment.Round(2),
		FinancedPrincipal: financed.Round(2),
		AnnualRate:        in.AnnualRate,
		Frequency:         in.Frequency,
		Term:              in.Term,
		FirstDueDate:      utils.DateOnly(in.FirstDueDate),
		MoraRate:          mora,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	for i := range insts {
		insts[i].CreatedAt = now
		insts[i].UpdatedAt = now
	}
	if err := engine.Verify(*sale, insts); err != nil {
		return nil, err
	}
	if err := s.store.CreateSale(ctx, sale, insts); err != nil {
		return nil, fmt.Errorf("failed to create sale: %w", err)
	}
	s.countGenerated(len(insts))

	s.log.WithFields(logrus.Fields{
		"sale_id":   sale.ID,
		"kind":      sale.Kind,
		"financed":  sale.FinancedPrincipal.StringFixed(2),
		"term":      sale.Term,
		"frequency": sale.Frequency,
	}).Info("Sale created")

	return s.schedule(*sale, insts, now), nil
}

// GetSchedule returns a sale with late fees accrued as of asOf. Nothing is written.
func (s *Service) GetSchedule(ctx context.Context, saleID int64, asOf time.Time) (*Schedule, error) {
	sale, insts, err := s.load(ctx, saleID)
	if err != nil {
		return nil, err
	}
	return s.schedule(*sale, insts, asOf), nil
}

// Overdue lists the installments of a sale that are overdue as of asOf
func (s *Service) Overdue(ctx context.Context, saleID int64, asOf time.Time) ([]ScheduledInstallment, error) {
	sale, insts, err := s.load(ctx, saleID)
	if err != nil {
		return nil, err
	}
	ledger := engine.NewLedger(*sale, insts)
	ledger.AccrueLateFees(asOf)
	out := []ScheduledInstallment{}
	for _, inst := range ledger.InstallmentsOverdue(asOf) {
		out = append(out, scheduled(inst, asOf))
	}
	return out, nil
}

// OutstandingBalance evaluates one installment as of asOf
func (s *Service) OutstandingBalance(ctx context.Context, saleID, installmentID int64, asOf time.Time) (*ScheduledInstallment, error) {
	sale, insts, err := s.load(ctx, saleID)
	if err != nil {
		return nil, err
	}
	ledger := engine.NewLedger(*sale, insts)
	ledger.AccrueLateFees(asOf)
	inst, err := ledger.Installment(installmentID)
	if err != nil {
		return nil, err
	}
	out := scheduled(inst, asOf)
	return &out, nil
}

// ApplyPayment records a payment and persists the installment's new state
func (s *Service) ApplyPayment(ctx context.Context, in PaymentInput) (_ *Receipt, err error) {
	defer s.observe("apply_payment", time.Now(), &err)

	now := s.now()
	date := in.Date
	if date.IsZero() {
		date = now
	}

	var receipt Receipt
	err = s.store.WithSaleLock(ctx, in.SaleID, func(tx repository.SaleTx) error {
		sale := tx.Sale()
		if err := checkVersion(sale, in.ExpectedVersion); err != nil {
			return err
		}
		insts, err := tx.Installments(ctx)
		if err != nil {
			return err
		}

		ledger := engine.NewLedger(sale, insts)
		payment, err := ledger.ApplyPayment(in.InstallmentID, in.Amount, date, in.Method)
		if err != nil {
			return err
		}
		payment.CreatedAt = now
		if err := engine.Verify(sale, ledger.Installments()); err != nil {
			return err
		}

		inst, err := ledger.Installment(in.InstallmentID)
		if err != nil {
			return err
		}
		inst.UpdatedAt = now
		if err := tx.InsertPayment(ctx, payment); err != nil {
			return err
		}
		if err := tx.UpdateInstallments(ctx, []models.Installment{inst}); err != nil {
			return err
		}
		sale.UpdatedAt = now
		if err := tx.UpdateSale(ctx, &sale); err != nil {
			return err
		}

		receipt = Receipt{Payment: payment, Sale: sale, Installment: scheduled(inst, date)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.PaymentApplied(receipt.Payment.Method, receipt.Payment.Amount)
	}

	s.log.WithFields(logrus.Fields{
		"sale_id":        in.SaleID,
		"installment_id": in.InstallmentID,
		"payment_id":     receipt.Payment.ID,
		"amount":         receipt.Payment.Amount.StringFixed(2),
		"method":         receipt.Payment.Method,
		"state":          receipt.Installment.State,
	}).Info("Payment applied")
	return &receipt, nil
}

// Reschedule regenerates the unpaid tail of a sale with new terms
func (s *Service) Reschedule(ctx context.Context, in RescheduleInput) (_ *RescheduleOutcome, err error) {
	defer s.observe("reschedule", time.Now(), &err)

	if err := checkScale("annual_rate", in.Terms.AnnualRate, ratePlaces); err != nil {
		return nil, err
	}
	if in.Terms.MoraRate != nil {
		if err := checkScale("mora_rate", *in.Terms.MoraRate, ratePlaces); err != nil {
			return nil, err
		}
	}

	now := s.now()
	var (
		record models.RescheduleRecord
		sale   models.Sale
		insts  []models.Installment
	)
	err = s.store.WithSaleLock(ctx, in.SaleID, func(tx repository.SaleTx) error {
		current := tx.Sale()
		if err := checkVersion(current, in.ExpectedVersion); err != nil {
			return err
		}
		existing, err := tx.Installments(ctx)
		if err != nil {
			return err
		}

		terms := in.Terms
		if terms.Frequency == "" {
			terms.Frequency = current.Frequency
		}
		res, err := engine.Reschedule(current, existing, terms, in.Adjustments, in.Actor, now)
		if err != nil {
			return err
		}

		if changed := changedInstallments(existing, res.Kept); len(changed) > 0 {
			for i := range changed {
				changed[i].UpdatedAt = now
			}
			if err := tx.UpdateInstallments(ctx, changed); err != nil {
				return err
			}
		}
		inserted, err := tx.ReplaceTail(ctx, res.FromSequence(), res.New)
		if err != nil {
			return err
		}
		next := res.Sale
		if err := tx.UpdateSale(ctx, &next); err != nil {
			return err
		}
		if err := tx.InsertRescheduleRecord(ctx, res.Record); err != nil {
			return err
		}

		s.countGenerated(len(inserted))
		record = res.Record
		sale = next
		insts = append(res.Kept, inserted...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"sale_id":       in.SaleID,
		"record_id":     record.ID,
		"from_sequence": record.FromSequence,
		"capital":       record.RescheduledCapital.StringFixed(2),
		"new_term":      record.NewTerm,
		"actor":         record.Actor,
	}).Info("Sale rescheduled")

	return &RescheduleOutcome{Record: record, Schedule: s.schedule(sale, insts, now)}, nil
}

// Reconcile recomputes and persists a sale's balance chain
func (s *Service) Reconcile(ctx context.Context, saleID int64) (_ *Schedule, err error) {
	defer s.observe("reconcile", time.Now(), &err)

	now := s.now()
	var (
		sale  models.Sale
		insts []models.Installment
	)
	err = s.store.WithSaleLock(ctx, saleID, func(tx repository.SaleTx) error {
		sale = tx.Sale()
		existing, err := tx.Installments(ctx)
		if err != nil {
			return err
		}
		reconciled, err := engine.Reconcile(sale.FinancedPrincipal, existing)
		if err != nil {
			return err
		}
		if err := engine.Verify(sale, reconciled); err != nil {
			return err
		}
		changed := changedInstallments(existing, reconciled)
		if len(changed) > 0 {
			for i := range changed {
				changed[i].UpdatedAt = now
			}
			if err := tx.UpdateInstallments(ctx, changed); err != nil {
				return err
			}
			sale.UpdatedAt = now
			if err := tx.UpdateSale(ctx, &sale); err != nil {
				return err
			}
			s.log.WithField("sale_id", saleID).Warnf("Reconcile corrected %d installments", len(changed))
		}
		insts = reconciled
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.schedule(sale, insts, now), nil
}

// RefreshLateFees persists late fees accrued as of asOf
func (s *Service) RefreshLateFees(ctx context.Context, saleID int64, asOf time.Time) (_ *Schedule, err error) {
	defer s.observe("refresh_late_fees", time.Now(), &err)

	now := s.now()
	var (
		sale  models.Sale
		insts []models.Installment
	)
	err = s.store.WithSaleLock(ctx, saleID, func(tx repository.SaleTx) error {
		sale = tx.Sale()
		existing, err := tx.Installments(ctx)
		if err != nil {
			return err
		}
		ledger := engine.NewLedger(sale, existing)
		ledger.AccrueLateFees(asOf)
		accrued := ledger.Installments()
		if err := engine.Verify(sale, accrued); err != nil {
			return err
		}
		if changed := changedInstallments(existing, accrued); len(changed) > 0 {
			for i := range changed {
				changed[i].UpdatedAt = now
			}
			if err := tx.UpdateInstallments(ctx, changed); err != nil {
				return err
			}
			sale.UpdatedAt = now
			if err := tx.UpdateSale(ctx, &sale); err != nil {
				return err
			}
		}
		insts = accrued
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.LateFeesRefreshed()
	}
	return s.schedule(sale, insts, asOf), nil
}

// RefreshAllLateFees refreshes every sale with an open balance due before
// asOf. A failing sale does not stop the others; their errors are joined.
func (s *Service) RefreshAllLateFees(ctx context.Context, asOf time.Time) (int, error) {
	ids, err := s.store.ListSalesWithOpenBalance(ctx, asOf)
	if err != nil {
		return 0, fmt.Errorf("failed to list sales with open balance: %w", err)
	}

	var (
		refreshed int
		errs      []error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := s.RefreshLateFees(ctx, id, asOf); err != nil {
			s.log.WithError(err).WithField("sale_id", id).Error("Failed to refresh late fees")
			errs = append(errs, fmt.Errorf("sale %d: %w", id, err))
			continue
		}
		refreshed++
	}
	s.log.Infof("Late fees refreshed for %d of %d sales as of %s", refreshed, len(ids), utils.FormatDate(asOf))
	return refreshed, errors.Join(errs...)
}

// RescheduleHistory lists a sale's reschedule records, oldest first
func (s *Service) RescheduleHistory(ctx context.Context, saleID int64) ([]models.RescheduleRecord, error) {
	if _, err := s.store.GetSale(ctx, saleID); err != nil {
		return nil, err
	}
	records, err := s.store.ListRescheduleRecords(ctx, saleID)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []models.RescheduleRecord{}
	}
	return records, nil
}

// ReferenceRate returns the current reference rate from the configured feed
func (s *Service) ReferenceRate(ctx context.Context) (decimal.Decimal, error) {
	if s.rates == nil {
		return decimal.Zero, models.NotFoundError("no reference rate feed is configured")
	}
	return s.rates.ReferenceRate(ctx)
}

func (s *Service) moraRate(ctx context.Context, requested *decimal.Decimal) (decimal.Decimal, error) {
	if requested != nil {
		if requested.IsNegative() {
			return decimal.Zero, models.ValidationError("mora_rate", "must not be negative, got %s", *requested)
		}
		if err := checkScale("mora_rate", *requested, ratePlaces); err != nil {
			return decimal.Zero, err
		}
		return *requested, nil
	}
	if s.rates != nil {
		rate, err := s.rates.ReferenceRate(ctx)
		if err == nil && !rate.IsNegative() {
			return rate.Round(ratePlaces), nil
		}
		s.log.WithError(err).Warnf("Reference rate unavailable, using default mora rate %s", s.defaultMora)
	}
	return s.defaultMora, nil
}

func (s *Service) load(ctx context.Context, saleID int64) (*models.Sale, []models.Installment, error) {
	sale, err := s.store.GetSale(ctx, saleID)
	if err != nil {
		return nil, nil, err
	}
	insts, err := s.store.ListInstallments(ctx, saleID)
	if err != nil {
		return nil, nil, err
	}
	return sale, insts, nil
}

func (s *Service) schedule(sale models.Sale, insts []models.Installment, asOf time.Time) *Schedule {
	ledger := engine.NewLedger(sale, insts)
	ledger.AccrueLateFees(asOf)
	out := &Schedule{Sale: sale, AsOf: utils.DateOnly(asOf), Summary: ledger.Summary(asOf)}
	for _, inst := range ledger.Installments() {
		out.Installments = append(out.Installments, scheduled(inst, asOf))
	}
	return out
}

func (s *Service) observe(operation string, start time.Time, err *error) {
	if s.metrics != nil {
		s.metrics.ObserveOperation(operation, time.Since(start).Seconds(), *err)
	}
}

func (s *Service) countGenerated(n int) {
	if s.metrics != nil {
		s.metrics.InstallmentsGenerated(n)
	}
}

func scheduled(inst models.Installment, asOf time.Time) ScheduledInstallment {
	return ScheduledInstallment{
		Installment: inst,
		Status:      engine.StatusAt(inst, asOf),
		Outstanding: engine.Outstanding(inst),
		Overpayment: inst.Overpayment(),
	}
}

// Stored scale of money and rate columns.
const (
	moneyPlaces = 2
	ratePlaces  = 4
)

func checkScale(field string, v decimal.Decimal, places int32) error {
	if !v.Equal(v.Round(places)) {
		return models.ValidationError(field, "must have at most %d decimals, got %s", places, v)
	}
	return nil
}

func checkVersion(sale models.Sale, expected *int) error {
	if expected != nil && *expected != sale.Version {
		return models.ConcurrencyError("sale %d is at version %d, expected %d", sale.ID, sale.Version, *expected)
	}
	return nil
}

// changedInstallments returns the entries of updated whose stored fields
// differ from the installment with the same ID in before.
func changedInstallments(before, updated []models.Installment) []models.Installment {
	prev := make(map[int64]models.Installment, len(before))
	for _, inst := range before {
		prev[inst.ID] = inst
	}
	var out []models.Installment
	for _, inst := range updated {
		old, ok := prev[inst.ID]
		if !ok || !sameStored(old, inst) {
			out = append(out, inst.Clone())
		}
	}
	return out
}

func sameStored(a, b models.Installment) bool {
	return a.Sequence == b.Sequence &&
		a.DueDate.Equal(b.DueDate) &&
		a.Amount.Equal(b.Amount) &&
		a.Capital.Equal(b.Capital) &&
		a.Interest.Equal(b.Interest) &&
		a.Discount.Equal(b.Discount) &&
		a.BalanceBefore.Equal(b.BalanceBefore) &&
		a.BalanceAfter.Equal(b.BalanceAfter) &&
		a.LateFee.Equal(b.LateFee) &&
		a.Paid.Equal(b.Paid) &&
		a.State == b.State
}
