package service

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dan9191/plot-installments/internal/config"
	"github.com/Dan9191/plot-installments/internal/engine"
	"github.com/Dan9191/plot-installments/internal/metrics"
	"github.com/Dan9191/plot-installments/internal/models"
	"github.com/Dan9191/plot-installments/internal/repository"
)

var clock = time.Date(2024, 4, 2, 9, 0, 0, 0, time.UTC)

type fixedRate struct {
	rate decimal.Decimal
	err  error
}

func (f fixedRate) ReferenceRate(context.Context) (decimal.Decimal, error) {
	return f.rate, f.err
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func newTestService(t *testing.T, opts ...Option) (*Service, *repository.MemoryStore) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	store := repository.NewMemoryStore()
	opts = append([]Option{
		WithClock(func() time.Time { return clock }),
		WithMetrics(metrics.New(prometheus.NewRegistry())),
	}, opts...)
	return NewService(store, log, &config.Config{DefaultMoraRate: d("18")}, opts...), store
}

func lotSale() CreateSaleInput {
	return CreateSaleInput{
		Kind:         models.SaleKindLot,
		UnitRef:      "MZ-3 L-14",
		CustomerRef:  "C-1001",
		Price:        d("12000"),
		DownPayment:  d("2000"),
		AnnualRate:   d("12"),
		Frequency:    models.FrequencyMonthly,
		Term:         12,
		FirstDueDate: day("2024-01-15"),
	}
}

func createSale(t *testing.T, svc *Service) *Schedule {
	t.Helper()
	sched, err := svc.CreateSale(context.Background(), lotSale())
	require.NoError(t, err)
	return sched
}

func payInstallments(t *testing.T, svc *Service, sched *Schedule, seqs ...int) {
	t.Helper()
	for _, seq := range seqs {
		inst := sched.Installments[seq-1]
		_, err := svc.ApplyPayment(context.Background(), PaymentInput{
			SaleID:        sched.Sale.ID,
			InstallmentID: inst.ID,
			Amount:        inst.Amount,
			Date:          inst.DueDate,
			Method:        "cash",
		})
		require.NoError(t, err)
	}
}

func TestCreateSale(t *testing.T) {
	svc, _ := newTestService(t)
	sched := createSale(t, svc)

	assert.Equal(t, int64(1), sched.Sale.ID)
	assert.Equal(t, 1, sched.Sale.Version)
	assert.Equal(t, "10000.00", sched.Sale.FinancedPrincipal.StringFixed(2))
	assert.True(t, sched.Sale.MoraRate.Equal(d("18")))
	require.Len(t, sched.Installments, 12)
	assert.Equal(t, "888.49", sched.Installments[0].Amount.StringFixed(2))
	assert.Equal(t, "9211.51", sched.Installments[0].BalanceAfter.StringFixed(2))
	assert.True(t, sched.Installments[11].BalanceAfter.IsZero())
	assert.True(t, sched.Summary.TotalCapital.Equal(d("10000")))
	// installments 1-3 are already due on the service clock
	assert.Equal(t, 3, sched.Summary.OverdueCount)
}

func TestCreateSale_Validation(t *testing.T) {
	svc, store := newTestService(t)
	tests := []struct {
		name string
		edit func(*CreateSaleInput)
	}{
		{"unknown kind", func(in *CreateSaleInput) { in.Kind = "niche" }},
		{"missing unit", func(in *CreateSaleInput) { in.UnitRef = " " }},
		{"down payment above price", func(in *CreateSaleInput) { in.DownPayment = d("12000.01") }},
		{"negative price", func(in *CreateSaleInput) { in.Price = d("-1") }},
		{"negative mora", func(in *CreateSaleInput) { m := d("-1"); in.MoraRate = &m }},
		{"zero term", func(in *CreateSaleInput) { in.Term = 0 }},
		{"unknown frequency", func(in *CreateSaleInput) { in.Frequency = "daily" }},
		{"price below a cent", func(in *CreateSaleInput) { in.Price = d("12000.005") }},
		{"down payment below a cent", func(in *CreateSaleInput) { in.DownPayment = d("2000.001") }},
		{"annual rate beyond four decimals", func(in *CreateSaleInput) { in.AnnualRate = d("12.12345") }},
		{"mora rate beyond four decimals", func(in *CreateSaleInput) { m := d("18.00001"); in.MoraRate = &m }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := lotSale()
			tt.edit(&in)
			_, err := svc.CreateSale(context.Background(), in)
			assert.ErrorIs(t, err, models.ErrValidation)
		})
	}
	_, err := store.GetSale(context.Background(), 1)
	assert.ErrorIs(t, err, models.ErrNotFound, "nothing may be stored")
}

func TestCreateSale_FullDownPayment(t *testing.T) {
	svc, _ := newTestService(t)
	in := lotSale()
	in.DownPayment = in.Price
	sched, err := svc.CreateSale(context.Background(), in)
	require.NoError(t, err)
	for _, inst := range sched.Installments {
		assert.Equal(t, models.StatusPaid, inst.Status)
	}
}

func TestCreateSale_MoraRateSources(t *testing.T) {
	t.Run("reference rate", func(t *testing.T) {
		svc, _ := newTestService(t, WithRateProvider(fixedRate{rate: d("21.5")}))
		sched := createSale(t, svc)
		assert.True(t, sched.Sale.MoraRate.Equal(d("21.5")))
	})
	t.Run("feed failure falls back to default", func(t *testing.T) {
		svc, _ := newTestService(t, WithRateProvider(fixedRate{err: errors.New("timeout")}))
		sched := createSale(t, svc)
		assert.True(t, sched.Sale.MoraRate.Equal(d("18")))
	})
	t.Run("reference rate is stored at four decimals", func(t *testing.T) {
		svc, _ := newTestService(t, WithRateProvider(fixedRate{rate: d("16.123456")}))
		sched := createSale(t, svc)
		assert.True(t, sched.Sale.MoraRate.Equal(d("16.1235")))
	})
	t.Run("explicit rate wins", func(t *testing.T) {
		svc, _ := newTestService(t, WithRateProvider(fixedRate{rate: d("21.5")}))
		in := lotSale()
		m := d("30")
		in.MoraRate = &m
		sched, err := svc.CreateSale(context.Background(), in)
		require.NoError(t, err)
		assert.True(t, sched.Sale.MoraRate.Equal(d("30")))
	})
}

func TestApplyPayment(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	sched := createSale(t, svc)
	inst := sched.Installments[0]

	receipt, err := svc.ApplyPayment(ctx, PaymentInput{
		SaleID:        sched.Sale.ID,
		InstallmentID: inst.ID,
		Amount:        d("1000"),
		Date:          day("2024-01-10"),
		Method:        "card",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatePaid, receipt.Installment.State)
	assert.Equal(t, "111.51", receipt.Installment.Overpayment.StringFixed(2))
	assert.True(t, receipt.Installment.Outstanding.IsZero())
	assert.Equal(t, 2, receipt.Sale.Version)
	assert.Equal(t, clock, receipt.Payment.CreatedAt)

	got, err := svc.GetSchedule(ctx, sched.Sale.ID, day("2024-01-20"))
	require.NoError(t, err)
	assert.Equal(t, 2, got.Sale.Version)
	require.Len(t, got.Installments[0].Payments, 1)
	assert.Equal(t, models.StatusPaid, got.Installments[0].Status)
}

func TestApplyPayment_Rejections(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	sched := createSale(t, svc)
	inst := sched.Installments[0]
	stale := 0

	tests := []struct {
		name string
		in   PaymentInput
		kind error
	}{
		{"zero amount", PaymentInput{SaleID: 1, InstallmentID: inst.ID, Amount: decimal.Zero, Method: "cash"}, models.ErrValidation},
		{"negative amount", PaymentInput{SaleID: 1, InstallmentID: inst.ID, Amount: d("-5"), Method: "cash"}, models.ErrValidation},
		{"unknown installment", PaymentInput{SaleID: 1, InstallmentID: 999, Amount: d("5"), Method: "cash"}, models.ErrNotFound},
		{"unknown sale", PaymentInput{SaleID: 9, InstallmentID: inst.ID, Amount: d("5"), Method: "cash"}, models.ErrNotFound},
		{"stale version", PaymentInput{SaleID: 1, InstallmentID: inst.ID, Amount: d("5"), Method: "cash", ExpectedVersion: &stale}, models.ErrConcurrency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ApplyPayment(ctx, tt.in)
			assert.ErrorIs(t, err, tt.kind)
		})
	}

	list, err := store.ListInstallments(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, list[0].Payments)
	sale, _ := store.GetSale(ctx, 1)
	assert.Equal(t, 1, sale.Version)
}

func TestApplyPayment_IntegrityFailureRollsBack(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	sched := createSale(t, svc)

	// corrupt the balance chain behind the service's back
	require.NoError(t, store.WithSaleLock(ctx, sched.Sale.ID, func(tx repository.SaleTx) error {
		insts, _ := tx.Installments(ctx)
		insts[4].BalanceBefore = insts[4].BalanceBefore.Add(d("1"))
		return tx.UpdateInstallments(ctx, insts[4:5])
	}))

	pay := PaymentInput{SaleID: sched.Sale.ID, InstallmentID: sched.Installments[0].ID, Amount: d("100"), Date: day("2024-01-15"), Method: "cash"}
	_, err := svc.ApplyPayment(ctx, pay)
	assert.ErrorIs(t, err, models.ErrIntegrity)
	list, _ := store.ListInstallments(ctx, sched.Sale.ID)
	assert.Empty(t, list[0].Payments)

	fixed, err := svc.Reconcile(ctx, sched.Sale.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, fixed.Sale.Version)

	_, err = svc.ApplyPayment(ctx, pay)
	assert.NoError(t, err)
}

func TestApplyPayment_ConcurrentPayments(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	sched := createSale(t, svc)
	inst := sched.Installments[5]

	const payers = 10
	var wg sync.WaitGroup
	for i := 0; i < payers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ApplyPayment(ctx, PaymentInput{
				SaleID:        sched.Sale.ID,
				InstallmentID: inst.ID,
				Amount:        d("10"),
				Date:          day("2024-06-01"),
				Method:        "cash",
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := svc.OutstandingBalance(ctx, sched.Sale.ID, inst.ID, day("2024-06-01"))
	require.NoError(t, err)
	assert.Equal(t, "100.00", got.Paid.StringFixed(2))
	assert.Len(t, got.Payments, payers)
	assert.Equal(t, models.StatusPartial, got.Status)
}

func TestReadsDoNotPersistLateFees(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	sched := createSale(t, svc)
	asOf := day("2024-02-14")

	overdue, err := svc.Overdue(ctx, sched.Sale.ID, asOf)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	// 888.49 * 18% * 30 / 365
	assert.Equal(t, "13.14", overdue[0].LateFee.StringFixed(2))
	assert.Equal(t, models.StatusOverdue, overdue[0].Status)

	bal, err := svc.OutstandingBalance(ctx, sched.Sale.ID, sched.Installments[0].ID, asOf)
	require.NoError(t, err)
	assert.Equal(t, "901.63", bal.Outstanding.StringFixed(2))

	list, _ := store.ListInstallments(ctx, sched.Sale.ID)
	assert.True(t, list[0].LateFee.IsZero())

	_, err = svc.OutstandingBalance(ctx, sched.Sale.ID, 999, asOf)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRefreshLateFees(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	sched := createSale(t, svc)
	other := createSale(t, svc)
	payInstallments(t, svc, other, 1, 2)

	asOf := day("2024-02-14")
	n, err := svc.RefreshAllLateFees(ctx, asOf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list, _ := store.ListInstallments(ctx, sched.Sale.ID)
	assert.Equal(t, "13.14", list[0].LateFee.StringFixed(2))
	sale, _ := store.GetSale(ctx, sched.Sale.ID)
	assert.Equal(t, 2, sale.Version)

	// a second run with nothing new leaves the version alone
	_, err = svc.RefreshLateFees(ctx, sched.Sale.ID, asOf)
	require.NoError(t, err)
	sale, _ = store.GetSale(ctx, sched.Sale.ID)
	assert.Equal(t, 2, sale.Version)
}

func TestReschedule(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	sched := createSale(t, svc)
	payInstallments(t, svc, sched, 1, 2, 3)

	out, err := svc.Reschedule(ctx, RescheduleInput{
		SaleID: sched.Sale.ID,
		Terms:  engine.RescheduleTerms{Term: 6, AnnualRate: d("10"), Note: "customer request"},
		Adjustments: []models.Adjustment{
			{Sequence: 5, Kind: models.AdjustDiscount, Amount: d("25")},
		},
		Actor: "clerk-2",
	})
	require.NoError(t, err)

	got := out.Schedule
	require.Len(t, got.Installments, 9)
	assert.Equal(t, 9, got.Sale.Term)
	assert.Equal(t, models.FrequencyMonthly, got.Sale.Frequency)
	assert.Equal(t, 5, got.Sale.Version)
	for i := 0; i < 3; i++ {
		assert.Equal(t, sched.Installments[i].ID, got.Installments[i].ID)
		assert.Len(t, got.Installments[i].Payments, 1)
	}
	assert.True(t, got.Installments[4].Discount.Equal(d("25")))
	assert.Equal(t, 4, out.Record.FromSequence)
	assert.Equal(t, "clerk-2", out.Record.Actor)
	assert.True(t, out.Record.RescheduledCapital.Equal(sched.Installments[2].BalanceAfter))

	stored, err := svc.GetSchedule(ctx, sched.Sale.ID, clock)
	require.NoError(t, err)
	require.Len(t, stored.Installments, 9)
	assert.NoError(t, engine.Verify(stored.Sale, installmentsOf(stored)))

	history, err := svc.RescheduleHistory(ctx, sched.Sale.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, out.Record.ID, history[0].ID)
}

func TestReschedule_FailureLeavesSaleUntouched(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	sched := createSale(t, svc)
	payInstallments(t, svc, sched, 1)

	_, err := svc.Reschedule(ctx, RescheduleInput{
		SaleID:      sched.Sale.ID,
		Terms:       engine.RescheduleTerms{Term: 6, AnnualRate: d("10")},
		Adjustments: []models.Adjustment{{Sequence: 1, Kind: models.AdjustDiscount, Amount: d("5")}},
	})
	assert.ErrorIs(t, err, models.ErrConflict)

	sale, _ := store.GetSale(ctx, sched.Sale.ID)
	assert.Equal(t, 2, sale.Version)
	assert.Equal(t, 12, sale.Term)
	history, _ := svc.RescheduleHistory(ctx, sched.Sale.ID)
	assert.Empty(t, history)

	_, err = svc.Reschedule(ctx, RescheduleInput{
		SaleID: sched.Sale.ID,
		Terms:  engine.RescheduleTerms{Term: 6, AnnualRate: d("10.00001")},
	})
	assert.ErrorIs(t, err, models.ErrValidation)
	sale, _ = store.GetSale(ctx, sched.Sale.ID)
	assert.Equal(t, 2, sale.Version)

	stale := 1
	_, err = svc.Reschedule(ctx, RescheduleInput{
		SaleID:          sched.Sale.ID,
		Terms:           engine.RescheduleTerms{Term: 6, AnnualRate: d("10")},
		ExpectedVersion: &stale,
	})
	assert.ErrorIs(t, err, models.ErrConcurrency)
}

func TestRescheduleHistory_NotFound(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.RescheduleHistory(context.Background(), 5)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestReferenceRate(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.ReferenceRate(context.Background())
	assert.ErrorIs(t, err, models.ErrNotFound)

	svc, _ = newTestService(t, WithRateProvider(fixedRate{rate: d("16")}))
	rate, err := svc.ReferenceRate(context.Background())
	require.NoError(t, err)
	assert.True(t, rate.Equal(d("16")))
}

func installmentsOf(s *Schedule) []models.Installment {
	out := make([]models.Installment, 0, len(s.Installments))
	for _, si := range s.Installments {
		out = append(out, si.Installment)
	}
	return out
}

func TestRefreshLateFees_KeepsFeeOwedAfterAmountPaid(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	sched := createSale(t, svc)
	inst := sched.Installments[0]

	receipt, err := svc.ApplyPayment(ctx, PaymentInput{
		SaleID:        sched.Sale.ID,
		InstallmentID: inst.ID,
		Amount:        inst.Amount,
		Date:          day("2024-02-14"),
		Method:        "cash",
	})
	require.NoError(t, err)
	assert.Equal(t, "13.14", receipt.Installment.Outstanding.StringFixed(2))
	assert.Equal(t, models.StatePartial, receipt.Installment.State)

	_, err = svc.RefreshLateFees(ctx, sched.Sale.ID, day("2024-03-01"))
	require.NoError(t, err)
	list, _ := store.ListInstallments(ctx, sched.Sale.ID)
	assert.Equal(t, "13.14", list[0].LateFee.StringFixed(2))
	assert.Equal(t, models.StatePartial, list[0].State)

	bal, err := svc.OutstandingBalance(ctx, sched.Sale.ID, inst.ID, day("2024-03-01"))
	require.NoError(t, err)
	assert.Equal(t, "13.14", bal.Outstanding.StringFixed(2))
	assert.Equal(t, models.StatusOverdue, bal.Status)
}
