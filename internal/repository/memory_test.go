package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dan9191/plot-installments/internal/engine"
	"github.com/Dan9191/plot-installments/internal/models"
)

func newSale(t *testing.T, principal string, term int) (*models.Sale, []models.Installment) {
	t.Helper()
	p := decimal.RequireFromString(principal)
	first := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	insts, err := engine.ComputeSchedule(p, decimal.NewFromInt(12), term, models.FrequencyMonthly, first)
	require.NoError(t, err)
	return &models.Sale{
		Kind:              models.SaleKindCemeteryUnit,
		UnitRef:           "C-4-17",
		Price:             p,
		DownPayment:       decimal.Zero,
		FinancedPrincipal: p,
		AnnualRate:        decimal.NewFromInt(12),
		Frequency:         models.FrequencyMonthly,
		Term:              term,
		FirstDueDate:      first,
		MoraRate:          decimal.NewFromInt(18),
	}, insts
}

func TestMemoryStore_CreateAndRead(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sale, insts := newSale(t, "1200", 3)

	require.NoError(t, s.CreateSale(ctx, sale, insts))
	assert.Equal(t, int64(1), sale.ID)
	assert.Equal(t, 1, sale.Version)
	for _, inst := range insts {
		assert.NotZero(t, inst.ID)
		assert.Equal(t, sale.ID, inst.SaleID)
	}

	got, err := s.GetSale(ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, "C-4-17", got.UnitRef)

	list, err := s.ListInstallments(ctx, sale.ID)
	require.NoError(t, err)
	require.Len(t, list, 3)
	list[0].Paid = decimal.NewFromInt(5)
	again, _ := s.ListInstallments(ctx, sale.ID)
	assert.True(t, again[0].Paid.IsZero(), "reads must return copies")

	_, err = s.GetSale(ctx, 42)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = s.ListInstallments(ctx, 42)
	assert.ErrorIs(t, err, models.ErrNotFound)
	err = s.WithSaleLock(ctx, 42, func(SaleTx) error { return nil })
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemoryStore_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sale, insts := newSale(t, "1200", 3)
	require.NoError(t, s.CreateSale(ctx, sale, insts))

	boom := errors.New("boom")
	err := s.WithSaleLock(ctx, sale.ID, func(tx SaleTx) error {
		require.NoError(t, tx.InsertPayment(ctx, models.Payment{ID: "p-1", InstallmentID: insts[0].ID, Amount: decimal.NewFromInt(10)}))
		current := tx.Sale()
		require.NoError(t, tx.UpdateSale(ctx, &current))
		require.NoError(t, tx.InsertRescheduleRecord(ctx, models.RescheduleRecord{ID: "r-1", SaleID: sale.ID}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	list, _ := s.ListInstallments(ctx, sale.ID)
	assert.Empty(t, list[0].Payments)
	got, _ := s.GetSale(ctx, sale.ID)
	assert.Equal(t, 1, got.Version)
	records, _ := s.ListRescheduleRecords(ctx, sale.ID)
	assert.Empty(t, records)
}

func TestMemoryStore_CommitAndVersion(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sale, insts := newSale(t, "1200", 3)
	require.NoError(t, s.CreateSale(ctx, sale, insts))

	err := s.WithSaleLock(ctx, sale.ID, func(tx SaleTx) error {
		if err := tx.InsertPayment(ctx, models.Payment{ID: "p-1", InstallmentID: insts[0].ID, Amount: decimal.NewFromInt(10)}); err != nil {
			return err
		}
		if err := tx.InsertPayment(ctx, models.Payment{ID: "p-1", InstallmentID: insts[0].ID, Amount: decimal.NewFromInt(10)}); !errors.Is(err, models.ErrConflict) {
			t.Errorf("duplicate payment: got %v", err)
		}
		inst := insts[0]
		inst.Paid = decimal.NewFromInt(10)
		inst.State = models.StatePartial
		if err := tx.UpdateInstallments(ctx, []models.Installment{inst}); err != nil {
			return err
		}
		current := tx.Sale()
		return tx.UpdateSale(ctx, &current)
	})
	require.NoError(t, err)

	list, _ := s.ListInstallments(ctx, sale.ID)
	require.Len(t, list[0].Payments, 1)
	assert.Equal(t, models.StatePartial, list[0].State)
	got, _ := s.GetSale(ctx, sale.ID)
	assert.Equal(t, 2, got.Version)

	err = s.WithSaleLock(ctx, sale.ID, func(tx SaleTx) error {
		stale := *sale // still at version 1
		return tx.UpdateSale(ctx, &stale)
	})
	assert.ErrorIs(t, err, models.ErrConcurrency)
}

func TestMemoryStore_ReplaceTail(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sale, insts := newSale(t, "1200", 3)
	require.NoError(t, s.CreateSale(ctx, sale, insts))

	replacement := []models.Installment{
		{Sequence: 2, Capital: decimal.NewFromInt(1)},
		{Sequence: 3, Capital: decimal.NewFromInt(2)},
		{Sequence: 4, Capital: decimal.NewFromInt(3)},
	}
	err := s.WithSaleLock(ctx, sale.ID, func(tx SaleTx) error {
		inserted, err := tx.ReplaceTail(ctx, 2, replacement)
		if err != nil {
			return err
		}
		for _, inst := range inserted {
			assert.Greater(t, inst.ID, insts[2].ID)
		}
		return nil
	})
	require.NoError(t, err)

	list, _ := s.ListInstallments(ctx, sale.ID)
	require.Len(t, list, 4)
	assert.Equal(t, insts[0].ID, list[0].ID)
	for i, inst := range list {
		assert.Equal(t, i+1, inst.Sequence)
	}

	err = s.WithSaleLock(ctx, sale.ID, func(tx SaleTx) error {
		if err := tx.InsertPayment(ctx, models.Payment{ID: "p-9", InstallmentID: list[3].ID, Amount: decimal.NewFromInt(1)}); err != nil {
			return err
		}
		_, err := tx.ReplaceTail(ctx, 3, nil)
		return err
	})
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestMemoryStore_SerializesWriters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sale, insts := newSale(t, "1200", 3)
	require.NoError(t, s.CreateSale(ctx, sale, insts))

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithSaleLock(ctx, sale.ID, func(tx SaleTx) error {
				current := tx.Sale()
				return tx.UpdateSale(ctx, &current)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, _ := s.GetSale(ctx, sale.ID)
	assert.Equal(t, 1+writers, got.Version)
}

func TestMemoryStore_ListSalesWithOpenBalance(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	first, insts := newSale(t, "1200", 3)
	require.NoError(t, s.CreateSale(ctx, first, insts))
	second, insts2 := newSale(t, "600", 2)
	second.FirstDueDate = time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	for i := range insts2 {
		insts2[i].DueDate = insts2[i].DueDate.AddDate(1, 0, 0)
	}
	require.NoError(t, s.CreateSale(ctx, second, insts2))

	ids, err := s.ListSalesWithOpenBalance(ctx, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, []int64{first.ID}, ids)

	ids, err = s.ListSalesWithOpenBalance(ctx, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, []int64{first.ID, second.ID}, ids)
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	s := NewMemoryStore()
	sale, insts := newSale(t, "1200", 3)
	require.NoError(t, s.CreateSale(context.Background(), sale, insts))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := s.WithSaleLock(ctx, sale.ID, func(SaleTx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
