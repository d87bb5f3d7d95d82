package engine

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dan9191/plot-installments/internal/models"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

// testSale builds a sale and its reconciled schedule with IDs 1..term.
func testSale(t *testing.T, principal, rate string, term int, f models.Frequency, first string) (models.Sale, []models.Installment) {
	t.Helper()
	insts, err := ComputeSchedule(d(principal), d(rate), term, f, date(first))
	require.NoError(t, err)
	insts, err = Reconcile(d(principal), insts)
	require.NoError(t, err)
	for i := range insts {
		insts[i].ID = int64(i + 1)
		insts[i].SaleID = 7
	}
	sale := models.Sale{
		ID:                7,
		Kind:              models.SaleKindLot,
		UnitRef:           "L-12",
		Price:             d(principal),
		DownPayment:       decimal.Zero,
		FinancedPrincipal: d(principal),
		AnnualRate:        d(rate),
		Frequency:         f,
		Term:              term,
		FirstDueDate:      date(first),
		MoraRate:          d("18"),
		Version:           1,
	}
	require.NoError(t, Verify(sale, insts))
	return sale, insts
}

// payInFull applies a payment covering each listed installment on its due date.
func payInFull(t *testing.T, l *Ledger, ids ...int64) {
	t.Helper()
	for _, id := range ids {
		inst, err := l.Installment(id)
		require.NoError(t, err)
		_, err = l.ApplyPayment(id, inst.Amount, inst.DueDate, "cash")
		require.NoError(t, err)
	}
}

func sumCapital(insts []models.Installment) decimal.Decimal {
	sum := decimal.Zero
	for _, inst := range insts {
		sum = sum.Add(inst.Capital)
	}
	return sum
}

func assertSameSchedule(t *testing.T, want, got []models.Installment) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		w, g := want[i], got[i]
		assert.Equal(t, w.ID, g.ID)
		assert.Equal(t, w.Sequence, g.Sequence)
		assert.True(t, w.DueDate.Equal(g.DueDate), "due date of %d", w.Sequence)
		for name, pair := range map[string][2]decimal.Decimal{
			"amount":         {w.Amount, g.Amount},
			"capital":        {w.Capital, g.Capital},
			"interest":       {w.Interest, g.Interest},
			"discount":       {w.Discount, g.Discount},
			"balance before": {w.BalanceBefore, g.BalanceBefore},
			"balance after":  {w.BalanceAfter, g.BalanceAfter},
			"late fee":       {w.LateFee, g.LateFee},
			"paid":           {w.Paid, g.Paid},
		} {
			assert.True(t, pair[0].Equal(pair[1]), "%s of %d: %s != %s", name, w.Sequence, pair[0], pair[1])
		}
		assert.Equal(t, w.State, g.State)
		assert.Len(t, g.Payments, len(w.Payments))
	}
}
