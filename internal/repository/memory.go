package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Dan9191/plot-installments/internal/models"
	"github.com/Dan9191/plot-installments/internal/utils"
)

// MemoryStore keeps everything in process. Writers of the same sale are
// serialized by a per-sale mutex; a transaction works on copies that are
// swapped in only when it succeeds.
type MemoryStore struct {
	mu                sync.RWMutex
	sales             map[int64]*memorySale
	nextSaleID        int64
	nextInstallmentID int64
}

type memorySale struct {
	writer       sync.Mutex
	sale         models.Sale
	installments []models.Installment
	records      []models.RescheduleRecord
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sales: make(map[int64]*memorySale)}
}

// CreateSale stores a sale with its schedule and assigns IDs
func (s *MemoryStore) CreateSale(_ context.Context, sale *models.Sale, installments []models.Installment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSaleID++
	sale.ID = s.nextSaleID
	if sale.Version == 0 {
		sale.Version = 1
	}
	insts := models.CloneInstallments(installments)
	for i := range insts {
		s.nextInstallmentID++
		insts[i].ID = s.nextInstallmentID
		insts[i].SaleID = sale.ID
		installments[i].ID = insts[i].ID
		installments[i].SaleID = sale.ID
	}
	s.sales[sale.ID] = &memorySale{sale: *sale, installments: insts}
	return nil
}

// GetSale returns a copy of a sale
func (s *MemoryStore) GetSale(_ context.Context, saleID int64) (*models.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ms, ok := s.sales[saleID]
	if !ok {
		return nil, models.NotFoundError("sale %d not found", saleID)
	}
	sale := ms.sale
	return &sale, nil
}

// ListInstallments returns copies of a sale's installments
func (s *MemoryStore) ListInstallments(_ context.Context, saleID int64) ([]models.Installment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ms, ok := s.sales[saleID]
	if !ok {
		return nil, models.NotFoundError("sale %d not found", saleID)
	}
	return models.CloneInstallments(ms.installments), nil
}

// ListRescheduleRecords returns a sale's reschedule history, oldest first
func (s *MemoryStore) ListRescheduleRecords(_ context.Context, saleID int64) ([]models.RescheduleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ms, ok := s.sales[saleID]
	if !ok {
		return nil, models.NotFoundError("sale %d not found", saleID)
	}
	return append([]models.RescheduleRecord(nil), ms.records...), nil
}

// ListSalesWithOpenBalance returns sales with an unpaid installment due before asOf
func (s *MemoryStore) ListSalesWithOpenBalance(_ context.Context, asOf time.Time) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := utils.DateOnly(asOf)
	var ids []int64
	for id, ms := range s.sales {
		for _, inst := range ms.installments {
			if inst.State != models.StatePaid && utils.DateOnly(inst.DueDate).Before(cutoff) {
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// WithSaleLock runs fn against a working copy of the sale and commits it on success
func (s *MemoryStore) WithSaleLock(ctx context.Context, saleID int64, fn func(tx SaleTx) error) error {
	s.mu.RLock()
	ms, ok := s.sales[saleID]
	s.mu.RUnlock()
	if !ok {
		return models.NotFoundError("sale %d not found", saleID)
	}

	ms.writer.Lock()
	defer ms.writer.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	tx := &memoryTx{
		store:        s,
		snapshot:     ms.sale,
		sale:         ms.sale,
		installments: models.CloneInstallments(ms.installments),
	}
	s.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	ms.sale = tx.sale
	ms.installments = tx.installments
	ms.records = append(ms.records, tx.records...)
	s.mu.Unlock()
	return nil
}

type memoryTx struct {
	store        *MemoryStore
	snapshot     models.Sale
	sale         models.Sale
	installments []models.Installment
	records      []models.RescheduleRecord
}

func (tx *memoryTx) Sale() models.Sale {
	return tx.snapshot
}

func (tx *memoryTx) Installments(_ context.Context) ([]models.Installment, error) {
	return models.CloneInstallments(tx.installments), nil
}

func (tx *memoryTx) InsertPayment(_ context.Context, payment models.Payment) error {
	for i := range tx.installments {
		if tx.installments[i].ID != payment.InstallmentID {
			continue
		}
		for _, p := range tx.installments[i].Payments {
			if p.ID == payment.ID {
				return models.ConflictError("payment %s already recorded", payment.ID)
			}
		}
		if payment.CreatedAt.IsZero() {
			payment.CreatedAt = time.Now().UTC()
		}
		tx.installments[i].Payments = append(tx.installments[i].Payments, payment)
		return nil
	}
	return models.NotFoundError("installment %d not found in sale %d", payment.InstallmentID, tx.sale.ID)
}

func (tx *memoryTx) UpdateInstallments(_ context.Context, installments []models.Installment) error {
	for _, upd := range installments {
		found := false
		for i := range tx.installments {
			if tx.installments[i].ID != upd.ID {
				continue
			}
			payments := tx.installments[i].Payments
			tx.installments[i] = upd.Clone()
			tx.installments[i].SaleID = tx.sale.ID
			tx.installments[i].Payments = payments
			found = true
			break
		}
		if !found {
			return models.ConcurrencyError("installment %d no longer exists in sale %d", upd.ID, tx.sale.ID)
		}
	}
	return nil
}

func (tx *memoryTx) ReplaceTail(_ context.Context, fromSequence int, installments []models.Installment) ([]models.Installment, error) {
	kept := make([]models.Installment, 0, len(tx.installments))
	for _, inst := range tx.installments {
		if inst.Sequence < fromSequence {
			kept = append(kept, inst)
			continue
		}
		if inst.HasPayments() {
			return nil, models.ConflictError("installment %d has payments and cannot be replaced", inst.Sequence)
		}
	}

	inserted := models.CloneInstallments(installments)
	tx.store.mu.Lock()
	for i := range inserted {
		tx.store.nextInstallmentID++
		inserted[i].ID = tx.store.nextInstallmentID
		inserted[i].SaleID = tx.sale.ID
		inserted[i].Payments = nil
	}
	tx.store.mu.Unlock()

	tx.installments = append(kept, models.CloneInstallments(inserted)...)
	sort.SliceStable(tx.installments, func(i, j int) bool {
		return tx.installments[i].Sequence < tx.installments[j].Sequence
	})
	return inserted, nil
}

func (tx *memoryTx) UpdateSale(_ context.Context, sale *models.Sale) error {
	if sale.Version != tx.sale.Version {
		return models.ConcurrencyError("sale %d is at version %d, update was based on %d", sale.ID, tx.sale.Version, sale.Version)
	}
	sale.Version++
	tx.sale = *sale
	return nil
}

func (tx *memoryTx) InsertRescheduleRecord(_ context.Context, record models.RescheduleRecord) error {
	record.Adjustments = append([]models.Adjustment(nil), record.Adjustments...)
	tx.records = append(tx.records, record)
	return nil
}
