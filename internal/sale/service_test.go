package sale

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ElPepe57/NewSystem-sub003/internal/shared"
	"github.com/ElPepe57/NewSystem-sub003/internal/units"
)

type memoryRepo struct {
	nextID int64
	sales  map[int64]*Sale
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{sales: make(map[int64]*Sale)}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, r)
}

func (r *memoryRepo) Get(ctx context.Context, id int64) (Sale, error) {
	s, ok := r.sales[id]
	if !ok {
		return Sale{}, shared.ErrNotFound
	}
	return *s, nil
}

func (r *memoryRepo) List(ctx context.Context, status *Status, limit, offset int) ([]Sale, error) {
	var out []Sale
	for _, s := range r.sales {
		if status != nil && s.Status != *status {
			continue
		}
		out = append(out, *s)
	}
	return out, nil
}

func (r *memoryRepo) Create(ctx context.Context, s Sale) (int64, error) {
	r.nextID++
	s.ID = r.nextID
	r.sales[s.ID] = &s
	return s.ID, nil
}

func (r *memoryRepo) InsertLine(ctx context.Context, line Line) (int64, error) {
	s := r.sales[line.SaleID]
	line.ID = int64(len(s.Lines) + 1)
	s.Lines = append(s.Lines, line)
	return line.ID, nil
}

func (r *memoryRepo) UpdateLineAssignment(ctx context.Context, lineID int64, assigned []uuid.UUID, cost decimal.Decimal) error {
	for _, s := range r.sales {
		for i := range s.Lines {
			if s.Lines[i].ID == lineID {
				s.Lines[i].AssignedIDs = assigned
				s.Lines[i].AssignedCost = cost
				return nil
			}
		}
	}
	return shared.ErrNotFound
}

func (r *memoryRepo) UpdateStatus(ctx context.Context, id int64, from, to Status, deliveredAt *time.Time) (bool, error) {
	s, ok := r.sales[id]
	if !ok || s.Status != from {
		return false, nil
	}
	s.Status = to
	s.DeliveredAt = deliveredAt
	return true, nil
}

func (r *memoryRepo) SetAllocationResult(ctx context.Context, id int64, stockShort bool, realizedCost decimal.Decimal) error {
	s := r.sales[id]
	s.StockShort = stockShort
	s.RealizedCostUSD = realizedCost
	return nil
}

// fakeLedger hands out units from a per-product counter, remembering what it
// already assigned per sale so repeated calls stay idempotent.
type fakeLedger struct {
	stock     map[int64]int
	unitCost  decimal.Decimal
	assigned  map[int64]map[int64][]units.Unit // sale -> product -> units
	delivered []int64
}

func newFakeLedger(stock map[int64]int, unitCost decimal.Decimal) *fakeLedger {
	return &fakeLedger{stock: stock, unitCost: unitCost, assigned: make(map[int64]map[int64][]units.Unit)}
}

func (l *fakeLedger) AssignToSale(ctx context.Context, productID int64, qty int, quotationID *int64, saleID int64, actorID string) (units.Selection, error) {
	if l.assigned[saleID] == nil {
		l.assigned[saleID] = make(map[int64][]units.Unit)
	}
	kept := l.assigned[saleID][productID]
	need := qty - len(kept)
	for i := 0; i < need && l.stock[productID] > 0; i++ {
		l.stock[productID]--
		kept = append(kept, units.Unit{ID: uuid.New(), ProductID: productID, UnitCostUSD: l.unitCost, SaleID: &saleID})
	}
	l.assigned[saleID][productID] = kept
	return units.Selection{Units: kept, Shortfall: qty - len(kept)}, nil
}

func (l *fakeLedger) DeliverSale(ctx context.Context, saleID int64, actorID string) (int, error) {
	l.delivered = append(l.delivered, saleID)
	n := 0
	for _, list := range l.assigned[saleID] {
		n += len(list)
	}
	return n, nil
}

func saleInput(lines ...CreateLineInput) CreateInput {
	return CreateInput{
		QuotationID:     42,
		QuotationNumber: "COT-000042",
		CustomerName:    "Maria Quispe",
		Total:           decimal.NewFromInt(1000),
		Lines:           lines,
		ActorID:         "tester",
	}
}

func TestCreateFromQuotationFullyAllocated(t *testing.T) {
	repo := newMemoryRepo()
	ledger := newFakeLedger(map[int64]int{1: 5}, decimal.NewFromInt(20))
	svc := NewService(repo, ledger, nil, nil)

	sal, err := svc.CreateFromQuotation(context.Background(), saleInput(
		CreateLineInput{ProductID: 1, Qty: 3, UnitPrice: decimal.NewFromInt(100)},
	))
	require.NoError(t, err)
	require.Equal(t, StatusAllocated, sal.Status)
	require.False(t, sal.StockShort)
	require.True(t, sal.Allocated())
	require.Len(t, sal.Lines[0].AssignedIDs, 3)
	require.True(t, sal.RealizedCostUSD.Equal(decimal.NewFromInt(60)))
	require.Contains(t, sal.Number, "VEN-")
}

func TestCreateFromQuotationStockShort(t *testing.T) {
	repo := newMemoryRepo()
	ledger := newFakeLedger(map[int64]int{1: 1}, decimal.NewFromInt(20))
	svc := NewService(repo, ledger, nil, nil)

	sal, err := svc.CreateFromQuotation(context.Background(), saleInput(
		CreateLineInput{ProductID: 1, Qty: 3, UnitPrice: decimal.NewFromInt(100)},
	))
	require.NoError(t, err)
	require.Equal(t, StatusPendingStock, sal.Status)
	require.True(t, sal.StockShort)
	require.False(t, sal.Allocated())
	require.Len(t, sal.Lines[0].AssignedIDs, 1)
}

func TestAllocateRetryCompletesAfterRestock(t *testing.T) {
	repo := newMemoryRepo()
	ledger := newFakeLedger(map[int64]int{1: 1}, decimal.NewFromInt(20))
	svc := NewService(repo, ledger, nil, nil)
	ctx := context.Background()

	sal, err := svc.CreateFromQuotation(ctx, saleInput(
		CreateLineInput{ProductID: 1, Qty: 3, UnitPrice: decimal.NewFromInt(100)},
	))
	require.NoError(t, err)
	require.Equal(t, StatusPendingStock, sal.Status)

	// A purchase order landed.
	ledger.stock[1] = 10
	done, err := svc.Allocate(ctx, sal.ID, "tester")
	require.NoError(t, err)
	require.Equal(t, StatusAllocated, done.Status)
	require.False(t, done.StockShort)
	require.Len(t, done.Lines[0].AssignedIDs, 3)
	require.True(t, done.RealizedCostUSD.Equal(decimal.NewFromInt(60)))
}

func TestAllocateOnAllocatedSaleIsIllegal(t *testing.T) {
	repo := newMemoryRepo()
	ledger := newFakeLedger(map[int64]int{1: 5}, decimal.NewFromInt(20))
	svc := NewService(repo, ledger, nil, nil)
	ctx := context.Background()

	sal, err := svc.CreateFromQuotation(ctx, saleInput(
		CreateLineInput{ProductID: 1, Qty: 2, UnitPrice: decimal.NewFromInt(100)},
	))
	require.NoError(t, err)

	_, err = svc.Allocate(ctx, sal.ID, "tester")
	require.True(t, shared.IsIllegalTransition(err))
}

func TestDeliverMovesUnitsAndStamps(t *testing.T) {
	repo := newMemoryRepo()
	ledger := newFakeLedger(map[int64]int{1: 5}, decimal.NewFromInt(20))
	svc := NewService(repo, ledger, nil, nil)
	ctx := context.Background()

	sal, err := svc.CreateFromQuotation(ctx, saleInput(
		CreateLineInput{ProductID: 1, Qty: 2, UnitPrice: decimal.NewFromInt(100)},
	))
	require.NoError(t, err)

	delivered, err := svc.Deliver(ctx, sal.ID, "tester")
	require.NoError(t, err)
	require.Equal(t, StatusDelivered, delivered.Status)
	require.NotNil(t, delivered.DeliveredAt)
	require.Contains(t, ledger.delivered, sal.ID)
}

func TestDeliverPendingStockIsIllegal(t *testing.T) {
	repo := newMemoryRepo()
	ledger := newFakeLedger(map[int64]int{1: 1}, decimal.NewFromInt(20))
	svc := NewService(repo, ledger, nil, nil)
	ctx := context.Background()

	sal, err := svc.CreateFromQuotation(ctx, saleInput(
		CreateLineInput{ProductID: 1, Qty: 3, UnitPrice: decimal.NewFromInt(100)},
	))
	require.NoError(t, err)

	_, err = svc.Deliver(ctx, sal.ID, "tester")
	require.True(t, shared.IsIllegalTransition(err))
}

func TestDeliverIncompleteAllocationRefused(t *testing.T) {
	repo := newMemoryRepo()
	ledger := newFakeLedger(map[int64]int{1: 5}, decimal.NewFromInt(20))
	svc := NewService(repo, ledger, nil, nil)
	ctx := context.Background()

	sal, err := svc.CreateFromQuotation(ctx, saleInput(
		CreateLineInput{ProductID: 1, Qty: 2, UnitPrice: decimal.NewFromInt(100)},
	))
	require.NoError(t, err)

	// Simulate a line losing its units after allocation.
	repo.sales[sal.ID].Lines[0].AssignedIDs = nil
	_, err = svc.Deliver(ctx, sal.ID, "tester")
	require.True(t, errors.Is(err, shared.ErrInsufficientStock))
}

func TestCreateValidation(t *testing.T) {
	svc := NewService(newMemoryRepo(), newFakeLedger(nil, decimal.Zero), nil, nil)
	ctx := context.Background()

	_, err := svc.CreateFromQuotation(ctx, CreateInput{Lines: []CreateLineInput{{ProductID: 1, Qty: 1}}})
	require.True(t, shared.IsValidation(err))
	_, err = svc.CreateFromQuotation(ctx, CreateInput{QuotationID: 1})
	require.True(t, shared.IsValidation(err))
}
