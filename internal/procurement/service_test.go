package procurement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ElPepe57/NewSystem-sub003/internal/masterdata/suppliers"
	"github.com/ElPepe57/NewSystem-sub003/internal/masterdata/warehouses"
	"github.com/ElPepe57/NewSystem-sub003/internal/shared"
	"github.com/ElPepe57/NewSystem-sub003/internal/treasury"
	"github.com/ElPepe57/NewSystem-sub003/internal/units"
)

type memoryRepo struct {
	nextID       int64
	requirements map[int64]*Requirement
	orders       map[int64]*PurchaseOrder
	receipts     []Receipt
	commitErr    error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		requirements: make(map[int64]*Requirement),
		orders:       make(map[int64]*PurchaseOrder),
	}
}

// WithTx restores the previous state on failure so error-path tests see
// transactional behavior. commitErr simulates a failure at commit time,
// after the callback already ran.
func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	savedNext := r.nextID
	savedReqs := make(map[int64]*Requirement, len(r.requirements))
	for id, req := range r.requirements {
		c := *req
		savedReqs[id] = &c
	}
	savedOrders := make(map[int64]*PurchaseOrder, len(r.orders))
	for id, po := range r.orders {
		c := *po
		savedOrders[id] = &c
	}
	savedReceipts := len(r.receipts)

	err := fn(ctx, r)
	if err == nil && r.commitErr != nil {
		err = r.commitErr
		r.commitErr = nil
	}
	if err != nil {
		r.nextID = savedNext
		r.requirements = savedReqs
		r.orders = savedOrders
		r.receipts = r.receipts[:savedReceipts]
		return err
	}
	return nil
}

func (r *memoryRepo) GetRequirement(ctx context.Context, id int64) (Requirement, error) {
	req, ok := r.requirements[id]
	if !ok {
		return Requirement{}, shared.ErrNotFound
	}
	return *req, nil
}

func (r *memoryRepo) FindRequirementByQuotation(ctx context.Context, quotationID int64) (Requirement, error) {
	for _, req := range r.requirements {
		if req.QuotationID != nil && *req.QuotationID == quotationID {
			return *req, nil
		}
	}
	return Requirement{}, shared.ErrNotFound
}

func (r *memoryRepo) GetPO(ctx context.Context, id int64) (PurchaseOrder, error) {
	po, ok := r.orders[id]
	if !ok {
		return PurchaseOrder{}, shared.ErrNotFound
	}
	return *po, nil
}

func (r *memoryRepo) ListPOsByStatus(ctx context.Context, status POStatus, limit int) ([]PurchaseOrder, error) {
	var out []PurchaseOrder
	for _, po := range r.orders {
		if po.Status == status {
			out = append(out, *po)
		}
	}
	return out, nil
}

func (r *memoryRepo) CreateRequirement(ctx context.Context, req Requirement) (int64, error) {
	r.nextID++
	req.ID = r.nextID
	r.requirements[req.ID] = &req
	return req.ID, nil
}

func (r *memoryRepo) InsertRequirementLine(ctx context.Context, line RequirementLine) error {
	req := r.requirements[line.RequirementID]
	line.ID = int64(len(req.Lines) + 1)
	req.Lines = append(req.Lines, line)
	return nil
}

func (r *memoryRepo) CreatePO(ctx context.Context, po PurchaseOrder) (int64, error) {
	r.nextID++
	po.ID = r.nextID
	r.orders[po.ID] = &po
	return po.ID, nil
}

func (r *memoryRepo) InsertPOLine(ctx context.Context, line POLine) error {
	po := r.orders[line.POID]
	line.ID = int64(len(po.Lines) + 1)
	po.Lines = append(po.Lines, line)
	return nil
}

func (r *memoryRepo) UpdatePOStatus(ctx context.Context, id int64, from, to POStatus) (bool, error) {
	po, ok := r.orders[id]
	if !ok || po.Status != from {
		return false, nil
	}
	po.Status = to
	return true, nil
}

func (r *memoryRepo) MarkInventoryGenerated(ctx context.Context, id int64, receivedAt time.Time) (bool, error) {
	po, ok := r.orders[id]
	if !ok || po.InventoryGenerated {
		return false, nil
	}
	po.InventoryGenerated = true
	po.ReceivedAt = &receivedAt
	return true, nil
}

func (r *memoryRepo) SetPaymentRate(ctx context.Context, id int64, rate decimal.Decimal) error {
	r.orders[id].PaymentRate = rate
	return nil
}

func (r *memoryRepo) InsertReceipt(ctx context.Context, receipt Receipt) error {
	r.receipts = append(r.receipts, receipt)
	return nil
}

type fakeLedger struct {
	batches  [][]units.Unit
	failNext error
}

func (l *fakeLedger) CreateBatch(ctx context.Context, list []units.Unit, actorID string) error {
	if l.failNext != nil {
		err := l.failNext
		l.failNext = nil
		return err
	}
	l.batches = append(l.batches, list)
	return nil
}

type idemStub struct {
	keys map[string]bool
}

func newIdemStub() *idemStub { return &idemStub{keys: map[string]bool{}} }

func (s *idemStub) CheckAndInsert(ctx context.Context, key, module string) error {
	if s.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	s.keys[key] = true
	return nil
}

func (s *idemStub) Delete(ctx context.Context, key string) error {
	delete(s.keys, key)
	return nil
}

type warehouseStub struct{}

func (warehouseStub) Get(ctx context.Context, id int64) (warehouses.Warehouse, error) {
	return warehouses.Warehouse{ID: id, Code: "LIM-01", Country: "PE", IsActive: true}, nil
}

type supplierStub struct{}

func (supplierStub) Get(ctx context.Context, id int64) (suppliers.Supplier, error) {
	return suppliers.Supplier{ID: id, Name: "US Wholesale Inc", Country: "US", IsActive: true}, nil
}

type movementStub struct {
	recorded []treasury.Movement
}

func (m *movementStub) RecordMovement(ctx context.Context, mv treasury.Movement) (int64, error) {
	m.recorded = append(m.recorded, mv)
	return int64(len(m.recorded)), nil
}

func newTestService(repo *memoryRepo, ledger *fakeLedger, movements *movementStub) *Service {
	var recorder treasury.MovementRecorder
	if movements != nil {
		recorder = movements
	}
	return NewService(repo, ledger, warehouseStub{}, supplierStub{}, nil, recorder, nil, nil)
}

func orderInTransit(t *testing.T, svc *Service, repo *memoryRepo, requirementID *int64, lines []POLineInput, extras decimal.Decimal) PurchaseOrder {
	t.Helper()
	ctx := context.Background()
	po, err := svc.CreatePurchaseOrder(ctx, CreatePOInput{
		SupplierID:    1,
		RequirementID: requirementID,
		FreightCost:   extras,
		Lines:         lines,
	})
	require.NoError(t, err)
	require.NoError(t, svc.SendPurchaseOrder(ctx, po.ID))
	require.NoError(t, svc.MarkInTransit(ctx, po.ID))
	got, err := repo.GetPO(ctx, po.ID)
	require.NoError(t, err)
	return got
}

func TestCreateRequirementAssignsNumber(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, &fakeLedger{}, nil)

	req, err := svc.CreateRequirement(context.Background(), CreateRequirementInput{
		Lines: []RequirementLineInput{{ProductID: 1, Qty: 10}},
	})
	require.NoError(t, err)
	require.NotZero(t, req.ID)
	require.Contains(t, req.Number, "REQ-")
	require.Equal(t, SourceManual, req.Source)
	require.Len(t, req.Lines, 1)
}

func TestCreateFromShortfallReusesOpenRequirement(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, &fakeLedger{}, nil)
	ctx := context.Background()

	first, err := svc.CreateFromShortfall(ctx, 77, []ShortfallLine{{ProductID: 1, Qty: 3}})
	require.NoError(t, err)
	second, err := svc.CreateFromShortfall(ctx, 77, []ShortfallLine{{ProductID: 2, Qty: 5}})
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Len(t, repo.requirements, 1)

	req, err := repo.GetRequirement(ctx, first)
	require.NoError(t, err)
	require.Equal(t, SourceQuotation, req.Source)
	require.NotNil(t, req.QuotationID)
	require.Equal(t, int64(77), *req.QuotationID)
}

func TestPOStatusFlow(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, &fakeLedger{}, nil)
	ctx := context.Background()

	po, err := svc.CreatePurchaseOrder(ctx, CreatePOInput{
		SupplierID: 1,
		Lines:      []POLineInput{{ProductID: 1, Qty: 5, UnitCostUSD: decimal.NewFromInt(10)}},
	})
	require.NoError(t, err)
	require.Equal(t, POStatusDraft, po.Status)
	require.Equal(t, "USD", po.Currency)

	// Skipping a step is illegal.
	err = svc.MarkInTransit(ctx, po.ID)
	require.True(t, shared.IsIllegalTransition(err))

	require.NoError(t, svc.SendPurchaseOrder(ctx, po.ID))
	require.NoError(t, svc.MarkInTransit(ctx, po.ID))

	got, err := repo.GetPO(ctx, po.ID)
	require.NoError(t, err)
	require.Equal(t, POStatusInTransit, got.Status)
}

func TestCancelReceivedOrderIsIllegal(t *testing.T) {
	repo := newMemoryRepo()
	ledger := &fakeLedger{}
	svc := newTestService(repo, ledger, nil)
	ctx := context.Background()

	po := orderInTransit(t, svc, repo, nil, []POLineInput{{ProductID: 1, Qty: 2, UnitCostUSD: decimal.NewFromInt(10)}}, decimal.Zero)
	_, err := svc.Receive(ctx, ReceiveInput{POID: po.ID, WarehouseID: 1, ActorID: "tester"})
	require.NoError(t, err)

	err = svc.CancelPurchaseOrder(ctx, po.ID)
	require.True(t, shared.IsIllegalTransition(err))
}

func TestRegisterPaymentRecordsMovement(t *testing.T) {
	repo := newMemoryRepo()
	movements := &movementStub{}
	svc := newTestService(repo, &fakeLedger{}, movements)
	ctx := context.Background()

	po, err := svc.CreatePurchaseOrder(ctx, CreatePOInput{
		SupplierID: 1,
		Lines:      []POLineInput{{ProductID: 1, Qty: 5, UnitCostUSD: decimal.NewFromInt(10)}},
	})
	require.NoError(t, err)

	require.NoError(t, svc.RegisterPayment(ctx, po.ID, decimal.NewFromInt(50), "wire", "TRF-9"))
	require.Len(t, movements.recorded, 1)
	require.Equal(t, treasury.KindPurchaseOut, movements.recorded[0].Kind)
	require.Equal(t, "USD", movements.recorded[0].Currency)
}

func TestReceiveSplitsReservedAndFree(t *testing.T) {
	repo := newMemoryRepo()
	ledger := &fakeLedger{}
	svc := newTestService(repo, ledger, nil)
	ctx := context.Background()

	// A quotation-backed requirement asked for 10; purchasing bought 15.
	reqID, err := svc.CreateFromShortfall(ctx, 42, []ShortfallLine{{ProductID: 1, Qty: 10}})
	require.NoError(t, err)
	po := orderInTransit(t, svc, repo, &reqID, []POLineInput{{ProductID: 1, Qty: 15, UnitCostUSD: decimal.NewFromInt(20)}}, decimal.Zero)

	receipt, err := svc.Receive(ctx, ReceiveInput{POID: po.ID, WarehouseID: 3, ActorID: "tester"})
	require.NoError(t, err)
	require.Equal(t, 10, receipt.Reserved)
	require.Equal(t, 5, receipt.Free)
	require.Len(t, receipt.UnitIDs, 15)

	require.Len(t, ledger.batches, 1)
	reserved, free := 0, 0
	for _, u := range ledger.batches[0] {
		require.Equal(t, int64(3), u.WarehouseID)
		require.Equal(t, "PE", u.Country)
		switch u.State {
		case units.StateReserved:
			require.NotNil(t, u.QuotationID)
			require.Equal(t, int64(42), *u.QuotationID)
			reserved++
		case units.StateAvailableLocal:
			require.Nil(t, u.QuotationID)
			free++
		default:
			t.Fatalf("unexpected state %q", u.State)
		}
	}
	require.Equal(t, 10, reserved)
	require.Equal(t, 5, free)
}

func TestReceiveSplitSharesBudgetAcrossLines(t *testing.T) {
	repo := newMemoryRepo()
	ledger := &fakeLedger{}
	svc := newTestService(repo, ledger, nil)
	ctx := context.Background()

	// The requirement asks for 10 of product 1; purchasing bought 16 of it
	// split over two lines. The requested budget covers the product, not
	// each line, so only 10 units pre-reserve.
	reqID, err := svc.CreateFromShortfall(ctx, 42, []ShortfallLine{{ProductID: 1, Qty: 10}})
	require.NoError(t, err)
	po := orderInTransit(t, svc, repo, &reqID, []POLineInput{
		{ProductID: 1, Qty: 8, UnitCostUSD: decimal.NewFromInt(20)},
		{ProductID: 1, Qty: 8, UnitCostUSD: decimal.NewFromInt(20)},
	}, decimal.Zero)

	receipt, err := svc.Receive(ctx, ReceiveInput{POID: po.ID, WarehouseID: 1, ActorID: "tester"})
	require.NoError(t, err)
	require.Equal(t, 10, receipt.Reserved)
	require.Equal(t, 6, receipt.Free)

	reserved := 0
	for _, u := range ledger.batches[0] {
		if u.State == units.StateReserved {
			reserved++
		}
	}
	require.Equal(t, 10, reserved)
}

func TestReceiveLedgerFailureRollsBackAndRetries(t *testing.T) {
	repo := newMemoryRepo()
	ledger := &fakeLedger{failNext: errors.New("insert failed")}
	idem := newIdemStub()
	svc := NewService(repo, ledger, warehouseStub{}, supplierStub{}, nil, nil, nil, idem)
	ctx := context.Background()

	po := orderInTransit(t, svc, repo, nil, []POLineInput{{ProductID: 1, Qty: 2, UnitCostUSD: decimal.NewFromInt(10)}}, decimal.Zero)
	_, err := svc.Receive(ctx, ReceiveInput{POID: po.ID, WarehouseID: 1, ActorID: "tester"})
	require.Error(t, err)

	// No units were created, so everything unwinds and the receive
	// stays retriable.
	require.Empty(t, repo.receipts)
	require.Empty(t, idem.keys)
	got, err := repo.GetPO(ctx, po.ID)
	require.NoError(t, err)
	require.False(t, got.InventoryGenerated)
	require.Equal(t, POStatusInTransit, got.Status)

	receipt, err := svc.Receive(ctx, ReceiveInput{POID: po.ID, WarehouseID: 1, ActorID: "tester"})
	require.NoError(t, err)
	require.Equal(t, 2, receipt.Free)
	require.Len(t, ledger.batches, 1)
}

func TestReceiveKeepsGuardOnceBatchExists(t *testing.T) {
	repo := newMemoryRepo()
	ledger := &fakeLedger{}
	idem := newIdemStub()
	svc := NewService(repo, ledger, warehouseStub{}, supplierStub{}, nil, nil, nil, idem)
	ctx := context.Background()

	po := orderInTransit(t, svc, repo, nil, []POLineInput{{ProductID: 1, Qty: 2, UnitCostUSD: decimal.NewFromInt(10)}}, decimal.Zero)
	repo.commitErr = errors.New("connection reset")
	_, err := svc.Receive(ctx, ReceiveInput{POID: po.ID, WarehouseID: 1, ActorID: "tester"})
	require.Error(t, err)
	require.Len(t, ledger.batches, 1)

	// The units outlived the rolled-back order writes, so the guard must
	// survive and block a second batch.
	_, err = svc.Receive(ctx, ReceiveInput{POID: po.ID, WarehouseID: 1, ActorID: "tester"})
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)
	require.Len(t, ledger.batches, 1)
}

func TestReceiveWithoutQuotationLinkIsAllFree(t *testing.T) {
	repo := newMemoryRepo()
	ledger := &fakeLedger{}
	svc := newTestService(repo, ledger, nil)
	ctx := context.Background()

	// A manual requirement has no quotation, so nothing pre-reserves.
	req, err := svc.CreateRequirement(ctx, CreateRequirementInput{
		Lines: []RequirementLineInput{{ProductID: 1, Qty: 10}},
	})
	require.NoError(t, err)
	po := orderInTransit(t, svc, repo, &req.ID, []POLineInput{{ProductID: 1, Qty: 10, UnitCostUSD: decimal.NewFromInt(20)}}, decimal.Zero)

	receipt, err := svc.Receive(ctx, ReceiveInput{POID: po.ID, WarehouseID: 1, ActorID: "tester"})
	require.NoError(t, err)
	require.Zero(t, receipt.Reserved)
	require.Equal(t, 10, receipt.Free)
}

func TestReceiveProratesLandedCost(t *testing.T) {
	repo := newMemoryRepo()
	ledger := &fakeLedger{}
	svc := newTestService(repo, ledger, nil)
	ctx := context.Background()

	// 10 units at $20 plus $50 freight: landed cost $25 each.
	po := orderInTransit(t, svc, repo, nil, []POLineInput{{ProductID: 1, Qty: 10, UnitCostUSD: decimal.NewFromInt(20)}}, decimal.NewFromInt(50))

	_, err := svc.Receive(ctx, ReceiveInput{POID: po.ID, WarehouseID: 1, ActorID: "tester"})
	require.NoError(t, err)
	for _, u := range ledger.batches[0] {
		require.True(t, u.UnitCostUSD.Equal(decimal.NewFromInt(25)), "landed cost %s", u.UnitCostUSD)
	}
}

func TestReceiveIsOneShot(t *testing.T) {
	repo := newMemoryRepo()
	ledger := &fakeLedger{}
	svc := newTestService(repo, ledger, nil)
	ctx := context.Background()

	po := orderInTransit(t, svc, repo, nil, []POLineInput{{ProductID: 1, Qty: 2, UnitCostUSD: decimal.NewFromInt(10)}}, decimal.Zero)
	_, err := svc.Receive(ctx, ReceiveInput{POID: po.ID, WarehouseID: 1, ActorID: "tester"})
	require.NoError(t, err)

	_, err = svc.Receive(ctx, ReceiveInput{POID: po.ID, WarehouseID: 1, ActorID: "tester"})
	require.True(t, shared.IsConflict(err))
	require.Len(t, ledger.batches, 1)
}

func TestReceiveRequiresInTransit(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, &fakeLedger{}, nil)
	ctx := context.Background()

	po, err := svc.CreatePurchaseOrder(ctx, CreatePOInput{
		SupplierID: 1,
		Lines:      []POLineInput{{ProductID: 1, Qty: 2, UnitCostUSD: decimal.NewFromInt(10)}},
	})
	require.NoError(t, err)

	_, err = svc.Receive(ctx, ReceiveInput{POID: po.ID, WarehouseID: 1, ActorID: "tester"})
	require.True(t, shared.IsIllegalTransition(err))
}
