package units

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ElPepe57/NewSystem-sub003/internal/shared"
)

type memoryRepo struct {
	units map[uuid.UUID]*Unit
	logs  []StateLog

	// forceConflicts makes the next N UpdateState calls lose the CAS.
	forceConflicts int
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{units: make(map[uuid.UUID]*Unit)}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryTx{repo: r})
}

func (r *memoryRepo) Query(ctx context.Context, filter QueryFilter) ([]Unit, error) {
	var out []Unit
	for _, u := range r.units {
		if filter.ProductID != 0 && u.ProductID != filter.ProductID {
			continue
		}
		if filter.State != "" && u.State != filter.State {
			continue
		}
		if filter.Country != "" && u.Country != filter.Country {
			continue
		}
		out = append(out, *u)
	}
	return out, nil
}

func (r *memoryRepo) CountByState(ctx context.Context, productID int64, state State) (int, error) {
	n := 0
	for _, u := range r.units {
		if u.ProductID == productID && u.State == state {
			n++
		}
	}
	return n, nil
}

func (r *memoryRepo) Get(ctx context.Context, id uuid.UUID) (Unit, error) {
	if u, ok := r.units[id]; ok {
		return *u, nil
	}
	return Unit{}, shared.ErrNotFound
}

func (tx *memoryTx) InsertUnits(ctx context.Context, list []Unit) error {
	for i := range list {
		u := list[i]
		tx.repo.units[u.ID] = &u
	}
	return nil
}

func (tx *memoryTx) GetUnit(ctx context.Context, id uuid.UUID) (Unit, error) {
	return tx.repo.Get(ctx, id)
}

func (tx *memoryTx) SelectByStateFEFO(ctx context.Context, productID int64, state State, quotationID *int64, limit int) ([]Unit, error) {
	var pool []Unit
	for _, u := range tx.repo.units {
		if u.ProductID != productID || u.State != state {
			continue
		}
		if quotationID != nil && (u.QuotationID == nil || *u.QuotationID != *quotationID) {
			continue
		}
		pool = append(pool, *u)
	}
	SortFEFO(pool)
	if len(pool) > limit {
		pool = pool[:limit]
	}
	return pool, nil
}

func (tx *memoryTx) UpdateState(ctx context.Context, id uuid.UUID, from, to State, quotationID, saleID *int64) (bool, error) {
	if tx.repo.forceConflicts > 0 {
		tx.repo.forceConflicts--
		return false, nil
	}
	u, ok := tx.repo.units[id]
	if !ok || u.State != from {
		return false, nil
	}
	u.State = to
	u.QuotationID = quotationID
	u.SaleID = saleID
	return true, nil
}

func (tx *memoryTx) InsertStateLog(ctx context.Context, log StateLog) error {
	log.ChangedAt = time.Now().UTC()
	tx.repo.logs = append(tx.repo.logs, log)
	return nil
}

func (tx *memoryTx) ListByQuotation(ctx context.Context, quotationID int64, state State) ([]Unit, error) {
	var out []Unit
	for _, u := range tx.repo.units {
		if u.QuotationID != nil && *u.QuotationID == quotationID && u.State == state {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (tx *memoryTx) ListBySale(ctx context.Context, saleID int64) ([]Unit, error) {
	var out []Unit
	for _, u := range tx.repo.units {
		if u.SaleID != nil && *u.SaleID == saleID {
			out = append(out, *u)
		}
	}
	return out, nil
}

func seedAvailable(t *testing.T, svc *Service, productID int64, n int, expiries []*time.Time) []Unit {
	t.Helper()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	units := make([]Unit, 0, n)
	for i := 0; i < n; i++ {
		var expiry *time.Time
		if expiries != nil {
			expiry = expiries[i]
		}
		units = append(units, Unit{
			ID:        uuid.New(),
			ProductID: productID,
			State:     StateAvailableLocal,
			ExpiresAt: expiry,
			ArrivedAt: base.Add(time.Duration(i) * time.Hour),
		})
	}
	require.NoError(t, svc.CreateBatch(context.Background(), units, "tester"))
	return units
}

func TestReservePartialReportsShortfall(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, ServiceConfig{})
	ctx := context.Background()
	seedAvailable(t, svc, 7, 2, nil)

	sel, err := svc.Reserve(ctx, 7, 5, 42, "tester")
	require.NoError(t, err)
	require.Len(t, sel.Units, 2)
	require.Equal(t, 3, sel.Shortfall)

	available, err := svc.Available(ctx, 7)
	require.NoError(t, err)
	require.Zero(t, available)
	reserved, err := repo.CountByState(ctx, 7, StateReserved)
	require.NoError(t, err)
	require.Equal(t, 2, reserved)
}

func TestReserveTakesEarliestExpiry(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, ServiceConfig{})
	ctx := context.Background()

	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	soon := base.AddDate(0, 0, 3)
	later := base.AddDate(0, 0, 60)
	seedAvailable(t, svc, 9, 3, []*time.Time{&later, nil, &soon})

	sel, err := svc.Reserve(ctx, 9, 1, 11, "tester")
	require.NoError(t, err)
	require.Len(t, sel.Units, 1)
	require.NotNil(t, sel.Units[0].ExpiresAt)
	require.Equal(t, soon, *sel.Units[0].ExpiresAt)
}

func TestSetStateIdempotentPerEvent(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, ServiceConfig{})
	ctx := context.Background()
	units := seedAvailable(t, svc, 3, 1, nil)
	id := units[0].ID
	quotation := int64(5)

	change := StateChange{To: StateReserved, QuotationID: &quotation, ActorID: "tester", Reason: "hold"}
	require.NoError(t, svc.SetState(ctx, id, change))
	// Same event again: no-op, not an error.
	require.NoError(t, svc.SetState(ctx, id, change))
	reserved, err := repo.CountByState(ctx, 3, StateReserved)
	require.NoError(t, err)
	require.Equal(t, 1, reserved)
}

func TestSetStateConflictOnWrongPrecondition(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, ServiceConfig{})
	ctx := context.Background()
	units := seedAvailable(t, svc, 3, 1, nil)
	id := units[0].ID
	sale := int64(9)
	quotation := int64(5)

	require.NoError(t, svc.SetState(ctx, id, StateChange{To: StateAssignedToSale, SaleID: &sale, ActorID: "tester"}))
	// Reserving a unit that is already locked to a sale must conflict.
	err := svc.SetState(ctx, id, StateChange{To: StateReserved, QuotationID: &quotation, ActorID: "tester"})
	require.True(t, shared.IsConflict(err))
}

func TestReservedAndAssignedDisjointFromAvailable(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, ServiceConfig{})
	ctx := context.Background()
	seedAvailable(t, svc, 4, 6, nil)

	_, err := svc.Reserve(ctx, 4, 2, 100, "tester")
	require.NoError(t, err)
	_, err = svc.AssignToSale(ctx, 4, 2, nil, 200, "tester")
	require.NoError(t, err)

	seen := map[uuid.UUID]State{}
	for id, u := range repo.units {
		seen[id] = u.State
	}
	available, _ := repo.CountByState(ctx, 4, StateAvailableLocal)
	reserved, _ := repo.CountByState(ctx, 4, StateReserved)
	assigned, _ := repo.CountByState(ctx, 4, StateAssignedToSale)
	require.Equal(t, 2, available)
	require.Equal(t, 2, reserved)
	require.Equal(t, 2, assigned)
	require.Len(t, seen, 6)
}

func TestAssignToSalePrefersQuotationReservation(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, ServiceConfig{})
	ctx := context.Background()
	seedAvailable(t, svc, 5, 4, nil)
	quotation := int64(77)

	_, err := svc.Reserve(ctx, 5, 2, quotation, "tester")
	require.NoError(t, err)

	sel, err := svc.AssignToSale(ctx, 5, 3, &quotation, 300, "tester")
	require.NoError(t, err)
	require.Len(t, sel.Units, 3)
	require.Zero(t, sel.Shortfall)

	// Nothing reserved for the quotation remains; one free unit topped up.
	reserved, _ := repo.CountByState(ctx, 5, StateReserved)
	require.Zero(t, reserved)
	available, _ := repo.CountByState(ctx, 5, StateAvailableLocal)
	require.Equal(t, 1, available)
}

func TestAssignToSaleIdempotentPerSale(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, ServiceConfig{})
	ctx := context.Background()
	seedAvailable(t, svc, 6, 3, nil)

	first, err := svc.AssignToSale(ctx, 6, 2, nil, 400, "tester")
	require.NoError(t, err)
	require.Len(t, first.Units, 2)

	// Same sale asking again for the same quantity takes nothing new.
	second, err := svc.AssignToSale(ctx, 6, 2, nil, 400, "tester")
	require.NoError(t, err)
	require.Len(t, second.Units, 2)
	assigned, _ := repo.CountByState(ctx, 6, StateAssignedToSale)
	require.Equal(t, 2, assigned)
}

func TestConcurrentAssignNeverDoubleAllocates(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, ServiceConfig{})
	ctx := context.Background()
	seedAvailable(t, svc, 8, 2, nil)

	first, err := svc.AssignToSale(ctx, 8, 2, nil, 500, "tester")
	require.NoError(t, err)
	require.Zero(t, first.Shortfall)

	second, err := svc.AssignToSale(ctx, 8, 2, nil, 501, "tester")
	require.NoError(t, err)
	require.Equal(t, 2, second.Shortfall)
	require.Empty(t, second.Units)

	ids := map[uuid.UUID]bool{}
	for _, u := range first.Units {
		ids[u.ID] = true
	}
	for _, u := range second.Units {
		require.False(t, ids[u.ID], "unit allocated twice")
	}
}

func TestReleaseQuotationReturnsUnitsToPool(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, ServiceConfig{})
	ctx := context.Background()
	seedAvailable(t, svc, 10, 3, nil)
	quotation := int64(88)

	_, err := svc.Reserve(ctx, 10, 3, quotation, "tester")
	require.NoError(t, err)

	released, err := svc.ReleaseQuotation(ctx, quotation, "quotation rejected", "tester")
	require.NoError(t, err)
	require.Equal(t, 3, released)

	available, _ := repo.CountByState(ctx, 10, StateAvailableLocal)
	require.Equal(t, 3, available)
	for _, u := range repo.units {
		require.Nil(t, u.QuotationID)
	}
}

func TestRetryBudgetExhaustionSurfacesAllocationFailed(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, ServiceConfig{RetryBudget: 3})
	ctx := context.Background()
	seedAvailable(t, svc, 11, 1, nil)

	repo.forceConflicts = 10
	_, err := svc.Reserve(ctx, 11, 1, 99, "tester")
	require.Error(t, err)
	require.True(t, errors.Is(err, shared.ErrAllocationFailed))
}

func TestDeliverSaleTerminal(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, ServiceConfig{})
	ctx := context.Background()
	seedAvailable(t, svc, 12, 2, nil)

	_, err := svc.AssignToSale(ctx, 12, 2, nil, 600, "tester")
	require.NoError(t, err)

	delivered, err := svc.DeliverSale(ctx, 600, "tester")
	require.NoError(t, err)
	require.Equal(t, 2, delivered)

	// Delivering again is a no-op.
	delivered, err = svc.DeliverSale(ctx, 600, "tester")
	require.NoError(t, err)
	require.Zero(t, delivered)
}

func TestCreateBatchRejectsReservedWithoutQuotation(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, ServiceConfig{})
	err := svc.CreateBatch(context.Background(), []Unit{{ID: uuid.New(), ProductID: 1, State: StateReserved}}, "tester")
	require.True(t, shared.IsValidation(err))
}
