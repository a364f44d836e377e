package reservation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ElPepe57/NewSystem-sub003/internal/shared"
	"github.com/ElPepe57/NewSystem-sub003/internal/units"
)

type fakeLedger struct {
	stock map[int64]int // product -> available units
	held  map[int64]map[int64]int // quotation -> product -> held
	fail  error
}

func newFakeLedger(stock map[int64]int) *fakeLedger {
	return &fakeLedger{stock: stock, held: make(map[int64]map[int64]int)}
}

func (l *fakeLedger) Reserve(ctx context.Context, productID int64, qty int, quotationID int64, actorID string) (units.Selection, error) {
	if l.fail != nil {
		return units.Selection{}, l.fail
	}
	take := qty
	if l.stock[productID] < take {
		take = l.stock[productID]
	}
	l.stock[productID] -= take
	if l.held[quotationID] == nil {
		l.held[quotationID] = make(map[int64]int)
	}
	l.held[quotationID][productID] += take
	sel := units.Selection{Shortfall: qty - take}
	for i := 0; i < take; i++ {
		sel.Units = append(sel.Units, units.Unit{ID: uuid.New(), ProductID: productID})
	}
	return sel, nil
}

func (l *fakeLedger) ReleaseQuotation(ctx context.Context, quotationID int64, reason, actorID string) (int, error) {
	if l.fail != nil {
		return 0, l.fail
	}
	released := 0
	for productID, n := range l.held[quotationID] {
		l.stock[productID] += n
		released += n
	}
	delete(l.held, quotationID)
	return released, nil
}

type fakeRequirements struct {
	calls []struct {
		quotationID int64
		lines       []ShortfallLine
	}
	nextID int64
}

func (r *fakeRequirements) CreateFromShortfall(ctx context.Context, quotationID int64, lines []ShortfallLine) (int64, error) {
	r.calls = append(r.calls, struct {
		quotationID int64
		lines       []ShortfallLine
	}{quotationID, lines})
	r.nextID++
	return r.nextID, nil
}

type memoryRepo struct {
	reservations map[int64]Reservation
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{reservations: make(map[int64]Reservation)}
}

func (r *memoryRepo) Save(ctx context.Context, res Reservation) error {
	r.reservations[res.QuotationID] = res
	return nil
}

func (r *memoryRepo) Get(ctx context.Context, quotationID int64) (Reservation, error) {
	res, ok := r.reservations[quotationID]
	if !ok {
		return Reservation{}, shared.ErrNotFound
	}
	return res, nil
}

func (r *memoryRepo) SetReleaseState(ctx context.Context, quotationID int64, pending bool, releasedAt *time.Time) error {
	res, ok := r.reservations[quotationID]
	if !ok {
		return shared.ErrNotFound
	}
	res.ReleasePending = pending
	res.ReleasedAt = releasedAt
	r.reservations[quotationID] = res
	return nil
}

func (r *memoryRepo) ListReleasePending(ctx context.Context) ([]int64, error) {
	var ids []int64
	for id, res := range r.reservations {
		if res.ReleasePending {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func TestReserveFullyBackedIsFisica(t *testing.T) {
	ledger := newFakeLedger(map[int64]int{1: 5, 2: 5})
	repo := newMemoryRepo()
	svc := NewService(repo, ledger, &fakeRequirements{}, nil, ServiceConfig{})

	res, err := svc.Reserve(context.Background(), 10, []RequestLine{{ProductID: 1, Qty: 3}, {ProductID: 2, Qty: 2}}, "tester")
	require.NoError(t, err)
	require.Equal(t, KindFisica, res.Kind)
	require.Len(t, res.Lines, 2)
	for _, line := range res.Lines {
		require.Zero(t, line.Virtual)
		require.Equal(t, line.Requested, line.Physical)
		require.Len(t, line.UnitIDs, line.Physical)
		require.Nil(t, line.EstimatedAt)
	}
}

func TestReserveShortfallDegradesToVirtual(t *testing.T) {
	ledger := newFakeLedger(map[int64]int{1: 2})
	repo := newMemoryRepo()
	reqs := &fakeRequirements{}
	svc := NewService(repo, ledger, reqs, nil, ServiceConfig{EstimatedLeadDays: 14})

	res, err := svc.Reserve(context.Background(), 20, []RequestLine{{ProductID: 1, Qty: 5}}, "tester")
	require.NoError(t, err)
	require.Equal(t, KindVirtual, res.Kind)
	require.Equal(t, 2, res.Lines[0].Physical)
	require.Equal(t, 3, res.Lines[0].Virtual)
	require.NotNil(t, res.Lines[0].EstimatedAt)
	require.NotNil(t, res.Lines[0].RequirementID)

	// The available portion is still held even though coverage is partial.
	require.Equal(t, 2, ledger.held[20][1])

	require.Len(t, reqs.calls, 1)
	require.Equal(t, int64(20), reqs.calls[0].quotationID)
	require.Equal(t, []ShortfallLine{{ProductID: 1, Qty: 3}}, reqs.calls[0].lines)
}

func TestReserveZeroStockIsAllVirtual(t *testing.T) {
	ledger := newFakeLedger(map[int64]int{1: 0})
	svc := NewService(newMemoryRepo(), ledger, &fakeRequirements{}, nil, ServiceConfig{})

	res, err := svc.Reserve(context.Background(), 30, []RequestLine{{ProductID: 1, Qty: 4}}, "tester")
	require.NoError(t, err)
	require.Equal(t, KindVirtual, res.Kind)
	require.Zero(t, res.Lines[0].Physical)
	require.Equal(t, 4, res.Lines[0].Virtual)
	require.Empty(t, res.Lines[0].UnitIDs)
}

func TestReserveValidation(t *testing.T) {
	svc := NewService(newMemoryRepo(), newFakeLedger(nil), nil, nil, ServiceConfig{})
	_, err := svc.Reserve(context.Background(), 0, []RequestLine{{ProductID: 1, Qty: 1}}, "tester")
	require.True(t, shared.IsValidation(err))
	_, err = svc.Reserve(context.Background(), 1, nil, "tester")
	require.True(t, shared.IsValidation(err))
	_, err = svc.Reserve(context.Background(), 1, []RequestLine{{ProductID: 1, Qty: 0}}, "tester")
	require.True(t, shared.IsValidation(err))
}

func TestReleaseRoundTrip(t *testing.T) {
	ledger := newFakeLedger(map[int64]int{1: 3})
	repo := newMemoryRepo()
	svc := NewService(repo, ledger, &fakeRequirements{}, nil, ServiceConfig{})
	ctx := context.Background()

	_, err := svc.Reserve(ctx, 40, []RequestLine{{ProductID: 1, Qty: 3}}, "tester")
	require.NoError(t, err)
	require.Zero(t, ledger.stock[1])

	require.NoError(t, svc.Release(ctx, 40, "quotation expired", "tester"))
	require.Equal(t, 3, ledger.stock[1])

	res, err := svc.Get(ctx, 40)
	require.NoError(t, err)
	require.False(t, res.ReleasePending)
	require.NotNil(t, res.ReleasedAt)
}

func TestReleaseUnknownQuotationIsNoop(t *testing.T) {
	svc := NewService(newMemoryRepo(), newFakeLedger(nil), nil, nil, ServiceConfig{})
	require.NoError(t, svc.Release(context.Background(), 999, "expired", "tester"))
}

func TestReleaseFailureLeavesPendingMarker(t *testing.T) {
	ledger := newFakeLedger(map[int64]int{1: 2})
	repo := newMemoryRepo()
	svc := NewService(repo, ledger, &fakeRequirements{}, nil, ServiceConfig{})
	ctx := context.Background()

	_, err := svc.Reserve(ctx, 50, []RequestLine{{ProductID: 1, Qty: 2}}, "tester")
	require.NoError(t, err)

	ledger.fail = errors.New("ledger down")
	require.Error(t, svc.Release(ctx, 50, "rejected", "tester"))
	res, err := svc.Get(ctx, 50)
	require.NoError(t, err)
	require.True(t, res.ReleasePending)
}

func TestReconcilePendingFinishesInterruptedReleases(t *testing.T) {
	ledger := newFakeLedger(map[int64]int{1: 2})
	repo := newMemoryRepo()
	svc := NewService(repo, ledger, &fakeRequirements{}, nil, ServiceConfig{})
	ctx := context.Background()

	_, err := svc.Reserve(ctx, 60, []RequestLine{{ProductID: 1, Qty: 2}}, "tester")
	require.NoError(t, err)
	ledger.fail = errors.New("ledger down")
	require.Error(t, svc.Release(ctx, 60, "rejected", "tester"))

	ledger.fail = nil
	done, err := svc.ReconcilePending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, done)
	require.Equal(t, 2, ledger.stock[1])

	res, err := svc.Get(ctx, 60)
	require.NoError(t, err)
	require.False(t, res.ReleasePending)

	// Nothing left to reconcile.
	done, err = svc.ReconcilePending(ctx)
	require.NoError(t, err)
	require.Zero(t, done)
}
