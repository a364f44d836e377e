package units

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func datedUnit(expiry *time.Time, arrived time.Time) Unit {
	return Unit{ID: uuid.New(), ProductID: 1, State: StateAvailableLocal, ExpiresAt: expiry, ArrivedAt: arrived}
}

func TestPickEarliestExpiryFirst(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	e1 := base.AddDate(0, 0, 10)
	e2 := base.AddDate(0, 0, 20)
	e3 := base.AddDate(0, 0, 30)

	// Arrival order: E3, nil, E1, nil, E2.
	pool := []Unit{
		datedUnit(&e3, base),
		datedUnit(nil, base.Add(1*time.Hour)),
		datedUnit(&e1, base.Add(2*time.Hour)),
		datedUnit(nil, base.Add(3*time.Hour)),
		datedUnit(&e2, base.Add(4*time.Hour)),
	}

	sel := Pick(pool, 3)
	require.True(t, sel.FullyCovered())
	require.Len(t, sel.Units, 3)
	require.Equal(t, e1, *sel.Units[0].ExpiresAt)
	require.Equal(t, e2, *sel.Units[1].ExpiresAt)
	require.Equal(t, e3, *sel.Units[2].ExpiresAt)
	for _, u := range sel.Units {
		require.NotNil(t, u.ExpiresAt, "undated units must not be picked while dated ones remain")
	}
}

func TestPickUndatedByArrival(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	second := datedUnit(nil, base.Add(2*time.Hour))
	first := datedUnit(nil, base)

	sel := Pick([]Unit{second, first}, 1)
	require.Len(t, sel.Units, 1)
	require.Equal(t, first.ID, sel.Units[0].ID)
}

func TestPickShortfall(t *testing.T) {
	base := time.Now().UTC()
	sel := Pick([]Unit{datedUnit(nil, base)}, 3)
	require.Len(t, sel.Units, 1)
	require.Equal(t, 2, sel.Shortfall)
	require.False(t, sel.FullyCovered())
}

func TestPickZeroQty(t *testing.T) {
	sel := Pick([]Unit{datedUnit(nil, time.Now().UTC())}, 0)
	require.Empty(t, sel.Units)
	require.Zero(t, sel.Shortfall)
}

func TestSortFEFOTieBreakByID(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	expiry := base.AddDate(0, 0, 5)
	a := datedUnit(&expiry, base)
	b := datedUnit(&expiry, base)

	list := []Unit{a, b}
	SortFEFO(list)
	require.Equal(t, list[0].ID.String() < list[1].ID.String(), true)

	// Deterministic regardless of input order.
	list = []Unit{b, a}
	SortFEFO(list)
	require.True(t, list[0].ID.String() < list[1].ID.String())
}
