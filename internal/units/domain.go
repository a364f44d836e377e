package units

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// State enumerates the lifecycle of an individually-identified unit. A unit
// is visible in exactly one state at a time and is never partially reserved.
type State string

const (
	// StateReceivedUSA marks a unit received at the US warehouse, not yet shipped.
	StateReceivedUSA State = "received_usa"
	// StateInTransit marks a unit on its way to the local country.
	StateInTransit State = "in_transit"
	// StateAvailableLocal marks a sellable, un-reserved unit.
	StateAvailableLocal State = "available_local"
	// StateReserved ties a unit to one quotation, not yet sold.
	StateReserved State = "reserved"
	// StateAssignedToSale locks a unit to a confirmed sale pending delivery.
	StateAssignedToSale State = "assigned_to_sale"
	// StateDelivered is terminal.
	StateDelivered State = "delivered"
	// StateReturnedToPool is the transitional state on the way back to
	// available_local after a reservation or sale is cancelled.
	StateReturnedToPool State = "cancelled_returned_to_pool"
)

// allowedTransitions is the per-unit state machine. Mutations that do not
// match an edge here fail with IllegalTransitionError before touching rows.
var allowedTransitions = map[State][]State{
	StateReceivedUSA:    {StateInTransit},
	StateInTransit:      {StateAvailableLocal},
	StateAvailableLocal: {StateReserved, StateAssignedToSale},
	StateReserved:       {StateAssignedToSale, StateReturnedToPool},
	StateAssignedToSale: {StateDelivered, StateReturnedToPool},
	StateReturnedToPool: {StateAvailableLocal},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to State) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Unit is one physical item. Units are created in bulk at goods receipt and
// never deleted; cost basis and state history stay auditable.
type Unit struct {
	ID              uuid.UUID
	ProductID       int64
	WarehouseID     int64
	Country         string
	Lot             string
	ExpiresAt       *time.Time
	UnitCostUSD     decimal.Decimal
	PurchaseRate    decimal.Decimal
	PaymentRate     decimal.Decimal
	PurchaseOrderID int64
	State           State
	QuotationID     *int64
	SaleID          *int64
	ArrivedAt       time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// StateChange carries the business context of a SetState call. The pair of
// target references makes repeated calls for the same event detectable.
type StateChange struct {
	To          State
	QuotationID *int64
	SaleID      *int64
	Reason      string
	ActorID     string
}

// StateLog is the append-only record of every unit transition.
type StateLog struct {
	UnitID    uuid.UUID
	From      State
	To        State
	Reason    string
	ActorID   string
	ChangedAt time.Time
}

// QueryFilter narrows Query results.
type QueryFilter struct {
	ProductID   int64
	State       State
	WarehouseID int64
	Country     string
	Limit       int
}

// sameTarget reports whether the unit already points at the change's
// business references. Equal state plus equal target means the same event
// was applied before and the call is a no-op.
func sameTarget(u Unit, change StateChange) bool {
	if !eqInt64Ptr(u.QuotationID, change.QuotationID) {
		return false
	}
	return eqInt64Ptr(u.SaleID, change.SaleID)
}

func eqInt64Ptr(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
