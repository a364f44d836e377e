// Package quotation implements the customer-facing lifecycle from priced
// offer to confirmed sale. The state machine gates stock reservation behind
// the advance-payment split and is the only caller of the reservation
// manager and the final allocator.
package quotation

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ElPepe57/NewSystem-sub003/internal/reservation"
)

// State is a quotation lifecycle state.
type State string

const (
	StateNueva             State = "nueva"
	StateValidada          State = "validada"
	StatePendienteAdelanto State = "pendiente_adelanto"
	StateAdelantoPagado    State = "adelanto_pagado"
	StateConfirmada        State = "confirmada"
	StateRechazada         State = "rechazada"
	StateVencida           State = "vencida"
)

// allowedTransitions is the canonical transition table. Rejection is
// reachable from every active state and handled separately.
var allowedTransitions = map[State][]State{
	StateNueva:             {StateValidada, StatePendienteAdelanto},
	StateValidada:          {StateNueva, StatePendienteAdelanto, StateConfirmada, StateVencida},
	StatePendienteAdelanto: {StateAdelantoPagado, StateVencida},
	StateAdelantoPagado:    {StateConfirmada, StateVencida},
}

// CanTransition reports whether from -> to is a legal step.
func CanTransition(from, to State) bool {
	if to == StateRechazada {
		return from.Active()
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Active reports whether the state is non-terminal.
func (s State) Active() bool {
	switch s {
	case StateConfirmada, StateRechazada, StateVencida:
		return false
	}
	return true
}

// Expirable reports whether the vigency deadline applies to the state.
func (s State) Expirable() bool {
	switch s {
	case StateValidada, StatePendienteAdelanto, StateAdelantoPagado:
		return true
	}
	return false
}

// RejectionReason enumerates why a customer walked away.
type RejectionReason string

const (
	ReasonPriceTooHigh      RejectionReason = "price_too_high"
	ReasonFoundBetterOption RejectionReason = "found_better_option"
	ReasonNoBudget          RejectionReason = "no_budget"
	ReasonWantedDifferent   RejectionReason = "wanted_different_product"
	ReasonDeliveryTooSlow   RejectionReason = "delivery_too_slow"
	ReasonNoLongerNeeded    RejectionReason = "no_longer_needed"
	ReasonNoResponse        RejectionReason = "no_response"
	ReasonOther             RejectionReason = "other"
)

// ValidReason reports whether r is one of the enumerated reason codes.
func ValidReason(r RejectionReason) bool {
	switch r {
	case ReasonPriceTooHigh, ReasonFoundBetterOption, ReasonNoBudget,
		ReasonWantedDifferent, ReasonDeliveryTooSlow, ReasonNoLongerNeeded,
		ReasonNoResponse, ReasonOther:
		return true
	}
	return false
}

// Line is one priced quotation line with a snapshot of stock availability
// taken at quote time.
type Line struct {
	ID               int64
	QuotationID      int64
	ProductID        int64
	Qty              int
	UnitPrice        decimal.Decimal
	AvailableAtQuote int
}

// AdvanceCommitment records the agreed advance before any money moves. It is
// never deleted once a payment or rejection follows; it stays for audit.
type AdvanceCommitment struct {
	Amount      decimal.Decimal
	Percent     decimal.Decimal
	Deadline    time.Time
	CommittedAt time.Time
}

// AdvancePayment records the registered customer payment.
type AdvancePayment struct {
	Amount    decimal.Decimal
	Currency  string
	Rate      *decimal.Decimal
	Method    string
	Reference string
	PaidAt    time.Time
}

// Rejection captures the closure record that feeds demand analytics.
type Rejection struct {
	Reason        RejectionReason
	Detail        string
	ExpectedPrice *decimal.Decimal
	Competitor    string
	RejectedAt    time.Time
}

// Quotation is a priced offer to a named customer.
type Quotation struct {
	ID              int64
	Number          string
	CustomerName    string
	CustomerContact string
	Lines           []Line
	Subtotal        decimal.Decimal
	Discount        decimal.Decimal
	Shipping        decimal.Decimal
	Total           decimal.Decimal
	State           State
	ValidUntil      *time.Time
	Advance         *AdvanceCommitment
	Payment         *AdvancePayment
	ReservationKind reservation.Kind
	Rejection       *Rejection
	SaleID          *int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Expired reports whether the vigency window has elapsed without action.
func (q Quotation) Expired(now time.Time) bool {
	return q.State.Expirable() && q.ValidUntil != nil && q.ValidUntil.Before(now)
}

// ReasonSummary is one row of the rejection analytics breakdown.
type ReasonSummary struct {
	Reason    RejectionReason
	Count     int
	LostTotal decimal.Decimal
}
