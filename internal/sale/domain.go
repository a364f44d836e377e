// Package sale owns the accepted, fulfillable order created when a
// quotation is confirmed. Allocation completeness is the gate: every line
// must have as many assigned units as ordered before delivery can happen.
package sale

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the sale fulfillment status.
type Status string

const (
	// StatusPendingStock means at least one line is short of assigned units.
	StatusPendingStock Status = "pending_stock"
	// StatusAllocated means every line is fully backed by assigned units.
	StatusAllocated Status = "allocated"
	// StatusDelivered is terminal.
	StatusDelivered Status = "delivered"
)

// Line is one ordered product with its assigned inventory units.
type Line struct {
	ID           int64
	SaleID       int64
	ProductID    int64
	Qty          int
	UnitPrice    decimal.Decimal
	AssignedIDs  []uuid.UUID
	AssignedCost decimal.Decimal
}

// FullyAssigned reports whether assignment covers the ordered quantity.
func (l Line) FullyAssigned() bool {
	return len(l.AssignedIDs) >= l.Qty
}

// Sale mirrors the quotation's lines plus the realized allocation.
type Sale struct {
	ID              int64
	Number          string
	QuotationID     int64
	QuotationNumber string
	CustomerName    string
	Total           decimal.Decimal
	Status          Status
	StockShort      bool
	RealizedCostUSD decimal.Decimal
	Lines           []Line
	CreatedAt       time.Time
	DeliveredAt     *time.Time
}

// Allocated reports whether every line is fully assigned.
func (s Sale) Allocated() bool {
	for _, line := range s.Lines {
		if !line.FullyAssigned() {
			return false
		}
	}
	return len(s.Lines) > 0
}
