package procurement

import (
	"time"

	"github.com/shopspring/decimal"
)

// Purchase order lifecycle statuses. The payment state of a PO is tracked
// separately through treasury movements and does not gate this flow.
type POStatus string

const (
	POStatusDraft     POStatus = "draft"
	POStatusSent      POStatus = "sent"
	POStatusInTransit POStatus = "in_transit"
	POStatusReceived  POStatus = "received"
	POStatusCancelled POStatus = "cancelled"
)

var allowedPOTransitions = map[POStatus][]POStatus{
	POStatusDraft:     {POStatusSent, POStatusCancelled},
	POStatusSent:      {POStatusInTransit, POStatusCancelled},
	POStatusInTransit: {POStatusReceived, POStatusCancelled},
}

func canTransition(from, to POStatus) bool {
	for _, next := range allowedPOTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// RequirementSource records where a purchasing request came from.
type RequirementSource string

const (
	SourceManual    RequirementSource = "manual"
	SourceLowStock  RequirementSource = "low_stock"
	SourceQuotation RequirementSource = "quotation"
)

// Requirement is an internal purchasing request. Its requested quantities
// are the split key the receiving engine uses to pre-reserve arriving stock.
type Requirement struct {
	ID          int64
	Number      string
	QuotationID *int64
	Source      RequirementSource
	Note        string
	CreatedAt   time.Time
	Lines       []RequirementLine
}

// RequirementLine carries the quantity requested per product.
type RequirementLine struct {
	ID            int64
	RequirementID int64
	ProductID     int64
	QtyRequested  int
}

// PurchaseOrder is a procurement order to a supplier, denominated in USD.
type PurchaseOrder struct {
	ID                 int64
	Number             string
	SupplierID         int64
	Status             POStatus
	Currency           string
	DutyCost           decimal.Decimal
	FreightCost        decimal.Decimal
	OtherCost          decimal.Decimal
	PurchaseRate       decimal.Decimal
	PaymentRate        decimal.Decimal
	RequirementID      *int64
	InventoryGenerated bool
	Note               string
	CreatedAt          time.Time
	ReceivedAt         *time.Time
	Lines              []POLine
}

// POLine is one product line of a purchase order.
type POLine struct {
	ID          int64
	POID        int64
	ProductID   int64
	Qty         int
	UnitCostUSD decimal.Decimal
}

// TotalUnits sums line quantities.
func (po PurchaseOrder) TotalUnits() int {
	total := 0
	for _, line := range po.Lines {
		total += line.Qty
	}
	return total
}

// ExtraCostPerUnit prorates duty, freight and other costs equally across
// every unit in the order.
func (po PurchaseOrder) ExtraCostPerUnit() decimal.Decimal {
	total := po.TotalUnits()
	if total == 0 {
		return decimal.Zero
	}
	extra := po.DutyCost.Add(po.FreightCost).Add(po.OtherCost)
	return extra.Div(decimal.NewFromInt(int64(total)))
}

// LandedUnitCost is the line unit cost plus the prorated extra cost.
func (po PurchaseOrder) LandedUnitCost(line POLine) decimal.Decimal {
	return line.UnitCostUSD.Add(po.ExtraCostPerUnit())
}

// Receipt records which units a received PO produced, for audit.
type Receipt struct {
	POID       int64
	UnitIDs    []string
	Reserved   int
	Free       int
	ReceivedAt time.Time
}
