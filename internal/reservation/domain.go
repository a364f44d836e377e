package reservation

import (
	"time"

	"github.com/google/uuid"
)

// Kind tags a reservation as fully stock-backed or partially promised.
type Kind string

const (
	// KindFisica means every line is fully covered by physical stock.
	KindFisica Kind = "fisica"
	// KindVirtual means at least one line is partially or fully unbacked.
	KindVirtual Kind = "virtual"
)

// Line is the per-product breakdown of a reservation.
type Line struct {
	ProductID     int64
	Requested     int
	Physical      int
	Virtual       int
	UnitIDs       []uuid.UUID
	RequirementID *int64
	EstimatedAt   *time.Time
}

// Reservation is the stock hold produced when a quotation's advance is paid.
// The kind is advisory for the UI; final confirmation recomputes coverage
// instead of trusting it.
type Reservation struct {
	QuotationID    int64
	Kind           Kind
	Lines          []Line
	CreatedAt      time.Time
	ReleasedAt     *time.Time
	ReleasePending bool
}

// RequestLine is one quotation line to reserve.
type RequestLine struct {
	ProductID int64
	Qty       int
}

// ShortfallLine reports the unbacked remainder of a line.
type ShortfallLine struct {
	ProductID int64
	Qty       int
}
