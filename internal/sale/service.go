package sale

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ElPepe57/NewSystem-sub003/internal/shared"
	"github.com/ElPepe57/NewSystem-sub003/internal/units"
)

// LedgerPort is the slice of the unit ledger the sale module drives.
type LedgerPort interface {
	AssignToSale(ctx context.Context, productID int64, qty int, quotationID *int64, saleID int64, actorID string) (units.Selection, error)
	DeliverSale(ctx context.Context, saleID int64, actorID string) (int, error)
}

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Sale, error)
	List(ctx context.Context, status *Status, limit, offset int) ([]Sale, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service creates sales from confirmed quotations and drives fulfillment.
type Service struct {
	repo   RepositoryPort
	ledger LedgerPort
	audit  AuditPort
	logger *slog.Logger
}

// NewService constructs the sale service.
func NewService(repo RepositoryPort, ledger LedgerPort, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, ledger: ledger, audit: audit, logger: logger}
}

// CreateLineInput is one ordered line to allocate.
type CreateLineInput struct {
	ProductID int64
	Qty       int
	UnitPrice decimal.Decimal
}

// CreateInput carries the confirmed quotation's data.
type CreateInput struct {
	QuotationID     int64
	QuotationNumber string
	CustomerName    string
	Total           decimal.Decimal
	Lines           []CreateLineInput
	ActorID         string
}

// CreateFromQuotation persists the sale and allocates inventory units to
// each line. Units reserved for the quotation are taken first, then the free
// pool, both in earliest-expiry order. Short lines do not fail the call; the
// sale stays pending_stock until a later allocation pass completes it.
func (s *Service) CreateFromQuotation(ctx context.Context, input CreateInput) (Sale, error) {
	if input.QuotationID == 0 {
		return Sale{}, shared.NewValidationError("quotation_id", "required")
	}
	if len(input.Lines) == 0 {
		return Sale{}, shared.NewValidationError("lines", "at least one line required")
	}
	sal := Sale{
		Number:          generateNumber("VEN"),
		QuotationID:     input.QuotationID,
		QuotationNumber: input.QuotationNumber,
		CustomerName:    input.CustomerName,
		Total:           input.Total,
		Status:          StatusPendingStock,
		RealizedCostUSD: decimal.Zero,
		CreatedAt:       time.Now().UTC(),
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.Create(ctx, sal)
		if err != nil {
			return err
		}
		sal.ID = id
		for _, in := range input.Lines {
			if in.ProductID == 0 || in.Qty <= 0 {
				return shared.NewValidationError("lines", "product and positive quantity required")
			}
			line := Line{SaleID: id, ProductID: in.ProductID, Qty: in.Qty, UnitPrice: in.UnitPrice, AssignedCost: decimal.Zero}
			if _, err := tx.InsertLine(ctx, line); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Sale{}, err
	}
	if err := s.allocate(ctx, sal.ID, input.ActorID); err != nil {
		return Sale{}, err
	}
	out, err := s.repo.Get(ctx, sal.ID)
	if err != nil {
		return Sale{}, err
	}
	s.recordAudit(ctx, input.ActorID, "SALE_CREATE", sal.ID, map[string]any{
		"number": sal.Number, "quotation_id": input.QuotationID, "stock_short": out.StockShort,
	})
	return out, nil
}

// Allocate retries allocation for a stock-short sale, for example after a
// purchase order landed. Fully assigned lines are left untouched.
func (s *Service) Allocate(ctx context.Context, saleID int64, actorID string) (Sale, error) {
	sal, err := s.repo.Get(ctx, saleID)
	if err != nil {
		return Sale{}, err
	}
	if sal.Status != StatusPendingStock {
		return Sale{}, &shared.IllegalTransitionError{Entity: "sale", From: string(sal.Status), To: string(StatusAllocated)}
	}
	if err := s.allocate(ctx, saleID, actorID); err != nil {
		return Sale{}, err
	}
	return s.repo.Get(ctx, saleID)
}

// allocate runs the per-line assignment and records the outcome. The unit
// ledger serializes candidate selection against concurrent allocations, so
// two sales can never claim the same unit.
func (s *Service) allocate(ctx context.Context, saleID int64, actorID string) error {
	sal, err := s.repo.Get(ctx, saleID)
	if err != nil {
		return err
	}
	quotationID := sal.QuotationID
	stockShort := false
	totalCost := decimal.Zero
	type assignment struct {
		lineID int64
		sel    units.Selection
	}
	assignments := make([]assignment, 0, len(sal.Lines))
	for _, line := range sal.Lines {
		sel, err := s.ledger.AssignToSale(ctx, line.ProductID, line.Qty, &quotationID, saleID, actorID)
		if err != nil {
			return fmt.Errorf("assign units for product %d: %w", line.ProductID, err)
		}
		if sel.Shortfall > 0 {
			stockShort = true
		}
		lineCost := decimal.Zero
		for _, u := range sel.Units {
			lineCost = lineCost.Add(u.UnitCostUSD)
		}
		totalCost = totalCost.Add(lineCost)
		assignments = append(assignments, assignment{lineID: line.ID, sel: sel})
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for i, line := range sal.Lines {
			sel := assignments[i].sel
			lineCost := decimal.Zero
			ids := make([]uuid.UUID, 0, len(sel.Units))
			for _, u := range sel.Units {
				ids = append(ids, u.ID)
				lineCost = lineCost.Add(u.UnitCostUSD)
			}
			if err := tx.UpdateLineAssignment(ctx, line.ID, ids, lineCost); err != nil {
				return err
			}
		}
		if err := tx.SetAllocationResult(ctx, saleID, stockShort, totalCost); err != nil {
			return err
		}
		if !stockShort && sal.Status == StatusPendingStock {
			ok, err := tx.UpdateStatus(ctx, saleID, StatusPendingStock, StatusAllocated, nil)
			if err != nil {
				return err
			}
			if !ok {
				return &shared.ConflictError{Entity: "sale", ID: fmt.Sprintf("%d", saleID), Expected: string(StatusPendingStock)}
			}
		}
		return nil
	})
}

// Deliver marks an allocated sale delivered and moves its units to the
// terminal state. A stock-short sale cannot be delivered.
func (s *Service) Deliver(ctx context.Context, saleID int64, actorID string) (Sale, error) {
	sal, err := s.repo.Get(ctx, saleID)
	if err != nil {
		return Sale{}, err
	}
	if sal.Status != StatusAllocated {
		return Sale{}, &shared.IllegalTransitionError{Entity: "sale", From: string(sal.Status), To: string(StatusDelivered)}
	}
	if !sal.Allocated() {
		return Sale{}, shared.ErrInsufficientStock
	}
	delivered, err := s.ledger.DeliverSale(ctx, saleID, actorID)
	if err != nil {
		return Sale{}, fmt.Errorf("deliver units: %w", err)
	}
	now := time.Now().UTC()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ok, err := tx.UpdateStatus(ctx, saleID, StatusAllocated, StatusDelivered, &now)
		if err != nil {
			return err
		}
		if !ok {
			return &shared.ConflictError{Entity: "sale", ID: fmt.Sprintf("%d", saleID), Expected: string(StatusAllocated)}
		}
		return nil
	})
	if err != nil {
		return Sale{}, err
	}
	s.recordAudit(ctx, actorID, "SALE_DELIVER", saleID, map[string]any{"units": delivered})
	return s.repo.Get(ctx, saleID)
}

// Get returns a sale.
func (s *Service) Get(ctx context.Context, id int64) (Sale, error) {
	return s.repo.Get(ctx, id)
}

// List returns sales filtered by status.
func (s *Service) List(ctx context.Context, status *Status, limit, offset int) ([]Sale, error) {
	return s.repo.List(ctx, status, limit, offset)
}

func (s *Service) recordAudit(ctx context.Context, actorID, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "sale", EntityID: fmt.Sprintf("%d", id), Meta: meta})
}

func generateNumber(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}
