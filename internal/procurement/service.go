package procurement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ElPepe57/NewSystem-sub003/internal/fx"
	"github.com/ElPepe57/NewSystem-sub003/internal/masterdata/suppliers"
	"github.com/ElPepe57/NewSystem-sub003/internal/masterdata/warehouses"
	"github.com/ElPepe57/NewSystem-sub003/internal/shared"
	"github.com/ElPepe57/NewSystem-sub003/internal/treasury"
	"github.com/ElPepe57/NewSystem-sub003/internal/units"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetRequirement(ctx context.Context, id int64) (Requirement, error)
	FindRequirementByQuotation(ctx context.Context, quotationID int64) (Requirement, error)
	GetPO(ctx context.Context, id int64) (PurchaseOrder, error)
	ListPOsByStatus(ctx context.Context, status POStatus, limit int) ([]PurchaseOrder, error)
}

// LedgerPort creates inventory units at goods receipt.
type LedgerPort interface {
	CreateBatch(ctx context.Context, list []units.Unit, actorID string) error
}

// WarehousePort resolves warehouse countries.
type WarehousePort interface {
	Get(ctx context.Context, id int64) (warehouses.Warehouse, error)
}

// SupplierPort resolves supplier references on new orders.
type SupplierPort interface {
	Get(ctx context.Context, id int64) (suppliers.Supplier, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards one-shot operations. Satisfied by
// shared.IdempotencyStore.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Service orchestrates requirements, purchase orders and goods receiving.
type Service struct {
	repo        RepositoryPort
	ledger      LedgerPort
	warehouses  WarehousePort
	suppliers   SupplierPort
	rates       fx.RateProvider
	movements   treasury.MovementRecorder
	audit       AuditPort
	idempotency IdempotencyPort
}

// NewService constructs procurement service.
func NewService(repo RepositoryPort, ledger LedgerPort, whs WarehousePort, sups SupplierPort, rates fx.RateProvider, movements treasury.MovementRecorder, audit AuditPort, idem IdempotencyPort) *Service {
	return &Service{repo: repo, ledger: ledger, warehouses: whs, suppliers: sups, rates: rates, movements: movements, audit: audit, idempotency: idem}
}

// RequirementLineInput describes one requested product.
type RequirementLineInput struct {
	ProductID int64
	Qty       int
}

// CreateRequirementInput describes creation payload.
type CreateRequirementInput struct {
	QuotationID *int64
	Source      RequirementSource
	Note        string
	Lines       []RequirementLineInput
}

// CreateRequirement persists a requirement header and lines.
func (s *Service) CreateRequirement(ctx context.Context, input CreateRequirementInput) (Requirement, error) {
	if len(input.Lines) == 0 {
		return Requirement{}, shared.NewValidationError("lines", "at least one line required")
	}
	if input.Source == "" {
		input.Source = SourceManual
	}
	req := Requirement{
		Number:      generateNumber("REQ"),
		QuotationID: input.QuotationID,
		Source:      input.Source,
		Note:        input.Note,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.CreateRequirement(ctx, req)
		if err != nil {
			return err
		}
		req.ID = id
		for _, line := range input.Lines {
			if line.ProductID == 0 || line.Qty <= 0 {
				return shared.NewValidationError("lines", "product and positive quantity required")
			}
			rl := RequirementLine{RequirementID: id, ProductID: line.ProductID, QtyRequested: line.Qty}
			if err := tx.InsertRequirementLine(ctx, rl); err != nil {
				return err
			}
			req.Lines = append(req.Lines, rl)
		}
		return nil
	})
	if err != nil {
		return Requirement{}, err
	}
	s.recordAudit(ctx, "REQ_CREATE", req.ID, map[string]any{"number": req.Number, "source": string(req.Source)})
	return req, nil
}

// ShortfallLine is an unbacked quantity reported by the reservation manager.
type ShortfallLine struct {
	ProductID int64
	Qty       int
}

// CreateFromShortfall raises a requirement for a quotation's unbacked
// quantities. An existing open requirement for the quotation is reused.
func (s *Service) CreateFromShortfall(ctx context.Context, quotationID int64, lines []ShortfallLine) (int64, error) {
	if existing, err := s.repo.FindRequirementByQuotation(ctx, quotationID); err == nil {
		return existing.ID, nil
	}
	inputs := make([]RequirementLineInput, 0, len(lines))
	for _, line := range lines {
		inputs = append(inputs, RequirementLineInput{ProductID: line.ProductID, Qty: line.Qty})
	}
	req, err := s.CreateRequirement(ctx, CreateRequirementInput{
		QuotationID: &quotationID,
		Source:      SourceQuotation,
		Note:        fmt.Sprintf("stock shortfall for quotation %d", quotationID),
		Lines:       inputs,
	})
	if err != nil {
		return 0, err
	}
	return req.ID, nil
}

// POLineInput describes one product line to order.
type POLineInput struct {
	ProductID   int64
	Qty         int
	UnitCostUSD decimal.Decimal
}

// CreatePOInput defines data to create a purchase order.
type CreatePOInput struct {
	SupplierID    int64
	RequirementID *int64
	DutyCost      decimal.Decimal
	FreightCost   decimal.Decimal
	OtherCost     decimal.Decimal
	Note          string
	Lines         []POLineInput
}

// CreatePurchaseOrder persists a USD purchase order, snapshotting today's
// exchange rate as the purchase rate when the provider answers.
func (s *Service) CreatePurchaseOrder(ctx context.Context, input CreatePOInput) (PurchaseOrder, error) {
	if len(input.Lines) == 0 {
		return PurchaseOrder{}, shared.NewValidationError("lines", "at least one line required")
	}
	if input.RequirementID != nil {
		if _, err := s.repo.GetRequirement(ctx, *input.RequirementID); err != nil {
			return PurchaseOrder{}, fmt.Errorf("verify requirement: %w", err)
		}
	}
	if s.suppliers != nil {
		sup, err := s.suppliers.Get(ctx, input.SupplierID)
		if err != nil {
			return PurchaseOrder{}, fmt.Errorf("verify supplier: %w", err)
		}
		if !sup.IsActive {
			return PurchaseOrder{}, shared.NewValidationError("supplier_id", "supplier is inactive")
		}
	}
	purchaseRate := decimal.Zero
	if s.rates != nil {
		if rate, err := s.rates.RateForToday(ctx); err == nil {
			purchaseRate = rate.Sell
		}
	}
	po := PurchaseOrder{
		Number:        generateNumber("OC"),
		SupplierID:    input.SupplierID,
		Status:        POStatusDraft,
		Currency:      "USD",
		DutyCost:      input.DutyCost,
		FreightCost:   input.FreightCost,
		OtherCost:     input.OtherCost,
		PurchaseRate:  purchaseRate,
		PaymentRate:   decimal.Zero,
		RequirementID: input.RequirementID,
		Note:          input.Note,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.CreatePO(ctx, po)
		if err != nil {
			return err
		}
		po.ID = id
		for _, line := range input.Lines {
			if line.ProductID == 0 || line.Qty <= 0 {
				return shared.NewValidationError("lines", "product and positive quantity required")
			}
			if line.UnitCostUSD.IsNegative() {
				return shared.NewValidationError("unit_cost", "must not be negative")
			}
			pl := POLine{POID: id, ProductID: line.ProductID, Qty: line.Qty, UnitCostUSD: line.UnitCostUSD}
			if err := tx.InsertPOLine(ctx, pl); err != nil {
				return err
			}
			po.Lines = append(po.Lines, pl)
		}
		return nil
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.recordAudit(ctx, "PO_CREATE", po.ID, map[string]any{"number": po.Number, "lines": len(po.Lines)})
	return po, nil
}

// SendPurchaseOrder transitions draft -> sent.
func (s *Service) SendPurchaseOrder(ctx context.Context, poID int64) error {
	return s.transitionPO(ctx, poID, POStatusSent)
}

// MarkInTransit transitions sent -> in_transit.
func (s *Service) MarkInTransit(ctx context.Context, poID int64) error {
	return s.transitionPO(ctx, poID, POStatusInTransit)
}

// CancelPurchaseOrder cancels an order that has not been received.
func (s *Service) CancelPurchaseOrder(ctx context.Context, poID int64) error {
	return s.transitionPO(ctx, poID, POStatusCancelled)
}

func (s *Service) transitionPO(ctx context.Context, poID int64, to POStatus) error {
	po, err := s.repo.GetPO(ctx, poID)
	if err != nil {
		return err
	}
	if !canTransition(po.Status, to) {
		return &shared.IllegalTransitionError{Entity: "purchase_order", From: string(po.Status), To: string(to)}
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ok, err := tx.UpdatePOStatus(ctx, poID, po.Status, to)
		if err != nil {
			return err
		}
		if !ok {
			return &shared.ConflictError{Entity: "purchase_order", ID: fmt.Sprintf("%d", poID), Expected: string(po.Status)}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, "PO_STATUS", poID, map[string]any{"from": string(po.Status), "to": string(to)})
	return nil
}

// RegisterPayment records the supplier payment in the treasury ledger and
// snapshots the payment-time exchange rate on the order.
func (s *Service) RegisterPayment(ctx context.Context, poID int64, amount decimal.Decimal, method, reference string) error {
	po, err := s.repo.GetPO(ctx, poID)
	if err != nil {
		return err
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return shared.NewValidationError("amount", "must be positive")
	}
	paymentRate := po.PurchaseRate
	if s.rates != nil {
		if rate, err := s.rates.RateForToday(ctx); err == nil {
			paymentRate = rate.Sell
		}
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SetPaymentRate(ctx, poID, paymentRate)
	})
	if err != nil {
		return err
	}
	if s.movements != nil {
		rate := paymentRate
		_, err := s.movements.RecordMovement(ctx, treasury.Movement{
			Kind:            treasury.KindPurchaseOut,
			Currency:        "USD",
			Amount:          amount,
			Rate:            &rate,
			Method:          method,
			Reference:       reference,
			RelatedDocument: po.Number,
		})
		if err != nil {
			// Best effort; the payment rate is already recorded.
			s.recordAudit(ctx, "PO_PAYMENT_LEDGER_FAILED", poID, map[string]any{"error": err.Error()})
		}
	}
	s.recordAudit(ctx, "PO_PAYMENT", poID, map[string]any{"amount": amount.String(), "method": method})
	return nil
}

// ReceiveInput describes a goods receipt.
type ReceiveInput struct {
	POID        int64
	WarehouseID int64
	ActorID     string
}

// Receive is the one-time receiving engine. It prorates extra costs into a
// landed unit cost, creates one ledger unit per received item, and splits
// them between "fulfilling an outstanding reservation" and "free to sell"
// using the originating requirement's requested quantities as the key.
// The operation is guarded by the inventory-generated flag and an
// idempotency key; it cannot run twice and cannot be reversed.
func (s *Service) Receive(ctx context.Context, input ReceiveInput) (Receipt, error) {
	po, err := s.repo.GetPO(ctx, input.POID)
	if err != nil {
		return Receipt{}, err
	}
	if po.InventoryGenerated {
		return Receipt{}, &shared.ConflictError{Entity: "purchase_order", ID: fmt.Sprintf("%d", po.ID), Expected: "inventory not yet generated", Actual: "already generated"}
	}
	if !canTransition(po.Status, POStatusReceived) {
		return Receipt{}, &shared.IllegalTransitionError{Entity: "purchase_order", From: string(po.Status), To: string(POStatusReceived)}
	}
	if po.TotalUnits() == 0 {
		return Receipt{}, shared.NewValidationError("lines", "purchase order has no units")
	}

	country := ""
	if s.warehouses != nil {
		wh, err := s.warehouses.Get(ctx, input.WarehouseID)
		if err != nil {
			return Receipt{}, fmt.Errorf("verify warehouse: %w", err)
		}
		country = wh.Country
	}

	// Requested quantities only pre-reserve stock when the requirement is
	// itself tied to a quotation.
	requested := map[int64]int{}
	var quotationID *int64
	if po.RequirementID != nil {
		req, err := s.repo.GetRequirement(ctx, *po.RequirementID)
		if err != nil {
			return Receipt{}, fmt.Errorf("load requirement: %w", err)
		}
		if req.QuotationID != nil {
			quotationID = req.QuotationID
			for _, line := range req.Lines {
				requested[line.ProductID] += line.QtyRequested
			}
		}
	}

	receivedAt := time.Now().UTC()
	var batch []units.Unit
	receipt := Receipt{POID: po.ID, ReceivedAt: receivedAt}
	for _, line := range po.Lines {
		landed := po.LandedUnitCost(line)
		reserve := 0
		if quotationID != nil {
			reserve = min(requested[line.ProductID], line.Qty)
			requested[line.ProductID] -= reserve
		}
		for i := 0; i < line.Qty; i++ {
			u := units.Unit{
				ID:              uuid.New(),
				ProductID:       line.ProductID,
				WarehouseID:     input.WarehouseID,
				Country:         country,
				Lot:             po.Number,
				UnitCostUSD:     landed,
				PurchaseRate:    po.PurchaseRate,
				PaymentRate:     po.PaymentRate,
				PurchaseOrderID: po.ID,
				ArrivedAt:       receivedAt,
				State:           units.StateAvailableLocal,
			}
			if i < reserve {
				u.State = units.StateReserved
				u.QuotationID = quotationID
				receipt.Reserved++
			} else {
				receipt.Free++
			}
			batch = append(batch, u)
		}
	}

	for _, u := range batch {
		receipt.UnitIDs = append(receipt.UnitIDs, u.ID.String())
	}

	key := fmt.Sprintf("PO:%s:receive", po.Number)
	inserted := false
	if s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, key, "procurement.receive"); err != nil {
			return Receipt{}, err
		}
		inserted = true
	}
	batchCreated := false
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ok, err := tx.UpdatePOStatus(ctx, po.ID, po.Status, POStatusReceived)
		if err != nil {
			return err
		}
		if !ok {
			return &shared.ConflictError{Entity: "purchase_order", ID: fmt.Sprintf("%d", po.ID), Expected: string(po.Status)}
		}
		ok, err = tx.MarkInventoryGenerated(ctx, po.ID, receivedAt)
		if err != nil {
			return err
		}
		if !ok {
			return &shared.ConflictError{Entity: "purchase_order", ID: fmt.Sprintf("%d", po.ID), Expected: "inventory not yet generated"}
		}
		if err := tx.InsertReceipt(ctx, receipt); err != nil {
			return err
		}
		// The ledger batch commits in its own transaction, so it runs
		// after every purchase-order write: a batch failure rolls them
		// all back, and once the batch exists the key stays even if the
		// outer commit fails, blocking a duplicate batch on retry.
		if err := s.ledger.CreateBatch(ctx, batch, input.ActorID); err != nil {
			return err
		}
		batchCreated = true
		return nil
	})
	if err != nil {
		if inserted && !batchCreated {
			_ = s.idempotency.Delete(ctx, key)
		}
		return Receipt{}, err
	}
	s.recordAudit(ctx, "PO_RECEIVE", po.ID, map[string]any{
		"number": po.Number, "reserved": receipt.Reserved, "free": receipt.Free,
	})
	return receipt, nil
}

// GetRequirement returns a requirement.
func (s *Service) GetRequirement(ctx context.Context, id int64) (Requirement, error) {
	return s.repo.GetRequirement(ctx, id)
}

// GetPurchaseOrder returns a purchase order.
func (s *Service) GetPurchaseOrder(ctx context.Context, id int64) (PurchaseOrder, error) {
	return s.repo.GetPO(ctx, id)
}

func (s *Service) recordAudit(ctx context.Context, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{ActorID: "system", Action: action, Entity: "procurement", EntityID: fmt.Sprintf("%d", entityID), Meta: meta})
}

func generateNumber(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
