package units

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ElPepe57/NewSystem-sub003/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Query(ctx context.Context, filter QueryFilter) ([]Unit, error)
	CountByState(ctx context.Context, productID int64, state State) (int, error)
	Get(ctx context.Context, id uuid.UUID) (Unit, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	// RetryBudget bounds internal retries after an optimistic-concurrency
	// loss before surfacing ErrAllocationFailed.
	RetryBudget int
}

// Service is the unit ledger: the single owner of unit state transitions.
// Every other component reads it and proposes transitions through here.
type Service struct {
	repo  RepositoryPort
	audit AuditPort
	retry int
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, cfg ServiceConfig) *Service {
	retry := cfg.RetryBudget
	if retry <= 0 {
		retry = 3
	}
	return &Service{repo: repo, audit: audit, retry: retry}
}

// CreateBatch inserts newly received units. Units enter the ledger only in
// bulk, from the purchase-order receiving engine.
func (s *Service) CreateBatch(ctx context.Context, list []Unit, actorID string) error {
	if len(list) == 0 {
		return shared.NewValidationError("units", "batch must not be empty")
	}
	for i := range list {
		u := &list[i]
		if u.ProductID == 0 {
			return shared.NewValidationError("product_id", "required")
		}
		if u.State == "" {
			u.State = StateAvailableLocal
		}
		if u.State != StateAvailableLocal && u.State != StateReserved && u.State != StateReceivedUSA && u.State != StateInTransit {
			return shared.NewValidationError("state", fmt.Sprintf("units cannot be created in state %q", u.State))
		}
		if u.State == StateReserved && u.QuotationID == nil {
			return shared.NewValidationError("quotation_id", "reserved units require a quotation reference")
		}
		if u.ID == uuid.Nil {
			u.ID = uuid.New()
		}
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.InsertUnits(ctx, list); err != nil {
			return err
		}
		for _, u := range list {
			if err := tx.InsertStateLog(ctx, StateLog{UnitID: u.ID, To: u.State, Reason: "created at goods receipt", ActorID: actorID}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "UNITS_CREATE", fmt.Sprintf("po:%d", list[0].PurchaseOrderID), map[string]any{"count": len(list)})
	return nil
}

// SetState applies one transition to one unit. Repeating the same business
// event (same target state and references) is a no-op; a precondition state
// that does not admit the transition fails with ConflictError.
func (s *Service) SetState(ctx context.Context, unitID uuid.UUID, change StateChange) error {
	if change.To == "" {
		return shared.NewValidationError("to", "target state required")
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		u, err := tx.GetUnit(ctx, unitID)
		if err != nil {
			return err
		}
		if u.State == change.To && sameTarget(u, change) {
			return nil
		}
		if !CanTransition(u.State, change.To) {
			return &shared.ConflictError{Entity: "unit", ID: unitID.String(), Expected: string(change.To), Actual: string(u.State)}
		}
		return s.applyTransition(ctx, tx, u, change)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, change.ActorID, "UNIT_SET_STATE", unitID.String(), map[string]any{"to": string(change.To), "reason": change.Reason})
	return nil
}

// Query lists units for a product/state/location.
func (s *Service) Query(ctx context.Context, filter QueryFilter) ([]Unit, error) {
	return s.repo.Query(ctx, filter)
}

// Available counts a product's available_local units.
func (s *Service) Available(ctx context.Context, productID int64) (int, error) {
	return s.repo.CountByState(ctx, productID, StateAvailableLocal)
}

// Get fetches one unit.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Unit, error) {
	return s.repo.Get(ctx, id)
}

// Reserve claims up to qty available units for a quotation under FEFO
// ordering. Partial coverage is reported via Selection.Shortfall, never as
// an error. The select and the marking are one atomic transaction.
func (s *Service) Reserve(ctx context.Context, productID int64, qty int, quotationID int64, actorID string) (Selection, error) {
	if qty <= 0 {
		return Selection{}, shared.NewValidationError("qty", "must be positive")
	}
	var sel Selection
	err := s.withRetry(ctx, func() error {
		sel = Selection{}
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			candidates, err := tx.SelectByStateFEFO(ctx, productID, StateAvailableLocal, nil, qty)
			if err != nil {
				return err
			}
			change := StateChange{To: StateReserved, QuotationID: &quotationID, ActorID: actorID, Reason: fmt.Sprintf("reserved for quotation %d", quotationID)}
			for _, u := range candidates {
				if err := s.applyTransition(ctx, tx, u, change); err != nil {
					return err
				}
			}
			sel.Units = candidates
			sel.Shortfall = qty - len(candidates)
			return nil
		})
	})
	if err != nil {
		return Selection{}, err
	}
	s.recordAudit(ctx, actorID, "UNITS_RESERVE", fmt.Sprintf("quotation:%d", quotationID), map[string]any{
		"product_id": productID, "requested": qty, "reserved": len(sel.Units), "shortfall": sel.Shortfall,
	})
	return sel, nil
}

// AssignToSale locks units to a confirmed sale. Units already assigned to
// the same sale count toward qty, making the call idempotent per sale. When
// quotationID is set, units reserved for that quotation are taken first
// (they were FEFO-picked at reservation time); the remainder tops up from
// the free pool under the same ordering.
func (s *Service) AssignToSale(ctx context.Context, productID int64, qty int, quotationID *int64, saleID int64, actorID string) (Selection, error) {
	if qty <= 0 {
		return Selection{}, shared.NewValidationError("qty", "must be positive")
	}
	var sel Selection
	err := s.withRetry(ctx, func() error {
		sel = Selection{}
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			assigned, err := tx.ListBySale(ctx, saleID)
			if err != nil {
				return err
			}
			var kept []Unit
			for _, u := range assigned {
				if u.ProductID == productID && u.State == StateAssignedToSale {
					kept = append(kept, u)
				}
			}
			remaining := qty - len(kept)
			if remaining <= 0 {
				sel.Units = kept[:qty]
				return nil
			}
			var candidates []Unit
			if quotationID != nil {
				reserved, err := tx.SelectByStateFEFO(ctx, productID, StateReserved, quotationID, remaining)
				if err != nil {
					return err
				}
				candidates = reserved
			}
			if len(candidates) < remaining {
				free, err := tx.SelectByStateFEFO(ctx, productID, StateAvailableLocal, nil, remaining-len(candidates))
				if err != nil {
					return err
				}
				candidates = append(candidates, free...)
			}
			change := StateChange{To: StateAssignedToSale, QuotationID: quotationID, SaleID: &saleID, ActorID: actorID, Reason: fmt.Sprintf("assigned to sale %d", saleID)}
			for _, u := range candidates {
				if err := s.applyTransition(ctx, tx, u, change); err != nil {
					return err
				}
			}
			sel.Units = append(kept, candidates...)
			sel.Shortfall = qty - len(sel.Units)
			return nil
		})
	})
	if err != nil {
		return Selection{}, err
	}
	s.recordAudit(ctx, actorID, "UNITS_ASSIGN", fmt.Sprintf("sale:%d", saleID), map[string]any{
		"product_id": productID, "requested": qty, "assigned": len(sel.Units), "shortfall": sel.Shortfall,
	})
	return sel, nil
}

// ReleaseQuotation returns every unit reserved for a quotation to the free
// pool. The walk through the transitional state and back to available_local
// commits as one transaction, so a rejection or expiry either releases all
// units or none.
func (s *Service) ReleaseQuotation(ctx context.Context, quotationID int64, reason, actorID string) (int, error) {
	var released int
	err := s.withRetry(ctx, func() error {
		released = 0
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			reserved, err := tx.ListByQuotation(ctx, quotationID, StateReserved)
			if err != nil {
				return err
			}
			for _, u := range reserved {
				back := StateChange{To: StateReturnedToPool, QuotationID: &quotationID, ActorID: actorID, Reason: reason}
				if err := s.applyTransition(ctx, tx, u, back); err != nil {
					return err
				}
				u.State = StateReturnedToPool
				free := StateChange{To: StateAvailableLocal, ActorID: actorID, Reason: reason}
				if err := s.applyTransition(ctx, tx, u, free); err != nil {
					return err
				}
				released++
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	if released > 0 {
		s.recordAudit(ctx, actorID, "UNITS_RELEASE", fmt.Sprintf("quotation:%d", quotationID), map[string]any{"released": released, "reason": reason})
	}
	return released, nil
}

// DeliverSale moves every unit assigned to a sale into the terminal
// delivered state and reports how many moved.
func (s *Service) DeliverSale(ctx context.Context, saleID int64, actorID string) (int, error) {
	var delivered int
	err := s.withRetry(ctx, func() error {
		delivered = 0
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			assigned, err := tx.ListBySale(ctx, saleID)
			if err != nil {
				return err
			}
			for _, u := range assigned {
				if u.State == StateDelivered {
					continue
				}
				change := StateChange{To: StateDelivered, QuotationID: u.QuotationID, SaleID: &saleID, ActorID: actorID, Reason: fmt.Sprintf("sale %d delivered", saleID)}
				if err := s.applyTransition(ctx, tx, u, change); err != nil {
					return err
				}
				delivered++
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	s.recordAudit(ctx, actorID, "UNITS_DELIVER", fmt.Sprintf("sale:%d", saleID), map[string]any{"delivered": delivered})
	return delivered, nil
}

// applyTransition checks the edge, compare-and-swaps the row and appends to
// the state log. A lost CAS surfaces as ConflictError for the retry loop.
func (s *Service) applyTransition(ctx context.Context, tx TxRepository, u Unit, change StateChange) error {
	if !CanTransition(u.State, change.To) {
		return &shared.ConflictError{Entity: "unit", ID: u.ID.String(), Expected: string(change.To), Actual: string(u.State)}
	}
	quotationID := change.QuotationID
	saleID := change.SaleID
	// References survive unless the unit goes back to the free pool.
	if change.To == StateAvailableLocal {
		quotationID = nil
		saleID = nil
	}
	ok, err := tx.UpdateState(ctx, u.ID, u.State, change.To, quotationID, saleID)
	if err != nil {
		return err
	}
	if !ok {
		return &shared.ConflictError{Entity: "unit", ID: u.ID.String(), Expected: string(u.State)}
	}
	return tx.InsertStateLog(ctx, StateLog{UnitID: u.ID, From: u.State, To: change.To, Reason: change.Reason, ActorID: change.ActorID})
}

// withRetry re-runs fn against a freshly read candidate set after each
// conflict, up to the configured budget.
func (s *Service) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < s.retry; attempt++ {
		err = fn()
		if err == nil || !shared.IsConflict(err) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", shared.ErrAllocationFailed, err)
}

func (s *Service) recordAudit(ctx context.Context, actorID, action, entityID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "inventory_unit", EntityID: entityID, Meta: meta})
}
