package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ElPepe57/NewSystem-sub003/internal/shared"
	"github.com/ElPepe57/NewSystem-sub003/internal/units"
)

// LedgerPort is the slice of the unit ledger the manager uses.
type LedgerPort interface {
	Reserve(ctx context.Context, productID int64, qty int, quotationID int64, actorID string) (units.Selection, error)
	ReleaseQuotation(ctx context.Context, quotationID int64, reason, actorID string) (int, error)
}

// RequirementPort raises a purchasing requirement for unbacked quantities.
type RequirementPort interface {
	CreateFromShortfall(ctx context.Context, quotationID int64, lines []ShortfallLine) (int64, error)
}

// RepositoryPort persists reservation records.
type RepositoryPort interface {
	Save(ctx context.Context, res Reservation) error
	Get(ctx context.Context, quotationID int64) (Reservation, error)
	SetReleaseState(ctx context.Context, quotationID int64, pending bool, releasedAt *time.Time) error
	ListReleasePending(ctx context.Context) ([]int64, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceConfig groups policy settings.
type ServiceConfig struct {
	// EstimatedLeadDays is the fulfillment estimate attached to virtual
	// reservation lines.
	EstimatedLeadDays int
}

// Service classifies requested quantities into physical holds and virtual
// promises. It runs only at the advance-paid transition.
type Service struct {
	repo         RepositoryPort
	ledger       LedgerPort
	requirements RequirementPort
	audit        AuditPort
	leadDays     int
}

// NewService constructs the reservation manager.
func NewService(repo RepositoryPort, ledger LedgerPort, requirements RequirementPort, audit AuditPort, cfg ServiceConfig) *Service {
	lead := cfg.EstimatedLeadDays
	if lead <= 0 {
		lead = 30
	}
	return &Service{repo: repo, ledger: ledger, requirements: requirements, audit: audit, leadDays: lead}
}

// Reserve holds physical stock for every line it can cover and records the
// remainder as a virtual promise. Insufficient stock degrades to virtual
// instead of failing. Each line's physical pick uses the same FEFO order as
// final allocation, so reserved units are very likely the later assigned ones.
func (s *Service) Reserve(ctx context.Context, quotationID int64, lines []RequestLine, actorID string) (Reservation, error) {
	if quotationID == 0 {
		return Reservation{}, shared.NewValidationError("quotation_id", "required")
	}
	if len(lines) == 0 {
		return Reservation{}, shared.NewValidationError("lines", "at least one line required")
	}
	for _, line := range lines {
		if line.ProductID == 0 || line.Qty <= 0 {
			return Reservation{}, shared.NewValidationError("lines", "product and positive quantity required")
		}
	}

	res := Reservation{QuotationID: quotationID, Kind: KindFisica, CreatedAt: time.Now().UTC()}
	var shortfalls []ShortfallLine
	for _, line := range lines {
		sel, err := s.ledger.Reserve(ctx, line.ProductID, line.Qty, quotationID, actorID)
		if err != nil {
			return Reservation{}, fmt.Errorf("reserve product %d: %w", line.ProductID, err)
		}
		resLine := Line{ProductID: line.ProductID, Requested: line.Qty, Physical: len(sel.Units), Virtual: sel.Shortfall}
		for _, u := range sel.Units {
			resLine.UnitIDs = append(resLine.UnitIDs, u.ID)
		}
		if sel.Shortfall > 0 {
			res.Kind = KindVirtual
			estimated := time.Now().UTC().AddDate(0, 0, s.leadDays)
			resLine.EstimatedAt = &estimated
			shortfalls = append(shortfalls, ShortfallLine{ProductID: line.ProductID, Qty: sel.Shortfall})
		}
		res.Lines = append(res.Lines, resLine)
	}

	if len(shortfalls) > 0 && s.requirements != nil {
		reqID, err := s.requirements.CreateFromShortfall(ctx, quotationID, shortfalls)
		if err != nil {
			// The hold already exists; a failed requirement is a warning,
			// not a rollback.
			s.recordAudit(ctx, actorID, "RESERVATION_REQUIREMENT_FAILED", quotationID, map[string]any{"error": err.Error()})
		} else {
			for i := range res.Lines {
				if res.Lines[i].Virtual > 0 {
					id := reqID
					res.Lines[i].RequirementID = &id
				}
			}
		}
	}

	if err := s.repo.Save(ctx, res); err != nil {
		return Reservation{}, fmt.Errorf("save reservation: %w", err)
	}
	s.recordAudit(ctx, actorID, "RESERVATION_CREATE", quotationID, map[string]any{"kind": string(res.Kind), "lines": len(res.Lines)})
	return res, nil
}

// Release returns every reserved unit to the free pool. If the ledger walk
// fails mid-way the reservation keeps a release-pending marker so a
// reconciliation pass can finish the job.
func (s *Service) Release(ctx context.Context, quotationID int64, reason, actorID string) error {
	if err := s.repo.SetReleaseState(ctx, quotationID, true, nil); err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("mark release pending: %w", err)
	}
	released, err := s.ledger.ReleaseQuotation(ctx, quotationID, reason, actorID)
	if err != nil {
		return fmt.Errorf("release units: %w", err)
	}
	now := time.Now().UTC()
	if err := s.repo.SetReleaseState(ctx, quotationID, false, &now); err != nil {
		return fmt.Errorf("mark released: %w", err)
	}
	s.recordAudit(ctx, actorID, "RESERVATION_RELEASE", quotationID, map[string]any{"released": released, "reason": reason})
	return nil
}

// ReconcilePending finishes releases that were interrupted mid-flight. The
// pending marker survives crashes, so re-running the ledger release here is
// safe: units already back in the pool are simply not found again.
func (s *Service) ReconcilePending(ctx context.Context) (int, error) {
	ids, err := s.repo.ListReleasePending(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending releases: %w", err)
	}
	done := 0
	for _, quotationID := range ids {
		released, err := s.ledger.ReleaseQuotation(ctx, quotationID, "release reconciliation", "system")
		if err != nil {
			return done, fmt.Errorf("reconcile quotation %d: %w", quotationID, err)
		}
		now := time.Now().UTC()
		if err := s.repo.SetReleaseState(ctx, quotationID, false, &now); err != nil {
			return done, fmt.Errorf("mark reconciled: %w", err)
		}
		s.recordAudit(ctx, "system", "RESERVATION_RECONCILE", quotationID, map[string]any{"released": released})
		done++
	}
	return done, nil
}

// Get returns the reservation recorded for a quotation.
func (s *Service) Get(ctx context.Context, quotationID int64) (Reservation, error) {
	return s.repo.Get(ctx, quotationID)
}

func (s *Service) recordAudit(ctx context.Context, actorID, action string, quotationID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "reservation", EntityID: fmt.Sprintf("%d", quotationID), Meta: meta})
}
