package quotation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ElPepe57/NewSystem-sub003/internal/fx"
	"github.com/ElPepe57/NewSystem-sub003/internal/reservation"
	"github.com/ElPepe57/NewSystem-sub003/internal/shared"
	"github.com/ElPepe57/NewSystem-sub003/internal/treasury"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Quotation, error)
	List(ctx context.Context, state *State, limit, offset int) ([]Quotation, error)
	ListExpiryDue(ctx context.Context, now time.Time, limit int) ([]int64, error)
	FindByPaymentReference(ctx context.Context, reference string) (Quotation, error)
	RejectionSummary(ctx context.Context, from, to time.Time) ([]ReasonSummary, error)
	NextNumber(ctx context.Context, prefix string) (string, error)
}

// ReservationPort is the reservation manager as seen from the state machine.
type ReservationPort interface {
	Reserve(ctx context.Context, quotationID int64, lines []reservation.RequestLine, actorID string) (reservation.Reservation, error)
	Release(ctx context.Context, quotationID int64, reason, actorID string) error
	Get(ctx context.Context, quotationID int64) (reservation.Reservation, error)
}

// StockPort answers availability snapshots at quote time.
type StockPort interface {
	Available(ctx context.Context, productID int64) (int, error)
}

// SaleInput carries the quotation data a sale is created from.
type SaleInput struct {
	QuotationID     int64
	QuotationNumber string
	CustomerName    string
	Total           decimal.Decimal
	Lines           []SaleLineInput
	ActorID         string
}

// SaleLineInput is one ordered line to allocate.
type SaleLineInput struct {
	ProductID int64
	Qty       int
	UnitPrice decimal.Decimal
}

// SaleResult reports the created sale.
type SaleResult struct {
	SaleID     int64
	StockShort bool
}

// SalePort converts a confirmed quotation into an allocated sale.
type SalePort interface {
	CreateFromQuotation(ctx context.Context, input SaleInput) (SaleResult, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceConfig groups the vigency policy. Window length is a function of
// advance state, recomputed on every transition.
type ServiceConfig struct {
	ValidatedDays       int
	AdvanceDeadlineDays int
	AdvancePaidDays     int
}

// Service drives the quotation lifecycle.
type Service struct {
	repo         RepositoryPort
	reservations ReservationPort
	stock        StockPort
	sales        SalePort
	rates        fx.RateProvider
	movements    treasury.MovementRecorder
	audit        AuditPort
	logger       *slog.Logger
	cfg          ServiceConfig
}

// NewService constructs the quotation state machine.
func NewService(repo RepositoryPort, reservations ReservationPort, stock StockPort, sales SalePort,
	rates fx.RateProvider, movements treasury.MovementRecorder, audit AuditPort, logger *slog.Logger, cfg ServiceConfig) *Service {
	if cfg.ValidatedDays <= 0 {
		cfg.ValidatedDays = 7
	}
	if cfg.AdvanceDeadlineDays <= 0 {
		cfg.AdvanceDeadlineDays = 3
	}
	if cfg.AdvancePaidDays <= 0 {
		cfg.AdvancePaidDays = 90
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo: repo, reservations: reservations, stock: stock, sales: sales,
		rates: rates, movements: movements, audit: audit, logger: logger, cfg: cfg,
	}
}

// CreateLineInput is one quoted product line.
type CreateLineInput struct {
	ProductID int64
	Qty       int
	UnitPrice decimal.Decimal
}

// CreateInput is the quotation creation payload.
type CreateInput struct {
	CustomerName    string
	CustomerContact string
	Discount        decimal.Decimal
	Shipping        decimal.Decimal
	Lines           []CreateLineInput
}

// Create persists a new quotation in state nueva, snapshotting current stock
// availability on every line.
func (s *Service) Create(ctx context.Context, input CreateInput, actorID string) (Quotation, error) {
	if input.CustomerName == "" {
		return Quotation{}, shared.NewValidationError("customer_name", "required")
	}
	if len(input.Lines) == 0 {
		return Quotation{}, shared.NewValidationError("lines", "at least one line required")
	}
	if input.Discount.IsNegative() || input.Shipping.IsNegative() {
		return Quotation{}, shared.NewValidationError("amounts", "discount and shipping must not be negative")
	}
	subtotal := decimal.Zero
	lines := make([]Line, 0, len(input.Lines))
	for _, in := range input.Lines {
		if in.ProductID == 0 || in.Qty <= 0 {
			return Quotation{}, shared.NewValidationError("lines", "product and positive quantity required")
		}
		if in.UnitPrice.IsNegative() {
			return Quotation{}, shared.NewValidationError("unit_price", "must not be negative")
		}
		available := 0
		if s.stock != nil {
			n, err := s.stock.Available(ctx, in.ProductID)
			if err != nil {
				s.logger.Warn("availability snapshot failed", "product_id", in.ProductID, "error", err)
			} else {
				available = n
			}
		}
		subtotal = subtotal.Add(in.UnitPrice.Mul(decimal.NewFromInt(int64(in.Qty))))
		lines = append(lines, Line{ProductID: in.ProductID, Qty: in.Qty, UnitPrice: in.UnitPrice, AvailableAtQuote: available})
	}
	total := subtotal.Sub(input.Discount).Add(input.Shipping)
	if total.IsNegative() {
		return Quotation{}, shared.NewValidationError("discount", "exceeds subtotal")
	}
	number, err := s.repo.NextNumber(ctx, "COT")
	if err != nil {
		return Quotation{}, err
	}
	q := Quotation{
		Number:          number,
		CustomerName:    input.CustomerName,
		CustomerContact: input.CustomerContact,
		Subtotal:        subtotal,
		Discount:        input.Discount,
		Shipping:        input.Shipping,
		Total:           total,
		State:           StateNueva,
		CreatedAt:       time.Now().UTC(),
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.Create(ctx, q)
		if err != nil {
			return err
		}
		q.ID = id
		for i := range lines {
			lines[i].QuotationID = id
			if err := tx.InsertLine(ctx, lines[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Quotation{}, err
	}
	q.Lines = lines
	s.recordAudit(ctx, actorID, "QUOT_CREATE", q.ID, map[string]any{"number": q.Number, "total": q.Total.String()})
	return q, nil
}

// Validate moves nueva -> validada and opens the short vigency window.
func (s *Service) Validate(ctx context.Context, id int64, actorID string) (Quotation, error) {
	until := time.Now().UTC().AddDate(0, 0, s.cfg.ValidatedDays)
	return s.transition(ctx, id, StateNueva, StateValidada, &until, actorID, nil)
}

// RevertValidation is the explicit correction step validada -> nueva.
func (s *Service) RevertValidation(ctx context.Context, id int64, actorID string) (Quotation, error) {
	return s.transition(ctx, id, StateValidada, StateNueva, nil, actorID, nil)
}

// CommitAdvance records the agreed advance and moves the quotation to
// pendiente_adelanto. Inventory is untouched until the payment arrives.
func (s *Service) CommitAdvance(ctx context.Context, id int64, amount decimal.Decimal, actorID string) (Quotation, error) {
	q, err := s.getLive(ctx, id)
	if err != nil {
		return Quotation{}, err
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return Quotation{}, shared.NewValidationError("amount", "must be positive")
	}
	if amount.GreaterThan(q.Total) {
		return Quotation{}, shared.NewValidationError("amount", "advance exceeds quotation total")
	}
	if !CanTransition(q.State, StatePendienteAdelanto) {
		return Quotation{}, &shared.IllegalTransitionError{Entity: "quotation", From: string(q.State), To: string(StatePendienteAdelanto)}
	}
	now := time.Now().UTC()
	deadline := now.AddDate(0, 0, s.cfg.AdvanceDeadlineDays)
	percent := decimal.Zero
	if q.Total.IsPositive() {
		percent = amount.Div(q.Total).Mul(decimal.NewFromInt(100)).Round(2)
	}
	adv := AdvanceCommitment{Amount: amount, Percent: percent, Deadline: deadline, CommittedAt: now}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ok, err := tx.UpdateState(ctx, id, q.State, StatePendienteAdelanto, &deadline)
		if err != nil {
			return err
		}
		if !ok {
			return &shared.ConflictError{Entity: "quotation", ID: fmt.Sprintf("%d", id), Expected: string(q.State)}
		}
		return tx.SetAdvance(ctx, id, adv)
	})
	if err != nil {
		return Quotation{}, err
	}
	s.recordAudit(ctx, actorID, "QUOT_ADVANCE_COMMIT", id, map[string]any{"amount": amount.String(), "percent": percent.String()})
	return s.repo.Get(ctx, id)
}

// PaymentInput is the registered advance payment.
type PaymentInput struct {
	Amount    decimal.Decimal
	Currency  string
	Method    string
	Reference string
	Rate      *decimal.Decimal
}

// RegisterAdvancePayment moves pendiente_adelanto -> adelanto_pagado,
// extends vigency to the long window, records the treasury movement
// best-effort, and triggers the reservation manager. Registering the same
// payment reference twice is a no-op and never creates a second reservation.
func (s *Service) RegisterAdvancePayment(ctx context.Context, id int64, input PaymentInput, actorID string) (Quotation, error) {
	q, err := s.getLive(ctx, id)
	if err != nil {
		return Quotation{}, err
	}
	if input.Reference != "" {
		if q.Payment != nil && q.Payment.Reference == input.Reference {
			// The payment is already on record, but the reservation step
			// runs after the state commit and may have failed. The retry
			// finishes it instead of returning a half-done quotation.
			return s.ensureReservation(ctx, q, actorID)
		}
		if other, err := s.repo.FindByPaymentReference(ctx, input.Reference); err == nil && other.ID != id {
			return Quotation{}, &shared.ConflictError{Entity: "payment", ID: input.Reference, Expected: "unused reference"}
		} else if err != nil && !errors.Is(err, shared.ErrNotFound) {
			return Quotation{}, err
		}
	}
	if q.State != StatePendienteAdelanto {
		return Quotation{}, &shared.IllegalTransitionError{Entity: "quotation", From: string(q.State), To: string(StateAdelantoPagado)}
	}
	if q.Advance == nil {
		return Quotation{}, shared.NewValidationError("advance", "no committed advance to pay")
	}
	if input.Amount.LessThanOrEqual(decimal.Zero) {
		return Quotation{}, shared.NewValidationError("amount", "must be positive")
	}
	if input.Amount.GreaterThan(q.Total) {
		return Quotation{}, shared.NewValidationError("amount", "payment exceeds quotation total")
	}
	if input.Currency == "" {
		input.Currency = "PEN"
	}

	// A rate is mandatory only for foreign-currency payments. Provider
	// failure falls back to the rate already on file, never blocks PEN.
	rate := input.Rate
	if input.Currency != "PEN" && rate == nil {
		if s.rates != nil {
			if today, err := s.rates.RateForToday(ctx); err == nil {
				rate = &today.Buy
			} else {
				s.logger.Warn("exchange rate lookup failed", "quotation_id", id, "error", err)
			}
		}
		if rate == nil && q.Payment != nil && q.Payment.Rate != nil {
			rate = q.Payment.Rate
		}
		if rate == nil {
			return Quotation{}, shared.NewValidationError("rate", "exchange rate unavailable for foreign-currency payment")
		}
	}

	now := time.Now().UTC()
	until := now.AddDate(0, 0, s.cfg.AdvancePaidDays)
	pay := AdvancePayment{
		Amount: input.Amount, Currency: input.Currency, Rate: rate,
		Method: input.Method, Reference: input.Reference, PaidAt: now,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ok, err := tx.UpdateState(ctx, id, StatePendienteAdelanto, StateAdelantoPagado, &until)
		if err != nil {
			return err
		}
		if !ok {
			return &shared.ConflictError{Entity: "quotation", ID: fmt.Sprintf("%d", id), Expected: string(StatePendienteAdelanto)}
		}
		return tx.SetPayment(ctx, id, pay)
	})
	if err != nil {
		return Quotation{}, err
	}
	s.recordAudit(ctx, actorID, "QUOT_ADVANCE_PAID", id, map[string]any{
		"amount": input.Amount.String(), "currency": input.Currency, "method": input.Method,
	})

	if s.movements != nil {
		_, err := s.movements.RecordMovement(ctx, treasury.Movement{
			Kind: treasury.KindAdvanceIn, Currency: input.Currency, Amount: input.Amount,
			Rate: rate, Method: input.Method, Reference: input.Reference, RelatedDocument: q.Number,
		})
		if err != nil {
			s.logger.Warn("treasury movement failed, payment state kept", "quotation_id", id, "error", err)
		}
	}

	return s.reserveAndRecord(ctx, id, q.Lines, actorID)
}

// reserveAndRecord runs the reservation manager and stores the resulting
// kind on the quotation.
func (s *Service) reserveAndRecord(ctx context.Context, id int64, lines []Line, actorID string) (Quotation, error) {
	res, err := s.reservations.Reserve(ctx, id, requestLines(lines), actorID)
	if err != nil {
		return Quotation{}, fmt.Errorf("payment registered but reservation failed: %w", err)
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SetReservationKind(ctx, id, res.Kind)
	})
	if err != nil {
		return Quotation{}, err
	}
	return s.repo.Get(ctx, id)
}

// ensureReservation checks that a paid quotation actually holds its
// reservation and re-runs the reservation step when it does not.
func (s *Service) ensureReservation(ctx context.Context, q Quotation, actorID string) (Quotation, error) {
	if q.State != StateAdelantoPagado {
		return q, nil
	}
	if _, err := s.reservations.Get(ctx, q.ID); err == nil {
		return q, nil
	} else if !errors.Is(err, shared.ErrNotFound) {
		return Quotation{}, err
	}
	return s.reserveAndRecord(ctx, q.ID, q.Lines, actorID)
}

// Confirm converts the quotation into a sale. Legal from validada (stock may
// be short, the sale is flagged) and from adelanto_pagado (the allocator
// re-validates instead of trusting the reservation). The state moves first
// so concurrent actions on the quotation cannot race the allocation; a
// quotation left confirmada without a sale by an earlier failed attempt
// resumes at sale creation instead of being stuck.
func (s *Service) Confirm(ctx context.Context, id int64, actorID string) (Quotation, error) {
	q, err := s.getLive(ctx, id)
	if err != nil {
		return Quotation{}, err
	}
	resume := q.State == StateConfirmada && q.SaleID == nil
	if !resume && q.State != StateValidada && q.State != StateAdelantoPagado {
		return Quotation{}, &shared.IllegalTransitionError{Entity: "quotation", From: string(q.State), To: string(StateConfirmada)}
	}
	if !resume {
		err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			ok, err := tx.UpdateState(ctx, id, q.State, StateConfirmada, nil)
			if err != nil {
				return err
			}
			if !ok {
				return &shared.ConflictError{Entity: "quotation", ID: fmt.Sprintf("%d", id), Expected: string(q.State)}
			}
			return nil
		})
		if err != nil {
			return Quotation{}, err
		}
	}

	saleLines := make([]SaleLineInput, 0, len(q.Lines))
	for _, line := range q.Lines {
		saleLines = append(saleLines, SaleLineInput{ProductID: line.ProductID, Qty: line.Qty, UnitPrice: line.UnitPrice})
	}
	result, err := s.sales.CreateFromQuotation(ctx, SaleInput{
		QuotationID:     id,
		QuotationNumber: q.Number,
		CustomerName:    q.CustomerName,
		Total:           q.Total,
		Lines:           saleLines,
		ActorID:         actorID,
	})
	if err != nil {
		return Quotation{}, fmt.Errorf("quotation confirmed but sale creation failed: %w", err)
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SetSaleID(ctx, id, result.SaleID)
	})
	if err != nil {
		return Quotation{}, err
	}
	s.recordAudit(ctx, actorID, "QUOT_CONFIRM", id, map[string]any{
		"sale_id": result.SaleID, "stock_short": result.StockShort,
	})
	return s.repo.Get(ctx, id)
}

// RejectInput captures the closure record.
type RejectInput struct {
	Reason        RejectionReason
	Detail        string
	ExpectedPrice *decimal.Decimal
	Competitor    string
}

// Reject closes the quotation from any active state. Reserved units are
// released back to the free pool before the state write commits. The
// committed advance stays on record.
func (s *Service) Reject(ctx context.Context, id int64, input RejectInput, actorID string) (Quotation, error) {
	if !ValidReason(input.Reason) {
		return Quotation{}, shared.NewValidationError("reason", "unknown rejection reason code")
	}
	q, err := s.repo.Get(ctx, id)
	if err != nil {
		return Quotation{}, err
	}
	if !q.State.Active() {
		return Quotation{}, &shared.IllegalTransitionError{Entity: "quotation", From: string(q.State), To: string(StateRechazada)}
	}
	if err := s.reservations.Release(ctx, id, "quotation rejected", actorID); err != nil {
		return Quotation{}, fmt.Errorf("release reservation: %w", err)
	}
	rej := Rejection{
		Reason: input.Reason, Detail: input.Detail,
		ExpectedPrice: input.ExpectedPrice, Competitor: input.Competitor,
		RejectedAt: time.Now().UTC(),
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ok, err := tx.UpdateState(ctx, id, q.State, StateRechazada, nil)
		if err != nil {
			return err
		}
		if !ok {
			return &shared.ConflictError{Entity: "quotation", ID: fmt.Sprintf("%d", id), Expected: string(q.State)}
		}
		return tx.SetRejection(ctx, id, rej)
	})
	if err != nil {
		return Quotation{}, err
	}
	s.recordAudit(ctx, actorID, "QUOT_REJECT", id, map[string]any{"reason": string(input.Reason)})
	return s.repo.Get(ctx, id)
}

// Expire moves an expirable quotation to vencida, releasing any reservation
// first. It is called both explicitly and by the lazy expiry check on reads.
func (s *Service) Expire(ctx context.Context, id int64, actorID string) (Quotation, error) {
	q, err := s.repo.Get(ctx, id)
	if err != nil {
		return Quotation{}, err
	}
	if !q.State.Expirable() {
		return Quotation{}, &shared.IllegalTransitionError{Entity: "quotation", From: string(q.State), To: string(StateVencida)}
	}
	if err := s.reservations.Release(ctx, id, "quotation expired", actorID); err != nil {
		return Quotation{}, fmt.Errorf("release reservation: %w", err)
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ok, err := tx.UpdateState(ctx, id, q.State, StateVencida, q.ValidUntil)
		if err != nil {
			return err
		}
		if !ok {
			return &shared.ConflictError{Entity: "quotation", ID: fmt.Sprintf("%d", id), Expected: string(q.State)}
		}
		return nil
	})
	if err != nil {
		return Quotation{}, err
	}
	s.recordAudit(ctx, actorID, "QUOT_EXPIRE", id, nil)
	return s.repo.Get(ctx, id)
}

// ExpireDue sweeps quotations whose vigency deadline has passed. Returns the
// number expired.
func (s *Service) ExpireDue(ctx context.Context, limit int) (int, error) {
	ids, err := s.repo.ListExpiryDue(ctx, time.Now().UTC(), limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, id := range ids {
		if _, err := s.Expire(ctx, id, "system"); err != nil {
			s.logger.Warn("expiry sweep item failed", "quotation_id", id, "error", err)
			continue
		}
		expired++
	}
	return expired, nil
}

// Get returns the quotation, applying lazy expiry when the vigency deadline
// already passed.
func (s *Service) Get(ctx context.Context, id int64) (Quotation, error) {
	return s.getLive(ctx, id)
}

// List returns quotations filtered by state.
func (s *Service) List(ctx context.Context, state *State, limit, offset int) ([]Quotation, error) {
	return s.repo.List(ctx, state, limit, offset)
}

// RejectionSummary aggregates lost demand by reason code for the window.
func (s *Service) RejectionSummary(ctx context.Context, from, to time.Time) ([]ReasonSummary, error) {
	if !to.After(from) {
		return nil, shared.NewValidationError("range", "to must be after from")
	}
	return s.repo.RejectionSummary(ctx, from, to)
}

// getLive loads the quotation and expires it on the spot when the vigency
// window has elapsed.
func (s *Service) getLive(ctx context.Context, id int64) (Quotation, error) {
	q, err := s.repo.Get(ctx, id)
	if err != nil {
		return Quotation{}, err
	}
	if q.Expired(time.Now().UTC()) {
		expired, err := s.Expire(ctx, id, "system")
		if err != nil {
			s.logger.Warn("lazy expiry failed", "quotation_id", id, "error", err)
			return q, nil
		}
		return expired, nil
	}
	return q, nil
}

// transition performs a simple CAS state change with no side records.
func (s *Service) transition(ctx context.Context, id int64, from, to State, validUntil *time.Time, actorID string, meta map[string]any) (Quotation, error) {
	q, err := s.getLive(ctx, id)
	if err != nil {
		return Quotation{}, err
	}
	if q.State != from || !CanTransition(from, to) {
		return Quotation{}, &shared.IllegalTransitionError{Entity: "quotation", From: string(q.State), To: string(to)}
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ok, err := tx.UpdateState(ctx, id, from, to, validUntil)
		if err != nil {
			return err
		}
		if !ok {
			return &shared.ConflictError{Entity: "quotation", ID: fmt.Sprintf("%d", id), Expected: string(from)}
		}
		return nil
	})
	if err != nil {
		return Quotation{}, err
	}
	s.recordAudit(ctx, actorID, fmt.Sprintf("QUOT_%s", to), id, meta)
	return s.repo.Get(ctx, id)
}

func requestLines(lines []Line) []reservation.RequestLine {
	out := make([]reservation.RequestLine, 0, len(lines))
	for _, line := range lines {
		out = append(out, reservation.RequestLine{ProductID: line.ProductID, Qty: line.Qty})
	}
	return out
}

func (s *Service) recordAudit(ctx context.Context, actorID, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "quotation", EntityID: fmt.Sprintf("%d", id), Meta: meta})
}
