// Package treasury consumes the payment-ledger collaborator. Recording a
// movement is best-effort: a failure here is surfaced as a warning by the
// caller and never rolls back a state transition that already validated.
package treasury

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// MovementKind classifies a monetary movement.
type MovementKind string

const (
	// KindAdvanceIn is a customer advance payment received.
	KindAdvanceIn MovementKind = "advance_in"
	// KindSaleIn is a sale settlement received.
	KindSaleIn MovementKind = "sale_in"
	// KindPurchaseOut is a supplier payment sent.
	KindPurchaseOut MovementKind = "purchase_out"
)

// Movement describes one monetary movement to record.
type Movement struct {
	Kind            MovementKind
	Currency        string
	Amount          decimal.Decimal
	Rate            *decimal.Decimal
	Method          string
	Reference       string
	RelatedDocument string
}

// MovementRecorder is the port the engine calls.
type MovementRecorder interface {
	RecordMovement(ctx context.Context, m Movement) (int64, error)
}

// Ledger is the PostgreSQL-backed recorder.
type Ledger struct {
	pool *pgxpool.Pool
}

// NewLedger constructs Ledger.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// RecordMovement persists the movement and returns its id.
func (l *Ledger) RecordMovement(ctx context.Context, m Movement) (int64, error) {
	if l == nil {
		return 0, errors.New("treasury ledger not initialised")
	}
	if m.Kind == "" || m.Currency == "" {
		return 0, errors.New("treasury: kind and currency required")
	}
	if m.Amount.LessThanOrEqual(decimal.Zero) {
		return 0, errors.New("treasury: amount must be positive")
	}
	var rate *string
	if m.Rate != nil {
		s := m.Rate.String()
		rate = &s
	}
	var id int64
	err := l.pool.QueryRow(ctx, `INSERT INTO treasury_movements
(kind, currency, amount, rate, method, reference, related_document, recorded_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
RETURNING id`,
		string(m.Kind), m.Currency, m.Amount.String(), rate, m.Method, m.Reference, m.RelatedDocument, time.Now().UTC()).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}
