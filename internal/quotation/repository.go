package quotation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ElPepe57/NewSystem-sub003/internal/reservation"
	"github.com/ElPepe57/NewSystem-sub003/internal/shared"
)

// TxRepository is the transactional slice of the repository.
type TxRepository interface {
	Create(ctx context.Context, q Quotation) (int64, error)
	InsertLine(ctx context.Context, line Line) error
	Get(ctx context.Context, id int64) (Quotation, error)
	UpdateState(ctx context.Context, id int64, from, to State, validUntil *time.Time) (bool, error)
	SetAdvance(ctx context.Context, id int64, adv AdvanceCommitment) error
	SetPayment(ctx context.Context, id int64, pay AdvancePayment) error
	SetReservationKind(ctx context.Context, id int64, kind reservation.Kind) error
	SetRejection(ctx context.Context, id int64, rej Rejection) error
	SetSaleID(ctx context.Context, id int64, saleID int64) error
}

// Repository is the PostgreSQL-backed quotation store.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx runs fn inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(ctx, &txRepository{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const quotationColumns = `id, number, customer_name, customer_contact,
subtotal::text, discount::text, shipping::text, total::text, state, valid_until,
advance_amount::text, advance_percent::text, advance_deadline, advance_committed_at,
paid_amount::text, paid_currency, paid_rate::text, paid_method, paid_reference, paid_at,
reservation_kind, rejection_reason, rejection_detail, rejection_expected_price::text,
rejection_competitor, rejected_at, sale_id, created_at, updated_at`

func (t *txRepository) Create(ctx context.Context, q Quotation) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO quotations
(number, customer_name, customer_contact, subtotal, discount, shipping, total, state, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)
RETURNING id`,
		q.Number, q.CustomerName, q.CustomerContact,
		q.Subtotal.String(), q.Discount.String(), q.Shipping.String(), q.Total.String(),
		string(q.State), q.CreatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert quotation: %w", err)
	}
	return id, nil
}

func (t *txRepository) InsertLine(ctx context.Context, line Line) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO quotation_lines
(quotation_id, product_id, qty, unit_price, available_at_quote)
VALUES ($1,$2,$3,$4,$5)`,
		line.QuotationID, line.ProductID, line.Qty, line.UnitPrice.String(), line.AvailableAtQuote)
	if err != nil {
		return fmt.Errorf("insert quotation line: %w", err)
	}
	return nil
}

func (t *txRepository) Get(ctx context.Context, id int64) (Quotation, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+quotationColumns+` FROM quotations WHERE id = $1 FOR UPDATE`, id)
	q, err := scanQuotation(row)
	if err != nil {
		return Quotation{}, err
	}
	q.Lines, err = scanLines(ctx, t.tx, id)
	return q, err
}

// UpdateState is the compare-and-swap state write. The vigency deadline is
// recomputed on every state change, so it travels with the same statement.
func (t *txRepository) UpdateState(ctx context.Context, id int64, from, to State, validUntil *time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx, `UPDATE quotations
SET state = $1, valid_until = $2, updated_at = now()
WHERE id = $3 AND state = $4`,
		string(to), validUntil, id, string(from))
	if err != nil {
		return false, fmt.Errorf("update quotation state: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *txRepository) SetAdvance(ctx context.Context, id int64, adv AdvanceCommitment) error {
	_, err := t.tx.Exec(ctx, `UPDATE quotations
SET advance_amount = $1, advance_percent = $2, advance_deadline = $3, advance_committed_at = $4, updated_at = now()
WHERE id = $5`,
		adv.Amount.String(), adv.Percent.String(), adv.Deadline, adv.CommittedAt, id)
	if err != nil {
		return fmt.Errorf("set advance commitment: %w", err)
	}
	return nil
}

func (t *txRepository) SetPayment(ctx context.Context, id int64, pay AdvancePayment) error {
	var rate *string
	if pay.Rate != nil {
		s := pay.Rate.String()
		rate = &s
	}
	_, err := t.tx.Exec(ctx, `UPDATE quotations
SET paid_amount = $1, paid_currency = $2, paid_rate = $3, paid_method = $4, paid_reference = $5, paid_at = $6, updated_at = now()
WHERE id = $7`,
		pay.Amount.String(), pay.Currency, rate, pay.Method, pay.Reference, pay.PaidAt, id)
	if err != nil {
		return fmt.Errorf("set advance payment: %w", err)
	}
	return nil
}

func (t *txRepository) SetReservationKind(ctx context.Context, id int64, kind reservation.Kind) error {
	_, err := t.tx.Exec(ctx, `UPDATE quotations SET reservation_kind = $1, updated_at = now() WHERE id = $2`, string(kind), id)
	if err != nil {
		return fmt.Errorf("set reservation kind: %w", err)
	}
	return nil
}

func (t *txRepository) SetRejection(ctx context.Context, id int64, rej Rejection) error {
	var expected *string
	if rej.ExpectedPrice != nil {
		s := rej.ExpectedPrice.String()
		expected = &s
	}
	_, err := t.tx.Exec(ctx, `UPDATE quotations
SET rejection_reason = $1, rejection_detail = $2, rejection_expected_price = $3, rejection_competitor = $4, rejected_at = $5, updated_at = now()
WHERE id = $6`,
		string(rej.Reason), rej.Detail, expected, rej.Competitor, rej.RejectedAt, id)
	if err != nil {
		return fmt.Errorf("set rejection: %w", err)
	}
	return nil
}

func (t *txRepository) SetSaleID(ctx context.Context, id int64, saleID int64) error {
	_, err := t.tx.Exec(ctx, `UPDATE quotations SET sale_id = $1, updated_at = now() WHERE id = $2`, saleID, id)
	if err != nil {
		return fmt.Errorf("set sale id: %w", err)
	}
	return nil
}

// Get loads a quotation with its lines.
func (r *Repository) Get(ctx context.Context, id int64) (Quotation, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+quotationColumns+` FROM quotations WHERE id = $1`, id)
	q, err := scanQuotation(row)
	if err != nil {
		return Quotation{}, err
	}
	q.Lines, err = scanLines(ctx, r.pool, id)
	return q, err
}

// List returns quotations filtered by state, newest first.
func (r *Repository) List(ctx context.Context, state *State, limit, offset int) ([]Quotation, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT ` + quotationColumns + ` FROM quotations`
	args := []any{}
	if state != nil {
		query += ` WHERE state = $1`
		args = append(args, string(*state))
	}
	query += fmt.Sprintf(` ORDER BY id DESC LIMIT %d OFFSET %d`, limit, offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list quotations: %w", err)
	}
	defer rows.Close()
	var out []Quotation
	for rows.Next() {
		q, err := scanQuotation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// ListExpiryDue returns ids of quotations whose vigency deadline has passed.
func (r *Repository) ListExpiryDue(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT id FROM quotations
WHERE state = ANY($1) AND valid_until IS NOT NULL AND valid_until < $2
ORDER BY valid_until ASC
LIMIT $3`,
		[]string{string(StateValidada), string(StatePendienteAdelanto), string(StateAdelantoPagado)}, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expiry due: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FindByPaymentReference returns the quotation that already registered the
// given payment reference, if any.
func (r *Repository) FindByPaymentReference(ctx context.Context, reference string) (Quotation, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+quotationColumns+` FROM quotations WHERE paid_reference = $1`, reference)
	return scanQuotation(row)
}

// RejectionSummary aggregates closed quotations by reason code.
func (r *Repository) RejectionSummary(ctx context.Context, from, to time.Time) ([]ReasonSummary, error) {
	rows, err := r.pool.Query(ctx, `SELECT rejection_reason, count(*), coalesce(sum(total), 0)::text
FROM quotations
WHERE state = $1 AND rejected_at >= $2 AND rejected_at < $3
GROUP BY rejection_reason
ORDER BY count(*) DESC`,
		string(StateRechazada), from, to)
	if err != nil {
		return nil, fmt.Errorf("rejection summary: %w", err)
	}
	defer rows.Close()
	var out []ReasonSummary
	for rows.Next() {
		var (
			reason string
			count  int
			lost   string
		)
		if err := rows.Scan(&reason, &count, &lost); err != nil {
			return nil, err
		}
		total, err := decimal.NewFromString(lost)
		if err != nil {
			return nil, fmt.Errorf("parse lost total: %w", err)
		}
		out = append(out, ReasonSummary{Reason: RejectionReason(reason), Count: count, LostTotal: total})
	}
	return out, rows.Err()
}

// NextNumber allocates a sequential document number.
func (r *Repository) NextNumber(ctx context.Context, prefix string) (string, error) {
	var seq int64
	err := r.pool.QueryRow(ctx, `SELECT nextval('quotation_number_seq')`).Scan(&seq)
	if err != nil {
		return "", fmt.Errorf("next quotation number: %w", err)
	}
	return fmt.Sprintf("%s-%06d", prefix, seq), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func scanQuotation(row rowScanner) (Quotation, error) {
	var (
		q                Quotation
		state            string
		subtotal         string
		discount         string
		shipping         string
		total            string
		advAmount        *string
		advPercent       *string
		advDeadline      *time.Time
		advCommittedAt   *time.Time
		paidAmount       *string
		paidCurrency     *string
		paidRate         *string
		paidMethod       *string
		paidReference    *string
		paidAt           *time.Time
		reservationKind  *string
		rejReason        *string
		rejDetail        *string
		rejExpectedPrice *string
		rejCompetitor    *string
		rejectedAt       *time.Time
	)
	err := row.Scan(&q.ID, &q.Number, &q.CustomerName, &q.CustomerContact,
		&subtotal, &discount, &shipping, &total, &state, &q.ValidUntil,
		&advAmount, &advPercent, &advDeadline, &advCommittedAt,
		&paidAmount, &paidCurrency, &paidRate, &paidMethod, &paidReference, &paidAt,
		&reservationKind, &rejReason, &rejDetail, &rejExpectedPrice,
		&rejCompetitor, &rejectedAt, &q.SaleID, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Quotation{}, shared.ErrNotFound
		}
		return Quotation{}, fmt.Errorf("scan quotation: %w", err)
	}
	q.State = State(state)
	if q.Subtotal, err = decimal.NewFromString(subtotal); err != nil {
		return Quotation{}, fmt.Errorf("parse subtotal: %w", err)
	}
	if q.Discount, err = decimal.NewFromString(discount); err != nil {
		return Quotation{}, fmt.Errorf("parse discount: %w", err)
	}
	if q.Shipping, err = decimal.NewFromString(shipping); err != nil {
		return Quotation{}, fmt.Errorf("parse shipping: %w", err)
	}
	if q.Total, err = decimal.NewFromString(total); err != nil {
		return Quotation{}, fmt.Errorf("parse total: %w", err)
	}
	if advAmount != nil && advDeadline != nil {
		amount, err := decimal.NewFromString(*advAmount)
		if err != nil {
			return Quotation{}, fmt.Errorf("parse advance amount: %w", err)
		}
		percent := decimal.Zero
		if advPercent != nil {
			if percent, err = decimal.NewFromString(*advPercent); err != nil {
				return Quotation{}, fmt.Errorf("parse advance percent: %w", err)
			}
		}
		committedAt := time.Time{}
		if advCommittedAt != nil {
			committedAt = *advCommittedAt
		}
		q.Advance = &AdvanceCommitment{Amount: amount, Percent: percent, Deadline: *advDeadline, CommittedAt: committedAt}
	}
	if paidAmount != nil && paidAt != nil {
		amount, err := decimal.NewFromString(*paidAmount)
		if err != nil {
			return Quotation{}, fmt.Errorf("parse paid amount: %w", err)
		}
		pay := AdvancePayment{Amount: amount, PaidAt: *paidAt}
		if paidCurrency != nil {
			pay.Currency = *paidCurrency
		}
		if paidMethod != nil {
			pay.Method = *paidMethod
		}
		if paidReference != nil {
			pay.Reference = *paidReference
		}
		if paidRate != nil {
			rate, err := decimal.NewFromString(*paidRate)
			if err != nil {
				return Quotation{}, fmt.Errorf("parse paid rate: %w", err)
			}
			pay.Rate = &rate
		}
		q.Payment = &pay
	}
	if reservationKind != nil {
		q.ReservationKind = reservation.Kind(*reservationKind)
	}
	if rejReason != nil && rejectedAt != nil {
		rej := Rejection{Reason: RejectionReason(*rejReason), RejectedAt: *rejectedAt}
		if rejDetail != nil {
			rej.Detail = *rejDetail
		}
		if rejCompetitor != nil {
			rej.Competitor = *rejCompetitor
		}
		if rejExpectedPrice != nil {
			price, err := decimal.NewFromString(*rejExpectedPrice)
			if err != nil {
				return Quotation{}, fmt.Errorf("parse expected price: %w", err)
			}
			rej.ExpectedPrice = &price
		}
		q.Rejection = &rej
	}
	return q, nil
}

func scanLines(ctx context.Context, q queryer, quotationID int64) ([]Line, error) {
	rows, err := q.Query(ctx, `SELECT id, quotation_id, product_id, qty, unit_price::text, available_at_quote
FROM quotation_lines WHERE quotation_id = $1 ORDER BY id`, quotationID)
	if err != nil {
		return nil, fmt.Errorf("load quotation lines: %w", err)
	}
	defer rows.Close()
	var lines []Line
	for rows.Next() {
		var (
			line  Line
			price string
		)
		if err := rows.Scan(&line.ID, &line.QuotationID, &line.ProductID, &line.Qty, &price, &line.AvailableAtQuote); err != nil {
			return nil, err
		}
		if line.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse line price: %w", err)
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}
