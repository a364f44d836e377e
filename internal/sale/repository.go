package sale

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ElPepe57/NewSystem-sub003/internal/shared"
)

// TxRepository is the transactional slice of the repository.
type TxRepository interface {
	Create(ctx context.Context, s Sale) (int64, error)
	InsertLine(ctx context.Context, line Line) (int64, error)
	UpdateLineAssignment(ctx context.Context, lineID int64, assigned []uuid.UUID, cost decimal.Decimal) error
	UpdateStatus(ctx context.Context, id int64, from, to Status, deliveredAt *time.Time) (bool, error)
	SetAllocationResult(ctx context.Context, id int64, stockShort bool, realizedCost decimal.Decimal) error
	Get(ctx context.Context, id int64) (Sale, error)
}

// Repository is the PostgreSQL-backed sale store.
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

func (t *txRepository) Create(ctx context.Context, s Sale) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO sales
(number, quotation_id, quotation_number, customer_name, total, status, stock_short, realized_cost_usd, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
RETURNING id`,
		s.Number, s.QuotationID, s.QuotationNumber, s.CustomerName,
		s.Total.String(), string(s.Status), s.StockShort, s.RealizedCostUSD.String(), s.CreatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert sale: %w", err)
	}
	return id, nil
}

func (t *txRepository) InsertLine(ctx context.Context, line Line) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO sale_lines
(sale_id, product_id, qty, unit_price, assigned_unit_ids, assigned_cost)
VALUES ($1,$2,$3,$4,$5,$6)
RETURNING id`,
		line.SaleID, line.ProductID, line.Qty, line.UnitPrice.String(),
		uuidStrings(line.AssignedIDs), line.AssignedCost.String()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert sale line: %w", err)
	}
	return id, nil
}

func (t *txRepository) UpdateLineAssignment(ctx context.Context, lineID int64, assigned []uuid.UUID, cost decimal.Decimal) error {
	_, err := t.tx.Exec(ctx, `UPDATE sale_lines
SET assigned_unit_ids = $1, assigned_cost = $2
WHERE id = $3`,
		uuidStrings(assigned), cost.String(), lineID)
	if err != nil {
		return fmt.Errorf("update sale line assignment: %w", err)
	}
	return nil
}

func (t *txRepository) UpdateStatus(ctx context.Context, id int64, from, to Status, deliveredAt *time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx, `UPDATE sales
SET status = $1, delivered_at = $2
WHERE id = $3 AND status = $4`,
		string(to), deliveredAt, id, string(from))
	if err != nil {
		return false, fmt.Errorf("update sale status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *txRepository) SetAllocationResult(ctx context.Context, id int64, stockShort bool, realizedCost decimal.Decimal) error {
	_, err := t.tx.Exec(ctx, `UPDATE sales
SET stock_short = $1, realized_cost_usd = $2
WHERE id = $3`,
		stockShort, realizedCost.String(), id)
	if err != nil {
		return fmt.Errorf("set allocation result: %w", err)
	}
	return nil
}

func (t *txRepository) Get(ctx context.Context, id int64) (Sale, error) {
	return getSale(ctx, t.tx, id, true)
}

// Get loads a sale with its lines.
func (r *Repository) Get(ctx context.Context, id int64) (Sale, error) {
	return getSale(ctx, r.pool, id, false)
}

// List returns sales filtered by status, newest first.
func (r *Repository) List(ctx context.Context, status *Status, limit, offset int) ([]Sale, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT id FROM sales`
	args := []any{}
	if status != nil {
		query += ` WHERE status = $1`
		args = append(args, string(*status))
	}
	query += fmt.Sprintf(` ORDER BY id DESC LIMIT %d OFFSET %d`, limit, offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sales: %w", err)
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
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]Sale, 0, len(ids))
	for _, id := range ids {
		s, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func getSale(ctx context.Context, q querier, id int64, forUpdate bool) (Sale, error) {
	query := `SELECT id, number, quotation_id, quotation_number, customer_name,
total::text, status, stock_short, realized_cost_usd::text, created_at, delivered_at
FROM sales WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var (
		s      Sale
		status string
		total  string
		cost   string
	)
	err := q.QueryRow(ctx, query, id).Scan(&s.ID, &s.Number, &s.QuotationID, &s.QuotationNumber,
		&s.CustomerName, &total, &status, &s.StockShort, &cost, &s.CreatedAt, &s.DeliveredAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Sale{}, shared.ErrNotFound
		}
		return Sale{}, fmt.Errorf("scan sale: %w", err)
	}
	s.Status = Status(status)
	if s.Total, err = decimal.NewFromString(total); err != nil {
		return Sale{}, fmt.Errorf("parse sale total: %w", err)
	}
	if s.RealizedCostUSD, err = decimal.NewFromString(cost); err != nil {
		return Sale{}, fmt.Errorf("parse realized cost: %w", err)
	}
	rows, err := q.Query(ctx, `SELECT id, sale_id, product_id, qty, unit_price::text, assigned_unit_ids, assigned_cost::text
FROM sale_lines WHERE sale_id = $1 ORDER BY id`, id)
	if err != nil {
		return Sale{}, fmt.Errorf("load sale lines: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			line     Line
			price    string
			cost     string
			assigned []string
		)
		if err := rows.Scan(&line.ID, &line.SaleID, &line.ProductID, &line.Qty, &price, &assigned, &cost); err != nil {
			return Sale{}, err
		}
		if line.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return Sale{}, fmt.Errorf("parse line price: %w", err)
		}
		if line.AssignedCost, err = decimal.NewFromString(cost); err != nil {
			return Sale{}, fmt.Errorf("parse line cost: %w", err)
		}
		for _, raw := range assigned {
			uid, err := uuid.Parse(raw)
			if err != nil {
				return Sale{}, fmt.Errorf("parse assigned unit id: %w", err)
			}
			line.AssignedIDs = append(line.AssignedIDs, uid)
		}
		s.Lines = append(s.Lines, line)
	}
	return s, rows.Err()
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}
