package units

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

// Repository persists inventory units in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the ledger service.
// The select-candidates-then-mark-taken sequence always runs through one of
// these inside a single transaction.
type TxRepository interface {
	InsertUnits(ctx context.Context, list []Unit) error
	GetUnit(ctx context.Context, id uuid.UUID) (Unit, error)
	SelectByStateFEFO(ctx context.Context, productID int64, state State, quotationID *int64, limit int) ([]Unit, error)
	UpdateState(ctx context.Context, id uuid.UUID, from, to State, quotationID, saleID *int64) (bool, error)
	InsertStateLog(ctx context.Context, log StateLog) error
	ListByQuotation(ctx context.Context, quotationID int64, state State) ([]Unit, error)
	ListBySale(ctx context.Context, saleID int64) ([]Unit, error)
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("units repository not initialised")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	wrapper := &txRepository{tx: tx}
	if err := fn(ctx, wrapper); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

const unitColumns = `id, product_id, warehouse_id, country, lot, expires_at,
unit_cost_usd::text, purchase_rate::text, payment_rate::text,
purchase_order_id, state, quotation_id, sale_id, arrived_at, created_at, updated_at`

// Query lists units outside a transaction, filtered by product, state and
// location. Used by availability snapshots and displays.
func (r *Repository) Query(ctx context.Context, filter QueryFilter) ([]Unit, error) {
	if r == nil {
		return nil, errors.New("units repository not initialised")
	}
	query := `SELECT ` + unitColumns + ` FROM inventory_units WHERE 1=1`
	args := []interface{}{}
	arg := 0
	if filter.ProductID != 0 {
		arg++
		query += fmt.Sprintf(" AND product_id = $%d", arg)
		args = append(args, filter.ProductID)
	}
	if filter.State != "" {
		arg++
		query += fmt.Sprintf(" AND state = $%d", arg)
		args = append(args, string(filter.State))
	}
	if filter.WarehouseID != 0 {
		arg++
		query += fmt.Sprintf(" AND warehouse_id = $%d", arg)
		args = append(args, filter.WarehouseID)
	}
	if filter.Country != "" {
		arg++
		query += fmt.Sprintf(" AND country = $%d", arg)
		args = append(args, filter.Country)
	}
	query += " ORDER BY expires_at ASC NULLS LAST, arrived_at ASC, id ASC"
	if filter.Limit > 0 {
		arg++
		query += fmt.Sprintf(" LIMIT $%d", arg)
		args = append(args, filter.Limit)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUnits(rows)
}

// CountByState counts a product's units in a state.
func (r *Repository) CountByState(ctx context.Context, productID int64, state State) (int, error) {
	if r == nil {
		return 0, errors.New("units repository not initialised")
	}
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM inventory_units WHERE product_id=$1 AND state=$2`,
		productID, string(state)).Scan(&count)
	return count, err
}

// Get fetches a single unit.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Unit, error) {
	if r == nil {
		return Unit{}, errors.New("units repository not initialised")
	}
	row := r.pool.QueryRow(ctx, `SELECT `+unitColumns+` FROM inventory_units WHERE id=$1`, id)
	return scanUnit(row)
}

func (t *txRepository) InsertUnits(ctx context.Context, list []Unit) error {
	for _, u := range list {
		_, err := t.tx.Exec(ctx, `INSERT INTO inventory_units
(id, product_id, warehouse_id, country, lot, expires_at, unit_cost_usd, purchase_rate, payment_rate, purchase_order_id, state, quotation_id, sale_id, arrived_at, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,NOW(),NOW())`,
			u.ID, u.ProductID, u.WarehouseID, u.Country, u.Lot, u.ExpiresAt,
			u.UnitCostUSD.String(), u.PurchaseRate.String(), u.PaymentRate.String(),
			u.PurchaseOrderID, string(u.State), u.QuotationID, u.SaleID, u.ArrivedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *txRepository) GetUnit(ctx context.Context, id uuid.UUID) (Unit, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+unitColumns+` FROM inventory_units WHERE id=$1 FOR UPDATE`, id)
	return scanUnit(row)
}

// SelectByStateFEFO locks the candidate set with FOR UPDATE so the marking
// that follows sees exactly these rows. When quotationID is non-nil only
// units reserved for that quotation qualify.
func (t *txRepository) SelectByStateFEFO(ctx context.Context, productID int64, state State, quotationID *int64, limit int) ([]Unit, error) {
	query := `SELECT ` + unitColumns + ` FROM inventory_units WHERE product_id=$1 AND state=$2`
	args := []interface{}{productID, string(state)}
	if quotationID != nil {
		query += ` AND quotation_id=$3`
		args = append(args, *quotationID)
	}
	query += fmt.Sprintf(` ORDER BY expires_at ASC NULLS LAST, arrived_at ASC, id ASC LIMIT $%d FOR UPDATE`, len(args)+1)
	args = append(args, limit)
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUnits(rows)
}

// UpdateState is the compare-and-swap mutation. It reports false without
// error when the precondition state no longer holds.
func (t *txRepository) UpdateState(ctx context.Context, id uuid.UUID, from, to State, quotationID, saleID *int64) (bool, error) {
	tag, err := t.tx.Exec(ctx, `UPDATE inventory_units
SET state=$1, quotation_id=$2, sale_id=$3, updated_at=NOW()
WHERE id=$4 AND state=$5`,
		string(to), quotationID, saleID, id, string(from))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *txRepository) InsertStateLog(ctx context.Context, log StateLog) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO inventory_unit_log (unit_id, from_state, to_state, reason, actor_id, changed_at)
VALUES ($1,$2,$3,$4,$5,$6)`,
		log.UnitID, string(log.From), string(log.To), log.Reason, log.ActorID, defaultNow(log.ChangedAt))
	return err
}

func (t *txRepository) ListByQuotation(ctx context.Context, quotationID int64, state State) ([]Unit, error) {
	query := `SELECT ` + unitColumns + ` FROM inventory_units WHERE quotation_id=$1`
	args := []interface{}{quotationID}
	if state != "" {
		query += ` AND state=$2`
		args = append(args, string(state))
	}
	query += ` ORDER BY expires_at ASC NULLS LAST, arrived_at ASC, id ASC FOR UPDATE`
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUnits(rows)
}

func (t *txRepository) ListBySale(ctx context.Context, saleID int64) ([]Unit, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+unitColumns+` FROM inventory_units WHERE sale_id=$1 ORDER BY id ASC FOR UPDATE`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUnits(rows)
}

func scanUnits(rows pgx.Rows) ([]Unit, error) {
	var list []Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, u)
	}
	return list, rows.Err()
}

func scanUnit(row pgx.Row) (Unit, error) {
	var u Unit
	var state string
	var cost, purchaseRate, paymentRate string
	err := row.Scan(&u.ID, &u.ProductID, &u.WarehouseID, &u.Country, &u.Lot, &u.ExpiresAt,
		&cost, &purchaseRate, &paymentRate,
		&u.PurchaseOrderID, &state, &u.QuotationID, &u.SaleID, &u.ArrivedAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Unit{}, shared.ErrNotFound
		}
		return Unit{}, err
	}
	u.State = State(state)
	if u.UnitCostUSD, err = decimal.NewFromString(cost); err != nil {
		return Unit{}, fmt.Errorf("units: parse unit cost: %w", err)
	}
	if u.PurchaseRate, err = decimal.NewFromString(purchaseRate); err != nil {
		return Unit{}, fmt.Errorf("units: parse purchase rate: %w", err)
	}
	if u.PaymentRate, err = decimal.NewFromString(paymentRate); err != nil {
		return Unit{}, fmt.Errorf("units: parse payment rate: %w", err)
	}
	return u, nil
}

func defaultNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
