package procurement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ElPepe57/NewSystem-sub003/internal/shared"
)

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	CreateRequirement(ctx context.Context, req Requirement) (int64, error)
	InsertRequirementLine(ctx context.Context, line RequirementLine) error
	CreatePO(ctx context.Context, po PurchaseOrder) (int64, error)
	InsertPOLine(ctx context.Context, line POLine) error
	UpdatePOStatus(ctx context.Context, id int64, from, to POStatus) (bool, error)
	MarkInventoryGenerated(ctx context.Context, id int64, receivedAt time.Time) (bool, error)
	SetPaymentRate(ctx context.Context, id int64, rate decimal.Decimal) error
	InsertReceipt(ctx context.Context, receipt Receipt) error
}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps callback in repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("procurement repository not initialised")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	wrapper := &txRepo{tx: tx}
	if err := fn(ctx, wrapper); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// GetRequirement returns a requirement with its lines.
func (r *Repository) GetRequirement(ctx context.Context, id int64) (Requirement, error) {
	var req Requirement
	var source string
	err := r.pool.QueryRow(ctx, `SELECT id, number, quotation_id, source, note, created_at FROM requirements WHERE id=$1`, id).
		Scan(&req.ID, &req.Number, &req.QuotationID, &source, &req.Note, &req.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Requirement{}, shared.ErrNotFound
		}
		return Requirement{}, err
	}
	req.Source = RequirementSource(source)
	rows, err := r.pool.Query(ctx, `SELECT id, requirement_id, product_id, qty_requested FROM requirement_lines WHERE requirement_id=$1 ORDER BY id`, id)
	if err != nil {
		return Requirement{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line RequirementLine
		if err := rows.Scan(&line.ID, &line.RequirementID, &line.ProductID, &line.QtyRequested); err != nil {
			return Requirement{}, err
		}
		req.Lines = append(req.Lines, line)
	}
	return req, rows.Err()
}

// FindRequirementByQuotation returns the open requirement linked to a
// quotation, if any.
func (r *Repository) FindRequirementByQuotation(ctx context.Context, quotationID int64) (Requirement, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `SELECT id FROM requirements WHERE quotation_id=$1 ORDER BY id DESC LIMIT 1`, quotationID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Requirement{}, shared.ErrNotFound
		}
		return Requirement{}, err
	}
	return r.GetRequirement(ctx, id)
}

const poColumns = `id, number, supplier_id, status, currency,
duty_cost::text, freight_cost::text, other_cost::text, purchase_rate::text, payment_rate::text,
requirement_id, inventory_generated, note, created_at, received_at`

// GetPO returns a purchase order with its lines.
func (r *Repository) GetPO(ctx context.Context, id int64) (PurchaseOrder, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+poColumns+` FROM purchase_orders WHERE id=$1`, id)
	po, err := scanPO(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseOrder{}, shared.ErrNotFound
		}
		return PurchaseOrder{}, err
	}
	rows, err := r.pool.Query(ctx, `SELECT id, po_id, product_id, qty, unit_cost_usd::text FROM purchase_order_lines WHERE po_id=$1 ORDER BY id`, id)
	if err != nil {
		return PurchaseOrder{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line POLine
		var cost string
		if err := rows.Scan(&line.ID, &line.POID, &line.ProductID, &line.Qty, &cost); err != nil {
			return PurchaseOrder{}, err
		}
		if line.UnitCostUSD, err = decimal.NewFromString(cost); err != nil {
			return PurchaseOrder{}, fmt.Errorf("procurement: parse unit cost: %w", err)
		}
		po.Lines = append(po.Lines, line)
	}
	return po, rows.Err()
}

// ListPOsByStatus lists purchase orders in a given status.
func (r *Repository) ListPOsByStatus(ctx context.Context, status POStatus, limit int) ([]PurchaseOrder, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT `+poColumns+` FROM purchase_orders WHERE status=$1 ORDER BY created_at DESC LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []PurchaseOrder
	for rows.Next() {
		po, err := scanPO(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, po)
	}
	return list, rows.Err()
}

func (t *txRepo) CreateRequirement(ctx context.Context, req Requirement) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO requirements (number, quotation_id, source, note, created_at)
VALUES ($1,$2,$3,$4,NOW()) RETURNING id`,
		req.Number, req.QuotationID, string(req.Source), req.Note).Scan(&id)
	return id, err
}

func (t *txRepo) InsertRequirementLine(ctx context.Context, line RequirementLine) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO requirement_lines (requirement_id, product_id, qty_requested) VALUES ($1,$2,$3)`,
		line.RequirementID, line.ProductID, line.QtyRequested)
	return err
}

func (t *txRepo) CreatePO(ctx context.Context, po PurchaseOrder) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO purchase_orders
(number, supplier_id, status, currency, duty_cost, freight_cost, other_cost, purchase_rate, payment_rate, requirement_id, inventory_generated, note, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,false,$11,NOW()) RETURNING id`,
		po.Number, po.SupplierID, string(po.Status), po.Currency,
		po.DutyCost.String(), po.FreightCost.String(), po.OtherCost.String(),
		po.PurchaseRate.String(), po.PaymentRate.String(),
		po.RequirementID, po.Note).Scan(&id)
	return id, err
}

func (t *txRepo) InsertPOLine(ctx context.Context, line POLine) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO purchase_order_lines (po_id, product_id, qty, unit_cost_usd) VALUES ($1,$2,$3,$4)`,
		line.POID, line.ProductID, line.Qty, line.UnitCostUSD.String())
	return err
}

// UpdatePOStatus compare-and-swaps the status so concurrent actions on the
// same order cannot race past each other.
func (t *txRepo) UpdatePOStatus(ctx context.Context, id int64, from, to POStatus) (bool, error) {
	tag, err := t.tx.Exec(ctx, `UPDATE purchase_orders SET status=$1 WHERE id=$2 AND status=$3`,
		string(to), id, string(from))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkInventoryGenerated flips the one-shot receiving flag. It reports false
// when the flag was already set, which makes the receiving engine re-run safe.
func (t *txRepo) MarkInventoryGenerated(ctx context.Context, id int64, receivedAt time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx, `UPDATE purchase_orders SET inventory_generated=true, received_at=$1 WHERE id=$2 AND NOT inventory_generated`,
		receivedAt, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *txRepo) SetPaymentRate(ctx context.Context, id int64, rate decimal.Decimal) error {
	_, err := t.tx.Exec(ctx, `UPDATE purchase_orders SET payment_rate=$1 WHERE id=$2`, rate.String(), id)
	return err
}

func (t *txRepo) InsertReceipt(ctx context.Context, receipt Receipt) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO purchase_order_receipts (po_id, unit_ids, reserved_count, free_count, received_at)
VALUES ($1,$2,$3,$4,$5)`,
		receipt.POID, receipt.UnitIDs, receipt.Reserved, receipt.Free, receipt.ReceivedAt)
	return err
}

func scanPO(row pgx.Row) (PurchaseOrder, error) {
	var po PurchaseOrder
	var status string
	var duty, freight, other, purchaseRate, paymentRate string
	err := row.Scan(&po.ID, &po.Number, &po.SupplierID, &status, &po.Currency,
		&duty, &freight, &other, &purchaseRate, &paymentRate,
		&po.RequirementID, &po.InventoryGenerated, &po.Note, &po.CreatedAt, &po.ReceivedAt)
	if err != nil {
		return PurchaseOrder{}, err
	}
	po.Status = POStatus(status)
	for _, pair := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&po.DutyCost, duty}, {&po.FreightCost, freight}, {&po.OtherCost, other},
		{&po.PurchaseRate, purchaseRate}, {&po.PaymentRate, paymentRate},
	} {
		d, err := decimal.NewFromString(pair.src)
		if err != nil {
			return PurchaseOrder{}, fmt.Errorf("procurement: parse amount: %w", err)
		}
		*pair.dst = d
	}
	return po, nil
}
