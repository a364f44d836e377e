// Package products is the read-only product directory. The engine joins its
// display fields onto unit ledger rows and never mutates it.
package products

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ElPepe57/NewSystem-sub003/internal/shared"
)

// Product represents a product entity.
type Product struct {
	ID         int64     `json:"id"`
	SKU        string    `json:"sku"`
	Brand      string    `json:"brand"`
	Name       string    `json:"name"`
	Perishable bool      `json:"perishable"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Repository reads the product directory.
type Repository interface {
	Get(ctx context.Context, id int64) (Product, error)
	GetBatch(ctx context.Context, ids []int64) (map[int64]Product, error)
	Search(ctx context.Context, term string, limit int) ([]Product, error)
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository constructs the repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

const columns = `id, sku, brand, name, perishable, is_active, created_at, updated_at`

func (r *repository) Get(ctx context.Context, id int64) (Product, error) {
	var p Product
	err := r.db.QueryRow(ctx, `SELECT `+columns+` FROM products WHERE id=$1`, id).
		Scan(&p.ID, &p.SKU, &p.Brand, &p.Name, &p.Perishable, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, shared.ErrNotFound
		}
		return Product{}, err
	}
	return p, nil
}

func (r *repository) GetBatch(ctx context.Context, ids []int64) (map[int64]Product, error) {
	if len(ids) == 0 {
		return map[int64]Product{}, nil
	}
	rows, err := r.db.Query(ctx, `SELECT `+columns+` FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := make(map[int64]Product, len(ids))
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Brand, &p.Name, &p.Perishable, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	return result, rows.Err()
}

func (r *repository) Search(ctx context.Context, term string, limit int) ([]Product, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `SELECT `+columns+` FROM products
WHERE is_active AND (sku ILIKE $1 OR name ILIKE $1 OR brand ILIKE $1)
ORDER BY name ASC LIMIT $2`, "%"+term+"%", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Brand, &p.Name, &p.Perishable, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}
