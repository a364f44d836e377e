// Package warehouses is the read-only warehouse directory.
package warehouses

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ElPepe57/NewSystem-sub003/internal/shared"
)

// Warehouse represents a storage location in one of the two countries.
type Warehouse struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Country   string    `json:"country"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Repository reads the warehouse directory.
type Repository interface {
	Get(ctx context.Context, id int64) (Warehouse, error)
	ListByCountry(ctx context.Context, country string) ([]Warehouse, error)
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository constructs the repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

func (r *repository) Get(ctx context.Context, id int64) (Warehouse, error) {
	var w Warehouse
	err := r.db.QueryRow(ctx, `SELECT id, code, name, country, is_active, created_at FROM warehouses WHERE id=$1`, id).
		Scan(&w.ID, &w.Code, &w.Name, &w.Country, &w.IsActive, &w.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Warehouse{}, shared.ErrNotFound
		}
		return Warehouse{}, err
	}
	return w, nil
}

func (r *repository) ListByCountry(ctx context.Context, country string) ([]Warehouse, error) {
	rows, err := r.db.Query(ctx, `SELECT id, code, name, country, is_active, created_at FROM warehouses WHERE country=$1 AND is_active ORDER BY code ASC`, country)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Warehouse
	for rows.Next() {
		var w Warehouse
		if err := rows.Scan(&w.ID, &w.Code, &w.Name, &w.Country, &w.IsActive, &w.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, w)
	}
	return list, rows.Err()
}
