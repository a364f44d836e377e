// Package suppliers is the supplier directory purchase orders reference.
package suppliers

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ElPepe57/NewSystem-sub003/internal/shared"
)

// Supplier is one vendor the company buys from, usually in the US.
type Supplier struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Country   string    `json:"country"`
	Contact   string    `json:"contact,omitempty"`
	Email     string    `json:"email,omitempty"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Repository persists the supplier directory.
type Repository interface {
	Get(ctx context.Context, id int64) (Supplier, error)
	List(ctx context.Context, term string, limit int) ([]Supplier, error)
	Create(ctx context.Context, s Supplier) (Supplier, error)
	Update(ctx context.Context, s Supplier) error
	Deactivate(ctx context.Context, id int64) error
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository constructs the repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

const columns = `id, name, country, contact, email, is_active, created_at, updated_at`

func (r *repository) Get(ctx context.Context, id int64) (Supplier, error) {
	var s Supplier
	err := r.db.QueryRow(ctx, `SELECT `+columns+` FROM suppliers WHERE id=$1`, id).
		Scan(&s.ID, &s.Name, &s.Country, &s.Contact, &s.Email, &s.IsActive, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Supplier{}, shared.ErrNotFound
		}
		return Supplier{}, err
	}
	return s, nil
}

func (r *repository) List(ctx context.Context, term string, limit int) ([]Supplier, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `SELECT `+columns+` FROM suppliers
WHERE is_active AND ($1 = '' OR name ILIKE '%' || $1 || '%')
ORDER BY name ASC LIMIT $2`, term, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Supplier
	for rows.Next() {
		var s Supplier
		if err := rows.Scan(&s.ID, &s.Name, &s.Country, &s.Contact, &s.Email, &s.IsActive, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

func (r *repository) Create(ctx context.Context, s Supplier) (Supplier, error) {
	now := time.Now().UTC()
	err := r.db.QueryRow(ctx, `INSERT INTO suppliers (name, country, contact, email, is_active, created_at, updated_at)
VALUES ($1,$2,$3,$4,true,$5,$5)
RETURNING id`, s.Name, s.Country, s.Contact, s.Email, now).Scan(&s.ID)
	if err != nil {
		return Supplier{}, err
	}
	s.IsActive = true
	s.CreatedAt = now
	s.UpdatedAt = now
	return s, nil
}

func (r *repository) Update(ctx context.Context, s Supplier) error {
	tag, err := r.db.Exec(ctx, `UPDATE suppliers SET name=$2, country=$3, contact=$4, email=$5, updated_at=now()
WHERE id=$1`, s.ID, s.Name, s.Country, s.Contact, s.Email)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *repository) Deactivate(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `UPDATE suppliers SET is_active=false, updated_at=now() WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}
