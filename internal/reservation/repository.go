package reservation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ElPepe57/NewSystem-sub003/internal/platform/db"
	"github.com/ElPepe57/NewSystem-sub003/internal/shared"
)

// Repository persists reservations in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Save upserts the reservation header and rewrites its lines.
func (r *Repository) Save(ctx context.Context, res Reservation) error {
	if r == nil {
		return errors.New("reservation repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO reservations (quotation_id, kind, created_at, released_at, release_pending)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (quotation_id) DO UPDATE SET kind=EXCLUDED.kind, released_at=EXCLUDED.released_at, release_pending=EXCLUDED.release_pending`,
			res.QuotationID, string(res.Kind), res.CreatedAt, res.ReleasedAt, res.ReleasePending)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM reservation_lines WHERE quotation_id=$1`, res.QuotationID); err != nil {
			return err
		}
		for _, line := range res.Lines {
			unitIDs := make([]uuid.UUID, len(line.UnitIDs))
			copy(unitIDs, line.UnitIDs)
			_, err := tx.Exec(ctx, `INSERT INTO reservation_lines
(quotation_id, product_id, requested, physical, virtual, unit_ids, requirement_id, estimated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
				res.QuotationID, line.ProductID, line.Requested, line.Physical, line.Virtual, unitIDs, line.RequirementID, line.EstimatedAt)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Get loads a reservation with its lines.
func (r *Repository) Get(ctx context.Context, quotationID int64) (Reservation, error) {
	if r == nil {
		return Reservation{}, errors.New("reservation repository not initialised")
	}
	var res Reservation
	var kind string
	err := r.pool.QueryRow(ctx, `SELECT quotation_id, kind, created_at, released_at, release_pending
FROM reservations WHERE quotation_id=$1`, quotationID).
		Scan(&res.QuotationID, &kind, &res.CreatedAt, &res.ReleasedAt, &res.ReleasePending)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reservation{}, shared.ErrNotFound
		}
		return Reservation{}, err
	}
	res.Kind = Kind(kind)

	rows, err := r.pool.Query(ctx, `SELECT product_id, requested, physical, virtual, unit_ids, requirement_id, estimated_at
FROM reservation_lines WHERE quotation_id=$1 ORDER BY product_id ASC`, quotationID)
	if err != nil {
		return Reservation{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line Line
		if err := rows.Scan(&line.ProductID, &line.Requested, &line.Physical, &line.Virtual, &line.UnitIDs, &line.RequirementID, &line.EstimatedAt); err != nil {
			return Reservation{}, err
		}
		res.Lines = append(res.Lines, line)
	}
	return res, rows.Err()
}

// SetReleaseState flips the release-pending marker and stamps release time.
func (r *Repository) SetReleaseState(ctx context.Context, quotationID int64, pending bool, releasedAt *time.Time) error {
	if r == nil {
		return errors.New("reservation repository not initialised")
	}
	tag, err := r.pool.Exec(ctx, `UPDATE reservations SET release_pending=$1, released_at=COALESCE($2, released_at) WHERE quotation_id=$3`,
		pending, releasedAt, quotationID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// ListReleasePending lists reservations stuck mid-release for reconciliation.
func (r *Repository) ListReleasePending(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT quotation_id FROM reservations WHERE release_pending ORDER BY quotation_id`)
	if err != nil {
		return nil, err
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
