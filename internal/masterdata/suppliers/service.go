package suppliers

import (
	"context"

	"github.com/ElPepe57/NewSystem-sub003/internal/shared"
)

// Service wraps the directory with input checks.
type Service struct {
	repo Repository
}

// NewService constructs Service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Get returns one supplier.
func (s *Service) Get(ctx context.Context, id int64) (Supplier, error) {
	if id <= 0 {
		return Supplier{}, shared.NewValidationError("id", "must be positive")
	}
	return s.repo.Get(ctx, id)
}

// List returns active suppliers filtered by name.
func (s *Service) List(ctx context.Context, term string, limit int) ([]Supplier, error) {
	return s.repo.List(ctx, term, limit)
}

// Create registers a new supplier.
func (s *Service) Create(ctx context.Context, sup Supplier) (Supplier, error) {
	if sup.Name == "" {
		return Supplier{}, shared.NewValidationError("name", "required")
	}
	if sup.Country == "" {
		return Supplier{}, shared.NewValidationError("country", "required")
	}
	return s.repo.Create(ctx, sup)
}

// Update edits supplier contact data.
func (s *Service) Update(ctx context.Context, sup Supplier) error {
	if sup.ID <= 0 {
		return shared.NewValidationError("id", "must be positive")
	}
	if sup.Name == "" {
		return shared.NewValidationError("name", "required")
	}
	return s.repo.Update(ctx, sup)
}

// Deactivate hides the supplier from new purchase orders. Existing orders
// keep their reference.
func (s *Service) Deactivate(ctx context.Context, id int64) error {
	if id <= 0 {
		return shared.NewValidationError("id", "must be positive")
	}
	return s.repo.Deactivate(ctx, id)
}
