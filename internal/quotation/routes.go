package quotation

import (
	"github.com/go-chi/chi/v5"
)

// MountRoutes registers the quotation endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/quotations", h.List)
	r.Post("/quotations", h.Create)
	r.Get("/quotations/rejections/summary", h.RejectionSummary)
	r.Get("/quotations/{id}", h.Show)
	r.Post("/quotations/{id}/validate", h.Validate)
	r.Post("/quotations/{id}/revert-validation", h.RevertValidation)
	r.Post("/quotations/{id}/advance", h.CommitAdvance)
	r.Post("/quotations/{id}/payment", h.RegisterPayment)
	r.Post("/quotations/{id}/confirm", h.Confirm)
	r.Post("/quotations/{id}/reject", h.Reject)
	r.Post("/quotations/{id}/expire", h.Expire)
}
