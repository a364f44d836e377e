package sale

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ElPepe57/NewSystem-sub003/internal/platform/httpx"
)

// Handler exposes sale fulfillment over JSON.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers the sale endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/sales", h.List)
	r.Get("/sales/{id}", h.Show)
	r.Post("/sales/{id}/allocate", h.Allocate)
	r.Post("/sales/{id}/deliver", h.Deliver)
}

type lineResponse struct {
	ProductID    int64    `json:"product_id"`
	Qty          int      `json:"qty"`
	UnitPrice    string   `json:"unit_price"`
	AssignedIDs  []string `json:"assigned_unit_ids"`
	AssignedCost string   `json:"assigned_cost_usd"`
}

type saleResponse struct {
	ID              int64          `json:"id"`
	Number          string         `json:"number"`
	QuotationID     int64          `json:"quotation_id"`
	QuotationNumber string         `json:"quotation_number"`
	CustomerName    string         `json:"customer_name"`
	Total           string         `json:"total"`
	Status          string         `json:"status"`
	StockShort      bool           `json:"stock_short"`
	RealizedCostUSD string         `json:"realized_cost_usd"`
	Lines           []lineResponse `json:"lines"`
	CreatedAt       time.Time      `json:"created_at"`
	DeliveredAt     *time.Time     `json:"delivered_at,omitempty"`
}

func toResponse(s Sale) saleResponse {
	resp := saleResponse{
		ID:              s.ID,
		Number:          s.Number,
		QuotationID:     s.QuotationID,
		QuotationNumber: s.QuotationNumber,
		CustomerName:    s.CustomerName,
		Total:           s.Total.String(),
		Status:          string(s.Status),
		StockShort:      s.StockShort,
		RealizedCostUSD: s.RealizedCostUSD.String(),
		CreatedAt:       s.CreatedAt,
		DeliveredAt:     s.DeliveredAt,
	}
	for _, line := range s.Lines {
		lr := lineResponse{
			ProductID:    line.ProductID,
			Qty:          line.Qty,
			UnitPrice:    line.UnitPrice.String(),
			AssignedCost: line.AssignedCost.String(),
		}
		for _, id := range line.AssignedIDs {
			lr.AssignedIDs = append(lr.AssignedIDs, id.String())
		}
		resp.Lines = append(resp.Lines, lr)
	}
	return resp
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	var statusPtr *Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		s := Status(raw)
		statusPtr = &s
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	list, err := h.service.List(r.Context(), statusPtr, limit, offset)
	if err != nil {
		h.logger.Error("list sales failed", "error", err)
		httpx.RespondError(w, err)
		return
	}
	out := make([]saleResponse, 0, len(list))
	for _, s := range list {
		out = append(out, toResponse(s))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"sales": out})
}

func (h *Handler) Show(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	s, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(s))
}

func (h *Handler) Allocate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	s, err := h.service.Allocate(r.Context(), id, actorID(r))
	if err != nil {
		h.logger.Error("allocate sale failed", "sale_id", id, "error", err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(s))
}

func (h *Handler) Deliver(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	s, err := h.service.Deliver(r.Context(), id, actorID(r))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(s))
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "invalid sale id", "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func actorID(r *http.Request) string {
	if actor := r.Header.Get("X-Actor-ID"); actor != "" {
		return actor
	}
	return "system"
}
