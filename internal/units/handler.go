package units

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ElPepe57/NewSystem-sub003/internal/masterdata/products"
	"github.com/ElPepe57/NewSystem-sub003/internal/platform/httpx"
)

// Handler exposes read access to the unit ledger and the product directory
// quotes are built from. Mutations go through the reservation, sale and
// receiving flows, never directly through HTTP.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	products products.Repository
}

// NewHandler constructs Handler.
func NewHandler(logger *slog.Logger, service *Service, directory products.Repository) *Handler {
	return &Handler{logger: logger, service: service, products: directory}
}

// MountRoutes registers the unit ledger endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/units", h.Query)
	r.Get("/units/{id}", h.Show)
	r.Get("/products", h.SearchProducts)
	r.Get("/stock/{productID}/available", h.Available)
}

type unitResponse struct {
	ID              string     `json:"id"`
	ProductID       int64      `json:"product_id"`
	WarehouseID     int64      `json:"warehouse_id"`
	Country         string     `json:"country"`
	Lot             string     `json:"lot"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	UnitCostUSD     string     `json:"unit_cost_usd"`
	PurchaseRate    string     `json:"purchase_rate"`
	PaymentRate     string     `json:"payment_rate"`
	PurchaseOrderID int64      `json:"purchase_order_id"`
	State           string     `json:"state"`
	QuotationID     *int64     `json:"quotation_id,omitempty"`
	SaleID          *int64     `json:"sale_id,omitempty"`
	ArrivedAt       time.Time  `json:"arrived_at"`
}

func toResponse(u Unit) unitResponse {
	return unitResponse{
		ID:              u.ID.String(),
		ProductID:       u.ProductID,
		WarehouseID:     u.WarehouseID,
		Country:         u.Country,
		Lot:             u.Lot,
		ExpiresAt:       u.ExpiresAt,
		UnitCostUSD:     u.UnitCostUSD.String(),
		PurchaseRate:    u.PurchaseRate.String(),
		PaymentRate:     u.PaymentRate.String(),
		PurchaseOrderID: u.PurchaseOrderID,
		State:           string(u.State),
		QuotationID:     u.QuotationID,
		SaleID:          u.SaleID,
		ArrivedAt:       u.ArrivedAt,
	}
}

func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := QueryFilter{
		State:   State(q.Get("state")),
		Country: q.Get("country"),
	}
	filter.ProductID, _ = strconv.ParseInt(q.Get("product_id"), 10, 64)
	filter.WarehouseID, _ = strconv.ParseInt(q.Get("warehouse_id"), 10, 64)
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	list, err := h.service.Query(r.Context(), filter)
	if err != nil {
		h.logger.Error("query units failed", "error", err)
		httpx.RespondError(w, err)
		return
	}
	out := make([]unitResponse, 0, len(list))
	for _, u := range list {
		out = append(out, toResponse(u))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"units": out})
}

func (h *Handler) Show(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid unit id", "id must be a UUID")
		return
	}
	u, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(u))
}

func (h *Handler) SearchProducts(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := h.products.Search(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		h.logger.Error("product search failed", "error", err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"products": list})
}

func (h *Handler) Available(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil || productID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "invalid product id", "product id must be a positive integer")
		return
	}
	n, err := h.service.Available(r.Context(), productID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	resp := map[string]any{"product_id": productID, "available": n}
	if p, err := h.products.Get(r.Context(), productID); err == nil {
		resp["sku"] = p.SKU
		resp["name"] = p.Name
	}
	httpx.JSON(w, http.StatusOK, resp)
}
