package procurement

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/ElPepe57/NewSystem-sub003/internal/platform/httpx"
)

// Handler exposes requirements, purchase orders and receiving over JSON.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers the procurement endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/requirements", h.CreateRequirement)
	r.Get("/requirements/{id}", h.ShowRequirement)
	r.Post("/purchase-orders", h.CreatePO)
	r.Get("/purchase-orders/{id}", h.ShowPO)
	r.Post("/purchase-orders/{id}/send", h.SendPO)
	r.Post("/purchase-orders/{id}/transit", h.MarkInTransit)
	r.Post("/purchase-orders/{id}/cancel", h.CancelPO)
	r.Post("/purchase-orders/{id}/payment", h.RegisterPayment)
	r.Post("/purchase-orders/{id}/receive", h.Receive)
}

type requirementLineRequest struct {
	ProductID int64 `json:"product_id" validate:"required,gt=0"`
	Qty       int   `json:"qty" validate:"required,gt=0"`
}

type createRequirementRequest struct {
	QuotationID *int64                   `json:"quotation_id,omitempty"`
	Source      string                   `json:"source" validate:"omitempty,oneof=manual low_stock quotation"`
	Note        string                   `json:"note" validate:"max=500"`
	Lines       []requirementLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type poLineRequest struct {
	ProductID   int64  `json:"product_id" validate:"required,gt=0"`
	Qty         int    `json:"qty" validate:"required,gt=0"`
	UnitCostUSD string `json:"unit_cost_usd" validate:"required"`
}

type createPORequest struct {
	SupplierID    int64           `json:"supplier_id" validate:"required,gt=0"`
	RequirementID *int64          `json:"requirement_id,omitempty"`
	DutyCost      string          `json:"duty_cost,omitempty"`
	FreightCost   string          `json:"freight_cost,omitempty"`
	OtherCost     string          `json:"other_cost,omitempty"`
	Note          string          `json:"note" validate:"max=500"`
	Lines         []poLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type paymentRequest struct {
	Amount    string `json:"amount" validate:"required"`
	Method    string `json:"method" validate:"required,max=50"`
	Reference string `json:"reference" validate:"max=100"`
}

type receiveRequest struct {
	WarehouseID int64 `json:"warehouse_id" validate:"required,gt=0"`
}

func (h *Handler) CreateRequirement(w http.ResponseWriter, r *http.Request) {
	var req createRequirementRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid request", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}
	input := CreateRequirementInput{
		QuotationID: req.QuotationID,
		Source:      RequirementSource(req.Source),
		Note:        req.Note,
	}
	for _, line := range req.Lines {
		input.Lines = append(input.Lines, RequirementLineInput{ProductID: line.ProductID, Qty: line.Qty})
	}
	requirement, err := h.service.CreateRequirement(r.Context(), input)
	if err != nil {
		h.logger.Error("create requirement failed", "error", err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, requirement)
}

func (h *Handler) ShowRequirement(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	requirement, err := h.service.GetRequirement(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, requirement)
}

func (h *Handler) CreatePO(w http.ResponseWriter, r *http.Request) {
	var req createPORequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid request", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}
	input := CreatePOInput{
		SupplierID:    req.SupplierID,
		RequirementID: req.RequirementID,
		Note:          req.Note,
	}
	var err error
	if input.DutyCost, err = parseCost(req.DutyCost); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid duty cost", err.Error())
		return
	}
	if input.FreightCost, err = parseCost(req.FreightCost); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid freight cost", err.Error())
		return
	}
	if input.OtherCost, err = parseCost(req.OtherCost); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid other cost", err.Error())
		return
	}
	for _, line := range req.Lines {
		cost, err := decimal.NewFromString(line.UnitCostUSD)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "invalid unit cost", err.Error())
			return
		}
		input.Lines = append(input.Lines, POLineInput{ProductID: line.ProductID, Qty: line.Qty, UnitCostUSD: cost})
	}
	po, err := h.service.CreatePurchaseOrder(r.Context(), input)
	if err != nil {
		h.logger.Error("create purchase order failed", "error", err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toPOResponse(po))
}

func (h *Handler) ShowPO(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	po, err := h.service.GetPurchaseOrder(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPOResponse(po))
}

func (h *Handler) SendPO(w http.ResponseWriter, r *http.Request) {
	h.statusChange(w, r, h.service.SendPurchaseOrder)
}

func (h *Handler) MarkInTransit(w http.ResponseWriter, r *http.Request) {
	h.statusChange(w, r, h.service.MarkInTransit)
}

func (h *Handler) CancelPO(w http.ResponseWriter, r *http.Request) {
	h.statusChange(w, r, h.service.CancelPurchaseOrder)
}

func (h *Handler) RegisterPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	var req paymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid request", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid amount", err.Error())
		return
	}
	if err := h.service.RegisterPayment(r.Context(), id, amount, req.Method, req.Reference); err != nil {
		httpx.RespondError(w, err)
		return
	}
	po, err := h.service.GetPurchaseOrder(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPOResponse(po))
}

func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	var req receiveRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid request", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}
	receipt, err := h.service.Receive(r.Context(), ReceiveInput{POID: id, WarehouseID: req.WarehouseID, ActorID: actorID(r)})
	if err != nil {
		h.logger.Error("receive purchase order failed", "po_id", id, "error", err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"po_id":       receipt.POID,
		"reserved":    receipt.Reserved,
		"free":        receipt.Free,
		"unit_ids":    receipt.UnitIDs,
		"received_at": receipt.ReceivedAt,
	})
}

type poLineResponse struct {
	ProductID   int64  `json:"product_id"`
	Qty         int    `json:"qty"`
	UnitCostUSD string `json:"unit_cost_usd"`
}

type poResponse struct {
	ID                 int64            `json:"id"`
	Number             string           `json:"number"`
	SupplierID         int64            `json:"supplier_id"`
	Status             string           `json:"status"`
	Currency           string           `json:"currency"`
	DutyCost           string           `json:"duty_cost"`
	FreightCost        string           `json:"freight_cost"`
	OtherCost          string           `json:"other_cost"`
	PurchaseRate       string           `json:"purchase_rate"`
	PaymentRate        string           `json:"payment_rate"`
	RequirementID      *int64           `json:"requirement_id,omitempty"`
	InventoryGenerated bool             `json:"inventory_generated"`
	Note               string           `json:"note,omitempty"`
	Lines              []poLineResponse `json:"lines"`
	CreatedAt          time.Time        `json:"created_at"`
}

func toPOResponse(po PurchaseOrder) poResponse {
	resp := poResponse{
		ID:                 po.ID,
		Number:             po.Number,
		SupplierID:         po.SupplierID,
		Status:             string(po.Status),
		Currency:           po.Currency,
		DutyCost:           po.DutyCost.String(),
		FreightCost:        po.FreightCost.String(),
		OtherCost:          po.OtherCost.String(),
		PurchaseRate:       po.PurchaseRate.String(),
		PaymentRate:        po.PaymentRate.String(),
		RequirementID:      po.RequirementID,
		InventoryGenerated: po.InventoryGenerated,
		Note:               po.Note,
		CreatedAt:          po.CreatedAt,
	}
	for _, line := range po.Lines {
		resp.Lines = append(resp.Lines, poLineResponse{ProductID: line.ProductID, Qty: line.Qty, UnitCostUSD: line.UnitCostUSD.String()})
	}
	return resp
}

func (h *Handler) statusChange(w http.ResponseWriter, r *http.Request, fn func(context.Context, int64) error) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	if err := fn(r.Context(), id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	po, err := h.service.GetPurchaseOrder(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPOResponse(po))
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "invalid id", "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func parseCost(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}

func actorID(r *http.Request) string {
	if actor := r.Header.Get("X-Actor-ID"); actor != "" {
		return actor
	}
	return "system"
}
