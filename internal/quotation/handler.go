package quotation

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
	"github.com/ElPepe57/NewSystem-sub003/internal/shared"
)

// Handler exposes the quotation lifecycle over JSON.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid request", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}
	input := CreateInput{
		CustomerName:    req.CustomerName,
		CustomerContact: req.CustomerContact,
	}
	var err error
	if input.Discount, err = parseAmount(req.Discount); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid discount", err.Error())
		return
	}
	if input.Shipping, err = parseAmount(req.Shipping); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid shipping", err.Error())
		return
	}
	for _, line := range req.Lines {
		price, err := decimal.NewFromString(line.UnitPrice)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "invalid unit price", err.Error())
			return
		}
		input.Lines = append(input.Lines, CreateLineInput{ProductID: line.ProductID, Qty: line.Qty, UnitPrice: price})
	}
	q, err := h.service.Create(r.Context(), input, actorID(r))
	if err != nil {
		h.logger.Error("create quotation failed", "error", err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toResponse(q))
}

func (h *Handler) Show(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	q, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(q))
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	var statePtr *State
	if raw := r.URL.Query().Get("state"); raw != "" {
		s := State(raw)
		statePtr = &s
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	list, err := h.service.List(r.Context(), statePtr, limit, offset)
	if err != nil {
		h.logger.Error("list quotations failed", "error", err)
		httpx.RespondError(w, err)
		return
	}
	out := make([]quotationResponse, 0, len(list))
	for _, q := range list {
		out = append(out, toResponse(q))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"quotations": out})
}

func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	h.simpleTransition(w, r, h.service.Validate)
}

func (h *Handler) RevertValidation(w http.ResponseWriter, r *http.Request) {
	h.simpleTransition(w, r, h.service.RevertValidation)
}

func (h *Handler) CommitAdvance(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	var req commitAdvanceRequest
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
	q, err := h.service.CommitAdvance(r.Context(), id, amount, actorID(r))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(q))
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
	input := PaymentInput{Amount: amount, Currency: req.Currency, Method: req.Method, Reference: req.Reference}
	if req.Rate != "" {
		rate, err := decimal.NewFromString(req.Rate)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "invalid rate", err.Error())
			return
		}
		input.Rate = &rate
	}
	q, err := h.service.RegisterAdvancePayment(r.Context(), id, input, actorID(r))
	if err != nil {
		h.logger.Error("register advance payment failed", "quotation_id", id, "error", err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(q))
}

func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	q, err := h.service.Confirm(r.Context(), id, actorID(r))
	if err != nil {
		h.logger.Error("confirm quotation failed", "quotation_id", id, "error", err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(q))
}

func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	var req rejectRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid request", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}
	input := RejectInput{Reason: RejectionReason(req.Reason), Detail: req.Detail, Competitor: req.Competitor}
	if req.ExpectedPrice != "" {
		price, err := decimal.NewFromString(req.ExpectedPrice)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "invalid expected price", err.Error())
			return
		}
		input.ExpectedPrice = &price
	}
	q, err := h.service.Reject(r.Context(), id, input, actorID(r))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(q))
}

func (h *Handler) Expire(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	q, err := h.service.Expire(r.Context(), id, actorID(r))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(q))
}

func (h *Handler) RejectionSummary(w http.ResponseWriter, r *http.Request) {
	from, err := parseDate(r.URL.Query().Get("from"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid from date", err.Error())
		return
	}
	to, err := parseDate(r.URL.Query().Get("to"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid to date", err.Error())
		return
	}
	summary, err := h.service.RejectionSummary(r.Context(), from, to)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	type row struct {
		Reason    string `json:"reason"`
		Count     int    `json:"count"`
		LostTotal string `json:"lost_total"`
	}
	out := make([]row, 0, len(summary))
	for _, s := range summary {
		out = append(out, row{Reason: string(s.Reason), Count: s.Count, LostTotal: s.LostTotal.String()})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"rejections": out})
}

func (h *Handler) simpleTransition(w http.ResponseWriter, r *http.Request, fn func(context.Context, int64, string) (Quotation, error)) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	q, err := fn(r.Context(), id, actorID(r))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(q))
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "invalid quotation id", "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func parseAmount(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}

func parseDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, shared.NewValidationError("date", "required")
	}
	return time.Parse("2006-01-02", raw)
}

func actorID(r *http.Request) string {
	if actor := r.Header.Get("X-Actor-ID"); actor != "" {
		return actor
	}
	return "system"
}
