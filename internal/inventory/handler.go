package inventory

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/retail-ledger/internal/domain"
	"github.com/odyssey-erp/retail-ledger/internal/platform/httpx"
	"github.com/odyssey-erp/retail-ledger/internal/shared"
)

// Handler wires HTTP endpoints for inventory module.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: shared.LoggerOrDiscard(logger), service: service}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/deductions", h.handleDeduct)
	r.Post("/adjustments", h.handleAdjust)
	r.Get("/changes", h.handleChanges)
	r.Get("/products/{id}/stock", h.handleStock)
}

type lineRequest struct {
	LineKey   string `json:"line_key" validate:"required,max=120"`
	ProductID int64  `json:"product_id" validate:"required,gt=0"`
	Quantity  int64  `json:"quantity" validate:"required,gt=0"`
}

type deductRequest struct {
	ReferenceType string        `json:"reference_type" validate:"required,max=60"`
	ReferenceID   string        `json:"reference_id" validate:"required,max=120"`
	Lines         []lineRequest `json:"lines" validate:"required,min=1,dive"`
}

type adjustRequest struct {
	ProductID int64  `json:"product_id" validate:"required,gt=0"`
	Quantity  int64  `json:"quantity" validate:"required,ne=0"`
	Memo      string `json:"memo" validate:"max=500"`
}

func (h *Handler) handleDeduct(w http.ResponseWriter, r *http.Request) {
	var req deductRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	lines := make([]Line, len(req.Lines))
	for i, l := range req.Lines {
		lines[i] = Line{LineKey: l.LineKey, ProductID: l.ProductID, Quantity: l.Quantity}
	}
	res, err := h.service.DeductOnce(r.Context(), req.ReferenceType, req.ReferenceID, lines)
	if err != nil {
		h.fail(w, r, "deduct inventory", err)
		return
	}
	status := http.StatusOK
	if res.Applied {
		status = http.StatusCreated
	}
	httpx.OK(w, status, res)
}

func (h *Handler) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := h.service.Adjust(r.Context(), AdjustInput{
		ProductID: req.ProductID,
		Quantity:  req.Quantity,
		Reference: r.Header.Get("Idempotency-Key"),
		Memo:      req.Memo,
		ActorID:   shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, r, "adjust inventory", err)
		return
	}
	status := http.StatusOK
	if res.Applied {
		status = http.StatusCreated
	}
	httpx.OK(w, status, res)
}

func (h *Handler) handleChanges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	refType, refID := q.Get("reference_type"), q.Get("reference_id")
	if refType == "" || refID == "" {
		httpx.RespondError(w, shared.Validationf("reference_type and reference_id required"))
		return
	}
	changes, err := h.service.Changes(r.Context(), refType, refID)
	if err != nil {
		h.fail(w, r, "list inventory changes", err)
		return
	}
	if changes == nil {
		changes = []domain.InventoryChange{}
	}
	httpx.OK(w, http.StatusOK, changes)
}

func (h *Handler) handleStock(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, shared.Validationf("invalid product id"))
		return
	}
	stock, err := h.service.Stock(r.Context(), id)
	if err != nil {
		h.fail(w, r, "product stock", err)
		return
	}
	httpx.OK(w, http.StatusOK, map[string]int64{"product_id": id, "stock": stock})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if !shared.IsClassified(err) || errors.Is(err, shared.ErrExternalStore) {
		h.logger.ErrorContext(r.Context(), op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
