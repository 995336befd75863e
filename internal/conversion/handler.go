package conversion

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/odyssey-erp/retail-ledger/internal/money"
	"github.com/odyssey-erp/retail-ledger/internal/platform/httpx"
	"github.com/odyssey-erp/retail-ledger/internal/shared"
)

// Handler exposes conversion endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the conversion handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: shared.LoggerOrDiscard(logger), service: service}
}

// MountSaleRoutes registers routes below /api/sales/{id}.
func (h *Handler) MountSaleRoutes(r chi.Router) {
	r.Post("/store-credit", h.convertSale)
}

// MountRoutes registers /api/conversions routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.showConversion)
		r.Post("/reverse", h.reverseConversion)
		r.Post("/resume", h.resumeConversion)
	})
}

type convertReq struct {
	Amount           money.Amount `json:"amount"`
	RestoreInventory bool         `json:"restore_inventory"`
	Note             string       `json:"note" validate:"max=500"`
}

func (h *Handler) convertSale(w http.ResponseWriter, r *http.Request) {
	saleID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || saleID <= 0 {
		httpx.RespondError(w, shared.Validationf("invalid sale id"))
		return
	}
	var req convertReq
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := h.service.Convert(r.Context(), Input{
		SaleID:           saleID,
		Amount:           req.Amount,
		RestoreInventory: req.RestoreInventory,
		IdempotencyKey:   r.Header.Get("Idempotency-Key"),
		Note:             req.Note,
		ActorID:          shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, r, "convert sale", err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	httpx.OK(w, status, res)
}

func (h *Handler) showConversion(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sagaID(w, r)
	if !ok {
		return
	}
	res, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get conversion", err)
		return
	}
	httpx.OK(w, http.StatusOK, res)
}

func (h *Handler) reverseConversion(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sagaID(w, r)
	if !ok {
		return
	}
	res, err := h.service.Reverse(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, "reverse conversion", err)
		return
	}
	httpx.OK(w, http.StatusOK, res)
}

func (h *Handler) resumeConversion(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sagaID(w, r)
	if !ok {
		return
	}
	res, err := h.service.Resume(r.Context(), id)
	if err != nil {
		h.fail(w, r, "resume conversion", err)
		return
	}
	httpx.OK(w, http.StatusOK, res)
}

func (h *Handler) sagaID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, shared.Validationf("invalid conversion id"))
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if !shared.IsClassified(err) || errors.Is(err, shared.ErrExternalStore) {
		h.logger.ErrorContext(r.Context(), op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
