package credit

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/retail-ledger/internal/domain"
	"github.com/odyssey-erp/retail-ledger/internal/platform/httpx"
	"github.com/odyssey-erp/retail-ledger/internal/shared"
)

// Handler exposes customer store-credit endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: shared.LoggerOrDiscard(logger), service: service}
}

// MountRoutes registers customer routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.handleRegister)
	r.Get("/{code}", h.handleGet)
	r.Get("/{code}/credit-logs", h.handleLogs)
}

type registerRequest struct {
	Code string `json:"code" validate:"required,max=64"`
	Name string `json:"name" validate:"required,max=120"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	customer, err := h.service.RegisterCustomer(r.Context(), req.Code, req.Name)
	if err != nil {
		h.logger.WarnContext(r.Context(), "register customer", slog.String("code", req.Code), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.OK(w, http.StatusCreated, customer)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	customer, err := h.service.Customer(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.OK(w, http.StatusOK, customer)
}

func (h *Handler) handleLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := h.service.Logs(r.Context(), chi.URLParam(r, "code"), shared.ParseLimit(r.URL.Query().Get("limit")))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if logs == nil {
		logs = []domain.CustomerBalanceLog{}
	}
	httpx.OK(w, http.StatusOK, logs)
}
