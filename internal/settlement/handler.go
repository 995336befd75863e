package settlement

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/retail-ledger/internal/domain"
	"github.com/odyssey-erp/retail-ledger/internal/money"
	"github.com/odyssey-erp/retail-ledger/internal/platform/httpx"
	"github.com/odyssey-erp/retail-ledger/internal/shared"
)

// Handler wires settlement endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: shared.LoggerOrDiscard(logger), service: service}
}

// MountRoutes registers settlement, payable and partner account routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/settlements", h.handleSettle)
	r.Get("/settlements/{id}", h.handleGetSettlement)
	r.Post("/payables", h.handleOpenPayable)
	r.Get("/partner-accounts/{id}", h.handleGetPartner)
}

type settleRequest struct {
	Direction         string       `json:"direction" validate:"required,oneof=receivable payable"`
	PartnerCode       string       `json:"partner_code" validate:"required"`
	Amount            money.Amount `json:"amount"`
	Method            string       `json:"method" validate:"required,oneof=account store_credit"`
	AccountID         int64        `json:"account_id" validate:"required_if=Method account"`
	CreditCustomer    string       `json:"credit_customer"`
	PartnerAccountIDs []int64      `json:"partner_account_ids" validate:"required,min=1,dive,gt=0"`
	Note              string       `json:"note" validate:"max=500"`
}

type payableRequest struct {
	VendorCode string       `json:"vendor_code" validate:"required"`
	PurchaseID int64        `json:"purchase_id" validate:"required,gt=0"`
	Amount     money.Amount `json:"amount"`
	DueDate    string       `json:"due_date" validate:"omitempty,datetime=2006-01-02"`
	Note       string       `json:"note" validate:"max=500"`
}

func (h *Handler) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.Settle(r.Context(), SettleInput{
		Direction:         domain.Direction(req.Direction),
		PartnerCode:       req.PartnerCode,
		Amount:            req.Amount,
		Method:            domain.MethodKind(req.Method),
		AccountID:         req.AccountID,
		CreditCustomer:    req.CreditCustomer,
		PartnerAccountIDs: req.PartnerAccountIDs,
		IdempotencyKey:    r.Header.Get("Idempotency-Key"),
		Note:              req.Note,
		ActorID:           shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, r, "settle", err)
		return
	}
	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	httpx.OK(w, status, result)
}

func (h *Handler) handleGetSettlement(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.RespondError(w, shared.Validationf("invalid settlement id"))
		return
	}
	result, err := h.service.Settlement(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get settlement", err)
		return
	}
	httpx.OK(w, http.StatusOK, result)
}

func (h *Handler) handleOpenPayable(w http.ResponseWriter, r *http.Request) {
	var req payableRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	var due time.Time
	if req.DueDate != "" {
		due, _ = time.Parse("2006-01-02", req.DueDate)
	}
	account, err := h.service.OpenPayable(r.Context(), OpenPayableInput{
		VendorCode:  req.VendorCode,
		ReferenceID: req.PurchaseID,
		Amount:      req.Amount,
		DueDate:     due,
		Note:        req.Note,
	})
	if err != nil {
		h.fail(w, r, "open payable", err)
		return
	}
	httpx.OK(w, http.StatusCreated, account)
}

func (h *Handler) handleGetPartner(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.RespondError(w, shared.Validationf("invalid partner account id"))
		return
	}
	account, err := h.service.PartnerAccount(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get partner account", err)
		return
	}
	httpx.OK(w, http.StatusOK, account)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if !shared.IsClassified(err) || errors.Is(err, shared.ErrExternalStore) {
		h.logger.ErrorContext(r.Context(), op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
