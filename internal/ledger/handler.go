package ledger

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/retail-ledger/internal/domain"
	"github.com/odyssey-erp/retail-ledger/internal/money"
	"github.com/odyssey-erp/retail-ledger/internal/platform/httpx"
	"github.com/odyssey-erp/retail-ledger/internal/shared"
)

const idempotencyModule = "ledger_delta"

// Handler wires HTTP endpoints for accounts and their entries.
type Handler struct {
	logger  *slog.Logger
	service *Service
	keys    shared.KeyStore
	book    *shared.Bookkeeping
}

// NewHandler constructs the ledger handler. keys may be nil; the
// Idempotency-Key header is still honoured through the ledger entry itself.
func NewHandler(logger *slog.Logger, service *Service, keys shared.KeyStore) *Handler {
	logger = shared.LoggerOrDiscard(logger)
	return &Handler{
		logger:  logger,
		service: service,
		keys:    keys,
		book:    shared.NewBookkeeping(logger, nil, service.metrics),
	}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.handleOpen)
	r.Get("/{id}", h.handleGet)
	r.Post("/{id}/deltas", h.handleDelta)
	r.Get("/{id}/entries", h.handleEntries)
}

type openRequest struct {
	Name    string       `json:"name" validate:"required,max=120"`
	Type    string       `json:"type" validate:"required,oneof=cash bank petty_cash"`
	Opening money.Amount `json:"opening"`
}

type deltaRequest struct {
	Amount          money.Amount `json:"amount"`
	Kind            string       `json:"kind" validate:"omitempty,oneof=receipt payment adjustment"`
	ReferenceType   string       `json:"reference_type" validate:"required"`
	ReferenceID     string       `json:"reference_id" validate:"required"`
	ReferenceNumber string       `json:"reference_number"`
	Note            string       `json:"note" validate:"max=500"`
}

func (h *Handler) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	account, err := h.service.OpenAccount(r.Context(), OpenAccountInput{Name: req.Name, Type: domain.AccountType(req.Type), Opening: req.Opening})
	if err != nil {
		h.fail(w, r, "open account", err)
		return
	}
	httpx.OK(w, http.StatusCreated, account)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	account, err := h.service.Account(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get account", err)
		return
	}
	httpx.OK(w, http.StatusOK, account)
}

func (h *Handler) handleDelta(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req deltaRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	key := r.Header.Get("Idempotency-Key")
	if key != "" && h.keys != nil {
		// The key store rejects a key reused with another body early; an exact
		// replay falls through to the entry lookup, which books at most once.
		err := h.keys.CheckAndInsert(r.Context(), key, idempotencyModule, shared.Fingerprint(struct {
			AccountID int64
			Req       deltaRequest
		}{id, req}))
		if err != nil && !errors.Is(err, shared.ErrIdempotencyConflict) {
			httpx.RespondError(w, err)
			return
		}
	}
	entry, replayed, err := h.service.ApplyDeltaOnce(r.Context(), Delta{
		AccountID:      id,
		Amount:         req.Amount,
		Kind:           domain.EntryKind(req.Kind),
		Reference:      domain.Reference{Type: req.ReferenceType, ID: req.ReferenceID, Number: req.ReferenceNumber},
		Note:           req.Note,
		IdempotencyKey: key,
	})
	if err != nil {
		if key != "" && h.keys != nil && !errors.Is(err, shared.ErrConflict) {
			h.book.Report(r.Context(), "apply_delta", "release_idempotency_key",
				h.keys.Delete(context.WithoutCancel(r.Context()), key, idempotencyModule),
				slog.String("idempotency_key", key),
				slog.Int64("account_id", id),
			)
		}
		h.fail(w, r, "apply delta", err)
		return
	}
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	httpx.OK(w, status, entry)
}

func (h *Handler) handleEntries(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	entries, err := h.service.Entries(r.Context(), id, shared.ParseLimit(r.URL.Query().Get("limit")))
	if err != nil {
		h.fail(w, r, "list entries", err)
		return
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	httpx.OK(w, http.StatusOK, entries)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if !shared.IsClassified(err) || errors.Is(err, shared.ErrExternalStore) {
		h.logger.ErrorContext(r.Context(), op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func parseID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, shared.Validationf("invalid id %q", chi.URLParam(r, "id"))
	}
	return id, nil
}
