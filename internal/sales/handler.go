package sales

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

// Handler wires HTTP endpoints for the sales module.
type Handler struct {
	logger  *slog.Logger
	service *Service
	extra   []func(chi.Router)
}

// NewHandler constructs the sales handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: shared.LoggerOrDiscard(logger), service: service}
}

// Extend adds routes under /{id} owned by other modules.
func (h *Handler) Extend(mount func(chi.Router)) *Handler {
	h.extra = append(h.extra, mount)
	return h
}

// MountRoutes registers sales routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.createSale)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.showSale)
		r.Post("/confirm", h.confirmSale)
		r.Post("/fulfill", h.fulfillSale)
		r.Get("/corrections", h.listCorrections)
		r.Post("/corrections", h.correctSale)
		for _, mount := range h.extra {
			mount(r)
		}
	})
}

type createLineReq struct {
	ProductID int64        `json:"product_id" validate:"required,gt=0"`
	Quantity  int64        `json:"quantity" validate:"required,gt=0"`
	Price     money.Amount `json:"price"`
}

type createSaleReq struct {
	Number       string          `json:"number" validate:"max=60"`
	CustomerCode string          `json:"customer_code" validate:"max=60"`
	Lines        []createLineReq `json:"lines" validate:"required,min=1,dive"`
}

type confirmReq struct {
	PaidAccountID int64  `json:"paid_account_id" validate:"gte=0"`
	DueDate       string `json:"due_date" validate:"omitempty,datetime=2006-01-02"`
}

type lineEditReq struct {
	LineID      int64         `json:"line_id" validate:"required,gt=0"`
	NewQuantity int64         `json:"new_quantity" validate:"gte=0"`
	NewPrice    *money.Amount `json:"new_price"`
}

type correctReq struct {
	Edits []lineEditReq `json:"edits" validate:"required,min=1,dive"`
	Note  string        `json:"note" validate:"max=500"`
}

func (h *Handler) createSale(w http.ResponseWriter, r *http.Request) {
	var req createSaleReq
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in := CreateInput{Number: req.Number, CustomerCode: req.CustomerCode}
	for _, l := range req.Lines {
		in.Lines = append(in.Lines, LineInput{ProductID: l.ProductID, Quantity: l.Quantity, Price: l.Price})
	}
	sale, err := h.service.Create(r.Context(), in)
	if err != nil {
		h.fail(w, r, "create sale", err)
		return
	}
	httpx.OK(w, http.StatusCreated, sale)
}

func (h *Handler) showSale(w http.ResponseWriter, r *http.Request) {
	id, ok := h.saleID(w, r)
	if !ok {
		return
	}
	sale, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get sale", err)
		return
	}
	httpx.OK(w, http.StatusOK, sale)
}

func (h *Handler) confirmSale(w http.ResponseWriter, r *http.Request) {
	id, ok := h.saleID(w, r)
	if !ok {
		return
	}
	var req confirmReq
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	var due time.Time
	if req.DueDate != "" {
		due, _ = time.Parse("2006-01-02", req.DueDate)
	}
	res, err := h.service.Confirm(r.Context(), id, ConfirmInput{
		PaidAccountID: req.PaidAccountID,
		DueDate:       due,
		ActorID:       shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, r, "confirm sale", err)
		return
	}
	httpx.OK(w, http.StatusOK, res)
}

func (h *Handler) fulfillSale(w http.ResponseWriter, r *http.Request) {
	id, ok := h.saleID(w, r)
	if !ok {
		return
	}
	res, err := h.service.Fulfill(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, "fulfill sale", err)
		return
	}
	httpx.OK(w, http.StatusOK, res)
}

func (h *Handler) correctSale(w http.ResponseWriter, r *http.Request) {
	id, ok := h.saleID(w, r)
	if !ok {
		return
	}
	var req correctReq
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in := CorrectInput{
		SaleID:        id,
		Note:          req.Note,
		CorrectionKey: r.Header.Get("Idempotency-Key"),
		ActorID:       shared.ActorFromContext(r.Context()),
	}
	for _, e := range req.Edits {
		in.Edits = append(in.Edits, LineEdit{LineID: e.LineID, NewQuantity: e.NewQuantity, NewPrice: e.NewPrice})
	}
	res, err := h.service.Correct(r.Context(), in)
	if err != nil {
		h.fail(w, r, "correct sale", err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	httpx.OK(w, status, res)
}

func (h *Handler) listCorrections(w http.ResponseWriter, r *http.Request) {
	id, ok := h.saleID(w, r)
	if !ok {
		return
	}
	rows, err := h.service.Corrections(r.Context(), id)
	if err != nil {
		h.fail(w, r, "list corrections", err)
		return
	}
	if rows == nil {
		rows = []domain.SaleCorrection{}
	}
	httpx.OK(w, http.StatusOK, rows)
}

func (h *Handler) saleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, shared.Validationf("invalid sale id"))
		return 0, false
	}
	return id, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if !shared.IsClassified(err) || errors.Is(err, shared.ErrExternalStore) {
		h.logger.ErrorContext(r.Context(), op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
