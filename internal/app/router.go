package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/odyssey-erp/retail-ledger/internal/conversion"
	"github.com/odyssey-erp/retail-ledger/internal/credit"
	"github.com/odyssey-erp/retail-ledger/internal/inventory"
	"github.com/odyssey-erp/retail-ledger/internal/ledger"
	"github.com/odyssey-erp/retail-ledger/internal/observability"
	"github.com/odyssey-erp/retail-ledger/internal/sales"
	"github.com/odyssey-erp/retail-ledger/internal/settlement"
	"github.com/odyssey-erp/retail-ledger/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger            *slog.Logger
	Config            *Config
	LedgerHandler     *ledger.Handler
	CreditHandler     *credit.Handler
	SettlementHandler *settlement.Handler
	InventoryHandler  *inventory.Handler
	SalesHandler      *sales.Handler
	ConversionHandler *conversion.Handler
	JobHandler        *jobs.Handler
	Metrics           *observability.Metrics
	// Ready reports backing store health for /healthz; nil means always ready.
	Ready func(*http.Request) error
}

// NewRouter constructs the chi.Router with ledger API defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	if params.Config == nil || !params.Config.IsProduction() {
		r.Use(chimw.Logger)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if params.Ready != nil {
			if err := params.Ready(r); err != nil {
				params.Logger.Warn("health check failed", slog.Any("error", err))
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"unavailable"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	limit := 0
	if params.Config != nil {
		limit = params.Config.RateLimitPerMinute
	}
	r.Route("/api", func(r chi.Router) {
		r.Use(MutationRateLimit(limit))
		if params.LedgerHandler != nil {
			r.Route("/accounts", params.LedgerHandler.MountRoutes)
		}
		if params.CreditHandler != nil {
			r.Route("/customers", params.CreditHandler.MountRoutes)
		}
		if params.SettlementHandler != nil {
			r.Group(params.SettlementHandler.MountRoutes)
		}
		if params.InventoryHandler != nil {
			r.Route("/inventory", params.InventoryHandler.MountRoutes)
		}
		if params.SalesHandler != nil {
			sales := params.SalesHandler
			if params.ConversionHandler != nil {
				sales = sales.Extend(params.ConversionHandler.MountSaleRoutes)
			}
			r.Route("/sales", sales.MountRoutes)
		}
		if params.ConversionHandler != nil {
			r.Route("/conversions", params.ConversionHandler.MountRoutes)
		}
	})

	return r
}
