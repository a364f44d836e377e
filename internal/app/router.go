package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ElPepe57/NewSystem-sub003/internal/masterdata/suppliers"
	"github.com/ElPepe57/NewSystem-sub003/internal/platform/httpx"
	"github.com/ElPepe57/NewSystem-sub003/internal/procurement"
	"github.com/ElPepe57/NewSystem-sub003/internal/quotation"
	"github.com/ElPepe57/NewSystem-sub003/internal/sale"
	"github.com/ElPepe57/NewSystem-sub003/internal/units"
	"github.com/ElPepe57/NewSystem-sub003/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	UnitsHandler       *units.Handler
	QuotationHandler   *quotation.Handler
	SaleHandler        *sale.Handler
	ProcurementHandler *procurement.Handler
	SupplierHandler    *suppliers.Handler
	JobsHandler        *jobs.Handler
	JobsClient         *jobs.Client
	Pool               *pgxpool.Pool
}

// NewRouter constructs the chi.Router with importops defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger: params.Logger,
		Config: params.Config,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if params.Pool != nil {
			if err := params.Pool.Ping(req.Context()); err != nil {
				httpx.Problem(w, http.StatusServiceUnavailable, "database unreachable", err.Error())
				return
			}
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(api chi.Router) {
		params.UnitsHandler.MountRoutes(api)
		params.QuotationHandler.MountRoutes(api)
		params.SaleHandler.MountRoutes(api)
		params.ProcurementHandler.MountRoutes(api)
		params.SupplierHandler.MountRoutes(api)
		if params.JobsHandler != nil {
			api.Route("/jobs", func(jr chi.Router) {
				params.JobsHandler.MountRoutes(jr)
				if params.JobsClient != nil {
					jr.Post("/quotation-expiry", func(w http.ResponseWriter, req *http.Request) {
						info, err := params.JobsClient.EnqueueQuotationExpiry(req.Context())
						if err != nil {
							httpx.Problem(w, http.StatusServiceUnavailable, "enqueue failed", err.Error())
							return
						}
						httpx.JSON(w, http.StatusAccepted, map[string]string{"task_id": info.ID})
					})
				}
			})
		}
	})

	return r
}
