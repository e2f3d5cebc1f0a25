package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medledger/medledger/internal/alerting"
	"github.com/medledger/medledger/internal/audit"
	"github.com/medledger/medledger/internal/observability"
	"github.com/medledger/medledger/internal/stock"
	"github.com/medledger/medledger/internal/verification"
	"github.com/medledger/medledger/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger              *slog.Logger
	Config              *Config
	StockHandler        *stock.Handler
	VerificationHandler *verification.Handler
	AlertHandler        *alerting.Handler
	AuditHandler        *audit.Handler
	JobHandler          *jobs.Handler
	Pool                *pgxpool.Pool
	Metrics             *observability.Metrics
}

// NewRouter constructs the chi.Router with application defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if params.Pool != nil {
			if err := params.Pool.Ping(r.Context()); err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"degraded"}`))
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api", func(r chi.Router) {
		if params.StockHandler != nil {
			r.Route("/stock", params.StockHandler.MountRoutes)
		}
		if params.VerificationHandler != nil {
			r.Route("/verifications", params.VerificationHandler.MountRoutes)
		}
		if params.AlertHandler != nil {
			r.Route("/alerts", params.AlertHandler.MountRoutes)
		}
		if params.AuditHandler != nil {
			r.Route("/audit", params.AuditHandler.MountRoutes)
		}
	})

	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
