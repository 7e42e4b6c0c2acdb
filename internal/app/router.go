package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reflyh2/assetflow/internal/assets"
	"github.com/reflyh2/assetflow/internal/observability"
	"github.com/reflyh2/assetflow/internal/payments"
	"github.com/reflyh2/assetflow/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	AssetsHandler   *assets.Handler
	PaymentsHandler *payments.Handler
	JobHandler      *jobs.Handler
	Pool            *pgxpool.Pool
	Metrics         *observability.Metrics
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
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if params.Pool != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := params.Pool.Ping(ctx); err != nil {
				params.Logger.Warn("readiness check", slog.Any("error", err))
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"unavailable"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	if params.AssetsHandler != nil {
		r.Route("/assets", params.AssetsHandler.MountRoutes)
	}
	if params.PaymentsHandler != nil {
		r.Route("/payments", params.PaymentsHandler.MountRoutes)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
