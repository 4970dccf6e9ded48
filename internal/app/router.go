package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/reaction-framework/reaction/internal/dispatch"
	"github.com/reaction-framework/reaction/internal/identity"
	"github.com/reaction-framework/reaction/internal/observability"
	"github.com/reaction-framework/reaction/internal/platform/httpx"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	SessionManager *identity.SessionManager
	CSRFManager    *identity.CSRFManager
	Metrics        *observability.Metrics

	// Dispatch handles every route that is not an operational endpoint.
	Dispatch *dispatch.Handler

	// Pool and Redis are probed by the readiness endpoint. Either may be
	// nil.
	Pool  *pgxpool.Pool
	Redis *redis.Client
}

// NewRouter constructs the chi.Router wrapping the dispatch pipeline with
// the operational endpoints and the middleware stack.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		CSRFManager:    params.CSRFManager,
		Metrics:        params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if params.Pool != nil {
			if err := params.Pool.Ping(ctx); err != nil {
				httpx.Problem(w, http.StatusServiceUnavailable, "Not Ready", "postgres unreachable")
				return
			}
		}
		if params.Redis != nil {
			if err := params.Redis.Ping(ctx).Err(); err != nil {
				httpx.Problem(w, http.StatusServiceUnavailable, "Not Ready", "redis unreachable")
				return
			}
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	if params.Dispatch != nil {
		r.Handle("/", params.Dispatch)
		r.Handle("/*", params.Dispatch)
	}

	return r
}
