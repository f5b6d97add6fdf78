package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	approvalhttp "github.com/odyssey-erp/periodguard/internal/approval/http"
	closehttp "github.com/odyssey-erp/periodguard/internal/close/http"
	"github.com/odyssey-erp/periodguard/internal/observability"
	"github.com/odyssey-erp/periodguard/internal/platform/httpx"
	rbachttp "github.com/odyssey-erp/periodguard/internal/rbac/http"
	revisionhttp "github.com/odyssey-erp/periodguard/internal/revision/http"
	settingshttp "github.com/odyssey-erp/periodguard/internal/settings/http"
	"github.com/odyssey-erp/periodguard/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	Pool            *pgxpool.Pool
	ApprovalHandler *approvalhttp.Handler
	CloseHandler    *closehttp.Handler
	RevisionHandler *revisionhttp.Handler
	SettingsHandler *settingshttp.Handler
	RoleHandler     *rbachttp.Handler
	JobHandler      *jobs.Handler
	Metrics         *observability.Metrics
}

// NewRouter constructs the chi.Router with the API defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if params.Pool != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := params.Pool.Ping(ctx); err != nil {
				params.Logger.Warn("healthz: database ping", slog.Any("error", err))
				httpx.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
				return
			}
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if params.ApprovalHandler != nil {
		params.ApprovalHandler.MountRoutes(r)
	}
	if params.CloseHandler != nil {
		params.CloseHandler.MountRoutes(r)
	}
	if params.RevisionHandler != nil {
		params.RevisionHandler.MountRoutes(r)
	}
	if params.SettingsHandler != nil {
		params.SettingsHandler.MountRoutes(r)
	}
	if params.RoleHandler != nil {
		params.RoleHandler.MountRoutes(r)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
