package rbachttp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/periodguard/internal/platform/httpx"
	"github.com/odyssey-erp/periodguard/internal/rbac"
	"github.com/odyssey-erp/periodguard/internal/shared"
)

type roleService interface {
	ListRoles(ctx context.Context) ([]rbac.Role, error)
	Roles(ctx context.Context, userID int64) ([]string, error)
	AssignRole(ctx context.Context, userID int64, role string) error
}

// Handler manages role catalogue and membership routes.
type Handler struct {
	logger     *slog.Logger
	service    roleService
	rbac       rbac.Middleware
	adminRoles []string
}

// NewHandler builds the handler. Every route is gated by adminRoles.
func NewHandler(logger *slog.Logger, service roleService, mw rbac.Middleware, adminRoles []string) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: mw, adminRoles: adminRoles}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/roles", func(r chi.Router) {
		r.Use(h.rbac.RequireAny(h.adminRoles...))
		r.Get("/", h.listRoles)
		r.Get("/users/{userID}", h.userRoles)
		r.Post("/{name}/members", h.assign)
	})
}

type roleView struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

type assignRequest struct {
	UserID int64 `json:"user_id" validate:"required,gt=0"`
}

type membershipView struct {
	UserID int64    `json:"user_id"`
	Roles  []string `json:"roles"`
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]roleView, 0, len(roles))
	for _, role := range roles {
		out = append(out, roleView{ID: role.ID, Name: role.Name, Description: role.Description, CreatedAt: role.CreatedAt})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) userRoles(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || userID <= 0 {
		httpx.RespondError(w, fmt.Errorf("%w: invalid user id", httpx.ErrValidation))
		return
	}
	h.respondMembership(w, r, userID, http.StatusOK)
}

func (h *Handler) assign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	role := chi.URLParam(r, "name")
	if err := h.service.AssignRole(r.Context(), req.UserID, role); err != nil {
		httpx.RespondError(w, err)
		return
	}
	actorID, _ := shared.ActorFromContext(r.Context())
	h.logger.Info("role assigned",
		slog.String("role", role),
		slog.Int64("user_id", req.UserID),
		slog.Int64("actor_id", actorID),
	)
	h.respondMembership(w, r, req.UserID, http.StatusCreated)
}

func (h *Handler) respondMembership(w http.ResponseWriter, r *http.Request, userID int64, status int) {
	roles, err := h.service.Roles(r.Context(), userID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if roles == nil {
		roles = []string{}
	}
	httpx.JSON(w, status, membershipView{UserID: userID, Roles: roles})
}
