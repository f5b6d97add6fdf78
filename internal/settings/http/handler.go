package settingshttp

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/periodguard/internal/platform/httpx"
	"github.com/odyssey-erp/periodguard/internal/rbac"
	"github.com/odyssey-erp/periodguard/internal/settings"
	"github.com/odyssey-erp/periodguard/internal/shared"
)

type settingsService interface {
	Current(ctx context.Context) (settings.Settings, error)
	Set(ctx context.Context, key, value string, actorID int64) (settings.Settings, error)
}

// Handler exposes the engine settings.
type Handler struct {
	logger     *slog.Logger
	service    settingsService
	rbac       rbac.Middleware
	adminRoles []string
}

// NewHandler constructs the handler. adminRoles gate overrides.
func NewHandler(logger *slog.Logger, service settingsService, rbac rbac.Middleware, adminRoles []string) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac, adminRoles: adminRoles}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/settings", func(r chi.Router) {
		r.Get("/", h.current)
		r.With(h.rbac.RequireAny(h.adminRoles...)).Put("/{key}", h.set)
	})
}

type overrideRequest struct {
	Value string `json:"value" validate:"required,max=500"`
}

type settingsView struct {
	EscalationDefault         string   `json:"escalation_default"`
	ClosingMode               string   `json:"closing_mode"`
	AllowReopenHardClosed     bool     `json:"allow_reopen_hard_closed"`
	ReopenReasonMinLength     int      `json:"reopen_reason_min_length"`
	RevisionApprovalKinds     []string `json:"revision_approval_kinds"`
	RevisionApprovalSoftClose bool     `json:"revision_approval_soft_close"`
	RevisionApprovalHardClose bool     `json:"revision_approval_hard_close"`
	RevisionAutoApproveBelow  string   `json:"revision_auto_approve_below"`
	RevisionApproverRoles     []string `json:"revision_approver_roles"`
	PeriodCloserRoles         []string `json:"period_closer_roles"`
}

func (h *Handler) current(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.service.Current(r.Context())
	if err != nil {
		h.logger.Error("settings: load", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newSettingsView(cfg))
}

func (h *Handler) set(w http.ResponseWriter, r *http.Request) {
	actorID, _ := shared.ActorFromContext(r.Context())
	var req overrideRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	key := chi.URLParam(r, "key")
	cfg, err := h.service.Set(r.Context(), key, req.Value, actorID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.logger.Info("settings override stored", slog.String("key", key), slog.Int64("actor_id", actorID))
	httpx.JSON(w, http.StatusOK, newSettingsView(cfg))
}

func newSettingsView(s settings.Settings) settingsView {
	return settingsView{
		EscalationDefault:         s.EscalationDefault.String(),
		ClosingMode:               string(s.ClosingMode),
		AllowReopenHardClosed:     s.AllowReopenHardClosed,
		ReopenReasonMinLength:     s.ReopenReasonMinLength,
		RevisionApprovalKinds:     s.RevisionApprovalKinds,
		RevisionApprovalSoftClose: s.RevisionApprovalSoftClose,
		RevisionApprovalHardClose: s.RevisionApprovalHardClose,
		RevisionAutoApproveBelow:  s.RevisionAutoApproveBelow.String(),
		RevisionApproverRoles:     s.RevisionApproverRoles,
		PeriodCloserRoles:         s.PeriodCloserRoles,
	}
}
