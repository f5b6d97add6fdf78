package approvalhttp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/periodguard/internal/approval"
	"github.com/odyssey-erp/periodguard/internal/platform/httpx"
	"github.com/odyssey-erp/periodguard/internal/rbac"
	"github.com/odyssey-erp/periodguard/internal/shared"
)

const outstandingPageLimit = 50

type approvalService interface {
	RequestApproval(ctx context.Context, in approval.RequestInput) (approval.Approval, bool, error)
	Approve(ctx context.Context, id, actorID int64, notes string) (approval.Approval, error)
	Reject(ctx context.Context, id, actorID int64, reason string) (approval.Approval, error)
	Escalate(ctx context.Context, id int64) (approval.Approval, error)
	CanBeApprovedBy(ctx context.Context, id, actorID int64) (bool, error)
	Get(ctx context.Context, id int64) (approval.Approval, error)
	ListOutstanding(ctx context.Context, limit, offset int) ([]approval.Approval, error)
	History(ctx context.Context, id int64) ([]shared.ApprovalLog, error)
	FindApplicableRule(ctx context.Context, entityType string, category approval.Category, amount decimal.Decimal) (approval.Rule, bool, error)
	ListRules(ctx context.Context) ([]approval.Rule, error)
	CreateRule(ctx context.Context, rule approval.Rule) (approval.Rule, error)
	UpdateRule(ctx context.Context, rule approval.Rule) (approval.Rule, error)
	DeleteRule(ctx context.Context, id int64) error
}

// Handler exposes the approval workflow and its rule configuration.
type Handler struct {
	logger     *slog.Logger
	service    approvalService
	rbac       rbac.Middleware
	adminRoles []string
}

// NewHandler constructs the handler. adminRoles gate rule changes and manual
// escalation; level authorisation happens in the service.
func NewHandler(logger *slog.Logger, service approvalService, rbac rbac.Middleware, adminRoles []string) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac, adminRoles: adminRoles}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/approvals", func(r chi.Router) {
		r.Get("/", h.listOutstanding)
		r.Route("/rules", func(r chi.Router) {
			r.Get("/", h.listRules)
			r.Get("/match", h.matchRule)
			r.Group(func(r chi.Router) {
				r.Use(h.rbac.RequireAny(h.adminRoles...))
				r.Post("/", h.createRule)
				r.Put("/{id}", h.updateRule)
				r.Delete("/{id}", h.deleteRule)
			})
		})
		r.Get("/{id}", h.get)
		r.Get("/{id}/history", h.history)
		r.Get("/{id}/can-approve", h.canApprove)
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAny(shared.FinanceRoles()...))
			r.Post("/", h.request)
			r.Post("/{id}/approve", h.approve)
			r.Post("/{id}/reject", h.reject)
		})
		r.With(h.rbac.RequireAny(h.adminRoles...)).Post("/{id}/escalate", h.escalate)
	})
}

type requestApprovalRequest struct {
	EntityType string `json:"entity_type" validate:"required,oneof=cash_transaction bank_transaction giro_transaction journal_posting monthly_closing"`
	EntityID   int64  `json:"entity_id" validate:"required,gt=0"`
	Category   string `json:"category" validate:"required,oneof=PAYMENT POSTING CLOSING"`
	Amount     string `json:"amount" validate:"required,numeric"`
	Notes      string `json:"notes" validate:"max=1000"`
}

type decisionRequest struct {
	Notes string `json:"notes" validate:"max=1000"`
}

type rejectRequest struct {
	Reason string `json:"reason" validate:"required,max=1000"`
}

type levelRequest struct {
	Level int      `json:"level" validate:"required,gt=0"`
	Roles []string `json:"roles" validate:"required,min=1,dive,required"`
}

type ruleRequest struct {
	Name              string         `json:"name" validate:"required,max=128"`
	EntityType        string         `json:"entity_type" validate:"required"`
	Category          string         `json:"category" validate:"required,oneof=PAYMENT POSTING CLOSING"`
	MinAmount         string         `json:"min_amount" validate:"required,numeric"`
	MaxAmount         *string        `json:"max_amount" validate:"omitempty,numeric"`
	Levels            []levelRequest `json:"levels" validate:"required,min=1,dive"`
	EscalationTimeout string         `json:"escalation_timeout"`
	IsActive          *bool          `json:"is_active"`
}

type levelView struct {
	Level int      `json:"level"`
	Roles []string `json:"roles"`
}

type approvalView struct {
	ID              int64      `json:"id"`
	EntityType      string     `json:"entity_type"`
	EntityID        int64      `json:"entity_id"`
	Category        string     `json:"category"`
	Amount          string     `json:"amount"`
	Status          string     `json:"status"`
	Level           int        `json:"level"`
	MaxLevel        int        `json:"max_level"`
	RuleID          int64      `json:"rule_id"`
	RuleName        string     `json:"rule_name"`
	CurrentRoles    []string   `json:"current_roles"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	RequestedBy     int64      `json:"requested_by"`
	Notes           string     `json:"notes,omitempty"`
	ResolvedBy      *int64     `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ResolutionNotes string     `json:"resolution_notes,omitempty"`
	EscalatedAt     *time.Time `json:"escalated_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

type ruleView struct {
	ID                int64       `json:"id"`
	Name              string      `json:"name"`
	EntityType        string      `json:"entity_type"`
	Category          string      `json:"category"`
	MinAmount         string      `json:"min_amount"`
	MaxAmount         *string     `json:"max_amount,omitempty"`
	Levels            []levelView `json:"levels"`
	EscalationTimeout string      `json:"escalation_timeout,omitempty"`
	IsActive          bool        `json:"is_active"`
}

type requestResponse struct {
	Required bool          `json:"required"`
	Approval *approvalView `json:"approval,omitempty"`
}

type matchResponse struct {
	Required bool      `json:"required"`
	Rule     *ruleView `json:"rule,omitempty"`
}

type historyItem struct {
	Level   int       `json:"level"`
	ActorID int64     `json:"actor_id,omitempty"`
	Action  string    `json:"action"`
	Note    string    `json:"note,omitempty"`
	At      time.Time `json:"at"`
}

func (h *Handler) listOutstanding(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page <= 0 {
		page = 1
	}
	items, err := h.service.ListOutstanding(r.Context(), outstandingPageLimit, (page-1)*outstandingPageLimit)
	if err != nil {
		h.logger.Error("list outstanding approvals", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	views := make([]approvalView, 0, len(items))
	for _, a := range items {
		views = append(views, newApprovalView(a))
	}
	httpx.JSON(w, http.StatusOK, views)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	a, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newApprovalView(a))
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	logs, err := h.service.History(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	items := make([]historyItem, 0, len(logs))
	for _, l := range logs {
		items = append(items, historyItem{Level: l.Level, ActorID: l.ActorID, Action: string(l.Action), Note: l.Note, At: l.At})
	}
	httpx.JSON(w, http.StatusOK, items)
}

func (h *Handler) canApprove(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	actorID, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	allowed, err := h.service.CanBeApprovedBy(r.Context(), id, actorID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]bool{"allowed": allowed})
}

func (h *Handler) request(w http.ResponseWriter, r *http.Request) {
	var req requestApprovalRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid amount", httpx.ErrValidation))
		return
	}
	a, required, err := h.service.RequestApproval(r.Context(), approval.RequestInput{
		Subject:  approval.Ref{EntityType: req.EntityType, EntityID: req.EntityID},
		Category: approval.Category(req.Category),
		Amount:   amount,
		ActorID:  currentUser(r),
		Notes:    strings.TrimSpace(req.Notes),
	})
	if err != nil {
		h.logger.Warn("request approval", slog.String("entity_type", req.EntityType), slog.Int64("entity_id", req.EntityID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if !required {
		httpx.JSON(w, http.StatusOK, requestResponse{Required: false})
		return
	}
	view := newApprovalView(a)
	httpx.JSON(w, http.StatusCreated, requestResponse{Required: true, Approval: &view})
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req decisionRequest
	if r.ContentLength > 0 {
		if err := httpx.DecodeAndValidate(r, &req); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	a, err := h.service.Approve(r.Context(), id, currentUser(r), req.Notes)
	if err != nil {
		h.logger.Warn("approve", slog.Int64("approval_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newApprovalView(a))
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req rejectRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	a, err := h.service.Reject(r.Context(), id, currentUser(r), req.Reason)
	if err != nil {
		h.logger.Warn("reject", slog.Int64("approval_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newApprovalView(a))
}

func (h *Handler) escalate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	a, err := h.service.Escalate(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newApprovalView(a))
}

func (h *Handler) listRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.service.ListRules(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	views := make([]ruleView, 0, len(rules))
	for _, rule := range rules {
		views = append(views, newRuleView(rule))
	}
	httpx.JSON(w, http.StatusOK, views)
}

func (h *Handler) matchRule(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entityType := strings.TrimSpace(q.Get("entity_type"))
	category := approval.Category(strings.ToUpper(strings.TrimSpace(q.Get("category"))))
	if entityType == "" || category == "" {
		httpx.RespondError(w, fmt.Errorf("%w: entity_type and category required", httpx.ErrValidation))
		return
	}
	amount, err := decimal.NewFromString(q.Get("amount"))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid amount", httpx.ErrValidation))
		return
	}
	rule, ok, err := h.service.FindApplicableRule(r.Context(), entityType, category, amount)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	resp := matchResponse{Required: ok}
	if ok {
		view := newRuleView(rule)
		resp.Rule = &view
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) createRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := decodeRule(w, r)
	if !ok {
		return
	}
	created, err := h.service.CreateRule(r.Context(), rule)
	if err != nil {
		h.logger.Warn("create approval rule", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newRuleView(created))
}

func (h *Handler) updateRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rule, ok := decodeRule(w, r)
	if !ok {
		return
	}
	rule.ID = id
	updated, err := h.service.UpdateRule(r.Context(), rule)
	if err != nil {
		h.logger.Warn("update approval rule", slog.Int64("rule_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newRuleView(updated))
}

func (h *Handler) deleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteRule(r.Context(), id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeRule(w http.ResponseWriter, r *http.Request) (approval.Rule, bool) {
	var req ruleRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return approval.Rule{}, false
	}
	minAmount, err := decimal.NewFromString(req.MinAmount)
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid min_amount", httpx.ErrValidation))
		return approval.Rule{}, false
	}
	rule := approval.Rule{
		Name:       strings.TrimSpace(req.Name),
		EntityType: strings.TrimSpace(req.EntityType),
		Category:   approval.Category(req.Category),
		MinAmount:  minAmount,
		IsActive:   true,
	}
	if req.MaxAmount != nil {
		maxAmount, err := decimal.NewFromString(*req.MaxAmount)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: invalid max_amount", httpx.ErrValidation))
			return approval.Rule{}, false
		}
		rule.MaxAmount = &maxAmount
	}
	if req.EscalationTimeout != "" {
		rule.EscalationTimeout, err = time.ParseDuration(req.EscalationTimeout)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: escalation_timeout must be a duration like 24h", httpx.ErrValidation))
			return approval.Rule{}, false
		}
	}
	if req.IsActive != nil {
		rule.IsActive = *req.IsActive
	}
	for _, lvl := range req.Levels {
		rule.Levels = append(rule.Levels, approval.Level{Level: lvl.Level, Roles: lvl.Roles})
	}
	return rule, true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, fmt.Errorf("%w: invalid id", httpx.ErrValidation))
		return 0, false
	}
	return id, true
}

func currentUser(r *http.Request) int64 {
	id, _ := shared.ActorFromContext(r.Context())
	return id
}

func newApprovalView(a approval.Approval) approvalView {
	roles := a.Snapshot.RolesFor(a.Level)
	if roles == nil {
		roles = []string{}
	}
	return approvalView{
		ID:              a.ID,
		EntityType:      a.Subject.EntityType,
		EntityID:        a.Subject.EntityID,
		Category:        string(a.Category),
		Amount:          a.Amount.StringFixed(2),
		Status:          string(a.Status),
		Level:           a.Level,
		MaxLevel:        a.Snapshot.MaxLevel(),
		RuleID:          a.Snapshot.RuleID,
		RuleName:        a.Snapshot.RuleName,
		CurrentRoles:    roles,
		ExpiresAt:       a.ExpiresAt,
		RequestedBy:     a.RequestedBy,
		Notes:           a.Notes,
		ResolvedBy:      a.ResolvedBy,
		ResolvedAt:      a.ResolvedAt,
		ResolutionNotes: a.ResolutionNotes,
		EscalatedAt:     a.EscalatedAt,
		CreatedAt:       a.CreatedAt,
	}
}

func newRuleView(r approval.Rule) ruleView {
	v := ruleView{
		ID:         r.ID,
		Name:       r.Name,
		EntityType: r.EntityType,
		Category:   string(r.Category),
		MinAmount:  r.MinAmount.StringFixed(2),
		IsActive:   r.IsActive,
	}
	if r.MaxAmount != nil {
		s := r.MaxAmount.StringFixed(2)
		v.MaxAmount = &s
	}
	if r.EscalationTimeout > 0 {
		v.EscalationTimeout = r.EscalationTimeout.String()
	}
	for _, lvl := range r.Levels {
		v.Levels = append(v.Levels, levelView{Level: lvl.Level, Roles: lvl.Roles})
	}
	return v
}
