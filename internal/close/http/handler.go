package closehttp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/periodguard/internal/close"
	"github.com/odyssey-erp/periodguard/internal/platform/httpx"
	"github.com/odyssey-erp/periodguard/internal/rbac"
	"github.com/odyssey-erp/periodguard/internal/shared"
)

const periodsPageLimit = 100

type closeService interface {
	ListPeriods(ctx context.Context, companyID int64, limit, offset int) ([]close.Period, error)
	CountPeriods(ctx context.Context, companyID int64) (int, error)
	CreatePeriod(ctx context.Context, in close.CreatePeriodInput) (close.Period, error)
	GetPeriod(ctx context.Context, id int64) (close.Period, error)
	UpdatePeriodRange(ctx context.Context, in close.UpdateRangeInput) (close.Period, error)
	SoftClose(ctx context.Context, periodID, actorID int64) (close.Period, error)
	HardClose(ctx context.Context, periodID, actorID int64) (close.Period, error)
	Reopen(ctx context.Context, periodID, actorID int64, reason string) (close.Period, error)
	Classify(ctx context.Context, companyID int64, date time.Time, strictness close.Strictness) (close.Period, bool, error)
}

// Handler wires HTTP endpoints for managing closing periods.
type Handler struct {
	logger       *slog.Logger
	service      closeService
	rbac         rbac.Middleware
	managerRoles []string
}

// NewHandler constructs a close HTTP handler. managerRoles gate every write.
func NewHandler(logger *slog.Logger, service closeService, rbac rbac.Middleware, managerRoles []string) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:       logger,
		service:      service,
		rbac:         rbac,
		managerRoles: managerRoles,
	}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/periods", func(r chi.Router) {
		r.Get("/", h.listPeriods)
		r.Get("/classify", h.classify)
		r.Get("/{id}", h.getPeriod)
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAny(h.managerRoles...))
			r.Post("/", h.createPeriod)
			r.Put("/{id}/range", h.updateRange)
			r.Post("/{id}/soft-close", h.softClose)
			r.Post("/{id}/hard-close", h.hardClose)
			r.Post("/{id}/reopen", h.reopen)
		})
	})
}

type createPeriodRequest struct {
	CompanyID     int64          `json:"company_id" validate:"required,gt=0"`
	Name          string         `json:"name" validate:"required,max=64"`
	StartDate     string         `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate       string         `json:"end_date" validate:"required,datetime=2006-01-02"`
	CutoffDays    *int           `json:"cutoff_days" validate:"omitempty,gte=0"`
	HardCloseDays *int           `json:"hard_close_days" validate:"omitempty,gte=0"`
	Metadata      map[string]any `json:"metadata"`
}

type updateRangeRequest struct {
	StartDate string `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate   string `json:"end_date" validate:"required,datetime=2006-01-02"`
}

type reopenRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type actionState struct {
	Enabled bool   `json:"enabled"`
	Message string `json:"message,omitempty"`
}

type periodView struct {
	ID            int64                  `json:"id"`
	CompanyID     int64                  `json:"company_id"`
	Name          string                 `json:"name"`
	StartDate     string                 `json:"start_date"`
	EndDate       string                 `json:"end_date"`
	Status        close.PeriodStatus     `json:"status"`
	StatusLabel   string                 `json:"status_label"`
	CutoffDate    string                 `json:"cutoff_date"`
	HardCloseDate string                 `json:"hard_close_date,omitempty"`
	SoftClosedBy  *int64                 `json:"soft_closed_by,omitempty"`
	SoftClosedAt  *time.Time             `json:"soft_closed_at,omitempty"`
	ClosedBy      *int64                 `json:"closed_by,omitempty"`
	ClosedAt      *time.Time             `json:"closed_at,omitempty"`
	ReopenedBy    *int64                 `json:"reopened_by,omitempty"`
	ReopenedAt    *time.Time             `json:"reopened_at,omitempty"`
	ReopenReason  string                 `json:"reopen_reason,omitempty"`
	Metadata      map[string]any         `json:"metadata,omitempty"`
	Actions       map[string]actionState `json:"actions"`
}

type periodListResponse struct {
	Periods    []periodView      `json:"periods"`
	Pagination shared.Pagination `json:"pagination"`
}

type classifyResponse struct {
	Locked bool        `json:"locked"`
	Period *periodView `json:"period,omitempty"`
}

func (h *Handler) listPeriods(w http.ResponseWriter, r *http.Request) {
	companyID, err := queryInt64(r, "company_id")
	if err != nil || companyID == 0 {
		httpx.RespondError(w, fmt.Errorf("%w: company_id required", httpx.ErrValidation))
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pagination := shared.NewPagination(page, periodsPageLimit, 0)
	total, err := h.service.CountPeriods(r.Context(), companyID)
	if err != nil {
		h.logger.Error("count periods", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	pagination = shared.NewPagination(pagination.Page, pagination.PerPage, total)
	periods, err := h.service.ListPeriods(r.Context(), companyID, pagination.PerPage, (pagination.Page-1)*pagination.PerPage)
	if err != nil {
		h.logger.Error("list periods", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	views := make([]periodView, 0, len(periods))
	for _, p := range periods {
		views = append(views, newPeriodView(p))
	}
	httpx.JSON(w, http.StatusOK, periodListResponse{Periods: views, Pagination: pagination})
}

func (h *Handler) getPeriod(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, err := h.service.GetPeriod(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newPeriodView(p))
}

func (h *Handler) createPeriod(w http.ResponseWriter, r *http.Request) {
	var req createPeriodRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	start, _ := time.Parse(time.DateOnly, req.StartDate)
	end, _ := time.Parse(time.DateOnly, req.EndDate)
	input := close.CreatePeriodInput{
		CompanyID: req.CompanyID,
		Name:      strings.TrimSpace(req.Name),
		StartDate: start,
		EndDate:   end,
		ActorID:   currentUser(r),
		Metadata:  req.Metadata,
	}
	if req.CutoffDays != nil || req.HardCloseDays != nil {
		tmpl := close.DefaultTemplate
		if req.CutoffDays != nil {
			tmpl.CutoffDays = *req.CutoffDays
		}
		if req.HardCloseDays != nil {
			tmpl.HardCloseDays = *req.HardCloseDays
		}
		input.Template = &tmpl
	}
	p, err := h.service.CreatePeriod(r.Context(), input)
	if err != nil {
		h.logger.Warn("create period", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newPeriodView(p))
}

func (h *Handler) updateRange(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req updateRangeRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	start, _ := time.Parse(time.DateOnly, req.StartDate)
	end, _ := time.Parse(time.DateOnly, req.EndDate)
	p, err := h.service.UpdatePeriodRange(r.Context(), close.UpdateRangeInput{
		PeriodID:  id,
		StartDate: start,
		EndDate:   end,
		ActorID:   currentUser(r),
	})
	if err != nil {
		h.logger.Warn("update period range", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newPeriodView(p))
}

func (h *Handler) softClose(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, err := h.service.SoftClose(r.Context(), id, currentUser(r))
	if err != nil {
		h.logger.Warn("soft close", slog.Int64("period_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newPeriodView(p))
}

func (h *Handler) hardClose(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, err := h.service.HardClose(r.Context(), id, currentUser(r))
	if err != nil {
		h.logger.Warn("hard close", slog.Int64("period_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newPeriodView(p))
}

func (h *Handler) reopen(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req reopenRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, err := h.service.Reopen(r.Context(), id, currentUser(r), req.Reason)
	if err != nil {
		h.logger.Warn("reopen period", slog.Int64("period_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newPeriodView(p))
}

func (h *Handler) classify(w http.ResponseWriter, r *http.Request) {
	companyID, err := queryInt64(r, "company_id")
	if err != nil || companyID == 0 {
		httpx.RespondError(w, fmt.Errorf("%w: company_id required", httpx.ErrValidation))
		return
	}
	date, err := time.Parse(time.DateOnly, r.URL.Query().Get("date"))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: date must be YYYY-MM-DD", httpx.ErrValidation))
		return
	}
	strictness := close.StrictnessDefault
	if strings.EqualFold(r.URL.Query().Get("strictness"), string(close.StrictnessHardCloseOnly)) {
		strictness = close.StrictnessHardCloseOnly
	}
	p, locked, err := h.service.Classify(r.Context(), companyID, date, strictness)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	resp := classifyResponse{Locked: locked}
	if locked {
		view := newPeriodView(p)
		resp.Period = &view
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, fmt.Errorf("%w: invalid id", httpx.ErrValidation))
		return 0, false
	}
	return id, true
}

func queryInt64(r *http.Request, key string) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func currentUser(r *http.Request) int64 {
	id, _ := shared.ActorFromContext(r.Context())
	return id
}

func newPeriodView(p close.Period) periodView {
	v := periodView{
		ID:           p.ID,
		CompanyID:    p.CompanyID,
		Name:         p.Name,
		StartDate:    p.StartDate.Format(time.DateOnly),
		EndDate:      p.EndDate.Format(time.DateOnly),
		Status:       p.Status,
		StatusLabel:  humanizeStatus(string(p.Status)),
		CutoffDate:   p.CutoffDate.Format(time.DateOnly),
		SoftClosedBy: p.SoftClosedBy,
		SoftClosedAt: p.SoftClosedAt,
		ClosedBy:     p.ClosedBy,
		ClosedAt:     p.ClosedAt,
		ReopenedBy:   p.ReopenedBy,
		ReopenedAt:   p.ReopenedAt,
		ReopenReason: p.ReopenReason,
		Metadata:     p.Metadata,
		Actions: map[string]actionState{
			"soft_close": softCloseState(p.Status),
			"hard_close": hardCloseState(p.Status),
			"reopen":     reopenState(p.Status),
		},
	}
	if p.HardCloseDate != nil {
		v.HardCloseDate = p.HardCloseDate.Format(time.DateOnly)
	}
	return v
}

func softCloseState(status close.PeriodStatus) actionState {
	switch status {
	case close.PeriodStatusOpen:
		return actionState{Enabled: true}
	case close.PeriodStatusSoftClosed:
		return actionState{Message: "period already soft closed"}
	default:
		return actionState{Message: "period already hard closed"}
	}
}

func hardCloseState(status close.PeriodStatus) actionState {
	switch status {
	case close.PeriodStatusSoftClosed:
		return actionState{Enabled: true}
	case close.PeriodStatusHardClosed:
		return actionState{Message: "period already hard closed"}
	default:
		return actionState{Message: "soft close the period first"}
	}
}

func reopenState(status close.PeriodStatus) actionState {
	if status == close.PeriodStatusOpen {
		return actionState{Message: "period is open"}
	}
	return actionState{Enabled: true}
}

func humanizeStatus(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return ""
	}
	parts := strings.Split(value, "_")
	for i, part := range parts {
		if part == "" {
			continue
		}
		parts[i] = strings.ToUpper(part[:1]) + part[1:]
	}
	return strings.Join(parts, " ")
}
