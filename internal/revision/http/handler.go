package revisionhttp

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

	"github.com/odyssey-erp/periodguard/internal/ledger"
	"github.com/odyssey-erp/periodguard/internal/platform/httpx"
	"github.com/odyssey-erp/periodguard/internal/rbac"
	"github.com/odyssey-erp/periodguard/internal/revision"
	"github.com/odyssey-erp/periodguard/internal/shared"
)

const maxBulkItems = 100

type revisionService interface {
	Submit(ctx context.Context, req revision.MutationRequest) (revision.SubmitResult, error)
	Get(ctx context.Context, id int64) (revision.Log, error)
	List(ctx context.Context, f revision.Filter) ([]revision.Log, shared.Pagination, error)
	History(ctx context.Context, id int64) ([]shared.ApprovalLog, error)
	ApproveRevision(ctx context.Context, id, actorID int64, notes string) (revision.Log, error)
	RejectRevision(ctx context.Context, id, actorID int64, notes string) (revision.Log, error)
	BulkApproveRevisions(ctx context.Context, ids []int64, actorID int64, notes string) []revision.BulkResult
}

// Handler exposes revision submission and review endpoints.
type Handler struct {
	logger        *slog.Logger
	service       revisionService
	rbac          rbac.Middleware
	submitRoles   []string
	approverRoles []string
}

// NewHandler constructs the handler. submitRoles gate mutation requests and
// approverRoles gate decisions; the service re-checks approvers at decision time.
func NewHandler(logger *slog.Logger, service revisionService, rbac rbac.Middleware, submitRoles, approverRoles []string) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:        logger,
		service:       service,
		rbac:          rbac,
		submitRoles:   submitRoles,
		approverRoles: approverRoles,
	}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/revisions", func(r chi.Router) {
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
		r.Get("/{id}/history", h.history)
		r.With(h.rbac.RequireAny(h.submitRoles...)).Post("/", h.submit)
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAny(h.approverRoles...))
			r.Post("/{id}/approve", h.approve)
			r.Post("/{id}/reject", h.reject)
			r.Post("/bulk-approve", h.bulkApprove)
		})
	})
}

type snapshotRequest struct {
	Date   string `json:"date" validate:"required,datetime=2006-01-02"`
	Memo   string `json:"memo" validate:"max=255"`
	Status string `json:"status" validate:"required,oneof=DRAFT POSTED"`
	Debit  string `json:"debit" validate:"required,numeric"`
	Credit string `json:"credit" validate:"required,numeric"`
}

type submitRequest struct {
	EntryID        int64            `json:"entry_id" validate:"required,gt=0"`
	Kind           string           `json:"kind" validate:"required"`
	Reason         string           `json:"reason" validate:"required,max=1000"`
	After          *snapshotRequest `json:"after" validate:"omitempty"`
	IdempotencyKey string           `json:"idempotency_key" validate:"max=128"`
}

type decisionRequest struct {
	Notes string `json:"notes" validate:"max=1000"`
}

type bulkApproveRequest struct {
	IDs   []int64 `json:"ids" validate:"required,min=1,max=100,dive,gt=0"`
	Notes string  `json:"notes" validate:"max=1000"`
}

type snapshotView struct {
	Date   string `json:"date"`
	Memo   string `json:"memo"`
	Status string `json:"status"`
	Debit  string `json:"debit"`
	Credit string `json:"credit"`
}

type revisionView struct {
	ID            int64         `json:"id"`
	EntryID       int64         `json:"entry_id"`
	PeriodID      int64         `json:"period_id"`
	CompanyID     int64         `json:"company_id"`
	Kind          revision.Kind `json:"kind"`
	Reason        string        `json:"reason"`
	Impact        string        `json:"impact"`
	Before        *snapshotView `json:"before,omitempty"`
	After         *snapshotView `json:"after,omitempty"`
	Status        string        `json:"status"`
	RequestedBy   int64         `json:"requested_by"`
	RequestedAt   time.Time     `json:"requested_at"`
	ApprovedBy    *int64        `json:"approved_by,omitempty"`
	ApprovedAt    *time.Time    `json:"approved_at,omitempty"`
	ApprovalNotes string        `json:"approval_notes,omitempty"`
	RejectedBy    *int64        `json:"rejected_by,omitempty"`
	RejectedAt    *time.Time    `json:"rejected_at,omitempty"`
	AppliedAt     *time.Time    `json:"applied_at,omitempty"`
}

type submitResponse struct {
	Applied  bool          `json:"applied"`
	Revision *revisionView `json:"revision,omitempty"`
}

type listResponse struct {
	Revisions  []revisionView    `json:"revisions"`
	Pagination shared.Pagination `json:"pagination"`
}

type historyItem struct {
	Level   int       `json:"level"`
	ActorID int64     `json:"actor_id,omitempty"`
	Action  string    `json:"action"`
	Note    string    `json:"note,omitempty"`
	At      time.Time `json:"at"`
}

type bulkItem struct {
	ID       int64         `json:"id"`
	OK       bool          `json:"ok"`
	Error    string        `json:"error,omitempty"`
	Revision *revisionView `json:"revision,omitempty"`
}

type bulkResponse struct {
	Approved int        `json:"approved"`
	Failed   int        `json:"failed"`
	Items    []bulkItem `json:"items"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := revision.Filter{
		Status: revision.Status(strings.ToUpper(strings.TrimSpace(q.Get("status")))),
	}
	var err error
	if filter.PeriodID, err = queryInt64(r, "period_id"); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid period_id", httpx.ErrValidation))
		return
	}
	if filter.EntryID, err = queryInt64(r, "entry_id"); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid entry_id", httpx.ErrValidation))
		return
	}
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.PerPage, _ = strconv.Atoi(q.Get("per_page"))
	if filter.PerPage > 100 {
		filter.PerPage = 100
	}
	logs, page, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("list revisions", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	views := make([]revisionView, 0, len(logs))
	for _, l := range logs {
		views = append(views, newRevisionView(l))
	}
	httpx.JSON(w, http.StatusOK, listResponse{Revisions: views, Pagination: page})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	l, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newRevisionView(l))
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := h.service.Get(r.Context(), id); err != nil {
		httpx.RespondError(w, err)
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

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	kind, err := revision.ParseKind(req.Kind)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	mutation := revision.MutationRequest{
		EntryID:        req.EntryID,
		Kind:           kind,
		Reason:         req.Reason,
		ActorID:        currentUser(r),
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
	}
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" && mutation.IdempotencyKey == "" {
		mutation.IdempotencyKey = key
	}
	if req.After != nil {
		after, err := req.After.snapshot()
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		mutation.After = &after
	}
	res, err := h.service.Submit(r.Context(), mutation)
	if err != nil {
		h.logger.Warn("submit revision", slog.Int64("entry_id", req.EntryID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	resp := submitResponse{Applied: res.Applied}
	status := http.StatusOK
	if res.Revision != nil {
		view := newRevisionView(*res.Revision)
		resp.Revision = &view
		if !res.Applied {
			status = http.StatusAccepted
		}
	}
	httpx.JSON(w, status, resp)
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req decisionRequest
	if err := decodeOptional(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	l, err := h.service.ApproveRevision(r.Context(), id, currentUser(r), req.Notes)
	if err != nil {
		h.logger.Warn("approve revision", slog.Int64("revision_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newRevisionView(l))
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req decisionRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	l, err := h.service.RejectRevision(r.Context(), id, currentUser(r), req.Notes)
	if err != nil {
		h.logger.Warn("reject revision", slog.Int64("revision_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newRevisionView(l))
}

func (h *Handler) bulkApprove(w http.ResponseWriter, r *http.Request) {
	var req bulkApproveRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if len(req.IDs) > maxBulkItems {
		httpx.RespondError(w, fmt.Errorf("%w: at most %d ids", httpx.ErrValidation, maxBulkItems))
		return
	}
	results := h.service.BulkApproveRevisions(r.Context(), req.IDs, currentUser(r), req.Notes)
	resp := bulkResponse{Items: make([]bulkItem, 0, len(results))}
	for _, res := range results {
		item := bulkItem{ID: res.ID, OK: res.Err == nil}
		if res.Err != nil {
			item.Error = res.Err.Error()
			resp.Failed++
		} else {
			view := newRevisionView(res.Revision)
			item.Revision = &view
			resp.Approved++
		}
		resp.Items = append(resp.Items, item)
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (s snapshotRequest) snapshot() (ledger.Snapshot, error) {
	date, err := time.Parse(time.DateOnly, s.Date)
	if err != nil {
		return ledger.Snapshot{}, fmt.Errorf("%w: date must be YYYY-MM-DD", httpx.ErrValidation)
	}
	debit, err := decimal.NewFromString(s.Debit)
	if err != nil {
		return ledger.Snapshot{}, fmt.Errorf("%w: invalid debit", httpx.ErrValidation)
	}
	credit, err := decimal.NewFromString(s.Credit)
	if err != nil {
		return ledger.Snapshot{}, fmt.Errorf("%w: invalid credit", httpx.ErrValidation)
	}
	return ledger.Snapshot{
		Date:   date,
		Memo:   strings.TrimSpace(s.Memo),
		Status: ledger.Status(s.Status),
		Debit:  debit,
		Credit: credit,
	}, nil
}

// decodeOptional accepts an empty body.
func decodeOptional(r *http.Request, target any) error {
	if r.ContentLength == 0 {
		return nil
	}
	return httpx.DecodeAndValidate(r, target)
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

func newSnapshotView(s *ledger.Snapshot) *snapshotView {
	if s == nil {
		return nil
	}
	return &snapshotView{
		Date:   s.Date.Format(time.DateOnly),
		Memo:   s.Memo,
		Status: string(s.Status),
		Debit:  s.Debit.StringFixed(2),
		Credit: s.Credit.StringFixed(2),
	}
}

func newRevisionView(l revision.Log) revisionView {
	return revisionView{
		ID:            l.ID,
		EntryID:       l.EntryID,
		PeriodID:      l.PeriodID,
		CompanyID:     l.CompanyID,
		Kind:          l.Kind,
		Reason:        l.Reason,
		Impact:        l.Impact.StringFixed(2),
		Before:        newSnapshotView(l.Before),
		After:         newSnapshotView(l.After),
		Status:        string(l.Status),
		RequestedBy:   l.RequestedBy,
		RequestedAt:   l.RequestedAt,
		ApprovedBy:    l.ApprovedBy,
		ApprovedAt:    l.ApprovedAt,
		ApprovalNotes: l.ApprovalNotes,
		RejectedBy:    l.RejectedBy,
		RejectedAt:    l.RejectedAt,
		AppliedAt:     l.AppliedAt,
	}
}
