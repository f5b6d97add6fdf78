package closehttp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/periodguard/internal/close"
	"github.com/odyssey-erp/periodguard/internal/rbac"
	"github.com/odyssey-erp/periodguard/internal/shared"
)

func TestListPeriodsReturnsStatusAndActions(t *testing.T) {
	svc := &stubCloseService{
		listPeriodsFn: func(ctx context.Context, companyID int64, limit, offset int) ([]close.Period, error) {
			if companyID != 1 {
				t.Fatalf("expected company id 1, got %d", companyID)
			}
			return []close.Period{
				{
					ID:        1,
					CompanyID: 1,
					Name:      "2024-01",
					StartDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
					EndDate:   time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
					Status:    close.PeriodStatusOpen,
				},
				{
					ID:        2,
					CompanyID: 1,
					Name:      "2023-12",
					StartDate: time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC),
					EndDate:   time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC),
					Status:    close.PeriodStatusHardClosed,
				},
			}, nil
		},
	}
	router := newTestRouter(t, svc)

	rr := serve(router, http.MethodGet, "/periods?company_id=1", "", 0)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp periodListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Periods) != 2 {
		t.Fatalf("expected 2 periods, got %d", len(resp.Periods))
	}
	if !resp.Periods[0].Actions["soft_close"].Enabled {
		t.Fatalf("expected soft close enabled for open period")
	}
	if resp.Periods[1].StatusLabel != "Hard Closed" {
		t.Fatalf("expected status label, got %q", resp.Periods[1].StatusLabel)
	}
	if resp.Pagination.Total != 2 {
		t.Fatalf("expected total 2, got %d", resp.Pagination.Total)
	}
}

func TestListPeriodsRequiresCompany(t *testing.T) {
	router := newTestRouter(t, &stubCloseService{})
	rr := serve(router, http.MethodGet, "/periods", "", 0)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
}

func TestCreatePeriodPassesTemplateAndActor(t *testing.T) {
	var captured close.CreatePeriodInput
	svc := &stubCloseService{
		createPeriodFn: func(ctx context.Context, in close.CreatePeriodInput) (close.Period, error) {
			captured = in
			return close.Period{ID: 9, CompanyID: in.CompanyID, Name: in.Name, StartDate: in.StartDate, EndDate: in.EndDate, Status: close.PeriodStatusOpen}, nil
		},
	}
	router := newTestRouter(t, svc)

	body := `{"company_id":1,"name":"2025-01","start_date":"2025-01-01","end_date":"2025-01-31","cutoff_days":3}`
	rr := serve(router, http.MethodPost, "/periods", body, managerID)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.ActorID != managerID {
		t.Fatalf("expected actor %d, got %d", managerID, captured.ActorID)
	}
	if captured.Template == nil || captured.Template.CutoffDays != 3 || captured.Template.HardCloseDays != close.DefaultTemplate.HardCloseDays {
		t.Fatalf("unexpected template %+v", captured.Template)
	}
	if !captured.EndDate.Equal(time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected end date %v", captured.EndDate)
	}
}

func TestCreatePeriodValidatesBody(t *testing.T) {
	router := newTestRouter(t, &stubCloseService{})
	rr := serve(router, http.MethodPost, "/periods", `{"company_id":1,"name":"x","start_date":"01/01/2025","end_date":"2025-01-31"}`, managerID)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
}

func TestWritesRequireManagerRole(t *testing.T) {
	router := newTestRouter(t, &stubCloseService{})

	rr := serve(router, http.MethodPost, "/periods/1/soft-close", "", staffID)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for staff, got %d", rr.Code)
	}
	rr = serve(router, http.MethodPost, "/periods/1/soft-close", "", 0)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without actor, got %d", rr.Code)
	}
}

func TestHardCloseMapsPendingRevisionsToConflict(t *testing.T) {
	svc := &stubCloseService{
		hardCloseFn: func(ctx context.Context, periodID, actorID int64) (close.Period, error) {
			return close.Period{}, &close.PendingRevisionsError{PeriodID: periodID, Count: 4}
		},
	}
	router := newTestRouter(t, svc)

	rr := serve(router, http.MethodPost, "/periods/7/hard-close", "", managerID)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "4 pending revisions") {
		t.Fatalf("expected pending count in body, got %s", rr.Body.String())
	}
}

func TestReopenForwardsReason(t *testing.T) {
	var gotReason string
	svc := &stubCloseService{
		reopenFn: func(ctx context.Context, periodID, actorID int64, reason string) (close.Period, error) {
			gotReason = reason
			return close.Period{ID: periodID, Status: close.PeriodStatusOpen, ReopenReason: reason}, nil
		},
	}
	router := newTestRouter(t, svc)

	rr := serve(router, http.MethodPost, "/periods/7/reopen", `{"reason":"late supplier invoice"}`, managerID)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if gotReason != "late supplier invoice" {
		t.Fatalf("unexpected reason %q", gotReason)
	}

	rr = serve(router, http.MethodPost, "/periods/7/reopen", `{}`, managerID)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 without reason, got %d", rr.Code)
	}
}

func TestClassify(t *testing.T) {
	svc := &stubCloseService{
		classifyFn: func(ctx context.Context, companyID int64, date time.Time, strictness close.Strictness) (close.Period, bool, error) {
			if strictness != close.StrictnessHardCloseOnly {
				t.Fatalf("expected hard close only strictness, got %s", strictness)
			}
			return close.Period{ID: 3, Name: "2025-01", Status: close.PeriodStatusHardClosed}, true, nil
		},
	}
	router := newTestRouter(t, svc)

	rr := serve(router, http.MethodGet, "/periods/classify?company_id=1&date=2025-01-15&strictness=hard_close_only", "", 0)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp classifyResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Locked || resp.Period == nil || resp.Period.ID != 3 {
		t.Fatalf("unexpected response %+v", resp)
	}
}

const (
	managerID int64 = 11
	staffID   int64 = 12
)

type stubRoles map[int64][]string

func (s stubRoles) Roles(_ context.Context, userID int64) ([]string, error) {
	return s[userID], nil
}

type stubCloseService struct {
	listPeriodsFn  func(context.Context, int64, int, int) ([]close.Period, error)
	createPeriodFn func(context.Context, close.CreatePeriodInput) (close.Period, error)
	getPeriodFn    func(context.Context, int64) (close.Period, error)
	updateRangeFn  func(context.Context, close.UpdateRangeInput) (close.Period, error)
	softCloseFn    func(context.Context, int64, int64) (close.Period, error)
	hardCloseFn    func(context.Context, int64, int64) (close.Period, error)
	reopenFn       func(context.Context, int64, int64, string) (close.Period, error)
	classifyFn     func(context.Context, int64, time.Time, close.Strictness) (close.Period, bool, error)
}

func (s *stubCloseService) ListPeriods(ctx context.Context, companyID int64, limit, offset int) ([]close.Period, error) {
	if s.listPeriodsFn != nil {
		return s.listPeriodsFn(ctx, companyID, limit, offset)
	}
	return nil, nil
}

func (s *stubCloseService) CountPeriods(ctx context.Context, companyID int64) (int, error) {
	periods, err := s.ListPeriods(ctx, companyID, periodsPageLimit, 0)
	return len(periods), err
}

func (s *stubCloseService) CreatePeriod(ctx context.Context, in close.CreatePeriodInput) (close.Period, error) {
	if s.createPeriodFn != nil {
		return s.createPeriodFn(ctx, in)
	}
	return close.Period{}, nil
}

func (s *stubCloseService) GetPeriod(ctx context.Context, id int64) (close.Period, error) {
	if s.getPeriodFn != nil {
		return s.getPeriodFn(ctx, id)
	}
	return close.Period{}, nil
}

func (s *stubCloseService) UpdatePeriodRange(ctx context.Context, in close.UpdateRangeInput) (close.Period, error) {
	if s.updateRangeFn != nil {
		return s.updateRangeFn(ctx, in)
	}
	return close.Period{}, nil
}

func (s *stubCloseService) SoftClose(ctx context.Context, periodID, actorID int64) (close.Period, error) {
	if s.softCloseFn != nil {
		return s.softCloseFn(ctx, periodID, actorID)
	}
	return close.Period{}, nil
}

func (s *stubCloseService) HardClose(ctx context.Context, periodID, actorID int64) (close.Period, error) {
	if s.hardCloseFn != nil {
		return s.hardCloseFn(ctx, periodID, actorID)
	}
	return close.Period{}, nil
}

func (s *stubCloseService) Reopen(ctx context.Context, periodID, actorID int64, reason string) (close.Period, error) {
	if s.reopenFn != nil {
		return s.reopenFn(ctx, periodID, actorID, reason)
	}
	return close.Period{}, nil
}

func (s *stubCloseService) Classify(ctx context.Context, companyID int64, date time.Time, strictness close.Strictness) (close.Period, bool, error) {
	if s.classifyFn != nil {
		return s.classifyFn(ctx, companyID, date, strictness)
	}
	return close.Period{}, false, nil
}

func newTestRouter(t *testing.T, svc *stubCloseService) chi.Router {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mw := rbac.Middleware{
		Service: stubRoles{
			managerID: {shared.RoleFinanceManager},
			staffID:   {shared.RoleFinanceStaff},
		},
		Logger: logger,
	}
	handler := NewHandler(logger, svc, mw, shared.PeriodManagerRoles())
	r := chi.NewRouter()
	handler.MountRoutes(r)
	return r
}

func serve(h http.Handler, method, target, body string, actorID int64) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if actorID != 0 {
		req = req.WithContext(shared.ContextWithActor(req.Context(), actorID))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}
