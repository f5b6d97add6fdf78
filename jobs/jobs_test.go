package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-erp/periodguard/internal/jobs"
	"github.com/odyssey-erp/periodguard/internal/notify"
	"github.com/odyssey-erp/periodguard/internal/shared"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeQueue struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	ids   map[string]bool
	err   error
}

func (q *fakeQueue) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	if q.ids == nil {
		q.ids = map[string]bool{}
	}
	for _, opt := range opts {
		if opt.Type() == asynq.TaskIDOpt {
			id := opt.Value().(string)
			if q.ids[id] {
				return nil, asynq.ErrTaskIDConflict
			}
			q.ids[id] = true
		}
	}
	q.tasks = append(q.tasks, task)
	return &asynq.TaskInfo{Queue: QueueDefault}, nil
}

type fakeDirectory map[string][]int64

func (d fakeDirectory) UsersWithRole(_ context.Context, roles ...string) ([]int64, error) {
	var out []int64
	for _, role := range roles {
		out = append(out, d[role]...)
	}
	return out, nil
}

func dispatchTask(t *testing.T, evt notify.Event) *asynq.Task {
	t.Helper()
	task, err := notify.NewDispatchTask(evt)
	require.NoError(t, err)
	return task
}

func TestDispatchFansOutToRecipients(t *testing.T) {
	queue := &fakeQueue{}
	directory := fakeDirectory{
		shared.RoleFinanceController: {30, 31},
		shared.RoleCFO:               {40, 30},
	}
	job := NewDispatchJob(directory, queue, discard, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	evt := notify.NewEvent(notify.RevisionApprovalRequired, "journal_revision", 9, time.Now())
	evt.ActorID = 31
	evt.RecipientRoles = []string{shared.RoleFinanceController, shared.RoleCFO}
	evt.RecipientUsers = []int64{10}

	require.NoError(t, job.Handle(context.Background(), dispatchTask(t, evt)))
	require.Len(t, queue.tasks, 3)

	var users []int64
	for _, task := range queue.tasks {
		require.Equal(t, TaskTypeSendEmail, task.Type())
		var payload SendEmailPayload
		require.NoError(t, json.Unmarshal(task.Payload(), &payload))
		require.Equal(t, evt.ID, payload.EventID)
		require.Equal(t, "Journal revision awaiting approval", payload.Subject)
		users = append(users, payload.UserID)
	}
	require.Equal(t, []int64{10, 30, 40}, users, "actor skipped and duplicates collapsed")

	require.NoError(t, job.Handle(context.Background(), dispatchTask(t, evt)))
	require.Len(t, queue.tasks, 3, "redelivery does not duplicate mail")
}

func TestDispatchSkipsMalformedPayload(t *testing.T) {
	job := NewDispatchJob(fakeDirectory{}, &fakeQueue{}, discard, nil)
	err := job.Handle(context.Background(), asynq.NewTask(notify.TaskDispatch, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestDispatchReturnsEnqueueFailure(t *testing.T) {
	queue := &fakeQueue{err: errors.New("redis down")}
	job := NewDispatchJob(fakeDirectory{}, queue, discard, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	evt := notify.NewEvent(notify.ApprovalApproved, "approval", 1, time.Now())
	evt.RecipientUsers = []int64{5}
	require.Error(t, job.Handle(context.Background(), dispatchTask(t, evt)))
}

type fakeEscalator struct {
	limit int
	count int
	err   error
}

func (f *fakeEscalator) EscalateExpired(_ context.Context, limit int) (int, error) {
	f.limit = limit
	return f.count, f.err
}

type fakeReminder struct {
	limit int
	count int
}

func (f *fakeReminder) RemindDue(_ context.Context, limit int) (int, error) {
	f.limit = limit
	return f.count, nil
}

func TestEscalationSweepUsesPayloadLimit(t *testing.T) {
	svc := &fakeEscalator{count: 2}
	job := NewEscalationSweepJob(svc, discard, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	task, err := NewEscalationSweepTask(25)
	require.NoError(t, err)
	require.Equal(t, TaskApprovalEscalationSweep, task.Type())
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 25, svc.limit)

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskApprovalEscalationSweep, nil)))
	require.Equal(t, defaultSweepLimit, svc.limit)

	svc.err = errors.New("db down")
	require.Error(t, job.Handle(context.Background(), task))
}

func TestCloseReminderRunsService(t *testing.T) {
	svc := &fakeReminder{count: 3}
	job := NewCloseReminderJob(svc, discard, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	task, err := NewCloseReminderTask(0)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, defaultSweepLimit, svc.limit)
}

func TestMailJobRejectsMissingRecipient(t *testing.T) {
	job := &MailJob{Logger: discard}
	task, err := NewSendEmailTask(SendEmailPayload{Subject: "x"})
	require.NoError(t, err)
	require.ErrorIs(t, job.Handle(context.Background(), task), asynq.SkipRetry)

	task, err = NewSendEmailTask(SendEmailPayload{UserID: 4, Subject: "x"})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
}

type fakeInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (f fakeInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return f.info, f.err
}

func TestHealthHandler(t *testing.T) {
	r := chi.NewRouter()
	r.Route("/jobs", NewHandler(fakeInspector{info: &asynq.QueueInfo{Queue: QueueDefault, Pending: 4, Retry: 1}}, discard).MountRoutes)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"queue":"default","pending":4,"active":0,"scheduled":0,"retry":1,"archived":0}`, rr.Body.String())

	r = chi.NewRouter()
	r.Route("/jobs", NewHandler(fakeInspector{err: errors.New("redis down")}, discard).MountRoutes)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

type fakePruner struct {
	olderThan time.Duration
}

func (f *fakePruner) Cleanup(_ context.Context, olderThan time.Duration) error {
	f.olderThan = olderThan
	return nil
}

func TestIdempotencyCleanupDefaultsRetention(t *testing.T) {
	store := &fakePruner{}
	job := &IdempotencyCleanupJob{Store: store, Logger: discard, Metrics: jobmetrics.NewMetrics(prometheus.NewRegistry())}
	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskIdempotencyCleanup, nil)))
	require.Equal(t, 7*24*time.Hour, store.olderThan)
}
