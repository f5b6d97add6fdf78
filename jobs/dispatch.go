package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/periodguard/internal/jobs"
	"github.com/odyssey-erp/periodguard/internal/notify"
)

// RecipientDirectory resolves role-addressed recipients.
type RecipientDirectory interface {
	UsersWithRole(ctx context.Context, roles ...string) ([]int64, error)
}

// DispatchJob fans a notify.Event out to one mail task per recipient.
type DispatchJob struct {
	Directory RecipientDirectory
	Queue     notify.Enqueuer
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewDispatchJob constructs the notify:dispatch handler.
func NewDispatchJob(directory RecipientDirectory, queue notify.Enqueuer, logger *slog.Logger, metrics *jobmetrics.Metrics) *DispatchJob {
	return &DispatchJob{Directory: directory, Queue: queue, Logger: logger, Metrics: metrics}
}

// Handle resolves the event's recipients and enqueues their deliveries.
func (j *DispatchJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Queue == nil {
		return errors.New("dispatch: handler not configured")
	}
	evt, err := notify.ParseDispatchTask(t)
	if err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(notify.TaskDispatch)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.String("event_id", evt.ID), slog.String("event_type", evt.Type))
	recipients, err := j.recipients(ctx, evt)
	if err != nil {
		resultErr = err
		logger.Error("resolve recipients", slog.Any("error", err))
		return resultErr
	}

	var sent int
	for _, userID := range recipients {
		task, err := NewSendEmailTask(SendEmailPayload{
			UserID:  userID,
			EventID: evt.ID,
			Subject: subjectFor(evt),
			Body:    fmt.Sprintf("%s %s #%d", evt.Type, evt.ResourceType, evt.ResourceID),
		})
		if err != nil {
			resultErr = err
			return resultErr
		}
		taskID := fmt.Sprintf("%s:%d", evt.ID, userID)
		if _, err := j.Queue.EnqueueContext(ctx, task, asynq.Queue(QueueDefault), asynq.TaskID(taskID), asynq.MaxRetry(5)); err != nil {
			if errors.Is(err, asynq.ErrTaskIDConflict) {
				continue
			}
			resultErr = err
			logger.Error("enqueue mail", slog.Int64("user_id", userID), slog.Any("error", err))
			return resultErr
		}
		sent++
	}
	j.metrics().AddDispatched(evt.Type, sent)
	logger.Info("event dispatched", slog.Int("recipients", len(recipients)), slog.Int("queued", sent))
	return resultErr
}

// recipients merges direct and role recipients, skipping the actor who caused the event.
func (j *DispatchJob) recipients(ctx context.Context, evt notify.Event) ([]int64, error) {
	out := slices.Clone(evt.RecipientUsers)
	if len(evt.RecipientRoles) > 0 {
		if j.Directory == nil {
			return nil, errors.New("dispatch: recipient directory not configured")
		}
		users, err := j.Directory.UsersWithRole(ctx, evt.RecipientRoles...)
		if err != nil {
			return nil, err
		}
		out = append(out, users...)
	}
	out = slices.DeleteFunc(out, func(id int64) bool {
		return id <= 0 || (evt.ActorID > 0 && id == evt.ActorID)
	})
	slices.Sort(out)
	return slices.Compact(out), nil
}

func subjectFor(evt notify.Event) string {
	switch evt.Type {
	case notify.ApprovalRequested, notify.ApprovalLevelAdvanced:
		return "Approval needed"
	case notify.ApprovalEscalated:
		return "Approval escalated"
	case notify.ApprovalApproved, notify.RevisionApproved:
		return "Request approved"
	case notify.ApprovalRejected, notify.RevisionRejected:
		return "Request rejected"
	case notify.RevisionApprovalRequired:
		return "Journal revision awaiting approval"
	case notify.PeriodCloseReminder:
		return "Accounting period is due for closing"
	case notify.PeriodSoftClosed, notify.PeriodHardClosed, notify.PeriodReopened:
		return "Accounting period status changed"
	default:
		return evt.Type
	}
}

func (j *DispatchJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return jobmetrics.NewMetrics(nil)
}

func (j *DispatchJob) logger() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", notify.TaskDispatch))
	}
	return slog.Default().With(slog.String("job", notify.TaskDispatch))
}
