package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeSendEmail is the task type for sending a notification email to one user.
	TaskTypeSendEmail = "mail:send"
)

// SendEmailPayload describes a single notification delivery.
type SendEmailPayload struct {
	UserID  int64  `json:"user_id"`
	EventID string `json:"event_id"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// NewSendEmailTask constructs an Asynq task.
func NewSendEmailTask(payload SendEmailPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendEmail, data), nil
}

// MailJob delivers notification emails.
type MailJob struct {
	Logger *slog.Logger
}

// Handle processes TaskTypeSendEmail tasks.
func (j *MailJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("mail: handler not configured")
	}
	var payload SendEmailPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.UserID <= 0 {
		return asynq.SkipRetry
	}
	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	// TODO: hand off to the SMTP relay once user mailboxes are resolvable from the directory service.
	logger.Info("notification email queued for delivery",
		slog.Int64("user_id", payload.UserID),
		slog.String("event_id", payload.EventID),
		slog.String("subject", payload.Subject),
	)
	return nil
}

type sweepPayload struct {
	Limit int `json:"limit"`
}

func newSweepTask(taskType string, limit int) (*asynq.Task, error) {
	body, err := json.Marshal(sweepPayload{Limit: limit})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, body, asynq.Queue(QueueDefault)), nil
}

func parseSweepLimit(t *asynq.Task) (int, error) {
	if len(t.Payload()) == 0 {
		return 0, nil
	}
	var payload sweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return 0, err
	}
	return payload.Limit, nil
}
