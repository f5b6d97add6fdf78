package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/periodguard/internal/jobs"
)

const (
	// TaskApprovalEscalationSweep escalates approvals whose level timeout elapsed.
	TaskApprovalEscalationSweep = "approval:escalation_sweep"
	// TaskPeriodCloseReminder reminds closers about open periods past cutoff.
	TaskPeriodCloseReminder = "period:close_reminder"
	// TaskIdempotencyCleanup prunes expired idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"

	defaultSweepLimit = 200
)

// Escalator is implemented by approval.Service.
type Escalator interface {
	EscalateExpired(ctx context.Context, limit int) (int, error)
}

// Reminder is implemented by close.Service.
type Reminder interface {
	RemindDue(ctx context.Context, limit int) (int, error)
}

// NewEscalationSweepTask creates the periodic escalation task.
func NewEscalationSweepTask(limit int) (*asynq.Task, error) {
	return newSweepTask(TaskApprovalEscalationSweep, limit)
}

// NewCloseReminderTask creates the daily close reminder task.
func NewCloseReminderTask(limit int) (*asynq.Task, error) {
	return newSweepTask(TaskPeriodCloseReminder, limit)
}

// EscalationSweepJob runs Escalator.EscalateExpired on a schedule.
type EscalationSweepJob struct {
	Service Escalator
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewEscalationSweepJob constructs the handler.
func NewEscalationSweepJob(service Escalator, logger *slog.Logger, metrics *jobmetrics.Metrics) *EscalationSweepJob {
	return &EscalationSweepJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle executes one sweep.
func (j *EscalationSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("escalation sweep: handler not configured")
	}
	limit, err := parseSweepLimit(t)
	if err != nil {
		return asynq.SkipRetry
	}
	if limit <= 0 {
		limit = defaultSweepLimit
	}

	start := time.Now()
	metrics := metricsOrDefault(j.Metrics)
	tracker := metrics.Track(TaskApprovalEscalationSweep)
	logger := loggerFor(j.Logger, TaskApprovalEscalationSweep)

	escalated, err := j.Service.EscalateExpired(ctx, limit)
	metrics.AddEscalations(escalated)
	if err != nil {
		logger.Error("escalation sweep failed", slog.Int("escalated", escalated), slog.Any("error", err))
		return tracker.End(err)
	}
	logger.Info("escalation sweep completed",
		slog.Int("escalated", escalated),
		slog.Duration("duration", time.Since(start)),
	)
	return tracker.End(nil)
}

// CloseReminderJob runs Reminder.RemindDue on a schedule.
type CloseReminderJob struct {
	Service Reminder
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewCloseReminderJob constructs the handler.
func NewCloseReminderJob(service Reminder, logger *slog.Logger, metrics *jobmetrics.Metrics) *CloseReminderJob {
	return &CloseReminderJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle executes one reminder pass.
func (j *CloseReminderJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("close reminder: handler not configured")
	}
	limit, err := parseSweepLimit(t)
	if err != nil {
		return asynq.SkipRetry
	}
	if limit <= 0 {
		limit = defaultSweepLimit
	}

	metrics := metricsOrDefault(j.Metrics)
	tracker := metrics.Track(TaskPeriodCloseReminder)
	logger := loggerFor(j.Logger, TaskPeriodCloseReminder)

	sent, err := j.Service.RemindDue(ctx, limit)
	if err != nil {
		logger.Error("close reminder failed", slog.Any("error", err))
		return tracker.End(err)
	}
	metrics.AddReminders(sent)
	logger.Info("close reminders sent", slog.Int("periods", sent))
	return tracker.End(nil)
}

// KeyPruner is implemented by shared.IdempotencyStore.
type KeyPruner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

// IdempotencyCleanupJob removes idempotency keys past their retention.
type IdempotencyCleanupJob struct {
	Store     KeyPruner
	Retention time.Duration
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// Handle executes one cleanup pass.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Store == nil {
		return errors.New("idempotency cleanup: handler not configured")
	}
	retention := j.Retention
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	tracker := metricsOrDefault(j.Metrics).Track(TaskIdempotencyCleanup)
	if err := j.Store.Cleanup(ctx, retention); err != nil {
		loggerFor(j.Logger, TaskIdempotencyCleanup).Error("idempotency cleanup failed", slog.Any("error", err))
		return tracker.End(err)
	}
	return tracker.End(nil)
}

func metricsOrDefault(m *jobmetrics.Metrics) *jobmetrics.Metrics {
	if m != nil {
		return m
	}
	return jobmetrics.NewMetrics(nil)
}

func loggerFor(logger *slog.Logger, job string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("job", job))
}
