package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/periodguard/internal/app"
	jobmetrics "github.com/odyssey-erp/periodguard/internal/jobs"
	"github.com/odyssey-erp/periodguard/internal/notify"
	"github.com/odyssey-erp/periodguard/internal/platform/cache"
	"github.com/odyssey-erp/periodguard/internal/platform/db"
	"github.com/odyssey-erp/periodguard/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	var redisClient *redis.Client
	redisClient, err = cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	publishers := notify.Multi{notify.NewAsynqPublisher(jobClient, jobs.QueueDefault)}
	if cfg.NATSURL != "" {
		nc, err := notify.ConnectNATS(cfg.NATSURL, "periodguard-worker")
		if err != nil {
			logger.Warn("nats unavailable", slog.Any("error", err))
		} else {
			defer nc.Close()
			publishers = append(publishers, notify.NewNATSPublisher(nc))
		}
	}

	services := app.NewServices(cfg, pool, redisClient, publishers, logger)
	metrics := jobmetrics.NewMetrics(nil)

	escalationTask, err := jobs.NewEscalationSweepTask(200)
	if err != nil {
		logger.Error("build escalation task", slog.Any("error", err))
		os.Exit(1)
	}
	reminderTask, err := jobs.NewCloseReminderTask(200)
	if err != nil {
		logger.Error("build reminder task", slog.Any("error", err))
		os.Exit(1)
	}

	dispatchJob := jobs.NewDispatchJob(services.RBAC, jobClient, logger, metrics)
	escalationJob := jobs.NewEscalationSweepJob(services.Approvals, logger, metrics)
	reminderJob := jobs.NewCloseReminderJob(services.Periods, logger, metrics)
	mailJob := &jobs.MailJob{Logger: logger}
	cleanupJob := &jobs.IdempotencyCleanupJob{Store: services.Idempotency, Logger: logger, Metrics: metrics}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: redisOpts,
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: notify.TaskDispatch, Handler: dispatchJob.Handle},
			{Type: jobs.TaskTypeSendEmail, Handler: mailJob.Handle},
			{Type: jobs.TaskApprovalEscalationSweep, Handler: escalationJob.Handle},
			{Type: jobs.TaskPeriodCloseReminder, Handler: reminderJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "*/15 * * * *", Task: escalationTask, Options: []asynq.Option{asynq.MaxRetry(1)}},
			{Spec: "0 7 * * *", Task: reminderTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "30 3 * * *", Task: asynq.NewTask(jobs.TaskIdempotencyCleanup, nil), Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
