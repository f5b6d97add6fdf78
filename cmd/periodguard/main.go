package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/periodguard/cmd/periodguard/cli"
	"github.com/odyssey-erp/periodguard/internal/app"
	approvalhttp "github.com/odyssey-erp/periodguard/internal/approval/http"
	closehttp "github.com/odyssey-erp/periodguard/internal/close/http"
	"github.com/odyssey-erp/periodguard/internal/notify"
	"github.com/odyssey-erp/periodguard/internal/observability"
	"github.com/odyssey-erp/periodguard/internal/platform/cache"
	"github.com/odyssey-erp/periodguard/internal/platform/db"
	"github.com/odyssey-erp/periodguard/internal/rbac"
	rbachttp "github.com/odyssey-erp/periodguard/internal/rbac/http"
	revisionhttp "github.com/odyssey-erp/periodguard/internal/revision/http"
	settingshttp "github.com/odyssey-erp/periodguard/internal/settings/http"
	"github.com/odyssey-erp/periodguard/internal/shared"
	"github.com/odyssey-erp/periodguard/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping server startup")
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

	if len(os.Args) > 1 && os.Args[1] == "jobs" {
		if err := cli.RunJobs(ctx, cfg.RedisAddr, os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	if len(os.Args) > 1 && os.Args[1] == "roles" {
		if err := cli.RunRoles(ctx, rbac.NewService(dbpool), os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	var redisClient *redis.Client
	redisClient, err = cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, settings cache disabled", slog.Any("error", err))
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
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
		nc, err := notify.ConnectNATS(cfg.NATSURL, "periodguard-api")
		if err != nil {
			logger.Warn("nats unavailable, realtime notifications disabled", slog.Any("error", err))
		} else {
			defer nc.Close()
			publishers = append(publishers, notify.NewNATSPublisher(nc))
		}
	}

	services := app.NewServices(cfg, dbpool, redisClient, publishers, logger)
	rbacMiddleware := rbac.Middleware{Service: services.RBAC, Logger: logger}
	adminRoles := []string{shared.RoleFinanceController, shared.RoleCFO}

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		Pool:            dbpool,
		ApprovalHandler: approvalhttp.NewHandler(logger, services.Approvals, rbacMiddleware, adminRoles),
		CloseHandler:    closehttp.NewHandler(logger, services.Periods, rbacMiddleware, shared.PeriodManagerRoles()),
		RevisionHandler: revisionhttp.NewHandler(logger, services.Revisions, rbacMiddleware, shared.FinanceRoles(), cfg.Engine.RevisionApproverRoles),
		SettingsHandler: settingshttp.NewHandler(logger, services.Settings, rbacMiddleware, adminRoles),
		RoleHandler:     rbachttp.NewHandler(logger, services.RBAC, rbacMiddleware, adminRoles),
		JobHandler:      jobs.NewHandler(inspector, logger),
		Metrics:         observability.NewMetrics(),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
