package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/periodguard/internal/approval"
	"github.com/odyssey-erp/periodguard/internal/close"
	"github.com/odyssey-erp/periodguard/internal/ledger"
	"github.com/odyssey-erp/periodguard/internal/notify"
	"github.com/odyssey-erp/periodguard/internal/platform/db"
	"github.com/odyssey-erp/periodguard/internal/rbac"
	"github.com/odyssey-erp/periodguard/internal/revision"
	"github.com/odyssey-erp/periodguard/internal/settings"
	"github.com/odyssey-erp/periodguard/internal/shared"
)

// Services bundles the domain services shared by the API and the worker.
type Services struct {
	RBAC        *rbac.Service
	Settings    *settings.Store
	Idempotency *shared.IdempotencyStore
	Approvals   *approval.Service
	Periods     *close.Service
	Revisions   *revision.Service
}

// NewServices wires repositories and services against pool. cache may be nil.
func NewServices(cfg *Config, pool *pgxpool.Pool, cache *redis.Client, publisher notify.Publisher, logger *slog.Logger) *Services {
	if publisher == nil {
		publisher = notify.Nop{}
	}
	conn := db.ConnFunc(pool)
	history := shared.NewApprovalRecorder(conn, logger)
	rbacService := rbac.NewService(pool)
	settingsStore := settings.NewStore(cfg.Engine, settings.NewRepository(pool), cache, cfg.SettingsCacheTTL, logger)
	ledgerRepo := ledger.NewRepository(pool)
	revisionRepo := revision.NewRepository(pool)
	idempotency := shared.NewIdempotencyStore(conn)

	approvals := approval.NewService(approval.ServiceDeps{
		Repo:      approval.NewRepository(pool),
		Roles:     rbacService,
		History:   history,
		Publisher: publisher,
		Settings:  settingsStore,
		Logger:    logger,
	})
	audit := shared.NewAuditLogger(conn)
	for _, entityType := range approval.EntityTypes() {
		approvals.RegisterResolver(entityType, approval.AuditResolver(audit))
	}
	periods := close.NewService(close.ServiceDeps{
		Repo:      close.NewRepository(pool),
		Ledger:    ledgerRepo,
		Revisions: revisionRepo,
		Settings:  settingsStore,
		Publisher: publisher,
		Audit:     audit,
		Logger:    logger,
	})
	revisions := revision.NewService(revision.ServiceDeps{
		Repo:        revisionRepo,
		Ledger:      ledgerRepo,
		Periods:     periods,
		Roles:       rbacService,
		History:     history,
		Idempotency: idempotency,
		Publisher:   publisher,
		Settings:    settingsStore,
		Logger:      logger,
	})

	return &Services{
		RBAC:        rbacService,
		Settings:    settingsStore,
		Idempotency: idempotency,
		Approvals:   approvals,
		Periods:     periods,
		Revisions:   revisions,
	}
}
