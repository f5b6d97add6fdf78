package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/periodguard/internal/notify"
	"github.com/odyssey-erp/periodguard/internal/settings"
	"github.com/odyssey-erp/periodguard/internal/shared"
)

// RepositoryPort describes persistence required by the service.
type RepositoryPort interface {
	RuleSource
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetApproval(ctx context.Context, id int64) (Approval, error)
	LatestApproval(ctx context.Context, subject Ref, category Category) (Approval, bool, error)
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]Approval, error)
	ListOutstanding(ctx context.Context, limit, offset int) ([]Approval, error)
	GetRule(ctx context.Context, id int64) (Rule, error)
	ListRules(ctx context.Context) ([]Rule, error)
	InsertRule(ctx context.Context, rule Rule) (Rule, error)
	UpdateRule(ctx context.Context, rule Rule) (Rule, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	InsertApproval(ctx context.Context, a Approval) (Approval, error)
	LoadApprovalForUpdate(ctx context.Context, id int64) (Approval, error)
	LatestApprovalForUpdate(ctx context.Context, subject Ref, category Category) (Approval, bool, error)
	// UpdateApproval persists a transition only when the stored status and level still
	// match expected; otherwise it returns ErrStaleWrite.
	UpdateApproval(ctx context.Context, a Approval, expected Status, expectedLevel int) error
	// LockRuleForShare and LockRuleForUpdate hold the rule row until the
	// transaction ends. A missing rule is ErrRuleNotFound.
	LockRuleForShare(ctx context.Context, id int64) error
	LockRuleForUpdate(ctx context.Context, id int64) error
	CountOutstandingForRule(ctx context.Context, ruleID int64) (int, error)
	DeleteRule(ctx context.Context, id int64) error
}

// RoleChecker answers role membership questions.
type RoleChecker interface {
	HasRole(ctx context.Context, actorID int64, role string) (bool, error)
}

// Resolver lets the owning entity react once an approval reaches a terminal status.
type Resolver interface {
	ApprovalResolved(ctx context.Context, a Approval) error
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, a Approval) error

// ApprovalResolved implements Resolver.
func (f ResolverFunc) ApprovalResolved(ctx context.Context, a Approval) error {
	return f(ctx, a)
}

// ServiceDeps bundles the collaborators of Service.
type ServiceDeps struct {
	Repo      RepositoryPort
	Roles     RoleChecker
	History   shared.ApprovalHistory
	Publisher notify.Publisher
	Settings  settings.Provider
	Logger    *slog.Logger
}

// Service runs the approval state machine.
type Service struct {
	repo      RepositoryPort
	matcher   *Matcher
	roles     RoleChecker
	history   shared.ApprovalHistory
	publisher notify.Publisher
	settings  settings.Provider
	resolvers map[string]Resolver
	logger    *slog.Logger
	now       func() time.Time
}

// NewService constructs a Service instance.
func NewService(deps ServiceDeps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	provider := deps.Settings
	if provider == nil {
		provider = settings.Defaults()
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = notify.Nop{}
	}
	return &Service{
		repo:      deps.Repo,
		matcher:   NewMatcher(deps.Repo),
		roles:     deps.Roles,
		history:   deps.History,
		publisher: publisher,
		settings:  provider,
		resolvers: make(map[string]Resolver),
		logger:    logger.With(slog.String("component", "approval")),
		now:       time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// RegisterResolver installs the post-commit hook for an entity type.
func (s *Service) RegisterResolver(entityType string, r Resolver) {
	s.resolvers[entityType] = r
}

// FindApplicableRule returns the rule governing amount, or false when none applies.
func (s *Service) FindApplicableRule(ctx context.Context, entityType string, category Category, amount decimal.Decimal) (Rule, bool, error) {
	return s.matcher.FindApplicableRule(ctx, entityType, category, amount)
}

// RequestApproval materialises a pending approval at level 1 when a rule applies.
// The boolean is false when no rule applies; nothing is written in that case.
// Called with an ambient transaction in ctx, the insert commits with the caller's work.
func (s *Service) RequestApproval(ctx context.Context, in RequestInput) (Approval, bool, error) {
	if err := in.Validate(); err != nil {
		return Approval{}, false, err
	}
	rule, ok, err := s.FindApplicableRule(ctx, in.Subject.EntityType, in.Category, in.Amount)
	if err != nil {
		return Approval{}, false, err
	}
	if !ok {
		return Approval{}, false, nil
	}
	cfg, err := s.settings.Current(ctx)
	if err != nil {
		return Approval{}, false, err
	}
	now := s.now()
	record := Approval{
		Subject:     in.Subject,
		Category:    in.Category,
		Amount:      in.Amount,
		Status:      StatusPending,
		Level:       1,
		Snapshot:    rule.Snapshot(),
		RequestedBy: in.ActorID,
		Notes:       strings.TrimSpace(in.Notes),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	record.ExpiresAt = expiry(now, cfg.EscalationTimeout(record.Snapshot.EscalationTimeout))

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockRuleForShare(ctx, rule.ID); err != nil {
			if errors.Is(err, ErrRuleNotFound) {
				return ErrStaleWrite
			}
			return err
		}
		latest, found, err := tx.LatestApprovalForUpdate(ctx, in.Subject, in.Category)
		if err != nil {
			return err
		}
		if found && latest.Status.Actionable() {
			return ErrAlreadyPending
		}
		record, err = tx.InsertApproval(ctx, record)
		if err != nil {
			return err
		}
		return s.record(ctx, record, in.ActorID, 1, shared.ApprovalSubmit, record.Notes)
	})
	if err != nil {
		return Approval{}, false, err
	}

	evt := s.event(notify.ApprovalRequested, record, in.ActorID)
	evt.RecipientRoles = record.Snapshot.RolesFor(1)
	notify.Emit(ctx, s.publisher, s.logger, evt)
	return record, true, nil
}

// Approve records a decision at the current level. The last level resolves the
// approval; earlier levels advance it and keep it pending.
func (s *Service) Approve(ctx context.Context, id, actorID int64, notes string) (Approval, error) {
	if actorID == 0 {
		return Approval{}, ErrActorRequired
	}
	cfg, err := s.settings.Current(ctx)
	if err != nil {
		return Approval{}, err
	}
	var result Approval
	var advanced bool
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		a, err := tx.LoadApprovalForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !a.Status.Actionable() {
			return ErrNotActionable
		}
		if err := s.authorize(ctx, a, actorID); err != nil {
			return err
		}
		expectedStatus, actedLevel := a.Status, a.Level
		now := s.now()
		if a.Level >= a.Snapshot.MaxLevel() {
			a.Status = StatusApproved
			a.ResolvedBy = &actorID
			a.ResolvedAt = &now
			a.ResolutionNotes = strings.TrimSpace(notes)
		} else {
			a.Level++
			a.Status = StatusPending
			a.ExpiresAt = expiry(now, cfg.EscalationTimeout(a.Snapshot.EscalationTimeout))
			advanced = true
		}
		a.UpdatedAt = now
		if err := tx.UpdateApproval(ctx, a, expectedStatus, actedLevel); err != nil {
			return err
		}
		result = a
		return s.record(ctx, a, actorID, actedLevel, shared.ApprovalApprove, notes)
	})
	if err != nil {
		return Approval{}, err
	}

	if advanced {
		evt := s.event(notify.ApprovalLevelAdvanced, result, actorID)
		evt.RecipientRoles = result.Snapshot.RolesFor(result.Level)
		notify.Emit(ctx, s.publisher, s.logger, evt)
		return result, nil
	}
	evt := s.event(notify.ApprovalApproved, result, actorID)
	evt.RecipientUsers = []int64{result.RequestedBy}
	notify.Emit(ctx, s.publisher, s.logger, evt)
	s.resolve(ctx, result)
	return result, nil
}

// Reject resolves the approval as rejected from any level. A reason is required.
func (s *Service) Reject(ctx context.Context, id, actorID int64, reason string) (Approval, error) {
	if actorID == 0 {
		return Approval{}, ErrActorRequired
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Approval{}, ErrReasonRequired
	}
	var result Approval
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		a, err := tx.LoadApprovalForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !a.Status.Actionable() {
			return ErrNotActionable
		}
		if err := s.authorize(ctx, a, actorID); err != nil {
			return err
		}
		expectedStatus := a.Status
		now := s.now()
		a.Status = StatusRejected
		a.ResolvedBy = &actorID
		a.ResolvedAt = &now
		a.ResolutionNotes = reason
		a.UpdatedAt = now
		if err := tx.UpdateApproval(ctx, a, expectedStatus, a.Level); err != nil {
			return err
		}
		result = a
		return s.record(ctx, a, actorID, a.Level, shared.ApprovalReject, reason)
	})
	if err != nil {
		return Approval{}, err
	}

	evt := s.event(notify.ApprovalRejected, result, actorID)
	evt.RecipientUsers = []int64{result.RequestedBy}
	evt.Payload["reason"] = reason
	notify.Emit(ctx, s.publisher, s.logger, evt)
	s.resolve(ctx, result)
	return result, nil
}

// Escalate flags a pending approval whose expiry has passed. Approvers at the
// current level stay in charge; the flag only raises visibility.
func (s *Service) Escalate(ctx context.Context, id int64) (Approval, error) {
	var result Approval
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		a, err := tx.LoadApprovalForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if a.Status != StatusPending {
			return ErrNotActionable
		}
		now := s.now()
		if !a.Overdue(now) {
			return ErrNotOverdue
		}
		a.Status = StatusEscalated
		a.EscalatedAt = &now
		a.UpdatedAt = now
		if err := tx.UpdateApproval(ctx, a, StatusPending, a.Level); err != nil {
			return err
		}
		result = a
		return s.record(ctx, a, 0, a.Level, shared.ApprovalEscalate, "")
	})
	if err != nil {
		return Approval{}, err
	}

	evt := s.event(notify.ApprovalEscalated, result, 0)
	evt.RecipientRoles = result.Snapshot.RolesFor(result.Level)
	evt.RecipientUsers = []int64{result.RequestedBy}
	notify.Emit(ctx, s.publisher, s.logger, evt)
	return result, nil
}

// EscalateExpired escalates up to limit overdue approvals and returns how many changed.
// Records resolved concurrently are skipped.
func (s *Service) EscalateExpired(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	overdue, err := s.repo.ListOverdue(ctx, s.now(), limit)
	if err != nil {
		return 0, err
	}
	var escalated int
	var errs []error
	for _, a := range overdue {
		if _, err := s.Escalate(ctx, a.ID); err != nil {
			if errors.Is(err, shared.ErrInvalidState) || errors.Is(err, shared.ErrConcurrentModification) {
				continue
			}
			errs = append(errs, fmt.Errorf("approval %d: %w", a.ID, err))
			continue
		}
		escalated++
	}
	return escalated, errors.Join(errs...)
}

// CanBeApprovedBy reports whether actorID may act on the approval at its current level.
func (s *Service) CanBeApprovedBy(ctx context.Context, id, actorID int64) (bool, error) {
	a, err := s.repo.GetApproval(ctx, id)
	if err != nil {
		return false, err
	}
	if !a.Status.Actionable() {
		return false, nil
	}
	err = s.authorize(ctx, a, actorID)
	if errors.Is(err, ErrNotApprover) {
		return false, nil
	}
	return err == nil, err
}

// Latest returns the authoritative approval for subject and category.
func (s *Service) Latest(ctx context.Context, subject Ref, category Category) (Approval, bool, error) {
	return s.repo.LatestApproval(ctx, subject, category)
}

// HasPendingApproval reports whether the latest approval is still outstanding.
func (s *Service) HasPendingApproval(ctx context.Context, subject Ref, category Category) (bool, error) {
	a, found, err := s.repo.LatestApproval(ctx, subject, category)
	if err != nil || !found {
		return false, err
	}
	return a.Status.Actionable(), nil
}

// Get returns an approval by id.
func (s *Service) Get(ctx context.Context, id int64) (Approval, error) {
	return s.repo.GetApproval(ctx, id)
}

// ListOutstanding returns pending and escalated approvals, oldest first.
func (s *Service) ListOutstanding(ctx context.Context, limit, offset int) ([]Approval, error) {
	return s.repo.ListOutstanding(ctx, limit, offset)
}

// History returns the action log of an approval.
func (s *Service) History(ctx context.Context, id int64) ([]shared.ApprovalLog, error) {
	if s.history == nil {
		return nil, nil
	}
	return s.history.List(ctx, shared.ApprovalModuleDocument, id)
}

// ListRules returns every configured rule.
func (s *Service) ListRules(ctx context.Context) ([]Rule, error) {
	return s.repo.ListRules(ctx)
}

// CreateRule validates and stores a new rule.
func (s *Service) CreateRule(ctx context.Context, rule Rule) (Rule, error) {
	if err := rule.Validate(); err != nil {
		return Rule{}, err
	}
	return s.repo.InsertRule(ctx, rule)
}

// UpdateRule replaces a rule definition. Approvals already requested keep their snapshot.
func (s *Service) UpdateRule(ctx context.Context, rule Rule) (Rule, error) {
	if rule.ID == 0 {
		return Rule{}, ErrRuleNotFound
	}
	if err := rule.Validate(); err != nil {
		return Rule{}, err
	}
	return s.repo.UpdateRule(ctx, rule)
}

// DeleteRule removes a rule no outstanding approval was requested under.
func (s *Service) DeleteRule(ctx context.Context, id int64) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockRuleForUpdate(ctx, id); err != nil {
			return err
		}
		n, err := tx.CountOutstandingForRule(ctx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrRuleInUse
		}
		return tx.DeleteRule(ctx, id)
	})
}

func (s *Service) authorize(ctx context.Context, a Approval, actorID int64) error {
	if s.roles == nil {
		return ErrNotApprover
	}
	for _, role := range a.Snapshot.RolesFor(a.Level) {
		ok, err := s.roles.HasRole(ctx, actorID, role)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return ErrNotApprover
}

func (s *Service) record(ctx context.Context, a Approval, actorID int64, level int, action shared.ApprovalAction, note string) error {
	if s.history == nil {
		return nil
	}
	return s.history.Record(ctx, shared.ApprovalLog{
		Module:  shared.ApprovalModuleDocument,
		RefID:   a.ID,
		Level:   level,
		ActorID: actorID,
		Action:  action,
		Note:    strings.TrimSpace(note),
		At:      a.UpdatedAt,
	})
}

func (s *Service) resolve(ctx context.Context, a Approval) {
	r, ok := s.resolvers[a.Subject.EntityType]
	if !ok {
		return
	}
	if err := r.ApprovalResolved(ctx, a); err != nil {
		s.logger.Warn("resolver hook failed",
			slog.Int64("approval_id", a.ID),
			slog.String("subject", a.Subject.String()),
			slog.String("status", string(a.Status)),
			slog.Any("error", err),
		)
	}
}

func (s *Service) event(eventType string, a Approval, actorID int64) notify.Event {
	evt := notify.NewEvent(eventType, "approval", a.ID, s.now())
	evt.ActorID = actorID
	evt.Payload = map[string]any{
		"entity_type": a.Subject.EntityType,
		"entity_id":   a.Subject.EntityID,
		"category":    string(a.Category),
		"amount":      a.Amount.String(),
		"level":       a.Level,
		"max_level":   a.Snapshot.MaxLevel(),
		"status":      string(a.Status),
	}
	if a.ExpiresAt != nil {
		evt.Payload["expires_at"] = a.ExpiresAt.Format(time.RFC3339)
	}
	return evt
}

func expiry(now time.Time, timeout time.Duration) *time.Time {
	if timeout <= 0 {
		return nil
	}
	t := now.Add(timeout)
	return &t
}
