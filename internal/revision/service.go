package revision

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/odyssey-erp/periodguard/internal/close"
	"github.com/odyssey-erp/periodguard/internal/ledger"
	"github.com/odyssey-erp/periodguard/internal/notify"
	"github.com/odyssey-erp/periodguard/internal/settings"
	"github.com/odyssey-erp/periodguard/internal/shared"
)

const idempotencyModule = "revision"

// RepositoryPort describes persistence required by the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Log, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]Log, error)
	Count(ctx context.Context, f Filter) (int, error)
	CountPendingRevisions(ctx context.Context, periodID int64) (int, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	Insert(ctx context.Context, l Log) (Log, error)
	LoadForUpdate(ctx context.Context, id int64) (Log, error)
	// Update persists l only when the stored status still equals expected.
	Update(ctx context.Context, l Log, expected Status) error
}

// LedgerPort reads and rewrites entries. Implementations must join the
// transaction carried by ctx.
type LedgerPort interface {
	GetEntry(ctx context.Context, id int64) (ledger.Entry, error)
	GetEntryForUpdate(ctx context.Context, id int64) (ledger.Entry, error)
	ApplySnapshot(ctx context.Context, id int64, s ledger.Snapshot) error
	DeleteEntry(ctx context.Context, id int64) error
	UnpostEntry(ctx context.Context, id int64) error
	ReverseEntry(ctx context.Context, id int64, date time.Time) (ledger.Entry, error)
}

// PeriodClassifier decides whether a date falls inside a locked period. The
// locking variants join the transaction carried by ctx and hold FOR SHARE on
// the periods they read, so a concurrent close or reopen waits for the commit.
type PeriodClassifier interface {
	Classify(ctx context.Context, companyID int64, date time.Time, strictness close.Strictness) (close.Period, bool, error)
	ClassifyLocked(ctx context.Context, companyID int64, date time.Time, strictness close.Strictness) (close.Period, bool, error)
	LockPeriod(ctx context.Context, id int64) (close.Period, error)
}

// RoleChecker answers role membership questions.
type RoleChecker interface {
	HasRole(ctx context.Context, actorID int64, role string) (bool, error)
}

// IdempotencyChecker rejects replayed submissions.
type IdempotencyChecker interface {
	CheckAndInsert(ctx context.Context, key, module string) error
}

// ServiceDeps bundles the collaborators of Service.
type ServiceDeps struct {
	Repo        RepositoryPort
	Ledger      LedgerPort
	Periods     PeriodClassifier
	Roles       RoleChecker
	History     shared.ApprovalHistory
	Idempotency IdempotencyChecker
	Publisher   notify.Publisher
	Settings    settings.Provider
	Logger      *slog.Logger
}

// Service gates ledger mutations on locked periods behind revision logs.
type Service struct {
	repo        RepositoryPort
	ledger      LedgerPort
	periods     PeriodClassifier
	roles       RoleChecker
	history     shared.ApprovalHistory
	idempotency IdempotencyChecker
	publisher   notify.Publisher
	settings    settings.Provider
	logger      *slog.Logger
	now         func() time.Time
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
		repo:        deps.Repo,
		ledger:      deps.Ledger,
		periods:     deps.Periods,
		roles:       deps.Roles,
		history:     deps.History,
		idempotency: deps.Idempotency,
		publisher:   publisher,
		settings:    provider,
		logger:      logger.With(slog.String("component", "revision")),
		now:         time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Submit routes a mutation of an existing entry. Entries outside locked periods
// change directly; otherwise a revision log is recorded against the first locked
// period found for the entry date or, for edits, the target date.
func (s *Service) Submit(ctx context.Context, req MutationRequest) (SubmitResult, error) {
	if req.ActorID == 0 {
		return SubmitResult{}, ErrActorRequired
	}
	if !req.Kind.Valid() {
		return SubmitResult{}, fmt.Errorf("revision: unknown kind %q: %w", req.Kind, shared.ErrValidation)
	}
	if req.Kind == KindEdit && req.After == nil {
		return SubmitResult{}, fmt.Errorf("revision: edit requires the new entry state: %w", shared.ErrValidation)
	}
	entry, err := s.ledger.GetEntry(ctx, req.EntryID)
	if err != nil {
		return SubmitResult{}, err
	}

	period, locked, err := s.periods.Classify(ctx, entry.CompanyID, entry.Date, close.StrictnessDefault)
	if err != nil {
		return SubmitResult{}, err
	}
	if !locked && req.Kind == KindEdit && !sameDay(req.After.Date, entry.Date) {
		period, locked, err = s.periods.Classify(ctx, entry.CompanyID, req.After.Date, close.StrictnessDefault)
		if err != nil {
			return SubmitResult{}, err
		}
	}

	before, after := snapshots(entry, req)
	if !locked {
		draft := Log{EntryID: entry.ID, CompanyID: entry.CompanyID, Kind: req.Kind, After: after}
		err := s.repo.WithTx(ctx, func(ctx context.Context, _ TxRepository) error {
			if err := s.ensureUnlocked(ctx, entry, req); err != nil {
				return err
			}
			return s.apply(ctx, draft)
		})
		if err != nil {
			return SubmitResult{}, err
		}
		return SubmitResult{Applied: true}, nil
	}

	log, err := s.RecordRevision(ctx, RecordInput{
		EntryID:        entry.ID,
		CompanyID:      entry.CompanyID,
		PeriodID:       period.ID,
		PeriodStatus:   string(period.Status),
		Kind:           req.Kind,
		Reason:         req.Reason,
		Before:         before,
		After:          after,
		ActorID:        req.ActorID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{Applied: log.AppliedAt != nil, Revision: &log}, nil
}

// RecordRevision logs a mutation against a locked period. When configuration
// does not require approval the revision is auto-approved and applied in the
// same transaction.
func (s *Service) RecordRevision(ctx context.Context, in RecordInput) (Log, error) {
	if err := in.Validate(); err != nil {
		return Log{}, err
	}
	cfg, err := s.settings.Current(ctx)
	if err != nil {
		return Log{}, err
	}
	now := s.now()
	impact := ComputeImpact(in.Before, in.After)
	record := Log{
		EntryID:     in.EntryID,
		PeriodID:    in.PeriodID,
		CompanyID:   in.CompanyID,
		Kind:        in.Kind,
		Reason:      strings.TrimSpace(in.Reason),
		Impact:      impact,
		Before:      in.Before,
		After:       in.After,
		Status:      StatusPending,
		RequestedBy: in.ActorID,
		RequestedAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	var auto bool
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		period, err := s.periods.LockPeriod(ctx, in.PeriodID)
		if err != nil {
			return err
		}
		if !period.Status.Locked() || (in.PeriodStatus != "" && string(period.Status) != in.PeriodStatus) {
			return fmt.Errorf("%w: period %d is %s", ErrPeriodChanged, period.ID, period.Status)
		}
		if in.CompanyID != 0 && period.CompanyID != in.CompanyID {
			return fmt.Errorf("revision: period %d belongs to another company: %w", period.ID, shared.ErrValidation)
		}
		auto = !cfg.RequiresRevisionApproval(string(in.Kind), string(period.Status), impact)
		if auto {
			record.Status = StatusAutoApproved
			record.ApprovedBy = &in.ActorID
			record.ApprovedAt = &now
			record.AppliedAt = &now
		}
		if in.IdempotencyKey != "" && s.idempotency != nil {
			if err := s.idempotency.CheckAndInsert(ctx, in.IdempotencyKey, idempotencyModule); err != nil {
				return err
			}
		}
		if auto {
			if err := s.apply(ctx, record); err != nil {
				return err
			}
		}
		record, err = tx.Insert(ctx, record)
		if err != nil {
			return err
		}
		if err := s.record(ctx, record.ID, in.ActorID, shared.ApprovalSubmit, record.Reason, now); err != nil {
			return err
		}
		if auto {
			return s.record(ctx, record.ID, in.ActorID, shared.ApprovalAutoApprove, "", now)
		}
		return nil
	})
	if err != nil {
		return Log{}, err
	}

	if !auto {
		evt := s.event(notify.RevisionApprovalRequired, record, in.ActorID)
		evt.RecipientRoles = cfg.RevisionApproverRoles
		notify.Emit(ctx, s.publisher, s.logger, evt)
	}
	return record, nil
}

// ensureUnlocked re-classifies the dates of a direct mutation with the covering
// periods share locked, so a close committed after the first classification
// is not bypassed.
func (s *Service) ensureUnlocked(ctx context.Context, entry ledger.Entry, req MutationRequest) error {
	dates := []time.Time{entry.Date}
	if req.Kind == KindEdit && req.After != nil && !sameDay(req.After.Date, entry.Date) {
		dates = append(dates, req.After.Date)
	}
	for _, date := range dates {
		period, locked, err := s.periods.ClassifyLocked(ctx, entry.CompanyID, date, close.StrictnessDefault)
		if err != nil {
			return err
		}
		if locked {
			return fmt.Errorf("%w: period %d is %s", ErrPeriodChanged, period.ID, period.Status)
		}
	}
	return nil
}

// ApproveRevision approves a pending revision and applies it atomically.
func (s *Service) ApproveRevision(ctx context.Context, id, actorID int64, notes string) (Log, error) {
	if err := s.authorize(ctx, actorID); err != nil {
		return Log{}, err
	}
	var result Log
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		l, err := tx.LoadForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if l.Status != StatusPending {
			return ErrNotPending
		}
		if l.AppliedAt != nil {
			return ErrAlreadyApplied
		}
		if err := s.apply(ctx, l); err != nil {
			return err
		}
		now := s.now()
		l.Status = StatusApproved
		l.ApprovedBy = &actorID
		l.ApprovedAt = &now
		l.ApprovalNotes = strings.TrimSpace(notes)
		l.AppliedAt = &now
		l.UpdatedAt = now
		if err := tx.Update(ctx, l, StatusPending); err != nil {
			return err
		}
		result = l
		return s.record(ctx, l.ID, actorID, shared.ApprovalApprove, l.ApprovalNotes, now)
	})
	if err != nil {
		return Log{}, err
	}

	evt := s.event(notify.RevisionApproved, result, actorID)
	evt.RecipientUsers = []int64{result.RequestedBy}
	notify.Emit(ctx, s.publisher, s.logger, evt)
	return result, nil
}

// RejectRevision rejects a pending revision. The ledger is never touched.
func (s *Service) RejectRevision(ctx context.Context, id, actorID int64, notes string) (Log, error) {
	notes = strings.TrimSpace(notes)
	if notes == "" {
		return Log{}, ErrNotesRequired
	}
	if err := s.authorize(ctx, actorID); err != nil {
		return Log{}, err
	}
	var result Log
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		l, err := tx.LoadForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if l.Status != StatusPending {
			return ErrNotPending
		}
		now := s.now()
		l.Status = StatusRejected
		l.RejectedBy = &actorID
		l.RejectedAt = &now
		l.ApprovalNotes = notes
		l.UpdatedAt = now
		if err := tx.Update(ctx, l, StatusPending); err != nil {
			return err
		}
		result = l
		return s.record(ctx, l.ID, actorID, shared.ApprovalReject, notes, now)
	})
	if err != nil {
		return Log{}, err
	}

	evt := s.event(notify.RevisionRejected, result, actorID)
	evt.RecipientUsers = []int64{result.RequestedBy}
	evt.Payload["notes"] = notes
	notify.Emit(ctx, s.publisher, s.logger, evt)
	return result, nil
}

// BulkApproveRevisions approves each id in its own transaction. Failures are
// reported per item and do not stop the batch.
func (s *Service) BulkApproveRevisions(ctx context.Context, ids []int64, actorID int64, notes string) []BulkResult {
	results := make([]BulkResult, 0, len(ids))
	for _, id := range ids {
		l, err := s.ApproveRevision(ctx, id, actorID, notes)
		if err != nil {
			s.logger.Warn("bulk approve item failed", slog.Int64("revision_id", id), slog.Any("error", err))
		}
		results = append(results, BulkResult{ID: id, Revision: l, Err: err})
	}
	return results
}

// CountPendingRevisions returns the revisions under periodID awaiting a decision.
func (s *Service) CountPendingRevisions(ctx context.Context, periodID int64) (int, error) {
	return s.repo.CountPendingRevisions(ctx, periodID)
}

// Get returns a revision by id.
func (s *Service) Get(ctx context.Context, id int64) (Log, error) {
	return s.repo.Get(ctx, id)
}

// List returns a page of revisions matching f.
func (s *Service) List(ctx context.Context, f Filter) ([]Log, shared.Pagination, error) {
	total, err := s.repo.Count(ctx, f)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	p := shared.NewPagination(f.Page, f.PerPage, total)
	logs, err := s.repo.List(ctx, f, p.PerPage, (p.Page-1)*p.PerPage)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return logs, p, nil
}

// History returns the decision trail of a revision.
func (s *Service) History(ctx context.Context, id int64) ([]shared.ApprovalLog, error) {
	if s.history == nil {
		return nil, nil
	}
	return s.history.List(ctx, shared.ApprovalModuleRevision, id)
}

// apply performs the deferred ledger change of l.
func (s *Service) apply(ctx context.Context, l Log) error {
	switch l.Kind {
	case KindEdit:
		if l.After == nil {
			return fmt.Errorf("revision %d: edit without target state: %w", l.ID, shared.ErrInvalidState)
		}
		if _, err := s.ledger.GetEntryForUpdate(ctx, l.EntryID); err != nil {
			return err
		}
		return s.ledger.ApplySnapshot(ctx, l.EntryID, *l.After)
	case KindDelete:
		return s.ledger.DeleteEntry(ctx, l.EntryID)
	case KindUnpost:
		return s.ledger.UnpostEntry(ctx, l.EntryID)
	case KindReverse:
		_, err := s.ledger.ReverseEntry(ctx, l.EntryID, s.now())
		return err
	case KindCreate:
		return nil
	}
	return fmt.Errorf("revision: unknown kind %q: %w", l.Kind, shared.ErrValidation)
}

func (s *Service) authorize(ctx context.Context, actorID int64) error {
	if actorID == 0 {
		return ErrActorRequired
	}
	cfg, err := s.settings.Current(ctx)
	if err != nil {
		return err
	}
	if s.roles == nil {
		return ErrNotApprover
	}
	for _, role := range cfg.RevisionApproverRoles {
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

func (s *Service) record(ctx context.Context, id, actorID int64, action shared.ApprovalAction, note string, at time.Time) error {
	if s.history == nil {
		return nil
	}
	return s.history.Record(ctx, shared.ApprovalLog{
		Module:  shared.ApprovalModuleRevision,
		RefID:   id,
		Level:   1,
		ActorID: actorID,
		Action:  action,
		Note:    note,
		At:      at,
	})
}

func (s *Service) event(eventType string, l Log, actorID int64) notify.Event {
	evt := notify.NewEvent(eventType, "journal_revision", l.ID, s.now())
	evt.ActorID = actorID
	evt.Payload = map[string]any{
		"entry_id":  l.EntryID,
		"period_id": l.PeriodID,
		"kind":      string(l.Kind),
		"impact":    l.Impact.String(),
		"status":    string(l.Status),
		"reason":    l.Reason,
	}
	return evt
}

// snapshots derives the before and after states of a mutation. Unposting and
// reversing take the posted amount out of the books, so they carry no after state.
func snapshots(entry ledger.Entry, req MutationRequest) (*ledger.Snapshot, *ledger.Snapshot) {
	current := entry.Snapshot()
	switch req.Kind {
	case KindEdit:
		after := *req.After
		return &current, &after
	case KindCreate:
		return nil, &current
	default:
		return &current, nil
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
