package close

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/odyssey-erp/periodguard/internal/notify"
	"github.com/odyssey-erp/periodguard/internal/settings"
	"github.com/odyssey-erp/periodguard/internal/shared"
)

// RepositoryPort describes persistence required by the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListPeriods(ctx context.Context, companyID int64, limit, offset int) ([]Period, error)
	CountPeriods(ctx context.Context, companyID int64) (int, error)
	LoadPeriod(ctx context.Context, id int64) (Period, error)
	// PeriodsCovering returns periods of the company whose range contains date,
	// ordered by start date.
	PeriodsCovering(ctx context.Context, companyID int64, date time.Time) ([]Period, error)
	ListOpenPastCutoff(ctx context.Context, asOf time.Time, limit int) ([]Period, error)
	// LoadPeriodForShare reads a period with FOR SHARE inside the transaction carried by ctx.
	LoadPeriodForShare(ctx context.Context, id int64) (Period, error)
	// PeriodsCoveringForShare is PeriodsCovering with every returned row share locked.
	PeriodsCoveringForShare(ctx context.Context, companyID int64, date time.Time) ([]Period, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	// LockCompany serialises calendar writes for one company until the transaction ends.
	LockCompany(ctx context.Context, companyID int64) error
	PeriodRangeConflict(ctx context.Context, companyID int64, start, end time.Time, excludeID int64) (bool, error)
	InsertPeriod(ctx context.Context, p Period) (Period, error)
	LoadPeriodForUpdate(ctx context.Context, id int64) (Period, error)
	// UpdatePeriod persists p only when the stored status still equals expected.
	UpdatePeriod(ctx context.Context, p Period, expected PeriodStatus) error
}

// LedgerPort reports ledger activity inside a period range.
type LedgerPort interface {
	CountDraftEntries(ctx context.Context, companyID int64, start, end time.Time) (int, error)
}

// RevisionCounter reports revisions still waiting for a decision.
type RevisionCounter interface {
	CountPendingRevisions(ctx context.Context, periodID int64) (int, error)
}

// ServiceDeps bundles the collaborators of Service.
type ServiceDeps struct {
	Repo      RepositoryPort
	Ledger    LedgerPort
	Revisions RevisionCounter
	Settings  settings.Provider
	Publisher notify.Publisher
	Audit     shared.AuditRecorder
	Logger    *slog.Logger
}

// Service orchestrates the closing period lifecycle.
type Service struct {
	repo      RepositoryPort
	ledger    LedgerPort
	revisions RevisionCounter
	settings  settings.Provider
	publisher notify.Publisher
	audit     shared.AuditRecorder
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
	audit := deps.Audit
	if audit == nil {
		audit = shared.NopAudit{}
	}
	return &Service{
		repo:      deps.Repo,
		ledger:    deps.Ledger,
		revisions: deps.Revisions,
		settings:  provider,
		publisher: publisher,
		audit:     audit,
		logger:    logger.With(slog.String("component", "close")),
		now:       time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// ListPeriods returns paginated periods for the specified company.
func (s *Service) ListPeriods(ctx context.Context, companyID int64, limit, offset int) ([]Period, error) {
	return s.repo.ListPeriods(ctx, companyID, limit, offset)
}

// CountPeriods returns the number of periods defined for a company.
func (s *Service) CountPeriods(ctx context.Context, companyID int64) (int, error) {
	return s.repo.CountPeriods(ctx, companyID)
}

// GetPeriod returns a single period by identifier.
func (s *Service) GetPeriod(ctx context.Context, id int64) (Period, error) {
	return s.repo.LoadPeriod(ctx, id)
}

// CreatePeriod inserts a new open period after re-checking overlap under the company lock.
func (s *Service) CreatePeriod(ctx context.Context, in CreatePeriodInput) (Period, error) {
	if err := in.Validate(); err != nil {
		return Period{}, err
	}
	tmpl := DefaultTemplate
	if in.Template != nil {
		tmpl = *in.Template
	}
	now := s.now()
	period := Period{
		CompanyID: in.CompanyID,
		Name:      strings.TrimSpace(in.Name),
		StartDate: truncateDate(in.StartDate),
		EndDate:   truncateDate(in.EndDate),
		Status:    PeriodStatusOpen,
		Metadata:  in.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	period.CutoffDate, period.HardCloseDate = tmpl.Apply(period.EndDate)

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockCompany(ctx, in.CompanyID); err != nil {
			return err
		}
		conflict, err := tx.PeriodRangeConflict(ctx, in.CompanyID, period.StartDate, period.EndDate, 0)
		if err != nil {
			return err
		}
		if conflict {
			return ErrPeriodOverlap
		}
		period, err = tx.InsertPeriod(ctx, period)
		if err != nil {
			return err
		}
		return s.recordAudit(ctx, in.ActorID, "period.create", period, map[string]any{
			"start_date": period.StartDate.Format(time.DateOnly),
			"end_date":   period.EndDate.Format(time.DateOnly),
		})
	})
	if err != nil {
		return Period{}, err
	}
	return period, nil
}

// UpdatePeriodRange moves the boundaries of an open period.
func (s *Service) UpdatePeriodRange(ctx context.Context, in UpdateRangeInput) (Period, error) {
	if err := validateRange(in.StartDate, in.EndDate); err != nil {
		return Period{}, err
	}
	var period Period
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.LoadPeriodForUpdate(ctx, in.PeriodID)
		if err != nil {
			return err
		}
		if current.Status != PeriodStatusOpen {
			return ErrPeriodNotOpen
		}
		if err := tx.LockCompany(ctx, current.CompanyID); err != nil {
			return err
		}
		start, end := truncateDate(in.StartDate), truncateDate(in.EndDate)
		conflict, err := tx.PeriodRangeConflict(ctx, current.CompanyID, start, end, current.ID)
		if err != nil {
			return err
		}
		if conflict {
			return ErrPeriodOverlap
		}
		shift := end.Sub(current.EndDate)
		current.StartDate, current.EndDate = start, end
		current.CutoffDate = current.CutoffDate.Add(shift)
		if current.HardCloseDate != nil {
			hard := current.HardCloseDate.Add(shift)
			current.HardCloseDate = &hard
		}
		current.UpdatedAt = s.now()
		if err := tx.UpdatePeriod(ctx, current, PeriodStatusOpen); err != nil {
			return err
		}
		period = current
		return s.recordAudit(ctx, in.ActorID, "period.update_range", current, map[string]any{
			"start_date": start.Format(time.DateOnly),
			"end_date":   end.Format(time.DateOnly),
		})
	})
	if err != nil {
		return Period{}, err
	}
	return period, nil
}

// SoftClose blocks new draft activity in the period. Every entry dated inside
// the range must be finalised first.
func (s *Service) SoftClose(ctx context.Context, periodID, actorID int64) (Period, error) {
	if actorID == 0 {
		return Period{}, ErrActorRequired
	}
	var period Period
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.LoadPeriodForUpdate(ctx, periodID)
		if err != nil {
			return err
		}
		if current.Status != PeriodStatusOpen {
			return ErrPeriodNotOpen
		}
		if s.ledger != nil {
			drafts, err := s.ledger.CountDraftEntries(ctx, current.CompanyID, current.StartDate, current.EndDate)
			if err != nil {
				return err
			}
			if drafts > 0 {
				return &DraftEntriesError{PeriodID: current.ID, Count: drafts}
			}
		}
		period, err = s.transition(ctx, tx, current, PeriodStatusSoftClosed, actorID, false)
		return err
	})
	if err != nil {
		return Period{}, err
	}
	s.emit(ctx, notify.PeriodSoftClosed, period, actorID, nil)
	return period, nil
}

// HardClose freezes a soft closed period. The closing mode must allow it and no
// revision under the period may still be pending.
func (s *Service) HardClose(ctx context.Context, periodID, actorID int64) (Period, error) {
	if actorID == 0 {
		return Period{}, ErrActorRequired
	}
	cfg, err := s.settings.Current(ctx)
	if err != nil {
		return Period{}, err
	}
	var period Period
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.LoadPeriodForUpdate(ctx, periodID)
		if err != nil {
			return err
		}
		if current.Status != PeriodStatusSoftClosed {
			return ErrPeriodNotSoftClosed
		}
		if !cfg.HardCloseEnabled() {
			return ErrHardCloseDisabled
		}
		if s.revisions != nil {
			pending, err := s.revisions.CountPendingRevisions(ctx, current.ID)
			if err != nil {
				return err
			}
			if pending > 0 {
				return &PendingRevisionsError{PeriodID: current.ID, Count: pending}
			}
		}
		period, err = s.transition(ctx, tx, current, PeriodStatusHardClosed, actorID, false)
		return err
	})
	if err != nil {
		return Period{}, err
	}
	s.emit(ctx, notify.PeriodHardClosed, period, actorID, nil)
	return period, nil
}

// Reopen returns a closed period to OPEN. The reason is mandatory; hard closed
// periods additionally need the reopen flag.
func (s *Service) Reopen(ctx context.Context, periodID, actorID int64, reason string) (Period, error) {
	if actorID == 0 {
		return Period{}, ErrActorRequired
	}
	cfg, err := s.settings.Current(ctx)
	if err != nil {
		return Period{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" || len([]rune(reason)) < cfg.ReopenReasonMinLength {
		return Period{}, fmt.Errorf("%w: need at least %d characters", ErrReopenReasonTooShort, cfg.ReopenReasonMinLength)
	}
	var period Period
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.LoadPeriodForUpdate(ctx, periodID)
		if err != nil {
			return err
		}
		switch current.Status {
		case PeriodStatusOpen:
			return ErrPeriodAlreadyOpen
		case PeriodStatusHardClosed:
			if !cfg.AllowReopenHardClosed {
				return ErrReopenHardClosedDisabled
			}
		}
		current.ReopenReason = reason
		period, err = s.transition(ctx, tx, current, PeriodStatusOpen, actorID, cfg.AllowReopenHardClosed)
		return err
	})
	if err != nil {
		return Period{}, err
	}
	s.emit(ctx, notify.PeriodReopened, period, actorID, map[string]any{"reason": reason})
	return period, nil
}

// Classify returns the first period covering date that is locked under strictness.
// The boolean is false when the date lies in no period or only in open periods.
func (s *Service) Classify(ctx context.Context, companyID int64, date time.Time, strictness Strictness) (Period, bool, error) {
	periods, err := s.repo.PeriodsCovering(ctx, companyID, truncateDate(date))
	if err != nil {
		return Period{}, false, err
	}
	p, ok := firstMatching(periods, strictness)
	return p, ok, nil
}

// ClassifyLocked is Classify for callers running inside a transaction: every
// period covering date stays share locked until that transaction ends, so no
// close or reopen can change the answer before the caller commits.
func (s *Service) ClassifyLocked(ctx context.Context, companyID int64, date time.Time, strictness Strictness) (Period, bool, error) {
	periods, err := s.repo.PeriodsCoveringForShare(ctx, companyID, truncateDate(date))
	if err != nil {
		return Period{}, false, err
	}
	p, ok := firstMatching(periods, strictness)
	return p, ok, nil
}

// LockPeriod share locks a period inside the transaction carried by ctx and
// returns its committed state.
func (s *Service) LockPeriod(ctx context.Context, id int64) (Period, error) {
	return s.repo.LoadPeriodForShare(ctx, id)
}

func firstMatching(periods []Period, strictness Strictness) (Period, bool) {
	for _, p := range periods {
		if strictness.matches(p.Status) {
			return p, true
		}
	}
	return Period{}, false
}

// EnsureOpenForDraft guards creation of draft entries dated inside locked periods.
func (s *Service) EnsureOpenForDraft(ctx context.Context, companyID int64, date time.Time) error {
	p, locked, err := s.Classify(ctx, companyID, date, StrictnessDefault)
	if err != nil {
		return err
	}
	if locked {
		return fmt.Errorf("%w: %s is %s", ErrPeriodLocked, p.Name, p.Status)
	}
	return nil
}

// ListDueForSoftClose returns open periods whose cutoff date has passed.
func (s *Service) ListDueForSoftClose(ctx context.Context, limit int) ([]Period, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.repo.ListOpenPastCutoff(ctx, truncateDate(s.now()), limit)
}

// RemindDue notifies period closers about every period past its cutoff and
// returns how many reminders were sent.
func (s *Service) RemindDue(ctx context.Context, limit int) (int, error) {
	due, err := s.ListDueForSoftClose(ctx, limit)
	if err != nil {
		return 0, err
	}
	today := truncateDate(s.now())
	for _, p := range due {
		s.emit(ctx, notify.PeriodCloseReminder, p, 0, map[string]any{
			"days_overdue": int(today.Sub(p.CutoffDate).Hours() / 24),
		})
	}
	return len(due), nil
}

func (s *Service) transition(ctx context.Context, tx TxRepository, p Period, target PeriodStatus, actorID int64, override bool) (Period, error) {
	if err := shared.ValidatePeriodTransition(string(p.Status), string(target), override); err != nil {
		return Period{}, err
	}
	from := p.Status
	now := s.now()
	switch target {
	case PeriodStatusSoftClosed:
		p.SoftClosedBy, p.SoftClosedAt = &actorID, &now
	case PeriodStatusHardClosed:
		p.ClosedBy, p.ClosedAt = &actorID, &now
	case PeriodStatusOpen:
		p.ReopenedBy, p.ReopenedAt = &actorID, &now
	}
	p.Status = target
	p.UpdatedAt = now
	if err := tx.UpdatePeriod(ctx, p, from); err != nil {
		return Period{}, err
	}
	meta := map[string]any{"from": string(from), "to": string(target)}
	if target == PeriodStatusOpen {
		meta["reason"] = p.ReopenReason
	}
	if err := s.recordAudit(ctx, actorID, "period.transition", p, meta); err != nil {
		return Period{}, err
	}
	s.logger.Info("period transitioned",
		slog.Int64("period_id", p.ID),
		slog.Int64("company_id", p.CompanyID),
		slog.String("from", string(from)),
		slog.String("to", string(target)),
		slog.Int64("actor_id", actorID),
	)
	return p, nil
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, p Period, meta map[string]any) error {
	return s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "closing_period",
		EntityID: strconv.FormatInt(p.ID, 10),
		Meta:     meta,
		At:       p.UpdatedAt,
	})
}

func (s *Service) emit(ctx context.Context, eventType string, p Period, actorID int64, extra map[string]any) {
	cfg, err := s.settings.Current(ctx)
	if err != nil {
		s.logger.Warn("settings unavailable for period event", slog.String("event", eventType), slog.Any("error", err))
		cfg = settings.Defaults()
	}
	evt := notify.NewEvent(eventType, "closing_period", p.ID, s.now())
	evt.ActorID = actorID
	evt.RecipientRoles = cfg.PeriodCloserRoles
	evt.Payload = map[string]any{
		"company_id":  p.CompanyID,
		"name":        p.Name,
		"status":      string(p.Status),
		"start_date":  p.StartDate.Format(time.DateOnly),
		"end_date":    p.EndDate.Format(time.DateOnly),
		"cutoff_date": p.CutoffDate.Format(time.DateOnly),
	}
	for k, v := range extra {
		evt.Payload[k] = v
	}
	notify.Emit(ctx, s.publisher, s.logger, evt)
}
