package close

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/odyssey-erp/periodguard/internal/shared"
)

// PeriodStatus enumerates accounting period lifecycle stages.
type PeriodStatus string

const (
	PeriodStatusOpen       PeriodStatus = shared.PeriodStatusOpen
	PeriodStatusSoftClosed PeriodStatus = shared.PeriodStatusSoftClosed
	PeriodStatusHardClosed PeriodStatus = shared.PeriodStatusHardClosed
)

// Locked reports whether the status blocks direct ledger mutation.
func (s PeriodStatus) Locked() bool {
	return s == PeriodStatusSoftClosed || s == PeriodStatusHardClosed
}

// Strictness selects which closed statuses count as locked when classifying a date.
type Strictness string

const (
	// StrictnessDefault treats soft and hard closed periods as locked.
	StrictnessDefault Strictness = "default"
	// StrictnessHardCloseOnly treats only hard closed periods as locked.
	StrictnessHardCloseOnly Strictness = "hard_close_only"
)

func (s Strictness) matches(status PeriodStatus) bool {
	if s == StrictnessHardCloseOnly {
		return status == PeriodStatusHardClosed
	}
	return status.Locked()
}

// Template derives the cutoff and hard-close dates from a period end date.
// HardCloseDays of zero leaves the hard-close date unset.
type Template struct {
	CutoffDays    int `json:"cutoff_days"`
	HardCloseDays int `json:"hard_close_days"`
}

// DefaultTemplate closes books five days after month end and hard closes after fifteen.
var DefaultTemplate = Template{CutoffDays: 5, HardCloseDays: 15}

// Apply returns the cutoff and optional hard-close dates for a period ending on end.
func (t Template) Apply(end time.Time) (time.Time, *time.Time) {
	cutoff := end.AddDate(0, 0, t.CutoffDays)
	if t.HardCloseDays <= 0 {
		return cutoff, nil
	}
	hard := end.AddDate(0, 0, t.HardCloseDays)
	return cutoff, &hard
}

// Period encapsulates metadata for a closing period scoped to a company.
type Period struct {
	ID            int64
	CompanyID     int64
	Name          string
	StartDate     time.Time
	EndDate       time.Time
	Status        PeriodStatus
	CutoffDate    time.Time
	HardCloseDate *time.Time
	SoftClosedBy  *int64
	SoftClosedAt  *time.Time
	ClosedBy      *int64
	ClosedAt      *time.Time
	ReopenedBy    *int64
	ReopenedAt    *time.Time
	ReopenReason  string
	Metadata      map[string]any
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Covers reports whether date falls inside the period, both ends inclusive.
func (p Period) Covers(date time.Time) bool {
	d := truncateDate(date)
	return !d.Before(truncateDate(p.StartDate)) && !d.After(truncateDate(p.EndDate))
}

// CreatePeriodInput captures validation rules for new periods.
type CreatePeriodInput struct {
	CompanyID int64
	Name      string
	StartDate time.Time
	EndDate   time.Time
	Template  *Template
	ActorID   int64
	Metadata  map[string]any
}

// Validate ensures the create period input is coherent.
func (in CreatePeriodInput) Validate() error {
	if in.CompanyID == 0 {
		return fmt.Errorf("close: company id required: %w", shared.ErrValidation)
	}
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("close: name required: %w", shared.ErrValidation)
	}
	if err := validateRange(in.StartDate, in.EndDate); err != nil {
		return err
	}
	if in.Template != nil && (in.Template.CutoffDays < 0 || in.Template.HardCloseDays < 0) {
		return fmt.Errorf("close: template offsets cannot be negative: %w", shared.ErrValidation)
	}
	return nil
}

// UpdateRangeInput moves the boundaries of an open period.
type UpdateRangeInput struct {
	PeriodID  int64
	StartDate time.Time
	EndDate   time.Time
	ActorID   int64
}

func validateRange(start, end time.Time) error {
	if start.IsZero() || end.IsZero() {
		return fmt.Errorf("close: start and end date required: %w", shared.ErrValidation)
	}
	if start.After(end) {
		return fmt.Errorf("close: start date cannot be after end date: %w", shared.ErrValidation)
	}
	return nil
}

func truncateDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DraftEntriesError blocks a soft close while draft entries remain in range.
type DraftEntriesError struct {
	PeriodID int64
	Count    int
}

func (e *DraftEntriesError) Error() string {
	return fmt.Sprintf("close: period %d has %d draft entries to finalise", e.PeriodID, e.Count)
}

// Unwrap exposes the error kind.
func (e *DraftEntriesError) Unwrap() error { return shared.ErrInvalidState }

// PendingRevisionsError blocks a hard close while revisions await a decision.
type PendingRevisionsError struct {
	PeriodID int64
	Count    int
}

func (e *PendingRevisionsError) Error() string {
	return fmt.Sprintf("close: period %d has %d pending revisions", e.PeriodID, e.Count)
}

// Unwrap exposes the error kind.
func (e *PendingRevisionsError) Unwrap() error { return shared.ErrInvalidState }

var (
	// ErrPeriodNotFound indicates the period could not be loaded.
	ErrPeriodNotFound = fmt.Errorf("close: period not found: %w", shared.ErrNotFound)
	// ErrPeriodOverlap indicates the requested period conflicts with an existing range.
	ErrPeriodOverlap = fmt.Errorf("close: period overlaps existing range: %w", shared.ErrValidation)
	// ErrPeriodNotOpen is returned when editing or soft closing a period that is not open.
	ErrPeriodNotOpen = fmt.Errorf("close: period is not open: %w", shared.ErrInvalidState)
	// ErrPeriodNotSoftClosed is returned when hard closing a period that is not soft closed.
	ErrPeriodNotSoftClosed = fmt.Errorf("close: period is not soft closed: %w", shared.ErrInvalidState)
	// ErrPeriodAlreadyOpen is returned when reopening an open period.
	ErrPeriodAlreadyOpen = fmt.Errorf("close: period already open: %w", shared.ErrInvalidState)
	// ErrHardCloseDisabled indicates the closing mode does not permit hard closing.
	ErrHardCloseDisabled = fmt.Errorf("close: hard close disabled by closing mode: %w", shared.ErrValidation)
	// ErrReopenHardClosedDisabled indicates hard closed periods may not be reopened.
	ErrReopenHardClosedDisabled = fmt.Errorf("close: reopening hard closed periods is disabled: %w", shared.ErrValidation)
	// ErrReopenReasonTooShort indicates the reopen justification is missing or too short.
	ErrReopenReasonTooShort = fmt.Errorf("close: reopen reason too short: %w", shared.ErrValidation)
	// ErrPeriodLocked is returned by host guards when a date falls inside a locked period.
	ErrPeriodLocked = fmt.Errorf("close: date falls inside a locked period: %w", shared.ErrInvalidState)
	// ErrActorRequired indicates a missing actor.
	ErrActorRequired = fmt.Errorf("close: actor required: %w", shared.ErrValidation)
	// ErrStaleWrite indicates the status guarded update matched no row.
	ErrStaleWrite = fmt.Errorf("close: period changed concurrently: %w", shared.ErrConcurrentModification)
)

// IsLocked reports whether err came from a locked-period guard.
func IsLocked(err error) bool {
	return errors.Is(err, ErrPeriodLocked)
}
