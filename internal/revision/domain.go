// Package revision records, approves and applies changes to ledger entries that
// fall inside locked closing periods.
package revision

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/periodguard/internal/ledger"
	"github.com/odyssey-erp/periodguard/internal/shared"
)

// Kind is the mutation a revision performs.
type Kind string

const (
	KindEdit    Kind = "EDIT"
	KindDelete  Kind = "DELETE"
	KindUnpost  Kind = "UNPOST"
	KindReverse Kind = "REVERSE"
	KindCreate  Kind = "CREATE"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindEdit, KindDelete, KindUnpost, KindReverse, KindCreate:
		return true
	}
	return false
}

// ParseKind normalises user input into a Kind.
func ParseKind(raw string) (Kind, error) {
	k := Kind(strings.ToUpper(strings.TrimSpace(raw)))
	if !k.Valid() {
		return "", fmt.Errorf("revision: unknown kind %q: %w", raw, shared.ErrValidation)
	}
	return k, nil
}

// Status captures the approval state of a revision.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusAutoApproved Status = "AUTO_APPROVED"
	StatusApproved     Status = "APPROVED"
	StatusRejected     Status = "REJECTED"
)

// Log is the audit record of one attempted mutation against a locked period.
type Log struct {
	ID            int64
	EntryID       int64
	PeriodID      int64
	CompanyID     int64
	Kind          Kind
	Reason        string
	Impact        decimal.Decimal
	Before        *ledger.Snapshot
	After         *ledger.Snapshot
	Status        Status
	RequestedBy   int64
	RequestedAt   time.Time
	ApprovedBy    *int64
	ApprovedAt    *time.Time
	ApprovalNotes string
	RejectedBy    *int64
	RejectedAt    *time.Time
	AppliedAt     *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ComputeImpact returns the non-negative monetary magnitude of a change.
func ComputeImpact(before, after *ledger.Snapshot) decimal.Decimal {
	switch {
	case before == nil && after == nil:
		return decimal.Zero
	case after == nil:
		return before.Total().Abs()
	case before == nil:
		return after.Total().Abs()
	default:
		return after.Total().Sub(before.Total()).Abs()
	}
}

// RecordInput describes a revision against a locked period.
type RecordInput struct {
	EntryID        int64
	CompanyID      int64
	PeriodID       int64
	PeriodStatus   string
	Kind           Kind
	Reason         string
	Before         *ledger.Snapshot
	After          *ledger.Snapshot
	ActorID        int64
	IdempotencyKey string
}

// Validate ensures the input is coherent.
func (in RecordInput) Validate() error {
	if in.EntryID == 0 || in.PeriodID == 0 {
		return fmt.Errorf("revision: entry and period required: %w", shared.ErrValidation)
	}
	if !in.Kind.Valid() {
		return fmt.Errorf("revision: unknown kind %q: %w", in.Kind, shared.ErrValidation)
	}
	if strings.TrimSpace(in.Reason) == "" {
		return ErrReasonRequired
	}
	if in.ActorID == 0 {
		return ErrActorRequired
	}
	if in.Kind == KindEdit {
		if in.After == nil {
			return fmt.Errorf("revision: edit requires the new entry state: %w", shared.ErrValidation)
		}
		if err := in.After.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// MutationRequest is a change to an existing ledger entry submitted by a host.
type MutationRequest struct {
	EntryID        int64
	Kind           Kind
	Reason         string
	After          *ledger.Snapshot
	ActorID        int64
	IdempotencyKey string
}

// SubmitResult reports how a mutation request was handled. Revision is nil when
// the entry sat in no locked period and the change applied directly.
type SubmitResult struct {
	Applied  bool
	Revision *Log
}

// Filter narrows revision listings.
type Filter struct {
	Status   Status
	PeriodID int64
	EntryID  int64
	Page     int
	PerPage  int
}

// BulkResult is the outcome of one item of a bulk approval.
type BulkResult struct {
	ID       int64
	Revision Log
	Err      error
}

var (
	// ErrNotFound indicates the revision could not be loaded.
	ErrNotFound = fmt.Errorf("revision: not found: %w", shared.ErrNotFound)
	// ErrNotPending is returned when deciding a revision that is already resolved.
	ErrNotPending = fmt.Errorf("revision: not pending: %w", shared.ErrInvalidState)
	// ErrAlreadyApplied guards against applying a revision twice.
	ErrAlreadyApplied = fmt.Errorf("revision: already applied: %w", shared.ErrInvalidState)
	// ErrNotApprover indicates the actor is outside the revision approver group.
	ErrNotApprover = fmt.Errorf("revision: actor is not a revision approver: %w", shared.ErrUnauthorized)
	// ErrReasonRequired indicates a missing justification.
	ErrReasonRequired = fmt.Errorf("revision: reason required: %w", shared.ErrValidation)
	// ErrNotesRequired indicates a rejection without notes.
	ErrNotesRequired = fmt.Errorf("revision: rejection notes required: %w", shared.ErrValidation)
	// ErrActorRequired indicates a missing actor.
	ErrActorRequired = fmt.Errorf("revision: actor required: %w", shared.ErrValidation)
	// ErrPeriodChanged is returned when the period moved between classification
	// and the revision transaction. Resubmitting classifies again.
	ErrPeriodChanged = fmt.Errorf("revision: period status changed, resubmit: %w", shared.ErrInvalidState)
	// ErrStaleWrite indicates the status guarded update matched no row.
	ErrStaleWrite = fmt.Errorf("revision: record changed concurrently: %w", shared.ErrConcurrentModification)
)
