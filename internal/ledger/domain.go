// Package ledger is the engine's view of journal entries: enough to classify,
// snapshot and apply revisions. Posting logic lives with the host ledger.
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/periodguard/internal/shared"
)

// Status is the lifecycle stage of a journal entry.
type Status string

const (
	StatusDraft  Status = "DRAFT"
	StatusPosted Status = "POSTED"
	StatusVoid   Status = "VOID"
)

// Entry is a journal entry header with its balanced totals.
type Entry struct {
	ID        int64
	CompanyID int64
	Number    string
	Date      time.Time
	Memo      string
	Status    Status
	Debit     decimal.Decimal
	Credit    decimal.Decimal
	SourceID  *int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Snapshot captures the revisable state of an entry.
func (e Entry) Snapshot() Snapshot {
	return Snapshot{
		Date:   e.Date,
		Memo:   e.Memo,
		Status: e.Status,
		Debit:  e.Debit,
		Credit: e.Credit,
	}
}

// Snapshot is the serialised before/after state stored on revision logs.
type Snapshot struct {
	Date   time.Time       `json:"date"`
	Memo   string          `json:"memo"`
	Status Status          `json:"status"`
	Debit  decimal.Decimal `json:"debit"`
	Credit decimal.Decimal `json:"credit"`
}

// Total returns the entry magnitude. Balanced entries have equal sides.
func (s Snapshot) Total() decimal.Decimal {
	return s.Debit
}

// Validate checks that the snapshot can be written to an entry.
func (s Snapshot) Validate() error {
	if s.Date.IsZero() {
		return fmt.Errorf("ledger: entry date required: %w", shared.ErrValidation)
	}
	if s.Debit.IsNegative() || s.Credit.IsNegative() {
		return fmt.Errorf("ledger: totals cannot be negative: %w", shared.ErrValidation)
	}
	if !s.Debit.Equal(s.Credit) {
		return ErrUnbalanced
	}
	return nil
}

var (
	// ErrEntryNotFound indicates the entry could not be loaded.
	ErrEntryNotFound = fmt.Errorf("ledger: entry not found: %w", shared.ErrNotFound)
	// ErrUnbalanced indicates debit and credit totals differ.
	ErrUnbalanced = fmt.Errorf("ledger: entry not balanced: %w", shared.ErrValidation)
	// ErrNotPosted indicates an operation requiring a posted entry.
	ErrNotPosted = fmt.Errorf("ledger: entry is not posted: %w", shared.ErrInvalidState)
	// ErrEntryReferenced indicates another entry, such as a reversal, still points at it.
	ErrEntryReferenced = fmt.Errorf("ledger: entry referenced by another entry: %w", shared.ErrInvalidState)
)
