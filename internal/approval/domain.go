package approval

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/periodguard/internal/shared"
)

// Status captures the lifecycle of an approval record.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusEscalated Status = "ESCALATED"
)

// Actionable reports whether approvers may still act on the record. An escalated
// record is a pending record that outlived its timeout.
func (s Status) Actionable() bool {
	return s == StatusPending || s == StatusEscalated
}

// Terminal reports whether the record is resolved.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Category distinguishes the kind of action being gated on the same entity.
type Category string

const (
	CategoryPayment Category = "PAYMENT"
	CategoryPosting Category = "POSTING"
	CategoryClosing Category = "CLOSING"
)

// Entity types gated by approval rules.
const (
	EntityCashTransaction = "cash_transaction"
	EntityBankTransaction = "bank_transaction"
	EntityGiroTransaction = "giro_transaction"
	EntityJournalPosting  = "journal_posting"
	EntityMonthlyClosing  = "monthly_closing"
)

// Ref identifies an approvable entity polymorphically.
type Ref struct {
	EntityType string `json:"entity_type"`
	EntityID   int64  `json:"entity_id"`
}

func (r Ref) String() string {
	return fmt.Sprintf("%s#%d", r.EntityType, r.EntityID)
}

// Level lists the roles allowed to approve at one step of the chain.
type Level struct {
	Level int      `json:"level"`
	Roles []string `json:"roles"`
}

// Rule maps an amount band for an entity type and category onto an approval chain.
// MinAmount is inclusive, MaxAmount exclusive; a nil MaxAmount is unbounded.
type Rule struct {
	ID                int64
	Name              string
	EntityType        string
	Category          Category
	MinAmount         decimal.Decimal
	MaxAmount         *decimal.Decimal
	Levels            []Level
	EscalationTimeout time.Duration
	IsActive          bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Contains reports whether amount falls inside the rule's band.
func (r Rule) Contains(amount decimal.Decimal) bool {
	if amount.LessThan(r.MinAmount) {
		return false
	}
	if r.MaxAmount != nil && !amount.LessThan(*r.MaxAmount) {
		return false
	}
	return true
}

// Validate checks the rule definition before it is stored.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("approval: rule name required: %w", shared.ErrValidation)
	}
	if r.EntityType == "" || r.Category == "" {
		return fmt.Errorf("approval: rule entity type and category required: %w", shared.ErrValidation)
	}
	if r.MinAmount.IsNegative() {
		return fmt.Errorf("approval: rule minimum cannot be negative: %w", shared.ErrValidation)
	}
	if r.MaxAmount != nil && !r.MaxAmount.GreaterThan(r.MinAmount) {
		return fmt.Errorf("approval: rule maximum must exceed minimum: %w", shared.ErrValidation)
	}
	if len(r.Levels) == 0 {
		return fmt.Errorf("approval: rule requires at least one level: %w", shared.ErrValidation)
	}
	for i, lvl := range r.Levels {
		if lvl.Level != i+1 {
			return fmt.Errorf("approval: levels must be numbered from 1 without gaps: %w", shared.ErrValidation)
		}
		if len(lvl.Roles) == 0 {
			return fmt.Errorf("approval: level %d has no roles: %w", lvl.Level, shared.ErrValidation)
		}
	}
	if r.EscalationTimeout < 0 {
		return fmt.Errorf("approval: escalation timeout cannot be negative: %w", shared.ErrValidation)
	}
	return nil
}

// Snapshot freezes the rule at request time so later rule edits do not affect
// in-flight approvals.
func (r Rule) Snapshot() RuleSnapshot {
	levels := make([]Level, len(r.Levels))
	for i, lvl := range r.Levels {
		levels[i] = Level{Level: lvl.Level, Roles: slices.Clone(lvl.Roles)}
	}
	snap := RuleSnapshot{
		RuleID:            r.ID,
		RuleName:          r.Name,
		MinAmount:         r.MinAmount,
		Levels:            levels,
		EscalationTimeout: r.EscalationTimeout,
	}
	if r.MaxAmount != nil {
		upper := *r.MaxAmount
		snap.MaxAmount = &upper
	}
	return snap
}

// RuleSnapshot is the frozen copy stored on each approval.
type RuleSnapshot struct {
	RuleID            int64            `json:"rule_id"`
	RuleName          string           `json:"rule_name"`
	MinAmount         decimal.Decimal  `json:"min_amount"`
	MaxAmount         *decimal.Decimal `json:"max_amount,omitempty"`
	Levels            []Level          `json:"levels"`
	EscalationTimeout time.Duration    `json:"escalation_timeout"`
}

// MaxLevel returns the number of levels in the chain.
func (s RuleSnapshot) MaxLevel() int {
	return len(s.Levels)
}

// RolesFor returns the roles permitted to act at level.
func (s RuleSnapshot) RolesFor(level int) []string {
	for _, lvl := range s.Levels {
		if lvl.Level == level {
			return lvl.Roles
		}
	}
	return nil
}

// Approval is a single approval request and its progress. Records are never deleted.
type Approval struct {
	ID              int64
	Subject         Ref
	Category        Category
	Amount          decimal.Decimal
	Status          Status
	Level           int
	Snapshot        RuleSnapshot
	ExpiresAt       *time.Time
	RequestedBy     int64
	Notes           string
	ResolvedBy      *int64
	ResolvedAt      *time.Time
	ResolutionNotes string
	EscalatedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Overdue reports whether a pending approval passed its expiry at now.
func (a Approval) Overdue(now time.Time) bool {
	return a.Status == StatusPending && a.ExpiresAt != nil && !now.Before(*a.ExpiresAt)
}

// RequestInput describes a new approval request.
type RequestInput struct {
	Subject  Ref
	Category Category
	Amount   decimal.Decimal
	ActorID  int64
	Notes    string
}

// Validate ensures the request is coherent.
func (in RequestInput) Validate() error {
	if in.Subject.EntityType == "" || in.Subject.EntityID == 0 {
		return fmt.Errorf("approval: subject required: %w", shared.ErrValidation)
	}
	if in.Category == "" {
		return fmt.Errorf("approval: category required: %w", shared.ErrValidation)
	}
	if in.ActorID == 0 {
		return fmt.Errorf("approval: actor required: %w", shared.ErrValidation)
	}
	if in.Amount.IsNegative() {
		return fmt.Errorf("approval: amount cannot be negative: %w", shared.ErrValidation)
	}
	return nil
}

var (
	// ErrNotFound indicates no approval exists.
	ErrNotFound = fmt.Errorf("approval: not found: %w", shared.ErrNotFound)
	// ErrRuleNotFound indicates the rule could not be loaded.
	ErrRuleNotFound = fmt.Errorf("approval: rule not found: %w", shared.ErrNotFound)
	// ErrNotActionable is returned when acting on a resolved approval.
	ErrNotActionable = fmt.Errorf("approval: not pending: %w", shared.ErrInvalidState)
	// ErrAlreadyPending is returned when a subject already has an outstanding approval.
	ErrAlreadyPending = fmt.Errorf("approval: request already outstanding: %w", shared.ErrInvalidState)
	// ErrNotOverdue is returned when escalating an approval before its expiry.
	ErrNotOverdue = fmt.Errorf("approval: not overdue: %w", shared.ErrInvalidState)
	// ErrNotApprover indicates the actor holds none of the current level's roles.
	ErrNotApprover = fmt.Errorf("approval: actor cannot act at this level: %w", shared.ErrUnauthorized)
	// ErrReasonRequired indicates a rejection without a reason.
	ErrReasonRequired = fmt.Errorf("approval: rejection reason required: %w", shared.ErrValidation)
	// ErrActorRequired indicates a missing actor.
	ErrActorRequired = fmt.Errorf("approval: actor required: %w", shared.ErrValidation)
	// ErrRuleInUse indicates a rule referenced by an outstanding approval cannot be removed.
	ErrRuleInUse = fmt.Errorf("approval: rule referenced by outstanding approvals: %w", shared.ErrValidation)
	// ErrStaleWrite indicates the compare-and-swap update matched no row.
	ErrStaleWrite = fmt.Errorf("approval: record changed concurrently: %w", shared.ErrConcurrentModification)
)
