package approval

import (
	"context"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/periodguard/internal/shared"
)

// Subject is implemented by any entity whose actions can be gated by approval.
// The entity supplies only its type tag, its identity and the amount at stake.
type Subject interface {
	ApprovalRef() Ref
	ApprovalAmount() decimal.Decimal
}

// Document is a plain Subject for cash, bank and giro transactions, journal
// postings and monthly closings.
type Document struct {
	Type   string
	ID     int64
	Amount decimal.Decimal
}

// ApprovalRef implements Subject.
func (d Document) ApprovalRef() Ref {
	return Ref{EntityType: d.Type, EntityID: d.ID}
}

// ApprovalAmount implements Subject.
func (d Document) ApprovalAmount() decimal.Decimal {
	return d.Amount
}

// Approvable binds a subject to the approval engine.
type Approvable struct {
	svc     *Service
	subject Subject
}

// For returns the approval capability of subject.
func (s *Service) For(subject Subject) Approvable {
	return Approvable{svc: s, subject: subject}
}

// RequiresApproval reports whether a rule applies to the subject's amount.
func (a Approvable) RequiresApproval(ctx context.Context, category Category) (bool, error) {
	ref := a.subject.ApprovalRef()
	_, ok, err := a.svc.FindApplicableRule(ctx, ref.EntityType, category, a.subject.ApprovalAmount())
	return ok, err
}

// RequestApproval opens a pending approval, or returns false when none is required.
func (a Approvable) RequestApproval(ctx context.Context, actorID int64, category Category, notes string) (Approval, bool, error) {
	return a.svc.RequestApproval(ctx, RequestInput{
		Subject:  a.subject.ApprovalRef(),
		Category: category,
		Amount:   a.subject.ApprovalAmount(),
		ActorID:  actorID,
		Notes:    notes,
	})
}

// Approve acts on the subject's latest approval.
func (a Approvable) Approve(ctx context.Context, actorID int64, category Category, notes string) (Approval, error) {
	latest, err := a.latest(ctx, category)
	if err != nil {
		return Approval{}, err
	}
	return a.svc.Approve(ctx, latest.ID, actorID, notes)
}

// Reject rejects the subject's latest approval.
func (a Approvable) Reject(ctx context.Context, actorID int64, category Category, reason string) (Approval, error) {
	latest, err := a.latest(ctx, category)
	if err != nil {
		return Approval{}, err
	}
	return a.svc.Reject(ctx, latest.ID, actorID, reason)
}

// CanBeApprovedBy reports whether actorID may act on the latest approval now.
func (a Approvable) CanBeApprovedBy(ctx context.Context, actorID int64, category Category) (bool, error) {
	latest, found, err := a.svc.Latest(ctx, a.subject.ApprovalRef(), category)
	if err != nil || !found {
		return false, err
	}
	return a.svc.CanBeApprovedBy(ctx, latest.ID, actorID)
}

// HasPendingApproval reports whether the latest approval is still outstanding.
func (a Approvable) HasPendingApproval(ctx context.Context, category Category) (bool, error) {
	return a.svc.HasPendingApproval(ctx, a.subject.ApprovalRef(), category)
}

// Latest returns the authoritative approval for the category.
func (a Approvable) Latest(ctx context.Context, category Category) (Approval, bool, error) {
	return a.svc.Latest(ctx, a.subject.ApprovalRef(), category)
}

func (a Approvable) latest(ctx context.Context, category Category) (Approval, error) {
	latest, found, err := a.svc.Latest(ctx, a.subject.ApprovalRef(), category)
	if err != nil {
		return Approval{}, err
	}
	if !found {
		return Approval{}, ErrNotFound
	}
	return latest, nil
}

// EntityTypes lists every entity type gated by approval rules.
func EntityTypes() []string {
	return []string{
		EntityCashTransaction,
		EntityBankTransaction,
		EntityGiroTransaction,
		EntityJournalPosting,
		EntityMonthlyClosing,
	}
}

// AuditResolver records terminal approval outcomes in the audit trail.
func AuditResolver(audit shared.AuditRecorder) Resolver {
	return ResolverFunc(func(ctx context.Context, a Approval) error {
		var actor int64
		if a.ResolvedBy != nil {
			actor = *a.ResolvedBy
		}
		at := a.UpdatedAt
		if a.ResolvedAt != nil {
			at = *a.ResolvedAt
		}
		return audit.Record(ctx, shared.AuditLog{
			ActorID:  actor,
			Action:   "approval." + strings.ToLower(string(a.Status)),
			Entity:   a.Subject.EntityType,
			EntityID: strconv.FormatInt(a.Subject.EntityID, 10),
			Meta: map[string]any{
				"approval_id": a.ID,
				"category":    string(a.Category),
				"amount":      a.Amount.String(),
				"level":       a.Level,
				"notes":       a.ResolutionNotes,
			},
			At: at,
		})
	})
}
