package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/periodguard/internal/notify"
	"github.com/odyssey-erp/periodguard/internal/settings"
	"github.com/odyssey-erp/periodguard/internal/shared"
)

const (
	requester  int64 = 10
	manager    int64 = 20
	cfo        int64 = 30
	controller int64 = 40
	outsider   int64 = 99
)

type fixture struct {
	svc     *Service
	repo    *memoryRepo
	events  *notify.Recorder
	history *memoryHistory
	clock   *time.Time
}

func twoLevelRule() Rule {
	return Rule{
		ID:         1,
		Name:       "large payments",
		EntityType: EntityCashTransaction,
		Category:   CategoryPayment,
		MinAmount:  amount(1_000_000),
		Levels: []Level{
			{Level: 1, Roles: []string{shared.RoleFinanceManager}},
			{Level: 2, Roles: []string{shared.RoleCFO}},
		},
		EscalationTimeout: 24 * time.Hour,
		IsActive:          true,
	}
}

func newFixture(t *testing.T, rules ...Rule) *fixture {
	t.Helper()
	if len(rules) == 0 {
		rules = []Rule{twoLevelRule()}
	}
	clock := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	f := &fixture{
		repo:    newMemoryRepo(rules...),
		events:  &notify.Recorder{},
		history: &memoryHistory{},
		clock:   &clock,
	}
	f.svc = NewService(ServiceDeps{
		Repo: f.repo,
		Roles: staticRoles{
			manager:    {shared.RoleFinanceManager},
			cfo:        {shared.RoleCFO},
			controller: {shared.RoleFinanceController, shared.RoleFinanceManager},
		},
		History:   f.history,
		Publisher: f.events,
		Settings:  settings.Defaults(),
	})
	f.svc.WithNow(func() time.Time { return *f.clock })
	return f
}

func (f *fixture) advance(d time.Duration) { *f.clock = f.clock.Add(d) }

func (f *fixture) request(t *testing.T, id int64, value int64) Approval {
	t.Helper()
	a, ok, err := f.svc.RequestApproval(context.Background(), RequestInput{
		Subject:  Ref{EntityType: EntityCashTransaction, EntityID: id},
		Category: CategoryPayment,
		Amount:   amount(value),
		ActorID:  requester,
	})
	require.NoError(t, err)
	require.True(t, ok)
	return a
}

func TestRequestApprovalWithoutRuleIsNoop(t *testing.T) {
	f := newFixture(t)
	_, ok, err := f.svc.RequestApproval(context.Background(), RequestInput{
		Subject:  Ref{EntityType: EntityCashTransaction, EntityID: 1},
		Category: CategoryPayment,
		Amount:   amount(500),
		ActorID:  requester,
	})
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, f.repo.approvals)
	require.Empty(t, f.events.Events())
}

func TestRequestApprovalOpensLevelOne(t *testing.T) {
	f := newFixture(t)
	a := f.request(t, 7, 5_000_000)

	require.Equal(t, StatusPending, a.Status)
	require.Equal(t, 1, a.Level)
	require.Equal(t, 2, a.Snapshot.MaxLevel())
	require.NotNil(t, a.ExpiresAt)
	require.Equal(t, f.clock.Add(24*time.Hour), *a.ExpiresAt)

	evts := f.events.OfType(notify.ApprovalRequested)
	require.Len(t, evts, 1)
	require.Equal(t, []string{shared.RoleFinanceManager}, evts[0].RecipientRoles)

	pending, err := f.svc.HasPendingApproval(context.Background(), a.Subject, CategoryPayment)
	require.NoError(t, err)
	require.True(t, pending)
}

func TestRequestApprovalRejectsDuplicateOutstanding(t *testing.T) {
	f := newFixture(t)
	f.request(t, 7, 5_000_000)

	_, _, err := f.svc.RequestApproval(context.Background(), RequestInput{
		Subject:  Ref{EntityType: EntityCashTransaction, EntityID: 7},
		Category: CategoryPayment,
		Amount:   amount(5_000_000),
		ActorID:  requester,
	})
	require.ErrorIs(t, err, ErrAlreadyPending)
	require.ErrorIs(t, err, shared.ErrInvalidState)
	require.Len(t, f.repo.approvals, 1)
}

func TestRequestApprovalValidatesInput(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.RequestApproval(context.Background(), RequestInput{
		Subject:  Ref{EntityType: EntityCashTransaction, EntityID: 7},
		Category: CategoryPayment,
		Amount:   amount(-1),
		ActorID:  requester,
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestMultiLevelApprovalChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.request(t, 7, 5_000_000)

	f.advance(time.Hour)
	a, err := f.svc.Approve(ctx, a.ID, manager, "checked invoice")
	require.NoError(t, err)
	require.Equal(t, StatusPending, a.Status)
	require.Equal(t, 2, a.Level)
	require.Nil(t, a.ResolvedBy)
	require.Equal(t, f.clock.Add(24*time.Hour), *a.ExpiresAt)

	advanced := f.events.OfType(notify.ApprovalLevelAdvanced)
	require.Len(t, advanced, 1)
	require.Equal(t, []string{shared.RoleCFO}, advanced[0].RecipientRoles)

	_, err = f.svc.Approve(ctx, a.ID, manager, "")
	require.ErrorIs(t, err, shared.ErrUnauthorized)

	a, err = f.svc.Approve(ctx, a.ID, cfo, "")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, a.Status)
	require.Equal(t, 2, a.Level)
	require.NotNil(t, a.ResolvedBy)
	require.Equal(t, cfo, *a.ResolvedBy)

	approved := f.events.OfType(notify.ApprovalApproved)
	require.Len(t, approved, 1)
	require.Equal(t, []int64{requester}, approved[0].RecipientUsers)

	pending, err := f.svc.HasPendingApproval(ctx, a.Subject, CategoryPayment)
	require.NoError(t, err)
	require.False(t, pending)

	logs, err := f.svc.History(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	require.Equal(t, shared.ApprovalSubmit, logs[0].Action)
	require.Equal(t, 1, logs[1].Level)
	require.Equal(t, manager, logs[1].ActorID)
	require.Equal(t, 2, logs[2].Level)
	require.Equal(t, cfo, logs[2].ActorID)
}

func TestApproveTerminalIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.request(t, 7, 5_000_000)
	_, err := f.svc.Reject(ctx, a.ID, manager, "duplicate payment")
	require.NoError(t, err)

	_, err = f.svc.Approve(ctx, a.ID, manager, "")
	require.ErrorIs(t, err, shared.ErrInvalidState)
	_, err = f.svc.Reject(ctx, a.ID, manager, "again")
	require.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestRejectRequiresReason(t *testing.T) {
	f := newFixture(t)
	a := f.request(t, 7, 5_000_000)

	_, err := f.svc.Reject(context.Background(), a.ID, manager, "   ")
	require.ErrorIs(t, err, ErrReasonRequired)
	require.ErrorIs(t, err, shared.ErrValidation)

	stored, err := f.svc.Get(context.Background(), a.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, stored.Status)
}

func TestRejectFromSecondLevel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.request(t, 7, 5_000_000)
	_, err := f.svc.Approve(ctx, a.ID, manager, "")
	require.NoError(t, err)

	a, err = f.svc.Reject(ctx, a.ID, cfo, "vendor not verified")
	require.NoError(t, err)
	require.Equal(t, StatusRejected, a.Status)
	require.Equal(t, 2, a.Level)
	require.Equal(t, "vendor not verified", a.ResolutionNotes)

	rejected := f.events.OfType(notify.ApprovalRejected)
	require.Len(t, rejected, 1)
	require.Equal(t, "vendor not verified", rejected[0].Payload["reason"])
}

func TestUnauthorizedActorLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	a := f.request(t, 7, 5_000_000)

	_, err := f.svc.Approve(context.Background(), a.ID, outsider, "")
	require.ErrorIs(t, err, ErrNotApprover)
	_, err = f.svc.Reject(context.Background(), a.ID, cfo, "not my level")
	require.ErrorIs(t, err, shared.ErrUnauthorized)

	stored, err := f.svc.Get(context.Background(), a.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, stored.Status)
	require.Equal(t, 1, stored.Level)
	require.Len(t, f.history.logs, 1)
}

func TestCanBeApprovedBy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.request(t, 7, 5_000_000)

	ok, err := f.svc.CanBeApprovedBy(ctx, a.ID, manager)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = f.svc.CanBeApprovedBy(ctx, a.ID, controller)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = f.svc.CanBeApprovedBy(ctx, a.ID, cfo)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = f.svc.Approve(ctx, a.ID, manager, "")
	require.NoError(t, err)
	ok, err = f.svc.CanBeApprovedBy(ctx, a.ID, cfo)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSnapshotShieldsInFlightApprovals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.request(t, 7, 5_000_000)

	edited := twoLevelRule()
	edited.Levels = []Level{{Level: 1, Roles: []string{shared.RoleAuditor}}}
	_, err := f.svc.UpdateRule(ctx, edited)
	require.NoError(t, err)

	ok, err := f.svc.CanBeApprovedBy(ctx, a.ID, manager)
	require.NoError(t, err)
	require.True(t, ok)

	a, err = f.svc.Approve(ctx, a.ID, manager, "")
	require.NoError(t, err)
	require.Equal(t, StatusPending, a.Status)
	require.Equal(t, 2, a.Level)
}

func TestEscalationKeepsApproversInCharge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.request(t, 7, 5_000_000)

	_, err := f.svc.Escalate(ctx, a.ID)
	require.ErrorIs(t, err, ErrNotOverdue)

	f.advance(25 * time.Hour)
	n, err := f.svc.EscalateExpired(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	stored, err := f.svc.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, StatusEscalated, stored.Status)
	require.NotNil(t, stored.EscalatedAt)
	require.Len(t, f.events.OfType(notify.ApprovalEscalated), 1)

	n, err = f.svc.EscalateExpired(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, n)

	pending, err := f.svc.HasPendingApproval(ctx, a.Subject, CategoryPayment)
	require.NoError(t, err)
	require.True(t, pending)

	stored, err = f.svc.Approve(ctx, a.ID, manager, "late but fine")
	require.NoError(t, err)
	require.Equal(t, StatusPending, stored.Status)
	require.Equal(t, 2, stored.Level)
}

func TestConcurrentApprovalsResolveOnce(t *testing.T) {
	single := twoLevelRule()
	single.Levels = single.Levels[:1]
	f := newFixture(t, single)
	a := f.request(t, 7, 5_000_000)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, actor := range []int64{manager, controller} {
		wg.Add(1)
		go func(i int, actor int64) {
			defer wg.Done()
			_, errs[i] = f.svc.Approve(context.Background(), a.ID, actor, "")
		}(i, actor)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, shared.ErrInvalidState), errors.Is(err, shared.ErrConcurrentModification):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, conflicts)
	require.Len(t, f.events.OfType(notify.ApprovalApproved), 1)
}

func TestResolverRunsOnTerminalDecision(t *testing.T) {
	single := twoLevelRule()
	single.Levels = single.Levels[:1]
	f := newFixture(t, single)

	var seen []Status
	f.svc.RegisterResolver(EntityCashTransaction, ResolverFunc(func(_ context.Context, a Approval) error {
		seen = append(seen, a.Status)
		return errors.New("downstream unavailable")
	}))

	a := f.request(t, 7, 5_000_000)
	a, err := f.svc.Approve(context.Background(), a.ID, manager, "")
	require.NoError(t, err, "hook failure must not undo the decision")
	require.Equal(t, StatusApproved, a.Status)

	b := f.request(t, 8, 5_000_000)
	_, err = f.svc.Reject(context.Background(), b.ID, manager, "wrong account")
	require.NoError(t, err)
	require.Equal(t, []Status{StatusApproved, StatusRejected}, seen)
}

func TestRequestAfterRejectionOpensNewRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.request(t, 7, 5_000_000)
	_, err := f.svc.Reject(ctx, first.ID, manager, "missing attachment")
	require.NoError(t, err)

	second := f.request(t, 7, 5_000_000)
	require.NotEqual(t, first.ID, second.ID)

	latest, found, err := f.svc.Latest(ctx, second.Subject, CategoryPayment)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, second.ID, latest.ID)
}

func TestApprovableCapability(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.svc.For(Document{Type: EntityCashTransaction, ID: 42, Amount: amount(2_000_000)})

	required, err := doc.RequiresApproval(ctx, CategoryPayment)
	require.NoError(t, err)
	require.True(t, required)

	_, ok, err := doc.RequestApproval(ctx, requester, CategoryPayment, "supplier payment")
	require.NoError(t, err)
	require.True(t, ok)

	can, err := doc.CanBeApprovedBy(ctx, manager, CategoryPayment)
	require.NoError(t, err)
	require.True(t, can)

	_, err = doc.Approve(ctx, manager, CategoryPayment, "")
	require.NoError(t, err)
	a, err := doc.Approve(ctx, cfo, CategoryPayment, "")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, a.Status)

	pending, err := doc.HasPendingApproval(ctx, CategoryPayment)
	require.NoError(t, err)
	require.False(t, pending)

	small := f.svc.For(Document{Type: EntityCashTransaction, ID: 43, Amount: amount(10)})
	required, err = small.RequiresApproval(ctx, CategoryPayment)
	require.NoError(t, err)
	require.False(t, required)
	_, err = small.Approve(ctx, manager, CategoryPayment, "")
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestDeleteRuleInUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.request(t, 7, 5_000_000)

	require.ErrorIs(t, f.svc.DeleteRule(ctx, 1), ErrRuleInUse)

	_, err := f.svc.Reject(ctx, a.ID, manager, "cancelled")
	require.NoError(t, err)
	require.NoError(t, f.svc.DeleteRule(ctx, 1))
}

// deletingRules hands out the matched rules, then deletes them before the
// request transaction starts.
type deletingRules struct {
	repo *memoryRepo
	svc  *Service
}

func (d deletingRules) ListActiveRules(ctx context.Context, entityType string, category Category) ([]Rule, error) {
	rules, err := d.repo.ListActiveRules(ctx, entityType, category)
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		if err := d.svc.DeleteRule(ctx, r.ID); err != nil {
			return nil, err
		}
	}
	return rules, nil
}

func TestRequestApprovalRejectsRuleDeletedAfterMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.matcher = NewMatcher(deletingRules{repo: f.repo, svc: f.svc})

	_, _, err := f.svc.RequestApproval(ctx, RequestInput{
		Subject:  Ref{EntityType: EntityCashTransaction, EntityID: 9},
		Category: CategoryPayment,
		Amount:   amount(5_000_000),
		ActorID:  requester,
	})
	require.ErrorIs(t, err, ErrStaleWrite)
	require.ErrorIs(t, err, shared.ErrConcurrentModification)
	require.Empty(t, f.repo.approvals)
	require.Empty(t, f.events.Events())
}

func TestDeleteRuleRollsBackWhenInUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.request(t, 7, 5_000_000)

	require.ErrorIs(t, f.svc.DeleteRule(ctx, 1), ErrRuleInUse)
	_, err := f.repo.GetRule(ctx, 1)
	require.NoError(t, err)
	require.ErrorIs(t, f.svc.DeleteRule(ctx, 99), ErrRuleNotFound)
}

func TestCreateRuleValidates(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateRule(context.Background(), Rule{Name: "broken", EntityType: EntityGiroTransaction, Category: CategoryPayment})
	require.ErrorIs(t, err, shared.ErrValidation)

	rule := twoLevelRule()
	rule.ID = 0
	rule.EntityType = EntityGiroTransaction
	created, err := f.svc.CreateRule(context.Background(), rule)
	require.NoError(t, err)
	require.NotZero(t, created.ID)
}

type auditSink struct {
	logs []shared.AuditLog
}

func (s *auditSink) Record(_ context.Context, log shared.AuditLog) error {
	s.logs = append(s.logs, log)
	return nil
}

func TestAuditResolverRecordsOutcome(t *testing.T) {
	single := twoLevelRule()
	single.Levels = single.Levels[:1]
	f := newFixture(t, single)
	sink := &auditSink{}
	f.svc.RegisterResolver(EntityCashTransaction, AuditResolver(sink))

	a := f.request(t, 7, 5_000_000)
	_, err := f.svc.Reject(context.Background(), a.ID, manager, "wrong account")
	require.NoError(t, err)

	require.Len(t, sink.logs, 1)
	got := sink.logs[0]
	require.Equal(t, "approval.rejected", got.Action)
	require.Equal(t, EntityCashTransaction, got.Entity)
	require.Equal(t, "7", got.EntityID)
	require.Equal(t, manager, got.ActorID)
	require.Equal(t, "wrong account", got.Meta["notes"])
}
