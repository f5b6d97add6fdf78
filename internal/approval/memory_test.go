package approval

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/periodguard/internal/shared"
)

type memoryRepo struct {
	mu        sync.Mutex
	rules     map[int64]Rule
	approvals map[int64]Approval
	nextRule  int64
	nextID    int64
}

func newMemoryRepo(rules ...Rule) *memoryRepo {
	m := &memoryRepo{
		rules:     make(map[int64]Rule),
		approvals: make(map[int64]Approval),
	}
	for _, r := range rules {
		m.nextRule++
		if r.ID == 0 {
			r.ID = m.nextRule
		}
		m.rules[r.ID] = r
	}
	return m
}

// WithTx serialises transactions and restores state when fn fails.
func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	saved := make(map[int64]Approval, len(m.approvals))
	for k, v := range m.approvals {
		saved[k] = v
	}
	savedRules := make(map[int64]Rule, len(m.rules))
	for k, v := range m.rules {
		savedRules[k] = v
	}
	savedNext := m.nextID
	if err := fn(ctx, &memoryTx{m: m}); err != nil {
		m.approvals = saved
		m.rules = savedRules
		m.nextID = savedNext
		return err
	}
	return nil
}

func (m *memoryRepo) ListActiveRules(_ context.Context, entityType string, category Category) ([]Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Rule
	for _, r := range m.rules {
		if r.IsActive && r.EntityType == entityType && r.Category == category {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryRepo) GetApproval(_ context.Context, id int64) (Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.approvals[id]
	if !ok {
		return Approval{}, ErrNotFound
	}
	return a, nil
}

func (m *memoryRepo) LatestApproval(_ context.Context, subject Ref, category Category) (Approval, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.latestLocked(subject, category)
	return a, ok, nil
}

func (m *memoryRepo) latestLocked(subject Ref, category Category) (Approval, bool) {
	var best Approval
	var found bool
	for _, a := range m.approvals {
		if a.Subject != subject || a.Category != category {
			continue
		}
		if !found || a.ID > best.ID {
			best = a
			found = true
		}
	}
	return best, found
}

func (m *memoryRepo) ListOverdue(_ context.Context, now time.Time, limit int) ([]Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Approval
	for _, a := range m.approvals {
		if a.Overdue(now) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryRepo) ListOutstanding(_ context.Context, limit, offset int) ([]Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Approval
	for _, a := range m.approvals {
		if a.Status.Actionable() {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryRepo) GetRule(_ context.Context, id int64) (Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return Rule{}, ErrRuleNotFound
	}
	return r, nil
}

func (m *memoryRepo) ListRules(context.Context) ([]Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryRepo) InsertRule(_ context.Context, rule Rule) (Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRule++
	rule.ID = m.nextRule
	m.rules[rule.ID] = rule
	return rule, nil
}

func (m *memoryRepo) UpdateRule(_ context.Context, rule Rule) (Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[rule.ID]; !ok {
		return Rule{}, ErrRuleNotFound
	}
	m.rules[rule.ID] = rule
	return rule, nil
}

type memoryTx struct {
	m *memoryRepo
}

func (t *memoryTx) LockRuleForShare(_ context.Context, id int64) error {
	if _, ok := t.m.rules[id]; !ok {
		return ErrRuleNotFound
	}
	return nil
}

func (t *memoryTx) LockRuleForUpdate(ctx context.Context, id int64) error {
	return t.LockRuleForShare(ctx, id)
}

func (t *memoryTx) CountOutstandingForRule(_ context.Context, ruleID int64) (int, error) {
	var n int
	for _, a := range t.m.approvals {
		if a.Snapshot.RuleID == ruleID && a.Status.Actionable() {
			n++
		}
	}
	return n, nil
}

func (t *memoryTx) DeleteRule(_ context.Context, id int64) error {
	if _, ok := t.m.rules[id]; !ok {
		return ErrRuleNotFound
	}
	delete(t.m.rules, id)
	return nil
}

func (t *memoryTx) InsertApproval(_ context.Context, a Approval) (Approval, error) {
	t.m.nextID++
	a.ID = t.m.nextID
	t.m.approvals[a.ID] = a
	return a, nil
}

func (t *memoryTx) LoadApprovalForUpdate(_ context.Context, id int64) (Approval, error) {
	a, ok := t.m.approvals[id]
	if !ok {
		return Approval{}, ErrNotFound
	}
	return a, nil
}

func (t *memoryTx) LatestApprovalForUpdate(_ context.Context, subject Ref, category Category) (Approval, bool, error) {
	a, ok := t.m.latestLocked(subject, category)
	return a, ok, nil
}

func (t *memoryTx) UpdateApproval(_ context.Context, a Approval, expected Status, expectedLevel int) error {
	current, ok := t.m.approvals[a.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Status != expected || current.Level != expectedLevel {
		return ErrStaleWrite
	}
	t.m.approvals[a.ID] = a
	return nil
}

type staticRoles map[int64][]string

func (s staticRoles) HasRole(_ context.Context, actorID int64, role string) (bool, error) {
	for _, r := range s[actorID] {
		if r == role {
			return true, nil
		}
	}
	return false, nil
}

type memoryHistory struct {
	mu   sync.Mutex
	logs []shared.ApprovalLog
}

func (h *memoryHistory) Record(_ context.Context, log shared.ApprovalLog) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logs = append(h.logs, log)
	return nil
}

func (h *memoryHistory) List(_ context.Context, module string, refID int64) ([]shared.ApprovalLog, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []shared.ApprovalLog
	for _, l := range h.logs {
		if l.Module == module && l.RefID == refID {
			out = append(out, l)
		}
	}
	return out, nil
}
