package revision

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/periodguard/internal/close"
	"github.com/odyssey-erp/periodguard/internal/ledger"
	"github.com/odyssey-erp/periodguard/internal/shared"
)

type txKey struct{}

// memoryStore holds revision logs, ledger entries and idempotency keys behind
// one lock so a failed transaction rolls all three back together.
type memoryStore struct {
	mu        sync.Mutex
	logs      map[int64]Log
	entries   map[int64]ledger.Entry
	keys      map[string]struct{}
	nextLog   int64
	nextEntry int64
}

func newMemoryStore(entries ...ledger.Entry) *memoryStore {
	m := &memoryStore{
		logs:    make(map[int64]Log),
		entries: make(map[int64]ledger.Entry),
		keys:    make(map[string]struct{}),
	}
	for _, e := range entries {
		m.entries[e.ID] = e
		if e.ID > m.nextEntry {
			m.nextEntry = e.ID
		}
	}
	return m
}

// lock takes the store mutex unless ctx already runs inside WithTx.
func (m *memoryStore) lock(ctx context.Context) func() {
	if ctx.Value(txKey{}) != nil {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func (m *memoryStore) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx, &memoryTx{m: m})
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	savedLogs := make(map[int64]Log, len(m.logs))
	for k, v := range m.logs {
		savedLogs[k] = v
	}
	savedEntries := make(map[int64]ledger.Entry, len(m.entries))
	for k, v := range m.entries {
		savedEntries[k] = v
	}
	savedKeys := make(map[string]struct{}, len(m.keys))
	for k := range m.keys {
		savedKeys[k] = struct{}{}
	}
	nextLog, nextEntry := m.nextLog, m.nextEntry
	if err := fn(context.WithValue(ctx, txKey{}, true), &memoryTx{m: m}); err != nil {
		m.logs, m.entries, m.keys = savedLogs, savedEntries, savedKeys
		m.nextLog, m.nextEntry = nextLog, nextEntry
		return err
	}
	return nil
}

func (m *memoryStore) Get(ctx context.Context, id int64) (Log, error) {
	defer m.lock(ctx)()
	l, ok := m.logs[id]
	if !ok {
		return Log{}, ErrNotFound
	}
	return l, nil
}

func (m *memoryStore) filtered(f Filter) []Log {
	var out []Log
	for _, l := range m.logs {
		if f.Status != "" && l.Status != f.Status {
			continue
		}
		if f.PeriodID != 0 && l.PeriodID != f.PeriodID {
			continue
		}
		if f.EntryID != 0 && l.EntryID != f.EntryID {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

func (m *memoryStore) List(ctx context.Context, f Filter, limit, offset int) ([]Log, error) {
	defer m.lock(ctx)()
	out := m.filtered(f)
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStore) Count(ctx context.Context, f Filter) (int, error) {
	defer m.lock(ctx)()
	return len(m.filtered(f)), nil
}

func (m *memoryStore) CountPendingRevisions(ctx context.Context, periodID int64) (int, error) {
	defer m.lock(ctx)()
	return len(m.filtered(Filter{Status: StatusPending, PeriodID: periodID})), nil
}

func (m *memoryStore) entry(ctx context.Context, id int64) (ledger.Entry, bool) {
	defer m.lock(ctx)()
	e, ok := m.entries[id]
	return e, ok
}

type memoryTx struct {
	m *memoryStore
}

func (t *memoryTx) Insert(_ context.Context, l Log) (Log, error) {
	t.m.nextLog++
	l.ID = t.m.nextLog
	t.m.logs[l.ID] = l
	return l, nil
}

func (t *memoryTx) LoadForUpdate(_ context.Context, id int64) (Log, error) {
	l, ok := t.m.logs[id]
	if !ok {
		return Log{}, ErrNotFound
	}
	return l, nil
}

func (t *memoryTx) Update(_ context.Context, l Log, expected Status) error {
	current, ok := t.m.logs[l.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Status != expected {
		return ErrStaleWrite
	}
	t.m.logs[l.ID] = l
	return nil
}

// memoryLedger exposes the store's entries through LedgerPort.
type memoryLedger struct {
	m *memoryStore
}

func (l memoryLedger) GetEntry(ctx context.Context, id int64) (ledger.Entry, error) {
	e, ok := l.m.entry(ctx, id)
	if !ok {
		return ledger.Entry{}, ledger.ErrEntryNotFound
	}
	return e, nil
}

func (l memoryLedger) GetEntryForUpdate(ctx context.Context, id int64) (ledger.Entry, error) {
	return l.GetEntry(ctx, id)
}

func (l memoryLedger) ApplySnapshot(ctx context.Context, id int64, s ledger.Snapshot) error {
	if err := s.Validate(); err != nil {
		return err
	}
	defer l.m.lock(ctx)()
	e, ok := l.m.entries[id]
	if !ok {
		return ledger.ErrEntryNotFound
	}
	e.Date, e.Memo, e.Status, e.Debit, e.Credit = s.Date, s.Memo, s.Status, s.Debit, s.Credit
	l.m.entries[id] = e
	return nil
}

func (l memoryLedger) DeleteEntry(ctx context.Context, id int64) error {
	defer l.m.lock(ctx)()
	if _, ok := l.m.entries[id]; !ok {
		return ledger.ErrEntryNotFound
	}
	for _, other := range l.m.entries {
		if other.SourceID != nil && *other.SourceID == id {
			return ledger.ErrEntryReferenced
		}
	}
	delete(l.m.entries, id)
	return nil
}

func (l memoryLedger) UnpostEntry(ctx context.Context, id int64) error {
	defer l.m.lock(ctx)()
	e, ok := l.m.entries[id]
	if !ok || e.Status != ledger.StatusPosted {
		return ledger.ErrNotPosted
	}
	e.Status = ledger.StatusDraft
	l.m.entries[id] = e
	return nil
}

func (l memoryLedger) ReverseEntry(ctx context.Context, id int64, date time.Time) (ledger.Entry, error) {
	defer l.m.lock(ctx)()
	e, ok := l.m.entries[id]
	if !ok || e.Status != ledger.StatusPosted {
		return ledger.Entry{}, ledger.ErrNotPosted
	}
	l.m.nextEntry++
	source := e.ID
	reversal := ledger.Entry{
		ID:        l.m.nextEntry,
		CompanyID: e.CompanyID,
		Number:    e.Number + "-REV",
		Date:      date,
		Status:    ledger.StatusPosted,
		Debit:     e.Credit,
		Credit:    e.Debit,
		SourceID:  &source,
	}
	l.m.entries[reversal.ID] = reversal
	e.Status = ledger.StatusVoid
	l.m.entries[id] = e
	return reversal, nil
}

func (l memoryLedger) CheckAndInsert(ctx context.Context, key, module string) error {
	defer l.m.lock(ctx)()
	k := module + ":" + key
	if _, ok := l.m.keys[k]; ok {
		return shared.ErrIdempotencyConflict
	}
	l.m.keys[k] = struct{}{}
	return nil
}

func (l memoryLedger) CountDraftEntries(ctx context.Context, companyID int64, start, end time.Time) (int, error) {
	defer l.m.lock(ctx)()
	var n int
	for _, e := range l.m.entries {
		if e.CompanyID == companyID && e.Status == ledger.StatusDraft && !e.Date.Before(start) && !e.Date.After(end) {
			n++
		}
	}
	return n, nil
}

// memoryCalendar backs a real close.Service so revisions classify against the
// same periods the closing workflow moves.
type memoryCalendar struct {
	mu      sync.Mutex
	periods map[int64]close.Period
	nextID  int64
}

func newMemoryCalendar() *memoryCalendar {
	return &memoryCalendar{periods: make(map[int64]close.Period)}
}

func (c *memoryCalendar) WithTx(ctx context.Context, fn func(context.Context, close.TxRepository) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	saved := make(map[int64]close.Period, len(c.periods))
	for k, v := range c.periods {
		saved[k] = v
	}
	if err := fn(ctx, &calendarTx{c: c}); err != nil {
		c.periods = saved
		return err
	}
	return nil
}

func (c *memoryCalendar) ListPeriods(_ context.Context, companyID int64, limit, offset int) ([]close.Period, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []close.Period
	for _, p := range c.periods {
		if p.CompanyID == companyID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.After(out[j].StartDate) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c *memoryCalendar) CountPeriods(ctx context.Context, companyID int64) (int, error) {
	periods, err := c.ListPeriods(ctx, companyID, 1<<30, 0)
	return len(periods), err
}

func (c *memoryCalendar) LoadPeriod(_ context.Context, id int64) (close.Period, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.periods[id]
	if !ok {
		return close.Period{}, close.ErrPeriodNotFound
	}
	return p, nil
}

func (c *memoryCalendar) PeriodsCovering(_ context.Context, companyID int64, date time.Time) ([]close.Period, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []close.Period
	for _, p := range c.periods {
		if p.CompanyID == companyID && p.Covers(date) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out, nil
}

func (c *memoryCalendar) ListOpenPastCutoff(context.Context, time.Time, int) ([]close.Period, error) {
	return nil, nil
}

func (c *memoryCalendar) LoadPeriodForShare(ctx context.Context, id int64) (close.Period, error) {
	return c.LoadPeriod(ctx, id)
}

func (c *memoryCalendar) PeriodsCoveringForShare(ctx context.Context, companyID int64, date time.Time) ([]close.Period, error) {
	return c.PeriodsCovering(ctx, companyID, date)
}

type calendarTx struct {
	c *memoryCalendar
}

func (t *calendarTx) LockCompany(context.Context, int64) error { return nil }

func (t *calendarTx) PeriodRangeConflict(_ context.Context, companyID int64, start, end time.Time, excludeID int64) (bool, error) {
	for _, p := range t.c.periods {
		if p.CompanyID != companyID || p.ID == excludeID {
			continue
		}
		if !p.StartDate.After(end) && !start.After(p.EndDate) {
			return true, nil
		}
	}
	return false, nil
}

func (t *calendarTx) InsertPeriod(_ context.Context, p close.Period) (close.Period, error) {
	t.c.nextID++
	p.ID = t.c.nextID
	t.c.periods[p.ID] = p
	return p, nil
}

func (t *calendarTx) LoadPeriodForUpdate(_ context.Context, id int64) (close.Period, error) {
	p, ok := t.c.periods[id]
	if !ok {
		return close.Period{}, close.ErrPeriodNotFound
	}
	return p, nil
}

func (t *calendarTx) UpdatePeriod(_ context.Context, p close.Period, expected close.PeriodStatus) error {
	current, ok := t.c.periods[p.ID]
	if !ok {
		return close.ErrPeriodNotFound
	}
	if current.Status != expected {
		return close.ErrStaleWrite
	}
	t.c.periods[p.ID] = p
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
