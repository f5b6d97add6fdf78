package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/periodguard/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	q db.Querier
}

// WithTx wraps callback in a transaction, joining one already carried by ctx.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		return fn(ctx, &txRepo{q: db.Conn(ctx, r.pool)})
	})
}

const ruleColumns = `id, name, entity_type, category, min_amount::text, max_amount::text, levels, escalation_timeout_seconds, is_active, created_at, updated_at`

const approvalColumns = `id, entity_type, entity_id, category, amount::text, status, approval_level, rule_snapshot,
expires_at, requested_by, notes, resolved_by, resolved_at, resolution_notes, escalated_at, created_at, updated_at`

// ListActiveRules returns active rules for an entity type and category.
func (r *Repository) ListActiveRules(ctx context.Context, entityType string, category Category) ([]Rule, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+ruleColumns+` FROM approval_rules
WHERE is_active AND entity_type=$1 AND category=$2 ORDER BY id`, entityType, string(category))
	if err != nil {
		return nil, err
	}
	return collectRules(rows)
}

// ListRules returns every rule.
func (r *Repository) ListRules(ctx context.Context) ([]Rule, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+ruleColumns+` FROM approval_rules ORDER BY entity_type, category, min_amount, id`)
	if err != nil {
		return nil, err
	}
	return collectRules(rows)
}

// GetRule loads a rule by id.
func (r *Repository) GetRule(ctx context.Context, id int64) (Rule, error) {
	rule, err := scanRule(r.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM approval_rules WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Rule{}, ErrRuleNotFound
	}
	return rule, err
}

// InsertRule stores a new rule.
func (r *Repository) InsertRule(ctx context.Context, rule Rule) (Rule, error) {
	levels, err := json.Marshal(rule.Levels)
	if err != nil {
		return Rule{}, err
	}
	row := r.pool.QueryRow(ctx, `INSERT INTO approval_rules (name, entity_type, category, min_amount, max_amount, levels, escalation_timeout_seconds, is_active, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
RETURNING `+ruleColumns, rule.Name, rule.EntityType, string(rule.Category), rule.MinAmount.String(), decimalArg(rule.MaxAmount), levels, int64(rule.EscalationTimeout/time.Second), rule.IsActive)
	return scanRule(row)
}

// UpdateRule replaces a rule definition.
func (r *Repository) UpdateRule(ctx context.Context, rule Rule) (Rule, error) {
	levels, err := json.Marshal(rule.Levels)
	if err != nil {
		return Rule{}, err
	}
	row := r.pool.QueryRow(ctx, `UPDATE approval_rules SET name=$2, entity_type=$3, category=$4, min_amount=$5, max_amount=$6, levels=$7,
escalation_timeout_seconds=$8, is_active=$9, updated_at=NOW() WHERE id=$1
RETURNING `+ruleColumns, rule.ID, rule.Name, rule.EntityType, string(rule.Category), rule.MinAmount.String(), decimalArg(rule.MaxAmount), levels, int64(rule.EscalationTimeout/time.Second), rule.IsActive)
	updated, err := scanRule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Rule{}, ErrRuleNotFound
	}
	return updated, err
}


// GetApproval loads an approval by id.
func (r *Repository) GetApproval(ctx context.Context, id int64) (Approval, error) {
	a, err := scanApproval(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Approval{}, ErrNotFound
	}
	return a, err
}

// LatestApproval returns the most recent approval for subject and category.
func (r *Repository) LatestApproval(ctx context.Context, subject Ref, category Category) (Approval, bool, error) {
	return latest(ctx, db.Conn(ctx, r.pool), subject, category, false)
}

// ListOverdue returns pending approvals whose expiry is at or before now.
func (r *Repository) ListOverdue(ctx context.Context, now time.Time, limit int) ([]Approval, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+approvalColumns+` FROM approvals
WHERE status='PENDING' AND expires_at IS NOT NULL AND expires_at <= $1
ORDER BY expires_at ASC, id ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	return collectApprovals(rows)
}

// ListOutstanding returns pending and escalated approvals, oldest first.
func (r *Repository) ListOutstanding(ctx context.Context, limit, offset int) ([]Approval, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+approvalColumns+` FROM approvals
WHERE status IN ('PENDING','ESCALATED') ORDER BY created_at ASC, id ASC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectApprovals(rows)
}

func (t *txRepo) InsertApproval(ctx context.Context, a Approval) (Approval, error) {
	snapshot, err := json.Marshal(a.Snapshot)
	if err != nil {
		return Approval{}, err
	}
	row := t.q.QueryRow(ctx, `INSERT INTO approvals (entity_type, entity_id, category, amount, status, approval_level, rule_snapshot,
expires_at, requested_by, notes, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
RETURNING `+approvalColumns,
		a.Subject.EntityType, a.Subject.EntityID, string(a.Category), a.Amount.String(), string(a.Status), a.Level, snapshot,
		a.ExpiresAt, a.RequestedBy, a.Notes, a.CreatedAt)
	inserted, err := scanApproval(row)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Approval{}, ErrAlreadyPending
		}
		return Approval{}, err
	}
	return inserted, nil
}

func (t *txRepo) LoadApprovalForUpdate(ctx context.Context, id int64) (Approval, error) {
	a, err := scanApproval(t.q.QueryRow(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id=$1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Approval{}, ErrNotFound
	}
	return a, err
}

func (t *txRepo) LatestApprovalForUpdate(ctx context.Context, subject Ref, category Category) (Approval, bool, error) {
	return latest(ctx, t.q, subject, category, true)
}

func (t *txRepo) UpdateApproval(ctx context.Context, a Approval, expected Status, expectedLevel int) error {
	tag, err := t.q.Exec(ctx, `UPDATE approvals SET status=$2, approval_level=$3, expires_at=$4, resolved_by=$5, resolved_at=$6,
resolution_notes=$7, escalated_at=$8, updated_at=$9
WHERE id=$1 AND status=$10 AND approval_level=$11`,
		a.ID, string(a.Status), a.Level, a.ExpiresAt, a.ResolvedBy, a.ResolvedAt, a.ResolutionNotes, a.EscalatedAt, a.UpdatedAt,
		string(expected), expectedLevel)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleWrite
	}
	return nil
}

func latest(ctx context.Context, q db.Querier, subject Ref, category Category, lock bool) (Approval, bool, error) {
	sql := `SELECT ` + approvalColumns + ` FROM approvals
WHERE entity_type=$1 AND entity_id=$2 AND category=$3 ORDER BY created_at DESC, id DESC LIMIT 1`
	if lock {
		sql += ` FOR UPDATE`
	}
	a, err := scanApproval(q.QueryRow(ctx, sql, subject.EntityType, subject.EntityID, string(category)))
	if errors.Is(err, pgx.ErrNoRows) {
		return Approval{}, false, nil
	}
	if err != nil {
		return Approval{}, false, err
	}
	return a, true, nil
}

func collectRules(rows pgx.Rows) ([]Rule, error) {
	defer rows.Close()
	var rules []Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func scanRule(row pgx.Row) (Rule, error) {
	var (
		rule     Rule
		category string
		minRaw   string
		maxRaw   *string
		levels   []byte
		timeout  int64
	)
	if err := row.Scan(&rule.ID, &rule.Name, &rule.EntityType, &category, &minRaw, &maxRaw, &levels, &timeout, &rule.IsActive, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
		return Rule{}, err
	}
	rule.Category = Category(category)
	rule.EscalationTimeout = time.Duration(timeout) * time.Second
	var err error
	if rule.MinAmount, err = decimal.NewFromString(minRaw); err != nil {
		return Rule{}, fmt.Errorf("approval: rule %d min amount: %w", rule.ID, err)
	}
	if maxRaw != nil {
		upper, err := decimal.NewFromString(*maxRaw)
		if err != nil {
			return Rule{}, fmt.Errorf("approval: rule %d max amount: %w", rule.ID, err)
		}
		rule.MaxAmount = &upper
	}
	if len(levels) > 0 {
		if err := json.Unmarshal(levels, &rule.Levels); err != nil {
			return Rule{}, fmt.Errorf("approval: rule %d levels: %w", rule.ID, err)
		}
	}
	return rule, nil
}

func collectApprovals(rows pgx.Rows) ([]Approval, error) {
	defer rows.Close()
	var out []Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanApproval(row pgx.Row) (Approval, error) {
	var (
		a        Approval
		category string
		amount   string
		status   string
		snapshot []byte
	)
	if err := row.Scan(&a.ID, &a.Subject.EntityType, &a.Subject.EntityID, &category, &amount, &status, &a.Level, &snapshot,
		&a.ExpiresAt, &a.RequestedBy, &a.Notes, &a.ResolvedBy, &a.ResolvedAt, &a.ResolutionNotes, &a.EscalatedAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return Approval{}, err
	}
	a.Category = Category(category)
	a.Status = Status(status)
	var err error
	if a.Amount, err = decimal.NewFromString(amount); err != nil {
		return Approval{}, fmt.Errorf("approval: %d amount: %w", a.ID, err)
	}
	if err := json.Unmarshal(snapshot, &a.Snapshot); err != nil {
		return Approval{}, fmt.Errorf("approval: %d snapshot: %w", a.ID, err)
	}
	return a, nil
}

func decimalArg(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func (t *txRepo) LockRuleForShare(ctx context.Context, id int64) error {
	return t.lockRule(ctx, `SELECT id FROM approval_rules WHERE id=$1 FOR SHARE`, id)
}

func (t *txRepo) LockRuleForUpdate(ctx context.Context, id int64) error {
	return t.lockRule(ctx, `SELECT id FROM approval_rules WHERE id=$1 FOR UPDATE`, id)
}

func (t *txRepo) lockRule(ctx context.Context, query string, id int64) error {
	var got int64
	err := t.q.QueryRow(ctx, query, id).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrRuleNotFound
	}
	return err
}

// CountOutstandingForRule counts pending or escalated approvals requested under a rule.
func (t *txRepo) CountOutstandingForRule(ctx context.Context, ruleID int64) (int, error) {
	var n int
	err := t.q.QueryRow(ctx, `SELECT COUNT(*) FROM approvals
WHERE (rule_snapshot->>'rule_id')::bigint=$1 AND status IN ('PENDING','ESCALATED')`, ruleID).Scan(&n)
	return n, err
}

// DeleteRule removes a rule.
func (t *txRepo) DeleteRule(ctx context.Context, id int64) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM approval_rules WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRuleNotFound
	}
	return nil
}
