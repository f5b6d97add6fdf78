package revision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/periodguard/internal/ledger"
	"github.com/odyssey-erp/periodguard/internal/platform/db"
)

// Repository persists revision logs.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository using the provided pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	q db.Querier
}

// WithTx executes fn inside a transaction, joining one already carried by ctx.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		return fn(ctx, &txRepo{q: db.Conn(ctx, r.pool)})
	})
}

const logColumns = `id, entry_id, period_id, company_id, kind, reason, impact::text, before_state, after_state,
status, requested_by, requested_at, approved_by, approved_at, approval_notes,
rejected_by, rejected_at, applied_at, created_at, updated_at`

// Get fetches a revision.
func (r *Repository) Get(ctx context.Context, id int64) (Log, error) {
	l, err := scanLog(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+logColumns+` FROM revision_logs WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Log{}, ErrNotFound
	}
	return l, err
}

// List returns revisions matching f, newest first.
func (r *Repository) List(ctx context.Context, f Filter, limit, offset int) ([]Log, error) {
	where, args := filterClause(f)
	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM revision_logs%s ORDER BY requested_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		logColumns, where, len(args)-1, len(args))
	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Log
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Count returns the number of revisions matching f.
func (r *Repository) Count(ctx context.Context, f Filter) (int, error) {
	where, args := filterClause(f)
	var n int
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM revision_logs`+where, args...).Scan(&n)
	return n, err
}

// CountPendingRevisions counts revisions of a period awaiting a decision.
func (r *Repository) CountPendingRevisions(ctx context.Context, periodID int64) (int, error) {
	var n int
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM revision_logs
WHERE period_id=$1 AND status='PENDING'`, periodID).Scan(&n)
	return n, err
}

func filterClause(f Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf("status=$%d", len(args)))
	}
	if f.PeriodID != 0 {
		args = append(args, f.PeriodID)
		conds = append(conds, fmt.Sprintf("period_id=$%d", len(args)))
	}
	if f.EntryID != 0 {
		args = append(args, f.EntryID)
		conds = append(conds, fmt.Sprintf("entry_id=$%d", len(args)))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Insert stores a new revision.
func (t *txRepo) Insert(ctx context.Context, l Log) (Log, error) {
	before, err := marshalSnapshot(l.Before)
	if err != nil {
		return Log{}, err
	}
	after, err := marshalSnapshot(l.After)
	if err != nil {
		return Log{}, err
	}
	return scanLog(t.q.QueryRow(ctx, `INSERT INTO revision_logs (entry_id, period_id, company_id, kind, reason, impact,
before_state, after_state, status, requested_by, requested_at, approved_by, approved_at, approval_notes, applied_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $16)
RETURNING `+logColumns,
		l.EntryID, l.PeriodID, l.CompanyID, string(l.Kind), l.Reason, l.Impact.String(),
		before, after, string(l.Status), l.RequestedBy, l.RequestedAt,
		int8FromPointer(l.ApprovedBy), timeFromPointer(l.ApprovedAt), l.ApprovalNotes,
		timeFromPointer(l.AppliedAt), l.CreatedAt))
}

// LoadForUpdate locks a revision row.
func (t *txRepo) LoadForUpdate(ctx context.Context, id int64) (Log, error) {
	l, err := scanLog(t.q.QueryRow(ctx, `SELECT `+logColumns+` FROM revision_logs WHERE id=$1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Log{}, ErrNotFound
	}
	return l, err
}

// Update writes decision columns guarded by the expected status.
func (t *txRepo) Update(ctx context.Context, l Log, expected Status) error {
	tag, err := t.q.Exec(ctx, `UPDATE revision_logs SET
status=$3, approved_by=$4, approved_at=$5, approval_notes=$6,
rejected_by=$7, rejected_at=$8, applied_at=$9, updated_at=$10
WHERE id=$1 AND status=$2`,
		l.ID, string(expected), string(l.Status),
		int8FromPointer(l.ApprovedBy), timeFromPointer(l.ApprovedAt), l.ApprovalNotes,
		int8FromPointer(l.RejectedBy), timeFromPointer(l.RejectedAt),
		timeFromPointer(l.AppliedAt), l.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleWrite
	}
	return nil
}

func scanLog(row pgx.Row) (Log, error) {
	var (
		l                    Log
		kind, status, impact string
		before, after        []byte
		approvedBy, rejectBy pgtype.Int8
		approvedAt, rejectAt pgtype.Timestamptz
		appliedAt            pgtype.Timestamptz
	)
	err := row.Scan(&l.ID, &l.EntryID, &l.PeriodID, &l.CompanyID, &kind, &l.Reason, &impact, &before, &after,
		&status, &l.RequestedBy, &l.RequestedAt, &approvedBy, &approvedAt, &l.ApprovalNotes,
		&rejectBy, &rejectAt, &appliedAt, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return Log{}, err
	}
	l.Kind = Kind(kind)
	l.Status = Status(status)
	if l.Impact, err = decimal.NewFromString(impact); err != nil {
		return Log{}, err
	}
	if l.Before, err = unmarshalSnapshot(before); err != nil {
		return Log{}, err
	}
	if l.After, err = unmarshalSnapshot(after); err != nil {
		return Log{}, err
	}
	l.ApprovedBy = int8ToPointer(approvedBy)
	l.ApprovedAt = timeToPointer(approvedAt)
	l.RejectedBy = int8ToPointer(rejectBy)
	l.RejectedAt = timeToPointer(rejectAt)
	l.AppliedAt = timeToPointer(appliedAt)
	return l, nil
}

func marshalSnapshot(s *ledger.Snapshot) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}

func unmarshalSnapshot(raw []byte) (*ledger.Snapshot, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s ledger.Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func int8ToPointer(i pgtype.Int8) *int64 {
	if !i.Valid {
		return nil
	}
	v := i.Int64
	return &v
}

func int8FromPointer(i *int64) pgtype.Int8 {
	if i == nil {
		return pgtype.Int8{}
	}
	return pgtype.Int8{Int64: *i, Valid: true}
}

func timeToPointer(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func timeFromPointer(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}
