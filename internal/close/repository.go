package close

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/periodguard/internal/platform/db"
	"github.com/odyssey-erp/periodguard/internal/shared"
)

// Repository persists closing period state.
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

const periodColumns = `id, company_id, name, start_date, end_date, status, cutoff_date, hard_close_date,
soft_closed_by, soft_closed_at, closed_by, closed_at, reopened_by, reopened_at, reopen_reason,
metadata, created_at, updated_at`

// ListPeriods returns paginated periods for a company, newest first.
func (r *Repository) ListPeriods(ctx context.Context, companyID int64, limit, offset int) ([]Period, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+periodColumns+` FROM closing_periods
WHERE company_id=$1 ORDER BY start_date DESC LIMIT $2 OFFSET $3`, companyID, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectPeriods(rows)
}

// CountPeriods returns the number of periods of a company.
func (r *Repository) CountPeriods(ctx context.Context, companyID int64) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM closing_periods WHERE company_id=$1`, companyID).Scan(&n)
	return n, err
}

// LoadPeriod fetches a single period.
func (r *Repository) LoadPeriod(ctx context.Context, id int64) (Period, error) {
	p, err := scanPeriod(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+periodColumns+` FROM closing_periods WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Period{}, ErrPeriodNotFound
	}
	return p, err
}

// PeriodsCovering returns periods containing date ordered by start date.
func (r *Repository) PeriodsCovering(ctx context.Context, companyID int64, date time.Time) ([]Period, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+periodColumns+` FROM closing_periods
WHERE company_id=$1 AND start_date <= $2 AND end_date >= $2
ORDER BY start_date, id`, companyID, pgtype.Date{Time: date, Valid: true})
	if err != nil {
		return nil, err
	}
	return collectPeriods(rows)
}

// PeriodsCoveringForShare returns periods containing date and holds FOR SHARE
// locks on them until the transaction in ctx ends.
func (r *Repository) PeriodsCoveringForShare(ctx context.Context, companyID int64, date time.Time) ([]Period, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+periodColumns+` FROM closing_periods
WHERE company_id=$1 AND start_date <= $2 AND end_date >= $2
ORDER BY start_date, id FOR SHARE`, companyID, pgtype.Date{Time: date, Valid: true})
	if err != nil {
		return nil, err
	}
	return collectPeriods(rows)
}

// LoadPeriodForShare reads a period and holds a FOR SHARE lock on it until the
// transaction in ctx ends. Transitions lock FOR UPDATE and wait behind it.
func (r *Repository) LoadPeriodForShare(ctx context.Context, id int64) (Period, error) {
	p, err := scanPeriod(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+periodColumns+` FROM closing_periods WHERE id=$1 FOR SHARE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Period{}, ErrPeriodNotFound
	}
	return p, err
}

// ListOpenPastCutoff returns open periods whose cutoff date is before asOf.
func (r *Repository) ListOpenPastCutoff(ctx context.Context, asOf time.Time, limit int) ([]Period, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+periodColumns+` FROM closing_periods
WHERE status='OPEN' AND cutoff_date < $1
ORDER BY cutoff_date, id LIMIT $2`, pgtype.Date{Time: asOf, Valid: true}, limit)
	if err != nil {
		return nil, err
	}
	return collectPeriods(rows)
}

// LockCompany takes a transaction scoped advisory lock on the company's calendar.
func (t *txRepo) LockCompany(ctx context.Context, companyID int64) error {
	_, err := t.q.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, shared.AdvisoryLockID(shared.FinanceLockKey(companyID)))
	return err
}

// PeriodRangeConflict reports whether a company already has a period overlapping the provided range.
func (t *txRepo) PeriodRangeConflict(ctx context.Context, companyID int64, start, end time.Time, excludeID int64) (bool, error) {
	var conflict bool
	err := t.q.QueryRow(ctx, `SELECT EXISTS (
SELECT 1 FROM closing_periods
WHERE company_id=$1 AND id <> $4
AND daterange(start_date, end_date, '[]') && daterange($2::date, $3::date, '[]'))`,
		companyID, pgtype.Date{Time: start, Valid: true}, pgtype.Date{Time: end, Valid: true}, excludeID).Scan(&conflict)
	return conflict, err
}

// InsertPeriod creates a new period row.
func (t *txRepo) InsertPeriod(ctx context.Context, p Period) (Period, error) {
	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return Period{}, err
	}
	row := t.q.QueryRow(ctx, `INSERT INTO closing_periods (company_id, name, start_date, end_date, status, cutoff_date, hard_close_date, metadata, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
RETURNING `+periodColumns,
		p.CompanyID, p.Name,
		pgtype.Date{Time: p.StartDate, Valid: true},
		pgtype.Date{Time: p.EndDate, Valid: true},
		string(p.Status),
		pgtype.Date{Time: p.CutoffDate, Valid: true},
		dateFromPointer(p.HardCloseDate),
		meta, p.CreatedAt)
	out, err := scanPeriod(row)
	if err != nil {
		if errors.Is(db.MapError(err), db.ErrExclusion) {
			return Period{}, ErrPeriodOverlap
		}
		return Period{}, err
	}
	return out, nil
}

// LoadPeriodForUpdate locks a period row.
func (t *txRepo) LoadPeriodForUpdate(ctx context.Context, id int64) (Period, error) {
	p, err := scanPeriod(t.q.QueryRow(ctx, `SELECT `+periodColumns+` FROM closing_periods WHERE id=$1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Period{}, ErrPeriodNotFound
	}
	return p, err
}

// UpdatePeriod writes the mutable columns guarded by the expected status.
func (t *txRepo) UpdatePeriod(ctx context.Context, p Period, expected PeriodStatus) error {
	tag, err := t.q.Exec(ctx, `UPDATE closing_periods SET
start_date=$3, end_date=$4, status=$5, cutoff_date=$6, hard_close_date=$7,
soft_closed_by=$8, soft_closed_at=$9, closed_by=$10, closed_at=$11,
reopened_by=$12, reopened_at=$13, reopen_reason=$14, updated_at=$15
WHERE id=$1 AND status=$2`,
		p.ID, string(expected),
		pgtype.Date{Time: p.StartDate, Valid: true},
		pgtype.Date{Time: p.EndDate, Valid: true},
		string(p.Status),
		pgtype.Date{Time: p.CutoffDate, Valid: true},
		dateFromPointer(p.HardCloseDate),
		int8FromPointer(p.SoftClosedBy), timeFromPointer(p.SoftClosedAt),
		int8FromPointer(p.ClosedBy), timeFromPointer(p.ClosedAt),
		int8FromPointer(p.ReopenedBy), timeFromPointer(p.ReopenedAt),
		p.ReopenReason, p.UpdatedAt)
	if err != nil {
		if errors.Is(db.MapError(err), db.ErrExclusion) {
			return ErrPeriodOverlap
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleWrite
	}
	return nil
}

func collectPeriods(rows pgx.Rows) ([]Period, error) {
	defer rows.Close()
	var periods []Period
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		periods = append(periods, p)
	}
	return periods, rows.Err()
}

func scanPeriod(row pgx.Row) (Period, error) {
	var (
		p            Period
		status       string
		hardClose    pgtype.Date
		softClosedBy pgtype.Int8
		softClosedAt pgtype.Timestamptz
		closedBy     pgtype.Int8
		closedAt     pgtype.Timestamptz
		reopenedBy   pgtype.Int8
		reopenedAt   pgtype.Timestamptz
		metadata     []byte
	)
	err := row.Scan(&p.ID, &p.CompanyID, &p.Name, &p.StartDate, &p.EndDate, &status, &p.CutoffDate, &hardClose,
		&softClosedBy, &softClosedAt, &closedBy, &closedAt, &reopenedBy, &reopenedAt, &p.ReopenReason,
		&metadata, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Period{}, err
	}
	p.Status = PeriodStatus(status)
	p.HardCloseDate = dateToPointer(hardClose)
	p.SoftClosedBy = int8ToPointer(softClosedBy)
	p.SoftClosedAt = timeToPointer(softClosedAt)
	p.ClosedBy = int8ToPointer(closedBy)
	p.ClosedAt = timeToPointer(closedAt)
	p.ReopenedBy = int8ToPointer(reopenedBy)
	p.ReopenedAt = timeToPointer(reopenedAt)
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &p.Metadata)
	}
	return p, nil
}

// Helpers

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

func dateToPointer(d pgtype.Date) *time.Time {
	if !d.Valid {
		return nil
	}
	v := d.Time
	return &v
}

func dateFromPointer(t *time.Time) pgtype.Date {
	if t == nil {
		return pgtype.Date{}
	}
	return pgtype.Date{Time: *t, Valid: true}
}
