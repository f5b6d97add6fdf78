package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/periodguard/internal/platform/db"
)

// Repository reads and rewrites journal entry headers. Every call joins the
// transaction carried by ctx, so revisions apply atomically with their status update.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const entryColumns = `id, company_id, number, entry_date, memo, status, total_debit::text, total_credit::text, source_id, created_at, updated_at`

// GetEntry loads an entry.
func (r *Repository) GetEntry(ctx context.Context, id int64) (Entry, error) {
	return r.get(ctx, id, false)
}

// GetEntryForUpdate loads and locks an entry.
func (r *Repository) GetEntryForUpdate(ctx context.Context, id int64) (Entry, error) {
	return r.get(ctx, id, true)
}

func (r *Repository) get(ctx context.Context, id int64, lock bool) (Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM journal_entries WHERE id=$1`
	if lock {
		query += ` FOR UPDATE`
	}
	e, err := scanEntry(db.Conn(ctx, r.pool).QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrEntryNotFound
	}
	return e, err
}

// CountDraftEntries counts unfinalised entries dated inside [start, end].
func (r *Repository) CountDraftEntries(ctx context.Context, companyID int64, start, end time.Time) (int, error) {
	var n int
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM journal_entries
WHERE company_id=$1 AND status='DRAFT' AND entry_date BETWEEN $2 AND $3`,
		companyID, pgtype.Date{Time: start, Valid: true}, pgtype.Date{Time: end, Valid: true}).Scan(&n)
	return n, err
}

// ApplySnapshot overwrites the revisable fields of an entry.
func (r *Repository) ApplySnapshot(ctx context.Context, id int64, s Snapshot) error {
	if err := s.Validate(); err != nil {
		return err
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `UPDATE journal_entries
SET entry_date=$2, memo=$3, status=$4, total_debit=$5, total_credit=$6, updated_at=NOW()
WHERE id=$1`, id, pgtype.Date{Time: s.Date, Valid: true}, s.Memo, string(s.Status), s.Debit.String(), s.Credit.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// DeleteEntry removes an entry. Entries still referenced through source_id
// cannot be deleted and yield ErrEntryReferenced.
func (r *Repository) DeleteEntry(ctx context.Context, id int64) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM journal_entries WHERE id=$1`, id)
	if err != nil {
		if db.IsForeignKeyViolation(err) {
			return ErrEntryReferenced
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// UnpostEntry returns a posted entry to draft.
func (r *Repository) UnpostEntry(ctx context.Context, id int64) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `UPDATE journal_entries SET status='DRAFT', updated_at=NOW()
WHERE id=$1 AND status='POSTED'`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotPosted
	}
	return nil
}

// ReverseEntry posts a counter entry dated on date and marks the original void.
// The counter entry swaps debit and credit, which are equal for balanced entries.
func (r *Repository) ReverseEntry(ctx context.Context, id int64, date time.Time) (Entry, error) {
	q := db.Conn(ctx, r.pool)
	original, err := r.GetEntryForUpdate(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	if original.Status != StatusPosted {
		return Entry{}, ErrNotPosted
	}
	reversal, err := scanEntry(q.QueryRow(ctx, `INSERT INTO journal_entries (company_id, number, entry_date, memo, status, total_debit, total_credit, source_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, 'POSTED', $5, $6, $7, NOW(), NOW())
RETURNING `+entryColumns,
		original.CompanyID,
		original.Number+"-REV",
		pgtype.Date{Time: date, Valid: true},
		fmt.Sprintf("Reversal of %s", original.Number),
		original.Credit.String(), original.Debit.String(), original.ID))
	if err != nil {
		return Entry{}, err
	}
	if _, err := q.Exec(ctx, `UPDATE journal_entries SET status='VOID', updated_at=NOW() WHERE id=$1`, id); err != nil {
		return Entry{}, err
	}
	return reversal, nil
}

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		e             Entry
		status        string
		debit, credit string
		sourceID      pgtype.Int8
	)
	if err := row.Scan(&e.ID, &e.CompanyID, &e.Number, &e.Date, &e.Memo, &status, &debit, &credit, &sourceID, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return Entry{}, err
	}
	e.Status = Status(status)
	var err error
	if e.Debit, err = decimal.NewFromString(debit); err != nil {
		return Entry{}, err
	}
	if e.Credit, err = decimal.NewFromString(credit); err != nil {
		return Entry{}, err
	}
	if sourceID.Valid {
		id := sourceID.Int64
		e.SourceID = &id
	}
	return e, nil
}
