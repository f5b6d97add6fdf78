package settings

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists overrides in engine_settings.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// LoadOverrides returns every stored override.
func (r *Repository) LoadOverrides(ctx context.Context) (map[string]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT key, value FROM engine_settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, rows.Err()
}

// SaveOverride upserts a single override.
func (r *Repository) SaveOverride(ctx context.Context, key, value string, actorID int64) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO engine_settings (key, value, updated_by, updated_at)
VALUES ($1, $2, NULLIF($3, 0), NOW())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_by = EXCLUDED.updated_by, updated_at = NOW()`, key, value, actorID)
	return err
}
