package rbac

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/periodguard/internal/shared"
)

// ErrNotFound indicates that the requested record does not exist.
var ErrNotFound = fmt.Errorf("rbac: not found: %w", shared.ErrNotFound)

// Service answers role membership questions from the roles and user_roles tables.
type Service struct {
	pool *pgxpool.Pool
}

// NewService constructs a Service backed by the provided pool.
func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// ListRoles returns all roles ordered by name.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, description, created_at, updated_at FROM roles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var r Role
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// Roles returns the role names held by a user.
func (s *Service) Roles(ctx context.Context, userID int64) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT r.name FROM user_roles ur
JOIN roles r ON r.id = ur.role_id
WHERE ur.user_id=$1 ORDER BY r.name`, userID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// HasRole reports whether a user holds the named role.
func (s *Service) HasRole(ctx context.Context, userID int64, role string) (bool, error) {
	if userID == 0 || strings.TrimSpace(role) == "" {
		return false, nil
	}
	var ok bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (
SELECT 1 FROM user_roles ur JOIN roles r ON r.id = ur.role_id
WHERE ur.user_id=$1 AND lower(r.name)=lower($2))`, userID, role).Scan(&ok)
	return ok, err
}

// UsersWithRole returns the ids of users holding any of the named roles.
func (s *Service) UsersWithRole(ctx context.Context, roles ...string) ([]int64, error) {
	names := normalizeRoles(roles)
	if len(names) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT ur.user_id FROM user_roles ur
JOIN roles r ON r.id = ur.role_id
WHERE lower(r.name) = ANY($1) ORDER BY ur.user_id`, names)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// AssignRole grants a role to a user by name.
func (s *Service) AssignRole(ctx context.Context, userID int64, role string) error {
	tag, err := s.pool.Exec(ctx, `INSERT INTO user_roles (user_id, role_id, created_at)
SELECT $1, id, NOW() FROM roles WHERE lower(name)=lower($2)
ON CONFLICT DO NOTHING`, userID, role)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM roles WHERE lower(name)=lower($1))`, role).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

func normalizeRoles(roles []string) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		r = strings.TrimSpace(strings.ToLower(r))
		if r == "" || slices.Contains(out, r) {
			continue
		}
		out = append(out, r)
	}
	return out
}
