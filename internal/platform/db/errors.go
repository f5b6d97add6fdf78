package db

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/odyssey-erp/periodguard/internal/shared"
)

// PostgreSQL error codes the engine reacts to.
const (
	codeForeignKeyViolation  = "23503"
	codeUniqueViolation      = "23505"
	codeExclusionViolation   = "23P01"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
)

// ErrDuplicate indicates a unique constraint rejected the write.
var ErrDuplicate = errors.New("platform/db: duplicate entry")

// ErrExclusion indicates an exclusion constraint rejected the write.
var ErrExclusion = errors.New("platform/db: exclusion constraint violated")

// MapError converts driver errors into engine error kinds. Unknown errors pass through.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
		return fmt.Errorf("%w: %s", shared.ErrConcurrentModification, pgErr.Message)
	case codeUniqueViolation:
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
	case codeExclusionViolation:
		return fmt.Errorf("%w: %s", ErrExclusion, pgErr.ConstraintName)
	}
	return err
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == codeUniqueViolation
	}
	return errors.Is(err, ErrDuplicate)
}

// IsForeignKeyViolation reports whether err is a foreign key violation, such as
// deleting a row another row still references.
func IsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeForeignKeyViolation
}
