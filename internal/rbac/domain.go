package rbac

import "time"

// Role represents a named grouping referenced by approval chains and settings.
type Role struct {
	ID          int64
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
