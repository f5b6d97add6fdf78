package shared

import "fmt"

// Period statuses reused outside the close module.
const (
	PeriodStatusOpen       = "OPEN"
	PeriodStatusSoftClosed = "SOFT_CLOSED"
	PeriodStatusHardClosed = "HARD_CLOSED"
)

// ErrInvalidPeriodTransition indicates status change not allowed.
var ErrInvalidPeriodTransition = fmt.Errorf("period transition invalid: %w", ErrInvalidState)

// ValidatePeriodTransition checks transitions according to policy. Re-entering the
// current status is never a transition. hasOverride permits reopening a hard-closed period.
func ValidatePeriodTransition(current, target string, hasOverride bool) error {
	switch current {
	case PeriodStatusOpen:
		if target == PeriodStatusSoftClosed {
			return nil
		}
	case PeriodStatusSoftClosed:
		if target == PeriodStatusHardClosed || target == PeriodStatusOpen {
			return nil
		}
	case PeriodStatusHardClosed:
		if target == PeriodStatusOpen && hasOverride {
			return nil
		}
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidPeriodTransition, current, target)
}
