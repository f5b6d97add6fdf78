// Package settings resolves the named configuration values the workflow
// components consult at decision time.
package settings

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/periodguard/internal/shared"
)

// ClosingMode selects which close levels an organisation uses.
type ClosingMode string

const (
	ClosingModeSoftOnly    ClosingMode = "SOFT_ONLY"
	ClosingModeSoftAndHard ClosingMode = "SOFT_AND_HARD"
)

// Settings is the merged view of engine configuration. Environment defaults are
// read with envconfig; runtime overrides come from the engine_settings table.
type Settings struct {
	EscalationDefault         time.Duration   `envconfig:"APPROVAL_ESCALATION_DEFAULT" default:"48h" json:"escalation_default"`
	ClosingMode               ClosingMode     `envconfig:"CLOSING_MODE" default:"SOFT_AND_HARD" json:"closing_mode"`
	AllowReopenHardClosed     bool            `envconfig:"ALLOW_REOPEN_HARD_CLOSED" default:"false" json:"allow_reopen_hard_closed"`
	ReopenReasonMinLength     int             `envconfig:"REOPEN_REASON_MIN_LENGTH" default:"10" json:"reopen_reason_min_length"`
	RevisionApprovalKinds     []string        `envconfig:"REVISION_APPROVAL_KINDS" default:"EDIT,DELETE,UNPOST,REVERSE" json:"revision_approval_kinds"`
	RevisionApprovalSoftClose bool            `envconfig:"REVISION_APPROVAL_SOFT_CLOSE" default:"true" json:"revision_approval_soft_close"`
	RevisionApprovalHardClose bool            `envconfig:"REVISION_APPROVAL_HARD_CLOSE" default:"true" json:"revision_approval_hard_close"`
	RevisionAutoApproveBelow  decimal.Decimal `envconfig:"REVISION_AUTO_APPROVE_BELOW" default:"0" json:"revision_auto_approve_below"`
	RevisionApproverRoles     []string        `envconfig:"REVISION_APPROVER_ROLES" default:"finance_controller,cfo" json:"revision_approver_roles"`
	PeriodCloserRoles         []string        `envconfig:"PERIOD_CLOSER_ROLES" default:"finance_manager" json:"period_closer_roles"`
}

// Provider resolves the current settings.
type Provider interface {
	Current(ctx context.Context) (Settings, error)
}

// Defaults mirrors the envconfig defaults for callers that do not read the environment.
func Defaults() Settings {
	return Settings{
		EscalationDefault:         48 * time.Hour,
		ClosingMode:               ClosingModeSoftAndHard,
		ReopenReasonMinLength:     10,
		RevisionApprovalKinds:     []string{"EDIT", "DELETE", "UNPOST", "REVERSE"},
		RevisionApprovalSoftClose: true,
		RevisionApprovalHardClose: true,
		RevisionAutoApproveBelow:  decimal.Zero,
		RevisionApproverRoles:     []string{shared.RoleFinanceController, shared.RoleCFO},
		PeriodCloserRoles:         []string{shared.RoleFinanceManager},
	}
}

// Current lets a fixed Settings value act as a Provider.
func (s Settings) Current(context.Context) (Settings, error) {
	return s, nil
}

// Validate checks the merged configuration is usable.
func (s Settings) Validate() error {
	switch s.ClosingMode {
	case ClosingModeSoftOnly, ClosingModeSoftAndHard:
	default:
		return fmt.Errorf("settings: unknown closing mode %q: %w", s.ClosingMode, shared.ErrValidation)
	}
	if s.EscalationDefault < 0 {
		return fmt.Errorf("settings: escalation default cannot be negative: %w", shared.ErrValidation)
	}
	if s.ReopenReasonMinLength < 0 {
		return fmt.Errorf("settings: reopen reason length cannot be negative: %w", shared.ErrValidation)
	}
	if s.RevisionAutoApproveBelow.IsNegative() {
		return fmt.Errorf("settings: auto-approve threshold cannot be negative: %w", shared.ErrValidation)
	}
	return nil
}

// HardCloseEnabled reports whether the closing mode permits hard closing.
func (s Settings) HardCloseEnabled() bool {
	return s.ClosingMode == ClosingModeSoftAndHard
}

// EscalationTimeout returns the rule timeout, falling back to the configured default.
func (s Settings) EscalationTimeout(ruleTimeout time.Duration) time.Duration {
	if ruleTimeout > 0 {
		return ruleTimeout
	}
	return s.EscalationDefault
}

// RequiresRevisionApproval decides whether a revision of kind against a period in
// periodStatus must wait for an approver.
func (s Settings) RequiresRevisionApproval(kind, periodStatus string, impact decimal.Decimal) bool {
	if !slices.Contains(s.RevisionApprovalKinds, strings.ToUpper(kind)) {
		return false
	}
	switch periodStatus {
	case shared.PeriodStatusSoftClosed:
		if !s.RevisionApprovalSoftClose {
			return false
		}
	case shared.PeriodStatusHardClosed:
		if !s.RevisionApprovalHardClose {
			return false
		}
	}
	if s.RevisionAutoApproveBelow.IsPositive() && impact.LessThan(s.RevisionAutoApproveBelow) {
		return false
	}
	return true
}

// Override keys accepted by Apply.
const (
	KeyEscalationDefault         = "approval_escalation_default"
	KeyClosingMode               = "closing_mode"
	KeyAllowReopenHardClosed     = "allow_reopen_hard_closed"
	KeyReopenReasonMinLength     = "reopen_reason_min_length"
	KeyRevisionApprovalKinds     = "revision_approval_kinds"
	KeyRevisionApprovalSoftClose = "revision_approval_soft_close"
	KeyRevisionApprovalHardClose = "revision_approval_hard_close"
	KeyRevisionAutoApproveBelow  = "revision_auto_approve_below"
	KeyRevisionApproverRoles     = "revision_approver_roles"
	KeyPeriodCloserRoles         = "period_closer_roles"
)

// Apply returns a copy of s with the overrides applied.
func (s Settings) Apply(overrides map[string]string) (Settings, error) {
	out := s
	out.RevisionApprovalKinds = slices.Clone(s.RevisionApprovalKinds)
	out.RevisionApproverRoles = slices.Clone(s.RevisionApproverRoles)
	out.PeriodCloserRoles = slices.Clone(s.PeriodCloserRoles)
	for key, raw := range overrides {
		value := strings.TrimSpace(raw)
		var err error
		switch key {
		case KeyEscalationDefault:
			out.EscalationDefault, err = time.ParseDuration(value)
		case KeyClosingMode:
			out.ClosingMode = ClosingMode(strings.ToUpper(value))
		case KeyAllowReopenHardClosed:
			out.AllowReopenHardClosed, err = strconv.ParseBool(value)
		case KeyReopenReasonMinLength:
			out.ReopenReasonMinLength, err = strconv.Atoi(value)
		case KeyRevisionApprovalKinds:
			out.RevisionApprovalKinds = splitList(value, true)
		case KeyRevisionApprovalSoftClose:
			out.RevisionApprovalSoftClose, err = strconv.ParseBool(value)
		case KeyRevisionApprovalHardClose:
			out.RevisionApprovalHardClose, err = strconv.ParseBool(value)
		case KeyRevisionAutoApproveBelow:
			out.RevisionAutoApproveBelow, err = decimal.NewFromString(value)
		case KeyRevisionApproverRoles:
			out.RevisionApproverRoles = splitList(value, false)
		case KeyPeriodCloserRoles:
			out.PeriodCloserRoles = splitList(value, false)
		default:
			return Settings{}, fmt.Errorf("settings: unknown key %q: %w", key, shared.ErrValidation)
		}
		if err != nil {
			return Settings{}, fmt.Errorf("settings: %s: %v: %w", key, err, shared.ErrValidation)
		}
	}
	if err := out.Validate(); err != nil {
		return Settings{}, err
	}
	return out, nil
}

func splitList(value string, upper bool) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if upper {
			p = strings.ToUpper(p)
		}
		out = append(out, p)
	}
	return out
}
