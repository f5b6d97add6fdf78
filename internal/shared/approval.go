package shared

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ApprovalAction enumerates approval log actions.
type ApprovalAction string

const (
	// ApprovalSubmit marks a submit action.
	ApprovalSubmit ApprovalAction = "SUBMIT"
	// ApprovalApprove marks an approve action.
	ApprovalApprove ApprovalAction = "APPROVE"
	// ApprovalReject marks a reject action.
	ApprovalReject ApprovalAction = "REJECT"
	// ApprovalEscalate marks an overdue escalation.
	ApprovalEscalate ApprovalAction = "ESCALATE"
	// ApprovalAutoApprove marks a system approval without a human decision.
	ApprovalAutoApprove ApprovalAction = "AUTO_APPROVE"
)

// Approval log modules.
const (
	ApprovalModuleDocument = "approval"
	ApprovalModuleRevision = "revision"
)

// ApprovalLog represents a single approval record.
type ApprovalLog struct {
	ID      int64
	Module  string
	RefID   int64
	Level   int
	ActorID int64
	Action  ApprovalAction
	Note    string
	At      time.Time
}

// ApprovalHistory is the port workflow services write to.
type ApprovalHistory interface {
	Record(ctx context.Context, log ApprovalLog) error
	List(ctx context.Context, module string, refID int64) ([]ApprovalLog, error)
}

// ApprovalRecorder persists approval history.
type ApprovalRecorder struct {
	conn   ConnFunc
	logger *slog.Logger
}

// NewApprovalRecorder constructs ApprovalRecorder.
func NewApprovalRecorder(conn ConnFunc, logger *slog.Logger) *ApprovalRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ApprovalRecorder{conn: conn, logger: logger}
}

// Record writes approval entry to database.
func (r *ApprovalRecorder) Record(ctx context.Context, log ApprovalLog) error {
	if r == nil || r.conn == nil {
		return errors.New("approval recorder not initialised")
	}
	if log.Module == "" {
		return errors.New("approval module required")
	}
	if log.RefID == 0 {
		return errors.New("approval ref id required")
	}
	if log.Action == "" {
		return errors.New("approval action required")
	}
	var at *time.Time
	if !log.At.IsZero() {
		at = &log.At
	}
	_, err := r.conn(ctx).Exec(ctx, `INSERT INTO approval_actions (module, ref_id, level, actor_id, action, note, at)
VALUES ($1, $2, $3, NULLIF($4, 0), $5, $6, COALESCE($7, NOW()))`, log.Module, log.RefID, log.Level, log.ActorID, string(log.Action), log.Note, at)
	if err != nil {
		r.logger.Error("record approval", slog.Any("error", err))
		return err
	}
	return nil
}

// List returns approvals for module/ref.
func (r *ApprovalRecorder) List(ctx context.Context, module string, refID int64) ([]ApprovalLog, error) {
	if r == nil || r.conn == nil {
		return nil, errors.New("approval recorder not initialised")
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT id, module, ref_id, level, COALESCE(actor_id, 0), action, note, at
FROM approval_actions WHERE module=$1 AND ref_id=$2 ORDER BY at ASC, id ASC`, module, refID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var logs []ApprovalLog
	for rows.Next() {
		var l ApprovalLog
		var action string
		if err := rows.Scan(&l.ID, &l.Module, &l.RefID, &l.Level, &l.ActorID, &action, &l.Note, &l.At); err != nil {
			return nil, err
		}
		l.Action = ApprovalAction(action)
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}
