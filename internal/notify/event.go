// Package notify carries outbound workflow events to notification channels.
// Delivery is owned by downstream consumers; publishing never blocks a workflow.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the engine.
const (
	ApprovalRequested     = "approval.requested"
	ApprovalLevelAdvanced = "approval.level_advanced"
	ApprovalApproved      = "approval.approved"
	ApprovalRejected      = "approval.rejected"
	ApprovalEscalated     = "approval.escalated"

	RevisionApprovalRequired = "revision.approval_required"
	RevisionApproved         = "revision.approved"
	RevisionRejected         = "revision.rejected"

	PeriodSoftClosed    = "period.soft_closed"
	PeriodHardClosed    = "period.hard_closed"
	PeriodReopened      = "period.reopened"
	PeriodCloseReminder = "period.close_reminder"
)

// Event is the payload handed to every channel.
type Event struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	ResourceType   string         `json:"resource_type"`
	ResourceID     int64          `json:"resource_id"`
	ActorID        int64          `json:"actor_id,omitempty"`
	RecipientRoles []string       `json:"recipient_roles,omitempty"`
	RecipientUsers []int64        `json:"recipient_users,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
}

// NewEvent stamps a new event with an id and timestamp.
func NewEvent(eventType, resourceType string, resourceID int64, at time.Time) Event {
	return Event{
		ID:           uuid.NewString(),
		Type:         eventType,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		OccurredAt:   at,
	}
}

// HasRecipients reports whether anybody would receive the event.
func (e Event) HasRecipients() bool {
	return len(e.RecipientRoles) > 0 || len(e.RecipientUsers) > 0
}

// Publisher hands events to a channel.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Emit publishes evt and logs failures instead of returning them.
func Emit(ctx context.Context, pub Publisher, logger *slog.Logger, evt Event) {
	if pub == nil {
		return
	}
	if err := pub.Publish(ctx, evt); err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("notify: publish failed",
			slog.String("event", evt.Type),
			slog.String("resource", evt.ResourceType),
			slog.Int64("resource_id", evt.ResourceID),
			slog.Any("error", err),
		)
	}
}

// Multi fans an event out to several publishers.
type Multi []Publisher

// Publish implements Publisher. Every publisher is attempted.
func (m Multi) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }

// Recorder keeps events in memory. Used by dry runs and tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns recorded events with the given type.
func (r *Recorder) OfType(eventType string) []Event {
	var out []Event
	for _, evt := range r.Events() {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}
