package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
)

// TaskDispatch is the asynq task type carrying an Event to the worker.
const TaskDispatch = "notify:dispatch"

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqPublisher queues events for the worker's dispatch handler.
type AsynqPublisher struct {
	client Enqueuer
	queue  string
}

// NewAsynqPublisher constructs a publisher writing to queue.
func NewAsynqPublisher(client Enqueuer, queue string) *AsynqPublisher {
	if queue == "" {
		queue = "default"
	}
	return &AsynqPublisher{client: client, queue: queue}
}

// Publish implements Publisher.
func (p *AsynqPublisher) Publish(ctx context.Context, evt Event) error {
	if p == nil || p.client == nil {
		return errors.New("notify: asynq client not configured")
	}
	task, err := NewDispatchTask(evt)
	if err != nil {
		return err
	}
	if _, err := p.client.EnqueueContext(ctx, task, asynq.Queue(p.queue), asynq.MaxRetry(5), asynq.TaskID(evt.ID)); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return fmt.Errorf("notify: enqueue %s: %w", evt.Type, err)
	}
	return nil
}

// NewDispatchTask wraps evt into an asynq task.
func NewDispatchTask(evt Event) (*asynq.Task, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDispatch, data), nil
}

// ParseDispatchTask decodes the event carried by t.
func ParseDispatchTask(t *asynq.Task) (Event, error) {
	var evt Event
	if err := json.Unmarshal(t.Payload(), &evt); err != nil {
		return Event{}, err
	}
	return evt, nil
}
