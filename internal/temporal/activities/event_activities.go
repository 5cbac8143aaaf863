package activities

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/activity"

	"github.com/helixir/orchestration-service/internal/domain"
)

// EventActivities publishes stream events on behalf of workflows, which cannot
// perform I/O themselves.
//
// Methods on this struct are registered as Temporal activities via the worker.
type EventActivities struct {
	events EventEmitter
}

// NewEventActivities creates a new EventActivities with the given emitter.
func NewEventActivities(emitter EventEmitter) *EventActivities {
	return &EventActivities{events: emitter}
}

// PublishEvent publishes one event synchronously.
//
// The event id and timestamp are assigned here, outside workflow code. Workflows
// call this with a single attempt and ignore its failure; a publish failure must
// never fail the workflow.
func (a *EventActivities) PublishEvent(ctx context.Context, input PublishEventInput) error {
	logger := activity.GetLogger(ctx)

	if input.Topic == "" {
		return classify(domain.NewValidationError("topic", "is required"))
	}

	event := domain.NewStreamEvent(input.Type, input.Data)
	if err := a.events.Publish(ctx, input.Topic, event); err != nil {
		logger.Error("failed to publish event",
			"topic", input.Topic,
			"type", input.Type,
			"error", err,
		)
		return fmt.Errorf("publish %s event: %w", input.Type, err)
	}

	logger.Debug("event published",
		"topic", input.Topic,
		"type", input.Type,
		"eventID", event.ID,
	)
	return nil
}
