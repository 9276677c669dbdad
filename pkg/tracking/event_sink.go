package tracking

import (
	"context"
	"fmt"

	"github.com/dukex/lazypipe/pkg/eventbus"
	"github.com/dukex/lazypipe/pkg/events"
)

// EventSink publishes every run as a run.logged event keyed by run id.
type EventSink struct {
	publisher eventbus.Publisher
}

func NewEventSink(publisher eventbus.Publisher) *EventSink {
	return &EventSink{publisher: publisher}
}

func (s *EventSink) LogRun(ctx context.Context, run Run) error {
	err := run.Validate()
	if err != nil {
		return err
	}

	event := events.RunLogged{
		BaseEvent:  events.NewBaseEvent(events.RunLoggedEvent, ""),
		RunID:      run.ID,
		Experiment: run.Experiment,
		Params:     run.Params,
		Metrics:    run.Metrics,
	}

	err = s.publisher.Publish(ctx, run.ID, event)
	if err != nil {
		return fmt.Errorf("failed to publish run %s: %w", run.ID, err)
	}

	return nil
}
