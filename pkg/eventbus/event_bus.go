// Package eventbus publishes evaluation lifecycle events to subscribers.
package eventbus

import (
	"context"

	"github.com/dukex/lazypipe/pkg/events"
)

type Event interface {
	GetType() events.EventType
}

// Publisher is the side of the bus the evaluator and tracking sinks use.
type Publisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

type Subscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

type EventHandler func(ctx context.Context, event any) error

type EventBus interface {
	Publisher
	Subscriber
	Close() error
	GenerateID() string
}
