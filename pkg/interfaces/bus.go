package interfaces

import (
	"context"

	"github.com/buildflow/buildflow/pkg/types"
)

// EventHandler handles one delivery. A returned error asks the bus to redeliver.
type EventHandler func(ctx context.Context, event types.Event) error

// Subscriber routes deliveries of an event type to a handler
type Subscriber interface {
	Subscribe(eventType string, handler EventHandler)
}

// Bus is a dispatcher that also delivers to subscribers
type Bus interface {
	Dispatcher
	Subscriber
	Start(ctx context.Context) error
	Stop()
}
