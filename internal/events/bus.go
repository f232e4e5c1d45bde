package events

import (
	"github.com/kelindar/event"
)

// Bus wraps kelindar/event dispatcher for event broadcasting
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus
func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// Publish publishes an event to all subscribers
// Usage: bus.Publish(ServiceStateChangedEvent{...})
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}

	// kelindar/event is generic over the concrete type
	switch e := ev.(type) {
	case ServiceStateChangedEvent:
		event.Publish(b.dispatcher, e)
	case HelperSpawnedEvent:
		event.Publish(b.dispatcher, e)
	case HelperSpawnFailedEvent:
		event.Publish(b.dispatcher, e)
	case HelperExitedEvent:
		event.Publish(b.dispatcher, e)
	case HelperEscalatedEvent:
		event.Publish(b.dispatcher, e)
	case StreamPublishedEvent:
		event.Publish(b.dispatcher, e)
	case StreamReceivedEvent:
		event.Publish(b.dispatcher, e)
	case ConfigReloadedEvent:
		event.Publish(b.dispatcher, e)
	case LogEntryEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe subscribes to events with a handler function
// The handler type determines which events it receives
// Returns an unsubscribe function
// Usage: unsub := bus.Subscribe(func(e HelperExitedEvent) { ... })
func (b *Bus) Subscribe(handler any) func() {
	switch h := handler.(type) {
	case func(ServiceStateChangedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(HelperSpawnedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(HelperSpawnFailedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(HelperExitedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(HelperEscalatedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(StreamPublishedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(StreamReceivedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(ConfigReloadedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(LogEntryEvent):
		return event.Subscribe(b.dispatcher, h)
	default:
		// Return a no-op function if handler type is not recognized
		return func() {}
	}
}
