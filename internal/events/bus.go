// Package events carries driver notifications between the DMA engine, the
// reset controller and the API.
package events

import (
	"time"

	"github.com/kelindar/event"
)

// Publisher is what producers need from a Bus.
type Publisher interface {
	Publish(ev Event)
}

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
// Usage: bus.Publish(BufferDoneEvent{...})
func (b *Bus) Publish(ev Event) {
	switch e := ev.(type) {
	case CaptureStartedEvent:
		event.Publish(b.dispatcher, e)
	case CaptureStoppedEvent:
		event.Publish(b.dispatcher, e)
	case BufferDoneEvent:
		event.Publish(b.dispatcher, e)
	case DMAErrorEvent:
		event.Publish(b.dispatcher, e)
	case DMATimeoutEvent:
		event.Publish(b.dispatcher, e)
	case FirmwareResetEvent:
		event.Publish(b.dispatcher, e)
	case EndOfStreamEvent:
		event.Publish(b.dispatcher, e)
	case StreamStatsEvent:
		event.Publish(b.dispatcher, e)
	case LogEntryEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe subscribes to events with a handler function.
// The handler type determines which events it receives.
// Returns an unsubscribe function
// Usage: unsub := bus.Subscribe(func(e DMATimeoutEvent) { ... })
func (b *Bus) Subscribe(handler any) func() {
	switch h := handler.(type) {
	case func(CaptureStartedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(CaptureStoppedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(BufferDoneEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(DMAErrorEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(DMATimeoutEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(FirmwareResetEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(EndOfStreamEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(StreamStatsEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(LogEntryEvent):
		return event.Subscribe(b.dispatcher, h)
	default:
		// Return a no-op function if handler type is not recognized
		return func() {}
	}
}

// Discard drops every event. Used where no bus is wired.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(Event) {}

// Now formats the current time the way every event timestamp is written.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
