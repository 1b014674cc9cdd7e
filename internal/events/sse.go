package events

import "github.com/kelindar/event"

// DeviceEvent is an event raised by one device.
type DeviceEvent interface {
	Event
	DeviceName() string
}

// SubscribeToChannel forwards every T published on bus into ch for select
// loops such as the huma SSE handlers. A full channel drops the event rather
// than stalling the publisher.
func SubscribeToChannel[T Event](bus *Bus, ch chan<- any) func() {
	return event.Subscribe(bus.dispatcher, func(e T) {
		forward(ch, e)
	})
}

// SubscribeDevice is SubscribeToChannel limited to events of one device. An
// empty device forwards all of them.
func SubscribeDevice[T DeviceEvent](bus *Bus, device string, ch chan<- any) func() {
	if device == "" {
		return SubscribeToChannel[T](bus, ch)
	}
	return event.Subscribe(bus.dispatcher, func(e T) {
		if e.DeviceName() == device {
			forward(ch, e)
		}
	})
}

func forward(ch chan<- any, e any) {
	select {
	case ch <- e:
	default:
	}
}
