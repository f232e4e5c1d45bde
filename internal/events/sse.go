package events

import "github.com/kelindar/event"

// SubscribeToChannel forwards events of type T into ch, dropping them while
// ch is full. SSE handlers select on ch alongside the request context.
func SubscribeToChannel[T Event](bus *Bus, ch chan<- any) func() {
	return event.Subscribe(bus.dispatcher, func(e T) {
		select {
		case ch <- e:
		default:
			// slow client
		}
	})
}
