package metrics

import (
	"github.com/smazurov/blockparty/internal/events"
)

// Subscribe feeds the collectors from the event bus.
// Returns a function that removes all subscriptions.
func Subscribe(bus *events.Bus) func() {
	unsubs := []func(){
		bus.Subscribe(func(e events.HelperSpawnedEvent) {
			RecordSpawn(e.Role, true)
		}),
		bus.Subscribe(func(e events.HelperSpawnFailedEvent) {
			RecordSpawn(e.Role, false)
		}),
		bus.Subscribe(func(e events.HelperExitedEvent) {
			RecordExit(e.Role, e.Kind)
		}),
		bus.Subscribe(func(e events.HelperEscalatedEvent) {
			RecordKillEscalation(e.Role)
		}),
		bus.Subscribe(func(events.StreamPublishedEvent) {
			RecordPublished()
		}),
		bus.Subscribe(func(e events.ServiceStateChangedEvent) {
			SetServiceState(e.State)
		}),
	}

	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}
