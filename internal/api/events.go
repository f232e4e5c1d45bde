package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/smazurov/blockparty/internal/events"
)

// sseEventTypes maps SSE event names to the payload sent under them.
var sseEventTypes = map[string]any{
	"state":               events.ServiceStateChangedEvent{},
	"helper-spawned":      events.HelperSpawnedEvent{},
	"helper-spawn-failed": events.HelperSpawnFailedEvent{},
	"helper-exited":       events.HelperExitedEvent{},
	"helper-escalated":    events.HelperEscalatedEvent{},
	"stream-published":    events.StreamPublishedEvent{},
	"stream-received":     events.StreamReceivedEvent{},
	"config-reloaded":     events.ConfigReloadedEvent{},
}

// registerSSERoutes registers the live event stream.
func (s *Server) registerSSERoutes() {
	if s.options.EventBus == nil {
		return
	}

	sse.Register(s.api, huma.Operation{
		OperationID: "events-stream",
		Method:      http.MethodGet,
		Path:        "/api/events",
		Summary:     "Event stream",
		Description: "State changes, helper lifecycle and stream updates as Server-Sent Events. The current state is sent first.",
		Tags:        []string{"events"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, sseEventTypes, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		eventCh := make(chan any, 32)
		bus := s.options.EventBus
		unsubscribers := []func(){
			events.SubscribeToChannel[events.ServiceStateChangedEvent](bus, eventCh),
			events.SubscribeToChannel[events.HelperSpawnedEvent](bus, eventCh),
			events.SubscribeToChannel[events.HelperSpawnFailedEvent](bus, eventCh),
			events.SubscribeToChannel[events.HelperExitedEvent](bus, eventCh),
			events.SubscribeToChannel[events.HelperEscalatedEvent](bus, eventCh),
			events.SubscribeToChannel[events.StreamPublishedEvent](bus, eventCh),
			events.SubscribeToChannel[events.StreamReceivedEvent](bus, eventCh),
			events.SubscribeToChannel[events.ConfigReloadedEvent](bus, eventCh),
		}
		defer func() {
			for _, unsub := range unsubscribers {
				unsub()
			}
		}()

		if c := s.options.Controller; c != nil {
			st := c.State()
			if err := send.Data(events.ServiceStateChangedEvent{
				Service:   c.Service(),
				State:     string(st.Kind),
				Message:   st.Message,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			}); err != nil {
				return
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-eventCh:
				if err := send.Data(ev); err != nil {
					return
				}
			}
		}
	})
}
