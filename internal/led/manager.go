package led

import (
	"log/slog"
	"sync"

	"github.com/smazurov/blockparty/internal/events"
	"github.com/smazurov/blockparty/internal/streams"
)

// StatusName is the LED the follower drives.
const StatusName = "status"

// PatternFor maps a controller state to the LED pattern showing it.
func PatternFor(state string) Pattern {
	switch streams.State(state) {
	case streams.StateOK:
		return PatternSolid
	case streams.StateBusy, streams.StateProblem, streams.StateError:
		return PatternBlink
	default:
		return PatternOff
	}
}

// Follower mirrors service state changes onto the status LED.
type Follower struct {
	controller Controller
	logger     *slog.Logger

	mu          sync.Mutex
	current     Pattern
	unsubscribe func()
}

// NewFollower creates a follower for controller.
func NewFollower(controller Controller, logger *slog.Logger) *Follower {
	if logger == nil {
		logger = slog.Default()
	}
	return &Follower{controller: controller, logger: logger}
}

// Start subscribes to state changes on bus and turns the LED off.
func (f *Follower) Start(bus *events.Bus) {
	f.apply(PatternOff)
	unsubscribe := bus.Subscribe(func(e events.ServiceStateChangedEvent) {
		f.apply(PatternFor(e.State))
	})
	f.mu.Lock()
	f.unsubscribe = unsubscribe
	f.mu.Unlock()
}

// Stop unsubscribes and turns the LED off.
func (f *Follower) Stop() {
	f.mu.Lock()
	unsubscribe := f.unsubscribe
	f.unsubscribe = nil
	f.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	f.apply(PatternOff)
}

func (f *Follower) apply(p Pattern) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p == f.current {
		return
	}
	if err := f.controller.Set(StatusName, p); err != nil {
		f.logger.Warn("Failed to set status LED", "pattern", string(p), "error", err)
		return
	}
	f.logger.Debug("Status LED", "pattern", string(p))
	f.current = p
}
