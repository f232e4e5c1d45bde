package streams

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/smazurov/blockparty/internal/events"
	"github.com/smazurov/blockparty/internal/logging"
	"github.com/smazurov/blockparty/internal/process"
)

// Helper stdin commands understood by the capture helper.
const (
	CommandStartStream = "start-stream"
	CommandStopStream  = "stop-stream"
)

// Default timings.
const (
	DefaultWarmupDelay = time.Second
	DefaultRetryDelay  = 5 * time.Second
	DefaultKillTimeout = process.DefaultKillTimeout
)

// Timing holds the controller delays. Zero values take the defaults.
type Timing struct {
	WarmupDelay time.Duration
	RetryDelay  time.Duration
	KillTimeout time.Duration
}

func (t Timing) withDefaults() Timing {
	if t.WarmupDelay <= 0 {
		t.WarmupDelay = DefaultWarmupDelay
	}
	if t.RetryDelay <= 0 {
		t.RetryDelay = DefaultRetryDelay
	}
	if t.KillTimeout <= 0 {
		t.KillTimeout = DefaultKillTimeout
	}
	return t
}

// helperRole names a helper and the messages reported for its exits.
type helperRole struct {
	name        string
	stopped     string
	retryNotice string
}

var (
	roleCapture = helperRole{
		name:        "capture",
		stopped:     "capture stopped",
		retryNotice: "Connection to pulseaudio lost. Retrying...",
	}
	roleTransport = helperRole{
		name:        "transport",
		stopped:     "stream stopped",
		retryNotice: "Streaming process interrupted. Check log for details. Retrying...",
	}
)

// controller carries what Source and Sink share: the loop, state reporting
// and helper bookkeeping.
type controller struct {
	service      string
	loop         *loop
	logger       *slog.Logger
	helperLogger *slog.Logger
	reporter     Reporter
	bus          *events.Bus
	timing       Timing

	mu       sync.RWMutex
	state    ServiceState
	lastErr  error
	live     map[*process.Helper]string
	shutdown bool
}

func (c *controller) init(service string, reporter Reporter, bus *events.Bus, logger, helperLogger *slog.Logger, timing Timing) {
	if reporter == nil {
		reporter = nopReporter{}
	}
	if logger == nil {
		logger = logging.GetLogger(service)
	}
	if helperLogger == nil {
		helperLogger = logging.GetLogger("helper")
	}
	c.service = service
	c.loop = newLoop()
	c.logger = logger
	c.helperLogger = helperLogger
	c.reporter = reporter
	c.bus = bus
	c.timing = timing.withDefaults()
	c.state = ServiceState{Kind: StateInactive}
	c.live = make(map[*process.Helper]string)
}

// State returns the last reported state.
func (c *controller) State() ServiceState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LastError returns the last error diagnostic, or nil.
func (c *controller) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

func (c *controller) setState(kind State, message string) {
	c.mu.Lock()
	c.state = ServiceState{Kind: kind, Message: message}
	c.mu.Unlock()

	c.logger.Info("State changed", "state", kind, "message", message)
	c.reporter.SetState(kind, message)
	c.bus.Publish(events.ServiceStateChangedEvent{
		Service:   c.service,
		State:     string(kind),
		Message:   message,
		Timestamp: now(),
	})
}

func (c *controller) reportError(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()

	c.logger.Error("Error diagnostic", "error", err)
	c.reporter.SetErrorDiagnostic(err)
}

// spawnHelper starts a helper whose callbacks are marshalled onto the loop.
// Callbacks receive the handle they were registered for, so owners can
// ignore events from helpers they no longer hold.
func (c *controller) spawnHelper(
	role helperRole,
	command string,
	args []string,
	onMetadata func(h *process.Helper, payload string),
	onExit func(h *process.Helper, exit process.Exit),
) (*process.Helper, error) {
	var h *process.Helper

	handlers := process.Events{
		OnExit: func(exit process.Exit) {
			c.loop.post(func() { onExit(h, exit) })
		},
	}
	if onMetadata != nil {
		handlers.OnMetadata = func(payload string) {
			c.loop.post(func() { onMetadata(h, payload) })
		}
	}

	h, err := process.Spawn(process.SpawnOptions{
		Name:        role.name,
		Command:     command,
		Args:        args,
		Events:      handlers,
		KillTimeout: c.timing.KillTimeout,
		OnEscalate: func() {
			c.bus.Publish(events.HelperEscalatedEvent{
				Service:   c.service,
				Role:      role.name,
				PID:       h.PID(),
				Timestamp: now(),
			})
		},
		Logger:       c.logger,
		OutputLogger: c.helperLogger,
		LogParser:    process.ParseHelperLogLevel,
	})
	if err != nil {
		c.bus.Publish(events.HelperSpawnFailedEvent{
			Service:   c.service,
			Role:      role.name,
			Error:     err.Error(),
			Timestamp: now(),
		})
		return nil, err
	}

	c.track(h, role.name)
	c.bus.Publish(events.HelperSpawnedEvent{
		Service:   c.service,
		Role:      role.name,
		PID:       h.PID(),
		Args:      h.Args(),
		Timestamp: now(),
	})
	return h, nil
}

func (c *controller) track(h *process.Helper, role string) {
	c.mu.Lock()
	c.live[h] = role
	c.mu.Unlock()

	go func() {
		<-h.Done()
		c.untrack(h)
	}()
}

func (c *controller) untrack(h *process.Helper) {
	c.mu.Lock()
	delete(c.live, h)
	c.mu.Unlock()
}

func (c *controller) liveHelpers() []*process.Helper {
	c.mu.RLock()
	defer c.mu.RUnlock()
	helpers := make([]*process.Helper, 0, len(c.live))
	for h := range c.live {
		helpers = append(helpers, h)
	}
	return helpers
}

// Service returns the controller name used in logs and reports.
func (c *controller) Service() string {
	return c.service
}

// LiveHelpers returns the number of helper processes that have not exited yet,
// including helpers that were asked to stop.
func (c *controller) LiveHelpers() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.live)
}

// interruptAll sends SIGINT to every helper still alive, owned or not.
func (c *controller) interruptAll() {
	for _, h := range c.liveHelpers() {
		h.Interrupt()
	}
}

// waitDrained blocks until every helper exited. On ctx expiry it interrupts
// the stragglers and returns the context error.
func (c *controller) waitDrained(ctx context.Context) error {
	for {
		helpers := c.liveHelpers()
		if len(helpers) == 0 {
			return nil
		}
		for _, h := range helpers {
			select {
			case <-h.Done():
				c.untrack(h)
			case <-ctx.Done():
				c.logger.Warn("Helpers still running at shutdown deadline", "count", len(c.liveHelpers()))
				c.interruptAll()
				return ctx.Err()
			}
		}
	}
}

// applyExitPolicy reports an owned helper's exit and returns the retry timer
// for transient failures.
func (c *controller) applyExitPolicy(role helperRole, exit process.Exit, retry func()) *timer {
	kind := process.ClassifyExit(exit.Code)
	c.logger.Info("Helper exited", "role", role.name, "exit_code", exit.Code, "kind", kind.String())
	c.bus.Publish(events.HelperExitedEvent{
		Service:     c.service,
		Role:        role.name,
		ExitCode:    exit.Code,
		Kind:        kind.String(),
		LastMessage: exit.LastMessage,
		Timestamp:   now(),
	})

	switch kind {
	case process.ExitClean:
		c.setState(StateInactive, role.stopped)
	case process.ExitFatal:
		msg := exit.LastMessage
		if msg == "" {
			msg = fmt.Sprintf("%s helper failed", role.name)
		}
		c.setState(StateError, msg)
		c.reportError(NewStreamError(ErrCodeFatalExit, msg, exit.Err))
	case process.ExitTransient:
		c.setState(StateProblem, role.retryNotice)
		c.reportError(NewStreamError(ErrCodeTransientExit, role.name+" helper interrupted", exit.Err))
		return c.loop.schedule(c.timing.RetryDelay, retry)
	default:
		msg := fmt.Sprintf("%s helper process died unexpectedly (exit code %d)", role.name, exit.Code)
		c.setState(StateError, msg)
		c.reportError(NewStreamError(ErrCodeUnexpectedExit, msg, exit.Err))
	}
	return nil
}

func (c *controller) reportSpawnFailure(role helperRole, err error) {
	c.setState(StateError, fmt.Sprintf("unable to spawn %s helper", role.name))
	c.reportError(NewStreamError(ErrCodeSpawnFailure, "unable to spawn "+role.name+" helper", err))
}

func (c *controller) markShutdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return false
	}
	c.shutdown = true
	return true
}

func (c *controller) isShutdown() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.shutdown
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
