package streams

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/smazurov/blockparty/internal/events"
	"github.com/smazurov/blockparty/internal/process"
)

// SinkConfig is the argument to Sink.Start.
type SinkConfig struct {
	// Path is the config channel record to follow.
	Path string
	// TransportHelper overrides the helper command.
	TransportHelper string
}

func (c SinkConfig) validate() error {
	if c.Path == "" {
		return fmt.Errorf("%w: missing record path", ErrInvalidConfig)
	}
	return nil
}

func (c SinkConfig) transportCommand() string {
	if c.TransportHelper != "" {
		return c.TransportHelper
	}
	return DefaultTransportHelper
}

// SinkOptions wires a Sink to its collaborators.
type SinkOptions struct {
	Subscriber   Subscriber
	Reporter     Reporter
	EventBus     *events.Bus
	Logger       *slog.Logger
	HelperLogger *slog.Logger
	Timing       Timing
}

// Sink follows the published stream properties and runs one receiving
// transport helper for the latest of them.
//
// Every update restarts the helper. The replacement is spawned only after
// the previous helper has exited, so two receivers never compete for the
// same ports.
type Sink struct {
	controller
	subscriber Subscriber

	// Owned by the loop goroutine.
	cfg          SinkConfig
	started      bool
	phase        Phase
	unsubscribe  func()
	props        *StreamProperties
	transport    *process.Helper
	streamActive bool
	waiting      *process.Helper
	retry        *timer
}

// NewSink creates a stopped Sink.
func NewSink(opts SinkOptions) *Sink {
	s := &Sink{subscriber: opts.Subscriber, phase: PhaseIdle}
	s.init("sink", opts.Reporter, opts.EventBus, opts.Logger, opts.HelperLogger, opts.Timing)
	return s
}

// Start subscribes to the record at cfg.Path. Nothing is spawned until the
// first valid update arrives. A running sink is stopped first.
func (s *Sink) Start(cfg SinkConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	if s.isShutdown() {
		return ErrClosed
	}

	var err error
	if !s.loop.call(func() { err = s.start(cfg) }) {
		return ErrClosed
	}
	return err
}

// UpdateStream restarts the receiving helper with props.
// Safe to call from any goroutine, including subscription callbacks.
func (s *Sink) UpdateStream(props StreamProperties) {
	s.loop.post(func() { s.updateStream(props) })
}

// Stop unsubscribes and requests termination of the receiving helper.
// Stopping a sink that was never started is a no-op.
func (s *Sink) Stop() {
	s.loop.call(s.stop)
}

// Shutdown stops the sink and waits until its helper has exited.
// Helpers still alive when ctx expires are interrupted.
func (s *Sink) Shutdown(ctx context.Context) error {
	if !s.markShutdown() {
		return nil
	}
	s.loop.call(s.stop)
	err := s.waitDrained(ctx)
	s.loop.close()
	return err
}

// Interrupt sends SIGINT to every helper still alive.
func (s *Sink) Interrupt() {
	s.interruptAll()
}

// Phase returns the current lifecycle phase.
func (s *Sink) Phase() Phase {
	phase := PhaseInactive
	s.loop.call(func() { phase = s.phase })
	return phase
}

// Stream returns the properties the sink is currently following, if any.
func (s *Sink) Stream() (StreamProperties, bool) {
	var props StreamProperties
	var ok bool
	s.loop.call(func() {
		if s.props != nil {
			props, ok = *s.props, true
		}
	})
	return props, ok
}

var _ Controller = (*Sink)(nil)

// CurrentStream implements Controller with the followed properties.
func (s *Sink) CurrentStream() (StreamProperties, bool) {
	return s.Stream()
}

func (s *Sink) start(cfg SinkConfig) error {
	if s.started {
		s.stop()
	}

	if s.subscriber == nil {
		return fmt.Errorf("%w: no subscriber configured", ErrInvalidConfig)
	}

	unsubscribe, err := s.subscriber.SubscribeStream(cfg.Path, s.UpdateStream)
	if err != nil {
		s.setState(StateError, "unable to subscribe to "+cfg.Path)
		s.reportError(fmt.Errorf("subscribe %s: %w", cfg.Path, err))
		return err
	}

	s.cfg = cfg
	s.started = true
	s.unsubscribe = unsubscribe
	s.phase = PhaseWaiting
	s.logger.Info("Following stream record", "path", cfg.Path)
	return nil
}

func (s *Sink) updateStream(props StreamProperties) {
	if !s.started {
		s.logger.Debug("Ignoring stream update while stopped", "props", props.String())
		return
	}
	if err := props.Validate(); err != nil {
		s.logger.Error("Wanted to start stream but have no valid properties", "error", err)
		s.reportError(NewStreamError(ErrCodeDecodeError, "invalid stream properties", err))
		return
	}

	s.logger.Info("Received stream properties", "props", props.String(), "parameters", props.Parameters)
	s.props = &props
	s.bus.Publish(events.StreamReceivedEvent{
		Path:       s.cfg.Path,
		Address:    props.Address,
		RTPPort:    props.RTPPort,
		RTCPPort:   props.RTCPPort,
		Parameters: props.Parameters,
		Timestamp:  now(),
	})
	s.restart()
}

// restart replaces the running helper. The spawn is deferred until the old
// helper is gone, and always uses the newest properties.
func (s *Sink) restart() {
	s.retry.cancel()
	s.retry = nil

	if s.transport != nil {
		old := s.transport
		s.transport = nil
		s.streamActive = false
		old.RequestStop()
		s.waitFor(old)
		return
	}
	if s.waiting != nil {
		return
	}
	s.spawnTransport()
}

// waitFor defers the next spawn until old has exited.
func (s *Sink) waitFor(old *process.Helper) {
	s.waiting = old
	s.phase = PhaseWaiting
	s.logger.Debug("Waiting for previous transport helper to exit", "pid", old.PID())

	go func() {
		<-old.Done()
		s.loop.post(func() {
			if s.waiting != old {
				return
			}
			s.waiting = nil
			if s.started && s.props != nil && s.transport == nil {
				s.spawnTransport()
			}
		})
	}()
}

func (s *Sink) spawnTransport() {
	props := *s.props
	s.setState(StateBusy, "starting stream ...")
	s.phase = PhaseSpawningTransport

	h, err := s.spawnHelper(roleTransport, s.cfg.transportCommand(), receiveArgs(props), nil, s.onTransportExit)
	if err != nil {
		s.phase = PhaseIdle
		s.reportSpawnFailure(roleTransport, err)
		return
	}

	s.transport = h
	s.streamActive = true
	s.phase = PhaseStreaming
	s.setState(StateOK, fmt.Sprintf("streaming from %s:%d (RTP/UDP)", props.Address, props.RTPPort))
}

func (s *Sink) onTransportExit(h *process.Helper, exit process.Exit) {
	if h != s.transport {
		return
	}
	s.transport = nil
	s.streamActive = false
	s.phase = PhaseIdle

	s.retry.cancel()
	s.retry = s.applyExitPolicy(roleTransport, exit, s.restart)
}

func (s *Sink) stop() {
	active := s.started || s.transport != nil || s.retry.pending()

	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	s.retry.cancel()
	s.retry = nil

	if !active {
		return
	}

	if s.transport != nil {
		old := s.transport
		s.transport = nil
		old.RequestStop()
		s.waitFor(old)
	}

	s.streamActive = false
	s.started = false
	s.props = nil
	s.phase = PhaseInactive
	s.setState(StateInactive, "stream stopped")
}
