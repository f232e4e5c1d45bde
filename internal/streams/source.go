package streams

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/smazurov/blockparty/internal/events"
	"github.com/smazurov/blockparty/internal/process"
)

// Default helper executables.
const (
	DefaultCaptureHelper   = "iw-pa-helper"
	DefaultTransportHelper = "iw-gst-helper"
)

// SourceConfig is the argument to Source.Start.
type SourceConfig struct {
	// Path is the config channel record the stream properties are published under.
	Path     string
	Address  string
	RTPPort  int
	RTCPPort int

	// CaptureHelper and TransportHelper override the helper commands.
	CaptureHelper   string
	TransportHelper string
}

func (c SourceConfig) validate() error {
	if c.Path == "" {
		return fmt.Errorf("%w: missing record path", ErrInvalidConfig)
	}
	if c.Address == "" {
		return fmt.Errorf("%w: missing address", ErrInvalidConfig)
	}
	if !validPort(c.RTPPort) || !validPort(c.RTCPPort) {
		return fmt.Errorf("%w: ports %d/%d out of range", ErrInvalidConfig, c.RTPPort, c.RTCPPort)
	}
	return nil
}

func (c SourceConfig) captureCommand() string {
	if c.CaptureHelper != "" {
		return c.CaptureHelper
	}
	return DefaultCaptureHelper
}

func (c SourceConfig) transportCommand() string {
	if c.TransportHelper != "" {
		return c.TransportHelper
	}
	return DefaultTransportHelper
}

// SourceOptions wires a Source to its collaborators.
type SourceOptions struct {
	Publisher    Publisher
	Reporter     Reporter
	EventBus     *events.Bus
	Logger       *slog.Logger
	HelperLogger *slog.Logger
	Timing       Timing
}

// Source captures local audio and sends it as a multicast RTP stream.
//
// It runs two helpers: the capture helper, which stays up while the source
// is started and is told to start and stop streaming over stdin, and the
// transport helper, which sends the stream and reports its parameters as
// metadata. Those parameters are published for sinks to pick up.
type Source struct {
	controller
	publisher Publisher

	// Owned by the loop goroutine.
	cfg            SourceConfig
	started        bool
	phase          Phase
	capture        *process.Helper
	transport      *process.Helper
	streamActive   bool
	published      *StreamProperties
	warmup         *timer
	retryCapture   *timer
	retryTransport *timer

	// retiring holds helpers asked to stop that have not exited yet.
	// deferred runs once the last of them is gone.
	retiring map[*process.Helper]struct{}
	deferred func()
}

// NewSource creates a stopped Source.
func NewSource(opts SourceOptions) *Source {
	s := &Source{
		publisher: opts.Publisher,
		phase:     PhaseIdle,
		retiring:  make(map[*process.Helper]struct{}),
	}
	s.init("source", opts.Reporter, opts.EventBus, opts.Logger, opts.HelperLogger, opts.Timing)
	return s
}

// Start stores cfg and spawns the capture helper asynchronously.
// A running source is stopped first.
func (s *Source) Start(cfg SourceConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	if s.isShutdown() || !s.loop.post(func() { s.start(cfg) }) {
		return ErrClosed
	}
	return nil
}

// Stop stops streaming and requests termination of both helpers.
// Stopping a source that was never started is a no-op.
func (s *Source) Stop() {
	s.loop.call(s.stop)
}

// Shutdown stops the source and waits until its helpers have exited.
// Helpers still alive when ctx expires are interrupted.
func (s *Source) Shutdown(ctx context.Context) error {
	if !s.markShutdown() {
		return nil
	}
	s.loop.call(s.stop)
	err := s.waitDrained(ctx)
	s.loop.close()
	return err
}

// Interrupt sends SIGINT to every helper still alive.
func (s *Source) Interrupt() {
	s.interruptAll()
}

// Phase returns the current lifecycle phase.
func (s *Source) Phase() Phase {
	phase := PhaseInactive
	s.loop.call(func() { phase = s.phase })
	return phase
}

// Published returns the last properties published, if any.
func (s *Source) Published() (StreamProperties, bool) {
	var props StreamProperties
	var ok bool
	s.loop.call(func() {
		if s.published != nil {
			props, ok = *s.published, true
		}
	})
	return props, ok
}

var _ Controller = (*Source)(nil)

// CurrentStream implements Controller with the published properties.
func (s *Source) CurrentStream() (StreamProperties, bool) {
	return s.Published()
}

func (s *Source) start(cfg SourceConfig) {
	if s.started {
		s.stop()
	}
	s.cfg = cfg
	s.started = true
	s.spawnCapture()
}

func (s *Source) spawnCapture() {
	s.retryCapture = nil
	if s.waitRetiring(s.spawnCapture) {
		return
	}
	s.phase = PhaseSpawningCapture

	h, err := s.spawnHelper(roleCapture, s.cfg.captureCommand(), nil, nil, s.onCaptureExit)
	if err != nil {
		s.phase = PhaseIdle
		s.reportSpawnFailure(roleCapture, err)
		return
	}
	s.capture = h

	s.setState(StateBusy, "about to start stream ...")
	s.phase = PhaseWarmup
	s.warmup = s.loop.schedule(s.timing.WarmupDelay, s.startStream)
}

func (s *Source) startStream() {
	s.warmup = nil
	s.retryTransport = nil

	if s.capture == nil {
		s.logger.Error("Wanted to start stream but capture helper is gone")
		return
	}
	if s.streamActive {
		s.teardownTransport()
	}
	if s.waitRetiring(s.startStream) {
		return
	}

	s.setState(StateBusy, "starting stream ...")
	s.phase = PhaseSpawningTransport

	if err := s.capture.Write(CommandStartStream); err != nil {
		s.logger.Warn("Failed to tell capture helper to start", "error", err)
	}

	args := sendArgs(s.cfg.Address, s.cfg.RTPPort, s.cfg.RTCPPort)
	h, err := s.spawnHelper(roleTransport, s.cfg.transportCommand(), args, s.onTransportMetadata, s.onTransportExit)
	if err != nil {
		s.phase = PhaseIdle
		if werr := s.capture.Write(CommandStopStream); werr != nil {
			s.logger.Warn("Failed to tell capture helper to stop", "error", werr)
		}
		s.reportSpawnFailure(roleTransport, err)
		return
	}

	s.transport = h
	s.streamActive = true
	s.phase = PhaseStreaming
}

// teardownTransport tells capture to stop streaming, then stops the transport helper.
func (s *Source) teardownTransport() {
	if !s.streamActive {
		return
	}
	s.streamActive = false

	if s.capture != nil {
		if err := s.capture.Write(CommandStopStream); err != nil {
			s.logger.Warn("Failed to tell capture helper to stop", "error", err)
		}
	} else {
		s.logger.Error("Wanted to stop stream but capture helper is gone")
	}

	if s.transport != nil {
		h := s.transport
		s.transport = nil
		s.retire(h)
	}
}

// retire asks h to stop and tracks it until it has exited.
func (s *Source) retire(h *process.Helper) {
	h.RequestStop()
	s.retiring[h] = struct{}{}
	go func() {
		<-h.Done()
		s.loop.post(func() { s.retired(h) })
	}()
}

func (s *Source) retired(h *process.Helper) {
	delete(s.retiring, h)
	if len(s.retiring) > 0 || s.deferred == nil {
		return
	}
	next := s.deferred
	s.deferred = nil
	next()
}

// waitRetiring defers next while stopped helpers are still alive, so a new
// capture or transport helper never runs next to the one it replaces.
func (s *Source) waitRetiring(next func()) bool {
	if len(s.retiring) == 0 {
		return false
	}
	s.deferred = next
	s.phase = PhaseWaiting
	s.logger.Debug("Waiting for previous helpers to exit", "count", len(s.retiring))
	return true
}

func (s *Source) stop() {
	active := s.started || s.capture != nil || s.transport != nil || s.deferred != nil ||
		s.warmup.pending() || s.retryCapture.pending() || s.retryTransport.pending()

	s.warmup.cancel()
	s.retryCapture.cancel()
	s.retryTransport.cancel()
	s.warmup, s.retryCapture, s.retryTransport = nil, nil, nil
	s.deferred = nil

	if !active {
		return
	}

	s.teardownTransport()
	if s.capture != nil {
		h := s.capture
		s.capture = nil
		s.retire(h)
	}

	s.started = false
	s.published = nil
	s.phase = PhaseInactive
	s.setState(StateInactive, "stream stopped")
}

func (s *Source) onTransportMetadata(h *process.Helper, payload string) {
	if h != s.transport {
		return
	}

	props := StreamProperties{
		Address:    s.cfg.Address,
		RTPPort:    s.cfg.RTPPort,
		RTCPPort:   s.cfg.RTCPPort,
		Parameters: payload,
	}

	if s.publisher == nil {
		s.logger.Warn("No publisher configured, stream properties not shared", "props", props.String())
	} else if err := s.publisher.PublishStream(s.cfg.Path, props); err != nil {
		s.setState(StateProblem, "unable to publish stream properties")
		s.reportError(NewStreamError(ErrCodePublishFailure, "publish "+s.cfg.Path, err))
		return
	}

	s.published = &props
	s.logger.Info("Published stream properties", "path", s.cfg.Path, "props", props.String(), "parameters", payload)
	s.bus.Publish(events.StreamPublishedEvent{
		Path:       s.cfg.Path,
		Address:    props.Address,
		RTPPort:    props.RTPPort,
		RTCPPort:   props.RTCPPort,
		Parameters: props.Parameters,
		Timestamp:  now(),
	})
	s.setState(StateOK, "stream active")
}

func (s *Source) onTransportExit(h *process.Helper, exit process.Exit) {
	if h != s.transport {
		return
	}
	s.transport = nil
	s.streamActive = false
	s.phase = PhaseIdle

	if s.capture != nil {
		if err := s.capture.Write(CommandStopStream); err != nil {
			s.logger.Warn("Failed to tell capture helper to stop", "error", err)
		}
	}

	s.retryTransport.cancel()
	s.retryTransport = s.applyExitPolicy(roleTransport, exit, s.startStream)
	if exit.Code == 0 {
		s.phase = PhaseInactive
	}
}

func (s *Source) onCaptureExit(h *process.Helper, exit process.Exit) {
	if h != s.capture {
		return
	}
	s.capture = nil
	s.phase = PhaseIdle
	s.deferred = nil

	s.warmup.cancel()
	s.warmup = nil

	// The transport has nothing left to send.
	s.retryTransport.cancel()
	s.retryTransport = nil
	if s.streamActive || s.transport != nil {
		s.logger.Warn("Capture helper exited while streaming, stopping transport", "exit_code", exit.Code)
		s.streamActive = false
		if s.transport != nil {
			t := s.transport
			s.transport = nil
			s.retire(t)
		}
		if exit.Code != 0 {
			s.reportError(NewStreamError(ErrCodeDependencyFailure, "capture helper exited while streaming", exit.Err))
		}
	}

	s.retryCapture.cancel()
	s.retryCapture = s.applyExitPolicy(roleCapture, exit, s.spawnCapture)
	if exit.Code == 0 {
		s.phase = PhaseInactive
	}
}
