package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/smazurov/blockparty/cmd"
	"github.com/smazurov/blockparty/internal/api"
	"github.com/smazurov/blockparty/internal/config"
	"github.com/smazurov/blockparty/internal/events"
	"github.com/smazurov/blockparty/internal/led"
	"github.com/smazurov/blockparty/internal/logging"
	"github.com/smazurov/blockparty/internal/metrics"
	"github.com/smazurov/blockparty/internal/nats"
	"github.com/smazurov/blockparty/internal/process"
	"github.com/smazurov/blockparty/internal/streams"
	"github.com/smazurov/blockparty/internal/systemd"
	"github.com/smazurov/blockparty/internal/version"
	"github.com/spf13/cobra"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"config.toml"`

	// Mode: exactly one of source or sink is set
	Source string `help:"Record path to publish the local audio stream under" toml:"source" env:"SOURCE"`
	Sink   string `help:"Record path of the stream to play" toml:"sink" env:"SINK"`

	// Stream endpoint (source mode)
	Address  string `help:"Multicast address the stream is sent to" default:"224.0.0.150" toml:"address" env:"ADDRESS"`
	RTPPort  int    `help:"RTP port" default:"55000" toml:"rtp_port" env:"RTP_PORT"`
	RTCPPort int    `help:"RTCP port" default:"56000" toml:"rtcp_port" env:"RTCP_PORT"`

	// Helpers
	CaptureHelper   string `help:"Capture helper command" default:"iw-pa-helper" toml:"helpers.capture" env:"HELPERS_CAPTURE"`
	TransportHelper string `help:"Transport helper command" default:"iw-gst-helper" toml:"helpers.transport" env:"HELPERS_TRANSPORT"`

	// Timing
	KillTimeoutMS int `help:"Milliseconds between SIGINT and SIGKILL" default:"5000" toml:"timing.kill_timeout_ms" env:"TIMING_KILL_TIMEOUT_MS"`
	RetryDelayMS  int `help:"Milliseconds before a transient failure is retried" default:"5000" toml:"timing.retry_delay_ms" env:"TIMING_RETRY_DELAY_MS"`
	WarmupMS      int `help:"Milliseconds between capture start and stream start" default:"1000" toml:"timing.warmup_ms" env:"TIMING_WARMUP_MS"`

	// NATS settings
	NatsURL      string `help:"NATS server URL" default:"nats://127.0.0.1:4222" toml:"nats.url" env:"NATS_URL"`
	NatsEmbedded bool   `help:"Run an embedded NATS server" default:"false" toml:"nats.embedded" env:"NATS_EMBEDDED"`
	NatsPort     int    `help:"Embedded NATS server port" default:"4222" toml:"nats.port" env:"NATS_PORT"`

	// API settings
	APIEnabled  bool   `help:"Serve the HTTP API" default:"true" toml:"api.enabled" env:"API_ENABLED"`
	APIPort     string `help:"Address the HTTP API listens on" default:":8091" toml:"api.port" env:"API_PORT"`
	AllowOrigin string `help:"CORS allowed origin" default:"*" toml:"api.allow_origin" env:"API_ALLOW_ORIGIN"`

	// Auth settings
	AuthUsername string `help:"Basic auth username, empty disables auth" default:"" toml:"auth.username" env:"AUTH_USERNAME"`
	AuthPassword string `help:"Basic auth password" default:"" toml:"auth.password" env:"AUTH_PASSWORD"`

	// Status LED
	LEDEnabled bool `help:"Show the service state on the board status LED" default:"false" toml:"led.enabled" env:"LED_ENABLED"`

	// systemd
	AudioUnit string `help:"User unit of the audio server, empty disables its endpoints" default:"pulseaudio.service" toml:"systemd.audio_unit" env:"SYSTEMD_AUDIO_UNIT"`

	// Logging settings; per-module levels come from the [logging] table
	LoggingLevel  string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
}

func (o Options) mode() (string, string, error) {
	switch {
	case o.Source != "" && o.Sink != "":
		return "", "", errors.New("source and sink are mutually exclusive")
	case o.Source != "":
		return "source", o.Source, nil
	case o.Sink != "":
		return "sink", o.Sink, nil
	default:
		return "", "", errors.New("one of --source or --sink is required")
	}
}

func (o Options) timing() streams.Timing {
	return streams.Timing{
		WarmupDelay: time.Duration(o.WarmupMS) * time.Millisecond,
		RetryDelay:  time.Duration(o.RetryDelayMS) * time.Millisecond,
		KillTimeout: time.Duration(o.KillTimeoutMS) * time.Millisecond,
	}
}

func (o Options) sourceConfig() streams.SourceConfig {
	return streams.SourceConfig{
		Path:            o.Source,
		Address:         o.Address,
		RTPPort:         o.RTPPort,
		RTCPPort:        o.RTCPPort,
		CaptureHelper:   o.CaptureHelper,
		TransportHelper: o.TransportHelper,
	}
}

func (o Options) sinkConfig() streams.SinkConfig {
	return streams.SinkConfig{
		Path:            o.Sink,
		TransportHelper: o.TransportHelper,
	}
}

func (o Options) loggingConfig() logging.Config {
	lc := config.LoadLoggingConfig(o.Config)
	lc.Level = o.LoggingLevel
	lc.Format = o.LoggingFormat
	return lc
}

// node owns the running controller and restarts it with the latest options.
type node struct {
	mu         sync.Mutex
	opts       Options
	mode       string
	source     *streams.Source
	sink       *streams.Sink
	controller streams.Controller
	logger     *slog.Logger
}

func (n *node) current() Options {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.opts
}

func (n *node) start() error {
	opts := n.current()
	if n.source != nil {
		return n.source.Start(opts.sourceConfig())
	}
	return n.sink.Start(opts.sinkConfig())
}

// restart starts the controller again; Start stops a running one first.
func (n *node) restart(context.Context) error {
	n.logger.Info("Restarting controller", "mode", n.mode)
	return n.start()
}

// apply stores reloaded options and restarts the controller when anything
// its helpers depend on changed.
func (n *node) apply(next Options) {
	n.mu.Lock()
	prev := n.opts
	n.opts = next
	n.mu.Unlock()

	logging.Initialize(next.loggingConfig())

	if prev.timing() != next.timing() {
		n.logger.Warn("Timing changes take effect after a restart of the service")
	}
	if prev.Source != next.Source || prev.Sink != next.Sink {
		n.logger.Warn("Mode and record path changes take effect after a restart of the service")
		next.Source, next.Sink = prev.Source, prev.Sink
		n.mu.Lock()
		n.opts = next
		n.mu.Unlock()
	}

	changed := prev.Address != next.Address ||
		prev.RTPPort != next.RTPPort ||
		prev.RTCPPort != next.RTCPPort ||
		prev.CaptureHelper != next.CaptureHelper ||
		prev.TransportHelper != next.TransportHelper
	if !changed {
		return
	}
	if err := n.start(); err != nil {
		n.logger.Error("Failed to apply reloaded config", "error", err)
	}
}

// connect retries until the NATS connection is up or ctx is done.
func connect(ctx context.Context, client *nats.Client, logger *slog.Logger) error {
	for {
		if err := client.Connect(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
			logger.Info("Retrying NATS connection")
		}
	}
}

// daemon runs one source or sink node until stopped.
type daemon struct {
	opts   Options
	root   *cobra.Command
	logger *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	hook     process.ShutdownHook
	stopped  chan struct{}
	stopOnce sync.Once
	exit     func(code int)
}

func newDaemon(opts Options, root *cobra.Command) *daemon {
	ctx, cancel := context.WithCancel(context.Background())
	return &daemon{
		opts:    opts,
		root:    root,
		logger:  logging.GetLogger("main"),
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
		exit:    os.Exit,
	}
}

// run starts every component and blocks until stop.
func (d *daemon) run() {
	opts := d.opts
	logger := d.logger

	mode, path, err := opts.mode()
	if err != nil {
		logger.Error("Invalid configuration", "error", err)
		d.fail(2)
		return
	}
	logger.Info("Starting", "version", version.String(), "mode", mode, "path", path)

	// Create event bus for in-process event handling
	eventBus := events.New()
	logging.SetLogCallback(func(entry logging.LogEntry) {
		eventBus.Publish(api.LogEntryToEvent(entry))
	})
	d.hook.Register(metrics.Subscribe(eventBus))

	// Embedded broker, when this node hosts the config channel
	natsURL := opts.NatsURL
	if opts.NatsEmbedded {
		natsServer := nats.NewServer(nats.ServerOptions{
			Port:   opts.NatsPort,
			Logger: logging.GetLogger("nats"),
		})
		if startErr := natsServer.Start(); startErr != nil {
			logger.Error("Failed to start embedded NATS server", "error", startErr)
			d.fail(1)
			return
		}
		d.hook.Register(natsServer.Stop)
		natsURL = natsServer.ClientURL()
	}

	client := nats.NewClient(natsURL, version.ClientName(mode), logging.GetLogger("nats"))
	d.hook.Register(client.Close)
	if connErr := connect(d.ctx, client, logger); connErr != nil {
		return
	}
	reporter := streams.Reporters{nats.NewStateReporter(client, mode)}

	if opts.LEDEnabled {
		ledLogger := logging.GetLogger("led")
		follower := led.NewFollower(led.New(led.DefaultModelPath, led.DefaultSysfsRoot, ledLogger), ledLogger)
		follower.Start(eventBus)
		d.hook.Register(follower.Stop)
	}

	n := &node{opts: opts, mode: mode, logger: logger}
	controllerLogger := logging.GetLogger(mode)
	helperLogger := logging.GetLogger("helper")
	if mode == "source" {
		n.source = streams.NewSource(streams.SourceOptions{
			Publisher:    client,
			Reporter:     reporter,
			EventBus:     eventBus,
			Logger:       controllerLogger,
			HelperLogger: helperLogger,
			Timing:       opts.timing(),
		})
		n.controller = n.source
	} else {
		n.sink = streams.NewSink(streams.SinkOptions{
			Subscriber:   client,
			Reporter:     reporter,
			EventBus:     eventBus,
			Logger:       controllerLogger,
			HelperLogger: helperLogger,
			Timing:       opts.timing(),
		})
		n.controller = n.sink
	}
	d.hook.Register(func() { d.shutdownController(n.controller) })

	if startErr := n.start(); startErr != nil {
		logger.Error("Failed to start controller", "error", startErr)
		d.fail(1)
		return
	}

	notifier := systemd.NewNotifier(logging.GetLogger("systemd"))
	d.hook.Register(notifier.FollowState(eventBus))
	d.hook.Register(notifier.Stopping)

	if opts.Config != "" {
		watcher := d.newWatcher(n, eventBus)
		if watchErr := watcher.Start(); watchErr != nil {
			logger.Warn("Config hot reload disabled", "error", watchErr)
		} else {
			d.hook.Register(func() {
				if stopErr := watcher.Stop(); stopErr != nil {
					logger.Warn("Failed to stop config watcher", "error", stopErr)
				}
			})
		}
	}

	if opts.APIEnabled {
		d.serveAPI(n, mode, path, eventBus, client)
	}

	notifier.Ready()
	go notifier.RunWatchdog(d.ctx)

	<-d.stopped
}

func (d *daemon) newWatcher(n *node, eventBus *events.Bus) *config.Watcher[Options] {
	reloaded := func(errMsg string) {
		eventBus.Publish(events.ConfigReloadedEvent{
			Path:      d.opts.Config,
			Error:     errMsg,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}

	watcher := config.NewConfigWatcher(d.opts.Config, func(string) (Options, error) {
		next := n.current()
		err := config.LoadConfig(&next, d.root)
		return next, err
	}, logging.GetLogger("config"),
		config.WithInitial(d.opts),
		config.WithErrorHandler[Options](func(err error) { reloaded(err.Error()) }),
	)
	watcher.OnReload(func(next Options) {
		n.apply(next)
		reloaded("")
	})
	return watcher
}

func (d *daemon) serveAPI(n *node, mode, path string, eventBus *events.Bus, client *nats.Client) {
	opts := d.opts

	var manager api.ServiceManager
	if opts.AudioUnit != "" {
		m, err := systemd.NewManager(d.ctx)
		if err != nil {
			d.logger.Warn("systemd user bus unavailable, audio unit endpoints disabled", "error", err)
		} else {
			d.hook.Register(m.Close)
			manager = m
		}
	}

	server := api.NewServer(api.Options{
		Mode:           mode,
		Path:           path,
		Controller:     n.controller,
		EventBus:       eventBus,
		Restart:        n.restart,
		Connected:      client.IsConnected,
		SystemdManager: manager,
		AudioUnit:      opts.AudioUnit,
		AuthUsername:   opts.AuthUsername,
		AuthPassword:   opts.AuthPassword,
		AllowOrigin:    opts.AllowOrigin,
		MetricsHandler: metrics.Handler(),
	})
	d.hook.Register(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Stop(ctx); err != nil {
			d.logger.Error("Error stopping HTTP server", "error", err)
		}
	})

	go func() {
		if err := server.Start(opts.APIPort); err != nil {
			d.logger.Error("Failed to start HTTP server", "error", err)
			d.fail(1)
		}
	}()
}

// shutdownController gives helpers the kill timeout to exit. A second
// signal interrupts them right away.
func (d *daemon) shutdownController(c streams.Controller) {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.timing().KillTimeout+time.Second)
	defer cancel()

	force := make(chan os.Signal, 1)
	signal.Notify(force, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(force)
	go func() {
		select {
		case <-force:
			d.logger.Warn("Second signal, interrupting helpers")
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := c.Shutdown(ctx); err != nil {
		d.logger.Warn("Helpers did not exit in time", "error", err)
	}
}

// stop runs the shutdown hook; registered cleanups run in reverse order.
// Later calls wait for the first to finish.
func (d *daemon) stop() {
	d.stopOnce.Do(func() {
		d.logger.Info("Shutting down")
		d.cancel()
		d.hook.Run()
		close(d.stopped)
	})
}

// fail tears down whatever already started, helpers included, then exits.
func (d *daemon) fail(code int) {
	d.stop()
	d.exit(code)
}

func main() {
	var root *cobra.Command

	// Create Huma CLI
	cli := humacli.New(func(hooks humacli.Hooks, opts *Options) {
		// Load configuration automatically
		if loadErr := config.LoadConfig(opts, root); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}
		logging.Initialize(opts.loggingConfig())

		d := newDaemon(*opts, root)
		hooks.OnStart(d.run)
		hooks.OnStop(d.stop)
	})
	root = cli.Root()
	root.Use = version.Name
	root.Version = version.String()

	root.AddCommand(cmd.CreateCheckHelpersCmd())
	root.AddCommand(cmd.CreateWatchCmd())
	root.AddCommand(cmd.CreateProbeCmd())

	// Run the CLI
	cli.Run()
}
