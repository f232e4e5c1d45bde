package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// DefaultKillTimeout is how long a helper may ignore SIGINT before SIGKILL.
const DefaultKillTimeout = 5 * time.Second

var (
	// ErrEmptyCommand is returned when a helper command resolves to no executable.
	ErrEmptyCommand = errors.New("empty helper command")
	// ErrStdinClosed is returned when writing to a stopped or exited helper.
	ErrStdinClosed = errors.New("helper stdin closed")
)

// LogParser parses a log line and returns the log level and message.
// Used to extract structured log info from helper output.
type LogParser func(line string) (level, msg string)

// Events receives notifications from a running helper.
// Callbacks run on the helper's reader and waiter goroutines. Owners that
// confine state to a single goroutine must hand them off.
type Events struct {
	// OnLine is called for every non-empty output line. Source is "stdout" or "stderr".
	OnLine func(source, line string)
	// OnMetadata is called with the payload of stdout lines starting with MetadataMarker.
	OnMetadata func(payload string)
	// OnExit is called once after all output has been delivered.
	OnExit func(exit Exit)
}

// Exit describes a terminated helper.
type Exit struct {
	Code        int
	LastMessage string
	Err         error
}

// SpawnOptions configures a helper process.
type SpawnOptions struct {
	// Name identifies the helper role in logs (e.g. "capture", "transport").
	Name string
	// Command is the executable, optionally followed by leading arguments.
	Command string
	// Args are appended after the arguments parsed from Command.
	Args   []string
	Events Events
	// KillTimeout defaults to DefaultKillTimeout.
	KillTimeout time.Duration
	// OnEscalate is called when SIGINT was ignored and SIGKILL is sent.
	// It survives RequestStop, unlike Events.
	OnEscalate func()

	Logger       *slog.Logger
	OutputLogger *slog.Logger // logger for helper output (nil = use Logger)
	LogParser    LogParser    // parses helper output for log level (nil = info)
}

// Helper is a handle to one running helper process.
type Helper struct {
	name         string
	argv         []string
	cmd          *exec.Cmd
	stdin        io.WriteCloser
	stdinMu      sync.Mutex
	stdinClosed  bool
	logger       *slog.Logger
	outputLogger *slog.Logger
	logParser    LogParser
	killTimeout  time.Duration
	onEscalate   func()

	mu            sync.Mutex
	events        Events
	detached      bool
	stopRequested bool
	exited        bool
	lastMessage   string
	killTimer     *time.Timer
	exitCode      int

	done chan struct{}
}

// Spawn starts a helper process and begins streaming its output.
// The returned error covers parse failures and executables that cannot be started.
func Spawn(opts SpawnOptions) (*Helper, error) {
	argv, err := parseCommand(opts.Command)
	if err != nil {
		return nil, fmt.Errorf("parse helper command: %w", err)
	}
	if len(argv) == 0 {
		return nil, ErrEmptyCommand
	}
	argv = append(argv, opts.Args...)

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("helper", opts.Name)

	outputLogger := opts.OutputLogger
	if outputLogger == nil {
		outputLogger = logger
	} else {
		outputLogger = outputLogger.With("helper", opts.Name)
	}

	killTimeout := opts.KillTimeout
	if killTimeout <= 0 {
		killTimeout = DefaultKillTimeout
	}

	h := &Helper{
		name:         opts.Name,
		argv:         argv,
		logger:       logger,
		outputLogger: outputLogger,
		logParser:    opts.LogParser,
		killTimeout:  killTimeout,
		onEscalate:   opts.OnEscalate,
		events:       opts.Events,
		done:         make(chan struct{}),
	}

	h.cmd = exec.Command(argv[0], argv[1:]...)
	h.cmd.SysProcAttr = helperProcAttr()

	stdin, err := h.cmd.StdinPipe()
	if err != nil {
		logger.Error("Failed to create stdin pipe", "error", err)
		return nil, err
	}
	stdout, err := h.cmd.StdoutPipe()
	if err != nil {
		logger.Error("Failed to create stdout pipe", "error", err)
		return nil, err
	}
	stderr, err := h.cmd.StderrPipe()
	if err != nil {
		logger.Error("Failed to create stderr pipe", "error", err)
		return nil, err
	}

	if err := h.cmd.Start(); err != nil {
		logger.Error("Failed to start helper", "error", err, "command", argv[0])
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}
	h.stdin = stdin

	logger.Info("Helper started", "pid", h.cmd.Process.Pid, "command", argv[0], "args", argv[1:])

	outputDone := make(chan struct{}, 2)
	go func() {
		h.streamOutput(stdout, "stdout")
		outputDone <- struct{}{}
	}()
	go func() {
		h.streamOutput(stderr, "stderr")
		outputDone <- struct{}{}
	}()
	go h.wait(outputDone)

	return h, nil
}

// Name returns the helper role name.
func (h *Helper) Name() string {
	return h.name
}

// Args returns the full argument vector, executable first.
func (h *Helper) Args() []string {
	return append([]string(nil), h.argv...)
}

// PID returns the process ID of the helper.
func (h *Helper) PID() int {
	return h.cmd.Process.Pid
}

// Done is closed once the helper has exited and its output is drained.
func (h *Helper) Done() <-chan struct{} {
	return h.done
}

// ExitCode returns the exit code. Only meaningful after Done is closed;
// -1 means the helper was terminated by a signal.
func (h *Helper) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// LastMessage returns the last non-empty line seen on stdout or stderr.
func (h *Helper) LastMessage() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastMessage
}

// Write sends a newline-terminated command to the helper's stdin.
func (h *Helper) Write(command string) error {
	h.stdinMu.Lock()
	defer h.stdinMu.Unlock()

	if h.stdinClosed {
		return ErrStdinClosed
	}

	h.logger.Debug("Writing helper command", "command", command)
	if _, err := io.WriteString(h.stdin, command+"\n"); err != nil {
		return fmt.Errorf("write %q to %s helper: %w", command, h.name, err)
	}
	return nil
}

// RequestStop detaches all event callbacks, sends SIGINT and arms the kill
// timer. Calling it again, or after the helper exited, is a no-op.
func (h *Helper) RequestStop() {
	h.mu.Lock()
	if h.stopRequested {
		h.mu.Unlock()
		return
	}
	h.stopRequested = true
	h.detached = true
	h.events = Events{}

	if h.exited {
		h.mu.Unlock()
		h.closeStdin()
		return
	}

	h.killTimer = time.AfterFunc(h.killTimeout, h.escalate)
	h.logger.Info("Sending SIGINT to helper", "pid", h.cmd.Process.Pid, "kill_timeout", h.killTimeout)
	h.signalLocked(syscall.SIGINT)
	h.mu.Unlock()

	h.closeStdin()
}

// Interrupt sends SIGINT without detaching callbacks or arming the kill timer.
// Used as a last resort when the host process is going down.
func (h *Helper) Interrupt() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.exited {
		return
	}
	h.logger.Debug("Interrupting helper", "pid", h.cmd.Process.Pid)
	h.signalLocked(syscall.SIGINT)
}

// escalate fires from the kill timer.
func (h *Helper) escalate() {
	h.mu.Lock()
	if h.exited || h.killTimer == nil {
		h.mu.Unlock()
		return
	}
	h.killTimer = nil
	h.logger.Warn("Helper ignored SIGINT, sending SIGKILL", "pid", h.cmd.Process.Pid, "timeout", h.killTimeout)
	h.signalLocked(syscall.SIGKILL)
	h.mu.Unlock()

	if h.onEscalate != nil {
		h.onEscalate()
	}
}

// signalLocked signals the helper's process group (must hold mu).
func (h *Helper) signalLocked(sig syscall.Signal) {
	pid := h.cmd.Process.Pid
	err := syscall.Kill(-pid, sig)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return
	}
	// Fall back to the leader alone if the group cannot be signalled
	if err := h.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		h.logger.Warn("Failed to signal helper", "signal", sig.String(), "error", err)
	}
}

func (h *Helper) closeStdin() {
	h.stdinMu.Lock()
	defer h.stdinMu.Unlock()

	if h.stdinClosed {
		return
	}
	h.stdinClosed = true
	_ = h.stdin.Close()
}

// wait reaps the helper once both output streams are drained, so exit is
// always delivered after the last line.
func (h *Helper) wait(outputDone <-chan struct{}) {
	<-outputDone
	<-outputDone

	err := h.cmd.Wait()
	code := exitCodeFromError(err)

	h.mu.Lock()
	h.exited = true
	h.exitCode = code
	if h.killTimer != nil {
		h.killTimer.Stop()
		h.killTimer = nil
	}
	last := h.lastMessage
	onExit := h.events.OnExit
	detached := h.detached
	h.mu.Unlock()

	h.closeStdin()
	close(h.done)

	h.logger.Info("Helper exited", "exit_code", code, "detached", detached)

	if !detached && onExit != nil {
		onExit(Exit{Code: code, LastMessage: last, Err: err})
	}
}

// exitCodeFromError extracts exit code from process error.
// Returns 0 for nil error, the exit code for ExitError, or 1 for other errors.
func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}

// streamOutput reads one output stream line by line.
func (h *Helper) streamOutput(reader io.Reader, source string) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		h.logOutput(source, line)

		h.mu.Lock()
		h.lastMessage = line
		events := h.events
		h.mu.Unlock()

		if events.OnLine != nil {
			events.OnLine(source, line)
		}
		if source == "stdout" && events.OnMetadata != nil {
			if payload, ok := ParseMetadata(line); ok {
				events.OnMetadata(payload)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		h.logger.Warn("Error reading helper output", "source", source, "error", err)
	}
}

func (h *Helper) logOutput(source, line string) {
	level, msg := "info", line
	if h.logParser != nil {
		level, msg = h.logParser(line)
	}

	logger := h.outputLogger.With("source", source)
	switch level {
	case "fatal", "error":
		logger.Error(msg)
	case "warning":
		logger.Warn(msg)
	case "debug", "trace":
		logger.Debug(msg)
	default:
		logger.Info(msg)
	}
}
