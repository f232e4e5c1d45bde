package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Identifier tags every journal entry written by the daemon.
const Identifier = "blockparty"

const defaultBufferSize = 1000

// Logger is a duck-typed interface satisfied by *slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config represents logging configuration.
type Config struct {
	Level   string            `toml:"level"`
	Format  string            `toml:"format"`
	Modules map[string]string `toml:"modules"`
}

var (
	mutex         sync.RWMutex
	modules       = make(map[string]*moduleRoot)
	moduleLoggers = make(map[string]*slog.Logger)
	globalConfig  Config
	isInitialized bool
	logBuffer     *RingBuffer
	logCallback   LogCallback
)

// moduleRoot owns a module's level and its current output chain. The chain
// is swapped on Initialize so loggers handed out earlier pick up the new
// format and outputs.
type moduleRoot struct {
	level *slog.LevelVar
	inner atomic.Pointer[slog.Handler]
	gen   atomic.Uint64
}

func (r *moduleRoot) install(h slog.Handler) {
	r.inner.Store(&h)
	r.gen.Add(1)
}

// Initialize sets up the logging system. It may be called again to apply a
// new configuration; existing module loggers stay valid.
func Initialize(config Config) {
	mutex.Lock()
	defer mutex.Unlock()

	globalConfig = config
	isInitialized = true
	if logBuffer == nil {
		logBuffer = NewRingBuffer(defaultBufferSize)
	}

	for name, root := range modules {
		root.level.Set(levelFor(name))
		root.install(createHandler(config.Format, root.level))
	}

	globalLevel := &slog.LevelVar{}
	globalLevel.Set(levelFor(""))
	slog.SetDefault(slog.New(createHandler(config.Format, globalLevel)))
}

// levelFor resolves the effective level for module. Caller holds mutex.
func levelFor(module string) slog.Level {
	level := slog.LevelInfo
	if !isInitialized {
		return level
	}
	if parsed := parseLevel(globalConfig.Level); parsed != nil {
		level = *parsed
	}
	if module == "" {
		return level
	}
	if s, ok := globalConfig.Modules[module]; ok {
		if parsed := parseLevel(s); parsed != nil {
			level = *parsed
		}
	}
	return level
}

// GetBuffer returns the ring buffer of recent log entries, or nil before
// Initialize.
func GetBuffer() *RingBuffer {
	mutex.RLock()
	defer mutex.RUnlock()
	return logBuffer
}

// SetLogCallback sets a callback to be called for each new log entry.
func SetLogCallback(callback LogCallback) {
	mutex.Lock()
	defer mutex.Unlock()
	logCallback = callback
}

func currentCallback() LogCallback {
	mutex.RLock()
	defer mutex.RUnlock()
	return logCallback
}

// GetLogger returns a logger for the specified module, creating it if needed.
// The returned logger is stable across Initialize calls.
func GetLogger(module string) *slog.Logger {
	mutex.RLock()
	if logger, ok := moduleLoggers[module]; ok {
		mutex.RUnlock()
		return logger
	}
	mutex.RUnlock()

	mutex.Lock()
	defer mutex.Unlock()
	if logger, ok := moduleLoggers[module]; ok {
		return logger
	}

	root := &moduleRoot{level: &slog.LevelVar{}}
	root.level.Set(levelFor(module))
	format := "text"
	if isInitialized {
		format = globalConfig.Format
	}
	root.install(createHandler(format, root.level))

	logger := slog.New(&moduleHandler{root: root}).With("module", module)
	modules[module] = root
	moduleLoggers[module] = logger
	return logger
}

// moduleHandler resolves its root's current chain and replays WithAttrs and
// WithGroup calls on top of it, caching the result per generation.
type moduleHandler struct {
	root  *moduleRoot
	ops   []func(slog.Handler) slog.Handler
	cache atomic.Pointer[resolvedHandler]
}

type resolvedHandler struct {
	gen uint64
	h   slog.Handler
}

func (m *moduleHandler) resolve() slog.Handler {
	gen := m.root.gen.Load()
	if c := m.cache.Load(); c != nil && c.gen == gen {
		return c.h
	}
	h := *m.root.inner.Load()
	for _, op := range m.ops {
		h = op(h)
	}
	m.cache.Store(&resolvedHandler{gen: gen, h: h})
	return h
}

func (m *moduleHandler) derive(op func(slog.Handler) slog.Handler) *moduleHandler {
	ops := make([]func(slog.Handler) slog.Handler, len(m.ops), len(m.ops)+1)
	copy(ops, m.ops)
	return &moduleHandler{root: m.root, ops: append(ops, op)}
}

func (m *moduleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= m.root.level.Level()
}

func (m *moduleHandler) Handle(ctx context.Context, r slog.Record) error {
	return m.resolve().Handle(ctx, r)
}

func (m *moduleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return m
	}
	return m.derive(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (m *moduleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return m
	}
	return m.derive(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

// createHandler builds the output chain: stdout, the journal when available,
// and the ring buffer.
func createHandler(format string, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}

	var stdoutHandler slog.Handler
	if format == "json" {
		stdoutHandler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		stdoutHandler = slog.NewTextHandler(os.Stdout, opts)
	}

	handlers := []slog.Handler{NewBufferHandler(level)}
	if isStdoutAvailable() {
		handlers = append(handlers, stdoutHandler)
	}
	if IsJournalAvailable() {
		handlers = append(handlers, NewJournalHandler(level))
	}

	if len(handlers) == 1 {
		return NewMultiHandler(stdoutHandler, handlers[0])
	}
	return NewMultiHandler(handlers...)
}

// isStdoutAvailable reports whether stdout is a terminal, pipe, socket, or file.
func isStdoutAvailable() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	mode := fi.Mode()
	return (mode&os.ModeCharDevice) != 0 || (mode&os.ModeNamedPipe) != 0 || (mode&os.ModeSocket) != 0 || mode.IsRegular()
}

// parseLevel converts string level to slog.Level.
func parseLevel(level string) *slog.Level {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		return nil
	}
	return &l
}
