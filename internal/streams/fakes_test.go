package streams

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testTiming = Timing{
	WarmupDelay: 50 * time.Millisecond,
	RetryDelay:  200 * time.Millisecond,
	KillTimeout: 300 * time.Millisecond,
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stateRecord struct {
	Kind    State
	Message string
}

// fakeReporter records every state and diagnostic.
type fakeReporter struct {
	mu     sync.Mutex
	states []stateRecord
	errs   []error
}

func (r *fakeReporter) SetState(state State, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, stateRecord{state, message})
}

func (r *fakeReporter) SetErrorDiagnostic(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *fakeReporter) States() []stateRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]stateRecord(nil), r.states...)
}

func (r *fakeReporter) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *fakeReporter) Last() stateRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return stateRecord{}
	}
	return r.states[len(r.states)-1]
}

func (r *fakeReporter) HasState(kind State, message string) bool {
	for _, s := range r.States() {
		if s.Kind == kind && (message == "" || s.Message == message) {
			return true
		}
	}
	return false
}

func (r *fakeReporter) HasErrorCode(code string) bool {
	for _, err := range r.Errors() {
		if ErrorCode(err) == code {
			return true
		}
	}
	return false
}

func waitForState(t *testing.T, r *fakeReporter, kind State, message string) {
	t.Helper()
	require.Eventually(t, func() bool { return r.HasState(kind, message) }, 3*time.Second, 10*time.Millisecond,
		"state %s %q never reported, got %+v", kind, message, r.States())
}

type publishRecord struct {
	Path  string
	Props StreamProperties
}

// fakeChannel is an in-memory config channel.
type fakeChannel struct {
	mu         sync.Mutex
	published  []publishRecord
	publishErr error
	subs       map[int]func(StreamProperties)
	nextID     int
	subPath    string
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{subs: make(map[int]func(StreamProperties))}
}

func (c *fakeChannel) PublishStream(path string, props StreamProperties) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, publishRecord{path, props})
	return nil
}

func (c *fakeChannel) SubscribeStream(path string, onUpdate func(StreamProperties)) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subPath = path
	id := c.nextID
	c.nextID++
	c.subs[id] = onUpdate
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}, nil
}

func (c *fakeChannel) Deliver(props StreamProperties) {
	c.mu.Lock()
	subs := make([]func(StreamProperties), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(props)
	}
}

func (c *fakeChannel) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *fakeChannel) Published() []publishRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]publishRecord(nil), c.published...)
}

type failingSubscriber struct{}

func (failingSubscriber) SubscribeStream(string, func(StreamProperties)) (func(), error) {
	return nil, errors.New("channel unavailable")
}

// helperScript writes an executable shell script and returns its path.
// LOG in body is replaced with the path of a shared event log.
func helperScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	script := "#!/bin/sh\n" + strings.ReplaceAll(body, "LOG", filepath.Join(dir, "events.log")) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

// logLines returns the lines written to dir/events.log so far.
func logLines(dir string) []string {
	data, err := os.ReadFile(filepath.Join(dir, "events.log"))
	if err != nil {
		return nil
	}
	var lines []string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func countPrefix(lines []string, prefix string) int {
	n := 0
	for _, line := range lines {
		if strings.HasPrefix(line, prefix) {
			n++
		}
	}
	return n
}

func waitForLog(t *testing.T, dir, prefix string, count int) {
	t.Helper()
	require.Eventually(t, func() bool { return countPrefix(logLines(dir), prefix) >= count }, 3*time.Second, 10*time.Millisecond,
		"expected %d %q log lines, got %v", count, prefix, logLines(dir))
}
