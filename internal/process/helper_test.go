package process

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// spawnShell starts `sh -c script` with a short kill timeout.
func spawnShell(t *testing.T, script string, events Events, onEscalate func()) *Helper {
	t.Helper()
	h, err := Spawn(SpawnOptions{
		Name:        "test",
		Command:     "sh",
		Args:        []string{"-c", script},
		Events:      events,
		KillTimeout: 100 * time.Millisecond,
		OnEscalate:  onEscalate,
		Logger:      testLogger(),
		LogParser:   ParseHelperLogLevel,
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	return h
}

// waitDone waits for the helper to exit, fails test on timeout.
func waitDone(t *testing.T, h *Helper, timeout time.Duration) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(timeout):
		t.Fatal("timeout waiting for helper to exit")
	}
}

func TestSpawnNonExistentCommand(t *testing.T) {
	_, err := Spawn(SpawnOptions{
		Name:    "test",
		Command: "/nonexistent/command/that/does/not/exist",
		Logger:  testLogger(),
	})
	if err == nil {
		t.Fatal("expected error for missing executable")
	}
}

func TestSpawnEmptyCommand(t *testing.T) {
	_, err := Spawn(SpawnOptions{Name: "test", Command: "   ", Logger: testLogger()})
	if !errors.Is(err, ErrEmptyCommand) {
		t.Errorf("expected ErrEmptyCommand, got %v", err)
	}
}

func TestSpawnInvalidCommand(t *testing.T) {
	_, err := Spawn(SpawnOptions{Name: "test", Command: `echo "unclosed`, Logger: testLogger()})
	if err == nil {
		t.Error("expected error for unclosed quote")
	}
}

func TestCommandOverrideKeepsLeadingArgs(t *testing.T) {
	h, err := Spawn(SpawnOptions{
		Name:    "test",
		Command: `sh -c "exit 0"`,
		Args:    []string{"ignored-positional"},
		Logger:  testLogger(),
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	waitDone(t, h, time.Second)

	want := []string{"sh", "-c", "exit 0", "ignored-positional"}
	got := h.Args()
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("Args() = %v, want %v", got, want)
	}
}

func TestExitCodeAndLastMessage(t *testing.T) {
	tests := []struct {
		name     string
		script   string
		wantCode int
		wantLast string
	}{
		{"clean", "echo bye; exit 0", 0, "bye"},
		{"fatal", "echo 'Critical: device busy' >&2; exit 1", 1, "Critical: device busy"},
		{"transient", "echo 'connection lost'; exit 2", 2, "connection lost"},
		{"unexpected", "exit 42", 42, ""},
		{"blank lines ignored", "echo 'real'; echo ''; echo '   '; exit 1", 1, "real"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exits := make(chan Exit, 1)
			h := spawnShell(t, tt.script, Events{OnExit: func(e Exit) { exits <- e }}, nil)

			select {
			case e := <-exits:
				if e.Code != tt.wantCode {
					t.Errorf("exit code = %d, want %d", e.Code, tt.wantCode)
				}
				if e.LastMessage != tt.wantLast {
					t.Errorf("last message = %q, want %q", e.LastMessage, tt.wantLast)
				}
			case <-time.After(time.Second):
				t.Fatal("timeout waiting for exit event")
			}

			waitDone(t, h, time.Second)
			if h.ExitCode() != tt.wantCode {
				t.Errorf("ExitCode() = %d, want %d", h.ExitCode(), tt.wantCode)
			}
		})
	}
}

func TestMetadataForwarded(t *testing.T) {
	var mu sync.Mutex
	var payloads []string
	var lines []string
	exited := make(chan struct{})

	spawnShell(t, `echo "starting"; echo "stream-meta 224.0.0.150 55000 56000 foo=bar"; echo "stream-meta ignored" >&2`, Events{
		OnLine: func(_, line string) {
			mu.Lock()
			lines = append(lines, line)
			mu.Unlock()
		},
		OnMetadata: func(payload string) {
			mu.Lock()
			payloads = append(payloads, payload)
			mu.Unlock()
		},
		OnExit: func(Exit) { close(exited) },
	}, nil)

	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for exit")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(payloads) != 1 || payloads[0] != "224.0.0.150 55000 56000 foo=bar" {
		t.Errorf("metadata payloads = %v", payloads)
	}
	if len(lines) != 3 {
		t.Errorf("expected 3 lines, got %d: %v", len(lines), lines)
	}
}

func TestWriteCommand(t *testing.T) {
	got := make(chan string, 1)
	h := spawnShell(t, `read cmd; echo "got $cmd"`, Events{
		OnLine: func(_, line string) { got <- line },
	}, nil)

	if err := h.Write("start-stream"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	select {
	case line := <-got:
		if line != "got start-stream" {
			t.Errorf("helper echoed %q", line)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for helper output")
	}
	waitDone(t, h, time.Second)
}

func TestWriteAfterStop(t *testing.T) {
	h := spawnShell(t, "trap 'exit 0' INT; while :; do sleep 0.1; done", Events{}, nil)
	h.RequestStop()
	if err := h.Write("stop-stream"); !errors.Is(err, ErrStdinClosed) {
		t.Errorf("expected ErrStdinClosed, got %v", err)
	}
	waitDone(t, h, time.Second)
}

func TestRequestStopGraceful(t *testing.T) {
	var escalations atomic.Int32
	var exitEvents atomic.Int32

	h := spawnShell(t, "trap 'exit 0' INT; while :; do sleep 0.1; done",
		Events{OnExit: func(Exit) { exitEvents.Add(1) }},
		func() { escalations.Add(1) })
	time.Sleep(100 * time.Millisecond)

	h.RequestStop()
	waitDone(t, h, time.Second)

	// Give a late kill timer the chance to misfire
	time.Sleep(200 * time.Millisecond)
	if n := escalations.Load(); n != 0 {
		t.Errorf("expected no SIGKILL escalation, got %d", n)
	}
	if n := exitEvents.Load(); n != 0 {
		t.Errorf("expected detached helper to deliver no exit event, got %d", n)
	}
}

func TestRequestStopEscalatesToKill(t *testing.T) {
	var escalations atomic.Int32

	h := spawnShell(t, "trap '' INT; sleep 10", Events{}, func() { escalations.Add(1) })
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	h.RequestStop()
	waitDone(t, h, time.Second)
	elapsed := time.Since(start)

	if elapsed < 100*time.Millisecond {
		t.Errorf("helper died before kill timeout: %v", elapsed)
	}
	if elapsed > 600*time.Millisecond {
		t.Errorf("kill escalation took too long: %v", elapsed)
	}
	if n := escalations.Load(); n != 1 {
		t.Errorf("expected exactly one escalation, got %d", n)
	}
	if code := h.ExitCode(); code != -1 {
		t.Errorf("expected signal exit code -1, got %d", code)
	}
}

func TestRequestStopIdempotent(t *testing.T) {
	var escalations atomic.Int32
	h := spawnShell(t, "trap 'exit 0' INT; while :; do sleep 0.1; done", Events{}, func() { escalations.Add(1) })

	h.RequestStop()
	h.RequestStop()
	waitDone(t, h, time.Second)
	h.RequestStop()

	if n := escalations.Load(); n != 0 {
		t.Errorf("expected no escalation, got %d", n)
	}
}

func TestRequestStopAfterExit(t *testing.T) {
	h := spawnShell(t, "exit 0", Events{}, nil)
	waitDone(t, h, time.Second)

	// Should not panic or arm a timer against a reaped pid
	h.RequestStop()
	h.Interrupt()
}

func TestInterruptKeepsCallbacks(t *testing.T) {
	exits := make(chan Exit, 1)
	h := spawnShell(t, "trap 'exit 0' INT; while :; do sleep 0.1; done", Events{OnExit: func(e Exit) { exits <- e }}, nil)
	time.Sleep(100 * time.Millisecond)

	h.Interrupt()

	select {
	case e := <-exits:
		if e.Code != 0 {
			t.Errorf("expected exit code 0, got %d", e.Code)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for exit event")
	}
}

func TestHelperNoGoroutineLeak(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := spawnShell(t, "trap '' INT; sleep 10", Events{}, nil)
	h.RequestStop()
	waitDone(t, h, time.Second)
}
