package systemd

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/blockparty/internal/events"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) notify(state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return true, nil
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.states...)
}

func newTestNotifier() (*Notifier, *recorder) {
	rec := &recorder{}
	n := NewNotifier(slog.New(slog.NewTextHandler(io.Discard, nil)))
	n.notify = rec.notify
	return n, rec
}

func TestNotifierLifecycle(t *testing.T) {
	n, rec := newTestNotifier()

	n.Ready()
	n.Status("OK: stream active")
	n.Stopping()

	want := []string{"READY=1", "STATUS=OK: stream active", "STOPPING=1"}
	got := rec.all()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("state[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestNotifierFollowState(t *testing.T) {
	n, rec := newTestNotifier()
	bus := events.New()

	unsub := n.FollowState(bus)
	defer unsub()

	bus.Publish(events.ServiceStateChangedEvent{Service: "sink", State: "OK", Message: "streaming from 224.0.0.150:55000 (RTP/UDP)"})
	bus.Publish(events.ServiceStateChangedEvent{Service: "sink", State: "INACTIVE"})

	deadline := time.Now().Add(2 * time.Second)
	for len(rec.all()) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	got := rec.all()
	if len(got) != 2 {
		t.Fatalf("expected 2 status updates, got %v", got)
	}
	if got[0] != "STATUS=OK: streaming from 224.0.0.150:55000 (RTP/UDP)" {
		t.Errorf("unexpected status %q", got[0])
	}
	if got[1] != "STATUS=INACTIVE" {
		t.Errorf("unexpected status %q", got[1])
	}
}

func TestNotifierErrorIsLogged(_ *testing.T) {
	n, _ := newTestNotifier()
	n.notify = func(string) (bool, error) { return false, errors.New("socket gone") }
	n.Ready()
}

func TestRunWatchdogWithoutSystemd(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	t.Setenv("WATCHDOG_PID", "")

	n, _ := newTestNotifier()
	done := make(chan struct{})
	go func() {
		n.RunWatchdog(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunWatchdog should return immediately without WATCHDOG_USEC")
	}
}
