package nats

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/smazurov/blockparty/internal/streams"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var testProps = streams.StreamProperties{
	Address:    "224.0.0.150",
	RTPPort:    55000,
	RTCPPort:   56000,
	Parameters: "application/x-rtp, media=(string)audio, clock-rate=(int)48000, encoding-name=(string)OPUS",
}

func startServer(t *testing.T, port int) *Server {
	t.Helper()
	server := NewServer(ServerOptions{
		Port:   port, // Use non-default port for testing
		Host:   "127.0.0.1",
		Name:   "test-server",
		Logger: testLogger(),
	})
	require.NoError(t, server.Start())
	t.Cleanup(server.Stop)
	return server
}

func connect(t *testing.T, server *Server, name string) *Client {
	t.Helper()
	client := NewClient(server.ClientURL(), name, testLogger())
	require.NoError(t, client.Connect())
	t.Cleanup(client.Close)
	return client
}

// updates collects deliveries from SubscribeStream.
type updates struct {
	mu    sync.Mutex
	props []streams.StreamProperties
}

func (u *updates) add(p streams.StreamProperties) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.props = append(u.props, p)
}

func (u *updates) all() []streams.StreamProperties {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]streams.StreamProperties(nil), u.props...)
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(ServerOptions{
		Port:   14222,
		Host:   "127.0.0.1",
		Name:   "test-server",
		Logger: testLogger(),
	})

	require.NoError(t, server.Start())
	assert.True(t, server.IsRunning())
	assert.NotEmpty(t, server.ClientURL())
	assert.ErrorIs(t, server.Start(), ErrAlreadyStarted)

	server.Stop()
	assert.False(t, server.IsRunning())
	assert.Zero(t, server.NumClients())
}

func TestClientGracefulDegradation(t *testing.T) {
	client := NewClient("nats://localhost:59999", "test", testLogger())

	require.Error(t, client.Connect())
	assert.False(t, client.IsConnected())

	assert.ErrorIs(t, client.PublishStream("audio", testProps), ErrNotConnected)
	_, err := client.SubscribeStream("audio", func(streams.StreamProperties) {})
	assert.ErrorIs(t, err, ErrNotConnected)

	// Reporting is a no-op without a connection
	reporter := NewStateReporter(client, "source")
	reporter.SetState(streams.StateOK, "stream active")
	reporter.SetErrorDiagnostic(errors.New("boom"))

	client.Close()
}

func TestClientPublishSubscribe(t *testing.T) {
	server := startServer(t, 14223)
	source := connect(t, server, "source")
	sink := connect(t, server, "sink")

	got := &updates{}
	unsub, err := sink.SubscribeStream("audio/living-room", got.add)
	require.NoError(t, err)
	defer unsub()

	// Let the subscription and its unanswered current-record request settle
	require.NoError(t, sink.conn.Flush())
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, source.PublishStream("audio/living-room", testProps))
	require.Eventually(t, func() bool { return len(got.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, testProps, got.all()[0])

	next := testProps
	next.RTPPort = 55002
	require.NoError(t, source.PublishStream("audio/living-room", next))
	require.Eventually(t, func() bool { return len(got.all()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 55002, got.all()[1].RTPPort)
}

func TestClientLateSubscriberGetsCurrentRecord(t *testing.T) {
	server := startServer(t, 14224)
	source := connect(t, server, "source")
	sink := connect(t, server, "sink")

	require.NoError(t, source.PublishStream("audio", testProps))
	require.NoError(t, source.conn.Flush())

	got := &updates{}
	unsub, err := sink.SubscribeStream("audio", got.add)
	require.NoError(t, err)
	defer unsub()

	require.Eventually(t, func() bool { return len(got.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, testProps, got.all()[0])
}

func TestClientSubscribeWithoutRecord(t *testing.T) {
	server := startServer(t, 14225)
	sink := connect(t, server, "sink")
	sink.SetRequestTimeout(100 * time.Millisecond)

	got := &updates{}
	unsub, err := sink.SubscribeStream("nobody-home", got.add)
	require.NoError(t, err)
	defer unsub()

	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, got.all())
}

func TestClientDropsMalformedRecords(t *testing.T) {
	server := startServer(t, 14226)
	sink := connect(t, server, "sink")
	raw := connect(t, server, "raw")

	got := &updates{}
	unsub, err := sink.SubscribeStream("audio", got.add)
	require.NoError(t, err)
	defer unsub()
	require.NoError(t, sink.conn.Flush())

	require.NoError(t, raw.conn.Publish(SubjectRecord("audio"), []byte("{not json")))
	require.NoError(t, raw.conn.Publish(SubjectRecord("audio"), []byte(`{"address":"224.0.0.150","rtpPort":55000,"rtcpPort":56000,"parameters":"x"}`)))

	require.Eventually(t, func() bool { return len(got.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "x", got.all()[0].Parameters)
}

func TestClientUnsubscribeStopsDelivery(t *testing.T) {
	server := startServer(t, 14227)
	source := connect(t, server, "source")
	sink := connect(t, server, "sink")
	sink.SetRequestTimeout(50 * time.Millisecond)

	got := &updates{}
	unsub, err := sink.SubscribeStream("audio", got.add)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	unsub()
	require.NoError(t, sink.conn.Flush())

	require.NoError(t, source.PublishStream("audio", testProps))
	require.NoError(t, source.conn.Flush())
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, got.all())
}

func TestStateReporterPublishes(t *testing.T) {
	server := startServer(t, 14228)
	client := connect(t, server, "source")
	watcher := connect(t, server, "watcher")

	states := make(chan StateMessage, 4)
	unsub, err := watcher.SubscribeStates(func(m StateMessage) { states <- m })
	require.NoError(t, err)
	defer unsub()

	errs := make(chan ErrorMessage, 1)
	sub, err := watcher.conn.Subscribe(SubjectErrors("source"), func(msg *natsgo.Msg) {
		m, err := UnmarshalError(msg.Data)
		if err == nil {
			errs <- m
		}
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()
	require.NoError(t, watcher.conn.Flush())

	reporter := NewStateReporter(client, "source")
	reporter.SetState(streams.StateOK, "stream active")
	reporter.SetErrorDiagnostic(streams.NewStreamError(streams.ErrCodeFatalExit, "Critical: no device", nil))
	reporter.SetErrorDiagnostic(nil)

	select {
	case m := <-states:
		assert.Equal(t, "source", m.Service)
		assert.Equal(t, "OK", m.State)
		assert.Equal(t, "stream active", m.Message)
		assert.NotEmpty(t, m.Timestamp)
	case <-time.After(2 * time.Second):
		t.Fatal("state message not received")
	}

	select {
	case m := <-errs:
		assert.Equal(t, streams.ErrCodeFatalExit, m.Code)
		assert.Equal(t, "FATAL_EXIT: Critical: no device", m.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("error message not received")
	}
}

func TestSubjectFunctions(t *testing.T) {
	tests := []struct {
		fn       func(string) string
		input    string
		expected string
	}{
		{SubjectRecord, "audio", "blockparty.records.audio"},
		{SubjectRecord, "/audio/living-room/", "blockparty.records.audio.living-room"},
		{SubjectRecord, "a b*c>", "blockparty.records.a_b_c_"},
		{SubjectRecordGet, "audio", "blockparty.records.audio.get"},
		{SubjectState, "sink", "blockparty.state.sink"},
		{SubjectErrors, "source", "blockparty.errors.source"},
	}

	for _, tt := range tests {
		if result := tt.fn(tt.input); result != tt.expected {
			t.Errorf("Got %s, want %s", result, tt.expected)
		}
	}
}

func TestRecordWireFormat(t *testing.T) {
	data, err := MarshalRecord(testProps)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"address": "224.0.0.150",
		"rtpPort": 55000,
		"rtcpPort": 56000,
		"parameters": "application/x-rtp, media=(string)audio, clock-rate=(int)48000, encoding-name=(string)OPUS"
	}`, string(data))

	_, err = UnmarshalRecord([]byte("[]"))
	assert.Error(t, err)
}
