package streams

import (
	"context"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smazurov/blockparty/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const receiveScript = `echo "start $*" >> "LOG"
trap 'echo "stop $*" >> "LOG"; sleep 0.2; echo "exit $*" >> "LOG"; exit 0' INT
while :; do sleep 0.05; done`

func props(address string) StreamProperties {
	return StreamProperties{
		Address:    address,
		RTPPort:    55000,
		RTCPPort:   56000,
		Parameters: "application/x-rtp,media=audio",
	}
}

type sinkFixture struct {
	dir      string
	sink     *Sink
	reporter *fakeReporter
	channel  *fakeChannel
	cfg      SinkConfig
}

func newSinkFixture(t *testing.T, script string, opts SinkOptions) *sinkFixture {
	t.Helper()
	dir := t.TempDir()
	f := &sinkFixture{
		dir:      dir,
		reporter: &fakeReporter{},
		channel:  newFakeChannel(),
		cfg: SinkConfig{
			Path:            "blockparty.stream",
			TransportHelper: helperScript(t, dir, "transport.sh", script),
		},
	}
	if opts.Subscriber == nil {
		opts.Subscriber = f.channel
	}
	opts.Reporter = f.reporter
	opts.Logger = discardLogger()
	opts.HelperLogger = discardLogger()
	if opts.Timing == (Timing{}) {
		opts.Timing = testTiming
	}
	f.sink = NewSink(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = f.sink.Shutdown(ctx)
	})
	return f
}

func TestSink_StartSubscribesWithoutSpawning(t *testing.T) {
	f := newSinkFixture(t, receiveScript, SinkOptions{})

	require.NoError(t, f.sink.Start(f.cfg))

	assert.Equal(t, 1, f.channel.Subscribers())
	assert.Equal(t, "blockparty.stream", f.channel.subPath)
	assert.Equal(t, PhaseWaiting, f.sink.Phase())
	assert.Equal(t, 0, f.sink.LiveHelpers())
	assert.Empty(t, f.reporter.States())
}

func TestSink_UpdateSpawnsReceiver(t *testing.T) {
	f := newSinkFixture(t, receiveScript, SinkOptions{})
	require.NoError(t, f.sink.Start(f.cfg))

	f.channel.Deliver(props("224.0.0.150"))

	waitForState(t, f.reporter, StateOK, "streaming from 224.0.0.150:55000 (RTP/UDP)")
	waitForLog(t, f.dir, "start", 1)
	assert.Equal(t, []string{"start -r 224.0.0.150 55000 56000 application/x-rtp,media=audio"}, logLines(f.dir))

	states := f.reporter.States()
	require.Len(t, states, 2)
	assert.Equal(t, stateRecord{StateBusy, "starting stream ..."}, states[0])

	current, ok := f.sink.Stream()
	require.True(t, ok)
	assert.Equal(t, props("224.0.0.150"), current)
	assert.Equal(t, PhaseStreaming, f.sink.Phase())
}

func TestSink_RapidUpdatesSerializeHelpers(t *testing.T) {
	f := newSinkFixture(t, receiveScript, SinkOptions{})
	require.NoError(t, f.sink.Start(f.cfg))

	f.channel.Deliver(props("239.0.0.1"))
	waitForLog(t, f.dir, "start -r 239.0.0.1", 1)

	f.channel.Deliver(props("239.0.0.2"))
	f.channel.Deliver(props("239.0.0.3"))

	waitForLog(t, f.dir, "start -r 239.0.0.3", 1)
	lines := logLines(f.dir)

	exitFirst := slices.IndexFunc(lines, func(l string) bool { return l == "exit -r 239.0.0.1 55000 56000 application/x-rtp,media=audio" })
	startLast := slices.IndexFunc(lines, func(l string) bool { return l == "start -r 239.0.0.3 55000 56000 application/x-rtp,media=audio" })
	require.NotEqual(t, -1, exitFirst, "first helper never exited: %v", lines)
	assert.Less(t, exitFirst, startLast, "replacement spawned before previous helper exited: %v", lines)

	// The intermediate update was superseded before it could be spawned
	assert.Zero(t, countPrefix(lines, "start -r 239.0.0.2"))
	waitForState(t, f.reporter, StateOK, "streaming from 239.0.0.3:55000 (RTP/UDP)")
}

func TestSink_InvalidUpdateIgnored(t *testing.T) {
	f := newSinkFixture(t, receiveScript, SinkOptions{})
	require.NoError(t, f.sink.Start(f.cfg))

	f.channel.Deliver(StreamProperties{})

	require.Eventually(t, func() bool { return f.reporter.HasErrorCode(ErrCodeDecodeError) }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, f.sink.LiveHelpers())
	assert.Empty(t, f.reporter.States())
	_, ok := f.sink.Stream()
	assert.False(t, ok)
}

func TestSink_StopUnsubscribesAndIgnoresLateUpdates(t *testing.T) {
	f := newSinkFixture(t, receiveScript, SinkOptions{})
	require.NoError(t, f.sink.Start(f.cfg))

	f.channel.Deliver(props("224.0.0.150"))
	waitForState(t, f.reporter, StateOK, "")

	f.sink.Stop()
	assert.Equal(t, 0, f.channel.Subscribers())
	assert.Equal(t, stateRecord{StateInactive, "stream stopped"}, f.reporter.Last())
	waitForLog(t, f.dir, "exit", 1)

	f.sink.UpdateStream(props("224.0.0.151"))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, countPrefix(logLines(f.dir), "start"))
}

func TestSink_StopBeforeStartIsNoop(t *testing.T) {
	f := newSinkFixture(t, receiveScript, SinkOptions{})

	f.sink.Stop()
	assert.Empty(t, f.reporter.States())
}

func TestSink_RestartAfterStopWaitsForOldHelper(t *testing.T) {
	f := newSinkFixture(t, receiveScript, SinkOptions{})
	require.NoError(t, f.sink.Start(f.cfg))
	f.channel.Deliver(props("239.0.0.1"))
	waitForLog(t, f.dir, "start -r 239.0.0.1", 1)

	f.sink.Stop()
	require.NoError(t, f.sink.Start(f.cfg))
	f.channel.Deliver(props("239.0.0.2"))

	waitForLog(t, f.dir, "start -r 239.0.0.2", 1)
	lines := logLines(f.dir)
	exitFirst := slices.IndexFunc(lines, func(l string) bool { return l == "exit -r 239.0.0.1 55000 56000 application/x-rtp,media=audio" })
	startSecond := slices.IndexFunc(lines, func(l string) bool { return l == "start -r 239.0.0.2 55000 56000 application/x-rtp,media=audio" })
	require.NotEqual(t, -1, exitFirst, "first helper never exited: %v", lines)
	assert.Less(t, exitFirst, startSecond)
}

func TestSink_TransientExitRetries(t *testing.T) {
	script := `n=$(cat "LOG.count" 2>/dev/null || echo 0)
n=$((n+1))
echo "$n" > "LOG.count"
echo "start $*" >> "LOG"
if [ "$n" -eq 1 ]; then echo "Warning: no route to host" >&2; exit 2; fi
trap 'exit 0' INT
while :; do sleep 0.05; done`
	f := newSinkFixture(t, script, SinkOptions{})
	require.NoError(t, f.sink.Start(f.cfg))

	f.channel.Deliver(props("224.0.0.150"))

	waitForState(t, f.reporter, StateProblem, "Streaming process interrupted. Check log for details. Retrying...")
	waitForLog(t, f.dir, "start", 2)
	require.Eventually(t, func() bool { return f.reporter.Last().Kind == StateOK }, 2*time.Second, 10*time.Millisecond)
}

func TestSink_FatalExit(t *testing.T) {
	f := newSinkFixture(t, `echo "Critical: no such multicast interface" >&2; exit 1`, SinkOptions{})
	require.NoError(t, f.sink.Start(f.cfg))

	f.channel.Deliver(props("224.0.0.150"))

	waitForState(t, f.reporter, StateError, "Critical: no such multicast interface")
	assert.True(t, f.reporter.HasErrorCode(ErrCodeFatalExit))

	// No retry for fatal exits
	time.Sleep(2 * testTiming.RetryDelay)
	assert.Equal(t, StateError, f.reporter.Last().Kind)
}

func TestSink_SpawnFailure(t *testing.T) {
	f := newSinkFixture(t, receiveScript, SinkOptions{})
	f.cfg.TransportHelper = "/nonexistent/iw-gst-helper"
	require.NoError(t, f.sink.Start(f.cfg))

	f.channel.Deliver(props("224.0.0.150"))

	waitForState(t, f.reporter, StateError, "unable to spawn transport helper")
	assert.True(t, f.reporter.HasErrorCode(ErrCodeSpawnFailure))
}

func TestSink_SubscribeFailure(t *testing.T) {
	f := newSinkFixture(t, receiveScript, SinkOptions{Subscriber: failingSubscriber{}})

	err := f.sink.Start(f.cfg)
	require.Error(t, err)
	assert.Equal(t, StateError, f.sink.State().Kind)
}

func TestSink_KillEscalationBeforeRespawn(t *testing.T) {
	script := `trap '' INT
echo "start $*" >> "LOG"
while :; do sleep 0.05; done`

	bus := events.New()
	var escalations atomic.Int32
	unsub := bus.Subscribe(func(events.HelperEscalatedEvent) { escalations.Add(1) })
	defer unsub()

	f := newSinkFixture(t, script, SinkOptions{EventBus: bus})
	require.NoError(t, f.sink.Start(f.cfg))

	f.channel.Deliver(props("239.0.0.1"))
	waitForLog(t, f.dir, "start -r 239.0.0.1", 1)

	updated := time.Now()
	f.channel.Deliver(props("239.0.0.2"))
	waitForLog(t, f.dir, "start -r 239.0.0.2", 1)

	assert.GreaterOrEqual(t, time.Since(updated), testTiming.KillTimeout-50*time.Millisecond)
	require.Eventually(t, func() bool { return escalations.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestSink_ShutdownDeadlineInterrupts(t *testing.T) {
	script := `trap '' INT
echo "start $*" >> "LOG"
while :; do sleep 0.05; done`
	f := newSinkFixture(t, script, SinkOptions{Timing: Timing{KillTimeout: 500 * time.Millisecond}})
	require.NoError(t, f.sink.Start(f.cfg))
	f.channel.Deliver(props("224.0.0.150"))
	waitForLog(t, f.dir, "start", 1)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.sink.Shutdown(ctx), context.DeadlineExceeded)

	// The kill timer still reaps the helper
	require.Eventually(t, func() bool { return f.sink.LiveHelpers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSink_NoGoroutineLeak(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dir := t.TempDir()
	channel := newFakeChannel()
	sink := NewSink(SinkOptions{
		Subscriber:   channel,
		Logger:       discardLogger(),
		HelperLogger: discardLogger(),
		Timing:       testTiming,
	})
	require.NoError(t, sink.Start(SinkConfig{
		Path:            "blockparty.stream",
		TransportHelper: helperScript(t, dir, "transport.sh", receiveScript),
	}))
	channel.Deliver(props("224.0.0.150"))
	waitForLog(t, dir, "start", 1)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, sink.Shutdown(ctx))
}
