package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smazurov/blockparty/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordSpawn(t *testing.T) {
	before := testutil.ToFloat64(helperSpawns.WithLabelValues("capture", "success"))
	beforeFail := testutil.ToFloat64(helperSpawns.WithLabelValues("capture", "failure"))
	snap := GetSnapshot()

	RecordSpawn("capture", true)
	RecordSpawn("capture", false)

	assert.Equal(t, before+1, testutil.ToFloat64(helperSpawns.WithLabelValues("capture", "success")))
	assert.Equal(t, beforeFail+1, testutil.ToFloat64(helperSpawns.WithLabelValues("capture", "failure")))

	after := GetSnapshot()
	assert.Equal(t, snap.Spawns["capture"]+1, after.Spawns["capture"])
	assert.Equal(t, snap.SpawnFailures["capture"]+1, after.SpawnFailures["capture"])
}

func TestSetServiceStateIsOneHot(t *testing.T) {
	SetServiceState("PROBLEM")

	for _, state := range States {
		want := 0.0
		if state == "PROBLEM" {
			want = 1
		}
		assert.Equal(t, want, testutil.ToFloat64(serviceState.WithLabelValues(state)), state)
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	RecordKillEscalation("transport")
	snap := GetSnapshot()
	snap.KillEscalations["transport"] = 999

	assert.NotEqual(t, 999, GetSnapshot().KillEscalations["transport"])
}

func TestSubscribeFeedsCollectors(t *testing.T) {
	bus := events.New()
	unsub := Subscribe(bus)
	defer unsub()

	exits := testutil.ToFloat64(helperExits.WithLabelValues("transport", "transient"))
	kills := testutil.ToFloat64(helperKills.WithLabelValues("transport"))
	published := testutil.ToFloat64(streamPublished)

	bus.Publish(events.HelperExitedEvent{Role: "transport", Kind: "transient", ExitCode: 2})
	bus.Publish(events.HelperEscalatedEvent{Role: "transport"})
	bus.Publish(events.StreamPublishedEvent{Path: "audio"})
	bus.Publish(events.ServiceStateChangedEvent{Service: "source", State: "OK"})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(helperExits.WithLabelValues("transport", "transient")) == exits+1 &&
			testutil.ToFloat64(helperKills.WithLabelValues("transport")) == kills+1 &&
			testutil.ToFloat64(streamPublished) == published+1 &&
			testutil.ToFloat64(serviceState.WithLabelValues("OK")) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandlerExposesMetrics(t *testing.T) {
	RecordPublished()

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "blockparty_stream_published_total"))
}
