// Package metrics provides Prometheus metrics for helper supervision.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// States is every value of the service_state gauge's state label.
var States = []string{"INACTIVE", "BUSY", "OK", "PROBLEM", "ERROR"}

var (
	helperSpawns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blockparty",
		Subsystem: "helper",
		Name:      "spawn_total",
		Help:      "Helper spawn attempts by role and result",
	}, []string{"role", "result"})

	helperExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blockparty",
		Subsystem: "helper",
		Name:      "exit_total",
		Help:      "Unrequested helper exits by role and exit policy",
	}, []string{"role", "kind"})

	helperKills = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blockparty",
		Subsystem: "helper",
		Name:      "kill_escalations_total",
		Help:      "Helpers that ignored SIGINT and were killed",
	}, []string{"role"})

	serviceState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "blockparty",
		Name:      "service_state",
		Help:      "1 for the current service state, 0 otherwise",
	}, []string{"state"})

	streamPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "blockparty",
		Name:      "stream_published_total",
		Help:      "Stream property records published by the source",
	})

	// Local cache for the status API.
	cache   = newSnapshot()
	cacheMu sync.RWMutex
)

// Snapshot holds the counter values seen by this process.
type Snapshot struct {
	Spawns          map[string]int `json:"spawns" doc:"Successful helper spawns by role"`
	SpawnFailures   map[string]int `json:"spawn_failures" doc:"Failed helper spawns by role"`
	Exits           map[string]int `json:"exits" doc:"Unrequested helper exits by kind"`
	KillEscalations map[string]int `json:"kill_escalations" doc:"SIGKILL escalations by role"`
	Published       int            `json:"published" doc:"Stream records published"`
}

func newSnapshot() Snapshot {
	return Snapshot{
		Spawns:          make(map[string]int),
		SpawnFailures:   make(map[string]int),
		Exits:           make(map[string]int),
		KillEscalations: make(map[string]int),
	}
}

// RecordSpawn counts a spawn attempt.
func RecordSpawn(role string, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	helperSpawns.WithLabelValues(role, result).Inc()
	updateCache(func(s *Snapshot) {
		if ok {
			s.Spawns[role]++
		} else {
			s.SpawnFailures[role]++
		}
	})
}

// RecordExit counts an unrequested helper exit.
func RecordExit(role, kind string) {
	helperExits.WithLabelValues(role, kind).Inc()
	updateCache(func(s *Snapshot) { s.Exits[kind]++ })
}

// RecordKillEscalation counts a SIGKILL escalation.
func RecordKillEscalation(role string) {
	helperKills.WithLabelValues(role).Inc()
	updateCache(func(s *Snapshot) { s.KillEscalations[role]++ })
}

// RecordPublished counts a published stream record.
func RecordPublished() {
	streamPublished.Inc()
	updateCache(func(s *Snapshot) { s.Published++ })
}

// SetServiceState sets the gauge to 1 for state and 0 for all others.
func SetServiceState(state string) {
	for _, s := range States {
		value := 0.0
		if s == state {
			value = 1
		}
		serviceState.WithLabelValues(s).Set(value)
	}
}

// GetSnapshot returns a copy of the cached counters.
func GetSnapshot() Snapshot {
	cacheMu.RLock()
	defer cacheMu.RUnlock()

	dup := newSnapshot()
	for k, v := range cache.Spawns {
		dup.Spawns[k] = v
	}
	for k, v := range cache.SpawnFailures {
		dup.SpawnFailures[k] = v
	}
	for k, v := range cache.Exits {
		dup.Exits[k] = v
	}
	for k, v := range cache.KillEscalations {
		dup.KillEscalations[k] = v
	}
	dup.Published = cache.Published
	return dup
}

func updateCache(update func(*Snapshot)) {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	update(&cache)
}

// Handler returns the Prometheus metrics HTTP handler.
// This collects all promauto-registered metrics automatically.
func Handler() http.Handler {
	return promhttp.Handler()
}
