package models

import (
	"github.com/smazurov/blockparty/internal/metrics"
	"github.com/smazurov/blockparty/internal/version"
)

// HealthData reports liveness.
type HealthData struct {
	Status  string `json:"status" example:"ok" doc:"Service status"`
	Message string `json:"message" example:"API is healthy" doc:"Status message"`
}

// HealthResponse wraps HealthData.
type HealthResponse struct {
	Body HealthData
}

// VersionResponse wraps build information.
type VersionResponse struct {
	Body version.Info
}

// StreamData describes the stream a controller is publishing or following.
type StreamData struct {
	Address    string `json:"address" example:"224.0.0.150" doc:"Multicast address"`
	RTPPort    int    `json:"rtp_port" example:"55000" doc:"RTP port"`
	RTCPPort   int    `json:"rtcp_port" example:"56000" doc:"RTCP port"`
	Parameters string `json:"parameters" doc:"Codec parameters as reported by the transport helper"`
	Media      string `json:"media,omitempty" example:"audio" doc:"Media kind parsed from parameters"`
	Encoding   string `json:"encoding,omitempty" example:"L16" doc:"Encoding name parsed from parameters"`
	ClockRate  int    `json:"clock_rate,omitempty" example:"48000" doc:"Clock rate parsed from parameters"`
}

// StateData is the full controller snapshot.
type StateData struct {
	Mode        string           `json:"mode" example:"source" enum:"source,sink" doc:"Controller role of this node"`
	Path        string           `json:"path" example:"studio/a" doc:"Record path"`
	State       string           `json:"state" example:"OK" enum:"INACTIVE,BUSY,OK,PROBLEM,ERROR" doc:"Reported state kind"`
	Message     string           `json:"message" example:"stream active" doc:"Reported state message"`
	Phase       string           `json:"phase" example:"streaming" doc:"Internal lifecycle phase"`
	LastError   string           `json:"last_error,omitempty" doc:"Last error diagnostic"`
	ErrorCode   string           `json:"error_code,omitempty" example:"TRANSIENT_EXIT" doc:"Code of the last error diagnostic"`
	LiveHelpers int              `json:"live_helpers" example:"2" doc:"Helper processes not yet exited"`
	Stream      *StreamData      `json:"stream,omitempty" doc:"Current stream, if any"`
	NATS        bool             `json:"nats_connected" doc:"Whether the config channel is connected"`
	Metrics     metrics.Snapshot `json:"metrics" doc:"Helper counters"`
}

// StateResponse wraps StateData.
type StateResponse struct {
	Body StateData
}

// ActionData is the result of a control action.
type ActionData struct {
	Action  string `json:"action" example:"restart" doc:"Action performed"`
	Success bool   `json:"success" example:"true" doc:"Whether the action was accepted"`
	Message string `json:"message,omitempty" doc:"Details"`
}

// ActionResponse wraps ActionData.
type ActionResponse struct {
	Body ActionData
}

// LogsInput selects how many buffered log entries to return.
type LogsInput struct {
	Limit  int    `query:"limit" minimum:"0" maximum:"1000" default:"200" doc:"Maximum number of entries, newest last"`
	Module string `query:"module" doc:"Only entries from this logging module"`
}
