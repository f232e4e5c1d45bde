package events

// Event type constants for kelindar/event.
const (
	TypeServiceStateChanged uint32 = iota + 1
	TypeHelperSpawned
	TypeHelperSpawnFailed
	TypeHelperExited
	TypeHelperEscalated
	TypeStreamPublished
	TypeStreamReceived
	TypeConfigReloaded
	TypeLogEntry
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// ServiceStateChangedEvent is emitted every time a controller reports a new state.
type ServiceStateChangedEvent struct {
	Service   string `json:"service" example:"source" doc:"Controller that changed state"`
	State     string `json:"state" example:"OK" enum:"INACTIVE,BUSY,OK,PROBLEM,ERROR" doc:"New state kind"`
	Message   string `json:"message" example:"stream active" doc:"Human-readable state message"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for ServiceStateChangedEvent.
func (e ServiceStateChangedEvent) Type() uint32 { return TypeServiceStateChanged }

// HelperSpawnedEvent is emitted after a helper process started.
type HelperSpawnedEvent struct {
	Service   string   `json:"service" example:"source" doc:"Owning controller"`
	Role      string   `json:"role" example:"transport" doc:"Helper role"`
	PID       int      `json:"pid" example:"4242" doc:"Process ID"`
	Args      []string `json:"args" doc:"Full argument vector"`
	Timestamp string   `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for HelperSpawnedEvent.
func (e HelperSpawnedEvent) Type() uint32 { return TypeHelperSpawned }

// HelperSpawnFailedEvent is emitted when a helper executable could not be started.
type HelperSpawnFailedEvent struct {
	Service   string `json:"service" example:"source" doc:"Owning controller"`
	Role      string `json:"role" example:"capture" doc:"Helper role"`
	Error     string `json:"error" example:"executable file not found in $PATH" doc:"Spawn error"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for HelperSpawnFailedEvent.
func (e HelperSpawnFailedEvent) Type() uint32 { return TypeHelperSpawnFailed }

// HelperExitedEvent is emitted when a supervised helper exits while still owned.
// Helpers that were asked to stop exit silently.
type HelperExitedEvent struct {
	Service     string `json:"service" example:"sink" doc:"Owning controller"`
	Role        string `json:"role" example:"transport" doc:"Helper role"`
	ExitCode    int    `json:"exit_code" example:"2" doc:"Process exit code, -1 for signals"`
	Kind        string `json:"kind" example:"transient" enum:"clean,fatal,transient,unexpected" doc:"Exit policy row"`
	LastMessage string `json:"last_message" doc:"Last diagnostic line"`
	Timestamp   string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for HelperExitedEvent.
func (e HelperExitedEvent) Type() uint32 { return TypeHelperExited }

// HelperEscalatedEvent is emitted when a helper ignored SIGINT and was killed.
type HelperEscalatedEvent struct {
	Service   string `json:"service" example:"sink" doc:"Owning controller"`
	Role      string `json:"role" example:"transport" doc:"Helper role"`
	PID       int    `json:"pid" example:"4242" doc:"Process ID"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for HelperEscalatedEvent.
func (e HelperEscalatedEvent) Type() uint32 { return TypeHelperEscalated }

// StreamPublishedEvent is emitted after the source published stream properties.
type StreamPublishedEvent struct {
	Path       string `json:"path" example:"blockparty.stream" doc:"Record path"`
	Address    string `json:"address" example:"224.0.0.150" doc:"Multicast address"`
	RTPPort    int    `json:"rtp_port" example:"55000" doc:"RTP port"`
	RTCPPort   int    `json:"rtcp_port" example:"56000" doc:"RTCP port"`
	Parameters string `json:"parameters" doc:"Opaque codec parameters"`
	Timestamp  string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for StreamPublishedEvent.
func (e StreamPublishedEvent) Type() uint32 { return TypeStreamPublished }

// StreamReceivedEvent is emitted when the sink accepts new stream properties.
type StreamReceivedEvent struct {
	Path       string `json:"path" example:"blockparty.stream" doc:"Record path"`
	Address    string `json:"address" example:"224.0.0.150" doc:"Multicast address"`
	RTPPort    int    `json:"rtp_port" example:"55000" doc:"RTP port"`
	RTCPPort   int    `json:"rtcp_port" example:"56000" doc:"RTCP port"`
	Parameters string `json:"parameters" doc:"Opaque codec parameters"`
	Timestamp  string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for StreamReceivedEvent.
func (e StreamReceivedEvent) Type() uint32 { return TypeStreamReceived }

// ConfigReloadedEvent is emitted after the config file changed on disk.
type ConfigReloadedEvent struct {
	Path      string `json:"path" example:"/etc/blockparty/config.toml" doc:"Config file path"`
	Error     string `json:"error,omitempty" doc:"Reload error, empty on success"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for ConfigReloadedEvent.
func (e ConfigReloadedEvent) Type() uint32 { return TypeConfigReloaded }

// LogEntryEvent carries one log line to live log viewers.
type LogEntryEvent struct {
	Timestamp  string         `json:"timestamp" example:"2026-01-27T10:30:00.123Z" doc:"Log timestamp"`
	Level      string         `json:"level" example:"info" enum:"debug,info,warn,error" doc:"Log level"`
	Module     string         `json:"module" example:"source" doc:"Logging module"`
	Message    string         `json:"message" example:"stream active" doc:"Log message"`
	Attributes map[string]any `json:"attributes,omitempty" doc:"Structured attributes"`
}

// Type returns the event type identifier for LogEntryEvent.
func (e LogEntryEvent) Type() uint32 { return TypeLogEntry }
