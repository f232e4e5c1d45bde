package streams

import "context"

// State is the coarse health of a controller as seen by the host.
type State string

// State kinds reported to the host.
const (
	StateInactive State = "INACTIVE"
	StateBusy     State = "BUSY"
	StateOK       State = "OK"
	StateProblem  State = "PROBLEM"
	StateError    State = "ERROR"
)

// ServiceState is the last state a controller reported.
type ServiceState struct {
	Kind    State  `json:"state"`
	Message string `json:"message"`
}

// Reporter receives state changes and error diagnostics.
// Implementations must not call back into the controller.
type Reporter interface {
	SetState(state State, message string)
	SetErrorDiagnostic(err error)
}

// Publisher writes stream properties to the shared config channel.
type Publisher interface {
	PublishStream(path string, props StreamProperties) error
}

// Subscriber delivers every change of the record at path.
// A subscriber may deliver the current value right after subscribing.
type Subscriber interface {
	SubscribeStream(path string, onUpdate func(StreamProperties)) (unsubscribe func(), err error)
}

// Controller is the read and lifecycle surface shared by Source and Sink.
type Controller interface {
	Service() string
	State() ServiceState
	LastError() error
	Phase() Phase
	LiveHelpers() int
	CurrentStream() (StreamProperties, bool)
	Stop()
	Shutdown(ctx context.Context) error
}

// Reporters fans every report out to each reporter in order.
type Reporters []Reporter

// SetState implements Reporter.
func (rs Reporters) SetState(state State, message string) {
	for _, r := range rs {
		r.SetState(state, message)
	}
}

// SetErrorDiagnostic implements Reporter.
func (rs Reporters) SetErrorDiagnostic(err error) {
	for _, r := range rs {
		r.SetErrorDiagnostic(err)
	}
}

type nopReporter struct{}

func (nopReporter) SetState(State, string)   {}
func (nopReporter) SetErrorDiagnostic(error) {}

// Phase is the internal lifecycle position of a controller.
type Phase string

// Controller phases.
const (
	PhaseIdle              Phase = "idle"
	PhaseSpawningCapture   Phase = "spawning_capture"
	PhaseWarmup            Phase = "warmup"
	PhaseSpawningTransport Phase = "spawning_transport"
	PhaseStreaming         Phase = "streaming"
	PhaseWaiting           Phase = "waiting"
	PhaseInactive          Phase = "inactive"
)
