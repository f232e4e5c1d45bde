package nats

import (
	"time"

	"github.com/smazurov/blockparty/internal/streams"
)

// StateReporter publishes a controller's states and diagnostics on NATS.
// It implements streams.Reporter and degrades to a no-op while disconnected.
type StateReporter struct {
	client  *Client
	service string
}

// NewStateReporter creates a reporter for service (e.g. "source").
func NewStateReporter(client *Client, service string) *StateReporter {
	return &StateReporter{client: client, service: service}
}

// SetState publishes a StateMessage on SubjectState.
func (r *StateReporter) SetState(state streams.State, message string) {
	data, err := StateMessage{
		Service:   r.service,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		State:     string(state),
		Message:   message,
	}.Marshal()
	if err != nil {
		r.client.logger.Warn("Failed to marshal state", "error", err)
		return
	}
	r.client.publish(SubjectState(r.service), data)
}

// SetErrorDiagnostic publishes an ErrorMessage on SubjectErrors.
func (r *StateReporter) SetErrorDiagnostic(err error) {
	if err == nil {
		return
	}
	data, merr := ErrorMessage{
		Service:   r.service,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Code:      streams.ErrorCode(err),
		Message:   err.Error(),
	}.Marshal()
	if merr != nil {
		r.client.logger.Warn("Failed to marshal error diagnostic", "error", merr)
		return
	}
	r.client.publish(SubjectErrors(r.service), data)
}
