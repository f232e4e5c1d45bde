package nats

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/smazurov/blockparty/internal/streams"
)

// Subject prefixes for NATS topics.
const (
	SubjectRecordsPrefix = "blockparty.records"
	SubjectStatePrefix   = "blockparty.state"
	SubjectErrorsPrefix  = "blockparty.errors"

	// getSuffix is appended to a record subject for current-value requests.
	getSuffix = ".get"
)

// SubjectRecord returns the NATS subject a record path is published on.
// Path separators become subject tokens, so "audio/living-room" maps to
// "blockparty.records.audio.living-room".
func SubjectRecord(path string) string {
	path = strings.Trim(path, "/.")
	path = strings.NewReplacer("/", ".", " ", "_", "*", "_", ">", "_").Replace(path)
	return fmt.Sprintf("%s.%s", SubjectRecordsPrefix, path)
}

// SubjectRecordGet returns the request subject that answers with the current record.
func SubjectRecordGet(path string) string {
	return SubjectRecord(path) + getSuffix
}

// SubjectState returns the subject a service reports its state on.
func SubjectState(service string) string {
	return fmt.Sprintf("%s.%s", SubjectStatePrefix, service)
}

// SubjectErrors returns the subject a service reports error diagnostics on.
func SubjectErrors(service string) string {
	return fmt.Sprintf("%s.%s", SubjectErrorsPrefix, service)
}

// MarshalRecord serializes stream properties as the record body.
func MarshalRecord(props streams.StreamProperties) ([]byte, error) {
	return json.Marshal(props)
}

// UnmarshalRecord deserializes a record body.
func UnmarshalRecord(data []byte) (streams.StreamProperties, error) {
	var props streams.StreamProperties
	err := json.Unmarshal(data, &props)
	return props, err
}

// StateMessage represents a service state change sent over NATS.
type StateMessage struct {
	Service   string `json:"service"`
	Timestamp string `json:"timestamp"`
	State     string `json:"state"` // INACTIVE, BUSY, OK, PROBLEM, ERROR
	Message   string `json:"message"`
}

// Marshal serializes the message to JSON.
func (m StateMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// ErrorMessage represents an error diagnostic sent over NATS.
type ErrorMessage struct {
	Service   string `json:"service"`
	Timestamp string `json:"timestamp"`
	Code      string `json:"code,omitempty"` // StreamError code when known
	Message   string `json:"message"`
}

// Marshal serializes the message to JSON.
func (m ErrorMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalState deserializes a StateMessage from JSON.
func UnmarshalState(data []byte) (StateMessage, error) {
	var m StateMessage
	err := json.Unmarshal(data, &m)
	return m, err
}

// UnmarshalError deserializes an ErrorMessage from JSON.
func UnmarshalError(data []byte) (ErrorMessage, error) {
	var m ErrorMessage
	err := json.Unmarshal(data, &m)
	return m, err
}
