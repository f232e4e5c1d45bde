package streams

import (
	"errors"
	"fmt"
)

// StreamError represents a domain-specific error
type StreamError struct {
	Code    string
	Message string
	Cause   error
}

func (e *StreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *StreamError) Unwrap() error {
	return e.Cause
}

// Error codes
const (
	ErrCodeSpawnFailure      = "SPAWN_FAILURE"
	ErrCodeFatalExit         = "FATAL_EXIT"
	ErrCodeTransientExit     = "TRANSIENT_EXIT"
	ErrCodeUnexpectedExit    = "UNEXPECTED_EXIT"
	ErrCodeDependencyFailure = "DEPENDENCY_FAILURE"
	ErrCodeDecodeError       = "DECODE_ERROR"
	ErrCodePublishFailure    = "PUBLISH_FAILURE"
)

var (
	// ErrInvalidProperties is returned when stream properties fail validation.
	ErrInvalidProperties = errors.New("invalid stream properties")
	// ErrInvalidConfig is returned when a start configuration fails validation.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("controller shut down")
)

// NewStreamError creates a new stream error
func NewStreamError(code, message string, cause error) *StreamError {
	return &StreamError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// ErrorCode returns the StreamError code carried by err, or "" if there is none.
func ErrorCode(err error) string {
	var se *StreamError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}
