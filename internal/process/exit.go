package process

import (
	"fmt"
	"strings"
)

// MetadataMarker prefixes helper stdout lines that carry stream parameters.
const MetadataMarker = "stream-meta"

// ExitKind classifies a helper exit code.
type ExitKind int

// Exit kinds, one per row of the helper exit-code policy.
const (
	ExitClean      ExitKind = iota // code 0
	ExitFatal                      // code 1
	ExitTransient                  // code 2, retried
	ExitUnexpected                 // anything else, including signals
)

// ClassifyExit maps a helper exit code to its policy.
func ClassifyExit(code int) ExitKind {
	switch code {
	case 0:
		return ExitClean
	case 1:
		return ExitFatal
	case 2:
		return ExitTransient
	default:
		return ExitUnexpected
	}
}

// Retry reports whether the owner should respawn the helper.
func (k ExitKind) Retry() bool {
	return k == ExitTransient
}

func (k ExitKind) String() string {
	switch k {
	case ExitClean:
		return "clean"
	case ExitFatal:
		return "fatal"
	case ExitTransient:
		return "transient"
	case ExitUnexpected:
		return "unexpected"
	default:
		return fmt.Sprintf("ExitKind(%d)", int(k))
	}
}

// ParseMetadata extracts the payload of a metadata line.
// The marker must be followed by whitespace or end the line. The payload is
// everything after it with surrounding whitespace removed.
func ParseMetadata(line string) (string, bool) {
	rest, ok := strings.CutPrefix(line, MetadataMarker)
	if !ok {
		return "", false
	}
	if rest != "" && rest[0] != ' ' && rest[0] != '\t' {
		return "", false
	}
	return strings.TrimSpace(rest), true
}
