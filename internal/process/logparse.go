package process

import "strings"

// helperLevelPrefixes are the message prefixes the helper binaries write
// to stderr through their Qt message handler.
var helperLevelPrefixes = []struct {
	prefix string
	level  string
}{
	{"Debug:", "debug"},
	{"Info:", "info"},
	{"Warning:", "warning"},
	{"Critical:", "error"},
	{"Fatal:", "fatal"},
}

// ParseHelperLogLevel is a LogParser for iw-pa-helper and iw-gst-helper output.
// Lines without a known prefix are logged at info level.
func ParseHelperLogLevel(line string) (level, msg string) {
	for _, p := range helperLevelPrefixes {
		if rest, ok := strings.CutPrefix(line, p.prefix); ok {
			return p.level, strings.TrimSpace(rest)
		}
	}
	if strings.HasPrefix(line, MetadataMarker) {
		return "debug", line
	}
	return "info", line
}
