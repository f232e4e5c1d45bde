package streams

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// StreamProperties is the record the source publishes and the sink consumes.
// Parameters is opaque to the controllers and passed to the receiving
// helper unchanged.
type StreamProperties struct {
	Address    string `json:"address"`
	RTPPort    int    `json:"rtpPort"`
	RTCPPort   int    `json:"rtcpPort"`
	Parameters string `json:"parameters"`
}

// Validate checks that the properties are complete enough to start a receiver.
func (p StreamProperties) Validate() error {
	if p.Address == "" {
		return fmt.Errorf("%w: missing address", ErrInvalidProperties)
	}
	if net.ParseIP(p.Address) == nil {
		return fmt.Errorf("%w: address %q is not an IP", ErrInvalidProperties, p.Address)
	}
	if !validPort(p.RTPPort) {
		return fmt.Errorf("%w: rtp port %d out of range", ErrInvalidProperties, p.RTPPort)
	}
	if !validPort(p.RTCPPort) {
		return fmt.Errorf("%w: rtcp port %d out of range", ErrInvalidProperties, p.RTCPPort)
	}
	if p.Parameters == "" {
		return fmt.Errorf("%w: missing parameters", ErrInvalidProperties)
	}
	return nil
}

func (p StreamProperties) String() string {
	return fmt.Sprintf("%s:%d/%d", p.Address, p.RTPPort, p.RTCPPort)
}

func validPort(port int) bool {
	return port > 0 && port <= 65535
}

// sendArgs builds the transport helper arguments in send mode.
func sendArgs(address string, rtpPort, rtcpPort int) []string {
	return []string{"-s", address, strconv.Itoa(rtpPort), strconv.Itoa(rtcpPort)}
}

// receiveArgs builds the transport helper arguments in receive mode.
func receiveArgs(p StreamProperties) []string {
	return []string{"-r", p.Address, strconv.Itoa(p.RTPPort), strconv.Itoa(p.RTCPPort), p.Parameters}
}

// Caps is a parsed view of RTP caps parameters, e.g.
//
//	application/x-rtp, media=(string)audio, clock-rate=(int)48000, encoding-name=(string)OPUS
type Caps struct {
	MediaType string
	Fields    map[string]string
}

// ParseCaps splits a caps string into its media type and fields.
// Type annotations like "(int)" are dropped and quoted values unquoted.
// It never fails; unparseable fields are skipped.
func ParseCaps(parameters string) Caps {
	caps := Caps{Fields: make(map[string]string)}

	parts := splitCaps(parameters)
	if len(parts) == 0 {
		return caps
	}
	caps.MediaType = strings.TrimSpace(parts[0])

	for _, part := range parts[1:] {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if strings.HasPrefix(value, "(") {
			if end := strings.IndexByte(value, ')'); end > 0 {
				value = value[end+1:]
			}
		}
		if unquoted, err := strconv.Unquote(value); err == nil {
			value = unquoted
		}
		if key != "" {
			caps.Fields[key] = value
		}
	}
	return caps
}

// splitCaps splits on commas outside double quotes.
func splitCaps(s string) []string {
	var parts []string
	var b strings.Builder
	inQuote := false
	escaped := false

	for _, r := range s {
		switch {
		case escaped:
			escaped = false
		case r == '\\' && inQuote:
			escaped = true
		case r == '"':
			inQuote = !inQuote
		case r == ',' && !inQuote:
			if part := strings.TrimSpace(b.String()); part != "" {
				parts = append(parts, part)
			}
			b.Reset()
			continue
		}
		b.WriteRune(r)
	}
	if part := strings.TrimSpace(b.String()); part != "" {
		parts = append(parts, part)
	}
	return parts
}

// Media returns the media field, e.g. "audio".
func (c Caps) Media() string {
	return c.Fields["media"]
}

// Encoding returns the encoding-name field, e.g. "OPUS".
func (c Caps) Encoding() string {
	return c.Fields["encoding-name"]
}

// ClockRate returns the clock-rate field, or 0 if missing.
func (c Caps) ClockRate() int {
	rate, err := strconv.Atoi(c.Fields["clock-rate"])
	if err != nil {
		return 0
	}
	return rate
}
