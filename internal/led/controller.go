// Package led drives a board LED from the controller state, so a headless
// node shows at a glance whether it is streaming.
package led

// Pattern is how an LED shows a state.
type Pattern string

// Patterns understood by every Controller.
const (
	PatternOff   Pattern = "off"
	PatternSolid Pattern = "solid"
	PatternBlink Pattern = "blink"
)

// Controller sets one named LED. Names are board-specific, e.g. "status"
// maps to sys_led on a NanoPC-T6.
type Controller interface {
	Set(name string, pattern Pattern) error
	Available() []string
}

type noop struct{}

func (noop) Set(string, Pattern) error { return nil }
func (noop) Available() []string       { return []string{} }
