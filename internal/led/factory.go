package led

import (
	"log/slog"
	"os"
	"strings"
)

// DefaultModelPath holds the board name on device-tree systems.
const DefaultModelPath = "/proc/device-tree/model"

// boards maps a device-tree model substring to the LED directories of
// that board. "status" is the LED the status follower drives.
var boards = []struct {
	model string
	leds  map[string]string
}{
	{"NanoPC-T6", map[string]string{"status": "sys_led", "user": "usr_led"}},
	{"Orange Pi", map[string]string{"status": "green_led", "user": "blue_led"}},
	{"Raspberry Pi", map[string]string{"status": "ACT"}},
}

// New picks a controller for the board described at modelPath, driving
// LEDs under sysfsRoot. Unknown boards get a controller that does nothing.
func New(modelPath, sysfsRoot string, logger *slog.Logger) Controller {
	if logger == nil {
		logger = slog.Default()
	}
	model := detectBoard(modelPath)
	for _, b := range boards {
		if strings.Contains(model, b.model) {
			logger.Info("Using sysfs LED controller", "board_model", model)
			return newSysfs(sysfsRoot, b.leds)
		}
	}
	logger.Info("No LED support detected", "board_model", model)
	return noop{}
}

// detectBoard returns the device-tree model, or "unknown".
func detectBoard(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "unknown"
	}
	return strings.TrimRight(string(data), "\x00\n")
}
