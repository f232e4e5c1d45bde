// Package process supervises external helper processes.
//
// A Helper wraps one spawned binary:
//   - Starts the binary in its own process group so signals reach wrapper
//     scripts and their children
//   - Streams stdout and stderr line by line, remembering the last
//     non-empty line as the helper's diagnostic message
//   - Forwards stdout lines beginning with MetadataMarker as metadata events
//   - Accepts newline-terminated commands on stdin
//   - Stops with SIGINT and escalates to SIGKILL when the kill timeout elapses
//
// Each Helper owns its kill timer. RequestStop detaches the owner's event
// callbacks before signalling, so a slow-dying helper can never report into
// state that now belongs to its replacement.
//
// Exit codes follow a fixed policy (see ClassifyExit):
//
//	0      clean stop
//	1      fatal error, the last diagnostic line explains it
//	2      transient failure, the owner retries after a delay
//	other  unexpected termination
//
// Example:
//
//	h, err := process.Spawn(process.SpawnOptions{
//	    Name:    "transport",
//	    Command: "iw-gst-helper",
//	    Args:    []string{"-s", "224.0.0.150", "55000", "56000"},
//	    Events: process.Events{
//	        OnMetadata: func(payload string) { publish(payload) },
//	        OnExit:     func(exit process.Exit) { handleExit(exit) },
//	    },
//	})
//	if err != nil {
//	    return err
//	}
//	defer h.RequestStop()
package process
