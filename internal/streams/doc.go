// Package streams implements the source and sink controllers.
//
// A Source runs a capture helper and a sending transport helper, and
// publishes the stream properties the transport reports. A Sink follows
// those properties and runs a receiving transport helper for the newest
// of them.
//
// Each controller owns its state on a single goroutine. Start, Stop and
// UpdateStream post onto that goroutine, and helper callbacks are
// marshalled onto it tagged with the handle they belong to, so a late
// event from a replaced helper is recognised and dropped.
//
// Helper exits are mapped to states by process.ClassifyExit:
//
//	0      INACTIVE
//	1      ERROR with the helper's last diagnostic line
//	2      PROBLEM, retried after Timing.RetryDelay
//	other  ERROR naming the exit code
package streams
