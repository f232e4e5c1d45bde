// Package nats carries stream properties and service states between
// blockparty nodes over NATS.
//
// # Architecture
//
//   - Server: optional embedded NATS server (--nats-embedded) for setups
//     without a broker
//   - Client: the config channel; publishes and follows stream records
//   - StateReporter: publishes a controller's states and error diagnostics
//
// # Subject Hierarchy
//
//	blockparty.records.{path}       # StreamProperties record (source → sinks)
//	blockparty.records.{path}.get   # current record, request/reply
//	blockparty.state.{service}      # state changes (source, sink)
//	blockparty.errors.{service}     # error diagnostics
//
// Record paths containing "/" are mapped to subject tokens, see SubjectRecord.
//
// Core NATS has no retained messages. The publishing client keeps the last
// record it sent and answers the .get request with it, and every new
// subscription asks for it once. A live update that arrives before the
// answer wins.
//
// # Debugging with nats CLI
//
// Monitor all traffic:
//
//	nats sub "blockparty.>" -s nats://localhost:4222
//
// Fetch the current record:
//
//	nats req "blockparty.records.audio.living-room.get" ""
//
// Publish a record by hand (a running sink restarts its receiver):
//
//	nats pub "blockparty.records.audio.living-room" \
//	  '{"address":"224.0.0.150","rtpPort":55000,"rtcpPort":56000,"parameters":"application/x-rtp, media=(string)audio"}'
//
// # Message Formats
//
// Record (blockparty.records.{path}):
//
//	{
//	  "address": "224.0.0.150",
//	  "rtpPort": 55000,
//	  "rtcpPort": 56000,
//	  "parameters": "application/x-rtp, media=(string)audio, clock-rate=(int)48000, encoding-name=(string)OPUS"
//	}
//
// StateMessage (blockparty.state.{service}):
//
//	{
//	  "service": "source",
//	  "timestamp": "2026-01-01T12:00:00Z",
//	  "state": "OK",
//	  "message": "stream active"
//	}
//
// ErrorMessage (blockparty.errors.{service}):
//
//	{
//	  "service": "sink",
//	  "timestamp": "2026-01-01T12:00:00Z",
//	  "code": "FATAL_EXIT",
//	  "message": "FATAL_EXIT: Critical: no such device"
//	}
package nats
