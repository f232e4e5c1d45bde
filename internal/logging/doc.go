// Package logging provides structured slog logging with per-module levels.
//
// Every module logger writes to stdout (when connected), to the systemd
// journal (when journald is reachable) and to an in-memory ring buffer
// served by the HTTP API. Loggers obtained with GetLogger before Initialize
// are rebound in place once configuration is loaded.
//
//	logging.Initialize(logging.Config{
//		Level:   "info",
//		Format:  "text",
//		Modules: map[string]string{"source": "debug", "nats": "warn"},
//	})
//	logger := logging.GetLogger("source")
//
// Journal entries are tagged with SYSLOG_IDENTIFIER=blockparty:
//
//	journalctl -t blockparty -f
//	journalctl -t blockparty MODULE=helper
//
// Helper processes log through the "helper" module, with their pid and role
// attached as fields.
package logging
