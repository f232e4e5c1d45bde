package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/smazurov/blockparty/internal/api/models"
	"github.com/smazurov/blockparty/internal/events"
	"github.com/smazurov/blockparty/internal/logging"
)

// LogsData lists buffered log entries.
type LogsData struct {
	Entries []events.LogEntryEvent `json:"entries" doc:"Log entries, oldest first"`
	Count   int                    `json:"count" example:"42" doc:"Number of entries returned"`
}

// LogsResponse wraps LogsData.
type LogsResponse struct {
	Body LogsData
}

// LogEntryToEvent converts a buffered log entry to its event form.
func LogEntryToEvent(e logging.LogEntry) events.LogEntryEvent {
	return events.LogEntryEvent{
		Timestamp:  e.Timestamp.Format(time.RFC3339Nano),
		Level:      e.Level,
		Module:     e.Module,
		Message:    e.Message,
		Attributes: e.Attributes,
	}
}

func (s *Server) registerLogRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-logs",
		Method:      http.MethodGet,
		Path:        "/api/logs",
		Summary:     "Recent logs",
		Description: "Recent log entries from the in-memory buffer, including helper diagnostics",
		Tags:        []string{"logs"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, in *models.LogsInput) (*LogsResponse, error) {
		resp := &LogsResponse{}
		resp.Body.Entries = []events.LogEntryEvent{}
		buffer := logging.GetBuffer()
		if buffer == nil {
			return resp, nil
		}
		entries := buffer.ReadAll()
		if in.Module != "" {
			filtered := entries[:0:0]
			for _, e := range entries {
				if e.Module == in.Module {
					filtered = append(filtered, e)
				}
			}
			entries = filtered
		}
		if in.Limit > 0 && len(entries) > in.Limit {
			entries = entries[len(entries)-in.Limit:]
		}
		for _, e := range entries {
			resp.Body.Entries = append(resp.Body.Entries, LogEntryToEvent(e))
		}
		resp.Body.Count = len(resp.Body.Entries)
		return resp, nil
	})

	if s.options.EventBus == nil {
		return
	}
	sse.Register(s.api, huma.Operation{
		OperationID: "logs-stream",
		Method:      http.MethodGet,
		Path:        "/api/logs/stream",
		Summary:     "Log stream",
		Description: "Buffered log entries followed by new entries as Server-Sent Events",
		Tags:        []string{"logs"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, map[string]any{
		"message": events.LogEntryEvent{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		eventCh := make(chan any, 100)
		unsubscribe := events.SubscribeToChannel[events.LogEntryEvent](s.options.EventBus, eventCh)
		defer unsubscribe()

		if buffer := logging.GetBuffer(); buffer != nil {
			for _, e := range buffer.ReadAll() {
				if err := send.Data(LogEntryToEvent(e)); err != nil {
					return
				}
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-eventCh:
				if err := send.Data(ev); err != nil {
					return
				}
			}
		}
	})
}
