package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/blockparty/internal/api/models"
	"github.com/smazurov/blockparty/internal/metrics"
	"github.com/smazurov/blockparty/internal/streams"
	"github.com/smazurov/blockparty/internal/version"
)

func (s *Server) getHealth(_ context.Context, _ *struct{}) (*models.HealthResponse, error) {
	return &models.HealthResponse{
		Body: models.HealthData{Status: "ok", Message: "API is healthy"},
	}, nil
}

func (s *Server) getVersion(_ context.Context, _ *struct{}) (*models.VersionResponse, error) {
	return &models.VersionResponse{Body: version.Get()}, nil
}

func (s *Server) registerStateRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-state",
		Method:      http.MethodGet,
		Path:        "/api/state",
		Summary:     "Controller state",
		Description: "Reported state, lifecycle phase, current stream and helper counters",
		Tags:        []string{"stream"},
		Security:    withAuth(),
		Errors:      []int{401, 503},
	}, s.getState)

	huma.Register(s.api, huma.Operation{
		OperationID: "stop-stream",
		Method:      http.MethodPost,
		Path:        "/api/stream/stop",
		Summary:     "Stop stream",
		Description: "Stop the controller and its helpers. Stopping an idle controller is a no-op.",
		Tags:        []string{"stream"},
		Security:    withAuth(),
		Errors:      []int{401, 503},
	}, func(_ context.Context, _ *struct{}) (*models.ActionResponse, error) {
		if s.options.Controller == nil {
			return nil, huma.Error503ServiceUnavailable("no controller configured")
		}
		s.options.Controller.Stop()
		return &models.ActionResponse{Body: models.ActionData{Action: "stop", Success: true}}, nil
	})

	if s.options.Restart == nil {
		return
	}
	huma.Register(s.api, huma.Operation{
		OperationID: "restart-stream",
		Method:      http.MethodPost,
		Path:        "/api/stream/restart",
		Summary:     "Restart stream",
		Description: "Stop the controller and start it again with the current configuration",
		Tags:        []string{"stream"},
		Security:    withAuth(),
		Errors:      []int{401, 500},
	}, func(ctx context.Context, _ *struct{}) (*models.ActionResponse, error) {
		if err := s.options.Restart(ctx); err != nil {
			return nil, huma.Error500InternalServerError("restart failed", err)
		}
		return &models.ActionResponse{Body: models.ActionData{Action: "restart", Success: true}}, nil
	})
}

func (s *Server) getState(_ context.Context, _ *struct{}) (*models.StateResponse, error) {
	c := s.options.Controller
	if c == nil {
		return nil, huma.Error503ServiceUnavailable("no controller configured")
	}

	st := c.State()
	data := models.StateData{
		Mode:        s.options.Mode,
		Path:        s.options.Path,
		State:       string(st.Kind),
		Message:     st.Message,
		Phase:       string(c.Phase()),
		LiveHelpers: c.LiveHelpers(),
		Metrics:     metrics.GetSnapshot(),
	}
	if err := c.LastError(); err != nil {
		data.LastError = err.Error()
		data.ErrorCode = streams.ErrorCode(err)
	}
	if props, ok := c.CurrentStream(); ok {
		data.Stream = streamData(props)
	}
	if s.options.Connected != nil {
		data.NATS = s.options.Connected()
	}
	return &models.StateResponse{Body: data}, nil
}

func streamData(p streams.StreamProperties) *models.StreamData {
	caps := streams.ParseCaps(p.Parameters)
	return &models.StreamData{
		Address:    p.Address,
		RTPPort:    p.RTPPort,
		RTCPPort:   p.RTCPPort,
		Parameters: p.Parameters,
		Media:      caps.Media(),
		Encoding:   caps.Encoding(),
		ClockRate:  caps.ClockRate(),
	}
}
