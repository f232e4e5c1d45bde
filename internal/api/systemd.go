package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/blockparty/internal/api/models"
)

// registerSystemdRoutes exposes the audio server unit the capture helper
// talks to, so a lost audio server can be restarted remotely.
func (s *Server) registerSystemdRoutes() {
	manager := s.options.SystemdManager
	unit := s.options.AudioUnit
	if manager == nil || unit == "" {
		return
	}

	huma.Register(s.api, huma.Operation{
		OperationID: "get-audio-unit-status",
		Method:      http.MethodGet,
		Path:        "/api/systemd/audio/status",
		Summary:     "Audio service status",
		Description: "ActiveState of the audio server systemd unit",
		Tags:        []string{"systemd"},
		Security:    withAuth(),
		Errors:      []int{401, 500},
	}, func(ctx context.Context, _ *struct{}) (*models.SystemdServiceStatusResponse, error) {
		status, err := manager.GetServiceStatus(ctx, unit)
		if err != nil {
			return nil, huma.Error500InternalServerError("Failed to get service status", err)
		}
		return &models.SystemdServiceStatusResponse{
			Body: models.SystemdServiceStatus{Service: unit, Status: status},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "restart-audio-unit",
		Method:      http.MethodPost,
		Path:        "/api/systemd/audio/restart",
		Summary:     "Restart audio service",
		Description: "Restart the audio server systemd unit. A running capture helper loses its connection and is retried.",
		Tags:        []string{"systemd"},
		Security:    withAuth(),
		Errors:      []int{401, 500},
	}, func(ctx context.Context, _ *struct{}) (*models.SystemdServiceActionResponse, error) {
		if err := manager.RestartService(ctx, unit); err != nil {
			return nil, huma.Error500InternalServerError("Failed to restart service", err)
		}
		return &models.SystemdServiceActionResponse{
			Body: models.SystemdServiceAction{Service: unit, Action: "restart", Success: true},
		}, nil
	})
}
