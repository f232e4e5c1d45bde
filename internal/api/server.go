package api

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"github.com/smazurov/blockparty/internal/events"
	"github.com/smazurov/blockparty/internal/logging"
	"github.com/smazurov/blockparty/internal/streams"
	"github.com/smazurov/blockparty/internal/version"
)

const authRealm = `Basic realm="blockparty"`

// ServiceManager controls the systemd unit the capture helper depends on.
type ServiceManager interface {
	GetServiceStatus(ctx context.Context, unit string) (string, error)
	RestartService(ctx context.Context, unit string) error
}

// Options configures the API server.
type Options struct {
	// Mode is "source" or "sink".
	Mode string
	// Path is the record path the controller publishes or follows.
	Path       string
	Controller streams.Controller
	EventBus   *events.Bus

	// Restart stops the controller and starts it again with the current
	// configuration. The restart endpoint is not registered when nil.
	Restart func(ctx context.Context) error
	// Connected reports whether the config channel is up.
	Connected func() bool

	// SystemdManager enables the audio unit endpoints when set.
	SystemdManager ServiceManager
	AudioUnit      string

	AuthUsername string
	AuthPassword string
	AllowOrigin  string

	// MetricsHandler is mounted at /metrics without auth when set.
	MetricsHandler http.Handler
}

// Server is the huma HTTP API of one node.
type Server struct {
	api        huma.API
	mux        *http.ServeMux
	httpServer *http.Server
	options    Options
	logger     *slog.Logger
}

// NewServer creates the API server and registers every route.
func NewServer(opts Options) *Server {
	mux := http.NewServeMux()

	cors := DefaultCORSConfig()
	if opts.AllowOrigin != "" {
		cors.AllowOrigin = opts.AllowOrigin
	}
	AddCORSHandler(mux, cors)

	config := huma.DefaultConfig("blockparty API", version.String())
	config.Info.Description = "Control and status of a blockparty audio source or sink"
	config.Servers = []*huma.Server{}
	config.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"basicAuth": {Type: "http", Scheme: "basic"},
	}

	api := humago.New(mux, config)
	s := &Server{
		api:     api,
		mux:     mux,
		options: opts,
		logger:  logging.GetLogger("api"),
	}

	api.UseMiddleware(NewCORSMiddleware(cors))
	api.UseMiddleware(HTTPLoggingMiddleware)
	if opts.AuthUsername != "" && opts.AuthPassword != "" {
		api.UseMiddleware(s.basicAuthMiddleware(opts.AuthUsername, opts.AuthPassword))
	}

	if opts.MetricsHandler != nil {
		mux.Handle("GET /metrics", opts.MetricsHandler)
	}

	s.registerRoutes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// API returns the huma API instance.
func (s *Server) API() huma.API {
	return s.api
}

// Start serves on addr until Stop. It returns nil after a clean Stop.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting API server", "addr", addr, "docs", "http://"+addr+"/docs")

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the server down. SSE streams are cut when ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("Stopping API server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return s.httpServer.Close()
	}
	return nil
}

// basicAuthMiddleware enforces HTTP basic auth on operations that declare a
// security requirement. EventSource clients cannot set headers, so the
// base64 "user:pass" may also be passed as the auth query parameter.
func (s *Server) basicAuthMiddleware(username, password string) func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		if op := ctx.Operation(); op != nil && len(op.Security) == 0 {
			next(ctx)
			return
		}

		user, pass, ok := credentials(ctx)
		if !ok {
			ctx.SetHeader("WWW-Authenticate", authRealm)
			huma.WriteErr(s.api, ctx, http.StatusUnauthorized, "Authentication required")
			return
		}
		userOK := subtle.ConstantTimeCompare([]byte(user), []byte(username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(password)) == 1
		if !userOK || !passOK {
			ctx.SetHeader("WWW-Authenticate", authRealm)
			huma.WriteErr(s.api, ctx, http.StatusUnauthorized, "Invalid credentials")
			return
		}
		next(ctx)
	}
}

func credentials(ctx huma.Context) (string, string, bool) {
	encoded, ok := strings.CutPrefix(ctx.Header("Authorization"), "Basic ")
	if !ok {
		encoded = ctx.Query("auth")
	}
	if encoded == "" {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", false
	}
	return strings.Cut(string(decoded), ":")
}

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "health-check",
		Method:      http.MethodGet,
		Path:        "/api/health",
		Summary:     "Health",
		Description: "Check API health status",
		Tags:        []string{"system"},
		Security:    []map[string][]string{},
	}, s.getHealth)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-version",
		Method:      http.MethodGet,
		Path:        "/api/version",
		Summary:     "Version",
		Description: "Get build information",
		Tags:        []string{"system"},
		Security:    []map[string][]string{},
	}, s.getVersion)

	s.registerStateRoutes()
	s.registerSSERoutes()
	s.registerLogRoutes()
	s.registerSystemdRoutes()
}

// withAuth returns the security requirement for basic auth.
func withAuth() []map[string][]string {
	return []map[string][]string{
		{"basicAuth": {}},
	}
}
