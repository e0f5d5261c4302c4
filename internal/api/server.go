package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/delmic/odemis-sub009/internal/component"
	"github.com/delmic/odemis-sub009/internal/infrastructure/config"
	"github.com/delmic/odemis-sub009/internal/infrastructure/logging"
	"github.com/delmic/odemis-sub009/internal/remote"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// readHeaderTimeout bounds the reading of request headers. Websocket
// sessions outlive any body or write timeout, so none is set.
const readHeaderTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Transport config.TransportConfig
	Security  config.SecurityConfig
	Logger    *logging.Logger
	Container *component.Container
	Version   string
}

// Server is the HTTP endpoint of a container.
//
// It serves the websocket Hub through which other processes reach the
// components, and a small REST API for inspection.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.TransportConfig
	secCfg    config.SecurityConfig
	logger    *logging.Logger
	ct        *component.Container
	version   string
	startTime time.Time

	hub      *remote.Hub
	server   *http.Server
	listener net.Listener
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Container == nil {
		return nil, fmt.Errorf("container is required")
	}

	s := &Server{
		cfg:     deps.Transport,
		secCfg:  deps.Security,
		logger:  deps.Logger,
		ct:      deps.Container,
		version: deps.Version,
	}
	s.hub = remote.NewHub(deps.Container, HubConfig(deps.Transport))
	s.hub.SetLogger(deps.Logger.With("container", deps.Container.Name()))
	if deps.Security.JWT.Secret != "" {
		s.hub.SetControl(canControl)
	}
	return s, nil
}

// HubConfig converts the transport settings into the Hub settings.
func HubConfig(cfg config.TransportConfig) remote.ServerConfig {
	hc := remote.DefaultServerConfig()
	if cfg.MaxMessageSize > 0 {
		hc.MaxMessageSize = int64(cfg.MaxMessageSize)
	}
	if d := cfg.GetPingInterval(); d > 0 {
		hc.PingInterval = d
	}
	if d := cfg.GetPongTimeout(); d > 0 {
		hc.PongTimeout = d
	}
	if cfg.SendBuffer > 0 {
		hc.SendBuffer = cfg.SendBuffer
	}
	if d := cfg.GetSendTimeout(); d > 0 {
		hc.SendTimeout = d
	}
	return hc
}

// Start begins listening for HTTP connections.
//
// The listener is bound before Start returns, so Addr and URL are valid
// afterwards even when the configured port is 0.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port)))
	if err != nil {
		return fmt.Errorf("listening on %s:%d: %w", s.cfg.Host, s.cfg.Port, err)
	}
	s.listener = ln
	s.startTime = time.Now()

	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	s.logger.Info("container endpoint listening", "container", s.ct.Name(), "url", s.URL())
	return nil
}

// Addr returns the address the server listens on, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// URL returns the websocket endpoint of the container.
func (s *Server) URL() string {
	return "ws://" + s.Addr() + s.cfg.Path
}

// Hub returns the websocket hub of the container.
func (s *Server) Hub() *remote.Hub {
	return s.hub
}

// Close disconnects the clients and shuts down the server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	s.hub.Close()
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down", "container", s.ct.Name())
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	if s.ct.Terminated() {
		return fmt.Errorf("container %s terminated", s.ct.Name())
	}

	return nil
}
