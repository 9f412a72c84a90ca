package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/futurefish/aquacore/internal/audit"
	"github.com/futurefish/aquacore/internal/automation"
	"github.com/futurefish/aquacore/internal/bridge"
	"github.com/futurefish/aquacore/internal/command"
	"github.com/futurefish/aquacore/internal/device"
	"github.com/futurefish/aquacore/internal/infrastructure/config"
	"github.com/futurefish/aquacore/internal/infrastructure/database"
	"github.com/futurefish/aquacore/internal/infrastructure/logging"
	"github.com/futurefish/aquacore/internal/listener"
	"github.com/futurefish/aquacore/internal/threshold"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// HealthChecker is implemented by dependencies reported on /health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// MessageLogReader reads the bridge message log.
type MessageLogReader interface {
	ListByDevice(ctx context.Context, deviceID string, limit int) ([]bridge.LogEntry, error)
}

// BusStatus reports message bus health.
type BusStatus interface {
	Status(ctx context.Context) (bridge.Health, error)
}

// AuditLog stores and lists operator actions.
type AuditLog interface {
	Create(ctx context.Context, e *audit.Entry) error
	List(ctx context.Context, f audit.Filter) (*audit.ListResult, error)
}

// ListenerStats exposes inbound listener counters.
type ListenerStats interface {
	GetStats() listener.Stats
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config      config.APIConfig
	WS          config.WebSocketConfig
	Security    config.SecurityConfig
	Logger      *logging.Logger
	Registry    *device.Registry
	Status      device.StatusStore
	Coordinator *automation.Coordinator
	Commands    *command.Tracker
	Thresholds  *threshold.Evaluator

	// Optional.
	DB         *database.DB
	MessageLog MessageLogReader
	Audit      AuditLog
	Bus        BusStatus
	Listener   ListenerStats
	Checks     map[string]HealthChecker
	Hub        *Hub // If set, the server uses this hub instead of creating its own
	Version    string
}

// Server is the HTTP API server.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg         config.APIConfig
	wsCfg       config.WebSocketConfig
	secCfg      config.SecurityConfig
	logger      *logging.Logger
	registry    *device.Registry
	status      device.StatusStore
	coordinator *automation.Coordinator
	commands    *command.Tracker
	thresholds  *threshold.Evaluator
	db          *database.DB
	messageLog  MessageLogReader
	audit       AuditLog
	bus         BusStatus
	listener    ListenerStats
	checks      map[string]HealthChecker
	version     string
	startTime   time.Time
	tickets     *ticketStore
	server      *http.Server
	hub         *Hub
	cancel      context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	switch {
	case deps.Logger == nil:
		return nil, fmt.Errorf("logger is required")
	case deps.Registry == nil:
		return nil, fmt.Errorf("device registry is required")
	case deps.Coordinator == nil:
		return nil, fmt.Errorf("coordinator is required")
	case deps.Commands == nil:
		return nil, fmt.Errorf("command tracker is required")
	case deps.Thresholds == nil:
		return nil, fmt.Errorf("threshold evaluator is required")
	case deps.Security.JWT.Secret == "":
		return nil, fmt.Errorf("jwt secret is required")
	}
	status := deps.Status
	if status == nil {
		status = device.NewMemoryStatusStore()
	}

	s := &Server{
		cfg:         deps.Config,
		wsCfg:       deps.WS,
		secCfg:      deps.Security,
		logger:      deps.Logger,
		registry:    deps.Registry,
		status:      status,
		coordinator: deps.Coordinator,
		commands:    deps.Commands,
		thresholds:  deps.Thresholds,
		db:          deps.DB,
		messageLog:  deps.MessageLog,
		audit:       deps.Audit,
		bus:         deps.Bus,
		listener:    deps.Listener,
		checks:      deps.Checks,
		version:     deps.Version,
		startTime:   time.Now(),
		tickets:     newTicketStore(),
		hub:         deps.Hub,
	}
	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
	}
	s.hub.SetAuthorizer(s.authorizeChannel)
	return s, nil
}

// Hub returns the WebSocket hub, which also serves as a status notifier.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub and ticket cleanup, then launches the HTTP
// listener in a background goroutine. The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	go s.tickets.cleanLoop(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       s.cfg.Timeouts.ReadTimeout(),
		ReadHeaderTimeout: s.cfg.Timeouts.ReadTimeout(),
		WriteTimeout:      s.cfg.Timeouts.WriteTimeout(),
		IdleTimeout:       s.cfg.Timeouts.IdleTimeout(),
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
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
	return nil
}
