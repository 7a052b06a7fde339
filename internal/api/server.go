package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nerrad567/carrelay/internal/bridges/firmware"
	"github.com/nerrad567/carrelay/internal/device"
	"github.com/nerrad567/carrelay/internal/dispatch"
	"github.com/nerrad567/carrelay/internal/eventlog"
	"github.com/nerrad567/carrelay/internal/infrastructure/config"
	"github.com/nerrad567/carrelay/internal/infrastructure/logging"
	"github.com/nerrad567/carrelay/internal/infrastructure/statuscache"
	"github.com/nerrad567/carrelay/internal/registry"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Dispatcher is the command surface both transports drive.
// *dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	DispatchMovement(ctx context.Context, req dispatch.MovementRequest) dispatch.Result
	DispatchObstacle(ctx context.Context, req dispatch.ObstacleRequest) dispatch.Result
	DispatchSequence(ctx context.Context, req dispatch.SequenceRequest) dispatch.Result
	RepeatDemo(ctx context.Context, demoID int64, repeats int) dispatch.Result
	ReportStatus(ctx context.Context, req dispatch.StatusReport) dispatch.Result
}

// StatusStore is the last-status cache.
// *statuscache.Cache satisfies it.
type StatusStore interface {
	Get(ctx context.Context, deviceID int64) (*statuscache.Entry, error)
	Reporting(ctx context.Context, since time.Time) ([]int64, error)
	Delete(ctx context.Context, deviceID int64) error
}

// Database is the health and pool surface of the store.
// *database.DB satisfies it.
type Database interface {
	HealthCheck(ctx context.Context) error
	Stats() sql.DBStats
}

// Connectivity reports whether an optional integration is up.
type Connectivity interface {
	IsConnected() bool
}

// FirmwareMetrics exposes the MQTT bridge counters. *firmware.Bridge satisfies it.
type FirmwareMetrics interface {
	GetMetrics() firmware.Metrics
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config     config.APIConfig
	WS         config.WebSocketConfig
	Security   config.SecurityConfig
	Logger     *logging.Logger
	Dispatcher Dispatcher
	Registry   *registry.Registry
	Events     eventlog.Store
	Devices    device.Repository
	DB         Database

	// Optional.
	Status   StatusStore
	MQTT     Connectivity
	Influx   Connectivity
	Firmware FirmwareMetrics

	// ServiceName is reported by GET /. Empty means "carrelay".
	ServiceName string
	Version     string
}

// Server is the HTTP API server for carrelay.
//
// It manages the HTTP listener, routes, middleware, and WebSocket sessions.
// The server is created with New() and started with Start().
type Server struct {
	cfg        config.APIConfig
	wsCfg      config.WebSocketConfig
	secCfg     config.SecurityConfig
	logger     *logging.Logger
	dispatcher Dispatcher
	registry   *registry.Registry
	events     eventlog.Store
	devices    device.Repository
	db         Database
	status     StatusStore
	mqtt       Connectivity
	influx     Connectivity
	firmware   FirmwareMetrics
	validator  *validator
	limiter    *rateLimiter
	sessions   *sessionSet
	service    string
	version    string
	startTime  time.Time
	server     *http.Server
	listener   net.Listener
	cancel     context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("connection registry is required")
	}
	if deps.Events == nil {
		return nil, fmt.Errorf("event store is required")
	}
	if deps.Devices == nil {
		return nil, fmt.Errorf("device repository is required")
	}

	v, err := newValidator()
	if err != nil {
		return nil, fmt.Errorf("loading request schemas: %w", err)
	}

	s := &Server{
		cfg:        deps.Config,
		wsCfg:      deps.WS,
		secCfg:     deps.Security,
		logger:     deps.Logger,
		dispatcher: deps.Dispatcher,
		registry:   deps.Registry,
		events:     deps.Events,
		devices:    deps.Devices,
		db:         deps.DB,
		status:     deps.Status,
		mqtt:       deps.MQTT,
		influx:     deps.Influx,
		firmware:   deps.Firmware,
		validator:  v,
		sessions:   newSessionSet(),
		service:    deps.ServiceName,
		version:    deps.Version,
		startTime:  time.Now(),
	}
	if s.service == "" {
		s.service = "carrelay"
	}
	if s.secCfg.RateLimit.Enabled {
		s.limiter = newRateLimiter(s.secCfg.RateLimit)
	}
	return s, nil
}

// Start begins listening for HTTP connections.
//
// The listener is bound synchronously so a port conflict is reported here;
// serving continues in a background goroutine until Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if s.limiter != nil {
		go s.limiter.cleanupLoop(srvCtx)
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}
	s.listener = ln

	s.logger.Info("API server starting", "address", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then closes every socket session through the registry.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down", "sessions", s.sessions.count())
	// Hijacked websocket connections are not tracked by Shutdown.
	s.registry.Close()
	s.sessions.closeAll()
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
