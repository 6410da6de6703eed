// Package server exposes the directord REST API: session, workflow,
// department, checkpoint, and context operations, a prometheus metrics
// endpoint, an aggregate stats feed for the monitor, and an SSE stream
// bridged from the event relay.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/directord/internal/bus"
	"github.com/fyrsmithlabs/directord/internal/checkpoint"
	"github.com/fyrsmithlabs/directord/internal/config"
	"github.com/fyrsmithlabs/directord/internal/contextstore"
	"github.com/fyrsmithlabs/directord/internal/department"
	"github.com/fyrsmithlabs/directord/internal/director"
	"github.com/fyrsmithlabs/directord/internal/logging"
	"github.com/fyrsmithlabs/directord/internal/registry"
)

// Services carries the collaborators the API surfaces. Bus and Registry
// are required; routes backed by a nil collaborator answer 503.
type Services struct {
	Bus         bus.Bus
	Registry    *registry.Registry
	Director    *director.Director
	Checkpoint  *checkpoint.Manager
	Context     *contextstore.Manager
	Departments *department.Host
	Nats        *nats.Conn
	// EventPrefix is the relay's subject prefix, "directord" by default.
	EventPrefix string
	Logger      *logging.Logger
}

// Server is the HTTP API server.
type Server struct {
	cfg     config.ServerConfig
	echo    *echo.Echo
	logger  *logging.Logger
	limiter *limiterStore

	bus         bus.Bus
	registry    *registry.Registry
	director    *director.Director
	checkpoint  *checkpoint.Manager
	context     *contextstore.Manager
	departments *department.Host
	nats        *nats.Conn
	prefix      string
}

// New builds the server and registers all routes.
func New(cfg config.ServerConfig, svcs Services) (*Server, error) {
	if svcs.Bus == nil {
		return nil, errors.New("bus is required")
	}
	if svcs.Registry == nil {
		return nil, errors.New("registry is required")
	}
	logger := svcs.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	prefix := svcs.EventPrefix
	if prefix == "" {
		prefix = "directord"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	if cfg.ReadTimeout.Duration() > 0 {
		e.Server.ReadTimeout = cfg.ReadTimeout.Duration()
	}
	if cfg.WriteTimeout.Duration() > 0 {
		e.Server.WriteTimeout = cfg.WriteTimeout.Duration()
	}

	s := &Server{
		cfg:         cfg,
		echo:        e,
		logger:      logger,
		limiter:     newLimiterStore(cfg.RateLimit, cfg.RateBurst),
		bus:         svcs.Bus,
		registry:    svcs.Registry,
		director:    svcs.Director,
		checkpoint:  svcs.Checkpoint,
		context:     svcs.Context,
		departments: svcs.Departments,
		nats:        svcs.Nats,
		prefix:      prefix,
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestLogger)

	s.registerRoutes()
	return s, nil
}

// requestLogger logs every request through the project logger.
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		s.logger.Info(c.Request().Context(), "http request",
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
		)
		return nil
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// The limiter guards the API surface only; health probes and metric
	// scrapers run on their own cadence.
	v1 := s.echo.Group("/api/v1", s.rateLimit)

	v1.GET("/sessions", s.handleListSessions)
	v1.POST("/sessions", s.handleCreateSession)
	v1.GET("/sessions/:id", s.handleGetSession)
	v1.DELETE("/sessions/:id", s.handleTerminateSession)

	v1.GET("/workflows", s.handleListWorkflows)
	v1.POST("/workflows", s.handleCreateWorkflow)
	v1.GET("/workflows/:id", s.handleGetWorkflow)
	v1.POST("/workflows/:id/start", s.handleStartWorkflow)

	v1.GET("/departments", s.handleListDepartments)
	v1.POST("/departments", s.handleCreateDepartment)
	v1.GET("/departments/:name/metrics", s.handleDepartmentMetrics)

	v1.GET("/checkpoints", s.handleListCheckpoints)
	v1.POST("/checkpoints", s.handleCreateCheckpoint)
	v1.GET("/checkpoints/:id", s.handleGetCheckpoint)
	v1.GET("/checkpoints/:id/verify", s.handleVerifyCheckpoint)
	v1.POST("/checkpoints/:id/restore", s.handleRestoreCheckpoint)
	v1.DELETE("/checkpoints/:id", s.handleDeleteCheckpoint)

	v1.GET("/context/:session", s.handleListContext)
	v1.POST("/context/:session", s.handleAddContext)
	v1.GET("/context/:session/search", s.handleSearchContext)

	v1.GET("/events", s.handleEvents)
	v1.GET("/stats", s.handleStats)
}

// Start serves until ctx is cancelled, then shuts down gracefully within
// the configured timeout.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("failed to start http server: %w", err)
		}
	}()
	s.logger.Info(ctx, "http server listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		timeout := s.cfg.ShutdownTimeout.Duration()
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down http server: %w", err)
		}
		s.logger.Info(ctx, "http server stopped")
		return nil
	}
}
