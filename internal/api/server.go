package api

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	mw "github.com/rocdaq/readout/internal/api/middleware"
	"github.com/rocdaq/readout/internal/errors"
	"github.com/rocdaq/readout/internal/lifecycle"
	"github.com/rocdaq/readout/internal/logger"
	"github.com/rocdaq/readout/internal/readout"
	"github.com/rocdaq/readout/internal/runlog"
)

// RunController is the run-control surface the API drives.
type RunController interface {
	Do(ctx context.Context, action lifecycle.Action) (*lifecycle.EndReport, error)
	Run() lifecycle.RunInfo
	LastReport() *lifecycle.EndReport
	Diagnostics() []readout.Diagnostics
	Channel(name string) (*readout.Channel, bool)
}

// RunStore lists persisted runs.
type RunStore interface {
	List(ctx context.Context, limit int) ([]runlog.Run, error)
	Get(ctx context.Context, runID string) (*runlog.Run, error)
}

// Server is the HTTP server for diagnostics and run control.
type Server struct {
	echo       *echo.Echo
	config     *Config
	controller RunController
	runs       RunStore
	metrics    http.Handler
	log        logger.Logger
	startTime  time.Time

	mu   sync.Mutex
	addr net.Addr
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(l logger.Logger) ServerOption {
	return func(s *Server) {
		s.log = l
	}
}

// WithRunStore exposes the run log under /api/v1/runs.
func WithRunStore(r RunStore) ServerOption {
	return func(s *Server) {
		s.runs = r
	}
}

// WithMetricsHandler serves h under /metrics.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) {
		s.metrics = h
	}
}

// New creates the server and registers its routes.
func New(config *Config, controller RunController, opts ...ServerOption) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if controller == nil {
		return nil, errors.Newf("run controller is required").
			Component(componentName).
			Category(errors.CategoryValidation).
			Build()
	}

	s := &Server{
		config:     config,
		controller: controller,
		startTime:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Global().Module(componentName)
	}

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Server.ReadTimeout = config.ReadTimeout
	s.echo.Server.WriteTimeout = config.WriteTimeout
	s.echo.Server.IdleTimeout = config.IdleTimeout
	s.echo.HTTPErrorHandler = s.httpErrorHandler

	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) setupMiddleware() {
	s.echo.Use(echomw.Recover())
	s.echo.Use(mw.NewRequestLoggerWithSkipper(s.log, mw.SkipPaths("/metrics", "/api/v1/health")))
	s.echo.Use(echomw.BodyLimit(s.config.BodyLimit))
}

func (s *Server) setupRoutes() {
	v1 := s.echo.Group("/api/v1")
	v1.GET("/health", s.health)
	v1.GET("/run", s.getRun)
	v1.GET("/channels", s.listChannels)
	v1.GET("/channels/:name", s.getChannel)
	v1.GET("/control", s.listActions)
	v1.POST("/control/:action", s.control)

	if s.runs != nil {
		v1.GET("/runs", s.listRuns)
		v1.GET("/runs/:id", s.getRunLog)
	}
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics))
	}
}

// Serve listens on the configured address and serves until ctx ends, then
// shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return errors.New(err).
			Component(componentName).
			Category(errors.CategoryNetwork).
			Context("listen", s.config.Listen).
			Build()
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()
	s.echo.Listener = ln

	s.log.Info("HTTP server listening", logger.String("address", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.echo.Start(s.config.Listen)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.New(err).
				Component(componentName).
				Category(errors.CategoryNetwork).
				Build()
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("HTTP server shutdown incomplete", logger.Error(err))
	}
	<-errCh
	s.log.Info("HTTP server stopped")
	return nil
}

// Addr returns the listening address once Serve has bound it.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Echo returns the underlying Echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
