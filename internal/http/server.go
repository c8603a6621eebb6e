// Package http exposes the engine as a JSON API.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/engine"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/feedback"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/learner"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/lifecycle"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/logging"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/pattern"
)

// Engine is the set of operations served over HTTP.
type Engine interface {
	ProcessInboundMessage(ctx context.Context, ev engine.InboundEvent) (*engine.Result, error)
	RecordOperatorReply(ctx context.Context, reply engine.OperatorReply) (*learner.Outcome, error)
	GetPendingSuggestions(ctx context.Context, filter pattern.SuggestionFilter) ([]*pattern.SuggestionEntry, error)
	ResolveSuggestion(ctx context.Context, id, action, finalText, resolvedBy string) (*feedback.Resolution, error)
	AdminSetPatternActive(ctx context.Context, id string, active bool) (*pattern.Pattern, error)
	AdminSetAutoExecutable(ctx context.Context, id string, enabled bool) (*pattern.Pattern, error)
	AdminArchivePattern(ctx context.Context, id string) (*pattern.Pattern, error)
	CreatePattern(ctx context.Context, req engine.NewPattern) (*pattern.Pattern, error)
	GetPattern(ctx context.Context, id string) (*pattern.Pattern, error)
	ListPatterns(ctx context.Context, includeInactive bool) ([]*pattern.Pattern, error)
	GetExecution(ctx context.Context, id string) (*pattern.ExecutionRecord, error)
	PatternEvents(ctx context.Context, id string) ([]pattern.ConfidenceEvent, error)
}

// Sweeper runs a decay sweep on demand.
type Sweeper interface {
	RunOnce(ctx context.Context) (lifecycle.SweepResult, error)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Option configures a Server.
type Option func(*Server)

// WithMetricsHandler serves h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metricsHandler = h
	}
}

// WithHealthCheck adds a named dependency check to GET /health.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) {
		s.checks[name] = check
	}
}

// WithSweeper enables POST /api/v1/admin/sweep.
func WithSweeper(sw Sweeper) Option {
	return func(s *Server) {
		s.sweeper = sw
	}
}

// WithMeter records request metrics on meter.
func WithMeter(meter metric.Meter) Option {
	return func(s *Server) {
		s.meter = meter
	}
}

// Server provides HTTP endpoints for plsd.
type Server struct {
	echo   *echo.Echo
	engine Engine
	logger *zap.Logger
	config *Config

	metricsHandler http.Handler
	checks         map[string]HealthCheck
	sweeper        Sweeper
	meter          metric.Meter
}

// NewServer creates a new HTTP server.
func NewServer(eng Engine, logger *zap.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "127.0.0.1", Port: 8420}
	}

	s := &Server{
		engine: eng,
		logger: logger,
		config: cfg,
		checks: make(map[string]HealthCheck),
	}
	for _, opt := range opts {
		opt(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.errorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(s.requestContext)
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("route", c.Path()),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})
	e.Use(NewHTTPMetrics(s.meter, logger).MetricsMiddleware())
	e.Use(middleware.BodyLimit("1M"))

	s.echo = e
	s.registerRoutes()
	return s, nil
}

// requestContext puts the request id on the request context. Upstream ids
// that are unsafe to log are replaced.
func (s *Server) requestContext(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		rid := c.Response().Header().Get(echo.HeaderXRequestID)
		if !logging.ValidID(rid) {
			rid = uuid.NewString()
			c.Response().Header().Set(echo.HeaderXRequestID, rid)
		}
		req := c.Request()
		c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), rid)))
		return next(c)
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.metricsHandler != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metricsHandler))
	}

	v1 := s.echo.Group("/api/v1")
	v1.POST("/messages", s.handleInbound)
	v1.POST("/replies", s.handleReply)
	v1.GET("/suggestions", s.handleListSuggestions)
	v1.POST("/suggestions/:id/resolve", s.handleResolve)
	v1.POST("/patterns", s.handleCreatePattern)
	v1.GET("/patterns", s.handleListPatterns)
	v1.GET("/executions/:id", s.handleGetExecution)
	v1.GET("/patterns/:id", s.handleGetPattern)
	v1.GET("/patterns/:id/events", s.handlePatternEvents)

	admin := v1.Group("/admin")
	admin.PUT("/patterns/:id/active", s.handleSetActive)
	admin.PUT("/patterns/:id/auto-executable", s.handleSetAutoExecutable)
	admin.DELETE("/patterns/:id", s.handleArchive)
	if s.sweeper != nil {
		admin.POST("/sweep", s.handleSweep)
	}
}

// ServeHTTP lets the server be used as an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
