// Package http provides the recond REST API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recond/internal/config"
	"github.com/fyrsmithlabs/recond/internal/decision"
	"github.com/fyrsmithlabs/recond/internal/heuristics"
	"github.com/fyrsmithlabs/recond/internal/orchestrator"
	"github.com/fyrsmithlabs/recond/internal/reconlog"
	"github.com/fyrsmithlabs/recond/internal/record"
	"github.com/fyrsmithlabs/recond/internal/reflection"
	"github.com/fyrsmithlabs/recond/internal/tenant"
)

// Reconciler runs batches and applies reviewer feedback.
type Reconciler interface {
	Run(ctx context.Context, tenantID tenant.ID) (*orchestrator.BatchSummary, error)
	ApplyFeedback(ctx context.Context, ev reconlog.FeedbackEvent) (*orchestrator.FeedbackResult, error)
}

// Reflector runs one reflection cycle on demand.
type Reflector interface {
	Reflect(ctx context.Context, tenantID tenant.ID) (*reflection.Snapshot, error)
}

// LearningStats exposes Heuristic Memory state.
type LearningStats interface {
	Patterns(ctx context.Context, tenantID tenant.ID) ([]heuristics.Pattern, error)
	Thresholds(ctx context.Context, tenantID tenant.ID) (decision.Thresholds, error)
	Scope() tenant.Scope
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Deps are the collaborators the API serves.
type Deps struct {
	Runner    Reconciler
	Records   record.Store
	Logs      reconlog.Store
	Memory    LearningStats
	Reflector Reflector
	Snapshots reflection.SnapshotStore
	// Checks are reported by GET /api/v1/status, keyed by service name.
	Checks map[string]HealthCheck
}

func (d Deps) validate() error {
	switch {
	case d.Runner == nil:
		return errors.New("runner is required")
	case d.Records == nil:
		return errors.New("record store is required")
	case d.Logs == nil:
		return errors.New("log store is required")
	case d.Memory == nil:
		return errors.New("heuristic memory is required")
	case d.Reflector == nil:
		return errors.New("reflector is required")
	case d.Snapshots == nil:
		return errors.New("snapshot store is required")
	}
	return nil
}

// Server provides HTTP endpoints for recond.
type Server struct {
	echo    *echo.Echo
	deps    Deps
	logger  *zap.Logger
	config  *Config
	limiter *tenantLimiter
	started time.Time
}

// Config holds HTTP server configuration.
type Config struct {
	Host      string
	Port      int
	Version   string
	RateLimit config.RateLimitConfig
	// BodyLimit caps request bodies, in echo's size notation (for example "8M").
	BodyLimit string
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *zap.Logger, cfg *Config) (*Server, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "127.0.0.1",
			Port: 9191,
		}
	}
	if cfg.BodyLimit == "" {
		cfg.BodyLimit = "8M"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		deps:    deps,
		logger:  logger,
		config:  cfg,
		limiter: newTenantLimiter(cfg.RateLimit),
		started: time.Now(),
	}
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)

	t := v1.Group("/tenants/:tenant", s.tenantScope)
	t.POST("/records", s.handlePutRecords)
	t.GET("/records", s.handleListRecords)
	t.POST("/runs", s.handleRun)
	t.GET("/logs", s.handleListLogs)
	t.GET("/logs/:id", s.handleGetLog)
	t.POST("/feedback", s.handleFeedback)
	t.GET("/patterns", s.handlePatterns)
	t.POST("/reflections", s.handleReflect)
	t.GET("/reflections", s.handleListReflections)
}

const tenantContextKey = "tenant_id"

// tenantScope validates the :tenant path parameter, applies the tenant's rate
// limit and carries the tenant in the request context.
func (s *Server) tenantScope(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := tenant.Parse(c.Param("tenant"))
		if err != nil {
			return err
		}
		if s.limiter != nil && !s.limiter.Allow(id) {
			RateLimitedTotal.Inc()
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
		}
		c.Set(tenantContextKey, id)
		req := c.Request()
		c.SetRequest(req.WithContext(tenant.WithTenant(req.Context(), id)))
		return next(c)
	}
}

func tenantOf(c echo.Context) tenant.ID {
	id, _ := c.Get(tenantContextKey).(tenant.ID)
	return id
}

// Handler returns the root handler, for embedding and tests.
func (s *Server) Handler() http.Handler { return s.echo }

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
