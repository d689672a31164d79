package httpapi

import (
	"context"
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/service"
)

// Config holds the HTTP server settings.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// ApplyDefaults fills unset fields with the standard values.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = ":9090"
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
}

// ConfigFrom assembles the server settings from the loaded service
// configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
}

// Server serves the ops HTTP API.
type Server struct {
	echo   *echo.Echo
	svc    *service.Service
	logger *zap.Logger
	config Config
}

// NewServer wires routes and middleware around the service facade.
func NewServer(svc *service.Service, cfg Config, logger *zap.Logger) (*Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	cfg.ApplyDefaults()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestLogger(logger))
	e.Use(metricsMiddleware())

	s := &Server{
		echo:   e,
		svc:    svc,
		logger: logger,
		config: cfg,
	}
	s.registerRoutes()

	return s, nil
}

// requestLogger logs one line per request with the assigned request id.
func requestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
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
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/v1")
	v1.POST("/memories", s.handleStore)
	v1.POST("/recall", s.handleRecall)
	v1.POST("/search/exact", s.handleSearchExact)
	v1.POST("/search/hybrid", s.handleSearchHybrid)
	v1.GET("/stats", s.handleStats)
	v1.POST("/admin/sweep", s.handleSweep)
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.echo.Server.ReadTimeout = s.config.ReadTimeout
	s.echo.Server.WriteTimeout = s.config.WriteTimeout
	s.logger.Info("starting http server", zap.String("addr", s.config.Addr))
	return s.echo.Start(s.config.Addr)
}

// Shutdown drains in-flight requests and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
