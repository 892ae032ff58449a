// Package http serves the memory API over REST.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/ltm"
	"github.com/fyrsmithlabs/memoryd/internal/manager"
	"github.com/fyrsmithlabs/memoryd/internal/memory"
)

// Memory is the facade the handlers call.
type Memory interface {
	Append(ctx context.Context, owner string, msgs ...memory.Message) error
	Recent(ctx context.Context, owner string, limit int) ([]memory.Message, error)
	Context(ctx context.Context, owner, query string, topK int) (manager.ContextResult, error)
	Search(ctx context.Context, owner, query string, topK int) ([]memory.ScoredRecord, error)
	Get(ctx context.Context, owner, id string) (memory.Record, bool, error)
	Ingest(ctx context.Context, owner string, tagged map[string][]memory.Candidate) (ltm.Result, error)
	Tags(ctx context.Context, owner string) ([]string, error)
	WriteExport(ctx context.Context, owner string, w io.Writer) (int, error)
	DeleteUser(ctx context.Context, owner string) (*ltm.DeleteReport, error)
}

// Server provides HTTP endpoints for memoryd.
type Server struct {
	echo    *echo.Echo
	memory  Memory
	logger  *zap.Logger
	config  *Config
	metrics *httpMetrics
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// RequestTimeout bounds each request's context. Zero disables it.
	RequestTimeout time.Duration
	// BodyLimit caps request bodies, e.g. "1M".
	BodyLimit string
}

// NewServer creates a new HTTP server.
func NewServer(mem Memory, logger *zap.Logger, cfg *Config) (*Server, error) {
	if mem == nil {
		return nil, fmt.Errorf("memory service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host:           "localhost",
			Port:           9191,
			RequestTimeout: 30 * time.Second,
		}
	}
	if cfg.BodyLimit == "" {
		cfg.BodyLimit = "1M"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		memory:  mem,
		logger:  logger,
		config:  cfg,
		metrics: newHTTPMetrics(nil, logger),
	}
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.metrics.middleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return nil
		}
	})
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.ContextTimeout(cfg.RequestTimeout))
	}

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	users := s.echo.Group("/api/v1/users/:owner")
	users.POST("/messages", s.handleAppend)
	users.GET("/messages", s.handleRecent)
	users.GET("/context", s.handleContext)
	users.GET("/memories/search", s.handleSearch)
	users.GET("/memories/:id", s.handleGet)
	users.POST("/memories", s.handleIngest)
	users.GET("/tags", s.handleTags)
	users.GET("/export", s.handleExport)
	users.DELETE("", s.handleDelete)
}

// Mount serves h on GET path, outside the API group. Used for /metrics.
func (s *Server) Mount(path string, h http.Handler) {
	s.echo.GET(path, echo.WrapHandler(h))
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server. It returns nil after Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
