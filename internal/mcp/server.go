package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/ltm"
	"github.com/fyrsmithlabs/memoryd/internal/manager"
	"github.com/fyrsmithlabs/memoryd/internal/memory"
)

// Memory is the part of the manager the tools call.
type Memory interface {
	Append(ctx context.Context, owner string, msgs ...memory.Message) error
	Context(ctx context.Context, owner, query string, topK int) (manager.ContextResult, error)
	Search(ctx context.Context, owner, query string, topK int) ([]memory.ScoredRecord, error)
	Tags(ctx context.Context, owner string) ([]string, error)
	DeleteUser(ctx context.Context, owner string) (*ltm.DeleteReport, error)
}

// Server exposes memory operations as MCP tools.
type Server struct {
	mcp     *mcp.Server
	memory  Memory
	metrics *toolMetrics
	logger  *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "memoryd")
	Name string

	// Version is the server version (default: "dev")
	Version string

	Logger *zap.Logger

	// Meter records tool metrics. Nil uses the global meter provider.
	Meter metric.Meter
}

// DefaultConfig returns the defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "memoryd",
		Version: "dev",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates an MCP server backed by mem.
func NewServer(cfg *Config, mem Memory) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if mem == nil {
		return nil, errors.New("memory service is required")
	}

	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		memory:  mem,
		metrics: newToolMetrics(cfg.Meter, cfg.Logger),
		logger:  cfg.Logger,
	}
	s.registerTools()
	return s, nil
}

// Run serves on stdio until ctx is cancelled or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// Connect serves a single session on t.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcp.Connect(ctx, t, nil)
}
