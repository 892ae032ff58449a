// Memoryd is a per-user conversational memory daemon.
//
// It keeps a short-term buffer of recent turns per user, consolidates
// overflow into a deduplicated vector store and a relationship graph, and
// serves retrieval over HTTP or MCP stdio.
//
// Usage:
//
//	# Start the HTTP daemon
//	memoryd serve
//
//	# Serve MCP tools on stdio
//	memoryd mcp
//
//	# Configure via file and environment
//	MEMORYD_SERVER_HTTP_PORT=9292 memoryd serve --config ./memoryd.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/config"
	memhttp "github.com/fyrsmithlabs/memoryd/internal/http"
	"github.com/fyrsmithlabs/memoryd/internal/logging"
	"github.com/fyrsmithlabs/memoryd/internal/mcp"
	"github.com/fyrsmithlabs/memoryd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "memoryd",
		Short: "Conversational memory daemon",
		Long: `memoryd keeps per-user conversational memory.

Recent turns live in a short-term buffer. When the buffer overflows the
oldest turns are distilled into long-term memories, deduplicated against
what is already known, and linked in a relationship graph.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/memoryd/config.yaml)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSignals(cmd.Context(), runServe)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "mcp",
		Short: "Serve MCP tools on stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSignals(cmd.Context(), runMCP)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			printVersion(cmd)
		},
	})
	return root
}

func printVersion(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "memoryd by Fyrsmith Labs\n")
	fmt.Fprintf(out, "Version:    %s\n", version)
	fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
	fmt.Fprintf(out, "Build Date: %s\n", buildDate)
}

// withSignals runs fn with a context cancelled on SIGINT or SIGTERM.
func withSignals(parent context.Context, fn func(context.Context) error) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return fn(ctx)
}

// runtimeEnv is what both transports need before they start.
type runtimeEnv struct {
	cfg       *config.Config
	logger    *zap.Logger
	telemetry *telemetry.Telemetry
	app       *app
}

func setup(ctx context.Context, mode string) (*runtimeEnv, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging, zap.String("service", "memoryd"), zap.String("mode", mode))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	tel := telemetry.New(ctx, cfg.Telemetry, version, logger)
	logger = logging.WithOTel(logger, tel.LoggerProvider(), "memoryd")

	a, err := build(ctx, cfg, logger)
	if err != nil {
		shutdownTelemetry(tel, logger)
		_ = logging.Sync(logger)
		return nil, fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	return &runtimeEnv{cfg: cfg, logger: logger, telemetry: tel, app: a}, nil
}

func (e *runtimeEnv) close() {
	if err := e.app.Close(); err != nil {
		e.logger.Warn("error closing backends", zap.Error(err))
	}
	shutdownTelemetry(e.telemetry, e.logger)
	_ = logging.Sync(e.logger)
}

func shutdownTelemetry(tel *telemetry.Telemetry, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tel.Shutdown(ctx); err != nil {
		logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
}

// runServe starts the HTTP server and blocks until ctx is cancelled.
func runServe(ctx context.Context) error {
	env, err := setup(ctx, "http")
	if err != nil {
		return err
	}
	defer env.close()

	cfg := env.cfg
	srv, err := memhttp.NewServer(env.app.manager, env.logger, &memhttp.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		RequestTimeout: cfg.Server.RequestTimeout.Duration(),
	})
	if err != nil {
		return err
	}
	srv.Mount("/metrics", promhttp.Handler())

	env.logger.Info("starting memoryd",
		zap.String("version", version),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout.Duration()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	env.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("shutdown: %w", err)
	}
	env.logger.Info("server shutdown complete")
	return nil
}

// runMCP serves MCP tools on stdio. Logs go to stderr; stdout carries the
// protocol.
func runMCP(ctx context.Context) error {
	env, err := setup(ctx, "mcp")
	if err != nil {
		return err
	}
	defer env.close()

	server, err := mcp.NewServer(&mcp.Config{
		Name:    "memoryd",
		Version: version,
		Logger:  env.logger,
	}, env.app.manager)
	if err != nil {
		return err
	}
	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
