package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/runbox/internal/config"
	"github.com/jkaninda/runbox/internal/gateway"
	"github.com/jkaninda/runbox/internal/gateway/httpapi"
	"github.com/jkaninda/runbox/internal/gateway/mcp"
	"github.com/jkaninda/runbox/internal/gateway/ws"
	"github.com/jkaninda/runbox/internal/ratelimit"
	goutils "github.com/jkaninda/go-utils"
)

// sessionShutdownTimeout bounds the teardown of every live session on exit.
const sessionShutdownTimeout = 60 * time.Second

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the server (HTTP API, terminal WebSocket, MCP)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `runbox --config path` and `runbox serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", "", "path to config file (default "+config.DefaultConfigPath()+" when present)")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts runbox with every enabled gateway.
func runServe(_ *cobra.Command, _ []string) error {
	path := resolveConfigPath(goutils.Env("RUNBOX_CONFIG", serveConfigPath))
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if servePort != "" {
		if cfg.Gateways.HTTP == nil {
			cfg.Gateways.HTTP = &config.HTTPGatewayConfig{Enabled: true}
		}
		cfg.Gateways.HTTP.ListenAddr = servePort
	}

	logger := newLogger(cfg.Logging)
	logger.Info("starting runbox",
		slog.String("version", version),
		slog.String("config", path),
		slog.String("sandbox", cfg.Sandbox.BackendName()),
	)

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if !sc.Service.SandboxAvailable(pingCtx) {
		logger.Warn("sandbox backend not reachable, sessions will fail until it is",
			slog.String("backend", cfg.Sandbox.BackendName()),
		)
	}
	cancelPing()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var limiter *ratelimit.Limiter
	if cfg.Gateways.HTTP != nil {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.Gateways.HTTP.RateLimit.RequestsPerMinute,
			BurstSize:         cfg.Gateways.HTTP.RateLimit.BurstSize,
		})
	}

	if err := registerJobs(sc, limiter); err != nil {
		return err
	}
	cancelScheduler := sc.Scheduler.Start(ctx)
	defer cancelScheduler()

	// Build enabled gateways.
	gateways := buildGateways(cfg, sc, limiter)
	if len(gateways) == 0 {
		return fmt.Errorf("no gateways enabled in config")
	}
	logger.Info("gateways configured", slog.Int("count", len(gateways)))

	// Start all gateways in goroutines.
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}

	sessionCtx, cancelSessions := context.WithTimeout(context.Background(), sessionShutdownTimeout)
	defer cancelSessions()
	if err := sc.Sessions.Shutdown(sessionCtx); err != nil {
		logger.Error("destroying sessions", slog.String("error", err.Error()))
	}
	logger.Info("runbox stopped")

	return nil
}

// resolveConfigPath falls back to the default config file when it exists.
// An empty result loads the built-in defaults.
func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if def := config.DefaultConfigPath(); fileExists(def) {
		return def
	}
	return ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// registerJobs adds the housekeeping jobs: idle session reaping, history
// pruning and rate limiter bucket pruning.
func registerJobs(sc *SharedComponents, limiter *ratelimit.Limiter) error {
	cfg := sc.Config

	if sc.Reaper.Enabled() {
		if err := sc.Scheduler.Add("session-reaper", cfg.Session.ReapSpec(), sc.Reaper.Job); err != nil {
			return err
		}
		sc.Logger.Debug("session reaper scheduled",
			slog.String("schedule", cfg.Session.ReapSpec()),
			slog.String("idle_timeout", cfg.Session.IdleTimeout().String()),
		)
	}

	if sc.Store != nil && cfg.History.Retention() > 0 {
		executions := sc.Store.Executions()
		retention := cfg.History.Retention()
		prune := func(ctx context.Context) error {
			n, err := executions.DeleteBefore(ctx, time.Now().UTC().Add(-retention))
			if err != nil {
				return fmt.Errorf("pruning history: %w", err)
			}
			if n > 0 {
				sc.Logger.Info("execution history pruned", slog.Int64("deleted", n))
			}
			return nil
		}
		if err := sc.Scheduler.Add("history-pruner", cfg.History.PruneSpec(), prune); err != nil {
			return err
		}
	}

	if limiter.Enabled() {
		idle := 2 * limiter.RefillWindow()
		prune := func(context.Context) error {
			limiter.Prune(idle)
			return nil
		}
		if err := sc.Scheduler.Add("ratelimit-pruner", "@every 5m", prune); err != nil {
			return err
		}
	}
	return nil
}

// buildGateways creates the HTTP gateway and mounts the terminal WebSocket
// and MCP endpoints on it.
func buildGateways(cfg *config.Config, sc *SharedComponents, limiter *ratelimit.Limiter) []gateway.Gateway {
	var gateways []gateway.Gateway

	httpCfgSrc := cfg.Gateways.HTTP
	if httpCfgSrc == nil || !httpCfgSrc.Enabled {
		return gateways
	}

	httpCfg := httpapi.Config{
		ListenAddr:     httpCfgSrc.Addr(),
		EnableDocs:     httpCfgSrc.EnableDocs,
		APIKeys:        httpCfgSrc.APIKeys,
		MaxRequestSize: httpCfgSrc.MaxRequestSizeBytes,
		Version:        version,
	}
	if sc.Obs != nil {
		httpCfg.Metrics = sc.Obs.Metrics
		httpCfg.HealthChecker = sc.Obs.Health
		if sc.Obs.Metrics != nil {
			httpCfg.MetricsRegistry = sc.Obs.Metrics.Registry
		}
		if sc.Obs.Tracer != nil {
			httpCfg.Tracer = sc.Obs.Tracer.Tracer()
		}
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			httpCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}

	httpGW := httpapi.NewGateway(httpCfg, sc.Service, limiter, sc.Logger)

	if wsCfg := cfg.Gateways.WebSocket; wsCfg != nil && wsCfg.Enabled {
		wsServer := ws.NewServer(sc.Sessions, wsCfg, sc.Obs.MetricsOrNil(), sc.Logger)
		httpGW.WithHandler(wsServer.Pattern(), wsServer.Handler())
		sc.Logger.Debug("terminal websocket mounted", slog.String("path", wsServer.Pattern()))
	}

	if mcpCfg := cfg.Gateways.MCP; mcpCfg != nil && mcpCfg.Enabled {
		mcpServer := mcp.NewServer(sc.Service, version, sc.Logger)
		httpGW.WithHandler(mcpCfg.MCPPath(), mcpServer.Handler(),
			http.MethodGet, http.MethodPost, http.MethodDelete)
		sc.Logger.Debug("mcp endpoint mounted", slog.String("path", mcpCfg.MCPPath()))
	}

	gateways = append(gateways, httpGW)
	sc.Logger.Debug("http gateway configured",
		slog.String("addr", httpCfg.ListenAddr),
		slog.Bool("auth", len(httpCfg.APIKeys) > 0),
		slog.Bool("rate_limit", limiter.Enabled()),
	)
	return gateways
}
