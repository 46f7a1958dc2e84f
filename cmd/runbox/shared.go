package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jkaninda/runbox/internal/command"
	"github.com/jkaninda/runbox/internal/config"
	"github.com/jkaninda/runbox/internal/gateway"
	"github.com/jkaninda/runbox/internal/observability"
	"github.com/jkaninda/runbox/internal/sandbox"
	"github.com/jkaninda/runbox/internal/scheduler"
	"github.com/jkaninda/runbox/internal/session"
	"github.com/jkaninda/runbox/internal/storage"
	pgstore "github.com/jkaninda/runbox/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/runbox/internal/storage/sqlite"
)

// SharedComponents holds the initialized subsystems of the serve command.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger
	Store  storage.Store // nil when history is disabled.

	Obs       *observability.Observability
	Sandbox   sandbox.Client // Instrumented backend client.
	Sessions  *session.Manager
	Reaper    *session.Reaper
	Scheduler *scheduler.Scheduler
	Service   *gateway.Service

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared wires storage, observability, the sandbox backend and the
// session manager. Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("flushing telemetry", slog.String("error", err.Error()))
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// History store (optional).
	if cfg.HistoryEnabled() {
		store, err := initStore(cfg, logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing storage: %w", err)
		}
		if err := store.Migrate(context.Background()); err != nil {
			_ = store.Close()
			sc.Cleanup()
			return nil, fmt.Errorf("migrating storage: %w", err)
		}
		sc.Store = store
		sc.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Warn("closing storage", slog.String("error", err.Error()))
			}
		})
		logger.Debug("history store initialized", slog.String("driver", store.Driver()))
	}

	// Sandbox backend.
	backend := initSandbox(cfg, logger)
	sc.Sandbox = obs.Sandbox(backend, cfg.Sandbox.BackendName())
	logger.Debug("sandbox initialized", slog.String("backend", cfg.Sandbox.BackendName()))

	// Health checks.
	if cfg.Observability != nil && cfg.Observability.Health != nil {
		health := cfg.Observability.Health
		if health.IncludeSandbox {
			obs.ReadinessCheck("sandbox", sc.Sandbox.Ping)
		}
		if health.IncludeDB && sc.Store != nil {
			obs.ReadinessCheck("database", sc.Store.Ping)
		}
	}

	// Session manager.
	registry := obs.Registry()
	var history storage.ExecutionStore
	var inner command.Recorder
	if sc.Store != nil {
		history = sc.Store.Executions()
		inner = history
	}
	opts := session.Options{
		Dispatch: command.Options{
			Authorizer:  initAuthorizer(cfg, logger),
			Interpreter: cfg.Sandbox.Interpreter,
			ScriptName:  cfg.Sandbox.ScriptName,
			Timeout:     cfg.Sandbox.ExecTimeout(),
		},
		Metrics:             session.NewMetrics(registry),
		ShutdownConcurrency: cfg.Session.ShutdownConcurrency,
	}
	opts.Dispatch.Recorder = obs.Recorder(inner)
	sc.Sessions = session.NewManager(sc.Sandbox, opts, logger)
	sc.Reaper = session.NewReaper(sc.Sessions, cfg.Session.IdleTimeout(), logger)
	sc.Scheduler = scheduler.New(scheduler.NewMetrics(registry), logger, cfg.Scheduler.PollInterval())
	sc.Service = gateway.NewService(sc.Sessions, sc.Sandbox, history, logger)

	return sc, nil
}

// initStore creates the configured storage backend.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	sc := cfg.StorageConfig()

	switch sc.Driver {
	case storage.DriverPostgres:
		pgDB, err := pgstore.Open(pgstore.Config{
			DSN:             sc.Postgres.DSN,
			MaxOpenConns:    sc.Postgres.MaxOpenConns,
			MaxIdleConns:    sc.Postgres.MaxIdleConns,
			ConnMaxLifetime: time.Duration(sc.Postgres.ConnMaxLifetimeS) * time.Second,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("opening postgres: %w", err)
		}
		return pgstore.NewStore(pgDB), nil
	case storage.DriverSQLite:
		return sqlitestore.Open(sqlitestore.Config{
			Path:        sc.SQLite.Path,
			JournalMode: sc.SQLite.JournalMode,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", sc.Driver)
	}
}

// initSandbox builds the configured isolation backend.
func initSandbox(cfg *config.Config, logger *slog.Logger) sandbox.Client {
	s := cfg.Sandbox
	if s.BackendName() == "process" {
		logger.Warn("process sandbox backend provides no filesystem or network isolation")
		return sandbox.NewProcessClient(sandbox.ProcessConfig{
			RootDir:        s.ProcessRootDir,
			DefaultTimeout: s.ExecTimeout(),
			MaxCPUSeconds:  s.MaxCPUSeconds,
			MaxMemoryMB:    s.MemoryMB,
			RemoveData:     s.RemoveVolumes,
		}, logger)
	}
	return sandbox.NewDockerClient(sandbox.DockerConfig{
		Image:          s.Image,
		WorkDir:        s.WorkDir,
		User:           s.User,
		DefaultTimeout: s.ExecTimeout(),
		Limits: sandbox.Limits{
			MemoryMB:       s.MemoryMB,
			CPUCores:       s.CPUCores,
			PIDsLimit:      s.PIDsLimit,
			NetworkAllowed: s.NetworkAllowed,
		},
		RemoveVolumes: s.RemoveVolumes,
	}, logger)
}

// initAuthorizer returns an allow list when identities are configured, nil
// (everyone) otherwise.
func initAuthorizer(cfg *config.Config, logger *slog.Logger) command.Authorizer {
	if len(cfg.Auth.AllowedIdentities) == 0 {
		logger.Warn("no allowed identities configured, every caller may execute code",
			slog.String("setting", "auth.allowed_identities"),
		)
		return nil
	}
	list := command.NewAllowList(cfg.Auth.AllowedIdentities)
	logger.Debug("identity allow list enabled", slog.Int("identities", list.Len()))
	return list
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
