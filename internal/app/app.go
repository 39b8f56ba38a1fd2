package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/foxzi/dirsubmit/internal/api"
	"github.com/foxzi/dirsubmit/internal/config"
	"github.com/foxzi/dirsubmit/internal/connector"
	"github.com/foxzi/dirsubmit/internal/connector/sandbox"
	"github.com/foxzi/dirsubmit/internal/coordinator"
	"github.com/foxzi/dirsubmit/internal/directory"
	"github.com/foxzi/dirsubmit/internal/ledger"
	"github.com/foxzi/dirsubmit/internal/lock"
	"github.com/foxzi/dirsubmit/internal/metrics"
	"github.com/foxzi/dirsubmit/internal/ratelimit"
	"github.com/foxzi/dirsubmit/internal/retry"
	"github.com/foxzi/dirsubmit/internal/store"
	"github.com/foxzi/dirsubmit/internal/submission"
	"github.com/foxzi/dirsubmit/internal/targets"
	"github.com/foxzi/dirsubmit/internal/vault"
)

// Engine holds the opened engine components. The CLI uses it directly for
// one-shot commands; App wraps it with the long-running servers.
type Engine struct {
	Config      *config.Config
	Storage     *store.BoltStorage
	Ledger      *ledger.Ledger
	Directories *directory.Registry
	Limiter     *ratelimit.Limiter
	Vault       *vault.SQLiteVault // nil when no key file is configured
	Sandbox     *sandbox.Storage
	Coordinator *coordinator.Coordinator
	Logger      *slog.Logger
}

// OpenEngine opens storage and the vault and builds the coordinator
func OpenEngine(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	storage, err := store.NewBoltStorage(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	e := &Engine{Config: cfg, Storage: storage, Logger: logger}
	if err := e.build(); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) build() error {
	cfg := e.Config
	var err error

	e.Ledger, err = ledger.New(e.Storage.DB())
	if err != nil {
		return fmt.Errorf("failed to create ledger: %w", err)
	}

	e.Directories, err = directory.NewRegistry(cfg.Directories)
	if err != nil {
		return fmt.Errorf("failed to load directories: %w", err)
	}

	e.Limiter, err = ratelimit.NewLimiter(e.Storage.DB(), cfg.RateLimits())
	if err != nil {
		return fmt.Errorf("failed to create rate limiter: %w", err)
	}

	// Without a vault, directories requiring an account are never eligible
	var creds vault.Vault
	if cfg.Vault.KeyFile != "" {
		key, err := vault.LoadKey(cfg.Vault.KeyFile)
		if err != nil {
			return err
		}
		e.Vault, err = vault.Open(cfg.Vault.Path, key)
		if err != nil {
			return err
		}
		creds = e.Vault
	} else {
		e.Logger.Warn("credential vault disabled, account directories are not eligible")
	}

	e.Sandbox, err = sandbox.NewStorage(e.Storage.DB())
	if err != nil {
		return fmt.Errorf("failed to create sandbox storage: %w", err)
	}

	connectors := connector.NewRegistry()
	connectors.RegisterMode(directory.ModeSandbox, newSandboxConnector(cfg.Sandbox, e.Sandbox, e.Logger))

	policy := cfg.RetryPolicy()
	e.Coordinator = coordinator.New(
		coordinator.Config{
			WorkerID:           cfg.Engine.WorkerID,
			Workers:            cfg.Engine.Workers,
			PollInterval:       cfg.Engine.PollInterval,
			LockTTL:            cfg.Engine.LockTTL,
			AttemptTimeout:     cfg.Engine.AttemptTimeout,
			SweepInterval:      cfg.Engine.SweepInterval,
			VerificationWindow: cfg.Retry.VerificationWindow,
		},
		coordinator.Deps{
			Storage:     e.Storage,
			Ledger:      e.Ledger,
			Directories: e.Directories,
			Targets:     targets.New(e.Storage, e.Directories, creds, e.Logger.With("component", "targets")),
			Locks:       lock.NewManager(e.Storage),
			Limiter:     e.Limiter,
			Classifier:  retry.NewClassifier(policy),
			Connectors:  connectors,
			Vault:       creds,
		},
		e.Logger.With("component", "coordinator"),
	)

	return nil
}

// Close closes the vault and storage
func (e *Engine) Close() error {
	if e.Vault != nil {
		if err := e.Vault.Close(); err != nil {
			e.Logger.Error("vault close error", "error", err)
		}
	}
	return e.Storage.Close()
}

func newSandboxConnector(cfg config.SandboxConfig, storage *sandbox.Storage, logger *slog.Logger) *sandbox.Connector {
	c := sandbox.New(storage, logger.With("component", "sandbox"))
	if cfg.Outcome != "" {
		c.SetOutcome(submission.RunStatus(cfg.Outcome))
	}
	if cfg.ErrorType != "" {
		probability := cfg.ErrorProbability
		if probability == 0 {
			probability = 1
		}
		c.SetErrorSimulation(submission.ErrorType(cfg.ErrorType), submission.ActionType(cfg.ActionType), probability)
		c.FailAttempts(cfg.FailAttempts)
	}
	if cfg.Delay > 0 {
		c.SetDelay(cfg.Delay)
	}
	return c
}

// App is the main application
type App struct {
	config        *config.Config
	engine        *Engine
	statusServer  *api.Server
	metricsServer *metrics.Server
	collector     *metrics.Collector
	logger        *slog.Logger
}

// New creates a new application
func New(cfg *config.Config, version string) (*App, error) {
	logger := setupLogger(cfg.Logging)

	engine, err := OpenEngine(cfg, logger)
	if err != nil {
		return nil, err
	}

	a := &App{
		config: cfg,
		engine: engine,
		logger: logger,
	}

	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)
		a.collector = metrics.NewCollector(m, engine.Coordinator, cfg.Storage.Path, cfg.Metrics.RefreshInterval)
		a.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path,
			cfg.Metrics.AllowedIPs, logger.With("component", "metrics"))
		logger.Info("metrics enabled", "addr", cfg.Metrics.ListenAddr, "path", cfg.Metrics.Path)
	}

	if cfg.Status.Enabled {
		a.statusServer = api.NewServerWithOptions(api.ServerOptions{
			Engine:         engine.Coordinator,
			Config:         &cfg.Status,
			Logger:         logger.With("component", "api"),
			Version:        version,
			Directories:    engine.Directories,
			RateLimiter:    engine.Limiter,
			SandboxStorage: engine.Sandbox,
		})
	}

	return a, nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting dirsubmit",
		"worker_id", a.config.Engine.WorkerID,
		"workers", a.config.Engine.Workers,
		"directories", a.engine.Directories.Len(),
		"status_addr", a.config.Status.ListenAddr,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.engine.Coordinator.Start(ctx)
	if a.collector != nil {
		a.collector.Start(ctx)
	}

	errCh := make(chan error, 2)

	if a.statusServer != nil {
		go func() {
			if err := a.statusServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("status server: %w", err)
			}
		}()
	}

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		runErr = err
		cancel()
	case err := <-a.engine.Coordinator.Errors():
		a.logger.Error("coordinator error", "error", err)
		runErr = err
		cancel()
	}

	if err := a.Shutdown(context.Background()); err != nil {
		return err
	}
	return runErr
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop workers first; in-flight attempts finish and release their locks
	a.engine.Coordinator.Stop()

	if a.collector != nil {
		a.collector.Stop()
	}

	if a.statusServer != nil {
		if err := a.statusServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("status server shutdown error", "error", err)
		}
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	if err := a.engine.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
