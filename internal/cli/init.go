// Package cli provides common initialization shared by cmd/explorer,
// cmd/explorer-worker and cmd/relay.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"explorer/internal/config"
	"explorer/internal/credentials"
	"explorer/internal/log"
	"explorer/internal/remote"
	"explorer/internal/services"
	"explorer/internal/storage"
	"explorer/internal/telemetry"
)

// SetupLogger creates the process logger at level and format, writing to
// out, and installs it as the slog default.
func SetupLogger(level, format string, out io.Writer) *log.Logger {
	logger := log.New(log.Config{
		Level:     log.ParseLevel(level),
		Format:    format,
		Component: log.ComponentCLI,
		Output:    out,
	})
	log.SetDefault(logger)
	return logger
}

// LoadEnvFile loads the .env file for local development.
// Errors are ignored silently as this is optional in production.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// LoadAndValidateConfig loads configuration from the environment and
// validates it.
func LoadAndValidateConfig(logger *log.Logger) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		return nil, err
	}
	return cfg, nil
}

// CredentialStore seeds a credential store from the environment snapshot.
func CredentialStore(cfg *config.Config) *credentials.MemoryStore {
	store := credentials.NewMemoryStore()
	creds := cfg.Credentials()
	store.Set(credentials.APIKey, creds.APIKey)
	store.Set(credentials.AIKey, creds.AIKey)
	store.Set(credentials.DatabaseURL, creds.DatabaseURL)
	return store
}

// NewRemoteClient builds the upstream job client described by cfg.
func NewRemoteClient(cfg *config.Config, creds credentials.Source, logger *log.Logger, recorder remote.Recorder) *remote.Client {
	return remote.New(remote.Options{
		HTTPClient: telemetry.NewHTTPClient(cfg.HTTPTimeout),
		Target: remote.Target{
			Configurator: cfg.Transport(),
			Host:         cfg.Host,
			Credentials:  creds,
		},
		Poll: remote.PollerConfig{
			Interval:           cfg.PollInterval,
			Timeout:            cfg.PollTimeout,
			MaxTransientErrors: cfg.MaxTransientErrors,
		},
		Logger:   logger,
		Recorder: recorder,
	})
}

// NewService builds the explorer service. history may be nil.
func NewService(cfg *config.Config, runner services.Runner, history services.HistoryStore, logger *log.Logger) *services.ExplorerService {
	return services.NewExplorerService(serviceOptions(cfg, runner, history, logger))
}

// NewIngestService builds the service for processes that only ingest. It
// keeps no insights cache.
func NewIngestService(cfg *config.Config, runner services.Runner, history services.HistoryStore, logger *log.Logger) *services.ExplorerService {
	opts := serviceOptions(cfg, runner, history, logger)
	opts.InsightsTTL = 0
	return services.NewExplorerService(opts)
}

func serviceOptions(cfg *config.Config, runner services.Runner, history services.HistoryStore, logger *log.Logger) services.Options {
	return services.Options{
		Runner:  runner,
		History: history,
		Apps: services.Apps{
			Ingest:   cfg.IngestApp,
			Query:    cfg.QueryApp,
			Insights: cfg.InsightsApp,
		},
		Timeout:     cfg.PollTimeout,
		Concurrency: cfg.IngestConcurrency,
		InsightsTTL: cfg.InsightsCacheTTL,
		Logger:      logger,
	}
}

// InitHistory opens the job history database at dbPath.
func InitHistory(logger *log.Logger, dbPath string) (*storage.SQLiteRepository, error) {
	repo, err := storage.NewSQLiteRepository(dbPath, logger)
	if err != nil {
		logger.Error("Failed to initialize job history", "error", err, "path", dbPath)
		return nil, fmt.Errorf("open job history: %w", err)
	}
	return repo, nil
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM. One-shot
// commands use it so an interrupt aborts an in-flight poll.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// GracefulShutdown sets up signal handling for long-running processes.
// The returned context is cancelled on the first signal; cleanup then runs
// with timeout and done is closed when it returns.
func GracefulShutdown(logger *log.Logger, timeout time.Duration, cleanup func(context.Context)) (context.Context, <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer close(done)
		defer signal.Stop(sigChan)

		sig := <-sigChan
		logger.Info("Shutdown signal received", "signal", sig.String())
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
		defer shutdownCancel()

		if cleanup != nil {
			cleanup(shutdownCtx)
		}

		if shutdownCtx.Err() != nil {
			logger.Warn("Shutdown timeout reached")
			return
		}
		logger.Info("Shutdown complete")
	}()

	return ctx, done
}

// WaitForShutdown blocks until the context is cancelled and cleanup is done.
func WaitForShutdown(ctx context.Context, done <-chan struct{}) {
	<-ctx.Done()
	<-done
}
