// Command explorer ingests bank statements and asks questions about the
// resulting transactions through the remote expense applications.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"explorer/internal/cli"
	"explorer/internal/config"
	"explorer/internal/credentials"
	"explorer/internal/log"
	"explorer/internal/services"
	"explorer/internal/storage"
	"explorer/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:           "explorer",
	Short:         "Expense explorer command line client",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(cli.LoadEnvFile)

	flags := rootCmd.PersistentFlags()
	flags.String("log-level", "", "Log level (debug, info, warn, error); overrides LOG_LEVEL")
	flags.String("route", "", "Upstream route (auto, relay, direct); overrides EXPLORER_ROUTE")
	flags.Bool("no-history", false, "Do not record jobs in the local history database")
	_ = viper.BindPFlag("log_level", flags.Lookup("log-level"))
	_ = viper.BindPFlag("route", flags.Lookup("route"))
	_ = viper.BindPFlag("no_history", flags.Lookup("no-history"))

	rootCmd.AddCommand(newIngestCmd(), newQueryCmd(), newInsightsCmd(), newHistoryCmd())
}

// app holds what a single command invocation needs.
type app struct {
	cfg     *config.Config
	logger  *log.Logger
	creds   *credentials.MemoryStore
	history *storage.SQLiteRepository
	svc     *services.ExplorerService

	shutdownTracing func(context.Context) error
}

func newApp(withHistory bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if level := viper.GetString("log_level"); level != "" {
		cfg.LogLevel = level
	}
	if route := viper.GetString("route"); route != "" {
		cfg.Route = route
	}

	logger := cli.SetupLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		return nil, err
	}

	shutdownTracing, err := telemetry.Setup(context.Background(), "expense-explorer", cfg.OTelEndpoint)
	if err != nil {
		return nil, fmt.Errorf("setup tracing: %w", err)
	}

	a := &app{
		cfg:             cfg,
		logger:          logger,
		creds:           cli.CredentialStore(cfg),
		shutdownTracing: shutdownTracing,
	}

	var history services.HistoryStore
	if withHistory && !viper.GetBool("no_history") {
		repo, err := cli.InitHistory(logger, cfg.HistoryDBPath)
		if err != nil {
			return nil, err
		}
		a.history = repo
		history = repo
	}

	client := cli.NewRemoteClient(cfg, a.creds, logger, nil)
	a.svc = cli.NewService(cfg, client, history, logger)
	return a, nil
}

func (a *app) Close() {
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			a.logger.Warn("Failed to close job history", "error", err)
		}
	}
	if a.shutdownTracing != nil {
		_ = a.shutdownTracing(context.Background())
	}
}

func main() {
	Execute()
}
