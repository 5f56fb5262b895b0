// Command relay is the CORS relay in front of the upstream job API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"explorer/internal/cli"
	"explorer/internal/config"
	"explorer/internal/log"
	"explorer/internal/metrics"
	"explorer/internal/relay"
	"explorer/internal/telemetry"
)

const (
	defaultPort        = "8888"
	defaultUpstreamURL = "https://api.tensorlake.ai/v1/namespaces/default"
	defaultOrigin      = "https://ninja91.github.io"
	upstreamTimeout    = 2 * time.Minute
	shutdownTimeout    = 15 * time.Second
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "CORS relay for the expense explorer",
	Long: `relay forwards /api/proxy/* to the upstream job API, adding CORS headers
so browser clients on other origins can reach it.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(loadRelayConfig())
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file")

	flags := rootCmd.Flags()
	flags.String("port", defaultPort, "Listen port")
	flags.String("upstream", defaultUpstreamURL, "Upstream API base URL")
	flags.StringSlice("allowed-origin", nil, "Allowed CORS origin (repeatable)")
	flags.String("default-origin", defaultOrigin, "Origin sent to callers that are not allowed")
	flags.String("prefix", relay.DefaultPrefix, "Forwarding path prefix")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-format", "text", "Log format (text, json)")
	flags.String("otel-endpoint", "", "OTLP/HTTP endpoint for traces")

	for key, flag := range map[string]string{
		"port":            "port",
		"upstream_url":    "upstream",
		"allowed_origins": "allowed-origin",
		"default_origin":  "default-origin",
		"prefix":          "prefix",
		"log_level":       "log-level",
		"log_format":      "log-format",
		"otel_endpoint":   "otel-endpoint",
	} {
		_ = viper.BindPFlag(key, flags.Lookup(flag))
	}

	_ = viper.BindEnv("port", "PORT")
	_ = viper.BindEnv("upstream_url", "UPSTREAM_URL")
	_ = viper.BindEnv("allowed_origins", "ALLOWED_ORIGINS")
	_ = viper.BindEnv("default_origin", "DEFAULT_ORIGIN")
	_ = viper.BindEnv("prefix", "RELAY_PREFIX")
	_ = viper.BindEnv("log_level", "LOG_LEVEL")
	_ = viper.BindEnv("log_format", "LOG_FORMAT")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_ENDPOINT")
}

func initConfig() {
	cli.LoadEnvFile()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("relay")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func loadRelayConfig() config.RelayConfig {
	return config.RelayConfig{
		Port:           viper.GetString("port"),
		UpstreamURL:    viper.GetString("upstream_url"),
		AllowedOrigins: splitList(viper.GetStringSlice("allowed_origins")),
		DefaultOrigin:  viper.GetString("default_origin"),
		Prefix:         viper.GetString("prefix"),
		LogLevel:       viper.GetString("log_level"),
		LogFormat:      viper.GetString("log_format"),
		OTelEndpoint:   viper.GetString("otel_endpoint"),
	}
}

// splitList flattens comma or space separated entries, dropping blanks.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' }) {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func run(cfg config.RelayConfig) error {
	logger := cli.SetupLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout)

	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		return err
	}

	shutdownTracing, err := telemetry.Setup(context.Background(), "expense-explorer-relay", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}

	m := metrics.New()
	rl := relay.New(relay.Config{
		UpstreamURL:    cfg.UpstreamURL,
		Prefix:         cfg.Prefix,
		AllowedOrigins: cfg.AllowedOrigins,
		DefaultOrigin:  cfg.DefaultOrigin,
	}, telemetry.NewHTTPClient(upstreamTimeout), logger, m)

	handler := telemetry.WrapHandler(relay.NewHandler(rl, m, logger), "relay")
	server := relay.NewServer(":"+cfg.Port, handler)

	ctx, done := cli.GracefulShutdown(logger, shutdownTimeout, func(ctx context.Context) {
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown failed", "error", err)
		}
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn("Tracing shutdown failed", "error", err)
		}
	})

	logger.Info("Relay listening",
		log.NewFields().
			WithOperation(log.OpStartup).
			With("addr", server.Addr).
			With("upstream", cfg.UpstreamURL).
			With("prefix", cfg.Prefix).
			With("allowed_origins", strings.Join(cfg.AllowedOrigins, ",")).
			ToSlice()...)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", "error", err)
		return err
	}

	cli.WaitForShutdown(ctx, done)
	return nil
}

func main() {
	Execute()
}
