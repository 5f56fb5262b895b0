// Command explorer-worker consumes queued statements and ingests them.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"explorer/internal/amqp"
	"explorer/internal/cli"
	"explorer/internal/log"
	"explorer/internal/metrics"
	"explorer/internal/telemetry"
	"explorer/internal/worker"
)

const (
	shutdownTimeout  = 30 * time.Second
	historyRetention = 30 * 24 * time.Hour
	pruneInterval    = 6 * time.Hour
)

func main() {
	cli.LoadEnvFile()

	bootLogger := cli.SetupLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"), os.Stdout)
	cfg, err := cli.LoadAndValidateConfig(bootLogger)
	if err != nil {
		os.Exit(1)
	}
	logger := cli.SetupLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout).WithComponent(log.ComponentWorker)

	logger.Info("Starting explorer-worker", "queue", cfg.AMQPQueue, "exchange", cfg.AMQPExchange)

	if cfg.AMQPURL == "" {
		logger.Error("AMQP_URL is required for the worker")
		os.Exit(1)
	}

	shutdownTracing, err := telemetry.Setup(context.Background(), "expense-explorer-worker", cfg.OTelEndpoint)
	if err != nil {
		logger.Error("Failed to set up tracing", "error", err)
		os.Exit(1)
	}

	history, err := cli.InitHistory(logger, cfg.HistoryDBPath)
	if err != nil {
		os.Exit(1)
	}
	defer history.Close()

	m := metrics.New()
	client := cli.NewRemoteClient(cfg, cli.CredentialStore(cfg), logger, m)
	svc := cli.NewIngestService(cfg, client, history, logger)

	amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, logger)
	if err != nil {
		logger.Error("Failed to initialize AMQP client", "error", err)
		os.Exit(1)
	}
	defer amqpClient.Close()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", m.Handler())
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", "error", err, "addr", cfg.MetricsAddr)
			}
		}()
		logger.Info("Serving metrics", "addr", cfg.MetricsAddr)
	}

	ctx, done := cli.GracefulShutdown(logger, shutdownTimeout, func(ctx context.Context) {
		if metricsServer != nil {
			_ = metricsServer.Shutdown(ctx)
		}
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn("Tracing shutdown failed", "error", err)
		}
	})

	go pruneHistory(ctx, logger, history)

	w := worker.NewIngestWorker(svc, logger)
	go func() {
		if err := amqpClient.ConsumeIngest(ctx, w.Handle); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Message consumption failed", "error", err)
		}
	}()

	cli.WaitForShutdown(ctx, done)
	logger.Info("Worker stopped")
}

type pruner interface {
	PruneOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

func pruneHistory(ctx context.Context, logger *log.Logger, p pruner) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		if _, err := p.PruneOlderThan(ctx, historyRetention); err != nil && ctx.Err() == nil {
			logger.Warn("History pruning failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
