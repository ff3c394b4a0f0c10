package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kirillkom/rag-gateway/internal/bootstrap"
	"github.com/kirillkom/rag-gateway/internal/config"
	"github.com/kirillkom/rag-gateway/internal/core/domain"
	"github.com/kirillkom/rag-gateway/internal/observability/logging"
)

const relayTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_invalid", "error", err)
		os.Exit(1)
	}
	logger := logging.NewJSONLogger("worker", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	worker, err := bootstrap.NewWorker(cfg, logger)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer worker.Close()

	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           worker.Metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("worker_metrics_server_failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	logger.Info("worker_subscribed", "subject", cfg.NATSSubject, "push_url", cfg.HealthPushURL)
	err = worker.Bus.Subscribe(ctx, func(handlerCtx context.Context, report domain.HealthReport) error {
		relayCtx, cancel := context.WithTimeout(handlerCtx, relayTimeout)
		defer cancel()
		return worker.Relay.Relay(relayCtx, report)
	})
	if err != nil {
		logger.Error("worker_subscribe_failed", "error", err)
	}
}
