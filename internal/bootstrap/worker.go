package bootstrap

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/kirillkom/rag-gateway/internal/config"
	"github.com/kirillkom/rag-gateway/internal/core/usecase"
	"github.com/kirillkom/rag-gateway/internal/infrastructure/healthpush"
	"github.com/kirillkom/rag-gateway/internal/infrastructure/queue/nats"
	"github.com/kirillkom/rag-gateway/internal/infrastructure/resilience"
	"github.com/kirillkom/rag-gateway/internal/observability/metrics"
)

// Worker consumes health reports from NATS and relays them to HEALTH_PUSH_URL.
type Worker struct {
	Config  config.Config
	Bus     *nats.HealthBus
	Relay   *usecase.HealthRelayUseCase
	Metrics *metrics.WorkerMetrics
}

func NewWorker(cfg config.Config, logger *slog.Logger) (*Worker, error) {
	if cfg.NATSURL == "" {
		return nil, fmt.Errorf("worker requires NATS_URL")
	}
	if cfg.HealthPushURL == "" {
		return nil, fmt.Errorf("worker requires HEALTH_PUSH_URL")
	}
	if logger == nil {
		logger = slog.Default()
	}

	resilienceCfg := resilience.DefaultConfig()
	if cfg.ResilienceRetryMaxAttempts > 0 {
		resilienceCfg.RetryMaxAttempts = cfg.ResilienceRetryMaxAttempts
	}
	resilienceCfg.BreakerEnabled = cfg.ResilienceBreakerEnabled
	executor := resilience.NewExecutor(resilienceCfg)

	bus, err := nats.New(cfg.NATSURL, cfg.NATSSubject, nats.Options{
		ResilienceExecutor: executor,
		Logger:             logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init message bus: %w", err)
	}

	workerMetrics := metrics.NewWorkerMetrics("worker", pushTarget(cfg.HealthPushURL))
	reporter := healthpush.New(cfg.HealthPushURL, time.Duration(cfg.HealthProbeTimeoutSeconds)*time.Second, executor)
	return &Worker{
		Config:  cfg,
		Bus:     bus,
		Relay:   usecase.NewHealthRelayUseCase(reporter, workerMetrics, logger),
		Metrics: workerMetrics,
	}, nil
}

// pushTarget is the health endpoint host, without path or userinfo.
func pushTarget(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return u.Host
}

func (w *Worker) Close() {
	w.Bus.Close()
}
