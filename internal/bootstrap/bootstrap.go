package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	httpadapter "github.com/kirillkom/rag-gateway/internal/adapters/http"
	"github.com/kirillkom/rag-gateway/internal/config"
	"github.com/kirillkom/rag-gateway/internal/core/ports"
	"github.com/kirillkom/rag-gateway/internal/core/usecase"
	"github.com/kirillkom/rag-gateway/internal/infrastructure/healthpush"
	"github.com/kirillkom/rag-gateway/internal/infrastructure/keyword"
	"github.com/kirillkom/rag-gateway/internal/infrastructure/llm/openaicompat"
	"github.com/kirillkom/rag-gateway/internal/infrastructure/queue/nats"
	"github.com/kirillkom/rag-gateway/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/rag-gateway/internal/infrastructure/resilience"
	"github.com/kirillkom/rag-gateway/internal/infrastructure/vector/qdrant"
	"github.com/kirillkom/rag-gateway/internal/observability/metrics"
	"github.com/kirillkom/rag-gateway/internal/version"
)

type App struct {
	Config config.Config

	Registry   *usecase.BackendRegistry
	Supervisor *usecase.HealthSupervisor
	Admin      *usecase.AdminService
	Dispatcher *usecase.Dispatcher
	Metrics    *metrics.GatewayMetrics

	closers []io.Closer
}

// New wires the gateway. Postgres, NATS and the vector database are optional:
// an empty URL leaves the matching component out.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{Config: cfg, Metrics: metrics.NewGatewayMetrics("api")}

	resilienceCfg := resilience.DefaultConfig()
	if cfg.ResilienceRetryMaxAttempts > 0 {
		resilienceCfg.RetryMaxAttempts = cfg.ResilienceRetryMaxAttempts
	}
	resilienceCfg.BreakerEnabled = cfg.ResilienceBreakerEnabled
	executor := resilience.NewExecutor(resilienceCfg).WithStateObserver(app.Metrics.ObserveBreaker)
	forwardExecutor := resilience.NewExecutor(resilienceCfg.NoRetry()).WithStateObserver(app.Metrics.ObserveBreaker)

	downstreamTimeout := time.Duration(cfg.DownstreamTimeoutSeconds) * time.Second
	backend := openaicompat.New(openaicompat.Options{
		Timeout:         downstreamTimeout,
		ProbePath:       cfg.HealthProbePath,
		EmbeddingModel:  cfg.EmbeddingModel,
		Executor:        executor,
		ForwardExecutor: forwardExecutor,
	})

	app.Registry = usecase.NewBackendRegistry(cfg.HealthCheckEnabled)

	vectorStore, err := newVectorStore(cfg, executor)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("init vector store: %w", err)
	}
	if closer, ok := vectorStore.(io.Closer); ok {
		app.closers = append(app.closers, closer)
	}

	keywords := keyword.NewFactory(keyword.Options{
		Timeout:     downstreamTimeout,
		DialTimeout: time.Duration(cfg.RAGRetrievalTimeoutMS) * time.Millisecond,
		Executor:    executor,
		Logger:      logger,
	})
	app.closers = append(app.closers, keywords)

	reporter, err := newHealthReporter(cfg, executor, logger)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("init health reporter: %w", err)
	}
	if closer, ok := reporter.(io.Closer); ok {
		app.closers = append(app.closers, closer)
	}

	app.Supervisor = usecase.NewHealthSupervisor(app.Registry, backend, usecase.HealthSupervisorOptions{
		Interval:     time.Duration(cfg.HealthCheckIntervalSeconds) * time.Second,
		ProbeTimeout: time.Duration(cfg.HealthProbeTimeoutSeconds) * time.Second,
		Reporter:     reporter,
		Observer:     app.Metrics,
		Logger:       logger,
	})

	var store ports.BackendStore
	if cfg.PostgresDSN != "" {
		repo, db, err := openBackendStore(ctx, cfg.PostgresDSN)
		if err != nil {
			app.Close()
			return nil, err
		}
		app.closers = append(app.closers, db)
		store = repo
	}
	app.Admin = usecase.NewAdminService(app.Registry, store, app.Supervisor, logger)
	if store != nil {
		restored, err := app.Admin.Restore(ctx)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("restore registrations: %w", err)
		}
		logger.Info("backends_restored", "count", restored)
	}

	fusion, err := usecase.NewFusionRanker(cfg.RAGFusionStrategy, cfg.RAGFusionRRFK)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("init fusion ranker: %w", err)
	}

	var vectors *usecase.VectorRetriever
	if vectorStore != nil {
		vectors = usecase.NewVectorRetriever(vectorStore, logger)
	}
	pipeline := usecase.NewRetrievalPipeline(
		usecase.NewRegistryEmbedder(app.Registry, backend),
		vectors,
		keywords,
		usecase.RetrievalPipelineOptions{
			Timeout:  time.Duration(cfg.RAGRetrievalTimeoutMS) * time.Millisecond,
			Observer: app.Metrics,
			Logger:   logger,
		},
	)
	app.Dispatcher = usecase.NewDispatcher(app.Registry, backend, pipeline, usecase.DispatcherOptions{
		Defaults: cfg.RagDefaults(),
		Fusion:   fusion,
		Merger:   usecase.NewContextMerger(cfg.RAGPrompt),
		Observer: app.Metrics,
		Logger:   logger,
	})

	return app, nil
}

// Handler builds the HTTP surface of the gateway.
func (a *App) Handler() *httpadapter.Router {
	cfg := a.Config
	return httpadapter.NewRouter(a.Dispatcher, a.Admin, httpadapter.Options{
		Version:            version.Version,
		AdminAPIKey:        cfg.AdminAPIKey,
		RateLimitRPS:       cfg.APIRateLimitRPS,
		RateLimitBurst:     cfg.APIRateLimitBurst,
		MaxInFlight:        cfg.APIMaxInFlight,
		BackpressureWait:   time.Duration(cfg.APIBackpressureWaitMS) * time.Millisecond,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RagDefaults:        cfg.RagDefaults(),
		FusionStrategy:     cfg.RAGFusionStrategy,
		Metrics:            a.Metrics,
	})
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			slog.Warn("close_failed", "error", err)
		}
	}
	a.closers = nil
}

func newVectorStore(cfg config.Config, executor *resilience.Executor) (ports.VectorStore, error) {
	if cfg.VectorDBURL == "" {
		return nil, nil
	}
	options := qdrant.Options{
		APIKey:   cfg.VectorDBAPIKey,
		Timeout:  time.Duration(cfg.DownstreamTimeoutSeconds) * time.Second,
		Executor: executor,
	}
	if cfg.VectorDBTransport == "grpc" {
		client, err := qdrant.NewGRPC(cfg.VectorDBURL, options)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	return qdrant.New(cfg.VectorDBURL, options), nil
}

// newHealthReporter prefers the NATS bus so a worker relays reports; without
// NATS the gateway pushes straight to HEALTH_PUSH_URL.
func newHealthReporter(cfg config.Config, executor *resilience.Executor, logger *slog.Logger) (ports.HealthReporter, error) {
	switch {
	case cfg.NATSURL != "":
		bus, err := nats.New(cfg.NATSURL, cfg.NATSSubject, nats.Options{
			ResilienceExecutor: executor,
			Logger:             logger,
		})
		if err != nil {
			return nil, err
		}
		return busCloser{bus}, nil
	case cfg.HealthPushURL != "":
		return healthpush.New(cfg.HealthPushURL, time.Duration(cfg.HealthProbeTimeoutSeconds)*time.Second, executor), nil
	default:
		return nil, nil
	}
}

func openBackendStore(ctx context.Context, dsn string) (*postgres.BackendRepository, *sql.DB, error) {
	db, err := postgres.OpenDB(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	repo := postgres.NewBackendRepository(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		return nil, nil, errors.Join(fmt.Errorf("ensure schema: %w", err), db.Close())
	}
	return repo, db, nil
}

// busCloser adapts HealthBus.Close to io.Closer.
type busCloser struct {
	*nats.HealthBus
}

func (b busCloser) Close() error {
	b.HealthBus.Close()
	return nil
}
