package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/rag-gateway/internal/core/domain"
	"github.com/kirillkom/rag-gateway/internal/core/ports"
	"github.com/kirillkom/rag-gateway/internal/infrastructure/resilience"
)

const relayQueueGroup = "health-relays"

// HealthBus carries health reports from the API process to relay workers.
type HealthBus struct {
	conn     *nats.Conn
	subject  string
	executor *resilience.Executor
	logger   *slog.Logger
}

var _ ports.HealthReporter = (*HealthBus)(nil)

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
	Logger               *slog.Logger
}

func New(url, subject string, options Options) (*HealthBus, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(
		url,
		nats.Name("rag-gateway"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &HealthBus{
		conn:     conn,
		subject:  subject,
		executor: options.ResilienceExecutor,
		logger:   logger,
	}, nil
}

func (b *HealthBus) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}

// Report publishes one health cycle outcome.
func (b *HealthBus) Report(ctx context.Context, report domain.HealthReport) error {
	data, err := encodeReport(report)
	if err != nil {
		return err
	}
	err = resilience.Run(ctx, b.executor, "nats.publish", func(_ context.Context) error {
		if err := b.conn.Publish(b.subject, data); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}, classifyNATSError)
	if err != nil {
		return resilience.WrapTemporary("nats publish", err, classifyNATSError)
	}
	return nil
}

// Subscribe delivers reports to handler until ctx is cancelled. Relays share a
// queue group, so each report is handled once.
func (b *HealthBus) Subscribe(ctx context.Context, handler func(context.Context, domain.HealthReport) error) error {
	sub, err := b.conn.QueueSubscribe(b.subject, relayQueueGroup, func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		report, err := decodeReport(msg.Data)
		if err != nil {
			b.logger.Warn("health_report_decode_failed", "error", err)
			return
		}

		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := handler(handlerCtx, report); err != nil {
			b.logger.Error("health_report_handler_failed", "checked_at", report.CheckedAt, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := b.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func encodeReport(report domain.HealthReport) ([]byte, error) {
	data, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("marshal health report: %w", err)
	}
	return data, nil
}

func decodeReport(data []byte) (domain.HealthReport, error) {
	var report domain.HealthReport
	if err := json.Unmarshal(data, &report); err != nil {
		return domain.HealthReport{}, fmt.Errorf("unmarshal health report: %w", err)
	}
	if report.CheckedAt.IsZero() {
		return domain.HealthReport{}, fmt.Errorf("health report without checked_at")
	}
	return report, nil
}
