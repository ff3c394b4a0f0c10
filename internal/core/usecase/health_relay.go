package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kirillkom/rag-gateway/internal/core/domain"
	"github.com/kirillkom/rag-gateway/internal/core/ports"
)

// Relay outcomes reported to RelayObserver.
const (
	RelayRelayed  = "relayed"
	RelayFailed   = "failed"
	RelayStale    = "stale"
	RelayRejected = "rejected"
)

// RelayObserver is told about every consumed report, typically for metrics.
type RelayObserver interface {
	ObserveRelay(outcome string, push time.Duration)
	ObserveReportLag(lag time.Duration)
	MarkRelayed(checkedAt time.Time)
}

// HealthRelayUseCase pushes health reports consumed from the bus to the
// external health endpoint. Reports older than the last relayed one are dropped.
type HealthRelayUseCase struct {
	reporter ports.HealthReporter
	observer RelayObserver
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	last time.Time
}

var _ ports.HealthRelayer = (*HealthRelayUseCase)(nil)

func NewHealthRelayUseCase(reporter ports.HealthReporter, observer RelayObserver, logger *slog.Logger) *HealthRelayUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthRelayUseCase{
		reporter: reporter,
		observer: observer,
		logger:   logger,
		now:      time.Now,
	}
}

func (uc *HealthRelayUseCase) Relay(ctx context.Context, report domain.HealthReport) error {
	if report.CheckedAt.IsZero() {
		uc.observe(RelayRejected, 0)
		return domain.WrapError(domain.ErrInvalidInput, "relay health report", errors.New("checked_at is missing"))
	}
	if uc.isStale(report.CheckedAt) {
		uc.observe(RelayStale, 0)
		uc.logger.Info("health_report_stale",
			"checked_at", report.CheckedAt,
		)
		return nil
	}

	if uc.observer != nil {
		uc.observer.ObserveReportLag(uc.now().Sub(report.CheckedAt))
	}
	start := uc.now()
	err := uc.reporter.Report(ctx, report)
	push := uc.now().Sub(start)
	if err != nil {
		uc.observe(RelayFailed, push)
		return fmt.Errorf("relay health report: %w", err)
	}

	uc.markRelayed(report.CheckedAt)
	uc.observe(RelayRelayed, push)
	if uc.observer != nil {
		uc.observer.MarkRelayed(report.CheckedAt)
	}
	uc.logger.Info("health_report_relayed",
		"checked_at", report.CheckedAt,
		"probes", report.Probes,
	)
	return nil
}

func (uc *HealthRelayUseCase) observe(outcome string, push time.Duration) {
	if uc.observer != nil {
		uc.observer.ObserveRelay(outcome, push)
	}
}

func (uc *HealthRelayUseCase) isStale(at time.Time) bool {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	return !uc.last.IsZero() && at.Before(uc.last)
}

func (uc *HealthRelayUseCase) markRelayed(at time.Time) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	if at.After(uc.last) {
		uc.last = at
	}
}
