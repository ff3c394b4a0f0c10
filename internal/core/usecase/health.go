package usecase

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/rag-gateway/internal/core/domain"
	"github.com/kirillkom/rag-gateway/internal/core/ports"
)

const (
	defaultHealthInterval   = 60 * time.Second
	defaultProbeTimeout     = 5 * time.Second
	defaultProbeConcurrency = 16
)

// HealthObserver receives probe outcomes, typically for metrics.
type HealthObserver interface {
	ObserveProbe(role domain.Role, healthy bool, duration time.Duration)
	SetHealthyBackends(role domain.Role, count int)
}

type HealthSupervisorOptions struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	Concurrency  int
	Reporter     ports.HealthReporter
	Observer     HealthObserver
	Logger       *slog.Logger
}

// HealthSupervisor periodically probes every registered backend and writes the
// result back to the registry.
type HealthSupervisor struct {
	registry *BackendRegistry
	prober   ports.HealthProber
	opts     HealthSupervisorOptions
	kick     chan struct{}
	now      func() time.Time
}

func NewHealthSupervisor(registry *BackendRegistry, prober ports.HealthProber, opts HealthSupervisorOptions) *HealthSupervisor {
	if opts.Interval <= 0 {
		opts.Interval = defaultHealthInterval
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	// A probe must never outlive its cycle.
	if opts.ProbeTimeout >= opts.Interval {
		opts.ProbeTimeout = opts.Interval / 2
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultProbeConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &HealthSupervisor{
		registry: registry,
		prober:   prober,
		opts:     opts,
		kick:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Kick asks for an early cycle without blocking; repeated kicks coalesce.
func (s *HealthSupervisor) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled.
func (s *HealthSupervisor) Run(ctx context.Context) {
	s.opts.Logger.Info("health_supervisor_started",
		"interval_s", s.opts.Interval.Seconds(),
		"probe_timeout_s", s.opts.ProbeTimeout.Seconds(),
	)
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			s.opts.Logger.Info("health_supervisor_stopped")
			return
		case <-ticker.C:
		case <-s.kick:
		}
		s.RunCycle(ctx)
	}
}

type probeOutcome struct {
	server  domain.BackendServer
	healthy bool
}

// RunCycle probes all registered servers concurrently and records the results.
func (s *HealthSupervisor) RunCycle(ctx context.Context) domain.HealthReport {
	snapshot := s.registry.SnapshotAll()
	report := domain.HealthReport{
		CheckedAt: s.now().UTC(),
		Healthy:   make(map[domain.Role][]string),
		Unhealthy: make(map[domain.Role][]string),
	}

	var servers []domain.BackendServer
	for _, role := range domain.Roles {
		servers = append(servers, snapshot[role]...)
	}
	if len(servers) == 0 {
		s.opts.Logger.Debug("health_cycle_skipped", "reason", "no servers registered")
		return report
	}

	outcomes := make([]probeOutcome, len(servers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for i, server := range servers {
		g.Go(func() error {
			outcomes[i] = probeOutcome{server: server, healthy: s.probe(gctx, server)}
			return nil
		})
	}
	_ = g.Wait()

	// A cancelled cycle says nothing about the backends.
	if ctx.Err() != nil {
		s.opts.Logger.Info("health_cycle_aborted", "error", ctx.Err())
		return report
	}

	healthyCount := make(map[domain.Role]int, len(domain.Roles))
	for _, outcome := range outcomes {
		status := domain.HealthUnhealthy
		if outcome.healthy {
			status = domain.HealthHealthy
			healthyCount[outcome.server.Role]++
			report.Healthy[outcome.server.Role] = append(report.Healthy[outcome.server.Role], outcome.server.ID)
		} else {
			report.Unhealthy[outcome.server.Role] = append(report.Unhealthy[outcome.server.Role], outcome.server.ID)
		}
		s.registry.UpdateHealth(outcome.server.ID, status, s.now().UTC())
	}
	report.Probes = len(outcomes)

	if s.opts.Observer != nil {
		for _, role := range domain.Roles {
			s.opts.Observer.SetHealthyBackends(role, healthyCount[role])
		}
	}
	for _, role := range domain.Roles {
		if len(snapshot[role]) > 0 && healthyCount[role] == 0 {
			s.opts.Logger.Warn("health_no_servers_available", "role", string(role))
		}
	}

	if s.opts.Reporter != nil {
		if err := s.opts.Reporter.Report(ctx, report); err != nil {
			s.opts.Logger.Warn("health_report_failed", "error", err)
		}
	}
	return report
}

func (s *HealthSupervisor) probe(ctx context.Context, server domain.BackendServer) bool {
	probeCtx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
	defer cancel()

	start := time.Now()
	err := s.prober.Probe(probeCtx, server)
	elapsed := time.Since(start)
	if err != nil && ctx.Err() != nil {
		return false
	}
	if s.opts.Observer != nil {
		s.opts.Observer.ObserveProbe(server.Role, err == nil, elapsed)
	}
	if err != nil {
		s.opts.Logger.Warn("health_probe_failed",
			"server_id", server.ID,
			"role", string(server.Role),
			"url", server.URL,
			"duration_ms", float64(elapsed.Microseconds())/1000.0,
			"error", err,
		)
		return false
	}
	s.opts.Logger.Debug("health_probe_ok", "server_id", server.ID, "role", string(server.Role))
	return true
}
