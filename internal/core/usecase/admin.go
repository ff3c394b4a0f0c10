package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kirillkom/rag-gateway/internal/core/domain"
	"github.com/kirillkom/rag-gateway/internal/core/ports"
)

// AdminService backs the registration API. The store and trigger are optional.
type AdminService struct {
	registry *BackendRegistry
	store    ports.BackendStore
	trigger  ports.HealthTrigger
	logger   *slog.Logger
}

func NewAdminService(registry *BackendRegistry, store ports.BackendStore, trigger ports.HealthTrigger, logger *slog.Logger) *AdminService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminService{
		registry: registry,
		store:    store,
		trigger:  trigger,
		logger:   logger,
	}
}

func (s *AdminService) Register(ctx context.Context, role domain.Role, url string) (domain.BackendServer, error) {
	server, err := s.registry.Register(role, url)
	if err != nil {
		return domain.BackendServer{}, err
	}
	if s.store != nil {
		if err := s.store.Save(ctx, server); err != nil {
			// Keep memory and storage consistent.
			_, _ = s.registry.Deregister(server.ID)
			return domain.BackendServer{}, domain.WrapError(domain.ErrTemporary, "persist backend", err)
		}
	}
	s.logger.Info("backend_registered", "server_id", server.ID, "role", string(server.Role), "url", server.URL)
	if s.trigger != nil {
		s.trigger.Kick()
	}
	return server, nil
}

func (s *AdminService) Deregister(ctx context.Context, id string) (domain.BackendServer, error) {
	server, err := s.registry.Deregister(id)
	if err != nil {
		return domain.BackendServer{}, err
	}
	if s.store != nil {
		if err := s.store.Delete(ctx, id); err != nil && !domain.IsKind(err, domain.ErrNotFound) {
			s.logger.Warn("backend_delete_persist_failed", "server_id", id, "error", err)
		}
	}
	s.logger.Info("backend_deregistered", "server_id", server.ID, "role", string(server.Role))
	return server, nil
}

func (s *AdminService) List(context.Context) map[domain.Role][]domain.BackendServer {
	return s.registry.SnapshotAll()
}

// Restore reloads persisted registrations into the registry.
func (s *AdminService) Restore(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	servers, err := s.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("load persisted backends: %w", err)
	}
	n := s.registry.Restore(servers)
	if n > 0 && s.trigger != nil {
		s.trigger.Kick()
	}
	return n, nil
}
