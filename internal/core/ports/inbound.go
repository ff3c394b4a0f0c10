package ports

import (
	"context"

	"github.com/kirillkom/rag-gateway/internal/core/domain"
)

// ChatDispatcher is the inbound contract for OpenAI-compatible traffic.
type ChatDispatcher interface {
	Chat(ctx context.Context, req domain.ChatRequest) (*domain.UpstreamResponse, error)
	Forward(ctx context.Context, role domain.Role, req domain.ForwardRequest) (*domain.UpstreamResponse, error)
	ListModels(ctx context.Context, header map[string][]string) ([]domain.Model, error)
}

// BackendAdmin is the inbound contract for the registration API.
type BackendAdmin interface {
	Register(ctx context.Context, role domain.Role, url string) (domain.BackendServer, error)
	Deregister(ctx context.Context, id string) (domain.BackendServer, error)
	List(ctx context.Context) map[domain.Role][]domain.BackendServer
}

// HealthTrigger requests an early health cycle.
type HealthTrigger interface {
	Kick()
}

// HealthRelayer forwards health reports received from the bus.
type HealthRelayer interface {
	Relay(ctx context.Context, report domain.HealthReport) error
}
