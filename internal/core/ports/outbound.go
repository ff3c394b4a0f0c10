package ports

import (
	"context"

	"github.com/kirillkom/rag-gateway/internal/core/domain"
)

// BackendClient talks to registered downstream inference servers.
type BackendClient interface {
	// Embed computes one embedding for text on the server at baseURL.
	Embed(ctx context.Context, baseURL, text string, header map[string][]string) ([]float32, error)
	// Forward relays a request and returns the upstream response unread.
	Forward(ctx context.Context, baseURL string, req domain.ForwardRequest) (*domain.UpstreamResponse, error)
	// ListModels returns the models advertised by the server.
	ListModels(ctx context.Context, baseURL string, header map[string][]string) ([]domain.Model, error)
}

// HealthProber checks liveness of a single downstream server.
type HealthProber interface {
	Probe(ctx context.Context, server domain.BackendServer) error
}

// VectorStore runs similarity search against one collection.
type VectorStore interface {
	Search(ctx context.Context, collection string, queryVector []float32, limit int, scoreThreshold float64) ([]domain.RetrievalHit, error)
}

// KeywordSearcher is one keyword-search backend flavor.
type KeywordSearcher interface {
	Type() domain.KeywordSearchType
	Search(ctx context.Context, query string, limit int) ([]domain.RetrievalHit, error)
}

// KeywordSearcherFactory resolves a searcher for a tool descriptor.
type KeywordSearcherFactory interface {
	Searcher(ctx context.Context, tool domain.KeywordTool) (KeywordSearcher, error)
}

// BackendStore persists registrations across restarts.
type BackendStore interface {
	Save(ctx context.Context, server domain.BackendServer) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]domain.BackendServer, error)
}

// HealthReporter publishes the outcome of a health cycle.
type HealthReporter interface {
	Report(ctx context.Context, report domain.HealthReport) error
}
