package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/rag-gateway/internal/core/domain"
	"github.com/kirillkom/rag-gateway/internal/core/ports"
)

const defaultRetrievalTimeout = 10 * time.Second

// QueryEmbedder turns the retrieval query into a vector.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string, header map[string][]string) ([]float32, error)
}

// RegistryEmbedder embeds through whichever embeddings backend the registry selects.
type RegistryEmbedder struct {
	registry *BackendRegistry
	client   ports.BackendClient
}

func NewRegistryEmbedder(registry *BackendRegistry, client ports.BackendClient) *RegistryEmbedder {
	return &RegistryEmbedder{registry: registry, client: client}
}

func (e *RegistryEmbedder) Embed(ctx context.Context, text string, header map[string][]string) ([]float32, error) {
	server, err := e.registry.SelectHealthy(domain.RoleEmbeddings)
	if err != nil {
		return nil, domain.WrapError(domain.ErrEmbeddingUnavailable, "embed query", err)
	}
	vector, err := e.client.Embed(ctx, server.URL, text, header)
	if err != nil {
		return nil, domain.WrapError(domain.ErrEmbeddingCallFailed, "embed query", fmt.Errorf("server %s: %w", server.ID, err))
	}
	if len(vector) == 0 {
		return nil, domain.WrapError(domain.ErrEmbeddingCallFailed, "embed query", fmt.Errorf("server %s returned an empty embedding", server.ID))
	}
	return vector, nil
}

// VectorRetriever fans a query vector out to every configured collection.
type VectorRetriever struct {
	store  ports.VectorStore
	logger *slog.Logger
}

func NewVectorRetriever(store ports.VectorStore, logger *slog.Logger) *VectorRetriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &VectorRetriever{store: store, logger: logger}
}

// Search tolerates failing collections as long as at least one answers.
func (r *VectorRetriever) Search(ctx context.Context, collections []string, vector []float32, limit int, threshold float64) ([]domain.RetrievalHit, error) {
	if len(collections) == 0 {
		return nil, nil
	}

	perCollection := make([][]domain.RetrievalHit, len(collections))
	errs := make([]error, len(collections))
	var g errgroup.Group
	for i, collection := range collections {
		g.Go(func() error {
			hits, err := r.store.Search(ctx, collection, vector, limit, threshold)
			if err != nil {
				errs[i] = fmt.Errorf("collection %s: %w", collection, err)
				return nil
			}
			for j := range hits {
				hits[j].Origin = domain.OriginVector
				hits[j].Collection = collection
				if hits[j].Key == "" {
					hits[j].Key = domain.HitKey(hits[j].Source)
				}
			}
			perCollection[i] = hits
			return nil
		})
	}
	_ = g.Wait()

	var (
		out    []domain.RetrievalHit
		failed []error
	)
	for i, hits := range perCollection {
		if errs[i] != nil {
			failed = append(failed, errs[i])
			r.logger.Warn("vector_search_collection_failed", "collection", collections[i], "error", errs[i])
			continue
		}
		out = append(out, hits...)
	}
	if len(failed) == len(collections) {
		return nil, domain.WrapError(domain.ErrVectorSearchFailed, "vector search", errors.Join(failed...))
	}
	return out, nil
}

// RetrievalObserver receives per-origin retrieval outcomes.
type RetrievalObserver interface {
	ObserveRetrieval(origin domain.Origin, ok bool, hits int, duration time.Duration)
}

// RetrievalSets holds the raw per-origin results of one retrieval run.
type RetrievalSets struct {
	Vector     []domain.RetrievalHit
	Keyword    []domain.RetrievalHit
	VectorErr  error
	KeywordErr error
}

type RetrievalPipelineOptions struct {
	Timeout  time.Duration
	Observer RetrievalObserver
	Logger   *slog.Logger
}

// RetrievalPipeline runs the embed->vector chain and the keyword search concurrently
// under a single deadline.
type RetrievalPipeline struct {
	embedder QueryEmbedder
	vectors  *VectorRetriever
	keywords ports.KeywordSearcherFactory
	opts     RetrievalPipelineOptions
}

func NewRetrievalPipeline(embedder QueryEmbedder, vectors *VectorRetriever, keywords ports.KeywordSearcherFactory, opts RetrievalPipelineOptions) *RetrievalPipeline {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultRetrievalTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &RetrievalPipeline{
		embedder: embedder,
		vectors:  vectors,
		keywords: keywords,
		opts:     opts,
	}
}

// Retrieve returns every result set that succeeded. It fails only when all
// configured origins failed.
func (p *RetrievalPipeline) Retrieve(ctx context.Context, params domain.RagParameters, query string, header map[string][]string) (RetrievalSets, error) {
	var sets RetrievalSets
	if !params.HasRetrieval() {
		return sets, nil
	}

	rctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	wantVector := len(params.Collections) > 0 && p.vectors != nil
	wantKeyword := params.Keyword != nil && p.keywords != nil

	var g errgroup.Group
	if wantVector {
		g.Go(func() error {
			start := time.Now()
			sets.Vector, sets.VectorErr = p.vectorChain(rctx, params, query, header)
			p.observe(domain.OriginVector, sets.VectorErr, len(sets.Vector), time.Since(start))
			return nil
		})
	}
	if wantKeyword {
		g.Go(func() error {
			start := time.Now()
			sets.Keyword, sets.KeywordErr = p.keywordSearch(rctx, *params.Keyword, query, params.Limit)
			p.observe(domain.OriginKeyword, sets.KeywordErr, len(sets.Keyword), time.Since(start))
			return nil
		})
	}
	_ = g.Wait()

	vectorFailed := !wantVector || sets.VectorErr != nil
	keywordFailed := !wantKeyword || sets.KeywordErr != nil
	if !vectorFailed || !keywordFailed {
		return sets, nil
	}

	if errors.Is(rctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return sets, domain.WrapError(domain.ErrRetrievalTimeout, "retrieve context",
			fmt.Errorf("no origin answered within %s", p.opts.Timeout))
	}
	if err := errors.Join(sets.VectorErr, sets.KeywordErr); err != nil {
		return sets, err
	}
	return sets, domain.WrapError(domain.ErrInvalidRagParameters, "retrieve context", errors.New("no retrieval origin is available"))
}

func (p *RetrievalPipeline) vectorChain(ctx context.Context, params domain.RagParameters, query string, header map[string][]string) ([]domain.RetrievalHit, error) {
	vector, err := p.embedder.Embed(ctx, query, header)
	if err != nil {
		return nil, err
	}
	return p.vectors.Search(ctx, params.Collections, vector, params.Limit, params.ScoreThreshold)
}

func (p *RetrievalPipeline) keywordSearch(ctx context.Context, tool domain.KeywordTool, query string, limit int) ([]domain.RetrievalHit, error) {
	searcher, err := p.keywords.Searcher(ctx, tool)
	if err != nil {
		return nil, domain.WrapError(domain.ErrKeywordSearchFailed, "keyword search", err)
	}
	hits, err := searcher.Search(ctx, query, limit)
	if err != nil {
		if domain.IsKind(err, domain.ErrKeywordSearchFailed) {
			return nil, err
		}
		return nil, domain.WrapError(domain.ErrKeywordSearchFailed, "keyword search", err)
	}
	for i := range hits {
		hits[i].Origin = domain.OriginKeyword
		if hits[i].Key == "" {
			hits[i].Key = domain.HitKey(hits[i].Source)
		}
	}
	return hits, nil
}

func (p *RetrievalPipeline) observe(origin domain.Origin, err error, hits int, elapsed time.Duration) {
	if err != nil {
		p.opts.Logger.Warn("retrieval_origin_failed",
			"origin", string(origin),
			"duration_ms", float64(elapsed.Microseconds())/1000.0,
			"error", err,
		)
	}
	if p.opts.Observer != nil {
		p.opts.Observer.ObserveRetrieval(origin, err == nil, hits, elapsed)
	}
}
