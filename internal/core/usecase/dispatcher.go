package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/rag-gateway/internal/core/domain"
	"github.com/kirillkom/rag-gateway/internal/core/ports"
)

const (
	chatCompletionsPath = "/v1/chat/completions"

	RagOutcomeSkipped   = "skipped"
	RagOutcomeAugmented = "augmented"
	RagOutcomeEmpty     = "empty"
	RagOutcomeDegraded  = "degraded"
	RagOutcomeFailed    = "failed"
)

// DispatchObserver is told how each chat request went through the RAG path.
type DispatchObserver interface {
	ObserveRag(outcome string)
}

type DispatcherOptions struct {
	// Defaults are applied wherever a request does not override a RAG field.
	Defaults domain.RagParameters
	Fusion   FusionRanker
	Merger   *ContextMerger
	Observer DispatchObserver
	Logger   *slog.Logger
}

// Dispatcher routes OpenAI-compatible requests to registered backends and
// augments chat completions with retrieved context.
type Dispatcher struct {
	registry *BackendRegistry
	client   ports.BackendClient
	pipeline *RetrievalPipeline
	opts     DispatcherOptions
}

func NewDispatcher(registry *BackendRegistry, client ports.BackendClient, pipeline *RetrievalPipeline, opts DispatcherOptions) *Dispatcher {
	if opts.Fusion == nil {
		opts.Fusion = weightedFusion{}
	}
	if opts.Merger == nil {
		opts.Merger = NewContextMerger("")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		client:   client,
		pipeline: pipeline,
		opts:     opts,
	}
}

// ResolveRagParameters layers request overrides over the configured defaults.
func ResolveRagParameters(defaults domain.RagParameters, o domain.RagOverrides) domain.RagParameters {
	p := defaults
	p.Collections = append([]string(nil), defaults.Collections...)
	if o.Enabled != nil {
		p.Enabled = *o.Enabled
	}
	if o.Required != nil {
		p.Required = *o.Required
	}
	if len(o.Collections) > 0 {
		p.Collections = append([]string(nil), o.Collections...)
	}
	if o.Limit != nil {
		p.Limit = *o.Limit
	}
	if o.ScoreThreshold != nil {
		p.ScoreThreshold = *o.ScoreThreshold
	}
	if o.WeightedAlpha != nil {
		p.WeightedAlpha = *o.WeightedAlpha
	}
	if o.ContextWindow != nil {
		p.ContextWindow = *o.ContextWindow
	}
	if o.Policy != nil {
		p.Policy = *o.Policy
	}
	if o.Keyword != nil {
		tool := *o.Keyword
		p.Keyword = &tool
	}
	// A required retrieval is implicitly enabled.
	if p.Required {
		p.Enabled = true
	}
	return p
}

func (d *Dispatcher) Chat(ctx context.Context, req domain.ChatRequest) (*domain.UpstreamResponse, error) {
	params := ResolveRagParameters(d.opts.Defaults, req.Rag)
	if err := params.Validate(); err != nil {
		return nil, err
	}

	server, err := d.registry.SelectHealthy(domain.RoleChat)
	if err != nil {
		return nil, err
	}

	body := req.Body
	if params.Enabled && params.HasRetrieval() && d.pipeline != nil {
		messages, rewritten, err := d.augment(ctx, params, req)
		switch {
		case err != nil && (params.Required || domain.IsKind(err, domain.ErrInvalidInput)):
			d.observe(RagOutcomeFailed)
			return nil, err
		case err != nil:
			d.observe(RagOutcomeDegraded)
			d.opts.Logger.Warn("rag_degraded",
				"request_id", req.RequestID,
				"error", err,
			)
		case rewritten:
			d.observe(RagOutcomeAugmented)
			body, err = rewriteChatBody(req.Body, messages)
			if err != nil {
				return nil, err
			}
		default:
			d.observe(RagOutcomeEmpty)
		}
	} else {
		d.observe(RagOutcomeSkipped)
	}

	resp, err := d.client.Forward(ctx, server.URL, domain.ForwardRequest{
		Method: http.MethodPost,
		Path:   chatCompletionsPath,
		Body:   bytes.NewReader(body),
		Header: req.Header,
	})
	if err != nil {
		return nil, fmt.Errorf("forward chat completion to %s: %w", server.ID, err)
	}
	return resp, nil
}

func (d *Dispatcher) augment(ctx context.Context, params domain.RagParameters, req domain.ChatRequest) ([]domain.ChatMessage, bool, error) {
	query, err := QueryText(req.Messages, params.ContextWindow)
	if err != nil {
		return nil, false, err
	}

	sets, err := d.pipeline.Retrieve(ctx, params, query, req.Header)
	if err != nil {
		return nil, false, err
	}

	results := d.opts.Fusion.Fuse(sets.Vector, sets.Keyword, params.WeightedAlpha, params.Limit)
	d.opts.Logger.Debug("rag_fused",
		"request_id", req.RequestID,
		"vector_hits", len(sets.Vector),
		"keyword_hits", len(sets.Keyword),
		"results", len(results),
		"strategy", d.opts.Fusion.Name(),
	)
	if len(results) == 0 {
		return nil, false, nil
	}

	merged, err := d.opts.Merger.Merge(req.Messages, results, params.Policy)
	if err != nil {
		return nil, false, err
	}
	return merged, true, nil
}

// rewriteChatBody replaces messages and drops the gateway-only fields while
// leaving every other field byte-for-byte intact.
func rewriteChatBody(original []byte, messages []domain.ChatMessage) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(original, &fields); err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "rewrite chat body", err)
	}
	raw, err := json.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("encode messages: %w", err)
	}
	fields["messages"] = raw
	for _, name := range domain.RagRequestFields {
		delete(fields, name)
	}
	return json.Marshal(fields)
}

// Forward relays a request to a healthy backend of the given role.
func (d *Dispatcher) Forward(ctx context.Context, role domain.Role, req domain.ForwardRequest) (*domain.UpstreamResponse, error) {
	server, err := d.registry.SelectHealthy(role)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Forward(ctx, server.URL, req)
	if err != nil {
		return nil, fmt.Errorf("forward %s to %s: %w", req.Path, server.ID, err)
	}
	return resp, nil
}

// ListModels merges the model lists of every backend that is not known to be down.
// Backends that fail to answer are skipped.
func (d *Dispatcher) ListModels(ctx context.Context, header map[string][]string) ([]domain.Model, error) {
	var servers []domain.BackendServer
	snapshot := d.registry.SnapshotAll()
	for _, role := range domain.Roles {
		for _, server := range snapshot[role] {
			if server.Health != domain.HealthUnhealthy {
				servers = append(servers, server)
			}
		}
	}

	lists := make([][]domain.Model, len(servers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, server := range servers {
		g.Go(func() error {
			models, err := d.client.ListModels(gctx, server.URL, header)
			if err != nil {
				d.opts.Logger.Warn("list_models_failed", "server_id", server.ID, "error", err)
				return nil
			}
			lists[i] = models
			return nil
		})
	}
	_ = g.Wait()

	seen := make(map[string]struct{})
	out := make([]domain.Model, 0)
	for _, models := range lists {
		for _, model := range models {
			if _, ok := seen[model.ID]; ok {
				continue
			}
			seen[model.ID] = struct{}{}
			if model.Object == "" {
				model.Object = "model"
			}
			out = append(out, model)
		}
	}
	return out, ctx.Err()
}

func (d *Dispatcher) observe(outcome string) {
	if d.opts.Observer != nil {
		d.opts.Observer.ObserveRag(outcome)
	}
}
