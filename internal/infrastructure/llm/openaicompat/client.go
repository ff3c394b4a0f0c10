package openaicompat

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/rag-gateway/internal/core/domain"
	"github.com/kirillkom/rag-gateway/internal/infrastructure/resilience"
)

const serviceName = "backend"

// propagatedHeaders are copied from the inbound request to every downstream call.
var propagatedHeaders = []string{
	"Authorization",
	"X-Request-Id",
	"Accept",
	"Content-Type",
	"User-Agent",
}

type Options struct {
	// Timeout bounds unary calls (embeddings, model listing, probes).
	// Forwarded requests are only bounded by the caller's context.
	Timeout        time.Duration
	ProbePath      string
	EmbeddingModel string

	Executor        *resilience.Executor
	ForwardExecutor *resilience.Executor
}

// Client speaks the OpenAI-compatible HTTP API of the registered backends.
type Client struct {
	httpClient     *http.Client
	streamClient   *http.Client
	probePath      string
	embeddingModel string

	executor        *resilience.Executor
	forwardExecutor *resilience.Executor
}

func New(options Options) *Client {
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	probePath := strings.TrimSpace(options.ProbePath)
	if probePath == "" {
		probePath = "/v1/models"
	}
	if !strings.HasPrefix(probePath, "/") {
		probePath = "/" + probePath
	}
	return &Client{
		httpClient:      &http.Client{Timeout: timeout},
		streamClient:    &http.Client{},
		probePath:       probePath,
		embeddingModel:  options.EmbeddingModel,
		executor:        options.Executor,
		forwardExecutor: options.ForwardExecutor,
	}
}

func (c *Client) Embed(ctx context.Context, baseURL, text string, header map[string][]string) ([]float32, error) {
	payload := map[string]any{"input": text}
	if c.embeddingModel != "" {
		payload["model"] = c.embeddingModel
	}

	var response struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	err := resilience.Run(ctx, c.executor, resilience.BreakerKey("backend.embed", baseURL), func(callCtx context.Context) error {
		return c.postJSON(callCtx, baseURL+"/v1/embeddings", header, payload, &response, "embed")
	}, resilience.ClassifyHTTPError)
	if err != nil {
		return nil, resilience.WrapTemporary("backend embed", err, resilience.ClassifyHTTPError)
	}
	if len(response.Data) == 0 {
		return nil, fmt.Errorf("empty embedding result")
	}
	return response.Data[0].Embedding, nil
}

func (c *Client) ListModels(ctx context.Context, baseURL string, header map[string][]string) ([]domain.Model, error) {
	var response struct {
		Data []domain.Model `json:"data"`
	}
	err := resilience.Run(ctx, c.executor, resilience.BreakerKey("backend.models", baseURL), func(callCtx context.Context) error {
		return c.getJSON(callCtx, baseURL+"/v1/models", header, &response, "list models")
	}, resilience.ClassifyHTTPError)
	if err != nil {
		return nil, resilience.WrapTemporary("backend list models", err, resilience.ClassifyHTTPError)
	}
	return response.Data, nil
}

// Probe treats any answer below 400 as alive.
func (c *Client) Probe(ctx context.Context, server domain.BackendServer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+c.probePath, nil)
	if err != nil {
		return fmt.Errorf("create probe request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", server.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return resilience.NewHTTPStatusError(serviceName, "probe", resp)
	}
	return nil
}

func copyPropagatedHeaders(dst http.Header, src map[string][]string) {
	if src == nil {
		return
	}
	h := http.Header(src)
	for _, name := range propagatedHeaders {
		if values := h.Values(name); len(values) > 0 {
			dst[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
		}
	}
}
