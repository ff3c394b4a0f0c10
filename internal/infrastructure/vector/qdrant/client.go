package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kirillkom/rag-gateway/internal/core/domain"
	"github.com/kirillkom/rag-gateway/internal/infrastructure/resilience"
)

// sourcePayloadKeys are tried in order when reading the hit text from a payload.
var sourcePayloadKeys = []string{"source", "text", "content"}

type Options struct {
	APIKey   string
	Timeout  time.Duration
	Executor *resilience.Executor
}

// Client searches Qdrant collections over the REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	executor   *resilience.Executor
}

func New(baseURL string, options Options) *Client {
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     options.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		executor:   options.Executor,
	}
}

func (c *Client) Search(
	ctx context.Context,
	collection string,
	queryVector []float32,
	limit int,
	scoreThreshold float64,
) ([]domain.RetrievalHit, error) {
	reqBody := map[string]any{
		"vector":       queryVector,
		"with_payload": true,
	}
	if limit > 0 {
		reqBody["limit"] = limit
	}
	if scoreThreshold > 0 {
		reqBody["score_threshold"] = scoreThreshold
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal search body: %w", err)
	}

	var searchResp struct {
		Result []struct {
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	endpoint := fmt.Sprintf("%s/collections/%s/points/search", c.baseURL, url.PathEscape(collection))
	err = resilience.Run(ctx, c.executor, resilience.BreakerKey("qdrant.search", c.baseURL), func(callCtx context.Context) error {
		req, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create search request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		c.authorize(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("qdrant search request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return resilience.NewHTTPStatusError("qdrant", "search", resp)
		}
		if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
			return fmt.Errorf("decode search response: %w", err)
		}
		return nil
	}, resilience.ClassifyHTTPError)
	if err != nil {
		return nil, resilience.WrapTemporary("qdrant search", err, resilience.ClassifyHTTPError)
	}

	out := make([]domain.RetrievalHit, 0, len(searchResp.Result))
	for _, r := range searchResp.Result {
		source := sourceFromPayload(r.Payload)
		if source == "" {
			continue
		}
		hit := domain.NewRetrievalHit(source, r.Score, domain.OriginVector)
		hit.Collection = collection
		out = append(out, hit)
	}
	return out, nil
}

// HealthCheck calls the readiness endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/readyz", nil)
	if err != nil {
		return fmt.Errorf("create health request: %w", err)
	}
	c.authorize(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant health request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return resilience.NewHTTPStatusError("qdrant", "health", resp)
	}
	return nil
}

func (c *Client) Close() error { return nil }

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}
}

func sourceFromPayload(payload map[string]any) string {
	for _, key := range sourcePayloadKeys {
		if s := getStringPayload(payload, key); s != "" {
			return s
		}
	}
	return ""
}

func getStringPayload(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
