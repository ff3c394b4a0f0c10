package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/kirillkom/rag-gateway/internal/core/domain"
	"github.com/kirillkom/rag-gateway/internal/infrastructure/resilience"
)

func (c *Client) postJSON(ctx context.Context, url string, header map[string][]string, payload any, out any, operation string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", operation, err)
	}
	copyPropagatedHeaders(req.Header, header)
	req.Header.Set("Content-Type", "application/json")
	return c.doJSON(req, out, operation)
}

func (c *Client) getJSON(ctx context.Context, url string, header map[string][]string, out any, operation string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create %s request: %w", operation, err)
	}
	copyPropagatedHeaders(req.Header, header)
	req.Header.Del("Content-Type")
	return c.doJSON(req, out, operation)
}

func (c *Client) doJSON(req *http.Request, out any, operation string) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s request: %w", serviceName, operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return resilience.NewHTTPStatusError(serviceName, operation, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	return nil
}

// Forward relays req and hands back the upstream response unread, whatever its
// status, so streamed bodies reach the client as they arrive. Only transport
// failures are errors.
func (c *Client) Forward(ctx context.Context, baseURL string, req domain.ForwardRequest) (*domain.UpstreamResponse, error) {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	var resp *http.Response
	err := resilience.Run(ctx, c.forwardExecutor, resilience.BreakerKey("backend.forward", baseURL), func(callCtx context.Context) error {
		httpReq, err := http.NewRequestWithContext(callCtx, method, baseURL+req.Path, req.Body)
		if err != nil {
			return fmt.Errorf("create forward request: %w", err)
		}
		copyPropagatedHeaders(httpReq.Header, req.Header)

		upstream, err := c.streamClient.Do(httpReq)
		if err != nil {
			return fmt.Errorf("%s forward %s: %w", serviceName, req.Path, err)
		}
		resp = upstream
		return nil
	}, resilience.ClassifyHTTPError)
	if err != nil {
		return nil, resilience.WrapTemporary("backend forward", err, resilience.ClassifyHTTPError)
	}

	return &domain.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       resp.Body,
	}, nil
}
