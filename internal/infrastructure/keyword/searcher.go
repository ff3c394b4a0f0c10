package keyword

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/kirillkom/rag-gateway/internal/core/domain"
	"github.com/kirillkom/rag-gateway/internal/infrastructure/resilience"
)

// Searcher runs keyword queries against one configured tool, either over
// plain HTTP or as an MCP tool call.
type Searcher struct {
	tool       domain.KeywordTool
	dialect    dialect
	httpClient *http.Client
	executor   *resilience.Executor
	caller     toolCaller

	// dropSession forgets caller after a transport or session failure.
	dropSession func(cause error)
}

func (s *Searcher) Type() domain.KeywordSearchType {
	return s.tool.Type
}

func (s *Searcher) Search(ctx context.Context, query string, limit int) ([]domain.RetrievalHit, error) {
	var (
		hits []domain.RetrievalHit
		err  error
	)
	if s.caller != nil {
		hits, err = s.searchMCP(ctx, query, limit)
	} else {
		hits, err = s.searchHTTP(ctx, query, limit)
	}
	if err != nil {
		return nil, domain.WrapError(domain.ErrKeywordSearchFailed, "keyword search "+string(s.tool.Type), err)
	}
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (s *Searcher) searchHTTP(ctx context.Context, query string, limit int) ([]domain.RetrievalHit, error) {
	endpoint, err := s.dialect.endpoint(s.tool)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(s.dialect.body(s.tool, query, limit))
	if err != nil {
		return nil, fmt.Errorf("marshal keyword query: %w", err)
	}

	var raw []byte
	operation := resilience.BreakerKey("keyword."+string(s.tool.Type), s.tool.ServerURL)
	err = resilience.Run(ctx, s.executor, operation, func(callCtx context.Context) error {
		req, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create keyword request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("keyword search request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return resilience.NewHTTPStatusError(string(s.tool.Type), "search", resp)
		}
		raw, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read keyword response: %w", err)
		}
		return nil
	}, resilience.ClassifyHTTPError)
	if err != nil {
		return nil, resilience.WrapTemporary("keyword search", err, resilience.ClassifyHTTPError)
	}
	return s.dialect.parse(raw)
}

func (s *Searcher) searchMCP(ctx context.Context, query string, limit int) ([]domain.RetrievalHit, error) {
	var text string
	operation := resilience.BreakerKey("keyword.mcp", s.tool.ServerURL)
	err := resilience.Run(ctx, s.executor, operation, func(callCtx context.Context) error {
		out, err := s.caller.CallTool(callCtx, toolName(s.tool), s.dialect.arguments(s.tool, query, limit))
		if err != nil {
			return err
		}
		text = out
		return nil
	}, classifyToolError)
	if err != nil {
		if s.dropSession != nil && ctx.Err() == nil && sessionBroken(err) {
			s.dropSession(err)
		}
		return nil, resilience.WrapTemporary("keyword tool call", err, classifyToolError)
	}
	return s.dialect.parse([]byte(text))
}

// classifyToolError retries transport failures but never a tool that answered with an error.
func classifyToolError(err error) resilience.ErrorClassification {
	if errors.Is(err, errEmptyToolResult) || errors.Is(err, errToolReported) {
		return resilience.ErrorClassification{}
	}
	return resilience.ClassifyHTTPError(err)
}

// sessionBroken reports whether err came from the session rather than the tool.
// A tool that answered, even with an error, proves the session is alive.
func sessionBroken(err error) bool {
	switch {
	case errors.Is(err, errEmptyToolResult), errors.Is(err, errToolReported):
		return false
	case errors.Is(err, context.Canceled):
		return false
	case resilience.IsCircuitOpen(err):
		return false
	}
	return true
}
