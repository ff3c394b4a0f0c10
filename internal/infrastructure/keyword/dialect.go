package keyword

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/kirillkom/rag-gateway/internal/core/domain"
)

const defaultLimit = 10

// dialect knows how one keyword-search flavor phrases a query and its answer.
type dialect interface {
	// endpoint returns the URL to POST plain HTTP queries to.
	endpoint(tool domain.KeywordTool) (string, error)
	body(tool domain.KeywordTool, query string, limit int) any
	// arguments are the MCP tool-call arguments for the same query.
	arguments(tool domain.KeywordTool, query string, limit int) map[string]any
	parse(data []byte) ([]domain.RetrievalHit, error)
}

func dialectFor(kind domain.KeywordSearchType) (dialect, error) {
	switch kind {
	case domain.KeywordElasticsearch:
		return elasticsearchDialect{}, nil
	case domain.KeywordTiDB:
		return tidbDialect{}, nil
	case domain.KeywordService:
		return kwSearchDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported keyword search type %q", kind)
	}
}

func joinURL(base string, elems ...string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parse keyword search url: %w", err)
	}
	u.Path = path.Join(append([]string{"/", u.Path}, elems...)...)
	return u.String(), nil
}

func effectiveLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	return limit
}

// hitFromDocument prefers content, then title.
func hitFromDocument(content, title string, score float64) (domain.RetrievalHit, bool) {
	text := strings.TrimSpace(content)
	if text == "" {
		text = strings.TrimSpace(title)
	}
	if text == "" {
		return domain.RetrievalHit{}, false
	}
	return domain.NewRetrievalHit(text, score, domain.OriginKeyword), true
}

// elasticsearchDialect queries an index with a multi_match over content and title.
type elasticsearchDialect struct{}

func (elasticsearchDialect) endpoint(tool domain.KeywordTool) (string, error) {
	if strings.TrimSpace(tool.Index) == "" {
		return "", fmt.Errorf("elasticsearch keyword search requires an index")
	}
	return joinURL(tool.ServerURL, tool.Index, "_search")
}

func (elasticsearchDialect) body(_ domain.KeywordTool, query string, limit int) any {
	return map[string]any{
		"size": effectiveLimit(limit),
		"query": map[string]any{
			"multi_match": map[string]any{
				"query":  query,
				"fields": []string{"content^2", "title", "metadata.*"},
			},
		},
	}
}

func (elasticsearchDialect) arguments(tool domain.KeywordTool, query string, limit int) map[string]any {
	return map[string]any{"index": tool.Index, "query": query, "size": effectiveLimit(limit)}
}

func (elasticsearchDialect) parse(data []byte) ([]domain.RetrievalHit, error) {
	var resp struct {
		Hits struct {
			Hits []struct {
				Score  float64 `json:"_score"`
				Source struct {
					Content string `json:"content"`
					Title   string `json:"title"`
				} `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode elasticsearch response: %w", err)
	}
	out := make([]domain.RetrievalHit, 0, len(resp.Hits.Hits))
	for _, h := range resp.Hits.Hits {
		if hit, ok := hitFromDocument(h.Source.Content, h.Source.Title, h.Score); ok {
			out = append(out, hit)
		}
	}
	return out, nil
}

// tidbDialect talks to a full-text search service in front of a TiDB table.
type tidbDialect struct{}

func (tidbDialect) endpoint(tool domain.KeywordTool) (string, error) {
	return joinURL(tool.ServerURL, "v1", "search")
}

func (tidbDialect) body(tool domain.KeywordTool, query string, limit int) any {
	return map[string]any{"query": query, "table": tool.Index, "limit": effectiveLimit(limit)}
}

func (d tidbDialect) arguments(tool domain.KeywordTool, query string, limit int) map[string]any {
	return d.body(tool, query, limit).(map[string]any)
}

func (tidbDialect) parse(data []byte) ([]domain.RetrievalHit, error) {
	var resp struct {
		Rows []struct {
			Content string  `json:"content"`
			Title   string  `json:"title"`
			Score   float64 `json:"score"`
		} `json:"rows"`
		Hits []struct {
			Content string  `json:"content"`
			Title   string  `json:"title"`
			Score   float64 `json:"score"`
		} `json:"hits"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode tidb response: %w", err)
	}
	out := make([]domain.RetrievalHit, 0, len(resp.Rows)+len(resp.Hits))
	for _, r := range resp.Rows {
		if hit, ok := hitFromDocument(r.Content, r.Title, r.Score); ok {
			out = append(out, hit)
		}
	}
	for _, r := range resp.Hits {
		if hit, ok := hitFromDocument(r.Content, r.Title, r.Score); ok {
			out = append(out, hit)
		}
	}
	return out, nil
}

// kwSearchDialect is the reference keyword-search service: POST /v1/search.
type kwSearchDialect struct{}

func (kwSearchDialect) endpoint(tool domain.KeywordTool) (string, error) {
	return joinURL(tool.ServerURL, "v1", "search")
}

func (kwSearchDialect) body(tool domain.KeywordTool, query string, limit int) any {
	body := map[string]any{"query": query, "limit": effectiveLimit(limit)}
	if tool.Index != "" {
		body["index"] = tool.Index
	}
	return body
}

func (d kwSearchDialect) arguments(tool domain.KeywordTool, query string, limit int) map[string]any {
	return d.body(tool, query, limit).(map[string]any)
}

func (kwSearchDialect) parse(data []byte) ([]domain.RetrievalHit, error) {
	var resp struct {
		Hits []struct {
			Title   string  `json:"title"`
			Content string  `json:"content"`
			Score   float64 `json:"score"`
		} `json:"hits"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode kw-search response: %w", err)
	}
	out := make([]domain.RetrievalHit, 0, len(resp.Hits))
	for _, h := range resp.Hits {
		if hit, ok := hitFromDocument(h.Content, h.Title, h.Score); ok {
			out = append(out, hit)
		}
	}
	return out, nil
}
