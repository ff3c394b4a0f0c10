package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

type Origin string

const (
	OriginVector  Origin = "vector"
	OriginKeyword Origin = "keyword"
)

// RetrievalHit is one candidate context fragment returned by a retrieval backend.
type RetrievalHit struct {
	Key        string  `json:"key"`
	Source     string  `json:"source"`
	Score      float64 `json:"score"`
	Origin     Origin  `json:"origin"`
	Collection string  `json:"collection,omitempty"`
}

// NewRetrievalHit fills the identity key from the source text.
func NewRetrievalHit(source string, score float64, origin Origin) RetrievalHit {
	return RetrievalHit{
		Key:    HitKey(source),
		Source: source,
		Score:  score,
		Origin: origin,
	}
}

// HitKey is the content address of a source text.
func HitKey(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

type FusionResult struct {
	Key          string  `json:"key"`
	Source       string  `json:"source"`
	Score        float64 `json:"score"`
	VectorScore  float64 `json:"vector_score"`
	KeywordScore float64 `json:"keyword_score"`
}

type KeywordSearchType string

const (
	KeywordElasticsearch KeywordSearchType = "elasticsearch"
	KeywordTiDB          KeywordSearchType = "tidb"
	KeywordService       KeywordSearchType = "kw-search"
)

type KeywordTransport string

const (
	TransportHTTP       KeywordTransport = "http"
	TransportStreamHTTP KeywordTransport = "stream-http"
	TransportSSE        KeywordTransport = "sse"
)

func (t KeywordTransport) IsMCP() bool {
	return t == TransportStreamHTTP || t == TransportSSE
}

// KeywordTool describes where and how keyword search is reachable.
type KeywordTool struct {
	Type        KeywordSearchType `json:"type" yaml:"type"`
	ServerLabel string            `json:"server_label,omitempty" yaml:"server_label"`
	ServerURL   string            `json:"server_url" yaml:"server_url"`
	Transport   KeywordTransport  `json:"transport,omitempty" yaml:"transport"`
	Index       string            `json:"index,omitempty" yaml:"index"`
	ToolName    string            `json:"tool_name,omitempty" yaml:"tool_name"`
}

func (t KeywordTool) validate() error {
	switch t.Type {
	case KeywordElasticsearch, KeywordTiDB, KeywordService:
	default:
		return fmt.Errorf("unsupported keyword search type %q", t.Type)
	}
	switch t.Transport {
	case "", TransportHTTP, TransportStreamHTTP, TransportSSE:
	default:
		return fmt.Errorf("unsupported keyword search transport %q", t.Transport)
	}
	if strings.TrimSpace(t.ServerURL) == "" {
		return fmt.Errorf("keyword search server_url is required")
	}
	return nil
}

type MergePolicy string

const (
	PolicySystemMessage   MergePolicy = "system-message"
	PolicyLastUserMessage MergePolicy = "last-user-message"
)

// RagParameters is the resolved retrieval configuration for one chat request.
type RagParameters struct {
	Enabled        bool
	Required       bool
	Collections    []string
	Limit          int
	ScoreThreshold float64
	WeightedAlpha  float64
	ContextWindow  int
	Policy         MergePolicy
	Keyword        *KeywordTool
}

func (p RagParameters) Validate() error {
	const op = "validate rag parameters"
	switch {
	case p.WeightedAlpha < 0 || p.WeightedAlpha > 1:
		return WrapError(ErrInvalidRagParameters, op, fmt.Errorf("weighted_alpha %v is outside [0,1]", p.WeightedAlpha))
	case p.Limit < 0:
		return WrapError(ErrInvalidRagParameters, op, fmt.Errorf("limit %d is negative", p.Limit))
	case p.ScoreThreshold < 0:
		return WrapError(ErrInvalidRagParameters, op, fmt.Errorf("score_threshold %v is negative", p.ScoreThreshold))
	case p.ContextWindow < 0:
		return WrapError(ErrInvalidRagParameters, op, fmt.Errorf("context_window %d is negative", p.ContextWindow))
	}
	switch p.Policy {
	case PolicySystemMessage, PolicyLastUserMessage:
	default:
		return WrapError(ErrInvalidRagParameters, op, fmt.Errorf("unknown rag_policy %q", p.Policy))
	}
	if p.Keyword != nil {
		if err := p.Keyword.validate(); err != nil {
			return WrapError(ErrInvalidRagParameters, op, err)
		}
	}
	return nil
}

// HasRetrieval reports whether at least one retrieval origin is configured.
func (p RagParameters) HasRetrieval() bool {
	return len(p.Collections) > 0 || p.Keyword != nil
}
