package domain

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

const (
	MessageRoleSystem    = "system"
	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"
)

// ChatMessage keeps content raw so multi-part payloads survive a rewrite untouched.
type ChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content,omitempty"`
	Name    string          `json:"name,omitempty"`

	// Extra holds fields such as tool_calls that the gateway does not interpret.
	Extra map[string]json.RawMessage `json:"-"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Text returns the plain text of the message: the string content, or the
// concatenated text parts of a multi-part content array.
func (m ChatMessage) Text() string {
	if len(m.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	var parts []contentPart
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return ""
	}
	texts := make([]string, 0, len(parts))
	for _, part := range parts {
		if part.Type == "text" && part.Text != "" {
			texts = append(texts, part.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// WithText returns a copy whose content is replaced by a plain string.
func (m ChatMessage) WithText(text string) ChatMessage {
	raw, _ := json.Marshal(text)
	m.Content = raw
	return m
}

func NewTextMessage(role, text string) ChatMessage {
	return ChatMessage{Role: role}.WithText(text)
}

func (m ChatMessage) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(m.Extra)+3)
	for k, v := range m.Extra {
		out[k] = v
	}
	role, err := json.Marshal(m.Role)
	if err != nil {
		return nil, err
	}
	out["role"] = role
	if len(m.Content) > 0 {
		out["content"] = m.Content
	}
	if m.Name != "" {
		name, err := json.Marshal(m.Name)
		if err != nil {
			return nil, err
		}
		out["name"] = name
	}
	return json.Marshal(out)
}

func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*m = ChatMessage{}
	if raw, ok := fields["role"]; ok {
		if err := json.Unmarshal(raw, &m.Role); err != nil {
			return err
		}
		delete(fields, "role")
	}
	if raw, ok := fields["content"]; ok {
		if string(raw) != "null" {
			m.Content = raw
		}
		delete(fields, "content")
	}
	if raw, ok := fields["name"]; ok {
		if err := json.Unmarshal(raw, &m.Name); err != nil {
			return err
		}
		delete(fields, "name")
	}
	if len(fields) > 0 {
		m.Extra = fields
	}
	return nil
}

// ChatRequest is an inbound chat completion with the gateway-specific RAG overrides
// already extracted from the body.
type ChatRequest struct {
	RequestID string
	Body      []byte
	Messages  []ChatMessage
	Rag       RagOverrides
	Header    http.Header
}

// RagRequestFields are the gateway-only chat body fields removed before forwarding.
var RagRequestFields = []string{
	"vdb_collection_name",
	"limit",
	"score_threshold",
	"weighted_alpha",
	"context_window",
	"rag_policy",
	"rag",
	"rag_required",
	"keyword_search",
}

// RagOverrides carries per-request values; nil means "use the configured default".
type RagOverrides struct {
	Enabled        *bool
	Required       *bool
	Collections    []string
	Limit          *int
	ScoreThreshold *float64
	WeightedAlpha  *float64
	ContextWindow  *int
	Policy         *MergePolicy
	Keyword        *KeywordTool
}

func (o RagOverrides) IsZero() bool {
	return o.Enabled == nil && o.Required == nil && len(o.Collections) == 0 &&
		o.Limit == nil && o.ScoreThreshold == nil && o.WeightedAlpha == nil &&
		o.ContextWindow == nil && o.Policy == nil && o.Keyword == nil
}

// ForwardRequest is a request relayed as-is to a downstream server.
type ForwardRequest struct {
	Method string
	Path   string
	Body   io.Reader
	Header http.Header
}

type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created,omitempty"`
	OwnedBy string `json:"owned_by,omitempty"`
}
