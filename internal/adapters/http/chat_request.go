package httpadapter

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kirillkom/rag-gateway/internal/core/domain"
)

func invalidInput(op string, err error) error {
	return domain.WrapError(domain.ErrInvalidInput, op, err)
}

// parseChatRequest decodes the chat body once: messages for the RAG path and
// the gateway-only fields as overrides. Body keeps the original bytes.
func parseChatRequest(body []byte) (domain.ChatRequest, error) {
	const op = "parse chat request"
	if len(bytes.TrimSpace(body)) == 0 {
		return domain.ChatRequest{}, invalidInput(op, errors.New("request body is empty"))
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return domain.ChatRequest{}, invalidInput(op, fmt.Errorf("invalid json: %w", err))
	}

	req := domain.ChatRequest{Body: body}
	raw, ok := fields["messages"]
	if !ok {
		return domain.ChatRequest{}, invalidInput(op, errors.New("messages is required"))
	}
	if err := json.Unmarshal(raw, &req.Messages); err != nil {
		return domain.ChatRequest{}, invalidInput(op, fmt.Errorf("messages: %w", err))
	}
	if len(req.Messages) == 0 {
		return domain.ChatRequest{}, invalidInput(op, errors.New("messages must not be empty"))
	}

	overrides, err := parseRagOverrides(fields)
	if err != nil {
		return domain.ChatRequest{}, invalidInput(op, err)
	}
	req.Rag = overrides
	return req, nil
}

func parseRagOverrides(fields map[string]json.RawMessage) (domain.RagOverrides, error) {
	var o domain.RagOverrides

	if raw, ok := present(fields, "vdb_collection_name"); ok {
		collections, err := parseCollections(raw)
		if err != nil {
			return o, err
		}
		o.Collections = collections
	}
	if err := decodeOptional(fields, "rag", &o.Enabled); err != nil {
		return o, err
	}
	if err := decodeOptional(fields, "rag_required", &o.Required); err != nil {
		return o, err
	}
	if err := decodeOptional(fields, "limit", &o.Limit); err != nil {
		return o, err
	}
	if err := decodeOptional(fields, "score_threshold", &o.ScoreThreshold); err != nil {
		return o, err
	}
	if err := decodeOptional(fields, "weighted_alpha", &o.WeightedAlpha); err != nil {
		return o, err
	}
	if err := decodeOptional(fields, "context_window", &o.ContextWindow); err != nil {
		return o, err
	}
	if err := decodeOptional(fields, "rag_policy", &o.Policy); err != nil {
		return o, err
	}
	if err := decodeOptional(fields, "keyword_search", &o.Keyword); err != nil {
		return o, err
	}
	if o.Keyword != nil && o.Keyword.Transport == "" {
		o.Keyword.Transport = domain.TransportHTTP
	}
	return o, nil
}

// present treats an explicit null like an absent field.
func present(fields map[string]json.RawMessage, key string) (json.RawMessage, bool) {
	raw, ok := fields[key]
	if !ok || string(bytes.TrimSpace(raw)) == "null" {
		return nil, false
	}
	return raw, true
}

func decodeOptional[T any](fields map[string]json.RawMessage, key string, dst **T) error {
	raw, ok := present(fields, key)
	if !ok {
		return nil
	}
	v := new(T)
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = v
	return nil
}

// parseCollections accepts a single name, a comma-separated list or a JSON array.
func parseCollections(raw json.RawMessage) ([]string, error) {
	var names []string
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		names = strings.Split(single, ",")
	} else if err := json.Unmarshal(raw, &names); err != nil {
		return nil, fmt.Errorf("vdb_collection_name must be a string or a list of strings")
	}

	out := make([]string, 0, len(names))
	for _, name := range names {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, name)
		}
	}
	return out, nil
}
