package usecase

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kirillkom/rag-gateway/internal/core/domain"
)

// ServerHealthMarker tags user turns that carry a health probe rather than a question.
const ServerHealthMarker = "<server-health>"

const lastUserMessageTemplate = "%s\nAnswer the question based on the pieces of context above. The question is:\n%s"

// ContextMerger folds fused retrieval results back into a conversation.
type ContextMerger struct {
	ragPrompt string
}

func NewContextMerger(ragPrompt string) *ContextMerger {
	return &ContextMerger{ragPrompt: strings.TrimSpace(ragPrompt)}
}

// QueryText builds the retrieval query from the last window user messages in
// chronological order. A marked newest message is used alone with the marker
// removed; marked older turns are skipped.
func QueryText(messages []domain.ChatMessage, window int) (string, error) {
	if len(messages) == 0 {
		return "", domain.WrapError(domain.ErrInvalidInput, "build query text", errors.New("found empty chat messages"))
	}
	if window <= 0 {
		window = 1
	}

	var collected []string
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg.Role != domain.MessageRoleUser {
			continue
		}
		text := msg.Text()
		if strings.HasSuffix(text, ServerHealthMarker) {
			if i == len(messages)-1 {
				collected = append(collected, strings.TrimSuffix(text, ServerHealthMarker))
				break
			}
			continue
		}
		collected = append(collected, text)
		if len(collected) == window {
			break
		}
	}
	if len(collected) == 0 {
		return "", domain.WrapError(domain.ErrInvalidInput, "build query text", errors.New("no user messages found"))
	}

	for l, r := 0, len(collected)-1; l < r; l, r = l+1, r-1 {
		collected[l], collected[r] = collected[r], collected[l]
	}
	return strings.Join(collected, "\n"), nil
}

// ContextText joins fused sources into the block injected into the prompt.
func ContextText(results []domain.FusionResult) string {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		parts = append(parts, r.Source)
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n"))
}

// Merge returns a rewritten copy of messages. The input slice is never modified.
func (m *ContextMerger) Merge(messages []domain.ChatMessage, results []domain.FusionResult, policy domain.MergePolicy) ([]domain.ChatMessage, error) {
	contextText := ContextText(results)
	if contextText == "" {
		return messages, nil
	}
	if len(messages) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "merge context", errors.New("found empty chat messages"))
	}

	switch policy {
	case domain.PolicyLastUserMessage:
		return m.mergeIntoLastUser(messages, contextText)
	case domain.PolicySystemMessage, "":
		return m.mergeIntoSystem(messages, contextText), nil
	default:
		return nil, domain.WrapError(domain.ErrInvalidRagParameters, "merge context", fmt.Errorf("unknown rag_policy %q", policy))
	}
}

func (m *ContextMerger) mergeIntoSystem(messages []domain.ChatMessage, contextText string) []domain.ChatMessage {
	if messages[0].Role == domain.MessageRoleSystem {
		out := append([]domain.ChatMessage(nil), messages...)
		out[0] = messages[0].WithText(m.joinNonEmpty(strings.TrimSpace(messages[0].Text()), contextText))
		return out
	}

	out := make([]domain.ChatMessage, 0, len(messages)+1)
	out = append(out, domain.NewTextMessage(domain.MessageRoleSystem, m.joinNonEmpty("", contextText)))
	return append(out, messages...)
}

func (m *ContextMerger) joinNonEmpty(system, contextText string) string {
	lines := make([]string, 0, 3)
	if system != "" {
		lines = append(lines, system)
	}
	if m.ragPrompt != "" {
		lines = append(lines, m.ragPrompt)
	}
	lines = append(lines, contextText)
	return strings.Join(lines, "\n")
}

func (m *ContextMerger) mergeIntoLastUser(messages []domain.ChatMessage, contextText string) ([]domain.ChatMessage, error) {
	last := len(messages) - 1
	if messages[last].Role != domain.MessageRoleUser {
		return nil, domain.WrapError(domain.ErrInvalidInput, "merge context",
			errors.New("the last message in the chat request should be a user message"))
	}
	out := append([]domain.ChatMessage(nil), messages...)
	question := strings.TrimSpace(messages[last].Text())
	out[last] = messages[last].WithText(fmt.Sprintf(lastUserMessageTemplate, contextText, question))
	return out, nil
}
