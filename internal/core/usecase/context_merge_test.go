package usecase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirillkom/rag-gateway/internal/core/domain"
)

func msg(role, text string) domain.ChatMessage {
	return domain.NewTextMessage(role, text)
}

func TestQueryTextUsesLastWindowUserMessagesInOrder(t *testing.T) {
	messages := []domain.ChatMessage{
		msg(domain.MessageRoleSystem, "be nice"),
		msg(domain.MessageRoleUser, "first"),
		msg(domain.MessageRoleAssistant, "ok"),
		msg(domain.MessageRoleUser, "second"),
		msg(domain.MessageRoleAssistant, "ok"),
		msg(domain.MessageRoleUser, "third"),
	}

	got, err := QueryText(messages, 2)
	require.NoError(t, err)
	assert.Equal(t, "second\nthird", got)

	got, err = QueryText(messages, 0)
	require.NoError(t, err)
	assert.Equal(t, "third", got)

	got, err = QueryText(messages, 10)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\nthird", got)
}

func TestQueryTextServerHealthMarker(t *testing.T) {
	newest := []domain.ChatMessage{
		msg(domain.MessageRoleUser, "earlier question"),
		msg(domain.MessageRoleUser, "is it up?"+ServerHealthMarker),
	}
	got, err := QueryText(newest, 3)
	require.NoError(t, err)
	assert.Equal(t, "is it up?", got)

	older := []domain.ChatMessage{
		msg(domain.MessageRoleUser, "ping"+ServerHealthMarker),
		msg(domain.MessageRoleUser, "real question"),
	}
	got, err = QueryText(older, 3)
	require.NoError(t, err)
	assert.Equal(t, "real question", got)
}

func TestQueryTextWithoutUserMessagesIsInvalid(t *testing.T) {
	_, err := QueryText([]domain.ChatMessage{msg(domain.MessageRoleSystem, "x")}, 1)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.ErrInvalidInput))

	_, err = QueryText(nil, 1)
	assert.True(t, domain.IsKind(err, domain.ErrInvalidInput))
}

func TestMergeSystemMessageAppendsToExistingSystem(t *testing.T) {
	merger := NewContextMerger("Use the context below.")
	messages := []domain.ChatMessage{
		msg(domain.MessageRoleSystem, "  You are helpful.  "),
		msg(domain.MessageRoleUser, "question"),
	}
	results := []domain.FusionResult{{Source: "alpha"}, {Source: "beta  "}}

	out, err := merger.Merge(messages, results, domain.PolicySystemMessage)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "You are helpful.\nUse the context below.\nalpha\n\nbeta", out[0].Text())
	assert.Equal(t, "  You are helpful.  ", messages[0].Text(), "input must not be modified")
}

func TestMergeSystemMessageInsertsWhenMissing(t *testing.T) {
	merger := NewContextMerger("")
	messages := []domain.ChatMessage{msg(domain.MessageRoleUser, "question")}

	out, err := merger.Merge(messages, []domain.FusionResult{{Source: "ctx"}}, domain.PolicySystemMessage)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, domain.MessageRoleSystem, out[0].Role)
	assert.Equal(t, "ctx", out[0].Text())
	assert.Equal(t, "question", out[1].Text())
}

func TestMergeLastUserMessage(t *testing.T) {
	merger := NewContextMerger("ignored for this policy")
	messages := []domain.ChatMessage{
		msg(domain.MessageRoleSystem, "sys"),
		msg(domain.MessageRoleUser, " what is it? "),
	}

	out, err := merger.Merge(messages, []domain.FusionResult{{Source: "A"}, {Source: "B"}}, domain.PolicyLastUserMessage)
	require.NoError(t, err)
	assert.Equal(t, "sys", out[0].Text())
	assert.Equal(t, "A\n\nB\nAnswer the question based on the pieces of context above. The question is:\nwhat is it?", out[1].Text())
}

func TestMergeLastUserMessageRequiresTrailingUser(t *testing.T) {
	merger := NewContextMerger("")
	messages := []domain.ChatMessage{
		msg(domain.MessageRoleUser, "q"),
		msg(domain.MessageRoleAssistant, "a"),
	}
	_, err := merger.Merge(messages, []domain.FusionResult{{Source: "A"}}, domain.PolicyLastUserMessage)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.ErrInvalidInput))
}

func TestMergeWithoutResultsReturnsMessagesUnchanged(t *testing.T) {
	merger := NewContextMerger("prompt")
	messages := []domain.ChatMessage{msg(domain.MessageRoleUser, "q")}

	out, err := merger.Merge(messages, nil, domain.PolicySystemMessage)
	require.NoError(t, err)
	assert.Equal(t, messages, out)
}
