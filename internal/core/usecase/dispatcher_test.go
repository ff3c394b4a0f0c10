package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirillkom/rag-gateway/internal/core/domain"
)

type backendClientFake struct {
	mu sync.Mutex

	embedding []float32
	embedErr  error
	embedURLs []string

	forwardErr    error
	forwardURLs   []string
	forwardPaths  []string
	forwardBodies [][]byte

	models    map[string][]domain.Model
	modelErrs map[string]error
}

func (f *backendClientFake) Embed(_ context.Context, baseURL, _ string, _ map[string][]string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embedURLs = append(f.embedURLs, baseURL)
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	return f.embedding, nil
}

func (f *backendClientFake) Forward(_ context.Context, baseURL string, req domain.ForwardRequest) (*domain.UpstreamResponse, error) {
	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwardURLs = append(f.forwardURLs, baseURL)
	f.forwardPaths = append(f.forwardPaths, req.Path)
	f.forwardBodies = append(f.forwardBodies, body)
	if f.forwardErr != nil {
		return nil, f.forwardErr
	}
	return &domain.UpstreamResponse{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(`{"id":"chatcmpl-1"}`)),
	}, nil
}

func (f *backendClientFake) ListModels(_ context.Context, baseURL string, _ map[string][]string) ([]domain.Model, error) {
	if err := f.modelErrs[baseURL]; err != nil {
		return nil, err
	}
	return f.models[baseURL], nil
}

type ragObserverFake struct {
	mu       sync.Mutex
	outcomes []string
}

func (f *ragObserverFake) ObserveRag(outcome string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, outcome)
}

type dispatcherHarness struct {
	registry *BackendRegistry
	client   *backendClientFake
	store    *vectorStoreFake
	keyword  *keywordSearcherFake
	observer *ragObserverFake
	disp     *Dispatcher
}

func newDispatcherHarness(t *testing.T, defaults domain.RagParameters) *dispatcherHarness {
	t.Helper()
	h := &dispatcherHarness{
		registry: NewBackendRegistry(false),
		client:   &backendClientFake{embedding: []float32{0.3, 0.4}},
		store:    &vectorStoreFake{results: map[string][]domain.RetrievalHit{}},
		keyword:  &keywordSearcherFake{},
		observer: &ragObserverFake{},
	}
	pipeline := NewRetrievalPipeline(
		NewRegistryEmbedder(h.registry, h.client),
		NewVectorRetriever(h.store, quietLogger()),
		&keywordFactoryFake{searcher: h.keyword},
		RetrievalPipelineOptions{Logger: quietLogger()},
	)
	h.disp = NewDispatcher(h.registry, h.client, pipeline, DispatcherOptions{
		Defaults: defaults,
		Merger:   NewContextMerger(""),
		Observer: h.observer,
		Logger:   quietLogger(),
	})
	return h
}

func chatRequest(t *testing.T, body string) domain.ChatRequest {
	t.Helper()
	var payload struct {
		Messages []domain.ChatMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &payload))
	return domain.ChatRequest{RequestID: "req-1", Body: []byte(body), Messages: payload.Messages, Header: http.Header{}}
}

func forwardedMessages(t *testing.T, body []byte) []domain.ChatMessage {
	t.Helper()
	var payload struct {
		Messages []domain.ChatMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(body, &payload))
	return payload.Messages
}

func TestDispatcherVectorOnlyAugmentsSystemMessage(t *testing.T) {
	h := newDispatcherHarness(t, ragParams([]string{"docs"}, nil))
	_, _ = h.registry.Register(domain.RoleChat, "http://chat")
	_, _ = h.registry.Register(domain.RoleEmbeddings, "http://emb")
	h.store.results["docs"] = []domain.RetrievalHit{plainHit("Paris is the capital of France.", 0.91)}

	resp, err := h.disp.Chat(context.Background(), chatRequest(t,
		`{"model":"m","messages":[{"role":"user","content":"capital of France?"}],"vdb_collection_name":"docs","limit":1}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Len(t, h.client.forwardBodies, 1)
	assert.Equal(t, "http://chat", h.client.forwardURLs[0])
	assert.Equal(t, "/v1/chat/completions", h.client.forwardPaths[0])

	messages := forwardedMessages(t, h.client.forwardBodies[0])
	require.Len(t, messages, 2)
	assert.Equal(t, domain.MessageRoleSystem, messages[0].Role)
	assert.Contains(t, messages[0].Text(), "Paris is the capital of France.")
	assert.Equal(t, "capital of France?", messages[1].Text())

	var forwarded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(h.client.forwardBodies[0], &forwarded))
	assert.NotContains(t, forwarded, "vdb_collection_name")
	assert.NotContains(t, forwarded, "limit")
	assert.JSONEq(t, `"m"`, string(forwarded["model"]))
	assert.Equal(t, []string{RagOutcomeAugmented}, h.observer.outcomes)
}

func TestDispatcherKeywordFailureDegradesToVectorOnly(t *testing.T) {
	h := newDispatcherHarness(t, ragParams([]string{"docs"}, testKeywordTool))
	_, _ = h.registry.Register(domain.RoleChat, "http://chat")
	_, _ = h.registry.Register(domain.RoleEmbeddings, "http://emb")
	h.store.results["docs"] = []domain.RetrievalHit{plainHit("vector context", 0.8)}
	h.keyword.err = errors.New("connection refused")

	_, err := h.disp.Chat(context.Background(), chatRequest(t, `{"messages":[{"role":"user","content":"q"}]}`))
	require.NoError(t, err)

	messages := forwardedMessages(t, h.client.forwardBodies[0])
	require.Len(t, messages, 2)
	assert.Equal(t, "vector context", messages[0].Text())
}

func TestDispatcherNoChatBackendFailsBeforeRetrieval(t *testing.T) {
	h := newDispatcherHarness(t, ragParams([]string{"docs"}, testKeywordTool))
	_, _ = h.registry.Register(domain.RoleEmbeddings, "http://emb")

	_, err := h.disp.Chat(context.Background(), chatRequest(t, `{"messages":[{"role":"user","content":"q"}]}`))
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.ErrNoBackendAvailable))
	assert.Empty(t, h.client.embedURLs)
	assert.Zero(t, h.store.callCount())
	assert.Zero(t, h.keyword.callCount())
	assert.Empty(t, h.client.forwardURLs)
}

func TestDispatcherInvalidAlphaFailsBeforeAnyNetworkCall(t *testing.T) {
	h := newDispatcherHarness(t, ragParams([]string{"docs"}, nil))
	_, _ = h.registry.Register(domain.RoleChat, "http://chat")

	alpha := 1.5
	req := chatRequest(t, `{"messages":[{"role":"user","content":"q"}],"weighted_alpha":1.5}`)
	req.Rag.WeightedAlpha = &alpha

	_, err := h.disp.Chat(context.Background(), req)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.ErrInvalidRagParameters))
	assert.Empty(t, h.client.embedURLs)
	assert.Empty(t, h.client.forwardURLs)
}

func TestDispatcherRetrievalFailureWithRagRequired(t *testing.T) {
	defaults := ragParams([]string{"docs"}, nil)
	defaults.Required = true
	h := newDispatcherHarness(t, defaults)
	_, _ = h.registry.Register(domain.RoleChat, "http://chat")

	_, err := h.disp.Chat(context.Background(), chatRequest(t, `{"messages":[{"role":"user","content":"q"}]}`))
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.ErrEmbeddingUnavailable), "got %v", err)
	assert.Empty(t, h.client.forwardURLs)
	assert.Equal(t, []string{RagOutcomeFailed}, h.observer.outcomes)
}

func TestDispatcherRetrievalFailureDegradesAndForwardsOriginalBytes(t *testing.T) {
	h := newDispatcherHarness(t, ragParams([]string{"docs"}, nil))
	_, _ = h.registry.Register(domain.RoleChat, "http://chat")

	body := `{"messages":[{"role":"user","content":"q"}],  "temperature":0.2}`
	_, err := h.disp.Chat(context.Background(), chatRequest(t, body))
	require.NoError(t, err)
	require.Len(t, h.client.forwardBodies, 1)
	assert.Equal(t, body, string(h.client.forwardBodies[0]))
	assert.Equal(t, []string{RagOutcomeDegraded}, h.observer.outcomes)
}

func TestDispatcherRagDisabledSkipsRetrieval(t *testing.T) {
	h := newDispatcherHarness(t, ragParams([]string{"docs"}, nil))
	_, _ = h.registry.Register(domain.RoleChat, "http://chat")

	disabled := false
	req := chatRequest(t, `{"messages":[{"role":"user","content":"q"}]}`)
	req.Rag.Enabled = &disabled

	_, err := h.disp.Chat(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, h.client.embedURLs)
	assert.Equal(t, []string{RagOutcomeSkipped}, h.observer.outcomes)
}

func TestDispatcherForwardUsesRoleBackend(t *testing.T) {
	h := newDispatcherHarness(t, ragParams(nil, nil))
	_, _ = h.registry.Register(domain.RoleTextToSpeech, "http://tts")

	_, err := h.disp.Forward(context.Background(), domain.RoleTextToSpeech, domain.ForwardRequest{
		Method: http.MethodPost,
		Path:   "/v1/audio/speech",
		Body:   strings.NewReader(`{"input":"hi"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"http://tts"}, h.client.forwardURLs)

	_, err = h.disp.Forward(context.Background(), domain.RoleImage, domain.ForwardRequest{Path: "/v1/images/generations"})
	assert.True(t, domain.IsKind(err, domain.ErrNoBackendAvailable))
}

func TestDispatcherListModelsMergesAndDeduplicates(t *testing.T) {
	h := newDispatcherHarness(t, ragParams(nil, nil))
	_, _ = h.registry.Register(domain.RoleChat, "http://a")
	_, _ = h.registry.Register(domain.RoleChat, "http://b")
	_, _ = h.registry.Register(domain.RoleEmbeddings, "http://c")
	h.client.models = map[string][]domain.Model{
		"http://a": {{ID: "llama"}, {ID: "qwen"}},
		"http://b": {{ID: "llama"}},
	}
	h.client.modelErrs = map[string]error{"http://c": errors.New("down")}

	models, err := h.disp.ListModels(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "llama", models[0].ID)
	assert.Equal(t, "model", models[0].Object)
	assert.Equal(t, "qwen", models[1].ID)
}

func TestResolveRagParametersOverrides(t *testing.T) {
	defaults := ragParams([]string{"default"}, nil)
	limit := 3
	required := true
	policy := domain.PolicyLastUserMessage

	got := ResolveRagParameters(defaults, domain.RagOverrides{
		Collections: []string{"a", "b"},
		Limit:       &limit,
		Required:    &required,
		Policy:      &policy,
		Keyword:     testKeywordTool,
	})
	assert.Equal(t, []string{"a", "b"}, got.Collections)
	assert.Equal(t, 3, got.Limit)
	assert.True(t, got.Required)
	assert.True(t, got.Enabled)
	assert.Equal(t, domain.PolicyLastUserMessage, got.Policy)
	require.NotNil(t, got.Keyword)
	assert.Equal(t, []string{"default"}, defaults.Collections)
}
