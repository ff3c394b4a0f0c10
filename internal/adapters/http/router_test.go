package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/rag-gateway/internal/core/domain"
)

type dispatcherFake struct {
	mu sync.Mutex

	chatReq  domain.ChatRequest
	chatResp *domain.UpstreamResponse
	chatErr  error

	forwardRole domain.Role
	forwardReq  domain.ForwardRequest
	forwardBody string
	forwardErr  error

	models    []domain.Model
	modelsErr error
}

func (f *dispatcherFake) Chat(_ context.Context, req domain.ChatRequest) (*domain.UpstreamResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatReq = req
	if f.chatErr != nil {
		return nil, f.chatErr
	}
	if f.chatResp != nil {
		return f.chatResp, nil
	}
	return upstream(http.StatusOK, "application/json", `{"id":"chatcmpl-1"}`), nil
}

func (f *dispatcherFake) Forward(_ context.Context, role domain.Role, req domain.ForwardRequest) (*domain.UpstreamResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwardRole = role
	f.forwardReq = req
	if req.Body != nil {
		data, _ := io.ReadAll(req.Body)
		f.forwardBody = string(data)
	}
	if f.forwardErr != nil {
		return nil, f.forwardErr
	}
	return upstream(http.StatusOK, "application/json", `{"object":"list"}`), nil
}

func (f *dispatcherFake) ListModels(context.Context, map[string][]string) ([]domain.Model, error) {
	return f.models, f.modelsErr
}

type adminFake struct {
	servers       map[domain.Role][]domain.BackendServer
	registerErr   error
	deregisterErr error
	registered    []string
}

func (f *adminFake) Register(_ context.Context, role domain.Role, url string) (domain.BackendServer, error) {
	if f.registerErr != nil {
		return domain.BackendServer{}, f.registerErr
	}
	f.registered = append(f.registered, string(role)+"|"+url)
	return domain.BackendServer{ID: domain.NewBackendID(role, "1"), Role: role, URL: url}, nil
}

func (f *adminFake) Deregister(_ context.Context, id string) (domain.BackendServer, error) {
	if f.deregisterErr != nil {
		return domain.BackendServer{}, f.deregisterErr
	}
	return domain.BackendServer{ID: id, Role: domain.RoleChat}, nil
}

func (f *adminFake) List(context.Context) map[domain.Role][]domain.BackendServer {
	return f.servers
}

func upstream(status int, contentType, body string) *domain.UpstreamResponse {
	return &domain.UpstreamResponse{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{contentType}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func newTestHandler(chat *dispatcherFake, admin *adminFake, opts Options) http.Handler {
	return NewRouter(chat, admin, opts).Handler()
}

func postJSON(t *testing.T, handler http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	return res
}

func decodeAPIError(t *testing.T, res *httptest.ResponseRecorder) apiErrorBody {
	t.Helper()
	var body apiErrorBody
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", res.Body.String(), err)
	}
	return body
}

func TestChatCompletionsPassesOverridesAndRelaysUpstream(t *testing.T) {
	chat := &dispatcherFake{}
	handler := newTestHandler(chat, &adminFake{}, Options{})

	body := `{"model":"m","messages":[{"role":"user","content":"hi"}],
		"vdb_collection_name":["docs","faq"],"limit":3,"weighted_alpha":0.25,
		"rag_policy":"last-user-message","keyword_search":{"type":"kw-search","server_url":"http://kw"}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer user-token")
	req.Header.Set(requestIDHeader, "req-7")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	if res.Body.String() != `{"id":"chatcmpl-1"}` {
		t.Fatalf("unexpected relayed body %q", res.Body.String())
	}

	got := chat.chatReq
	if got.RequestID != "req-7" || got.Header.Get("Authorization") != "Bearer user-token" {
		t.Fatalf("request identity not propagated: %+v", got)
	}
	if !bytes.Equal(got.Body, []byte(body)) {
		t.Fatalf("original body must be kept")
	}
	if len(got.Messages) != 1 || got.Messages[0].Text() != "hi" {
		t.Fatalf("unexpected messages %+v", got.Messages)
	}
	o := got.Rag
	if len(o.Collections) != 2 || *o.Limit != 3 || *o.WeightedAlpha != 0.25 || *o.Policy != domain.PolicyLastUserMessage {
		t.Fatalf("unexpected overrides %+v", o)
	}
	if o.Keyword == nil || o.Keyword.Transport != domain.TransportHTTP || o.Keyword.ServerURL != "http://kw" {
		t.Fatalf("unexpected keyword tool %+v", o.Keyword)
	}
}

func TestChatCompletionsAcceptsSingleCollectionName(t *testing.T) {
	chat := &dispatcherFake{}
	handler := newTestHandler(chat, &adminFake{}, Options{})

	res := postJSON(t, handler, "/v1/chat/completions",
		`{"messages":[{"role":"user","content":"q"}],"vdb_collection_name":"docs, faq"}`)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if c := chat.chatReq.Rag.Collections; len(c) != 2 || c[0] != "docs" || c[1] != "faq" {
		t.Fatalf("unexpected collections %v", c)
	}
}

func TestChatCompletionsRejectsMalformedBodies(t *testing.T) {
	handler := newTestHandler(&dispatcherFake{}, &adminFake{}, Options{})
	cases := []string{
		``,
		`not json`,
		`{"model":"m"}`,
		`{"messages":[]}`,
		`{"messages":[{"role":"user","content":"q"}],"weighted_alpha":"high"}`,
		`{"messages":[{"role":"user","content":"q"}],"vdb_collection_name":42}`,
	}
	for _, body := range cases {
		res := postJSON(t, handler, "/v1/chat/completions", body)
		if res.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, res.Code)
		}
		if decodeAPIError(t, res).Error.Type != "invalid_request_error" {
			t.Fatalf("body %q: expected invalid_request_error", body)
		}
	}
}

func TestChatCompletionsMapsDomainErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{domain.WrapError(domain.ErrInvalidRagParameters, "validate", errors.New("alpha")), http.StatusBadRequest, "invalid_rag_parameters"},
		{domain.WrapError(domain.ErrNoBackendAvailable, "select", errors.New("chat")), http.StatusServiceUnavailable, "no_backend_available"},
		{domain.WrapError(domain.ErrRetrievalTimeout, "retrieve", errors.New("deadline")), http.StatusGatewayTimeout, "retrieval_timeout"},
		{domain.WrapError(domain.ErrKeywordSearchFailed, "kw", domain.WrapError(domain.ErrTemporary, "http", errors.New("503"))), http.StatusBadGateway, "keyword_search_failed"},
		{domain.WrapError(domain.ErrTemporary, "forward", errors.New("reset")), http.StatusServiceUnavailable, ""},
		{errors.New("boom"), http.StatusInternalServerError, ""},
	}
	for _, tc := range cases {
		handler := newTestHandler(&dispatcherFake{chatErr: tc.err}, &adminFake{}, Options{})
		res := postJSON(t, handler, "/v1/chat/completions", `{"messages":[{"role":"user","content":"q"}]}`)
		if res.Code != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, res.Code)
		}
		body := decodeAPIError(t, res)
		gotCode := ""
		if body.Error.Code != nil {
			gotCode = *body.Error.Code
		}
		if gotCode != tc.code {
			t.Fatalf("%v: expected code %q, got %q", tc.err, tc.code, gotCode)
		}
	}
}

type flushCounter struct {
	*httptest.ResponseRecorder
	flushes int
}

func (f *flushCounter) Flush() {
	f.flushes++
	f.ResponseRecorder.Flush()
}

func TestChatCompletionsStreamsUpstreamEvents(t *testing.T) {
	stream := "data: {\"choices\":[]}\n\ndata: [DONE]\n\n"
	chat := &dispatcherFake{chatResp: &domain.UpstreamResponse{
		StatusCode: http.StatusOK,
		Header: http.Header{
			"Content-Type":      []string{"text/event-stream"},
			"Transfer-Encoding": []string{"chunked"},
		},
		Body: io.NopCloser(strings.NewReader(stream)),
	}}
	handler := newTestHandler(chat, &adminFake{}, Options{})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"stream":true,"messages":[{"role":"user","content":"q"}]}`))
	res := &flushCounter{ResponseRecorder: httptest.NewRecorder()}
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusOK || res.Body.String() != stream {
		t.Fatalf("unexpected stream relay %d %q", res.Code, res.Body.String())
	}
	if res.Header().Get("Content-Type") != "text/event-stream" {
		t.Fatalf("content type not relayed")
	}
	if res.Header().Get("Transfer-Encoding") != "" {
		t.Fatalf("hop-by-hop header must be dropped")
	}
	if res.flushes == 0 {
		t.Fatalf("expected flushes while relaying")
	}
}

func TestUpstreamErrorStatusIsRelayedVerbatim(t *testing.T) {
	chat := &dispatcherFake{chatResp: upstream(http.StatusBadRequest, "application/json", `{"error":{"message":"bad model"}}`)}
	handler := newTestHandler(chat, &adminFake{}, Options{})

	res := postJSON(t, handler, "/v1/chat/completions", `{"messages":[{"role":"user","content":"q"}]}`)
	if res.Code != http.StatusBadRequest || !strings.Contains(res.Body.String(), "bad model") {
		t.Fatalf("unexpected relay %d %q", res.Code, res.Body.String())
	}
}

func TestPassthroughRoutesSelectRole(t *testing.T) {
	cases := map[string]domain.Role{
		"/v1/embeddings":           domain.RoleEmbeddings,
		"/v1/audio/transcriptions": domain.RoleAudio,
		"/v1/audio/translations":   domain.RoleAudio,
		"/v1/audio/speech":         domain.RoleTextToSpeech,
		"/v1/images/generations":   domain.RoleImage,
		"/v1/images/edits":         domain.RoleImage,
	}
	for path, role := range cases {
		chat := &dispatcherFake{}
		handler := newTestHandler(chat, &adminFake{}, Options{})
		res := postJSON(t, handler, path+"?x=1", `{"input":"abc"}`)
		if res.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, res.Code)
		}
		if chat.forwardRole != role || chat.forwardReq.Path != path+"?x=1" || chat.forwardBody != `{"input":"abc"}` {
			t.Fatalf("%s: unexpected forward %s %+v %q", path, chat.forwardRole, chat.forwardReq, chat.forwardBody)
		}
		if chat.forwardReq.Header.Get(requestIDHeader) == "" {
			t.Fatalf("%s: request id not propagated", path)
		}
	}
}

func TestPassthroughWithoutBackendIs503(t *testing.T) {
	chat := &dispatcherFake{forwardErr: domain.WrapError(domain.ErrNoBackendAvailable, "select", errors.New("image"))}
	handler := newTestHandler(chat, &adminFake{}, Options{})

	res := postJSON(t, handler, "/v1/images/generations", `{}`)
	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", res.Code)
	}
}

func TestListModels(t *testing.T) {
	chat := &dispatcherFake{models: []domain.Model{{ID: "llama", Object: "model"}}}
	handler := newTestHandler(chat, &adminFake{}, Options{})

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	var body modelList
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Object != "list" || len(body.Data) != 1 || body.Data[0].ID != "llama" {
		t.Fatalf("unexpected models %+v", body)
	}
}

func TestInfoReportsDefaultsAndBackendCounts(t *testing.T) {
	admin := &adminFake{servers: map[domain.Role][]domain.BackendServer{
		domain.RoleChat: {
			{ID: "chat-server-1", Role: domain.RoleChat, Health: domain.HealthHealthy},
			{ID: "chat-server-2", Role: domain.RoleChat, Health: domain.HealthUnhealthy},
		},
	}}
	handler := newTestHandler(&dispatcherFake{}, admin, Options{
		Version:     "1.2.3",
		RagDefaults: domain.RagParameters{Enabled: true, WeightedAlpha: 0.5, Policy: domain.PolicySystemMessage},
	})

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/info", nil))
	var body infoResponse
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Version != "1.2.3" || !body.Rag.Enabled || body.Rag.WeightedAlpha != 0.5 {
		t.Fatalf("unexpected info %+v", body)
	}
	if c := body.Backends["chat"]; c.Total != 2 || c.Healthy != 1 {
		t.Fatalf("unexpected chat counts %+v", c)
	}
}

func TestRegisterServer(t *testing.T) {
	admin := &adminFake{}
	handler := newTestHandler(&dispatcherFake{}, admin, Options{})

	res := postJSON(t, handler, "/admin/servers/register", `{"url":"http://chat:8080","kind":"Chat"}`)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	var body registerServerResponse
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Kind != "chat" || body.URL != "http://chat:8080" || !strings.HasPrefix(body.ID, "chat-server-") {
		t.Fatalf("unexpected response %+v", body)
	}
}

func TestRegisterServerValidation(t *testing.T) {
	handler := newTestHandler(&dispatcherFake{}, &adminFake{}, Options{})
	cases := []string{
		`{"kind":"chat"}`,
		`{"url":"not a url","kind":"chat"}`,
		`{"url":"http://x","kind":"video"}`,
		`{"url":"http://x","kind":"chat","extra":1}`,
	}
	for _, body := range cases {
		res := postJSON(t, handler, "/admin/servers/register", body)
		if res.Code != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %d", body, res.Code)
		}
	}
}

func TestRegisterDuplicateIs409(t *testing.T) {
	admin := &adminFake{registerErr: domain.WrapError(domain.ErrDuplicateRegistration, "register", errors.New("http://x"))}
	handler := newTestHandler(&dispatcherFake{}, admin, Options{})

	res := postJSON(t, handler, "/admin/servers/register", `{"url":"http://x","kind":"chat"}`)
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", res.Code)
	}
}

func TestUnregisterServer(t *testing.T) {
	handler := newTestHandler(&dispatcherFake{}, &adminFake{}, Options{})
	res := postJSON(t, handler, "/admin/servers/unregister", `{"server_id":"chat-server-1"}`)
	if res.Code != http.StatusOK || !strings.Contains(res.Body.String(), "chat-server-1") {
		t.Fatalf("unexpected response %d %s", res.Code, res.Body.String())
	}

	missing := &adminFake{deregisterErr: domain.WrapError(domain.ErrNotFound, "deregister", errors.New("x"))}
	handler = newTestHandler(&dispatcherFake{}, missing, Options{})
	res = postJSON(t, handler, "/admin/servers/unregister", `{"server_id":"x"}`)
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
}

func TestListServersGroupsByRole(t *testing.T) {
	probe := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	admin := &adminFake{servers: map[domain.Role][]domain.BackendServer{
		domain.RoleEmbeddings: {{ID: "embeddings-server-1", URL: "http://e", Health: domain.HealthHealthy, LastProbe: probe}},
	}}
	handler := newTestHandler(&dispatcherFake{}, admin, Options{})

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/admin/servers", nil))
	var body map[string][]serverView
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body) != 1 || len(body["embeddings"]) != 1 {
		t.Fatalf("unexpected grouping %+v", body)
	}
	if v := body["embeddings"][0]; v.Health != "healthy" || v.LastProbe != "2026-05-01T10:00:00Z" {
		t.Fatalf("unexpected view %+v", v)
	}
}

func TestUnknownRouteUsesAPIErrorBody(t *testing.T) {
	handler := newTestHandler(&dispatcherFake{}, &adminFake{}, Options{})
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v2/nothing", nil))
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
	if decodeAPIError(t, res).Error.Type != "not_found_error" {
		t.Fatalf("expected not_found_error type")
	}
}
