package httpadapter

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/kirillkom/rag-gateway/internal/core/domain"
	"github.com/kirillkom/rag-gateway/internal/core/ports"
)

const maxChatBodyBytes = 32 << 20

// Metrics is the observability surface the router mounts.
type Metrics interface {
	Middleware(next http.Handler) http.Handler
	Handler() http.Handler
}

type Options struct {
	Version            string
	AdminAPIKey        string
	RateLimitRPS       float64
	RateLimitBurst     int
	MaxInFlight        int
	BackpressureWait   time.Duration
	CORSAllowedOrigins []string
	RagDefaults        domain.RagParameters
	FusionStrategy     string
	Metrics            Metrics
}

type Router struct {
	chat  ports.ChatDispatcher
	admin ports.BackendAdmin
	opts  Options
}

func NewRouter(chat ports.ChatDispatcher, admin ports.BackendAdmin, opts Options) *Router {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.BackpressureWait <= 0 {
		opts.BackpressureWait = 250 * time.Millisecond
	}
	return &Router{chat: chat, admin: admin, opts: opts}
}

// passthroughRoutes maps OpenAI paths to the role that serves them.
var passthroughRoutes = []struct {
	path string
	role domain.Role
}{
	{"/v1/embeddings", domain.RoleEmbeddings},
	{"/v1/audio/transcriptions", domain.RoleAudio},
	{"/v1/audio/translations", domain.RoleAudio},
	{"/v1/audio/speech", domain.RoleTextToSpeech},
	{"/v1/images/generations", domain.RoleImage},
	{"/v1/images/edits", domain.RoleImage},
}

func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestIDMiddleware)
	r.Use(accessLogMiddleware)
	r.Use(middleware.Recoverer)
	if rt.opts.Metrics != nil {
		r.Use(rt.opts.Metrics.Middleware)
	}
	if len(rt.opts.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   rt.opts.CORSAllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", requestIDHeader},
			ExposedHeaders:   []string{requestIDHeader},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", rt.healthz)
	if rt.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", rt.opts.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return rateLimitMiddleware(next, rt.opts.RateLimitRPS, rt.opts.RateLimitBurst)
		})
		r.Use(func(next http.Handler) http.Handler {
			return backpressureMiddleware(next, rt.opts.MaxInFlight, rt.opts.BackpressureWait)
		})

		r.Post("/v1/chat/completions", rt.chatCompletions)
		for _, route := range passthroughRoutes {
			r.Post(route.path, rt.forward(route.role))
		}
		r.Get("/v1/models", rt.listModels)
		r.Get("/v1/info", rt.info)
	})

	r.Route("/admin/servers", func(r chi.Router) {
		r.Use(adminAuthMiddleware(rt.opts.AdminAPIKey))
		r.Get("/", rt.listServers)
		r.Post("/register", rt.registerServer)
		r.Post("/unregister", rt.unregisterServer)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusNotFound, fmt.Sprintf("route %s %s not found", r.Method, r.URL.Path), "")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusMethodNotAllowed, "method not allowed", "")
	})
	return r
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// upstreamHeader clones the inbound headers and pins the request id.
func upstreamHeader(r *http.Request) http.Header {
	header := r.Header.Clone()
	if id := requestIDFromContext(r.Context()); id != "" {
		header.Set(requestIDHeader, id)
	}
	return header
}

func (rt *Router) chatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxChatBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeAPIError(w, http.StatusRequestEntityTooLarge, "request body too large", "")
			return
		}
		writeDomainError(w, r, invalidInput("read chat request", err))
		return
	}

	req, err := parseChatRequest(body)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	req.RequestID = requestIDFromContext(r.Context())
	req.Header = upstreamHeader(r)

	resp, err := rt.chat.Chat(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	relayUpstream(w, r, resp)
}

func (rt *Router) forward(role domain.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := rt.chat.Forward(r.Context(), role, domain.ForwardRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   r.Body,
			Header: upstreamHeader(r),
		})
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		relayUpstream(w, r, resp)
	}
}

type modelList struct {
	Object string         `json:"object"`
	Data   []domain.Model `json:"data"`
}

func (rt *Router) listModels(w http.ResponseWriter, r *http.Request) {
	models, err := rt.chat.ListModels(r.Context(), upstreamHeader(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if models == nil {
		models = []domain.Model{}
	}
	writeJSON(w, http.StatusOK, modelList{Object: "list", Data: models})
}

type infoResponse struct {
	Version  string                  `json:"version"`
	Rag      ragInfo                 `json:"rag"`
	Backends map[string]backendCount `json:"backends"`
}

type ragInfo struct {
	Enabled        bool                `json:"enabled"`
	Required       bool                `json:"required"`
	Policy         domain.MergePolicy  `json:"rag_policy"`
	Collections    []string            `json:"vdb_collection_name"`
	Limit          int                 `json:"limit"`
	ScoreThreshold float64             `json:"score_threshold"`
	WeightedAlpha  float64             `json:"weighted_alpha"`
	ContextWindow  int                 `json:"context_window"`
	FusionStrategy string              `json:"fusion_strategy,omitempty"`
	KeywordSearch  *domain.KeywordTool `json:"keyword_search,omitempty"`
}

type backendCount struct {
	Total   int `json:"total"`
	Healthy int `json:"healthy"`
}

func (rt *Router) info(w http.ResponseWriter, r *http.Request) {
	d := rt.opts.RagDefaults
	resp := infoResponse{
		Version: rt.opts.Version,
		Rag: ragInfo{
			Enabled:        d.Enabled,
			Required:       d.Required,
			Policy:         d.Policy,
			Collections:    d.Collections,
			Limit:          d.Limit,
			ScoreThreshold: d.ScoreThreshold,
			WeightedAlpha:  d.WeightedAlpha,
			ContextWindow:  d.ContextWindow,
			FusionStrategy: rt.opts.FusionStrategy,
			KeywordSearch:  d.Keyword,
		},
		Backends: make(map[string]backendCount, len(domain.Roles)),
	}
	if rt.admin != nil {
		servers := rt.admin.List(r.Context())
		for _, role := range domain.Roles {
			count := backendCount{Total: len(servers[role])}
			for _, s := range servers[role] {
				if s.Health == domain.HealthHealthy {
					count.Healthy++
				}
			}
			resp.Backends[string(role)] = count
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func logAdminError(r *http.Request, op string, err error) {
	slog.Warn("admin_request_failed",
		"request_id", requestIDFromContext(r.Context()),
		"operation", op,
		"error", err,
	)
}
