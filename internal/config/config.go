package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kirillkom/rag-gateway/internal/core/domain"
)

// Config is layered: built-in defaults, then the optional YAML file named by
// GATEWAY_CONFIG_FILE, then environment variables.
type Config struct {
	APIHost  string `yaml:"api_host" validate:"required"`
	APIPort  string `yaml:"api_port" validate:"required,numeric"`
	LogLevel string `yaml:"log_level"`

	AdminAPIKey           string   `yaml:"admin_api_key"`
	APIRateLimitRPS       float64  `yaml:"api_rate_limit_rps" validate:"gte=0"`
	APIRateLimitBurst     int      `yaml:"api_rate_limit_burst" validate:"gte=0"`
	APIMaxInFlight        int      `yaml:"api_max_in_flight" validate:"gte=0"`
	APIBackpressureWaitMS int      `yaml:"api_backpressure_wait_ms" validate:"gte=0"`
	CORSAllowedOrigins    []string `yaml:"cors_allowed_origins"`

	HealthCheckEnabled         bool   `yaml:"health_check_enabled"`
	HealthCheckIntervalSeconds int    `yaml:"health_check_interval_seconds" validate:"gt=0"`
	HealthProbeTimeoutSeconds  int    `yaml:"health_probe_timeout_seconds" validate:"gt=0"`
	HealthProbePath            string `yaml:"health_probe_path" validate:"required,startswith=/"`
	HealthPushURL              string `yaml:"health_push_url" validate:"omitempty,url"`

	DownstreamTimeoutSeconds int    `yaml:"downstream_timeout_seconds" validate:"gt=0"`
	EmbeddingModel           string `yaml:"embedding_model"`

	RAGEnabled            bool    `yaml:"rag_enabled"`
	RAGRequired           bool    `yaml:"rag_required"`
	RAGPolicy             string  `yaml:"rag_policy" validate:"oneof=system-message last-user-message"`
	RAGPrompt             string  `yaml:"rag_prompt"`
	RAGContextWindow      int     `yaml:"rag_context_window" validate:"gte=0"`
	RAGWeightedAlpha      float64 `yaml:"rag_weighted_alpha" validate:"gte=0,lte=1"`
	RAGRetrievalTimeoutMS int     `yaml:"rag_retrieval_timeout_ms" validate:"gt=0"`
	RAGFusionStrategy     string  `yaml:"rag_fusion_strategy" validate:"oneof=weighted rrf"`
	RAGFusionRRFK         int     `yaml:"rag_fusion_rrf_k" validate:"gt=0"`

	VectorDBURL            string   `yaml:"vector_db_url"`
	VectorDBTransport      string   `yaml:"vector_db_transport" validate:"oneof=rest grpc"`
	VectorDBAPIKey         string   `yaml:"vector_db_api_key"`
	VectorDBCollections    []string `yaml:"vector_db_collections"`
	VectorDBLimit          int      `yaml:"vector_db_limit" validate:"gte=0"`
	VectorDBScoreThreshold float64  `yaml:"vector_db_score_threshold" validate:"gte=0"`

	KWSearchEnabled   bool   `yaml:"kw_search_enabled"`
	KWSearchType      string `yaml:"kw_search_type" validate:"oneof=elasticsearch tidb kw-search"`
	KWSearchURL       string `yaml:"kw_search_url" validate:"required_if=KWSearchEnabled true"`
	KWSearchTransport string `yaml:"kw_search_transport" validate:"oneof=http stream-http sse"`
	KWSearchIndex     string `yaml:"kw_search_index"`
	KWSearchToolName  string `yaml:"kw_search_tool_name"`

	ResilienceRetryMaxAttempts int  `yaml:"resilience_retry_max_attempts" validate:"gte=0"`
	ResilienceBreakerEnabled   bool `yaml:"resilience_breaker_enabled"`

	PostgresDSN string `yaml:"postgres_dsn"`

	NATSURL     string `yaml:"nats_url"`
	NATSSubject string `yaml:"nats_subject" validate:"required"`

	WorkerMetricsPort string `yaml:"worker_metrics_port" validate:"required,numeric"`
}

func Defaults() Config {
	return Config{
		APIHost:  "127.0.0.1",
		APIPort:  "8080",
		LogLevel: "info",

		APIRateLimitRPS:       0,
		APIRateLimitBurst:     0,
		APIMaxInFlight:        256,
		APIBackpressureWaitMS: 250,
		CORSAllowedOrigins:    []string{"*"},

		HealthCheckEnabled:         false,
		HealthCheckIntervalSeconds: 60,
		HealthProbeTimeoutSeconds:  5,
		HealthProbePath:            "/v1/models",

		DownstreamTimeoutSeconds: 60,

		RAGEnabled:            true,
		RAGPolicy:             string(domain.PolicySystemMessage),
		RAGContextWindow:      1,
		RAGWeightedAlpha:      0.5,
		RAGRetrievalTimeoutMS: 10000,
		RAGFusionStrategy:     "weighted",
		RAGFusionRRFK:         60,

		VectorDBURL:            "http://localhost:6333",
		VectorDBTransport:      "rest",
		VectorDBCollections:    []string{"default"},
		VectorDBLimit:          1,
		VectorDBScoreThreshold: 0.5,

		KWSearchType:      string(domain.KeywordService),
		KWSearchTransport: string(domain.TransportHTTP),

		ResilienceRetryMaxAttempts: 2,
		ResilienceBreakerEnabled:   true,

		NATSSubject:       "gateway.backends.health",
		WorkerMetricsPort: "9090",
	}
}

// Load reads .env (when present), the optional YAML file and the environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()
	if path := strings.TrimSpace(os.Getenv("GATEWAY_CONFIG_FILE")); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	// Keys missing from the file keep the values already in c.
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.APIHost = mustEnv("API_HOST", c.APIHost)
	c.APIPort = mustEnv("API_PORT", c.APIPort)
	c.LogLevel = mustEnv("LOG_LEVEL", c.LogLevel)

	c.AdminAPIKey = mustEnv("ADMIN_API_KEY", c.AdminAPIKey)
	c.APIRateLimitRPS = mustEnvFloat("API_RATE_LIMIT_RPS", c.APIRateLimitRPS)
	c.APIRateLimitBurst = mustEnvInt("API_RATE_LIMIT_BURST", c.APIRateLimitBurst)
	c.APIMaxInFlight = mustEnvInt("API_MAX_IN_FLIGHT", c.APIMaxInFlight)
	c.APIBackpressureWaitMS = mustEnvInt("API_BACKPRESSURE_WAIT_MS", c.APIBackpressureWaitMS)
	c.CORSAllowedOrigins = mustEnvList("CORS_ALLOWED_ORIGINS", c.CORSAllowedOrigins)

	c.HealthCheckEnabled = mustEnvBool("HEALTH_CHECK_ENABLED", c.HealthCheckEnabled)
	c.HealthCheckIntervalSeconds = mustEnvInt("HEALTH_CHECK_INTERVAL_SECONDS", c.HealthCheckIntervalSeconds)
	c.HealthProbeTimeoutSeconds = mustEnvInt("HEALTH_PROBE_TIMEOUT_SECONDS", c.HealthProbeTimeoutSeconds)
	c.HealthProbePath = mustEnv("HEALTH_PROBE_PATH", c.HealthProbePath)
	c.HealthPushURL = mustEnv("HEALTH_PUSH_URL", c.HealthPushURL)

	c.DownstreamTimeoutSeconds = mustEnvInt("DOWNSTREAM_TIMEOUT_SECONDS", c.DownstreamTimeoutSeconds)
	c.EmbeddingModel = mustEnv("EMBEDDING_MODEL", c.EmbeddingModel)

	c.RAGEnabled = mustEnvBool("RAG_ENABLED", c.RAGEnabled)
	c.RAGRequired = mustEnvBool("RAG_REQUIRED", c.RAGRequired)
	c.RAGPolicy = mustEnv("RAG_POLICY", c.RAGPolicy)
	c.RAGPrompt = mustEnv("RAG_PROMPT", c.RAGPrompt)
	c.RAGContextWindow = mustEnvInt("RAG_CONTEXT_WINDOW", c.RAGContextWindow)
	c.RAGWeightedAlpha = mustEnvFloat("RAG_WEIGHTED_ALPHA", c.RAGWeightedAlpha)
	c.RAGRetrievalTimeoutMS = mustEnvInt("RAG_RETRIEVAL_TIMEOUT_MS", c.RAGRetrievalTimeoutMS)
	c.RAGFusionStrategy = mustEnv("RAG_FUSION_STRATEGY", c.RAGFusionStrategy)
	c.RAGFusionRRFK = mustEnvInt("RAG_FUSION_RRF_K", c.RAGFusionRRFK)

	c.VectorDBURL = mustEnv("VECTOR_DB_URL", c.VectorDBURL)
	c.VectorDBTransport = mustEnv("VECTOR_DB_TRANSPORT", c.VectorDBTransport)
	c.VectorDBAPIKey = mustEnv("VECTOR_DB_API_KEY", c.VectorDBAPIKey)
	c.VectorDBCollections = mustEnvList("VECTOR_DB_COLLECTIONS", c.VectorDBCollections)
	c.VectorDBLimit = mustEnvInt("VECTOR_DB_LIMIT", c.VectorDBLimit)
	c.VectorDBScoreThreshold = mustEnvFloat("VECTOR_DB_SCORE_THRESHOLD", c.VectorDBScoreThreshold)

	c.KWSearchEnabled = mustEnvBool("KW_SEARCH_ENABLED", c.KWSearchEnabled)
	c.KWSearchType = mustEnv("KW_SEARCH_TYPE", c.KWSearchType)
	c.KWSearchURL = mustEnv("KW_SEARCH_URL", c.KWSearchURL)
	c.KWSearchTransport = mustEnv("KW_SEARCH_TRANSPORT", c.KWSearchTransport)
	c.KWSearchIndex = mustEnv("KW_SEARCH_INDEX", c.KWSearchIndex)
	c.KWSearchToolName = mustEnv("KW_SEARCH_TOOL_NAME", c.KWSearchToolName)

	c.ResilienceRetryMaxAttempts = mustEnvInt("RESILIENCE_RETRY_MAX_ATTEMPTS", c.ResilienceRetryMaxAttempts)
	c.ResilienceBreakerEnabled = mustEnvBool("RESILIENCE_BREAKER_ENABLED", c.ResilienceBreakerEnabled)

	c.PostgresDSN = mustEnv("POSTGRES_DSN", c.PostgresDSN)
	c.NATSURL = mustEnv("NATS_URL", c.NATSURL)
	c.NATSSubject = mustEnv("NATS_SUBJECT", c.NATSSubject)
	c.WorkerMetricsPort = mustEnv("WORKER_METRICS_PORT", c.WorkerMetricsPort)
}

var validate = validator.New()

// Validate checks field constraints, then the derived RAG defaults.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.RagDefaults().Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c Config) ListenAddr() string {
	return c.APIHost + ":" + c.APIPort
}

// RagDefaults are the parameters a chat request gets when it overrides nothing.
func (c Config) RagDefaults() domain.RagParameters {
	return domain.RagParameters{
		Enabled:        c.RAGEnabled,
		Required:       c.RAGRequired,
		Collections:    append([]string(nil), c.VectorDBCollections...),
		Limit:          c.VectorDBLimit,
		ScoreThreshold: c.VectorDBScoreThreshold,
		WeightedAlpha:  c.RAGWeightedAlpha,
		ContextWindow:  c.RAGContextWindow,
		Policy:         domain.MergePolicy(c.RAGPolicy),
		Keyword:        c.KeywordTool(),
	}
}

// KeywordTool is nil unless keyword search is enabled.
func (c Config) KeywordTool() *domain.KeywordTool {
	if !c.KWSearchEnabled {
		return nil
	}
	return &domain.KeywordTool{
		Type:        domain.KeywordSearchType(c.KWSearchType),
		ServerLabel: "default",
		ServerURL:   c.KWSearchURL,
		Transport:   domain.KeywordTransport(c.KWSearchTransport),
		Index:       c.KWSearchIndex,
		ToolName:    c.KWSearchToolName,
	}
}

func mustEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func mustEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func mustEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func mustEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

// mustEnvList splits a comma-separated value, dropping blanks.
func mustEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	out := make([]string, 0)
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
