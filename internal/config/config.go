// Package config loads runtime configuration from the environment, with an
// optional .env overlay for local development.
package config

import "time"

// ModelConfig describes one upstream chat-completion model available to the
// Orchestration Pipeline. Provider is "openai" for the hosted API or "local"
// for a self-hosted OpenAI-compatible backend (llama.cpp, mlx_lm.server, vLLM).
type ModelConfig struct {
	Name          string `yaml:"name"`
	Provider      string `yaml:"provider"` // "openai" | "local"
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseUrl"`
	ContextWindow int    `yaml:"contextWindow"` // tokens; 0 means "look up via internal/llm.ContextSize"
}

// OpenAIConfig configures internal/llm/openai.Client.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	API         string // informational; openai.Client always uses chat completions
	ExtraParams map[string]any
	LogPayloads bool
}

// LLMClientConfig selects and configures the active upstream model provider
// for a single internal/llm.Provider instance.
type LLMClientConfig struct {
	Provider string // "openai" | "local"
	OpenAI   OpenAIConfig
}

// ModelConfigsToLLMClient picks the ModelConfig for provider name and adapts
// it into the shape internal/llm/providers.Build expects. Multiple configured
// models of the same provider are disambiguated by exact Name match, falling
// back to the first model of that provider.
func ModelConfigsToLLMClient(models []ModelConfig, provider, modelName string) LLMClientConfig {
	var m ModelConfig
	for _, candidate := range models {
		if candidate.Provider != provider {
			continue
		}
		if m.Name == "" {
			m = candidate
		}
		if modelName != "" && candidate.Name == modelName {
			m = candidate
			break
		}
	}
	return LLMClientConfig{
		Provider: provider,
		OpenAI:   OpenAIConfig{APIKey: m.APIKey, BaseURL: m.BaseURL, Model: m.Name, API: "completions"},
	}
}

// BudgetConfig mirrors the §4.E / §6 enumerated budget knobs.
type BudgetConfig struct {
	ResponseReserve   float64 // fraction of context window reserved for the reply
	MinResponseTokens int
	MaxSystemTokens   int
	Tier1Ratio        float64
	Tier2Ratio        float64
	Tier3Ratio        float64
}

// DefaultBudgetConfig returns the §6 literal defaults.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		ResponseReserve:   0.2,
		MinResponseTokens: 512,
		MaxSystemTokens:   2000,
		Tier1Ratio:        0.5,
		Tier2Ratio:        0.3,
		Tier3Ratio:        0.2,
	}
}

// PipelineLimits mirrors §4.J / §6 limits.
type PipelineLimits struct {
	MaxToolCallsPerTurn int
	MaxToolRounds       int
	PerToolTimeout      time.Duration
	OverallTurnTimeout  time.Duration
}

// DefaultPipelineLimits returns the §6 literal defaults.
func DefaultPipelineLimits() PipelineLimits {
	return PipelineLimits{
		MaxToolCallsPerTurn: 16,
		MaxToolRounds:       5,
		PerToolTimeout:      30 * time.Second,
		OverallTurnTimeout:  120 * time.Second,
	}
}

// PostgresConfig configures the relational store.
type PostgresConfig struct {
	DSN string
}

// RedisConfig configures the prompt-template cache, admin-config cache, and
// idempotency store.
type RedisConfig struct {
	Addr string
}

// EmbeddingConfig configures the embedding endpoint that internal/embedding
// calls on behalf of the Memory Tier, Retrieval Orchestrator and Prompt
// Template Router services to vectorize text before a Vector Index Gateway
// search or insert.
type EmbeddingConfig struct {
	Endpoint string
	APIKey   string
	Model    string
}

// VectorConfig configures the Vector Index Gateway backend.
type VectorConfig struct {
	Endpoint   string
	Dimensions int
	Metric     string // cosine|l2|ip, default cosine
}

// S3SSEConfig controls server-side encryption applied to S3 Put/Copy calls.
type S3SSEConfig struct {
	Mode     string // "" | "sse-s3" | "sse-kms"
	KMSKeyID string
}

// S3Config configures the S3-compatible Blob Store Facade backend.
type S3Config struct {
	Bucket                string
	Region                string
	Endpoint              string
	AccessKey             string
	SecretKey             string
	UsePathStyle          bool
	Prefix                string
	TLSInsecureSkipVerify bool
	SSE                   S3SSEConfig
}

// BlobStorageType selects which Blob Store Facade backend to use.
type BlobStorageType string

const (
	BlobStorageAuto  BlobStorageType = ""
	BlobStorageS3    BlobStorageType = "s3"
	BlobStorageLocal BlobStorageType = "local"
)

// IdentityConfig configures the upstream OIDC identity provider consulted by
// the Credential Store on refresh.
type IdentityConfig struct {
	TenantID     string
	Issuer       string
	ClientID     string
	ClientSecret string
}

// KafkaConfig configures the best-effort Usage Recorder sink.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// ObsConfig configures the OpenTelemetry tracing/metrics exporters.
// Empty OTLP disables InitOTel entirely; callers check the returned error.
type ObsConfig struct {
	OTLP           string
	ServiceName    string
	ServiceVersion string
	Environment    string
}

// Config is the fully-resolved runtime configuration for one process.
type Config struct {
	LogPath  string
	LogLevel string

	Models       []ModelConfig
	DefaultModel string

	Budget    BudgetConfig
	Limits    PipelineLimits
	Postgres  PostgresConfig
	Redis     RedisConfig
	Vector    VectorConfig
	Embedding EmbeddingConfig

	BlobStorageType BlobStorageType
	S3              S3Config
	LocalBlobDir    string

	Identity IdentityConfig
	Kafka    KafkaConfig
	Obs      ObsConfig

	HeartbeatInterval        time.Duration
	JobPollInterval          time.Duration
	SSEJobForwardInterval    time.Duration
	AllowedUserDomains       []string
	ExperimentCollapseCycles bool

	HTTPAddr string
}
