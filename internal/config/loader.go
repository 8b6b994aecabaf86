package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from environment variables, optionally overlaid by
// a .env file in the working directory. It never fails on missing optional
// values; callers that require a value (e.g. Postgres.DSN) validate it
// themselves at the point of use.
func Load() (Config, error) {
	// Overload so a repo-local .env deterministically wins in development.
	_ = godotenv.Overload()

	cfg := Config{
		Budget:                DefaultBudgetConfig(),
		Limits:                DefaultPipelineLimits(),
		HeartbeatInterval:     15 * time.Second,
		JobPollInterval:       5 * time.Second,
		SSEJobForwardInterval: 2 * time.Second,
		HTTPAddr:              envOr("HTTP_ADDR", ":8080"),
	}

	cfg.LogPath = strings.TrimSpace(os.Getenv("LOG_PATH"))
	cfg.LogLevel = strings.TrimSpace(os.Getenv("LOG_LEVEL"))

	cfg.DefaultModel = strings.TrimSpace(os.Getenv("DEFAULT_MODEL"))
	if openaiKey := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); openaiKey != "" {
		cfg.Models = append(cfg.Models, ModelConfig{
			Name:     firstNonEmpty(os.Getenv("OPENAI_MODEL"), "gpt-4o"),
			Provider: "openai",
			APIKey:   openaiKey,
			BaseURL:  strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")),
		})
	}
	if localKey := strings.TrimSpace(os.Getenv("LOCAL_LLM_BASE_URL")); localKey != "" {
		cfg.Models = append(cfg.Models, ModelConfig{
			Name:     firstNonEmpty(os.Getenv("LOCAL_LLM_MODEL"), "local-model"),
			Provider: "local",
			APIKey:   strings.TrimSpace(os.Getenv("LOCAL_LLM_API_KEY")),
			BaseURL:  localKey,
		})
	}
	extra, err := loadModelsFile(envOr("MODELS_CONFIG_FILE", "config.yaml"))
	if err != nil {
		return cfg, err
	}
	cfg.Models = append(cfg.Models, extra...)

	if cfg.DefaultModel == "" && len(cfg.Models) > 0 {
		cfg.DefaultModel = cfg.Models[0].Name
	}

	if v := envFloat("RESPONSE_RESERVE"); v > 0 {
		cfg.Budget.ResponseReserve = v
	}
	if v := envInt("MIN_RESPONSE_TOKENS"); v > 0 {
		cfg.Budget.MinResponseTokens = v
	}
	if v := envInt("MAX_SYSTEM_TOKENS"); v > 0 {
		cfg.Budget.MaxSystemTokens = v
	}
	if v := envFloat("TIER1_RATIO"); v > 0 {
		cfg.Budget.Tier1Ratio = v
	}
	if v := envFloat("TIER2_RATIO"); v > 0 {
		cfg.Budget.Tier2Ratio = v
	}
	if v := envFloat("TIER3_RATIO"); v > 0 {
		cfg.Budget.Tier3Ratio = v
	}

	if v := envInt("MAX_TOOL_ROUNDS"); v > 0 {
		cfg.Limits.MaxToolRounds = v
	}
	if v := envInt("MAX_TOOL_CALLS_PER_TURN"); v > 0 {
		cfg.Limits.MaxToolCallsPerTurn = v
	}
	if v := envDurationSeconds("PER_TOOL_TIMEOUT_SECONDS"); v > 0 {
		cfg.Limits.PerToolTimeout = v
	}
	if v := envDurationSeconds("OVERALL_TURN_TIMEOUT_SECONDS"); v > 0 {
		cfg.Limits.OverallTurnTimeout = v
	}
	if v := envDurationMillis("HEARTBEAT_INTERVAL_MS"); v > 0 {
		cfg.HeartbeatInterval = v
	}
	if v := envDurationMillis("JOB_POLL_INTERVAL_MS"); v > 0 {
		cfg.JobPollInterval = v
	}
	if v := envDurationMillis("SSE_JOB_FORWARD_INTERVAL_MS"); v > 0 {
		cfg.SSEJobForwardInterval = v
	}

	cfg.Postgres.DSN = strings.TrimSpace(os.Getenv("POSTGRES_DSN"))
	cfg.Redis.Addr = envOr("REDIS_ADDR", "localhost:6379")

	cfg.Vector.Endpoint = envOr("VECTOR_BACKEND_ENDPOINT", "localhost:6334")
	cfg.Vector.Dimensions = envIntOr("VECTOR_DIMENSIONS", 1536)
	cfg.Vector.Metric = envOr("VECTOR_METRIC", "cosine")

	cfg.Embedding = EmbeddingConfig{
		Endpoint: envOr("EMBEDDING_ENDPOINT", "https://api.openai.com/v1/embeddings"),
		APIKey:   strings.TrimSpace(os.Getenv("EMBEDDING_API_KEY")),
		Model:    envOr("EMBEDDING_MODEL", "text-embedding-3-small"),
	}

	// Backend selection per §6: explicit BLOB_STORAGE_TYPE wins; otherwise the
	// presence of S3 credentials selects S3; otherwise local filesystem.
	switch strings.ToLower(strings.TrimSpace(os.Getenv("BLOB_STORAGE_TYPE"))) {
	case "s3":
		cfg.BlobStorageType = BlobStorageS3
	case "local":
		cfg.BlobStorageType = BlobStorageLocal
	default:
		if strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID")) != "" || strings.TrimSpace(os.Getenv("S3_BUCKET")) != "" {
			cfg.BlobStorageType = BlobStorageS3
		} else {
			cfg.BlobStorageType = BlobStorageLocal
		}
	}
	cfg.S3 = S3Config{
		Bucket:       strings.TrimSpace(os.Getenv("S3_BUCKET")),
		Region:       envOr("S3_REGION", "us-east-1"),
		Endpoint:     strings.TrimSpace(os.Getenv("S3_ENDPOINT")),
		AccessKey:    strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID")),
		SecretKey:    strings.TrimSpace(os.Getenv("AWS_SECRET_ACCESS_KEY")),
		UsePathStyle: envBool("S3_USE_PATH_STYLE"),
		Prefix:       strings.TrimSpace(os.Getenv("S3_PREFIX")),
	}
	cfg.LocalBlobDir = envOr("LOCAL_BLOB_DIR", "./data/blobs")

	cfg.Identity = IdentityConfig{
		TenantID:     strings.TrimSpace(os.Getenv("IDENTITY_TENANT_ID")),
		Issuer:       strings.TrimSpace(os.Getenv("IDENTITY_ISSUER")),
		ClientID:     strings.TrimSpace(os.Getenv("IDENTITY_CLIENT_ID")),
		ClientSecret: strings.TrimSpace(os.Getenv("IDENTITY_CLIENT_SECRET")),
	}

	if brokers := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}
	cfg.Kafka.Topic = envOr("KAFKA_USAGE_TOPIC", "weave.usage")

	if domains := strings.TrimSpace(os.Getenv("ALLOWED_USER_DOMAINS")); domains != "" {
		cfg.AllowedUserDomains = strings.Split(domains, ",")
	}
	cfg.ExperimentCollapseCycles = envBool("EXPERIMENT_COLLAPSE_CYCLES")

	cfg.Obs = ObsConfig{
		OTLP:           strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		ServiceName:    envOr("OTEL_SERVICE_NAME", "weave"),
		ServiceVersion: envOr("OTEL_SERVICE_VERSION", "dev"),
		Environment:    envOr("OTEL_ENVIRONMENT", "development"),
	}

	return cfg, nil
}

// modelsFile is the on-disk shape of an optional YAML model roster, additive
// to the env-var-derived provider entries above — for operators who want to
// declare several named deployments of the same provider (e.g. two OpenAI
// models with different base URLs) without one env var per field.
type modelsFile struct {
	Models []ModelConfig `yaml:"models"`
}

// loadModelsFile reads path if it exists and returns its model entries. A
// missing file is not an error; a malformed one is.
func loadModelsFile(path string) ([]ModelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var mf modelsFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, err
	}
	return mf.Models, nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func envInt(key string) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envIntOr(key string, def int) int {
	if n := envInt(key); n > 0 {
		return n
	}
	return def
}

func envFloat(key string) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}

func envBool(key string) bool {
	v := strings.TrimSpace(os.Getenv(key))
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

func envDurationSeconds(key string) time.Duration {
	n := envInt(key)
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

func envDurationMillis(key string) time.Duration {
	n := envInt(key)
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Millisecond
}
