package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

// yamlOverlay supplies structured defaults that are awkward to express as
// flat env vars: retrieval weights, outbox presets, reconciler thresholds.
type yamlOverlay struct {
	Outbox     OutboxConfig     `yaml:"outbox"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Retriever  RetrieverConfig  `yaml:"retriever"`
}

// Load reads configuration from environment variables (optionally .env),
// then merges an optional YAML overlay, then applies defaults and validates.
func Load() (Config, error) {
	// Use Overload so .env values override existing OS environment variables,
	// letting a local .env deterministically control dev runs.
	_ = godotenv.Overload()

	cfg := Config{}

	cfg.LogPath = strings.TrimSpace(os.Getenv("LOG_PATH"))
	cfg.LogLevel = strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	cfg.SecretKey = strings.TrimSpace(os.Getenv("MEMORYX_SECRET_KEY"))
	cfg.HTTPAddr = firstNonEmpty(strings.TrimSpace(os.Getenv("MEMORYX_HTTP_ADDR")), ":8080")

	cfg.LLMClient.Provider = strings.TrimSpace(os.Getenv("LLM_PROVIDER"))
	cfg.LLMClient.OpenAI.APIKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	cfg.LLMClient.OpenAI.Model = firstNonEmpty(strings.TrimSpace(os.Getenv("OPENAI_MODEL")), "gpt-4o-mini")
	cfg.LLMClient.OpenAI.BaseURL = strings.TrimSpace(os.Getenv("OPENAI_BASE_URL"))
	cfg.LLMClient.OpenAI.API = strings.TrimSpace(os.Getenv("OPENAI_API"))
	if v := strings.TrimSpace(os.Getenv("LOG_PAYLOADS")); v != "" {
		cfg.LLMClient.OpenAI.LogPayloads = strings.EqualFold(v, "true") || v == "1"
	}

	cfg.LLMClient.Anthropic.APIKey = strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	cfg.LLMClient.Anthropic.Model = strings.TrimSpace(os.Getenv("ANTHROPIC_MODEL"))
	cfg.LLMClient.Anthropic.BaseURL = strings.TrimSpace(os.Getenv("ANTHROPIC_BASE_URL"))
	if v := strings.TrimSpace(os.Getenv("ANTHROPIC_PROMPT_CACHE")); v != "" {
		cfg.LLMClient.Anthropic.PromptCache.Enabled = strings.EqualFold(v, "true") || v == "1"
	}

	cfg.LLMClient.Google.APIKey = strings.TrimSpace(os.Getenv("GOOGLE_LLM_API_KEY"))
	cfg.LLMClient.Google.Model = strings.TrimSpace(os.Getenv("GOOGLE_LLM_MODEL"))
	cfg.LLMClient.Google.BaseURL = strings.TrimSpace(os.Getenv("GOOGLE_LLM_BASE_URL"))
	cfg.LLMClient.Google.Timeout = intFromEnv("GOOGLE_LLM_TIMEOUT_SECONDS", 0)

	cfg.Embedding.BaseURL = strings.TrimSpace(os.Getenv("EMBEDDING_BASE_URL"))
	cfg.Embedding.Path = firstNonEmpty(strings.TrimSpace(os.Getenv("EMBEDDING_PATH")), "/v1/embeddings")
	cfg.Embedding.Model = strings.TrimSpace(os.Getenv("EMBEDDING_MODEL"))
	cfg.Embedding.APIHeader = firstNonEmpty(strings.TrimSpace(os.Getenv("EMBEDDING_API_HEADER")), "Authorization")
	cfg.Embedding.APIKey = strings.TrimSpace(os.Getenv("EMBEDDING_API_KEY"))
	cfg.Embedding.Dimension = intFromEnv("EMBEDDING_DIMENSION", 1536)
	cfg.Embedding.Timeout = intFromEnv("EMBEDDING_TIMEOUT_SECONDS", 30)

	cfg.DB.DefaultDSN = strings.TrimSpace(os.Getenv("MEMORYX_DATABASE_URL"))
	cfg.DB.Relational.Backend = firstNonEmpty(strings.TrimSpace(os.Getenv("MEMORYX_RELATIONAL_BACKEND")), "postgres")
	cfg.DB.Relational.DSN = firstNonEmpty(strings.TrimSpace(os.Getenv("MEMORYX_RELATIONAL_DSN")), cfg.DB.DefaultDSN)
	cfg.DB.Vector.Backend = firstNonEmpty(strings.TrimSpace(os.Getenv("MEMORYX_VECTOR_BACKEND")), "postgres")
	cfg.DB.Vector.DSN = firstNonEmpty(strings.TrimSpace(os.Getenv("MEMORYX_VECTOR_DSN")), cfg.DB.DefaultDSN)
	cfg.DB.Vector.Dimensions = intFromEnv("MEMORYX_VECTOR_DIMENSIONS", cfg.Embedding.Dimension)
	cfg.DB.Vector.Metric = firstNonEmpty(strings.TrimSpace(os.Getenv("MEMORYX_VECTOR_METRIC")), "cosine")
	cfg.DB.Vector.QdrantAddr = strings.TrimSpace(os.Getenv("MEMORYX_QDRANT_ADDR"))
	cfg.DB.Graph.Backend = firstNonEmpty(strings.TrimSpace(os.Getenv("MEMORYX_GRAPH_BACKEND")), "postgres")
	cfg.DB.Graph.DSN = firstNonEmpty(strings.TrimSpace(os.Getenv("MEMORYX_GRAPH_DSN")), cfg.DB.DefaultDSN)

	cfg.Obs.OTLP = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	cfg.Obs.ServiceName = firstNonEmpty(strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")), "memoryx")
	cfg.Obs.ServiceVersion = strings.TrimSpace(os.Getenv("MEMORYX_VERSION"))
	cfg.Obs.Environment = firstNonEmpty(strings.TrimSpace(os.Getenv("MEMORYX_ENV")), "development")

	cfg.Kafka.Brokers = strings.TrimSpace(os.Getenv("KAFKA_BROKERS"))
	cfg.Kafka.GroupID = firstNonEmpty(strings.TrimSpace(os.Getenv("KAFKA_GROUP_ID")), "memoryx-ingest")
	cfg.Kafka.CommandsTopic = firstNonEmpty(strings.TrimSpace(os.Getenv("KAFKA_COMMANDS_TOPIC")), "memoryx.ingest.commands")
	cfg.Kafka.ResponsesTopic = firstNonEmpty(strings.TrimSpace(os.Getenv("KAFKA_RESPONSES_TOPIC")), "memoryx.ingest.responses")
	cfg.Kafka.DeadLetterTopic = firstNonEmpty(strings.TrimSpace(os.Getenv("KAFKA_DLQ_TOPIC")), "memoryx.ingest.dlq")

	cfg.DedupeRedisAddr = firstNonEmpty(strings.TrimSpace(os.Getenv("DEDUPE_REDIS_ADDR")), "localhost:6379")
	cfg.QuotaRedisAddr = firstNonEmpty(strings.TrimSpace(os.Getenv("QUOTA_REDIS_ADDR")), cfg.DedupeRedisAddr)

	cfg.Outbox.Path = firstNonEmpty(strings.TrimSpace(os.Getenv("MEMORYX_OUTBOX_PATH")), "memoryx-outbox.db")
	cfg.Outbox.FlushRounds = intFromEnv("MEMORYX_OUTBOX_FLUSH_ROUNDS", 10)
	cfg.Outbox.FlushBatchSize = intFromEnv("MEMORYX_OUTBOX_FLUSH_BATCH", 20)
	cfg.Outbox.FlushTokenBudget = intFromEnv("MEMORYX_OUTBOX_FLUSH_TOKENS", 4000)
	cfg.Outbox.MaxRetry = intFromEnv("MEMORYX_OUTBOX_MAX_RETRY", 5)
	cfg.Outbox.BackoffBase = time.Duration(intFromEnv("MEMORYX_OUTBOX_BACKOFF_BASE_MS", 500)) * time.Millisecond
	cfg.Outbox.BackoffMax = 60 * time.Second
	cfg.Outbox.FlushIdleInterval = time.Duration(intFromEnv("MEMORYX_OUTBOX_IDLE_SECONDS", 30)) * time.Second

	cfg.Reconciler.SimilarityAdd = 0.80
	cfg.Reconciler.SimilarityUpdate = 0.85
	cfg.Reconciler.SimilarityDup = 0.95
	cfg.Reconciler.EntityJaccardMin = 0.5
	cfg.Reconciler.MaxConcurrentOwner = intFromEnv("MEMORYX_RECONCILER_CONCURRENCY", 2)
	cfg.Reconciler.DriftSweepInterval = time.Duration(intFromEnv("MEMORYX_DRIFT_SWEEP_MINUTES", 60)) * time.Minute

	cfg.Retriever.RecallMultiplier = 3
	cfg.Retriever.RecallFloor = 30
	cfg.Retriever.GraphDepth = 2
	cfg.Retriever.GraphHopDecay = 0.5
	cfg.Retriever.AlphaSimilarity = 0.6
	cfg.Retriever.BetaGraphBoost = 0.25
	cfg.Retriever.GammaTemporal = 0.15
	cfg.Retriever.TemporalTauDays = 30

	if path := firstNonEmpty(strings.TrimSpace(os.Getenv("MEMORYX_CONFIG")), "config.yaml"); path != "" {
		if data, err := os.ReadFile(path); err == nil {
			var overlay yamlOverlay
			if err := yaml.Unmarshal(data, &overlay); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", path, err)
			}
			mergeOutbox(&cfg.Outbox, overlay.Outbox)
			mergeReconciler(&cfg.Reconciler, overlay.Reconciler)
			mergeRetriever(&cfg.Retriever, overlay.Retriever)
		}
	}

	if cfg.DB.DefaultDSN == "" && cfg.DB.Relational.DSN == "" {
		return Config{}, fmt.Errorf("MEMORYX_DATABASE_URL is required")
	}
	if cfg.SecretKey == "" {
		return Config{}, fmt.Errorf("MEMORYX_SECRET_KEY is required")
	}
	if cfg.LLMClient.Provider == "" {
		cfg.LLMClient.Provider = "openai"
	}

	return cfg, nil
}

// mergeOutbox copies non-zero overlay fields over cfg, letting env-derived
// defaults stand where the YAML overlay is silent.
func mergeOutbox(cfg *OutboxConfig, overlay OutboxConfig) {
	if overlay.Path != "" {
		cfg.Path = overlay.Path
	}
	if overlay.FlushRounds != 0 {
		cfg.FlushRounds = overlay.FlushRounds
	}
	if overlay.FlushBatchSize != 0 {
		cfg.FlushBatchSize = overlay.FlushBatchSize
	}
	if overlay.FlushTokenBudget != 0 {
		cfg.FlushTokenBudget = overlay.FlushTokenBudget
	}
	if overlay.MaxRetry != 0 {
		cfg.MaxRetry = overlay.MaxRetry
	}
	if overlay.BackoffBase != 0 {
		cfg.BackoffBase = overlay.BackoffBase
	}
	if overlay.BackoffMax != 0 {
		cfg.BackoffMax = overlay.BackoffMax
	}
	if overlay.FlushIdleInterval != 0 {
		cfg.FlushIdleInterval = overlay.FlushIdleInterval
	}
}

func mergeReconciler(cfg *ReconcilerConfig, overlay ReconcilerConfig) {
	if overlay.SimilarityAdd != 0 {
		cfg.SimilarityAdd = overlay.SimilarityAdd
	}
	if overlay.SimilarityUpdate != 0 {
		cfg.SimilarityUpdate = overlay.SimilarityUpdate
	}
	if overlay.SimilarityDup != 0 {
		cfg.SimilarityDup = overlay.SimilarityDup
	}
	if overlay.EntityJaccardMin != 0 {
		cfg.EntityJaccardMin = overlay.EntityJaccardMin
	}
	if overlay.MaxConcurrentOwner != 0 {
		cfg.MaxConcurrentOwner = overlay.MaxConcurrentOwner
	}
	if overlay.DriftSweepInterval != 0 {
		cfg.DriftSweepInterval = overlay.DriftSweepInterval
	}
}

func mergeRetriever(cfg *RetrieverConfig, overlay RetrieverConfig) {
	if overlay.RecallMultiplier != 0 {
		cfg.RecallMultiplier = overlay.RecallMultiplier
	}
	if overlay.RecallFloor != 0 {
		cfg.RecallFloor = overlay.RecallFloor
	}
	if overlay.GraphDepth != 0 {
		cfg.GraphDepth = overlay.GraphDepth
	}
	if overlay.GraphHopDecay != 0 {
		cfg.GraphHopDecay = overlay.GraphHopDecay
	}
	if overlay.AlphaSimilarity != 0 {
		cfg.AlphaSimilarity = overlay.AlphaSimilarity
	}
	if overlay.BetaGraphBoost != 0 {
		cfg.BetaGraphBoost = overlay.BetaGraphBoost
	}
	if overlay.GammaTemporal != 0 {
		cfg.GammaTemporal = overlay.GammaTemporal
	}
	if overlay.TemporalTauDays != 0 {
		cfg.TemporalTauDays = overlay.TemporalTauDays
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func intFromEnv(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
