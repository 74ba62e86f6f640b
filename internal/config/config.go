package config

import "time"

// OpenAIConfig configures the OpenAI-compatible chat/completions client. It
// also backs "local" providers (llama.cpp, vLLM, etc.) that speak the OpenAI
// wire format, via a custom BaseURL.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	API         string // "responses" (default) or "completions"
	ExtraParams map[string]any
	LogPayloads bool
}

// AnthropicPromptCacheConfig controls which parts of a request are marked
// with cache_control breakpoints. Enabled with nothing else set defaults to
// caching the system prompt and tool definitions, matching Anthropic's own
// guidance that those are the highest-value, lowest-churn cache segments.
type AnthropicPromptCacheConfig struct {
	Enabled       bool
	CacheSystem   bool
	CacheTools    bool
	CacheMessages bool
}

type AnthropicConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	PromptCache AnthropicPromptCacheConfig
	ExtraParams map[string]any
}

type GoogleConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout int // seconds
}

// EmbeddingConfig configures the HTTP embedding backend used by
// internal/embedding. APIHeader lets the same client target providers that
// use "Authorization: Bearer ..." or a custom header like "x-api-key".
type EmbeddingConfig struct {
	BaseURL   string
	Path      string
	Model     string
	APIHeader string
	APIKey    string
	Headers   map[string]string
	Dimension int
	Timeout   int // seconds
}

// LLMClientConfig selects which provider backs internal/llm.Provider and
// carries the per-provider sub-configs.
type LLMClientConfig struct {
	Provider  string // "openai" (default), "local", "anthropic", "google"
	OpenAI    OpenAIConfig
	Anthropic AnthropicConfig
	Google    GoogleConfig
}

// ObsConfig configures OpenTelemetry export (internal/observability).
type ObsConfig struct {
	OTLP           string
	ServiceName    string
	ServiceVersion string
	Environment    string
}

// VectorBackendConfig configures C4's pluggable vector store.
type VectorBackendConfig struct {
	Backend    string // "memory" (default), "postgres"/"pgvector", "qdrant", "none"
	DSN        string
	Dimensions int
	Metric     string // "cosine" (default), "l2", "dot"
	QdrantAddr string
}

// GraphBackendConfig configures C4's pluggable entity graph.
type GraphBackendConfig struct {
	Backend string // "memory" (default), "postgres", "none"
	DSN     string
}

// RelationalBackendConfig configures C4's authoritative relational store.
type RelationalBackendConfig struct {
	Backend string // "memory" (default, tests only), "postgres"
	DSN     string
}

// DBConfig is the tri-store wiring configuration consumed by
// internal/persistence/databases.NewManager.
type DBConfig struct {
	DefaultDSN string
	Vector     VectorBackendConfig
	Graph      GraphBackendConfig
	Relational RelationalBackendConfig
}

// OutboxConfig configures the client-side durable outbox (§10.5, C1).
type OutboxConfig struct {
	Path               string // sqlite file path
	FlushRounds        int
	FlushBatchSize     int
	FlushTokenBudget   int
	FlushIdleInterval  time.Duration
	MaxRetry           int
	BackoffBase        time.Duration
	BackoffMax         time.Duration
}

// ReconcilerConfig configures C3's decision thresholds and concurrency.
type ReconcilerConfig struct {
	SimilarityAdd      float64 // below this: ADD
	SimilarityUpdate   float64 // between Add and Update thresholds: ask judge
	SimilarityDup      float64 // at/above this: NOOP (duplicate)
	EntityJaccardMin   float64
	MaxConcurrentOwner int
	DriftSweepInterval time.Duration
}

// RetrieverConfig configures C5's recall breadth and scoring weights.
type RetrieverConfig struct {
	RecallMultiplier int // candidate pool = max(limit*RecallMultiplier, RecallFloor)
	RecallFloor      int
	GraphDepth        int
	GraphHopDecay     float64
	AlphaSimilarity   float64
	BetaGraphBoost    float64
	GammaTemporal     float64
	TemporalTauDays   float64
}

// Config is the fully merged application configuration.
type Config struct {
	LogPath  string
	LogLevel string

	SecretKey string // MEMORYX_SECRET_KEY, used to derive the content-at-rest key

	HTTPAddr string

	DB DBConfig

	Embedding EmbeddingConfig
	LLMClient LLMClientConfig

	Obs ObsConfig

	Kafka KafkaConfig

	DedupeRedisAddr string
	QuotaRedisAddr  string

	Outbox     OutboxConfig
	Reconciler ReconcilerConfig
	Retriever  RetrieverConfig
}

// KafkaConfig configures the ingestion task queue (§10.4).
type KafkaConfig struct {
	Brokers        string // comma-separated
	GroupID        string
	CommandsTopic  string
	ResponsesTopic string
	DeadLetterTopic string
}
