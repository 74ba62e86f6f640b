package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/segmentio/kafka-go"

	"memoryx/internal/aggregator"
	"memoryx/internal/config"
	"memoryx/internal/embedding"
	"memoryx/internal/entity"
	"memoryx/internal/llm/providers"
	"memoryx/internal/observability"
	"memoryx/internal/orchestrator"
	"memoryx/internal/persistence/databases"
	"memoryx/internal/reconciler"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("orchestrator")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	observability.InitLogger(cfg.LogPath, cfg.LogLevel)
	logger := log.Logger

	baseCtx := context.Background()

	brokers := make([]string, 0)
	for _, b := range strings.Split(cfg.Kafka.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return fmt.Errorf("no Kafka brokers configured")
	}

	workerCount := 4
	dedupeTTL := 24 * time.Hour

	log.Info().
		Strs("brokers", brokers).
		Str("groupID", cfg.Kafka.GroupID).
		Str("commandsTopic", cfg.Kafka.CommandsTopic).
		Int("workers", workerCount).
		Msg("starting memoryx ingestion worker")

	dedupe, err := orchestrator.NewRedisDedupeStore(cfg.DedupeRedisAddr)
	if err != nil {
		return fmt.Errorf("init redis dedupe store: %w", err)
	}
	defer func() {
		if cerr := dedupe.Close(); cerr != nil {
			log.Error().Err(cerr).Msg("error closing redis dedupe client")
		}
	}()

	producer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Balancer: &kafka.LeastBytes{},
	})
	defer func() {
		if err := producer.Close(); err != nil {
			log.Error().Err(err).Msg("error closing kafka producer")
		}
	}()

	shutdown, err := observability.InitOTel(baseCtx, cfg.Obs)
	if err != nil {
		log.Warn().Err(err).Msg("otel init failed, continuing without observability")
		shutdown = nil
	}
	if shutdown != nil {
		defer func() { _ = shutdown(context.Background()) }()
	}

	httpClient := observability.NewHTTPClient(&http.Client{Timeout: 60 * time.Second})

	mgr, err := databases.NewManager(baseCtx, cfg.DB, cfg.SecretKey)
	if err != nil {
		return fmt.Errorf("init databases: %w", err)
	}
	defer mgr.Close()

	llmProvider, err := providers.Build(cfg, httpClient)
	if err != nil {
		return fmt.Errorf("build llm provider: %w", err)
	}
	embedder := embedding.NewClient(cfg.Embedding, cfg.DB.Vector.Dimensions)
	extractor := entity.NewHeuristic()

	rec := reconciler.New(embedder, llmProvider, cfg.LLMClient.OpenAI.Model, mgr.Vector, mgr.Graph, mgr.Relational, extractor, cfg.Reconciler, logger)
	agg := aggregator.New(llmProvider, cfg.LLMClient.OpenAI.Model, extractor, dedupe, mgr.Relational, rec, logger)

	ctx, cancel := signal.NotifyContext(baseCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ctxAdmin, cancelAdmin := context.WithTimeout(baseCtx, 5*time.Second)
	defer cancelAdmin()
	if err := orchestrator.CheckBrokers(ctxAdmin, brokers, 3*time.Second); err != nil {
		return fmt.Errorf("reach kafka brokers: %w", err)
	}

	cmdCfg := kafka.TopicConfig{Topic: cfg.Kafka.CommandsTopic, NumPartitions: 1, ReplicationFactor: 1}
	dlqCfg := kafka.TopicConfig{Topic: cfg.Kafka.DeadLetterTopic, NumPartitions: 1, ReplicationFactor: 1}
	if err := orchestrator.EnsureTopics(ctxAdmin, brokers, []kafka.TopicConfig{cmdCfg, dlqCfg}); err != nil {
		return fmt.Errorf("ensure kafka topics: %w", err)
	}

	if err := orchestrator.StartIngestConsumer(
		ctx,
		brokers,
		cfg.Kafka.GroupID,
		cfg.Kafka.CommandsTopic,
		producer,
		agg,
		dedupe,
		workerCount,
		cfg.Kafka.DeadLetterTopic,
		dedupeTTL,
	); err != nil {
		return fmt.Errorf("kafka consumer terminated: %w", err)
	}

	log.Info().Msg("memoryx ingestion worker stopped")
	return nil
}
