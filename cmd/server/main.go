// Command server runs the MemoryX HTTP API (§6): memory ingest, conversation
// flush, search, list/delete, task polling, quota, and agent
// auto-registration. Heavy ingestion work is hedged off onto a durable Kafka
// queue per §5/§10.4 when a broker is configured, falling back to an
// in-process worker for single-binary/dev deployments.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/segmentio/kafka-go"

	"memoryx/internal/aggregator"
	"memoryx/internal/auth"
	"memoryx/internal/config"
	"memoryx/internal/embedding"
	"memoryx/internal/entity"
	"memoryx/internal/httpapi"
	"memoryx/internal/llm/providers"
	"memoryx/internal/observability"
	"memoryx/internal/orchestrator"
	"memoryx/internal/persistence/databases"
	"memoryx/internal/reconciler"
	"memoryx/internal/retriever"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("server")
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
	ctx, cancel := signal.NotifyContext(baseCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownOTel, err := observability.InitOTel(baseCtx, cfg.Obs)
	if err != nil {
		log.Warn().Err(err).Msg("otel init failed, continuing without observability")
		shutdownOTel = nil
	}
	if shutdownOTel != nil {
		defer func() { _ = shutdownOTel(context.Background()) }()
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

	dedupe, err := orchestrator.NewRedisDedupeStore(cfg.DedupeRedisAddr)
	if err != nil {
		return fmt.Errorf("init redis dedupe store: %w", err)
	}
	defer func() {
		if cerr := dedupe.Close(); cerr != nil {
			log.Error().Err(cerr).Msg("error closing redis dedupe client")
		}
	}()

	var authOpts []auth.Option
	if cfg.QuotaRedisAddr != "" {
		quotaCache, qerr := auth.NewQuotaCache(cfg.QuotaRedisAddr)
		if qerr != nil {
			log.Warn().Err(qerr).Msg("quota cache unavailable, search quota checks will hit the relational store directly")
		} else {
			authOpts = append(authOpts, auth.WithQuotaCache(quotaCache))
			defer func() {
				if cerr := quotaCache.Close(); cerr != nil {
					log.Error().Err(cerr).Msg("error closing redis quota cache client")
				}
			}()
		}
	}
	authStore := auth.NewStore(mgr.Relational, authOpts...)
	rec := reconciler.New(embedder, llmProvider, cfg.LLMClient.OpenAI.Model, mgr.Vector, mgr.Graph, mgr.Relational, extractor, cfg.Reconciler, logger)
	agg := aggregator.New(llmProvider, cfg.LLMClient.OpenAI.Model, extractor, dedupe, mgr.Relational, rec, logger)
	ret := retriever.New(embedder, mgr.Vector, mgr.Graph, mgr.Relational, extractor, cfg.Retriever, logger)

	publisher, closePublisher, err := newTaskPublisher(cfg, agg, logger)
	if err != nil {
		return fmt.Errorf("init task publisher: %w", err)
	}
	defer closePublisher()

	srv := httpapi.NewServer(authStore, agg, ret, mgr.Relational, mgr.Vector, publisher, logger)

	go runDriftSweeps(ctx, mgr.Relational, rec, cfg.Reconciler.DriftSweepInterval, logger)

	httpSrv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: srv,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http server shutdown error")
		}
	}()

	log.Info().Str("addr", cfg.HTTPAddr).Msg("memoryx http api listening")
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// runDriftSweeps periodically reconciles every owner partition's relational
// rows against the vector/graph indexes (§4.3), started as a plain ticker
// goroutine from the server entrypoint rather than a separate service.
func runDriftSweeps(ctx context.Context, rel databases.RelationalStore, rec *reconciler.Service, interval time.Duration, log zerolog.Logger) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			owners, err := rel.ListActiveOwners(ctx)
			if err != nil {
				log.Error().Err(err).Msg("drift sweep: list active owners failed")
				continue
			}
			for _, ownerKey := range owners {
				owner := auth.Owner{UserID: ownerKey.UserID, ProjectID: ownerKey.ProjectID}
				if err := rec.DriftSweep(ctx, owner); err != nil {
					log.Warn().Err(err).Str("user_id", owner.UserID).Str("project_id", owner.ProjectID).Msg("drift sweep failed")
				}
			}
		}
	}
}

// kafkaPublisher hands ingestion tasks to the durable queue (production,
// multi-process deployments).
type kafkaPublisher struct {
	producer *kafka.Writer
	topic    string
}

func (p *kafkaPublisher) Publish(ctx context.Context, env orchestrator.IngestEnvelope) error {
	return orchestrator.PublishIngest(ctx, p.producer, p.topic, env)
}

// inProcessPublisher runs ingestion synchronously in a spawned goroutine,
// for single-binary/dev deployments with no broker configured.
type inProcessPublisher struct {
	agg *aggregator.Service
	log zerolog.Logger
}

func (p *inProcessPublisher) Publish(_ context.Context, env orchestrator.IngestEnvelope) error {
	go func() {
		ctx := context.Background()
		var err error
		switch env.Kind {
		case orchestrator.IngestSegment:
			err = p.agg.ProcessSegmentMessage(ctx, env.TaskID, env)
		case orchestrator.IngestMemory:
			err = p.agg.ProcessMemoryMessage(ctx, env.TaskID, env)
		default:
			err = fmt.Errorf("unknown ingest kind: %q", env.Kind)
		}
		if err != nil {
			p.log.Error().Err(err).Str("task_id", env.TaskID).Msg("in-process ingestion failed")
		}
	}()
	return nil
}

func newTaskPublisher(cfg config.Config, agg *aggregator.Service, log zerolog.Logger) (httpapi.TaskPublisher, func(), error) {
	brokers := make([]string, 0)
	for _, b := range strings.Split(cfg.Kafka.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		log.Info().Msg("no kafka brokers configured, using in-process ingestion")
		return &inProcessPublisher{agg: agg, log: log}, func() {}, nil
	}

	ctxAdmin, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := orchestrator.CheckBrokers(ctxAdmin, brokers, 3*time.Second); err != nil {
		return nil, nil, fmt.Errorf("reach kafka brokers: %w", err)
	}
	cmdCfg := kafka.TopicConfig{Topic: cfg.Kafka.CommandsTopic, NumPartitions: 1, ReplicationFactor: 1}
	dlqCfg := kafka.TopicConfig{Topic: cfg.Kafka.DeadLetterTopic, NumPartitions: 1, ReplicationFactor: 1}
	if err := orchestrator.EnsureTopics(ctxAdmin, brokers, []kafka.TopicConfig{cmdCfg, dlqCfg}); err != nil {
		return nil, nil, fmt.Errorf("ensure kafka topics: %w", err)
	}

	producer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Balancer: &kafka.LeastBytes{},
	})
	closeFn := func() {
		if err := producer.Close(); err != nil {
			log.Error().Err(err).Msg("error closing kafka producer")
		}
	}
	return &kafkaPublisher{producer: producer, topic: cfg.Kafka.CommandsTopic}, closeFn, nil
}
