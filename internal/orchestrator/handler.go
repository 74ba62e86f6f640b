package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

// IngestKind distinguishes the two ingestion paths C2 accepts.
type IngestKind string

const (
	IngestSegment IngestKind = "segment"
	IngestMemory  IngestKind = "memory"
)

// IngestMessage carries one conversation turn, mirrored into the envelope so
// the worker does not need a second round-trip to fetch segment contents.
type IngestMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// IngestEnvelope is the durable ingestion task carried on the commands topic:
// a task id, the owner partition it writes into, and either a conversation
// segment or a batch of already-final memory contents.
type IngestEnvelope struct {
	TaskID    string          `json:"task_id"`
	UserID    string          `json:"user_id"`
	ProjectID string          `json:"project_id"`
	APIKeyID  string          `json:"api_key_id"`
	Kind      IngestKind      `json:"kind"`
	SegmentID string          `json:"segment_id,omitempty"`
	Messages  []IngestMessage `json:"messages,omitempty"`
	Contents  []string        `json:"contents,omitempty"`
}

// Processor is the subset of aggregator.Service the ingestion worker depends
// on, narrowed here to avoid a direct import cycle back into internal/aggregator.
type Processor interface {
	ProcessSegmentMessage(ctx context.Context, taskID string, env IngestEnvelope) error
	ProcessMemoryMessage(ctx context.Context, taskID string, env IngestEnvelope) error
}

// Producer abstracts the kafka writer behavior needed by the handler.
type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// HandleIngestMessage processes a single Kafka message carrying an
// IngestEnvelope. Dedup is keyed on task id, not segment id (that dedupe
// already happened synchronously in aggregator.SubmitSegment), to guard
// against Kafka's at-least-once redelivery reprocessing a task that already
// reached a terminal state. Malformed envelopes are dead-lettered and the
// offset committed; processing errors are returned so the caller can retry
// with backoff, splitting transient failures from permanent ones.
func HandleIngestMessage(
	ctx context.Context,
	proc Processor,
	dedupe DedupeStore,
	producer Producer,
	msg kafka.Message,
	dlqTopic string,
	dedupeTTL time.Duration,
) error {
	var env IngestEnvelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		publishDLQ(ctx, producer, dlqTopic, string(msg.Key), fmt.Sprintf("malformed ingest envelope: %v", err))
		return nil
	}
	if env.TaskID == "" {
		publishDLQ(ctx, producer, dlqTopic, string(msg.Key), "missing task_id")
		return nil
	}

	dedupeKey := "orchestrator:ingest:" + env.TaskID
	if prev, err := dedupe.Get(ctx, dedupeKey); err != nil {
		return fmt.Errorf("dedupe get failed (task_id=%s): %w", env.TaskID, err)
	} else if prev != "" {
		log.Printf("dedupe hit, skipping already-processed task (task_id=%s)", env.TaskID)
		return nil
	}

	var procErr error
	switch env.Kind {
	case IngestSegment:
		procErr = proc.ProcessSegmentMessage(ctx, env.TaskID, env)
	case IngestMemory:
		procErr = proc.ProcessMemoryMessage(ctx, env.TaskID, env)
	default:
		publishDLQ(ctx, producer, dlqTopic, env.TaskID, fmt.Sprintf("unknown ingest kind: %q", env.Kind))
		return nil
	}
	if procErr != nil {
		// The aggregator has already recorded a terminal FAILURE on the task
		// for permanent causes (bad LLM output, exhausted retries); an error
		// returned here still bubbles up as transient so the worker pool's
		// retry/backoff gets a second chance against infra blips (e.g. the
		// relational store itself being briefly unreachable).
		return fmt.Errorf("process ingest task %s: %w", env.TaskID, procErr)
	}

	if err := dedupe.Set(ctx, dedupeKey, "done", dedupeTTL); err != nil {
		log.Printf("dedupe set failed (task_id=%s): %v", env.TaskID, err)
	}
	log.Printf("processed ingest task (task_id=%s, kind=%s)", env.TaskID, env.Kind)
	return nil
}

func publishDLQ(ctx context.Context, producer Producer, dlqTopic, key, reason string) {
	payload, _ := json.Marshal(map[string]string{"task_id": key, "error": reason})
	if err := producer.WriteMessages(ctx, kafka.Message{Topic: dlqTopic, Key: []byte(key), Value: payload}); err != nil {
		log.Printf("failed to publish ingest DLQ (key=%s): %v", key, err)
	}
}

// PublishIngest marshals and writes an ingestion task envelope to the
// commands topic, keyed by task id so redeliveries of the same task land on
// the same partition.
func PublishIngest(ctx context.Context, producer Producer, topic string, env IngestEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal ingest envelope: %w", err)
	}
	return producer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: []byte(env.TaskID), Value: payload})
}
