package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// StartIngestConsumer starts a consumer that reads ingestion task envelopes
// from the commands topic and drives them through proc using a bounded pool
// of per-shard workers. Unlike a plain round-robin worker pool, every message
// is routed by a hash of its owner project id to one fixed shard (shardFor),
// so messages for the same project are always handled in fetch order by the
// same goroutine. That matters because reconciler.Service serializes commits
// per project with its own keyed mutex (internal/reconciler's owners lock):
// round-robin dispatch would let two tasks for the same project land on
// different workers and block on that lock in whatever order the scheduler
// happens to run them, while partition-aware routing keeps a project's tasks
// strictly ordered before they ever reach the reconciler. Messages are
// committed only after successful handling, or DLQ publication after retries
// on transient errors.
func StartIngestConsumer(
	ctx context.Context,
	brokers []string,
	groupID string,
	commandsTopic string,
	producer *kafka.Writer,
	proc Processor,
	dedupe DedupeStore,
	workerCount int,
	dlqTopic string,
	dedupeTTL time.Duration,
) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  groupID,
		Topic:    commandsTopic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer func() {
		if err := reader.Close(); err != nil {
			log.Printf("error closing Kafka reader: %v", err)
		}
	}()

	if workerCount <= 0 {
		workerCount = 1
	}
	shards := make([]chan kafka.Message, workerCount)
	for i := range shards {
		shards[i] = make(chan kafka.Message, 16)
	}

	var wg sync.WaitGroup
	wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go runShardWorker(ctx, i, shards[i], reader, proc, dedupe, producer, dlqTopic, dedupeTTL, &wg)
	}

	go func() {
		defer func() {
			for _, s := range shards {
				close(s)
			}
		}()
		for {
			if ctx.Err() != nil {
				return
			}
			m, err := reader.FetchMessage(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				log.Printf("fetch error: %v", err)
				t := time.NewTimer(500 * time.Millisecond)
				select {
				case <-t.C:
				case <-ctx.Done():
					if !t.Stop() {
						<-t.C
					}
					return
				}
				continue
			}
			shard := shards[shardFor(m, workerCount)]
			select {
			case shard <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Wait()
	return ctx.Err()
}

// shardFor picks the worker a message is routed to, keyed by the envelope's
// project id when present so every task for one project is always handled by
// the same shard in fetch order. A malformed or keyless envelope falls back
// to the raw Kafka message key so it still lands deterministically somewhere
// rather than being dropped.
func shardFor(m kafka.Message, shardCount int) int {
	var env IngestEnvelope
	key := m.Key
	if err := json.Unmarshal(m.Value, &env); err == nil && env.ProjectID != "" {
		key = []byte(env.ProjectID)
	}
	h := fnv.New32a()
	h.Write(key)
	return int(h.Sum32()) % shardCount
}

func runShardWorker(
	ctx context.Context,
	shardID int,
	jobs <-chan kafka.Message,
	reader *kafka.Reader,
	proc Processor,
	dedupe DedupeStore,
	producer *kafka.Writer,
	dlqTopic string,
	dedupeTTL time.Duration,
	wg *sync.WaitGroup,
) {
	defer wg.Done()
	for msg := range jobs {
		maxAttempts := 3
		attempt := 0
		var lastErr error
		for {
			attempt++
			if err := HandleIngestMessage(ctx, proc, dedupe, producer, msg, dlqTopic, dedupeTTL); err != nil {
				lastErr = err
				if attempt < maxAttempts && ctx.Err() == nil {
					backoff := time.Duration(200*(1<<uint(attempt-1))) * time.Millisecond
					log.Printf("shard=%d transient error, will retry (attempt=%d/%d, sleep=%s): %v", shardID, attempt, maxAttempts, backoff, err)
					sleepCtx, cancel := context.WithTimeout(ctx, backoff)
					<-sleepCtx.Done()
					cancel()
					continue
				}
				publishDLQ(ctx, producer, dlqTopic, string(msg.Key), lastErr.Error())
			}
			break
		}
		if err := reader.CommitMessages(ctx, msg); err != nil {
			log.Printf("commit failed (topic=%s partition=%d offset=%d): %v", msg.Topic, msg.Partition, msg.Offset, err)
		}
	}
}
