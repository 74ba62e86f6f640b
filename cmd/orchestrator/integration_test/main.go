// Command integration_test is a manual Kafka smoke test: it publishes a
// memory-ingest envelope to the commands topic, then watches the DLQ topic
// briefly to confirm the envelope wasn't rejected as malformed. It does not
// wait for a completion signal. Ingestion results land in the tasks table,
// not on a Kafka response topic, so confirming the task's outcome requires
// polling GET /v1/memories/task/{task_id} against a running server instead.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/segmentio/kafka-go"

	"memoryx/internal/orchestrator"
)

func genID(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("id-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func main() {
	brokers := flag.String("brokers", "localhost:9092", "comma-separated Kafka brokers")
	commandsTopic := flag.String("commands-topic", "memoryx.ingest.commands", "commands topic")
	dlqTopic := flag.String("dlq-topic", "memoryx.ingest.dlq", "dead-letter topic")
	watch := flag.Duration("watch", 5*time.Second, "how long to watch the DLQ for a rejection")
	flag.Parse()

	taskID := "it-" + genID(8)
	env := orchestrator.IngestEnvelope{
		TaskID:    taskID,
		UserID:    "integration-test-user",
		ProjectID: "integration-test-project",
		APIKeyID:  "integration-test-key",
		Kind:      orchestrator.IngestMemory,
		Contents:  []string{"the user's favorite color is teal"},
	}
	payload, err := json.Marshal(env)
	if err != nil {
		log.Fatalf("failed to marshal envelope: %v", err)
	}

	w := kafka.NewWriter(kafka.WriterConfig{Brokers: []string{*brokers}, Topic: *commandsTopic})
	defer w.Close()

	if err := w.WriteMessages(context.Background(), kafka.Message{Key: []byte(taskID), Value: payload}); err != nil {
		log.Fatalf("failed to write command message: %v", err)
	}
	fmt.Printf("published ingest task_id=%s to topic=%s\n", taskID, *commandsTopic)

	ctx, cancel := context.WithTimeout(context.Background(), *watch)
	defer cancel()
	r := kafka.NewReader(kafka.ReaderConfig{Brokers: []string{*brokers}, GroupID: "integration-test-dlq-" + taskID, Topic: *dlqTopic, MinBytes: 1, MaxBytes: 10e6})
	defer r.Close()

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			fmt.Println("no rejection observed on DLQ within watch window, assuming accepted")
			return
		}
		if string(m.Key) == taskID {
			fmt.Printf("task %s was rejected: %s\n", taskID, string(m.Value))
			_ = r.CommitMessages(context.Background(), m)
			return
		}
		_ = r.CommitMessages(context.Background(), m)
	}
}
