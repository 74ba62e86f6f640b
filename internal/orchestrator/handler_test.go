package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

type fakeProcessor struct {
	segmentCalls int
	memoryCalls  int
	err          error
}

func (f *fakeProcessor) ProcessSegmentMessage(context.Context, string, IngestEnvelope) error {
	f.segmentCalls++
	return f.err
}

func (f *fakeProcessor) ProcessMemoryMessage(context.Context, string, IngestEnvelope) error {
	f.memoryCalls++
	return f.err
}

type fakeDedupe struct {
	store map[string]string
}

func newFakeDedupe() *fakeDedupe { return &fakeDedupe{store: map[string]string{}} }

func (f *fakeDedupe) Get(_ context.Context, key string) (string, error) {
	return f.store[key], nil
}

func (f *fakeDedupe) Set(_ context.Context, key, value string, _ time.Duration) error {
	f.store[key] = value
	return nil
}

type fakeProducer struct {
	written []kafka.Message
}

func (f *fakeProducer) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.written = append(f.written, msgs...)
	return nil
}

func TestHandleIngestMessage_DispatchesSegmentAndMemoryKinds(t *testing.T) {
	t.Parallel()
	proc := &fakeProcessor{}
	dedupe := newFakeDedupe()
	producer := &fakeProducer{}

	seg := IngestEnvelope{TaskID: "t1", ProjectID: "p1", Kind: IngestSegment}
	require.NoError(t, HandleIngestMessage(context.Background(), proc, dedupe, producer, toMsg(t, seg), "dlq", time.Minute))
	require.Equal(t, 1, proc.segmentCalls)
	require.Equal(t, 0, proc.memoryCalls)

	mem := IngestEnvelope{TaskID: "t2", ProjectID: "p1", Kind: IngestMemory}
	require.NoError(t, HandleIngestMessage(context.Background(), proc, dedupe, producer, toMsg(t, mem), "dlq", time.Minute))
	require.Equal(t, 1, proc.segmentCalls)
	require.Equal(t, 1, proc.memoryCalls)

	require.Empty(t, producer.written, "successful dispatch should not publish to the DLQ")
}

func TestHandleIngestMessage_DedupeSkipsAlreadyProcessedTask(t *testing.T) {
	t.Parallel()
	proc := &fakeProcessor{}
	dedupe := newFakeDedupe()
	producer := &fakeProducer{}
	env := IngestEnvelope{TaskID: "t1", ProjectID: "p1", Kind: IngestSegment}

	require.NoError(t, HandleIngestMessage(context.Background(), proc, dedupe, producer, toMsg(t, env), "dlq", time.Minute))
	require.Equal(t, 1, proc.segmentCalls)

	require.NoError(t, HandleIngestMessage(context.Background(), proc, dedupe, producer, toMsg(t, env), "dlq", time.Minute))
	require.Equal(t, 1, proc.segmentCalls, "a redelivered task id already marked done must not be reprocessed")
}

func TestHandleIngestMessage_MalformedEnvelopeGoesToDLQ(t *testing.T) {
	t.Parallel()
	proc := &fakeProcessor{}
	dedupe := newFakeDedupe()
	producer := &fakeProducer{}

	err := HandleIngestMessage(context.Background(), proc, dedupe, producer, kafka.Message{Value: []byte("not json")}, "dlq", time.Minute)
	require.NoError(t, err, "malformed envelopes are dead-lettered, not returned as a retryable error")
	require.Len(t, producer.written, 1)
	require.Equal(t, "dlq", producer.written[0].Topic)
}

func TestHandleIngestMessage_UnknownKindGoesToDLQ(t *testing.T) {
	t.Parallel()
	proc := &fakeProcessor{}
	dedupe := newFakeDedupe()
	producer := &fakeProducer{}
	env := IngestEnvelope{TaskID: "t1", ProjectID: "p1", Kind: "bogus"}

	err := HandleIngestMessage(context.Background(), proc, dedupe, producer, toMsg(t, env), "dlq", time.Minute)
	require.NoError(t, err)
	require.Len(t, producer.written, 1)
	require.Equal(t, 0, proc.segmentCalls)
	require.Equal(t, 0, proc.memoryCalls)
}

func TestHandleIngestMessage_ProcessingErrorBubblesUpForRetry(t *testing.T) {
	t.Parallel()
	proc := &fakeProcessor{err: errors.New("relational store unavailable")}
	dedupe := newFakeDedupe()
	producer := &fakeProducer{}
	env := IngestEnvelope{TaskID: "t1", ProjectID: "p1", Kind: IngestSegment}

	err := HandleIngestMessage(context.Background(), proc, dedupe, producer, toMsg(t, env), "dlq", time.Minute)
	require.Error(t, err, "a transient processing error must bubble up so the worker pool retries")
	require.Empty(t, producer.written, "no DLQ publication on a retryable error; that happens after retries are exhausted")
}

func toMsg(t *testing.T, env IngestEnvelope) kafka.Message {
	t.Helper()
	b, err := json.Marshal(env)
	require.NoError(t, err)
	return kafka.Message{Key: []byte(env.TaskID), Value: b}
}
