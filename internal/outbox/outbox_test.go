package outbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"memoryx/internal/config"
)

type fakeTransport struct {
	mu            sync.Mutex
	memoryCalls   [][]MemoryItem
	segmentCalls  map[string][]Message
	failMemory    bool
	failSegment   map[string]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{segmentCalls: make(map[string][]Message), failSegment: make(map[string]bool)}
}

func (f *fakeTransport) PostMemory(_ context.Context, items []MemoryItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMemory {
		return errors.New("simulated transport failure")
	}
	cp := append([]MemoryItem(nil), items...)
	f.memoryCalls = append(f.memoryCalls, cp)
	return nil
}

func (f *fakeTransport) PostConversation(_ context.Context, segmentID string, messages []Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSegment[segmentID] {
		return errors.New("simulated transport failure")
	}
	cp := append([]Message(nil), messages...)
	f.segmentCalls[segmentID] = cp
	return nil
}

func newTestClient(t *testing.T, transport Transport) *Client {
	t.Helper()
	dir := t.TempDir()
	cfg := config.OutboxConfig{
		Path:              filepath.Join(dir, "outbox.db"),
		FlushBatchSize:    100,
		FlushRounds:       100,
		FlushTokenBudget:  1_000_000,
		FlushIdleInterval: time.Hour,
		MaxRetry:          3,
		BackoffBase:       time.Millisecond,
		BackoffMax:        10 * time.Millisecond,
	}
	c, err := Open(cfg, transport, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(); os.Remove(cfg.Path) })
	return c
}

func TestAddMemory_FlushDeliversAndClearsQueue(t *testing.T) {
	t.Parallel()
	transport := newFakeTransport()
	c := newTestClient(t, transport)
	ctx := context.Background()

	id, err := c.AddMemory(ctx, "Alice prefers dark roast coffee", map[string]any{"source": "test"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, c.Flush(ctx))

	transport.mu.Lock()
	require.Len(t, transport.memoryCalls, 1)
	require.Len(t, transport.memoryCalls[0], 1)
	transport.mu.Unlock()

	stats, err := c.GetQueueStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, stats.MessageCount)
}

func TestCountRounds_OnlyCountsUserThenAssistantTransitions(t *testing.T) {
	t.Parallel()
	msgs := []Message{
		{Role: "user", Content: "hi"},
		{Role: "user", Content: "hi again"},
		{Role: "assistant", Content: "hello"},
		{Role: "assistant", Content: "anything else?"},
		{Role: "user", Content: "bye"},
		{Role: "assistant", Content: "goodbye"},
	}
	require.Equal(t, 2, countRounds(msgs))
}

func TestFlush_TransportFailureReschedulesWithBackoff(t *testing.T) {
	t.Parallel()
	transport := newFakeTransport()
	transport.failMemory = true
	c := newTestClient(t, transport)
	ctx := context.Background()

	_, err := c.AddMemory(ctx, "will fail once", nil)
	require.NoError(t, err)
	require.NoError(t, c.Flush(ctx))

	var retry int
	var nextAttempt time.Time
	row := c.db.QueryRowContext(ctx, `SELECT retry, next_attempt_at FROM memory_outbox`)
	require.NoError(t, row.Scan(&retry, &nextAttempt))
	require.Equal(t, 1, retry)
	require.True(t, nextAttempt.After(time.Now().Add(-time.Second)))
}

func TestFlush_MaxRetryMovesToDeadLetter(t *testing.T) {
	t.Parallel()
	transport := newFakeTransport()
	transport.failMemory = true
	c := newTestClient(t, transport)
	c.cfg.MaxRetry = 2
	ctx := context.Background()

	_, err := c.AddMemory(ctx, "doomed item", nil)
	require.NoError(t, err)

	// The item moves to dead_letter only once its retry counter exceeds
	// MaxRetry, so the 3rd failure (not the 2nd) is the one that triggers it.
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Flush(ctx))
		_, err := c.db.ExecContext(ctx, `UPDATE memory_outbox SET next_attempt_at = ?`, time.Now().Add(-time.Second))
		require.NoError(t, err)
	}

	var count int
	require.NoError(t, c.db.QueryRowContext(ctx, `SELECT count(*) FROM memory_outbox`).Scan(&count))
	require.Equal(t, 0, count)
	require.NoError(t, c.db.QueryRowContext(ctx, `SELECT count(*) FROM dead_letter`).Scan(&count))
	require.Equal(t, 1, count)
}

func TestStartNewConversation_SealsPriorSegment(t *testing.T) {
	t.Parallel()
	transport := newFakeTransport()
	c := newTestClient(t, transport)
	ctx := context.Background()

	_, err := c.AddMessage(ctx, "user", "first segment")
	require.NoError(t, err)
	first := c.conversationID

	second := c.StartNewConversation()
	require.NotEqual(t, first, second)

	_, err = c.AddMessage(ctx, "user", "second segment")
	require.NoError(t, err)

	require.NoError(t, c.Flush(ctx))
	transport.mu.Lock()
	defer transport.mu.Unlock()
	require.Contains(t, transport.segmentCalls, first)
	require.Contains(t, transport.segmentCalls, second)
}
