// Package outbox implements C1, the client-side durable queue and flusher:
// an embedded SQLite store that decouples addMemory/addMessage calls from
// the network and guarantees at-least-once delivery to the ingest endpoints
// of §6 across transport failures and server outages.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"memoryx/internal/config"
	"memoryx/internal/llm"
)

// Transport delivers queued items to the server. A real implementation
// posts to the §6 ingest routes; tests substitute a fake.
type Transport interface {
	PostMemory(ctx context.Context, items []MemoryItem) error
	PostConversation(ctx context.Context, segmentID string, messages []Message) error
}

// MemoryItem is one queued addMemory call.
type MemoryItem struct {
	LocalID  string
	Content  string
	Metadata map[string]any
}

// Message is one queued addMessage call.
type Message struct {
	LocalID string
	Role    string
	Content string
}

// Stats answers getQueueStats for diagnostics and custom trigger predicates.
type Stats struct {
	MessageCount     int
	Rounds           int
	TotalTokens      int
	OldestMessageAge time.Duration
	ConversationID   string
}

// Predicate is a custom flush trigger evaluated against the current stats.
type Predicate func(Stats) bool

// Client is the embedded outbox. One instance per install, backed by one
// SQLite file, matching the client-persistent-state contract of §6.
type Client struct {
	db        *sql.DB
	cfg       config.OutboxConfig
	transport Transport
	log       zerolog.Logger

	mu             sync.Mutex
	conversationID string
	lastActivity   time.Time
	flushing       atomic.Bool
	predicate      Predicate
}

// Open opens (creating if needed) the SQLite-backed outbox at cfg.Path.
func Open(cfg config.OutboxConfig, transport Transport, log zerolog.Logger) (*Client, error) {
	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("outbox: open %s: %w", cfg.Path, err)
	}
	c := &Client{
		db:             db,
		cfg:            cfg,
		transport:      transport,
		log:            log,
		conversationID: newLocalID(),
		lastActivity:   time.Now(),
	}
	if err := c.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// SetCustomPredicate installs an additional flush trigger (§4.1 trigger 5).
func (c *Client) SetCustomPredicate(p Predicate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.predicate = p
}

func (c *Client) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memory_outbox (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			retry INTEGER NOT NULL DEFAULT 0,
			next_attempt_at DATETIME NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_outbox (
			id TEXT PRIMARY KEY,
			segment_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			sealed BOOLEAN NOT NULL DEFAULT 0,
			retry INTEGER NOT NULL DEFAULT 0,
			next_attempt_at DATETIME NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_outbox_segment ON conversation_outbox (segment_id, seq)`,
		`CREATE TABLE IF NOT EXISTS dead_letter (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			last_error TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := c.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("outbox: init schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying SQLite connection.
func (c *Client) Close() error {
	return c.db.Close()
}

// AddMemory enqueues one memory and triggers an immediate flush if any
// threshold is already met.
func (c *Client) AddMemory(ctx context.Context, content string, metadata map[string]any) (string, error) {
	id := newLocalID()
	meta, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("outbox: marshal metadata: %w", err)
	}
	now := time.Now()
	_, err = c.db.ExecContext(ctx, `
INSERT INTO memory_outbox(id, content, metadata, retry, next_attempt_at, created_at) VALUES (?,?,?,0,?,?)
`, id, content, string(meta), now, now)
	if err != nil {
		return "", fmt.Errorf("outbox: enqueue memory: %w", err)
	}
	c.maybeFlush(ctx)
	return id, nil
}

// AddMessage appends to the current conversation segment and marks activity.
func (c *Client) AddMessage(ctx context.Context, role, content string) (string, error) {
	id := newLocalID()
	c.mu.Lock()
	segmentID := c.conversationID
	c.lastActivity = time.Now()
	c.mu.Unlock()

	var seq int
	if err := c.db.QueryRowContext(ctx, `
SELECT COALESCE(MAX(seq), -1) + 1 FROM conversation_outbox WHERE segment_id = ?
`, segmentID).Scan(&seq); err != nil {
		return "", fmt.Errorf("outbox: next seq: %w", err)
	}
	now := time.Now()
	_, err := c.db.ExecContext(ctx, `
INSERT INTO conversation_outbox(id, segment_id, seq, role, content, sealed, retry, next_attempt_at, created_at)
VALUES (?,?,?,?,?,0,0,?,?)
`, id, segmentID, seq, role, content, now, now)
	if err != nil {
		return "", fmt.Errorf("outbox: enqueue message: %w", err)
	}
	c.maybeFlush(ctx)
	return id, nil
}

// StartNewConversation seals the current segment (it remains queued for
// delivery) and returns the new segment id.
func (c *Client) StartNewConversation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conversationID = newLocalID()
	return c.conversationID
}

// maybeFlush checks the configured triggers and fires a background flush
// if any is satisfied. Errors are logged, not propagated, since enqueue
// calls must never block on network delivery.
func (c *Client) maybeFlush(ctx context.Context) {
	stats, err := c.GetQueueStats(ctx)
	if err != nil {
		c.log.Debug().Err(err).Msg("outbox: stats check failed, skipping trigger evaluation")
		return
	}
	if !c.shouldFlush(stats) {
		return
	}
	if err := c.Flush(ctx); err != nil {
		c.log.Warn().Err(err).Msg("outbox: triggered flush failed")
	}
}

func (c *Client) shouldFlush(s Stats) bool {
	if c.cfg.FlushRounds > 0 && s.Rounds >= c.cfg.FlushRounds {
		return true
	}
	if c.cfg.FlushBatchSize > 0 && s.MessageCount >= c.cfg.FlushBatchSize {
		return true
	}
	if c.cfg.FlushTokenBudget > 0 && s.TotalTokens >= c.cfg.FlushTokenBudget {
		return true
	}
	c.mu.Lock()
	idle := time.Since(c.lastActivity)
	p := c.predicate
	c.mu.Unlock()
	if c.cfg.FlushIdleInterval > 0 && s.MessageCount > 0 && idle >= c.cfg.FlushIdleInterval {
		return true
	}
	if p != nil && p(s) {
		return true
	}
	return false
}

// GetQueueStats reports the current queue shape for diagnostics and custom
// trigger functions.
func (c *Client) GetQueueStats(ctx context.Context) (Stats, error) {
	c.mu.Lock()
	segmentID := c.conversationID
	c.mu.Unlock()

	rows, err := c.db.QueryContext(ctx, `
SELECT role, content, created_at FROM conversation_outbox WHERE segment_id = ? ORDER BY seq ASC
`, segmentID)
	if err != nil {
		return Stats{}, fmt.Errorf("outbox: query stats: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	var oldest time.Time
	for rows.Next() {
		var role, content string
		var createdAt time.Time
		if err := rows.Scan(&role, &content, &createdAt); err != nil {
			return Stats{}, fmt.Errorf("outbox: scan stats row: %w", err)
		}
		msgs = append(msgs, Message{Role: role, Content: content})
		if oldest.IsZero() || createdAt.Before(oldest) {
			oldest = createdAt
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	rounds := countRounds(msgs)
	tokens := 0
	for _, m := range msgs {
		tokens += llm.EstimateTokens(m.Content)
	}
	var age time.Duration
	if !oldest.IsZero() {
		age = time.Since(oldest)
	}
	return Stats{
		MessageCount:     len(msgs),
		Rounds:           rounds,
		TotalTokens:      tokens,
		OldestMessageAge: age,
		ConversationID:   segmentID,
	}, nil
}

// countRounds implements §4.1's round-counting contract: a round completes
// when an assistant message immediately follows a user message in insertion
// order; repeated same-role messages do not advance the count.
func countRounds(msgs []Message) int {
	rounds := 0
	for i := 1; i < len(msgs); i++ {
		if msgs[i-1].Role == "user" && msgs[i].Role == "assistant" {
			rounds++
		}
	}
	return rounds
}

func newLocalID() string {
	return fmt.Sprintf("%d-%06d", time.Now().UnixNano(), rand.Intn(1_000_000))
}
