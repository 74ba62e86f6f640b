package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Flush forces a single flush pass. It is idempotent while already in
// progress: a concurrent call returns immediately without error, matching
// the single in-flight-flag contract of §4.1.
func (c *Client) Flush(ctx context.Context) error {
	if !c.flushing.CompareAndSwap(false, true) {
		return nil
	}
	defer c.flushing.Store(false)

	if err := c.flushMemories(ctx); err != nil {
		return err
	}
	return c.flushConversations(ctx)
}

func (c *Client) flushMemories(ctx context.Context) error {
	now := time.Now()
	rows, err := c.db.QueryContext(ctx, `
SELECT id, content, metadata, retry FROM memory_outbox WHERE next_attempt_at <= ? ORDER BY created_at ASC
`, now)
	if err != nil {
		return fmt.Errorf("outbox: query memory_outbox: %w", err)
	}
	type pending struct {
		id, content, metadata string
		retry                 int
	}
	var items []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.content, &p.metadata, &p.retry); err != nil {
			rows.Close()
			return fmt.Errorf("outbox: scan memory_outbox: %w", err)
		}
		items = append(items, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	batch := make([]MemoryItem, len(items))
	for i, p := range items {
		var meta map[string]any
		_ = json.Unmarshal([]byte(p.metadata), &meta)
		batch[i] = MemoryItem{LocalID: p.id, Content: p.content, Metadata: meta}
	}

	if err := c.transport.PostMemory(ctx, batch); err != nil {
		for _, p := range items {
			if derr := c.deferOrDeadLetter(ctx, "memory_outbox", p.id, p.retry, err); derr != nil {
				return derr
			}
		}
		return nil
	}

	ids := make([]any, len(items))
	placeholders := make([]string, len(items))
	for i, p := range items {
		ids[i] = p.id
		placeholders[i] = "?"
	}
	if _, err := c.db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM memory_outbox WHERE id IN (%s)`, join(placeholders)), ids...); err != nil {
		return fmt.Errorf("outbox: delete delivered memories: %w", err)
	}
	return nil
}

func (c *Client) flushConversations(ctx context.Context) error {
	now := time.Now()
	segRows, err := c.db.QueryContext(ctx, `
SELECT DISTINCT segment_id FROM conversation_outbox WHERE next_attempt_at <= ?
`, now)
	if err != nil {
		return fmt.Errorf("outbox: query segments: %w", err)
	}
	var segments []string
	for segRows.Next() {
		var s string
		if err := segRows.Scan(&s); err != nil {
			segRows.Close()
			return err
		}
		segments = append(segments, s)
	}
	segRows.Close()
	if err := segRows.Err(); err != nil {
		return err
	}

	for _, segmentID := range segments {
		if err := c.flushSegment(ctx, segmentID); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) flushSegment(ctx context.Context, segmentID string) error {
	rows, err := c.db.QueryContext(ctx, `
SELECT id, role, content, retry FROM conversation_outbox WHERE segment_id = ? ORDER BY seq ASC
`, segmentID)
	if err != nil {
		return fmt.Errorf("outbox: query segment %s: %w", segmentID, err)
	}
	type pending struct {
		id, role, content string
		retry             int
	}
	var items []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.role, &p.content, &p.retry); err != nil {
			rows.Close()
			return err
		}
		items = append(items, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	msgs := make([]Message, len(items))
	for i, p := range items {
		msgs[i] = Message{LocalID: p.id, Role: p.role, Content: p.content}
	}

	if err := c.transport.PostConversation(ctx, segmentID, msgs); err != nil {
		// All messages in a segment share fate: the receiver needs the
		// whole ordered segment, so retry/dead-letter bookkeeping is
		// driven off the oldest (first) item's retry counter.
		retry := items[0].retry
		for _, p := range items {
			if derr := c.deferOrDeadLetter(ctx, "conversation_outbox", p.id, retry, err); derr != nil {
				return derr
			}
		}
		return nil
	}

	if _, err := c.db.ExecContext(ctx, `DELETE FROM conversation_outbox WHERE segment_id = ?`, segmentID); err != nil {
		return fmt.Errorf("outbox: delete delivered segment %s: %w", segmentID, err)
	}
	return nil
}

// deferOrDeadLetter increments an item's retry counter and reschedules it
// with exponential backoff, or moves it to dead_letter once the incremented
// counter exceeds MAX_RETRY (§4.1 dead-letter policy).
func (c *Client) deferOrDeadLetter(ctx context.Context, table, id string, retry int, lastErr error) error {
	retry++
	maxRetry := c.cfg.MaxRetry
	if maxRetry <= 0 {
		maxRetry = 5
	}
	if retry > maxRetry {
		return c.moveToDeadLetter(ctx, table, id, lastErr)
	}
	delay := backoffDelay(retry, c.cfg.BackoffBase, c.cfg.BackoffMax)
	next := time.Now().Add(delay)
	_, err := c.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET retry = ?, next_attempt_at = ? WHERE id = ?`, table), retry, next, id)
	if err != nil {
		return fmt.Errorf("outbox: reschedule %s/%s: %w", table, id, err)
	}
	return nil
}

// backoffDelay implements §4.1's retry schedule: base*2^retry, clamped to
// max (60s when unset), with +/-20% jitter.
func backoffDelay(retry int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max <= 0 {
		max = 60 * time.Second
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(retry)))
	if d > max {
		d = max
	}
	jitter := 0.8 + rand.Float64()*0.4 // +/-20%
	return time.Duration(float64(d) * jitter)
}

func (c *Client) moveToDeadLetter(ctx context.Context, table, id string, lastErr error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var payload []byte
	var row *sql.Row
	switch table {
	case "memory_outbox":
		row = tx.QueryRowContext(ctx, `SELECT content, metadata FROM memory_outbox WHERE id = ?`, id)
		var content, metadata string
		if err := row.Scan(&content, &metadata); err != nil {
			return fmt.Errorf("outbox: load dead item %s: %w", id, err)
		}
		payload, _ = json.Marshal(map[string]string{"content": content, "metadata": metadata})
	case "conversation_outbox":
		row = tx.QueryRowContext(ctx, `SELECT segment_id, role, content FROM conversation_outbox WHERE id = ?`, id)
		var segmentID, role, content string
		if err := row.Scan(&segmentID, &role, &content); err != nil {
			return fmt.Errorf("outbox: load dead item %s: %w", id, err)
		}
		payload, _ = json.Marshal(map[string]string{"segment_id": segmentID, "role": role, "content": content})
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO dead_letter(id, kind, payload, last_error, created_at) VALUES (?,?,?,?,?)
`, id, table, string(payload), lastErr.Error(), time.Now()); err != nil {
		return fmt.Errorf("outbox: insert dead_letter %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), id); err != nil {
		return fmt.Errorf("outbox: delete %s/%s after dead-letter: %w", table, id, err)
	}
	return tx.Commit()
}

// SweepDeadLetter removes dead_letter rows older than 30 days (§4.1).
func (c *Client) SweepDeadLetter(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-30 * 24 * time.Hour)
	res, err := c.db.ExecContext(ctx, `DELETE FROM dead_letter WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("outbox: sweep dead_letter: %w", err)
	}
	return res.RowsAffected()
}

func join(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}
