package auth

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// QuotaCache is a Redis-backed daily search-quota counter (§10.4), fronting
// the relational api_keys row so the hot search path can reject an
// already-exhausted key without taking IncrementQuota's row-locked
// transaction. The relational row stays the durable record of truth; a
// Redis outage or cache miss simply falls back to it.
type QuotaCache struct {
	client *redis.Client
}

// NewQuotaCache dials addr and pings it to validate the connection.
func NewQuotaCache(addr string) (*QuotaCache, error) {
	c := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &QuotaCache{client: c}, nil
}

// Close closes the underlying Redis client.
func (q *QuotaCache) Close() error {
	return q.client.Close()
}

func searchQuotaKey(apiKeyID string, day time.Time) string {
	return fmt.Sprintf("memoryx:quota:search:%s:%s", apiKeyID, day.Format("2006-01-02"))
}

// Peek returns today's cached used/limit pair. ok is false on a cache miss
// or Redis error, in which case the caller should consult the relational
// row and call Sync to populate the cache.
func (q *QuotaCache) Peek(ctx context.Context, apiKeyID string) (used, limit int, ok bool) {
	res, err := q.client.HMGet(ctx, searchQuotaKey(apiKeyID, time.Now().UTC()), "used", "limit").Result()
	if err != nil || len(res) != 2 || res[0] == nil || res[1] == nil {
		return 0, 0, false
	}
	u, uOK := res[0].(string)
	l, lOK := res[1].(string)
	if !uOK || !lOK {
		return 0, 0, false
	}
	var parsed [2]int
	if _, err := fmt.Sscanf(u, "%d", &parsed[0]); err != nil {
		return 0, 0, false
	}
	if _, err := fmt.Sscanf(l, "%d", &parsed[1]); err != nil {
		return 0, 0, false
	}
	return parsed[0], parsed[1], true
}

// Sync seeds or overwrites today's cache entry from the relational row,
// expiring it at the next UTC midnight.
func (q *QuotaCache) Sync(ctx context.Context, apiKeyID string, used, limit int) {
	key := searchQuotaKey(apiKeyID, time.Now().UTC())
	q.client.HSet(ctx, key, "used", used, "limit", limit)
	q.client.ExpireAt(ctx, key, nextUTCMidnight(time.Now().UTC()))
}

// Incr bumps today's cached used counter by delta. It is a best-effort
// mirror of a relational charge that already succeeded; a failure here only
// means the cache goes stale until the next Sync, not that the charge
// itself was lost.
func (q *QuotaCache) Incr(ctx context.Context, apiKeyID string, delta int) {
	q.client.HIncrBy(ctx, searchQuotaKey(apiKeyID, time.Now().UTC()), "used", int64(delta))
}
