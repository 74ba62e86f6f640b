package auth

import (
	"context"
	"time"
)

// Tier names gate the default daily quota allotted to a freshly provisioned
// API key.
const (
	TierFree = "free"
	TierPro  = "pro"
)

// User is an agent owner. MemoryX has no interactive login: a user row exists
// only to anchor projects and API keys to a stable identity.
type User struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// Project partitions a user's memories. Every memory, task, and API key
// belongs to exactly one project.
type Project struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// APIKey is the credential an agent presents via X-API-Key. Only its hash is
// ever persisted.
type APIKey struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	ProjectID    string    `json:"project_id"`
	KeyHash      string    `json:"-"`
	Tier         string    `json:"tier"`
	MemoryLimit  int       `json:"memory_limit"`
	SearchLimit  int       `json:"search_limit"`
	MemoryUsed   int       `json:"memory_used"`
	SearchUsed   int       `json:"search_used"`
	QuotaResetAt time.Time `json:"quota_reset_at"`
	CreatedAt    time.Time `json:"created_at"`
	LastUsedAt   time.Time `json:"last_used_at"`
}

// Owner identifies the user+project partition a request acts on: every
// downstream call (ingest, search, list, delete) is scoped to an Owner
// rather than a raw user id.
type Owner struct {
	UserID    string
	ProjectID string
	APIKeyID  string
}

type contextKey string

const ownerContextKey contextKey = "memoryx.owner"

// WithOwner returns a new context with the given owner attached.
func WithOwner(ctx context.Context, o Owner) context.Context {
	return context.WithValue(ctx, ownerContextKey, o)
}

// CurrentOwner extracts the owner from context if present.
func CurrentOwner(ctx context.Context) (Owner, bool) {
	v := ctx.Value(ownerContextKey)
	if v == nil {
		return Owner{}, false
	}
	o, ok := v.(Owner)
	return o, ok
}

// TierLimits returns the default daily memory/search quotas for a tier.
func TierLimits(tier string) (memoryLimit, searchLimit int) {
	switch tier {
	case TierPro:
		return 100000, 10000
	default:
		return 1000, 100
	}
}
