package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"

	"memoryx/internal/persistence/databases"
)

// ErrKeyNotFound is returned when an API key hash has no matching row.
var ErrKeyNotFound = errors.New("auth: api key not found")

// Store provisions and authenticates API keys against the relational
// tri-store backend, scoped to a per-device API-key model rather than a
// cookie session.
type Store struct {
	rel   databases.RelationalStore
	quota *QuotaCache
}

// Option configures optional Store behavior.
type Option func(*Store)

// WithQuotaCache fronts the search-quota check with a Redis counter (§10.4).
// Without it, Store falls back to the relational row for every check.
func WithQuotaCache(c *QuotaCache) Option {
	return func(s *Store) { s.quota = c }
}

// NewStore wraps the relational store with the auth-specific operations.
func NewStore(rel databases.RelationalStore, opts ...Option) *Store {
	s := &Store{rel: rel}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IssuedKey is returned once, at provisioning time, and never again: only
// its hash is persisted.
type IssuedKey struct {
	APIKey    string
	APIKeyID  string
	UserID    string
	ProjectID string
}

// Provision creates a new user, project, and API key, defaulting the key's
// quota to the given tier's limits.
func (s *Store) Provision(ctx context.Context, tier string) (IssuedKey, error) {
	userID, projectID, err := s.newIdentity(ctx)
	if err != nil {
		return IssuedKey{}, err
	}
	return s.issueKey(ctx, userID, projectID, tier, "")
}

func (s *Store) newIdentity(ctx context.Context) (userID, projectID string, err error) {
	userID = uuid.NewString()
	projectID = uuid.NewString()
	if err = s.rel.UpsertUser(ctx, userID); err != nil {
		return "", "", err
	}
	if err = s.rel.UpsertProject(ctx, userID, projectID); err != nil {
		return "", "", err
	}
	return userID, projectID, nil
}

// IssueKeyForProject provisions an additional API key for an existing
// user+project pair (used when /agents/auto-register recognizes a returning
// machine fingerprint's user but wants a fresh device credential).
func (s *Store) IssueKeyForProject(ctx context.Context, userID, projectID, tier, fingerprintHash string) (IssuedKey, error) {
	return s.issueKey(ctx, userID, projectID, tier, fingerprintHash)
}

func (s *Store) issueKey(ctx context.Context, userID, projectID, tier, fingerprintHash string) (IssuedKey, error) {
	raw, err := randomToken(24)
	if err != nil {
		return IssuedKey{}, err
	}
	memLimit, searchLimit := TierLimits(tier)
	keyID := uuid.NewString()
	now := time.Now().UTC()
	row := databases.APIKeyRow{
		ID:              keyID,
		UserID:          userID,
		ProjectID:       projectID,
		KeyHash:         HashKey(raw),
		FingerprintHash: fingerprintHash,
		Tier:            tier,
		MemoryLimit:     memLimit,
		SearchLimit:     searchLimit,
		QuotaResetAt:    nextUTCMidnight(now),
		CreatedAt:       now,
		LastUsedAt:      now,
	}
	if err := s.rel.CreateAPIKey(ctx, row); err != nil {
		return IssuedKey{}, err
	}
	return IssuedKey{APIKey: raw, APIKeyID: keyID, UserID: userID, ProjectID: projectID}, nil
}

// Authenticate hashes the presented key and resolves it to an Owner.
func (s *Store) Authenticate(ctx context.Context, rawKey string) (Owner, error) {
	row, ok, err := s.rel.GetAPIKeyByHash(ctx, HashKey(rawKey))
	if err != nil {
		return Owner{}, err
	}
	if !ok {
		return Owner{}, ErrKeyNotFound
	}
	return Owner{UserID: row.UserID, ProjectID: row.ProjectID, APIKeyID: row.ID}, nil
}

// Quota returns the API key's current usage/limit snapshot, rolling the
// window over first if it has passed UTC midnight.
func (s *Store) Quota(ctx context.Context, apiKeyID string) (databases.APIKeyRow, error) {
	return s.rel.IncrementQuota(ctx, apiKeyID, 0, 0, time.Now().UTC())
}

// ChargeMemory increments the key's daily memory-write counter by delta,
// resetting the window first if it has rolled over. Returns the row after
// the update so callers can report remaining quota.
func (s *Store) ChargeMemory(ctx context.Context, apiKeyID string, delta int) (databases.APIKeyRow, error) {
	return s.rel.IncrementQuota(ctx, apiKeyID, delta, 0, time.Now().UTC())
}

// SearchQuotaExceeded reports whether apiKeyID has used up today's search
// quota. With a QuotaCache configured, an already-exhausted key is rejected
// straight out of Redis without ever taking IncrementQuota's row-locked
// transaction; only a cache miss (cold key, Redis outage) falls back to the
// relational row, which also repopulates the cache for next time.
func (s *Store) SearchQuotaExceeded(ctx context.Context, apiKeyID string) (bool, error) {
	if s.quota != nil {
		if used, limit, ok := s.quota.Peek(ctx, apiKeyID); ok {
			return used >= limit, nil
		}
	}
	row, err := s.rel.IncrementQuota(ctx, apiKeyID, 0, 0, time.Now().UTC())
	if err != nil {
		return false, err
	}
	if s.quota != nil {
		s.quota.Sync(ctx, apiKeyID, row.SearchUsed, row.SearchLimit)
	}
	return row.SearchUsed >= row.SearchLimit, nil
}

// ChargeSearch increments the key's daily search counter by delta. Per the
// accepted-requests-only rule (§8 S7), callers must not call this for
// requests rejected before the quota check (4xx).
func (s *Store) ChargeSearch(ctx context.Context, apiKeyID string, delta int) (databases.APIKeyRow, error) {
	row, err := s.rel.IncrementQuota(ctx, apiKeyID, 0, delta, time.Now().UTC())
	if err == nil && s.quota != nil {
		s.quota.Incr(ctx, apiKeyID, delta)
	}
	return row, err
}

// HashKey returns the stable hash used as the lookup and storage key for a
// raw API key. SHA-256 is sufficient here: the key itself already carries
// enough entropy (randomToken(24) below), so this is a lookup digest, not a
// password hash guarding against offline brute force of low-entropy input.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "mx_" + base64.RawURLEncoding.EncodeToString(b), nil
}

func nextUTCMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
