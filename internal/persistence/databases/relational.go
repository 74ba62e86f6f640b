package databases

import (
	"context"
	"time"
)

// TaskStatus is the state of an ingestion task as it moves through C2/C3.
type TaskStatus string

const (
	TaskPending TaskStatus = "PENDING"
	TaskRunning TaskStatus = "RUNNING"
	TaskSuccess TaskStatus = "SUCCESS"
	TaskPartial TaskStatus = "PARTIAL"
	TaskFailure TaskStatus = "FAILURE"
)

// MemoryRow is the authoritative relational representation of a memory (fact).
// Content is populated when the deployment has no content-at-rest key
// configured; Ciphertext is populated (and Content left empty) otherwise.
type MemoryRow struct {
	ID         string
	UserID     string
	ProjectID  string
	Content    string
	Ciphertext []byte
	Category   string
	Version    int
	Tombstoned bool
	SourceIDs  []string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TaskRow is the durable record of an async ingestion task (C2/C3).
type TaskRow struct {
	ID        string
	UserID    string
	ProjectID string
	Status    TaskStatus
	Result    map[string]any
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// APIKeyRow backs §10.3 auth: one row per issued API key, carrying only the
// key's hash (never the key itself) plus a daily quota snapshot.
// FingerprintHash is set for keys issued through /agents/auto-register and
// lets a returning device be recognized without storing the raw fingerprint.
type APIKeyRow struct {
	ID              string
	UserID          string
	ProjectID       string
	KeyHash         string
	FingerprintHash string
	Tier            string
	MemoryLimit     int
	SearchLimit     int
	MemoryUsed      int
	SearchUsed      int
	QuotaResetAt    time.Time
	CreatedAt       time.Time
	LastUsedAt      time.Time
}

// OwnerKey identifies one (user, project) partition. It mirrors auth.Owner's
// first two fields without importing the auth package, which itself depends
// on this one.
type OwnerKey struct {
	UserID    string
	ProjectID string
}

// RelationalStore is the authoritative tri-store backend (§4.4). It owns
// memories, tasks, and the auth rows (users, projects, api keys). The store
// writes Version and UpdatedAt as given on the row; callers that change
// memory content set the bumped values per the monotonic-consistency
// invariant (§3).
type RelationalStore interface {
	InitSchema(ctx context.Context) error

	// InsertMemory creates a brand-new memory row at version 1 (ADD).
	InsertMemory(ctx context.Context, m MemoryRow) error
	// SupersedeMemory overwrites an existing memory row in place with its new
	// version (UPDATE).
	// The caller is responsible for incrementing Version and setting UpdatedAt.
	SupersedeMemory(ctx context.Context, m MemoryRow) error
	// TombstoneMemory soft-deletes a memory (DELETE decision).
	TombstoneMemory(ctx context.Context, userID, projectID, id string) error
	// DeleteMemoryHard removes a memory row outright; used only to compensate
	// a saga step that failed after the relational insert committed.
	DeleteMemoryHard(ctx context.Context, userID, projectID, id string) error

	GetMemory(ctx context.Context, userID, projectID, id string) (MemoryRow, bool, error)
	GetMemoriesByID(ctx context.Context, userID, projectID string, ids []string) ([]MemoryRow, error)
	ListMemories(ctx context.Context, userID, projectID string, limit, offset int) ([]MemoryRow, int, error)
	// ListLiveMemoryIDs returns every non-tombstoned memory id for an owner,
	// used by the drift sweep to diff against the vector/graph stores.
	ListLiveMemoryIDs(ctx context.Context, userID, projectID string) ([]string, error)
	// ListActiveOwners returns the distinct (user, project) pairs with at
	// least one memory row, used to fan the periodic drift sweep out across
	// every owner partition without a separate tenant registry.
	ListActiveOwners(ctx context.Context) ([]OwnerKey, error)

	CreateTask(ctx context.Context, t TaskRow) error
	UpdateTaskStatus(ctx context.Context, id string, status TaskStatus, result map[string]any, errMsg string) error
	GetTask(ctx context.Context, userID, projectID, id string) (TaskRow, bool, error)

	UpsertUser(ctx context.Context, userID string) error
	UpsertProject(ctx context.Context, userID, projectID string) error
	CreateAPIKey(ctx context.Context, k APIKeyRow) error
	GetAPIKeyByHash(ctx context.Context, hash string) (APIKeyRow, bool, error)
	// GetAPIKeyByFingerprint looks up the most recently issued key for a
	// device fingerprint hash, used by /agents/auto-register to recognize a
	// returning agent.
	GetAPIKeyByFingerprint(ctx context.Context, fingerprintHash string) (APIKeyRow, bool, error)
	// IncrementQuota atomically adds memoryDelta/searchDelta to the key's
	// usage counters, resetting them first if QuotaResetAt has passed, and
	// returns the row as it stands after the update.
	IncrementQuota(ctx context.Context, keyID string, memoryDelta, searchDelta int, now time.Time) (APIKeyRow, error)
}
