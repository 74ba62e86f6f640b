package databases

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"memoryx/internal/contentcrypto"
)

type pgRelational struct {
	pool   *pgxpool.Pool
	cipher *contentcrypto.Cipher
}

// NewPostgresRelational wraps pool with the relational store's queries. A
// nil cipher leaves memory content in plaintext; a configured one
// envelope-encrypts Content into Ciphertext on write and back on read
// (§10.3's content-at-rest key).
func NewPostgresRelational(pool *pgxpool.Pool, cipher *contentcrypto.Cipher) RelationalStore {
	return &pgRelational{pool: pool, cipher: cipher}
}

// sealContent replaces m.Content with its ciphertext when encryption is
// configured, leaving the row untouched otherwise.
func (r *pgRelational) sealContent(m *MemoryRow) error {
	if !r.cipher.Enabled() {
		return nil
	}
	ct, err := r.cipher.Seal(m.Content)
	if err != nil {
		return err
	}
	m.Ciphertext = ct
	m.Content = ""
	return nil
}

// openContent recovers m.Content from m.Ciphertext when encryption is
// configured and the row actually carries ciphertext (rows written before a
// key was configured stay plaintext).
func (r *pgRelational) openContent(m *MemoryRow) error {
	if !r.cipher.Enabled() || len(m.Ciphertext) == 0 {
		return nil
	}
	pt, err := r.cipher.Open(m.Ciphertext)
	if err != nil {
		return err
	}
	m.Content = pt
	m.Ciphertext = nil
	return nil
}

func (r *pgRelational) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS projects (
			user_id TEXT NOT NULL REFERENCES users(id),
			id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			key_hash TEXT NOT NULL UNIQUE,
			fingerprint_hash TEXT NOT NULL DEFAULT '',
			tier TEXT NOT NULL DEFAULT 'free',
			memory_limit INT NOT NULL DEFAULT 1000,
			search_limit INT NOT NULL DEFAULT 1000,
			memory_used INT NOT NULL DEFAULT 0,
			search_used INT NOT NULL DEFAULT 0,
			quota_reset_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_used_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS api_keys_fingerprint ON api_keys(fingerprint_hash)`,
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			ciphertext BYTEA,
			category TEXT NOT NULL DEFAULT '',
			version INT NOT NULL DEFAULT 1,
			tombstoned BOOLEAN NOT NULL DEFAULT false,
			source_ids TEXT[] NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS memories_owner ON memories(user_id, project_id, tombstoned)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			status TEXT NOT NULL,
			result JSONB,
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS tasks_owner ON tasks(user_id, project_id)`,
	}
	for _, s := range stmts {
		if _, err := r.pool.Exec(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (r *pgRelational) InsertMemory(ctx context.Context, m MemoryRow) error {
	if err := r.sealContent(&m); err != nil {
		return fmt.Errorf("seal memory content: %w", err)
	}
	_, err := r.pool.Exec(ctx, `
INSERT INTO memories(id, user_id, project_id, content, ciphertext, category, version, tombstoned, source_ids, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,1,false,$7,$8,$8)
`, m.ID, m.UserID, m.ProjectID, m.Content, m.Ciphertext, m.Category, m.SourceIDs, m.CreatedAt)
	return err
}

func (r *pgRelational) SupersedeMemory(ctx context.Context, m MemoryRow) error {
	if err := r.sealContent(&m); err != nil {
		return fmt.Errorf("seal memory content: %w", err)
	}
	_, err := r.pool.Exec(ctx, `
UPDATE memories SET content=$3, ciphertext=$4, category=$5, version=$6, source_ids=$7, updated_at=$8, tombstoned=false
WHERE id=$1 AND user_id=$2 AND project_id=$9
`, m.ID, m.UserID, m.Content, m.Ciphertext, m.Category, m.Version, m.SourceIDs, m.UpdatedAt, m.ProjectID)
	return err
}

func (r *pgRelational) TombstoneMemory(ctx context.Context, userID, projectID, id string) error {
	_, err := r.pool.Exec(ctx, `
UPDATE memories SET tombstoned=true, updated_at=now() WHERE id=$1 AND user_id=$2 AND project_id=$3
`, id, userID, projectID)
	return err
}

func (r *pgRelational) DeleteMemoryHard(ctx context.Context, userID, projectID, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM memories WHERE id=$1 AND user_id=$2 AND project_id=$3`, id, userID, projectID)
	return err
}

func (r *pgRelational) GetMemory(ctx context.Context, userID, projectID, id string) (MemoryRow, bool, error) {
	row := r.pool.QueryRow(ctx, `
SELECT id, user_id, project_id, content, ciphertext, category, version, tombstoned, source_ids, created_at, updated_at
FROM memories WHERE id=$1 AND user_id=$2 AND project_id=$3
`, id, userID, projectID)
	var m MemoryRow
	if err := scanMemoryRow(row, &m); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MemoryRow{}, false, nil
		}
		return MemoryRow{}, false, err
	}
	if err := r.openContent(&m); err != nil {
		return MemoryRow{}, false, fmt.Errorf("open memory content: %w", err)
	}
	return m, true, nil
}

func (r *pgRelational) GetMemoriesByID(ctx context.Context, userID, projectID string, ids []string) ([]MemoryRow, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, user_id, project_id, content, ciphertext, category, version, tombstoned, source_ids, created_at, updated_at
FROM memories WHERE user_id=$1 AND project_id=$2 AND id = ANY($3)
`, userID, projectID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []MemoryRow{}
	for rows.Next() {
		var m MemoryRow
		if err := scanMemoryRow(rows, &m); err != nil {
			return nil, err
		}
		if err := r.openContent(&m); err != nil {
			return nil, fmt.Errorf("open memory content: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *pgRelational) ListMemories(ctx context.Context, userID, projectID string, limit, offset int) ([]MemoryRow, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `
SELECT count(*) FROM memories WHERE user_id=$1 AND project_id=$2 AND NOT tombstoned
`, userID, projectID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `
SELECT id, user_id, project_id, content, ciphertext, category, version, tombstoned, source_ids, created_at, updated_at
FROM memories WHERE user_id=$1 AND project_id=$2 AND NOT tombstoned
ORDER BY updated_at DESC LIMIT $3 OFFSET $4
`, userID, projectID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	out := []MemoryRow{}
	for rows.Next() {
		var m MemoryRow
		if err := scanMemoryRow(rows, &m); err != nil {
			return nil, 0, err
		}
		if err := r.openContent(&m); err != nil {
			return nil, 0, fmt.Errorf("open memory content: %w", err)
		}
		out = append(out, m)
	}
	return out, total, rows.Err()
}

func (r *pgRelational) ListLiveMemoryIDs(ctx context.Context, userID, projectID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM memories WHERE user_id=$1 AND project_id=$2 AND NOT tombstoned`, userID, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *pgRelational) ListActiveOwners(ctx context.Context) ([]OwnerKey, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT user_id, project_id FROM memories`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []OwnerKey{}
	for rows.Next() {
		var k OwnerKey
		if err := rows.Scan(&k.UserID, &k.ProjectID); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (r *pgRelational) CreateTask(ctx context.Context, t TaskRow) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO tasks(id, user_id, project_id, status, result, error, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
`, t.ID, t.UserID, t.ProjectID, t.Status, resultToJSON(t.Result), t.Error, t.CreatedAt)
	return err
}

func (r *pgRelational) UpdateTaskStatus(ctx context.Context, id string, status TaskStatus, result map[string]any, errMsg string) error {
	_, err := r.pool.Exec(ctx, `
UPDATE tasks SET status=$2, result=$3, error=$4, updated_at=now() WHERE id=$1
`, id, status, resultToJSON(result), errMsg)
	return err
}

func (r *pgRelational) GetTask(ctx context.Context, userID, projectID, id string) (TaskRow, bool, error) {
	row := r.pool.QueryRow(ctx, `
SELECT id, user_id, project_id, status, result, error, created_at, updated_at
FROM tasks WHERE id=$1 AND user_id=$2 AND project_id=$3
`, id, userID, projectID)
	var t TaskRow
	var raw []byte
	if err := row.Scan(&t.ID, &t.UserID, &t.ProjectID, &t.Status, &raw, &t.Error, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TaskRow{}, false, nil
		}
		return TaskRow{}, false, err
	}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &t.Result)
	}
	return t, true, nil
}

func (r *pgRelational) UpsertUser(ctx context.Context, userID string) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO users(id) VALUES($1) ON CONFLICT (id) DO NOTHING`, userID)
	return err
}

func (r *pgRelational) UpsertProject(ctx context.Context, userID, projectID string) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO projects(user_id, id) VALUES($1,$2) ON CONFLICT (user_id, id) DO NOTHING
`, userID, projectID)
	return err
}

func (r *pgRelational) CreateAPIKey(ctx context.Context, k APIKeyRow) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO api_keys(id, user_id, project_id, key_hash, fingerprint_hash, tier, memory_limit, search_limit, quota_reset_at, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`, k.ID, k.UserID, k.ProjectID, k.KeyHash, k.FingerprintHash, k.Tier, k.MemoryLimit, k.SearchLimit, k.QuotaResetAt, k.CreatedAt)
	return err
}

func (r *pgRelational) GetAPIKeyByHash(ctx context.Context, hash string) (APIKeyRow, bool, error) {
	row := r.pool.QueryRow(ctx, `
SELECT id, user_id, project_id, key_hash, fingerprint_hash, tier, memory_limit, search_limit, memory_used, search_used, quota_reset_at, created_at, last_used_at
FROM api_keys WHERE key_hash=$1
`, hash)
	return scanAPIKeyRow(row)
}

func (r *pgRelational) GetAPIKeyByFingerprint(ctx context.Context, fingerprintHash string) (APIKeyRow, bool, error) {
	row := r.pool.QueryRow(ctx, `
SELECT id, user_id, project_id, key_hash, fingerprint_hash, tier, memory_limit, search_limit, memory_used, search_used, quota_reset_at, created_at, last_used_at
FROM api_keys WHERE fingerprint_hash=$1 ORDER BY created_at DESC LIMIT 1
`, fingerprintHash)
	return scanAPIKeyRow(row)
}

func scanAPIKeyRow(row rowScanner) (APIKeyRow, bool, error) {
	var k APIKeyRow
	var lastUsed *time.Time
	if err := row.Scan(&k.ID, &k.UserID, &k.ProjectID, &k.KeyHash, &k.FingerprintHash, &k.Tier, &k.MemoryLimit, &k.SearchLimit,
		&k.MemoryUsed, &k.SearchUsed, &k.QuotaResetAt, &k.CreatedAt, &lastUsed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return APIKeyRow{}, false, nil
		}
		return APIKeyRow{}, false, err
	}
	if lastUsed != nil {
		k.LastUsedAt = *lastUsed
	}
	return k, true, nil
}

func (r *pgRelational) IncrementQuota(ctx context.Context, keyID string, memoryDelta, searchDelta int, now time.Time) (APIKeyRow, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return APIKeyRow{}, err
	}
	defer tx.Rollback(ctx)

	var resetAt time.Time
	if err := tx.QueryRow(ctx, `SELECT quota_reset_at FROM api_keys WHERE id=$1 FOR UPDATE`, keyID).Scan(&resetAt); err != nil {
		return APIKeyRow{}, err
	}
	if now.After(resetAt) {
		next := now.Add(24 * time.Hour)
		if _, err := tx.Exec(ctx, `
UPDATE api_keys SET memory_used=0, search_used=0, quota_reset_at=$2 WHERE id=$1
`, keyID, next); err != nil {
			return APIKeyRow{}, err
		}
	}
	row := tx.QueryRow(ctx, `
UPDATE api_keys SET memory_used = memory_used + $2, search_used = search_used + $3, last_used_at=$4
WHERE id=$1
RETURNING id, user_id, project_id, key_hash, fingerprint_hash, tier, memory_limit, search_limit, memory_used, search_used, quota_reset_at, created_at, last_used_at
`, keyID, memoryDelta, searchDelta, now)
	k, _, err := scanAPIKeyRow(row)
	if err != nil {
		return APIKeyRow{}, err
	}
	return k, tx.Commit(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemoryRow(row rowScanner, m *MemoryRow) error {
	return row.Scan(&m.ID, &m.UserID, &m.ProjectID, &m.Content, &m.Ciphertext, &m.Category, &m.Version, &m.Tombstoned, &m.SourceIDs, &m.CreatedAt, &m.UpdatedAt)
}

func resultToJSON(result map[string]any) []byte {
	if result == nil {
		return nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return nil
	}
	return b
}
