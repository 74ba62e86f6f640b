package databases

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// memoryRelational is an in-process RelationalStore used by unit tests and
// by the "memory" (or empty) backend configuration, mirroring memory_vector.go and
// memory_graph.go's role as Postgres substitutes.
type memoryRelational struct {
	mu       sync.RWMutex
	memories map[string]MemoryRow
	tasks    map[string]TaskRow
	users    map[string]bool
	projects map[string]bool
	apiKeys  map[string]APIKeyRow // keyed by hash
}

func NewMemoryRelational() RelationalStore {
	return &memoryRelational{
		memories: make(map[string]MemoryRow),
		tasks:    make(map[string]TaskRow),
		users:    make(map[string]bool),
		projects: make(map[string]bool),
		apiKeys:  make(map[string]APIKeyRow),
	}
}

func (m *memoryRelational) InitSchema(context.Context) error { return nil }

func (m *memoryRelational) memKey(userID, projectID, id string) string {
	return userID + "/" + projectID + "/" + id
}

func (m *memoryRelational) InsertMemory(_ context.Context, row MemoryRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row.Version = 1
	row.Tombstoned = false
	m.memories[m.memKey(row.UserID, row.ProjectID, row.ID)] = row
	return nil
}

func (m *memoryRelational) SupersedeMemory(_ context.Context, row MemoryRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := m.memKey(row.UserID, row.ProjectID, row.ID)
	if _, ok := m.memories[key]; !ok {
		return fmt.Errorf("memory %s not found", row.ID)
	}
	row.Tombstoned = false
	m.memories[key] = row
	return nil
}

func (m *memoryRelational) TombstoneMemory(_ context.Context, userID, projectID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := m.memKey(userID, projectID, id)
	row, ok := m.memories[key]
	if !ok {
		return nil
	}
	row.Tombstoned = true
	row.UpdatedAt = time.Now()
	m.memories[key] = row
	return nil
}

func (m *memoryRelational) DeleteMemoryHard(_ context.Context, userID, projectID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.memories, m.memKey(userID, projectID, id))
	return nil
}

func (m *memoryRelational) GetMemory(_ context.Context, userID, projectID, id string) (MemoryRow, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.memories[m.memKey(userID, projectID, id)]
	return row, ok, nil
}

func (m *memoryRelational) GetMemoriesByID(_ context.Context, userID, projectID string, ids []string) ([]MemoryRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []MemoryRow{}
	for _, id := range ids {
		if row, ok := m.memories[m.memKey(userID, projectID, id)]; ok {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *memoryRelational) ListMemories(_ context.Context, userID, projectID string, limit, offset int) ([]MemoryRow, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var live []MemoryRow
	for _, row := range m.memories {
		if row.UserID == userID && row.ProjectID == projectID && !row.Tombstoned {
			live = append(live, row)
		}
	}
	total := len(live)
	if offset >= len(live) {
		return []MemoryRow{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(live) {
		end = len(live)
	}
	return live[offset:end], total, nil
}

func (m *memoryRelational) ListLiveMemoryIDs(_ context.Context, userID, projectID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []string{}
	for _, row := range m.memories {
		if row.UserID == userID && row.ProjectID == projectID && !row.Tombstoned {
			out = append(out, row.ID)
		}
	}
	return out, nil
}

func (m *memoryRelational) ListActiveOwners(_ context.Context) ([]OwnerKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[OwnerKey]bool)
	for _, row := range m.memories {
		seen[OwnerKey{UserID: row.UserID, ProjectID: row.ProjectID}] = true
	}
	out := make([]OwnerKey, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	return out, nil
}

func (m *memoryRelational) CreateTask(_ context.Context, t TaskRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
	return nil
}

func (m *memoryRelational) UpdateTaskStatus(_ context.Context, id string, status TaskStatus, result map[string]any, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	t.Status = status
	t.Result = result
	t.Error = errMsg
	t.UpdatedAt = time.Now()
	m.tasks[id] = t
	return nil
}

func (m *memoryRelational) GetTask(_ context.Context, userID, projectID, id string) (TaskRow, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok || t.UserID != userID || t.ProjectID != projectID {
		return TaskRow{}, false, nil
	}
	return t, true, nil
}

func (m *memoryRelational) UpsertUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[userID] = true
	return nil
}

func (m *memoryRelational) UpsertProject(_ context.Context, userID, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[userID+"/"+projectID] = true
	return nil
}

func (m *memoryRelational) CreateAPIKey(_ context.Context, k APIKeyRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apiKeys[k.KeyHash] = k
	return nil
}

func (m *memoryRelational) GetAPIKeyByHash(_ context.Context, hash string) (APIKeyRow, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.apiKeys[hash]
	return k, ok, nil
}

func (m *memoryRelational) GetAPIKeyByFingerprint(_ context.Context, fingerprintHash string) (APIKeyRow, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best APIKeyRow
	found := false
	for _, k := range m.apiKeys {
		if k.FingerprintHash != fingerprintHash {
			continue
		}
		if !found || k.CreatedAt.After(best.CreatedAt) {
			best = k
			found = true
		}
	}
	return best, found, nil
}

func (m *memoryRelational) IncrementQuota(_ context.Context, keyID string, memoryDelta, searchDelta int, now time.Time) (APIKeyRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for hash, k := range m.apiKeys {
		if k.ID != keyID {
			continue
		}
		if now.After(k.QuotaResetAt) {
			k.MemoryUsed = 0
			k.SearchUsed = 0
			k.QuotaResetAt = now.Add(24 * time.Hour)
		}
		k.MemoryUsed += memoryDelta
		k.SearchUsed += searchDelta
		k.LastUsedAt = now
		m.apiKeys[hash] = k
		return k, nil
	}
	return APIKeyRow{}, fmt.Errorf("api key %s not found", keyID)
}
