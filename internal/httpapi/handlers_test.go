package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"memoryx/internal/aggregator"
	"memoryx/internal/auth"
	"memoryx/internal/config"
	"memoryx/internal/embedding"
	"memoryx/internal/entity"
	"memoryx/internal/llm"
	"memoryx/internal/orchestrator"
	"memoryx/internal/persistence/databases"
	"memoryx/internal/reconciler"
	"memoryx/internal/retriever"
)

// fakeDedupe is an in-process stand-in for orchestrator.RedisDedupeStore.
type fakeDedupe struct {
	mu    sync.Mutex
	store map[string]string
}

func newFakeDedupe() *fakeDedupe { return &fakeDedupe{store: make(map[string]string)} }

func (f *fakeDedupe) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.store[key], nil
}

func (f *fakeDedupe) Set(_ context.Context, key, value string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.store[key] = value
	return nil
}

// fakeProvider is never actually called by the HTTP handlers under test -
// they only register tasks, they don't run extraction or reconciliation -
// but aggregator.New and reconciler.New still need something satisfying
// llm.Provider to construct.
type fakeProvider struct{}

func (fakeProvider) Chat(context.Context, []llm.Message, []llm.ToolSchema, string) (llm.Message, error) {
	return llm.Message{Role: "assistant", Content: `{"facts":[]}`}, nil
}

func (fakeProvider) ChatStream(context.Context, []llm.Message, []llm.ToolSchema, string, llm.StreamHandler) error {
	return nil
}

// fakePublisher records published envelopes instead of dispatching them to
// Kafka or an in-process worker, so tests only exercise the HTTP layer's own
// contract: quota checks, task registration, and the response shape.
type fakePublisher struct {
	mu        sync.Mutex
	published []orchestrator.IngestEnvelope
}

func (p *fakePublisher) Publish(_ context.Context, env orchestrator.IngestEnvelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, env)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

type testHarness struct {
	srv       *Server
	authStore *auth.Store
	rel       databases.RelationalStore
	vec       databases.VectorStore
	publisher *fakePublisher
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	rel := databases.NewMemoryRelational()
	vec := databases.NewMemoryVector()
	graph := databases.NewMemoryGraph()
	embedder := embedding.NewDeterministic(8, true, 7)
	extractor := entity.NewHeuristic()
	dedupe := newFakeDedupe()
	provider := fakeProvider{}

	recCfg := config.ReconcilerConfig{SimilarityAdd: 0.80, SimilarityDup: 0.95, EntityJaccardMin: 0.5, MaxConcurrentOwner: 2}
	rec := reconciler.New(embedder, provider, "test-model", vec, graph, rel, extractor, recCfg, zerolog.Nop())
	agg := aggregator.New(provider, "test-model", extractor, dedupe, rel, rec, zerolog.Nop())

	retCfg := config.RetrieverConfig{
		RecallMultiplier: 3, RecallFloor: 30, GraphDepth: 2, GraphHopDecay: 0.5,
		AlphaSimilarity: 0.6, BetaGraphBoost: 0.25, GammaTemporal: 0.15, TemporalTauDays: 30,
	}
	ret := retriever.New(embedder, vec, graph, rel, extractor, retCfg, zerolog.Nop())

	authStore := auth.NewStore(rel)
	pub := &fakePublisher{}
	srv := NewServer(authStore, agg, ret, rel, vec, pub, zerolog.Nop())

	return &testHarness{srv: srv, authStore: authStore, rel: rel, vec: vec, publisher: pub}
}

func (h *testHarness) issueKey(t *testing.T) auth.IssuedKey {
	t.Helper()
	issued, err := h.authStore.Provision(context.Background(), auth.TierFree)
	require.NoError(t, err)
	return issued
}

func (h *testHarness) do(t *testing.T, method, path, apiKey string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if apiKey != "" {
		req.Header.Set(auth.HeaderName, apiKey)
	}
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHandleAutoRegister_IssuesCredentials(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	rec := h.do(t, http.MethodPost, "/agents/auto-register", "", autoRegisterRequest{
		MachineFingerprint: "fp-1", AgentType: "cli", AgentName: "agent-1", Platform: "linux",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.NotEmpty(t, body["api_key"])
	require.NotEmpty(t, body["agent_id"])
	require.NotEmpty(t, body["project_id"])
}

func TestHandleAutoRegister_RequiresFingerprint(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	rec := h.do(t, http.MethodPost, "/agents/auto-register", "", autoRegisterRequest{AgentType: "cli"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCreateMemory_RequiresAPIKey(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	rec := h.do(t, http.MethodPost, "/v1/memories", "", createMemoryRequest{Content: "likes tea"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleCreateMemory_AcceptsAndPublishes(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	issued := h.issueKey(t)

	rec := h.do(t, http.MethodPost, "/v1/memories", issued.APIKey, createMemoryRequest{Content: "likes tea"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "PENDING", body["status"])
	require.NotEmpty(t, body["task_id"])
	require.Equal(t, 1, h.publisher.count())

	row, err := h.authStore.Quota(context.Background(), issued.APIKeyID)
	require.NoError(t, err)
	require.Equal(t, 1, row.MemoryUsed)
}

func TestHandleCreateMemory_RejectsEmptyContent(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	issued := h.issueKey(t)
	rec := h.do(t, http.MethodPost, "/v1/memories", issued.APIKey, createMemoryRequest{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCreateMemoryBatch_Accepts(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	issued := h.issueKey(t)

	req := createMemoryBatchRequest{Memories: []batchMemoryItem{
		{Content: "likes tea"},
		{Content: "dislikes coffee"},
	}}
	rec := h.do(t, http.MethodPost, "/v1/memories/batch", issued.APIKey, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	row, err := h.authStore.Quota(context.Background(), issued.APIKeyID)
	require.NoError(t, err)
	require.Equal(t, 2, row.MemoryUsed)
}

func TestHandleFlushConversation_Accepts(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	issued := h.issueKey(t)

	req := flushRequest{
		ConversationID: "conv-1",
		Messages: []flushMessage{
			{Role: "user", Content: "what's the weather"},
			{Role: "assistant", Content: "sunny"},
		},
	}
	rec := h.do(t, http.MethodPost, "/v1/conversations/flush", issued.APIKey, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	require.NotEmpty(t, body["task_id"])
	require.EqualValues(t, 0, body["extracted_count"])
	require.Equal(t, 1, h.publisher.count())
}

func TestHandleFlushConversation_RequiresConversationID(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	issued := h.issueKey(t)
	rec := h.do(t, http.MethodPost, "/v1/conversations/flush", issued.APIKey, flushRequest{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSearch_ReturnsResultsAndChargesQuota(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	issued := h.issueKey(t)
	ctx := context.Background()

	require.NoError(t, h.rel.InsertMemory(ctx, databases.MemoryRow{
		ID: "m1", UserID: issued.UserID, ProjectID: issued.ProjectID,
		Content: "the user's favorite color is teal", Category: "preference", Version: 1,
	}))
	vecs, err := h.srv.Retriever.Embedder.EmbedBatch(ctx, []string{"the user's favorite color is teal"})
	require.NoError(t, err)
	require.NoError(t, h.vec.Upsert(ctx, "m1", vecs[0], map[string]string{"user_id": issued.UserID, "project_id": issued.ProjectID}))

	rec := h.do(t, http.MethodPost, "/v1/memories/search", issued.APIKey, searchRequest{Query: "favorite color", Limit: 5})
	require.Equal(t, http.StatusOK, rec.Code)

	row, err := h.authStore.Quota(ctx, issued.APIKeyID)
	require.NoError(t, err)
	require.Equal(t, 1, row.SearchUsed)
}

func TestHandleSearch_QuotaExhausted(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	issued := h.issueKey(t)
	ctx := context.Background()

	_, limit := auth.TierLimits(auth.TierFree)
	_, err := h.authStore.ChargeSearch(ctx, issued.APIKeyID, limit)
	require.NoError(t, err)

	rec := h.do(t, http.MethodPost, "/v1/memories/search", issued.APIKey, searchRequest{Query: "anything"})
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	body := decodeBody(t, rec)
	require.Contains(t, body["error"], "search")
}

func TestHandleListMemories_ReturnsOwnerRows(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	issued := h.issueKey(t)
	ctx := context.Background()

	require.NoError(t, h.rel.InsertMemory(ctx, databases.MemoryRow{
		ID: "m1", UserID: issued.UserID, ProjectID: issued.ProjectID, Content: "a fact", Category: "misc", Version: 1,
	}))

	rec := h.do(t, http.MethodGet, "/v1/memories/list", issued.APIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	data, ok := body["data"].([]any)
	require.True(t, ok)
	require.Len(t, data, 1)
}

func TestHandleDeleteMemory_Tombstones(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	issued := h.issueKey(t)
	ctx := context.Background()

	require.NoError(t, h.rel.InsertMemory(ctx, databases.MemoryRow{
		ID: "m1", UserID: issued.UserID, ProjectID: issued.ProjectID, Content: "a fact", Category: "misc", Version: 1,
	}))

	rec := h.do(t, http.MethodDelete, "/v1/memories/m1", issued.APIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rows, _, err := h.rel.ListMemories(ctx, issued.UserID, issued.ProjectID, 50, 0)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestHandleGetTask_UnknownTaskIs404(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	issued := h.issueKey(t)
	rec := h.do(t, http.MethodGet, "/v1/memories/task/does-not-exist", issued.APIKey, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleGetTask_ReturnsStatus(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	issued := h.issueKey(t)
	ctx := context.Background()

	require.NoError(t, h.rel.CreateTask(ctx, databases.TaskRow{
		ID: "t1", UserID: issued.UserID, ProjectID: issued.ProjectID, Status: databases.TaskSuccess,
	}))

	rec := h.do(t, http.MethodGet, "/v1/memories/task/t1", issued.APIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "SUCCESS", body["status"])
}

func TestHandleQuota_ReflectsIssuedTier(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	issued := h.issueKey(t)

	rec := h.do(t, http.MethodGet, "/v1/quota", issued.APIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, auth.TierFree, body["tier"])
}
