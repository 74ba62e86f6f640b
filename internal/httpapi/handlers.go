package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"memoryx/internal/aggregator"
	"memoryx/internal/auth"
	"memoryx/internal/orchestrator"
	"memoryx/internal/retriever"
)

type createMemoryRequest struct {
	Content   string            `json:"content"`
	ProjectID string            `json:"project_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleCreateMemory(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.CurrentOwner(r.Context())
	var req createMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Content == "" {
		respondError(w, http.StatusBadRequest, errors.New("content is required"))
		return
	}
	s.submitMemories(w, r, owner, []string{req.Content})
}

type batchMemoryItem struct {
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type createMemoryBatchRequest struct {
	Memories  []batchMemoryItem `json:"memories"`
	ProjectID string            `json:"project_id,omitempty"`
}

func (s *Server) handleCreateMemoryBatch(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.CurrentOwner(r.Context())
	var req createMemoryBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Memories) == 0 {
		respondError(w, http.StatusBadRequest, errors.New("memories must be non-empty"))
		return
	}
	contents := make([]string, len(req.Memories))
	for i, m := range req.Memories {
		contents[i] = m.Content
	}
	s.submitMemories(w, r, owner, contents)
}

// submitMemories enforces the daily memory quota (client-fault taxonomy: the
// cap is checked before any task is created, so a rejected call never
// consumes quota), then registers the task and hands it to the worker tier.
func (s *Server) submitMemories(w http.ResponseWriter, r *http.Request, owner auth.Owner, contents []string) {
	ctx := r.Context()
	row, err := s.Auth.Quota(ctx, owner.APIKeyID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if row.MemoryUsed+len(contents) > row.MemoryLimit {
		respondQuotaExhausted(w, "memory")
		return
	}

	taskID, err := s.Aggregator.SubmitMemory(ctx, owner, contents)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if _, err := s.Auth.ChargeMemory(ctx, owner.APIKeyID, len(contents)); err != nil {
		s.Log.Warn().Err(err).Str("task_id", taskID).Msg("httpapi: memory quota charge failed after task creation")
	}

	env := orchestrator.IngestEnvelope{
		TaskID: taskID, UserID: owner.UserID, ProjectID: owner.ProjectID, APIKeyID: owner.APIKeyID,
		Kind: orchestrator.IngestMemory, Contents: contents,
	}
	if err := s.Publisher.Publish(ctx, env); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"task_id": taskID, "status": "PENDING"})
}

type flushMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
	Tokens    int    `json:"tokens,omitempty"`
}

type flushRequest struct {
	ConversationID string         `json:"conversation_id"`
	Messages       []flushMessage `json:"messages"`
}

// handleFlushConversation registers the conversation segment task
// synchronously and hands it to the worker tier. The worker-side extraction
// count is not known at submission time, so extracted_count reports 0 here;
// the authoritative count lands in the task result, readable via
// GET /v1/memories/task/{task_id} once the task reaches a terminal state.
func (s *Server) handleFlushConversation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner, _ := auth.CurrentOwner(ctx)
	var req flushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.ConversationID == "" {
		respondError(w, http.StatusBadRequest, errors.New("conversation_id is required"))
		return
	}

	msgs := make([]orchestrator.IngestMessage, len(req.Messages))
	aggMsgs := make([]aggregator.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = orchestrator.IngestMessage{Role: m.Role, Content: m.Content}
		aggMsgs[i] = aggregator.Message{Role: m.Role, Content: m.Content}
	}

	taskID, accepted, err := s.Aggregator.SubmitSegment(ctx, aggregator.Segment{
		SegmentID: req.ConversationID, Owner: owner, Messages: aggMsgs,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if !accepted {
		respondError(w, http.StatusInternalServerError, errors.New("segment submission was not accepted"))
		return
	}

	env := orchestrator.IngestEnvelope{
		TaskID: taskID, UserID: owner.UserID, ProjectID: owner.ProjectID, APIKeyID: owner.APIKeyID,
		Kind: orchestrator.IngestSegment, SegmentID: req.ConversationID, Messages: msgs,
	}
	if err := s.Publisher.Publish(ctx, env); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"task_id": taskID, "extracted_count": 0})
}

type searchRequest struct {
	Query     string `json:"query"`
	ProjectID string `json:"project_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Category  string `json:"category,omitempty"`
}

// handleSearch consumes one unit of the daily search quota per accepted
// (non-4xx) request regardless of whether the query hits cache or returns
// zero results, per the decided open question in §9. A query shorter than 2
// characters (after trimming) returns empty results and is not charged.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner, _ := auth.CurrentOwner(ctx)
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	exceeded, err := s.Auth.SearchQuotaExceeded(ctx, owner.APIKeyID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if exceeded {
		respondQuotaExhausted(w, "search")
		return
	}

	out, err := s.Retriever.Search(ctx, retriever.Input{
		UserID: owner.UserID, ProjectID: owner.ProjectID,
		Query: req.Query, Limit: req.Limit, Category: req.Category,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	charge := 1
	if len(strings.TrimSpace(req.Query)) < 2 {
		charge = 0
	}
	row, err := s.Auth.ChargeSearch(ctx, owner.APIKeyID, charge)
	if err != nil {
		s.Log.Warn().Err(err).Msg("httpapi: search quota charge failed")
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"data":             out.Data,
		"related_memories": out.RelatedMemories,
		"remaining_quota":  row.SearchLimit - row.SearchUsed,
	})
}

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner, _ := auth.CurrentOwner(ctx)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	rows, total, err := s.Relational.ListMemories(ctx, owner.UserID, owner.ProjectID, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"data": rows, "total": total})
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner, _ := auth.CurrentOwner(ctx)
	id := r.PathValue("id")

	if err := s.Relational.TombstoneMemory(ctx, owner.UserID, owner.ProjectID, id); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.Vector.Delete(ctx, id); err != nil {
		// Relational truth already reflects the delete; the drift sweep will
		// catch a vector entry this call failed to remove.
		s.Log.Warn().Err(err).Str("memory_id", id).Msg("httpapi: vector delete failed, drift sweep will reconcile")
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner, _ := auth.CurrentOwner(ctx)
	taskID := r.PathValue("task_id")

	task, ok, err := s.Relational.GetTask(ctx, owner.UserID, owner.ProjectID, taskID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, errors.New("task not found"))
		return
	}
	resp := map[string]any{"status": task.Status}
	if task.Result != nil {
		resp["result"] = task.Result
	}
	if task.Error != "" {
		resp["error"] = task.Error
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner, _ := auth.CurrentOwner(ctx)
	row, err := s.Auth.Quota(ctx, owner.APIKeyID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"tier": row.Tier,
		"memories": map[string]any{"used": row.MemoryUsed, "limit": row.MemoryLimit},
		"searches": map[string]any{"used": row.SearchUsed, "limit": row.SearchLimit, "resets_at": row.QuotaResetAt},
	})
}

type autoRegisterRequest struct {
	MachineFingerprint string `json:"machine_fingerprint"`
	AgentType          string `json:"agent_type"`
	AgentName          string `json:"agent_name"`
	Platform           string `json:"platform"`
	PlatformVersion    string `json:"platform_version"`
}

func (s *Server) handleAutoRegister(w http.ResponseWriter, r *http.Request) {
	var req autoRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.MachineFingerprint == "" {
		respondError(w, http.StatusBadRequest, errors.New("machine_fingerprint is required"))
		return
	}
	result, err := s.Auth.AutoRegister(r.Context(), auth.Fingerprint{
		MachineFingerprint: req.MachineFingerprint,
		AgentType:          req.AgentType,
		AgentName:          req.AgentName,
		Platform:           req.Platform,
		PlatformVersion:    req.PlatformVersion,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"agent_id": result.AgentID, "api_key": result.APIKey, "project_id": result.ProjectID,
	})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]any{"error": err.Error()})
}

// respondQuotaExhausted is the quota-exhausted taxonomy's 402 response, with
// an upgrade hint per §6/§7.
func respondQuotaExhausted(w http.ResponseWriter, kind string) {
	respondJSON(w, http.StatusPaymentRequired, map[string]any{
		"error":       kind + " quota exhausted",
		"upgrade_hint": "upgrade to the pro tier for higher daily limits",
	})
}
