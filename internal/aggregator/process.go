package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"memoryx/internal/auth"
	"memoryx/internal/entity"
	"memoryx/internal/llm"
	"memoryx/internal/persistence/databases"
	"memoryx/internal/reconciler"
)

// ProcessSegment runs the worker-side pipeline for a conversation segment
// (§4.2 processing steps 1-4): summarize, filter, reconcile, and drive the
// task through PENDING -> RUNNING -> {SUCCESS | PARTIAL | FAILURE}.
func (s *Service) ProcessSegment(ctx context.Context, taskID string, seg Segment) error {
	if err := s.Relational.UpdateTaskStatus(ctx, taskID, databases.TaskRunning, nil, ""); err != nil {
		return fmt.Errorf("aggregator: mark task running: %w", err)
	}

	facts, err := s.summarizeWithRetry(ctx, seg)
	if err != nil {
		s.fail(ctx, taskID, err)
		return err
	}

	candidates := s.filterCandidates(ctx, facts, seg.SegmentID)
	return s.reconcileAndFinish(ctx, taskID, seg.Owner, candidates, len(facts))
}

// ProcessMemory runs the worker-side pipeline for direct single/batch memory
// writes: each content string is already a candidate fact, so only entity
// extraction, trivial filtering, and reconciliation apply.
func (s *Service) ProcessMemory(ctx context.Context, taskID string, owner auth.Owner, contents []string) error {
	if err := s.Relational.UpdateTaskStatus(ctx, taskID, databases.TaskRunning, nil, ""); err != nil {
		return fmt.Errorf("aggregator: mark task running: %w", err)
	}
	facts := make([]CandidateFact, len(contents))
	for i, c := range contents {
		facts[i] = CandidateFact{Text: c}
	}
	candidates := s.filterCandidates(ctx, facts, "")
	return s.reconcileAndFinish(ctx, taskID, owner, candidates, len(facts))
}

// summarizeWithRetry calls the LLM summarizer, retrying transient failures
// with exponential backoff up to MaxRetries times after the first call, so
// at most MaxRetries+1 attempts in all (§4.2 failure semantics).
func (s *Service) summarizeWithRetry(ctx context.Context, seg Segment) ([]CandidateFact, error) {
	maxRetries := s.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(2, float64(attempt))) * 500 * time.Millisecond
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		facts, err := s.summarize(ctx, seg)
		if err == nil {
			return facts, nil
		}
		lastErr = err
		s.Log.Warn().Err(err).Int("attempt", attempt+1).Str("segment_id", seg.SegmentID).Msg("aggregator: summarizer call failed")
	}
	return nil, fmt.Errorf("aggregator: summarizer failed after %d attempts: %w", maxRetries+1, lastErr)
}

type summaryResponse struct {
	Facts []CandidateFact `json:"facts"`
}

// summarize calls the LLM summarizer with a fixed prompt demanding
// structured output. The exact prompt wording is deployment-controlled
// (§9's open questions); only the structured-output contract is fixed here.
func (s *Service) summarize(ctx context.Context, seg Segment) ([]CandidateFact, error) {
	transcript := roleTaggedTranscript(seg.Messages)
	prompt := fmt.Sprintf(`Extract durable facts worth remembering about the user from this conversation. For each fact, give its text, a category tag, and the entities it mentions.
Respond with JSON only: {"facts": [{"text": "...", "category": "...", "entities": ["..."]}]}

Conversation:
%s`, transcript)

	resp, err := s.Summarizer.Chat(ctx, []llm.Message{{Role: "user", Content: prompt}}, nil, s.SummarizeModel)
	if err != nil {
		return nil, err
	}
	var parsed summaryResponse
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &parsed); err != nil {
		return nil, fmt.Errorf("aggregator: parse summarizer output: %w", err)
	}
	return parsed.Facts, nil
}

func roleTaggedTranscript(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}

// filterCandidates drops facts shorter than 2 characters, facts matching a
// trivial-content pattern, and facts whose entity list is empty (§4.2 step
// 3). sourceConversationID is empty for direct memory writes.
func (s *Service) filterCandidates(ctx context.Context, facts []CandidateFact, sourceConversationID string) []reconciler.Candidate {
	var out []reconciler.Candidate
	for _, f := range facts {
		text := strings.TrimSpace(f.Text)
		if len(text) < 2 {
			continue
		}
		if s.isTrivial(text) {
			continue
		}
		ents := s.resolveEntities(ctx, f, text)
		if len(ents) == 0 {
			continue
		}
		out = append(out, reconciler.Candidate{
			Text: text, Category: f.Category, SourceConversationID: sourceConversationID,
			Confidence: 1.0, Entities: ents,
		})
	}
	return out
}

func (s *Service) isTrivial(text string) bool {
	for _, p := range s.TrivialPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// resolveEntities prefers the entity names the summarizer already named; if
// none were named (or for a direct memory write, where the content is raw
// text with no pre-extracted entity list), it falls back to running the
// shared extractor over the fact text.
func (s *Service) resolveEntities(ctx context.Context, f CandidateFact, text string) []entity.Entity {
	if len(f.Entities) > 0 {
		out := make([]entity.Entity, 0, len(f.Entities))
		for _, name := range f.Entities {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			out = append(out, entity.Entity{ID: entity.Slug(name), Type: "other", Value: name})
		}
		if len(out) > 0 {
			return out
		}
	}
	if s.Extractor == nil {
		return nil
	}
	ents, err := s.Extractor.Extract(ctx, text)
	if err != nil {
		s.Log.Debug().Err(err).Msg("aggregator: entity extraction fallback failed")
		return nil
	}
	return ents
}

// reconcileAndFinish forwards surviving candidates to C3 and records the
// task's terminal state. Partial success always commits the accepted facts
// and reports the rejected count (§4.2); filtered-out candidates are counted
// as rejected but only reconciler rejections make the task PARTIAL.
func (s *Service) reconcileAndFinish(ctx context.Context, taskID string, owner auth.Owner, candidates []reconciler.Candidate, totalExtracted int) error {
	rejectedByFilter := totalExtracted - len(candidates)
	if len(candidates) == 0 {
		result := map[string]any{"added": 0, "updated": 0, "deleted": 0, "noop": 0, "rejected": rejectedByFilter}
		return s.Relational.UpdateTaskStatus(ctx, taskID, databases.TaskSuccess, result, "")
	}

	sum, err := s.Reconciler.Reconcile(ctx, owner, candidates)
	if err != nil {
		s.fail(ctx, taskID, err)
		return err
	}

	rejected := rejectedByFilter + sum.Rejected
	result := map[string]any{
		"added": sum.Added, "updated": sum.Updated, "deleted": sum.Deleted, "noop": sum.Noop,
		"rejected": rejected, "rejected_facts": sum.Failed,
	}
	status := databases.TaskSuccess
	if sum.Rejected > 0 {
		status = databases.TaskPartial
	}
	return s.Relational.UpdateTaskStatus(ctx, taskID, status, result, "")
}

func (s *Service) fail(ctx context.Context, taskID string, cause error) {
	if err := s.Relational.UpdateTaskStatus(ctx, taskID, databases.TaskFailure, nil, cause.Error()); err != nil {
		s.Log.Error().Err(err).Str("task_id", taskID).Msg("aggregator: failed to record task failure")
	}
}
