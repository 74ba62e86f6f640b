// Package aggregator implements C2, the conversation aggregator: it turns a
// client-submitted conversation segment (or a direct single/batch memory
// write) into candidate facts and forwards them to the fact reconciler (C3),
// tracking the work as a durable, resumable task.
package aggregator

import (
	"context"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"memoryx/internal/auth"
	"memoryx/internal/entity"
	"memoryx/internal/llm"
	"memoryx/internal/orchestrator"
	"memoryx/internal/persistence/databases"
	"memoryx/internal/reconciler"
)

// Message is one turn of a submitted conversation segment.
type Message struct {
	Role    string // "user" | "assistant"
	Content string
}

// Segment is the conversation-flush input: an ordered, client-assigned unit
// of work (§4.2 contract).
type Segment struct {
	SegmentID string
	Owner     auth.Owner
	Messages  []Message
}

// CandidateFact is the structured-output shape requested from the LLM
// summarizer (§4.2 processing step 2).
type CandidateFact struct {
	Text     string   `json:"text"`
	Category string   `json:"category"`
	Entities []string `json:"entities"`
}

// Reconciler is the subset of reconciler.Service the aggregator depends on,
// narrowed to ease testing with a fake.
type Reconciler interface {
	Reconcile(ctx context.Context, owner auth.Owner, candidates []reconciler.Candidate) (reconciler.Summary, error)
}

// Service owns the segment-to-candidate-facts pipeline and the task state
// machine that tracks it.
type Service struct {
	Summarizer     llm.Provider
	SummarizeModel string
	Extractor      entity.Extractor
	Dedupe         orchestrator.DedupeStore
	Relational     databases.RelationalStore
	Reconciler     Reconciler
	Log            zerolog.Logger
	Now            func() time.Time

	MaxRetries      int
	TrivialPatterns []*regexp.Regexp
}

const dedupeWindow = 24 * time.Hour

func New(summarizer llm.Provider, summarizeModel string, extractor entity.Extractor, dedupe orchestrator.DedupeStore, rel databases.RelationalStore, rec Reconciler, log zerolog.Logger) *Service {
	return &Service{
		Summarizer:      summarizer,
		SummarizeModel:  summarizeModel,
		Extractor:       extractor,
		Dedupe:          dedupe,
		Relational:      rel,
		Reconciler:      rec,
		Log:             log,
		Now:             time.Now,
		MaxRetries:      3,
		TrivialPatterns: defaultTrivialPatterns(),
	}
}

func defaultTrivialPatterns() []*regexp.Regexp {
	return []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*(hi|hello|hey|thanks|thank you|ok|okay|sure|yes|no|bye|goodbye)[.!? ]*\s*$`),
		regexp.MustCompile(`^[\p{P}\s]*$`), // pure punctuation/whitespace
	}
}

// SubmitSegment registers a new task for a conversation segment and returns
// its id synchronously (§4.2 contract). Re-submission of the same segment id
// within the 24h dedupe window is a NOOP returning the original task id.
func (s *Service) SubmitSegment(ctx context.Context, seg Segment) (taskID string, accepted bool, err error) {
	dedupeKey := "aggregator:segment:" + seg.SegmentID
	if existing, derr := s.Dedupe.Get(ctx, dedupeKey); derr == nil && existing != "" {
		return existing, true, nil
	}

	taskID = uuid.NewString()
	if err := s.Relational.CreateTask(ctx, databases.TaskRow{
		ID: taskID, UserID: seg.Owner.UserID, ProjectID: seg.Owner.ProjectID,
		Status: databases.TaskPending, CreatedAt: s.Now(), UpdatedAt: s.Now(),
	}); err != nil {
		return "", false, err
	}
	if err := s.Dedupe.Set(ctx, dedupeKey, taskID, dedupeWindow); err != nil {
		s.Log.Warn().Err(err).Str("segment_id", seg.SegmentID).Msg("aggregator: dedupe write failed, duplicate submits may double-process")
	}
	return taskID, true, nil
}

// SubmitMemory registers a task for a direct single/batch memory write,
// skipping the transcript-summarization step since the content is already a
// candidate fact in its final form.
func (s *Service) SubmitMemory(ctx context.Context, owner auth.Owner, contents []string) (taskID string, err error) {
	taskID = uuid.NewString()
	if err := s.Relational.CreateTask(ctx, databases.TaskRow{
		ID: taskID, UserID: owner.UserID, ProjectID: owner.ProjectID,
		Status: databases.TaskPending, CreatedAt: s.Now(), UpdatedAt: s.Now(),
	}); err != nil {
		return "", err
	}
	return taskID, nil
}
