package aggregator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"memoryx/internal/auth"
	"memoryx/internal/entity"
	"memoryx/internal/llm"
	"memoryx/internal/persistence/databases"
	"memoryx/internal/reconciler"
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

// fakeSummarizer returns a fixed JSON facts payload, or an error for the
// first N calls to exercise the retry path.
type fakeSummarizer struct {
	mu         sync.Mutex
	failTimes  int
	calls      int
	factsJSON  string
}

func (f *fakeSummarizer) Chat(_ context.Context, _ []llm.Message, _ []llm.ToolSchema, _ string) (llm.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failTimes {
		return llm.Message{}, errTransient
	}
	return llm.Message{Role: "assistant", Content: f.factsJSON}, nil
}

func (f *fakeSummarizer) ChatStream(context.Context, []llm.Message, []llm.ToolSchema, string, llm.StreamHandler) error {
	return nil
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

const errTransient = simpleErr("simulated transient failure")

// fakeReconciler records what it was asked to reconcile.
type fakeReconciler struct {
	mu         sync.Mutex
	calls      [][]reconciler.Candidate
	summary    reconciler.Summary
	err        error
}

func (f *fakeReconciler) Reconcile(_ context.Context, _ auth.Owner, candidates []reconciler.Candidate) (reconciler.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, candidates)
	if f.err != nil {
		return reconciler.Summary{}, f.err
	}
	if f.summary.Added == 0 && f.summary.Updated == 0 && f.summary.Deleted == 0 && f.summary.Noop == 0 && f.summary.Rejected == 0 {
		return reconciler.Summary{Added: len(candidates)}, nil
	}
	return f.summary, nil
}

func testOwner() auth.Owner {
	return auth.Owner{UserID: "u1", ProjectID: "p1", APIKeyID: "k1"}
}

func TestSubmitSegment_DuplicateWithin24hReturnsOriginalTaskID(t *testing.T) {
	t.Parallel()
	rel := databases.NewMemoryRelational()
	dedupe := newFakeDedupe()
	svc := New(nil, "", entity.NewHeuristic(), dedupe, rel, &fakeReconciler{}, zerolog.Nop())

	seg := Segment{SegmentID: "seg-1", Owner: testOwner()}
	first, accepted, err := svc.SubmitSegment(context.Background(), seg)
	require.NoError(t, err)
	require.True(t, accepted)

	second, accepted, err := svc.SubmitSegment(context.Background(), seg)
	require.NoError(t, err)
	require.True(t, accepted)
	require.Equal(t, first, second, "resubmitting the same segment id is a NOOP returning the original task id")
}

func TestProcessSegment_FiltersTrivialAndEntitylessFacts(t *testing.T) {
	t.Parallel()
	rel := databases.NewMemoryRelational()
	dedupe := newFakeDedupe()
	rec := &fakeReconciler{}
	summarizer := &fakeSummarizer{factsJSON: `{"facts": [
		{"text": "thanks", "category": "chatter", "entities": []},
		{"text": "it is raining outside today without any names", "category": "observation", "entities": []},
		{"text": "Alice prefers dark roast coffee", "category": "preference", "entities": ["Alice"]}
	]}`}
	svc := New(summarizer, "test-model", entity.NewHeuristic(), dedupe, rel, rec, zerolog.Nop())

	owner := testOwner()
	seg := Segment{SegmentID: "seg-2", Owner: owner, Messages: []Message{
		{Role: "user", Content: "I really like dark roast coffee, by the way I'm Alice"},
		{Role: "assistant", Content: "Good to know, Alice!"},
	}}
	taskID, accepted, err := svc.SubmitSegment(context.Background(), seg)
	require.NoError(t, err)
	require.True(t, accepted)

	require.NoError(t, svc.ProcessSegment(context.Background(), taskID, seg))

	require.Len(t, rec.calls, 1)
	require.Len(t, rec.calls[0], 1, "trivial chatter and entity-less facts must be dropped before reconciliation")
	require.Equal(t, "Alice prefers dark roast coffee", rec.calls[0][0].Text)

	task, ok, err := rel.GetTask(context.Background(), owner.UserID, owner.ProjectID, taskID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, databases.TaskSuccess, task.Status)
}

func TestProcessSegment_RetriesTransientSummarizerFailure(t *testing.T) {
	t.Parallel()
	rel := databases.NewMemoryRelational()
	dedupe := newFakeDedupe()
	rec := &fakeReconciler{}
	summarizer := &fakeSummarizer{
		failTimes: 2,
		factsJSON: `{"facts": [{"text": "Bob enjoys hiking", "category": "fact", "entities": ["Bob"]}]}`,
	}
	svc := New(summarizer, "test-model", entity.NewHeuristic(), dedupe, rel, rec, zerolog.Nop())
	svc.MaxRetries = 3

	owner := testOwner()
	seg := Segment{SegmentID: "seg-3", Owner: owner, Messages: []Message{{Role: "user", Content: "I enjoy hiking, I'm Bob"}}}
	taskID, _, err := svc.SubmitSegment(context.Background(), seg)
	require.NoError(t, err)

	require.NoError(t, svc.ProcessSegment(context.Background(), taskID, seg))

	task, ok, err := rel.GetTask(context.Background(), owner.UserID, owner.ProjectID, taskID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, databases.TaskSuccess, task.Status)
	require.Equal(t, 3, summarizer.calls, "two failures then a success")
}

func TestProcessSegment_PermanentSummarizerFailureMarksTaskFailed(t *testing.T) {
	t.Parallel()
	rel := databases.NewMemoryRelational()
	dedupe := newFakeDedupe()
	rec := &fakeReconciler{}
	summarizer := &fakeSummarizer{failTimes: 10}
	svc := New(summarizer, "test-model", entity.NewHeuristic(), dedupe, rel, rec, zerolog.Nop())
	svc.MaxRetries = 2

	owner := testOwner()
	seg := Segment{SegmentID: "seg-4", Owner: owner, Messages: []Message{{Role: "user", Content: "hello"}}}
	taskID, _, err := svc.SubmitSegment(context.Background(), seg)
	require.NoError(t, err)

	err = svc.ProcessSegment(context.Background(), taskID, seg)
	require.Error(t, err)

	task, ok, err := rel.GetTask(context.Background(), owner.UserID, owner.ProjectID, taskID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, databases.TaskFailure, task.Status)
	require.NotEmpty(t, task.Error)
}

func TestProcessSegment_PartialReconcileRejectionMarksTaskPartial(t *testing.T) {
	t.Parallel()
	rel := databases.NewMemoryRelational()
	dedupe := newFakeDedupe()
	rec := &fakeReconciler{summary: reconciler.Summary{Added: 1, Rejected: 1, Failed: []string{"Carol dislikes jazz"}}}
	summarizer := &fakeSummarizer{factsJSON: `{"facts": [
		{"text": "Carol likes jazz", "category": "preference", "entities": ["Carol"]},
		{"text": "Carol dislikes jazz", "category": "preference", "entities": ["Carol"]}
	]}`}
	svc := New(summarizer, "test-model", entity.NewHeuristic(), dedupe, rel, rec, zerolog.Nop())

	owner := testOwner()
	seg := Segment{SegmentID: "seg-5", Owner: owner}
	taskID, _, err := svc.SubmitSegment(context.Background(), seg)
	require.NoError(t, err)

	require.NoError(t, svc.ProcessSegment(context.Background(), taskID, seg))

	task, ok, err := rel.GetTask(context.Background(), owner.UserID, owner.ProjectID, taskID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, databases.TaskPartial, task.Status)
	require.Equal(t, 1, task.Result["rejected"])
}

// TestProcessSegment_NoopBreakdownSurfacesInTaskResult exercises §8 scenario
// S1: resubmitting an identical fact reconciles to a NOOP, and the task
// result reports that as added=0, noop=1 rather than folding it into the
// same count as a fresh ADD.
func TestProcessSegment_NoopBreakdownSurfacesInTaskResult(t *testing.T) {
	t.Parallel()
	rel := databases.NewMemoryRelational()
	dedupe := newFakeDedupe()
	rec := &fakeReconciler{summary: reconciler.Summary{Added: 0, Noop: 1}}
	summarizer := &fakeSummarizer{factsJSON: `{"facts": [
		{"text": "Zhang San works at Huawei as senior engineer", "category": "fact", "entities": ["Zhang San", "Huawei"]}
	]}`}
	svc := New(summarizer, "test-model", entity.NewHeuristic(), dedupe, rel, rec, zerolog.Nop())

	owner := testOwner()
	seg := Segment{SegmentID: "seg-6", Owner: owner}
	taskID, _, err := svc.SubmitSegment(context.Background(), seg)
	require.NoError(t, err)

	require.NoError(t, svc.ProcessSegment(context.Background(), taskID, seg))

	task, ok, err := rel.GetTask(context.Background(), owner.UserID, owner.ProjectID, taskID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, databases.TaskSuccess, task.Status)
	require.Equal(t, 0, task.Result["added"])
	require.Equal(t, 1, task.Result["noop"])
}
