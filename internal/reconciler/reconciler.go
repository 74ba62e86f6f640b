// Package reconciler implements C3, the fact reconciler: for each candidate
// fact surfaced by the aggregator (C2) it decides ADD/UPDATE/DELETE/NOOP
// against the owner's existing memories and commits the decision across the
// tri-store (C4) as a per-candidate saga.
package reconciler

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"memoryx/internal/auth"
	"memoryx/internal/config"
	"memoryx/internal/embedding"
	"memoryx/internal/entity"
	"memoryx/internal/llm"
	"memoryx/internal/persistence/databases"
)

// Kind tags which arm of Decision is populated.
type Kind string

const (
	KindAdd    Kind = "ADD"
	KindUpdate Kind = "UPDATE"
	KindDelete Kind = "DELETE"
	KindNoop   Kind = "NOOP"
)

// Candidate is one fact surfaced by the aggregator, awaiting reconciliation.
type Candidate struct {
	Text                 string
	Category             string
	SourceConversationID string
	Confidence           float64
	Entities             []entity.Entity
}

// AddPlan is the payload for a KindAdd decision.
type AddPlan struct {
	Content  string
	Category string
	Entities []entity.Entity
}

// UpdatePlan is the payload for a KindUpdate decision: supersede TargetID.
type UpdatePlan struct {
	TargetID   string
	NewContent string
	Category   string
	Entities   []entity.Entity
}

// DeletePlan is the payload for a KindDelete decision: tombstone TargetID.
type DeletePlan struct {
	TargetID string
}

// Decision is a tagged variant: exactly one of Add/Update/Delete is non-nil,
// matching Kind. NOOP carries no payload.
type Decision struct {
	Kind   Kind
	Add    *AddPlan
	Update *UpdatePlan
	Delete *DeletePlan
}

// Summary is the per-batch outcome returned to the aggregator's task result,
// broken down by decision Kind so a task result can report e.g. "added=1,
// noop=1" for a resubmitted duplicate (§8 scenario S1) rather than folding
// every accepted kind into one count.
type Summary struct {
	Added    int
	Updated  int
	Deleted  int
	Noop     int
	Rejected int
	Failed   []string // candidate texts whose vector or graph commit step failed
}

// Service owns the decision procedure and the cross-store commit saga.
type Service struct {
	Embedder   embedding.Embedder
	Judge      llm.Provider
	JudgeModel string
	Vector     databases.VectorStore
	Graph      databases.GraphDB
	Relational databases.RelationalStore
	Extractor  entity.Extractor
	Cfg        config.ReconcilerConfig
	Log        zerolog.Logger
	Now        func() time.Time

	sem    *semaphore.Weighted
	owners keyedMutex
}

func New(embedder embedding.Embedder, judge llm.Provider, judgeModel string, vector databases.VectorStore, graph databases.GraphDB, rel databases.RelationalStore, extractor entity.Extractor, cfg config.ReconcilerConfig, log zerolog.Logger) *Service {
	workers := cfg.MaxConcurrentOwner
	if workers <= 0 {
		workers = 2
	}
	return &Service{
		Embedder:   embedder,
		Judge:      judge,
		JudgeModel: judgeModel,
		Vector:     vector,
		Graph:      graph,
		Relational: rel,
		Extractor:  extractor,
		Cfg:        cfg,
		Log:        log,
		Now:        time.Now,
		sem:        semaphore.NewWeighted(int64(workers)),
	}
}

// Reconcile processes candidates for a single owner in order, serialized
// against any other in-flight reconciliation for the same owner, bounded
// across owners by the service's worker-pool semaphore (§4.3 concurrency
// policy).
func (s *Service) Reconcile(ctx context.Context, owner auth.Owner, candidates []Candidate) (Summary, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return Summary{}, err
	}
	defer s.sem.Release(1)

	unlock := s.owners.Lock(owner.ProjectID)
	defer unlock()

	var sum Summary
	for _, c := range candidates {
		decision, err := s.decide(ctx, owner, c)
		if err != nil {
			return sum, err
		}
		if decision.Kind == KindNoop {
			sum.Noop++
			continue
		}
		if err := s.commit(ctx, owner, decision); err != nil {
			var stepErr *followerStepError
			if isFollowerStepError(err, &stepErr) {
				sum.Rejected++
				sum.Failed = append(sum.Failed, c.Text)
				continue
			}
			// Authoritative (relational) step failure: abort immediately,
			// no partial commit for the remainder of this batch.
			return sum, err
		}
		switch decision.Kind {
		case KindAdd:
			sum.Added++
		case KindUpdate:
			sum.Updated++
		case KindDelete:
			sum.Deleted++
		}
	}
	return sum, nil
}

var negationPattern = regexp.MustCompile(`(?i)\b(no longer|not\s+\w+\s+anymore|used to .* but now|isn't .* anymore|stopped )\b`)

func isNegation(text string) bool {
	return negationPattern.MatchString(text)
}

// keyedMutex is a striped mutex keyed by owner, serializing reconciliation
// per project partition without a single global lock.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
