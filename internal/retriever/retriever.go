// Package retriever implements C5, the GraphRAG retriever: vector recall
// fused with graph-context expansion and temporal decay.
package retriever

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"memoryx/internal/config"
	"memoryx/internal/embedding"
	"memoryx/internal/entity"
	"memoryx/internal/persistence/databases"
)

const (
	relMentions    = "MENTIONS"     // memory -> entity
	relMentionedIn = "MENTIONED_IN" // entity -> memory
	relRelatedTo   = "RELATED_TO"   // entity -> entity, co-mention
)

// Result is one ranked memory returned to the caller.
type Result struct {
	ID       string
	Content  string
	Category string
	Score    float64
}

// Input is a single search request.
type Input struct {
	UserID    string
	ProjectID string
	Query     string
	Limit     int
	Category  string
}

// Output is the ranked search response, before quota accounting is attached.
type Output struct {
	Data            []Result
	RelatedMemories []Result
}

// Service fuses vector similarity, graph expansion, and temporal decay.
type Service struct {
	Embedder   embedding.Embedder
	Vector     databases.VectorStore
	Graph      databases.GraphDB
	Relational databases.RelationalStore
	Extractor  entity.Extractor
	Cfg        config.RetrieverConfig
	Log        zerolog.Logger
	Now        func() time.Time
}

func New(embedder embedding.Embedder, vector databases.VectorStore, graph databases.GraphDB, rel databases.RelationalStore, extractor entity.Extractor, cfg config.RetrieverConfig, log zerolog.Logger) *Service {
	return &Service{
		Embedder:   embedder,
		Vector:     vector,
		Graph:      graph,
		Relational: rel,
		Extractor:  extractor,
		Cfg:        cfg,
		Log:        log,
		Now:        time.Now,
	}
}

// candidate accumulates the evidence gathered for one memory id across the
// vector-recall and graph-expansion passes before final scoring.
type candidate struct {
	row        databases.MemoryRow
	similarity float64
	graphBoost float64
	direct     bool
}

// Search runs the full C5 pipeline. Quota accounting is the caller's
// responsibility (§4.5 step 7) since it depends on the owner's API key, not
// on anything the retriever itself holds.
func (s *Service) Search(ctx context.Context, in Input) (Output, error) {
	query := strings.TrimSpace(in.Query)
	if len(query) < 2 {
		return Output{}, nil
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 10
	}

	queryEntities, err := s.Extractor.Extract(ctx, query)
	if err != nil {
		s.Log.Debug().Err(err).Msg("retriever: entity extraction failed, falling back to pure vector recall")
		queryEntities = nil
	}

	vectors, err := s.Embedder.EmbedBatch(ctx, []string{query})
	if err != nil {
		return Output{}, err
	}
	k := limit * s.Cfg.RecallMultiplier
	if k < s.Cfg.RecallFloor {
		k = s.Cfg.RecallFloor
	}
	filter := map[string]string{"user_id": in.UserID, "project_id": in.ProjectID}
	if in.Category != "" {
		filter["category"] = in.Category
	}
	hits, err := s.Vector.SimilaritySearch(ctx, vectors[0], k, filter)
	if err != nil {
		return Output{}, err
	}

	candidates := make(map[string]*candidate, len(hits))
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ID)
	}
	rows, err := s.Relational.GetMemoriesByID(ctx, in.UserID, in.ProjectID, ids)
	if err != nil {
		return Output{}, err
	}
	rowByID := make(map[string]databases.MemoryRow, len(rows))
	for _, r := range rows {
		rowByID[r.ID] = r
	}
	for _, h := range hits {
		row, ok := rowByID[h.ID]
		if !ok {
			// Vector-present-but-relational-missing: the reconciler's saga
			// hasn't caught up yet. Degrade gracefully rather than error.
			s.Log.Debug().Str("memory_id", h.ID).Msg("retriever: skipping vector hit with no relational row")
			continue
		}
		if row.Tombstoned {
			continue
		}
		if in.Category != "" && row.Category != in.Category {
			continue
		}
		candidates[row.ID] = &candidate{row: row, similarity: h.Score, direct: true}
	}

	if len(queryEntities) > 0 && len(ids) > 0 {
		boosts, err := s.expandGraph(ctx, ids)
		if err != nil {
			s.Log.Debug().Err(err).Msg("retriever: graph expansion failed, continuing with vector-only results")
		} else if err := s.applyGraphBoosts(ctx, in, candidates, boosts); err != nil {
			return Output{}, err
		}
	}

	now := s.Now()
	scored := make([]scoredCandidate, 0, len(candidates))
	for id, c := range candidates {
		decay := temporalDecay(now, c.row.UpdatedAt, s.Cfg.TemporalTauDays)
		score := s.Cfg.AlphaSimilarity*c.similarity + s.Cfg.BetaGraphBoost*c.graphBoost + s.Cfg.GammaTemporal*decay
		scored = append(scored, scoredCandidate{id: id, score: score, direct: c.direct, row: c.row})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].id < scored[j].id
	})

	out := Output{}
	for _, c := range scored {
		if len(out.Data) >= limit {
			break
		}
		out.Data = append(out.Data, toResult(c))
	}
	for _, c := range scored {
		if len(out.RelatedMemories) >= limit {
			break
		}
		if c.direct {
			continue
		}
		if containsResult(out.Data, c.id) {
			continue
		}
		out.RelatedMemories = append(out.RelatedMemories, toResult(c))
	}
	return out, nil
}

// applyGraphBoosts merges expansion boosts into existing candidates and
// fetches relational rows for any newly discovered (expansion-only) ids so
// they can be scored and, if they rank high enough, surfaced as
// related_memories.
func (s *Service) applyGraphBoosts(ctx context.Context, in Input, candidates map[string]*candidate, boosts map[string]float64) error {
	var newIDs []string
	for id, boost := range boosts {
		if c, ok := candidates[id]; ok {
			if boost > c.graphBoost {
				c.graphBoost = boost
			}
			continue
		}
		newIDs = append(newIDs, id)
	}
	if len(newIDs) == 0 {
		return nil
	}
	rows, err := s.Relational.GetMemoriesByID(ctx, in.UserID, in.ProjectID, newIDs)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row.Tombstoned {
			continue
		}
		if in.Category != "" && row.Category != in.Category {
			continue
		}
		candidates[row.ID] = &candidate{row: row, graphBoost: boosts[row.ID], direct: false}
	}
	return nil
}

type scoredCandidate struct {
	id     string
	score  float64
	direct bool
	row    databases.MemoryRow
}

func toResult(c scoredCandidate) Result {
	return Result{ID: c.row.ID, Content: c.row.Content, Category: c.row.Category, Score: c.score}
}

func containsResult(rs []Result, id string) bool {
	for _, r := range rs {
		if r.ID == id {
			return true
		}
	}
	return false
}

func temporalDecay(now, updatedAt time.Time, tauDays float64) float64 {
	if tauDays <= 0 {
		return 0
	}
	age := now.Sub(updatedAt)
	tau := time.Duration(tauDays * float64(24*time.Hour))
	return math.Exp(-float64(age) / float64(tau))
}
