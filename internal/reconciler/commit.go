package reconciler

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"memoryx/internal/auth"
	"memoryx/internal/entity"
	"memoryx/internal/persistence/databases"
)

const (
	relMentions    = "MENTIONS"     // memory -> entity
	relMentionedIn = "MENTIONED_IN" // entity -> memory
	relRelatedTo   = "RELATED_TO"   // entity -> entity, co-mention
)

// followerStepError marks a saga failure on a non-authoritative (vector or
// graph) step. The caller records the batch as PARTIAL rather than aborting.
type followerStepError struct {
	cause error
}

func (e *followerStepError) Error() string { return e.cause.Error() }
func (e *followerStepError) Unwrap() error { return e.cause }

func isFollowerStepError(err error, target **followerStepError) bool {
	return errors.As(err, target)
}

// commit executes the per-candidate mini-saga of §4.3's commit table. When
// an ADD's vector or graph step fails, its vector entry and relational row
// are removed again in reverse order; graph edges written before the failure
// are not removed. When an UPDATE's or DELETE's vector or graph step fails,
// nothing is compensated: the relational change stays in place.
func (s *Service) commit(ctx context.Context, owner auth.Owner, d Decision) error {
	switch d.Kind {
	case KindAdd:
		return s.commitAdd(ctx, owner, d.Add)
	case KindUpdate:
		return s.commitUpdate(ctx, owner, d.Update)
	case KindDelete:
		return s.commitDelete(ctx, owner, d.Delete)
	default:
		return nil
	}
}

func (s *Service) commitAdd(ctx context.Context, owner auth.Owner, p *AddPlan) error {
	now := s.Now()
	id := uuid.NewString()
	row := databases.MemoryRow{
		ID: id, UserID: owner.UserID, ProjectID: owner.ProjectID,
		Content: p.Content, Category: p.Category, Version: 1,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.Relational.InsertMemory(ctx, row); err != nil {
		return fmt.Errorf("reconciler: insert memory: %w", err)
	}

	vec, err := s.Embedder.EmbedBatch(ctx, []string{p.Content})
	if err != nil {
		s.compensateRelational(ctx, owner, id)
		return &followerStepError{fmt.Errorf("reconciler: embed for upsert: %w", err)}
	}
	meta := map[string]string{"user_id": owner.UserID, "project_id": owner.ProjectID, "category": p.Category}
	if err := s.Vector.Upsert(ctx, id, vec[0], meta); err != nil {
		s.compensateRelational(ctx, owner, id)
		return &followerStepError{fmt.Errorf("reconciler: upsert vector: %w", err)}
	}

	if err := s.linkEntities(ctx, owner, id, p.Entities, 1.0); err != nil {
		s.compensateVector(ctx, id)
		s.compensateRelational(ctx, owner, id)
		return &followerStepError{fmt.Errorf("reconciler: link entities: %w", err)}
	}
	return nil
}

func (s *Service) commitUpdate(ctx context.Context, owner auth.Owner, p *UpdatePlan) error {
	existing, ok, err := s.Relational.GetMemory(ctx, owner.UserID, owner.ProjectID, p.TargetID)
	if err != nil {
		return fmt.Errorf("reconciler: load target for update: %w", err)
	}
	if !ok {
		return fmt.Errorf("reconciler: update target %s not found", p.TargetID)
	}
	now := s.Now()
	category := p.Category
	if category == "" {
		category = existing.Category
	}
	row := databases.MemoryRow{
		ID: existing.ID, UserID: owner.UserID, ProjectID: owner.ProjectID,
		Content: p.NewContent, Category: category, Version: existing.Version + 1,
		SourceIDs: existing.SourceIDs, CreatedAt: existing.CreatedAt, UpdatedAt: now,
	}
	if err := s.Relational.SupersedeMemory(ctx, row); err != nil {
		return fmt.Errorf("reconciler: supersede memory: %w", err)
	}

	vec, err := s.Embedder.EmbedBatch(ctx, []string{p.NewContent})
	if err != nil {
		return &followerStepError{fmt.Errorf("reconciler: embed for update: %w", err)}
	}
	meta := map[string]string{"user_id": owner.UserID, "project_id": owner.ProjectID, "category": category}
	if err := s.Vector.Upsert(ctx, existing.ID, vec[0], meta); err != nil {
		return &followerStepError{fmt.Errorf("reconciler: upsert vector on update: %w", err)}
	}

	if err := s.unlinkEntities(ctx, owner, existing.ID, existing.Content); err != nil {
		return &followerStepError{fmt.Errorf("reconciler: unlink prior entities: %w", err)}
	}
	if err := s.linkEntities(ctx, owner, existing.ID, p.Entities, 1.0); err != nil {
		return &followerStepError{fmt.Errorf("reconciler: relink entities: %w", err)}
	}
	return nil
}

func (s *Service) commitDelete(ctx context.Context, owner auth.Owner, p *DeletePlan) error {
	if err := s.Relational.TombstoneMemory(ctx, owner.UserID, owner.ProjectID, p.TargetID); err != nil {
		return fmt.Errorf("reconciler: tombstone memory: %w", err)
	}
	if err := s.Vector.Delete(ctx, p.TargetID); err != nil {
		return &followerStepError{fmt.Errorf("reconciler: delete vector on tombstone: %w", err)}
	}
	existing, ok, err := s.Relational.GetMemory(ctx, owner.UserID, owner.ProjectID, p.TargetID)
	if err == nil && ok {
		if err := s.unlinkEntities(ctx, owner, p.TargetID, existing.Content); err != nil {
			return &followerStepError{fmt.Errorf("reconciler: unlink entities on tombstone: %w", err)}
		}
	}
	return nil
}

// linkEntities resolves each entity by canonical name within the owner
// partition (creating the node if absent) and records memory<->entity edges
// plus co-mention RELATED_TO edges between every pair in the fact.
func (s *Service) linkEntities(ctx context.Context, owner auth.Owner, memoryID string, entities []entity.Entity, weight float64) error {
	if s.Graph == nil || len(entities) == 0 {
		return nil
	}
	if err := s.Graph.UpsertNode(ctx, memoryID, []string{"memory"}, map[string]any{"project_id": owner.ProjectID}); err != nil {
		return err
	}
	ids := make([]string, 0, len(entities))
	for _, e := range entities {
		nodeID := owner.ProjectID + ":" + e.ID
		if err := s.Graph.UpsertNode(ctx, nodeID, []string{"entity", e.Type}, map[string]any{"value": e.Value}); err != nil {
			return err
		}
		if err := s.Graph.UpsertEdge(ctx, memoryID, relMentions, nodeID, weight); err != nil {
			return err
		}
		if err := s.Graph.UpsertEdge(ctx, nodeID, relMentionedIn, memoryID, weight); err != nil {
			return err
		}
		ids = append(ids, nodeID)
	}
	for i := range ids {
		for j := range ids {
			if i == j {
				continue
			}
			if err := s.Graph.UpsertEdge(ctx, ids[i], relRelatedTo, ids[j], weight); err != nil {
				return err
			}
		}
	}
	return nil
}

// unlinkEntities decrements the weight contributed by a memory's prior
// content, used before relinking on UPDATE and when removing links on
// DELETE.
func (s *Service) unlinkEntities(ctx context.Context, owner auth.Owner, memoryID, priorContent string) error {
	if s.Graph == nil || priorContent == "" {
		return nil
	}
	prior, err := s.Extractor.Extract(ctx, priorContent)
	if err != nil || len(prior) == 0 {
		return nil
	}
	for _, e := range prior {
		nodeID := owner.ProjectID + ":" + e.ID
		if err := s.Graph.RemoveEdge(ctx, memoryID, relMentions, nodeID, 1.0); err != nil {
			return err
		}
		if err := s.Graph.RemoveEdge(ctx, nodeID, relMentionedIn, memoryID, 1.0); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) compensateRelational(ctx context.Context, owner auth.Owner, id string) {
	if err := s.Relational.DeleteMemoryHard(ctx, owner.UserID, owner.ProjectID, id); err != nil {
		s.Log.Warn().Err(err).Str("memory_id", id).Msg("reconciler: compensation failed, drift sweep will reconcile")
	}
}

func (s *Service) compensateVector(ctx context.Context, id string) {
	if err := s.Vector.Delete(ctx, id); err != nil {
		s.Log.Warn().Err(err).Str("memory_id", id).Msg("reconciler: vector compensation failed, drift sweep will reconcile")
	}
}
