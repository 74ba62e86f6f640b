package reconciler

import (
	"context"
	"fmt"

	"memoryx/internal/auth"
	"memoryx/internal/persistence/databases"
)

// vectorLister is an optional capability some VectorStore backends expose,
// probed the same way Manager.Close probes for an optional Close method.
// Backends that don't implement it (e.g. a future streaming-only index)
// simply skip vector orphan detection in the sweep below.
type vectorLister interface {
	ListIDs(ctx context.Context, filter map[string]string) ([]string, error)
}

// DriftSweep compares both the vector index and the graph entity-link set
// against the relational store's live memory ids for one owner partition and
// repairs drift (§4.3): vector entries with no live relational row are
// deleted; live rows missing from the vector index are re-embedded and
// re-upserted; live memories with no outgoing MENTIONS edge (e.g. left by a
// commitUpdate whose linkEntities step failed after unlinkEntities already
// succeeded) are re-linked from their current content; and MENTIONS edges
// left behind by memories that are no longer live are removed. It is driven
// by a plain ticker goroutine started from the server entrypoint.
func (s *Service) DriftSweep(ctx context.Context, owner auth.Owner) error {
	liveIDs, err := s.Relational.ListLiveMemoryIDs(ctx, owner.UserID, owner.ProjectID)
	if err != nil {
		return fmt.Errorf("reconciler: list live memory ids: %w", err)
	}
	live := make(map[string]bool, len(liveIDs))
	for _, id := range liveIDs {
		live[id] = true
	}

	rows, err := s.Relational.GetMemoriesByID(ctx, owner.UserID, owner.ProjectID, liveIDs)
	if err != nil {
		return fmt.Errorf("reconciler: load live rows: %w", err)
	}

	if err := s.driftSweepVector(ctx, owner, live, rows); err != nil {
		return err
	}
	if err := s.driftSweepGraph(ctx, owner, live, rows); err != nil {
		return err
	}
	return nil
}

func (s *Service) driftSweepVector(ctx context.Context, owner auth.Owner, live map[string]bool, rows []databases.MemoryRow) error {
	filter := map[string]string{"user_id": owner.UserID, "project_id": owner.ProjectID}
	indexed := make(map[string]bool, len(rows))
	if lister, ok := s.Vector.(vectorLister); ok {
		indexedIDs, err := lister.ListIDs(ctx, filter)
		if err != nil {
			return fmt.Errorf("reconciler: list indexed ids: %w", err)
		}
		for _, id := range indexedIDs {
			indexed[id] = true
			if !live[id] {
				if err := s.Vector.Delete(ctx, id); err != nil {
					s.Log.Warn().Err(err).Str("memory_id", id).Msg("reconciler: drift sweep orphan delete failed")
				}
			}
		}
	}

	for _, row := range rows {
		if indexed[row.ID] {
			continue
		}
		vec, err := s.Embedder.EmbedBatch(ctx, []string{row.Content})
		if err != nil {
			s.Log.Warn().Err(err).Str("memory_id", row.ID).Msg("reconciler: drift sweep re-embed failed")
			continue
		}
		meta := map[string]string{"user_id": owner.UserID, "project_id": owner.ProjectID, "category": row.Category}
		if err := s.Vector.Upsert(ctx, row.ID, vec[0], meta); err != nil {
			s.Log.Warn().Err(err).Str("memory_id", row.ID).Msg("reconciler: drift sweep re-upsert failed")
		}
	}
	return nil
}

func (s *Service) driftSweepGraph(ctx context.Context, owner auth.Owner, live map[string]bool, rows []databases.MemoryRow) error {
	if s.Graph == nil {
		return nil
	}
	linked, err := s.Graph.ListLinkedSources(ctx, relMentions, owner.ProjectID)
	if err != nil {
		return fmt.Errorf("reconciler: list linked memory ids: %w", err)
	}
	linkedSet := make(map[string]bool, len(linked))
	for _, id := range linked {
		linkedSet[id] = true
		if !live[id] {
			if err := s.purgeMentions(ctx, id); err != nil {
				s.Log.Warn().Err(err).Str("memory_id", id).Msg("reconciler: drift sweep orphan unlink failed")
			}
		}
	}

	for _, row := range rows {
		if linkedSet[row.ID] || row.Content == "" {
			continue
		}
		entities, err := s.Extractor.Extract(ctx, row.Content)
		if err != nil || len(entities) == 0 {
			continue
		}
		if err := s.linkEntities(ctx, owner, row.ID, entities, 1.0); err != nil {
			s.Log.Warn().Err(err).Str("memory_id", row.ID).Msg("reconciler: drift sweep re-link failed")
		}
	}
	return nil
}

// purgeMentions removes every outgoing MENTIONS edge, and its reverse
// MENTIONED_IN edge, from a memory node. Used to clean up links left behind
// by a memory that is no longer live, since unlinkEntities (which re-derives
// entities from content) has nothing to re-derive from once a row is
// tombstoned or hard-deleted.
func (s *Service) purgeMentions(ctx context.Context, memoryID string) error {
	edges, err := s.Graph.NeighborsWeighted(ctx, memoryID, relMentions)
	if err != nil {
		return err
	}
	for _, e := range edges {
		if err := s.Graph.RemoveEdge(ctx, memoryID, relMentions, e.TargetID, e.Weight); err != nil {
			return err
		}
		if err := s.Graph.RemoveEdge(ctx, e.TargetID, relMentionedIn, memoryID, e.Weight); err != nil {
			return err
		}
	}
	return nil
}
