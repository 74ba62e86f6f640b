package retriever

import "context"

// expandGraph traverses memory->entity->relation->entity->memory out from
// each of the given (already vector-recalled) memory ids, returning a boost
// per newly or further discovered adjacent memory id. Depth 1 is a memory
// sharing an entity directly with a seed memory (discount 0.5^1); depth 2
// additionally crosses one RELATED_TO co-mention edge before landing back on
// a memory (discount 0.5^2, weighted by that edge's share of the source
// entity's total outgoing weight). Boosts for the same target id are kept at
// their best (highest) value rather than summed, matching the "keep the
// best score" merge rule used for the final ranking.
func (s *Service) expandGraph(ctx context.Context, seedIDs []string) (map[string]float64, error) {
	boosts := make(map[string]float64)
	if s.Graph == nil {
		return boosts, nil
	}
	bump := func(id string, v float64) {
		if id == "" {
			return
		}
		if cur, ok := boosts[id]; !ok || v > cur {
			boosts[id] = v
		}
	}

	depthDiscount := func(depth int) float64 {
		d := 1.0
		for i := 0; i < depth; i++ {
			d *= s.Cfg.GraphHopDecay
		}
		return d
	}

	for _, seedID := range seedIDs {
		entities, err := s.Graph.Neighbors(ctx, seedID, relMentions)
		if err != nil {
			return nil, err
		}
		for _, e := range entities {
			siblings, err := s.Graph.Neighbors(ctx, e, relMentionedIn)
			if err != nil {
				return nil, err
			}
			for _, bm := range siblings {
				if bm == seedID {
					continue
				}
				bump(bm, depthDiscount(1))
			}
			if s.Cfg.GraphDepth < 2 {
				continue
			}
			related, err := s.Graph.NeighborsWeighted(ctx, e, relRelatedTo)
			if err != nil {
				return nil, err
			}
			for _, edge := range related {
				norm := 0.0
				if edge.TotalWeight > 0 {
					norm = edge.Weight / edge.TotalWeight
				}
				farMemories, err := s.Graph.Neighbors(ctx, edge.TargetID, relMentionedIn)
				if err != nil {
					return nil, err
				}
				for _, bm := range farMemories {
					if bm == seedID {
						continue
					}
					bump(bm, depthDiscount(2)*norm)
				}
			}
		}
	}
	return boosts, nil
}
