package databases

import (
	"context"
	"sort"
	"sync"
)

type edgeKey struct{ src, rel string }

type memoryGraph struct {
	mu    sync.RWMutex
	nodes map[string]Node
	edges map[edgeKey]map[string]float64 // key:(src,rel) -> dst -> weight
}

func NewMemoryGraph() GraphDB {
	return &memoryGraph{
		nodes: make(map[string]Node),
		edges: make(map[edgeKey]map[string]float64),
	}
}

func (m *memoryGraph) UpsertNode(_ context.Context, id string, labels []string, props map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(map[string]any, len(props))
	for k, v := range props {
		cp[k] = v
	}
	m.nodes[id] = Node{ID: id, Labels: append([]string{}, labels...), Props: cp}
	return nil
}

func (m *memoryGraph) UpsertEdge(_ context.Context, srcID, rel, dstID string, deltaWeight float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := edgeKey{src: srcID, rel: rel}
	m.ensureEdgeKey(key)
	m.edges[key][dstID] += deltaWeight
	return nil
}

func (m *memoryGraph) RemoveEdge(_ context.Context, srcID, rel, dstID string, deltaWeight float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := edgeKey{src: srcID, rel: rel}
	dsts, ok := m.edges[key]
	if !ok {
		return nil
	}
	w := dsts[dstID] - deltaWeight
	if w <= 0 {
		delete(dsts, dstID)
		return nil
	}
	dsts[dstID] = w
	return nil
}

func (m *memoryGraph) Neighbors(_ context.Context, id string, rel string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key := edgeKey{src: id, rel: rel}
	var out []string
	if dsts, ok := m.edges[key]; ok {
		for dst := range dsts {
			out = append(out, dst)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *memoryGraph) NeighborsWeighted(_ context.Context, id string, rel string) ([]WeightedEdge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key := edgeKey{src: id, rel: rel}
	dsts, ok := m.edges[key]
	if !ok {
		return []WeightedEdge{}, nil
	}
	var total float64
	for _, w := range dsts {
		total += w
	}
	out := make([]WeightedEdge, 0, len(dsts))
	for dst, w := range dsts {
		out = append(out, WeightedEdge{TargetID: dst, Weight: w, TotalWeight: total})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Weight > out[j].Weight })
	return out, nil
}

func (m *memoryGraph) GetNode(_ context.Context, id string) (Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	return n, ok
}

func (m *memoryGraph) ListLinkedSources(_ context.Context, rel, projectID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []string{}
	for key, dsts := range m.edges {
		if key.rel != rel || len(dsts) == 0 {
			continue
		}
		n, ok := m.nodes[key.src]
		if !ok {
			continue
		}
		if pid, _ := n.Props["project_id"].(string); pid != projectID {
			continue
		}
		out = append(out, key.src)
	}
	sort.Strings(out)
	return out, nil
}

func (m *memoryGraph) ensureEdgeKey(k edgeKey) {
	if _, ok := m.edges[k]; !ok {
		m.edges[k] = make(map[string]float64)
	}
}
