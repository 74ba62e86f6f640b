package databases

import "context"

// VectorResult represents a single nearest neighbor lookup result.
type VectorResult struct {
	ID       string
	Score    float64 // Higher is closer by default
	Metadata map[string]string
}

// VectorStore defines the minimum interface for a pluggable vector store.
// Implementations must key points by memory id so the tri-store saga can
// upsert/delete by id without a secondary lookup.
type VectorStore interface {
	Upsert(ctx context.Context, id string, vector []float32, metadata map[string]string) error
	Delete(ctx context.Context, id string) error
	SimilaritySearch(ctx context.Context, vector []float32, k int, filter map[string]string) ([]VectorResult, error)
}

// Node is a minimal in-memory representation of a graph node (an entity).
type Node struct {
	ID     string
	Labels []string
	Props  map[string]any
}

// WeightedEdge is one hop of a graph traversal, carrying enough information
// for the caller to normalize the edge weight against the source's total
// outgoing weight over the same relation.
type WeightedEdge struct {
	TargetID    string
	Weight      float64
	TotalWeight float64
}

// GraphDB defines a portable interface for entity-graph operations. Edge
// weight accumulates across repeated calls for the same (src, rel, dst):
// UpsertEdge adds deltaWeight to whatever weight is already stored rather
// than replacing it, matching the "weight accumulates on repeated
// co-mention" invariant.
type GraphDB interface {
	UpsertNode(ctx context.Context, id string, labels []string, props map[string]any) error
	UpsertEdge(ctx context.Context, srcID, rel, dstID string, deltaWeight float64) error
	RemoveEdge(ctx context.Context, srcID, rel, dstID string, deltaWeight float64) error
	Neighbors(ctx context.Context, id string, rel string) ([]string, error)
	NeighborsWeighted(ctx context.Context, id string, rel string) ([]WeightedEdge, error)
	GetNode(ctx context.Context, id string) (Node, bool)

	// ListLinkedSources returns the distinct source node ids, scoped to
	// projectID via each source node's "project_id" prop, that have at
	// least one outgoing edge of the given relation. Used by the
	// reconciler's drift sweep (§4.3) to find memories with no entity link
	// and graph links left behind by memories that are no longer live.
	ListLinkedSources(ctx context.Context, rel, projectID string) ([]string, error)
}

// Manager holds concrete database backends resolved from configuration.
type Manager struct {
	Vector     VectorStore
	Graph      GraphDB
	Relational RelationalStore
}

// Close attempts to close any underlying pools. It's a no-op for memory backends.
func (m Manager) Close() {
	if c, ok := any(m.Vector).(interface{ Close() }); ok {
		c.Close()
	}
	if c, ok := any(m.Graph).(interface{ Close() }); ok {
		c.Close()
	}
	if c, ok := any(m.Relational).(interface{ Close() }); ok {
		c.Close()
	}
}
