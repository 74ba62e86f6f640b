package databases

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

type pgGraph struct{ pool *pgxpool.Pool }

func NewPostgresGraph(pool *pgxpool.Pool) GraphDB {
	ctx := context.Background()
	_, _ = pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS nodes (
  id TEXT PRIMARY KEY,
  labels TEXT[] NOT NULL DEFAULT '{}',
  props JSONB NOT NULL DEFAULT '{}'::jsonb
);
`)
	_, _ = pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS edges (
  source TEXT NOT NULL,
  rel TEXT NOT NULL,
  target TEXT NOT NULL,
  weight DOUBLE PRECISION NOT NULL DEFAULT 0,
  PRIMARY KEY (source, rel, target)
);
`)
	_, _ = pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS edges_src_rel ON edges(source, rel)`)
	_, _ = pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS edges_dst_rel ON edges(target, rel)`)
	return &pgGraph{pool: pool}
}

func (g *pgGraph) UpsertNode(ctx context.Context, id string, labels []string, props map[string]any) error {
	if props == nil {
		props = map[string]any{}
	}
	_, err := g.pool.Exec(ctx, `
INSERT INTO nodes(id, labels, props) VALUES($1,$2,$3)
ON CONFLICT (id) DO UPDATE SET labels=EXCLUDED.labels, props=EXCLUDED.props
`, id, labels, props)
	return err
}

// UpsertEdge accumulates deltaWeight into the edge's running weight rather
// than overwriting it, so repeated co-mentions of the same entity pair
// strengthen the relation instead of leaving it at a single observation.
func (g *pgGraph) UpsertEdge(ctx context.Context, srcID, rel, dstID string, deltaWeight float64) error {
	_, err := g.pool.Exec(ctx, `
INSERT INTO edges(source, rel, target, weight) VALUES($1,$2,$3,$4)
ON CONFLICT (source, rel, target) DO UPDATE SET weight = edges.weight + EXCLUDED.weight
`, srcID, rel, dstID, deltaWeight)
	return err
}

// RemoveEdge decrements weight and deletes the edge once it reaches zero,
// the inverse of UpsertEdge, used to unlink a memory's entities on UPDATE
// and DELETE and by the drift sweep's purge of orphaned links.
func (g *pgGraph) RemoveEdge(ctx context.Context, srcID, rel, dstID string, deltaWeight float64) error {
	_, err := g.pool.Exec(ctx, `
UPDATE edges SET weight = GREATEST(weight - $4, 0)
WHERE source=$1 AND rel=$2 AND target=$3
`, srcID, rel, dstID, deltaWeight)
	if err != nil {
		return err
	}
	_, err = g.pool.Exec(ctx, `DELETE FROM edges WHERE source=$1 AND rel=$2 AND target=$3 AND weight<=0`, srcID, rel, dstID)
	return err
}

func (g *pgGraph) Neighbors(ctx context.Context, id string, rel string) ([]string, error) {
	rows, err := g.pool.Query(ctx, `SELECT target FROM edges WHERE source=$1 AND rel=$2 ORDER BY target`, id, rel)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{} // return empty slice rather than nil so JSON encodes as []
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// NeighborsWeighted returns each outgoing edge's weight alongside the total
// outgoing weight over the same relation, so the caller can normalize a hop's
// contribution to graph_boost without a second round trip.
func (g *pgGraph) NeighborsWeighted(ctx context.Context, id string, rel string) ([]WeightedEdge, error) {
	rows, err := g.pool.Query(ctx, `
SELECT target, weight, SUM(weight) OVER (PARTITION BY source, rel)
FROM edges WHERE source=$1 AND rel=$2 ORDER BY weight DESC
`, id, rel)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []WeightedEdge{}
	for rows.Next() {
		var e WeightedEdge
		if err := rows.Scan(&e.TargetID, &e.Weight, &e.TotalWeight); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (g *pgGraph) GetNode(ctx context.Context, id string) (Node, bool) {
	row := g.pool.QueryRow(ctx, `SELECT labels, props FROM nodes WHERE id=$1`, id)
	var labels []string
	var props map[string]any
	if err := row.Scan(&labels, &props); err != nil {
		return Node{}, false
	}
	return Node{ID: id, Labels: labels, Props: props}, true
}

// ListLinkedSources backs the reconciler's drift sweep (§4.3): it finds every
// memory node under projectID that currently has at least one outgoing edge
// of rel, so the caller can diff that set against the relational store's
// live memory ids.
func (g *pgGraph) ListLinkedSources(ctx context.Context, rel, projectID string) ([]string, error) {
	rows, err := g.pool.Query(ctx, `
SELECT DISTINCT e.source FROM edges e
JOIN nodes n ON n.id = e.source
WHERE e.rel = $1 AND n.props->>'project_id' = $2
`, rel, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
