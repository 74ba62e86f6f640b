package databases

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"memoryx/internal/config"
	"memoryx/internal/contentcrypto"
)

// NewManager constructs database backends based on configuration.
// Supported backends: memory, postgres (vector/graph/relational); the
// vector store additionally supports qdrant. contentKey configures
// content-at-rest encryption (§10.3) for the postgres relational backend; an
// empty key leaves memory content in plaintext.
func NewManager(ctx context.Context, cfg config.DBConfig, contentKey string) (Manager, error) {
	var m Manager

	switch cfg.Relational.Backend {
	case "", "memory":
		m.Relational = NewMemoryRelational()
	case "postgres", "pg":
		if cfg.Relational.DSN == "" {
			return Manager{}, fmt.Errorf("relational backend postgres requires DSN")
		}
		p, err := newPgPool(ctx, cfg.Relational.DSN)
		if err != nil {
			return Manager{}, fmt.Errorf("connect postgres (relational): %w", err)
		}
		cipher, err := contentcrypto.New(contentKey)
		if err != nil {
			return Manager{}, fmt.Errorf("init content cipher: %w", err)
		}
		r := NewPostgresRelational(p, cipher)
		if err := r.InitSchema(ctx); err != nil {
			return Manager{}, fmt.Errorf("init relational schema: %w", err)
		}
		m.Relational = r
	default:
		return Manager{}, fmt.Errorf("unsupported relational backend: %s", cfg.Relational.Backend)
	}

	switch cfg.Vector.Backend {
	case "", "memory":
		m.Vector = NewMemoryVector()
	case "qdrant":
		if cfg.Vector.QdrantAddr == "" {
			return Manager{}, fmt.Errorf("vector backend qdrant requires MEMORYX_QDRANT_ADDR")
		}
		v, err := NewQdrantVector(cfg.Vector.QdrantAddr, "memoryx_memories", cfg.Vector.Dimensions, cfg.Vector.Metric)
		if err != nil {
			return Manager{}, fmt.Errorf("connect qdrant: %w", err)
		}
		m.Vector = v
	case "postgres", "pgvector", "pg":
		if cfg.Vector.DSN == "" {
			return Manager{}, fmt.Errorf("vector backend postgres requires DSN")
		}
		p, err := newPgPool(ctx, cfg.Vector.DSN)
		if err != nil {
			return Manager{}, fmt.Errorf("connect postgres (vector): %w", err)
		}
		m.Vector = NewPostgresVector(p, cfg.Vector.Dimensions, cfg.Vector.Metric)
	case "none", "disabled":
		m.Vector = noopVector{}
	default:
		return Manager{}, fmt.Errorf("unsupported vector backend: %s", cfg.Vector.Backend)
	}

	switch cfg.Graph.Backend {
	case "", "memory":
		m.Graph = NewMemoryGraph()
	case "postgres", "pg":
		if cfg.Graph.DSN == "" {
			return Manager{}, fmt.Errorf("graph backend postgres requires DSN")
		}
		p, err := newPgPool(ctx, cfg.Graph.DSN)
		if err != nil {
			return Manager{}, fmt.Errorf("connect postgres (graph): %w", err)
		}
		m.Graph = NewPostgresGraph(p)
	case "none", "disabled":
		m.Graph = noopGraph{}
	default:
		return Manager{}, fmt.Errorf("unsupported graph backend: %s", cfg.Graph.Backend)
	}
	return m, nil
}

type noopVector struct{}

func (noopVector) Upsert(context.Context, string, []float32, map[string]string) error { return nil }
func (noopVector) Delete(context.Context, string) error                               { return nil }
func (noopVector) SimilaritySearch(context.Context, []float32, int, map[string]string) ([]VectorResult, error) {
	return nil, nil
}

type noopGraph struct{}

func (noopGraph) UpsertNode(context.Context, string, []string, map[string]any) error { return nil }
func (noopGraph) UpsertEdge(context.Context, string, string, string, float64) error   { return nil }
func (noopGraph) RemoveEdge(context.Context, string, string, string, float64) error   { return nil }
func (noopGraph) Neighbors(context.Context, string, string) ([]string, error)        { return nil, nil }
func (noopGraph) NeighborsWeighted(context.Context, string, string) ([]WeightedEdge, error) {
	return nil, nil
}
func (noopGraph) GetNode(context.Context, string) (Node, bool) { return Node{}, false }
func (noopGraph) ListLinkedSources(context.Context, string, string) ([]string, error) {
	return nil, nil
}

func newPgPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 8
	cfg.MinConns = 0
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(cctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
