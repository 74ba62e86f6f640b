// Package httpapi exposes MemoryX's external HTTP surface (§6): memory
// ingest, conversation flush, search, list/delete, task polling, quota, and
// agent auto-registration. Routing uses the standard
// net/http.ServeMux method+pattern convention, no third-party router.
package httpapi

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	"memoryx/internal/aggregator"
	"memoryx/internal/auth"
	"memoryx/internal/orchestrator"
	"memoryx/internal/persistence/databases"
	"memoryx/internal/retriever"
)

// TaskPublisher hands an ingestion task envelope off to the worker tier,
// either over Kafka (production, multiple processes) or in-process
// (single-binary/dev deployments with no broker configured). Implementations
// live in cmd/server, which decides which mode applies.
type TaskPublisher interface {
	Publish(ctx context.Context, env orchestrator.IngestEnvelope) error
}

// Server wires the auth, aggregator, retriever, and tri-store services
// behind the §6 HTTP surface.
type Server struct {
	Auth       *auth.Store
	Aggregator *aggregator.Service
	Retriever  *retriever.Service
	Relational databases.RelationalStore
	Vector     databases.VectorStore
	Publisher  TaskPublisher
	Log        zerolog.Logger

	mux *http.ServeMux
}

// NewServer constructs the HTTP API server and registers its routes.
func NewServer(auth *auth.Store, agg *aggregator.Service, ret *retriever.Service, rel databases.RelationalStore, vec databases.VectorStore, pub TaskPublisher, log zerolog.Logger) *Server {
	s := &Server{
		Auth:       auth,
		Aggregator: agg,
		Retriever:  ret,
		Relational: rel,
		Vector:     vec,
		Publisher:  pub,
		Log:        log,
		mux:        http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	mw := auth.Middleware(s.Auth)

	s.mux.Handle("POST /v1/memories", mw(http.HandlerFunc(s.handleCreateMemory)))
	s.mux.Handle("POST /v1/memories/batch", mw(http.HandlerFunc(s.handleCreateMemoryBatch)))
	s.mux.Handle("POST /v1/conversations/flush", mw(http.HandlerFunc(s.handleFlushConversation)))
	s.mux.Handle("POST /v1/memories/search", mw(http.HandlerFunc(s.handleSearch)))
	s.mux.Handle("GET /v1/memories/list", mw(http.HandlerFunc(s.handleListMemories)))
	s.mux.Handle("DELETE /v1/memories/{id}", mw(http.HandlerFunc(s.handleDeleteMemory)))
	s.mux.Handle("GET /v1/memories/task/{task_id}", mw(http.HandlerFunc(s.handleGetTask)))
	s.mux.Handle("GET /v1/quota", mw(http.HandlerFunc(s.handleQuota)))

	// Auto-register issues credentials, so it cannot itself require one.
	s.mux.HandleFunc("POST /agents/auto-register", s.handleAutoRegister)
}
