// Package api exposes the read-side HTTP surface: active clusters and
// assignments, persisted events, and the live event stream.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/veille-labs/courant/internal/api/sse"
	"github.com/veille-labs/courant/internal/assigner"
	dbgorm "github.com/veille-labs/courant/internal/db/gorm"
	"github.com/veille-labs/courant/internal/embed"
	"github.com/veille-labs/courant/internal/runs"
	"github.com/veille-labs/courant/internal/vector"
)

// Service serves the read-side API for one embedding space.
type Service struct {
	version     string
	addr        string
	spaceID     int64
	runs        *runs.Manager
	clusters    *dbgorm.ClusterStore
	docs        *dbgorm.DocumentStore
	events      *dbgorm.EventStore
	assigner    *assigner.Assigner
	index       vector.Index
	embedder    embed.Embedder
	broadcaster *sse.Broadcaster
	router      *chi.Mux
	startTime   time.Time
}

// NewService wires the routes. The broadcaster should also be
// registered as an event publisher so live detections reach stream
// clients. A nil embedder requires ingested documents to arrive
// pre-embedded.
func NewService(
	version, addr string,
	spaceID int64,
	manager *runs.Manager,
	clusters *dbgorm.ClusterStore,
	docs *dbgorm.DocumentStore,
	events *dbgorm.EventStore,
	asn *assigner.Assigner,
	index vector.Index,
	embedder embed.Embedder,
	broadcaster *sse.Broadcaster,
) *Service {
	s := &Service{
		version:     version,
		addr:        addr,
		spaceID:     spaceID,
		runs:        manager,
		clusters:    clusters,
		docs:        docs,
		events:      events,
		assigner:    asn,
		index:       index,
		embedder:    embedder,
		broadcaster: broadcaster,
		router:      chi.NewRouter(),
		startTime:   time.Now(),
	}
	s.setupRoutes()
	return s
}

// Router returns the HTTP handler, for embedding and tests.
func (s *Service) Router() http.Handler { return s.router }

func (s *Service) setupRoutes() {
	r := s.router
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Post("/documents", s.handleIngestDocument)
		r.Get("/runs/active", s.handleActiveRun)
		r.Get("/clusters", s.handleListClusters)
		r.Get("/clusters/{clusterID}/assignments", s.handleListAssignments)
		r.Get("/events", s.handleListEvents)
		r.Get("/events/stream", s.handleStreamEvents)
	})
}

// Serve runs the HTTP server until the context is cancelled.
func (s *Service) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.addr).Msg("api server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
