package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/veille-labs/courant/internal/api/sse"
	"github.com/veille-labs/courant/pkg/models"
)

// replayPageSize is the page size used when replaying events from a
// stream cursor.
const replayPageSize = 100

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	indexed, err := s.index.Count(r.Context())
	if err != nil {
		log.Debug().Err(err).Msg("index count failed")
		indexed = -1
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"version":           s.version,
		"uptime_seconds":    int64(time.Since(s.startTime).Seconds()),
		"stream_clients":    s.broadcaster.ClientCount(),
		"indexed_documents": indexed,
	})
}

func (s *Service) handleActiveRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.ActiveRun(r.Context(), s.spaceID)
	if errors.Is(err, models.ErrRunNotActive) {
		writeError(w, http.StatusNotFound, "no active run")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleListClusters returns the active run's clusters. Readers always
// resolve the active run per request; a promotion between requests is
// reflected immediately.
func (s *Service) handleListClusters(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.ActiveRun(r.Context(), s.spaceID)
	if errors.Is(err, models.ErrRunNotActive) {
		writeError(w, http.StatusNotFound, "no active run")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	clusters, err := s.clusters.ClustersForRun(r.Context(), run.ID, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":   run.ID,
		"clusters": clusters,
	})
}

func (s *Service) handleListAssignments(w http.ResponseWriter, r *http.Request) {
	clusterID, err := strconv.ParseInt(chi.URLParam(r, "clusterID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cluster id")
		return
	}
	run, err := s.runs.ActiveRun(r.Context(), s.spaceID)
	if errors.Is(err, models.ErrRunNotActive) {
		writeError(w, http.StatusNotFound, "no active run")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	cluster, err := s.clusters.GetCluster(r.Context(), clusterID)
	if err != nil || cluster.RunID != run.ID {
		writeError(w, http.StatusNotFound, "cluster not found in active run")
		return
	}
	assignments, err := s.clusters.AssignmentsForCluster(r.Context(), run.ID, clusterID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cluster":     cluster,
		"assignments": assignments,
	})
}

func (s *Service) handleListEvents(w http.ResponseWriter, r *http.Request) {
	cursor, _ := strconv.ParseInt(r.URL.Query().Get("cursor"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.events.ListAfter(r.Context(), cursor, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	next := cursor
	if len(events) > 0 {
		next = events[len(events)-1].ID
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":      events,
		"next_cursor": next,
	})
}

// handleStreamEvents serves the restartable event stream. The client
// resumes from the Last-Event-ID header or a cursor query parameter;
// persisted events past the cursor are replayed before live delivery.
// An event emitted across the attach boundary may arrive twice;
// consumers collapse by id.
func (s *Service) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	client, err := s.broadcaster.AddClient(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer s.broadcaster.RemoveClient(client)

	cursor, _ := strconv.ParseInt(r.Header.Get("Last-Event-ID"), 10, 64)
	if cursor == 0 {
		cursor, _ = strconv.ParseInt(r.URL.Query().Get("cursor"), 10, 64)
	}

	for {
		events, err := s.events.ListAfter(r.Context(), cursor, replayPageSize)
		if err != nil {
			log.Debug().Err(err).Msg("event replay failed")
			return
		}
		if len(events) == 0 {
			break
		}
		for i := range events {
			frame, err := sse.Frame(&events[i])
			if err != nil {
				continue
			}
			if _, err := client.Writer.Write(frame); err != nil {
				return
			}
		}
		client.Flusher.Flush()
		cursor = events[len(events)-1].ID
	}
	client.Flusher.Flush()

	select {
	case <-r.Context().Done():
	case <-client.Done:
	}
}
