package api

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/veille-labs/courant/pkg/models"
)

// ingestRequest is one upstream-delivered document, normally already
// embedded in the active run's space. When the service carries an
// embedder, text may stand in for the embedding. Source metadata rides
// along so trust and scope stay current without a separate call.
type ingestRequest struct {
	Document  models.Document `json:"document"`
	Embedding []float32       `json:"embedding,omitempty"`
	Text      string          `json:"text,omitempty"`
	Source    *models.Source  `json:"source,omitempty"`
}

func (s *Service) handleIngestDocument(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Document.ID == 0 {
		writeError(w, http.StatusBadRequest, "document id is required")
		return
	}
	if len(req.Embedding) == 0 && req.Text != "" && s.embedder != nil {
		vec, err := s.embedder.Embed(r.Context(), req.Text)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		req.Embedding = vec
	}
	if len(req.Embedding) == 0 {
		writeError(w, http.StatusBadRequest, "embedding (or text with an embedder configured) is required")
		return
	}
	req.Document.Embedding = req.Embedding

	if req.Source != nil {
		if err := s.docs.UpsertSource(r.Context(), req.Source); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	run, err := s.runs.ActiveRun(r.Context(), s.spaceID)
	if errors.Is(err, models.ErrRunNotActive) {
		writeError(w, http.StatusConflict, "no active run")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	a, err := s.assigner.Assign(r.Context(), run, &req.Document)
	switch {
	case errors.Is(err, models.ErrDuplicateAssignment):
		writeJSON(w, http.StatusOK, map[string]any{"duplicate": true})
	case errors.Is(err, models.ErrRunNotActive):
		writeError(w, http.StatusConflict, "run deactivated, re-fetch and retry")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusCreated, a)
	}
}
