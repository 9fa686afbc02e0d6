package models

import "fmt"

// EmbeddingSpace is a named, versioned vector representation scheme.
// Immutable once created.
type EmbeddingSpace struct {
	ID       int64  `db:"id" json:"id"`
	Name     string `db:"name" json:"name"`
	Provider string `db:"provider" json:"provider"`
	Dims     int    `db:"dims" json:"dims"`
	Version  string `db:"version" json:"version"`
}

// RunStatus tracks the lifecycle of a clustering run.
type RunStatus string

// Run status constants.
const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// RunParams holds the tunable parameters of a clustering run. Persisted
// as JSON on the run record so historical runs stay reproducible.
type RunParams struct {
	AssignThreshold float64 `json:"assign_threshold"` // min cosine similarity to join a cluster
	MergeThreshold  float64 `json:"merge_threshold"`  // min centroid similarity to merge clusters
	WindowHours     int     `json:"window_hours"`     // sliding assignment window W
	KNN             int     `json:"knn"`              // neighbors fetched per assignment
	CohesionFloor   float64 `json:"cohesion_floor"`   // mean pairwise similarity below which a cluster splits; 0 disables
}

// DefaultRunParams mirrors the parameters historically used in production.
func DefaultRunParams() RunParams {
	return RunParams{
		AssignThreshold: 0.8,
		MergeThreshold:  0.85,
		WindowHours:     48,
		KNN:             5,
		CohesionFloor:   0,
	}
}

// Validate rejects malformed parameters before a run is created.
func (p RunParams) Validate() error {
	if p.AssignThreshold <= 0 || p.AssignThreshold > 1 {
		return fmt.Errorf("%w: assign_threshold %v out of (0,1]", ErrInvalidParams, p.AssignThreshold)
	}
	if p.MergeThreshold <= 0 || p.MergeThreshold > 1 {
		return fmt.Errorf("%w: merge_threshold %v out of (0,1]", ErrInvalidParams, p.MergeThreshold)
	}
	if p.WindowHours <= 0 {
		return fmt.Errorf("%w: window_hours %d must be positive", ErrInvalidParams, p.WindowHours)
	}
	if p.KNN <= 0 {
		return fmt.Errorf("%w: knn %d must be positive", ErrInvalidParams, p.KNN)
	}
	if p.CohesionFloor < 0 || p.CohesionFloor >= 1 {
		return fmt.Errorf("%w: cohesion_floor %v out of [0,1)", ErrInvalidParams, p.CohesionFloor)
	}
	return nil
}

// ClusterRun is one versioned execution of the clustering algorithm over
// an embedding space. At most one run per space is active at any instant.
type ClusterRun struct {
	ID             int64     `db:"id" json:"id"`
	SpaceID        int64     `db:"space_id" json:"space_id"`
	Algo           string    `db:"algo" json:"algo"`
	Params         RunParams `db:"params" json:"params"`
	Status         RunStatus `db:"status" json:"status"`
	Active         bool      `db:"is_active" json:"is_active"`
	StartedAt      string    `db:"started_at" json:"started_at"`
	StartedAtEpoch int64     `db:"started_at_epoch" json:"started_at_epoch"`
	FinishedAt     string    `db:"finished_at" json:"finished_at,omitempty"`
}
