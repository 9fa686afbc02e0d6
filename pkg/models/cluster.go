package models

// Cluster is a group of related documents produced by a run. A cluster
// belongs to exactly one run and never migrates between runs.
type Cluster struct {
	ID             int64  `db:"id" json:"id"`
	RunID          int64  `db:"run_id" json:"run_id"`
	Label          string `db:"label" json:"label"`
	WindowStart    int64  `db:"window_start_epoch" json:"window_start_epoch"`
	WindowEnd      int64  `db:"window_end_epoch" json:"window_end_epoch"`
	CreatedAtEpoch int64  `db:"created_at_epoch" json:"created_at_epoch"`
}

// Assignment associates a document to a cluster within a run, with the
// similarity observed at assignment time. Assignments are append-only:
// consolidation supersedes rows by writing newer ones, it never deletes.
// The latest row per (run, document) is the current assignment.
type Assignment struct {
	ID             int64   `db:"id" json:"id"`
	RunID          int64   `db:"run_id" json:"run_id"`
	ClusterID      int64   `db:"cluster_id" json:"cluster_id"`
	DocumentID     int64   `db:"document_id" json:"document_id"`
	Similarity     float64 `db:"similarity" json:"similarity"`
	CreatedAtEpoch int64   `db:"created_at_epoch" json:"created_at_epoch"`
}
