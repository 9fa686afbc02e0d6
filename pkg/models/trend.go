package models

// TrendSample is one row of the append-only per-cluster trend series,
// produced once per sampling tick.
type TrendSample struct {
	ID            int64   `db:"id" json:"id"`
	Ts            int64   `db:"ts_epoch" json:"ts_epoch"`
	ClusterID     int64   `db:"cluster_id" json:"cluster_id"`
	RunID         int64   `db:"run_id" json:"run_id"`
	DocCount      int     `db:"doc_count" json:"doc_count"`
	UniqueSources int     `db:"unique_sources" json:"unique_sources"`
	Velocity      float64 `db:"velocity" json:"velocity"`         // docs per hour
	Acceleration  float64 `db:"acceleration" json:"acceleration"` // docs per hour²
	Novelty       float64 `db:"novelty" json:"novelty"`           // 1 − cos(centroid, prior-window centroid)
	Locality      float64 `db:"locality" json:"locality"`         // fraction of docs in the dominant area
}
