// Package gorm provides GORM-based database operations for courant.
package gorm

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"gorm.io/gorm"

	"github.com/veille-labs/courant/pkg/models"
)

// GORM models. These mirror the domain types in pkg/models with the
// persistence details (indexes, check constraints, epoch hooks) attached.

// RunParamsJSON stores run parameters as a JSON text column so historical
// runs stay reproducible across parameter changes.
type RunParamsJSON models.RunParams

// Value implements driver.Valuer.
func (p RunParamsJSON) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// Scan implements sql.Scanner.
func (p *RunParamsJSON) Scan(value interface{}) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	case nil:
		return nil
	default:
		return fmt.Errorf("unsupported type for RunParamsJSON: %T", value)
	}
}

// EmbeddingSpace registers an available embedding space.
type EmbeddingSpace struct {
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	Name           string `gorm:"uniqueIndex:idx_spaces_name_version,priority:1;not null"`
	Version        string `gorm:"uniqueIndex:idx_spaces_name_version,priority:2"`
	Provider       string `gorm:"not null"`
	Dims           int    `gorm:"not null"`
	CreatedAtEpoch int64  `gorm:"not null"`
}

func (EmbeddingSpace) TableName() string { return "embedding_spaces" }

// BeforeCreate hook to ensure timestamps are set.
func (s *EmbeddingSpace) BeforeCreate(tx *gorm.DB) error {
	if s.CreatedAtEpoch == 0 {
		s.CreatedAtEpoch = time.Now().UnixMilli()
	}
	return nil
}

// ClusterRun represents one clustering pass over an embedding space.
type ClusterRun struct {
	ID              int64         `gorm:"primaryKey;autoIncrement"`
	SpaceID         int64         `gorm:"index:idx_runs_space;index:idx_runs_space_active,priority:1;not null"`
	Algo            string        `gorm:"not null"`
	Params          RunParamsJSON `gorm:"type:text;not null"`
	Status          string        `gorm:"type:text;check:status IN ('running', 'complete', 'failed');default:'running';index"`
	IsActive        bool          `gorm:"default:false;index:idx_runs_space_active,priority:2"`
	StartedAt       string        `gorm:"not null"`
	StartedAtEpoch  int64         `gorm:"index:idx_runs_started,sort:desc;not null"`
	FinishedAt      string
	FinishedAtEpoch int64
}

func (ClusterRun) TableName() string { return "cluster_runs" }

// BeforeCreate hook to ensure timestamps are set.
func (r *ClusterRun) BeforeCreate(tx *gorm.DB) error {
	if r.StartedAtEpoch == 0 {
		r.StartedAtEpoch = time.Now().UnixMilli()
	}
	if r.StartedAt == "" {
		r.StartedAt = time.Now().Format(time.RFC3339)
	}
	if r.Status == "" {
		r.Status = string(models.RunStatusRunning)
	}
	return nil
}

// Cluster groups related documents within a run.
type Cluster struct {
	ID               int64  `gorm:"primaryKey;autoIncrement"`
	RunID            int64  `gorm:"index:idx_clusters_run;not null"`
	Label            string `gorm:"type:text"`
	WindowStartEpoch int64
	WindowEndEpoch   int64
	CreatedAtEpoch   int64 `gorm:"index:idx_clusters_created;not null"`
}

func (Cluster) TableName() string { return "clusters" }

// BeforeCreate hook to ensure timestamps are set.
func (c *Cluster) BeforeCreate(tx *gorm.DB) error {
	if c.CreatedAtEpoch == 0 {
		c.CreatedAtEpoch = time.Now().UnixMilli()
	}
	return nil
}

// Assignment maps a document to a cluster within a run. Append-only:
// consolidation inserts superseding rows, the latest row per
// (run, document) is current.
type Assignment struct {
	ID             int64   `gorm:"primaryKey;autoIncrement"`
	RunID          int64   `gorm:"index:idx_assignments_run_doc,priority:1;not null"`
	ClusterID      int64   `gorm:"index:idx_assignments_cluster;not null"`
	DocumentID     int64   `gorm:"index:idx_assignments_run_doc,priority:2;not null"`
	Similarity     float64 `gorm:"type:real"`
	CreatedAtEpoch int64   `gorm:"not null"`
}

func (Assignment) TableName() string { return "assignments" }

// BeforeCreate hook to ensure timestamps are set.
func (a *Assignment) BeforeCreate(tx *gorm.DB) error {
	if a.CreatedAtEpoch == 0 {
		a.CreatedAtEpoch = time.Now().UnixMilli()
	}
	return nil
}

// Source holds the identity and trust metadata of a document source.
type Source struct {
	ID        int64  `gorm:"primaryKey"`
	Name      string `gorm:"not null"`
	TrustTier string `gorm:"type:text;check:trust_tier IN ('A', 'B', 'C');default:'B';not null"`
	Scope     string `gorm:"type:text;check:scope IN ('local', 'regional', 'national', 'international');default:'national';not null"`
	AreaID    int64
}

func (Source) TableName() string { return "sources" }

// Document records the metadata of an ingested document. Text and raw
// content never reach this engine.
type Document struct {
	ID               int64  `gorm:"primaryKey"`
	SourceID         int64  `gorm:"index:idx_documents_source;not null"`
	PublishedAt      string `gorm:"not null"`
	PublishedAtEpoch int64  `gorm:"index:idx_documents_published,sort:desc;not null"`
	AreaID           int64
}

func (Document) TableName() string { return "documents" }

// TrendSample is one append-only row of the per-cluster trend series.
type TrendSample struct {
	ID            int64 `gorm:"primaryKey;autoIncrement"`
	TsEpoch       int64 `gorm:"index:idx_trends_cluster_ts,priority:2,sort:desc;not null"`
	ClusterID     int64 `gorm:"index:idx_trends_cluster_ts,priority:1;not null"`
	RunID         int64 `gorm:"index:idx_trends_run;not null"`
	DocCount      int
	UniqueSources int
	Velocity      float64 `gorm:"type:real"`
	Acceleration  float64 `gorm:"type:real"`
	Novelty       float64 `gorm:"type:real"`
	Locality      float64 `gorm:"type:real"`
}

func (TrendSample) TableName() string { return "trend_samples" }

// Event records a detected burst. Rows are immutable; escalations are new
// rows sharing the dedupe key.
type Event struct {
	ID              int64  `gorm:"primaryKey;autoIncrement"`
	UID             string `gorm:"uniqueIndex;not null"`
	RunID           int64  `gorm:"index:idx_events_run;not null"`
	ClusterID       int64  `gorm:"index:idx_events_cluster;not null"`
	DetectedAtEpoch int64  `gorm:"index:idx_events_detected,sort:desc;not null"`
	Score           float64
	Severity        string `gorm:"type:text;check:severity IN ('low', 'medium', 'high', 'critical');not null"`
	Label           string
	WindowStart     int64
	WindowEnd       int64
	DedupeKey       string `gorm:"index:idx_events_dedupe;not null"`
}

func (Event) TableName() string { return "events" }

// BeforeCreate hook to ensure timestamps are set.
func (e *Event) BeforeCreate(tx *gorm.DB) error {
	if e.DetectedAtEpoch == 0 {
		e.DetectedAtEpoch = time.Now().UnixMilli()
	}
	return nil
}
