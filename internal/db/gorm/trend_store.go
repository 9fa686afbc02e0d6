package gorm

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/veille-labs/courant/pkg/models"
)

// TrendStore persists the append-only trend series and answers the
// aggregate queries the calculator needs.
type TrendStore struct {
	db *gorm.DB
}

// NewTrendStore creates a new trend store.
func NewTrendStore(store *Store) *TrendStore {
	return &TrendStore{db: store.DB}
}

// InsertSample appends one sample row.
func (s *TrendStore) InsertSample(ctx context.Context, sample *models.TrendSample) error {
	row := TrendSample{
		TsEpoch:       sample.Ts,
		ClusterID:     sample.ClusterID,
		RunID:         sample.RunID,
		DocCount:      sample.DocCount,
		UniqueSources: sample.UniqueSources,
		Velocity:      sample.Velocity,
		Acceleration:  sample.Acceleration,
		Novelty:       sample.Novelty,
		Locality:      sample.Locality,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert trend sample: %w", err)
	}
	sample.ID = row.ID
	return nil
}

// PrevSample returns the most recent sample strictly before ts and no
// older than minTs, or nil when the series has no usable predecessor.
func (s *TrendStore) PrevSample(ctx context.Context, clusterID, runID, ts, minTs int64) (*models.TrendSample, error) {
	var row TrendSample
	err := s.db.WithContext(ctx).
		Where("cluster_id = ? AND run_id = ? AND ts_epoch < ? AND ts_epoch >= ?",
			clusterID, runID, ts, minTs).
		Order("ts_epoch DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("prev sample for cluster %d: %w", clusterID, err)
	}
	return toDomainSample(&row), nil
}

// LatestSamples returns, for each cluster of the run, the newest sample
// taken at or after sinceTs.
func (s *TrendStore) LatestSamples(ctx context.Context, runID, sinceTs int64) ([]models.TrendSample, error) {
	var rows []TrendSample
	err := s.db.WithContext(ctx).Raw(`
		SELECT * FROM trend_samples
		WHERE id IN (
			SELECT MAX(id) FROM trend_samples
			WHERE run_id = ? AND ts_epoch >= ?
			GROUP BY cluster_id
		)`, runID, sinceTs).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("latest samples for run %d: %w", runID, err)
	}
	out := make([]models.TrendSample, len(rows))
	for i := range rows {
		out[i] = *toDomainSample(&rows[i])
	}
	return out, nil
}

// Member is one current cluster member with the document metadata the
// trend calculator aggregates over.
type Member struct {
	DocumentID       int64
	SourceID         int64
	AreaID           int64
	PublishedAtEpoch int64
}

// Members returns the cluster's current members (latest assignment rows)
// with their timestamps, sources, and areas.
func (s *TrendStore) Members(ctx context.Context, runID, clusterID int64) ([]Member, error) {
	var rows []Member
	err := s.db.WithContext(ctx).Raw(`
		SELECT d.id AS document_id, d.source_id, d.area_id, d.published_at_epoch
		FROM documents d
		JOIN assignments a ON a.document_id = d.id
		WHERE a.cluster_id = ?
		  AND a.id IN (SELECT MAX(id) FROM assignments WHERE run_id = ? GROUP BY document_id)
		ORDER BY d.published_at_epoch ASC`,
		clusterID, runID).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("members of cluster %d: %w", clusterID, err)
	}
	return rows, nil
}

func toDomainSample(r *TrendSample) *models.TrendSample {
	return &models.TrendSample{
		ID:            r.ID,
		Ts:            r.TsEpoch,
		ClusterID:     r.ClusterID,
		RunID:         r.RunID,
		DocCount:      r.DocCount,
		UniqueSources: r.UniqueSources,
		Velocity:      r.Velocity,
		Acceleration:  r.Acceleration,
		Novelty:       r.Novelty,
		Locality:      r.Locality,
	}
}
