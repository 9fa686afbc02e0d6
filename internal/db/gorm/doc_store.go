package gorm

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/veille-labs/courant/pkg/models"
)

// DocumentStore persists the document and source metadata the engine
// needs for trend and corroboration queries. Content never reaches it.
type DocumentStore struct {
	db *gorm.DB
}

// NewDocumentStore creates a new document store.
func NewDocumentStore(store *Store) *DocumentStore {
	return &DocumentStore{db: store.DB}
}

// UpsertSource records or refreshes a source's trust metadata.
func (s *DocumentStore) UpsertSource(ctx context.Context, src *models.Source) error {
	row := Source{
		ID:        src.ID,
		Name:      src.Name,
		TrustTier: string(src.TrustTier),
		Scope:     string(src.Scope),
		AreaID:    src.AreaID,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert source %d: %w", src.ID, err)
	}
	return nil
}

// UpsertDocument records a delivered document's metadata.
func (s *DocumentStore) UpsertDocument(ctx context.Context, doc *models.Document) error {
	row := Document{
		ID:               doc.ID,
		SourceID:         doc.SourceID,
		PublishedAt:      doc.PublishedAt,
		PublishedAtEpoch: doc.PublishedEpoch,
		AreaID:           doc.AreaID,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert document %d: %w", doc.ID, err)
	}
	return nil
}

// GetSource fetches a source by id.
func (s *DocumentStore) GetSource(ctx context.Context, id int64) (*models.Source, error) {
	var row Source
	if err := s.db.WithContext(ctx).First(&row, id).Error; err != nil {
		return nil, fmt.Errorf("get source %d: %w", id, err)
	}
	return &models.Source{
		ID:        row.ID,
		Name:      row.Name,
		TrustTier: models.TrustTier(row.TrustTier),
		Scope:     models.SourceScope(row.Scope),
		AreaID:    row.AreaID,
	}, nil
}

// SourcesForCluster returns the distinct sources behind a cluster's
// current members. Used for corroboration checks.
func (s *DocumentStore) SourcesForCluster(ctx context.Context, runID, clusterID int64) ([]models.Source, error) {
	var rows []Source
	err := s.db.WithContext(ctx).Raw(`
		SELECT DISTINCT s.* FROM sources s
		JOIN documents d ON d.source_id = s.id
		JOIN assignments a ON a.document_id = d.id
		WHERE a.cluster_id = ?
		  AND a.id IN (SELECT MAX(id) FROM assignments WHERE run_id = ? GROUP BY document_id)`,
		clusterID, runID).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("sources for cluster %d: %w", clusterID, err)
	}
	out := make([]models.Source, len(rows))
	for i, r := range rows {
		out[i] = models.Source{
			ID:        r.ID,
			Name:      r.Name,
			TrustTier: models.TrustTier(r.TrustTier),
			Scope:     models.SourceScope(r.Scope),
			AreaID:    r.AreaID,
		}
	}
	return out, nil
}
