package gorm

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/veille-labs/courant/pkg/models"
)

// ClusterStore provides cluster and assignment operations using GORM.
// Assignments are append-only; "current" is always derived by taking the
// latest row per (run, document), never by deleting history.
type ClusterStore struct {
	db *gorm.DB
}

// NewClusterStore creates a new cluster store.
func NewClusterStore(store *Store) *ClusterStore {
	return &ClusterStore{db: store.DB}
}

// CreateCluster creates a cluster seeded at the given window position.
func (s *ClusterStore) CreateCluster(ctx context.Context, runID int64, label string, windowEpoch int64) (*models.Cluster, error) {
	c := Cluster{
		RunID:            runID,
		Label:            label,
		WindowStartEpoch: windowEpoch,
		WindowEndEpoch:   windowEpoch,
	}
	if err := s.db.WithContext(ctx).Create(&c).Error; err != nil {
		return nil, fmt.Errorf("create cluster: %w", err)
	}
	return toDomainCluster(&c), nil
}

// GetCluster fetches a cluster by id.
func (s *ClusterStore) GetCluster(ctx context.Context, clusterID int64) (*models.Cluster, error) {
	var c Cluster
	if err := s.db.WithContext(ctx).First(&c, clusterID).Error; err != nil {
		return nil, fmt.Errorf("get cluster %d: %w", clusterID, err)
	}
	return toDomainCluster(&c), nil
}

// WidenWindow extends a cluster's [start, end) window to cover epoch.
func (s *ClusterStore) WidenWindow(ctx context.Context, clusterID, epoch int64) error {
	err := s.db.WithContext(ctx).Exec(`
		UPDATE clusters
		SET window_start_epoch = MIN(window_start_epoch, ?),
		    window_end_epoch = MAX(window_end_epoch, ?)
		WHERE id = ?`, epoch, epoch, clusterID).Error
	if err != nil {
		return fmt.Errorf("widen cluster %d window: %w", clusterID, err)
	}
	return nil
}

// ClustersForRun returns the run's clusters created at or after sinceEpoch
// (0 for all), ordered by creation.
func (s *ClusterStore) ClustersForRun(ctx context.Context, runID, sinceEpoch int64) ([]models.Cluster, error) {
	var rows []Cluster
	q := s.db.WithContext(ctx).Where("run_id = ?", runID)
	if sinceEpoch > 0 {
		q = q.Where("created_at_epoch >= ?", sinceEpoch)
	}
	if err := q.Order("created_at_epoch ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("clusters for run %d: %w", runID, err)
	}
	out := make([]models.Cluster, len(rows))
	for i := range rows {
		out[i] = *toDomainCluster(&rows[i])
	}
	return out, nil
}

// HasAssignment reports whether the (run, document) pair already has an
// assignment row.
func (s *ClusterStore) HasAssignment(ctx context.Context, runID, documentID int64) (bool, error) {
	var a Assignment
	err := s.db.WithContext(ctx).
		Where("run_id = ? AND document_id = ?", runID, documentID).
		First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup assignment: %w", err)
	}
	return true, nil
}

// CreateAssignment appends an assignment row.
func (s *ClusterStore) CreateAssignment(ctx context.Context, a *models.Assignment) error {
	row := Assignment{
		RunID:      a.RunID,
		ClusterID:  a.ClusterID,
		DocumentID: a.DocumentID,
		Similarity: a.Similarity,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("create assignment: %w", err)
	}
	a.ID = row.ID
	a.CreatedAtEpoch = row.CreatedAtEpoch
	return nil
}

// currentAssignmentFilter selects the latest row per (run, document).
const currentAssignmentFilter = `assignments.id IN (
	SELECT MAX(id) FROM assignments WHERE run_id = ? GROUP BY document_id
)`

// CurrentAssignments returns the latest assignment per document in a run.
func (s *ClusterStore) CurrentAssignments(ctx context.Context, runID int64) ([]models.Assignment, error) {
	var rows []Assignment
	err := s.db.WithContext(ctx).
		Where(currentAssignmentFilter, runID).
		Order("document_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("current assignments for run %d: %w", runID, err)
	}
	return toDomainAssignments(rows), nil
}

// CurrentClusterOfDocument returns the cluster the document currently
// belongs to in the run, or 0 when unassigned.
func (s *ClusterStore) CurrentClusterOfDocument(ctx context.Context, runID, documentID int64) (int64, error) {
	var row Assignment
	err := s.db.WithContext(ctx).
		Where("run_id = ? AND document_id = ?", runID, documentID).
		Order("id DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("current cluster of document %d: %w", documentID, err)
	}
	return row.ClusterID, nil
}

// AssignmentsForCluster returns the current members of a cluster.
func (s *ClusterStore) AssignmentsForCluster(ctx context.Context, runID, clusterID int64) ([]models.Assignment, error) {
	var rows []Assignment
	err := s.db.WithContext(ctx).
		Where(currentAssignmentFilter, runID).
		Where("cluster_id = ?", clusterID).
		Order("document_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("assignments for cluster %d: %w", clusterID, err)
	}
	return toDomainAssignments(rows), nil
}

// Supersede moves documents to new clusters by appending assignment rows.
// Called by the consolidator after a merge or split; history is preserved.
func (s *ClusterStore) Supersede(ctx context.Context, runID int64, moves map[int64]int64, similarity float64) error {
	if len(moves) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for docID, clusterID := range moves {
			row := Assignment{
				RunID:      runID,
				ClusterID:  clusterID,
				DocumentID: docID,
				Similarity: similarity,
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("supersede document %d: %w", docID, err)
			}
		}
		return nil
	})
}

func toDomainCluster(c *Cluster) *models.Cluster {
	return &models.Cluster{
		ID:             c.ID,
		RunID:          c.RunID,
		Label:          c.Label,
		WindowStart:    c.WindowStartEpoch,
		WindowEnd:      c.WindowEndEpoch,
		CreatedAtEpoch: c.CreatedAtEpoch,
	}
}

func toDomainAssignments(rows []Assignment) []models.Assignment {
	out := make([]models.Assignment, len(rows))
	for i, r := range rows {
		out[i] = models.Assignment{
			ID:             r.ID,
			RunID:          r.RunID,
			ClusterID:      r.ClusterID,
			DocumentID:     r.DocumentID,
			Similarity:     r.Similarity,
			CreatedAtEpoch: r.CreatedAtEpoch,
		}
	}
	return out
}
