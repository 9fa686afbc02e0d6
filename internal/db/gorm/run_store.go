package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/veille-labs/courant/pkg/models"
)

// RunStore provides embedding-space and cluster-run operations using GORM.
// Run state transitions are transactional check-and-set: readers observe
// either the old or the new active run, never both or neither.
type RunStore struct {
	db *gorm.DB
}

// NewRunStore creates a new run store.
func NewRunStore(store *Store) *RunStore {
	return &RunStore{db: store.DB}
}

// GetOrCreateSpace returns the space with the given name/version, creating
// it when missing. Spaces are immutable once created.
func (s *RunStore) GetOrCreateSpace(ctx context.Context, name, provider, version string, dims int) (*models.EmbeddingSpace, error) {
	var space EmbeddingSpace
	err := s.db.WithContext(ctx).
		Where("name = ? AND version = ?", name, version).
		First(&space).Error
	if err == nil {
		return toDomainSpace(&space), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("lookup space: %w", err)
	}

	space = EmbeddingSpace{Name: name, Provider: provider, Version: version, Dims: dims}
	if err := s.db.WithContext(ctx).Create(&space).Error; err != nil {
		return nil, fmt.Errorf("create space: %w", err)
	}
	return toDomainSpace(&space), nil
}

// CreateRun creates a new run in status running, never active.
func (s *RunStore) CreateRun(ctx context.Context, spaceID int64, algo string, params models.RunParams) (*models.ClusterRun, error) {
	run := ClusterRun{
		SpaceID: spaceID,
		Algo:    algo,
		Params:  RunParamsJSON(params),
		Status:  string(models.RunStatusRunning),
	}
	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return toDomainRun(&run), nil
}

// GetRun fetches a run by id.
func (s *RunStore) GetRun(ctx context.Context, runID int64) (*models.ClusterRun, error) {
	var run ClusterRun
	if err := s.db.WithContext(ctx).First(&run, runID).Error; err != nil {
		return nil, fmt.Errorf("get run %d: %w", runID, err)
	}
	return toDomainRun(&run), nil
}

// ActiveRun returns the active run for a space, or ErrRunNotActive when
// none is active. Readers resolve "current" through this query; nothing
// caches the answer beyond one read cycle.
func (s *RunStore) ActiveRun(ctx context.Context, spaceID int64) (*models.ClusterRun, error) {
	var run ClusterRun
	err := s.db.WithContext(ctx).
		Where("space_id = ? AND is_active = ?", spaceID, true).
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrRunNotActive
	}
	if err != nil {
		return nil, fmt.Errorf("active run for space %d: %w", spaceID, err)
	}
	return toDomainRun(&run), nil
}

// CompleteRun transitions a run from running to complete.
func (s *RunStore) CompleteRun(ctx context.Context, runID int64) error {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&ClusterRun{}).
		Where("id = ? AND status = ?", runID, string(models.RunStatusRunning)).
		Updates(map[string]interface{}{
			"status":            string(models.RunStatusComplete),
			"finished_at":       now.Format(time.RFC3339),
			"finished_at_epoch": now.UnixMilli(),
		})
	if res.Error != nil {
		return fmt.Errorf("complete run %d: %w", runID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: run %d is not running", models.ErrInvalidState, runID)
	}
	return nil
}

// ActivateRun atomically deactivates the current active run for the same
// space (if any) and activates this one. The run must be complete.
// Also used for rollback: a previously active run keeps status complete
// and can be re-activated while retained.
func (s *RunStore) ActivateRun(ctx context.Context, runID int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run ClusterRun
		if err := tx.First(&run, runID).Error; err != nil {
			return fmt.Errorf("get run %d: %w", runID, err)
		}
		if run.Status != string(models.RunStatusComplete) {
			return fmt.Errorf("%w: run %d is %s, want complete", models.ErrInvalidState, runID, run.Status)
		}

		if err := tx.Model(&ClusterRun{}).
			Where("space_id = ? AND is_active = ?", run.SpaceID, true).
			Update("is_active", false).Error; err != nil {
			return fmt.Errorf("deactivate current run: %w", err)
		}

		// Guard on status again so a concurrent FailRun loses the race
		res := tx.Model(&ClusterRun{}).
			Where("id = ? AND status = ?", runID, string(models.RunStatusComplete)).
			Update("is_active", true)
		if res.Error != nil {
			return fmt.Errorf("activate run %d: %w", runID, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: run %d changed state during activation", models.ErrInvalidState, runID)
		}
		return nil
	})
}

// FailRun marks a run failed and clears its active flag. In-flight work
// scoped to the run aborts cooperatively on its next state check;
// already-committed assignment rows remain as historical record.
func (s *RunStore) FailRun(ctx context.Context, runID int64) error {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&ClusterRun{}).
		Where("id = ? AND status != ?", runID, string(models.RunStatusFailed)).
		Updates(map[string]interface{}{
			"status":            string(models.RunStatusFailed),
			"is_active":         false,
			"finished_at":       now.Format(time.RFC3339),
			"finished_at_epoch": now.UnixMilli(),
		})
	if res.Error != nil {
		return fmt.Errorf("fail run %d: %w", runID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: run %d already failed", models.ErrInvalidState, runID)
	}
	return nil
}

func toDomainSpace(s *EmbeddingSpace) *models.EmbeddingSpace {
	return &models.EmbeddingSpace{
		ID:       s.ID,
		Name:     s.Name,
		Provider: s.Provider,
		Dims:     s.Dims,
		Version:  s.Version,
	}
}

func toDomainRun(r *ClusterRun) *models.ClusterRun {
	return &models.ClusterRun{
		ID:             r.ID,
		SpaceID:        r.SpaceID,
		Algo:           r.Algo,
		Params:         models.RunParams(r.Params),
		Status:         models.RunStatus(r.Status),
		Active:         r.IsActive,
		StartedAt:      r.StartedAt,
		StartedAtEpoch: r.StartedAtEpoch,
		FinishedAt:     r.FinishedAt,
	}
}
