// Package runs manages the lifecycle of clustering runs: creation,
// completion, and atomic shadow-to-active promotion.
package runs

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	dbgorm "github.com/veille-labs/courant/internal/db/gorm"
	"github.com/veille-labs/courant/pkg/models"
)

// Manager coordinates run state transitions. The transitions themselves
// are transactional check-and-set operations in the store; the manager
// adds parameter validation and logging.
type Manager struct {
	store *dbgorm.RunStore
}

// NewManager creates a run manager.
func NewManager(store *dbgorm.RunStore) *Manager {
	return &Manager{store: store}
}

// CreateRun creates a run in status running, active=false. Malformed
// parameters are rejected before anything is persisted.
func (m *Manager) CreateRun(ctx context.Context, space *models.EmbeddingSpace, algo string, params models.RunParams) (*models.ClusterRun, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if algo == "" {
		return nil, fmt.Errorf("%w: algo must be set", models.ErrInvalidParams)
	}
	if err := m.resolveSpace(ctx, space); err != nil {
		return nil, err
	}

	run, err := m.store.CreateRun(ctx, space.ID, algo, params)
	if err != nil {
		return nil, err
	}

	log.Info().
		Int64("runId", run.ID).
		Int64("spaceId", space.ID).
		Str("algo", algo).
		Float64("assignThreshold", params.AssignThreshold).
		Int("windowHours", params.WindowHours).
		Msg("Run created")
	return run, nil
}

// CompleteRun transitions a run from running to complete.
func (m *Manager) CompleteRun(ctx context.Context, runID int64) error {
	if err := m.store.CompleteRun(ctx, runID); err != nil {
		return err
	}
	log.Info().Int64("runId", runID).Msg("Run completed")
	return nil
}

// ActivateRun promotes a complete run to active, deactivating the
// previous active run for the same space in the same transaction.
func (m *Manager) ActivateRun(ctx context.Context, runID int64) error {
	if err := m.store.ActivateRun(ctx, runID); err != nil {
		return err
	}
	log.Info().Int64("runId", runID).Msg("Run activated")
	return nil
}

// RollbackTo re-activates a previously active run that is still retained.
// Same atomicity as ActivateRun.
func (m *Manager) RollbackTo(ctx context.Context, runID int64) error {
	if err := m.store.ActivateRun(ctx, runID); err != nil {
		return err
	}
	log.Warn().Int64("runId", runID).Msg("Rolled back to previous run")
	return nil
}

// FailRun marks a run failed. In-flight work scoped to the run aborts
// cooperatively on its next check.
func (m *Manager) FailRun(ctx context.Context, runID int64) error {
	if err := m.store.FailRun(ctx, runID); err != nil {
		return err
	}
	log.Error().Int64("runId", runID).Msg("Run failed")
	return nil
}

// resolveSpace fills in the persisted space record when the caller
// passed an unsaved declaration.
func (m *Manager) resolveSpace(ctx context.Context, space *models.EmbeddingSpace) error {
	if space.ID != 0 {
		return nil
	}
	resolved, err := m.store.GetOrCreateSpace(ctx, space.Name, space.Provider, space.Version, space.Dims)
	if err != nil {
		return err
	}
	*space = *resolved
	return nil
}

// ActiveRun resolves the current active run for a space.
func (m *Manager) ActiveRun(ctx context.Context, spaceID int64) (*models.ClusterRun, error) {
	return m.store.ActiveRun(ctx, spaceID)
}

// EnsureActiveRun returns the active run, bootstrapping one when the
// space has none yet: a fresh run is created, completed, and activated.
func (m *Manager) EnsureActiveRun(ctx context.Context, space *models.EmbeddingSpace, algo string, params models.RunParams) (*models.ClusterRun, error) {
	if err := m.resolveSpace(ctx, space); err != nil {
		return nil, err
	}
	run, err := m.store.ActiveRun(ctx, space.ID)
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, models.ErrRunNotActive) {
		return nil, err
	}

	run, err = m.CreateRun(ctx, space, algo, params)
	if err != nil {
		return nil, err
	}
	if err := m.CompleteRun(ctx, run.ID); err != nil {
		return nil, err
	}
	if err := m.ActivateRun(ctx, run.ID); err != nil {
		return nil, err
	}
	return m.store.GetRun(ctx, run.ID)
}
