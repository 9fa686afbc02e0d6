package gorm

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"github.com/veille-labs/courant/pkg/models"
)

// testDims keeps vec0 tables small in tests.
const testDims = 4

// testStore creates a store in a temp directory with migrations applied.
func testStore(t *testing.T) *Store {
	t.Helper()

	store, err := NewStore(Config{
		Path:     filepath.Join(t.TempDir(), "test.db"),
		Dims:     testDims,
		MaxConns: 2,
		LogLevel: logger.Silent,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// testActiveRun creates a space with one completed, activated run.
func testActiveRun(t *testing.T, store *Store) (*RunStore, *models.ClusterRun) {
	t.Helper()
	ctx := context.Background()

	rs := NewRunStore(store)
	space, err := rs.GetOrCreateSpace(ctx, "test-space", "test", "v1", testDims)
	require.NoError(t, err)

	run, err := rs.CreateRun(ctx, space.ID, "incremental-knn", models.DefaultRunParams())
	require.NoError(t, err)
	require.NoError(t, rs.CompleteRun(ctx, run.ID))
	require.NoError(t, rs.ActivateRun(ctx, run.ID))

	run, err = rs.GetRun(ctx, run.ID)
	require.NoError(t, err)
	return rs, run
}

func TestNewStoreMigrates(t *testing.T) {
	store := testStore(t)
	require.NoError(t, store.Ping())
	require.Equal(t, testDims, store.Dims())

	// The vec0 virtual table must exist after migrations.
	var name string
	err := store.GetRawDB().QueryRow(
		`SELECT name FROM sqlite_master WHERE name = 'document_vectors'`).Scan(&name)
	require.NoError(t, err)
	require.Equal(t, "document_vectors", name)
}

func TestGetOrCreateSpaceIsIdempotent(t *testing.T) {
	store := testStore(t)
	rs := NewRunStore(store)
	ctx := context.Background()

	a, err := rs.GetOrCreateSpace(ctx, "space", "prov", "v1", testDims)
	require.NoError(t, err)
	b, err := rs.GetOrCreateSpace(ctx, "space", "prov", "v1", testDims)
	require.NoError(t, err)
	require.Equal(t, a.ID, b.ID)
}
