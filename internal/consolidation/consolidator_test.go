package consolidation

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	dbgorm "github.com/veille-labs/courant/internal/db/gorm"
	"github.com/veille-labs/courant/internal/vector"
	"github.com/veille-labs/courant/internal/vector/sqlitevec"
	"github.com/veille-labs/courant/pkg/models"
)

type harness struct {
	runs     *dbgorm.RunStore
	clusters *dbgorm.ClusterStore
	index    vector.Index
	run      *models.ClusterRun
	c        *Consolidator
}

func newHarness(t *testing.T, params models.RunParams) *harness {
	t.Helper()
	ctx := context.Background()

	store, err := dbgorm.NewStore(dbgorm.Config{
		Path:     filepath.Join(t.TempDir(), "test.db"),
		Dims:     4,
		MaxConns: 4,
		LogLevel: logger.Silent,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	rs := dbgorm.NewRunStore(store)
	space, err := rs.GetOrCreateSpace(ctx, "test-space", "test", "v1", 4)
	require.NoError(t, err)
	run, err := rs.CreateRun(ctx, space.ID, "incremental-knn", params)
	require.NoError(t, err)
	require.NoError(t, rs.CompleteRun(ctx, run.ID))
	require.NoError(t, rs.ActivateRun(ctx, run.ID))
	run, err = rs.GetRun(ctx, run.ID)
	require.NoError(t, err)

	h := &harness{
		runs:     rs,
		clusters: dbgorm.NewClusterStore(store),
		index:    sqlitevec.NewClient(store.GetRawDB(), store.Dims()),
		run:      run,
	}
	h.c = New(rs, h.clusters, h.index, nil)
	return h
}

// seed creates a cluster and assigns the given documents to it, with
// their embeddings in the index.
func (h *harness) seed(t *testing.T, label string, docs map[int64][]float32) *models.Cluster {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UnixMilli()

	cl, err := h.clusters.CreateCluster(ctx, h.run.ID, label, now)
	require.NoError(t, err)
	for id, vec := range docs {
		require.NoError(t, h.index.Add(ctx, h.run.SpaceID, &models.Document{
			ID: id, Embedding: vec, PublishedEpoch: now,
		}))
		require.NoError(t, h.clusters.CreateAssignment(ctx, &models.Assignment{
			RunID: h.run.ID, ClusterID: cl.ID, DocumentID: id, Similarity: 1,
		}))
	}
	return cl
}

func consolidationParams() models.RunParams {
	p := models.DefaultRunParams()
	p.MergeThreshold = 0.85
	return p
}

// Near-duplicate clusters collapse into the earliest-created one after
// one pass, by superseding assignments rather than deleting them.
func TestPassMergesNearDuplicateClusters(t *testing.T) {
	h := newHarness(t, consolidationParams())
	ctx := context.Background()

	a := h.seed(t, "first", map[int64][]float32{1: {1, 0, 0, 0}})
	b := h.seed(t, "second", map[int64][]float32{2: {0.95, 0.312, 0, 0}})
	h.seed(t, "unrelated", map[int64][]float32{3: {0, 0, 1, 0}})

	require.NoError(t, h.c.Run(ctx, h.run.ID))

	got, err := h.clusters.CurrentClusterOfDocument(ctx, h.run.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got)

	remaining, err := h.clusters.AssignmentsForCluster(ctx, h.run.ID, b.ID)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	// The unrelated cluster is untouched.
	got, err = h.clusters.CurrentClusterOfDocument(ctx, h.run.ID, 3)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, got)

	// History is preserved: document 2 has both assignment rows.
	ok, err := h.clusters.HasAssignment(ctx, h.run.ID, 2)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPassIsIdempotentOnceConverged(t *testing.T) {
	h := newHarness(t, consolidationParams())
	ctx := context.Background()

	h.seed(t, "first", map[int64][]float32{1: {1, 0, 0, 0}})
	h.seed(t, "second", map[int64][]float32{2: {0.95, 0.312, 0, 0}})

	require.NoError(t, h.c.Run(ctx, h.run.ID))
	before, err := h.clusters.CurrentAssignments(ctx, h.run.ID)
	require.NoError(t, err)

	require.NoError(t, h.c.Run(ctx, h.run.ID))
	after, err := h.clusters.CurrentAssignments(ctx, h.run.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestPassSplitsLowCohesionCluster(t *testing.T) {
	params := consolidationParams()
	params.CohesionFloor = 0.6
	h := newHarness(t, params)
	ctx := context.Background()

	h.seed(t, "mixed", map[int64][]float32{
		1: {1, 0, 0, 0}, 2: {1, 0, 0, 0},
		3: {0, 1, 0, 0}, 4: {0, 1, 0, 0},
	})

	require.NoError(t, h.c.Run(ctx, h.run.ID))

	clusters, err := h.clusters.ClustersForRun(ctx, h.run.ID, 0)
	require.NoError(t, err)
	require.Len(t, clusters, 2)

	// The two blobs end up in different clusters.
	c1, err := h.clusters.CurrentClusterOfDocument(ctx, h.run.ID, 1)
	require.NoError(t, err)
	c2, err := h.clusters.CurrentClusterOfDocument(ctx, h.run.ID, 2)
	require.NoError(t, err)
	c3, err := h.clusters.CurrentClusterOfDocument(ctx, h.run.ID, 3)
	require.NoError(t, err)
	c4, err := h.clusters.CurrentClusterOfDocument(ctx, h.run.ID, 4)
	require.NoError(t, err)

	assert.Equal(t, c1, c2)
	assert.Equal(t, c3, c4)
	assert.NotEqual(t, c1, c3)
}

func TestPassRefusesFailedRun(t *testing.T) {
	h := newHarness(t, consolidationParams())
	ctx := context.Background()

	require.NoError(t, h.runs.FailRun(ctx, h.run.ID))
	err := h.c.Run(ctx, h.run.ID)
	assert.ErrorIs(t, err, models.ErrInvalidState)
}

func TestPassReportsConflictWhileLockHeld(t *testing.T) {
	h := newHarness(t, consolidationParams())
	ctx := context.Background()
	h.seed(t, "a", map[int64][]float32{1: {1, 0, 0, 0}})

	held := h.c.lock(h.run.ID)
	require.True(t, held.TryLock())

	err := h.c.Run(ctx, h.run.ID)
	assert.ErrorIs(t, err, models.ErrConsolidationConflict)

	// Releasing the lock lets the next pass proceed.
	held.Unlock()
	require.NoError(t, h.c.Run(ctx, h.run.ID))
}
