package trends

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

const testBucket = 5 * time.Minute

// baseTs is bucket-aligned so samples land on predictable ticks.
const baseTs = int64(1_700_000_100_000)

type harness struct {
	store    *dbgorm.Store
	runs     *dbgorm.RunStore
	clusters *dbgorm.ClusterStore
	docs     *dbgorm.DocumentStore
	trends   *dbgorm.TrendStore
	index    vector.Index
	run      *models.ClusterRun
	cluster  *models.Cluster
	calc     *Calculator
}

func newHarness(t *testing.T) *harness {
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
	run, err := rs.CreateRun(ctx, space.ID, "incremental-knn", models.DefaultRunParams())
	require.NoError(t, err)
	require.NoError(t, rs.CompleteRun(ctx, run.ID))
	require.NoError(t, rs.ActivateRun(ctx, run.ID))
	run, err = rs.GetRun(ctx, run.ID)
	require.NoError(t, err)

	h := &harness{
		store:    store,
		runs:     rs,
		clusters: dbgorm.NewClusterStore(store),
		docs:     dbgorm.NewDocumentStore(store),
		trends:   dbgorm.NewTrendStore(store),
		index:    sqlitevec.NewClient(store.GetRawDB(), store.Dims()),
		run:      run,
	}
	h.cluster, err = h.clusters.CreateCluster(ctx, run.ID, "c", baseTs)
	require.NoError(t, err)

	require.NoError(t, h.docs.UpsertSource(ctx, &models.Source{
		ID: 1, Name: "s1", TrustTier: models.TrustTierB, Scope: models.ScopeLocal, AreaID: 10,
	}))

	h.calc = New(rs, h.clusters, h.trends, h.index, nil, testBucket)
	return h
}

func (h *harness) at(ts int64) {
	h.calc.now = func() time.Time { return time.UnixMilli(ts) }
}

func (h *harness) addDoc(t *testing.T, id, publishedEpoch int64, embedding []float32) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.docs.UpsertDocument(ctx, &models.Document{
		ID: id, SourceID: 1, PublishedEpoch: publishedEpoch, AreaID: 10,
	}))
	require.NoError(t, h.index.Add(ctx, h.run.SpaceID, &models.Document{
		ID: id, Embedding: embedding, PublishedEpoch: publishedEpoch,
	}))
	require.NoError(t, h.clusters.CreateAssignment(ctx, &models.Assignment{
		RunID: h.run.ID, ClusterID: h.cluster.ID, DocumentID: id, Similarity: 1,
	}))
}

func (h *harness) latest(t *testing.T, ts int64) *models.TrendSample {
	t.Helper()
	s, err := h.trends.PrevSample(context.Background(), h.cluster.ID, h.run.ID, ts+1, 0)
	require.NoError(t, err)
	require.NotNil(t, s)
	return s
}

func TestFirstSampleHasZeroRates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.addDoc(t, 1, baseTs-time.Minute.Milliseconds(), []float32{1, 0, 0, 0})
	h.addDoc(t, 2, baseTs-2*time.Minute.Milliseconds(), []float32{1, 0, 0, 0})

	h.at(baseTs + 10_000)
	require.NoError(t, h.calc.Sample(ctx, h.run.ID))

	s := h.latest(t, baseTs)
	assert.Equal(t, baseTs, s.Ts)
	assert.Equal(t, 2, s.DocCount)
	assert.Equal(t, 1, s.UniqueSources)
	assert.Zero(t, s.Velocity)
	assert.Zero(t, s.Acceleration)
	assert.Equal(t, 1.0, s.Locality)
}

// A bucket with no new documents reports zero velocity and
// acceleration, never an error.
func TestQuietBucketReportsZeroRates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.addDoc(t, 1, baseTs-time.Minute.Milliseconds(), []float32{1, 0, 0, 0})

	h.at(baseTs + 10_000)
	require.NoError(t, h.calc.Sample(ctx, h.run.ID))

	h.at(baseTs + testBucket.Milliseconds() + 10_000)
	require.NoError(t, h.calc.Sample(ctx, h.run.ID))

	s := h.latest(t, baseTs+testBucket.Milliseconds())
	assert.Equal(t, 1, s.DocCount)
	assert.Zero(t, s.Velocity)
	assert.Zero(t, s.Acceleration)
}

func TestVelocityAndAccelerationTrackGrowth(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	bucketMs := testBucket.Milliseconds()

	h.addDoc(t, 1, baseTs-time.Minute.Milliseconds(), []float32{1, 0, 0, 0})
	h.addDoc(t, 2, baseTs-2*time.Minute.Milliseconds(), []float32{1, 0, 0, 0})

	h.at(baseTs + 10_000)
	require.NoError(t, h.calc.Sample(ctx, h.run.ID))

	for i := int64(0); i < 3; i++ {
		h.addDoc(t, 10+i, baseTs+i*time.Minute.Milliseconds(), []float32{1, 0, 0, 0})
	}

	h.at(baseTs + bucketMs + 10_000)
	require.NoError(t, h.calc.Sample(ctx, h.run.ID))

	s := h.latest(t, baseTs+bucketMs)
	assert.Equal(t, 5, s.DocCount)
	// Three new documents over a five-minute bucket is 36 docs/h.
	assert.InDelta(t, 36, s.Velocity, 0.01)
	assert.InDelta(t, 432, s.Acceleration, 0.1)
}

func TestMissedTicksAreZeroFilled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	bucketMs := testBucket.Milliseconds()

	h.addDoc(t, 1, baseTs-time.Minute.Milliseconds(), []float32{1, 0, 0, 0})

	h.at(baseTs + 10_000)
	require.NoError(t, h.calc.Sample(ctx, h.run.ID))

	// Skip two ticks, then sample again.
	h.at(baseTs + 3*bucketMs + 10_000)
	require.NoError(t, h.calc.Sample(ctx, h.run.ID))

	var count int64
	require.NoError(t, h.store.DB.Model(&dbgorm.TrendSample{}).
		Where("cluster_id = ? AND run_id = ?", h.cluster.ID, h.run.ID).
		Count(&count).Error)
	assert.Equal(t, int64(4), count)

	// The fills carry the counts with rates pinned to zero.
	fill := h.latest(t, baseTs+2*bucketMs)
	assert.Equal(t, baseTs+2*bucketMs, fill.Ts)
	assert.Equal(t, 1, fill.DocCount)
	assert.Zero(t, fill.Velocity)
}

func TestSamplingTickIsRepeatable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.addDoc(t, 1, baseTs-time.Minute.Milliseconds(), []float32{1, 0, 0, 0})

	h.at(baseTs + 10_000)
	require.NoError(t, h.calc.Sample(ctx, h.run.ID))
	require.NoError(t, h.calc.Sample(ctx, h.run.ID))

	var count int64
	require.NoError(t, h.store.DB.Model(&dbgorm.TrendSample{}).
		Where("cluster_id = ?", h.cluster.ID).
		Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestNoveltyReflectsCentroidDrift(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	bucketMs := testBucket.Milliseconds()

	// Earlier content on one axis, the current bucket on another.
	h.addDoc(t, 1, baseTs-time.Minute.Milliseconds(), []float32{1, 0, 0, 0})
	h.addDoc(t, 2, baseTs+time.Minute.Milliseconds(), []float32{0, 1, 0, 0})

	h.at(baseTs + bucketMs + 10_000)
	require.NoError(t, h.calc.Sample(ctx, h.run.ID))

	s := h.latest(t, baseTs+bucketMs)
	assert.InDelta(t, 1.0, s.Novelty, 0.01)
}
