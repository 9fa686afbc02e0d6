package events

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"github.com/veille-labs/courant/internal/config"
	dbgorm "github.com/veille-labs/courant/internal/db/gorm"
	"github.com/veille-labs/courant/internal/vector"
	"github.com/veille-labs/courant/internal/vector/sqlitevec"
	"github.com/veille-labs/courant/pkg/models"
)

const testBucket = 5 * time.Minute

type capturePublisher struct {
	published []models.Event
}

func (p *capturePublisher) Publish(_ context.Context, ev *models.Event) error {
	p.published = append(p.published, *ev)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

type harness struct {
	runs     *dbgorm.RunStore
	clusters *dbgorm.ClusterStore
	docs     *dbgorm.DocumentStore
	trends   *dbgorm.TrendStore
	events   *dbgorm.EventStore
	index    vector.Index
	run      *models.ClusterRun
	pub      *capturePublisher
	d        *Detector
	now      int64
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
		runs:     rs,
		clusters: dbgorm.NewClusterStore(store),
		docs:     dbgorm.NewDocumentStore(store),
		trends:   dbgorm.NewTrendStore(store),
		events:   dbgorm.NewEventStore(store),
		index:    sqlitevec.NewClient(store.GetRawDB(), store.Dims()),
		run:      run,
		pub:      &capturePublisher{},
		now:      int64(1_699_999_200_000), // aligned to the dedupe window
	}
	h.d = NewDetector(rs, h.clusters, h.trends, h.docs, h.events, h.index,
		h.pub, nil, config.Default().Detector, testBucket)
	h.d.now = func() time.Time { return time.UnixMilli(h.now) }
	return h
}

// seedCluster creates a cluster whose members come from the given
// sources, one document per source entry.
func (h *harness) seedCluster(t *testing.T, sources []models.Source) *models.Cluster {
	t.Helper()
	ctx := context.Background()

	cl, err := h.clusters.CreateCluster(ctx, h.run.ID, "c", h.now)
	require.NoError(t, err)

	for i, src := range sources {
		require.NoError(t, h.docs.UpsertSource(ctx, &src))
		docID := cl.ID*1000 + int64(i)
		require.NoError(t, h.docs.UpsertDocument(ctx, &models.Document{
			ID: docID, SourceID: src.ID, PublishedEpoch: h.now, AreaID: src.AreaID,
		}))
		require.NoError(t, h.index.Add(ctx, h.run.SpaceID, &models.Document{
			ID: docID, Embedding: []float32{1, 0, 0, 0}, PublishedEpoch: h.now,
		}))
		require.NoError(t, h.clusters.CreateAssignment(ctx, &models.Assignment{
			RunID: h.run.ID, ClusterID: cl.ID, DocumentID: docID, Similarity: 1,
		}))
	}
	return cl
}

func (h *harness) sample(t *testing.T, clusterID int64, s models.TrendSample) {
	t.Helper()
	s.Ts = h.now
	s.ClusterID = clusterID
	s.RunID = h.run.ID
	require.NoError(t, h.trends.InsertSample(context.Background(), &s))
}

func burstSources(n int, highTrustFirst bool) []models.Source {
	out := make([]models.Source, n)
	for i := range out {
		tier := models.TrustTierB
		if i == 0 && highTrustFirst {
			tier = models.TrustTierA
		}
		out[i] = models.Source{
			ID: int64(i + 1), Name: "src", TrustTier: tier,
			Scope: models.ScopeLocal, AreaID: 10,
		}
	}
	return out
}

// A sharp burst from many sources crosses the critical band, emits
// exactly one event, and a repeated pass emits nothing.
func TestBurstEmitsSingleCriticalEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cl := h.seedCluster(t, burstSources(8, true))
	h.sample(t, cl.ID, models.TrendSample{
		DocCount:      20,
		UniqueSources: 8,
		Velocity:      240,
		Acceleration:  2880,
		Locality:      1,
	})

	emitted, err := h.d.Detect(ctx, h.run.ID)
	require.NoError(t, err)
	require.Len(t, emitted, 1)
	assert.Equal(t, models.SeverityCritical, emitted[0].Severity)
	window := h.now - h.now%dedupeWindow.Milliseconds()
	assert.Equal(t, models.EventDedupeKey(cl.ID, window), emitted[0].DedupeKey)
	assert.Contains(t, emitted[0].Label, "docs/h")

	// Same inputs again: deduplicated.
	again, err := h.d.Detect(ctx, h.run.ID)
	require.NoError(t, err)
	assert.Empty(t, again)

	stored, err := h.events.ListAfter(ctx, 0, 100)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
	assert.Len(t, h.pub.published, 1)
}

// A score increase beyond the escalation margin re-emits under the same
// dedupe identity.
func TestEscalationReEmitsUnderSameKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cl := h.seedCluster(t, burstSources(8, true))
	h.sample(t, cl.ID, models.TrendSample{
		DocCount: 20, UniqueSources: 8, Velocity: 50, Locality: 1,
	})

	first, err := h.d.Detect(ctx, h.run.ID)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// A later, hotter sample at the next tick.
	h.now += testBucket.Milliseconds()
	h.sample(t, cl.ID, models.TrendSample{
		DocCount: 40, UniqueSources: 8, Velocity: 240, Acceleration: 2280, Locality: 1,
	})

	second, err := h.d.Detect(ctx, h.run.ID)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].DedupeKey, second[0].DedupeKey)
	assert.Greater(t, second[0].Score, first[0].Score)
	assert.NotEqual(t, first[0].UID, second[0].UID)

	stored, err := h.events.ListAfter(ctx, 0, 100)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestSmallClustersAreGated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cl := h.seedCluster(t, burstSources(2, true))
	h.sample(t, cl.ID, models.TrendSample{
		DocCount: 2, UniqueSources: 2, Velocity: 500, Acceleration: 500,
	})

	emitted, err := h.d.Detect(ctx, h.run.ID)
	require.NoError(t, err)
	assert.Empty(t, emitted)
}

// Between the local and global thresholds, an event fires only with
// enough local sources and a high-trust source among them.
func TestLocalThresholdNeedsCorroboration(t *testing.T) {
	midSample := models.TrendSample{DocCount: 3, UniqueSources: 3, Velocity: 1}

	t.Run("corroborated", func(t *testing.T) {
		h := newHarness(t)
		cl := h.seedCluster(t, burstSources(3, true))
		h.sample(t, cl.ID, midSample)

		emitted, err := h.d.Detect(context.Background(), h.run.ID)
		require.NoError(t, err)
		assert.Len(t, emitted, 1)
	})

	t.Run("no high-trust source", func(t *testing.T) {
		h := newHarness(t)
		cl := h.seedCluster(t, burstSources(3, false))
		h.sample(t, cl.ID, midSample)

		emitted, err := h.d.Detect(context.Background(), h.run.ID)
		require.NoError(t, err)
		assert.Empty(t, emitted)
	})
}

// An older document joining the cluster moves its window start back;
// the ongoing burst must keep its dedupe identity and stay suppressed.
func TestDedupeSurvivesWindowWiden(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cl := h.seedCluster(t, burstSources(8, true))
	h.sample(t, cl.ID, models.TrendSample{
		DocCount: 20, UniqueSources: 8, Velocity: 240, Locality: 1,
	})

	first, err := h.d.Detect(ctx, h.run.ID)
	require.NoError(t, err)
	require.Len(t, first, 1)

	require.NoError(t, h.clusters.WidenWindow(ctx, cl.ID, h.now-2*time.Hour.Milliseconds()))

	again, err := h.d.Detect(ctx, h.run.ID)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestDetectRefusesFailedRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.runs.FailRun(ctx, h.run.ID))
	_, err := h.d.Detect(ctx, h.run.ID)
	assert.ErrorIs(t, err, models.ErrInvalidState)
}
