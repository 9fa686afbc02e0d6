// Package trends computes the per-cluster trend series the event
// detector scores against. Samples are taken on bucket-aligned ticks
// and appended, never rewritten.
package trends

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	dbgorm "github.com/veille-labs/courant/internal/db/gorm"
	"github.com/veille-labs/courant/internal/telemetry"
	"github.com/veille-labs/courant/internal/vector"
	"github.com/veille-labs/courant/pkg/models"
	"github.com/veille-labs/courant/pkg/similarity"
)

// maxBackfillBuckets bounds how many skipped ticks get zero-filled
// before the series is treated as restarted.
const maxBackfillBuckets = 12

// Calculator samples trend metrics for every recent cluster of a run.
type Calculator struct {
	runs     *dbgorm.RunStore
	clusters *dbgorm.ClusterStore
	trends   *dbgorm.TrendStore
	index    vector.Index
	metrics  *telemetry.Metrics
	bucket   time.Duration
	now      func() time.Time
}

// New creates a calculator sampling on the given bucket width.
func New(runs *dbgorm.RunStore, clusters *dbgorm.ClusterStore, trends *dbgorm.TrendStore, index vector.Index, metrics *telemetry.Metrics, bucket time.Duration) *Calculator {
	if bucket <= 0 {
		bucket = 5 * time.Minute
	}
	return &Calculator{
		runs:     runs,
		clusters: clusters,
		trends:   trends,
		index:    index,
		metrics:  metrics,
		bucket:   bucket,
		now:      time.Now,
	}
}

// Bucket returns the sampling interval.
func (c *Calculator) Bucket() time.Duration { return c.bucket }

// Sample takes one bucket-aligned sample per cluster active within the
// run's window. Clusters already sampled this bucket are skipped, so
// the tick is safe to repeat.
func (c *Calculator) Sample(ctx context.Context, runID int64) error {
	run, err := c.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == models.RunStatusFailed {
		return fmt.Errorf("%w: run %d has failed", models.ErrInvalidState, runID)
	}

	bucketMs := c.bucket.Milliseconds()
	now := c.now().UnixMilli()
	ts := now - now%bucketMs

	since := now - int64(run.Params.WindowHours)*time.Hour.Milliseconds()
	clusters, err := c.clusters.ClustersForRun(ctx, runID, since)
	if err != nil {
		return err
	}

	sampled := 0
	for i := range clusters {
		ok, err := c.sampleCluster(ctx, run, &clusters[i], ts)
		if err != nil {
			return err
		}
		if ok {
			sampled++
		}
	}
	if c.metrics != nil {
		c.metrics.TrendSamples.Add(ctx, int64(sampled))
	}
	log.Debug().
		Int64("run_id", runID).
		Int64("ts", ts).
		Int("clusters", len(clusters)).
		Int("sampled", sampled).
		Msg("trend sampling tick")
	return nil
}

// sampleCluster appends the cluster's sample for bucket ts, zero-filling
// any ticks missed since the previous sample. Reports false when the
// bucket was already sampled.
func (c *Calculator) sampleCluster(ctx context.Context, run *models.ClusterRun, cl *models.Cluster, ts int64) (bool, error) {
	bucketMs := c.bucket.Milliseconds()
	minTs := ts - int64(maxBackfillBuckets+1)*bucketMs

	// ts+1 so a sample taken at exactly ts is visible.
	prev, err := c.trends.PrevSample(ctx, cl.ID, run.ID, ts+1, minTs)
	if err != nil {
		return false, err
	}
	if prev != nil && prev.Ts >= ts {
		return false, nil
	}

	members, err := c.trends.Members(ctx, run.ID, cl.ID)
	if err != nil {
		return false, err
	}

	sample := models.TrendSample{
		Ts:        ts,
		ClusterID: cl.ID,
		RunID:     run.ID,
		DocCount:  len(members),
	}

	sources := make(map[int64]struct{})
	areaCounts := make(map[int64]int)
	var bucketIDs, priorIDs []int64
	for _, m := range members {
		sources[m.SourceID] = struct{}{}
		if m.AreaID != 0 {
			areaCounts[m.AreaID]++
		}
		switch {
		case m.PublishedAtEpoch >= ts-bucketMs && m.PublishedAtEpoch < ts:
			bucketIDs = append(bucketIDs, m.DocumentID)
		case m.PublishedAtEpoch < ts-bucketMs:
			priorIDs = append(priorIDs, m.DocumentID)
		}
	}
	sample.UniqueSources = len(sources)
	sample.Locality = locality(areaCounts, len(members))

	if prev != nil {
		// Zero-fill skipped ticks so the series stays regular. Fills
		// carry the counts forward with the rate metrics at zero.
		baseline := prev
		for fillTs := prev.Ts + bucketMs; fillTs < ts; fillTs += bucketMs {
			fill := models.TrendSample{
				Ts:            fillTs,
				ClusterID:     cl.ID,
				RunID:         run.ID,
				DocCount:      prev.DocCount,
				UniqueSources: prev.UniqueSources,
				Locality:      prev.Locality,
			}
			if err := c.trends.InsertSample(ctx, &fill); err != nil {
				return false, err
			}
			baseline = &fill
		}
		dtHours := float64(bucketMs) / float64(time.Hour.Milliseconds())
		sample.Velocity = float64(sample.DocCount-baseline.DocCount) / dtHours
		sample.Acceleration = (sample.Velocity - baseline.Velocity) / dtHours
	}

	nov, err := c.novelty(ctx, run.SpaceID, bucketIDs, priorIDs)
	if err != nil {
		return false, err
	}
	sample.Novelty = nov

	if err := c.trends.InsertSample(ctx, &sample); err != nil {
		return false, err
	}
	return true, nil
}

// novelty measures how far the bucket's new documents drift from the
// cluster's earlier content. Zero when either side is empty.
func (c *Calculator) novelty(ctx context.Context, spaceID int64, bucketIDs, priorIDs []int64) (float64, error) {
	if len(bucketIDs) == 0 || len(priorIDs) == 0 {
		return 0, nil
	}
	var cur, prior map[int64][]float32
	err := vector.WithRetry(ctx, func() error {
		var verr error
		cur, verr = c.index.Vectors(ctx, spaceID, bucketIDs)
		return verr
	})
	if err != nil {
		return 0, fmt.Errorf("bucket vectors: %w", err)
	}
	err = vector.WithRetry(ctx, func() error {
		var verr error
		prior, verr = c.index.Vectors(ctx, spaceID, priorIDs)
		return verr
	})
	if err != nil {
		return 0, fmt.Errorf("prior vectors: %w", err)
	}
	if len(cur) == 0 || len(prior) == 0 {
		return 0, nil
	}
	nov := 1 - similarity.Cosine(centroidOf(cur), centroidOf(prior))
	if nov < 0 {
		nov = 0
	}
	return nov, nil
}

func centroidOf(vecs map[int64][]float32) []float32 {
	all := make([][]float32, 0, len(vecs))
	for _, v := range vecs {
		all = append(all, v)
	}
	return similarity.Centroid(all)
}

// locality is the share of area-tagged documents concentrated in the
// dominant area. Untagged clusters report 0.
func locality(areaCounts map[int64]int, total int) float64 {
	if total == 0 {
		return 0
	}
	max := 0
	for _, n := range areaCounts {
		if n > max {
			max = n
		}
	}
	return float64(max) / float64(total)
}
